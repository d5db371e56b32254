// ABOUTME: Bearer token helpers: unverified JWT inspection on the node, HS256 verification on the gateway.
// ABOUTME: Opaque (non-JWT) tokens are passed through untouched.

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrNotJWT       = errors.New("token is not a JWT")
)

// TokenInfo is what the node can learn from a token without the signing secret.
type TokenInfo struct {
	Subject   string
	ExpiresAt time.Time
}

// Expired reports whether the token has an expiry before now.
func (ti TokenInfo) Expired(now time.Time) bool {
	return !ti.ExpiresAt.IsZero() && now.After(ti.ExpiresAt)
}

// InspectToken parses a JWT without verifying its signature. Opaque tokens
// return ErrNotJWT.
func InspectToken(tokenString string) (TokenInfo, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return TokenInfo{}, fmt.Errorf("%w: %v", ErrNotJWT, err)
	}

	var info TokenInfo
	info.Subject, _ = claims.GetSubject()
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		info.ExpiresAt = exp.Time
	}
	return info, nil
}

// JWTVerifier verifies and mints HS256 signed JWTs.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify validates the token and returns its "sub" claim.
func (v *JWTVerifier) Verify(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return sub, nil
}

// Generate mints a token for subject that expires after expiresIn.
func (v *JWTVerifier) Generate(subject string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
