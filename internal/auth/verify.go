// ABOUTME: Verifies device proofs presented in the connect handshake.
// ABOUTME: Checks the signature over signedAt|nonce, freshness, and nonce replay.

package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/2389/coven-node/internal/dedupe"
	"github.com/2389/coven-node/internal/protocol"
)

const (
	// ProofMaxAge is the maximum age of a proof timestamp.
	ProofMaxAge = 5 * time.Minute

	// ProofNonceCacheSize is the maximum number of nonces tracked for replay.
	ProofNonceCacheSize = 10000
)

// Verification errors.
var (
	ErrProofExpired   = errors.New("device proof expired")
	ErrProofReplayed  = errors.New("device proof nonce already used")
	ErrProofMismatch  = errors.New("device id does not match public key")
	ErrProofSignature = errors.New("device proof signature invalid")
)

// ProofVerifier checks DeviceProofs.
type ProofVerifier struct {
	maxAge time.Duration
	nonces *dedupe.Cache
	now    func() time.Time
}

// NewProofVerifier creates a verifier with replay protection.
func NewProofVerifier() *ProofVerifier {
	return &ProofVerifier{
		maxAge: ProofMaxAge,
		nonces: dedupe.New(ProofMaxAge, ProofNonceCacheSize),
		now:    time.Now,
	}
}

// Close releases the nonce cache.
func (v *ProofVerifier) Close() {
	v.nonces.Close()
}

// Verify returns the fingerprint of the proof's key when the proof is valid.
func (v *ProofVerifier) Verify(p *protocol.DeviceProof) (string, error) {
	if p == nil {
		return "", errors.New("missing device proof")
	}

	pubkey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(p.PublicKey))
	if err != nil {
		return "", fmt.Errorf("invalid public key: %w", err)
	}

	fp := ComputeFingerprint(pubkey)
	if p.ID != "" && p.ID != fp {
		return "", ErrProofMismatch
	}

	age := v.now().Sub(time.Unix(p.SignedAt, 0))
	if age < -time.Minute || age > v.maxAge {
		return "", fmt.Errorf("%w (age: %v, max: %v)", ErrProofExpired, age, v.maxAge)
	}

	sigBytes, err := base64.StdEncoding.DecodeString(p.Signature)
	if err != nil {
		return "", fmt.Errorf("invalid signature encoding: %w", err)
	}
	sig := new(ssh.Signature)
	if err := ssh.Unmarshal(sigBytes, sig); err != nil {
		return "", fmt.Errorf("invalid signature format: %w", err)
	}
	if err := pubkey.Verify([]byte(proofMessage(p.SignedAt, p.Nonce)), sig); err != nil {
		return "", fmt.Errorf("%w: %v", ErrProofSignature, err)
	}

	// Keyed by fingerprint so one device's nonce cannot block another.
	if v.nonces.CheckAndMark(fmt.Sprintf("%s:%d:%s", fp, p.SignedAt, p.Nonce)) {
		return "", ErrProofReplayed
	}
	return fp, nil
}
