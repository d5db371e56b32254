// ABOUTME: Persistent ed25519 device identity and the signed device proof sent at connect.
// ABOUTME: The device id is the SHA256 fingerprint of the SSH-marshaled public key.

package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/2389/coven-node/internal/protocol"
)

// Identity is the node's device key.
type Identity struct {
	signer ssh.Signer
	id     string
	now    func() time.Time
}

// NewIdentity wraps an existing signer.
func NewIdentity(signer ssh.Signer) *Identity {
	return &Identity{
		signer: signer,
		id:     ComputeFingerprint(signer.PublicKey()),
		now:    time.Now,
	}
}

// GenerateIdentity creates a fresh in-memory identity.
func GenerateIdentity() (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating device key: %w", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("creating signer: %w", err)
	}
	return NewIdentity(signer), nil
}

// LoadOrCreateIdentity reads the OpenSSH private key at path, creating one
// (mode 0600) when the file does not exist.
func LoadOrCreateIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parsing device key %s: %w", path, err)
		}
		return NewIdentity(signer), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading device key: %w", err)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating device key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "coven-node")
	if err != nil {
		return nil, fmt.Errorf("encoding device key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, fmt.Errorf("writing device key: %w", err)
	}

	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("creating signer: %w", err)
	}
	return NewIdentity(signer), nil
}

// DeviceID returns the 64-character hex fingerprint.
func (i *Identity) DeviceID() string {
	return i.id
}

// PublicKey returns the public key in authorized_keys format, without the trailing newline.
func (i *Identity) PublicKey() string {
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(i.signer.PublicKey())))
}

// Proof signs "signedAt|nonce" with a fresh nonce.
func (i *Identity) Proof() (*protocol.DeviceProof, error) {
	return i.ProofWithNonce(uuid.NewString())
}

// ProofWithNonce signs "signedAt|nonce" for a caller-supplied nonce, such as
// one taken from a connect.challenge event.
func (i *Identity) ProofWithNonce(nonce string) (*protocol.DeviceProof, error) {
	signedAt := i.now().Unix()
	sig, err := i.signer.Sign(rand.Reader, []byte(proofMessage(signedAt, nonce)))
	if err != nil {
		return nil, fmt.Errorf("signing device proof: %w", err)
	}
	return &protocol.DeviceProof{
		ID:        i.id,
		PublicKey: i.PublicKey(),
		Signature: base64.StdEncoding.EncodeToString(ssh.Marshal(sig)),
		SignedAt:  signedAt,
		Nonce:     nonce,
	}, nil
}

// ComputeFingerprint computes the SHA256 fingerprint of a public key.
// Returns lowercase hex encoding without colons.
func ComputeFingerprint(pubkey ssh.PublicKey) string {
	hash := sha256.Sum256(pubkey.Marshal())
	return hex.EncodeToString(hash[:])
}

// ParseFingerprintFromKey parses an authorized_keys line and returns its fingerprint.
func ParseFingerprintFromKey(pubkeyStr string) (string, error) {
	pubkey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(pubkeyStr))
	if err != nil {
		return "", fmt.Errorf("invalid public key: %w", err)
	}
	return ComputeFingerprint(pubkey), nil
}

func proofMessage(signedAt int64, nonce string) string {
	return fmt.Sprintf("%d|%s", signedAt, nonce)
}
