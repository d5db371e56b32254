// ABOUTME: Tests for device identity persistence, proof signing and verification
// ABOUTME: Covers fingerprint format, key reuse across loads, expiry and replay

package auth

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"
)

var hexID = regexp.MustCompile(`^[0-9a-f]{64}$`)

func TestLoadOrCreateIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "device_ed25519")

	first, err := LoadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity() error = %v", err)
	}
	if !hexID.MatchString(first.DeviceID()) {
		t.Errorf("DeviceID() = %q, want 64 hex chars", first.DeviceID())
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("key file not written: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("key file mode = %o, want 600", perm)
	}

	second, err := LoadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("reload error = %v", err)
	}
	if second.DeviceID() != first.DeviceID() {
		t.Errorf("reloaded id %q != %q", second.DeviceID(), first.DeviceID())
	}

	fp, err := ParseFingerprintFromKey(first.PublicKey())
	if err != nil {
		t.Fatalf("ParseFingerprintFromKey() error = %v", err)
	}
	if fp != first.DeviceID() {
		t.Errorf("fingerprint of public key %q != device id %q", fp, first.DeviceID())
	}
}

func TestLoadOrCreateIdentity_CorruptKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad")
	if err := os.WriteFile(path, []byte("not a key"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadOrCreateIdentity(path); err == nil {
		t.Error("expected error for corrupt key file")
	}
}

func TestProofVerifier(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() error = %v", err)
	}

	t.Run("valid proof yields device id", func(t *testing.T) {
		v := NewProofVerifier()
		defer v.Close()

		proof, err := id.Proof()
		if err != nil {
			t.Fatalf("Proof() error = %v", err)
		}
		fp, err := v.Verify(proof)
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if fp != id.DeviceID() {
			t.Errorf("Verify() = %q, want %q", fp, id.DeviceID())
		}
	})

	t.Run("replayed nonce is refused", func(t *testing.T) {
		v := NewProofVerifier()
		defer v.Close()

		proof, _ := id.ProofWithNonce("fixed-nonce")
		if _, err := v.Verify(proof); err != nil {
			t.Fatalf("first Verify() error = %v", err)
		}
		if _, err := v.Verify(proof); !errors.Is(err, ErrProofReplayed) {
			t.Errorf("second Verify() error = %v, want ErrProofReplayed", err)
		}
	})

	t.Run("stale proof is refused", func(t *testing.T) {
		v := NewProofVerifier()
		defer v.Close()

		stale := NewIdentity(id.signer)
		stale.now = func() time.Time { return time.Now().Add(-time.Hour) }
		proof, _ := stale.Proof()
		if _, err := v.Verify(proof); !errors.Is(err, ErrProofExpired) {
			t.Errorf("Verify() error = %v, want ErrProofExpired", err)
		}
	})

	t.Run("tampered nonce fails signature", func(t *testing.T) {
		v := NewProofVerifier()
		defer v.Close()

		proof, _ := id.Proof()
		proof.Nonce = "something-else"
		if _, err := v.Verify(proof); !errors.Is(err, ErrProofSignature) {
			t.Errorf("Verify() error = %v, want ErrProofSignature", err)
		}
	})

	t.Run("claimed id must match key", func(t *testing.T) {
		v := NewProofVerifier()
		defer v.Close()

		proof, _ := id.Proof()
		proof.ID = "0000"
		if _, err := v.Verify(proof); !errors.Is(err, ErrProofMismatch) {
			t.Errorf("Verify() error = %v, want ErrProofMismatch", err)
		}
	})
}
