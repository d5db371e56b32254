// ABOUTME: JSON file persistence for the exec approval policy.
// ABOUTME: Writes go to a temp file in the same directory and are renamed into place.

package approval

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNoPolicyFile is returned by Load when the file does not exist yet.
var ErrNoPolicyFile = errors.New("approvals file does not exist")

// FileStore keeps the policy in a JSON file.
type FileStore struct {
	Path string
}

type fileFormat struct {
	Version   int    `json:"version"`
	Mode      Mode   `json:"mode"`
	Allowlist []Rule `json:"allowlist"`
}

// NewFileStore expands a leading ~ in path.
func NewFileStore(path string) (*FileStore, error) {
	expanded, err := ExpandHome(path)
	if err != nil {
		return nil, err
	}
	return &FileStore{Path: expanded}, nil
}

// Load reads the policy.
func (f *FileStore) Load() (Policy, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return Policy{}, ErrNoPolicyFile
	}
	if err != nil {
		return Policy{}, fmt.Errorf("reading approvals: %w", err)
	}

	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return Policy{}, fmt.Errorf("parsing approvals %s: %w", f.Path, err)
	}
	p := Policy{Mode: ff.Mode, Allowlist: ff.Allowlist}.Normalize()
	if err := p.Validate(); err != nil {
		return Policy{}, fmt.Errorf("approvals %s: %w", f.Path, err)
	}
	return p, nil
}

// Save writes the policy.
func (f *FileStore) Save(p Policy) error {
	data, err := json.MarshalIndent(fileFormat{Version: 1, Mode: p.Mode, Allowlist: p.Allowlist}, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating approvals directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".approvals-*.json")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("writing approvals: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing approvals: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.Path); err != nil {
		return fmt.Errorf("replacing approvals: %w", err)
	}
	return nil
}

// LoadOrDefault returns the stored policy, or fallback when there is none yet.
func (f *FileStore) LoadOrDefault(fallback Policy) (Policy, error) {
	p, err := f.Load()
	if errors.Is(err, ErrNoPolicyFile) {
		return fallback, nil
	}
	return p, err
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
