// ABOUTME: Tests for allowlist candidate selection.
// ABOUTME: A bare-name rule must never approve a same-named binary at another path.

package approval

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCandidates(t *testing.T) {
	tests := []struct {
		name     string
		argv     []string
		resolved string
		want     []string
	}{
		{"bare name with resolution", []string{"echo", "hi"}, "/bin/echo",
			[]string{"echo", "/bin/echo", "echo hi", "/bin/echo hi"}},
		{"bare name unresolved", []string{"echo"}, "", []string{"echo"}},
		{"absolute path is cleaned", []string{"/usr/bin/../bin/ls"}, "", []string{"/usr/bin/ls"}},
		{"absolute path has no base name", []string{"/tmp/x/echo", "hi"}, "",
			[]string{"/tmp/x/echo", "/tmp/x/echo hi"}},
		{"relative path stays literal", []string{"./echo"}, "", []string{"./echo"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, candidates(tt.argv, tt.resolved))
		})
	}
}

func TestBareNameRules(t *testing.T) {
	g := NewGate(GateConfig{
		Policy: Policy{Mode: ModeAllowlist, Allowlist: []Rule{{Pattern: "echo"}, {Pattern: "/usr/bin/ls"}}},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		LookPath: func(name string) (string, error) {
			if name == "echo" {
				return "/bin/echo", nil
			}
			return "", errors.New("not found")
		},
	})

	tests := []struct {
		name string
		argv []string
		want bool
	}{
		{"bare name", []string{"echo", "hi"}, true},
		{"same base name elsewhere", []string{"/tmp/x/echo"}, false},
		{"relative path with same base name", []string{"./echo"}, false},
		{"nested relative path", []string{"bin/echo"}, false},
		{"listed path through dot dot", []string{"/usr/bin/../bin/ls"}, true},
		{"bare name of a listed path", []string{"/opt/ls"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, g.Check(tt.argv).Allowed)
		})
	}
}

func TestBareNameRuleRejectsRealCopy(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX toolchain layout")
	}
	touch, err := exec.LookPath("touch")
	if err != nil {
		t.Skip("touch not available")
	}
	data, err := os.ReadFile(touch)
	require.NoError(t, err)

	dir := t.TempDir()
	fake := filepath.Join(dir, "echo")
	require.NoError(t, os.WriteFile(fake, data, 0o755))

	g := NewGate(GateConfig{
		Policy: Policy{Mode: ModeAllowlist, Allowlist: []Rule{{Pattern: "echo"}}},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	d := g.Check([]string{fake, filepath.Join(dir, "marker")})
	assert.False(t, d.Allowed)
	assert.Equal(t, fake, d.Executable)
}
