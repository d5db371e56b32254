// ABOUTME: Exec approval policy: mode plus allowlist rules matched with doublestar globs.
// ABOUTME: Bare names match as typed or by PATH resolution; paths match only as paths.

package approval

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Mode selects how side-effecting commands are gated.
type Mode string

const (
	ModeNone      Mode = "none"
	ModeAllowlist Mode = "allowlist"
	ModeFull      Mode = "full"
)

// ParseMode accepts the mode names plus the aliases other tools write.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "deny", "off", "disabled":
		return ModeNone, nil
	case "allowlist", "allow-list", "":
		return ModeAllowlist, nil
	case "full", "allow", "all":
		return ModeFull, nil
	default:
		return "", fmt.Errorf("unknown approval mode %q", s)
	}
}

// Rule is one allowlist entry.
type Rule struct {
	Pattern string `json:"pattern"`
}

// Policy is the current exec approval policy.
type Policy struct {
	Mode      Mode   `json:"mode"`
	Allowlist []Rule `json:"allowlist,omitempty"`
}

// DefaultPolicy denies everything until rules are added or the mode is changed.
func DefaultPolicy() Policy {
	return Policy{Mode: ModeAllowlist}
}

// Validate checks the mode and that every pattern is a well-formed glob.
func (p Policy) Validate() error {
	if _, err := ParseMode(string(p.Mode)); err != nil {
		return err
	}
	for _, r := range p.Allowlist {
		if strings.TrimSpace(r.Pattern) == "" {
			return fmt.Errorf("empty allowlist pattern")
		}
		if !doublestar.ValidatePattern(r.Pattern) {
			return fmt.Errorf("invalid allowlist pattern %q", r.Pattern)
		}
	}
	return nil
}

// Normalize canonicalizes the mode name.
func (p Policy) Normalize() Policy {
	if m, err := ParseMode(string(p.Mode)); err == nil {
		p.Mode = m
	}
	return p
}

// Patterns returns the allowlist patterns.
func (p Policy) Patterns() []string {
	out := make([]string, 0, len(p.Allowlist))
	for _, r := range p.Allowlist {
		out = append(out, r.Pattern)
	}
	return out
}

// match returns the first rule matching any candidate.
func (p Policy) match(candidates []string) (string, bool) {
	for _, r := range p.Allowlist {
		for _, c := range candidates {
			if c == "" {
				continue
			}
			ok, err := doublestar.Match(r.Pattern, c)
			if err == nil && ok {
				return r.Pattern, true
			}
		}
	}
	return "", false
}

// candidates lists the strings an allowlist rule may match. A bare name
// matches as typed and by its PATH resolution; a path matches only as a
// path, so a rule naming a bare executable never approves a same-named
// binary elsewhere on disk.
func candidates(argv []string, resolved string) []string {
	exe := argv[0]
	args := argv[1:]

	var names []string
	if isBareName(exe) {
		names = append(names, exe)
		if resolved != "" {
			names = append(names, filepath.Clean(resolved))
		}
	} else {
		names = append(names, cleanPath(exe))
	}

	out := append([]string(nil), names...)
	if len(args) > 0 {
		for _, n := range names {
			out = append(out, n+" "+strings.Join(args, " "))
		}
	}
	return out
}

func isBareName(exe string) bool {
	return !strings.ContainsRune(exe, '/') && !strings.ContainsRune(exe, filepath.Separator)
}

// cleanPath normalizes absolute paths. Relative paths stay literal since
// they depend on the working directory of the eventual process.
func cleanPath(exe string) string {
	if filepath.IsAbs(exe) {
		return filepath.Clean(exe)
	}
	return exe
}
