// ABOUTME: Approval gate consulted before any side-effecting command runs.
// ABOUTME: Holds the runtime-mutable policy and persists changes when a store is configured.

package approval

import (
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/2389/coven-node/internal/metrics"
	"github.com/2389/coven-node/internal/protocol"
)

// Decision is the outcome of a gate check.
type Decision struct {
	Allowed    bool
	Mode       Mode
	Reason     string
	Message    string
	Executable string
	Rule       string
	Checked    []string
}

// Details renders the decision for an error envelope.
func (d Decision) Details() map[string]any {
	details := map[string]any{
		"reason": d.Reason,
		"mode":   string(d.Mode),
	}
	if d.Executable != "" {
		details["executable"] = d.Executable
	}
	if d.Mode == ModeAllowlist {
		details["checked"] = d.Checked
	}
	return details
}

// Store persists a policy.
type Store interface {
	Load() (Policy, error)
	Save(Policy) error
}

// GateConfig configures a Gate.
type GateConfig struct {
	Policy  Policy
	Store   Store
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// LookPath resolves bare executable names; defaults to exec.LookPath.
	LookPath func(string) (string, error)
}

// Gate decides whether a command line may run.
type Gate struct {
	mu       sync.RWMutex
	policy   Policy
	store    Store
	logger   *slog.Logger
	metrics  *metrics.Metrics
	lookPath func(string) (string, error)
}

// NewGate creates a Gate with the given starting policy.
func NewGate(cfg GateConfig) *Gate {
	g := &Gate{
		policy:   cfg.Policy.Normalize(),
		store:    cfg.Store,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		lookPath: cfg.LookPath,
	}
	if g.policy.Mode == "" {
		g.policy = DefaultPolicy()
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.lookPath == nil {
		g.lookPath = exec.LookPath
	}
	return g
}

// Policy returns a copy of the current policy.
func (g *Gate) Policy() Policy {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return clonePolicy(g.policy)
}

// SetPolicy replaces the policy and persists it when a store is configured.
func (g *Gate) SetPolicy(p Policy) (Policy, error) {
	p = p.Normalize()
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.store != nil {
		if err := g.store.Save(p); err != nil {
			return Policy{}, fmt.Errorf("persisting approvals: %w", err)
		}
	}
	g.policy = clonePolicy(p)
	g.logger.Info("exec approval policy updated",
		"mode", p.Mode,
		"rules", len(p.Allowlist),
	)
	return clonePolicy(p), nil
}

// Check evaluates argv against the current policy.
func (g *Gate) Check(argv []string) Decision {
	policy := g.Policy()
	d := g.evaluate(policy, argv)

	decision := "deny"
	if d.Allowed {
		decision = "allow"
	}
	g.metrics.ApprovalDecision(string(policy.Mode), decision)
	if !d.Allowed {
		g.logger.Warn("command rejected by approval policy",
			"mode", policy.Mode,
			"executable", d.Executable,
			"reason", d.Reason,
		)
	}
	return d
}

func (g *Gate) evaluate(policy Policy, argv []string) Decision {
	d := Decision{Mode: policy.Mode}
	if len(argv) > 0 {
		d.Executable = argv[0]
	}

	switch policy.Mode {
	case ModeFull:
		d.Allowed = true
		return d
	case ModeNone:
		d.Reason = protocol.ReasonNotAllowlisted
		d.Message = "exec approvals disabled"
		return d
	}

	d.Checked = policy.Patterns()
	if len(argv) == 0 || argv[0] == "" {
		d.Reason = protocol.ReasonNotAllowlisted
		d.Message = "empty command"
		return d
	}

	resolved := ""
	if isBareName(argv[0]) {
		if p, err := g.lookPath(argv[0]); err == nil {
			resolved = p
		}
	}

	if rule, ok := policy.match(candidates(argv, resolved)); ok {
		d.Allowed = true
		d.Rule = rule
		return d
	}

	d.Reason = protocol.ReasonNotAllowlisted
	if len(d.Checked) == 0 {
		d.Message = fmt.Sprintf("%s is not allowlisted (allowlist is empty)", argv[0])
	} else {
		d.Message = fmt.Sprintf("%s matched none of %d allowlist rules: %s",
			argv[0], len(d.Checked), strings.Join(d.Checked, ", "))
	}
	return d
}

func clonePolicy(p Policy) Policy {
	out := Policy{Mode: p.Mode}
	if p.Allowlist != nil {
		out.Allowlist = append([]Rule(nil), p.Allowlist...)
	}
	return out
}
