// ABOUTME: System pack: synchronous command execution, PATH lookup and exec approvals.
// ABOUTME: Approval changes are persisted by the gate and recorded in the audit log when one is configured.

package builtins

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os/exec"
	"time"

	"github.com/2389/coven-node/internal/approval"
	"github.com/2389/coven-node/internal/dispatch"
	"github.com/2389/coven-node/internal/process"
	"github.com/2389/coven-node/internal/protocol"
	"github.com/2389/coven-node/internal/store"
)

// PolicyHolder reads and replaces the exec approval policy.
type PolicyHolder interface {
	Policy() approval.Policy
	SetPolicy(approval.Policy) (approval.Policy, error)
}

// SystemPack creates the system.* commands.
func SystemPack(policies PolicyHolder, audit store.AuditLog, logger *slog.Logger) *dispatch.Pack {
	s := &systemHandlers{
		policies: policies,
		audit:    audit,
		logger:   logger,
		lookPath: exec.LookPath,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return &dispatch.Pack{
		ID: "builtin:system",
		Commands: []*dispatch.Command{
			{
				Name:        "system.run",
				Description: "Run a command line and return its output and exit code",
				SideEffect:  true,
				Argv:        commandArgv,
				Handler:     s.Run,
			},
			{
				Name:        "system.which",
				Description: "Resolve an executable on PATH",
				Handler:     s.Which,
			},
			{
				Name:        "system.execApprovals.get",
				Description: "Return the exec approval policy",
				Handler:     s.GetApprovals,
			},
			{
				Name:        "system.execApprovals.set",
				Description: "Replace the exec approval policy",
				Handler:     s.SetApprovals,
			},
		},
	}
}

type systemHandlers struct {
	policies PolicyHolder
	audit    store.AuditLog
	logger   *slog.Logger
	lookPath func(string) (string, error)
}

type runParams struct {
	Command   []string          `json:"command"`
	Cwd       string            `json:"cwd,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	TimeoutMs int64             `json:"timeoutMs,omitempty"`
	MaxOutput int               `json:"maxOutputBytes,omitempty"`
}

func (s *systemHandlers) Run(ctx context.Context, _ *protocol.Invocation, params json.RawMessage) (any, error) {
	var p runParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}

	res, err := process.Run(ctx, process.RunRequest{
		Command:   p.Command,
		Cwd:       p.Cwd,
		Env:       p.Env,
		Timeout:   time.Duration(p.TimeoutMs) * time.Millisecond,
		MaxOutput: p.MaxOutput,
	})
	switch {
	case errors.Is(err, process.ErrEmptyCommand):
		return nil, dispatch.InvalidParams(err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return nil, err
	case err != nil:
		return nil, dispatch.Errorf(protocol.CodeExecFailed, "%v", err)
	}
	return res, nil
}

type whichParams struct {
	Name string `json:"name"`
}

type whichResult struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

func (s *systemHandlers) Which(_ context.Context, _ *protocol.Invocation, params json.RawMessage) (any, error) {
	var p whichParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, dispatch.InvalidParams(errors.New("name is required"))
	}
	path, err := s.lookPath(p.Name)
	if err != nil {
		return nil, dispatch.Errorf(protocol.CodeNotFound, "%s not found on PATH", p.Name)
	}
	return whichResult{Name: p.Name, Path: path}, nil
}

func (s *systemHandlers) GetApprovals(context.Context, *protocol.Invocation, json.RawMessage) (any, error) {
	return s.policies.Policy(), nil
}

type setApprovalsParams struct {
	Mode      *string          `json:"mode"`
	Allowlist *[]approval.Rule `json:"allowlist"`
}

// SetApprovals replaces the fields present in params; an omitted mode or
// allowlist keeps its current value.
func (s *systemHandlers) SetApprovals(ctx context.Context, inv *protocol.Invocation, params json.RawMessage) (any, error) {
	var p setApprovalsParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}

	next := s.policies.Policy()
	if p.Mode != nil {
		mode, err := approval.ParseMode(*p.Mode)
		if err != nil {
			return nil, dispatch.InvalidParams(err)
		}
		next.Mode = mode
	}
	if p.Allowlist != nil {
		next.Allowlist = *p.Allowlist
	}
	if err := next.Validate(); err != nil {
		return nil, dispatch.InvalidParams(err)
	}

	policy, err := s.policies.SetPolicy(next)
	if err != nil {
		return nil, dispatch.Errorf(protocol.CodeInternal, "%v", err)
	}

	if s.audit != nil {
		entry := &store.AuditEntry{
			Actor:      "gateway",
			Action:     store.AuditSetApprovals,
			TargetType: "approvals",
			TargetID:   inv.NodeID,
			Detail: map[string]any{
				"mode":          string(policy.Mode),
				"rules":         len(policy.Allowlist),
				"invocation_id": inv.ID,
			},
		}
		if err := s.audit.AppendAuditLog(context.WithoutCancel(ctx), entry); err != nil {
			s.logger.Warn("failed to audit approval change", "error", err)
		}
	}
	return policy, nil
}
