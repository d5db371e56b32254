// ABOUTME: Ledger interfaces and record types for the node's local persistence.
// ABOUTME: Invocation records capture what was executed; audit entries capture operator changes.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Outcome of an executed invocation.
type Outcome string

const (
	OutcomeOK       Outcome = "ok"
	OutcomeError    Outcome = "error"
	OutcomeRejected Outcome = "rejected"
)

// InvocationRecord is one executed command invocation.
type InvocationRecord struct {
	ID             string // UUID v4, generated when empty
	InvocationID   string // gateway-assigned invocation or request id
	Command        string
	IdempotencyKey string
	Repeat         bool // the idempotency key was seen before inside the window
	Transport      string
	Outcome        Outcome
	ErrorCode      string
	StartedAt      time.Time
	Duration       time.Duration
}

// InvocationFilter narrows ListInvocations.
type InvocationFilter struct {
	Command        *string
	IdempotencyKey *string
	Since          *time.Time
	Limit          int // default 100, max 1000
}

// Ledger records executed invocations.
type Ledger interface {
	RecordInvocation(ctx context.Context, rec *InvocationRecord) error
	ListInvocations(ctx context.Context, f InvocationFilter) ([]InvocationRecord, error)
}

// AuditLog records operator changes.
type AuditLog interface {
	AppendAuditLog(ctx context.Context, e *AuditEntry) error
	ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}

// normalizeLimit applies default (100) and cap (1000).
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
