// ABOUTME: In-memory Ledger and AuditLog for tests and for running without a database
// ABOUTME: Applies the same filters and ordering as the SQLite store

package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu          sync.Mutex
	invocations []InvocationRecord
	audit       []AuditEntry
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) RecordInvocation(_ context.Context, rec *InvocationRecord) error {
	fillInvocationDefaults(rec)
	m.mu.Lock()
	m.invocations = append(m.invocations, *rec)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) ListInvocations(_ context.Context, f InvocationFilter) ([]InvocationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []InvocationRecord{}
	for _, rec := range m.invocations {
		if f.Command != nil && rec.Command != *f.Command {
			continue
		}
		if f.IdempotencyKey != nil && rec.IdempotencyKey != *f.IdempotencyKey {
			continue
		}
		if f.Since != nil && rec.StartedAt.Before(*f.Since) {
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit := normalizeLimit(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) AppendAuditLog(_ context.Context, e *AuditEntry) error {
	fillAuditDefaults(e)
	m.mu.Lock()
	m.audit = append(m.audit, *e)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) ListAuditLog(_ context.Context, f AuditFilter) ([]AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []AuditEntry{}
	for _, e := range m.audit {
		if f.Since != nil && e.Timestamp.Before(*f.Since) {
			continue
		}
		if f.Action != nil && e.Action != *f.Action {
			continue
		}
		if f.TargetType != nil && e.TargetType != *f.TargetType {
			continue
		}
		if f.TargetID != nil && e.TargetID != *f.TargetID {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit := normalizeLimit(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

var (
	_ Ledger   = (*MemoryStore)(nil)
	_ AuditLog = (*MemoryStore)(nil)
	_ Ledger   = (*SQLiteStore)(nil)
	_ AuditLog = (*SQLiteStore)(nil)
)
