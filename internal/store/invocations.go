// ABOUTME: Invocation ledger rows: insert and filtered listing, newest first.
// ABOUTME: Durations are stored in milliseconds and timestamps as RFC3339Nano UTC.

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecordInvocation appends rec, generating ID and StartedAt if unset.
func (s *SQLiteStore) RecordInvocation(ctx context.Context, rec *InvocationRecord) error {
	fillInvocationDefaults(rec)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invocations (record_id, invocation_id, command, idempotency_key, repeat, transport, outcome, error_code, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID,
		rec.InvocationID,
		rec.Command,
		nullable(rec.IdempotencyKey),
		rec.Repeat,
		rec.Transport,
		string(rec.Outcome),
		nullable(rec.ErrorCode),
		rec.StartedAt.UTC().Format(timeLayout),
		rec.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("inserting invocation: %w", err)
	}

	s.logger.Debug("recorded invocation",
		"id", rec.ID,
		"command", rec.Command,
		"outcome", rec.Outcome,
		"repeat", rec.Repeat,
	)
	return nil
}

const invocationQuery = `
	SELECT record_id, invocation_id, command, idempotency_key, repeat, transport, outcome, error_code, started_at, duration_ms
	FROM invocations
	WHERE (? IS NULL OR command = ?)
	  AND (? IS NULL OR idempotency_key = ?)
	  AND (? IS NULL OR started_at >= ?)
	ORDER BY started_at DESC
	LIMIT ?
`

// ListInvocations returns matching records, newest first.
func (s *SQLiteStore) ListInvocations(ctx context.Context, f InvocationFilter) ([]InvocationRecord, error) {
	var since *string
	if f.Since != nil {
		v := f.Since.UTC().Format(timeLayout)
		since = &v
	}

	rows, err := s.db.QueryContext(ctx, invocationQuery,
		f.Command, f.Command,
		f.IdempotencyKey, f.IdempotencyKey,
		since, since,
		normalizeLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying invocations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []InvocationRecord{}
	for rows.Next() {
		var (
			rec        InvocationRecord
			idem, code *string
			outcome    string
			startedAt  string
			durationMs int64
		)
		if err := rows.Scan(&rec.ID, &rec.InvocationID, &rec.Command, &idem, &rec.Repeat,
			&rec.Transport, &outcome, &code, &startedAt, &durationMs); err != nil {
			return nil, fmt.Errorf("scanning invocation: %w", err)
		}
		if idem != nil {
			rec.IdempotencyKey = *idem
		}
		if code != nil {
			rec.ErrorCode = *code
		}
		rec.Outcome = Outcome(outcome)
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		if rec.StartedAt, err = time.Parse(timeLayout, startedAt); err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating invocations: %w", err)
	}
	return out, nil
}

func fillInvocationDefaults(rec *InvocationRecord) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	if rec.Transport == "" {
		rec.Transport = "event"
	}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
