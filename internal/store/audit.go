// ABOUTME: Audit log entries for operator-initiated changes made through the node
// ABOUTME: Records who changed approvals or resolved pairing requests, and when

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents an auditable action.
type AuditAction string

const (
	AuditSetApprovals   AuditAction = "set_approvals"
	AuditApprovePairing AuditAction = "approve_pairing"
	AuditRejectPairing  AuditAction = "reject_pairing"
)

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	ID         string         // UUID v4
	Actor      string         // device id or "cli"
	Action     AuditAction    // what action was performed
	TargetType string         // "approvals", "pairing"
	TargetID   string         // ID of the affected resource
	Timestamp  time.Time      // when it happened
	Detail     map[string]any // additional context
}

// AuditFilter specifies filtering options for listing audit entries.
type AuditFilter struct {
	Since      *time.Time
	Action     *AuditAction
	TargetType *string
	TargetID   *string
	Limit      int // default 100, max 1000
}

// AppendAuditLog appends a new entry to the audit log.
// Generates ID and Timestamp if not set.
func (s *SQLiteStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	fillAuditDefaults(e)

	var detailJSON *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (audit_id, actor, action, target_type, target_id, ts, detail_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID,
		e.Actor,
		string(e.Action),
		e.TargetType,
		e.TargetID,
		e.Timestamp.UTC().Format(timeLayout),
		detailJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}

	s.logger.Debug("appended audit log",
		"id", e.ID,
		"actor", e.Actor,
		"action", e.Action,
		"target", e.TargetType+"/"+e.TargetID,
	)
	return nil
}

// ListAuditLog returns entries matching the filter, newest first.
func (s *SQLiteStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	var since, action *string
	if f.Since != nil {
		v := f.Since.UTC().Format(timeLayout)
		since = &v
	}
	if f.Action != nil {
		v := string(*f.Action)
		action = &v
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT audit_id, actor, action, target_type, target_id, ts, detail_json
		FROM audit_log
		WHERE (? IS NULL OR ts >= ?)
		  AND (? IS NULL OR action = ?)
		  AND (? IS NULL OR target_type = ?)
		  AND (? IS NULL OR target_id = ?)
		ORDER BY ts DESC
		LIMIT ?
	`,
		since, since,
		action, action,
		f.TargetType, f.TargetType,
		f.TargetID, f.TargetID,
		normalizeLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []AuditEntry{}
	for rows.Next() {
		var (
			e          AuditEntry
			action, ts string
			detailJSON *string
		)
		if err := rows.Scan(&e.ID, &e.Actor, &action, &e.TargetType, &e.TargetID, &ts, &detailJSON); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.Action = AuditAction(action)
		if e.Timestamp, err = time.Parse(timeLayout, ts); err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		if detailJSON != nil {
			if err := json.Unmarshal([]byte(*detailJSON), &e.Detail); err != nil {
				return nil, fmt.Errorf("unmarshaling audit detail: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}
	return entries, nil
}

func fillAuditDefaults(e *AuditEntry) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
}
