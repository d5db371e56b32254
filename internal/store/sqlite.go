// ABOUTME: SQLite implementation of the node ledger using modernc.org/sqlite
// ABOUTME: Creates the schema on open and enables WAL for concurrent readers

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Ledger and AuditLog using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at path.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection keeps ":memory:" databases coherent and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite ledger initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS invocations (
			record_id       TEXT PRIMARY KEY,
			invocation_id   TEXT NOT NULL,
			command         TEXT NOT NULL,
			idempotency_key TEXT,
			repeat          INTEGER NOT NULL DEFAULT 0,
			transport       TEXT NOT NULL,
			outcome         TEXT NOT NULL,
			error_code      TEXT,
			started_at      TEXT NOT NULL,
			duration_ms     INTEGER NOT NULL,

			CHECK (outcome IN ('ok', 'error', 'rejected'))
		);

		CREATE INDEX IF NOT EXISTS idx_invocations_started ON invocations(started_at DESC);
		CREATE INDEX IF NOT EXISTS idx_invocations_command ON invocations(command);
		CREATE INDEX IF NOT EXISTS idx_invocations_idem ON invocations(idempotency_key);

		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id    TEXT PRIMARY KEY,
			actor       TEXT NOT NULL,
			action      TEXT NOT NULL,
			target_type TEXT NOT NULL,
			target_id   TEXT NOT NULL,
			ts          TEXT NOT NULL,
			detail_json TEXT,

			CHECK (action IN (
				'set_approvals',
				'approve_pairing',
				'reject_pairing'
			))
		);

		CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_target ON audit_log(target_type, target_id);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
