// Package store persists the node's local ledger using SQLite.
//
// # Tables
//
//   - invocations: one row per command invocation the node executed, with its
//     outcome, error code, idempotency key and whether the key was a repeat
//   - audit_log: operator-visible changes such as approval policy updates and
//     pairing decisions made from this host
//
// SQLiteStore implements Ledger and AuditLog. MemoryStore is an in-memory
// implementation for tests and for runs with the ledger disabled.
//
// # Usage
//
//	s, err := store.NewSQLiteStore(filepath.Join(stateDir, "node.db"))
//	defer s.Close()
//
//	err = s.RecordInvocation(ctx, &store.InvocationRecord{Command: "system.run", Outcome: store.OutcomeOK})
//	recent, err := s.ListInvocations(ctx, store.InvocationFilter{Limit: 20})
package store
