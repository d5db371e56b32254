// Package dispatch executes command invocations routed to this node.
//
// # Overview
//
// Commands are grouped into packs and registered with a Registry. The
// Dispatcher receives invocations from the gateway session in either of
// two forms:
//
//   - a "node.invoke" request frame, answered with a response frame of the
//     same id whose payload is the command result envelope
//   - a "node.invoke.request" event, answered by sending a
//     "node.invoke.result" request carrying the invocation id
//
// # Execution
//
// Every invocation runs exactly once. Before a side-effecting command runs,
// its command line is checked by the approval gate. Unknown commands,
// rejected commands, handler errors and panics all become ok=false results
// with a machine-readable code; none of them fail the connection.
//
// The idempotency key, when present, is observed in a bounded window and the
// repeat flag is written to the invocation ledger alongside the outcome.
package dispatch
