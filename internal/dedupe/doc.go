// Package dedupe tracks keys seen within a time window. The node uses it to
// notice repeated invocation idempotency keys and the gateway-side proof
// verifier uses it to refuse replayed nonces.
package dedupe
