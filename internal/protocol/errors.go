// ABOUTME: Protocol-level error types and the machine-readable error codes used in envelopes.
// ABOUTME: A ProtocolError is fatal to the connection that produced it.

package protocol

import "fmt"

// Error codes carried in ErrorShape.Code.
const (
	CodeInvalidParams   = "INVALID_PARAMS"
	CodeUnknownCommand  = "UNKNOWN_COMMAND"
	CodeNotAllowed      = "NOT_ALLOWED"
	CodeNotFound        = "NOT_FOUND"
	CodeUnavailable     = "UNAVAILABLE"
	CodeExecFailed      = "EXEC_FAILED"
	CodeTimeout         = "TIMEOUT"
	CodeInternal        = "INTERNAL"
	CodePairingRequired = "PAIRING_REQUIRED"
)

// Rejection reasons carried in ErrorShape.Details["reason"].
const (
	ReasonNotAllowlisted    = "command not allowlisted"
	ReasonApprovalsDisabled = "approvals disabled"
)

// ProtocolError reports a malformed or unrecognized frame.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
