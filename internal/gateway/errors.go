// ABOUTME: Error types surfaced by the gateway session and request correlator.
// ABOUTME: HandshakeError is process-fatal; RequestTimeoutError only releases the caller.

package gateway

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/2389/coven-node/internal/protocol"
)

// ErrSessionClosed is returned by operations on a closed session.
var ErrSessionClosed = errors.New("gateway session closed")

// ErrRequestTimeout matches any *RequestTimeoutError.
var ErrRequestTimeout = errors.New("gateway request timed out")

// ErrDuplicateRequestID indicates the request ID is already pending.
var ErrDuplicateRequestID = errors.New("duplicate request ID")

// HandshakeKind classifies a handshake failure.
type HandshakeKind int

const (
	HandshakeRejected HandshakeKind = iota
	HandshakeTimeout
	HandshakeTransport
)

func (k HandshakeKind) String() string {
	switch k {
	case HandshakeRejected:
		return "rejected"
	case HandshakeTimeout:
		return "timeout"
	case HandshakeTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// HandshakeError reports a failed connect handshake. It is never retried by the session.
type HandshakeError struct {
	Kind    HandshakeKind
	Code    string
	Message string
	Details map[string]any
	After   time.Duration
	Err     error
}

func (e *HandshakeError) Error() string {
	switch e.Kind {
	case HandshakeRejected:
		msg := e.Message
		if msg == "" {
			msg = "no reason given"
		}
		if e.Code != "" {
			return fmt.Sprintf("gateway rejected handshake: %s: %s", e.Code, msg)
		}
		return "gateway rejected handshake: " + msg
	case HandshakeTimeout:
		return fmt.Sprintf("gateway handshake timed out after %v", e.After)
	default:
		return fmt.Sprintf("gateway handshake failed: %v", e.Err)
	}
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// PairingRequired reports whether the gateway refused the device because it is not paired yet.
func (e *HandshakeError) PairingRequired() bool {
	if e.Kind != HandshakeRejected {
		return false
	}
	if e.Code == protocol.CodePairingRequired {
		return true
	}
	return strings.Contains(strings.ToLower(e.Message), "pairing required")
}

// RequestTimeoutError is returned by Await when the deadline passes.
// The connection stays usable and the remote side is not told.
type RequestTimeoutError struct {
	ID     string
	Method string
	After  time.Duration
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("%s (id %s) timed out after %v", e.Method, e.ID, e.After)
}

func (e *RequestTimeoutError) Is(target error) bool {
	return target == ErrRequestTimeout
}
