// ABOUTME: Command-level errors that become ok=false result envelopes.
// ABOUTME: Handlers return a *CommandError to control the code; anything else maps to INTERNAL.

package dispatch

import (
	"errors"
	"fmt"

	"github.com/2389/coven-node/internal/protocol"
)

// ErrNotInvocation is returned by HandleFrame for frames that carry no invocation.
var ErrNotInvocation = errors.New("frame is not an invocation")

// CommandError is a failure with a machine-readable code.
type CommandError struct {
	Code    string
	Message string
	Details map[string]any
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Shape converts the error to its wire form.
func (e *CommandError) Shape() *protocol.ErrorShape {
	return &protocol.ErrorShape{Code: e.Code, Message: e.Message, Details: e.Details}
}

// Errorf builds a CommandError with a formatted message.
func Errorf(code, format string, args ...any) *CommandError {
	return &CommandError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// InvalidParams reports params that could not be decoded or validated.
func InvalidParams(err error) *CommandError {
	return &CommandError{Code: protocol.CodeInvalidParams, Message: err.Error()}
}

// shapeOf converts any handler error to an ErrorShape.
func shapeOf(err error) *protocol.ErrorShape {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.Shape()
	}
	return &protocol.ErrorShape{Code: protocol.CodeInternal, Message: err.Error()}
}
