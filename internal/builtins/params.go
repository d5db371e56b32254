// ABOUTME: Shared parameter decoding for builtin command handlers.
// ABOUTME: Decode failures become INVALID_PARAMS command errors.

package builtins

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/2389/coven-node/internal/dispatch"
)

func decode(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return dispatch.InvalidParams(fmt.Errorf("decoding params: %w", err))
	}
	return nil
}

type commandParams struct {
	Command []string `json:"command"`
}

// commandArgv extracts the command line for the approval gate.
func commandArgv(params json.RawMessage) ([]string, error) {
	var p commandParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if len(p.Command) == 0 || p.Command[0] == "" {
		return nil, errors.New("command is required")
	}
	return p.Command, nil
}
