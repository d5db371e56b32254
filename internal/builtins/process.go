// ABOUTME: Process pack: spawn and track background processes through the process manager.
// ABOUTME: spawn and kill are gated by exec approvals; poll and list act on tracked ids only.

package builtins

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/2389/coven-node/internal/dispatch"
	"github.com/2389/coven-node/internal/process"
	"github.com/2389/coven-node/internal/protocol"
)

// DefaultKillGrace is how long process.kill waits for the process to end.
const DefaultKillGrace = 5 * time.Second

// Processes is the process manager surface the pack needs.
type Processes interface {
	Spawn(argv []string, cwd string) (string, error)
	Poll(id string) (process.Status, error)
	List() []process.Summary
	Kill(id string, grace time.Duration) (process.Status, error)
}

// ProcessPack creates the process.* commands.
func ProcessPack(procs Processes) *dispatch.Pack {
	h := &processHandlers{procs: procs}
	return &dispatch.Pack{
		ID: "builtin:process",
		Commands: []*dispatch.Command{
			{
				Name:        "process.spawn",
				Description: "Start a background process",
				SideEffect:  true,
				Argv:        commandArgv,
				Handler:     h.Spawn,
			},
			{
				Name:        "process.poll",
				Description: "Snapshot a process's state and output",
				Handler:     h.Poll,
			},
			{
				Name:        "process.list",
				Description: "List tracked processes",
				Handler:     h.List,
			},
			{
				Name:        "process.kill",
				Description: "Terminate a process",
				SideEffect:  true,
				Argv:        h.killArgv,
				Handler:     h.Kill,
			},
		},
	}
}

type processHandlers struct {
	procs Processes
}

type spawnParams struct {
	Command []string `json:"command"`
	Cwd     string   `json:"cwd,omitempty"`
}

type spawnResult struct {
	ProcessID string `json:"processId"`
}

func (h *processHandlers) Spawn(_ context.Context, _ *protocol.Invocation, params json.RawMessage) (any, error) {
	var p spawnParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	id, err := h.procs.Spawn(p.Command, p.Cwd)
	switch {
	case errors.Is(err, process.ErrEmptyCommand):
		return nil, dispatch.InvalidParams(err)
	case err != nil:
		return nil, dispatch.Errorf(protocol.CodeExecFailed, "%v", err)
	}
	return spawnResult{ProcessID: id}, nil
}

type processIDParams struct {
	ProcessID string `json:"processId"`
	GraceMs   int64  `json:"graceMs,omitempty"`
}

func (p processIDParams) validate() error {
	if p.ProcessID == "" {
		return dispatch.InvalidParams(errors.New("processId is required"))
	}
	return nil
}

func (h *processHandlers) Poll(_ context.Context, _ *protocol.Invocation, params json.RawMessage) (any, error) {
	var p processIDParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	st, err := h.procs.Poll(p.ProcessID)
	if err != nil {
		return nil, processError(p.ProcessID, err)
	}
	return st, nil
}

func (h *processHandlers) List(context.Context, *protocol.Invocation, json.RawMessage) (any, error) {
	list := h.procs.List()
	if list == nil {
		list = []process.Summary{}
	}
	return list, nil
}

type killResult struct {
	ProcessID string        `json:"processId"`
	State     process.State `json:"state"`
	ExitCode  *int          `json:"exitCode,omitempty"`
}

func (h *processHandlers) Kill(_ context.Context, _ *protocol.Invocation, params json.RawMessage) (any, error) {
	var p processIDParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	grace := DefaultKillGrace
	if p.GraceMs > 0 {
		grace = time.Duration(p.GraceMs) * time.Millisecond
	}
	st, err := h.procs.Kill(p.ProcessID, grace)
	if err != nil {
		return nil, processError(p.ProcessID, err)
	}
	return killResult{ProcessID: st.ID, State: st.State, ExitCode: st.ExitCode}, nil
}

// killArgv gates process.kill on the command line of the target process,
// so killing requires the same approval that spawning it did.
func (h *processHandlers) killArgv(params json.RawMessage) ([]string, error) {
	var p processIDParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	for _, s := range h.procs.List() {
		if s.ID == p.ProcessID {
			return s.Command, nil
		}
	}
	return nil, processError(p.ProcessID, process.ErrNotFound)
}

func processError(id string, err error) error {
	if errors.Is(err, process.ErrNotFound) {
		return dispatch.Errorf(protocol.CodeNotFound, "unknown process %s", id)
	}
	return dispatch.Errorf(protocol.CodeInternal, "%v", err)
}
