// ABOUTME: Tests for command dispatch: unknown commands, gate rejections, timeouts and panics.
// ABOUTME: Covers both delivery forms and the exactly-once rule for repeated idempotency keys.

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-node/internal/approval"
	"github.com/2389/coven-node/internal/dedupe"
	"github.com/2389/coven-node/internal/protocol"
	"github.com/2389/coven-node/internal/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeResponder struct {
	mu        sync.Mutex
	responses map[string]any
	requests  []sentRequest
	reply     *protocol.Response
}

type sentRequest struct {
	method string
	params any
}

func newFakeResponder() *fakeResponder {
	return &fakeResponder{responses: map[string]any{}, reply: &protocol.Response{OK: true}}
}

func (f *fakeResponder) Respond(_ context.Context, id string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[id] = payload
	return nil
}

func (f *fakeResponder) Request(_ context.Context, method string, params any) (*protocol.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, sentRequest{method: method, params: params})
	return f.reply, nil
}

type argvParams struct {
	Command []string `json:"command"`
}

func testRegistry(t *testing.T, runs *atomic.Int32) *Registry {
	t.Helper()
	r := NewRegistry(quietLogger())
	require.NoError(t, r.RegisterPack(&Pack{
		ID: "test",
		Commands: []*Command{
			{
				Name: "echo",
				Handler: func(_ context.Context, _ *protocol.Invocation, params json.RawMessage) (any, error) {
					return params, nil
				},
			},
			{
				Name:       "exec",
				SideEffect: true,
				Argv: func(params json.RawMessage) ([]string, error) {
					var p argvParams
					if err := json.Unmarshal(params, &p); err != nil {
						return nil, err
					}
					return p.Command, nil
				},
				Handler: func(context.Context, *protocol.Invocation, json.RawMessage) (any, error) {
					runs.Add(1)
					return map[string]string{"status": "ran"}, nil
				},
			},
			{
				Name: "slow",
				Handler: func(ctx context.Context, _ *protocol.Invocation, _ json.RawMessage) (any, error) {
					<-ctx.Done()
					return nil, ctx.Err()
				},
			},
			{
				Name: "boom",
				Handler: func(context.Context, *protocol.Invocation, json.RawMessage) (any, error) {
					panic("kaboom")
				},
			},
			{
				Name: "missing",
				Handler: func(context.Context, *protocol.Invocation, json.RawMessage) (any, error) {
					return nil, Errorf(protocol.CodeNotFound, "nothing here")
				},
			},
			{
				Name: "plain-error",
				Handler: func(context.Context, *protocol.Invocation, json.RawMessage) (any, error) {
					return nil, errors.New("disk on fire")
				},
			},
		},
	}))
	return r
}

func newTestDispatcher(t *testing.T, mode approval.Mode, ledger store.Ledger) (*Dispatcher, *atomic.Int32) {
	t.Helper()
	runs := &atomic.Int32{}
	cache := dedupe.New(time.Minute, 100)
	t.Cleanup(cache.Close)
	gate := approval.NewGate(approval.GateConfig{
		Policy:   approval.Policy{Mode: mode, Allowlist: []approval.Rule{{Pattern: "/bin/ok"}}},
		Logger:   quietLogger(),
		LookPath: func(string) (string, error) { return "", errors.New("not found") },
	})
	d := New(Config{
		Registry: testRegistry(t, runs),
		Gate:     gate,
		Ledger:   ledger,
		Dedupe:   cache,
		Logger:   quietLogger(),
		NodeID:   func() string { return "node-1" },
	})
	return d, runs
}

func TestExecute(t *testing.T) {
	ctx := context.Background()

	t.Run("ok payload", func(t *testing.T) {
		d, _ := newTestDispatcher(t, approval.ModeFull, nil)
		res := d.Execute(ctx, &protocol.Invocation{ID: "1", Command: "echo", Params: json.RawMessage(`{"a":1}`)}, TransportEvent)
		assert.True(t, res.OK)
		assert.JSONEq(t, `{"a":1}`, string(res.Payload))
	})

	t.Run("paramsJSON string form", func(t *testing.T) {
		d, _ := newTestDispatcher(t, approval.ModeFull, nil)
		res := d.Execute(ctx, &protocol.Invocation{ID: "1", Command: "echo", ParamsJSON: `{"b":2}`}, TransportEvent)
		assert.True(t, res.OK)
		assert.JSONEq(t, `{"b":2}`, string(res.Payload))
	})

	t.Run("unknown command", func(t *testing.T) {
		d, _ := newTestDispatcher(t, approval.ModeFull, nil)
		res := d.Execute(ctx, &protocol.Invocation{ID: "1", Command: "nope"}, TransportEvent)
		assert.False(t, res.OK)
		assert.Equal(t, protocol.CodeUnknownCommand, res.Error.Code)
	})

	t.Run("mode none rejects side effects", func(t *testing.T) {
		d, runs := newTestDispatcher(t, approval.ModeNone, nil)
		res := d.Execute(ctx, &protocol.Invocation{ID: "1", Command: "exec", Params: json.RawMessage(`{"command":["/bin/ok"]}`)}, TransportEvent)
		assert.False(t, res.OK)
		assert.Equal(t, protocol.CodeNotAllowed, res.Error.Code)
		assert.Equal(t, protocol.ReasonNotAllowlisted, res.Error.Reason())
		assert.Equal(t, "exec approvals disabled", res.Error.Message)
		assert.Equal(t, int32(0), runs.Load())
	})

	t.Run("allowlist hit and miss", func(t *testing.T) {
		d, runs := newTestDispatcher(t, approval.ModeAllowlist, nil)
		res := d.Execute(ctx, &protocol.Invocation{ID: "1", Command: "exec", Params: json.RawMessage(`{"command":["/bin/ok"]}`)}, TransportEvent)
		assert.True(t, res.OK)

		res = d.Execute(ctx, &protocol.Invocation{ID: "2", Command: "exec", Params: json.RawMessage(`{"command":["/bin/rm","-rf"]}`)}, TransportEvent)
		assert.False(t, res.OK)
		assert.Equal(t, protocol.ReasonNotAllowlisted, res.Error.Reason())
		assert.Equal(t, "/bin/rm", res.Error.Details["executable"])
		assert.Equal(t, int32(1), runs.Load())
	})

	t.Run("bad argv params", func(t *testing.T) {
		d, _ := newTestDispatcher(t, approval.ModeFull, nil)
		res := d.Execute(ctx, &protocol.Invocation{ID: "1", Command: "exec", Params: json.RawMessage(`{"command":"ls"}`)}, TransportEvent)
		assert.False(t, res.OK)
		assert.Equal(t, protocol.CodeInvalidParams, res.Error.Code)
	})

	t.Run("nil gate rejects side effects", func(t *testing.T) {
		runs := &atomic.Int32{}
		d := New(Config{Registry: testRegistry(t, runs), Logger: quietLogger()})
		res := d.Execute(ctx, &protocol.Invocation{ID: "1", Command: "exec", Params: json.RawMessage(`{"command":["/bin/ok"]}`)}, TransportEvent)
		assert.False(t, res.OK)
		assert.Equal(t, protocol.ReasonApprovalsDisabled, res.Error.Reason())
	})

	t.Run("timeoutMs bounds the handler", func(t *testing.T) {
		d, _ := newTestDispatcher(t, approval.ModeFull, nil)
		res := d.Execute(ctx, &protocol.Invocation{ID: "1", Command: "slow", TimeoutMs: 20}, TransportEvent)
		assert.False(t, res.OK)
		assert.Equal(t, protocol.CodeTimeout, res.Error.Code)
	})

	t.Run("panic becomes internal error", func(t *testing.T) {
		d, _ := newTestDispatcher(t, approval.ModeFull, nil)
		res := d.Execute(ctx, &protocol.Invocation{ID: "1", Command: "boom"}, TransportEvent)
		assert.False(t, res.OK)
		assert.Equal(t, protocol.CodeInternal, res.Error.Code)
		assert.Contains(t, res.Error.Message, "kaboom")
	})

	t.Run("command error keeps its code", func(t *testing.T) {
		d, _ := newTestDispatcher(t, approval.ModeFull, nil)
		res := d.Execute(ctx, &protocol.Invocation{ID: "1", Command: "missing"}, TransportEvent)
		assert.Equal(t, protocol.CodeNotFound, res.Error.Code)

		res = d.Execute(ctx, &protocol.Invocation{ID: "2", Command: "plain-error"}, TransportEvent)
		assert.Equal(t, protocol.CodeInternal, res.Error.Code)
		assert.Equal(t, "disk on fire", res.Error.Message)
	})
}

func TestRepeatedIdempotencyKey(t *testing.T) {
	ledger := store.NewMemoryStore()
	d, runs := newTestDispatcher(t, approval.ModeFull, ledger)
	ctx := context.Background()

	inv := func(id string) *protocol.Invocation {
		return &protocol.Invocation{
			ID: id, Command: "exec", IdempotencyKey: "same-key",
			Params: json.RawMessage(`{"command":["/bin/ok"]}`),
		}
	}
	assert.True(t, d.Execute(ctx, inv("a"), TransportEvent).OK)
	assert.True(t, d.Execute(ctx, inv("b"), TransportRequest).OK)
	assert.Equal(t, int32(2), runs.Load(), "every invocation executes")

	key := "same-key"
	recs, err := ledger.ListInvocations(ctx, store.InvocationFilter{IdempotencyKey: &key})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	byID := map[string]store.InvocationRecord{}
	for _, r := range recs {
		byID[r.InvocationID] = r
	}
	assert.False(t, byID["a"].Repeat)
	assert.True(t, byID["b"].Repeat)
	assert.Equal(t, TransportRequest, byID["b"].Transport)
}

func TestLedgerOutcomes(t *testing.T) {
	ledger := store.NewMemoryStore()
	d, _ := newTestDispatcher(t, approval.ModeNone, ledger)
	ctx := context.Background()

	d.Execute(ctx, &protocol.Invocation{ID: "1", Command: "echo"}, TransportEvent)
	d.Execute(ctx, &protocol.Invocation{ID: "2", Command: "exec", Params: json.RawMessage(`{"command":["x"]}`)}, TransportEvent)
	d.Execute(ctx, &protocol.Invocation{ID: "3", Command: "plain-error"}, TransportEvent)

	recs, err := ledger.ListInvocations(ctx, store.InvocationFilter{})
	require.NoError(t, err)
	got := map[string]store.InvocationRecord{}
	for _, r := range recs {
		got[r.InvocationID] = r
	}
	assert.Equal(t, store.OutcomeOK, got["1"].Outcome)
	assert.Equal(t, store.OutcomeRejected, got["2"].Outcome)
	assert.Equal(t, protocol.CodeNotAllowed, got["2"].ErrorCode)
	assert.Equal(t, store.OutcomeError, got["3"].Outcome)
}

func TestHandleFrame(t *testing.T) {
	ctx := context.Background()

	t.Run("request form responds with inner envelope", func(t *testing.T) {
		d, _ := newTestDispatcher(t, approval.ModeFull, nil)
		r := newFakeResponder()
		f, err := protocol.NewRequest("req-7", protocol.MethodNodeInvoke, protocol.Invocation{Command: "echo", Params: json.RawMessage(`{"x":"y"}`)})
		require.NoError(t, err)

		require.NoError(t, d.HandleFrame(ctx, r, f))
		res, ok := r.responses["req-7"].(protocol.CommandResult)
		require.True(t, ok)
		assert.True(t, res.OK)
		assert.JSONEq(t, `{"x":"y"}`, string(res.Payload))
	})

	t.Run("request form with bad params is an inner failure", func(t *testing.T) {
		d, _ := newTestDispatcher(t, approval.ModeFull, nil)
		r := newFakeResponder()
		f, err := protocol.NewRequest("req-8", protocol.MethodNodeInvoke, map[string]any{"params": 1})
		require.NoError(t, err)

		require.NoError(t, d.HandleFrame(ctx, r, f))
		res := r.responses["req-8"].(protocol.CommandResult)
		assert.False(t, res.OK)
		assert.Equal(t, protocol.CodeInvalidParams, res.Error.Code)
	})

	t.Run("event form sends node.invoke.result", func(t *testing.T) {
		d, _ := newTestDispatcher(t, approval.ModeFull, nil)
		r := newFakeResponder()
		f, err := protocol.NewEvent(protocol.EventNodeInvokeRequest, protocol.Invocation{ID: "inv-1", Command: "nope"})
		require.NoError(t, err)

		require.NoError(t, d.HandleFrame(ctx, r, f))
		require.Len(t, r.requests, 1)
		assert.Equal(t, protocol.MethodNodeInvokeResult, r.requests[0].method)
		params := r.requests[0].params.(protocol.InvokeResultParams)
		assert.Equal(t, "inv-1", params.ID)
		assert.Equal(t, "node-1", params.NodeID)
		assert.False(t, params.OK)
		assert.Equal(t, protocol.CodeUnknownCommand, params.Error.Code)
	})

	t.Run("event without id is not executed", func(t *testing.T) {
		d, _ := newTestDispatcher(t, approval.ModeFull, nil)
		r := newFakeResponder()
		f, err := protocol.NewEvent(protocol.EventNodeInvokeRequest, protocol.Invocation{Command: "echo"})
		require.NoError(t, err)
		assert.Error(t, d.HandleFrame(ctx, r, f))
		assert.Empty(t, r.requests)
	})

	t.Run("other frames", func(t *testing.T) {
		d, _ := newTestDispatcher(t, approval.ModeFull, nil)
		f, err := protocol.NewEvent(protocol.EventTick, nil)
		require.NoError(t, err)
		assert.ErrorIs(t, d.HandleFrame(ctx, newFakeResponder(), f), ErrNotInvocation)
	})
}

func TestRunDrainsFrames(t *testing.T) {
	d, _ := newTestDispatcher(t, approval.ModeFull, nil)
	r := newFakeResponder()
	frames := make(chan protocol.Frame, 4)
	for _, id := range []string{"a", "b", "c"} {
		f, err := protocol.NewEvent(protocol.EventNodeInvokeRequest, protocol.Invocation{ID: id, Command: "echo"})
		require.NoError(t, err)
		frames <- f
	}
	close(frames)

	d.Run(context.Background(), r, frames)
	assert.Len(t, r.requests, 3)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(quietLogger())
	noop := func(context.Context, *protocol.Invocation, json.RawMessage) (any, error) { return nil, nil }

	require.NoError(t, r.RegisterPack(&Pack{ID: "a", Commands: []*Command{{Name: "b.two", Handler: noop}, {Name: "a.one", Handler: noop}}}))
	assert.Equal(t, []string{"a.one", "b.two"}, r.Names())

	err := r.RegisterPack(&Pack{ID: "other", Commands: []*Command{{Name: "c.three", Handler: noop}, {Name: "a.one", Handler: noop}}})
	assert.ErrorIs(t, err, ErrCommandCollision)
	_, ok := r.Lookup("c.three")
	assert.False(t, ok, "colliding pack registers nothing")

	err = r.RegisterPack(&Pack{ID: "bad", Commands: []*Command{{Name: "x", SideEffect: true, Handler: noop}}})
	assert.Error(t, err)
	assert.Equal(t, []string{"a"}, r.Packs())
}
