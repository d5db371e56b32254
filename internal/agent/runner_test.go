// ABOUTME: Runner tests against the in-memory gateway: serving both invocation forms, pairing, reconnects.
// ABOUTME: Ownership contention and non-pairing rejections must end Run with an error.

package agent

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-node/internal/auth"
	"github.com/2389/coven-node/internal/dispatch"
	"github.com/2389/coven-node/internal/gateway"
	"github.com/2389/coven-node/internal/gatewaytest"
	"github.com/2389/coven-node/internal/instance"
	"github.com/2389/coven-node/internal/protocol"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newDispatcher(t *testing.T) *dispatch.Dispatcher {
	t.Helper()
	reg := dispatch.NewRegistry(quietLogger())
	require.NoError(t, reg.RegisterPack(&dispatch.Pack{
		ID: "test",
		Commands: []*dispatch.Command{{
			Name: "test.echo",
			Handler: func(_ context.Context, _ *protocol.Invocation, params json.RawMessage) (any, error) {
				var v map[string]any
				if err := json.Unmarshal(params, &v); err != nil {
					return nil, dispatch.InvalidParams(err)
				}
				return v, nil
			},
		}},
	}))
	return dispatch.New(dispatch.Config{Registry: reg, Logger: quietLogger()})
}

type statusRecorder struct {
	mu   sync.Mutex
	seen []bool
}

func (s *statusRecorder) SetServing(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, ok)
}

func (s *statusRecorder) last() (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.seen) == 0 {
		return false, false
	}
	return s.seen[len(s.seen)-1], true
}

type runHarness struct {
	gw     *gatewaytest.Server
	id     *auth.Identity
	runner *Runner
	status *statusRecorder
	errCh  chan error
	cancel context.CancelFunc
}

func startRunner(t *testing.T, opts gatewaytest.Options, mutate func(*Config)) *runHarness {
	t.Helper()
	opts.Logger = quietLogger()
	gw := gatewaytest.Start(t, opts)
	id, err := auth.GenerateIdentity()
	require.NoError(t, err)

	st := &statusRecorder{}
	cfg := Config{
		Session: gateway.Config{
			URL:    gw.URL(),
			Token:  "secret",
			Client: protocol.ClientInfo{ID: "test-node", Version: "test", Platform: "linux", Mode: "node"},
			Device: id,
		},
		Dispatcher:   newDispatcher(t),
		Status:       st,
		ReconnectMin: 10 * time.Millisecond,
		ReconnectMax: 50 * time.Millisecond,
		PairingRetry: 20 * time.Millisecond,
		Logger:       quietLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	r := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()
	h := &runHarness{gw: gw, id: id, runner: r, status: st, errCh: errCh, cancel: cancel}
	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(5 * time.Second):
			t.Error("runner did not stop")
		}
	})
	return h
}

func (h *runHarness) waitNode(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.gw.WaitNode(ctx, h.id.DeviceID()))
	require.Eventually(t, func() bool {
		ok, _ := h.runner.Ready()
		return ok
	}, 5*time.Second, 10*time.Millisecond)
}

func (h *runHarness) invoke(t *testing.T, command string, params any) protocol.InvokeResult {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := h.gw.Invoke(ctx, protocol.Invocation{NodeID: h.id.DeviceID(), Command: command, Params: raw})
	require.NoError(t, err)
	return protocol.NormalizeInvoke(res)
}

func TestRunnerServesInvocations(t *testing.T) {
	for _, form := range []string{gatewaytest.FormRequest, gatewaytest.FormEvent} {
		t.Run(form, func(t *testing.T) {
			h := startRunner(t, gatewaytest.Options{Token: "secret", InvokeForm: form, Challenge: true}, nil)
			h.waitNode(t)

			res := h.invoke(t, "test.echo", map[string]string{"hello": "world"})
			require.True(t, res.OK(), "error: %v", res.Err())
			assert.JSONEq(t, `{"hello":"world"}`, string(res.Payload()))

			res = h.invoke(t, "test.missing", map[string]string{})
			assert.False(t, res.OK())
			assert.Equal(t, protocol.CodeUnknownCommand, res.Err().Code)
		})
	}

	t.Run("advertises registry commands", func(t *testing.T) {
		h := startRunner(t, gatewaytest.Options{}, nil)
		h.waitNode(t)
		connects := h.gw.Connects()
		require.NotEmpty(t, connects)
		assert.Equal(t, []string{"test.echo"}, connects[0].Commands)
		assert.Equal(t, protocol.RoleNode, connects[0].Role)
		assert.Equal(t, h.id.DeviceID(), connects[0].Device.ID)
		assert.Equal(t, h.id.DeviceID(), h.runner.NodeID())

		assert.Eventually(t, func() bool {
			serving, seen := h.status.last()
			return seen && serving
		}, 5*time.Second, 10*time.Millisecond)
	})
}

func TestRunnerReconnects(t *testing.T) {
	h := startRunner(t, gatewaytest.Options{}, nil)
	h.waitNode(t)

	require.True(t, h.gw.Disconnect(h.id.DeviceID()))
	require.Eventually(t, func() bool { return len(h.gw.Connects()) >= 2 }, 5*time.Second, 10*time.Millisecond)
	h.waitNode(t)

	res := h.invoke(t, "test.echo", map[string]int{"n": 2})
	assert.True(t, res.OK())
}

func TestRunnerPairing(t *testing.T) {
	h := startRunner(t, gatewaytest.Options{RequirePairing: true}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pr, err := h.gw.WaitPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, h.id.DeviceID(), pr.DeviceID)
	assert.Empty(t, h.gw.NodeIDs())

	h.gw.Pair(pr.DeviceID)
	h.waitNode(t)
	assert.Empty(t, h.gw.Pending())
}

func TestRunnerFatalRejection(t *testing.T) {
	h := startRunner(t, gatewaytest.Options{Token: "other"}, nil)

	select {
	case err := <-h.errCh:
		var he *gateway.HandshakeError
		require.ErrorAs(t, err, &he)
		assert.Equal(t, gateway.HandshakeRejected, he.Kind)
		assert.Equal(t, gatewaytest.CodeUnauthorized, he.Code)
		// the cleanup must not wait on a finished runner
		h.errCh <- err
	case <-time.After(5 * time.Second):
		t.Fatal("runner kept retrying a rejected token")
	}
}

type heldLocker struct{}

func (heldLocker) TryLock(string, instance.Scope, instance.Owner) (instance.Handle, error) {
	return nil, instance.ErrLocked
}

func (heldLocker) Holder(string, instance.Scope) (instance.Owner, bool) {
	return instance.Owner{Role: instance.RoleService, PID: 4242}, true
}

func TestRunnerOwnershipDenied(t *testing.T) {
	h := startRunner(t, gatewaytest.Options{}, func(c *Config) {
		c.Arbiter = instance.NewArbiter(heldLocker{}, quietLogger())
	})

	select {
	case err := <-h.errCh:
		var denied *instance.OwnershipDeniedError
		require.ErrorAs(t, err, &denied)
		assert.EqualError(t, err, "node ownership held by service (pid 4242)")
		h.errCh <- err
	case <-time.After(5 * time.Second):
		t.Fatal("runner started without ownership")
	}
	assert.Empty(t, h.gw.Connects(), "no network activity without ownership")
}

func TestBackoff(t *testing.T) {
	b := newBackoff(100*time.Millisecond, time.Second)
	prev := time.Duration(0)
	for i := 0; i < 10; i++ {
		d := b.Next()
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, time.Second)
		if i < 3 {
			assert.Greater(t, d, prev)
		}
		prev = d
	}
	b.Reset()
	assert.Less(t, b.Next(), 200*time.Millisecond)
}
