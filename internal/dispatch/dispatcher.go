// ABOUTME: Executes invocations against the registry, consulting the approval gate first.
// ABOUTME: Every outcome is an inner result envelope; the gateway connection never sees a failure.

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/2389/coven-node/internal/approval"
	"github.com/2389/coven-node/internal/dedupe"
	"github.com/2389/coven-node/internal/metrics"
	"github.com/2389/coven-node/internal/protocol"
	"github.com/2389/coven-node/internal/store"
)

// Transport labels recorded in the ledger.
const (
	TransportRequest = "request"
	TransportEvent   = "event"
)

// Gate decides whether a command line may run.
type Gate interface {
	Check(argv []string) approval.Decision
}

// Responder sends results back over the gateway session.
type Responder interface {
	Respond(ctx context.Context, id string, payload any) error
	Request(ctx context.Context, method string, params any) (*protocol.Response, error)
}

// Config configures a Dispatcher.
type Config struct {
	Registry *Registry
	Gate     Gate
	Ledger   store.Ledger  // optional
	Dedupe   *dedupe.Cache // optional; observes idempotency keys
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	// NodeID fills node.invoke.result when the invocation carries none.
	NodeID func() string
}

// Dispatcher routes invocations to command handlers.
type Dispatcher struct {
	registry *Registry
	gate     Gate
	ledger   store.Ledger
	dedupe   *dedupe.Cache
	logger   *slog.Logger
	metrics  *metrics.Metrics
	nodeID   func() string
	now      func() time.Time
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		registry: cfg.Registry,
		gate:     cfg.Gate,
		ledger:   cfg.Ledger,
		dedupe:   cfg.Dedupe,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		nodeID:   cfg.NodeID,
		now:      time.Now,
	}
	if d.registry == nil {
		d.registry = NewRegistry(cfg.Logger)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.nodeID == nil {
		d.nodeID = func() string { return "" }
	}
	return d
}

// Registry returns the command registry.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Execute runs inv exactly once and returns its result envelope.
func (d *Dispatcher) Execute(ctx context.Context, inv *protocol.Invocation, transport string) protocol.CommandResult {
	start := d.now()

	repeat := false
	if inv.IdempotencyKey != "" && d.dedupe != nil {
		obs := d.dedupe.Observe(inv.IdempotencyKey)
		repeat = obs.Repeat()
		if repeat {
			d.logger.Info("idempotency key seen before, executing again",
				"invocation_id", inv.ID,
				"command", inv.Command,
				"idempotency_key", inv.IdempotencyKey,
				"count", obs.Count,
				"first_seen", obs.FirstSeen,
			)
		}
	}

	res := d.execute(ctx, inv)
	elapsed := d.now().Sub(start)
	outcome := outcomeOf(res)

	d.metrics.InvocationHandled(inv.Command, string(outcome), elapsed)
	d.logger.Info("invocation handled",
		"invocation_id", inv.ID,
		"command", inv.Command,
		"outcome", outcome,
		"duration", elapsed,
	)

	if d.ledger != nil {
		rec := &store.InvocationRecord{
			InvocationID:   inv.ID,
			Command:        inv.Command,
			IdempotencyKey: inv.IdempotencyKey,
			Repeat:         repeat,
			Transport:      transport,
			Outcome:        outcome,
			StartedAt:      start.UTC(),
			Duration:       elapsed,
		}
		if res.Error != nil {
			rec.ErrorCode = res.Error.Code
		}
		if err := d.ledger.RecordInvocation(context.WithoutCancel(ctx), rec); err != nil {
			d.logger.Warn("failed to record invocation", "invocation_id", inv.ID, "error", err)
		}
	}
	return res
}

func (d *Dispatcher) execute(ctx context.Context, inv *protocol.Invocation) protocol.CommandResult {
	cmd, ok := d.registry.Lookup(inv.Command)
	if !ok {
		return failure(&protocol.ErrorShape{
			Code:    protocol.CodeUnknownCommand,
			Message: fmt.Sprintf("unknown command %q", inv.Command),
		})
	}

	params := inv.RawParams()

	if cmd.SideEffect {
		if shape := d.authorize(cmd, inv, params); shape != nil {
			return failure(shape)
		}
	}

	if inv.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(inv.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	value, err := d.invoke(ctx, cmd, inv, params)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
			return failure(&protocol.ErrorShape{
				Code:    protocol.CodeTimeout,
				Message: fmt.Sprintf("%s timed out after %dms", inv.Command, inv.TimeoutMs),
			})
		}
		d.logger.Warn("command failed", "invocation_id", inv.ID, "command", inv.Command, "error", err)
		return failure(shapeOf(err))
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return failure(&protocol.ErrorShape{Code: protocol.CodeInternal, Message: "encoding result: " + err.Error()})
	}
	return protocol.CommandResult{OK: true, Payload: payload}
}

func (d *Dispatcher) authorize(cmd *Command, inv *protocol.Invocation, params json.RawMessage) *protocol.ErrorShape {
	argv, err := cmd.Argv(params)
	if err != nil {
		var ce *CommandError
		if errors.As(err, &ce) {
			return ce.Shape()
		}
		return InvalidParams(err).Shape()
	}
	if d.gate == nil {
		return &protocol.ErrorShape{
			Code:    protocol.CodeNotAllowed,
			Message: "exec approvals disabled",
			Details: map[string]any{"reason": protocol.ReasonApprovalsDisabled},
		}
	}

	dec := d.gate.Check(argv)
	if dec.Allowed {
		return nil
	}
	d.logger.Warn("command rejected by approval gate",
		"invocation_id", inv.ID,
		"command", inv.Command,
		"executable", dec.Executable,
		"mode", dec.Mode,
		"reason", dec.Reason,
	)
	return &protocol.ErrorShape{
		Code:    protocol.CodeNotAllowed,
		Message: dec.Message,
		Details: dec.Details(),
	}
}

func (d *Dispatcher) invoke(ctx context.Context, cmd *Command, inv *protocol.Invocation, params json.RawMessage) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("command handler panicked",
				"command", cmd.Name,
				"invocation_id", inv.ID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = &CommandError{Code: protocol.CodeInternal, Message: fmt.Sprintf("handler panic: %v", r)}
		}
	}()
	return cmd.Handler(ctx, inv, params)
}

// HandleFrame executes the invocation carried by f and delivers its result.
// Frames other than node.invoke requests and node.invoke.request events
// return ErrNotInvocation.
func (d *Dispatcher) HandleFrame(ctx context.Context, r Responder, f protocol.Frame) error {
	switch {
	case f.Request != nil && f.Request.Method == protocol.MethodNodeInvoke:
		return d.handleRequest(ctx, r, f.Request)
	case f.Event != nil && f.Event.Method == protocol.EventNodeInvokeRequest:
		return d.handleEvent(ctx, r, f.Event)
	default:
		return ErrNotInvocation
	}
}

func (d *Dispatcher) handleRequest(ctx context.Context, r Responder, req *protocol.Request) error {
	var inv protocol.Invocation
	if err := json.Unmarshal(req.Params, &inv); err != nil || inv.Command == "" {
		if err == nil {
			err = errors.New("command is required")
		}
		return r.Respond(ctx, req.ID, failure(InvalidParams(err).Shape()))
	}
	if inv.ID == "" {
		inv.ID = req.ID
	}

	res := d.Execute(ctx, &inv, TransportRequest)
	if err := r.Respond(ctx, req.ID, res); err != nil {
		return fmt.Errorf("responding to %s: %w", req.ID, err)
	}
	return nil
}

func (d *Dispatcher) handleEvent(ctx context.Context, r Responder, ev *protocol.Event) error {
	var inv protocol.Invocation
	if err := json.Unmarshal(ev.Payload, &inv); err != nil {
		return fmt.Errorf("decoding invocation event: %w", err)
	}
	if inv.ID == "" {
		return errors.New("invocation event has no id")
	}

	res := d.Execute(ctx, &inv, TransportEvent)

	nodeID := inv.NodeID
	if nodeID == "" {
		nodeID = d.nodeID()
	}
	resp, err := r.Request(ctx, protocol.MethodNodeInvokeResult, protocol.InvokeResultParams{
		ID:      inv.ID,
		NodeID:  nodeID,
		OK:      res.OK,
		Payload: res.Payload,
		Error:   res.Error,
	})
	if err != nil {
		return fmt.Errorf("sending result for %s: %w", inv.ID, err)
	}
	if !resp.OK {
		return fmt.Errorf("gateway refused result for %s: %w", inv.ID, resp.Error)
	}
	return nil
}

// Run services frames until ctx is done or frames is closed, handling each
// invocation concurrently. It waits for in-flight invocations before returning.
func (d *Dispatcher) Run(ctx context.Context, r Responder, frames <-chan protocol.Frame) {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := d.HandleFrame(ctx, r, f); err != nil && !errors.Is(err, ErrNotInvocation) {
					d.logger.Warn("invocation delivery failed", "method", f.Method(), "error", err)
				}
			}()
		}
	}
}

func failure(shape *protocol.ErrorShape) protocol.CommandResult {
	return protocol.CommandResult{OK: false, Error: shape}
}

func outcomeOf(res protocol.CommandResult) store.Outcome {
	switch {
	case res.OK:
		return store.OutcomeOK
	case res.Error != nil && (res.Error.Code == protocol.CodeUnknownCommand || res.Error.Code == protocol.CodeNotAllowed):
		return store.OutcomeRejected
	default:
		return store.OutcomeError
	}
}
