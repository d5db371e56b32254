// ABOUTME: Correlates outbound requests with their responses by request ID.
// ABOUTME: Each pending request resolves exactly once: response, timeout, cancellation, or session close.

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-node/internal/metrics"
	"github.com/2389/coven-node/internal/protocol"
)

// DefaultRequestTimeout is used by Session.Request when Config.RequestTimeout is zero.
const DefaultRequestTimeout = 15 * time.Second

// Pending is an outstanding request awaiting its response.
type Pending struct {
	ID       string
	Method   string
	IssuedAt time.Time

	result chan *protocol.Response
}

// CorrelatorConfig wires a Correlator to its session.
type CorrelatorConfig struct {
	// Write transmits a frame. Required.
	Write func(ctx context.Context, f protocol.Frame) error
	// Done is closed when the owning session ends.
	Done <-chan struct{}
	// Cause reports why the session ended.
	Cause   func() error
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// NewID overrides request ID generation (tests).
	NewID func() string
}

// Correlator tracks outstanding requests for one session.
type Correlator struct {
	write   func(ctx context.Context, f protocol.Frame) error
	done    <-chan struct{}
	cause   func() error
	logger  *slog.Logger
	metrics *metrics.Metrics
	newID   func() string

	mu      sync.Mutex
	pending map[string]*Pending
}

// NewCorrelator creates a Correlator.
func NewCorrelator(cfg CorrelatorConfig) *Correlator {
	c := &Correlator{
		write:   cfg.Write,
		done:    cfg.Done,
		cause:   cfg.Cause,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		newID:   cfg.NewID,
		pending: make(map[string]*Pending),
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	if c.done == nil {
		c.done = make(chan struct{})
	}
	return c
}

// Send registers a fresh request ID for method and transmits the request.
func (c *Correlator) Send(ctx context.Context, method string, params any) (*Pending, error) {
	return c.SendWithID(ctx, c.newID(), method, params)
}

// SendWithID is Send with a caller-chosen ID. An ID that is already pending
// is refused with ErrDuplicateRequestID.
func (c *Correlator) SendWithID(ctx context.Context, id, method string, params any) (*Pending, error) {
	select {
	case <-c.done:
		return nil, c.closedErr()
	default:
	}

	frame, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	p, err := c.register(id, method)
	if err != nil {
		return nil, err
	}

	if err := c.write(ctx, frame); err != nil {
		c.remove(id)
		return nil, fmt.Errorf("sending %s: %w", method, err)
	}

	c.logger.Debug("→ request sent", "method", method, "request_id", id)
	return p, nil
}

// Await blocks until p resolves. A zero timeout waits until ctx or the session ends.
func (c *Correlator) Await(ctx context.Context, p *Pending, timeout time.Duration) (*protocol.Response, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case res := <-p.result:
		c.observe(p, "ok")
		return res, nil
	case <-deadline:
		if res, ok := c.abandon(p); ok {
			return res, nil
		}
		c.observe(p, "timeout")
		c.logger.Warn("request timed out",
			"method", p.Method,
			"request_id", p.ID,
			"timeout", timeout,
		)
		return nil, &RequestTimeoutError{ID: p.ID, Method: p.Method, After: timeout}
	case <-ctx.Done():
		if res, ok := c.abandon(p); ok {
			return res, nil
		}
		c.observe(p, "cancelled")
		return nil, ctx.Err()
	case <-c.done:
		if res, ok := c.abandon(p); ok {
			return res, nil
		}
		c.observe(p, "closed")
		return nil, c.closedErr()
	}
}

// Resolve delivers res to its pending request. It reports false when no request
// with that ID is pending, which is the case for late or unsolicited responses.
func (c *Correlator) Resolve(res *protocol.Response) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[res.ID]
	if !ok {
		return false
	}
	delete(c.pending, res.ID)
	c.metrics.SetPendingRequests(len(c.pending))

	// result has capacity 1 and Resolve is the only sender, so this never blocks.
	select {
	case p.result <- res:
	default:
	}
	return true
}

// Len returns the number of pending requests.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) register(id, method string) (*Pending, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.pending[id]; exists {
		return nil, ErrDuplicateRequestID
	}
	p := &Pending{
		ID:       id,
		Method:   method,
		IssuedAt: time.Now(),
		result:   make(chan *protocol.Response, 1),
	}
	c.pending[id] = p
	c.metrics.SetPendingRequests(len(c.pending))
	return p, nil
}

func (c *Correlator) remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
	c.metrics.SetPendingRequests(len(c.pending))
}

// abandon removes p and returns a response that raced in before removal.
func (c *Correlator) abandon(p *Pending) (*protocol.Response, bool) {
	c.remove(p.ID)
	select {
	case res := <-p.result:
		c.observe(p, "ok")
		return res, true
	default:
		return nil, false
	}
}

func (c *Correlator) observe(p *Pending, outcome string) {
	c.metrics.RequestCompleted(p.Method, outcome, time.Since(p.IssuedAt))
}

func (c *Correlator) closedErr() error {
	if c.cause != nil {
		if err := c.cause(); err != nil && err != ErrSessionClosed {
			return fmt.Errorf("%w: %w", ErrSessionClosed, err)
		}
	}
	return ErrSessionClosed
}
