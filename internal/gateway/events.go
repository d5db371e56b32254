// ABOUTME: Event sink fed by the session read loop: events, inbound pushes, and unmatched responses.
// ABOUTME: Delivery is non-blocking; a full buffer drops the frame, or hands it to a queue's overflow.

package gateway

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/2389/coven-node/internal/metrics"
	"github.com/2389/coven-node/internal/protocol"
)

// DefaultEventBuffer is the per-subscriber channel capacity.
const DefaultEventBuffer = 256

// EventSink fans inbound frames out to subscribers.
type EventSink struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	buffer  int
	closed  bool
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Subscription receives frames matching its methods on C. C is closed when the
// subscription or the sink is closed.
type Subscription struct {
	C <-chan protocol.Frame

	ch      chan protocol.Frame
	id      uint64
	methods map[string]struct{}
	sink    *EventSink
	dropped atomic.Int64
	// overflow, when set, is handed frames the buffer had no room for. It
	// runs on the read loop and must not block.
	overflow func(protocol.Frame)
}

// NewEventSink creates a sink whose subscribers buffer up to buffer frames.
func NewEventSink(buffer int, logger *slog.Logger, m *metrics.Metrics) *EventSink {
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	return &EventSink{
		subs:    make(map[uint64]*Subscription),
		buffer:  buffer,
		logger:  logger,
		metrics: m,
	}
}

// Subscribe registers for frames whose method is one of methods. With no
// methods the subscription receives every frame, unmatched responses included.
func (e *EventSink) Subscribe(methods ...string) *Subscription {
	return e.subscribe(nil, methods...)
}

// SubscribeQueue is Subscribe for frames that need an answer: a frame that
// does not fit the buffer goes to overflow instead of being dropped silently.
func (e *EventSink) SubscribeQueue(overflow func(protocol.Frame), methods ...string) *Subscription {
	return e.subscribe(overflow, methods...)
}

func (e *EventSink) subscribe(overflow func(protocol.Frame), methods ...string) *Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch := make(chan protocol.Frame, e.buffer)
	sub := &Subscription{C: ch, ch: ch, sink: e, overflow: overflow}
	if len(methods) > 0 {
		sub.methods = make(map[string]struct{}, len(methods))
		for _, m := range methods {
			sub.methods[m] = struct{}{}
		}
	}

	if e.closed {
		close(ch)
		return sub
	}

	e.nextID++
	sub.id = e.nextID
	e.subs[sub.id] = sub
	return sub
}

// Publish offers f to every matching subscriber without blocking and returns
// the number of subscribers that accepted it.
func (e *EventSink) Publish(f protocol.Frame) int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return 0
	}

	delivered := 0
	method := f.Method()
	for _, sub := range e.subs {
		if !sub.matches(method) {
			continue
		}
		select {
		case sub.ch <- f:
			delivered++
		default:
			sub.dropped.Add(1)
			e.metrics.EventDropped(method)
			e.logger.Warn("event subscriber full, dropping frame",
				"method", method,
				"type", f.Type,
				"subscription", sub.id,
			)
			if sub.overflow != nil {
				sub.overflow(f)
			}
		}
	}
	return delivered
}

// Close closes every subscription. Later subscriptions are born closed.
func (e *EventSink) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.closed = true
	for id, sub := range e.subs {
		close(sub.ch)
		delete(e.subs, id)
	}
}

// Dropped returns how many frames this subscription lost to a full buffer.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close unregisters the subscription and closes C.
func (s *Subscription) Close() {
	e := s.sink
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.subs[s.id]; ok {
		delete(e.subs, s.id)
		close(s.ch)
	}
}

func (s *Subscription) matches(method string) bool {
	if s.methods == nil {
		return true
	}
	_, ok := s.methods[method]
	return ok
}
