// ABOUTME: Prometheus instrumentation for the node: session, requests, invocations, processes.
// ABOUTME: A nil *Metrics is valid and records nothing, so components can run uninstrumented.

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "coven_node"

// Metrics holds the node's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	authenticated   prometheus.Gauge
	reconnects      *prometheus.CounterVec
	pendingRequests prometheus.Gauge
	requests        *prometheus.HistogramVec
	eventsDropped   *prometheus.CounterVec
	invocations     *prometheus.HistogramVec
	approvals       *prometheus.CounterVec
	processes       prometheus.Gauge
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		authenticated: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_authenticated",
			Help:      "1 while the gateway session is authenticated.",
		}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_reconnects_total",
			Help:      "Gateway reconnect attempts by reason.",
		}, []string{"reason"}),
		pendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Outbound requests awaiting a response.",
		}),
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Outbound request latency by method and outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "outcome"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Inbound frames dropped because a subscriber was full.",
		}, []string{"method"}),
		invocations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invocation_duration_seconds",
			Help:      "Command invocation latency by command and outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command", "outcome"}),
		approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_decisions_total",
			Help:      "Approval gate decisions by mode and decision.",
		}, []string{"mode", "decision"}),
		processes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "processes_running",
			Help:      "Managed child processes currently running.",
		}),
	}

	m.registry.MustRegister(
		m.authenticated,
		m.reconnects,
		m.pendingRequests,
		m.requests,
		m.eventsDropped,
		m.invocations,
		m.approvals,
		m.processes,
	)
	return m
}

// Registry returns the registry backing the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SetAuthenticated(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.authenticated.Set(1)
	} else {
		m.authenticated.Set(0)
	}
}

func (m *Metrics) Reconnect(reason string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetPendingRequests(n int) {
	if m == nil {
		return
	}
	m.pendingRequests.Set(float64(n))
}

func (m *Metrics) RequestCompleted(method, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, outcome).Observe(d.Seconds())
}

func (m *Metrics) EventDropped(method string) {
	if m == nil {
		return
	}
	if method == "" {
		method = "response"
	}
	m.eventsDropped.WithLabelValues(method).Inc()
}

func (m *Metrics) InvocationHandled(command, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(command, outcome).Observe(d.Seconds())
}

func (m *Metrics) ApprovalDecision(mode, decision string) {
	if m == nil {
		return
	}
	m.approvals.WithLabelValues(mode, decision).Inc()
}

func (m *Metrics) SetProcessesRunning(n int) {
	if m == nil {
		return
	}
	m.processes.Set(float64(n))
}
