package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetAuthenticated(true)
		m.Reconnect("transport")
		m.SetPendingRequests(3)
		m.RequestCompleted("connect", "ok", time.Millisecond)
		m.EventDropped("tick")
		m.InvocationHandled("system.run", "ok", time.Millisecond)
		m.ApprovalDecision("none", "deny")
		m.SetProcessesRunning(1)
	})
}

func gatherValue(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
	metrics:
		for _, metric := range fam.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue metrics
				}
			}
			if c := metric.GetCounter(); c != nil {
				return c.GetValue()
			}
			if g := metric.GetGauge(); g != nil {
				return g.GetValue()
			}
		}
	}
	t.Fatalf("metric %s %v not found", name, labels)
	return 0
}

func TestCounters(t *testing.T) {
	m := New()
	m.EventDropped("")
	m.EventDropped("tick")
	m.ApprovalDecision("allowlist", "deny")

	assert.Equal(t, 1.0, gatherValue(t, m, "coven_node_events_dropped_total", map[string]string{"method": "response"}))
	assert.Equal(t, 1.0, gatherValue(t, m, "coven_node_events_dropped_total", map[string]string{"method": "tick"}))
	assert.Equal(t, 1.0, gatherValue(t, m, "coven_node_approval_decisions_total", map[string]string{"mode": "allowlist", "decision": "deny"}))

	m.SetAuthenticated(true)
	assert.Equal(t, 1.0, gatherValue(t, m, "coven_node_session_authenticated", nil))
	m.SetAuthenticated(false)
	assert.Equal(t, 0.0, gatherValue(t, m, "coven_node_session_authenticated", nil))
}

func TestHandler(t *testing.T) {
	m := New()
	m.Reconnect("transport")

	var ready atomic.Bool
	srv := httptest.NewServer(m.Handler(func() (bool, string) {
		if ready.Load() {
			return true, "authenticated"
		}
		return false, "not connected"
	}))
	defer srv.Close()

	get := func(path string) (int, string) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}

	code, _ := get("/health")
	assert.Equal(t, http.StatusOK, code)

	code, body := get("/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "not connected", body)

	ready.Store(true)
	code, _ = get("/health/ready")
	assert.Equal(t, http.StatusOK, code)

	code, body = get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "coven_node_session_reconnects_total")
}
