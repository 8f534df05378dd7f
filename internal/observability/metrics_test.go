package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMetricsNilReceiverIsSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ObserveTransition("gh", "Connecting", "Connected")
		m.ObserveReconnect("gh")
		m.ObserveToolCall("gh", 5*time.Millisecond, nil)
		m.SetRegistrySize(10, 4)
	})
}

func TestMetricsObserveToolCall(t *testing.T) {
	m := NewMetrics(zap.NewNop())

	m.ObserveToolCall("gh", 10*time.Millisecond, nil)
	m.ObserveToolCall("gh", 20*time.Millisecond, nil)
	m.ObserveToolCall("gh", 30*time.Millisecond, errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.toolCalls.WithLabelValues("gh", StatusSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.toolCalls.WithLabelValues("gh", StatusError)))
	assert.Equal(t, 2, testutil.CollectAndCount(m.toolDuration))
}

func TestMetricsObserveTransitions(t *testing.T) {
	m := NewMetrics(zap.NewNop())

	m.ObserveTransition("gh", "Disconnected", "Connecting")
	m.ObserveTransition("gh", "Connecting", "Connected")
	m.ObserveTransition("gh", "Connecting", "Connected")
	m.ObserveReconnect("gh")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.transitions.WithLabelValues("gh", "Connecting", "Connected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("gh", "Disconnected", "Connecting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconnects.WithLabelValues("gh")))
}

func TestMetricsRegistryGauges(t *testing.T) {
	m := NewMetrics(zap.NewNop())

	m.SetRegistrySize(12, 3)
	assert.Equal(t, 12.0, testutil.ToFloat64(m.registryTotal))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.registryExposed))

	m.SetRegistrySize(5, 5)
	assert.Equal(t, 5.0, testutil.ToFloat64(m.registryTotal))
}

func TestMetricsHandlerServesRegistry(t *testing.T) {
	m := NewMetrics(zap.NewNop())
	m.SetRegistrySize(7, 2)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "mcpfunnel_registry_tools_total 7")
	assert.Contains(t, body, "mcpfunnel_registry_tools_exposed 2")
	assert.Contains(t, body, "go_goroutines")
}
