package observability

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startTestListener(t *testing.T, metrics *Metrics, health HealthFunc) *Listener {
	t.Helper()
	l := NewListener("127.0.0.1:0", metrics, health, zap.NewNop())
	require.NoError(t, l.Start())
	t.Cleanup(func() {
		_ = l.Shutdown(context.Background())
	})
	return l
}

func TestListenerServesHealthz(t *testing.T) {
	health := func() HealthReport {
		return HealthReport{
			Status:  HealthDegraded,
			Version: "1.2.3",
			Uptime:  time.Minute.String(),
			Upstreams: []UpstreamHealth{
				{ID: "gh", State: "Connected", Tools: 4},
				{ID: "jira", State: "Failed", Error: "dial refused"},
			},
		}
	}
	l := startTestListener(t, nil, health)

	resp, err := http.Get("http://" + l.Addr() + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var report HealthReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, HealthDegraded, report.Status)
	assert.Equal(t, "1.2.3", report.Version)
	require.Len(t, report.Upstreams, 2)
	assert.Equal(t, "dial refused", report.Upstreams[1].Error)
}

func TestListenerHealthzDefaultsToOK(t *testing.T) {
	l := startTestListener(t, nil, nil)

	resp, err := http.Get("http://" + l.Addr() + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var report HealthReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, HealthOK, report.Status)
}

func TestListenerServesMetrics(t *testing.T) {
	m := NewMetrics(zap.NewNop())
	m.ObserveReconnect("gh")
	l := startTestListener(t, m, nil)

	resp, err := http.Get("http://" + l.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "mcpfunnel_upstream_reconnect_attempts_total")
}

func TestListenerWithoutMetricsOmitsRoute(t *testing.T) {
	l := startTestListener(t, nil, nil)

	resp, err := http.Get("http://" + l.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListenerShutdownIsIdempotent(t *testing.T) {
	l := startTestListener(t, nil, nil)

	require.NoError(t, l.Shutdown(context.Background()))
	require.NoError(t, l.Shutdown(context.Background()))
}

func TestListenerRejectsBusyAddress(t *testing.T) {
	first := startTestListener(t, nil, nil)

	second := NewListener(first.Addr(), nil, nil, zap.NewNop())
	err := second.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen on")
}
