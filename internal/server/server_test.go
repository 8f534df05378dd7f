package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chris-schra/mcp-funnel-sub012/internal/config"
	"github.com/chris-schra/mcp-funnel-sub012/internal/reconnect"
	"github.com/chris-schra/mcp-funnel-sub012/internal/registry"
	"github.com/chris-schra/mcp-funnel-sub012/internal/testutil/fakewire"
	"github.com/chris-schra/mcp-funnel-sub012/internal/upstream"
)

type fakeUpstream struct {
	id string
	ft *fakewire.Transport
}

// newTestServer assembles a coordinator around fake-transport sessions.
func newTestServer(t *testing.T, cfg *config.Config, ups ...fakeUpstream) (*Server, *registry.Registry, *upstream.Manager) {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{ExposeCoreTools: true}
	}

	reg, err := registry.New(cfg.ExposeTools, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	sessions := make([]*upstream.Session, 0, len(ups))
	for _, u := range ups {
		sess, err := upstream.NewSession(upstream.SessionOptions{
			Config:    &config.UpstreamConfig{ID: u.id},
			Registry:  reg,
			Transport: u.ft,
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = sess.Disconnect() })
		sessions = append(sessions, sess)
	}
	mgr := upstream.NewManagerWithSessions(cfg, reg, sessions, zap.NewNop())

	srv, err := New(Options{
		Config:    cfg,
		Registry:  reg,
		Upstreams: mgr,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	return srv, reg, mgr
}

func connectAll(t *testing.T, mgr *upstream.Manager) {
	t.Helper()
	require.NoError(t, mgr.ConnectAll(context.Background()))
}

func toolNames(srv *Server) []string {
	tools, _ := srv.buildTools()
	names := make([]string, 0, len(tools))
	for _, st := range tools {
		names = append(names, st.Tool.Name)
	}
	return names
}

func TestCatalogNamespacesCollidingToolNames(t *testing.T) {
	ftA := fakewire.New()
	ftA.SetTools(fakewire.Tool{Name: "read", Description: "read from A"})
	ftB := fakewire.New()
	ftB.SetTools(fakewire.Tool{Name: "read", Description: "read from B"})

	srv, _, mgr := newTestServer(t, nil,
		fakeUpstream{id: "A", ft: ftA},
		fakeUpstream{id: "B", ft: ftB},
	)
	connectAll(t, mgr)

	names := toolNames(srv)
	assert.Contains(t, names, "A__read")
	assert.Contains(t, names, "B__read")
	assert.Contains(t, names, toolDiscover)
	assert.Contains(t, names, toolBridge)

	// A call to A's tool reaches A only.
	result, err := srv.dispatch(context.Background(), "A__read", nil)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 1, ftA.CountRequests("tools/call"))
	assert.Equal(t, 0, ftB.CountRequests("tools/call"))
}

func TestCoreToolsHiddenByConfig(t *testing.T) {
	ft := fakewire.New()
	ft.SetTools(fakewire.Tool{Name: "ping"})

	srv, _, mgr := newTestServer(t, &config.Config{ExposeCoreTools: false},
		fakeUpstream{id: "up", ft: ft})
	connectAll(t, mgr)

	names := toolNames(srv)
	assert.Equal(t, []string{"up__ping"}, names)
}

func TestDispatchRejectsUnknownAndDisabled(t *testing.T) {
	ft := fakewire.New()
	ft.SetTools(fakewire.Tool{Name: "ping"})
	srv, reg, mgr := newTestServer(t, nil, fakeUpstream{id: "up", ft: ft})
	connectAll(t, mgr)

	_, err := srv.dispatch(context.Background(), "up__nope", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown tool")

	reg.Disable([]string{"up__ping"})
	_, err = srv.dispatch(context.Background(), "up__ping", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disabled")
	assert.Equal(t, 0, ft.CountRequests("tools/call"))
}

func TestDisconnectedUpstreamRetractsItsTools(t *testing.T) {
	ft := fakewire.New()
	ft.SetTools(fakewire.Tool{Name: "ping"})
	srv, reg, mgr := newTestServer(t, nil, fakeUpstream{id: "up", ft: ft})
	connectAll(t, mgr)
	require.Equal(t, 1, reg.Len())

	ft.DropWire(errors.New("link down"))

	assert.Equal(t, 0, reg.Len())
	names := toolNames(srv)
	assert.NotContains(t, names, "up__ping")
}

func TestReconnectRepublishesCatalog(t *testing.T) {
	ft := fakewire.New()
	ft.SetTools(fakewire.Tool{Name: "ping"})
	srv, reg, mgr := newTestServer(t, nil, fakeUpstream{id: "up", ft: ft})
	connectAll(t, mgr)

	ft.DropWire(errors.New("link down"))
	require.Equal(t, 0, reg.Len())

	// A fresh wire session triggers the background resync, which runs the
	// handshake again and republishes the catalog.
	ft.Redial()
	require.Eventually(t, func() bool { return reg.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, toolNames(srv), "up__ping")
	assert.Equal(t, 2, ft.CountRequests("tools/list"))
}

func TestNotConnectedErrorsRenderAsRetryable(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	err := &upstream.NotConnectedError{UpstreamID: "up", State: reconnect.StateReconnecting}
	result := srv.errorResult("up__ping", err)
	require.NotNil(t, result)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(result), "safe to retry")
}

func TestHealthDegradedWhileAnUpstreamIsDown(t *testing.T) {
	ftUp := fakewire.New()
	ftDown := fakewire.New()
	ftDown.SetStartNoWire(true)

	srv, _, mgr := newTestServer(t, nil,
		fakeUpstream{id: "up", ft: ftUp},
		fakeUpstream{id: "down", ft: ftDown},
	)
	_ = mgr.ConnectAll(context.Background())

	report := srv.Health()
	assert.Equal(t, "degraded", report.Status)
	require.Len(t, report.Upstreams, 2)

	states := map[string]string{}
	for _, u := range report.Upstreams {
		states[u.ID] = u.State
	}
	assert.Equal(t, reconnect.StateConnected.String(), states["up"])
	assert.NotEqual(t, reconnect.StateConnected.String(), states["down"])
}

func TestRenderResultAppliesResponseLimit(t *testing.T) {
	cfg := &config.Config{ExposeCoreTools: true, ToolResponseLimit: 200}
	srv, _, _ := newTestServer(t, cfg)

	big := make([]byte, 0, 2048)
	for len(big) < 2048 {
		big = append(big, `{"row":1}`...)
	}
	rendered := srv.renderResult(mcp.NewToolResultText(string(big)))
	text := resultText(rendered)
	assert.LessOrEqual(t, len(text), 200)
	assert.Contains(t, text, "truncated by mcp-funnel")

	small := srv.renderResult(mcp.NewToolResultText("ok"))
	assert.Equal(t, "ok", resultText(small))
}

func TestCallToolDecodesJSONTextForScripts(t *testing.T) {
	ft := fakewire.New()
	ft.SetTools(fakewire.Tool{Name: "lookup"})

	srv, _, mgr := newTestServer(t, nil, fakeUpstream{id: "up", ft: ft})
	connectAll(t, mgr)

	value, err := srv.CallTool(context.Background(), "up__lookup", map[string]interface{}{"q": "x"})
	require.NoError(t, err)
	// DefaultRespond echoes the tool name back as plain text.
	assert.Equal(t, "echo:lookup", value)
}
