// Package server is the downstream-facing MCP surface: one mcp-go stdio
// server publishing the aggregated catalog, the core tools that control
// it, and the routing of tools/call to upstream sessions or in-process
// commands.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/chris-schra/mcp-funnel-sub012/internal/command"
	"github.com/chris-schra/mcp-funnel-sub012/internal/config"
	"github.com/chris-schra/mcp-funnel-sub012/internal/observability"
	"github.com/chris-schra/mcp-funnel-sub012/internal/reconnect"
	"github.com/chris-schra/mcp-funnel-sub012/internal/registry"
	"github.com/chris-schra/mcp-funnel-sub012/internal/truncate"
	"github.com/chris-schra/mcp-funnel-sub012/internal/upstream"
)

// Name and Version identify the funnel to downstream clients and to the
// command manifest version gate.
const (
	Name    = "mcp-funnel"
	Version = "1.0.0"
)

const serverInstructions = `mcp-funnel aggregates tools from multiple upstream MCP servers under ` +
	`namespaced names (<server>__<tool>). Call discover_tools_by_words first to find relevant ` +
	`tools, then invoke them directly or via bridge_tool_request.`

// Stats receives per-call usage accounting. Satisfied by *storage.BoltDB;
// nil disables stats.
type Stats interface {
	IncrementToolStats(toolName string) error
}

// Options collects the coordinator's collaborators. Config, Registry and
// Upstreams are required; the rest degrade gracefully when nil.
type Options struct {
	Config    *config.Config
	Registry  *registry.Registry
	Upstreams *upstream.Manager
	Commands  *command.Manager
	Stats     Stats
	Metrics   *observability.Metrics
	Logger    *zap.Logger
}

// Server coordinates the downstream MCP surface. It subscribes to every
// session's state transitions, mirrors the registry's exposed catalog into
// the mcp-go server (which owns tools/list and list-changed delivery), and
// dispatches calls.
type Server struct {
	logger    *zap.Logger
	cfg       *config.Config
	mcp       *mcpserver.MCPServer
	registry  *registry.Registry
	upstreams *upstream.Manager
	commands  *command.Manager
	stats     Stats
	metrics   *observability.Metrics
	truncator *truncate.Truncator
	started   time.Time

	// syncMu serializes catalog pushes so concurrent registry mutations
	// cannot interleave their SetTools calls out of order.
	syncMu sync.Mutex
}

// New wires the coordinator. The registry hook, session observers, and the
// command dispatcher are registered here; the initial catalog is pushed
// before returning so tools/list is correct from the first request.
func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("server: config is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("server: registry is required")
	}
	if opts.Upstreams == nil {
		return nil, fmt.Errorf("server: upstream manager is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	hooks := &mcpserver.Hooks{}
	hooks.AddOnRegisterSession(func(_ context.Context, sess mcpserver.ClientSession) {
		logger.Info("downstream session registered", zap.String("session_id", sess.SessionID()))
	})

	mcpSrv := mcpserver.NewMCPServer(
		Name,
		Version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithRecovery(),
		mcpserver.WithHooks(hooks),
		mcpserver.WithInstructions(serverInstructions),
	)

	s := &Server{
		logger:    logger.Named("server"),
		cfg:       opts.Config,
		mcp:       mcpSrv,
		registry:  opts.Registry,
		upstreams: opts.Upstreams,
		commands:  opts.Commands,
		stats:     opts.Stats,
		metrics:   opts.Metrics,
		truncator: truncate.New(opts.Config.ToolResponseLimit, logger),
		started:   time.Now(),
	}

	s.registry.OnListChanged(s.syncTools)
	for _, sess := range s.upstreams.Sessions() {
		s.observeSession(sess)
	}
	if s.commands != nil {
		s.commands.SetToolCaller(s)
	}
	s.syncTools()
	return s, nil
}

// MCP exposes the underlying mcp-go server for serving (stdio or tests).
func (s *Server) MCP() *mcpserver.MCPServer { return s.mcp }

// ListServers reports every configured upstream's connection state.
func (s *Server) ListServers() []upstream.Status {
	return s.upstreams.Status()
}

// Health summarizes upstream state for the /healthz endpoint. Status is ok
// only when every configured upstream is connected; the proxy itself stays
// up either way.
func (s *Server) Health() observability.HealthReport {
	statuses := s.upstreams.Status()
	report := observability.HealthReport{
		Status:    observability.HealthOK,
		Version:   Version,
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Upstreams: make([]observability.UpstreamHealth, 0, len(statuses)),
	}
	for _, st := range statuses {
		if st.State != reconnect.StateConnected {
			report.Status = observability.HealthDegraded
		}
		report.Upstreams = append(report.Upstreams, observability.UpstreamHealth{
			ID:    st.ID,
			State: st.StateName,
			Tools: st.ToolCount,
			Error: st.LastError,
		})
	}
	return report
}

// observeSession attaches transition logging/metrics and notification
// forwarding to one session.
func (s *Server) observeSession(sess *upstream.Session) {
	id := sess.ID()
	sess.Observe(func(tr reconnect.Transition) {
		s.metrics.ObserveTransition(id, tr.From.String(), tr.To.String())
		if tr.To == reconnect.StateReconnecting {
			s.metrics.ObserveReconnect(id)
		}
		s.logger.Info("upstream transition",
			zap.String("upstream", id),
			zap.String("from", tr.From.String()),
			zap.String("to", tr.To.String()),
			zap.Int("retry", tr.RetryCount),
			zap.Duration("next_delay", tr.NextRetryDelay),
			zap.Error(tr.Err))
	})
	sess.OnNotification(func(method string, params json.RawMessage) {
		s.forwardNotification(id, method, params)
	})
}

// forwardNotification relays a server-originated notification to every
// downstream client. list-changed is consumed by the session itself and
// never reaches this path.
func (s *Server) forwardNotification(upstreamID, method string, params json.RawMessage) {
	payload := map[string]any{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &payload); err != nil {
			s.logger.Debug("dropping notification with non-object params",
				zap.String("upstream", upstreamID), zap.String("method", method))
			return
		}
	}
	s.mcp.SendNotificationToAllClients(method, payload)
}

// syncTools pushes the current exposed catalog into the mcp-go server.
// Runs from the registry's list-changed hook, which already fires at most
// once per effective change, so each push yields exactly one downstream
// list-changed notification.
func (s *Server) syncTools() {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	tools, exposed := s.buildTools()
	s.mcp.SetTools(tools...)

	s.metrics.SetRegistrySize(s.registry.Len(), exposed)
	s.logger.Debug("catalog pushed downstream",
		zap.Int("exposed", exposed),
		zap.Bool("core_tools", s.cfg.ExposeCoreTools))
}

// buildTools assembles the downstream tool set: core tools (when exposed)
// followed by every exposed registry entry.
func (s *Server) buildTools() ([]mcpserver.ServerTool, int) {
	exposed := s.registry.Exposed()
	tools := make([]mcpserver.ServerTool, 0, len(exposed)+5)
	if s.cfg.ExposeCoreTools {
		tools = append(tools, s.coreTools()...)
	}
	for _, tool := range exposed {
		tools = append(tools, s.upstreamServerTool(tool))
	}
	return tools, len(exposed)
}

// upstreamServerTool wraps one registry entry as a directly callable
// downstream tool. The input schema is passed through untouched.
func (s *Server) upstreamServerTool(tool registry.Tool) mcpserver.ServerTool {
	schema := tool.InputSchema
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object"}`)
	}
	fullName := tool.FullName
	return mcpserver.ServerTool{
		Tool: mcp.NewToolWithRawSchema(fullName, tool.Description, schema),
		Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			result, err := s.dispatch(ctx, fullName, req.GetArguments())
			if err != nil {
				return s.errorResult(fullName, err), nil
			}
			return s.renderResult(result), nil
		},
	}
}

// renderResult applies the configured response limit. Oversize results are
// collapsed to a single truncated text content; everything else passes
// through unchanged.
func (s *Server) renderResult(result *mcp.CallToolResult) *mcp.CallToolResult {
	if result == nil {
		return mcp.NewToolResultText("")
	}
	if s.truncator.Limit() <= 0 {
		return result
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return result
	}
	text := string(raw)
	if !s.truncator.ShouldTruncate(text) {
		return result
	}
	return mcp.NewToolResultText(s.truncator.Truncate(text))
}

// errorResult renders a dispatch failure. Not-connected failures call out
// that a retry is expected to succeed once the upstream recovers.
func (s *Server) errorResult(fullName string, err error) *mcp.CallToolResult {
	if upstream.IsNotConnected(err) {
		return mcp.NewToolResultError(fmt.Sprintf(
			"%v - the call is safe to retry once the server reconnects; check states via the servers listing", err))
	}
	s.logger.Debug("tool call failed", zap.String("tool", fullName), zap.Error(err))
	return mcp.NewToolResultError(err.Error())
}
