// Package upstream manages the logical connections to configured upstream
// MCP servers: one Session per upstream (transport + protocol handshake +
// tool discovery + call dispatch), and a Manager that connects them in
// parallel and keeps one session's failures away from the others.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/chris-schra/mcp-funnel-sub012/internal/config"
	"github.com/chris-schra/mcp-funnel-sub012/internal/hash"
	"github.com/chris-schra/mcp-funnel-sub012/internal/reconnect"
	"github.com/chris-schra/mcp-funnel-sub012/internal/registry"
	"github.com/chris-schra/mcp-funnel-sub012/internal/storage"
	"github.com/chris-schra/mcp-funnel-sub012/internal/transport"
)

const (
	clientName    = "mcp-funnel"
	clientVersion = "1.0.0"

	// maxListPages bounds cursor pagination against a server that never
	// terminates it.
	maxListPages = 100
)

// resyncTimeout bounds handshakes triggered from state observers, which have
// no caller context to inherit.
var resyncTimeout = config.DefaultConnectTimeout

// ToolCache persists discovered catalogs so a restart can inspect the last
// known tools without waiting for upstreams. Satisfied by *storage.BoltDB.
type ToolCache interface {
	SaveUpstreamTools(record *storage.ToolCacheRecord) error
}

// NotConnectedError marks failures that are safe to retry once the session
// is connected again.
type NotConnectedError struct {
	UpstreamID string
	State      reconnect.State
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("upstream %s is not connected (state %s)", e.UpstreamID, e.State)
}

// IsNotConnected reports whether err is a retryable not-connected failure.
func IsNotConnected(err error) bool {
	var nc *NotConnectedError
	return errors.As(err, &nc)
}

// Status is a point-in-time view of one session for status surfaces.
type Status struct {
	ID             string          `json:"id"`
	State          reconnect.State `json:"-"`
	StateName      string          `json:"state"`
	RetryCount     int             `json:"retry_count"`
	NextRetryDelay time.Duration   `json:"next_retry_delay,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	ServerName     string          `json:"server_name,omitempty"`
	ServerVersion  string          `json:"server_version,omitempty"`
	ToolCount      int             `json:"tool_count"`
	TransportKind  string          `json:"transport"`
	WireSession    string          `json:"wire_session,omitempty"`
}

// SessionOptions collects the collaborators a session needs. Transport and
// Auth are normally built from the config; tests inject fakes.
type SessionOptions struct {
	Config    *config.UpstreamConfig
	Registry  *registry.Registry
	Cache     ToolCache
	Factory   *transport.Factory
	Transport transport.Transport
	Auth      transport.AuthProvider
	AuthDeps  AuthDeps
	Logger    *zap.Logger
}

// Session is one logical connection to one upstream server. All methods are
// safe for concurrent use.
type Session struct {
	id        string
	cfg       *config.UpstreamConfig
	logger    *zap.Logger
	registry  *registry.Registry
	cache     ToolCache
	transport transport.Transport

	// hsMu serializes the handshake and catalog publication so a resync
	// triggered by a state observer cannot interleave with one driven by a
	// caller.
	hsMu        sync.Mutex
	readySID    string
	catalogHash string

	mu             sync.RWMutex
	serverInfo     mcp.Implementation
	protocol       string
	notifiesOnList bool
	toolCount      int
	onNotification func(method string, params json.RawMessage)
}

// NewSession builds the session and its transport but does not connect.
func NewSession(opts SessionOptions) (*Session, error) {
	if opts.Config == nil || opts.Config.ID == "" {
		return nil, fmt.Errorf("upstream config with an id is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("upstream %s: registry is required", opts.Config.ID)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Session{
		id:       opts.Config.ID,
		cfg:      opts.Config,
		logger:   logger.Named("upstream").With(zap.String("upstream", opts.Config.ID)),
		registry: opts.Registry,
		cache:    opts.Cache,
	}

	tr := opts.Transport
	if tr == nil {
		auth := opts.Auth
		storeID := ""
		if auth == nil && opts.Config.Auth != nil {
			built, sid, err := BuildAuthProvider(opts.Config, opts.AuthDeps)
			if err != nil {
				return nil, fmt.Errorf("upstream %s: %w", opts.Config.ID, err)
			}
			auth, storeID = built, sid
		}
		var err error
		if opts.Factory != nil {
			tr, err = opts.Factory.Get(opts.Config.Transport, auth, storeID)
		} else {
			tr, err = transport.New(opts.Config.Transport, auth, logger)
		}
		if err != nil {
			return nil, fmt.Errorf("upstream %s: %w", opts.Config.ID, err)
		}
	}
	s.transport = tr

	tr.SetHandlers(transport.Handlers{
		OnMessage: s.handleMessage,
		OnError: func(err error) {
			s.logger.Error("transport error", zap.Error(err))
		},
		OnClose: func(error) {
			s.retract()
		},
	})
	tr.Controller().AddObserver(s.onTransition)
	return s, nil
}

// ID returns the upstream id.
func (s *Session) ID() string { return s.id }

// Observe registers fn with the transport's reconnection controller. The
// coordinator uses this for transition logging and metrics.
func (s *Session) Observe(fn func(reconnect.Transition)) {
	s.transport.Controller().AddObserver(fn)
}

// State returns the connection state as the reconnection controller sees it.
func (s *Session) State() reconnect.State {
	return s.transport.Controller().State()
}

// OnNotification registers the sink for server-originated notifications
// other than list-changed, which the session consumes itself.
func (s *Session) OnNotification(fn func(method string, params json.RawMessage)) {
	s.mu.Lock()
	s.onNotification = fn
	s.mu.Unlock()
}

// Connect starts the transport and runs the protocol handshake plus the
// first tool discovery. A retryable wire failure has background recovery
// scheduled before the error returns.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.transport.Start(ctx); err != nil {
		return fmt.Errorf("connect upstream %s: %w", s.id, err)
	}
	if err := s.ensureReady(ctx); err != nil {
		return fmt.Errorf("connect upstream %s: %w", s.id, err)
	}
	return nil
}

// Reconnect tears the wire down, resets the retry budget (clearing a
// terminal Failed state), connects again, and republishes tools.
func (s *Session) Reconnect(ctx context.Context) error {
	if err := s.transport.Reconnect(ctx); err != nil {
		return fmt.Errorf("reconnect upstream %s: %w", s.id, err)
	}
	if err := s.ensureReady(ctx); err != nil {
		return fmt.Errorf("reconnect upstream %s: %w", s.id, err)
	}
	return nil
}

// Disconnect closes the transport for good. No retry is scheduled; pending
// calls reject with the transport's closed error.
func (s *Session) Disconnect() error {
	err := s.transport.Close()
	s.retract()
	return err
}

// RefreshTools re-fetches the catalog and replaces this session's registry
// entries atomically.
func (s *Session) RefreshTools(ctx context.Context) error {
	s.hsMu.Lock()
	defer s.hsMu.Unlock()
	if s.readySID == "" {
		return &NotConnectedError{UpstreamID: s.id, State: s.State()}
	}
	return s.listToolsLocked(ctx)
}

// CallTool invokes the named tool (local name, without the upstream prefix)
// and returns the parsed result. While the session is not connected the
// error is a NotConnectedError so callers can present it as retryable.
func (s *Session) CallTool(ctx context.Context, localName string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	if st := s.State(); st != reconnect.StateConnected {
		return nil, &NotConnectedError{UpstreamID: s.id, State: st}
	}

	params := callToolParams{Name: localName, Arguments: args}
	resp, err := s.transport.Send(ctx, string(mcp.MethodToolsCall), params)
	if err != nil {
		return nil, fmt.Errorf("call %s on upstream %s: %w", localName, s.id, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("call %s on upstream %s: %w", localName, s.id, resp.Error)
	}

	raw := resp.Result
	result, err := mcp.ParseCallToolResult(&raw)
	if err != nil {
		return nil, fmt.Errorf("call %s on upstream %s: invalid result: %w", localName, s.id, err)
	}
	return result, nil
}

// Status reports the session's current connection and catalog state.
func (s *Session) Status() Status {
	snap := s.transport.Controller().Snapshot()

	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		ID:             s.id,
		State:          snap.State,
		StateName:      snap.State.String(),
		RetryCount:     snap.RetryCount,
		NextRetryDelay: snap.NextRetryDelay,
		ServerName:     s.serverInfo.Name,
		ServerVersion:  s.serverInfo.Version,
		ToolCount:      s.toolCount,
		TransportKind:  s.transport.Kind(),
		WireSession:    s.transport.SessionID(),
	}
	if snap.LastError != nil {
		st.LastError = snap.LastError.Error()
	}
	return st
}

// ensureReady initializes the current wire session exactly once and
// publishes its catalog. Safe to call from both the connect path and state
// observers; whoever arrives second finds the work done.
func (s *Session) ensureReady(ctx context.Context) error {
	s.hsMu.Lock()
	defer s.hsMu.Unlock()

	sid := s.transport.SessionID()
	if sid == "" {
		return &NotConnectedError{UpstreamID: s.id, State: s.State()}
	}
	if sid == s.readySID {
		return nil
	}

	if err := s.initialize(ctx); err != nil {
		return err
	}
	if err := s.listToolsLocked(ctx); err != nil {
		return err
	}
	s.readySID = sid
	return nil
}

func (s *Session) initialize(ctx context.Context) error {
	params := initializeParams{
		ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
		Capabilities:    mcp.ClientCapabilities{},
		ClientInfo:      mcp.Implementation{Name: clientName, Version: clientVersion},
	}
	resp, err := s.transport.Send(ctx, string(mcp.MethodInitialize), params)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var result mcp.InitializeResult
	if err := resp.UnmarshalResult(&result); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	s.mu.Lock()
	s.serverInfo = result.ServerInfo
	s.protocol = result.ProtocolVersion
	s.notifiesOnList = result.Capabilities.Tools != nil && result.Capabilities.Tools.ListChanged
	s.mu.Unlock()

	if err := s.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}

	s.logger.Info("upstream initialized",
		zap.String("server_name", result.ServerInfo.Name),
		zap.String("server_version", result.ServerInfo.Version),
		zap.String("protocol", result.ProtocolVersion))
	return nil
}

// listToolsLocked fetches the full catalog (following cursors) and replaces
// this session's registry entries. Caller holds hsMu.
func (s *Session) listToolsLocked(ctx context.Context) error {
	var tools []wireTool
	cursor := ""
	for page := 0; ; page++ {
		if page >= maxListPages {
			return fmt.Errorf("tools/list: more than %d pages", maxListPages)
		}
		resp, err := s.transport.Send(ctx, string(mcp.MethodToolsList), listToolsParams{Cursor: cursor})
		if err != nil {
			return fmt.Errorf("tools/list: %w", err)
		}
		var pageResult listToolsPage
		if err := resp.UnmarshalResult(&pageResult); err != nil {
			return fmt.Errorf("tools/list: %w", err)
		}
		tools = append(tools, pageResult.Tools...)
		if pageResult.NextCursor == "" || pageResult.NextCursor == cursor {
			break
		}
		cursor = pageResult.NextCursor
	}

	descs := make([]registry.Descriptor, 0, len(tools))
	cached := make([]storage.CachedTool, 0, len(tools))
	toolHashes := make([]string, 0, len(tools))
	for _, t := range tools {
		descs = append(descs, registry.Descriptor{
			FullName:    registry.FullName(s.id, t.Name),
			LocalName:   t.Name,
			UpstreamID:  s.id,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
		cached = append(cached, storage.CachedTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
		toolHashes = append(toolHashes, hash.ToolHash(s.id, t.Name, t.Description, t.InputSchema))
	}

	if err := s.registry.AddFromSession(s.id, descs); err != nil {
		return fmt.Errorf("publish tools: %w", err)
	}

	catalogHash := hash.CatalogHash(toolHashes)
	if s.cache != nil && catalogHash != s.catalogHash {
		record := &storage.ToolCacheRecord{UpstreamID: s.id, Hash: catalogHash, Tools: cached}
		if err := s.cache.SaveUpstreamTools(record); err != nil {
			s.logger.Warn("tool cache write failed", zap.Error(err))
		}
	}
	s.catalogHash = catalogHash

	s.mu.Lock()
	s.toolCount = len(tools)
	s.mu.Unlock()

	s.logger.Info("upstream tools discovered", zap.Int("count", len(tools)))
	return nil
}

// retract removes this session's registry entries and forgets the handshake,
// so the next connected wire session re-initializes from scratch.
func (s *Session) retract() {
	s.hsMu.Lock()
	wasReady := s.readySID != ""
	s.readySID = ""
	s.hsMu.Unlock()

	if wasReady {
		s.registry.RemoveFromSession(s.id)
		s.mu.Lock()
		s.toolCount = 0
		s.mu.Unlock()
	}
}

// onTransition runs on controller goroutines; anything slow moves to its own
// goroutine.
func (s *Session) onTransition(tr reconnect.Transition) {
	s.logger.Info("connection state changed",
		zap.String("from", tr.From.String()),
		zap.String("to", tr.To.String()),
		zap.Int("retry", tr.RetryCount),
		zap.Duration("next_delay", tr.NextRetryDelay),
		zap.Error(tr.Err))

	switch {
	case tr.To == reconnect.StateConnected:
		go s.resync()
	case tr.From == reconnect.StateConnected:
		s.retract()
	}
}

// resync re-runs the handshake for a freshly connected wire session. The
// initial Connect does this synchronously; here it covers background
// reconnects, where nobody else will.
func (s *Session) resync() {
	ctx, cancel := context.WithTimeout(context.Background(), resyncTimeout)
	defer cancel()
	if err := s.ensureReady(ctx); err != nil {
		s.logger.Warn("resync after reconnect failed", zap.Error(err))
	}
}

func (s *Session) handleMessage(msg *transport.Message) {
	if !msg.IsNotification() {
		s.logger.Debug("ignoring non-notification frame from upstream",
			zap.String("method", msg.Method))
		return
	}
	if msg.Method == string(mcp.MethodNotificationToolsListChanged) {
		s.logger.Info("upstream announced tool list change")
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), resyncTimeout)
			defer cancel()
			if err := s.RefreshTools(ctx); err != nil {
				s.logger.Warn("tool re-list failed", zap.Error(err))
			}
		}()
		return
	}

	s.mu.RLock()
	sink := s.onNotification
	s.mu.RUnlock()
	if sink != nil {
		sink(msg.Method, msg.Params)
	}
}

// --- wire shapes ---

type initializeParams struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    mcp.ClientCapabilities `json:"capabilities"`
	ClientInfo      mcp.Implementation     `json:"clientInfo"`
}

type listToolsParams struct {
	Cursor string `json:"cursor,omitempty"`
}

type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

type listToolsPage struct {
	Tools      []wireTool `json:"tools"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

type callToolParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}
