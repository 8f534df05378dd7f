// Package fakewire provides an in-process Transport for exercising
// session and coordinator behavior without spawning real upstream
// servers. It drives a real reconnection controller so state observers
// fire exactly as they do over a live wire, and it answers the MCP
// handshake like a well-behaved single-page server unless a test
// installs its own responder.
package fakewire

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/chris-schra/mcp-funnel-sub012/internal/reconnect"
	"github.com/chris-schra/mcp-funnel-sub012/internal/transport"
)

// Tool is the wire shape of one advertised tool.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ToolsPage is one tools/list result page.
type ToolsPage struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// Responder overrides request handling for a test. Returning an
// RPCError produces an error frame; otherwise the result is marshaled
// into a response frame. Delegate to DefaultRespond for methods the
// test does not care about.
type Responder func(method string, params json.RawMessage) (interface{}, *transport.RPCError)

// Gauge tracks the peak number of concurrent Start calls across the
// transports sharing it.
type Gauge struct {
	mu   sync.Mutex
	cur  int
	peak int
}

func (g *Gauge) enter() {
	g.mu.Lock()
	g.cur++
	if g.cur > g.peak {
		g.peak = g.cur
	}
	g.mu.Unlock()
}

func (g *Gauge) exit() {
	g.mu.Lock()
	g.cur--
	g.mu.Unlock()
}

// Max returns the peak concurrency observed so far.
func (g *Gauge) Max() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak
}

// Transport implements transport.Transport in-process.
type Transport struct {
	rc    *reconnect.Controller
	gauge *Gauge

	mu            sync.Mutex
	handlers      transport.Handlers
	sessionID     string
	seq           int
	closed        bool
	startNoWire   bool
	startDelay    time.Duration
	closeBlock    chan struct{}
	respond       Responder
	tools         []Tool
	requests      []string
	notifications []string
}

// New builds a transport around a fresh controller with default
// reconnection settings.
func New() *Transport {
	return &Transport{rc: reconnect.New(nil, zap.NewNop())}
}

// SetTools replaces the advertised catalog for subsequent tools/list
// answers.
func (f *Transport) SetTools(tools ...Tool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tools = tools
}

// SetResponder installs a request responder overriding the default.
func (f *Transport) SetResponder(r Responder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.respond = r
}

// SetStartDelay makes Start sleep before dialing, for concurrency
// shaping.
func (f *Transport) SetStartDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startDelay = d
}

// SetStartNoWire makes Start succeed without establishing a wire
// session, simulating a transport whose dial silently went nowhere.
func (f *Transport) SetStartNoWire(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startNoWire = v
}

// SetCloseBlock makes Close wait on ch, simulating an upstream that is
// slow to let go.
func (f *Transport) SetCloseBlock(ch chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeBlock = ch
}

// SetGauge attaches a shared concurrency gauge spanning Start calls.
func (f *Transport) SetGauge(g *Gauge) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gauge = g
}

// Start dials the fake wire. With a gauge attached the whole call,
// including any configured delay, counts toward peak concurrency.
func (f *Transport) Start(ctx context.Context) error {
	f.mu.Lock()
	gauge := f.gauge
	delay := f.startDelay
	f.mu.Unlock()

	if gauge != nil {
		gauge.enter()
		defer gauge.exit()
	}
	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	if f.startNoWire {
		f.mu.Unlock()
		return nil
	}
	if f.sessionID != "" && !f.closed {
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()
	f.Redial()
	return nil
}

// Redial establishes a fresh wire session, as the real transports do
// after a background reconnect.
func (f *Transport) Redial() {
	f.mu.Lock()
	f.closed = false
	f.seq++
	f.sessionID = fmt.Sprintf("wire-%d", f.seq)
	f.mu.Unlock()

	f.rc.OnConnecting()
	f.rc.OnConnected()
}

// DropWire simulates the wire dying underneath the session.
func (f *Transport) DropWire(err error) {
	f.mu.Lock()
	f.sessionID = ""
	h := f.handlers
	f.mu.Unlock()

	f.rc.OnDisconnected(err)
	if h.OnClose != nil {
		h.OnClose(err)
	}
}

// Deliver pushes a server-originated frame at the session.
func (f *Transport) Deliver(method string, params interface{}) {
	f.mu.Lock()
	h := f.handlers
	f.mu.Unlock()
	if h.OnMessage == nil {
		return
	}
	msg := &transport.Message{JSONRPC: transport.Version, Method: method}
	if params != nil {
		raw, _ := json.Marshal(params)
		msg.Params = raw
	}
	h.OnMessage(msg)
}

func (f *Transport) Send(ctx context.Context, method string, params interface{}) (*transport.Message, error) {
	f.mu.Lock()
	if f.closed || f.sessionID == "" {
		f.mu.Unlock()
		return nil, transport.ErrClosed
	}
	f.requests = append(f.requests, method)
	respond := f.respond
	f.mu.Unlock()

	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	if respond == nil {
		respond = f.DefaultRespond
	}
	result, rpcErr := respond(method, raw)
	if rpcErr != nil {
		return &transport.Message{JSONRPC: transport.Version, Error: rpcErr}, nil
	}
	b, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &transport.Message{JSONRPC: transport.Version, Result: b}, nil
}

// DefaultRespond answers like a well-behaved single-page server:
// initialize and tools/list succeed, tools/call echoes the tool name
// back as text content. Custom responders delegate here for everything
// they do not override.
func (f *Transport) DefaultRespond(method string, params json.RawMessage) (interface{}, *transport.RPCError) {
	switch method {
	case "initialize":
		return map[string]interface{}{
			"protocolVersion": mcp.LATEST_PROTOCOL_VERSION,
			"capabilities":    map[string]interface{}{"tools": map[string]interface{}{"listChanged": true}},
			"serverInfo":      map[string]interface{}{"name": "fake-server", "version": "9.9.9"},
		}, nil
	case "tools/list":
		f.mu.Lock()
		tools := append([]Tool(nil), f.tools...)
		f.mu.Unlock()
		return ToolsPage{Tools: tools}, nil
	case "tools/call":
		var p struct {
			Name string `json:"name"`
		}
		_ = json.Unmarshal(params, &p)
		return map[string]interface{}{
			"content": []map[string]interface{}{{"type": "text", "text": "echo:" + p.Name}},
		}, nil
	default:
		return nil, &transport.RPCError{Code: -32601, Message: "method not found: " + method}
	}
}

func (f *Transport) Notify(ctx context.Context, method string, params interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return transport.ErrClosed
	}
	f.notifications = append(f.notifications, method)
	return nil
}

func (f *Transport) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.sessionID = ""
	block := f.closeBlock
	h := f.handlers
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	f.rc.OnDisconnected(nil)
	if h.OnClose != nil {
		h.OnClose(nil)
	}
	return nil
}

func (f *Transport) Reconnect(ctx context.Context) error {
	f.mu.Lock()
	f.sessionID = ""
	f.mu.Unlock()
	f.rc.Reset()
	f.Redial()
	return nil
}

func (f *Transport) SessionID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessionID
}

func (f *Transport) Kind() string { return "fake" }

func (f *Transport) SetHandlers(h transport.Handlers) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = h
}

func (f *Transport) Controller() *reconnect.Controller { return f.rc }

// Requests returns the request methods sent so far, in order.
func (f *Transport) Requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

// Notifications returns the notification methods sent so far, in order.
func (f *Transport) Notifications() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.notifications...)
}

// CountRequests counts sent requests with the given method.
func (f *Transport) CountRequests(method string) int {
	n := 0
	for _, m := range f.Requests() {
		if m == method {
			n++
		}
	}
	return n
}
