// Package transport provides the uniform client abstraction over the four
// wire shapes an upstream can speak: subprocess stdio, server-sent event
// streams, websockets, and streaming HTTP. Request/response correlation,
// auth header injection, 401-triggered refresh, retry scheduling, and
// close semantics live in the shared base client; the wire kinds only move
// bytes.
package transport

import (
	"context"

	"github.com/chris-schra/mcp-funnel-sub012/internal/reconnect"
)

// Transport is one logical wire to one upstream. Implementations are safe
// for concurrent use.
type Transport interface {
	// Start validates configuration and connects the wire. Calls after
	// the first successful one are no-ops.
	Start(ctx context.Context) error

	// Send issues a request frame and waits for its correlated response.
	// On a closed transport it fails synchronously with ErrClosed without
	// allocating an id.
	Send(ctx context.Context, method string, params interface{}) (*Message, error)

	// Notify issues a notification frame; no response is awaited.
	Notify(ctx context.Context, method string, params interface{}) error

	// Close cancels reconnection, rejects every pending request with
	// ErrClosed, and releases the wire. Idempotent.
	Close() error

	// SessionID returns the textual 128-bit id of the current wire
	// session, or "" when disconnected.
	SessionID() string

	// Kind returns the transport kind tag.
	Kind() string

	// Reconnect tears down the wire, resets the retry budget, and
	// connects again. Pending requests are rejected as on Close, but the
	// transport remains usable.
	Reconnect(ctx context.Context) error

	// SetHandlers registers lifecycle observers. Call before Start.
	SetHandlers(Handlers)

	// Controller exposes the reconnection state machine driving this
	// transport, for state observation and status surfaces.
	Controller() *reconnect.Controller
}

// Handlers observe transport lifecycle. OnMessage receives frames that do
// not correlate to a pending request: notifications and server-initiated
// requests. OnError receives fatal (non-retryable) errors. OnClose fires
// once when the transport closes for good.
type Handlers struct {
	OnMessage func(*Message)
	OnError   func(error)
	OnClose   func(error)
}

// AuthProvider supplies outbound auth headers. Implementations live in the
// oauth package; transports depend only on this capability.
type AuthProvider interface {
	// Headers returns the header set for the next wire operation.
	Headers(ctx context.Context) (map[string]string, error)

	// Refresh forces a new token acquisition. Called at most once per 401.
	Refresh(ctx context.Context) error

	// Identity is an opaque per-instance marker used for factory cache
	// keying; equal configs with distinct identities never share a
	// transport.
	Identity() string
}

// wire is the contract each concrete kind implements under the base
// client. The base serializes connect/close; sendFrame may be called
// concurrently.
type wire interface {
	// connect establishes the wire. headers carries connect-time auth.
	connect(ctx context.Context, headers map[string]string) error

	// sendFrame writes one encoded frame. headers carries per-request
	// auth for HTTP-shaped wires; stream wires ignore it.
	sendFrame(ctx context.Context, data []byte, headers map[string]string) error

	// close releases the wire. Idempotent.
	close() error

	kind() string
	remote() string
}

// wireSink is how a wire reports inbound traffic and lifecycle to the
// base client.
type wireSink interface {
	// onFrame delivers one raw inbound JSON frame.
	onFrame(data []byte)

	// onWireError reports a read-path failure that did not drop the wire.
	onWireError(err error)

	// onWireClosed reports that the wire dropped; err carries the cause
	// when known.
	onWireClosed(err error)
}
