package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chris-schra/mcp-funnel-sub012/internal/config"
	"github.com/chris-schra/mcp-funnel-sub012/internal/reconnect"
)

// authFailure marks errors from the auth provider so the retry paths can
// keep them out of the reconnect loop.
type authFailure struct {
	err error
}

func (a *authFailure) Error() string { return fmt.Sprintf("authentication failed: %v", a.err) }
func (a *authFailure) Unwrap() error { return a.err }

// IsAuthFailure reports whether err originated in the auth provider.
func IsAuthFailure(err error) bool {
	var af *authFailure
	return errors.As(err, &af)
}

type pendingResult struct {
	msg *Message
	err error
}

// pendingRequest is completed at most once: whoever deletes it from the
// map owns the single send into ch.
type pendingRequest struct {
	id string
	ch chan pendingResult
}

// baseClient implements Transport over any wire. It owns the pending map,
// the reconnection controller, and the wire session id.
type baseClient struct {
	cfg    *config.TransportConfig
	auth   AuthProvider
	rc     *reconnect.Controller
	logger *zap.Logger
	w      wire

	mu        sync.Mutex
	started   bool
	closed    bool
	teardown  bool // deliberate wire teardown in progress (Close/Reconnect)
	sessionID string
	handlers  Handlers
	pending   map[string]*pendingRequest
	lifeCtx   context.Context
	lifeStop  context.CancelFunc
	closeOnce sync.Once
}

func newBaseClient(cfg *config.TransportConfig, auth AuthProvider, rc *reconnect.Controller, logger *zap.Logger) *baseClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &baseClient{
		cfg:     cfg,
		auth:    auth,
		rc:      rc,
		logger:  logger,
		pending: make(map[string]*pendingRequest),
	}

	switch cfg.Type {
	case config.TransportStdio:
		b.w = newStdioWire(cfg, b, logger)
	case config.TransportSSE:
		b.w = newSSEWire(cfg, b, logger)
	case config.TransportWebsocket:
		b.w = newWebsocketWire(cfg, b, logger)
	case config.TransportStreamableHTTP:
		b.w = newStreamHTTPWire(cfg, b, logger)
	}
	return b
}

// SetHandlers registers lifecycle observers. Call before Start.
func (b *baseClient) SetHandlers(h Handlers) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = h
}

func (b *baseClient) Kind() string { return b.cfg.Type }

func (b *baseClient) SessionID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessionID
}

// Controller exposes the reconnection state for status surfaces.
func (b *baseClient) Controller() *reconnect.Controller { return b.rc }

// Start connects the wire. The first retryable failure already schedules
// background recovery before the error is returned, so callers observe the
// failure but need not drive retries themselves.
func (b *baseClient) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.started {
		b.mu.Unlock()
		return nil
	}
	if err := b.cfg.Validate(); err != nil {
		b.mu.Unlock()
		return NewError(KindInvalidURL, "start", b.cfg.URL, err)
	}
	b.started = true
	b.lifeCtx, b.lifeStop = context.WithCancel(context.WithoutCancel(ctx))
	b.mu.Unlock()

	if err := b.connectWire(ctx); err != nil {
		cls := Classify("connect", b.w.remote(), err)
		if !IsAuthFailure(err) && cls.Retryable() {
			b.scheduleReconnect()
		}
		return err
	}
	return nil
}

// connectWire performs one connect attempt: state bookkeeping, auth
// headers, the wire connect with a single 401-refresh retry, and session
// id assignment.
func (b *baseClient) connectWire(ctx context.Context) error {
	b.rc.OnConnecting()

	headers, err := b.requestHeaders(ctx)
	if err != nil {
		b.rc.OnDisconnected(err)
		return err
	}

	err = b.w.connect(ctx, headers)
	if err != nil && IsUnauthorized(err) && b.auth != nil {
		b.logger.Debug("connect returned 401, refreshing credentials",
			zap.String("kind", b.w.kind()))
		if refreshErr := b.auth.Refresh(ctx); refreshErr != nil {
			wrapped := &authFailure{err: refreshErr}
			b.rc.OnDisconnected(wrapped)
			return wrapped
		}
		headers, err = b.requestHeaders(ctx)
		if err == nil {
			err = b.w.connect(ctx, headers)
			if err != nil && IsUnauthorized(err) {
				err = &authFailure{err: err}
			}
		}
	}
	if err != nil {
		b.rc.OnDisconnected(err)
		return err
	}

	b.mu.Lock()
	b.sessionID = uuid.NewString()
	sid := b.sessionID
	b.mu.Unlock()

	b.rc.OnConnected()
	b.logger.Info("transport connected",
		zap.String("kind", b.w.kind()),
		zap.String("remote", b.w.remote()),
		zap.String("wire_session", sid))
	return nil
}

// Send issues a request and waits for the correlated response. The closed
// check precedes id allocation.
func (b *baseClient) Send(ctx context.Context, method string, params interface{}) (*Message, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if !b.started {
		b.mu.Unlock()
		return nil, fmt.Errorf("transport not started")
	}
	b.mu.Unlock()

	id := uuid.NewString()
	msg, err := NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	data, err := msg.Encode()
	if err != nil {
		return nil, err
	}

	p := &pendingRequest{id: id, ch: make(chan pendingResult, 1)}
	if err := b.addPending(p); err != nil {
		return nil, err
	}

	if err := b.dispatch(ctx, data); err != nil {
		b.removePending(id)
		return nil, err
	}

	select {
	case res := <-p.ch:
		return res.msg, res.err
	case <-ctx.Done():
		b.removePending(id)
		return nil, ctx.Err()
	}
}

// Notify issues a notification; nothing is awaited.
func (b *baseClient) Notify(ctx context.Context, method string, params interface{}) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if !b.started {
		b.mu.Unlock()
		return fmt.Errorf("transport not started")
	}
	b.mu.Unlock()

	msg, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return b.dispatch(ctx, data)
}

// dispatch writes one frame with auth headers, retrying exactly once
// through a refresh when the wire answers 401. Retryable wire failures
// are handed to the reconnection controller before surfacing.
func (b *baseClient) dispatch(ctx context.Context, data []byte) error {
	headers, err := b.requestHeaders(ctx)
	if err != nil {
		return err
	}

	err = b.w.sendFrame(ctx, data, headers)
	if err == nil {
		return nil
	}

	if IsUnauthorized(err) && b.auth != nil {
		b.logger.Debug("send returned 401, refreshing credentials",
			zap.String("kind", b.w.kind()))
		if refreshErr := b.auth.Refresh(ctx); refreshErr != nil {
			return &authFailure{err: refreshErr}
		}
		headers, err = b.requestHeaders(ctx)
		if err != nil {
			return err
		}
		err = b.w.sendFrame(ctx, data, headers)
		if err == nil {
			return nil
		}
		if IsUnauthorized(err) {
			return &authFailure{err: err}
		}
	}

	cls := Classify("send", b.w.remote(), err)
	if cls.Retryable() {
		b.rc.OnDisconnected(cls)
		b.scheduleReconnect()
	}
	return cls
}

// requestHeaders merges static config headers with provider headers;
// provider entries win. Provider failures are fatal, never retried here.
func (b *baseClient) requestHeaders(ctx context.Context) (map[string]string, error) {
	headers := make(map[string]string, len(b.cfg.Headers)+2)
	for k, v := range b.cfg.Headers {
		headers[k] = v
	}
	if b.auth != nil {
		authHeaders, err := b.auth.Headers(ctx)
		if err != nil {
			return nil, &authFailure{err: err}
		}
		for k, v := range authHeaders {
			headers[k] = v
		}
	}
	return headers, nil
}

// Close is terminal and idempotent.
func (b *baseClient) Close() error {
	var wireErr error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.teardown = true
		b.sessionID = ""
		if b.lifeStop != nil {
			b.lifeStop()
		}
		onClose := b.handlers.OnClose
		b.mu.Unlock()

		b.rc.Destroy()
		b.failAllPending(ErrClosed)
		wireErr = b.w.close()

		if onClose != nil {
			onClose(nil)
		}
	})
	return wireErr
}

// Reconnect tears the wire down, resets the retry budget, and connects
// again. Pending requests reject with ErrClosed.
func (b *baseClient) Reconnect(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if !b.started {
		b.mu.Unlock()
		return fmt.Errorf("transport not started")
	}
	b.teardown = true
	b.sessionID = ""
	b.mu.Unlock()

	b.failAllPending(ErrClosed)
	_ = b.w.close()
	b.rc.Reset()

	b.mu.Lock()
	b.teardown = false
	b.mu.Unlock()

	return b.connectWire(ctx)
}

func (b *baseClient) scheduleReconnect() {
	err := b.rc.Schedule(b.reconnectAttempt)
	if err == nil || errors.Is(err, reconnect.ErrDestroyed) {
		return
	}
	if errors.Is(err, reconnect.ErrMaxAttemptsExceeded) {
		b.emitError(NewError(KindConnectionFailed, "reconnect", b.w.remote(),
			fmt.Errorf("%w: %v", err, b.rc.LastError())))
	}
}

// reconnectAttempt runs on the controller's timer goroutine.
func (b *baseClient) reconnectAttempt() {
	b.mu.Lock()
	ctx := b.lifeCtx
	closed := b.closed
	b.mu.Unlock()
	if closed || ctx == nil || ctx.Err() != nil {
		return
	}

	err := b.connectWire(ctx)
	if err == nil {
		return
	}
	if IsAuthFailure(err) {
		b.emitError(err)
		return
	}
	cls := Classify("connect", b.w.remote(), err)
	if cls.Retryable() {
		b.scheduleReconnect()
		return
	}
	b.emitError(cls)
}

// --- pending map ---

func (b *baseClient) addPending(p *pendingRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if _, dup := b.pending[p.id]; dup {
		return fmt.Errorf("duplicate request id %s", p.id)
	}
	b.pending[p.id] = p
	return nil
}

// takePending transfers ownership of the entry to the caller.
func (b *baseClient) takePending(id string) *pendingRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[id]
	if !ok {
		return nil
	}
	delete(b.pending, id)
	return p
}

func (b *baseClient) removePending(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, id)
}

// failAllPending rejects every entry exactly once.
func (b *baseClient) failAllPending(err error) {
	b.mu.Lock()
	taken := b.pending
	b.pending = make(map[string]*pendingRequest)
	b.mu.Unlock()

	for _, p := range taken {
		p.ch <- pendingResult{err: err}
	}
}

func (b *baseClient) pendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// --- wireSink ---

func (b *baseClient) onFrame(data []byte) {
	msg, err := DecodeMessage(data)
	if err != nil {
		b.logger.Warn("dropping malformed frame", zap.Error(err))
		b.emitError(NewError(KindProtocolError, "read", b.w.remote(), err))
		return
	}

	if msg.IsResponse() {
		p := b.takePending(msg.IDString())
		if p == nil {
			b.logger.Debug("response without pending request",
				zap.String("id", msg.IDString()))
			return
		}
		if msg.Error != nil {
			p.ch <- pendingResult{msg: msg, err: msg.Error}
		} else {
			p.ch <- pendingResult{msg: msg}
		}
		return
	}

	// Notifications and server-initiated requests flow to the session.
	b.mu.Lock()
	onMessage := b.handlers.OnMessage
	b.mu.Unlock()
	if onMessage != nil {
		onMessage(msg)
	}
}

func (b *baseClient) onWireError(err error) {
	b.logger.Warn("wire error", zap.String("kind", b.w.kind()), zap.Error(err))
	b.emitError(Classify("read", b.w.remote(), err))
}

func (b *baseClient) onWireClosed(err error) {
	b.mu.Lock()
	if b.closed || b.teardown {
		b.mu.Unlock()
		return
	}
	b.sessionID = ""
	b.mu.Unlock()

	cls := Classify("read", b.w.remote(), err)
	if err == nil {
		cls = NewError(KindConnectionFailed, "read", b.w.remote(), errors.New("connection lost"))
	}

	b.logger.Warn("wire dropped",
		zap.String("kind", b.w.kind()),
		zap.String("remote", b.w.remote()),
		zap.Error(err))

	b.failAllPending(ErrClosed)
	b.rc.OnDisconnected(cls)
	if cls.Retryable() {
		b.scheduleReconnect()
		return
	}
	b.emitError(cls)
}

func (b *baseClient) emitError(err error) {
	b.mu.Lock()
	onError := b.handlers.OnError
	b.mu.Unlock()
	if onError != nil {
		onError(err)
	}
}
