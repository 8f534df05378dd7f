package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chris-schra/mcp-funnel-sub012/internal/config"
	"github.com/chris-schra/mcp-funnel-sub012/internal/reconnect"
)

// fakeWire records traffic and plays back scripted errors.
type fakeWire struct {
	mu          sync.Mutex
	connectErrs []error
	sendErrs    []error
	frames      [][]byte
	connects    int
	closes      int
}

func (f *fakeWire) connect(_ context.Context, _ map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		return err
	}
	return nil
}

func (f *fakeWire) sendFrame(_ context.Context, data []byte, _ map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return err
		}
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.frames = append(f.frames, cp)
	return nil
}

func (f *fakeWire) close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeWire) kind() string   { return "fake" }
func (f *fakeWire) remote() string { return "fake://test" }

func (f *fakeWire) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeWire) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeWire) lastFrame() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		return nil
	}
	return f.frames[len(f.frames)-1]
}

type fakeAuth struct {
	mu         sync.Mutex
	headers    map[string]string
	refreshes  int
	refreshErr error
}

func (a *fakeAuth) Headers(_ context.Context) (map[string]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.headers == nil {
		return map[string]string{"Authorization": "Bearer test"}, nil
	}
	return a.headers, nil
}

func (a *fakeAuth) Refresh(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refreshes++
	return a.refreshErr
}

func (a *fakeAuth) Identity() string { return "fake-auth" }

func (a *fakeAuth) refreshCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refreshes
}

func newTestClient(w wire, auth AuthProvider) (*baseClient, *fakeWire) {
	fw, _ := w.(*fakeWire)
	cfg := &config.TransportConfig{Type: config.TransportStdio, Command: "true"}
	rc := reconnect.New(&config.ReconnectConfig{
		MaxAttempts:       3,
		InitialDelayMs:    1,
		MaxDelayMs:        5,
		BackoffMultiplier: 2.0,
		Jitter:            0,
	}, zap.NewNop())
	b := &baseClient{
		cfg:     cfg,
		auth:    auth,
		rc:      rc,
		logger:  zap.NewNop(),
		pending: make(map[string]*pendingRequest),
	}
	b.w = w
	return b, fw
}

// responseFor builds a response frame correlated to the request the wire
// recorded last.
func responseFor(t *testing.T, frame []byte, result interface{}, rpcErr *RPCError) []byte {
	t.Helper()
	var req Message
	require.NoError(t, json.Unmarshal(frame, &req))
	require.NotNil(t, req.ID)

	resp := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      req.ID,
	}
	if rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	return data
}

func TestSendReceivesCorrelatedResponse(t *testing.T) {
	b, fw := newTestClient(&fakeWire{}, nil)
	require.NoError(t, b.Start(context.Background()))

	done := make(chan struct{})
	var got *Message
	var gotErr error
	go func() {
		defer close(done)
		got, gotErr = b.Send(context.Background(), "tools/list", nil)
	}()

	require.Eventually(t, func() bool { return fw.frameCount() == 1 }, time.Second, time.Millisecond)
	b.onFrame(responseFor(t, fw.lastFrame(), map[string]string{"ok": "yes"}, nil))

	<-done
	require.NoError(t, gotErr)
	require.NotNil(t, got)

	var result map[string]string
	require.NoError(t, got.UnmarshalResult(&result))
	assert.Equal(t, "yes", result["ok"])
	assert.Equal(t, 0, b.pendingCount())
}

func TestSendOnClosedTransportFailsWithoutPending(t *testing.T) {
	b, _ := newTestClient(&fakeWire{}, nil)
	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, b.Close())

	_, err := b.Send(context.Background(), "tools/list", nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 0, b.pendingCount())
}

func TestSendRejectsOnRPCError(t *testing.T) {
	b, fw := newTestClient(&fakeWire{}, nil)
	require.NoError(t, b.Start(context.Background()))

	done := make(chan struct{})
	var gotErr error
	go func() {
		defer close(done)
		_, gotErr = b.Send(context.Background(), "tools/call", map[string]string{"name": "x"})
	}()

	require.Eventually(t, func() bool { return fw.frameCount() == 1 }, time.Second, time.Millisecond)
	b.onFrame(responseFor(t, fw.lastFrame(), nil, &RPCError{Code: -32601, Message: "method not found"}))

	<-done
	var rpcErr *RPCError
	require.ErrorAs(t, gotErr, &rpcErr)
	assert.Equal(t, -32601, rpcErr.Code)
	assert.Equal(t, 0, b.pendingCount())
}

func TestResponseWithoutPendingIsDropped(t *testing.T) {
	b, _ := newTestClient(&fakeWire{}, nil)
	require.NoError(t, b.Start(context.Background()))

	b.onFrame([]byte(`{"jsonrpc":"2.0","id":"nobody-waits","result":{}}`))
	assert.Equal(t, 0, b.pendingCount())
}

func TestNotificationFlowsToOnMessage(t *testing.T) {
	b, _ := newTestClient(&fakeWire{}, nil)

	var mu sync.Mutex
	var seen []string
	b.SetHandlers(Handlers{OnMessage: func(m *Message) {
		mu.Lock()
		seen = append(seen, m.Method)
		mu.Unlock()
	}})
	require.NoError(t, b.Start(context.Background()))

	b.onFrame([]byte(`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, "notifications/tools/list_changed", seen[0])
}

func TestCloseRejectsAllPending(t *testing.T) {
	b, fw := newTestClient(&fakeWire{}, nil)
	require.NoError(t, b.Start(context.Background()))

	const n = 3
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := b.Send(context.Background(), "tools/list", nil)
			errs <- err
		}()
	}
	require.Eventually(t, func() bool {
		return b.pendingCount() == n && fw.frameCount() == n
	}, time.Second, time.Millisecond)

	require.NoError(t, b.Close())
	for i := 0; i < n; i++ {
		assert.ErrorIs(t, <-errs, ErrClosed)
	}
	assert.Equal(t, 0, b.pendingCount())

	// Idempotent.
	require.NoError(t, b.Close())
}

func TestUnauthorizedSendRefreshesOnce(t *testing.T) {
	auth := &fakeAuth{}
	fw := &fakeWire{sendErrs: []error{
		NewHTTPError(http.StatusUnauthorized, "expired", http.MethodPost, "fake://test", nil),
	}}
	b, _ := newTestClient(fw, auth)
	require.NoError(t, b.Start(context.Background()))

	done := make(chan struct{})
	var gotErr error
	go func() {
		defer close(done)
		_, gotErr = b.Send(context.Background(), "tools/list", nil)
	}()

	require.Eventually(t, func() bool { return fw.frameCount() == 1 }, time.Second, time.Millisecond)
	b.onFrame(responseFor(t, fw.lastFrame(), map[string]bool{}, nil))

	<-done
	require.NoError(t, gotErr)
	assert.Equal(t, 1, auth.refreshCount())
}

func TestSecondUnauthorizedIsFatal(t *testing.T) {
	auth := &fakeAuth{}
	unauthorized := NewHTTPError(http.StatusUnauthorized, "nope", http.MethodPost, "fake://test", nil)
	fw := &fakeWire{sendErrs: []error{unauthorized, unauthorized}}
	b, _ := newTestClient(fw, auth)
	require.NoError(t, b.Start(context.Background()))

	_, err := b.Send(context.Background(), "tools/list", nil)
	require.Error(t, err)
	assert.True(t, IsAuthFailure(err))
	assert.Equal(t, 1, auth.refreshCount())
	assert.Equal(t, 0, b.pendingCount())
}

func TestRefreshFailureIsFatalNotRetried(t *testing.T) {
	auth := &fakeAuth{refreshErr: errors.New("idp unreachable")}
	fw := &fakeWire{sendErrs: []error{
		NewHTTPError(http.StatusUnauthorized, "", http.MethodPost, "fake://test", nil),
	}}
	b, _ := newTestClient(fw, auth)
	require.NoError(t, b.Start(context.Background()))

	_, err := b.Send(context.Background(), "tools/list", nil)
	require.Error(t, err)
	assert.True(t, IsAuthFailure(err))
	// Auth trouble never burns the retry budget.
	assert.Equal(t, reconnect.StateConnected, b.rc.State())
}

func TestWireDropRejectsPendingAndReconnects(t *testing.T) {
	b, fw := newTestClient(&fakeWire{}, nil)
	require.NoError(t, b.Start(context.Background()))
	firstSession := b.SessionID()
	require.NotEmpty(t, firstSession)

	errs := make(chan error, 1)
	go func() {
		_, err := b.Send(context.Background(), "tools/list", nil)
		errs <- err
	}()
	require.Eventually(t, func() bool { return b.pendingCount() == 1 }, time.Second, time.Millisecond)

	b.onWireClosed(io.EOF)
	assert.ErrorIs(t, <-errs, ErrClosed)

	require.Eventually(t, func() bool {
		return b.rc.State() == reconnect.StateConnected && fw.connectCount() == 2
	}, time.Second, time.Millisecond)
	assert.NotEqual(t, firstSession, b.SessionID())
}

func TestStartFailureSchedulesBackgroundRetry(t *testing.T) {
	fw := &fakeWire{connectErrs: []error{syscall.ECONNREFUSED}}
	b, _ := newTestClient(fw, nil)

	err := b.Start(context.Background())
	require.Error(t, err)

	require.Eventually(t, func() bool {
		return b.rc.State() == reconnect.StateConnected && fw.connectCount() == 2
	}, time.Second, time.Millisecond)
}

func TestFatalConnectErrorDoesNotRetry(t *testing.T) {
	fw := &fakeWire{connectErrs: []error{
		NewError(KindInvalidURL, "connect", "fake://test", fmt.Errorf("bad url")),
	}}
	b, _ := newTestClient(fw, nil)

	err := b.Start(context.Background())
	require.Error(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, fw.connectCount())
	assert.Equal(t, reconnect.StateDisconnected, b.rc.State())
}

func TestFatalWireDropSurfacesOnError(t *testing.T) {
	b, fw := newTestClient(&fakeWire{}, nil)

	var mu sync.Mutex
	var fatal []error
	b.SetHandlers(Handlers{OnError: func(err error) {
		mu.Lock()
		fatal = append(fatal, err)
		mu.Unlock()
	}})
	require.NoError(t, b.Start(context.Background()))

	b.onWireClosed(fmt.Errorf("frame desync"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, fatal, 1)
	var te *Error
	require.ErrorAs(t, fatal[0], &te)
	assert.Equal(t, KindProtocolError, te.Kind)
	assert.Equal(t, 1, fw.connectCount())
}

func TestReconnectResetsBudgetAndRejectsPending(t *testing.T) {
	b, fw := newTestClient(&fakeWire{}, nil)
	require.NoError(t, b.Start(context.Background()))
	firstSession := b.SessionID()

	errs := make(chan error, 1)
	go func() {
		_, err := b.Send(context.Background(), "tools/list", nil)
		errs <- err
	}()
	require.Eventually(t, func() bool { return b.pendingCount() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, b.Reconnect(context.Background()))
	assert.ErrorIs(t, <-errs, ErrClosed)
	assert.Equal(t, 2, fw.connectCount())
	assert.NotEmpty(t, b.SessionID())
	assert.NotEqual(t, firstSession, b.SessionID())
	assert.Equal(t, 0, b.rc.RetryCount())
}

func TestSessionIDLifecycle(t *testing.T) {
	b, _ := newTestClient(&fakeWire{}, nil)
	assert.Empty(t, b.SessionID())

	require.NoError(t, b.Start(context.Background()))
	assert.NotEmpty(t, b.SessionID())

	require.NoError(t, b.Close())
	assert.Empty(t, b.SessionID())
}

func TestSendContextCancellationRemovesPending(t *testing.T) {
	b, fw := newTestClient(&fakeWire{}, nil)
	require.NoError(t, b.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := b.Send(ctx, "tools/list", nil)
		errs <- err
	}()
	require.Eventually(t, func() bool { return fw.frameCount() == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errs, context.Canceled)
	require.Eventually(t, func() bool { return b.pendingCount() == 0 }, time.Second, time.Millisecond)

	// A late response for the abandoned id is ignored.
	b.onFrame(responseFor(t, fw.lastFrame(), map[string]bool{"late": true}, nil))
}
