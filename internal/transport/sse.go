package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chris-schra/mcp-funnel-sub012/internal/config"
)

const (
	// sseEndpointWait bounds how long connect waits for the server to
	// announce its POST endpoint before giving up on the stream.
	sseEndpointWait = 30 * time.Second

	sseMaxLineSize = 10 * 1024 * 1024
)

// sseWire speaks the SSE wire shape: one long-lived GET stream for
// inbound frames, paired with per-frame POSTs to the endpoint the server
// announces in its `endpoint` event. Auth headers ride on both the GET
// and every POST.
type sseWire struct {
	cfg    *config.TransportConfig
	sink   wireSink
	logger *zap.Logger
	httpc  *http.Client

	mu   sync.Mutex
	conn *sseConn
}

// sseConn is the per-connect state. Reconnects open a fresh stream.
type sseConn struct {
	cancel context.CancelFunc
	body   io.ReadCloser

	endpointMu    sync.Mutex
	endpoint      string
	endpointReady chan struct{}

	done   chan struct{}
	closed bool
}

func newSSEWire(cfg *config.TransportConfig, sink wireSink, logger *zap.Logger) *sseWire {
	return &sseWire{
		cfg:    cfg,
		sink:   sink,
		logger: logger,
		httpc:  &http.Client{Timeout: 0}, // the stream never times out
	}
}

func (w *sseWire) kind() string   { return config.TransportSSE }
func (w *sseWire) remote() string { return w.cfg.URL }

func (w *sseWire) connect(ctx context.Context, headers map[string]string) error {
	w.mu.Lock()
	if w.conn != nil && !w.conn.closed {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	// The stream outlives the connect call; it dies on close, not when
	// the caller's deadline expires.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, w.cfg.URL, http.NoBody)
	if err != nil {
		cancel()
		return NewError(KindInvalidURL, "connect", w.cfg.URL, err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := w.httpc.Do(req)
	if err != nil {
		cancel()
		return Classify("connect", w.cfg.URL, err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		cancel()
		httpErr := NewHTTPError(resp.StatusCode, string(body), http.MethodGet, w.cfg.URL, nil)
		return Classify("connect", w.cfg.URL, httpErr)
	}

	c := &sseConn{
		cancel:        cancel,
		body:          resp.Body,
		endpointReady: make(chan struct{}),
		done:          make(chan struct{}),
	}
	w.mu.Lock()
	w.conn = c
	w.mu.Unlock()

	go w.readStream(c)

	// The handshake is complete once the server names its POST target.
	wait := time.NewTimer(sseEndpointWait)
	defer wait.Stop()
	select {
	case <-c.endpointReady:
		w.logger.Debug("SSE stream established",
			zap.String("url", w.cfg.URL),
			zap.String("endpoint", c.postEndpoint()))
		return nil
	case <-c.done:
		w.closeConn(c)
		return NewError(KindConnectionFailed, "connect", w.cfg.URL,
			fmt.Errorf("stream closed before endpoint event"))
	case <-ctx.Done():
		w.closeConn(c)
		return Classify("connect", w.cfg.URL, ctx.Err())
	case <-wait.C:
		w.closeConn(c)
		return NewError(KindTimeout, "connect", w.cfg.URL,
			fmt.Errorf("no endpoint event within %s", sseEndpointWait))
	}
}

func (w *sseWire) sendFrame(ctx context.Context, data []byte, headers map[string]string) error {
	w.mu.Lock()
	c := w.conn
	w.mu.Unlock()
	if c == nil || c.closed {
		return NewError(KindConnectionFailed, "send", w.cfg.URL, fmt.Errorf("stream not connected"))
	}
	endpoint := c.postEndpoint()
	if endpoint == "" {
		return NewError(KindConnectionFailed, "send", w.cfg.URL, fmt.Errorf("no endpoint announced"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return NewError(KindInvalidURL, "send", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := w.httpc.Do(req)
	if err != nil {
		return Classify("send", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		httpErr := NewHTTPError(resp.StatusCode, string(body), http.MethodPost, endpoint, nil)
		return Classify("send", endpoint, httpErr)
	}

	// Most servers answer over the stream and return 202 here, but some
	// put the response frame straight in the POST body.
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		body, err := io.ReadAll(io.LimitReader(resp.Body, sseMaxLineSize))
		if err == nil && len(bytes.TrimSpace(body)) > 0 {
			w.sink.onFrame(bytes.TrimSpace(body))
		}
	}
	return nil
}

func (w *sseWire) close() error {
	w.mu.Lock()
	c := w.conn
	w.mu.Unlock()
	if c == nil {
		return nil
	}
	w.closeConn(c)
	return nil
}

func (w *sseWire) closeConn(c *sseConn) {
	w.mu.Lock()
	if c.closed {
		w.mu.Unlock()
		return
	}
	c.closed = true
	if w.conn == c {
		w.conn = nil
	}
	w.mu.Unlock()

	c.cancel()
	_ = c.body.Close()
	<-c.done
}

// readStream parses the event stream: `event:` names the frame type,
// `data:` lines accumulate the payload, a blank line dispatches, and
// comment lines (leading ':') are keep-alives.
func (w *sseWire) readStream(c *sseConn) {
	defer close(c.done)

	scanner := bufio.NewScanner(c.body)
	scanner.Buffer(make([]byte, 64*1024), sseMaxLineSize)

	var eventName string
	var dataLines []string

	dispatch := func() {
		if len(dataLines) == 0 {
			eventName = ""
			return
		}
		data := strings.Join(dataLines, "\n")
		name := eventName
		eventName = ""
		dataLines = nil

		switch name {
		case "endpoint":
			w.setEndpoint(c, data)
		case "", "message":
			w.sink.onFrame([]byte(data))
		default:
			w.logger.Debug("Ignoring unknown SSE event",
				zap.String("event", name),
				zap.String("url", w.cfg.URL))
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			dispatch()
		case strings.HasPrefix(line, ":"):
			// keep-alive comment
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	dispatch()

	err := scanner.Err()

	w.mu.Lock()
	deliberate := c.closed
	if w.conn == c {
		w.conn = nil
	}
	w.mu.Unlock()

	if deliberate {
		return
	}
	if err == nil {
		err = io.EOF
	}
	w.sink.onWireClosed(err)
}

// setEndpoint resolves the announced POST target against the stream URL
// so relative paths work, then releases any connect waiter.
func (w *sseWire) setEndpoint(c *sseConn, raw string) {
	resolved := raw
	if base, err := url.Parse(w.cfg.URL); err == nil {
		if ref, err := url.Parse(raw); err == nil {
			resolved = base.ResolveReference(ref).String()
		}
	}

	c.endpointMu.Lock()
	first := c.endpoint == ""
	c.endpoint = resolved
	c.endpointMu.Unlock()

	if first {
		close(c.endpointReady)
	}
}

func (c *sseConn) postEndpoint() string {
	c.endpointMu.Lock()
	defer c.endpointMu.Unlock()
	return c.endpoint
}
