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

// streamHTTPWire speaks the streamable HTTP shape: every outbound frame is
// its own POST, and the response body carries the answering frames either
// as a single JSON object or as an event stream the wire reassembles.
// There is no long-lived connection to drop, so connect only validates the
// target and close only flips a flag.
type streamHTTPWire struct {
	cfg    *config.TransportConfig
	sink   wireSink
	logger *zap.Logger
	httpc  *http.Client

	mu        sync.Mutex
	connected bool
}

func newStreamHTTPWire(cfg *config.TransportConfig, sink wireSink, logger *zap.Logger) *streamHTTPWire {
	headerTimeout := 30 * time.Second
	if cfg.TimeoutMs > 0 {
		headerTimeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}
	return &streamHTTPWire{
		cfg:    cfg,
		sink:   sink,
		logger: logger,
		httpc: &http.Client{
			// Bodies may stream for a while; only the header wait is bounded.
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: headerTimeout,
			},
		},
	}
}

func (w *streamHTTPWire) kind() string   { return config.TransportStreamableHTTP }
func (w *streamHTTPWire) remote() string { return w.cfg.URL }

func (w *streamHTTPWire) connect(_ context.Context, _ map[string]string) error {
	u, err := url.Parse(w.cfg.URL)
	if err != nil {
		return NewError(KindInvalidURL, "connect", w.cfg.URL, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return NewError(KindInvalidURL, "connect", w.cfg.URL,
			fmt.Errorf("unsupported scheme %q", u.Scheme))
	}

	w.mu.Lock()
	w.connected = true
	w.mu.Unlock()
	return nil
}

func (w *streamHTTPWire) sendFrame(ctx context.Context, data []byte, headers map[string]string) error {
	w.mu.Lock()
	connected := w.connected
	w.mu.Unlock()
	if !connected {
		return NewError(KindConnectionFailed, "send", w.cfg.URL, fmt.Errorf("not connected"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return NewError(KindInvalidURL, "send", w.cfg.URL, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := w.httpc.Do(req)
	if err != nil {
		return Classify("send", w.cfg.URL, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		httpErr := NewHTTPError(resp.StatusCode, string(body), http.MethodPost, w.cfg.URL, nil)
		return Classify("send", w.cfg.URL, httpErr)
	}

	// Answering frames arrive on this response body. Consuming it must not
	// hold up the caller: notifications get 202-with-no-body, requests may
	// stream for a while before the final response frame.
	go w.consumeBody(resp)
	return nil
}

func (w *streamHTTPWire) consumeBody(resp *http.Response) {
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(contentType, "text/event-stream"):
		w.consumeEventStream(resp.Body)
	case strings.HasPrefix(contentType, "application/json"):
		body, err := io.ReadAll(io.LimitReader(resp.Body, sseMaxLineSize))
		if err != nil {
			w.sink.onWireError(Classify("read", w.cfg.URL, err))
			return
		}
		if frame := bytes.TrimSpace(body); len(frame) > 0 {
			w.sink.onFrame(frame)
		}
	default:
		// 202 Accepted for notifications carries no body worth parsing.
		if resp.StatusCode != http.StatusAccepted && resp.ContentLength != 0 {
			w.logger.Debug("Discarding response body with unexpected content type",
				zap.String("content_type", contentType),
				zap.String("url", w.cfg.URL))
		}
		_, _ = io.Copy(io.Discard, resp.Body)
	}
}

// consumeEventStream reassembles SSE-framed response bodies. Unlike the
// sse wire there is no endpoint event here; every data payload is a frame.
func (w *streamHTTPWire) consumeEventStream(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), sseMaxLineSize)

	var dataLines []string
	dispatch := func() {
		if len(dataLines) == 0 {
			return
		}
		frame := strings.Join(dataLines, "\n")
		dataLines = nil
		w.sink.onFrame([]byte(frame))
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			dispatch()
		case strings.HasPrefix(line, ":"):
			// keep-alive
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	dispatch()

	if err := scanner.Err(); err != nil {
		w.sink.onWireError(Classify("read", w.cfg.URL, err))
	}
}

func (w *streamHTTPWire) close() error {
	w.mu.Lock()
	w.connected = false
	w.mu.Unlock()
	w.httpc.CloseIdleConnections()
	return nil
}
