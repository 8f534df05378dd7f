package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chris-schra/mcp-funnel-sub012/internal/config"
)

const (
	wsPingInterval = 30 * time.Second
	wsWriteWait    = 10 * time.Second
	wsPongWait     = wsPingInterval + wsWriteWait
)

// websocketWire speaks JSON-RPC over a single websocket connection. Frames
// travel as text messages; a ping ticker keeps idle connections alive and
// detects silent drops.
type websocketWire struct {
	cfg    *config.TransportConfig
	sink   wireSink
	logger *zap.Logger

	mu   sync.Mutex
	conn *wsConn
}

// wsConn is the per-connect state. Reconnects dial a fresh socket.
type wsConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
	stop    chan struct{}
	closed  bool
}

func newWebsocketWire(cfg *config.TransportConfig, sink wireSink, logger *zap.Logger) *websocketWire {
	return &websocketWire{cfg: cfg, sink: sink, logger: logger}
}

func (w *websocketWire) kind() string   { return config.TransportWebsocket }
func (w *websocketWire) remote() string { return w.cfg.URL }

func (w *websocketWire) connect(ctx context.Context, headers map[string]string) error {
	w.mu.Lock()
	if w.conn != nil && !w.conn.closed {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	wsURL, err := websocketURL(w.cfg.URL)
	if err != nil {
		return NewError(KindInvalidURL, "connect", w.cfg.URL, err)
	}

	hdr := http.Header{}
	for k, v := range headers {
		hdr.Set(k, v)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 45 * time.Second,
	}
	if w.cfg.Subprotocol != "" {
		dialer.Subprotocols = []string{w.cfg.Subprotocol}
	}

	ws, resp, err := dialer.DialContext(ctx, wsURL, hdr)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			_ = resp.Body.Close()
			httpErr := NewHTTPError(resp.StatusCode, string(body), http.MethodGet, wsURL, err)
			return Classify("connect", wsURL, httpErr)
		}
		return Classify("connect", wsURL, err)
	}
	if resp != nil {
		_ = resp.Body.Close()
	}

	c := &wsConn{
		ws:   ws,
		done: make(chan struct{}),
		stop: make(chan struct{}),
	}
	w.mu.Lock()
	w.conn = c
	w.mu.Unlock()

	ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	go w.readLoop(c)
	go w.pingLoop(c)

	w.logger.Debug("Websocket connected",
		zap.String("url", wsURL),
		zap.String("subprotocol", ws.Subprotocol()))
	return nil
}

func (w *websocketWire) sendFrame(_ context.Context, data []byte, _ map[string]string) error {
	w.mu.Lock()
	c := w.conn
	w.mu.Unlock()
	if c == nil || c.closed {
		return NewError(KindConnectionFailed, "send", w.cfg.URL, fmt.Errorf("socket not connected"))
	}

	// gorilla permits one concurrent writer; the ping loop shares this lock.
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return Classify("send", w.cfg.URL, err)
	}
	return nil
}

func (w *websocketWire) close() error {
	w.mu.Lock()
	c := w.conn
	if c == nil || c.closed {
		w.mu.Unlock()
		return nil
	}
	c.closed = true
	w.conn = nil
	w.mu.Unlock()

	close(c.stop)

	c.writeMu.Lock()
	c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	_ = c.ws.Close()
	<-c.done
	return nil
}

func (w *websocketWire) readLoop(c *wsConn) {
	defer close(c.done)

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			w.mu.Lock()
			deliberate := c.closed
			if w.conn == c {
				w.conn = nil
			}
			w.mu.Unlock()

			if deliberate {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = io.EOF
			}
			w.sink.onWireClosed(err)
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		w.sink.onFrame(data)
	}
}

func (w *websocketWire) pingLoop(c *wsConn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				// The read loop observes the broken socket and reports it.
				w.logger.Debug("Websocket ping failed", zap.Error(err))
				return
			}
		}
	}
}

// websocketURL normalizes the configured URL for dialing: ws/wss pass
// through; http/https map to their websocket siblings.
func websocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported websocket scheme %q", u.Scheme)
	}
	return u.String(), nil
}
