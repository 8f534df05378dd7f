package oauth

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// DefaultRedirectPath is the callback path used when a redirect URI
// carries none.
const DefaultRedirectPath = "/oauth/callback"

const callbackShutdownTimeout = 5 * time.Second

// FlowCompleter finishes an interactive authorization for a state/code
// pair delivered on the redirect URI.
type FlowCompleter interface {
	CompleteFlow(ctx context.Context, state, code string) error
}

// CallbackServer hosts the local redirect endpoint the authorization
// server sends the operator back to. Several providers can share one
// listener; the state nonce routes each callback to the provider that
// issued it.
type CallbackServer struct {
	addr   string
	path   string
	logger *zap.Logger

	mu         sync.Mutex
	completers []FlowCompleter
	srv        *http.Server
	ln         net.Listener
}

// NewCallbackServer builds a listener for the given redirect URI, e.g.
// http://127.0.0.1:8085/oauth/callback.
func NewCallbackServer(redirectURI string, logger *zap.Logger) (*CallbackServer, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return nil, fmt.Errorf("callback server: invalid redirect URI %q: %w", redirectURI, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("callback server: redirect URI %q must be http or https", redirectURI)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("callback server: redirect URI %q has no host", redirectURI)
	}
	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), "80")
	}
	path := u.Path
	if path == "" || path == "/" {
		path = DefaultRedirectPath
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CallbackServer{
		addr:   addr,
		path:   path,
		logger: logger.Named("oauth-callback"),
	}, nil
}

// Register adds a provider whose flows this listener completes.
func (s *CallbackServer) Register(c FlowCompleter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completers = append(s.completers, c)
}

// Start binds the listener and begins serving callbacks.
func (s *CallbackServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("callback server: listen on %s: %w", s.addr, err)
	}

	r := chi.NewRouter()
	r.Get(s.path, s.handleCallback)
	srv := &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}

	s.ln = ln
	s.srv = srv
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Callback server error", zap.Error(err))
		}
	}()

	s.logger.Info("OAuth callback server listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("path", s.path))
	return nil
}

// Addr returns the bound listen address, useful with dynamic ports.
func (s *CallbackServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Shutdown stops the listener, waiting briefly for in-flight callbacks.
func (s *CallbackServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.ln = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, callbackShutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

func (s *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.logger.Info("OAuth callback received",
		zap.String("path", r.URL.Path),
		zap.Bool("has_code", q.Get("code") != ""),
		zap.Bool("has_state", q.Get("state") != ""))

	if errCode := q.Get("error"); errCode != "" {
		detail := q.Get("error_description")
		if detail == "" {
			detail = errCode
		}
		s.renderError(w, http.StatusBadRequest, detail)
		return
	}

	state, code := q.Get("state"), q.Get("code")
	if state == "" || code == "" {
		s.renderError(w, http.StatusBadRequest, "missing code or state parameter")
		return
	}

	s.mu.Lock()
	completers := make([]FlowCompleter, len(s.completers))
	copy(completers, s.completers)
	s.mu.Unlock()

	for _, c := range completers {
		err := c.CompleteFlow(r.Context(), state, code)
		if err == nil {
			s.renderSuccess(w)
			return
		}
		if !errors.Is(err, ErrStateNotFound) {
			s.logger.Warn("Authorization completion failed", zap.Error(err))
			s.renderError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	s.renderError(w, http.StatusBadRequest, ErrStateNotFound.Error())
}

func (s *CallbackServer) renderSuccess(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html")
	page := `<html>
	<body>
		<h1>Authorization Successful</h1>
		<p>You can now close this window and return to the application.</p>
		<script>
			setTimeout(function() {
				window.close();
			}, 2000);
		</script>
	</body>
</html>`
	if _, err := w.Write([]byte(page)); err != nil {
		s.logger.Error("Error writing callback response", zap.Error(err))
	}
}

func (s *CallbackServer) renderError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(status)
	page := fmt.Sprintf(`<html>
	<body>
		<h1>Authorization Failed</h1>
		<p>%s</p>
		<p>Close this window and retry from the application.</p>
	</body>
</html>`, html.EscapeString(detail))
	if _, err := w.Write([]byte(page)); err != nil {
		s.logger.Error("Error writing callback response", zap.Error(err))
	}
}
