package observability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const listenerShutdownTimeout = 5 * time.Second

// Health report status values.
const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
)

// UpstreamHealth is one upstream's entry in the health report.
type UpstreamHealth struct {
	ID    string `json:"id"`
	State string `json:"state"`
	Tools int    `json:"tools"`
	Error string `json:"error,omitempty"`
}

// HealthReport is the /healthz payload. Status "ok" maps to 200,
// anything else to 503.
type HealthReport struct {
	Status    string           `json:"status"`
	Version   string           `json:"version"`
	Uptime    string           `json:"uptime"`
	Upstreams []UpstreamHealth `json:"upstreams"`
}

// HealthFunc produces the current health report on each request.
type HealthFunc func() HealthReport

// Listener hosts the optional metrics/health endpoint. An empty listen
// address in the config means no listener is started at all.
type Listener struct {
	addr    string
	logger  *zap.Logger
	metrics *Metrics
	health  HealthFunc

	srv *http.Server
	ln  net.Listener
}

// NewListener builds the listener; Start binds it.
func NewListener(addr string, metrics *Metrics, health HealthFunc, logger *zap.Logger) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{
		addr:    addr,
		logger:  logger.Named("metrics-listener"),
		metrics: metrics,
		health:  health,
	}
}

// Start binds the address and serves /metrics and /healthz in the
// background.
func (l *Listener) Start() error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("metrics listener: listen on %s: %w", l.addr, err)
	}

	r := chi.NewRouter()
	if l.metrics != nil {
		r.Handle("/metrics", l.metrics.Handler())
	}
	r.Get("/healthz", l.handleHealthz)

	srv := &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}
	l.ln = ln
	l.srv = srv
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Error("Metrics listener error", zap.Error(err))
		}
	}()

	l.logger.Info("Metrics listener started", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound listen address, useful with dynamic ports.
func (l *Listener) Addr() string {
	if l.ln == nil {
		return l.addr
	}
	return l.ln.Addr().String()
}

// Shutdown stops the listener, waiting briefly for in-flight requests.
func (l *Listener) Shutdown(ctx context.Context) error {
	if l.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, listenerShutdownTimeout)
	defer cancel()
	return l.srv.Shutdown(ctx)
}

func (l *Listener) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	report := HealthReport{Status: HealthOK}
	if l.health != nil {
		report = l.health()
	}

	code := http.StatusOK
	if report.Status != HealthOK {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(report); err != nil {
		l.logger.Warn("Failed to write health response", zap.Error(err))
	}
}
