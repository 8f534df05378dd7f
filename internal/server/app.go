package server

import (
	"context"
	"fmt"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/chris-schra/mcp-funnel-sub012/internal/command"
	"github.com/chris-schra/mcp-funnel-sub012/internal/config"
	"github.com/chris-schra/mcp-funnel-sub012/internal/oauth"
	"github.com/chris-schra/mcp-funnel-sub012/internal/observability"
	"github.com/chris-schra/mcp-funnel-sub012/internal/registry"
	"github.com/chris-schra/mcp-funnel-sub012/internal/secret"
	"github.com/chris-schra/mcp-funnel-sub012/internal/storage"
	"github.com/chris-schra/mcp-funnel-sub012/internal/upstream"
)

// App assembles the whole funnel from configuration: storage, registry,
// command manager, upstream sessions, observability, and the downstream
// server. The CLI owns one App per process.
type App struct {
	Config    *config.Config
	Logger    *zap.Logger
	Store     *storage.BoltDB
	Registry  *registry.Registry
	Commands  *command.Manager
	Upstreams *upstream.Manager
	Server    *Server

	callbacks *oauth.CallbackServer
	metrics   *observability.Metrics
	listener  *observability.Listener
}

// NewApp wires every component but performs no I/O beyond opening the
// bbolt store. Start connects and serves.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("app: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	store, err := storage.NewBoltDB(cfg.DataDir, logger.Sugar())
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	reg, err := registry.New(cfg.ExposeTools, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	callbacks, err := callbackServerFor(cfg, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	var metrics *observability.Metrics
	if cfg.MetricsListen != "" {
		metrics = observability.NewMetrics(logger)
	}

	commands := command.NewManager(store, reg, Version, logger)

	upstreams := upstream.NewManager(cfg, reg, upstream.ManagerOptions{
		Cache: store,
		AuthDeps: upstream.AuthDeps{
			DataDir:   cfg.DataDir,
			Callbacks: callbacks,
			Secrets:   secret.NewKeyringStore(logger),
			Logger:    logger,
		},
		Logger: logger,
	})

	srv, err := New(Options{
		Config:    cfg,
		Registry:  reg,
		Upstreams: upstreams,
		Commands:  commands,
		Stats:     store,
		Metrics:   metrics,
		Logger:    logger,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	app := &App{
		Config:    cfg,
		Logger:    logger.Named("app"),
		Store:     store,
		Registry:  reg,
		Commands:  commands,
		Upstreams: upstreams,
		Server:    srv,
		callbacks: callbacks,
		metrics:   metrics,
	}
	if metrics != nil {
		app.listener = observability.NewListener(cfg.MetricsListen, metrics, srv.Health, logger)
	}
	return app, nil
}

// callbackServerFor builds the shared OAuth redirect listener when any
// upstream uses the authorization-code grant. All such upstreams must
// share one redirect URI; the state nonce routes callbacks to the right
// provider.
func callbackServerFor(cfg *config.Config, logger *zap.Logger) (*oauth.CallbackServer, error) {
	redirectURI := ""
	for _, up := range cfg.Upstreams {
		if up.Auth == nil || up.Auth.Type != config.AuthAuthorizationCode {
			continue
		}
		if redirectURI == "" {
			redirectURI = up.Auth.RedirectURI
			continue
		}
		if up.Auth.RedirectURI != redirectURI {
			return nil, fmt.Errorf("upstream %q: all authorization-code upstreams must share one redirect_uri (have %q and %q)",
				up.ID, redirectURI, up.Auth.RedirectURI)
		}
	}
	if redirectURI == "" {
		return nil, nil
	}
	return oauth.NewCallbackServer(redirectURI, logger)
}

// Start brings up the auxiliary listeners, loads installed commands, and
// kicks off the upstream connects in the background so the downstream
// surface is available immediately.
func (a *App) Start(ctx context.Context) error {
	if a.callbacks != nil {
		if err := a.callbacks.Start(); err != nil {
			return err
		}
	}
	if a.listener != nil {
		if err := a.listener.Start(); err != nil {
			return err
		}
	}
	if err := a.Commands.LoadInstalled(); err != nil {
		a.Logger.Warn("loading installed commands failed", zap.Error(err))
	}

	go func() {
		if err := a.Upstreams.ConnectAll(ctx); err != nil {
			a.Logger.Warn("some upstream connects failed", zap.Error(err))
		}
	}()
	return nil
}

// ConnectAndWait is the foreground variant of Start used by one-shot CLI
// commands that need the catalog before proceeding.
func (a *App) ConnectAndWait(ctx context.Context) error {
	if a.callbacks != nil {
		if err := a.callbacks.Start(); err != nil {
			return err
		}
	}
	if err := a.Commands.LoadInstalled(); err != nil {
		a.Logger.Warn("loading installed commands failed", zap.Error(err))
	}
	return a.Upstreams.ConnectAll(ctx)
}

// ServeStdio serves the downstream MCP protocol on stdin/stdout until the
// client disconnects or the process receives a termination signal.
func (a *App) ServeStdio() error {
	return mcpserver.ServeStdio(a.Server.MCP())
}

// Shutdown disconnects everything within the configured budget. Sessions
// still closing at the deadline are orphaned with a warning rather than
// holding the process hostage.
func (a *App) Shutdown() error {
	budget := time.Duration(a.Config.ShutdownTimeout)
	if budget <= 0 {
		budget = config.DefaultShutdownBudget
	}
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	err := a.Upstreams.DisconnectAll(ctx)
	if err != nil {
		a.Logger.Warn("shutdown incomplete", zap.Error(err))
	}

	a.Commands.Close()
	if a.listener != nil {
		if lerr := a.listener.Shutdown(ctx); lerr != nil {
			a.Logger.Debug("metrics listener shutdown", zap.Error(lerr))
		}
	}
	if a.callbacks != nil {
		if cerr := a.callbacks.Shutdown(ctx); cerr != nil {
			a.Logger.Debug("callback server shutdown", zap.Error(cerr))
		}
	}
	if rerr := a.Registry.Close(); rerr != nil {
		a.Logger.Debug("registry close", zap.Error(rerr))
	}
	if serr := a.Store.Close(); serr != nil {
		a.Logger.Debug("storage close", zap.Error(serr))
	}
	return err
}
