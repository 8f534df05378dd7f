// mcp-funnel aggregates tools from multiple upstream MCP servers behind
// one stdio MCP endpoint. Running the binary with no subcommand serves;
// the subcommands are one-shot operator utilities sharing the same
// configuration.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chris-schra/mcp-funnel-sub012/internal/config"
	"github.com/chris-schra/mcp-funnel-sub012/internal/logs"
	"github.com/chris-schra/mcp-funnel-sub012/internal/server"
)

var (
	configFile        string
	dataDir           string
	logLevel          string
	logToFile         bool
	logDir            string
	toolResponseLimit int
	metricsListen     string

	version = server.Version // overridden by -ldflags at release
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "mcp-funnel",
		Short:   "Protocol-aware aggregating MCP proxy",
		Long:    "mcp-funnel connects to multiple upstream MCP servers and exposes their tools under namespaced names through a single stdio MCP endpoint.",
		Version: version,
		RunE:    runServe,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file path (default: ./funnel.json, then ~/.mcp-funnel/funnel.json)")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "Data directory path (default: ~/.mcp-funnel)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logToFile, "log-to-file", true, "Enable logging to a rotating file in the log directory")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "Custom log directory (default: <data-dir>/logs)")
	rootCmd.PersistentFlags().IntVar(&toolResponseLimit, "tool-response-limit", 0, "Tool response limit in characters (0 = keep configured value)")
	rootCmd.PersistentFlags().StringVar(&metricsListen, "metrics-listen", "", "Metrics/health listen address, e.g. 127.0.0.1:9090 (empty = disabled)")

	rootCmd.AddCommand(newToolsCommand())
	rootCmd.AddCommand(newAuthCommand())
	rootCmd.AddCommand(newSecretsCommand())
	rootCmd.AddCommand(newCommandsCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runServe is the root command: serve MCP on stdio until the client hangs
// up or a termination signal arrives.
func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := logs.SetupLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting mcp-funnel",
		zap.String("version", version),
		zap.String("data_dir", cfg.DataDir),
		zap.Int("upstreams", len(cfg.Upstreams)))

	app, err := server.NewApp(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to assemble funnel: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- app.ServeStdio() }()

	select {
	case err = <-serveErr:
		if err != nil {
			logger.Error("Stdio server stopped", zap.Error(err))
		}
	case <-ctx.Done():
	}

	if shutdownErr := app.Shutdown(); shutdownErr != nil {
		logger.Warn("Shutdown incomplete", zap.Error(shutdownErr))
	}
	return err
}

// loadConfig loads the configuration and applies the flag overrides every
// subcommand shares.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if toolResponseLimit != 0 {
		cfg.ToolResponseLimit = toolResponseLimit
	}
	if metricsListen != "" {
		cfg.MetricsListen = metricsListen
	}

	if cfg.Logging == nil {
		cfg.Logging = logs.DefaultLogConfig()
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	cfg.Logging.EnableFile = logToFile
	if logDir != "" {
		cfg.Logging.LogDir = logDir
	} else if cfg.Logging.LogDir == "" {
		cfg.Logging.LogDir = cfg.DataDir + "/logs"
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// quietLogger builds a stderr-only logger for one-shot subcommands so
// their stdout stays machine-readable.
func quietLogger(level string) (*zap.Logger, error) {
	lc := logs.DefaultLogConfig()
	lc.EnableFile = false
	lc.Level = "warn"
	if level != "" {
		lc.Level = level
	}
	return logs.SetupLogger(lc)
}
