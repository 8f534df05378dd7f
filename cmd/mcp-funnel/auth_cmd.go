package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chris-schra/mcp-funnel-sub012/internal/config"
	"github.com/chris-schra/mcp-funnel-sub012/internal/oauth"
	"github.com/chris-schra/mcp-funnel-sub012/internal/secret"
	"github.com/chris-schra/mcp-funnel-sub012/internal/upstream"
)

func newAuthCommand() *cobra.Command {
	authCmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage upstream authentication",
	}
	authCmd.AddCommand(newAuthLoginCommand())
	authCmd.AddCommand(newAuthStatusCommand())
	return authCmd
}

func newAuthLoginCommand() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "login <upstream>",
		Short: "Acquire a token for one upstream",
		Long:  "Runs the upstream's configured grant to completion. For the authorization-code grant this starts the local callback listener, prints the authorization URL, and waits for the browser redirect.",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := quietLogger(logLevel)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			up := findUpstream(cfg, args[0])
			if up == nil {
				return fmt.Errorf("unknown upstream %q", args[0])
			}
			if up.Auth == nil {
				return fmt.Errorf("upstream %q has no auth configured", up.ID)
			}
			if up.Auth.Type == config.AuthBearer {
				fmt.Println("Upstream uses a static bearer token; nothing to acquire.")
				return nil
			}
			if !up.Auth.PersistTokens {
				fmt.Fprintln(os.Stderr, "warning: persist_tokens is off for this upstream; the acquired token will not outlive this process")
			}

			deps := upstream.AuthDeps{
				DataDir: cfg.DataDir,
				Secrets: secret.NewKeyringStore(logger),
				Logger:  logger,
				OnAuthorizationURL: func(_, rawURL string) {
					fmt.Printf("Open this URL in your browser to authorize:\n\n  %s\n\n", rawURL)
				},
			}

			var callbacks *oauth.CallbackServer
			if up.Auth.Type == config.AuthAuthorizationCode {
				callbacks, err = oauth.NewCallbackServer(up.Auth.RedirectURI, logger)
				if err != nil {
					return err
				}
				if err := callbacks.Start(); err != nil {
					return err
				}
				defer func() { _ = callbacks.Shutdown(context.Background()) }()
				deps.Callbacks = callbacks
			}

			provider, _, err := upstream.BuildAuthProvider(up, deps)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := provider.Refresh(ctx); err != nil {
				return fmt.Errorf("authorization failed: %w", err)
			}
			fmt.Printf("Token acquired for %s.\n", up.ID)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", oauth.DefaultFlowTimeout, "How long to wait for the flow to complete")
	return cmd
}

func newAuthStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show auth configuration and token state per upstream",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := quietLogger(logLevel)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "UPSTREAM\tAUTH\tTOKEN")
			for _, up := range cfg.Upstreams {
				fmt.Fprintf(w, "%s\t%s\t%s\n", up.ID, authTypeName(up), tokenState(up, cfg, logger))
			}
			return w.Flush()
		},
	}
}

func findUpstream(cfg *config.Config, id string) *config.UpstreamConfig {
	for _, up := range cfg.Upstreams {
		if up.ID == id {
			return up
		}
	}
	return nil
}

func authTypeName(up *config.UpstreamConfig) string {
	if up.Auth == nil {
		return "none"
	}
	return up.Auth.Type
}

// tokenState inspects the persisted token store without running any flow.
func tokenState(up *config.UpstreamConfig, cfg *config.Config, logger *zap.Logger) string {
	if up.Auth == nil {
		return "-"
	}
	switch up.Auth.Type {
	case config.AuthBearer:
		return "static"
	case config.AuthClientCredentials, config.AuthAuthorizationCode:
		if !up.Auth.PersistTokens {
			return "not persisted"
		}
		store, err := oauth.NewPersistentTokenStore(up.ID, cfg.DataDir, logger)
		if err != nil {
			return "unreadable: " + err.Error()
		}
		if _, ok := store.Retrieve(); !ok {
			return "absent"
		}
		if store.IsExpired() {
			return "expired"
		}
		return "valid"
	default:
		return "-"
	}
}
