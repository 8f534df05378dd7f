package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/chris-schra/mcp-funnel-sub012/internal/registry"
	"github.com/chris-schra/mcp-funnel-sub012/internal/server"
)

const connectTimeout = 60 * time.Second

func newToolsCommand() *cobra.Command {
	toolsCmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect and call aggregated tools",
	}
	toolsCmd.AddCommand(newToolsListCommand())
	toolsCmd.AddCommand(newToolsCallCommand())
	toolsCmd.AddCommand(newToolsServersCommand())
	return toolsCmd
}

// withApp assembles the funnel, connects every upstream in the foreground,
// runs fn, and tears everything down.
func withApp(fn func(ctx context.Context, app *server.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := quietLogger(logLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	app, err := server.NewApp(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = app.Shutdown() }()

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := app.ConnectAndWait(ctx); err != nil {
		// Keep going; unreachable upstreams show up in the listing and
		// calls into them fail with a targeted error.
		fmt.Fprintf(os.Stderr, "warning: some upstreams failed to connect: %v\n", err)
	}
	return fn(ctx, app)
}

func newToolsListCommand() *cobra.Command {
	var (
		serverID string
		asJSON   bool
		all      bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List discovered tools across all upstreams",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return withApp(func(_ context.Context, app *server.App) error {
				tools := app.Registry.All()
				filtered := make([]registry.Tool, 0, len(tools))
				for _, tool := range tools {
					if serverID != "" && tool.UpstreamID != serverID {
						continue
					}
					if !all && !tool.Enabled {
						continue
					}
					filtered = append(filtered, tool)
				}

				if asJSON {
					return printJSON(filtered)
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "TOOL\tENABLED\tDESCRIPTION")
				for _, tool := range filtered {
					fmt.Fprintf(w, "%s\t%v\t%s\n", tool.FullName, tool.Enabled, oneLine(tool.Description, 80))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&serverID, "server", "", "Only tools from this upstream")
	cmd.Flags().BoolVar(&all, "all", false, "Include disabled tools")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON instead of a table")
	return cmd
}

func newToolsCallCommand() *cobra.Command {
	var argsJSON string
	cmd := &cobra.Command{
		Use:   "call <server__tool>",
		Short: "Call a tool by its namespaced name and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var toolArgs map[string]interface{}
			if argsJSON != "" {
				if err := json.Unmarshal([]byte(argsJSON), &toolArgs); err != nil {
					return fmt.Errorf("--args must be a JSON object: %w", err)
				}
			}
			return withApp(func(ctx context.Context, app *server.App) error {
				value, err := app.Server.CallTool(ctx, args[0], toolArgs)
				if err != nil {
					return err
				}
				return printJSON(value)
			})
		},
	}
	cmd.Flags().StringVar(&argsJSON, "args", "", "Tool arguments as a JSON object")
	return cmd
}

func newToolsServersCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "Show every configured upstream and its connection state",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return withApp(func(_ context.Context, app *server.App) error {
				statuses := app.Server.ListServers()
				if asJSON {
					return printJSON(statuses)
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "UPSTREAM\tSTATE\tTOOLS\tLAST ERROR")
				for _, st := range statuses {
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", st.ID, st.StateName, st.ToolCount, oneLine(st.LastError, 60))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON instead of a table")
	return cmd
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func oneLine(s string, limit int) string {
	for i, r := range s {
		if r == '\n' || r == '\r' {
			s = s[:i]
			break
		}
	}
	if limit > 0 && len(s) > limit {
		return s[:limit-1] + "…"
	}
	return s
}
