package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/chris-schra/mcp-funnel-sub012/internal/command"
	"github.com/chris-schra/mcp-funnel-sub012/internal/storage"
)

func newCommandsCommand() *cobra.Command {
	commandsCmd := &cobra.Command{
		Use:   "commands",
		Short: "Manage installed JavaScript commands",
		Long:  "Install, list, and remove the in-process JavaScript commands exposed under the funnel namespace. A command lives in a directory holding command.toml and the script file its entry field names.",
	}
	commandsCmd.AddCommand(newCommandsInstallCommand())
	commandsCmd.AddCommand(newCommandsListCommand())
	commandsCmd.AddCommand(newCommandsRemoveCommand())
	return commandsCmd
}

// withCommandManager opens the install store and hands a loaded manager to
// fn. The registry is nil: CLI paths only manage persistence.
func withCommandManager(fn func(mgr *command.Manager) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := quietLogger(logLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	store, err := storage.NewBoltDB(cfg.DataDir, logger.Sugar())
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	mgr := command.NewManager(store, nil, version, logger)
	if err := mgr.LoadInstalled(); err != nil {
		return err
	}
	return fn(mgr)
}

func newCommandsInstallCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "install <dir>",
		Short: "Install a command from a directory",
		Long:  "Reads <dir>/command.toml, loads the script the manifest's entry field names (default index.js), validates both, and installs the command. Installing over an existing name updates it.",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			dir := args[0]
			manifestRaw, err := os.ReadFile(filepath.Join(dir, "command.toml"))
			if err != nil {
				return fmt.Errorf("read manifest: %w", err)
			}
			manifest, err := command.ParseManifest(string(manifestRaw))
			if err != nil {
				return err
			}
			entry := manifest.Entry
			if entry == "" {
				entry = "index.js"
			}
			source, err := os.ReadFile(filepath.Join(dir, entry))
			if err != nil {
				return fmt.Errorf("read entry script %s: %w", entry, err)
			}

			return withCommandManager(func(mgr *command.Manager) error {
				record, err := mgr.Install(string(source), string(manifestRaw))
				if err != nil {
					return err
				}
				fmt.Printf("Installed %s %s (tool funnel__%s).\n", record.Name, record.Version, record.Name)
				return nil
			})
		},
	}
}

func newCommandsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed commands",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return withCommandManager(func(mgr *command.Manager) error {
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "NAME\tVERSION\tDESCRIPTION")
				for _, rec := range mgr.List() {
					fmt.Fprintf(w, "%s\t%s\t%s\n", rec.Name, rec.Version, oneLine(rec.Description, 80))
				}
				return w.Flush()
			})
		},
	}
}

func newCommandsRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Uninstall a command",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withCommandManager(func(mgr *command.Manager) error {
				if err := mgr.Remove(args[0]); err != nil {
					return err
				}
				fmt.Printf("Removed %s.\n", args[0])
				return nil
			})
		},
	}
}
