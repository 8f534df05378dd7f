package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/chris-schra/mcp-funnel-sub012/internal/secret"
)

func newSecretsCommand() *cobra.Command {
	secretsCmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage secrets in the OS keyring",
		Long:  "Store, retrieve, and manage secrets in the operating system keyring (Keychain on macOS, Secret Service on Linux, WinCred on Windows). Reference them from the config as ${keyring:name}.",
	}
	secretsCmd.AddCommand(newSecretsSetCommand())
	secretsCmd.AddCommand(newSecretsGetCommand())
	secretsCmd.AddCommand(newSecretsDeleteCommand())
	secretsCmd.AddCommand(newSecretsListCommand())
	return secretsCmd
}

func secretStore() (*secret.KeyringStore, error) {
	logger, err := quietLogger(logLevel)
	if err != nil {
		return nil, err
	}
	return secret.NewKeyringStore(logger), nil
}

func newSecretsSetCommand() *cobra.Command {
	var fromEnv string
	cmd := &cobra.Command{
		Use:   "set <name> [value]",
		Short: "Store a secret",
		Long:  "Store a secret in the keyring. Without a value argument the secret is prompted for with echo disabled.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(_ *cobra.Command, args []string) error {
			name := args[0]

			var value string
			switch {
			case len(args) == 2:
				value = args[1]
			case fromEnv != "":
				value = os.Getenv(fromEnv)
				if value == "" {
					return fmt.Errorf("environment variable %s is not set or empty", fromEnv)
				}
			default:
				fmt.Fprintf(os.Stderr, "Enter value for %s: ", name)
				raw, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Fprintln(os.Stderr)
				if err != nil {
					return fmt.Errorf("failed to read secret: %w", err)
				}
				value = strings.TrimRight(string(raw), "\r\n")
			}
			if value == "" {
				return fmt.Errorf("secret value cannot be empty")
			}

			store, err := secretStore()
			if err != nil {
				return err
			}
			if err := store.Set(name, value); err != nil {
				return fmt.Errorf("failed to store secret: %w", err)
			}
			fmt.Printf("Secret %q stored.\nUse in config: ${keyring:%s}\n", name, name)
			return nil
		},
	}
	cmd.Flags().StringVar(&fromEnv, "from-env", "", "Read the value from an environment variable")
	return cmd
}

func newSecretsGetCommand() *cobra.Command {
	var show bool
	cmd := &cobra.Command{
		Use:   "get <name>",
		Short: "Retrieve a secret (masked unless --show)",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			store, err := secretStore()
			if err != nil {
				return err
			}
			value, err := store.Get(args[0])
			if err != nil {
				return err
			}
			if show {
				fmt.Println(value)
				return nil
			}
			fmt.Println(maskValue(value))
			return nil
		},
	}
	cmd.Flags().BoolVar(&show, "show", false, "Print the secret in the clear")
	return cmd
}

func newSecretsDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Remove a secret from the keyring",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			store, err := secretStore()
			if err != nil {
				return err
			}
			if err := store.Delete(args[0]); err != nil {
				return err
			}
			fmt.Printf("Secret %q deleted.\n", args[0])
			return nil
		},
	}
}

func newSecretsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored secret names",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			store, err := secretStore()
			if err != nil {
				return err
			}
			names, err := store.List()
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Println(name)
			}
			return nil
		},
	}
}

func maskValue(value string) string {
	if len(value) <= 4 {
		return strings.Repeat("*", len(value))
	}
	return value[:2] + strings.Repeat("*", len(value)-4) + value[len(value)-2:]
}
