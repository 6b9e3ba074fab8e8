package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command
type GlobalFlags struct {
	ConfigPath string
}

// RegistryFlags holds flags for the registry subcommands
type RegistryFlags struct {
	Subscriber int64
	To         string
}

// StatusFlags holds flags for the status command
type StatusFlags struct {
	APIUrl     string
	APITimeout time.Duration
	Subscriber int64
	Page       int
}

// CheckFlags holds flags for the check command
type CheckFlags struct {
	Addresses []string
}

// buildRoot creates the root command and its subcommands
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	registryFlags := &RegistryFlags{}
	checkFlags := &CheckFlags{}
	statusFlags := &StatusFlags{}

	cmd := command{flags: globalFlags}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(cmd),
		createCheckCommand(cmd, checkFlags),
		createStatusCommand(cmd, statusFlags),
		createRegistryCommand(cmd, registryFlags),
		createVersionCommand(),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "massawatch",
		Short: "Massa node supervisor and staking address watcher",
		Long: `Massawatch keeps a Massa node running, watches staking addresses for
missed blocks and notifies subscribers over NATS.

Examples:
  massawatch run --config=/etc/massawatch.toml
  massawatch check --address=AU12...
  massawatch registry list --subscriber=42
  massawatch registry migrate --to=sqlite:///var/lib/massawatch/registry.db`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

// createRunCommand creates the run subcommand
func createRunCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Supervise the node and serve subscribers until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Run(cmd.Context())
		},
	}
}

// createCheckCommand creates the check subcommand
func createCheckCommand(c command, flags *CheckFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Probe the node once and print its status",
		Long: `Probe the node API once. With --address, also query those staking
addresses and report whether they missed blocks recently.

Examples:
  massawatch check
  massawatch check --address=AU12... --address=AU13...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Check(cmd.Context(), cmd.OutOrStdout(), *flags)
		},
	}
	cmd.Flags().StringSliceVar(&flags.Addresses, "address", nil, "staking address to query (repeatable)")
	return cmd
}

// createStatusCommand creates the status subcommand
func createStatusCommand(c command, flags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running massawatch through its admin API",
		Long: `Query the admin API of a running instance ([server] listen).

Examples:
  massawatch status --api-url=http://127.0.0.1:8089
  massawatch status --subscriber=42 --page=2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context(), cmd.OutOrStdout(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.APIUrl, "api-url", "http://127.0.0.1:8089", "admin API base URL")
	cmd.Flags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	cmd.Flags().Int64Var(&flags.Subscriber, "subscriber", 0, "show the watches of this subscriber")
	cmd.Flags().IntVar(&flags.Page, "page", 1, "page of the subscriber listing")
	return cmd
}

// createRegistryCommand creates the registry command with subcommands
func createRegistryCommand(c command, flags *RegistryFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Inspect or migrate the watch registry",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List watched addresses",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.RegistryList(cmd.Context(), cmd.OutOrStdout(), *flags)
		},
	}
	list.Flags().Int64Var(&flags.Subscriber, "subscriber", 0, "only show addresses of this subscriber")

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Copy the registry to another store",
		Long: `Copy every (address, subscriber) pair from the configured registry
store to the store named by --to. The target content is replaced.

Examples:
  massawatch registry migrate --to=sqlite:///var/lib/massawatch/registry.db
  massawatch registry migrate --to=postgres://user:pass@db:5432/massawatch?sslmode=disable`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.RegistryMigrate(cmd.Context(), cmd.OutOrStdout(), *flags)
		},
	}
	migrate.Flags().StringVar(&flags.To, "to", "", "target registry DSN (required)")
	if err := migrate.MarkFlagRequired("to"); err != nil {
		panic(err)
	}

	cmd.AddCommand(list, migrate)
	return cmd
}

// createVersionCommand creates the version subcommand
func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "massawatch %s\n", versionString())
		},
	}
}
