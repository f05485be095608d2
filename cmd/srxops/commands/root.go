package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
	actor      string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "srxops",
		Short: "srxops - Junos SRX fleet operations",
		Long: `srxops manages a fleet of Junos SRX firewalls.

It keeps the device inventory, takes scheduled and manual configuration
backups, applies configuration changes with commit confirmed, and runs
firmware upgrades with reboot, reconnection and post-upgrade validation.

Work is queued as jobs in the database and executed by "srxops serve";
commands accept --wait to run the job in the current process instead.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("SRXOPS_CONFIG"), "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", defaultActor(), "operator recorded on jobs and audit entries")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newDeviceCommand())
	rootCmd.AddCommand(newChangeCommand())
	rootCmd.AddCommand(newUpgradeCommand())
	rootCmd.AddCommand(newBackupCommand())
	rootCmd.AddCommand(newHealthCommand())
	rootCmd.AddCommand(newJobCommand())
	rootCmd.AddCommand(newConfigCommand())
	rootCmd.AddCommand(newFirmwareCommand())
	rootCmd.AddCommand(newPolicyCommand())
	rootCmd.AddCommand(newAuditCommand())

	return rootCmd
}

func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}
