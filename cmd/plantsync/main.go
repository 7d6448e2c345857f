// Command plantsync runs the maintenance tracker in either role: the
// always-on authority, or an offline-capable replica that syncs its
// changes up and the authority's changes down.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/dkowalski/plantsync/internal/config"
	"github.com/dkowalski/plantsync/internal/logging"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "plantsync",
	Short: "Plant maintenance tracking with offline-first sync",
	Long: `PlantSync tracks sites, machines, parts, and maintenance work.

A deployment has one authority (the hosted instance replicas sync
against) and any number of replicas that keep working offline and
reconcile when connectivity returns. The role is detected from the
environment at startup.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := logging.LevelInfo
		if verbose {
			level = logging.LevelDebug
		}
		logging.Init(os.Stdout, level)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(migrateCmd)
}

// loadConfig reads and validates the effective configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logging.Error("Command failed", err)
		os.Exit(1)
	}
}
