// Package commands implements the hypercomm CLI.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	configFile string

	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"
)

// SetVersionInfo installs the build-time version variables.
func SetVersionInfo(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date
}

var rootCmd = &cobra.Command{
	Use:   "hypercomm",
	Short: "Asynchronous comm layer tooling",
	Long: `HyperComm - asynchronous event-driven network substrate

The serve and ping commands run a loopback echo service over the comm
layer, useful for smoke-testing deployments and measuring round-trip
latency.`,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "",
		"path to config file (default: $XDG_CONFIG_HOME/hypercomm/config.yaml)")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("hypercomm %s (commit: %s, built: %s)\n", buildVersion, buildCommit, buildDate)
	},
}
