// Mendd is the remediation loop daemon.
//
// It watches component failure metrics, proposes targeted artifact
// mutations, verifies them against live traffic, and keeps or rolls
// back each change. A status HTTP server exposes loop state, the
// final report, and Prometheus metrics while the loop runs.
//
// Usage:
//
//	# Start a fresh remediation run
//	mendd run --config /etc/mendloop/config.yaml
//
//	# Resume an interrupted run
//	mendd resume --config /etc/mendloop/config.yaml
//
//	# Inspect a running daemon
//	mendd status
//	mendd state
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	// configPath overrides the default config file location.
	configPath string

	// serverURL is the base URL of a running daemon's status server.
	serverURL string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "mendd",
	Short:   "Autonomous remediation loop daemon",
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9340", "status server URL")

	runCmd.Flags().StringVar(&configPath, "config", "", "config file path (default: ~/.config/mendloop/config.yaml)")
	resumeCmd.Flags().StringVar(&configPath, "config", "", "config file path (default: ~/.config/mendloop/config.yaml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(versionCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a fresh remediation run",
	Long: `Start the remediation loop against the configured component host.

Any unfinished mutation left by a previous crash is rolled back before
the first iteration. Existing loop state is ignored; use "resume" to
pick up an interrupted run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd.Context(), false)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume an interrupted remediation run",
	Long: `Resume the remediation loop from persisted state.

Unfinished mutations are rolled back first. If no resumable state
exists, a fresh run is started.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd.Context(), true)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mendd by Fyrsmith Labs\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}
