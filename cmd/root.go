// Package cmd wires the cobra CLI surface: one file per subcommand, a
// shared config-path resolver, and errgroup-plus-signal-context shutdown
// in the long-running roles.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X .../cmd.Version=v1.0.0".
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "sentrywatch",
	Short: "SentryWatch — security-operations chat assistant over a Wazuh archive",
	Long: "SentryWatch ingests a Wazuh SIEM event stream, archives it locally, and " +
		"serves natural-language analytical queries, alerts, and reports through " +
		"a chat web API and a Telegram bot.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.json or $SENTRYWATCH_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(toolServerCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(doctorCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sentrywatch %s\n", Version)
		},
	}
}

// setupLogging installs the process-wide structured logger; every
// subcommand calls this before doing any real work.
func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("SENTRYWATCH_CONFIG"); v != "" {
		return v
	}
	return "config.json"
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
