package cli

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	verbose   bool
	jsonLog   bool
	serverURL string
	apiKey    string
)

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "sandboxd",
	Short: "Multi-tenant Python code execution broker",
	Long: `Sandboxd runs untrusted Python code in per-user Docker sandboxes.

It provides a server exposing sandbox orchestration over REST and MCP,
and client utilities for interacting with a running server.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Configure logging
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

		if !jsonLog {
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		}

		if verbose {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		} else {
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	RootCmd.PersistentFlags().BoolVar(&jsonLog, "json-log", false, "Output logs in JSON format")
	RootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("SANDBOXD_SERVER", "http://localhost:8000"), "Server base URL")
	RootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("SANDBOXD_API_KEY"), "API key for authentication")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
