// Package cmd is the router's CLI entry point (spec §6's "thin external
// collaborator"): a cobra.Command tree exactly like the teacher's own
// cmd.Execute()-based main, generalized from the teacher's agent/channel
// subcommands to "connect", "call", "list", "tokens", "policies", plus
// "serve" (the gateway process itself).
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mcp-router/gateway/internal/apperr"
)

var (
	flagConfigPath string
	flagHost       string
	flagPort       int
	flagToken      string
	flagFormat     string
)

var rootCmd = &cobra.Command{
	Use:           "mcpr",
	Short:         "mcpr is the MCP Router: one authenticated HTTP surface over many MCP tool-servers",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "path to a JSON5 config file")
	rootCmd.PersistentFlags().StringVar(&flagHost, "host", envOr("MCPR_HOST", "127.0.0.1"), "router host (client commands)")
	rootCmd.PersistentFlags().IntVar(&flagPort, "port", 3282, "router port (client commands)")
	rootCmd.PersistentFlags().StringVar(&flagToken, "token", os.Getenv("MCPR_TOKEN"), "bearer token (defaults to $MCPR_TOKEN)")
	rootCmd.PersistentFlags().StringVar(&flagFormat, "format", "pretty", "output format: json|pretty")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(tokensCmd)
	rootCmd.AddCommand(policiesCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Execute runs the CLI and returns whatever error the chosen subcommand
// produced, for main() to translate into an exit code via ExitCode.
func Execute() error {
	return rootCmd.Execute()
}

// ExitCode maps a command error onto spec §6's exit code table: 0 success,
// 1 runtime/config error, 2 authentication error, 3 denied-by-policy,
// 4 timeout.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	appErr, ok := apperr.As(err)
	if !ok {
		return 1
	}
	switch appErr.Kind {
	case apperr.Unauthenticated:
		return 2
	case apperr.Forbidden:
		return 3
	case apperr.Timeout:
		return 4
	default:
		return 1
	}
}

func printErr(err error) {
	fmt.Fprintln(os.Stderr, "mcpr:", err)
}
