// Guardian: tiered risk-based approval for AI agent tool calls.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "guardian",
	Short: "Guardian: tiered risk-based approval for AI agent tool calls.",
	Long: `Guardian decides whether an AI agent's tool call may run.
Each call is classified by risk and caller trust, then passes a decision cache,
a budget gate, deterministic rules, an optional LLM adjudicator and, when
needed, a human approver. Everything unresolved is blocked.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, checkCmd, mcpCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(ExitFailure)
	}
}
