// Idhini is a consent-gated AI agent for the command line.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "idhini",
	Short: "Idhini, an AI agent that asks before it acts.",
	Long: `Idhini is a command-line AI agent with a human-in-the-loop execution gate.
Every side-effecting tool invocation blocks until an operator approves it,
rejects it, or the request times out. Decisions are audited, token budgets
are enforced before any network call, and provider rate-limit capacity is
tracked from response headers.`,
	RunE:          runAgent, // Default to interactive mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(runCmd, pendingCmd, decideCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
