// Kazi — agent execution and sandboxing engine for the Claude Code CLI.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "kazi",
	Short: "Kazi — run, sandbox, and schedule Claude Code agents.",
	Long: `Kazi executes stored agent configurations as supervised Claude Code
processes: it compiles per-agent sandbox policies, persists the streamed
output crash-safely, pauses runs on provider usage limits, and resumes or
reschedules them in the background.`,
	RunE:          runServe, // Default to server mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, runCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
