// Package main provides the CLI entry point for the Steward agent
// orchestration service.
//
// Steward coordinates LLM-backed agents: a per-user supervisor dispatches
// disposable workers with full on-disk capture, a workflow engine executes
// user-authored DAGs, and a websocket gateway streams per-token output to
// subscribers.
//
// # Basic Usage
//
// Start the server:
//
//	steward serve --config steward.yaml
//
// Validate a workflow canvas without running it:
//
//	steward validate workflow.json
//
// # Environment Variables
//
//   - STEWARD_CONFIG: Path to configuration file (default: steward.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key for task models
//   - OPENAI_API_KEY: OpenAI API key for the routing model
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "steward",
		Short: "Agent orchestration service",
		Long: `Steward orchestrates LLM-backed agents: supervisors, workers,
workflows, and the streaming gateway that connects them to clients.`,
		SilenceUsage: true,
	}
	root.AddCommand(buildServeCmd())
	root.AddCommand(buildValidateCmd())
	root.AddCommand(buildVersionCmd())
	return root
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("steward %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
