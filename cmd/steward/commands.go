package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/stewardhq/steward/internal/workflow"
	"github.com/stewardhq/steward/pkg/models"
)

// defaultConfigPath resolves the config file: the STEWARD_CONFIG
// environment variable wins, then steward.yaml in the working directory.
func defaultConfigPath() string {
	if path := os.Getenv("STEWARD_CONFIG"); path != "" {
		return path
	}
	return "steward.yaml"
}

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the steward server",
		Long: `Start the steward server.

The server will:
1. Load configuration from the specified file
2. Open the metadata store (Postgres, or in-memory when no URL is set)
3. Open the worker artifact store
4. Register the built-in and worker-management tools
5. Start the cron scheduler and the websocket gateway

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  steward serve

  # Start with custom config
  steward serve --config /etc/steward/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(),
		"Path to YAML configuration file")
	return cmd
}

func buildValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <workflow.json>",
		Short: "Statically validate a workflow canvas",
		Long: `Validate a workflow canvas without executing it.

Runs the structural checks, the compile probe, and the business checks.
Errors fail validation; warnings are advisory and printed separately.
Tool-name existence is not checked here because the registry is only
populated by a running server.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd.OutOrStdout(), args[0])
		},
	}
	return cmd
}

func runValidate(out io.Writer, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read workflow: %w", err)
	}
	var wf models.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return fmt.Errorf("parse workflow: %w", err)
	}

	result := workflow.Validate(&wf, nil)
	for _, warning := range result.Warnings {
		fmt.Fprintf(out, "warning: %s\n", warning)
	}
	for _, errMsg := range result.Errors {
		fmt.Fprintf(out, "error: %s\n", errMsg)
	}
	if !result.Valid() {
		return fmt.Errorf("workflow %q failed validation with %d error(s)", wf.Name, len(result.Errors))
	}
	fmt.Fprintf(out, "workflow %q is valid (%d nodes, %d edges)\n", wf.Name, len(wf.Nodes), len(wf.Edges))
	return nil
}
