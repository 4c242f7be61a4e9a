package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/knoom0/datanav-sub002/cmd/datanav/commands"
	"github.com/knoom0/datanav-sub002/logger"
)

var rootCmd = &cobra.Command{
	Use:   "datanav",
	Short: "datanav - data ingestion scheduler and connector hub",
	Long: `datanav - data ingestion job scheduler and connection handshake engine.

datanav syncs records from external sources (web APIs, aggregators, SQL
databases) into a local store, with time-budgeted jobs that continue where
they left off and a consent handshake for connecting new sources.

Available commands:
  serve   - Start the HTTP API server and pulse scheduler
  mcp     - Serve agent-facing tools over stdio
  migrate - Apply database migrations
  jobs    - Inspect and clean up sync jobs
  version - Show version information

Examples:
  datanav serve                # Start the API server
  datanav migrate              # Apply pending migrations
  datanav jobs cleanup         # Reap stale jobs and prune old ones
  datanav mcp                  # Expose load_data/ask_to_connect over MCP`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// The MCP server owns stdout; logs go to stderr as JSON there.
		jsonOutput := cmd.Name() == "mcp"
		if err := logger.Initialize(jsonOutput); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to config file (TOML)")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.McpCmd)
	rootCmd.AddCommand(commands.MigrateCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
