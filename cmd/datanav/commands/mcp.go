package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/knoom0/datanav-sub002/errors"
	"github.com/knoom0/datanav-sub002/tools"
)

// McpCmd serves the agent-facing tools over stdio
var McpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve agent-facing tools (load_data, ask_to_connect, job_status) over stdio",
	Long: `Run datanav as an MCP server on stdin/stdout. Agents call load_data
to sync a connector, ask_to_connect to run the consent handshake, and
job_status to inspect a sync job.`,
	RunE: runMcp,
}

func runMcp(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := buildApp(ctx, cfg, database)
	a.ticker.Start()
	defer a.ticker.Stop()

	srv := tools.NewMCPServer(a.registry, a.status, a.scheduler, a.coordinator, &cfg.Sync)
	return srv.ServeStdio()
}
