package commands

import (
	"context"
	"database/sql"

	"github.com/knoom0/datanav-sub002/config"
	"github.com/knoom0/datanav-sub002/connector"
	"github.com/knoom0/datanav-sub002/handshake"
	"github.com/knoom0/datanav-sub002/ingest"
	"github.com/knoom0/datanav-sub002/job"
	"github.com/knoom0/datanav-sub002/pulse"
)

// app wires the stores, scheduler, coordinator, and pulse manager that
// both the HTTP server and the MCP server run on.
type app struct {
	registry    *connector.Registry
	status      *connector.StatusStore
	jobs        *job.Store
	scheduler   *job.Scheduler
	coordinator *handshake.Coordinator
	pulseMgr    *pulse.Manager
	ticker      *pulse.Ticker
}

func buildApp(ctx context.Context, cfg *config.Config, database *sql.DB) *app {
	registry := connector.NewRegistry()
	registerConnectors(registry, cfg)

	status := connector.NewStatusStore(database)
	jobs := job.NewStore(database)
	engine := ingest.NewEngine(ingest.NewSQLiteWriter(database))

	scheduler := job.NewScheduler(jobs, status, registry, engine, &cfg.Sync)
	coordinator := handshake.NewCoordinator(registry, status, &cfg.Sync)

	pulseMgr := pulse.NewManager(pulse.NewStore(database), jobs, scheduler.Dispatcher())
	scheduler.SetPublishFunc(pulseMgr.PublishFunc())

	ticker := pulse.NewTicker(ctx, pulseMgr, cfg.Pulse.TickerInterval())

	return &app{
		registry:    registry,
		status:      status,
		jobs:        jobs,
		scheduler:   scheduler,
		coordinator: coordinator,
		pulseMgr:    pulseMgr,
		ticker:      ticker,
	}
}
