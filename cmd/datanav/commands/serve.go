package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/knoom0/datanav-sub002/errors"
	"github.com/knoom0/datanav-sub002/logger"
	"github.com/knoom0/datanav-sub002/server"
)

// ServeCmd starts the datanav HTTP API server
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Start the datanav HTTP API server and pulse scheduler",
	Long: `Launch the datanav server: the job and connector HTTP API, the
websocket job-event stream, and the background pulse scheduler.`,
	RunE: runServe,
}

var servePort int

func init() {
	ServeCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	port := cfg.Server.Port
	if servePort != 0 {
		port = servePort
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := buildApp(ctx, cfg, database)
	srv := server.NewServer(port, a.registry, a.status, a.scheduler,
		a.coordinator, a.pulseMgr, a.ticker)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case sig := <-sigChan:
		logger.Infow("Shutting down", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "server shutdown failed")
	}
	return nil
}
