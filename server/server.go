// Package server is the HTTP boundary: job and pulse endpoints, the
// consent callback, and the websocket job-event stream.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/knoom0/datanav-sub002/connector"
	"github.com/knoom0/datanav-sub002/handshake"
	"github.com/knoom0/datanav-sub002/job"
	"github.com/knoom0/datanav-sub002/logger"
	"github.com/knoom0/datanav-sub002/pulse"
	"github.com/knoom0/datanav-sub002/version"
)

// Server hosts the datanav HTTP API. It owns the pulse ticker's
// lifecycle: the ticker starts with the server and stops on shutdown.
type Server struct {
	registry    *connector.Registry
	status      *connector.StatusStore
	scheduler   *job.Scheduler
	coordinator *handshake.Coordinator
	pulseMgr    *pulse.Manager
	ticker      *pulse.Ticker

	httpServer *http.Server
	broadcast  *jobBroadcaster
}

// NewServer assembles the HTTP server on the given port. ticker may be
// nil when pulse scheduling is disabled.
func NewServer(port int, registry *connector.Registry, status *connector.StatusStore, scheduler *job.Scheduler, coordinator *handshake.Coordinator, pulseMgr *pulse.Manager, ticker *pulse.Ticker) *Server {
	s := &Server{
		registry:    registry,
		status:      status,
		scheduler:   scheduler,
		coordinator: coordinator,
		pulseMgr:    pulseMgr,
		ticker:      ticker,
		broadcast:   newJobBroadcaster(scheduler),
	}

	mux := http.NewServeMux()
	s.routes(mux)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/connectors", s.handleConnectors)
	mux.HandleFunc("/api/connectors/", s.handleConnectorByID)
	mux.HandleFunc("/api/jobs", s.handleJobs)
	mux.HandleFunc("/api/jobs/", s.handleJobByID)
	mux.HandleFunc("/api/pulse-configs", s.handlePulseConfigs)
	mux.HandleFunc("/api/pulse-configs/", s.handlePulseConfigByID)
	mux.HandleFunc("/api/pulse/tick", s.handlePulseTick)
	mux.HandleFunc("/ws/jobs", s.broadcast.handleWS)
}

// Start begins serving and blocks until the listener closes.
func (s *Server) Start() error {
	if s.ticker != nil {
		s.ticker.Start()
	}
	s.broadcast.start()

	logger.Infow("HTTP server listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the ticker, closes websocket fan-out, and drains
// in-flight HTTP requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.ticker != nil {
		s.ticker.Stop()
	}
	s.broadcast.stop()
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": version.Get(),
	})
}
