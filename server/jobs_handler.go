package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/knoom0/datanav-sub002/errors"
	"github.com/knoom0/datanav-sub002/logger"
)

// handleJobs serves GET /api/jobs?connector={id}: recent jobs for a
// connector.
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	connectorID := r.URL.Query().Get("connector")
	if connectorID == "" {
		writeError(w, http.StatusBadRequest, "connector query parameter is required")
		return
	}

	jobs, err := s.scheduler.List(r.Context(), connectorID, 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

// handleJobByID serves the /api/jobs/... subtree:
//
//	POST /api/jobs/{connectorId}  create a load job (idempotent)
//	GET  /api/jobs/{jobId}        job detail
//	POST /api/jobs/{jobId}/run    fire-and-forget run
//	POST /api/jobs/cleanup        stale-job sweep
func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	parts := extractPathParts(r.URL.Path, "/api/jobs/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "Missing ID")
		return
	}

	if parts[0] == "cleanup" {
		s.handleJobsCleanup(w, r)
		return
	}

	if len(parts) == 2 && parts[1] == "run" {
		s.handleJobRun(w, r, parts[0])
		return
	}
	if len(parts) > 1 {
		writeError(w, http.StatusNotFound, "Unknown jobs endpoint")
		return
	}

	switch r.Method {
	case http.MethodPost:
		s.handleJobCreate(w, r, parts[0])
	case http.MethodGet:
		s.handleJobGet(w, r, parts[0])
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleJobCreate creates a load job for a connector. Creation is
// idempotent: a load already in flight comes back with 200 instead of
// 201 and the in-flight job's row.
func (s *Server) handleJobCreate(w http.ResponseWriter, r *http.Request, connectorID string) {
	var params json.RawMessage
	if r.Body != nil {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			writeError(w, http.StatusBadRequest, "Failed to read request body")
			return
		}
		if len(body) > 0 {
			params = body
		}
	}

	j, created, err := s.scheduler.Create(r.Context(), connectorID, params)
	if err != nil {
		switch {
		case errors.IsNotFoundError(err):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, errors.ErrNotConnected):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		logger.Infow("Created sync job via API",
			"job_id", shortID(j.ID), "connector_id", connectorID)
	}
	writeJSON(w, status, j)
}

func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request, jobID string) {
	j, err := s.scheduler.Get(r.Context(), jobID)
	if err != nil {
		if errors.IsNotFoundError(err) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// handleJobRun accepts the run and returns immediately; the job executes
// through the dispatcher.
func (s *Server) handleJobRun(w http.ResponseWriter, r *http.Request, jobID string) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	if _, err := s.scheduler.Get(r.Context(), jobID); err != nil {
		if errors.IsNotFoundError(err) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := s.scheduler.Dispatcher().Dispatch(r.Context(), jobID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	logger.Infow("Accepted job run", "job_id", shortID(jobID))
	writeJSON(w, http.StatusAccepted, map[string]string{
		"jobId":  jobID,
		"status": "accepted",
	})
}

func (s *Server) handleJobsCleanup(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	result, err := s.scheduler.Cleanup(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}
