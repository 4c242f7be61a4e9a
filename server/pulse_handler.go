package server

import (
	"net/http"

	"github.com/knoom0/datanav-sub002/errors"
	"github.com/knoom0/datanav-sub002/logger"
	"github.com/knoom0/datanav-sub002/pulse"
)

// handlePulseConfigs serves /api/pulse-configs:
//
//	GET  list all pulse configs
//	POST create one from {name, prompt, cron, cron_timezone}
func (s *Server) handlePulseConfigs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		configs, err := s.pulseMgr.Configs().List()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"configs": configs})

	case http.MethodPost:
		var req struct {
			Name         string `json:"name"`
			Prompt       string `json:"prompt"`
			Cron         string `json:"cron"`
			CronTimezone string `json:"cron_timezone"`
		}
		if err := readJSON(w, r, &req); err != nil {
			return
		}
		if req.Name == "" || req.Cron == "" {
			writeError(w, http.StatusBadRequest, "name and cron are required")
			return
		}

		cfg, err := pulse.NewConfig(req.Name, req.Prompt, req.Cron, req.CronTimezone)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.pulseMgr.Configs().Create(cfg); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		logger.Infow("Created pulse config",
			"pulse_config_id", shortID(cfg.ID), "name", cfg.Name, "cron", cfg.Cron)
		writeJSON(w, http.StatusCreated, cfg)

	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handlePulseConfigByID serves the /api/pulse-configs/... subtree:
//
//	GET  /api/pulse-configs/{id}          config detail
//	POST /api/pulse-configs/{id}/publish  manual publish, schedule untouched
//	POST /api/pulse-configs/{id}/enable   resume scheduling
//	POST /api/pulse-configs/{id}/disable  pause scheduling
func (s *Server) handlePulseConfigByID(w http.ResponseWriter, r *http.Request) {
	parts := extractPathParts(r.URL.Path, "/api/pulse-configs/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "Missing pulse config ID")
		return
	}
	configID := parts[0]

	if len(parts) == 2 {
		switch parts[1] {
		case "publish":
			s.handlePulsePublish(w, r, configID)
		case "enable":
			s.handlePulseSetEnabled(w, r, configID, true)
		case "disable":
			s.handlePulseSetEnabled(w, r, configID, false)
		default:
			writeError(w, http.StatusNotFound, "Unknown pulse-configs endpoint")
		}
		return
	}
	if len(parts) > 1 {
		writeError(w, http.StatusNotFound, "Unknown pulse-configs endpoint")
		return
	}

	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	cfg, err := s.pulseMgr.Configs().Get(configID)
	if err != nil {
		if errors.IsNotFoundError(err) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handlePulsePublish(w http.ResponseWriter, r *http.Request, configID string) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	j, err := s.pulseMgr.Publish(r.Context(), configID)
	if err != nil {
		if errors.IsNotFoundError(err) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	logger.Infow("Manual pulse publish accepted",
		"pulse_config_id", shortID(configID), "job_id", shortID(j.ID))
	writeJSON(w, http.StatusAccepted, j)
}

func (s *Server) handlePulseSetEnabled(w http.ResponseWriter, r *http.Request, configID string, enabled bool) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	if err := s.pulseMgr.Configs().SetEnabled(configID, enabled); err != nil {
		if errors.IsNotFoundError(err) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	cfg, err := s.pulseMgr.Configs().Get(configID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// handlePulseTick serves POST /api/pulse/tick: one forced scheduler
// evaluation pass, mainly for operators and tests.
func (s *Server) handlePulseTick(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	result, err := s.pulseMgr.Tick(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}
