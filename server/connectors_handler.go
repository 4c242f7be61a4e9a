package server

import (
	"net/http"

	"github.com/knoom0/datanav-sub002/connector"
	"github.com/knoom0/datanav-sub002/errors"
	"github.com/knoom0/datanav-sub002/logger"
)

// connectorView is the API shape for a registered connector joined with
// its connection status.
type connectorView struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Status      *connector.Status `json:"status,omitempty"`
}

// handleConnectors serves GET /api/connectors: every registered
// connector with its current status.
func (s *Server) handleConnectors(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	views := []connectorView{}
	for _, cfg := range s.registry.List() {
		st, err := s.status.Get(cfg.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		views = append(views, connectorView{
			ID:          cfg.ID,
			Name:        cfg.Name,
			Description: cfg.Description,
			Status:      st,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"connectors": views})
}

// handleConnectorByID serves the /api/connectors/... subtree:
//
//	GET  /api/connectors/{id}          connector detail with status
//	POST /api/connectors/{id}/connect  start the consent handshake
//	POST /api/connectors/{id}/consent  consent callback (grant or decline)
func (s *Server) handleConnectorByID(w http.ResponseWriter, r *http.Request) {
	parts := extractPathParts(r.URL.Path, "/api/connectors/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "Missing connector ID")
		return
	}
	connectorID := parts[0]

	if len(parts) == 2 {
		switch parts[1] {
		case "connect":
			s.handleConnectorConnect(w, r, connectorID)
		case "consent":
			s.handleConnectorConsent(w, r, connectorID)
		default:
			writeError(w, http.StatusNotFound, "Unknown connectors endpoint")
		}
		return
	}
	if len(parts) > 1 {
		writeError(w, http.StatusNotFound, "Unknown connectors endpoint")
		return
	}

	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	cfg, err := s.registry.Get(connectorID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	st, err := s.status.Get(connectorID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, connectorView{
		ID:          cfg.ID,
		Name:        cfg.Name,
		Description: cfg.Description,
		Status:      st,
	})
}

// handleConnectorConnect runs the full handshake: it blocks until the
// consent resolves or the ask window lapses.
func (s *Server) handleConnectorConnect(w http.ResponseWriter, r *http.Request, connectorID string) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	result, err := s.coordinator.AskToConnect(r.Context(), connectorID)
	if err != nil {
		if errors.IsNotFoundError(err) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type consentRequest struct {
	State   string `json:"state"`
	Granted *bool  `json:"granted,omitempty"`
}

// handleConnectorConsent is the callback end of the handshake. A grant
// carries the provider state (OAuth code, token, etc.) and completes
// authentication; a decline only clears the pending-consent marker so
// the waiting coordinator resolves as declined.
func (s *Server) handleConnectorConsent(w http.ResponseWriter, r *http.Request, connectorID string) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var req consentRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	if req.Granted != nil && !*req.Granted {
		if err := s.status.ClearPendingConsent(connectorID); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		logger.Infow("Consent declined", "connector_id", connectorID)
		writeJSON(w, http.StatusOK, map[string]interface{}{"connected": false})
		return
	}

	result, err := s.coordinator.CompleteConsent(r.Context(), connectorID, req.State)
	if err != nil {
		if errors.IsNotFoundError(err) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	logger.Infow("Consent completed",
		"connector_id", connectorID, "connected", result.Connected)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connected": result.Connected,
		"message":   result.Message,
	})
}
