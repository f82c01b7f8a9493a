package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/arbiterml/modelplane/internal/rollout"
)

// RolloutHandler exposes rollout lifecycle operations.
type RolloutHandler struct {
	orchestrator *rollout.Orchestrator
	logger       *logrus.Logger
}

// NewRolloutHandler creates the rollout handler.
func NewRolloutHandler(orch *rollout.Orchestrator, logger *logrus.Logger) *RolloutHandler {
	return &RolloutHandler{orchestrator: orch, logger: logger}
}

type startRolloutRequest struct {
	TenantID    string `json:"tenant_id"`
	FromVersion string `json:"from_version"`
	ToVersion   string `json:"to_version"`
}

type abortRolloutRequest struct {
	Reason string `json:"reason"`
}

// StartRollout handles POST /api/v1/rollouts
func (h *RolloutHandler) StartRollout(w http.ResponseWriter, r *http.Request) {
	var req startRolloutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	ro, err := h.orchestrator.Start(r.Context(), req.TenantID, req.FromVersion, req.ToVersion)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, ro)
}

// GetRollout handles GET /api/v1/rollouts/{tenantId}
func (h *RolloutHandler) GetRollout(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantId"]
	ro, err := h.orchestrator.Get(r.Context(), tenantID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ro)
}

// ListRollouts handles GET /api/v1/rollouts/{tenantId}/history
func (h *RolloutHandler) ListRollouts(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantId"]
	rollouts, err := h.orchestrator.List(r.Context(), tenantID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rollouts": rollouts,
		"count":    len(rollouts),
	})
}

// AbortRollout handles POST /api/v1/rollouts/{tenantId}/abort
func (h *RolloutHandler) AbortRollout(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantId"]
	var req abortRolloutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	ro, err := h.orchestrator.Abort(r.Context(), tenantID, req.Reason)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ro)
}
