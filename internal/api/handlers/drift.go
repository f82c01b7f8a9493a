package handlers

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/arbiterml/modelplane/internal/drift"
	"github.com/arbiterml/modelplane/pkg/errors"
	"github.com/arbiterml/modelplane/pkg/models"
)

const defaultDriftHistoryLimit = 50

// DriftHandler exposes drift check results and baseline management.
type DriftHandler struct {
	monitor *drift.Monitor
	logger  *logrus.Logger
}

// NewDriftHandler creates the drift handler.
func NewDriftHandler(monitor *drift.Monitor, logger *logrus.Logger) *DriftHandler {
	return &DriftHandler{monitor: monitor, logger: logger}
}

type baselineRequest struct {
	Label     string           `json:"label"`
	Language  string           `json:"language"`
	Histogram models.Histogram `json:"histogram"`
}

// GetLatest handles GET /api/v1/drift/{tenantId}
func (h *DriftHandler) GetLatest(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantId"]
	results, err := h.monitor.Latest(r.Context(), tenantID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id": tenantID,
		"results":   results,
		"count":     len(results),
	})
}

// GetHistory handles GET /api/v1/drift/{tenantId}/history
func (h *DriftHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantId"]
	label := r.URL.Query().Get("label")
	if label == "" {
		writeError(w, h.logger, errors.NewValidationError(errors.CodeInvalidInput, "Query parameter 'label' is required"))
		return
	}
	limit := defaultDriftHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, h.logger, errors.NewValidationError(errors.CodeInvalidInput, "Query parameter 'limit' must be a positive integer"))
			return
		}
		limit = parsed
	}
	results, err := h.monitor.History(r.Context(), tenantID, label, limit)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id": tenantID,
		"label":     label,
		"results":   results,
		"count":     len(results),
	})
}

// SetBaseline handles POST /api/v1/drift/{tenantId}/baseline
func (h *DriftHandler) SetBaseline(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantId"]
	var req baselineRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := h.monitor.SetBaseline(r.Context(), tenantID, req.Label, req.Language, req.Histogram); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id": tenantID,
		"label":     req.Label,
		"language":  req.Language,
		"bins":      len(req.Histogram),
	})
}
