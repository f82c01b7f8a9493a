package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/arbiterml/modelplane/internal/shadow"
	"github.com/arbiterml/modelplane/pkg/models"
)

// ExperimentHandler exposes shadow and interleaved experiment management.
type ExperimentHandler struct {
	evaluator *shadow.Evaluator
	logger    *logrus.Logger
}

// NewExperimentHandler creates the experiment handler.
func NewExperimentHandler(evaluator *shadow.Evaluator, logger *logrus.Logger) *ExperimentHandler {
	return &ExperimentHandler{evaluator: evaluator, logger: logger}
}

type outcomeRequest struct {
	Arm       models.Arm `json:"arm"`
	Reward    float64    `json:"reward"`
	LatencyMs float64    `json:"latency_ms"`
}

// StartExperiment handles POST /api/v1/experiments
func (h *ExperimentHandler) StartExperiment(w http.ResponseWriter, r *http.Request) {
	var params shadow.StartParams
	if err := decodeJSON(r, &params); err != nil {
		writeError(w, h.logger, err)
		return
	}
	experiment, err := h.evaluator.StartExperiment(r.Context(), params)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, experiment)
}

// ListExperiments handles GET /api/v1/experiments
func (h *ExperimentHandler) ListExperiments(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	experiments, err := h.evaluator.List(r.Context(), tenantID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"experiments": experiments,
		"count":       len(experiments),
	})
}

// GetExperiment handles GET /api/v1/experiments/{id}
func (h *ExperimentHandler) GetExperiment(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	experiment, err := h.evaluator.Get(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, experiment)
}

// RecordOutcome handles POST /api/v1/experiments/{id}/outcome
func (h *ExperimentHandler) RecordOutcome(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req outcomeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	sample := &models.OutcomeSample{
		ExperimentID: id,
		Arm:          req.Arm,
		Reward:       req.Reward,
		LatencyMs:    req.LatencyMs,
		ObservedAt:   time.Now().UTC(),
	}
	if err := h.evaluator.RecordOutcome(r.Context(), sample); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"experiment_id": id,
		"status":        "recorded",
	})
}

// ConcludeExperiment handles POST /api/v1/experiments/{id}/conclude
func (h *ExperimentHandler) ConcludeExperiment(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	experiment, err := h.evaluator.Conclude(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, experiment)
}
