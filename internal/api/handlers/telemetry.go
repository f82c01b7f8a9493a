package handlers

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/arbiterml/modelplane/internal/budget"
	"github.com/arbiterml/modelplane/internal/drift"
	"github.com/arbiterml/modelplane/internal/shadow"
	"github.com/arbiterml/modelplane/pkg/models"
)

// TelemetryHandler ingests the serving layer's feedback streams: label
// outcomes for drift, billing samples for budgets, and scored requests for
// shadow mirroring. All three endpoints acknowledge with 202 because the
// samples feed asynchronous evaluation sweeps.
type TelemetryHandler struct {
	monitor   *drift.Monitor
	enforcer  *budget.Enforcer
	evaluator *shadow.Evaluator
	logger    *logrus.Logger
}

// NewTelemetryHandler creates the telemetry handler.
func NewTelemetryHandler(monitor *drift.Monitor, enforcer *budget.Enforcer, evaluator *shadow.Evaluator, logger *logrus.Logger) *TelemetryHandler {
	return &TelemetryHandler{
		monitor:   monitor,
		enforcer:  enforcer,
		evaluator: evaluator,
		logger:    logger,
	}
}

type inferenceReport struct {
	models.InferenceRequest
	ControlScore     float64 `json:"control_score"`
	ControlLatencyMs float64 `json:"control_latency_ms"`
}

// PostFeedback handles POST /api/v1/telemetry/feedback
func (h *TelemetryHandler) PostFeedback(w http.ResponseWriter, r *http.Request) {
	var feedback models.LabelFeedback
	if err := decodeJSON(r, &feedback); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := h.monitor.Record(&feedback); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status": "accepted",
	})
}

// PostBilling handles POST /api/v1/telemetry/billing
func (h *TelemetryHandler) PostBilling(w http.ResponseWriter, r *http.Request) {
	var sample models.BillingSample
	if err := decodeJSON(r, &sample); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := h.enforcer.RecordBilling(r.Context(), &sample); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status": "accepted",
	})
}

// PostInference handles POST /api/v1/telemetry/inference
func (h *TelemetryHandler) PostInference(w http.ResponseWriter, r *http.Request) {
	var report inferenceReport
	if err := decodeJSON(r, &report); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := h.evaluator.Mirror(r.Context(), &report.InferenceRequest, report.ControlScore, report.ControlLatencyMs); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status": "accepted",
	})
}
