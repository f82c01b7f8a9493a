package handlers

import (
	"context"
	stderrors "errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/arbiterml/modelplane/internal/registry"
	"github.com/arbiterml/modelplane/internal/rollout"
	"github.com/arbiterml/modelplane/internal/shadow"
	"github.com/arbiterml/modelplane/pkg/errors"
	"github.com/arbiterml/modelplane/pkg/models"
)

// RouteHandler answers serving-time routing decisions. The orchestrator
// decides between base version, rollout split, and budget fallback; an
// active interleaved experiment may then assign the arm when nothing else
// already dictates the version.
type RouteHandler struct {
	orchestrator *rollout.Orchestrator
	evaluator    *shadow.Evaluator
	registry     *registry.Registry
	onDecision   func(*models.RouteDecision)
	logger       *logrus.Logger
}

// NewRouteHandler creates the routing handler.
func NewRouteHandler(orch *rollout.Orchestrator, eval *shadow.Evaluator, reg *registry.Registry, onDecision func(*models.RouteDecision), logger *logrus.Logger) *RouteHandler {
	return &RouteHandler{
		orchestrator: orch,
		evaluator:    eval,
		registry:     reg,
		onDecision:   onDecision,
		logger:       logger,
	}
}

// Route handles POST /api/v1/route
func (h *RouteHandler) Route(w http.ResponseWriter, r *http.Request) {
	var req models.InferenceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	decision, err := h.orchestrator.Route(r.Context(), &req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.applyExperiment(r.Context(), &req, decision)
	if h.onDecision != nil {
		h.onDecision(decision)
	}
	writeJSON(w, http.StatusOK, decision)
}

// applyExperiment lets an interleaved experiment pick the serving arm. It
// never applies while a rollout splits traffic or a budget downgrade pins
// the fallback, and an experiment failure never fails the route.
func (h *RouteHandler) applyExperiment(ctx context.Context, req *models.InferenceRequest, decision *models.RouteDecision) {
	if h.evaluator == nil || req.Label == "" || decision.RolloutID != "" {
		return
	}
	if decision.Config != nil && decision.Config.Downgraded {
		return
	}

	exp, arm, err := h.evaluator.PickArm(ctx, req.TenantID, req.Label)
	if err != nil {
		if !stderrors.Is(err, errors.ErrExperimentNotFound) {
			h.logger.WithError(err).Debug("Arm selection skipped")
		}
		return
	}
	version := exp.ControlVersion
	if arm == models.ArmVariant {
		version = exp.VariantVersion
	}
	cfg, err := h.registry.ResolveVersion(ctx, req.TenantID, version)
	if err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"experiment_id": exp.ID,
			"version_id":    version,
		}).Warn("Experiment arm did not resolve, serving base decision")
		return
	}
	decision.VersionID = version
	decision.ExperimentID = exp.ID
	decision.Arm = arm
	decision.Config = cfg
}
