package api

import (
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/arbiterml/modelplane/internal/api/handlers"
	"github.com/arbiterml/modelplane/internal/budget"
	"github.com/arbiterml/modelplane/internal/drift"
	"github.com/arbiterml/modelplane/internal/observability"
	"github.com/arbiterml/modelplane/internal/registry"
	"github.com/arbiterml/modelplane/internal/rollout"
	"github.com/arbiterml/modelplane/internal/shadow"
	"github.com/arbiterml/modelplane/pkg/constants"
	"github.com/arbiterml/modelplane/pkg/models"
)

// Dependencies carries the wired components the HTTP surface exposes.
// Metrics and Health are optional; their endpoints are skipped when nil.
type Dependencies struct {
	Logger       *logrus.Logger
	Metrics      *observability.Metrics
	Health       *observability.Health
	Registry     *registry.Registry
	Orchestrator *rollout.Orchestrator
	Drift        *drift.Monitor
	Budget       *budget.Enforcer
	Evaluator    *shadow.Evaluator
}

// Router wires handlers and middleware into the HTTP mux
type Router struct {
	logger  *logrus.Logger
	metrics *observability.Metrics
	health  *observability.Health
	limiter *rateLimiter

	registryHandler   *handlers.RegistryHandler
	routeHandler      *handlers.RouteHandler
	rolloutHandler    *handlers.RolloutHandler
	driftHandler      *handlers.DriftHandler
	budgetHandler     *handlers.BudgetHandler
	experimentHandler *handlers.ExperimentHandler
	telemetryHandler  *handlers.TelemetryHandler
}

// NewRouter creates the API router over wired components.
func NewRouter(deps Dependencies) *Router {
	var onDecision func(*models.RouteDecision)
	if deps.Metrics != nil {
		metrics := deps.Metrics
		onDecision = func(d *models.RouteDecision) {
			metrics.RecordRouteDecision(d.TenantID, string(d.Phase))
		}
	}

	return &Router{
		logger:  deps.Logger,
		metrics: deps.Metrics,
		health:  deps.Health,
		limiter: newRateLimiter(constants.DefaultRateLimit, constants.DefaultBurstLimit),

		registryHandler:   handlers.NewRegistryHandler(deps.Registry, deps.Logger),
		routeHandler:      handlers.NewRouteHandler(deps.Orchestrator, deps.Evaluator, deps.Registry, onDecision, deps.Logger),
		rolloutHandler:    handlers.NewRolloutHandler(deps.Orchestrator, deps.Logger),
		driftHandler:      handlers.NewDriftHandler(deps.Drift, deps.Logger),
		budgetHandler:     handlers.NewBudgetHandler(deps.Budget, deps.Logger),
		experimentHandler: handlers.NewExperimentHandler(deps.Evaluator, deps.Logger),
		telemetryHandler:  handlers.NewTelemetryHandler(deps.Drift, deps.Budget, deps.Evaluator, deps.Logger),
	}
}

// SetupRoutes builds the HTTP router with middleware and all endpoints.
func (router *Router) SetupRoutes() *mux.Router {
	r := mux.NewRouter()

	r.Use(router.requestIDMiddleware)
	r.Use(router.recoveryMiddleware)
	r.Use(router.loggingMiddleware)
	r.Use(router.metricsMiddleware)

	if router.metrics != nil {
		r.Handle("/metrics", router.metrics.Handler()).Methods("GET")
	}
	if router.health != nil {
		r.HandleFunc("/health", router.health.HealthHandler).Methods("GET")
		r.HandleFunc("/health/live", router.health.LiveHandler).Methods("GET")
		r.HandleFunc("/health/ready", router.health.ReadyHandler).Methods("GET")
		r.HandleFunc("/ready", router.health.ReadyHandler).Methods("GET")
	}

	// Health and metrics bypass the rate limiter; probes must not starve.
	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(router.rateLimitMiddleware)

	// Registry endpoints
	reg := api.PathPrefix("/registry").Subrouter()
	reg.HandleFunc("/versions", router.registryHandler.PublishVersion).Methods("POST")
	reg.HandleFunc("/versions", router.registryHandler.ListVersions).Methods("GET")
	reg.HandleFunc("/versions/{id}", router.registryHandler.GetVersion).Methods("GET")
	reg.HandleFunc("/versions/{id}/promote", router.registryHandler.PromoteVersion).Methods("POST")
	reg.HandleFunc("/versions/{id}/deactivate", router.registryHandler.DeactivateVersion).Methods("POST")
	reg.HandleFunc("/tenants/{tenantId}/config", router.registryHandler.ResolveConfig).Methods("GET")
	reg.HandleFunc("/tenants/{tenantId}/override", router.registryHandler.GetOverride).Methods("GET")
	reg.HandleFunc("/tenants/{tenantId}/override", router.registryHandler.UpdateOverride).Methods("POST")
	reg.HandleFunc("/tenants/{tenantId}/rollback", router.registryHandler.Rollback).Methods("POST")

	// Routing endpoint
	api.HandleFunc("/route", router.routeHandler.Route).Methods("POST")

	// Rollout endpoints
	api.HandleFunc("/rollouts", router.rolloutHandler.StartRollout).Methods("POST")
	api.HandleFunc("/rollouts/{tenantId}", router.rolloutHandler.GetRollout).Methods("GET")
	api.HandleFunc("/rollouts/{tenantId}/history", router.rolloutHandler.ListRollouts).Methods("GET")
	api.HandleFunc("/rollouts/{tenantId}/abort", router.rolloutHandler.AbortRollout).Methods("POST")

	// Drift endpoints
	api.HandleFunc("/drift/{tenantId}", router.driftHandler.GetLatest).Methods("GET")
	api.HandleFunc("/drift/{tenantId}/history", router.driftHandler.GetHistory).Methods("GET")
	api.HandleFunc("/drift/{tenantId}/baseline", router.driftHandler.SetBaseline).Methods("POST")

	// Budget endpoints
	api.HandleFunc("/budget/{tenantId}", router.budgetHandler.GetLedger).Methods("GET")
	api.HandleFunc("/budget/{tenantId}/forecast", router.budgetHandler.GetForecast).Methods("GET")
	api.HandleFunc("/budget/{tenantId}/policy", router.budgetHandler.GetPolicy).Methods("GET")
	api.HandleFunc("/budget/{tenantId}/policy", router.budgetHandler.SetPolicy).Methods("PUT")

	// Experiment endpoints
	api.HandleFunc("/experiments", router.experimentHandler.StartExperiment).Methods("POST")
	api.HandleFunc("/experiments", router.experimentHandler.ListExperiments).Methods("GET")
	api.HandleFunc("/experiments/{id}", router.experimentHandler.GetExperiment).Methods("GET")
	api.HandleFunc("/experiments/{id}/outcome", router.experimentHandler.RecordOutcome).Methods("POST")
	api.HandleFunc("/experiments/{id}/conclude", router.experimentHandler.ConcludeExperiment).Methods("POST")

	// Telemetry ingest endpoints
	api.HandleFunc("/telemetry/feedback", router.telemetryHandler.PostFeedback).Methods("POST")
	api.HandleFunc("/telemetry/billing", router.telemetryHandler.PostBilling).Methods("POST")
	api.HandleFunc("/telemetry/inference", router.telemetryHandler.PostInference).Methods("POST")

	return r
}
