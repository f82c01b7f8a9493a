package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/arbiterml/modelplane/internal/budget"
	"github.com/arbiterml/modelplane/pkg/errors"
	"github.com/arbiterml/modelplane/pkg/models"
)

// BudgetHandler exposes ledger snapshots, forecasts, and policy management.
type BudgetHandler struct {
	enforcer *budget.Enforcer
	logger   *logrus.Logger
}

// NewBudgetHandler creates the budget handler.
func NewBudgetHandler(enforcer *budget.Enforcer, logger *logrus.Logger) *BudgetHandler {
	return &BudgetHandler{enforcer: enforcer, logger: logger}
}

type policyRequest struct {
	LimitUnits float64 `json:"limit_units"`
	Period     string  `json:"period,omitempty"`
}

// GetLedger handles GET /api/v1/budget/{tenantId}
func (h *BudgetHandler) GetLedger(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantId"]
	ledger, err := h.enforcer.Snapshot(r.Context(), tenantID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ledger)
}

// GetForecast handles GET /api/v1/budget/{tenantId}/forecast
func (h *BudgetHandler) GetForecast(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantId"]
	forecast, err := h.enforcer.Forecast(r.Context(), tenantID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, forecast)
}

// GetPolicy handles GET /api/v1/budget/{tenantId}/policy
func (h *BudgetHandler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantId"]
	policy, err := h.enforcer.GetPolicy(r.Context(), tenantID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

// SetPolicy handles PUT /api/v1/budget/{tenantId}/policy
func (h *BudgetHandler) SetPolicy(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantId"]
	var req policyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	policy := &models.BudgetPolicy{
		TenantID:   tenantID,
		LimitUnits: req.LimitUnits,
	}
	if req.Period != "" {
		period, err := time.ParseDuration(req.Period)
		if err != nil {
			writeError(w, h.logger, errors.NewValidationError(errors.CodeInvalidFormat, "Field 'period' must be a duration such as \"720h\"").WithCause(err))
			return
		}
		policy.Period = period
	}
	if err := h.enforcer.SetPolicy(r.Context(), policy); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, policy)
}
