package budget

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"github.com/arbiterml/modelplane/internal/events"
	"github.com/arbiterml/modelplane/pkg/errors"
	"github.com/arbiterml/modelplane/pkg/models"
)

const (
	// maxForecastPoints caps the per-tenant spend history ring.
	maxForecastPoints = 512
	// minForecastPoints is the fewest observations a projection is built on.
	minForecastPoints = 10
)

// Forecast projects the tenant's end-of-period spend by fitting a line
// through the cumulative spend observed so far this period.
func (e *Enforcer) Forecast(ctx context.Context, tenantID string) (*models.BudgetForecast, error) {
	ledger, err := e.store.GetLedger(ctx, tenantID)
	if err != nil {
		if stderrors.Is(err, errors.ErrDataNotFound) {
			return nil, errors.NewNotFoundError(errors.ErrorTypeBudget, errors.CodeLedgerNotFound,
				fmt.Sprintf("No budget ledger for tenant '%s'", tenantID)).
				WithCause(errors.ErrLedgerNotFound).
				WithContext("tenant_id", tenantID)
		}
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to load budget ledger")
	}

	now := time.Now().UTC()
	period := e.periodFor(ctx, tenantID)
	return e.forecastLedger(ledger, period, now)
}

func (e *Enforcer) forecastLedger(ledger *models.BudgetLedger, period time.Duration, now time.Time) (*models.BudgetForecast, error) {
	if ledger.PeriodID != periodID(now, period) {
		return nil, insufficientForecast(ledger.TenantID, 0)
	}

	e.mu.Lock()
	points := make([]spendPoint, len(e.history[ledger.TenantID]))
	copy(points, e.history[ledger.TenantID])
	e.mu.Unlock()

	if len(points) < minForecastPoints {
		return nil, insufficientForecast(ledger.TenantID, len(points))
	}

	start := periodStart(now, period)
	xs := make([]float64, len(points))
	ys := make([]float64, len(points))
	for i, p := range points {
		xs[i] = p.at.Sub(start).Seconds()
		ys[i] = p.cost
	}

	intercept, slope := stat.LinearRegression(xs, ys, nil, false)
	endX := periodEnd(now, period).Sub(start).Seconds()
	projected := intercept + slope*endX
	// Spend is monotone, so a projection below the observed total only means
	// the trend has flattened.
	if projected < ledger.CostUnits {
		projected = ledger.CostUnits
	}

	forecast := &models.BudgetForecast{
		TenantID:      ledger.TenantID,
		PeriodID:      ledger.PeriodID,
		CurrentCost:   ledger.CostUnits,
		ProjectedCost: projected,
		LimitUnits:    ledger.LimitUnits,
		SampleCount:   len(points),
		GeneratedAt:   now,
	}
	if ledger.LimitUnits > 0 && projected > ledger.LimitUnits {
		forecast.WillExceed = true
		if slope > 0 {
			breachX := (ledger.LimitUnits - intercept) / slope
			breachAt := start.Add(time.Duration(breachX * float64(time.Second)))
			if breachAt.Before(now) {
				breachAt = now
			}
			forecast.ProjectedBreachAt = &breachAt
		}
	}
	return forecast, nil
}

// announceForecast publishes a budget.forecast event the first time a
// tenant's projection crosses its limit within a period. Tenants without
// enough history are silently skipped.
func (e *Enforcer) announceForecast(ctx context.Context, ledger *models.BudgetLedger, period time.Duration, now time.Time) {
	forecast, err := e.forecastLedger(ledger, period, now)
	if err != nil || !forecast.WillExceed {
		return
	}

	e.mu.Lock()
	already := e.flagged[ledger.TenantID]
	if !already {
		e.flagged[ledger.TenantID] = true
	}
	e.mu.Unlock()
	if already {
		return
	}

	if e.bus != nil {
		e.bus.Publish(events.TopicBudgetForecast, ledger.TenantID, &events.ForecastPayload{Forecast: forecast})
	}
	e.logger.WithFields(logrus.Fields{
		"tenant_id":      ledger.TenantID,
		"projected_cost": forecast.ProjectedCost,
		"limit_units":    forecast.LimitUnits,
	}).Warn("Spend projected to exceed budget before period end")
}

func insufficientForecast(tenantID string, samples int) *errors.AppError {
	return errors.NewBudgetError(errors.CodeInsufficientSamples,
		fmt.Sprintf("Need at least %d spend samples this period to forecast, have %d", minForecastPoints, samples)).
		WithCause(errors.ErrInsufficientSamples).
		WithContext("tenant_id", tenantID)
}
