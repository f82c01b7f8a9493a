package budget

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arbiterml/modelplane/internal/events"
	"github.com/arbiterml/modelplane/internal/storage/interfaces"
	"github.com/arbiterml/modelplane/pkg/constants"
	"github.com/arbiterml/modelplane/pkg/errors"
	"github.com/arbiterml/modelplane/pkg/models"
)

// quantileTarget is the quantile tracked by the running latency estimator.
const quantileTarget = 0.95

// Config contains budget enforcer settings
type Config struct {
	TickInterval       time.Duration `json:"tick_interval"`
	TickBudget         time.Duration `json:"tick_budget"`
	Period             time.Duration `json:"period"`
	EMAAlpha           float64       `json:"ema_alpha"`
	AlertThresholds    []float64     `json:"alert_thresholds"`
	AutoswitchCooldown time.Duration `json:"autoswitch_cooldown"`
}

// DefaultConfig returns the default budget enforcer configuration
func DefaultConfig() *Config {
	return &Config{
		TickInterval:       constants.DefaultBudgetTickInterval,
		TickBudget:         constants.DefaultTickBudget,
		Period:             constants.DefaultBudgetPeriod,
		EMAAlpha:           constants.DefaultLatencyEMAAlpha,
		AlertThresholds:    []float64{constants.DefaultAlertThreshold80, constants.DefaultAlertThreshold90},
		AutoswitchCooldown: constants.DefaultAutoswitchCooldown,
	}
}

// ConfigSource resolves the effective configuration a tenant is currently
// served, used to price unpriced billing samples and to name the version a
// tenant is switched away from.
type ConfigSource interface {
	Resolve(ctx context.Context, tenantID string) (*models.EffectiveConfig, error)
}

// spendPoint is one cumulative-spend observation inside the current period.
type spendPoint struct {
	at   time.Time
	cost float64
}

// Enforcer meters per-tenant spend against budget policies, emits threshold
// alerts, and downgrades tenants to their fallback model when a period budget
// is exhausted. It also carries running latency estimators fed by the same
// billing stream.
type Enforcer struct {
	config  *Config
	store   interfaces.Store
	configs ConfigSource
	bus     *events.Bus
	logger  *logrus.Logger

	mu       sync.Mutex
	history  map[string][]spendPoint
	flagged  map[string]bool
	onLedger func(ledger *models.BudgetLedger)
}

// NewEnforcer creates a budget enforcer
func NewEnforcer(config *Config, store interfaces.Store, configs ConfigSource, bus *events.Bus, logger *logrus.Logger) (*Enforcer, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if logger == nil {
		logger = logrus.New()
	}
	if config.EMAAlpha <= 0 || config.EMAAlpha > 1 {
		return nil, fmt.Errorf("ema alpha must be in (0, 1], got %f", config.EMAAlpha)
	}
	for i := 1; i < len(config.AlertThresholds); i++ {
		if config.AlertThresholds[i] <= config.AlertThresholds[i-1] {
			return nil, fmt.Errorf("alert thresholds must be strictly increasing")
		}
	}
	return &Enforcer{
		config:  config,
		store:   store,
		configs: configs,
		bus:     bus,
		logger:  logger,
		history: make(map[string][]spendPoint),
		flagged: make(map[string]bool),
	}, nil
}

// SetLedgerHook registers a callback invoked after every ledger update, used
// to export spend gauges without coupling the enforcer to a metrics backend.
func (e *Enforcer) SetLedgerHook(fn func(ledger *models.BudgetLedger)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onLedger = fn
}

func (e *Enforcer) ledgerHook() func(*models.BudgetLedger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.onLedger
}

// periodID buckets a timestamp into a fixed-width billing period. Period ids
// are stable across restarts because they derive from the epoch, not from
// when the enforcer started.
func periodID(now time.Time, period time.Duration) string {
	ms := period.Milliseconds()
	if ms <= 0 {
		ms = 1
	}
	return fmt.Sprintf("p%d", now.UnixMilli()/ms)
}

// periodStart returns the beginning of the period containing now.
func periodStart(now time.Time, period time.Duration) time.Time {
	ms := period.Milliseconds()
	if ms <= 0 {
		ms = 1
	}
	return time.UnixMilli((now.UnixMilli() / ms) * ms).UTC()
}

// periodEnd returns the end of the period containing now.
func periodEnd(now time.Time, period time.Duration) time.Time {
	return periodStart(now, period).Add(period)
}

// periodFor returns the billing period for a tenant, preferring the tenant's
// policy over the enforcer default.
func (e *Enforcer) periodFor(ctx context.Context, tenantID string) time.Duration {
	policy, err := e.store.GetPolicy(ctx, tenantID)
	if err == nil && policy.Period > 0 {
		return policy.Period
	}
	return e.config.Period
}

// RecordBilling folds one billing sample into the tenant's ledger. Spend only
// ever accumulates within a period; resets happen exclusively through period
// rollover.
func (e *Enforcer) RecordBilling(ctx context.Context, sample *models.BillingSample) error {
	if sample == nil || sample.TenantID == "" {
		return errors.NewValidationError(errors.CodeMissingField, "Billing sample requires a tenant id")
	}
	if sample.CostUnits < 0 {
		return errors.NewValidationError(errors.CodeOutOfRange, "Billing sample cost must not be negative")
	}
	if sample.LatencyMs < 0 {
		return errors.NewValidationError(errors.CodeOutOfRange, "Billing sample latency must not be negative")
	}

	now := sample.ObservedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	period := e.periodFor(ctx, sample.TenantID)

	ledger, err := e.store.GetLedger(ctx, sample.TenantID)
	if err != nil {
		if !stderrors.Is(err, errors.ErrDataNotFound) {
			return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to load budget ledger")
		}
		ledger = e.newLedger(ctx, sample.TenantID, now, period)
	}
	if e.rolloverLedger(ledger, period, now) {
		e.clearPeriodState(sample.TenantID)
	}

	cost := sample.CostUnits
	if cost == 0 && e.configs != nil {
		cfg, err := e.configs.Resolve(ctx, sample.TenantID)
		if err != nil {
			e.logger.WithFields(logrus.Fields{
				"tenant_id": sample.TenantID,
				"error":     err.Error(),
			}).Debug("Could not price billing sample from tenant configuration")
		} else {
			cost = cfg.CostPerRequest
		}
	}

	ledger.CostUnits += cost
	ledger.RequestCount++
	if ledger.RequestCount == 1 {
		ledger.LatencyEMA = sample.LatencyMs
		ledger.LatencyP95 = sample.LatencyMs
	} else {
		ledger.LatencyEMA += e.config.EMAAlpha * (sample.LatencyMs - ledger.LatencyEMA)
		ledger.LatencyP95 = updateQuantile(ledger.LatencyP95, sample.LatencyMs, e.config.EMAAlpha)
	}
	ledger.UpdatedAt = now

	if err := e.store.PutLedger(ctx, ledger); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to persist budget ledger")
	}
	e.appendSpendPoint(sample.TenantID, now, ledger.CostUnits)

	if hook := e.ledgerHook(); hook != nil {
		hook(ledger.Clone())
	}
	return nil
}

// updateQuantile nudges a running quantile estimate toward the sample with an
// asymmetric step, so roughly one sample in twenty pulls the estimate up and
// the rest pull it down gently.
func updateQuantile(q, sample, alpha float64) float64 {
	if sample > q {
		return q + alpha*(sample-q)
	}
	return q + alpha*(1-quantileTarget)/quantileTarget*(sample-q)
}

// newLedger opens a fresh ledger for a tenant, seeding the limit from the
// tenant's policy when one exists. A zero limit means spend is metered but
// never enforced.
func (e *Enforcer) newLedger(ctx context.Context, tenantID string, now time.Time, period time.Duration) *models.BudgetLedger {
	var limit float64
	if policy, err := e.store.GetPolicy(ctx, tenantID); err == nil {
		limit = policy.LimitUnits
	}
	return &models.BudgetLedger{
		TenantID:   tenantID,
		PeriodID:   periodID(now, period),
		LimitUnits: limit,
		State:      models.AutoswitchNormal,
		UpdatedAt:  now,
	}
}

// rolloverLedger resets a ledger in place when it belongs to an earlier
// period. Latency estimators survive the rollover; they track the serving
// path, not the billing period.
func (e *Enforcer) rolloverLedger(ledger *models.BudgetLedger, period time.Duration, now time.Time) bool {
	pid := periodID(now, period)
	if ledger.PeriodID == pid {
		return false
	}
	previous := ledger.PeriodID
	ledger.PeriodID = pid
	ledger.CostUnits = 0
	ledger.RequestCount = 0
	ledger.State = models.AutoswitchNormal
	ledger.DowngradedAt = nil
	ledger.CooldownUntil = nil
	ledger.LastThreshold = 0
	ledger.UpdatedAt = now

	e.logger.WithFields(logrus.Fields{
		"tenant_id":   ledger.TenantID,
		"from_period": previous,
		"to_period":   pid,
	}).Info("Budget period rolled over")
	return true
}

func (e *Enforcer) clearPeriodState(tenantID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.history, tenantID)
	delete(e.flagged, tenantID)
}

func (e *Enforcer) appendSpendPoint(tenantID string, at time.Time, cost float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	points := append(e.history[tenantID], spendPoint{at: at, cost: cost})
	if len(points) > maxForecastPoints {
		points = points[len(points)-maxForecastPoints:]
	}
	e.history[tenantID] = points
}

// Evaluate is the periodic enforcement pass. It rolls stale ledgers into the
// current period, fires threshold alerts, engages the autoswitch on exhausted
// budgets, and restores tenants whose cooldown has lapsed while spend is back
// under the limit.
func (e *Enforcer) Evaluate(ctx context.Context) error {
	ledgers, err := e.store.ListLedgers(ctx)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to list budget ledgers")
	}

	now := time.Now().UTC()
	var firstErr error
	for _, ledger := range ledgers {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.evaluateLedger(ctx, ledger, now); err != nil {
			e.logger.WithFields(logrus.Fields{
				"tenant_id": ledger.TenantID,
				"error":     err.Error(),
			}).Error("Budget evaluation failed for tenant")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (e *Enforcer) evaluateLedger(ctx context.Context, ledger *models.BudgetLedger, now time.Time) error {
	period := e.periodFor(ctx, ledger.TenantID)
	if e.rolloverLedger(ledger, period, now) {
		e.clearPeriodState(ledger.TenantID)
		if err := e.store.PutLedger(ctx, ledger); err != nil {
			return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to persist rolled-over ledger")
		}
	}
	defer func() {
		if hook := e.ledgerHook(); hook != nil {
			hook(ledger.Clone())
		}
	}()

	if ledger.LimitUnits <= 0 {
		return nil
	}
	ratio := ledger.SpendRatio()

	if ledger.Downgraded() {
		if ledger.InCooldown(now) {
			return nil
		}
		if ratio < 1.0 {
			return e.restore(ctx, ledger, now)
		}
		return nil
	}

	if ratio >= 1.0 {
		return e.engage(ctx, ledger, ratio, now)
	}

	e.announceThresholds(ctx, ledger, ratio)
	e.announceForecast(ctx, ledger, period, now)
	return nil
}

// engage switches an over-budget tenant onto its fallback model. The switch
// decision is then frozen for the cooldown window.
func (e *Enforcer) engage(ctx context.Context, ledger *models.BudgetLedger, ratio float64, now time.Time) error {
	fallback := e.fallbackVersion(ctx, ledger.TenantID)
	if fallback == "" {
		if ledger.LastThreshold < 1.0 {
			ledger.LastThreshold = 1.0
			if err := e.store.PutLedger(ctx, ledger); err != nil {
				return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to persist budget ledger")
			}
			e.publishThreshold(ledger, 1.0, ratio)
			e.logger.WithFields(logrus.Fields{
				"tenant_id":   ledger.TenantID,
				"spend_ratio": ratio,
				"code":        errors.CodeNoFallbackModel,
			}).Warn("Budget exhausted but tenant has no fallback model")
		}
		return nil
	}

	fromVersion := ""
	if e.configs != nil {
		if cfg, err := e.configs.Resolve(ctx, ledger.TenantID); err == nil {
			fromVersion = cfg.VersionID
		}
	}

	ledger.State = models.AutoswitchDowngraded
	downgradedAt := now
	cooldownUntil := now.Add(e.config.AutoswitchCooldown)
	ledger.DowngradedAt = &downgradedAt
	ledger.CooldownUntil = &cooldownUntil
	ledger.LastThreshold = 1.0
	ledger.UpdatedAt = now
	if err := e.store.PutLedger(ctx, ledger); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to persist budget ledger")
	}

	if e.bus != nil {
		e.bus.Publish(events.TopicBudgetAutoswitch, ledger.TenantID, &events.AutoswitchPayload{
			FromVersion: fromVersion,
			ToVersion:   fallback,
			Ledger:      ledger.Clone(),
		})
	}
	e.logger.WithFields(logrus.Fields{
		"tenant_id":    ledger.TenantID,
		"spend_ratio":  ratio,
		"from_version": fromVersion,
		"to_version":   fallback,
	}).Warn("Budget exhausted, autoswitched tenant to fallback model")
	return nil
}

// restore returns a downgraded tenant to its configured model. The ledger is
// persisted before the configuration is resolved so the resolution already
// reflects the restored state.
func (e *Enforcer) restore(ctx context.Context, ledger *models.BudgetLedger, now time.Time) error {
	fromVersion := e.fallbackVersion(ctx, ledger.TenantID)

	ledger.State = models.AutoswitchNormal
	ledger.DowngradedAt = nil
	ledger.CooldownUntil = nil
	ledger.UpdatedAt = now
	if err := e.store.PutLedger(ctx, ledger); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to persist budget ledger")
	}

	toVersion := ""
	if e.configs != nil {
		if cfg, err := e.configs.Resolve(ctx, ledger.TenantID); err == nil {
			toVersion = cfg.VersionID
		}
	}
	if e.bus != nil {
		e.bus.Publish(events.TopicBudgetAutoswitch, ledger.TenantID, &events.AutoswitchPayload{
			FromVersion: fromVersion,
			ToVersion:   toVersion,
			Ledger:      ledger.Clone(),
		})
	}
	e.logger.WithFields(logrus.Fields{
		"tenant_id":    ledger.TenantID,
		"from_version": fromVersion,
		"to_version":   toVersion,
	}).Info("Budget cooldown expired, restored tenant to configured model")
	return nil
}

// announceThresholds fires at most one alert per evaluation, for the highest
// configured threshold the spend ratio has crossed since the last alert.
func (e *Enforcer) announceThresholds(ctx context.Context, ledger *models.BudgetLedger, ratio float64) {
	crossed := 0.0
	for _, t := range e.config.AlertThresholds {
		if ratio >= t && t > ledger.LastThreshold {
			crossed = t
		}
	}
	if crossed == 0 {
		return
	}
	ledger.LastThreshold = crossed
	if err := e.store.PutLedger(ctx, ledger); err != nil {
		e.logger.WithFields(logrus.Fields{
			"tenant_id": ledger.TenantID,
			"error":     err.Error(),
		}).Error("Failed to persist threshold crossing")
		return
	}
	e.publishThreshold(ledger, crossed, ratio)
	e.logger.WithFields(logrus.Fields{
		"tenant_id":   ledger.TenantID,
		"threshold":   crossed,
		"spend_ratio": ratio,
	}).Warn("Budget threshold crossed")
}

func (e *Enforcer) publishThreshold(ledger *models.BudgetLedger, threshold, ratio float64) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.TopicBudgetThreshold, ledger.TenantID, &events.BudgetThresholdPayload{
		Threshold:  threshold,
		SpendRatio: ratio,
		Ledger:     ledger.Clone(),
	})
}

// ActiveFallback reports the fallback version a downgraded tenant should be
// served, reading the override store directly so configuration resolution
// never re-enters the enforcer. Ledgers from an earlier period report normal;
// their downgrade died with the period.
func (e *Enforcer) ActiveFallback(ctx context.Context, tenantID string) (string, bool) {
	if !e.Downgraded(ctx, tenantID) {
		return "", false
	}
	fallback := e.fallbackVersion(ctx, tenantID)
	if fallback == "" {
		return "", false
	}
	return fallback, true
}

// Downgraded reports whether the tenant's ledger is in the downgraded state
// for the current period. Missing or stale-period ledgers report false.
func (e *Enforcer) Downgraded(ctx context.Context, tenantID string) bool {
	ledger, err := e.store.GetLedger(ctx, tenantID)
	if err != nil {
		return false
	}
	period := e.periodFor(ctx, tenantID)
	if ledger.PeriodID != periodID(time.Now().UTC(), period) {
		return false
	}
	return ledger.Downgraded()
}

// fallbackVersion reads the tenant's configured fallback model, if any.
func (e *Enforcer) fallbackVersion(ctx context.Context, tenantID string) string {
	override, err := e.store.GetOverride(ctx, tenantID)
	if err != nil || override.Overlay.FallbackVersion == nil {
		return ""
	}
	return *override.Overlay.FallbackVersion
}

// Snapshot returns the tenant's ledger as of now. A ledger persisted in an
// earlier period is reported rolled over without being written back; the next
// billing sample or evaluation pass persists the reset.
func (e *Enforcer) Snapshot(ctx context.Context, tenantID string) (*models.BudgetLedger, error) {
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
	view := ledger.Clone()
	now := time.Now().UTC()
	period := e.periodFor(ctx, tenantID)
	if view.PeriodID != periodID(now, period) {
		e.rolloverLedger(view, period, now)
	}
	return view, nil
}

// SetPolicy installs or replaces a tenant's budget policy. An existing ledger
// picks the new limit up immediately; the period takes effect from the next
// sample or evaluation.
func (e *Enforcer) SetPolicy(ctx context.Context, policy *models.BudgetPolicy) error {
	if policy == nil || policy.TenantID == "" {
		return errors.NewValidationError(errors.CodeMissingField, "Budget policy requires a tenant id")
	}
	if policy.LimitUnits <= 0 {
		return errors.NewBudgetError(errors.CodeInvalidLimit,
			fmt.Sprintf("Budget limit must be positive, got %f", policy.LimitUnits)).
			WithCause(errors.ErrInvalidLimit)
	}
	if policy.Period < 0 {
		return errors.NewValidationError(errors.CodeOutOfRange, "Budget period must not be negative")
	}
	if err := e.store.PutPolicy(ctx, policy); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to persist budget policy")
	}

	ledger, err := e.store.GetLedger(ctx, policy.TenantID)
	if err == nil && ledger.LimitUnits != policy.LimitUnits {
		ledger.LimitUnits = policy.LimitUnits
		ledger.UpdatedAt = time.Now().UTC()
		if err := e.store.PutLedger(ctx, ledger); err != nil {
			return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to apply policy limit to ledger")
		}
	}

	e.logger.WithFields(logrus.Fields{
		"tenant_id":   policy.TenantID,
		"limit_units": policy.LimitUnits,
		"period":      policy.Period.String(),
	}).Info("Budget policy updated")
	return nil
}

// GetPolicy returns the tenant's budget policy.
func (e *Enforcer) GetPolicy(ctx context.Context, tenantID string) (*models.BudgetPolicy, error) {
	policy, err := e.store.GetPolicy(ctx, tenantID)
	if err != nil {
		if stderrors.Is(err, errors.ErrDataNotFound) {
			return nil, errors.NewNotFoundError(errors.ErrorTypeBudget, errors.CodeDataNotFound,
				fmt.Sprintf("No budget policy for tenant '%s'", tenantID)).
				WithContext("tenant_id", tenantID)
		}
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to load budget policy")
	}
	return policy, nil
}
