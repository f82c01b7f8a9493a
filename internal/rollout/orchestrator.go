package rollout

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/arbiterml/modelplane/internal/events"
	"github.com/arbiterml/modelplane/internal/storage/interfaces"
	"github.com/arbiterml/modelplane/pkg/constants"
	"github.com/arbiterml/modelplane/pkg/errors"
	"github.com/arbiterml/modelplane/pkg/models"
)

// Config contains rollout orchestrator settings
type Config struct {
	TickInterval time.Duration `json:"tick_interval"`
	TickJitter   time.Duration `json:"tick_jitter"`
	TickBudget   time.Duration `json:"tick_budget"`
	PhaseDwell   time.Duration `json:"phase_dwell"`
	StuckTimeout time.Duration `json:"stuck_timeout"`
}

// DefaultConfig returns the default orchestrator configuration
func DefaultConfig() *Config {
	return &Config{
		TickInterval: constants.DefaultRolloutTickInterval,
		TickJitter:   constants.DefaultRolloutTickJitter,
		TickBudget:   constants.DefaultTickBudget,
		PhaseDwell:   constants.DefaultPhaseDwell,
		StuckTimeout: constants.DefaultStuckTimeout,
	}
}

// Validate checks the orchestrator configuration
func (c *Config) Validate() error {
	if c.PhaseDwell <= 0 {
		return fmt.Errorf("phase dwell must be positive")
	}
	if c.StuckTimeout <= c.PhaseDwell {
		return fmt.Errorf("stuck timeout must exceed phase dwell")
	}
	return nil
}

// ConfigResolver is the slice of the registry the orchestrator uses: version
// validation at start, effective-config resolution on the routing path, and
// base promotion on completion.
type ConfigResolver interface {
	Resolve(ctx context.Context, tenantID string) (*models.EffectiveConfig, error)
	ResolveVersion(ctx context.Context, tenantID, versionID string) (*models.EffectiveConfig, error)
	UpdateOverride(ctx context.Context, tenantID, baseVersion string, patch models.Overlay) (*models.EffectiveConfig, error)
}

// DriftSource reports a tenant's most recent drift severity.
type DriftSource interface {
	LatestSeverity(ctx context.Context, tenantID string) (models.DriftSeverity, error)
}

// BudgetSource reports whether budget enforcement has downgraded a tenant.
type BudgetSource interface {
	Downgraded(ctx context.Context, tenantID string) bool
}

// Orchestrator drives phased rollouts through init -> 10% -> 50% -> 100% ->
// completed. Phase advancement is gated on dwell time, drift severity, and
// budget state; critical drift or a phase blocked past the stuck timeout
// aborts the rollout and returns all traffic to the old version.
type Orchestrator struct {
	config   *Config
	store    interfaces.Store
	registry ConfigResolver
	drift    DriftSource
	budget   BudgetSource
	bus      *events.Bus
	logger   *logrus.Logger
	router   *router

	mu           sync.Mutex
	locks        map[string]*sync.Mutex
	onTransition func(*models.Rollout)
}

// NewOrchestrator creates a rollout orchestrator. The drift and budget
// sources may be nil, in which case the corresponding advance gate is open.
func NewOrchestrator(config *Config, store interfaces.Store, registry ConfigResolver, drift DriftSource, budget BudgetSource, bus *events.Bus, logger *logrus.Logger) (*Orchestrator, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rollout config: %w", err)
	}
	return &Orchestrator{
		config:   config,
		store:    store,
		registry: registry,
		drift:    drift,
		budget:   budget,
		bus:      bus,
		logger:   logger,
		router:   newRouter(),
		locks:    map[string]*sync.Mutex{},
	}, nil
}

// SetTransitionHook registers a callback invoked after every phase
// transition, including aborts and completions. Used to export metrics.
func (o *Orchestrator) SetTransitionHook(fn func(*models.Rollout)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onTransition = fn
}

func (o *Orchestrator) transitionHook() func(*models.Rollout) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.onTransition
}

func (o *Orchestrator) tenantLock(tenantID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.locks[tenantID]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[tenantID] = lock
	}
	return lock
}

// Start begins a phased rollout from one version to another for a tenant.
// Both versions must resolve cleanly for the tenant, and a tenant can run at
// most one rollout at a time. The rollout starts in the init phase, which
// routes no traffic to the new version until the first evaluation advances it.
func (o *Orchestrator) Start(ctx context.Context, tenantID, fromVersion, toVersion string) (*models.Rollout, error) {
	if tenantID == "" {
		return nil, errors.NewValidationError(errors.CodeMissingField, "Tenant id is required")
	}
	if fromVersion == "" || toVersion == "" {
		return nil, errors.NewValidationError(errors.CodeMissingField, "Both rollout versions are required")
	}
	if fromVersion == toVersion {
		return nil, errors.NewValidationError(errors.CodeInvalidInput, "Rollout versions must differ")
	}

	lock := o.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	if existing, err := o.store.GetActiveRollout(ctx, tenantID); err == nil {
		return nil, errors.NewConflictError(errors.ErrorTypeRollout, errors.CodeRolloutInProgress,
			fmt.Sprintf("Tenant %s already has rollout %s in phase %s", tenantID, existing.ID, existing.Phase)).
			WithCause(errors.ErrRolloutInProgress)
	} else if !stderrors.Is(err, errors.ErrDataNotFound) {
		return nil, err
	}

	if _, err := o.registry.ResolveVersion(ctx, tenantID, fromVersion); err != nil {
		return nil, err
	}
	if _, err := o.registry.ResolveVersion(ctx, tenantID, toVersion); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rollout := &models.Rollout{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		FromVersion:    fromVersion,
		ToVersion:      toVersion,
		Phase:          models.RolloutPhaseInit,
		RoutingSalt:    uuid.NewString(),
		StartedAt:      now,
		PhaseStartedAt: now,
	}
	rollout.RecordTransition(now)
	if err := o.store.PutRollout(ctx, rollout); err != nil {
		return nil, err
	}
	o.router.install(rollout)

	o.logger.WithFields(logrus.Fields{
		"rollout_id":   rollout.ID,
		"tenant_id":    tenantID,
		"from_version": fromVersion,
		"to_version":   toVersion,
	}).Info("Rollout started")

	if hook := o.transitionHook(); hook != nil {
		hook(rollout.Clone())
	}
	return rollout.Clone(), nil
}

// Route decides which version serves a request. With no rollout in play the
// tenant's resolved config decides and the bucket is -1. During a rollout the
// request key hashes to a stable bucket and buckets below the phase
// percentage go to the new version. A budget downgrade outranks the rollout:
// the fallback version serves while rollout bookkeeping continues.
func (o *Orchestrator) Route(ctx context.Context, req *models.InferenceRequest) (*models.RouteDecision, error) {
	if req == nil || req.TenantID == "" {
		return nil, errors.NewValidationError(errors.CodeMissingField, "Tenant id is required")
	}
	if req.RequestKey == "" {
		return nil, errors.NewValidationError(errors.CodeMissingField, "Request key is required")
	}

	cfg, err := o.registry.Resolve(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	decision, ok := o.router.route(req.TenantID, req.RequestKey, now)
	if !ok {
		return &models.RouteDecision{
			TenantID:   req.TenantID,
			RequestKey: req.RequestKey,
			VersionID:  cfg.VersionID,
			Bucket:     -1,
			Config:     cfg,
			DecidedAt:  now,
		}, nil
	}
	if cfg.Downgraded || decision.VersionID == cfg.VersionID {
		decision.VersionID = cfg.VersionID
		decision.Config = cfg
		return &decision, nil
	}
	pinned, err := o.registry.ResolveVersion(ctx, req.TenantID, decision.VersionID)
	if err != nil {
		return nil, err
	}
	decision.Config = pinned
	return &decision, nil
}

// Get returns the tenant's active rollout.
func (o *Orchestrator) Get(ctx context.Context, tenantID string) (*models.Rollout, error) {
	rollout, err := o.store.GetActiveRollout(ctx, tenantID)
	if err != nil {
		if stderrors.Is(err, errors.ErrDataNotFound) {
			return nil, noActiveRollout(tenantID)
		}
		return nil, err
	}
	return rollout, nil
}

// List returns the tenant's rollout history, oldest first. An empty tenant
// id lists every tenant's rollouts.
func (o *Orchestrator) List(ctx context.Context, tenantID string) ([]*models.Rollout, error) {
	return o.store.ListRollouts(ctx, tenantID)
}

// Abort stops the tenant's active rollout and returns all routing to the old
// version. The routing table is updated before this call returns, so no route
// issued afterwards can see the new version.
func (o *Orchestrator) Abort(ctx context.Context, tenantID, reason string) (*models.Rollout, error) {
	if tenantID == "" {
		return nil, errors.NewValidationError(errors.CodeMissingField, "Tenant id is required")
	}
	if reason == "" {
		reason = "aborted by operator"
	}

	lock := o.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	rollout, err := o.store.GetActiveRollout(ctx, tenantID)
	if err != nil {
		if stderrors.Is(err, errors.ErrDataNotFound) {
			return nil, noActiveRollout(tenantID)
		}
		return nil, err
	}
	if err := o.abortLocked(ctx, rollout, reason); err != nil {
		return nil, err
	}
	return rollout.Clone(), nil
}

// abortLocked flips the rollout to aborted. The routing entry is removed
// before the store write, so every route issued after the swap resolves to
// the tenant's base version, which a never-completed rollout left at
// fromVersion. If persistence fails the table already routes the safe
// direction.
func (o *Orchestrator) abortLocked(ctx context.Context, rollout *models.Rollout, reason string) error {
	now := time.Now().UTC()
	rollout.Phase = models.RolloutPhaseAborted
	rollout.AbortReason = reason
	rollout.CompletedAt = &now
	rollout.RecordTransition(now)
	o.router.remove(rollout.TenantID)

	if err := o.store.PutRollout(ctx, rollout); err != nil {
		return err
	}
	o.bus.Publish(events.TopicRolloutAborted, rollout.TenantID, events.RolloutPayload{Rollout: rollout.Clone(), Reason: reason})
	o.logger.WithFields(logrus.Fields{
		"rollout_id": rollout.ID,
		"tenant_id":  rollout.TenantID,
		"reason":     reason,
	}).Warn("Rollout aborted")

	if hook := o.transitionHook(); hook != nil {
		hook(rollout.Clone())
	}
	return nil
}

// Evaluate advances, holds, or aborts every active rollout. Called on the
// orchestrator tick.
func (o *Orchestrator) Evaluate(ctx context.Context) error {
	var firstErr error
	for _, tenantID := range o.router.activeTenants() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.evaluateTenant(ctx, tenantID); err != nil {
			o.logger.WithError(err).WithField("tenant_id", tenantID).Error("Rollout evaluation failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (o *Orchestrator) evaluateTenant(ctx context.Context, tenantID string) error {
	lock := o.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	rollout, err := o.store.GetActiveRollout(ctx, tenantID)
	if err != nil {
		if stderrors.Is(err, errors.ErrDataNotFound) {
			// The store no longer has an active rollout for this entry, so
			// the entry is stale. Drop it and let registry resolution route.
			o.router.remove(tenantID)
			return nil
		}
		return err
	}
	now := time.Now().UTC()

	severity := models.DriftSeverityNone
	severityKnown := true
	if o.drift != nil {
		severity, err = o.drift.LatestSeverity(ctx, tenantID)
		if err != nil {
			severityKnown = false
			o.logger.WithError(err).WithField("tenant_id", tenantID).Warn("Drift severity unavailable, holding rollout")
		}
	}
	if severityKnown && severity.AtLeast(models.DriftSeverityCritical) {
		return o.abortLocked(ctx, rollout, fmt.Sprintf("drift severity %s during %s", severity, rollout.Phase))
	}

	downgraded := o.budget != nil && o.budget.Downgraded(ctx, tenantID)
	dwellDone := now.Sub(rollout.PhaseStartedAt) >= o.config.PhaseDwell
	driftOK := severityKnown && !severity.AtLeast(models.DriftSeverityHigh)

	if dwellDone && driftOK && !downgraded {
		return o.advanceLocked(ctx, rollout, now)
	}
	if now.Sub(rollout.PhaseStartedAt) > o.config.StuckTimeout {
		return o.abortLocked(ctx, rollout, blockedReason(severity, severityKnown, downgraded))
	}
	return nil
}

func blockedReason(severity models.DriftSeverity, severityKnown, downgraded bool) string {
	causes := []string{}
	if !severityKnown {
		causes = append(causes, "drift severity unavailable")
	} else if severity.AtLeast(models.DriftSeverityHigh) {
		causes = append(causes, fmt.Sprintf("drift severity %s", severity))
	}
	if downgraded {
		causes = append(causes, "budget downgraded")
	}
	if len(causes) == 0 {
		causes = append(causes, "phase dwell never satisfied")
	}
	return "blocked past stuck timeout: " + strings.Join(causes, ", ")
}

// advanceLocked moves the rollout to its next phase. Completion promotes the
// new version to the tenant's base before the rollout is marked completed, so
// a failed promotion leaves the rollout at full traffic and retried on the
// next tick.
func (o *Orchestrator) advanceLocked(ctx context.Context, rollout *models.Rollout, now time.Time) error {
	next, ok := rollout.Phase.Next()
	if !ok {
		return nil
	}

	if next == models.RolloutPhaseCompleted {
		if _, err := o.registry.UpdateOverride(ctx, rollout.TenantID, rollout.ToVersion, models.Overlay{}); err != nil {
			return err
		}
		rollout.Phase = next
		rollout.PhaseStartedAt = now
		rollout.CompletedAt = &now
		rollout.RecordTransition(now)
		if err := o.store.PutRollout(ctx, rollout); err != nil {
			return err
		}
		// The base now points at the new version, so resolution takes over.
		o.router.remove(rollout.TenantID)
		o.bus.Publish(events.TopicRolloutCompleted, rollout.TenantID, events.RolloutPayload{Rollout: rollout.Clone()})
		o.logger.WithFields(logrus.Fields{
			"rollout_id": rollout.ID,
			"tenant_id":  rollout.TenantID,
			"to_version": rollout.ToVersion,
		}).Info("Rollout completed")

		if hook := o.transitionHook(); hook != nil {
			hook(rollout.Clone())
		}
		return nil
	}

	rollout.Phase = next
	rollout.PhaseStartedAt = now
	rollout.RecordTransition(now)
	if err := o.store.PutRollout(ctx, rollout); err != nil {
		return err
	}
	o.router.install(rollout)
	o.logger.WithFields(logrus.Fields{
		"rollout_id": rollout.ID,
		"tenant_id":  rollout.TenantID,
		"phase":      rollout.Phase,
	}).Info("Rollout advanced")

	if hook := o.transitionHook(); hook != nil {
		hook(rollout.Clone())
	}
	return nil
}

// DriftAlert implements the drift monitor's alert sink. A critical result
// aborts the tenant's rollout in the same sweep that scored it, without
// waiting for the next evaluation tick. Tenants without an active rollout
// are ignored.
func (o *Orchestrator) DriftAlert(ctx context.Context, result *models.DriftCheckResult) error {
	if result == nil || !result.Severity.AtLeast(models.DriftSeverityCritical) {
		return nil
	}
	reason := fmt.Sprintf("drift severity %s on label %s", result.Severity, result.Label)
	if _, err := o.Abort(ctx, result.TenantID, reason); err != nil {
		if stderrors.Is(err, errors.ErrRolloutNotFound) {
			return nil
		}
		return err
	}
	return nil
}

// Resume rebuilds the routing table from persisted rollouts. Called once at
// startup, before serving routes. Terminal rollouts are not restored; their
// tenants route by registry resolution alone.
func (o *Orchestrator) Resume(ctx context.Context) error {
	rollouts, err := o.store.ListRollouts(ctx, "")
	if err != nil {
		return err
	}
	restored := 0
	for _, rollout := range rollouts {
		if rollout.Phase.Terminal() {
			continue
		}
		o.router.install(rollout)
		restored++
	}
	if restored > 0 {
		o.logger.WithField("count", restored).Info("Resumed active rollouts")
	}
	return nil
}

func noActiveRollout(tenantID string) *errors.AppError {
	return errors.NewNotFoundError(errors.ErrorTypeRollout, errors.CodeRolloutNotFound,
		fmt.Sprintf("No active rollout for tenant %s", tenantID)).
		WithCause(errors.ErrRolloutNotFound)
}
