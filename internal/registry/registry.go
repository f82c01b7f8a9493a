package registry

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arbiterml/modelplane/internal/storage/interfaces"
	"github.com/arbiterml/modelplane/pkg/constants"
	"github.com/arbiterml/modelplane/pkg/errors"
	"github.com/arbiterml/modelplane/pkg/models"
)

// Config contains model registry settings
type Config struct {
	CacheTTL  time.Duration `json:"cache_ttl"`
	CacheSize int           `json:"cache_size"`
}

// DefaultConfig returns the default registry configuration
func DefaultConfig() *Config {
	return &Config{
		CacheTTL:  constants.DefaultResolveCacheTTL,
		CacheSize: constants.DefaultResolveCacheSize,
	}
}

// AutoswitchSource reports whether budget enforcement currently pins a tenant
// to its fallback version. It is consulted on every resolve, after the cache,
// so an engaged downgrade takes effect without waiting for cache expiry.
type AutoswitchSource interface {
	ActiveFallback(ctx context.Context, tenantID string) (versionID string, downgraded bool)
}

// Registry is the canonical store of model versions and tenant overrides.
// Every override mutation goes through its validated update path; resolution
// is cached with a short TTL and invalidated synchronously on writes.
type Registry struct {
	config *Config
	store  interfaces.Store
	cache  *resolveCache
	logger *logrus.Logger

	mu         sync.RWMutex
	autoswitch AutoswitchSource
	locks      map[string]*sync.Mutex
}

// NewRegistry creates a model registry backed by the given store.
func NewRegistry(config *Config, store interfaces.Store, logger *logrus.Logger) (*Registry, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if store == nil {
		return nil, errors.NewValidationError(errors.CodeMissingField, "Store is required")
	}
	if logger == nil {
		logger = logrus.New()
	}

	cache, err := newResolveCache(config.CacheSize, config.CacheTTL)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeConfiguration, errors.CodeInvalidInput, "Invalid resolve cache size")
	}

	return &Registry{
		config: config,
		store:  store,
		cache:  cache,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// SetAutoswitchSource wires the budget enforcer in after construction.
func (r *Registry) SetAutoswitchSource(src AutoswitchSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.autoswitch = src
}

func (r *Registry) autoswitchSource() AutoswitchSource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.autoswitch
}

// tenantLock serializes override mutations per tenant.
func (r *Registry) tenantLock(tenantID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[tenantID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[tenantID] = lock
	}
	return lock
}

// Publish registers a new model version. Versions are append-only: an
// existing id is rejected, never overwritten. Published versions start
// active.
func (r *Registry) Publish(ctx context.Context, version *models.ModelVersion) error {
	if version == nil {
		return errors.NewValidationError(errors.CodeMissingField, "Model version is required")
	}

	ve := errors.NewValidationErrors()
	if version.ID == "" {
		ve.Add("id", errors.CodeMissingField, "is required", nil)
	}
	if version.Provider == "" {
		ve.Add("provider", errors.CodeMissingField, "is required", nil)
	}
	if version.CostPerRequest < 0 {
		ve.Add("cost_per_request", errors.CodeOutOfRange, "must be non-negative", version.CostPerRequest)
	}
	if version.Guardrails.MinFairnessScore < 0 || version.Guardrails.MinFairnessScore > 1 {
		ve.Add("guardrails.min_fairness_score", errors.CodeOutOfRange, "must be in [0, 1]", version.Guardrails.MinFairnessScore)
	}
	if version.Guardrails.MinPrivacyRedactionRate < 0 || version.Guardrails.MinPrivacyRedactionRate > 1 {
		ve.Add("guardrails.min_privacy_redaction_rate", errors.CodeOutOfRange, "must be in [0, 1]", version.Guardrails.MinPrivacyRedactionRate)
	}
	if version.Guardrails.MaxCostPerRequest <= 0 {
		ve.Add("guardrails.max_cost_per_request", errors.CodeOutOfRange, "must be positive", version.Guardrails.MaxCostPerRequest)
	}
	if version.Guardrails.MaxCostPerRequest > 0 && version.CostPerRequest > version.Guardrails.MaxCostPerRequest {
		ve.Add("cost_per_request", errors.CodeGuardrailViolation, "exceeds the version's own cost cap", version.CostPerRequest)
	}
	if ve.HasErrors() {
		return validationError(errors.CodeInvalidInput, "Invalid model version", ve, ve)
	}

	if version.CreatedAt.IsZero() {
		version.CreatedAt = time.Now().UTC()
	}
	version.Active = true

	if err := r.store.CreateVersion(ctx, version); err != nil {
		if stderrors.Is(err, errors.ErrDuplicateVersion) {
			return errors.NewConflictError(errors.ErrorTypeRegistry, errors.CodeDuplicateVersion, "Model version already exists").
				WithCause(errors.ErrDuplicateVersion).
				WithContext("version_id", version.ID)
		}
		return err
	}

	r.logger.WithFields(logrus.Fields{
		"version_id": version.ID,
		"provider":   version.Provider,
	}).Info("Published model version")

	return nil
}

// GetVersion returns one published version by id.
func (r *Registry) GetVersion(ctx context.Context, versionID string) (*models.ModelVersion, error) {
	version, err := r.store.GetVersion(ctx, versionID)
	if err != nil {
		if stderrors.Is(err, errors.ErrDataNotFound) {
			return nil, unknownVersion(versionID)
		}
		return nil, err
	}
	return version, nil
}

// ListVersions returns all published versions.
func (r *Registry) ListVersions(ctx context.Context) ([]*models.ModelVersion, error) {
	return r.store.ListVersions(ctx)
}

// Promote reactivates a version so it can serve traffic again.
func (r *Registry) Promote(ctx context.Context, versionID string) (*models.ModelVersion, error) {
	version, err := r.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if version.Active {
		return version, nil
	}

	version.Active = true
	if err := r.store.UpdateVersion(ctx, version); err != nil {
		return nil, err
	}

	r.logger.WithField("version_id", versionID).Info("Promoted model version")
	return version, nil
}

// Deactivate retires a version. The call is refused while any tenant still
// references the version as base or fallback, or while an active rollout
// involves it.
func (r *Registry) Deactivate(ctx context.Context, versionID string) (*models.ModelVersion, error) {
	version, err := r.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if !version.Active {
		return version, nil
	}

	overrides, err := r.store.ListOverrides(ctx)
	if err != nil {
		return nil, err
	}
	for _, override := range overrides {
		if override.BaseVersion == versionID {
			return nil, versionInUse(versionID, "referenced as base by tenant "+override.TenantID)
		}
		if override.Overlay.FallbackVersion != nil && *override.Overlay.FallbackVersion == versionID {
			return nil, versionInUse(versionID, "referenced as fallback by tenant "+override.TenantID)
		}
	}
	for _, override := range overrides {
		rollout, err := r.store.GetActiveRollout(ctx, override.TenantID)
		if err != nil {
			if stderrors.Is(err, errors.ErrDataNotFound) {
				continue
			}
			return nil, err
		}
		if rollout.FromVersion == versionID || rollout.ToVersion == versionID {
			return nil, versionInUse(versionID, "part of an active rollout for tenant "+override.TenantID)
		}
	}

	version.Active = false
	if err := r.store.UpdateVersion(ctx, version); err != nil {
		return nil, err
	}

	// Cached fallback resolutions may still reference the retired version.
	r.cache.purge()

	r.logger.WithField("version_id", versionID).Info("Deactivated model version")
	return version, nil
}

// GetOverride returns the tenant's current override document.
func (r *Registry) GetOverride(ctx context.Context, tenantID string) (*models.TenantOverride, error) {
	override, err := r.store.GetOverride(ctx, tenantID)
	if err != nil {
		if stderrors.Is(err, errors.ErrDataNotFound) {
			return nil, tenantNotFound(tenantID)
		}
		return nil, err
	}
	return override, nil
}

// ListOverrides returns every tenant override document.
func (r *Registry) ListOverrides(ctx context.Context) ([]*models.TenantOverride, error) {
	return r.store.ListOverrides(ctx)
}

// UpdateOverride applies a partial overlay on top of the tenant's current
// override. The previous override is kept as the rollback snapshot, and the
// resulting merged configuration is validated before anything is persisted;
// a violating update leaves the stored override untouched. baseVersion may be
// empty to keep the current base.
func (r *Registry) UpdateOverride(ctx context.Context, tenantID, baseVersion string, patch models.Overlay) (*models.EffectiveConfig, error) {
	if tenantID == "" {
		return nil, errors.NewValidationError(errors.CodeMissingField, "Tenant id is required")
	}

	lock := r.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	current, err := r.store.GetOverride(ctx, tenantID)
	if err != nil && !stderrors.Is(err, errors.ErrDataNotFound) {
		return nil, err
	}

	newBase := baseVersion
	if newBase == "" && current != nil {
		newBase = current.BaseVersion
	}
	if newBase == "" {
		return nil, errors.NewValidationError(errors.CodeMissingField, "Base version is required for a tenant's first override")
	}

	version, err := r.activeVersion(ctx, newBase)
	if err != nil {
		return nil, err
	}

	merged := models.Overlay{}
	if current != nil {
		merged = current.Overlay.Clone()
	}
	applyPatch(&merged, patch)

	if merged.FallbackVersion != nil && *merged.FallbackVersion != "" {
		if _, err := r.activeVersion(ctx, *merged.FallbackVersion); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	cfg := mergeEffective(tenantID, version, merged, now)
	if ve := validateEffective(cfg, version); ve != nil {
		return nil, guardrailError(ve)
	}

	snapshot := current.Clone()
	if snapshot != nil {
		snapshot.Snapshot = nil // one-step undo only
	}

	next := &models.TenantOverride{
		TenantID:    tenantID,
		BaseVersion: newBase,
		Overlay:     merged,
		Snapshot:    snapshot,
		UpdatedAt:   now,
	}
	if err := r.store.PutOverride(ctx, next); err != nil {
		return nil, err
	}

	r.cache.invalidateTenant(tenantID)

	r.logger.WithFields(logrus.Fields{
		"tenant_id":    tenantID,
		"base_version": newBase,
	}).Info("Updated tenant override")

	return cfg, nil
}

// Rollback restores the tenant's most recent override snapshot.
func (r *Registry) Rollback(ctx context.Context, tenantID string) (*models.EffectiveConfig, error) {
	lock := r.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	current, err := r.store.GetOverride(ctx, tenantID)
	if err != nil {
		if stderrors.Is(err, errors.ErrDataNotFound) {
			return nil, tenantNotFound(tenantID)
		}
		return nil, err
	}
	if current.Snapshot == nil {
		return nil, errors.NewConflictError(errors.ErrorTypeRegistry, errors.CodeNoSnapshot, "No rollback snapshot available").
			WithCause(errors.ErrNoSnapshot).
			WithContext("tenant_id", tenantID)
	}

	restored := current.Snapshot.Clone()
	restored.UpdatedAt = time.Now().UTC()

	version, err := r.activeVersion(ctx, restored.BaseVersion)
	if err != nil {
		return nil, err
	}
	cfg := mergeEffective(tenantID, version, restored.Overlay, restored.UpdatedAt)
	if ve := validateEffective(cfg, version); ve != nil {
		return nil, guardrailError(ve)
	}

	if err := r.store.PutOverride(ctx, restored); err != nil {
		return nil, err
	}

	r.cache.invalidateTenant(tenantID)

	r.logger.WithFields(logrus.Fields{
		"tenant_id":    tenantID,
		"base_version": restored.BaseVersion,
	}).Info("Rolled back tenant override")

	return cfg, nil
}

// Resolve returns the tenant's effective configuration: the cached merge of
// platform defaults, base version and overlay, with any engaged budget
// autoswitch applied on top. The result is never partially valid; guardrail
// violations fail the resolve.
func (r *Registry) Resolve(ctx context.Context, tenantID string) (*models.EffectiveConfig, error) {
	base, err := r.resolveCached(ctx, tenantKey(tenantID), tenantID, "")
	if err != nil {
		return nil, err
	}

	src := r.autoswitchSource()
	if src == nil {
		return base, nil
	}
	fallback, downgraded := src.ActiveFallback(ctx, tenantID)
	if !downgraded || fallback == "" || fallback == base.VersionID {
		return base, nil
	}

	cfg, err := r.ResolveVersion(ctx, tenantID, fallback)
	if err != nil {
		r.logger.WithFields(logrus.Fields{
			"tenant_id":        tenantID,
			"fallback_version": fallback,
			"error":            err.Error(),
		}).Warn("Autoswitch fallback failed to resolve, serving base configuration")
		return base, nil
	}
	cfg.Downgraded = true
	return cfg, nil
}

// ResolveVersion resolves the tenant's overlay against an explicit version
// instead of the override's base. Used for rollout candidates and autoswitch
// fallbacks.
func (r *Registry) ResolveVersion(ctx context.Context, tenantID, versionID string) (*models.EffectiveConfig, error) {
	return r.resolveCached(ctx, versionKey(tenantID, versionID), tenantID, versionID)
}

// resolveCached performs one cache-or-merge resolution. An empty versionID
// resolves against the override's base version.
func (r *Registry) resolveCached(ctx context.Context, key, tenantID, versionID string) (*models.EffectiveConfig, error) {
	if cfg, ok := r.cache.get(key); ok {
		return cfg.Clone(), nil
	}

	override, err := r.store.GetOverride(ctx, tenantID)
	if err != nil {
		if stderrors.Is(err, errors.ErrDataNotFound) {
			return nil, tenantNotFound(tenantID)
		}
		return nil, err
	}

	target := versionID
	if target == "" {
		target = override.BaseVersion
	}
	version, err := r.activeVersion(ctx, target)
	if err != nil {
		return nil, err
	}

	cfg := mergeEffective(tenantID, version, override.Overlay, time.Now().UTC())
	if ve := validateEffective(cfg, version); ve != nil {
		return nil, guardrailError(ve)
	}

	r.cache.put(key, cfg)
	return cfg.Clone(), nil
}

// CacheStats exposes resolve cache counters for metrics collection.
func (r *Registry) CacheStats() (hits, misses uint64, size int) {
	return r.cache.stats()
}

// activeVersion fetches a version and fails closed when it is missing or
// retired.
func (r *Registry) activeVersion(ctx context.Context, versionID string) (*models.ModelVersion, error) {
	version, err := r.store.GetVersion(ctx, versionID)
	if err != nil {
		if stderrors.Is(err, errors.ErrDataNotFound) {
			return nil, unknownVersion(versionID)
		}
		return nil, err
	}
	if !version.Active {
		return nil, errors.NewConflictError(errors.ErrorTypeRegistry, errors.CodeVersionInactive, "Model version is not active").
			WithCause(errors.ErrVersionInactive).
			WithContext("version_id", versionID)
	}
	return version, nil
}

func unknownVersion(versionID string) *errors.AppError {
	return errors.NewRegistryError(errors.CodeUnknownVersion, "Model version not found").
		WithCause(errors.ErrUnknownVersion).
		WithContext("version_id", versionID)
}

func tenantNotFound(tenantID string) *errors.AppError {
	return errors.NewRegistryError(errors.CodeTenantNotFound, "Tenant has no override document").
		WithCause(errors.ErrTenantNotFound).
		WithContext("tenant_id", tenantID)
}

func versionInUse(versionID, detail string) *errors.AppError {
	return errors.NewConflictError(errors.ErrorTypeRegistry, errors.CodeVersionInUse, "Model version is still in use").
		WithDetails(detail).
		WithContext("version_id", versionID)
}

// applyPatch copies the patch's present fields onto the stored overlay. An
// explicit empty fallback version clears the field.
func applyPatch(overlay *models.Overlay, patch models.Overlay) {
	if patch.FairnessThreshold != nil {
		v := *patch.FairnessThreshold
		overlay.FairnessThreshold = &v
	}
	if patch.PrivacyRedactionRate != nil {
		v := *patch.PrivacyRedactionRate
		overlay.PrivacyRedactionRate = &v
	}
	if patch.CostCapPerRequest != nil {
		v := *patch.CostCapPerRequest
		overlay.CostCapPerRequest = &v
	}
	if patch.ScoreWeights != nil {
		overlay.ScoreWeights = copyWeights(patch.ScoreWeights)
	}
	if patch.FallbackVersion != nil {
		if *patch.FallbackVersion == "" {
			overlay.FallbackVersion = nil
		} else {
			v := *patch.FallbackVersion
			overlay.FallbackVersion = &v
		}
	}
}
