package interfaces

import (
	"context"

	"github.com/arbiterml/modelplane/pkg/models"
)

// VersionStore persists published model versions. Versions are append-only;
// the only permitted mutation is flipping the Active flag.
type VersionStore interface {
	// CreateVersion stores a new version and fails with ErrDuplicateVersion
	// if the id already exists.
	CreateVersion(ctx context.Context, version *models.ModelVersion) error
	// UpdateVersion replaces a stored version (used for deactivation only).
	UpdateVersion(ctx context.Context, version *models.ModelVersion) error
	GetVersion(ctx context.Context, id string) (*models.ModelVersion, error)
	ListVersions(ctx context.Context) ([]*models.ModelVersion, error)
}

// OverrideStore persists per-tenant override documents, snapshot included.
type OverrideStore interface {
	PutOverride(ctx context.Context, override *models.TenantOverride) error
	GetOverride(ctx context.Context, tenantID string) (*models.TenantOverride, error)
	ListOverrides(ctx context.Context) ([]*models.TenantOverride, error)
}

// RolloutStore persists rollout state. Writes are atomic single-record
// upserts keyed by rollout id.
type RolloutStore interface {
	PutRollout(ctx context.Context, rollout *models.Rollout) error
	GetRollout(ctx context.Context, id string) (*models.Rollout, error)
	// GetActiveRollout returns the tenant's non-terminal rollout, or
	// ErrDataNotFound when none is in flight.
	GetActiveRollout(ctx context.Context, tenantID string) (*models.Rollout, error)
	// ListRollouts returns a tenant's rollouts; an empty tenant id lists
	// every tenant's rollouts.
	ListRollouts(ctx context.Context, tenantID string) ([]*models.Rollout, error)
}

// LedgerStore persists budget ledgers and spending policies. Ledger writes
// are atomic single-record upserts keyed by tenant id.
type LedgerStore interface {
	PutLedger(ctx context.Context, ledger *models.BudgetLedger) error
	GetLedger(ctx context.Context, tenantID string) (*models.BudgetLedger, error)
	ListLedgers(ctx context.Context) ([]*models.BudgetLedger, error)
	PutPolicy(ctx context.Context, policy *models.BudgetPolicy) error
	GetPolicy(ctx context.Context, tenantID string) (*models.BudgetPolicy, error)
}

// DriftStore persists drift check results (append-only) and the baseline
// histograms they are scored against.
type DriftStore interface {
	AppendDriftResult(ctx context.Context, result *models.DriftCheckResult) error
	// LatestDriftResult returns the most recent result for the tenant across
	// all label streams.
	LatestDriftResult(ctx context.Context, tenantID string) (*models.DriftCheckResult, error)
	// LatestDriftResults returns the most recent result per (label, language).
	LatestDriftResults(ctx context.Context, tenantID string) ([]*models.DriftCheckResult, error)
	DriftHistory(ctx context.Context, tenantID, label string, limit int) ([]*models.DriftCheckResult, error)
	PutBaseline(ctx context.Context, tenantID, label, language string, baseline models.Histogram) error
	GetBaseline(ctx context.Context, tenantID, label, language string) (models.Histogram, error)
}

// ExperimentStore persists shadow and interleaved experiments.
type ExperimentStore interface {
	// CreateExperiment stores a new experiment and fails if the id exists.
	CreateExperiment(ctx context.Context, experiment *models.Experiment) error
	PutExperiment(ctx context.Context, experiment *models.Experiment) error
	GetExperiment(ctx context.Context, id string) (*models.Experiment, error)
	// GetActiveExperiment returns the running experiment for a tenant and
	// label, or ErrDataNotFound when none is running.
	GetActiveExperiment(ctx context.Context, tenantID, label string) (*models.Experiment, error)
	// ListExperiments returns a tenant's experiments; an empty tenant id
	// lists every tenant's experiments.
	ListExperiments(ctx context.Context, tenantID string) ([]*models.Experiment, error)
}

// Store is the composite persistence surface the control plane runs on.
type Store interface {
	VersionStore
	OverrideStore
	RolloutStore
	LedgerStore
	DriftStore
	ExperimentStore

	Connect(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
