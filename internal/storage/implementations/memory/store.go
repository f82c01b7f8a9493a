package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/arbiterml/modelplane/pkg/errors"
	"github.com/arbiterml/modelplane/pkg/models"
)

// Store is the in-memory storage backend. It is the default for development
// and the backend the test suites run on. All reads and writes deep-copy so
// callers never share mutable state with the store.
type Store struct {
	mu          sync.RWMutex
	versions    map[string]*models.ModelVersion
	overrides   map[string]*models.TenantOverride
	rollouts    map[string]*models.Rollout
	byTenant    map[string][]string
	ledgers     map[string]*models.BudgetLedger
	policies    map[string]*models.BudgetPolicy
	drift       map[string][]*models.DriftCheckResult
	baselines   map[string]models.Histogram
	experiments map[string]*models.Experiment
	logger      *logrus.Logger
}

// NewStore creates an empty in-memory store.
func NewStore(logger *logrus.Logger) *Store {
	if logger == nil {
		logger = logrus.New()
	}
	return &Store{
		versions:    make(map[string]*models.ModelVersion),
		overrides:   make(map[string]*models.TenantOverride),
		rollouts:    make(map[string]*models.Rollout),
		byTenant:    make(map[string][]string),
		ledgers:     make(map[string]*models.BudgetLedger),
		policies:    make(map[string]*models.BudgetPolicy),
		drift:       make(map[string][]*models.DriftCheckResult),
		baselines:   make(map[string]models.Histogram),
		experiments: make(map[string]*models.Experiment),
		logger:      logger,
	}
}

// Connect is a no-op for the in-memory backend.
func (s *Store) Connect(ctx context.Context) error {
	s.logger.Debug("In-memory store ready")
	return nil
}

// Ping is a no-op for the in-memory backend.
func (s *Store) Ping(ctx context.Context) error { return nil }

// Close drops all stored state.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions = make(map[string]*models.ModelVersion)
	s.overrides = make(map[string]*models.TenantOverride)
	s.rollouts = make(map[string]*models.Rollout)
	s.byTenant = make(map[string][]string)
	s.ledgers = make(map[string]*models.BudgetLedger)
	s.policies = make(map[string]*models.BudgetPolicy)
	s.drift = make(map[string][]*models.DriftCheckResult)
	s.baselines = make(map[string]models.Histogram)
	s.experiments = make(map[string]*models.Experiment)
	return nil
}

// CreateVersion stores a new model version.
func (s *Store) CreateVersion(ctx context.Context, version *models.ModelVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.versions[version.ID]; exists {
		return errors.ErrDuplicateVersion
	}
	v := *version
	s.versions[version.ID] = &v
	return nil
}

// UpdateVersion replaces a stored model version.
func (s *Store) UpdateVersion(ctx context.Context, version *models.ModelVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.versions[version.ID]; !exists {
		return errors.ErrDataNotFound
	}
	v := *version
	s.versions[version.ID] = &v
	return nil
}

// GetVersion returns a model version by id.
func (s *Store) GetVersion(ctx context.Context, id string) (*models.ModelVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.versions[id]
	if !ok {
		return nil, errors.ErrDataNotFound
	}
	out := *v
	return &out, nil
}

// ListVersions returns all stored versions.
func (s *Store) ListVersions(ctx context.Context) ([]*models.ModelVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.ModelVersion, 0, len(s.versions))
	for _, v := range s.versions {
		c := *v
		out = append(out, &c)
	}
	return out, nil
}

// PutOverride upserts a tenant override.
func (s *Store) PutOverride(ctx context.Context, override *models.TenantOverride) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[override.TenantID] = override.Clone()
	return nil
}

// GetOverride returns the override for a tenant.
func (s *Store) GetOverride(ctx context.Context, tenantID string) (*models.TenantOverride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.overrides[tenantID]
	if !ok {
		return nil, errors.ErrDataNotFound
	}
	return o.Clone(), nil
}

// ListOverrides returns every stored tenant override.
func (s *Store) ListOverrides(ctx context.Context) ([]*models.TenantOverride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.TenantOverride, 0, len(s.overrides))
	for _, o := range s.overrides {
		out = append(out, o.Clone())
	}
	return out, nil
}

// PutRollout upserts a rollout by id.
func (s *Store) PutRollout(ctx context.Context, rollout *models.Rollout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rollouts[rollout.ID]; !exists {
		s.byTenant[rollout.TenantID] = append(s.byTenant[rollout.TenantID], rollout.ID)
	}
	s.rollouts[rollout.ID] = rollout.Clone()
	return nil
}

// GetRollout returns a rollout by id.
func (s *Store) GetRollout(ctx context.Context, id string) (*models.Rollout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rollouts[id]
	if !ok {
		return nil, errors.ErrDataNotFound
	}
	return r.Clone(), nil
}

// GetActiveRollout returns the tenant's non-terminal rollout.
func (s *Store) GetActiveRollout(ctx context.Context, tenantID string) (*models.Rollout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byTenant[tenantID]
	for i := len(ids) - 1; i >= 0; i-- {
		if r := s.rollouts[ids[i]]; r != nil && !r.Phase.Terminal() {
			return r.Clone(), nil
		}
	}
	return nil, errors.ErrDataNotFound
}

// ListRollouts returns the tenant's rollouts, oldest first. An empty tenant
// id lists every tenant's rollouts.
func (s *Store) ListRollouts(ctx context.Context, tenantID string) ([]*models.Rollout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if tenantID == "" {
		out := make([]*models.Rollout, 0, len(s.rollouts))
		for _, r := range s.rollouts {
			out = append(out, r.Clone())
		}
		sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
		return out, nil
	}
	ids := s.byTenant[tenantID]
	out := make([]*models.Rollout, 0, len(ids))
	for _, id := range ids {
		if r := s.rollouts[id]; r != nil {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

// PutLedger upserts the tenant's budget ledger.
func (s *Store) PutLedger(ctx context.Context, ledger *models.BudgetLedger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledgers[ledger.TenantID] = ledger.Clone()
	return nil
}

// GetLedger returns the tenant's budget ledger.
func (s *Store) GetLedger(ctx context.Context, tenantID string) (*models.BudgetLedger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.ledgers[tenantID]
	if !ok {
		return nil, errors.ErrDataNotFound
	}
	return l.Clone(), nil
}

// ListLedgers returns every stored ledger.
func (s *Store) ListLedgers(ctx context.Context) ([]*models.BudgetLedger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.BudgetLedger, 0, len(s.ledgers))
	for _, l := range s.ledgers {
		out = append(out, l.Clone())
	}
	return out, nil
}

// PutPolicy upserts a tenant's budget policy.
func (s *Store) PutPolicy(ctx context.Context, policy *models.BudgetPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := *policy
	s.policies[policy.TenantID] = &p
	return nil
}

// GetPolicy returns a tenant's budget policy.
func (s *Store) GetPolicy(ctx context.Context, tenantID string) (*models.BudgetPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[tenantID]
	if !ok {
		return nil, errors.ErrDataNotFound
	}
	out := *p
	return &out, nil
}

// AppendDriftResult appends one drift check result.
func (s *Store) AppendDriftResult(ctx context.Context, result *models.DriftCheckResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := *result
	s.drift[result.TenantID] = append(s.drift[result.TenantID], &r)
	return nil
}

// LatestDriftResult returns the most recent result for a tenant.
func (s *Store) LatestDriftResult(ctx context.Context, tenantID string) (*models.DriftCheckResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	results := s.drift[tenantID]
	if len(results) == 0 {
		return nil, errors.ErrDataNotFound
	}
	latest := results[0]
	for _, r := range results[1:] {
		if r.ComputedAt.After(latest.ComputedAt) {
			latest = r
		}
	}
	out := *latest
	return &out, nil
}

// LatestDriftResults returns the most recent result per (label, language).
func (s *Store) LatestDriftResults(ctx context.Context, tenantID string) ([]*models.DriftCheckResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	latest := make(map[string]*models.DriftCheckResult)
	for _, r := range s.drift[tenantID] {
		key := r.Label + "\x00" + r.Language
		if cur, ok := latest[key]; !ok || r.ComputedAt.After(cur.ComputedAt) {
			latest[key] = r
		}
	}
	out := make([]*models.DriftCheckResult, 0, len(latest))
	for _, r := range latest {
		c := *r
		out = append(out, &c)
	}
	return out, nil
}

// DriftHistory returns up to limit results for a tenant's label, newest last.
func (s *Store) DriftHistory(ctx context.Context, tenantID, label string, limit int) ([]*models.DriftCheckResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []*models.DriftCheckResult
	for _, r := range s.drift[tenantID] {
		if r.Label == label {
			matched = append(matched, r)
		}
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	out := make([]*models.DriftCheckResult, 0, len(matched))
	for _, r := range matched {
		c := *r
		out = append(out, &c)
	}
	return out, nil
}

// PutBaseline stores the baseline histogram for a label stream.
func (s *Store) PutBaseline(ctx context.Context, tenantID, label, language string, baseline models.Histogram) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baselines[streamKey(tenantID, label, language)] = baseline.Clone()
	return nil
}

// GetBaseline returns the baseline histogram for a label stream.
func (s *Store) GetBaseline(ctx context.Context, tenantID, label, language string) (models.Histogram, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.baselines[streamKey(tenantID, label, language)]
	if !ok {
		return nil, errors.ErrDataNotFound
	}
	return b.Clone(), nil
}

// CreateExperiment stores a new experiment.
func (s *Store) CreateExperiment(ctx context.Context, experiment *models.Experiment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.experiments[experiment.ID]; exists {
		return errors.ErrExperimentInProgress
	}
	s.experiments[experiment.ID] = experiment.Clone()
	return nil
}

// PutExperiment upserts an experiment.
func (s *Store) PutExperiment(ctx context.Context, experiment *models.Experiment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.experiments[experiment.ID] = experiment.Clone()
	return nil
}

// GetExperiment returns an experiment by id.
func (s *Store) GetExperiment(ctx context.Context, id string) (*models.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.experiments[id]
	if !ok {
		return nil, errors.ErrDataNotFound
	}
	return e.Clone(), nil
}

// GetActiveExperiment returns the running experiment for a tenant and label.
func (s *Store) GetActiveExperiment(ctx context.Context, tenantID, label string) (*models.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.experiments {
		if e.TenantID == tenantID && e.Label == label && !e.Concluded() {
			return e.Clone(), nil
		}
	}
	return nil, errors.ErrDataNotFound
}

// ListExperiments returns a tenant's experiments. An empty tenant id lists
// every tenant's experiments.
func (s *Store) ListExperiments(ctx context.Context, tenantID string) ([]*models.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Experiment, 0)
	for _, e := range s.experiments {
		if tenantID == "" || e.TenantID == tenantID {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

func streamKey(tenantID, label, language string) string {
	return fmt.Sprintf("%s|%s|%s", tenantID, label, language)
}
