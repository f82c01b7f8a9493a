package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/arbiterml/modelplane/pkg/constants"
	"github.com/arbiterml/modelplane/pkg/errors"
	"github.com/arbiterml/modelplane/pkg/models"
)

// maxDriftResults caps the per-tenant drift result list.
const maxDriftResults = 1000

// Config holds configuration for the Redis storage backend.
type Config struct {
	Addr          string        `json:"addr"`
	Password      string        `json:"password"`
	DB            int           `json:"db"`
	DialTimeout   time.Duration `json:"dial_timeout"`
	ReadTimeout   time.Duration `json:"read_timeout"`
	WriteTimeout  time.Duration `json:"write_timeout"`
	PoolSize      int           `json:"pool_size"`
	MinIdleConns  int           `json:"min_idle_conns"`
	MaxRetries    int           `json:"max_retries"`
	IdleTimeout   time.Duration `json:"idle_timeout"`
	KeyPrefix     string        `json:"key_prefix"`
	UseClustering bool          `json:"use_clustering"`
	ClusterAddrs  []string      `json:"cluster_addrs"`
}

// Store implements the composite Store interface on Redis. Every record is a
// JSON value under a prefixed key; writes are single-key upserts.
type Store struct {
	config *Config
	client redis.UniversalClient
	logger *logrus.Logger
	mu     sync.RWMutex
	closed bool
}

// NewStore creates a Redis store. Connect must be called before use.
func NewStore(config *Config, logger *logrus.Logger) (*Store, error) {
	if config == nil {
		return nil, errors.NewStorageError("INVALID_CONFIG", "Redis config cannot be nil")
	}
	if config.Addr == "" && len(config.ClusterAddrs) == 0 {
		return nil, errors.NewStorageError("INVALID_CONFIG", "Redis address or cluster addresses are required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = constants.CacheKeyPrefix
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Store{config: config, logger: logger}, nil
}

// Connect establishes the Redis connection.
func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return nil // Already connected
	}

	var client redis.UniversalClient
	if s.config.UseClustering && len(s.config.ClusterAddrs) > 0 {
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        s.config.ClusterAddrs,
			Password:     s.config.Password,
			DialTimeout:  s.config.DialTimeout,
			ReadTimeout:  s.config.ReadTimeout,
			WriteTimeout: s.config.WriteTimeout,
			PoolSize:     s.config.PoolSize,
			MinIdleConns: s.config.MinIdleConns,
			MaxRetries:   s.config.MaxRetries,
			IdleTimeout:  s.config.IdleTimeout,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:         s.config.Addr,
			Password:     s.config.Password,
			DB:           s.config.DB,
			DialTimeout:  s.config.DialTimeout,
			ReadTimeout:  s.config.ReadTimeout,
			WriteTimeout: s.config.WriteTimeout,
			PoolSize:     s.config.PoolSize,
			MinIdleConns: s.config.MinIdleConns,
			MaxRetries:   s.config.MaxRetries,
			IdleTimeout:  s.config.IdleTimeout,
		})
	}

	if _, err := client.Ping(ctx).Result(); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "Failed to connect to Redis")
	}

	s.client = client
	s.logger.WithFields(logrus.Fields{
		"addr":       s.config.Addr,
		"db":         s.config.DB,
		"clustering": s.config.UseClustering,
	}).Info("Connected to Redis")

	return nil
}

// Ping tests the Redis connection.
func (s *Store) Ping(ctx context.Context) error {
	c, err := s.conn()
	if err != nil {
		return err
	}
	return c.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if s.client != nil {
		err := s.client.Close()
		s.client = nil
		s.closed = true
		if err != nil {
			return errors.WrapError(err, errors.ErrorTypeStorage, "CLOSE_FAILED", "Failed to close Redis connection")
		}
	}
	return nil
}

func (s *Store) conn() (redis.UniversalClient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.client == nil {
		return nil, errors.ErrStorageConnectionFailed
	}
	return s.client, nil
}

func (s *Store) key(parts ...string) string {
	k := s.config.KeyPrefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

func (s *Store) setJSON(ctx context.Context, key string, value interface{}) error {
	c, err := s.conn()
	if err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to marshal record")
	}
	if err := c.Set(ctx, key, data, 0).Err(); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to write record")
	}
	return nil
}

func (s *Store) getJSON(ctx context.Context, key string, out interface{}) error {
	c, err := s.conn()
	if err != nil {
		return err
	}
	data, err := c.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return errors.ErrDataNotFound
	}
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to read record")
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to unmarshal record")
	}
	return nil
}

// CreateVersion stores a new model version.
func (s *Store) CreateVersion(ctx context.Context, version *models.ModelVersion) error {
	c, err := s.conn()
	if err != nil {
		return err
	}
	data, err := json.Marshal(version)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to marshal version")
	}
	ok, err := c.SetNX(ctx, s.key("version", version.ID), data, 0).Result()
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to write version")
	}
	if !ok {
		return errors.ErrDuplicateVersion
	}
	return c.SAdd(ctx, s.key("versions"), version.ID).Err()
}

// UpdateVersion replaces a stored model version.
func (s *Store) UpdateVersion(ctx context.Context, version *models.ModelVersion) error {
	c, err := s.conn()
	if err != nil {
		return err
	}
	exists, err := c.Exists(ctx, s.key("version", version.ID)).Result()
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to check version")
	}
	if exists == 0 {
		return errors.ErrDataNotFound
	}
	return s.setJSON(ctx, s.key("version", version.ID), version)
}

// GetVersion returns a model version by id.
func (s *Store) GetVersion(ctx context.Context, id string) (*models.ModelVersion, error) {
	var v models.ModelVersion
	if err := s.getJSON(ctx, s.key("version", id), &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// ListVersions returns all stored versions.
func (s *Store) ListVersions(ctx context.Context) ([]*models.ModelVersion, error) {
	c, err := s.conn()
	if err != nil {
		return nil, err
	}
	ids, err := c.SMembers(ctx, s.key("versions")).Result()
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to list versions")
	}
	out := make([]*models.ModelVersion, 0, len(ids))
	for _, id := range ids {
		v, err := s.GetVersion(ctx, id)
		if err == errors.ErrDataNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// PutOverride upserts a tenant override.
func (s *Store) PutOverride(ctx context.Context, override *models.TenantOverride) error {
	c, err := s.conn()
	if err != nil {
		return err
	}
	if err := s.setJSON(ctx, s.key("override", override.TenantID), override); err != nil {
		return err
	}
	return c.SAdd(ctx, s.key("tenants"), override.TenantID).Err()
}

// GetOverride returns the override for a tenant.
func (s *Store) GetOverride(ctx context.Context, tenantID string) (*models.TenantOverride, error) {
	var o models.TenantOverride
	if err := s.getJSON(ctx, s.key("override", tenantID), &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// ListOverrides returns every stored tenant override.
func (s *Store) ListOverrides(ctx context.Context) ([]*models.TenantOverride, error) {
	c, err := s.conn()
	if err != nil {
		return nil, err
	}
	tenants, err := c.SMembers(ctx, s.key("tenants")).Result()
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to list tenants")
	}
	out := make([]*models.TenantOverride, 0, len(tenants))
	for _, t := range tenants {
		o, err := s.GetOverride(ctx, t)
		if err == errors.ErrDataNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

// PutRollout upserts a rollout and maintains the tenant's active marker.
func (s *Store) PutRollout(ctx context.Context, rollout *models.Rollout) error {
	c, err := s.conn()
	if err != nil {
		return err
	}
	if err := s.setJSON(ctx, s.key("rollout", rollout.ID), rollout); err != nil {
		return err
	}
	if err := c.SAdd(ctx, s.key("rollouts", rollout.TenantID), rollout.ID).Err(); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to index rollout")
	}
	if err := c.SAdd(ctx, s.key("rollouts"), rollout.ID).Err(); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to index rollout")
	}
	marker := s.key("rollout", "active", rollout.TenantID)
	if rollout.Phase.Terminal() {
		return c.Del(ctx, marker).Err()
	}
	return c.Set(ctx, marker, rollout.ID, 0).Err()
}

// GetRollout returns a rollout by id.
func (s *Store) GetRollout(ctx context.Context, id string) (*models.Rollout, error) {
	var r models.Rollout
	if err := s.getJSON(ctx, s.key("rollout", id), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// GetActiveRollout returns the tenant's non-terminal rollout.
func (s *Store) GetActiveRollout(ctx context.Context, tenantID string) (*models.Rollout, error) {
	c, err := s.conn()
	if err != nil {
		return nil, err
	}
	id, err := c.Get(ctx, s.key("rollout", "active", tenantID)).Result()
	if err == redis.Nil {
		return nil, errors.ErrDataNotFound
	}
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to read active rollout")
	}
	return s.GetRollout(ctx, id)
}

// ListRollouts returns the tenant's rollouts. An empty tenant id lists every
// tenant's rollouts.
func (s *Store) ListRollouts(ctx context.Context, tenantID string) ([]*models.Rollout, error) {
	c, err := s.conn()
	if err != nil {
		return nil, err
	}
	setKey := s.key("rollouts", tenantID)
	if tenantID == "" {
		setKey = s.key("rollouts")
	}
	ids, err := c.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to list rollouts")
	}
	out := make([]*models.Rollout, 0, len(ids))
	for _, id := range ids {
		r, err := s.GetRollout(ctx, id)
		if err == errors.ErrDataNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// PutLedger upserts the tenant's budget ledger.
func (s *Store) PutLedger(ctx context.Context, ledger *models.BudgetLedger) error {
	c, err := s.conn()
	if err != nil {
		return err
	}
	if err := s.setJSON(ctx, s.key("ledger", ledger.TenantID), ledger); err != nil {
		return err
	}
	return c.SAdd(ctx, s.key("ledgers"), ledger.TenantID).Err()
}

// GetLedger returns the tenant's budget ledger.
func (s *Store) GetLedger(ctx context.Context, tenantID string) (*models.BudgetLedger, error) {
	var l models.BudgetLedger
	if err := s.getJSON(ctx, s.key("ledger", tenantID), &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// ListLedgers returns every stored ledger.
func (s *Store) ListLedgers(ctx context.Context) ([]*models.BudgetLedger, error) {
	c, err := s.conn()
	if err != nil {
		return nil, err
	}
	tenants, err := c.SMembers(ctx, s.key("ledgers")).Result()
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to list ledgers")
	}
	out := make([]*models.BudgetLedger, 0, len(tenants))
	for _, t := range tenants {
		l, err := s.GetLedger(ctx, t)
		if err == errors.ErrDataNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

// PutPolicy upserts a tenant's budget policy.
func (s *Store) PutPolicy(ctx context.Context, policy *models.BudgetPolicy) error {
	return s.setJSON(ctx, s.key("policy", policy.TenantID), policy)
}

// GetPolicy returns a tenant's budget policy.
func (s *Store) GetPolicy(ctx context.Context, tenantID string) (*models.BudgetPolicy, error) {
	var p models.BudgetPolicy
	if err := s.getJSON(ctx, s.key("policy", tenantID), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// AppendDriftResult appends one drift check result to the tenant's capped
// result list.
func (s *Store) AppendDriftResult(ctx context.Context, result *models.DriftCheckResult) error {
	c, err := s.conn()
	if err != nil {
		return err
	}
	data, err := json.Marshal(result)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to marshal drift result")
	}
	key := s.key("drift", result.TenantID)
	pipe := c.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, -maxDriftResults, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to append drift result")
	}
	return nil
}

func (s *Store) driftResults(ctx context.Context, tenantID string) ([]*models.DriftCheckResult, error) {
	c, err := s.conn()
	if err != nil {
		return nil, err
	}
	raw, err := c.LRange(ctx, s.key("drift", tenantID), 0, -1).Result()
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to read drift results")
	}
	out := make([]*models.DriftCheckResult, 0, len(raw))
	for _, item := range raw {
		var r models.DriftCheckResult
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			continue
		}
		out = append(out, &r)
	}
	return out, nil
}

// LatestDriftResult returns the most recent result for a tenant.
func (s *Store) LatestDriftResult(ctx context.Context, tenantID string) (*models.DriftCheckResult, error) {
	results, err := s.driftResults(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, errors.ErrDataNotFound
	}
	return results[len(results)-1], nil
}

// LatestDriftResults returns the most recent result per (label, language).
func (s *Store) LatestDriftResults(ctx context.Context, tenantID string) ([]*models.DriftCheckResult, error) {
	results, err := s.driftResults(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	latest := make(map[string]*models.DriftCheckResult)
	for _, r := range results {
		key := r.Label + "\x00" + r.Language
		if cur, ok := latest[key]; !ok || r.ComputedAt.After(cur.ComputedAt) {
			latest[key] = r
		}
	}
	out := make([]*models.DriftCheckResult, 0, len(latest))
	for _, r := range latest {
		out = append(out, r)
	}
	return out, nil
}

// DriftHistory returns up to limit results for a tenant's label, newest last.
func (s *Store) DriftHistory(ctx context.Context, tenantID, label string, limit int) ([]*models.DriftCheckResult, error) {
	results, err := s.driftResults(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	var matched []*models.DriftCheckResult
	for _, r := range results {
		if r.Label == label {
			matched = append(matched, r)
		}
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched, nil
}

// PutBaseline stores the baseline histogram for a label stream.
func (s *Store) PutBaseline(ctx context.Context, tenantID, label, language string, baseline models.Histogram) error {
	return s.setJSON(ctx, s.key("baseline", streamKey(tenantID, label, language)), baseline)
}

// GetBaseline returns the baseline histogram for a label stream.
func (s *Store) GetBaseline(ctx context.Context, tenantID, label, language string) (models.Histogram, error) {
	var h models.Histogram
	if err := s.getJSON(ctx, s.key("baseline", streamKey(tenantID, label, language)), &h); err != nil {
		return nil, err
	}
	return h, nil
}

// CreateExperiment stores a new experiment.
func (s *Store) CreateExperiment(ctx context.Context, experiment *models.Experiment) error {
	c, err := s.conn()
	if err != nil {
		return err
	}
	data, err := json.Marshal(experiment)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to marshal experiment")
	}
	ok, err := c.SetNX(ctx, s.key("experiment", experiment.ID), data, 0).Result()
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to write experiment")
	}
	if !ok {
		return errors.ErrExperimentInProgress
	}
	if err := c.SAdd(ctx, s.key("experiments", experiment.TenantID), experiment.ID).Err(); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to index experiment")
	}
	if err := c.SAdd(ctx, s.key("experiments"), experiment.ID).Err(); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to index experiment")
	}
	return s.syncActiveExperiment(ctx, experiment)
}

// PutExperiment upserts an experiment.
func (s *Store) PutExperiment(ctx context.Context, experiment *models.Experiment) error {
	c, err := s.conn()
	if err != nil {
		return err
	}
	if err := s.setJSON(ctx, s.key("experiment", experiment.ID), experiment); err != nil {
		return err
	}
	if err := c.SAdd(ctx, s.key("experiments", experiment.TenantID), experiment.ID).Err(); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to index experiment")
	}
	if err := c.SAdd(ctx, s.key("experiments"), experiment.ID).Err(); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to index experiment")
	}
	return s.syncActiveExperiment(ctx, experiment)
}

func (s *Store) syncActiveExperiment(ctx context.Context, experiment *models.Experiment) error {
	c, err := s.conn()
	if err != nil {
		return err
	}
	marker := s.key("experiment", "active", streamKey(experiment.TenantID, experiment.Label, ""))
	if experiment.Concluded() {
		return c.Del(ctx, marker).Err()
	}
	return c.Set(ctx, marker, experiment.ID, 0).Err()
}

// GetExperiment returns an experiment by id.
func (s *Store) GetExperiment(ctx context.Context, id string) (*models.Experiment, error) {
	var e models.Experiment
	if err := s.getJSON(ctx, s.key("experiment", id), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// GetActiveExperiment returns the running experiment for a tenant and label.
func (s *Store) GetActiveExperiment(ctx context.Context, tenantID, label string) (*models.Experiment, error) {
	c, err := s.conn()
	if err != nil {
		return nil, err
	}
	id, err := c.Get(ctx, s.key("experiment", "active", streamKey(tenantID, label, ""))).Result()
	if err == redis.Nil {
		return nil, errors.ErrDataNotFound
	}
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to read active experiment")
	}
	return s.GetExperiment(ctx, id)
}

// ListExperiments returns a tenant's experiments. An empty tenant id lists
// every tenant's experiments.
func (s *Store) ListExperiments(ctx context.Context, tenantID string) ([]*models.Experiment, error) {
	c, err := s.conn()
	if err != nil {
		return nil, err
	}
	setKey := s.key("experiments", tenantID)
	if tenantID == "" {
		setKey = s.key("experiments")
	}
	ids, err := c.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to list experiments")
	}
	out := make([]*models.Experiment, 0, len(ids))
	for _, id := range ids {
		e, err := s.GetExperiment(ctx, id)
		if err == errors.ErrDataNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func streamKey(tenantID, label, language string) string {
	return fmt.Sprintf("%s|%s|%s", tenantID, label, language)
}
