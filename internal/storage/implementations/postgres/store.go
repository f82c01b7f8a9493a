package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/arbiterml/modelplane/pkg/errors"
	"github.com/arbiterml/modelplane/pkg/models"
)

// Config holds configuration for the PostgreSQL storage backend.
type Config struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	Database        string        `json:"database"`
	Username        string        `json:"username"`
	Password        string        `json:"password"`
	SSLMode         string        `json:"ssl_mode"`
	ConnectTimeout  time.Duration `json:"connect_timeout"`
	QueryTimeout    time.Duration `json:"query_timeout"`
	MaxConnections  int           `json:"max_connections"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
}

// Store implements the composite Store interface on PostgreSQL. Every write
// is an atomic single-row upsert; no cross-entity transactions are used.
type Store struct {
	config *Config
	db     *sql.DB
	logger *logrus.Logger
	mu     sync.RWMutex
	closed bool
}

// NewStore creates a PostgreSQL store. Connect must be called before use.
func NewStore(config *Config, logger *logrus.Logger) (*Store, error) {
	if config == nil {
		return nil, errors.NewStorageError("INVALID_CONFIG", "PostgreSQL config cannot be nil")
	}
	if config.SSLMode == "" {
		config.SSLMode = "prefer"
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Store{config: config, logger: logger}, nil
}

// Connect opens the connection pool and initializes the schema.
func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil // Already connected
	}

	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		s.config.Host,
		s.config.Port,
		s.config.Username,
		s.config.Password,
		s.config.Database,
		s.config.SSLMode,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "Failed to open database connection")
	}

	db.SetMaxOpenConns(s.config.MaxConnections)
	db.SetMaxIdleConns(s.config.MaxIdleConns)
	db.SetConnMaxLifetime(s.config.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, s.config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return errors.WrapError(err, errors.ErrorTypeStorage, "PING_FAILED", "Failed to ping database")
	}

	s.db = db

	if err := s.initializeSchema(ctx); err != nil {
		db.Close()
		s.db = nil
		return errors.WrapError(err, errors.ErrorTypeStorage, "SCHEMA_INIT_FAILED", "Failed to initialize schema")
	}

	s.logger.WithFields(logrus.Fields{
		"host":     s.config.Host,
		"port":     s.config.Port,
		"database": s.config.Database,
	}).Info("Connected to PostgreSQL")

	return nil
}

// Ping tests the database connection.
func (s *Store) Ping(ctx context.Context) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		s.closed = true
		if err != nil {
			return errors.WrapError(err, errors.ErrorTypeStorage, "CLOSE_FAILED", "Failed to close database connection")
		}
	}
	return nil
}

func (s *Store) conn() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, errors.ErrStorageConnectionFailed
	}
	return s.db, nil
}

func (s *Store) initializeSchema(ctx context.Context) error {
	schemas := []string{
		`CREATE TABLE IF NOT EXISTS model_versions (
			id VARCHAR(255) PRIMARY KEY,
			provider VARCHAR(255) NOT NULL,
			prompt_version VARCHAR(255),
			cost_per_request DOUBLE PRECISION NOT NULL,
			guardrails JSONB NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS tenant_overrides (
			tenant_id VARCHAR(255) PRIMARY KEY,
			base_version VARCHAR(255) NOT NULL,
			overlay JSONB,
			snapshot JSONB,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS rollouts (
			id VARCHAR(255) PRIMARY KEY,
			tenant_id VARCHAR(255) NOT NULL,
			from_version VARCHAR(255) NOT NULL,
			to_version VARCHAR(255) NOT NULL,
			phase VARCHAR(50) NOT NULL,
			routing_salt VARCHAR(255) NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			phase_started_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ,
			abort_reason TEXT,
			transitions JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rollouts_tenant ON rollouts (tenant_id, started_at)`,
		`CREATE TABLE IF NOT EXISTS budget_ledgers (
			tenant_id VARCHAR(255) PRIMARY KEY,
			period_id VARCHAR(50) NOT NULL,
			cost_units DOUBLE PRECISION NOT NULL,
			request_count BIGINT NOT NULL,
			latency_ema DOUBLE PRECISION NOT NULL,
			latency_p95 DOUBLE PRECISION NOT NULL,
			limit_units DOUBLE PRECISION NOT NULL,
			state VARCHAR(50) NOT NULL,
			downgraded_at TIMESTAMPTZ,
			cooldown_until TIMESTAMPTZ,
			last_threshold DOUBLE PRECISION NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS budget_policies (
			tenant_id VARCHAR(255) PRIMARY KEY,
			limit_units DOUBLE PRECISION NOT NULL,
			period_seconds BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS drift_results (
			tenant_id VARCHAR(255) NOT NULL,
			label VARCHAR(255) NOT NULL,
			language VARCHAR(50) NOT NULL,
			window_id VARCHAR(255) NOT NULL,
			sample_count INTEGER NOT NULL,
			psi DOUBLE PRECISION NOT NULL,
			js_divergence DOUBLE PRECISION NOT NULL,
			severity VARCHAR(50) NOT NULL,
			computed_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_drift_tenant_time ON drift_results (tenant_id, computed_at)`,
		`CREATE TABLE IF NOT EXISTS drift_baselines (
			tenant_id VARCHAR(255) NOT NULL,
			label VARCHAR(255) NOT NULL,
			language VARCHAR(50) NOT NULL,
			baseline JSONB NOT NULL,
			PRIMARY KEY (tenant_id, label, language)
		)`,
		`CREATE TABLE IF NOT EXISTS experiments (
			id VARCHAR(255) PRIMARY KEY,
			tenant_id VARCHAR(255) NOT NULL,
			label VARCHAR(255) NOT NULL,
			mode VARCHAR(50) NOT NULL,
			control_version VARCHAR(255) NOT NULL,
			variant_version VARCHAR(255) NOT NULL,
			control JSONB NOT NULL,
			variant JSONB NOT NULL,
			min_sample_size BIGINT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			agreements BIGINT NOT NULL,
			disagreements BIGINT NOT NULL,
			shadow_dropped BIGINT NOT NULL,
			seed BIGINT NOT NULL,
			p_value DOUBLE PRECISION NOT NULL,
			winner VARCHAR(255),
			started_at TIMESTAMPTZ NOT NULL,
			concluded_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_experiments_tenant ON experiments (tenant_id, started_at)`,
	}

	for _, schema := range schemas {
		if _, err := s.db.ExecContext(ctx, schema); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func (s *Store) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.config.QueryTimeout > 0 {
		return context.WithTimeout(ctx, s.config.QueryTimeout)
	}
	return context.WithCancel(ctx)
}

// CreateVersion stores a new model version.
func (s *Store) CreateVersion(ctx context.Context, version *models.ModelVersion) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	guardrails, err := json.Marshal(version.Guardrails)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to marshal guardrails")
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	res, err := db.ExecContext(qctx, `
		INSERT INTO model_versions (id, provider, prompt_version, cost_per_request, guardrails, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		version.ID, version.Provider, version.PromptVersion, version.CostPerRequest,
		guardrails, version.Active, version.CreatedAt,
	)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to insert version")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.ErrDuplicateVersion
	}
	return nil
}

// UpdateVersion replaces a stored model version.
func (s *Store) UpdateVersion(ctx context.Context, version *models.ModelVersion) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	guardrails, err := json.Marshal(version.Guardrails)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to marshal guardrails")
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	res, err := db.ExecContext(qctx, `
		UPDATE model_versions
		SET provider = $2, prompt_version = $3, cost_per_request = $4, guardrails = $5, active = $6
		WHERE id = $1`,
		version.ID, version.Provider, version.PromptVersion, version.CostPerRequest,
		guardrails, version.Active,
	)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to update version")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.ErrDataNotFound
	}
	return nil
}

// GetVersion returns a model version by id.
func (s *Store) GetVersion(ctx context.Context, id string) (*models.ModelVersion, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	row := db.QueryRowContext(qctx, `
		SELECT id, provider, prompt_version, cost_per_request, guardrails, active, created_at
		FROM model_versions WHERE id = $1`, id)
	return scanVersion(row)
}

// ListVersions returns all stored versions, oldest first.
func (s *Store) ListVersions(ctx context.Context) ([]*models.ModelVersion, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	rows, err := db.QueryContext(qctx, `
		SELECT id, provider, prompt_version, cost_per_request, guardrails, active, created_at
		FROM model_versions ORDER BY created_at`)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to list versions")
	}
	defer rows.Close()

	var out []*models.ModelVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanVersion(row rowScanner) (*models.ModelVersion, error) {
	var (
		v          models.ModelVersion
		guardrails []byte
	)
	err := row.Scan(&v.ID, &v.Provider, &v.PromptVersion, &v.CostPerRequest, &guardrails, &v.Active, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.ErrDataNotFound
	}
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to scan version")
	}
	if err := json.Unmarshal(guardrails, &v.Guardrails); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to unmarshal guardrails")
	}
	return &v, nil
}

// PutOverride upserts a tenant override.
func (s *Store) PutOverride(ctx context.Context, override *models.TenantOverride) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	overlay, err := json.Marshal(override.Overlay)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to marshal overlay")
	}
	var snapshot []byte
	if override.Snapshot != nil {
		snapshot, err = json.Marshal(override.Snapshot)
		if err != nil {
			return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to marshal snapshot")
		}
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	_, err = db.ExecContext(qctx, `
		INSERT INTO tenant_overrides (tenant_id, base_version, overlay, snapshot, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id) DO UPDATE SET
			base_version = EXCLUDED.base_version,
			overlay = EXCLUDED.overlay,
			snapshot = EXCLUDED.snapshot,
			updated_at = EXCLUDED.updated_at`,
		override.TenantID, override.BaseVersion, overlay, snapshot, override.UpdatedAt,
	)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to upsert override")
	}
	return nil
}

// GetOverride returns the override for a tenant.
func (s *Store) GetOverride(ctx context.Context, tenantID string) (*models.TenantOverride, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	row := db.QueryRowContext(qctx, `
		SELECT tenant_id, base_version, overlay, snapshot, updated_at
		FROM tenant_overrides WHERE tenant_id = $1`, tenantID)
	return scanOverride(row)
}

// ListOverrides returns every stored tenant override.
func (s *Store) ListOverrides(ctx context.Context) ([]*models.TenantOverride, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	rows, err := db.QueryContext(qctx, `
		SELECT tenant_id, base_version, overlay, snapshot, updated_at
		FROM tenant_overrides ORDER BY tenant_id`)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to list overrides")
	}
	defer rows.Close()

	var out []*models.TenantOverride
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanOverride(row rowScanner) (*models.TenantOverride, error) {
	var (
		o        models.TenantOverride
		overlay  []byte
		snapshot []byte
	)
	err := row.Scan(&o.TenantID, &o.BaseVersion, &overlay, &snapshot, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.ErrDataNotFound
	}
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to scan override")
	}
	if len(overlay) > 0 {
		if err := json.Unmarshal(overlay, &o.Overlay); err != nil {
			return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to unmarshal overlay")
		}
	}
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &o.Snapshot); err != nil {
			return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to unmarshal snapshot")
		}
	}
	return &o, nil
}

// PutRollout upserts a rollout.
func (s *Store) PutRollout(ctx context.Context, rollout *models.Rollout) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	var transitions []byte
	if len(rollout.Transitions) > 0 {
		transitions, err = json.Marshal(rollout.Transitions)
		if err != nil {
			return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to marshal transitions")
		}
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	_, err = db.ExecContext(qctx, `
		INSERT INTO rollouts (id, tenant_id, from_version, to_version, phase, routing_salt, started_at, phase_started_at, completed_at, abort_reason, transitions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			phase = EXCLUDED.phase,
			phase_started_at = EXCLUDED.phase_started_at,
			completed_at = EXCLUDED.completed_at,
			abort_reason = EXCLUDED.abort_reason,
			transitions = EXCLUDED.transitions`,
		rollout.ID, rollout.TenantID, rollout.FromVersion, rollout.ToVersion,
		string(rollout.Phase), rollout.RoutingSalt, rollout.StartedAt, rollout.PhaseStartedAt,
		rollout.CompletedAt, rollout.AbortReason, transitions,
	)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to upsert rollout")
	}
	return nil
}

// GetRollout returns a rollout by id.
func (s *Store) GetRollout(ctx context.Context, id string) (*models.Rollout, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	row := db.QueryRowContext(qctx, `
		SELECT id, tenant_id, from_version, to_version, phase, routing_salt, started_at, phase_started_at, completed_at, abort_reason, transitions
		FROM rollouts WHERE id = $1`, id)
	return scanRollout(row)
}

// GetActiveRollout returns the tenant's non-terminal rollout.
func (s *Store) GetActiveRollout(ctx context.Context, tenantID string) (*models.Rollout, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	row := db.QueryRowContext(qctx, `
		SELECT id, tenant_id, from_version, to_version, phase, routing_salt, started_at, phase_started_at, completed_at, abort_reason, transitions
		FROM rollouts
		WHERE tenant_id = $1 AND phase NOT IN ('completed', 'aborted')
		ORDER BY started_at DESC LIMIT 1`, tenantID)
	return scanRollout(row)
}

// ListRollouts returns the tenant's rollouts, oldest first. An empty tenant
// id lists every tenant's rollouts.
func (s *Store) ListRollouts(ctx context.Context, tenantID string) ([]*models.Rollout, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	query := `
		SELECT id, tenant_id, from_version, to_version, phase, routing_salt, started_at, phase_started_at, completed_at, abort_reason, transitions
		FROM rollouts WHERE tenant_id = $1 ORDER BY started_at`
	args := []interface{}{tenantID}
	if tenantID == "" {
		query = `
		SELECT id, tenant_id, from_version, to_version, phase, routing_salt, started_at, phase_started_at, completed_at, abort_reason, transitions
		FROM rollouts ORDER BY started_at`
		args = nil
	}
	rows, err := db.QueryContext(qctx, query, args...)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to list rollouts")
	}
	defer rows.Close()

	var out []*models.Rollout
	for rows.Next() {
		r, err := scanRollout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRollout(row rowScanner) (*models.Rollout, error) {
	var (
		r           models.Rollout
		phase       string
		completedAt sql.NullTime
		abortReason sql.NullString
		transitions []byte
	)
	err := row.Scan(&r.ID, &r.TenantID, &r.FromVersion, &r.ToVersion, &phase,
		&r.RoutingSalt, &r.StartedAt, &r.PhaseStartedAt, &completedAt, &abortReason, &transitions)
	if err == sql.ErrNoRows {
		return nil, errors.ErrDataNotFound
	}
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to scan rollout")
	}
	r.Phase = models.RolloutPhase(phase)
	if completedAt.Valid {
		t := completedAt.Time
		r.CompletedAt = &t
	}
	if abortReason.Valid {
		r.AbortReason = abortReason.String
	}
	if len(transitions) > 0 {
		if err := json.Unmarshal(transitions, &r.Transitions); err != nil {
			return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to unmarshal transitions")
		}
	}
	return &r, nil
}

// PutLedger upserts the tenant's budget ledger.
func (s *Store) PutLedger(ctx context.Context, ledger *models.BudgetLedger) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	_, err = db.ExecContext(qctx, `
		INSERT INTO budget_ledgers (tenant_id, period_id, cost_units, request_count, latency_ema, latency_p95, limit_units, state, downgraded_at, cooldown_until, last_threshold, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (tenant_id) DO UPDATE SET
			period_id = EXCLUDED.period_id,
			cost_units = EXCLUDED.cost_units,
			request_count = EXCLUDED.request_count,
			latency_ema = EXCLUDED.latency_ema,
			latency_p95 = EXCLUDED.latency_p95,
			limit_units = EXCLUDED.limit_units,
			state = EXCLUDED.state,
			downgraded_at = EXCLUDED.downgraded_at,
			cooldown_until = EXCLUDED.cooldown_until,
			last_threshold = EXCLUDED.last_threshold,
			updated_at = EXCLUDED.updated_at`,
		ledger.TenantID, ledger.PeriodID, ledger.CostUnits, ledger.RequestCount,
		ledger.LatencyEMA, ledger.LatencyP95, ledger.LimitUnits, string(ledger.State),
		ledger.DowngradedAt, ledger.CooldownUntil, ledger.LastThreshold, ledger.UpdatedAt,
	)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to upsert ledger")
	}
	return nil
}

// GetLedger returns the tenant's budget ledger.
func (s *Store) GetLedger(ctx context.Context, tenantID string) (*models.BudgetLedger, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	row := db.QueryRowContext(qctx, `
		SELECT tenant_id, period_id, cost_units, request_count, latency_ema, latency_p95, limit_units, state, downgraded_at, cooldown_until, last_threshold, updated_at
		FROM budget_ledgers WHERE tenant_id = $1`, tenantID)
	return scanLedger(row)
}

// ListLedgers returns every stored ledger.
func (s *Store) ListLedgers(ctx context.Context) ([]*models.BudgetLedger, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	rows, err := db.QueryContext(qctx, `
		SELECT tenant_id, period_id, cost_units, request_count, latency_ema, latency_p95, limit_units, state, downgraded_at, cooldown_until, last_threshold, updated_at
		FROM budget_ledgers ORDER BY tenant_id`)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to list ledgers")
	}
	defer rows.Close()

	var out []*models.BudgetLedger
	for rows.Next() {
		l, err := scanLedger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanLedger(row rowScanner) (*models.BudgetLedger, error) {
	var (
		l             models.BudgetLedger
		state         string
		downgradedAt  sql.NullTime
		cooldownUntil sql.NullTime
	)
	err := row.Scan(&l.TenantID, &l.PeriodID, &l.CostUnits, &l.RequestCount,
		&l.LatencyEMA, &l.LatencyP95, &l.LimitUnits, &state,
		&downgradedAt, &cooldownUntil, &l.LastThreshold, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.ErrDataNotFound
	}
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to scan ledger")
	}
	l.State = models.AutoswitchState(state)
	if downgradedAt.Valid {
		t := downgradedAt.Time
		l.DowngradedAt = &t
	}
	if cooldownUntil.Valid {
		t := cooldownUntil.Time
		l.CooldownUntil = &t
	}
	return &l, nil
}

// PutPolicy upserts a tenant's budget policy.
func (s *Store) PutPolicy(ctx context.Context, policy *models.BudgetPolicy) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	_, err = db.ExecContext(qctx, `
		INSERT INTO budget_policies (tenant_id, limit_units, period_seconds)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id) DO UPDATE SET
			limit_units = EXCLUDED.limit_units,
			period_seconds = EXCLUDED.period_seconds`,
		policy.TenantID, policy.LimitUnits, int64(policy.Period/time.Second),
	)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to upsert policy")
	}
	return nil
}

// GetPolicy returns a tenant's budget policy.
func (s *Store) GetPolicy(ctx context.Context, tenantID string) (*models.BudgetPolicy, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	var (
		p             models.BudgetPolicy
		periodSeconds int64
	)
	err = db.QueryRowContext(qctx, `
		SELECT tenant_id, limit_units, period_seconds
		FROM budget_policies WHERE tenant_id = $1`, tenantID).
		Scan(&p.TenantID, &p.LimitUnits, &periodSeconds)
	if err == sql.ErrNoRows {
		return nil, errors.ErrDataNotFound
	}
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to scan policy")
	}
	p.Period = time.Duration(periodSeconds) * time.Second
	return &p, nil
}

// AppendDriftResult appends one drift check result.
func (s *Store) AppendDriftResult(ctx context.Context, result *models.DriftCheckResult) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	_, err = db.ExecContext(qctx, `
		INSERT INTO drift_results (tenant_id, label, language, window_id, sample_count, psi, js_divergence, severity, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		result.TenantID, result.Label, result.Language, result.WindowID,
		result.SampleCount, result.PSI, result.JSDivergence, string(result.Severity), result.ComputedAt,
	)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to append drift result")
	}
	return nil
}

// LatestDriftResult returns the most recent result for a tenant.
func (s *Store) LatestDriftResult(ctx context.Context, tenantID string) (*models.DriftCheckResult, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	row := db.QueryRowContext(qctx, `
		SELECT tenant_id, label, language, window_id, sample_count, psi, js_divergence, severity, computed_at
		FROM drift_results WHERE tenant_id = $1
		ORDER BY computed_at DESC LIMIT 1`, tenantID)
	return scanDriftResult(row)
}

// LatestDriftResults returns the most recent result per (label, language).
func (s *Store) LatestDriftResults(ctx context.Context, tenantID string) ([]*models.DriftCheckResult, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	rows, err := db.QueryContext(qctx, `
		SELECT DISTINCT ON (label, language) tenant_id, label, language, window_id, sample_count, psi, js_divergence, severity, computed_at
		FROM drift_results WHERE tenant_id = $1
		ORDER BY label, language, computed_at DESC`, tenantID)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to read drift results")
	}
	defer rows.Close()

	var out []*models.DriftCheckResult
	for rows.Next() {
		r, err := scanDriftResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DriftHistory returns up to limit results for a tenant's label, newest last.
func (s *Store) DriftHistory(ctx context.Context, tenantID, label string, limit int) ([]*models.DriftCheckResult, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = maxDriftHistory
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	rows, err := db.QueryContext(qctx, `
		SELECT tenant_id, label, language, window_id, sample_count, psi, js_divergence, severity, computed_at
		FROM (
			SELECT * FROM drift_results
			WHERE tenant_id = $1 AND label = $2
			ORDER BY computed_at DESC LIMIT $3
		) recent ORDER BY computed_at`, tenantID, label, limit)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to read drift history")
	}
	defer rows.Close()

	var out []*models.DriftCheckResult
	for rows.Next() {
		r, err := scanDriftResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const maxDriftHistory = 1000

func scanDriftResult(row rowScanner) (*models.DriftCheckResult, error) {
	var (
		r        models.DriftCheckResult
		severity string
	)
	err := row.Scan(&r.TenantID, &r.Label, &r.Language, &r.WindowID,
		&r.SampleCount, &r.PSI, &r.JSDivergence, &severity, &r.ComputedAt)
	if err == sql.ErrNoRows {
		return nil, errors.ErrDataNotFound
	}
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to scan drift result")
	}
	r.Severity = models.DriftSeverity(severity)
	return &r, nil
}

// PutBaseline stores the baseline histogram for a label stream.
func (s *Store) PutBaseline(ctx context.Context, tenantID, label, language string, baseline models.Histogram) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	data, err := json.Marshal(baseline)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to marshal baseline")
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	_, err = db.ExecContext(qctx, `
		INSERT INTO drift_baselines (tenant_id, label, language, baseline)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, label, language) DO UPDATE SET
			baseline = EXCLUDED.baseline`,
		tenantID, label, language, data,
	)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to upsert baseline")
	}
	return nil
}

// GetBaseline returns the baseline histogram for a label stream.
func (s *Store) GetBaseline(ctx context.Context, tenantID, label, language string) (models.Histogram, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	var data []byte
	err = db.QueryRowContext(qctx, `
		SELECT baseline FROM drift_baselines
		WHERE tenant_id = $1 AND label = $2 AND language = $3`,
		tenantID, label, language).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, errors.ErrDataNotFound
	}
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to read baseline")
	}
	var h models.Histogram
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to unmarshal baseline")
	}
	return h, nil
}

// CreateExperiment stores a new experiment.
func (s *Store) CreateExperiment(ctx context.Context, experiment *models.Experiment) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	control, variant, err := marshalArms(experiment)
	if err != nil {
		return err
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	res, err := db.ExecContext(qctx, `
		INSERT INTO experiments (id, tenant_id, label, mode, control_version, variant_version, control, variant, min_sample_size, confidence, agreements, disagreements, shadow_dropped, seed, p_value, winner, started_at, concluded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO NOTHING`,
		experiment.ID, experiment.TenantID, experiment.Label, string(experiment.Mode),
		experiment.ControlVersion, experiment.VariantVersion, control, variant,
		experiment.MinSampleSize, experiment.Confidence, experiment.Agreements,
		experiment.Disagreements, experiment.ShadowDropped, experiment.Seed,
		experiment.PValue, experiment.Winner, experiment.StartedAt, experiment.ConcludedAt,
	)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to insert experiment")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.ErrExperimentInProgress
	}
	return nil
}

// PutExperiment upserts an experiment.
func (s *Store) PutExperiment(ctx context.Context, experiment *models.Experiment) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	control, variant, err := marshalArms(experiment)
	if err != nil {
		return err
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	_, err = db.ExecContext(qctx, `
		INSERT INTO experiments (id, tenant_id, label, mode, control_version, variant_version, control, variant, min_sample_size, confidence, agreements, disagreements, shadow_dropped, seed, p_value, winner, started_at, concluded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO UPDATE SET
			control = EXCLUDED.control,
			variant = EXCLUDED.variant,
			agreements = EXCLUDED.agreements,
			disagreements = EXCLUDED.disagreements,
			shadow_dropped = EXCLUDED.shadow_dropped,
			p_value = EXCLUDED.p_value,
			winner = EXCLUDED.winner,
			concluded_at = EXCLUDED.concluded_at`,
		experiment.ID, experiment.TenantID, experiment.Label, string(experiment.Mode),
		experiment.ControlVersion, experiment.VariantVersion, control, variant,
		experiment.MinSampleSize, experiment.Confidence, experiment.Agreements,
		experiment.Disagreements, experiment.ShadowDropped, experiment.Seed,
		experiment.PValue, experiment.Winner, experiment.StartedAt, experiment.ConcludedAt,
	)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to upsert experiment")
	}
	return nil
}

func marshalArms(experiment *models.Experiment) ([]byte, []byte, error) {
	control, err := json.Marshal(experiment.Control)
	if err != nil {
		return nil, nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to marshal control arm")
	}
	variant, err := json.Marshal(experiment.Variant)
	if err != nil {
		return nil, nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to marshal variant arm")
	}
	return control, variant, nil
}

// GetExperiment returns an experiment by id.
func (s *Store) GetExperiment(ctx context.Context, id string) (*models.Experiment, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	row := db.QueryRowContext(qctx, `
		SELECT id, tenant_id, label, mode, control_version, variant_version, control, variant, min_sample_size, confidence, agreements, disagreements, shadow_dropped, seed, p_value, winner, started_at, concluded_at
		FROM experiments WHERE id = $1`, id)
	return scanExperiment(row)
}

// GetActiveExperiment returns the running experiment for a tenant and label.
func (s *Store) GetActiveExperiment(ctx context.Context, tenantID, label string) (*models.Experiment, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	row := db.QueryRowContext(qctx, `
		SELECT id, tenant_id, label, mode, control_version, variant_version, control, variant, min_sample_size, confidence, agreements, disagreements, shadow_dropped, seed, p_value, winner, started_at, concluded_at
		FROM experiments
		WHERE tenant_id = $1 AND label = $2 AND concluded_at IS NULL
		ORDER BY started_at DESC LIMIT 1`, tenantID, label)
	return scanExperiment(row)
}

// ListExperiments returns a tenant's experiments, oldest first. An empty
// tenant id lists every tenant's experiments.
func (s *Store) ListExperiments(ctx context.Context, tenantID string) ([]*models.Experiment, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	query := `
		SELECT id, tenant_id, label, mode, control_version, variant_version, control, variant, min_sample_size, confidence, agreements, disagreements, shadow_dropped, seed, p_value, winner, started_at, concluded_at
		FROM experiments WHERE tenant_id = $1 ORDER BY started_at`
	args := []interface{}{tenantID}
	if tenantID == "" {
		query = `
		SELECT id, tenant_id, label, mode, control_version, variant_version, control, variant, min_sample_size, confidence, agreements, disagreements, shadow_dropped, seed, p_value, winner, started_at, concluded_at
		FROM experiments ORDER BY started_at`
		args = nil
	}
	rows, err := db.QueryContext(qctx, query, args...)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to list experiments")
	}
	defer rows.Close()

	var out []*models.Experiment
	for rows.Next() {
		e, err := scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanExperiment(row rowScanner) (*models.Experiment, error) {
	var (
		e           models.Experiment
		mode        string
		control     []byte
		variant     []byte
		winner      sql.NullString
		concludedAt sql.NullTime
	)
	err := row.Scan(&e.ID, &e.TenantID, &e.Label, &mode, &e.ControlVersion, &e.VariantVersion,
		&control, &variant, &e.MinSampleSize, &e.Confidence, &e.Agreements, &e.Disagreements,
		&e.ShadowDropped, &e.Seed, &e.PValue, &winner, &e.StartedAt, &concludedAt)
	if err == sql.ErrNoRows {
		return nil, errors.ErrDataNotFound
	}
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to scan experiment")
	}
	e.Mode = models.ExperimentMode(mode)
	if err := json.Unmarshal(control, &e.Control); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to unmarshal control arm")
	}
	if err := json.Unmarshal(variant, &e.Variant); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to unmarshal variant arm")
	}
	if winner.Valid {
		e.Winner = winner.String
	}
	if concludedAt.Valid {
		t := concludedAt.Time
		e.ConcludedAt = &t
	}
	return &e, nil
}
