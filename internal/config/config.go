package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/arbiterml/modelplane/internal/storage"
	"github.com/arbiterml/modelplane/internal/storage/implementations/postgres"
	"github.com/arbiterml/modelplane/internal/storage/implementations/redis"
	"github.com/arbiterml/modelplane/pkg/constants"
)

// Config contains the full configuration for the modelplane server
type Config struct {
	Environment string `mapstructure:"environment"`

	// Core server settings
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Storage StorageConfig `mapstructure:"storage"`

	// Component configurations
	Registry RegistryConfig `mapstructure:"registry"`
	Rollout  RolloutConfig  `mapstructure:"rollout"`
	Drift    DriftConfig    `mapstructure:"drift"`
	Budget   BudgetConfig   `mapstructure:"budget"`
	Shadow   ShadowConfig   `mapstructure:"shadow"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	MetricsPort     int           `mapstructure:"metrics_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StorageConfig selects and configures the storage backend
type StorageConfig struct {
	Backend  string         `mapstructure:"backend"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis backend settings
type RedisConfig struct {
	Addr          string        `mapstructure:"addr"`
	Password      string        `mapstructure:"password"`
	DB            int           `mapstructure:"db"`
	DialTimeout   time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	PoolSize      int           `mapstructure:"pool_size"`
	MinIdleConns  int           `mapstructure:"min_idle_conns"`
	KeyPrefix     string        `mapstructure:"key_prefix"`
	UseClustering bool          `mapstructure:"use_clustering"`
	ClusterAddrs  []string      `mapstructure:"cluster_addrs"`
}

// PostgresConfig contains PostgreSQL backend settings
type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RegistryConfig contains model registry settings
type RegistryConfig struct {
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
	CacheSize int           `mapstructure:"cache_size"`
}

// RolloutConfig contains rollout orchestrator settings
type RolloutConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
	TickJitter   time.Duration `mapstructure:"tick_jitter"`
	TickBudget   time.Duration `mapstructure:"tick_budget"`
	PhaseDwell   time.Duration `mapstructure:"phase_dwell"`
	StuckTimeout time.Duration `mapstructure:"stuck_timeout"`
}

// DriftConfig contains drift monitor settings
type DriftConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
	TickBudget   time.Duration `mapstructure:"tick_budget"`
	Bins         int           `mapstructure:"bins"`
	MinSamples   int           `mapstructure:"min_samples"`
	Epsilon      float64       `mapstructure:"epsilon"`
	PSIMedium    float64       `mapstructure:"psi_medium"`
	PSIHigh      float64       `mapstructure:"psi_high"`
	PSICritical  float64       `mapstructure:"psi_critical"`
	JSDMedium    float64       `mapstructure:"jsd_medium"`
	JSDHigh      float64       `mapstructure:"jsd_high"`
	JSDCritical  float64       `mapstructure:"jsd_critical"`
}

// BudgetConfig contains budget enforcer settings
type BudgetConfig struct {
	TickInterval       time.Duration `mapstructure:"tick_interval"`
	TickBudget         time.Duration `mapstructure:"tick_budget"`
	Period             time.Duration `mapstructure:"period"`
	EMAAlpha           float64       `mapstructure:"ema_alpha"`
	AlertThresholds    []float64     `mapstructure:"alert_thresholds"`
	AutoswitchCooldown time.Duration `mapstructure:"autoswitch_cooldown"`
}

// ShadowConfig contains shadow/online evaluator settings. An empty
// ScorerEndpoint disables shadow scoring; mirrors are then counted as drops.
type ShadowConfig struct {
	TickInterval   time.Duration `mapstructure:"tick_interval"`
	TickBudget     time.Duration `mapstructure:"tick_budget"`
	Workers        int           `mapstructure:"workers"`
	QueueSize      int           `mapstructure:"queue_size"`
	MinSampleSize  int64         `mapstructure:"min_sample_size"`
	Confidence     float64       `mapstructure:"confidence"`
	ScorerEndpoint string        `mapstructure:"scorer_endpoint"`
	ScorerTimeout  time.Duration `mapstructure:"scorer_timeout"`
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Environment: constants.EnvDevelopment,
		Server: ServerConfig{
			Host:            constants.DefaultHost,
			Port:            constants.DefaultPort,
			MetricsPort:     constants.DefaultMetricsPort,
			ReadTimeout:     constants.DefaultReadTimeout,
			WriteTimeout:    constants.DefaultWriteTimeout,
			IdleTimeout:     constants.DefaultIdleTimeout,
			ShutdownTimeout: constants.DefaultShutdownTimeout,
		},
		Logging: LoggingConfig{
			Level:  constants.DefaultLogLevel,
			Format: constants.DefaultLogFormat,
		},
		Storage: StorageConfig{
			Backend: constants.StorageTypeMemory,
			Redis: RedisConfig{
				Addr:         "localhost:6379",
				DialTimeout:  5 * time.Second,
				ReadTimeout:  3 * time.Second,
				WriteTimeout: 3 * time.Second,
				PoolSize:     10,
				MinIdleConns: 2,
				KeyPrefix:    constants.CacheKeyPrefix,
			},
			Postgres: PostgresConfig{
				Host:            "localhost",
				Port:            5432,
				Database:        "modelplane",
				Username:        "modelplane",
				SSLMode:         "prefer",
				ConnectTimeout:  constants.DefaultConnectionTimeout,
				QueryTimeout:    constants.DefaultStorageTimeout,
				MaxConnections:  constants.DefaultMaxConnections,
				MaxIdleConns:    10,
				ConnMaxLifetime: 30 * time.Minute,
			},
		},
		Registry: RegistryConfig{
			CacheTTL:  constants.DefaultResolveCacheTTL,
			CacheSize: constants.DefaultResolveCacheSize,
		},
		Rollout: RolloutConfig{
			TickInterval: constants.DefaultRolloutTickInterval,
			TickJitter:   constants.DefaultRolloutTickJitter,
			TickBudget:   constants.DefaultTickBudget,
			PhaseDwell:   constants.DefaultPhaseDwell,
			StuckTimeout: constants.DefaultStuckTimeout,
		},
		Drift: DriftConfig{
			TickInterval: constants.DefaultDriftTickInterval,
			TickBudget:   constants.DefaultTickBudget,
			Bins:         constants.DefaultDriftBins,
			MinSamples:   constants.DefaultDriftMinSamples,
			Epsilon:      constants.DefaultDriftEpsilon,
			PSIMedium:    constants.DefaultPSIMediumMin,
			PSIHigh:      constants.DefaultPSIHighMin,
			PSICritical:  constants.DefaultPSICriticalMin,
			JSDMedium:    constants.DefaultJSDMediumMin,
			JSDHigh:      constants.DefaultJSDHighMin,
			JSDCritical:  constants.DefaultJSDCriticalMin,
		},
		Budget: BudgetConfig{
			TickInterval:       constants.DefaultBudgetTickInterval,
			TickBudget:         constants.DefaultTickBudget,
			Period:             constants.DefaultBudgetPeriod,
			EMAAlpha:           constants.DefaultLatencyEMAAlpha,
			AlertThresholds:    []float64{constants.DefaultAlertThreshold80, constants.DefaultAlertThreshold90},
			AutoswitchCooldown: constants.DefaultAutoswitchCooldown,
		},
		Shadow: ShadowConfig{
			TickInterval:  constants.DefaultExperimentTickInterval,
			TickBudget:    constants.DefaultTickBudget,
			Workers:       constants.DefaultShadowWorkers,
			QueueSize:     constants.DefaultShadowQueueSize,
			MinSampleSize: constants.DefaultMinSampleSize,
			Confidence:    constants.DefaultConfidenceLevel,
			ScorerTimeout: constants.DefaultScorerTimeout,
		},
	}
}

// Load reads configuration from the given file (or the default search paths)
// and the MODELPLANE_* environment, layered over the defaults.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("modelplane")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/modelplane")
	}

	v.SetEnvPrefix("MODELPLANE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, NewDefaultConfig())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// setDefaults registers every known key so environment overrides resolve even
// without a config file.
func setDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("environment", def.Environment)

	v.SetDefault("server.host", def.Server.Host)
	v.SetDefault("server.port", def.Server.Port)
	v.SetDefault("server.metrics_port", def.Server.MetricsPort)
	v.SetDefault("server.read_timeout", def.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", def.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", def.Server.IdleTimeout)
	v.SetDefault("server.shutdown_timeout", def.Server.ShutdownTimeout)

	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.format", def.Logging.Format)

	v.SetDefault("storage.backend", def.Storage.Backend)
	v.SetDefault("storage.redis.addr", def.Storage.Redis.Addr)
	v.SetDefault("storage.redis.password", def.Storage.Redis.Password)
	v.SetDefault("storage.redis.db", def.Storage.Redis.DB)
	v.SetDefault("storage.redis.dial_timeout", def.Storage.Redis.DialTimeout)
	v.SetDefault("storage.redis.read_timeout", def.Storage.Redis.ReadTimeout)
	v.SetDefault("storage.redis.write_timeout", def.Storage.Redis.WriteTimeout)
	v.SetDefault("storage.redis.pool_size", def.Storage.Redis.PoolSize)
	v.SetDefault("storage.redis.min_idle_conns", def.Storage.Redis.MinIdleConns)
	v.SetDefault("storage.redis.key_prefix", def.Storage.Redis.KeyPrefix)
	v.SetDefault("storage.redis.use_clustering", def.Storage.Redis.UseClustering)
	v.SetDefault("storage.redis.cluster_addrs", def.Storage.Redis.ClusterAddrs)
	v.SetDefault("storage.postgres.host", def.Storage.Postgres.Host)
	v.SetDefault("storage.postgres.port", def.Storage.Postgres.Port)
	v.SetDefault("storage.postgres.database", def.Storage.Postgres.Database)
	v.SetDefault("storage.postgres.username", def.Storage.Postgres.Username)
	v.SetDefault("storage.postgres.password", def.Storage.Postgres.Password)
	v.SetDefault("storage.postgres.ssl_mode", def.Storage.Postgres.SSLMode)
	v.SetDefault("storage.postgres.connect_timeout", def.Storage.Postgres.ConnectTimeout)
	v.SetDefault("storage.postgres.query_timeout", def.Storage.Postgres.QueryTimeout)
	v.SetDefault("storage.postgres.max_connections", def.Storage.Postgres.MaxConnections)
	v.SetDefault("storage.postgres.max_idle_conns", def.Storage.Postgres.MaxIdleConns)
	v.SetDefault("storage.postgres.conn_max_lifetime", def.Storage.Postgres.ConnMaxLifetime)

	v.SetDefault("registry.cache_ttl", def.Registry.CacheTTL)
	v.SetDefault("registry.cache_size", def.Registry.CacheSize)

	v.SetDefault("rollout.tick_interval", def.Rollout.TickInterval)
	v.SetDefault("rollout.tick_jitter", def.Rollout.TickJitter)
	v.SetDefault("rollout.tick_budget", def.Rollout.TickBudget)
	v.SetDefault("rollout.phase_dwell", def.Rollout.PhaseDwell)
	v.SetDefault("rollout.stuck_timeout", def.Rollout.StuckTimeout)

	v.SetDefault("drift.tick_interval", def.Drift.TickInterval)
	v.SetDefault("drift.tick_budget", def.Drift.TickBudget)
	v.SetDefault("drift.bins", def.Drift.Bins)
	v.SetDefault("drift.min_samples", def.Drift.MinSamples)
	v.SetDefault("drift.epsilon", def.Drift.Epsilon)
	v.SetDefault("drift.psi_medium", def.Drift.PSIMedium)
	v.SetDefault("drift.psi_high", def.Drift.PSIHigh)
	v.SetDefault("drift.psi_critical", def.Drift.PSICritical)
	v.SetDefault("drift.jsd_medium", def.Drift.JSDMedium)
	v.SetDefault("drift.jsd_high", def.Drift.JSDHigh)
	v.SetDefault("drift.jsd_critical", def.Drift.JSDCritical)

	v.SetDefault("budget.tick_interval", def.Budget.TickInterval)
	v.SetDefault("budget.tick_budget", def.Budget.TickBudget)
	v.SetDefault("budget.period", def.Budget.Period)
	v.SetDefault("budget.ema_alpha", def.Budget.EMAAlpha)
	v.SetDefault("budget.alert_thresholds", def.Budget.AlertThresholds)
	v.SetDefault("budget.autoswitch_cooldown", def.Budget.AutoswitchCooldown)

	v.SetDefault("shadow.tick_interval", def.Shadow.TickInterval)
	v.SetDefault("shadow.tick_budget", def.Shadow.TickBudget)
	v.SetDefault("shadow.workers", def.Shadow.Workers)
	v.SetDefault("shadow.queue_size", def.Shadow.QueueSize)
	v.SetDefault("shadow.min_sample_size", def.Shadow.MinSampleSize)
	v.SetDefault("shadow.confidence", def.Shadow.Confidence)
	v.SetDefault("shadow.scorer_endpoint", def.Shadow.ScorerEndpoint)
	v.SetDefault("shadow.scorer_timeout", def.Shadow.ScorerTimeout)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.MetricsPort < 1 || c.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", c.Server.MetricsPort)
	}

	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server timeouts must be positive")
	}

	switch c.Storage.Backend {
	case constants.StorageTypeMemory, constants.StorageTypeRedis, constants.StorageTypePostgres:
	default:
		return fmt.Errorf("unsupported storage backend: %s", c.Storage.Backend)
	}

	if c.Registry.CacheTTL <= 0 {
		return fmt.Errorf("registry cache TTL must be positive")
	}

	if c.Registry.CacheSize <= 0 {
		return fmt.Errorf("registry cache size must be positive")
	}

	if c.Rollout.TickInterval <= 0 || c.Drift.TickInterval <= 0 ||
		c.Budget.TickInterval <= 0 || c.Shadow.TickInterval <= 0 {
		return fmt.Errorf("tick intervals must be positive")
	}

	if c.Rollout.PhaseDwell <= 0 {
		return fmt.Errorf("rollout phase dwell must be positive")
	}

	if c.Rollout.StuckTimeout <= c.Rollout.PhaseDwell {
		return fmt.Errorf("rollout stuck timeout must exceed phase dwell")
	}

	if c.Drift.Bins < 2 {
		return fmt.Errorf("drift bins must be at least 2")
	}

	if c.Drift.MinSamples <= 0 {
		return fmt.Errorf("drift min samples must be positive")
	}

	if c.Drift.Epsilon <= 0 {
		return fmt.Errorf("drift epsilon must be positive")
	}

	if !(c.Drift.PSIMedium < c.Drift.PSIHigh && c.Drift.PSIHigh < c.Drift.PSICritical) {
		return fmt.Errorf("drift PSI thresholds must be strictly increasing")
	}

	if !(c.Drift.JSDMedium < c.Drift.JSDHigh && c.Drift.JSDHigh < c.Drift.JSDCritical) {
		return fmt.Errorf("drift JSD thresholds must be strictly increasing")
	}

	if c.Budget.Period <= 0 {
		return fmt.Errorf("budget period must be positive")
	}

	if c.Budget.EMAAlpha <= 0 || c.Budget.EMAAlpha > 1 {
		return fmt.Errorf("budget EMA alpha must be in (0, 1]")
	}

	prev := 0.0
	for _, t := range c.Budget.AlertThresholds {
		if t <= prev || t >= 1 {
			return fmt.Errorf("budget alert thresholds must be strictly increasing in (0, 1)")
		}
		prev = t
	}

	if c.Budget.AutoswitchCooldown <= 0 {
		return fmt.Errorf("budget autoswitch cooldown must be positive")
	}

	if c.Shadow.Workers <= 0 {
		return fmt.Errorf("shadow workers must be positive")
	}

	if c.Shadow.QueueSize <= 0 {
		return fmt.Errorf("shadow queue size must be positive")
	}

	if c.Shadow.MinSampleSize <= 0 {
		return fmt.Errorf("experiment min sample size must be positive")
	}

	if c.Shadow.Confidence <= 0 || c.Shadow.Confidence >= 1 {
		return fmt.Errorf("experiment confidence must be in (0, 1)")
	}

	return nil
}

// GetAddress returns the API server address
func (c *Config) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// GetMetricsAddress returns the metrics server address
func (c *Config) GetMetricsAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.MetricsPort)
}

// StorageOptions translates the storage section into factory options.
func (c *Config) StorageOptions() storage.Options {
	return storage.Options{
		Backend: c.Storage.Backend,
		Redis: redis.Config{
			Addr:          c.Storage.Redis.Addr,
			Password:      c.Storage.Redis.Password,
			DB:            c.Storage.Redis.DB,
			DialTimeout:   c.Storage.Redis.DialTimeout,
			ReadTimeout:   c.Storage.Redis.ReadTimeout,
			WriteTimeout:  c.Storage.Redis.WriteTimeout,
			PoolSize:      c.Storage.Redis.PoolSize,
			MinIdleConns:  c.Storage.Redis.MinIdleConns,
			KeyPrefix:     c.Storage.Redis.KeyPrefix,
			UseClustering: c.Storage.Redis.UseClustering,
			ClusterAddrs:  c.Storage.Redis.ClusterAddrs,
		},
		Postgres: postgres.Config{
			Host:            c.Storage.Postgres.Host,
			Port:            c.Storage.Postgres.Port,
			Database:        c.Storage.Postgres.Database,
			Username:        c.Storage.Postgres.Username,
			Password:        c.Storage.Postgres.Password,
			SSLMode:         c.Storage.Postgres.SSLMode,
			ConnectTimeout:  c.Storage.Postgres.ConnectTimeout,
			QueryTimeout:    c.Storage.Postgres.QueryTimeout,
			MaxConnections:  c.Storage.Postgres.MaxConnections,
			MaxIdleConns:    c.Storage.Postgres.MaxIdleConns,
			ConnMaxLifetime: c.Storage.Postgres.ConnMaxLifetime,
		},
	}
}
