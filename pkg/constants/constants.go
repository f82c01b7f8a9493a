package constants

import "time"

// Application constants
const (
	// Application metadata
	AppName        = "modelplane-server"
	AppDescription = "Tenant-aware ModelOps control plane"
	AppVersion     = "0.1.0"

	// API constants
	APIVersion = "v1"
	APIPrefix  = "/api/v1"

	// Default configuration values
	DefaultPort            = 8080
	DefaultMetricsPort     = 9090
	DefaultHost            = "0.0.0.0"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"
	DefaultReadTimeout     = 15 * time.Second
	DefaultWriteTimeout    = 15 * time.Second
	DefaultIdleTimeout     = 60 * time.Second
	DefaultShutdownTimeout = 30 * time.Second

	// Registry defaults
	DefaultResolveCacheTTL  = 30 * time.Second
	DefaultResolveCacheSize = 4096

	// Rollout defaults
	DefaultRolloutTickInterval = 15 * time.Second
	DefaultRolloutTickJitter   = 2 * time.Second
	DefaultPhaseDwell          = 10 * time.Minute
	DefaultStuckTimeout        = 2 * time.Hour

	// Drift defaults
	DefaultDriftTickInterval = 1 * time.Minute
	DefaultDriftBins         = 10
	DefaultDriftMinSamples   = 200
	DefaultDriftEpsilon      = 1e-4
	DefaultPSIMediumMin      = 0.10
	DefaultPSIHighMin        = 0.25
	DefaultPSICriticalMin    = 0.40
	DefaultJSDMediumMin      = 0.05
	DefaultJSDHighMin        = 0.10
	DefaultJSDCriticalMin    = 0.20

	// Budget defaults
	DefaultBudgetTickInterval = 30 * time.Second
	DefaultLatencyEMAAlpha    = 0.2
	DefaultAutoswitchCooldown = 5 * time.Minute
	DefaultBudgetPeriod       = 30 * 24 * time.Hour
	DefaultAlertThreshold80   = 0.80
	DefaultAlertThreshold90   = 0.90

	// Experiment defaults
	DefaultExperimentTickInterval = 1 * time.Minute
	DefaultMinSampleSize          = 1000
	DefaultConfidenceLevel        = 0.95
	DefaultShadowWorkers          = 4
	DefaultShadowQueueSize        = 1024
	DefaultScorerTimeout          = 5 * time.Second

	// Scheduling defaults
	DefaultTickBudget = 10 * time.Second

	// Storage defaults
	DefaultStorageTimeout    = 30 * time.Second
	DefaultMaxConnections    = 100
	DefaultConnectionTimeout = 10 * time.Second

	// Rate limiting defaults
	DefaultRateLimit  = 100 // requests per minute
	DefaultBurstLimit = 200

	// Pagination defaults
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

// HTTP headers
const (
	HeaderContentType        = "Content-Type"
	HeaderAccept             = "Accept"
	HeaderAuthorization      = "Authorization"
	HeaderUserAgent          = "User-Agent"
	HeaderRequestID          = "X-Request-ID"
	HeaderForwardedFor       = "X-Forwarded-For"
	HeaderRealIP             = "X-Real-IP"
	HeaderRateLimit          = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRetryAfter         = "Retry-After"
)

// Content types
const (
	ContentTypeJSON      = "application/json"
	ContentTypePlainText = "text/plain"
)

// Environment names
const (
	EnvDevelopment = "development"
	EnvTesting     = "testing"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// Log levels
const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
	LogLevelFatal = "fatal"
)

// Log formats
const (
	LogFormatJSON = "json"
	LogFormatText = "text"
)

// Storage backends
const (
	StorageTypeMemory   = "memory"
	StorageTypeRedis    = "redis"
	StorageTypePostgres = "postgres"
)

// Event topics
const (
	TopicDriftAlert          = "drift.alert"
	TopicBudgetThreshold     = "budget.threshold"
	TopicBudgetAutoswitch    = "budget.autoswitch"
	TopicBudgetForecast      = "budget.forecast"
	TopicRolloutAborted      = "rollout.aborted"
	TopicRolloutCompleted    = "rollout.completed"
	TopicExperimentConcluded = "experiment.concluded"
)

// Cache keys
const (
	CacheKeyPrefix   = "modelplane:"
	CacheKeyVersion  = CacheKeyPrefix + "version:"
	CacheKeyOverride = CacheKeyPrefix + "override:"
	CacheKeyRollout  = CacheKeyPrefix + "rollout:"
	CacheKeyLedger   = CacheKeyPrefix + "ledger:"
	CacheKeyDrift    = CacheKeyPrefix + "drift:"
	CacheKeyExp      = CacheKeyPrefix + "experiment:"
)

// Metric names (for monitoring)
const (
	MetricRequestTotal       = "http_requests_total"
	MetricRequestDuration    = "http_request_duration_seconds"
	MetricRouteDecisions     = "modelplane_route_decisions_total"
	MetricResolveTotal       = "modelplane_resolve_total"
	MetricResolveCacheHits   = "modelplane_resolve_cache_hits_total"
	MetricRolloutPhase       = "modelplane_rollout_phase"
	MetricRolloutTransitions = "modelplane_rollout_transitions_total"
	MetricDriftPSI           = "modelplane_drift_psi"
	MetricDriftJSD           = "modelplane_drift_js_divergence"
	MetricDriftChecks        = "modelplane_drift_checks_total"
	MetricBudgetSpendRatio   = "modelplane_budget_spend_ratio"
	MetricBudgetAutoswitch   = "modelplane_budget_autoswitch_total"
	MetricExperimentSamples  = "modelplane_experiment_samples_total"
	MetricShadowDropped      = "modelplane_shadow_dropped_total"
	MetricTickDuration       = "modelplane_tick_duration_seconds"
	MetricTickOverruns       = "modelplane_tick_overruns_total"
)

// Configuration keys
const (
	ConfigServer   = "server"
	ConfigLogging  = "logging"
	ConfigStorage  = "storage"
	ConfigRegistry = "registry"
	ConfigRollout  = "rollout"
	ConfigDrift    = "drift"
	ConfigBudget   = "budget"
	ConfigShadow   = "shadow"
)

// Time formats
const (
	TimeFormatRFC3339 = time.RFC3339
	TimeFormatDate    = "2006-01-02"
	TimeFormatPeriod  = "2006-01" // billing period id
)

// Database table names
const (
	TableModelVersions   = "model_versions"
	TableTenantOverrides = "tenant_overrides"
	TableRollouts        = "rollouts"
	TableBudgetLedgers   = "budget_ledgers"
	TableDriftResults    = "drift_results"
	TableExperiments     = "experiments"
)
