package config

import "time"

// Config is the full application configuration, loaded from YAML with
// OLLAMUX_-prefixed environment overrides.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Upstream    UpstreamConfig    `mapstructure:"upstream"`
	Breaker     BreakerConfig     `mapstructure:"circuit_breaker"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Recovery    RecoveryConfig    `mapstructure:"recovery"`
	Health      HealthConfig      `mapstructure:"health"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Routing     RoutingConfig     `mapstructure:"routing"`
	Tags        TagsConfig        `mapstructure:"tags"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Servers     []ServerEntry     `mapstructure:"servers"`
}

// ServerConfig configures the north-bound HTTP listener.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// UpstreamConfig configures the south-bound HTTP client.
type UpstreamConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"` // between streamed chunks
}

// BreakerConfig holds circuit breaker tunables plus the classifier pattern sets.
type BreakerConfig struct {
	BaseFailureThreshold     int           `mapstructure:"base_failure_threshold"`
	MinFailureThreshold      int           `mapstructure:"min_failure_threshold"`
	MaxFailureThreshold      int           `mapstructure:"max_failure_threshold"`
	ThresholdAdjustment      int           `mapstructure:"threshold_adjustment"`
	ErrorRateThreshold       float64       `mapstructure:"error_rate_threshold"`
	ErrorRateAlpha           float64       `mapstructure:"error_rate_alpha"`
	OpenTimeout              time.Duration `mapstructure:"open_timeout"`
	RecoverySuccessThreshold int           `mapstructure:"recovery_success_threshold"`
	WindowDuration           time.Duration `mapstructure:"window_duration"`
	WindowMaxEntries         int           `mapstructure:"window_max_entries"`

	NonRetryablePatterns []string `mapstructure:"non_retryable_patterns"`
	PermanentPatterns    []string `mapstructure:"permanent_patterns"`
	TransientPatterns    []string `mapstructure:"transient_patterns"`
}

// PersistenceConfig configures the debounced breaker snapshot writer.
type PersistenceConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Path     string        `mapstructure:"path"`
	Debounce time.Duration `mapstructure:"debounce"`
	Backups  int           `mapstructure:"backups"`
}

// RecoveryConfig configures the recovery test coordinator.
type RecoveryConfig struct {
	ServerCooldown         time.Duration `mapstructure:"server_cooldown"`
	MaxWaitForInFlight     time.Duration `mapstructure:"max_wait_for_in_flight"`
	ModelTestTimeout       time.Duration `mapstructure:"model_test_timeout"`
	MaxQueueSizePerServer  int           `mapstructure:"max_queue_size_per_server"`
	MaxConcurrentPerServer int           `mapstructure:"max_concurrent_per_server"`
	CheckInFlightRequests  bool          `mapstructure:"check_in_flight_requests"`
	ProbeMetricsCap        int           `mapstructure:"probe_metrics_cap"`
}

// HealthConfig configures the health check scheduler.
type HealthConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	Interval            time.Duration `mapstructure:"interval"`
	RecoveryInterval    time.Duration `mapstructure:"recovery_interval"`
	MaxConcurrentChecks int           `mapstructure:"max_concurrent_checks"`
	CheckTimeout        time.Duration `mapstructure:"check_timeout"`
	RetryAttempts       int           `mapstructure:"retry_attempts"`
	RetryDelay          time.Duration `mapstructure:"retry_delay"`
	BackoffMultiplier   float64       `mapstructure:"backoff_multiplier"`
}

// QueueConfig configures the priority request queue.
type QueueConfig struct {
	MaxSize               int           `mapstructure:"max_size"`
	MaxPriority           int           `mapstructure:"max_priority"`
	PriorityBoostAmount   int           `mapstructure:"priority_boost_amount"`
	PriorityBoostInterval time.Duration `mapstructure:"priority_boost_interval"`
}

// RoutingConfig configures candidate scoring and failover retries.
type RoutingConfig struct {
	Weights              ScoreWeights  `mapstructure:"weights"`
	MaxRetries           int           `mapstructure:"max_retries"`
	RetryDelay           time.Duration `mapstructure:"retry_delay"`
	MaxRetryDelay        time.Duration `mapstructure:"max_retry_delay"`
	BackoffMultiplier    float64       `mapstructure:"backoff_multiplier"`
	RetryableStatusCodes []int         `mapstructure:"retryable_status_codes"`
	CooldownDuration     time.Duration `mapstructure:"cooldown_duration"`
	TransientFailureMax  int           `mapstructure:"transient_failure_max"`
}

// ScoreWeights are the multipliers of the router's weighted score. They need
// not sum to 1.
type ScoreWeights struct {
	Latency     float64 `mapstructure:"latency"`
	SuccessRate float64 `mapstructure:"success_rate"`
	Load        float64 `mapstructure:"load"`
	Capacity    float64 `mapstructure:"capacity"`
}

// TagsConfig configures the tags aggregator cache and fan-out.
type TagsConfig struct {
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
	FanoutLimit  int           `mapstructure:"fanout_limit"`
	BatchDelay   time.Duration `mapstructure:"batch_delay"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
}

// LoggingConfig configures the styled logger.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Theme      string `mapstructure:"theme"`
	Dir        string `mapstructure:"dir"`
	FileOutput bool   `mapstructure:"file_output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// ServerEntry is one statically configured upstream backend.
type ServerEntry struct {
	ID             string `mapstructure:"id"`
	URL            string `mapstructure:"url"`
	BearerToken    string `mapstructure:"bearer_token"`
	MaxConcurrency int    `mapstructure:"max_concurrency"`
	SupportsOllama bool   `mapstructure:"supports_ollama"`
	SupportsV1     bool   `mapstructure:"supports_v1"`
}
