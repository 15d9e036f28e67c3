package constants

import "time"

// Circuit breaker defaults.
const (
	DefaultBaseFailureThreshold = 5
	DefaultMinFailureThreshold  = 2
	DefaultMaxFailureThreshold  = 20
	DefaultThresholdAdjustment  = 2
	DefaultErrorRateThreshold   = 0.5
	DefaultErrorRateAlpha       = 0.3
	DefaultWindowDuration       = 5 * time.Minute
	DefaultWindowMaxEntries     = 200
	ErrorRateMinSamples         = 10

	DefaultOpenTimeout             = 2 * time.Minute
	BackoffNonRetryable            = 48 * time.Hour
	BackoffPermanent               = 24 * time.Hour
	BackoffRetryable               = 12 * time.Hour
	BackoffRateLimitSeed           = 5 * time.Minute
	BackoffRateLimitCap            = 60 * time.Minute
	DefaultRecoverySuccessThreshold = 3
	HalfOpenJitterMax              = 30 * time.Second

	FlapGuardThreshold    = 3
	FlapGuardHardStop     = 5
	FlapGuardCapPermanent = 5
	FlapGuardCapDefault   = 10
)

// Breaker persistence defaults.
const (
	DefaultPersistenceDebounce = 30 * time.Second
	DefaultPersistencePath     = "./data/circuit-breakers.json"
	DefaultPersistenceBackups  = 3
)

// Recovery coordinator defaults.
const (
	DefaultServerCooldown          = 10 * time.Second
	DefaultMaxWaitForInFlight      = 30 * time.Second
	DefaultModelTestTimeout        = 60 * time.Second
	DefaultLightweightProbeTimeout = 5 * time.Second
	DefaultEmbeddingProbeTimeout   = 15 * time.Second
	DefaultMaxQueuePerServer       = 10
	DefaultMaxConcurrentPerServer  = 2
	DefaultProbeMetricsCap         = 500
	ProbeMetricsMaxAge             = 24 * time.Hour
)

// Health scheduler defaults.
const (
	DefaultHealthInterval       = 30 * time.Second
	DefaultRecoveryInterval     = 60 * time.Second
	DefaultMaxConcurrentChecks  = 5
	DefaultHealthCheckTimeout   = 10 * time.Second
	DefaultAuxProbeTimeout      = 5 * time.Second
	DefaultHealthRetryAttempts  = 2
	DefaultHealthRetryDelay     = 500 * time.Millisecond
	DefaultBackoffMultiplier    = 2.0
	MainCheckBatchPause         = 100 * time.Millisecond
	RecoveryCheckBatchPause     = 500 * time.Millisecond
	DefaultActiveTestTimeout    = 60 * time.Second
	ActiveTestTimeoutCap        = 15 * time.Minute
	ModelSizeVRAMUnit           = 500 << 20 // bytes per size multiplier step
)

// Queue defaults.
const (
	DefaultQueueMaxSize       = 1000
	DefaultMaxPriority        = 100
	DefaultPriorityBoost      = 10
	DefaultBoostInterval      = 30 * time.Second
	QueueMaxSizeFloor         = 1
	QueueMaxSizeCeil          = 10000
)

// Router defaults.
const (
	DefaultMaxSameServerRetries = 3
	DefaultRetryDelay           = 500 * time.Millisecond
	DefaultMaxRetryDelay        = 10 * time.Second
	DefaultCooldownDuration     = 5 * time.Minute
	DefaultTransientUnhealthyAt = 5

	DefaultWeightLatency     = 0.3
	DefaultWeightSuccessRate = 0.3
	DefaultWeightLoad        = 0.2
	DefaultWeightCapacity    = 0.2
)

// Tags aggregator defaults.
const (
	DefaultTagsCacheTTL     = 30 * time.Second
	DefaultTagsBatchDelay   = 50 * time.Millisecond
	DefaultTagsFanoutLimit  = 4
	DefaultTagsProbeTimeout = 5 * time.Second
)

// Upstream client defaults.
const (
	DefaultRequestTimeout = 10 * time.Minute
	DefaultIdleTimeout    = 2 * time.Minute
	DefaultConnectTimeout = 30 * time.Second
)
