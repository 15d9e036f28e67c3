package config

import (
	"fmt"
	"os"
	"strings"

	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/ollamux/ollamux/internal/core/constants"
)

const (
	DefaultPort = 11444
	DefaultHost = "localhost"
)

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            DefaultHost,
			Port:            DefaultPort,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Upstream: UpstreamConfig{
			ConnectTimeout: constants.DefaultConnectTimeout,
			RequestTimeout: constants.DefaultRequestTimeout,
			IdleTimeout:    constants.DefaultIdleTimeout,
		},
		Breaker: BreakerConfig{
			BaseFailureThreshold:     constants.DefaultBaseFailureThreshold,
			MinFailureThreshold:      constants.DefaultMinFailureThreshold,
			MaxFailureThreshold:      constants.DefaultMaxFailureThreshold,
			ThresholdAdjustment:      constants.DefaultThresholdAdjustment,
			ErrorRateThreshold:       constants.DefaultErrorRateThreshold,
			ErrorRateAlpha:           constants.DefaultErrorRateAlpha,
			OpenTimeout:              constants.DefaultOpenTimeout,
			RecoverySuccessThreshold: constants.DefaultRecoverySuccessThreshold,
			WindowDuration:           constants.DefaultWindowDuration,
			WindowMaxEntries:         constants.DefaultWindowMaxEntries,
			NonRetryablePatterns: []string{
				"authentication", "authorization", "unauthorized", "forbidden",
				"not found", "invalid", "out of memory",
				"runner process has terminated", "fatal model server error",
				"not enough ram",
			},
			PermanentPatterns: []string{
				"disk full", "no space left", "server crash",
			},
			TransientPatterns: []string{
				"timeout", "temporarily unavailable", "service unavailable",
				"gateway timeout", "econnrefused", "econnreset", "etimedout",
			},
		},
		Persistence: PersistenceConfig{
			Enabled:  true,
			Path:     constants.DefaultPersistencePath,
			Debounce: constants.DefaultPersistenceDebounce,
			Backups:  constants.DefaultPersistenceBackups,
		},
		Recovery: RecoveryConfig{
			ServerCooldown:         constants.DefaultServerCooldown,
			MaxWaitForInFlight:     constants.DefaultMaxWaitForInFlight,
			ModelTestTimeout:       constants.DefaultModelTestTimeout,
			MaxQueueSizePerServer:  constants.DefaultMaxQueuePerServer,
			MaxConcurrentPerServer: constants.DefaultMaxConcurrentPerServer,
			CheckInFlightRequests:  true,
			ProbeMetricsCap:        constants.DefaultProbeMetricsCap,
		},
		Health: HealthConfig{
			Enabled:             true,
			Interval:            constants.DefaultHealthInterval,
			RecoveryInterval:    constants.DefaultRecoveryInterval,
			MaxConcurrentChecks: constants.DefaultMaxConcurrentChecks,
			CheckTimeout:        constants.DefaultHealthCheckTimeout,
			RetryAttempts:       constants.DefaultHealthRetryAttempts,
			RetryDelay:          constants.DefaultHealthRetryDelay,
			BackoffMultiplier:   constants.DefaultBackoffMultiplier,
		},
		Queue: QueueConfig{
			MaxSize:               constants.DefaultQueueMaxSize,
			MaxPriority:           constants.DefaultMaxPriority,
			PriorityBoostAmount:   constants.DefaultPriorityBoost,
			PriorityBoostInterval: constants.DefaultBoostInterval,
		},
		Routing: RoutingConfig{
			Weights: ScoreWeights{
				Latency:     constants.DefaultWeightLatency,
				SuccessRate: constants.DefaultWeightSuccessRate,
				Load:        constants.DefaultWeightLoad,
				Capacity:    constants.DefaultWeightCapacity,
			},
			MaxRetries:           constants.DefaultMaxSameServerRetries,
			RetryDelay:           constants.DefaultRetryDelay,
			MaxRetryDelay:        constants.DefaultMaxRetryDelay,
			BackoffMultiplier:    constants.DefaultBackoffMultiplier,
			RetryableStatusCodes: []int{429, 503},
			CooldownDuration:     constants.DefaultCooldownDuration,
			TransientFailureMax:  constants.DefaultTransientUnhealthyAt,
		},
		Tags: TagsConfig{
			CacheTTL:     constants.DefaultTagsCacheTTL,
			FanoutLimit:  constants.DefaultTagsFanoutLimit,
			BatchDelay:   constants.DefaultTagsBatchDelay,
			ProbeTimeout: constants.DefaultTagsProbeTimeout,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Theme:      "default",
			Dir:        "./logs",
			FileOutput: true,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
		},
	}
}

// Load loads configuration from file and environment variables. onChange, if
// non-nil, fires when the watched config file is rewritten.
func Load(onChange func(*Config)) (*Config, error) {
	config := DefaultConfig()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix("OLLAMUX")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if configFile := os.Getenv("OLLAMUX_CONFIG_FILE"); configFile != "" {
			viper.SetConfigFile(configFile)
			if err := viper.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
			}
		}
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := Validate(config); err != nil {
		return nil, err
	}

	if onChange != nil {
		viper.OnConfigChange(func(fsnotify.Event) {
			updated := DefaultConfig()
			if err := viper.Unmarshal(updated); err != nil {
				return
			}
			if err := Validate(updated); err != nil {
				return
			}
			onChange(updated)
		})
	}
	viper.WatchConfig()

	return config, nil
}

// Validate enforces the admin schema bounds on tunables.
func Validate(c *Config) error {
	if c.Queue.MaxSize < constants.QueueMaxSizeFloor || c.Queue.MaxSize > constants.QueueMaxSizeCeil {
		return fmt.Errorf("queue.max_size must be within [%d, %d], got %d",
			constants.QueueMaxSizeFloor, constants.QueueMaxSizeCeil, c.Queue.MaxSize)
	}
	if c.Breaker.BaseFailureThreshold < 1 {
		return fmt.Errorf("circuit_breaker.base_failure_threshold must be >= 1, got %d",
			c.Breaker.BaseFailureThreshold)
	}
	if c.Breaker.MinFailureThreshold < 1 || c.Breaker.MinFailureThreshold > c.Breaker.MaxFailureThreshold {
		return fmt.Errorf("circuit_breaker min/max thresholds are inconsistent (%d, %d)",
			c.Breaker.MinFailureThreshold, c.Breaker.MaxFailureThreshold)
	}
	if c.Breaker.ErrorRateAlpha <= 0 || c.Breaker.ErrorRateAlpha > 1 {
		return fmt.Errorf("circuit_breaker.error_rate_alpha must be in (0, 1], got %f",
			c.Breaker.ErrorRateAlpha)
	}
	if c.Health.MaxConcurrentChecks < 1 {
		return fmt.Errorf("health.max_concurrent_checks must be >= 1, got %d",
			c.Health.MaxConcurrentChecks)
	}
	for _, s := range c.Servers {
		if s.ID == "" || s.URL == "" {
			return fmt.Errorf("configured servers need both id and url")
		}
	}
	return nil
}
