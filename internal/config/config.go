package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/kode4food/cascade/pkg/retry"
)

type (
	// Config holds configuration settings for the orchestration service
	Config struct {
		// API Server
		APIHost  string
		APIPort  int
		LogLevel string

		// Stores & Archiving
		Store         StoreConfig
		ArchiveURL    string
		ArchivePrefix string
		CacheSize     int

		// Metrics
		StatsdAddr string

		// Retry
		Retry RetryConfig

		// Engine
		WorkerCount     int
		QueueSize       int
		StepTimeout     time.Duration
		StuckThreshold  time.Duration
		ShutdownTimeout time.Duration
	}

	// StoreConfig selects and configures the primary instance store
	StoreConfig struct {
		Type     string
		Addr     string
		Password string
		Prefix   string
		DB       int
	}

	// RetryConfig is the default retry policy for steps that don't carry
	// their own
	RetryConfig struct {
		MaxAttempts  int
		InitialDelay time.Duration
		MaxDelay     time.Duration
		Multiplier   float64
	}
)

const (
	StoreTypeMemory  = "memory"
	StoreTypeRedis   = "redis"
	StoreTypeTimebox = "timebox"
)

const (
	DefaultAPIPort = 8080
	DefaultAPIHost = "0.0.0.0"
	MaxTCPPort     = 65535

	DefaultStepTimeout     = 30 * time.Second
	DefaultStuckThreshold  = 5 * time.Minute
	DefaultShutdownTimeout = 10 * time.Second
	DefaultWorkerCount     = 16
	DefaultQueueSize       = 1024
	DefaultCacheSize       = 4096

	DefaultRedisEndpoint = "localhost:6379"
	DefaultRedisPrefix   = "cascade"
	DefaultRedisDB       = 0
	DefaultArchivePrefix = "archive/"

	DefaultRetryMaxAttempts  = 3
	DefaultRetryInitialDelay = time.Second
	DefaultRetryMaxDelay     = time.Minute
	DefaultRetryMultiplier   = 2.0

	MaxWorkerCount      = 4096
	MaxQueueSize        = 1_000_000
	MaxCacheSize        = 1_000_000
	MaxRedisDB          = 15
	MaxRetryMaxAttempts = 1000
)

var (
	ErrInvalidAPIPort        = errors.New("invalid API port")
	ErrInvalidStepTimeout    = errors.New("step timeout must be positive")
	ErrInvalidStuckThreshold = errors.New("stuck threshold must be positive")
	ErrInvalidWorkerCount    = errors.New("worker count must be positive")
	ErrInvalidQueueSize      = errors.New("queue size cannot be negative")
	ErrInvalidStoreType      = errors.New("invalid store type")
	ErrRedisAddrRequired     = errors.New("redis store requires an address")
	ErrInvalidCacheSize      = errors.New("cache size cannot be negative")
	ErrInvalidRetry          = errors.New("invalid default retry policy")
	ErrInvalidEnvValue       = errors.New("invalid environment value")
)

// NewDefaultConfig creates a configuration with sensible defaults for the
// engine, stores, and retry behavior
func NewDefaultConfig() *Config {
	return &Config{
		APIHost:  DefaultAPIHost,
		APIPort:  DefaultAPIPort,
		LogLevel: "info",
		Store: StoreConfig{
			Type:   StoreTypeMemory,
			Addr:   DefaultRedisEndpoint,
			Prefix: DefaultRedisPrefix,
			DB:     DefaultRedisDB,
		},
		ArchivePrefix: DefaultArchivePrefix,
		CacheSize:     DefaultCacheSize,
		Retry: RetryConfig{
			MaxAttempts:  DefaultRetryMaxAttempts,
			InitialDelay: DefaultRetryInitialDelay,
			MaxDelay:     DefaultRetryMaxDelay,
			Multiplier:   DefaultRetryMultiplier,
		},
		WorkerCount:     DefaultWorkerCount,
		QueueSize:       DefaultQueueSize,
		StepTimeout:     DefaultStepTimeout,
		StuckThreshold:  DefaultStuckThreshold,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

// LoadFromEnv populates configuration values from environment variables.
// Returns an error if any env var cannot be parsed
func (c *Config) LoadFromEnv() error {
	loadEnvString("API_HOST", &c.APIHost)
	loadEnvString("LOG_LEVEL", &c.LogLevel)
	loadEnvString("STORE_TYPE", &c.Store.Type)
	loadEnvString("REDIS_ADDR", &c.Store.Addr)
	loadEnvString("REDIS_PASSWORD", &c.Store.Password)
	loadEnvString("REDIS_PREFIX", &c.Store.Prefix)
	loadEnvString("ARCHIVE_URL", &c.ArchiveURL)
	loadEnvString("ARCHIVE_PREFIX", &c.ArchivePrefix)
	loadEnvString("STATSD_ADDR", &c.StatsdAddr)

	ints := []struct {
		key      string
		dst      *int
		min, max int
	}{
		{"API_PORT", &c.APIPort, 0, MaxTCPPort},
		{"WORKER_COUNT", &c.WorkerCount, 0, MaxWorkerCount},
		{"QUEUE_SIZE", &c.QueueSize, -1, MaxQueueSize},
		{"CACHE_SIZE", &c.CacheSize, -1, MaxCacheSize},
		{"REDIS_DB", &c.Store.DB, -1, MaxRedisDB},
		{"RETRY_MAX_ATTEMPTS", &c.Retry.MaxAttempts, -1, MaxRetryMaxAttempts},
	}
	for _, i := range ints {
		if err := loadEnvInt(i.key, i.dst, i.min, i.max); err != nil {
			return err
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"STEP_TIMEOUT", &c.StepTimeout},
		{"STUCK_THRESHOLD", &c.StuckThreshold},
		{"SHUTDOWN_TIMEOUT", &c.ShutdownTimeout},
		{"RETRY_INITIAL_DELAY", &c.Retry.InitialDelay},
		{"RETRY_MAX_DELAY", &c.Retry.MaxDelay},
	}
	for _, d := range durations {
		if err := loadEnvDuration(d.key, d.dst); err != nil {
			return err
		}
	}

	return loadEnvFloat("RETRY_MULTIPLIER", &c.Retry.Multiplier)
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if c.APIPort <= 0 || c.APIPort > MaxTCPPort {
		return fmt.Errorf("%w: %d", ErrInvalidAPIPort, c.APIPort)
	}

	if c.StepTimeout <= 0 {
		return ErrInvalidStepTimeout
	}

	if c.StuckThreshold <= 0 {
		return ErrInvalidStuckThreshold
	}

	if c.WorkerCount <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidWorkerCount, c.WorkerCount)
	}

	if c.QueueSize < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidQueueSize, c.QueueSize)
	}

	if c.CacheSize < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidCacheSize, c.CacheSize)
	}

	switch c.Store.Type {
	case StoreTypeMemory:
	case StoreTypeRedis, StoreTypeTimebox:
		if c.Store.Addr == "" {
			return ErrRedisAddrRequired
		}
	default:
		return fmt.Errorf("%w: %s", ErrInvalidStoreType, c.Store.Type)
	}

	if _, err := c.DefaultRetryPolicy(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRetry, err)
	}

	return nil
}

// DefaultRetryPolicy builds the policy applied to steps without their own
func (c *Config) DefaultRetryPolicy() (*retry.Policy, error) {
	return retry.New(retry.Config{
		MaxAttempts:  c.Retry.MaxAttempts,
		InitialDelay: c.Retry.InitialDelay,
		MaxDelay:     c.Retry.MaxDelay,
		Multiplier:   c.Retry.Multiplier,
	})
}

// Addr returns the host:port the API server listens on
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.APIHost, c.APIPort)
}

func loadEnvString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// loadEnvInt reads key from the environment, parses it as an integer, and
// sets *dst if the value is in the range (min, max]. Returns an error if
// the value cannot be parsed or falls outside the valid range
func loadEnvInt[T ~int | ~int64](key string, dst *T, min, max T) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %s: %q", ErrInvalidEnvValue, key, s)
	}
	tv := T(v)
	if tv <= min || tv > max {
		return fmt.Errorf("%w: %s: %d out of range [%d, %d]",
			ErrInvalidEnvValue, key, tv, min+1, max)
	}
	*dst = tv
	return nil
}

func loadEnvDuration(key string, dst *time.Duration) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fmt.Errorf("%w: %s: %q", ErrInvalidEnvValue, key, s)
	}
	*dst = d
	return nil
}

func loadEnvFloat(key string, dst *float64) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("%w: %s: %q", ErrInvalidEnvValue, key, s)
	}
	*dst = f
	return nil
}
