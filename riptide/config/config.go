package config

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/riptideq/riptide/riptide/driver"
	"github.com/riptideq/riptide/riptide/store"
)

type Config struct {
	Driver driver.Driver // "redis" (default), "memory", or "custom"

	RedisHost            string
	RedisPort            int
	RedisDB              int
	RedisPassword        string
	RedisUsername        string
	RedisPoolSize        int
	RedisMaxRetries      int
	RedisConnMaxIdleTime time.Duration
	RedisPingTimeout     time.Duration

	MemoryMaxJobs int
	CustomStore   store.Store

	// RecordTTL bounds how long a job record survives in the store;
	// UserIndexTTL bounds the per-user index, refreshed on every append.
	RecordTTL    time.Duration
	UserIndexTTL time.Duration

	MaxWorkers        int
	MaxRetries        int
	PollInterval      time.Duration
	PopTimeout        time.Duration
	RetryPollInterval time.Duration
	ShutdownTimeout   time.Duration
	DefaultJobTimeout time.Duration

	// RetryBackoffBase doubles per attempt up to RetryBackoffMax.
	// A zero base re-admits failed jobs immediately.
	RetryBackoffBase time.Duration
	RetryBackoffMax  time.Duration

	Logger *zap.Logger
}

func (c *Config) SetDefaults() {
	if string(c.Driver) == "" {
		c.Driver = driver.DriverRedis
	}
	if c.Driver == driver.DriverRedis {
		if c.RedisHost == "" {
			c.RedisHost = "localhost"
		}
		if c.RedisPort == 0 {
			c.RedisPort = 6379
		}
		if c.RedisPoolSize == 0 {
			c.RedisPoolSize = 10
		}
		if c.RedisMaxRetries == 0 {
			c.RedisMaxRetries = 3
		}
		if c.RedisConnMaxIdleTime == 0 {
			c.RedisConnMaxIdleTime = 5 * time.Minute
		}
		if c.RedisPingTimeout == 0 {
			c.RedisPingTimeout = 5 * time.Second
		}
	}
	if c.Driver == driver.DriverMemory {
		if c.MemoryMaxJobs == 0 {
			c.MemoryMaxJobs = 10000
		}
	}
	if c.RecordTTL == 0 {
		c.RecordTTL = 7 * 24 * time.Hour
	}
	if c.UserIndexTTL == 0 {
		c.UserIndexTTL = 30 * 24 * time.Hour
	}
	if c.MaxWorkers == 0 {
		c.MaxWorkers = 25
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.PollInterval == 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.PopTimeout == 0 {
		c.PopTimeout = 5 * time.Second
	}
	if c.RetryPollInterval == 0 {
		c.RetryPollInterval = time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.DefaultJobTimeout == 0 {
		c.DefaultJobTimeout = 5 * time.Minute
	}
	if c.RetryBackoffMax == 0 {
		c.RetryBackoffMax = 5 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

func (c *Config) Validate() error {
	if c.MaxWorkers < 1 {
		return errors.New("max_workers must be >= 1")
	}
	if c.MaxRetries < 0 {
		return errors.New("max_retries must be >= 0")
	}
	if c.PollInterval <= 0 {
		return errors.New("poll_interval must be > 0")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("shutdown_timeout must be > 0")
	}
	if c.RecordTTL <= 0 {
		return errors.New("record_ttl must be > 0")
	}
	if c.UserIndexTTL <= 0 {
		return errors.New("user_index_ttl must be > 0")
	}
	if c.RetryBackoffBase < 0 {
		return errors.New("retry_backoff_base must be >= 0")
	}

	switch c.Driver {
	case driver.DriverRedis, "":
		if c.RedisHost == "" {
			return errors.New("redis_host must be provided")
		}
		if c.RedisPort < 0 || c.RedisPort > 65535 {
			return errors.New("redis_port must be between 0 and 65535")
		}
		if c.RedisPoolSize < 1 {
			return errors.New("redis_pool_size must be >= 1")
		}

	case driver.DriverMemory:
		if c.MemoryMaxJobs < 1 {
			return errors.New("memory_max_jobs must be >= 1")
		}

	case driver.DriverCustom:
		if c.CustomStore == nil {
			return errors.New("custom_store must be provided when driver is 'custom'")
		}

	default:
		return errors.New("unsupported driver: " + string(c.Driver))
	}

	return nil
}

func (c *Config) CreateStore(ctx context.Context) (store.Store, error) {
	switch c.Driver {
	case driver.DriverRedis, "":
		return store.NewRedisStore(ctx, store.RedisConfig{
			Host:            c.RedisHost,
			Port:            c.RedisPort,
			DB:              c.RedisDB,
			Password:        c.RedisPassword,
			Username:        c.RedisUsername,
			PoolSize:        c.RedisPoolSize,
			MaxRetries:      c.RedisMaxRetries,
			ConnMaxIdleTime: c.RedisConnMaxIdleTime,
			PingTimeout:     c.RedisPingTimeout,
			RecordTTL:       c.RecordTTL,
			UserIndexTTL:    c.UserIndexTTL,
		})
	case driver.DriverMemory:
		return store.NewMemoryStore(store.MemoryConfig{
			MaxJobs:      c.MemoryMaxJobs,
			RecordTTL:    c.RecordTTL,
			UserIndexTTL: c.UserIndexTTL,
		}), nil
	case driver.DriverCustom:
		if c.CustomStore == nil {
			return nil, errors.New("custom_store must be provided when driver is 'custom'")
		}
		return c.CustomStore, nil
	default:
		return nil, errors.New("unsupported driver: " + string(c.Driver))
	}
}

// BackoffFor returns the re-admission delay before the given attempt
// (1-based). Zero base means immediate re-admission.
func (c *Config) BackoffFor(attempt int) time.Duration {
	if c.RetryBackoffBase <= 0 {
		return 0
	}
	d := c.RetryBackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.RetryBackoffMax {
			return c.RetryBackoffMax
		}
	}
	if d > c.RetryBackoffMax {
		return c.RetryBackoffMax
	}
	return d
}
