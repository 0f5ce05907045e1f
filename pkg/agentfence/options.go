package agentfence

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yourusername/agentfence/core"
	"github.com/yourusername/agentfence/store"
)

// Option is a functional option for configuring a Limiter.
type Option func(*Limiter) error

// WithStore sets a custom store for the limiter.
// If not provided, an in-memory store is used.
func WithStore(s store.Store) Option {
	return func(l *Limiter) error {
		if s == nil {
			return fmt.Errorf("%w: store cannot be nil", ErrInvalidConfig)
		}
		l.store = s
		return nil
	}
}

// WithRedis selects the shared Redis backend. The store owns its client and
// closes it with the limiter.
func WithRedis(config store.RedisConfig) Option {
	return func(l *Limiter) error {
		if config.Addr == "" {
			return fmt.Errorf("%w: redis address cannot be empty", ErrInvalidConfig)
		}
		cfg := config
		l.redisConfig = &cfg
		return nil
	}
}

// WithRedisClient selects the shared Redis backend on an existing client.
// The caller keeps ownership of client.
func WithRedisClient(client redis.UniversalClient, config store.RedisConfig) Option {
	return func(l *Limiter) error {
		if client == nil {
			return fmt.Errorf("%w: redis client cannot be nil", ErrInvalidConfig)
		}
		l.redisClient = client
		cfg := config
		l.redisConfig = &cfg
		return nil
	}
}

// WithDefaults sets the policy used for services that were never configured.
func WithDefaults(capacity int64, refillRate float64) Option {
	return func(l *Limiter) error {
		cfg := ServiceConfig{Capacity: capacity, RefillRate: refillRate}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		l.defaults = cfg
		return nil
	}
}

// WithConfig applies a file-form configuration: defaults, services, backend and cleanup age.
func WithConfig(config *Config) Option {
	return func(l *Limiter) error {
		if config == nil {
			return fmt.Errorf("%w: config cannot be nil", ErrInvalidConfig)
		}
		if err := config.Validate(); err != nil {
			return err
		}

		defaults, err := config.Defaults.ServiceConfig()
		if err != nil {
			return err
		}
		l.defaults = defaults

		for name, policy := range config.Services {
			cfg, err := policy.ServiceConfig()
			if err != nil {
				return err
			}
			l.services[name] = cfg
		}

		if config.Backend == string(store.KindRedis) {
			cfg := config.Redis.StoreConfig()
			l.redisConfig = &cfg
		}

		if config.CleanupAge != "" {
			l.cleanupAge = parseDurationOr(config.CleanupAge, l.cleanupAge)
		}
		return nil
	}
}

// WithConfigFile loads configuration from a YAML or TOML file.
func WithConfigFile(path string) Option {
	return func(l *Limiter) error {
		config, err := LoadConfigFromFile(path)
		if err != nil {
			return err
		}
		return WithConfig(config)(l)
	}
}

// WithLogger sets the logger. Fail-open events are logged at warn level.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) error {
		if logger == nil {
			return fmt.Errorf("%w: logger cannot be nil", ErrInvalidConfig)
		}
		l.logger = logger
		return nil
	}
}

// WithRecorder sets a sink for per-check outcomes.
func WithRecorder(recorder Recorder) Option {
	return func(l *Limiter) error {
		l.recorder = recorder
		return nil
	}
}

// WithClock sets the time source used by the default stores.
func WithClock(clock core.Clock) Option {
	return func(l *Limiter) error {
		if clock == nil {
			return fmt.Errorf("%w: clock cannot be nil", ErrInvalidConfig)
		}
		l.clock = clock
		return nil
	}
}

// WithCleanupAge sets the age after which idle in-memory buckets are cleaned up.
// Zero disables cleanup.
func WithCleanupAge(age time.Duration) Option {
	return func(l *Limiter) error {
		if age < 0 {
			return fmt.Errorf("%w: cleanup age cannot be negative", ErrInvalidConfig)
		}
		l.cleanupAge = age
		return nil
	}
}

// WithCleanupInterval sets how often the cleanup goroutine runs.
// Only used when StartBackgroundCleanup is called.
// Default: 10 minutes
func WithCleanupInterval(interval time.Duration) Option {
	return func(l *Limiter) error {
		if interval < 0 {
			return fmt.Errorf("%w: cleanup interval cannot be negative", ErrInvalidConfig)
		}
		l.cleanupInterval = interval
		return nil
	}
}
