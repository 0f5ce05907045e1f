package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/yourusername/agentfence/api"
	"github.com/yourusername/agentfence/pkg/agentfence"
)

// serverConfig is the limiter config plus the settings only the server needs
type serverConfig struct {
	Port            int    `mapstructure:"port"`
	ShutdownTimeout string `mapstructure:"shutdown_timeout"`
	Log             struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	agentfence.Config `mapstructure:",squash"`
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()

	v.SetDefault("port", 8080)
	v.SetDefault("shutdown_timeout", "10s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("backend", "memory")
	v.SetDefault("defaults.calls_per_minute", agentfence.DefaultCallsPerMinute)
	v.SetDefault("cleanup_age", "1h")
	v.SetDefault("key_extractor", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "")
	v.SetDefault("redis.ttl", "")
	v.SetDefault("redis.op_timeout", "")

	// AGENTFENCE_REDIS_ADDR overrides redis.addr
	v.SetEnvPrefix("AGENTFENCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	}
	return v
}

func loadConfig(v *viper.Viper) (*serverConfig, error) {
	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return decodeConfig(v)
}

func decodeConfig(v *viper.Viper) (*serverConfig, error) {
	var cfg serverConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port number: %d", cfg.Port)
	}
	if err := cfg.Config.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// watchServices re-applies service policies whenever the config file changes.
// Services dropped from the file fall back to the defaults; services added
// through the API are left alone. Backend and port changes need a restart.
func watchServices(v *viper.Viper, initial *serverConfig, limiter *agentfence.Limiter, logger *slog.Logger) {
	if v.ConfigFileUsed() == "" {
		return
	}

	var mu sync.Mutex
	current := initial.Services

	v.OnConfigChange(func(e fsnotify.Event) {
		logger.Info("config file changed", slog.String("file", e.Name))

		cfg, err := decodeConfig(v)
		if err != nil {
			logger.Error("ignoring invalid config", slog.Any("error", err))
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if err := applyServices(limiter, current, cfg.Services); err != nil {
			logger.Error("failed to apply services", slog.Any("error", err))
			return
		}
		current = cfg.Services
		if cfg.Backend != string(limiter.Backend()) {
			logger.Warn("backend change requires a restart",
				slog.String("configured", cfg.Backend),
				slog.String("running", string(limiter.Backend())))
		}
	})
	v.WatchConfig()
}

// applyServices configures every entry of services and removes the ones that
// were in previous but are gone now.
func applyServices(limiter *agentfence.Limiter, previous, services map[string]agentfence.PolicyConfig) error {
	for name := range previous {
		if _, ok := services[name]; !ok {
			limiter.RemoveService(name)
		}
	}

	for name, policy := range services {
		var opts []agentfence.ServiceOption
		if policy.BurstCapacity != nil {
			opts = append(opts, agentfence.WithBurst(*policy.BurstCapacity))
		}
		if err := limiter.ConfigureService(name, policy.CallsPerMinute, opts...); err != nil {
			return fmt.Errorf("service %s: %w", name, err)
		}
	}
	return nil
}

// handlerOptions turns the key_extractor setting into API handler options
func handlerOptions(cfg *serverConfig) ([]api.HandlerOption, error) {
	if cfg.KeyExtractor == "" {
		return nil, nil
	}
	extractor, err := agentfence.ParseKeyExtractorConfig(cfg.KeyExtractor)
	if err != nil {
		return nil, err
	}
	return []api.HandlerOption{api.WithCallerExtractor(extractor)}, nil
}

func newLogger(cfg *serverConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func shutdownTimeout(cfg *serverConfig) time.Duration {
	d, err := time.ParseDuration(cfg.ShutdownTimeout)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}
