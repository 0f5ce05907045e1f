package agentfence

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/yourusername/agentfence/core"
	"github.com/yourusername/agentfence/store"
)

const (
	// DefaultCallsPerMinute is the sustained rate for services never configured explicitly
	DefaultCallsPerMinute = 60

	// MinBurstCapacity is the floor of the derived burst capacity
	MinBurstCapacity = 10
)

// ServiceConfig is the policy for one service.
type ServiceConfig struct {
	// Capacity is the maximum number of tokens (burst size)
	Capacity int64 `json:"capacity"`

	// RefillRate is the number of tokens added per second
	RefillRate float64 `json:"refill_rate"`
}

// NewServiceConfig derives a policy from a per-minute rate.
// A nil burst falls back to DefaultBurst(callsPerMinute).
func NewServiceConfig(callsPerMinute int, burst *int) (ServiceConfig, error) {
	if callsPerMinute <= 0 {
		return ServiceConfig{}, fmt.Errorf("%w: calls per minute %d: %w", ErrInvalidConfig, callsPerMinute, ErrNegativeRefillRate)
	}

	capacity := DefaultBurst(callsPerMinute)
	if burst != nil {
		if *burst < 0 {
			return ServiceConfig{}, fmt.Errorf("%w: burst capacity %d: %w", ErrInvalidConfig, *burst, ErrNegativeCapacity)
		}
		capacity = int64(*burst)
	}

	return ServiceConfig{
		Capacity:   capacity,
		RefillRate: float64(callsPerMinute) / 60,
	}, nil
}

// DefaultBurst is the burst capacity used when none is given: twice the
// per-minute rate, but never less than MinBurstCapacity.
func DefaultBurst(callsPerMinute int) int64 {
	return int64(max(2*callsPerMinute, MinBurstCapacity))
}

// CallsPerMinute is the sustained rate expressed per minute.
func (c ServiceConfig) CallsPerMinute() float64 {
	return c.RefillRate * 60
}

// Validate checks if a ServiceConfig is valid.
func (c ServiceConfig) Validate() error {
	if c.Capacity < 0 {
		return ErrNegativeCapacity
	}
	if c.RefillRate <= 0 {
		return ErrNegativeRefillRate
	}
	return nil
}

func (c ServiceConfig) policy() core.Policy {
	return core.Policy{
		Capacity:   float64(c.Capacity),
		RefillRate: c.RefillRate,
	}
}

// Config is the file form of a limiter setup.
//
// Example YAML configuration:
//
//	backend: redis
//	defaults:
//	  calls_per_minute: 60
//	services:
//	  github:
//	    calls_per_minute: 60
//	    burst_capacity: 20
//	  slack:
//	    calls_per_minute: 30
//	redis:
//	  addr: localhost:6379
//	  ttl: 1h
//	  op_timeout: 250ms
//	cleanup_age: 1h
//	key_extractor: header:X-Agent-ID
type Config struct {
	// Backend selects where bucket state lives: "memory" or "redis"
	Backend string `yaml:"backend" toml:"backend" mapstructure:"backend" validate:"omitempty,oneof=memory redis"`

	// Defaults apply to services that were never configured
	Defaults PolicyConfig `yaml:"defaults" toml:"defaults" mapstructure:"defaults"`

	// Services maps a service name to its policy
	Services map[string]PolicyConfig `yaml:"services,omitempty" toml:"services" mapstructure:"services" validate:"dive,keys,required,excludes=:,endkeys"`

	// Redis holds connection settings, used when Backend is "redis"
	Redis RedisConfig `yaml:"redis,omitempty" toml:"redis" mapstructure:"redis"`

	// CleanupAge is how long idle in-memory buckets are kept ("0" disables cleanup)
	CleanupAge string `yaml:"cleanup_age,omitempty" toml:"cleanup_age" mapstructure:"cleanup_age" validate:"omitempty,go_duration"`

	// KeyExtractor identifies callers of HTTP requests, see ParseKeyExtractorConfig
	KeyExtractor string `yaml:"key_extractor,omitempty" toml:"key_extractor" mapstructure:"key_extractor"`
}

// PolicyConfig is the file form of a service policy.
type PolicyConfig struct {
	CallsPerMinute int  `yaml:"calls_per_minute" toml:"calls_per_minute" mapstructure:"calls_per_minute" validate:"gt=0"`
	BurstCapacity  *int `yaml:"burst_capacity,omitempty" toml:"burst_capacity" mapstructure:"burst_capacity" validate:"omitempty,gte=0"`
}

// RedisConfig is the file form of store.RedisConfig.
type RedisConfig struct {
	Addr      string `yaml:"addr" toml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`
	Password  string `yaml:"password,omitempty" toml:"password" mapstructure:"password"`
	DB        int    `yaml:"db,omitempty" toml:"db" mapstructure:"db" validate:"gte=0"`
	Prefix    string `yaml:"prefix,omitempty" toml:"prefix" mapstructure:"prefix"`
	TTL       string `yaml:"ttl,omitempty" toml:"ttl" mapstructure:"ttl" validate:"omitempty,go_duration"`
	OpTimeout string `yaml:"op_timeout,omitempty" toml:"op_timeout" mapstructure:"op_timeout" validate:"omitempty,go_duration"`
}

// NewConfig creates a new Config with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Backend:    string(store.KindMemory),
		Defaults:   PolicyConfig{CallsPerMinute: DefaultCallsPerMinute},
		Services:   make(map[string]PolicyConfig),
		CleanupAge: "1h",
	}
}

// LoadConfigFromFile loads configuration from a YAML or TOML file.
// The format is chosen by extension; anything but .toml is read as YAML.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read config file: %v", ErrInvalidConfig, err)
	}

	config := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("%w: failed to parse TOML: %v", ErrInvalidConfig, err)
		}
	default:
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("%w: failed to parse YAML: %v", ErrInvalidConfig, err)
		}
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) applyDefaults() {
	if c.Backend == "" {
		c.Backend = string(store.KindMemory)
	}
	if c.Defaults.CallsPerMinute == 0 && c.Defaults.BurstCapacity == nil {
		c.Defaults.CallsPerMinute = DefaultCallsPerMinute
	}
	if c.Services == nil {
		c.Services = make(map[string]PolicyConfig)
	}
	if c.CleanupAge == "" {
		c.CleanupAge = "1h"
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterValidation("go_duration", func(fl validator.FieldLevel) bool {
		if fl.Field().Kind() != reflect.String {
			return false
		}
		d, err := time.ParseDuration(fl.Field().String())
		return err == nil && d >= 0
	})
	return v
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if _, err := c.Defaults.ServiceConfig(); err != nil {
		return fmt.Errorf("invalid defaults: %w", err)
	}
	for name, policy := range c.Services {
		if _, err := policy.ServiceConfig(); err != nil {
			return fmt.Errorf("invalid policy for service %s: %w", name, err)
		}
	}

	if c.KeyExtractor != "" {
		if _, err := ParseKeyExtractorConfig(c.KeyExtractor); err != nil {
			return err
		}
	}

	if c.Backend == string(store.KindRedis) && c.Redis.Addr == "" {
		return fmt.Errorf("%w: redis backend requires redis.addr", ErrInvalidConfig)
	}

	return nil
}

// ServiceConfig converts the file form into a ServiceConfig.
func (p PolicyConfig) ServiceConfig() (ServiceConfig, error) {
	return NewServiceConfig(p.CallsPerMinute, p.BurstCapacity)
}

// StoreConfig converts the file form into store settings. Durations must already be valid.
func (r RedisConfig) StoreConfig() store.RedisConfig {
	return store.RedisConfig{
		Addr:      r.Addr,
		Password:  r.Password,
		DB:        r.DB,
		Prefix:    r.Prefix,
		TTL:       parseDurationOr(r.TTL, 0),
		OpTimeout: parseDurationOr(r.OpTimeout, 0),
	}
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func validateService(service string) error {
	if service == "" || strings.Contains(service, store.KeySeparator) {
		return fmt.Errorf("%w: %q", ErrInvalidService, service)
	}
	return nil
}
