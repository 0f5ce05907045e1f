package agentfence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yourusername/agentfence/core"
	"github.com/yourusername/agentfence/metrics"
	"github.com/yourusername/agentfence/store"
)

// Recorder receives the outcome of every check.
type Recorder interface {
	RecordCheck(service, callerID string, outcome metrics.Outcome)
}

// Status describes the policy and, where cheaply known, the token count for one key.
type Status struct {
	Service         string     `json:"service"`
	CallerID        string     `json:"caller_id"`
	Capacity        int64      `json:"capacity"`
	RefillRate      float64    `json:"refill_rate"`
	CallsPerMinute  float64    `json:"calls_per_minute"`
	RemainingTokens *float64   `json:"remaining_tokens"`
	Backend         store.Kind `json:"backend"`
	Configured      bool       `json:"configured"`
}

// Limiter bounds how often a caller may act against a service.
//
// The service registry has its own lock, separate from bucket state, so
// reconfiguring one service never stalls checks against other keys.
type Limiter struct {
	store    store.Store
	mu       sync.RWMutex
	services map[string]ServiceConfig
	defaults ServiceConfig

	logger   *slog.Logger
	recorder Recorder
	clock    core.Clock

	redisConfig *store.RedisConfig
	redisClient redis.UniversalClient

	cleanupAge      time.Duration
	cleanupInterval time.Duration
	cleanupMu       sync.Mutex
	stopCleanup     func()
}

// NewLimiter creates a Limiter with the given options.
// Without options it keeps state in memory and applies DefaultCallsPerMinute
// with a burst of DefaultBurst(DefaultCallsPerMinute) to every service.
//
// Example:
//
//	limiter, err := agentfence.NewLimiter(
//	    agentfence.WithRedis(store.RedisConfig{Addr: "localhost:6379"}),
//	)
//	limiter.ConfigureService("github", 60, agentfence.WithBurst(20))
//	if err := limiter.CheckRateLimit(ctx, "github", "agent-7"); err != nil {
//	    // *RateLimitExceededError carries RetryAfter
//	}
func NewLimiter(opts ...Option) (*Limiter, error) {
	defaults, _ := NewServiceConfig(DefaultCallsPerMinute, nil)

	l := &Limiter{
		services:        make(map[string]ServiceConfig),
		defaults:        defaults,
		logger:          slog.Default(),
		clock:           time.Now,
		cleanupAge:      1 * time.Hour,
		cleanupInterval: 10 * time.Minute,
	}

	// Apply options
	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if l.store == nil {
		switch {
		case l.redisClient != nil:
			cfg := *l.redisConfig
			if cfg.Clock == nil {
				cfg.Clock = l.clock
			}
			l.store = store.NewRedisStoreWithClient(l.redisClient, cfg)
		case l.redisConfig != nil:
			cfg := *l.redisConfig
			if cfg.Clock == nil {
				cfg.Clock = l.clock
			}
			l.store = store.NewRedisStore(cfg)
		default:
			l.store = store.NewMemoryStore(
				store.WithMemoryClock(l.clock),
				store.WithCleanupAge(l.cleanupAge),
			)
		}
	}

	l.logger = l.logger.With(slog.String("backend", string(l.store.Kind())))
	return l, nil
}

// ServiceOption tunes ConfigureService and WithRateLimit.
type ServiceOption func(*serviceOptions)

type serviceOptions struct {
	burst    *int
	callerID string
}

// WithBurst overrides the derived burst capacity. Zero is allowed and denies every check.
func WithBurst(capacity int) ServiceOption {
	return func(o *serviceOptions) {
		o.burst = &capacity
	}
}

// WithCallerID sets the caller a Guard checks as. ConfigureService ignores it.
func WithCallerID(callerID string) ServiceOption {
	return func(o *serviceOptions) {
		o.callerID = callerID
	}
}

// ConfigureService sets the policy for service: refill at callsPerMinute/60 tokens
// per second with a burst of WithBurst, or DefaultBurst(callsPerMinute).
// A later call replaces the earlier policy entirely.
func (l *Limiter) ConfigureService(service string, callsPerMinute int, opts ...ServiceOption) error {
	if err := validateService(service); err != nil {
		return err
	}

	var o serviceOptions
	for _, opt := range opts {
		opt(&o)
	}

	cfg, err := NewServiceConfig(callsPerMinute, o.burst)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.services[service] = cfg
	l.mu.Unlock()

	l.logger.Debug("service configured",
		slog.String("service", service),
		slog.Int64("capacity", cfg.Capacity),
		slog.Float64("refill_rate", cfg.RefillRate))
	return nil
}

// RemoveService drops the explicit policy for service so it falls back to the
// defaults. Existing buckets keep their tokens, clamped to the default capacity.
// It reports whether the service was configured.
func (l *Limiter) RemoveService(service string) bool {
	l.mu.Lock()
	_, ok := l.services[service]
	delete(l.services, service)
	l.mu.Unlock()

	if ok {
		l.logger.Debug("service removed", slog.String("service", service))
	}
	return ok
}

// ServiceConfig returns the policy in force for service and whether it was set explicitly.
func (l *Limiter) ServiceConfig(service string) (ServiceConfig, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if cfg, ok := l.services[service]; ok {
		return cfg, true
	}
	return l.defaults, false
}

// Services returns a copy of the explicitly configured services.
func (l *Limiter) Services() map[string]ServiceConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]ServiceConfig, len(l.services))
	for name, cfg := range l.services {
		out[name] = cfg
	}
	return out
}

// Backend reports which store the limiter dispatches to.
func (l *Limiter) Backend() store.Kind {
	return l.store.Kind()
}

// Ping checks that the backend is reachable. The memory backend always is.
func (l *Limiter) Ping(ctx context.Context) error {
	p, ok := l.store.(interface{ Ping(context.Context) error })
	if !ok {
		return nil
	}
	if err := p.Ping(ctx); err != nil {
		return &BackendError{Backend: l.store.Kind(), Op: "ping", Err: err}
	}
	return nil
}

// CheckRateLimit consumes one token for callerID against service.
func (l *Limiter) CheckRateLimit(ctx context.Context, service, callerID string) error {
	return l.CheckRateLimitN(ctx, service, callerID, 1)
}

// CheckRateLimitN consumes n tokens for callerID against service.
// It never waits for tokens. It returns nil when granted and a
// *RateLimitExceededError when denied. Asking for more than the service's
// capacity is always denied.
//
// If the backend cannot be consulted, the memory backend returns a *BackendError.
// The Redis backend logs a warning and grants the check instead: during a store
// outage rate limiting is switched off rather than turning into a full outage.
func (l *Limiter) CheckRateLimitN(ctx context.Context, service, callerID string, n int) error {
	if err := validateService(service); err != nil {
		return err
	}
	if callerID == "" {
		return ErrInvalidCaller
	}
	if n <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidTokens, n)
	}

	cfg, _ := l.ServiceConfig(service)

	res, err := l.store.Consume(ctx, store.Key(service, callerID), cfg.policy(), float64(n))
	if err != nil {
		if l.failOpen() {
			l.logger.WarnContext(ctx, "rate limit backend unavailable, allowing request",
				slog.String("service", service),
				slog.String("caller", callerID),
				slog.Any("error", err))
			l.record(service, callerID, metrics.OutcomeFailOpen)
			return nil
		}
		l.record(service, callerID, metrics.OutcomeError)
		return &BackendError{Backend: l.store.Kind(), Op: "consume", Err: err}
	}

	if !res.Granted {
		l.record(service, callerID, metrics.OutcomeDenied)
		return &RateLimitExceededError{
			Service:    service,
			CallerID:   callerID,
			RetryAfter: res.RetryAfter,
		}
	}

	l.record(service, callerID, metrics.OutcomeGranted)
	return nil
}

// GetStatus reports the policy for (service, callerID). RemainingTokens is only
// filled in by the memory backend; Redis leaves it nil to avoid an extra round trip.
func (l *Limiter) GetStatus(ctx context.Context, service, callerID string) (Status, error) {
	if err := validateService(service); err != nil {
		return Status{}, err
	}
	if callerID == "" {
		return Status{}, ErrInvalidCaller
	}

	cfg, configured := l.ServiceConfig(service)
	status := Status{
		Service:        service,
		CallerID:       callerID,
		Capacity:       cfg.Capacity,
		RefillRate:     cfg.RefillRate,
		CallsPerMinute: cfg.CallsPerMinute(),
		Backend:        l.store.Kind(),
		Configured:     configured,
	}

	tokens, ok, err := l.store.Remaining(ctx, store.Key(service, callerID), cfg.policy())
	if err != nil {
		return status, &BackendError{Backend: l.store.Kind(), Op: "status", Err: err}
	}
	if ok {
		status.RemainingTokens = &tokens
	}
	return status, nil
}

// ResetLimits drops bucket state. With both arguments empty everything is
// cleared; otherwise only keys for the given service and/or caller go.
// Service policies are left untouched.
func (l *Limiter) ResetLimits(ctx context.Context, service, callerID string) error {
	if service != "" {
		if err := validateService(service); err != nil {
			return err
		}
	}

	removed, err := l.store.Reset(ctx, store.Selector{Service: service, CallerID: callerID})
	if err != nil {
		return &BackendError{Backend: l.store.Kind(), Op: "reset", Err: err}
	}

	l.logger.InfoContext(ctx, "rate limits reset",
		slog.String("service", service),
		slog.String("caller", callerID),
		slog.Int("removed", removed))
	return nil
}

// StartBackgroundCleanup starts a goroutine that periodically removes idle
// in-memory buckets. Returns a function to stop it; Close stops it too.
func (l *Limiter) StartBackgroundCleanup() func() {
	mem, ok := l.store.(*store.MemoryStore)
	if !ok {
		// Redis expires idle keys on its own
		return func() {}
	}

	stop := mem.StartBackgroundCleanup(l.cleanupInterval)

	l.cleanupMu.Lock()
	if l.stopCleanup != nil {
		l.stopCleanup()
	}
	l.stopCleanup = stop
	l.cleanupMu.Unlock()

	return stop
}

// Close stops background cleanup and releases the backend.
func (l *Limiter) Close() error {
	l.cleanupMu.Lock()
	if l.stopCleanup != nil {
		l.stopCleanup()
		l.stopCleanup = nil
	}
	l.cleanupMu.Unlock()

	return l.store.Close()
}

// failOpen reports whether backend failures grant the check.
// Only the shared store fails open; memory has nothing safer to fall back to.
func (l *Limiter) failOpen() bool {
	return l.store.Kind() == store.KindRedis
}

func (l *Limiter) record(service, callerID string, outcome metrics.Outcome) {
	if l.recorder != nil {
		l.recorder.RecordCheck(service, callerID, outcome)
	}
}
