package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/yourusername/agentfence/core"
)

//go:embed token_bucket.lua
var tokenBucketSource string

var tokenBucketScript = redis.NewScript(tokenBucketSource)

const (
	// DefaultKeyPrefix namespaces every bucket hash in Redis
	DefaultKeyPrefix = "agentfence:"

	// DefaultTTL is how long an untouched bucket survives in Redis
	DefaultTTL = time.Hour

	// DefaultOpTimeout bounds a single round trip
	DefaultOpTimeout = 250 * time.Millisecond

	scanBatch = 500
)

// RedisStore keeps bucket state in Redis and runs refill+consume as one Lua script
type RedisStore struct {
	client    redis.UniversalClient
	prefix    string
	ttl       time.Duration
	opTimeout time.Duration
	clock     core.Clock
	ownClient bool
}

// Ensure RedisStore implements Store interface
var _ Store = (*RedisStore)(nil)

// RedisConfig for creating a Redis store
type RedisConfig struct {
	Addr      string        // Redis address (e.g., "localhost:6379")
	Password  string        // Redis password (empty for no auth)
	DB        int           // Redis database number
	Prefix    string        // Key prefix (default: "agentfence:")
	TTL       time.Duration // Idle TTL for bucket state (default: 1 hour)
	OpTimeout time.Duration // Timeout per round trip (default: 250ms)
	Clock     core.Clock    // Time source passed to the script (default: time.Now)
}

// NewRedisStore creates a new Redis-backed store that owns its client
func NewRedisStore(config RedisConfig) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	s := NewRedisStoreWithClient(client, config)
	s.ownClient = true
	return s
}

// NewRedisStoreWithClient wraps an existing client (single node, cluster or sentinel).
// Connection fields in config are ignored; the caller keeps ownership of client.
func NewRedisStoreWithClient(client redis.UniversalClient, config RedisConfig) *RedisStore {
	s := &RedisStore{
		client:    client,
		prefix:    config.Prefix,
		ttl:       config.TTL,
		opTimeout: config.OpTimeout,
		clock:     config.Clock,
	}
	if s.prefix == "" {
		s.prefix = DefaultKeyPrefix
	}
	if s.ttl <= 0 {
		s.ttl = DefaultTTL
	}
	if s.opTimeout <= 0 {
		s.opTimeout = DefaultOpTimeout
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	return s
}

// Kind implements Store.
func (s *RedisStore) Kind() Kind {
	return KindRedis
}

// Consume implements Store. The whole refill+consume runs inside one EVALSHA.
func (s *RedisStore) Consume(ctx context.Context, key string, policy core.Policy, n float64) (core.Result, error) {
	if key == "" {
		return core.Result{}, ErrInvalidKey
	}

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	now := float64(s.clock().UnixMicro()) / 1e6
	ttl := int64(math.Ceil(s.ttl.Seconds()))

	reply, err := tokenBucketScript.Run(ctx, s.client, []string{s.prefix + key},
		policy.Capacity,   // ARGV[1]
		policy.RefillRate, // ARGV[2]
		n,                 // ARGV[3]
		now,               // ARGV[4]
		ttl,               // ARGV[5]
	).Result()
	if err != nil {
		return core.Result{}, fmt.Errorf("%w: consume %q: %w", ErrStoreFailed, key, err)
	}

	res, err := parseScriptReply(reply)
	if err != nil {
		return core.Result{}, fmt.Errorf("%w: consume %q: %w", ErrStoreFailed, key, err)
	}
	return res, nil
}

// Remaining implements Store. Reading remote state would double the network cost of a
// diagnostic call, so Redis reports no value.
func (s *RedisStore) Remaining(context.Context, string, core.Policy) (float64, bool, error) {
	return 0, false, nil
}

// Reset implements Store by scanning for matching keys and deleting them.
func (s *RedisStore) Reset(ctx context.Context, sel Selector) (int, error) {
	pattern := s.prefix + globPart(sel.Service) + KeySeparator + globPart(sel.CallerID)
	if sel.All() {
		pattern = s.prefix + "*"
	}

	removed := 0
	iter := s.client.Scan(ctx, 0, pattern, scanBatch).Iterator()
	batch := make([]string, 0, scanBatch)
	for iter.Next(ctx) {
		// The glob is a superset when a caller id contains the separator.
		if !sel.Match(strings.TrimPrefix(iter.Val(), s.prefix)) {
			continue
		}
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			n, err := s.client.Del(ctx, batch...).Result()
			if err != nil {
				return removed, fmt.Errorf("%w: reset: %w", ErrStoreFailed, err)
			}
			removed += int(n)
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("%w: reset: %w", ErrStoreFailed, err)
	}
	if len(batch) > 0 {
		n, err := s.client.Del(ctx, batch...).Result()
		if err != nil {
			return removed, fmt.Errorf("%w: reset: %w", ErrStoreFailed, err)
		}
		removed += int(n)
	}
	return removed, nil
}

// Ping checks if Redis connection is alive
func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: ping: %w", ErrStoreFailed, err)
	}
	return nil
}

// Close closes the Redis connection if the store created it
func (s *RedisStore) Close() error {
	if !s.ownClient {
		return nil
	}
	return s.client.Close()
}

func parseScriptReply(reply interface{}) (core.Result, error) {
	values, ok := reply.([]interface{})
	if !ok || len(values) != 3 {
		return core.Result{}, errors.New("invalid script response format")
	}

	granted, ok := values[0].(int64)
	if !ok {
		return core.Result{}, fmt.Errorf("invalid granted flag %v", values[0])
	}
	retryAfter, err := toFloat(values[1])
	if err != nil {
		return core.Result{}, fmt.Errorf("invalid retry_after: %w", err)
	}
	remaining, err := toFloat(values[2])
	if err != nil {
		return core.Result{}, fmt.Errorf("invalid tokens: %w", err)
	}

	res := core.Result{
		Granted:   granted == 1,
		Remaining: remaining,
	}
	if !res.Granted {
		res.RetryAfter = time.Duration(math.Round(retryAfter * float64(time.Second)))
		if res.RetryAfter <= 0 {
			res.RetryAfter = 1
		}
	}
	return res, nil
}

func toFloat(val interface{}) (float64, error) {
	switch v := val.(type) {
	case int64:
		return float64(v), nil
	case float64:
		return v, nil
	case string:
		return strconv.ParseFloat(v, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", val)
	}
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// globPart escapes s for a SCAN MATCH pattern, or matches anything when s is empty.
func globPart(s string) string {
	if s == "" {
		return "*"
	}
	return globEscaper.Replace(s)
}
