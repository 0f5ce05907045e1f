// Package agentfence rate limits agents calling external services.
//
// Every service has a token bucket policy: a burst capacity and a refill rate
// derived from calls per minute. Each (service, caller) pair gets its own bucket.
// Buckets live in process memory or in Redis, where several processes share them.
//
// # Quick Start
//
//	limiter, err := agentfence.NewLimiter()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer limiter.Close()
//
//	limiter.ConfigureService("github", 60, agentfence.WithBurst(10))
//
//	err = limiter.CheckRateLimit(ctx, "github", "agent-7")
//	if d, limited := agentfence.RetryAfter(err); limited {
//	    fmt.Printf("Rate limited. Retry after %v\n", d)
//	}
//
// Services that were never configured use DefaultCallsPerMinute with a burst
// of DefaultBurst(DefaultCallsPerMinute).
//
// # Shared Store
//
//	limiter, err := agentfence.NewLimiter(
//	    agentfence.WithRedis(store.RedisConfig{Addr: "localhost:6379"}),
//	)
//
// Each check is a single script run: refill, consume and TTL refresh happen
// atomically on the server. If Redis cannot be reached the check is allowed
// and a warning is logged. The in-memory backend instead returns a *BackendError.
//
// # Wrapping Calls
//
//	guard, _ := limiter.WithRateLimit("slack", 30, agentfence.WithCallerID("agent-7"))
//	msg, err := agentfence.Call(ctx, guard, postMessage)
//
// A denied call never reaches the wrapped function.
//
// # Configuration
//
// Policies can be loaded from YAML or TOML with WithConfigFile. See Config.
package agentfence
