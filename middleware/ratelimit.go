package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"

	"github.com/yourusername/agentfence/pkg/agentfence"
)

// RateLimiter provides HTTP middleware that checks every request against one service
type RateLimiter struct {
	limiter   *agentfence.Limiter
	service   string
	extractor agentfence.KeyExtractor
	logger    *slog.Logger
}

// Config for creating a rate limiter
type Config struct {
	Limiter   *agentfence.Limiter     // Required
	Service   string                  // Required: service the wrapped handler stands for
	Extractor agentfence.KeyExtractor // Optional: defaults to ExtractIPWithProxy
	Logger    *slog.Logger            // Optional
}

// NewRateLimiter creates a new rate limiting middleware
func NewRateLimiter(config Config) (*RateLimiter, error) {
	if config.Limiter == nil {
		return nil, fmt.Errorf("%w: limiter is required", agentfence.ErrInvalidConfig)
	}
	if config.Service == "" {
		return nil, fmt.Errorf("%w: service is required", agentfence.ErrInvalidService)
	}
	if config.Extractor == nil {
		config.Extractor = agentfence.ExtractIPWithProxy()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &RateLimiter{
		limiter:   config.Limiter,
		service:   config.Service,
		extractor: config.Extractor,
		logger:    config.Logger,
	}, nil
}

// Middleware wraps an http.Handler with rate limiting
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callerID, err := rl.extractor(r)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error":   "caller_unknown",
				"message": err.Error(),
			})
			return
		}

		err = rl.limiter.CheckRateLimit(r.Context(), rl.service, callerID)
		if err == nil {
			next.ServeHTTP(w, r)
			return
		}

		var rle *agentfence.RateLimitExceededError
		if errors.As(err, &rle) {
			retryAfterSec := int64(math.Ceil(rle.RetryAfter.Seconds()))
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSec))
			writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
				"error":        "rate_limit_exceeded",
				"message":      "Too many requests. Please try again later.",
				"retryAfterMs": rle.RetryAfter.Milliseconds(),
			})
			return
		}

		rl.logger.ErrorContext(r.Context(), "rate limit check failed",
			slog.String("service", rl.service),
			slog.String("caller", callerID),
			slog.Any("error", err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"error":   "rate_limit_unavailable",
			"message": "Rate limiting is temporarily unavailable.",
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
