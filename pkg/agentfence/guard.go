package agentfence

import "context"

// DefaultCallerID is the caller a Guard checks as when none is given.
const DefaultCallerID = "default"

// Guard runs functions behind a rate limit check for one (service, caller) pair.
type Guard struct {
	limiter  *Limiter
	service  string
	callerID string
}

// WithRateLimit configures service and returns a Guard for it.
// The policy is registered now, replacing any earlier one for service.
//
// Example:
//
//	guard, err := limiter.WithRateLimit("github", 60, agentfence.WithCallerID("agent-7"))
//	err = guard.Do(ctx, func(ctx context.Context) error {
//	    return createIssue(ctx)
//	})
func (l *Limiter) WithRateLimit(service string, callsPerMinute int, opts ...ServiceOption) (*Guard, error) {
	if err := l.ConfigureService(service, callsPerMinute, opts...); err != nil {
		return nil, err
	}

	o := serviceOptions{callerID: DefaultCallerID}
	for _, opt := range opts {
		opt(&o)
	}
	if o.callerID == "" {
		return nil, ErrInvalidCaller
	}

	return &Guard{limiter: l, service: service, callerID: o.callerID}, nil
}

// Service is the service the guard checks against.
func (g *Guard) Service() string { return g.service }

// CallerID is the caller the guard checks as.
func (g *Guard) CallerID() string { return g.callerID }

// ForCaller returns a Guard sharing the service policy but checking as callerID.
func (g *Guard) ForCaller(callerID string) *Guard {
	return &Guard{limiter: g.limiter, service: g.service, callerID: callerID}
}

// Check consumes one token without running anything.
func (g *Guard) Check(ctx context.Context) error {
	return g.limiter.CheckRateLimit(ctx, g.service, g.callerID)
}

// Do runs fn if the check passes. On denial fn is not called and the
// *RateLimitExceededError is returned.
func (g *Guard) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := g.Check(ctx); err != nil {
		return err
	}
	return fn(ctx)
}

// Wrap returns fn with the check in front of every call.
func (g *Guard) Wrap(fn func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		return g.Do(ctx, fn)
	}
}

// Call runs fn behind g and returns its result unchanged.
// On denial fn is not called and the zero T is returned with the error.
func Call[T any](ctx context.Context, g *Guard, fn func(context.Context) (T, error)) (T, error) {
	if err := g.Check(ctx); err != nil {
		var zero T
		return zero, err
	}
	return fn(ctx)
}

// WrapFunc is the result-returning form of Guard.Wrap.
func WrapFunc[T any](g *Guard, fn func(context.Context) (T, error)) func(context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		return Call(ctx, g, fn)
	}
}
