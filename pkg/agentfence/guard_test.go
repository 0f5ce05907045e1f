package agentfence

import (
	"context"
	"errors"
	"testing"
)

func TestGuard_DenialSkipsCall(t *testing.T) {
	limiter := newTestLimiter(t, newFakeClock())
	guard, err := limiter.WithRateLimit("github", 60, WithBurst(2))
	if err != nil {
		t.Fatalf("WithRateLimit() failed: %v", err)
	}
	if guard.CallerID() != DefaultCallerID || guard.Service() != "github" {
		t.Errorf("guard = %s/%s", guard.Service(), guard.CallerID())
	}

	calls := 0
	fn := guard.Wrap(func(context.Context) error {
		calls++
		return nil
	})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := fn(ctx); err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
	}

	err = fn(ctx)
	var rle *RateLimitExceededError
	if !errors.As(err, &rle) || rle.CallerID != DefaultCallerID {
		t.Fatalf("err = %v, want denial for default caller", err)
	}
	if calls != 2 {
		t.Errorf("wrapped function ran %d times, want 2", calls)
	}
}

func TestGuard_PassesResultThrough(t *testing.T) {
	limiter := newTestLimiter(t, newFakeClock())
	guard, err := limiter.WithRateLimit("slack", 60, WithBurst(1), WithCallerID("agent-7"))
	if err != nil {
		t.Fatalf("WithRateLimit() failed: %v", err)
	}

	boom := errors.New("boom")
	post := WrapFunc(guard, func(context.Context) (string, error) {
		return "ts-1", boom
	})

	got, err := post(context.Background())
	if got != "ts-1" || err != boom {
		t.Errorf("got %q, %v; want result and error unchanged", got, err)
	}

	got, err = post(context.Background())
	if got != "" || !errors.Is(err, ErrRateLimitExceeded) {
		t.Errorf("got %q, %v; want zero value and denial", got, err)
	}
}

func TestGuard_ForCaller(t *testing.T) {
	limiter := newTestLimiter(t, newFakeClock())
	guard, _ := limiter.WithRateLimit("jira", 60, WithBurst(1))
	ctx := context.Background()

	if err := guard.Check(ctx); err != nil {
		t.Fatalf("default caller: %v", err)
	}
	if err := guard.Check(ctx); err == nil {
		t.Fatal("default caller should be limited")
	}

	other := guard.ForCaller("agent-2")
	if _, err := Call(ctx, other, func(context.Context) (int, error) { return 1, nil }); err != nil {
		t.Errorf("other caller: %v", err)
	}
}

func TestWithRateLimit_Invalid(t *testing.T) {
	limiter := newTestLimiter(t, newFakeClock())

	if _, err := limiter.WithRateLimit("", 60); !errors.Is(err, ErrInvalidService) {
		t.Errorf("empty service: err = %v", err)
	}
	if _, err := limiter.WithRateLimit("svc", -1); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("negative rate: err = %v", err)
	}
	if _, err := limiter.WithRateLimit("svc", 60, WithCallerID("")); !errors.Is(err, ErrInvalidCaller) {
		t.Errorf("empty caller: err = %v", err)
	}
}

func TestDefaultLimiter(t *testing.T) {
	limiter := newTestLimiter(t, newFakeClock())
	limiter.ConfigureService("svc", 60, WithBurst(1))

	prev := SetDefault(limiter)
	t.Cleanup(func() { SetDefault(prev) })

	if Default() != limiter {
		t.Fatal("Default() should return the limiter set by SetDefault")
	}

	ctx := context.Background()
	if err := CheckRateLimit(ctx, "svc", "a"); err != nil {
		t.Fatalf("first check: %v", err)
	}
	if err := CheckRateLimit(ctx, "svc", "a"); !errors.Is(err, ErrRateLimitExceeded) {
		t.Errorf("second check: err = %v, want denial", err)
	}
}
