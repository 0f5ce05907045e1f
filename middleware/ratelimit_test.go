package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/yourusername/agentfence/pkg/agentfence"
)

func newTestMiddleware(t *testing.T, burst int, extractor agentfence.KeyExtractor) (http.Handler, *int) {
	t.Helper()
	limiter, err := agentfence.NewLimiter()
	if err != nil {
		t.Fatalf("NewLimiter() failed: %v", err)
	}
	t.Cleanup(func() { limiter.Close() })

	if err := limiter.ConfigureService("search", 60, agentfence.WithBurst(burst)); err != nil {
		t.Fatalf("ConfigureService() failed: %v", err)
	}

	rl, err := NewRateLimiter(Config{Limiter: limiter, Service: "search", Extractor: extractor})
	if err != nil {
		t.Fatalf("NewRateLimiter() failed: %v", err)
	}

	calls := 0
	return rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte("success"))
	})), &calls
}

func TestMiddleware_AllowsThenLimits(t *testing.T) {
	handler, calls := newTestMiddleware(t, 3, nil)

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/search", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusOK || rr.Body.String() != "success" {
			t.Fatalf("request %d: %d %s", i+1, rr.Code, rr.Body.String())
		}
	}

	req := httptest.NewRequest("GET", "/search", nil)
	req.RemoteAddr = "192.168.1.1:12345"
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q, want 1", rr.Header().Get("Retry-After"))
	}
	if *calls != 3 {
		t.Errorf("handler ran %d times, want 3", *calls)
	}

	// Another client has its own bucket
	req = httptest.NewRequest("GET", "/search", nil)
	req.RemoteAddr = "192.168.1.2:12345"
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("second client status = %d, want 200", rr.Code)
	}
}

func TestMiddleware_ExtractionFailure(t *testing.T) {
	handler, calls := newTestMiddleware(t, 3, agentfence.ExtractHeader("X-Agent-ID"))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/search", nil))

	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
	if *calls != 0 {
		t.Error("handler should not run without a caller")
	}
}

func TestMiddleware_BackendFailure(t *testing.T) {
	handler, calls := newTestMiddleware(t, 3, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest("GET", "/search", nil).WithContext(ctx)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rr.Code)
	}
	if *calls != 0 {
		t.Error("handler should not run when the memory backend fails")
	}
}

func TestNewRateLimiter_Validation(t *testing.T) {
	if _, err := NewRateLimiter(Config{Service: "x"}); !errors.Is(err, agentfence.ErrInvalidConfig) {
		t.Errorf("missing limiter: err = %v", err)
	}

	limiter, _ := agentfence.NewLimiter()
	defer limiter.Close()
	if _, err := NewRateLimiter(Config{Limiter: limiter}); !errors.Is(err, agentfence.ErrInvalidService) {
		t.Errorf("missing service: err = %v", err)
	}
}
