package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/yourusername/agentfence/metrics"
)

// RequestIDHeader carries the request id in both directions
const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// MetricsProvider supplies the counters served on /metrics
type MetricsProvider interface {
	GetSnapshot() *metrics.Snapshot
}

// NewRouter wires the handlers onto a mux.Router.
// A nil provider leaves /metrics unregistered.
func NewRouter(h *Handler, provider MetricsProvider) *mux.Router {
	router := mux.NewRouter()
	router.Use(requestIDMiddleware, loggingMiddleware(h.logger))

	router.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	if provider != nil {
		router.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			h.sendJSON(w, http.StatusOK, provider.GetSnapshot())
		}).Methods(http.MethodGet)
	}

	v1 := router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/check", h.CheckRateLimit).Methods(http.MethodPost)
	v1.HandleFunc("/status/{service}/{caller}", h.GetStatus).Methods(http.MethodGet)
	v1.HandleFunc("/services", h.ListServices).Methods(http.MethodGet)
	v1.HandleFunc("/services/{service}", h.ConfigureService).Methods(http.MethodPut)
	v1.HandleFunc("/limits", h.ResetLimits).Methods(http.MethodDelete)

	return router
}

// RequestID returns the id assigned by the router, or "" outside a request
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			logger.DebugContext(r.Context(), "request",
				slog.String("request_id", RequestID(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Duration("duration", time.Since(start)))
		})
	}
}
