package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/yourusername/agentfence/pkg/agentfence"
)

// Handler serves the rate limit API on top of a Limiter
type Handler struct {
	limiter  *agentfence.Limiter
	logger   *slog.Logger
	validate *validator.Validate
	callerOf agentfence.KeyExtractor
}

// HandlerOption configures a Handler
type HandlerOption func(*Handler)

// WithCallerExtractor lets /v1/check omit caller_id: the caller is then
// read from the HTTP request itself.
func WithCallerExtractor(extractor agentfence.KeyExtractor) HandlerOption {
	return func(h *Handler) {
		h.callerOf = extractor
	}
}

// NewHandler creates a new API handler
func NewHandler(limiter *agentfence.Limiter, logger *slog.Logger, opts ...HandlerOption) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		limiter:  limiter,
		logger:   logger,
		validate: validator.New(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// CheckRequest represents the incoming rate limit check request
type CheckRequest struct {
	Service  string `json:"service" validate:"required,excludes=:"`
	CallerID string `json:"caller_id"` // Required unless the server extracts callers
	Tokens   int    `json:"tokens,omitempty" validate:"omitempty,gt=0"` // Defaults to 1
}

// CheckResponse represents the rate limit check response
type CheckResponse struct {
	Allowed      bool   `json:"allowed"`
	Service      string `json:"service"`
	CallerID     string `json:"caller_id"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"` // Milliseconds until retry (if blocked)
}

// ServiceRequest configures one service
type ServiceRequest struct {
	CallsPerMinute int  `json:"calls_per_minute" validate:"gt=0"`
	BurstCapacity  *int `json:"burst_capacity,omitempty" validate:"omitempty,gte=0"`
}

// ServiceResponse describes a configured service
type ServiceResponse struct {
	Service        string  `json:"service"`
	Capacity       int64   `json:"capacity"`
	RefillRate     float64 `json:"refill_rate"`
	CallsPerMinute float64 `json:"calls_per_minute"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// CheckRateLimit handles POST /v1/check
func (h *Handler) CheckRateLimit(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Tokens == 0 {
		req.Tokens = 1
	}
	if req.CallerID == "" {
		if h.callerOf == nil {
			h.sendError(w, http.StatusUnprocessableEntity, "validation_failed", "field CallerID: required")
			return
		}
		callerID, err := h.callerOf(r)
		if err != nil {
			h.sendError(w, http.StatusBadRequest, "caller_unidentified", err.Error())
			return
		}
		req.CallerID = callerID
	}

	resp := CheckResponse{Allowed: true, Service: req.Service, CallerID: req.CallerID}

	err := h.limiter.CheckRateLimitN(r.Context(), req.Service, req.CallerID, req.Tokens)
	if err != nil {
		var rle *agentfence.RateLimitExceededError
		if !errors.As(err, &rle) {
			h.sendLimiterError(w, r, err)
			return
		}

		resp.Allowed = false
		resp.RetryAfterMs = rle.RetryAfter.Milliseconds()
		w.Header().Set("Retry-After", retryAfterSeconds(rle.RetryAfter))
		h.sendJSON(w, http.StatusTooManyRequests, resp)
		return
	}

	h.sendJSON(w, http.StatusOK, resp)
}

// GetStatus handles GET /v1/status/{service}/{caller}
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	status, err := h.limiter.GetStatus(r.Context(), vars["service"], vars["caller"])
	if err != nil {
		h.sendLimiterError(w, r, err)
		return
	}
	h.sendJSON(w, http.StatusOK, status)
}

// ConfigureService handles PUT /v1/services/{service}
func (h *Handler) ConfigureService(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]

	var req ServiceRequest
	if !h.decode(w, r, &req) {
		return
	}

	var opts []agentfence.ServiceOption
	if req.BurstCapacity != nil {
		opts = append(opts, agentfence.WithBurst(*req.BurstCapacity))
	}
	if err := h.limiter.ConfigureService(service, req.CallsPerMinute, opts...); err != nil {
		h.sendLimiterError(w, r, err)
		return
	}

	cfg, _ := h.limiter.ServiceConfig(service)
	h.sendJSON(w, http.StatusOK, serviceResponse(service, cfg))
}

// ListServices handles GET /v1/services
func (h *Handler) ListServices(w http.ResponseWriter, r *http.Request) {
	services := h.limiter.Services()

	out := make([]ServiceResponse, 0, len(services))
	for name, cfg := range services {
		out = append(out, serviceResponse(name, cfg))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })

	h.sendJSON(w, http.StatusOK, out)
}

// ResetLimits handles DELETE /v1/limits?service=&caller=
func (h *Handler) ResetLimits(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if err := h.limiter.ResetLimits(r.Context(), q.Get("service"), q.Get("caller")); err != nil {
		h.sendLimiterError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.sendJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"backend": string(h.limiter.Backend()),
	})
}

func serviceResponse(name string, cfg agentfence.ServiceConfig) ServiceResponse {
	return ServiceResponse{
		Service:        name,
		Capacity:       cfg.Capacity,
		RefillRate:     cfg.RefillRate,
		CallsPerMinute: cfg.CallsPerMinute(),
	}
}

// retryAfterSeconds formats d for the Retry-After header, rounding up to whole seconds
func retryAfterSeconds(d time.Duration) string {
	return strconv.FormatInt(int64(math.Ceil(d.Seconds())), 10)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return false
	}

	if err := h.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			h.sendError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return false
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("field %s: %s", fe.Field(), fe.Tag()))
		}
		h.sendError(w, http.StatusUnprocessableEntity, "validation_failed", strings.Join(msgs, "; "))
		return false
	}
	return true
}

// sendLimiterError maps limiter errors to HTTP status codes
func (h *Handler) sendLimiterError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, agentfence.ErrInvalidService),
		errors.Is(err, agentfence.ErrInvalidCaller),
		errors.Is(err, agentfence.ErrInvalidTokens),
		errors.Is(err, agentfence.ErrInvalidConfig):
		h.sendError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, agentfence.ErrBackendFailure):
		h.logger.ErrorContext(r.Context(), "rate limit backend failure",
			slog.String("request_id", RequestID(r.Context())),
			slog.Any("error", err))
		h.sendError(w, http.StatusServiceUnavailable, "backend_unavailable", "Rate limit backend unavailable")
	default:
		h.logger.ErrorContext(r.Context(), "unexpected limiter error",
			slog.String("request_id", RequestID(r.Context())),
			slog.Any("error", err))
		h.sendError(w, http.StatusInternalServerError, "internal_error", "Internal server error")
	}
}

func (h *Handler) sendJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", slog.Any("error", err))
	}
}

func (h *Handler) sendError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	h.sendJSON(w, statusCode, ErrorResponse{
		Error:   errorCode,
		Message: message,
	})
}
