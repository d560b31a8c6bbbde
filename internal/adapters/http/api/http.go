// Package api exposes the reward engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/okian/rewardpool/internal/adapters/mq/queue"
	"github.com/okian/rewardpool/internal/domain/activity"
	"github.com/okian/rewardpool/internal/domain/dedupe"
	"github.com/okian/rewardpool/internal/domain/engine"
	"github.com/okian/rewardpool/internal/domain/ledger"
	"github.com/okian/rewardpool/internal/domain/model"
	"github.com/okian/rewardpool/pkg/logger"
)

const (
	defaultLedgerLimit    = 50
	defaultMaxLedgerLimit = 1000
	maxBodyBytes          = 1 << 16
)

// Engine is the subset of the reward engine the handlers call.
type Engine interface {
	ValidateCaller(ctx context.Context, caller string) error
	CompleteTask(ctx context.Context, ev model.Event) (ledger.Record, error)
	Rollover(ctx context.Context) (model.GlobalState, error)
	State(ctx context.Context) (engine.Snapshot, error)
	Account(ctx context.Context, owner string) (engine.AccountView, error)
	Ledger(ctx context.Context, owner string, offset, limit uint64) ([]ledger.Record, uint64, error)
	Catalog() *activity.Catalog
}

// Dependencies bundles what the handlers need. The application service
// implements it.
type Dependencies interface {
	Engine
	dedupe.Deduper

	// Enqueue hands an event to the worker pool without blocking.
	Enqueue(ctx context.Context, e model.Event) error
}

// Server wires HTTP routes for the business API.
type Server struct {
	deps  Dependencies
	stats StatsProvider

	auth           *Authenticator
	limiter        *RateLimiter
	maxLedgerLimit uint64
	log            logger.Logger

	healthHandler *HealthHandler
	statsHandler  *StatsHandler
}

// NewServer creates a new API server.
func NewServer(deps Dependencies, statsProvider StatsProvider, opts ...Option) *Server {
	s := &Server{
		deps:           deps,
		stats:          statsProvider,
		maxLedgerLimit: defaultMaxLedgerLimit,
		log:            logger.Get().Named("api"),
		healthHandler:  NewHealthHandler(),
		statsHandler:   NewStatsHandler(statsProvider),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(_ context.Context, mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	mux.HandleFunc("GET /stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats"))
	mux.HandleFunc("GET /activities", MetricsMiddleware(s.handleActivities, "activities"))

	mux.HandleFunc("POST /completions", MetricsMiddleware(s.authenticated(s.handleComplete), "completions"))
	mux.HandleFunc("POST /events", MetricsMiddleware(s.authenticated(s.handleEnqueue), "events"))
	mux.HandleFunc("GET /accounts/{id}", MetricsMiddleware(s.authenticated(s.handleAccount), "accounts"))
	mux.HandleFunc("GET /accounts/{id}/ledger", MetricsMiddleware(s.authenticated(s.handleLedger), "ledger"))
	mux.HandleFunc("GET /epoch", MetricsMiddleware(s.handleEpoch, "epoch"))
	mux.HandleFunc("POST /epoch/rollover", MetricsMiddleware(s.admin(s.handleRollover), "rollover"))
}

func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	if s.auth == nil {
		return next
	}
	return s.auth.Middleware()(next)
}

func (s *Server) admin(next http.HandlerFunc) http.HandlerFunc {
	if s.auth == nil {
		return next
	}
	return s.auth.Middleware(s.auth.AdminScope())(next)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// fail maps err to a status code and error body. Unexpected errors are
// logged and reported without detail.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError && code == "internal" {
		s.log.Error(r.Context(), "request failed",
			logger.String("path", r.URL.Path),
			logger.Error(err),
		)
		writeError(w, status, code, nil)
		return
	}
	if status == http.StatusServiceUnavailable || status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, status, code, err)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, ErrDuplicateInFlight):
		return http.StatusConflict, "duplicate_in_flight"
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, ErrBackpressure), errors.Is(err, queue.ErrQueueFull), errors.Is(err, queue.ErrQueueClosed):
		return http.StatusServiceUnavailable, "backpressure"
	case errors.Is(err, ErrMissingToken), errors.Is(err, ErrInvalidToken), errors.Is(err, ErrCallerMismatch):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, "forbidden"
	}

	reason := engine.Reason(err)
	switch reason {
	case "invalid_activity":
		return http.StatusBadRequest, reason
	case "unauthorized":
		return http.StatusUnauthorized, reason
	case "not_found":
		return http.StatusNotFound, reason
	case "already_initialized":
		return http.StatusConflict, reason
	case "overflow":
		return http.StatusUnprocessableEntity, reason
	case "cooldown":
		return http.StatusTooManyRequests, reason
	case "conflict", "not_initialized":
		return http.StatusServiceUnavailable, reason
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable, "cancelled"
	}
	return http.StatusInternalServerError, "internal"
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	return nil
}

// pathOwner extracts the {id} path segment.
func pathOwner(r *http.Request) (string, error) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		return "", fmt.Errorf("%w: missing account id", ErrBadRequest)
	}
	return id, nil
}
