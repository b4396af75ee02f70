// Package api provides the HTTP server for the RG Fling wallet.
// It exposes the balance, history, transfer and reward endpoints plus the
// payment webhook and a live ledger feed.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rg-fling/rgfling/internal/app/payment"
	"github.com/rg-fling/rgfling/internal/app/wallet"
	"github.com/rg-fling/rgfling/internal/domain"
	"github.com/rg-fling/rgfling/internal/infra/observability"
)

// DefaultRequestTimeout bounds every non-streaming request.
const DefaultRequestTimeout = 30 * time.Second

// Server is the wallet HTTP API server.
type Server struct {
	wallet         *wallet.Service
	log            *zap.Logger
	metricsEnabled bool
	timeout        time.Duration
	payments       *payment.Verifier     // nil disables /webhooks/payments
	feed           *Feed                 // nil disables /accounts/{id}/events
	tracer         *observability.Tracer // nil disables /debug/spans
	auth           *Auth                 // nil leaves account routes open
}

// NewServer creates a new API server.
func NewServer(w *wallet.Service, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{wallet: w, log: log.Named("api"), timeout: DefaultRequestTimeout}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetRequestTimeout overrides DefaultRequestTimeout.
func (s *Server) SetRequestTimeout(d time.Duration) {
	if d > 0 {
		s.timeout = d
	}
}

// SetPayments mounts the payment webhook.
func (s *Server) SetPayments(v *payment.Verifier) { s.payments = v }

// SetFeed mounts the live ledger feed.
func (s *Server) SetFeed(f *Feed) { s.feed = f }

// Feed returns the live ledger feed (nil when not set).
func (s *Server) Feed() *Feed { return s.feed }

// SetTracer mounts /debug/spans.
func (s *Server) SetTracer(t *observability.Tracer) { s.tracer = t }

// SetAuth enables bearer-token checks on account routes and the admin token.
func (s *Server) SetAuth(a *Auth) { s.auth = a }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/health", s.handleHealth)

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	if s.tracer != nil {
		r.Get("/debug/spans", s.handleSpans)
	}

	// Streaming routes must not sit behind the request timeout.
	if s.feed != nil {
		r.With(s.userAuth).Get("/accounts/{id}/events", s.handleEvents)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.timeout))

		r.Post("/accounts", s.handleOpenAccount)

		r.Group(func(r chi.Router) {
			r.Use(s.userAuth)
			r.Get("/accounts/{id}", s.handleGetAccount)
			r.Get("/accounts/{id}/balance", s.handleBalance)
			r.Get("/accounts/{id}/transactions", s.handleTransactions)
			r.Post("/accounts/{id}/spend", s.handleSpend)
			r.Post("/transfers", s.handleTransfer)
			r.Get("/transfers/{id}", s.handleGetTransfer)
			r.Post("/rewards/daily-claim", s.handleDailyClaim)
			r.Post("/rewards/course-complete", s.handleCourseComplete)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.adminAuth)
			r.Post("/adjustments", s.handleAdjust)
			r.Post("/accounts/{id}/disable", s.handleDisable)
			r.Get("/accounts/{id}/audit", s.handleAudit)
		})

		if s.payments != nil {
			r.Post("/webhooks/payments", s.handlePaymentWebhook)
		}
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.wallet.Ping(r.Context()); err != nil {
		s.log.Error("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSpans(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, domain.Invalid("limit", domain.ErrInvalidCursor))
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, s.tracer.Spans(limit))
}

// ─── Middleware ─────────────────────────────────────────────────────────────

// requestLogger logs one line per request, records the latency histogram and
// propagates the chi request id as the trace id.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := middleware.GetReqID(r.Context())
		if reqID != "" {
			r = r.WithContext(observability.WithTraceID(r.Context(), reqID))
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		observability.HTTPRequests.
			WithLabelValues(r.Method, route, strconv.Itoa(status)).
			Observe(elapsed.Seconds())
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", elapsed),
			zap.String("request_id", reqID))
	})
}

// corsMiddleware adds CORS headers for the web client.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ─── Responses ──────────────────────────────────────────────────────────────

// Error codes returned in the "error" field.
const (
	CodeInvalidAmount      = "invalid_amount"
	CodeInvalidRequest     = "invalid_request"
	CodeInsufficientFunds  = "insufficient_funds"
	CodeUnknownAccount     = "unknown_account"
	CodeNotFound           = "not_found"
	CodeAlreadyClaimed     = "already_claimed"
	CodeAccountDisabled    = "account_disabled"
	CodeHandleTaken        = "handle_taken"
	CodeTimeout            = "timeout"
	CodeStorageUnavailable = "storage_unavailable"
	CodeUnauthorized       = "unauthorized"
	CodeForbidden          = "forbidden"
	CodeInternal           = "internal"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error   string `json:"error"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message,omitempty"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps err to a status and error code.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)
	switch {
	case status >= http.StatusInternalServerError:
		s.log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		s.log.Warn("request denied", zap.String("path", r.URL.Path), zap.Error(err))
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, body)
}

func classify(err error) (int, ErrorBody) {
	var ve *domain.ValidationError
	var se *domain.StorageError
	switch {
	case errors.Is(err, errUnauthorized), errors.Is(err, payment.ErrBadSignature):
		return http.StatusUnauthorized, ErrorBody{Error: CodeUnauthorized}
	case errors.Is(err, errForbidden):
		return http.StatusForbidden, ErrorBody{Error: CodeForbidden}
	case errors.Is(err, domain.ErrInvalidAmount):
		return http.StatusBadRequest, ErrorBody{Error: CodeInvalidAmount, Field: fieldOf(err), Message: err.Error()}
	case errors.As(err, &ve):
		return http.StatusBadRequest, ErrorBody{Error: CodeInvalidRequest, Field: ve.Field, Message: ve.Err.Error()}
	case errors.Is(err, domain.ErrInsufficientFunds):
		return http.StatusPaymentRequired, ErrorBody{Error: CodeInsufficientFunds}
	case errors.Is(err, domain.ErrUnknownAccount):
		return http.StatusNotFound, ErrorBody{Error: CodeUnknownAccount}
	case errors.Is(err, domain.ErrTransferNotFound):
		return http.StatusNotFound, ErrorBody{Error: CodeNotFound}
	case errors.Is(err, domain.ErrAlreadyClaimed):
		return http.StatusConflict, ErrorBody{Error: CodeAlreadyClaimed}
	case errors.Is(err, domain.ErrHandleTaken):
		return http.StatusConflict, ErrorBody{Error: CodeHandleTaken}
	case errors.Is(err, domain.ErrAccountDisabled):
		return http.StatusForbidden, ErrorBody{Error: CodeAccountDisabled}
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusServiceUnavailable, ErrorBody{Error: CodeTimeout}
	case errors.As(err, &se):
		return http.StatusServiceUnavailable, ErrorBody{Error: CodeStorageUnavailable}
	default:
		return http.StatusInternalServerError, ErrorBody{Error: CodeInternal}
	}
}

func fieldOf(err error) string {
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		return ve.Field
	}
	return ""
}
