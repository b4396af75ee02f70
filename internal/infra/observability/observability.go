// Package observability holds wallet tracing and Prometheus metrics.
//
// This provides:
//   - In-memory spans for each wallet operation (transfer, spend, claim, ...)
//   - Trace ID propagation through request contexts
//   - Prometheus metrics for ledger writes, rewards, locks and HTTP
package observability

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ═══════════════════════════════════════════════════════════════════════════
// Trace Spans
// ═══════════════════════════════════════════════════════════════════════════

// SpanStatus indicates success/failure.
type SpanStatus string

const (
	SpanOK       SpanStatus = "ok"
	SpanRejected SpanStatus = "rejected" // business outcome, e.g. insufficient funds
	SpanError    SpanStatus = "error"
)

// Span is one wallet operation.
type Span struct {
	TraceID   string            `json:"trace_id"`
	SpanID    string            `json:"span_id"`
	ParentID  string            `json:"parent_id,omitempty"`
	Operation string            `json:"operation"`
	StartTime time.Time         `json:"start_time"`
	Duration  time.Duration     `json:"duration"`
	Status    SpanStatus        `json:"status"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

// ─── Tracer ─────────────────────────────────────────────────────────────────

// Tracer keeps the most recent spans in a ring buffer for /debug/spans.
type Tracer struct {
	mu       sync.Mutex
	spans    []Span
	maxSpans int
	enabled  bool
}

// TracerConfig configures the tracer.
type TracerConfig struct {
	Enabled  bool
	MaxSpans int // ring buffer size (default 2_000)
}

// DefaultTracerConfig returns production defaults.
func DefaultTracerConfig() TracerConfig {
	return TracerConfig{
		Enabled:  true,
		MaxSpans: 2_000,
	}
}

// NewTracer creates a new tracer.
func NewTracer(cfg TracerConfig) *Tracer {
	if cfg.MaxSpans <= 0 {
		cfg.MaxSpans = DefaultTracerConfig().MaxSpans
	}
	return &Tracer{
		spans:    make([]Span, 0, cfg.MaxSpans),
		maxSpans: cfg.MaxSpans,
		enabled:  cfg.Enabled,
	}
}

// Start begins a span. The returned context carries the span ID so nested
// operations record it as their parent. A nil Tracer is valid and records
// nothing.
func (t *Tracer) Start(ctx context.Context, operation string, attrs map[string]string) (context.Context, *Span) {
	if t == nil || !t.enabled {
		return ctx, nil
	}
	traceID, ok := TraceIDFrom(ctx)
	if !ok {
		traceID = generateID()
		ctx = WithTraceID(ctx, traceID)
	}
	span := &Span{
		TraceID:   traceID,
		SpanID:    generateID(),
		ParentID:  spanIDFromContext(ctx),
		Operation: operation,
		StartTime: time.Now(),
		Status:    SpanOK,
		Attrs:     attrs,
	}
	return WithSpanID(ctx, span.SpanID), span
}

// End completes a span and records it. rejected marks err as an expected
// business outcome rather than a failure.
func (t *Tracer) End(span *Span, err error, rejected bool) {
	if t == nil || !t.enabled || span == nil {
		return
	}

	span.Duration = time.Since(span.StartTime)
	if err != nil {
		span.Status = SpanError
		if rejected {
			span.Status = SpanRejected
		}
		if span.Attrs == nil {
			span.Attrs = make(map[string]string)
		}
		span.Attrs["error"] = err.Error()
	}

	TracesRecorded.Inc()
	if span.Status == SpanError {
		TraceErrors.Inc()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.spans) >= t.maxSpans {
		t.spans = t.spans[1:]
	}
	t.spans = append(t.spans, *span)
}

// Spans returns a copy of the most recent spans, oldest first.
func (t *Tracer) Spans(limit int) []Span {
	t.mu.Lock()
	defer t.mu.Unlock()

	if limit <= 0 || limit > len(t.spans) {
		limit = len(t.spans)
	}
	start := len(t.spans) - limit
	out := make([]Span, limit)
	copy(out, t.spans[start:])
	return out
}

// SpanCount returns the number of recorded spans.
func (t *Tracer) SpanCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.spans)
}

// Reset clears all recorded spans.
func (t *Tracer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spans = t.spans[:0]
}

// ─── Context Helpers ────────────────────────────────────────────────────────

type contextKey string

const (
	traceIDKey contextKey = "rgfling-trace-id"
	spanIDKey  contextKey = "rgfling-span-id"
)

// WithTraceID returns a context with the given trace ID.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// WithSpanID returns a context with the given span ID.
func WithSpanID(ctx context.Context, spanID string) context.Context {
	return context.WithValue(ctx, spanIDKey, spanID)
}

// TraceIDFrom returns the trace ID carried by ctx, if any.
func TraceIDFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(traceIDKey).(string)
	return v, ok && v != ""
}

func spanIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(spanIDKey).(string); ok {
		return v
	}
	return ""
}

var spanCounter atomic.Int64

// generateID creates a short unique ID. Not cryptographically secure.
func generateID() string {
	n := spanCounter.Add(1)
	return fmt.Sprintf("%s-%d", time.Now().UTC().Format("20060102150405"), n)
}

// ═══════════════════════════════════════════════════════════════════════════
// Prometheus Metrics
// ═══════════════════════════════════════════════════════════════════════════

// ─── Ledger Metrics ─────────────────────────────────────────────────────────

// LedgerAppends counts ledger entries written, by reason.
var LedgerAppends = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "rgfling",
	Subsystem: "ledger",
	Name:      "entries_appended_total",
	Help:      "Total ledger entries appended by reason.",
}, []string{"reason"})

// ─── Transfer Metrics ───────────────────────────────────────────────────────

// Transfers counts transfer outcomes by status.
var Transfers = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "rgfling",
	Subsystem: "transfers",
	Name:      "total",
	Help:      "Total transfers by outcome (completed, rejected, error, replayed).",
}, []string{"status"})

// TransferAmount tracks completed transfer sizes in coins.
var TransferAmount = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "rgfling",
	Subsystem: "transfers",
	Name:      "amount_coins",
	Help:      "Completed transfer amounts in RGX coins.",
	Buckets:   []float64{1, 10, 50, 100, 250, 500, 1000, 5000, 10000},
})

// ─── Reward Metrics ─────────────────────────────────────────────────────────

// RewardClaims counts reward claims by type and outcome.
var RewardClaims = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "rgfling",
	Subsystem: "rewards",
	Name:      "claims_total",
	Help:      "Total reward claims by type and outcome.",
}, []string{"type", "outcome"})

// RewardCoins counts coins issued by reward type.
var RewardCoins = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "rgfling",
	Subsystem: "rewards",
	Name:      "coins_issued_total",
	Help:      "Total RGX coins issued by reward type.",
}, []string{"type"})

// ─── Lock Metrics ───────────────────────────────────────────────────────────

// LockWait tracks time spent acquiring account locks.
var LockWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "rgfling",
	Subsystem: "lock",
	Name:      "wait_seconds",
	Help:      "Time spent waiting for account locks.",
	Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
}, []string{"backend"})

// LockTimeouts counts lock acquisitions that gave up.
var LockTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "rgfling",
	Subsystem: "lock",
	Name:      "timeouts_total",
	Help:      "Total account lock acquisitions that timed out.",
}, []string{"backend"})

// ─── Payment Metrics ────────────────────────────────────────────────────────

// PaymentWebhooks counts payment webhook outcomes.
var PaymentWebhooks = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "rgfling",
	Subsystem: "payments",
	Name:      "webhooks_total",
	Help:      "Total payment webhooks by outcome (credited, duplicate, ignored, invalid).",
}, []string{"outcome"})

// ─── HTTP Metrics ───────────────────────────────────────────────────────────

// HTTPRequests tracks API latency by route pattern and status code.
var HTTPRequests = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "rgfling",
	Subsystem: "http",
	Name:      "request_duration_seconds",
	Help:      "API request latency by route and status.",
	Buckets:   prometheus.DefBuckets,
}, []string{"method", "route", "status"})

// FeedSubscribers tracks open live-ledger streams.
var FeedSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "rgfling",
	Subsystem: "feed",
	Name:      "subscribers",
	Help:      "Number of open live ledger streams.",
})

// ─── Trace Metrics ──────────────────────────────────────────────────────────

// TracesRecorded tracks total spans recorded.
var TracesRecorded = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "rgfling",
	Subsystem: "traces",
	Name:      "spans_recorded_total",
	Help:      "Total trace spans recorded.",
})

// TraceErrors tracks error spans.
var TraceErrors = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "rgfling",
	Subsystem: "traces",
	Name:      "error_spans_total",
	Help:      "Total trace spans with error status.",
})
