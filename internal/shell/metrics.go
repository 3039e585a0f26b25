package shell

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "garuda/shell"

// Metrics holds the otel instruments for the shell. A nil *Metrics is a no-op.
type Metrics struct {
	fetchTotal      metric.Int64Counter
	cacheWriteFails metric.Int64Counter
	installAttempts metric.Int64Counter
	requestDuration metric.Float64Histogram
}

// NewMetrics creates the instruments. If provider is nil it returns nil.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		return nil, nil
	}
	meter := provider.Meter(meterName)

	fetchTotal, err := meter.Int64Counter(
		"garuda_fetch_total",
		metric.WithDescription("Intercepted fetches by cache outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}
	cacheWriteFails, err := meter.Int64Counter(
		"garuda_cache_write_failures_total",
		metric.WithDescription("Best-effort cache writes on the fetch path that failed"),
	)
	if err != nil {
		return nil, err
	}
	installAttempts, err := meter.Int64Counter(
		"garuda_install_attempts_total",
		metric.WithDescription("Install attempts by result"),
	)
	if err != nil {
		return nil, err
	}
	requestDuration, err := meter.Float64Histogram(
		"garuda_http_request_duration_seconds",
		metric.WithDescription("Duration of HTTP requests in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}
	return &Metrics{
		fetchTotal:      fetchTotal,
		cacheWriteFails: cacheWriteFails,
		installAttempts: installAttempts,
		requestDuration: requestDuration,
	}, nil
}

func (m *Metrics) fetch(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.fetchTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) cacheWriteFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.cacheWriteFails.Add(ctx, 1)
}

func (m *Metrics) installAttempt(ctx context.Context, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.installAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// Middleware records request durations keyed by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unknown_route"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		m.requestDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.String("route", route),
			attribute.String("status_code", strconv.Itoa(ww.Status())),
		))
	})
}
