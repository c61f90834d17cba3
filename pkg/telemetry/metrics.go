package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	metricsOnce          sync.Once
	metricsInitErr       error
	authOutcomeCounter   metric.Int64Counter
	originUpCounter      metric.Int64Counter
	rateLimitWaitHist    metric.Float64Histogram
	rateLimitRejectCount metric.Int64Counter
)

// Authentication outcomes recorded by RecordAuthentication.
const (
	OutcomeAuthenticated   = "authenticated"
	OutcomeUnauthenticated = "unauthenticated"
	OutcomeDenied          = "denied"
	OutcomeMalformed       = "malformed"
)

// RecordAuthentication counts one authentication attempt by outcome.
func RecordAuthentication(ctx context.Context, outcome string) {
	if err := ensureMetrics(); err != nil {
		return
	}
	authOutcomeCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("auth.outcome", outcome)))
}

// RecordOriginUp counts one retry timings repair. success is false when the
// repair failed and was swallowed.
func RecordOriginUp(ctx context.Context, success bool, replicated bool) {
	if err := ensureMetrics(); err != nil {
		return
	}
	originUpCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("repair.success", success),
		attribute.Bool("repair.replicated", replicated),
	))
}

// RecordRateLimitWait records how long a request waited for admission.
func RecordRateLimitWait(ctx context.Context, wait time.Duration) {
	if err := ensureMetrics(); err != nil {
		return
	}
	rateLimitWaitHist.Record(ctx, float64(wait)/float64(time.Millisecond))
}

// RecordRateLimitReject counts a request rejected by the rate limiter.
func RecordRateLimitReject(ctx context.Context) {
	if err := ensureMetrics(); err != nil {
		return
	}
	rateLimitRejectCount.Add(ctx, 1)
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("federation.transport")

		authOutcomeCounter, metricsInitErr = meter.Int64Counter(
			"federation.auth.requests_total",
			metric.WithDescription("Inbound federation authentications partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		originUpCounter, metricsInitErr = meter.Int64Counter(
			"federation.origin_up_total",
			metric.WithDescription("Retry timing repairs for origins seen alive again"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		rateLimitWaitHist, metricsInitErr = meter.Float64Histogram(
			"federation.ratelimit.wait_ms",
			metric.WithDescription("Time spent waiting for per-origin admission"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		rateLimitRejectCount, metricsInitErr = meter.Int64Counter(
			"federation.ratelimit.rejected_total",
			metric.WithDescription("Requests rejected by the per-origin rate limiter"),
			metric.WithUnit("{count}"),
		)
	})

	return metricsInitErr
}

// SetAuthenticatedEntity tags span with the requester, or "None" for
// unauthenticated requests.
func SetAuthenticatedEntity(span trace.Span, entity string) {
	if span == nil || !span.IsRecording() {
		return
	}
	if entity == "" {
		entity = "None"
	}
	span.SetAttributes(attribute.String("authenticated_entity", entity))
}
