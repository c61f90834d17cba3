package federation

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/polisai/polis-federation/pkg/domain"
	"github.com/polisai/polis-federation/pkg/telemetry"
)

const tracerName = "github.com/polisai/polis-federation/pkg/federation"

// Span names of the federation request topology.
const (
	SpanIncomingRequest = "incoming-federation-request"
	SpanProcessRequest  = "process-federation-request"
)

// FederationSpans is the pair of spans scoped to one dispatched request.
// Remote is a non-recording placeholder unless the origin's trace context was
// trusted and extracted.
type FederationSpans struct {
	Remote trace.Span
	Local  trace.Span
}

// End ends the local span, then the remote one.
func (s *FederationSpans) End() {
	if s == nil {
		return
	}
	s.Local.End()
	s.Remote.End()
}

// TraceBridge links the trace of a trusted remote server to the local one.
type TraceBridge struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	whitelist  *HomeserverWhitelist
}

// NewTraceBridge creates a bridge. A nil whitelist trusts no origin.
func NewTraceBridge(tp trace.TracerProvider, propagator propagation.TextMapPropagator, whitelist *HomeserverWhitelist) *TraceBridge {
	if propagator == nil {
		propagator = telemetry.Propagator()
	}
	return &TraceBridge{
		tracer:     tp.Tracer(tracerName),
		propagator: propagator,
		whitelist:  whitelist,
	}
}

// Tracer returns the tracer the bridge starts spans with.
func (b *TraceBridge) Tracer() trace.Tracer {
	return b.tracer
}

// Start tags the active span with the authenticated entity and opens the
// request's span pair. The returned context carries the local span. The
// caller must End the spans on every exit path.
func (b *TraceBridge) Start(ctx context.Context, r *http.Request, origin domain.ServerName) (context.Context, *FederationSpans) {
	active := trace.SpanFromContext(ctx)
	telemetry.SetAuthenticatedEntity(active, string(origin))

	attrs := []attribute.KeyValue{
		attribute.String("http.request.method", r.Method),
		attribute.String("url.path", r.URL.Path),
	}
	if origin != "" {
		attrs = append(attrs, attribute.String("federation.origin", string(origin)))
	}

	if origin != "" && b.whitelist.Matches(origin) {
		remoteCtx := b.propagator.Extract(context.Background(), propagation.HeaderCarrier(r.Header))
		remoteSC := trace.SpanContextFromContext(remoteCtx)
		if remoteSC.IsValid() {
			_, remote := b.tracer.Start(
				trace.ContextWithRemoteSpanContext(ctx, remoteSC),
				SpanIncomingRequest,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithLinks(trace.Link{SpanContext: active.SpanContext()}),
				trace.WithAttributes(attrs...),
			)
			localCtx, local := b.tracer.Start(ctx, SpanProcessRequest,
				trace.WithLinks(trace.Link{SpanContext: remote.SpanContext()}),
				trace.WithAttributes(attrs...),
			)
			return localCtx, &FederationSpans{Remote: remote, Local: local}
		}
	}

	localCtx, local := b.tracer.Start(ctx, SpanProcessRequest, trace.WithAttributes(attrs...))
	return localCtx, &FederationSpans{Remote: noop.Span{}, Local: local}
}
