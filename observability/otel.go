package observability

import (
	"context"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/seb7887/netclient"

type requestIDKey struct{}

// WithRequestID tags ctx with the webclient request ID so round trip spans
// can be matched with RequestData snapshots and log lines.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the ID stored by WithRequestID.
func RequestID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey{}).(string)
	return id, ok
}

// Tracer opens one client span per round trip on a connection's socket and
// propagates the trace context to the peer in the request headers.
type Tracer struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// NewTracer uses the global provider and propagator for nil arguments.
func NewTracer(provider trace.TracerProvider, propagator propagation.TextMapPropagator) *Tracer {
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	if propagator == nil {
		propagator = otel.GetTextMapPropagator()
	}
	return &Tracer{
		tracer:     provider.Tracer(tracerName),
		propagator: propagator,
	}
}

// Start begins the span for req and writes the propagation headers into it.
func (t *Tracer) Start(ctx context.Context, req *http.Request) (context.Context, trace.Span) {
	host, port := req.URL.Hostname(), req.URL.Port()
	attrs := []attribute.KeyValue{
		attribute.String("http.request.method", req.Method),
		attribute.String("url.full", redacted(req)),
		attribute.String("url.scheme", req.URL.Scheme),
		attribute.String("server.address", host),
	}
	if p, err := strconv.Atoi(port); err == nil {
		attrs = append(attrs, attribute.Int("server.port", p))
	}
	if id, ok := RequestID(ctx); ok {
		attrs = append(attrs, attribute.String("netclient.request_id", id))
	}

	ctx, span := t.tracer.Start(ctx, req.Method+" "+host,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	t.propagator.Inject(ctx, propagation.HeaderCarrier(req.Header))
	return ctx, span
}

// End closes span. Responses of 400 and above mark it as failed as do
// transport errors.
func (t *Tracer) End(span trace.Span, resp *http.Response, err error) {
	defer span.End()
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case resp != nil:
		span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
		if resp.StatusCode >= http.StatusBadRequest {
			span.SetStatus(codes.Error, resp.Status)
		}
	}
}

// redacted drops userinfo and keeps the query keys only.
func redacted(req *http.Request) string {
	u := *req.URL
	u.User = nil
	if u.RawQuery != "" {
		q := u.Query()
		keys := make([]string, 0, len(q))
		for k := range q {
			keys = append(keys, k+"=REDACTED")
		}
		slices.Sort(keys)
		u.RawQuery = strings.Join(keys, "&")
	}
	return u.String()
}
