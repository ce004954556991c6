package policy

import (
	"context"
	"errors"
	"net/http"

	"github.com/seb7887/netclient/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationPolicy wraps each round trip in a client span and injects
// the trace context into the request headers. A nil provider uses the global
// one.
type InstrumentationPolicy struct {
	tracer *observability.Tracer
}

func NewInstrumentationPolicy(provider trace.TracerProvider) *InstrumentationPolicy {
	return &InstrumentationPolicy{tracer: observability.NewTracer(provider, nil)}
}

func (i *InstrumentationPolicy) Execute(ctx context.Context, req *http.Request, next Executor) (*http.Response, error) {
	ctx, span := i.tracer.Start(ctx, req)
	span.SetAttributes(attribute.String("netclient.target", Key(req)))

	resp, err := next(ctx, req)

	var rej *Rejection
	if errors.As(err, &rej) {
		span.SetAttributes(attribute.String("netclient.rejected_by", rej.Policy))
	}
	i.tracer.End(span, resp, err)
	return resp, err
}
