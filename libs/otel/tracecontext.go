package otelx

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const (
	TraceparentKey = "traceparent"
	TracestateKey  = "tracestate"
)

// TraceContextStrings serializes the span context in ctx so it can be stored
// on an outbox row or carried as stream entry fields.
func TraceContextStrings(ctx context.Context) (traceparent string, tracestate string) {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier[TraceparentKey], carrier[TracestateKey]
}

func ContextWithTraceContext(ctx context.Context, traceparent string, tracestate string) context.Context {
	if traceparent == "" && tracestate == "" {
		return ctx
	}
	carrier := propagation.MapCarrier{
		TraceparentKey: traceparent,
		TracestateKey:  tracestate,
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
