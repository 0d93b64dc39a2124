package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Carrier is the serialized trace context persisted alongside an outbox row or
// attached to a dead-letter message.
type Carrier map[string]string

// Inject captures the trace context of ctx into a Carrier
func Inject(ctx context.Context) Carrier {
	headers := make(Carrier)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
	return headers
}

// Extract restores a trace context captured by Inject. The returned context
// carries a remote span context, so spans started from it join the original trace.
func Extract(ctx context.Context, headers Carrier) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}
