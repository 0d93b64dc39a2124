package tracing

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by the publish and delivery spans.
const (
	PublisherKey       = attribute.Key("harbormail.publisher_id")
	IssueKey           = attribute.Key("harbormail.newsletter_issue_id")
	RecipientDomainKey = attribute.Key("harbormail.recipient_domain")
	AttemptKey         = attribute.Key("harbormail.delivery.attempt")
	WorkerKey          = attribute.Key("harbormail.worker_id")
	IdempotentKey      = attribute.Key("harbormail.idempotency.keyed")
)

func Publisher(id string) attribute.KeyValue { return PublisherKey.String(id) }
func Issue(id uuid.UUID) attribute.KeyValue { return IssueKey.String(id.String()) }
func Worker(id string) attribute.KeyValue { return WorkerKey.String(id) }
func Attempt(n int) attribute.KeyValue { return AttemptKey.Int(n) }
func Idempotent(keyed bool) attribute.KeyValue { return IdempotentKey.Bool(keyed) }

// RecipientDomain records only the domain of an address; full subscriber
// addresses stay out of trace storage.
func RecipientDomain(email string) attribute.KeyValue {
	domain := ""
	if at := strings.LastIndexByte(email, '@'); at >= 0 {
		domain = strings.ToLower(email[at+1:])
	}
	return RecipientDomainKey.String(domain)
}

func tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// StartSpan starts an internal span carrying attrs
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartConsumerSpan starts the span of a worker handling a queued task. ctx
// should carry the publisher's span context restored by Extract.
func StartConsumerSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer().Start(ctx, name, trace.WithSpanKind(trace.SpanKindConsumer), trace.WithAttributes(attrs...))
}

// AddSpanEvent adds an event to the span in ctx. It is a no-op without one.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanError marks the span in ctx failed. A nil err is ignored.
func SetSpanError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// GetTraceID returns the hex trace id in ctx, or "" when there is none
func GetTraceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// GetSpanID returns the hex span id in ctx, or "" when there is none
func GetSpanID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasSpanID() {
		return sc.SpanID().String()
	}
	return ""
}
