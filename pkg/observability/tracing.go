package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// TracerName is the OpenTelemetry tracer name.
	TracerName = "phishguard"
)

// OperationType represents the kind of traced operation.
type OperationType string

const (
	OpAnalyzeURL OperationType = "analyze_url"
	OpScanText   OperationType = "scan_text"
	OpMLPredict  OperationType = "ml_predict"
	OpMLProbe    OperationType = "ml_probe"
	OpFeedSync   OperationType = "feed_sync"
	OpStatsFlush OperationType = "stats_flush"
	OpCleanup    OperationType = "cleanup"
)

// String returns the string representation of the operation type.
func (o OperationType) String() string {
	return string(o)
}

// Operation describes an operation being traced.
type Operation struct {
	Type     OperationType
	ID       string
	URL      string
	Hostname string
	Extra    map[string]string
}

// TraceOperation starts a new span for an operation.
func TraceOperation(ctx context.Context, op *Operation) (context.Context, trace.Span) {
	tracer := otel.Tracer(TracerName)

	attrs := []attribute.KeyValue{
		attribute.String("operation.type", string(op.Type)),
	}
	if op.ID != "" {
		attrs = append(attrs, attribute.String("operation.id", op.ID))
	}
	if op.URL != "" {
		attrs = append(attrs, attribute.String("url.full", op.URL))
	}
	if op.Hostname != "" {
		attrs = append(attrs, attribute.String("url.domain", op.Hostname))
	}
	for k, v := range op.Extra {
		attrs = append(attrs, attribute.String("operation."+k, v))
	}

	return tracer.Start(ctx, op.Type.String(),
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// RecordDecision records the verdict on a span.
func RecordDecision(span trace.Span, action, method string, score int) {
	span.SetAttributes(
		attribute.String("decision.action", action),
		attribute.String("decision.method", method),
		attribute.Int("decision.score", score),
	)
	if action == "block" {
		span.AddEvent("blocked")
	}
}

// RecordError records an error on a span.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// PolicyEvalSpan creates a child span for policy evaluation.
func PolicyEvalSpan(ctx context.Context) (context.Context, trace.Span) {
	tracer := otel.Tracer(TracerName)
	return tracer.Start(ctx, "policy_eval",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// MLSpan creates a client span for a call to the prediction service.
func MLSpan(ctx context.Context, op OperationType, endpoint string) (context.Context, trace.Span) {
	tracer := otel.Tracer(TracerName)
	return tracer.Start(ctx, op.String(),
		trace.WithAttributes(
			attribute.String("server.address", endpoint),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// RecordMLResult records the outcome of a prediction service call.
func RecordMLResult(span trace.Span, statusCode int, latency time.Duration, err error) {
	span.SetAttributes(attribute.Int64("duration_ms", latency.Milliseconds()))
	if statusCode > 0 {
		span.SetAttributes(attribute.Int("http.status_code", statusCode))
	}
	RecordError(span, err)
}

// WebhookSpan creates a child span for webhook dispatch.
func WebhookSpan(ctx context.Context, url string) (context.Context, trace.Span) {
	tracer := otel.Tracer(TracerName)
	return tracer.Start(ctx, "webhook_dispatch",
		trace.WithAttributes(
			attribute.String("webhook.url", url),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// RecordWebhookResult records webhook dispatch result.
func RecordWebhookResult(span trace.Span, statusCode int, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetAttributes(attribute.Int("http.status_code", statusCode))
	if statusCode >= 400 {
		span.SetStatus(codes.Error, "webhook returned error status")
	}
}

// ExtractTraceID extracts the trace ID from a context.
func ExtractTraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

// ExtractSpanID extracts the span ID from a context.
func ExtractSpanID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.SpanID().String()
}
