package otel

import (
	"context"
	"encoding/hex"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/phishguard/phishguard/pkg/types"
)

// convertToLogRecord converts a decision to a log record for Logger.Emit.
func convertToLogRecord(ev types.DecisionEvent) otellog.Record {
	var rec otellog.Record

	sev := decisionSeverity(ev.Action)
	rec.SetTimestamp(ev.Timestamp)
	rec.SetBody(otellog.StringValue(decisionBody(ev)))
	rec.SetSeverity(sev)
	rec.SetSeverityText(sev.String())
	rec.AddAttributes(decisionAttributes(ev)...)
	return rec
}

// decisionContext attaches the decision's trace and span IDs so the processor
// correlates the record with the evaluation span.
func decisionContext(ctx context.Context, ev types.DecisionEvent) context.Context {
	traceID, hasTrace := parseTraceID(ev.TraceID)
	spanID, hasSpan := parseSpanID(ev.SpanID)
	if !hasTrace && !hasSpan {
		return ctx
	}
	cfg := trace.SpanContextConfig{}
	if hasTrace {
		cfg.TraceID = traceID
	}
	if hasSpan {
		cfg.SpanID = spanID
	}
	return trace.ContextWithSpanContext(ctx, trace.NewSpanContext(cfg))
}

func decisionBody(ev types.DecisionEvent) string {
	target := ev.Hostname
	if target == "" {
		target = ev.URL
	}
	return fmt.Sprintf("%s %s [%s %d]", ev.Action, target, ev.Method, ev.RiskScore)
}

func decisionSeverity(action string) otellog.Severity {
	switch action {
	case "block":
		return otellog.SeverityError
	case "warn":
		return otellog.SeverityWarn
	default:
		return otellog.SeverityInfo
	}
}

func decisionAttributes(ev types.DecisionEvent) []otellog.KeyValue {
	attrs := []otellog.KeyValue{
		otellog.String("url.full", ev.URL),
		otellog.String("phishguard.action", ev.Action),
		otellog.Int("phishguard.risk_score", ev.RiskScore),
		otellog.String("phishguard.method", ev.Method),
		otellog.String("phishguard.confidence", ev.Confidence),
		otellog.String("phishguard.source", ev.Source),
		otellog.Int64("phishguard.latency_ms", ev.LatencyMS),
	}
	if ev.ID != "" {
		attrs = append(attrs, otellog.String("phishguard.decision.id", ev.ID))
	}
	if ev.OperationID != "" {
		attrs = append(attrs, otellog.String("phishguard.operation.id", ev.OperationID))
	}
	if ev.Hostname != "" {
		attrs = append(attrs, otellog.String("server.address", ev.Hostname))
	}
	if ev.Stage != "" {
		attrs = append(attrs, otellog.String("phishguard.stage", ev.Stage))
	}
	if ev.MLError != "" {
		attrs = append(attrs, otellog.String("phishguard.ml_error", ev.MLError))
	}
	if len(ev.Reasons) > 0 {
		vals := make([]otellog.Value, len(ev.Reasons))
		for i, r := range ev.Reasons {
			vals[i] = otellog.StringValue(r)
		}
		attrs = append(attrs, otellog.Slice("phishguard.reasons", vals...))
	}
	return attrs
}

func parseTraceID(s string) (trace.TraceID, bool) {
	b, err := hex.DecodeString(s)
	if s == "" || err != nil || len(b) != 16 {
		return trace.TraceID{}, false
	}
	var tid trace.TraceID
	copy(tid[:], b)
	return tid, true
}

func parseSpanID(s string) (trace.SpanID, bool) {
	b, err := hex.DecodeString(s)
	if s == "" || err != nil || len(b) != 8 {
		return trace.SpanID{}, false
	}
	var sid trace.SpanID
	copy(sid[:], b)
	return sid, true
}

// BuildResource creates a Resource carrying the service name and optional extra attributes.
func BuildResource(serviceName string, extraAttrs map[string]string) *resource.Resource {
	kvs := []attribute.KeyValue{semconv.ServiceName(serviceName)}
	for k, v := range extraAttrs {
		kvs = append(kvs, attribute.String(k, v))
	}
	res, _ := resource.New(context.Background(), resource.WithAttributes(kvs...))
	return res
}
