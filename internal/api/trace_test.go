package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestTraceRequests_ContinuesCallerTrace(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	app, _ := newTestApp(t, testConfig())
	h := app.Router()

	const traceID = "0af7651916cd43dd8448eb211c80319c"
	req := httptest.NewRequest(http.MethodPost, "/api/v1/analyze", strings.NewReader(`{"url":"http://192.168.1.1/login"}`))
	req.Header.Set("traceparent", "00-"+traceID+"-b7ad6b7169203331-01")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}

	var server, analyze sdktrace.ReadOnlySpan
	for _, s := range rec.Ended() {
		switch s.Name() {
		case "POST /api/v1/analyze":
			server = s
		case "analyze_url":
			analyze = s
		}
	}
	if server == nil {
		t.Fatal("no server span recorded")
	}
	if got := server.SpanContext().TraceID().String(); got != traceID {
		t.Errorf("server span trace id = %s, want %s", got, traceID)
	}
	if analyze == nil {
		t.Fatal("no analyze span recorded")
	}
	if analyze.Parent().SpanID() != server.SpanContext().SpanID() {
		t.Error("analyze span should be a child of the request span")
	}
}

func TestTraceRequests_NoHeaderStartsRoot(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	app, _ := newTestApp(t, testConfig())
	if rr := do(t, app.Router(), http.MethodGet, "/health", ""); rr.Code != http.StatusOK {
		t.Fatalf("health: %d", rr.Code)
	}
	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 span, got %d", len(ended))
	}
	if ended[0].Parent().IsValid() {
		t.Error("request without traceparent should start a root span")
	}
}
