package types

import "time"

// Decision sources.
const (
	SourceAnalyze  = "analyze"
	SourceScanText = "scan_text"
	SourceReport   = "report"
)

// DecisionEvent is the record written to decision sinks and streamed to live
// subscribers for every completed evaluation.
type DecisionEvent struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	OperationID string    `json:"operation_id,omitempty"`
	Source      string    `json:"source"`

	URL        string   `json:"url"`
	Hostname   string   `json:"hostname,omitempty"`
	Action     string   `json:"action"`
	RiskScore  int      `json:"risk_score"`
	Confidence string   `json:"confidence"`
	Method     string   `json:"method"`
	Reasons    []string `json:"reasons,omitempty"`

	Stage     string `json:"stage,omitempty"`
	MLError   string `json:"ml_error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
	Collapsed bool   `json:"collapsed,omitempty"`

	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`
}

// DecisionQuery filters stored decisions. Zero values match everything.
type DecisionQuery struct {
	Actions  []string
	Methods  []string
	HostLike string
	MinScore int
	Since    *time.Time
	Until    *time.Time

	Limit  int
	Offset int
	Asc    bool
}
