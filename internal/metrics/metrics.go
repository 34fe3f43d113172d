package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector provides a minimal Prometheus-compatible metrics exporter.
type Collector struct {
	startedAt time.Time

	scansTotal atomic.Uint64
	byDecision sync.Map // "action|method" -> *atomic.Uint64

	mlRequests   atomic.Uint64
	mlErrors     sync.Map // kind -> *atomic.Uint64
	circuitOpens atomic.Uint64

	dedupCollapsed atomic.Uint64
	retries        atomic.Uint64
	opsFailed      atomic.Uint64
	sinkErrors     atomic.Uint64
	rateLimited    atomic.Uint64
}

func New() *Collector {
	return &Collector{startedAt: time.Now().UTC()}
}

// IncDecision counts a recorded decision by action and method.
func (c *Collector) IncDecision(action, method string) {
	if c == nil {
		return
	}
	c.scansTotal.Add(1)
	if action == "" {
		action = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	inc(&c.byDecision, action+"|"+method)
}

func (c *Collector) IncMLRequest() {
	if c == nil {
		return
	}
	c.mlRequests.Add(1)
}

// IncMLError counts a failed ML call. kind is a short classifier such as
// "timeout", "transport", "http_status" or "invalid_response".
func (c *Collector) IncMLError(kind string) {
	if c == nil {
		return
	}
	inc(&c.mlErrors, kind)
}

func (c *Collector) IncCircuitOpen() {
	if c == nil {
		return
	}
	c.circuitOpens.Add(1)
}

func (c *Collector) IncDedupCollapsed() {
	if c == nil {
		return
	}
	c.dedupCollapsed.Add(1)
}

func (c *Collector) IncRetry() {
	if c == nil {
		return
	}
	c.retries.Add(1)
}

func (c *Collector) IncOperationFailed() {
	if c == nil {
		return
	}
	c.opsFailed.Add(1)
}

func (c *Collector) IncSinkError() {
	if c == nil {
		return
	}
	c.sinkErrors.Add(1)
}

func (c *Collector) IncRateLimited() {
	if c == nil {
		return
	}
	c.rateLimited.Add(1)
}

// HandlerOptions supplies gauges owned by other components.
type HandlerOptions struct {
	CircuitOpen    func() bool
	PendingOps     func() int
	KnownBadHosts  func() int
	StreamsActive  func() int
	StreamsDropped func() int64
}

func (c *Collector) Handler(opts HandlerOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		gauge(w, "phishguard_up", "Whether the phishguard server is running.", 1)
		gauge(w, "phishguard_uptime_seconds", "Seconds since the collector started.", int64(time.Since(c.startedAt).Seconds()))

		counter(w, "phishguard_scans_total", "Total number of recorded decisions.", c.scansTotal.Load())
		keys := snapshotKeys(&c.byDecision)
		if len(keys) > 0 {
			fmt.Fprint(w, "# HELP phishguard_decisions_total Recorded decisions by action and method.\n")
			fmt.Fprint(w, "# TYPE phishguard_decisions_total counter\n")
			for _, k := range keys {
				action, method, _ := strings.Cut(k, "|")
				fmt.Fprintf(w, "phishguard_decisions_total{action=\"%s\",method=\"%s\"} %d\n",
					escapeLabelValue(action), escapeLabelValue(method), load(&c.byDecision, k))
			}
		}

		counter(w, "phishguard_ml_requests_total", "ML prediction requests sent.", c.mlRequests.Load())
		keys = snapshotKeys(&c.mlErrors)
		if len(keys) > 0 {
			fmt.Fprint(w, "# HELP phishguard_ml_errors_total Failed ML calls by kind.\n")
			fmt.Fprint(w, "# TYPE phishguard_ml_errors_total counter\n")
			for _, k := range keys {
				fmt.Fprintf(w, "phishguard_ml_errors_total{kind=\"%s\"} %d\n", escapeLabelValue(k), load(&c.mlErrors, k))
			}
		}
		counter(w, "phishguard_ml_circuit_opens_total", "Times the ML circuit opened.", c.circuitOpens.Load())
		if opts.CircuitOpen != nil {
			open := int64(0)
			if opts.CircuitOpen() {
				open = 1
			}
			gauge(w, "phishguard_ml_circuit_open", "Whether the ML circuit is open.", open)
		}

		counter(w, "phishguard_dedup_collapsed_total", "Evaluations served by an in-flight or recent identical evaluation.", c.dedupCollapsed.Load())
		counter(w, "phishguard_operation_retries_total", "Retried operations.", c.retries.Load())
		counter(w, "phishguard_operation_failures_total", "Operations that exhausted their retries.", c.opsFailed.Load())
		counter(w, "phishguard_sink_errors_total", "Decision sink write failures.", c.sinkErrors.Load())
		counter(w, "phishguard_api_rate_limited_total", "API requests rejected by the rate limiter.", c.rateLimited.Load())

		if opts.PendingOps != nil {
			gauge(w, "phishguard_pending_operations", "Evaluations currently in flight.", int64(opts.PendingOps()))
		}
		if opts.KnownBadHosts != nil {
			gauge(w, "phishguard_known_bad_hosts", "Hosts in the known-bad cache.", int64(opts.KnownBadHosts()))
		}
		if opts.StreamsActive != nil {
			gauge(w, "phishguard_streams_active", "Live decision stream subscribers.", int64(opts.StreamsActive()))
		}
		if opts.StreamsDropped != nil {
			fmt.Fprint(w, "# HELP phishguard_stream_dropped_total Decisions dropped for slow stream subscribers.\n")
			fmt.Fprint(w, "# TYPE phishguard_stream_dropped_total counter\n")
			fmt.Fprintf(w, "phishguard_stream_dropped_total %d\n", opts.StreamsDropped())
		}
	})
}

func counter(w http.ResponseWriter, name, help string, v uint64) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, help, name, name, v)
}

func gauge(w http.ResponseWriter, name, help string, v int64) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n%s %d\n", name, help, name, name, v)
}

func inc(m *sync.Map, key string) {
	ptr, _ := m.LoadOrStore(key, &atomic.Uint64{})
	ptr.(*atomic.Uint64).Add(1)
}

func load(m *sync.Map, key string) uint64 {
	ptr, ok := m.Load(key)
	if !ok {
		return 0
	}
	return ptr.(*atomic.Uint64).Load()
}

func snapshotKeys(m *sync.Map) []string {
	var out []string
	m.Range(func(k, _ any) bool {
		if s, ok := k.(string); ok {
			out = append(out, s)
		}
		return true
	})
	sort.Strings(out)
	return out
}

func escapeLabelValue(v string) string {
	// Prometheus text format label escaping for " and \ and newlines.
	v = strings.ReplaceAll(v, "\\", "\\\\")
	v = strings.ReplaceAll(v, "\n", "\\n")
	v = strings.ReplaceAll(v, "\"", "\\\"")
	return v
}
