// Package api serves the HTTP surface of the service: the message endpoint,
// REST shortcuts for the common messages, decision history and live decision
// streams.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/phishguard/phishguard/internal/config"
	"github.com/phishguard/phishguard/internal/events"
	"github.com/phishguard/phishguard/internal/metrics"
	"github.com/phishguard/phishguard/internal/service"
	"github.com/phishguard/phishguard/internal/store"
	"github.com/phishguard/phishguard/pkg/types"
)

type App struct {
	cfg     *config.Config
	svc     *service.Service
	history store.DecisionQuerier
	broker  *events.Broker
	limiter *clientLimiter
	logger  *slog.Logger
}

type Option func(*App)

// WithHistory enables GET /api/v1/decisions.
func WithHistory(q store.DecisionQuerier) Option { return func(a *App) { a.history = q } }

// WithBroker enables the live decision streams.
func WithBroker(b *events.Broker) Option { return func(a *App) { a.broker = b } }

func WithLogger(l *slog.Logger) Option { return func(a *App) { a.logger = l } }

func NewApp(cfg *config.Config, svc *service.Service, opts ...Option) *App {
	a := &App{cfg: cfg, svc: svc}
	for _, o := range opts {
		o(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if rl := cfg.API.RateLimit; rl.Enabled {
		a.limiter = newClientLimiter(rate.Limit(rl.RPS), rl.Burst)
	}
	return a
}

// Router builds the HTTP handler. REST shortcuts take the message payload as
// their body and answer with the same envelope as POST /api/v1/messages.
func (a *App) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(traceRequests)

	r.Get(a.cfg.Health.Path, func(w http.ResponseWriter, r *http.Request) { writeText(w, http.StatusOK, "ok\n") })
	r.Get(a.cfg.Health.ReadinessPath, a.ready)
	if a.cfg.Metrics.Enabled {
		r.Method(http.MethodGet, a.cfg.Metrics.Path, a.metricsHandler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(a.rateLimit)

		r.Post("/messages", a.handleMessage)

		r.Post("/analyze", a.dispatch(service.MsgAnalyzeURL))
		r.Post("/scan", a.dispatch(service.MsgScanText))
		r.Get("/stats", a.dispatch(service.MsgGetStats))
		r.Post("/stats", a.dispatch(service.MsgUpdateStats))
		r.Delete("/stats", a.dispatch(service.MsgResetStats))
		r.Get("/ml/config", a.dispatch(service.MsgGetMLConfig))
		r.Put("/ml/config", a.dispatch(service.MsgUpdateMLConfig))
		r.Post("/ml/test", a.dispatch(service.MsgTestMLBackend))
		r.Get("/status", a.dispatch(service.MsgGetServiceStatus))
		r.Get("/errors", a.errorLogs)

		r.Get("/decisions", a.searchDecisions)
		r.Get("/decisions/stream", a.streamDecisions)
		r.Get("/decisions/ws", a.streamDecisionsWS)
	})

	return r
}

func (a *App) ready(w http.ResponseWriter, r *http.Request) {
	if a.svc.Draining() {
		writeText(w, http.StatusServiceUnavailable, "draining\n")
		return
	}
	writeText(w, http.StatusOK, "ready\n")
}

func (a *App) metricsHandler() http.Handler {
	opts := metrics.HandlerOptions{
		CircuitOpen:   func() bool { return !a.svc.MLClient().Breaker().Allow() },
		PendingOps:    a.svc.PendingCount,
		KnownBadHosts: func() int { return a.svc.ThreatStore().Size() },
	}
	if a.broker != nil {
		opts.StreamsActive = a.broker.SubscriberCount
		opts.StreamsDropped = a.broker.DroppedCount
	}
	return a.svc.Metrics().Handler(opts)
}

func (a *App) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg service.Message
	if !decodeJSON(w, r, &msg, "invalid message") {
		return
	}
	reply(w, a.svc.Handle(r.Context(), msg))
}

// dispatch serves one message type. The request body, if any, is the payload.
func (a *App) dispatch(typ service.MessageType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msg := service.Message{Type: typ}
		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			payload, ok := readPayload(w, r)
			if !ok {
				return
			}
			msg.Payload = payload
		}
		reply(w, a.svc.Handle(r.Context(), msg))
	}
}

func (a *App) errorLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.ErrorLogs())
}

func (a *App) searchDecisions(w http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		writeError(w, http.StatusServiceUnavailable, service.CodeUnavailable, "decision history is not configured")
		return
	}
	q, err := parseDecisionQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, service.CodeInvalidRequest, err.Error())
		return
	}
	evs, err := a.history.QueryDecisions(r.Context(), q)
	if err != nil {
		a.logger.Error("query decisions", "error", err)
		writeError(w, http.StatusInternalServerError, service.CodeInternal, err.Error())
		return
	}
	if evs == nil {
		evs = []types.DecisionEvent{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func parseDecisionQuery(r *http.Request) (types.DecisionQuery, error) {
	v := r.URL.Query()
	var q types.DecisionQuery
	if s := v.Get("action"); s != "" {
		q.Actions = strings.Split(s, ",")
	}
	if s := v.Get("method"); s != "" {
		q.Methods = strings.Split(s, ",")
	}
	q.HostLike = v.Get("host_like")
	if s := v.Get("min_score"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 || n > 100 {
			return q, fmt.Errorf("min_score must be an integer within 0..100")
		}
		q.MinScore = n
	}
	q.Limit, _ = strconv.Atoi(v.Get("limit"))
	q.Offset, _ = strconv.Atoi(v.Get("offset"))
	q.Asc = v.Get("order") == "asc"

	if since := v.Get("since"); since != "" {
		t, err := parseTimeOrAgo(since)
		if err != nil {
			return q, fmt.Errorf("since: %w", err)
		}
		q.Since = &t
	}
	if until := v.Get("until"); until != "" {
		t, err := parseTimeOrAgo(until)
		if err != nil {
			return q, fmt.Errorf("until: %w", err)
		}
		q.Until = &t
	}
	return q, nil
}

// parseTimeOrAgo accepts RFC 3339 or a duration meaning "that long ago".
func parseTimeOrAgo(s string) (time.Time, error) {
	if strings.ContainsAny(s, "smh") && !strings.Contains(s, "T") {
		d, err := time.ParseDuration(s)
		if err != nil {
			return time.Time{}, err
		}
		return time.Now().UTC().Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func reply(w http.ResponseWriter, resp service.Response) {
	writeJSON(w, statusFor(resp), resp)
}

func statusFor(resp service.Response) int {
	if resp.OK || resp.Error == nil {
		return http.StatusOK
	}
	switch resp.Error.Code {
	case service.CodeUnknownType, service.CodeInvalidRequest:
		return http.StatusBadRequest
	case service.CodeDraining, service.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, service.Response{Error: &service.ResponseError{Code: code, Message: msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, status int, s string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(s))
}
