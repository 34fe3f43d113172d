// Package service is the long-lived orchestrator around the policy engine. It
// tracks in-flight evaluations, collapses duplicates, retries transient failures,
// runs the periodic maintenance jobs and drains cleanly on shutdown.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/phishguard/phishguard/internal/config"
	"github.com/phishguard/phishguard/internal/metrics"
	"github.com/phishguard/phishguard/internal/mlclient"
	"github.com/phishguard/phishguard/internal/policy"
	"github.com/phishguard/phishguard/internal/store"
	"github.com/phishguard/phishguard/internal/threatfeed"
	"github.com/phishguard/phishguard/internal/urlcheck"
	"github.com/phishguard/phishguard/pkg/types"
)

// ErrDraining is returned for work submitted after shutdown has begun.
var ErrDraining = errors.New("service is draining")

// DecisionPruner removes stored decisions older than a cutoff.
type DecisionPruner interface {
	PruneDecisions(ctx context.Context, cutoff time.Time) (int64, error)
}

// RuntimeConfig is the part of the configuration that can change while the
// service runs. It is replaced as a whole, never mutated in place.
type RuntimeConfig struct {
	ML             config.MLConfig
	Whitelist      []string
	SuspiciousTLDs []string

	generation uint64
}

// Service is safe for concurrent use. Construct it with New, call Start once and
// Shutdown once.
type Service struct {
	base      *config.Config
	selfHosts []string

	runtime atomic.Pointer[RuntimeConfig]
	engine  atomic.Pointer[policy.Engine]
	reload  sync.Mutex
	gen     atomic.Uint64

	clock   clockwork.Clock
	logger  *slog.Logger
	ml      *mlclient.Client
	threats *threatfeed.Store
	syncer  *threatfeed.Syncer
	kv      store.KV
	sink    store.DecisionSink
	pruner  DecisionPruner
	metrics *metrics.Collector

	flight   singleflight.Group
	recent   *expirable.LRU[string, urlcheck.Assessment]
	seenOpen atomic.Uint64

	stats  *statsTracker
	errlog *errorLog

	pendingMu sync.Mutex
	pending   map[string]*PendingOperation
	draining  bool
	idle      chan struct{}

	jobsMu sync.Mutex
	jobs   []*Job

	// opCtx outlives individual requests; background recording runs under it.
	opCtx    context.Context
	opCancel context.CancelFunc

	startedAt    time.Time
	started      atomic.Bool
	shutdownOnce sync.Once
	shutdownDone chan struct{}
	shutdownErr  error

	// decideFn replaces the engine in tests.
	decideFn func(ctx context.Context, raw string) (policy.Outcome, error)
}

type Option func(*Service)

func WithClock(c clockwork.Clock) Option { return func(s *Service) { s.clock = c } }
func WithLogger(l *slog.Logger) Option   { return func(s *Service) { s.logger = l } }

// WithMLClient sets the prediction client. Without one, ML is built from the
// configuration.
func WithMLClient(c *mlclient.Client) Option { return func(s *Service) { s.ml = c } }

// WithThreatFeeds sets the known-bad store and, optionally, its syncer.
func WithThreatFeeds(st *threatfeed.Store, sy *threatfeed.Syncer) Option {
	return func(s *Service) { s.threats, s.syncer = st, sy }
}

func WithKV(kv store.KV) Option               { return func(s *Service) { s.kv = kv } }
func WithSink(sink store.DecisionSink) Option { return func(s *Service) { s.sink = sink } }
func WithPruner(p DecisionPruner) Option      { return func(s *Service) { s.pruner = p } }
func WithMetrics(c *metrics.Collector) Option { return func(s *Service) { s.metrics = c } }

// WithSelfHosts marks hosts that belong to the deployment itself as infrastructure.
func WithSelfHosts(hosts ...string) Option { return func(s *Service) { s.selfHosts = hosts } }

// New builds a Service from cfg. It does not start jobs or load persisted state;
// Start does.
func New(cfg *config.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("service: nil config")
	}
	s := &Service{
		base:         cfg,
		pending:      make(map[string]*PendingOperation),
		shutdownDone: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	if s.ml == nil {
		s.ml = mlclient.New(cfg.ML, mlclient.WithClock(s.clock), mlclient.WithLogger(s.logger))
	}
	if s.threats == nil {
		s.threats = threatfeed.NewStore("", cfg.ThreatFeeds.Allowlist)
	}
	if s.kv == nil {
		s.kv = store.NewMemoryKV()
	}
	if s.sink == nil {
		s.sink = nopSink{}
	}

	rc := &RuntimeConfig{
		ML:             cfg.ML,
		Whitelist:      append([]string(nil), cfg.Trust.ExtraTrustedDomains...),
		SuspiciousTLDs: append([]string(nil), cfg.Rules.SuspiciousTLDs...),
	}
	if err := s.install(rc); err != nil {
		return nil, err
	}

	s.recent = expirable.NewLRU[string, urlcheck.Assessment](cfg.Orchestrator.DedupSize, nil, cfg.Orchestrator.DedupWindow)
	s.stats = newStatsTracker(s.clock.Now())
	s.errlog = newErrorLog(cfg.Orchestrator.ErrorLogSize)
	s.opCtx, s.opCancel = context.WithCancel(context.Background())
	s.startedAt = s.clock.Now()
	return s, nil
}

// install builds an engine for rc and swaps both in. Callers hold s.reload or
// are still constructing the service.
func (s *Service) install(rc *RuntimeConfig) error {
	cfg := *s.base
	cfg.ML = rc.ML
	cfg.Trust.ExtraTrustedDomains = rc.Whitelist
	cfg.Rules.SuspiciousTLDs = rc.SuspiciousTLDs

	hosts := append([]string(nil), s.selfHosts...)
	if h := hostOf(rc.ML.Endpoint); h != "" {
		hosts = append(hosts, h)
	}
	eng, err := policy.NewEngine(&cfg, hosts,
		policy.WithPredictor(s.ml),
		policy.WithKnownBad(&threatfeed.PolicyAdapter{Store: s.threats}),
	)
	if err != nil {
		return fmt.Errorf("build policy engine: %w", err)
	}
	s.ml.Configure(rc.ML)

	rc.generation = s.gen.Add(1)
	s.engine.Store(eng)
	s.runtime.Store(rc)
	if s.recent != nil {
		s.recent.Purge()
	}
	return nil
}

// Start loads persisted state and starts the periodic jobs.
func (s *Service) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("service already started")
	}
	s.loadState(ctx)
	s.startJobs()
	s.logger.Info("service started",
		"ml_enabled", s.ml.Enabled(),
		"early_allow", s.base.Policy.EarlyAllowEnabled(),
		"known_bad_hosts", s.threats.Size(),
		"jobs", len(s.jobs))
	return nil
}

// Runtime returns the current runtime configuration.
func (s *Service) Runtime() RuntimeConfig { return *s.runtime.Load() }

// Engine returns the policy engine currently in use.
func (s *Service) Engine() *policy.Engine { return s.engine.Load() }

func (s *Service) MLClient() *mlclient.Client     { return s.ml }
func (s *Service) ThreatStore() *threatfeed.Store { return s.threats }
func (s *Service) Metrics() *metrics.Collector    { return s.metrics }
func (s *Service) Statistics() Statistics         { return s.stats.snapshot() }
func (s *Service) ErrorLogs() []ErrorLogEntry     { return s.errlog.snapshot() }
func (s *Service) Uptime() time.Duration          { return s.clock.Since(s.startedAt) }

// Draining reports whether shutdown has begun.
func (s *Service) Draining() bool {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return s.draining
}

// Done is closed once Shutdown has finished.
func (s *Service) Done() <-chan struct{} { return s.shutdownDone }

// dedupKey scopes a normalized URL to everything that can change its verdict.
func (s *Service) dedupKey(normalized string) string {
	return fmt.Sprintf("%d/%d/%d|%s",
		s.runtime.Load().generation,
		s.ml.Breaker().Generation(),
		s.threats.Generation(),
		normalized)
}

type nopSink struct{}

func (nopSink) AppendDecision(context.Context, types.DecisionEvent) error { return nil }
func (nopSink) Close() error                                             { return nil }

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
