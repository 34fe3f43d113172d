package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/phishguard/phishguard/internal/api"
	"github.com/phishguard/phishguard/internal/config"
	"github.com/phishguard/phishguard/internal/events"
	"github.com/phishguard/phishguard/internal/metrics"
	"github.com/phishguard/phishguard/internal/mlclient"
	"github.com/phishguard/phishguard/internal/service"
	storepkg "github.com/phishguard/phishguard/internal/store"
	"github.com/phishguard/phishguard/internal/store/composite"
	"github.com/phishguard/phishguard/internal/store/jsonl"
	otelsink "github.com/phishguard/phishguard/internal/store/otel"
	"github.com/phishguard/phishguard/internal/store/sqlite"
	"github.com/phishguard/phishguard/internal/store/webhook"
	"github.com/phishguard/phishguard/internal/threatfeed"
	"github.com/phishguard/phishguard/pkg/hotreload"
	"github.com/phishguard/phishguard/pkg/observability"
)

// httpShutdownTimeout bounds how long open connections get after the service
// has drained.
const httpShutdownTimeout = 5 * time.Second

type Server struct {
	cfg        *config.Config
	configPath string

	logger    *slog.Logger
	logLevel  *slog.LevelVar
	logCloser io.Closer

	svc    *service.Service
	db     *sqlite.Store
	broker *events.Broker
	sink   storepkg.DecisionSink

	httpServer *http.Server
	httpLn     net.Listener

	watcher        *hotreload.Watcher
	tracerShutdown func(context.Context) error

	ran bool
}

type Option func(*Server)

// WithConfigPath enables hot reload of the runtime settings from path.
func WithConfigPath(path string) Option { return func(s *Server) { s.configPath = path } }

// WithLogger replaces the logger built from the logging section.
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// New wires storage, sinks, the prediction client, threat feeds, the service
// and the HTTP API, and binds the listener. Nothing runs until Run.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	srv := &Server{cfg: cfg, logLevel: new(slog.LevelVar)}
	for _, o := range opts {
		o(srv)
	}
	if srv.logger == nil {
		logger, closer, err := observability.NewLogger(observability.LoggerOptions{
			Level:    cfg.Logging.Level,
			Format:   cfg.Logging.Format,
			Output:   cfg.Logging.Output,
			LevelVar: srv.logLevel,
		})
		if err != nil {
			return nil, err
		}
		srv.logger, srv.logCloser = logger, closer
	}

	ok := false
	defer func() {
		if !ok {
			_ = srv.Close()
		}
	}()

	res := otelsink.BuildResource(cfg.Tracing.ServiceName, nil)
	shutdownTracing, err := observability.SetupTracing(context.Background(), observability.TracingOptions{
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
		Resource:    res,
	})
	if err != nil {
		return nil, err
	}
	srv.tracerShutdown = shutdownTracing

	db, err := sqlite.Open(cfg.Storage.SQLitePath)
	if err != nil {
		return nil, err
	}
	srv.db = db

	collector := metrics.New()
	srv.broker = events.NewBroker(srv.logger.With("component", "events"))

	others := []storepkg.DecisionSink{srv.broker}
	audit, err := auditSinks(cfg, res)
	if err != nil {
		return nil, err
	}
	others = append(others, audit...)
	sink := metrics.WrapDecisionSink(composite.New(db, others...).WithLogger(srv.logger.With("component", "sinks")), collector)
	srv.sink = sink

	threats := threatfeed.NewStore(cfg.ThreatFeeds.CacheDir, cfg.ThreatFeeds.Allowlist)
	var syncer *threatfeed.Syncer
	if cfg.ThreatFeeds.Enabled {
		syncer = threatfeed.NewSyncer(threats, cfg.ThreatFeeds, srv.logger.With("component", "threatfeed"), nil)
	}

	ml := mlclient.New(cfg.ML, mlclient.WithLogger(srv.logger.With("component", "mlclient")))

	svc, err := service.New(cfg,
		service.WithLogger(srv.logger.With("component", "service")),
		service.WithMLClient(ml),
		service.WithThreatFeeds(threats, syncer),
		service.WithKV(db),
		service.WithSink(sink),
		service.WithPruner(db),
		service.WithMetrics(collector),
		service.WithSelfHosts(selfHosts(cfg.Server.HTTP.Addr)...),
	)
	if err != nil {
		return nil, err
	}
	srv.svc = svc

	app := api.NewApp(cfg, svc,
		api.WithHistory(db),
		api.WithBroker(srv.broker),
		api.WithLogger(srv.logger.With("component", "api")),
	)

	maxBody, err := config.ParseByteSize(cfg.Server.HTTP.MaxRequestSize)
	if err != nil {
		return nil, fmt.Errorf("parse server.http.max_request_size: %w", err)
	}
	readTimeout, err := time.ParseDuration(cfg.Server.HTTP.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse server.http.read_timeout: %w", err)
	}
	writeTimeout, err := time.ParseDuration(cfg.Server.HTTP.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse server.http.write_timeout: %w", err)
	}

	ln, err := listenHTTP(cfg)
	if err != nil {
		return nil, err
	}
	if !cfg.Server.TLS.Enabled && !isLoopbackListenAddr(cfg.Server.HTTP.Addr) {
		srv.logger.Warn("listening on a non-loopback address without tls", "addr", cfg.Server.HTTP.Addr)
	}
	srv.httpLn = ln
	srv.httpServer = &http.Server{
		Handler:           withRequestBodyLimit(app.Router(), maxBody),
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		ErrorLog:          slog.NewLogLogger(srv.logger.Handler(), slog.LevelWarn),
	}

	if srv.configPath != "" {
		w, err := hotreload.New(hotreload.Config{
			Path:   srv.configPath,
			Loader: hotreload.LoaderFunc(srv.reloadConfig),
			OnChange: func(path string, err error) {
				if err != nil {
					srv.logger.Warn("config reload rejected", "path", path, "error", err)
					return
				}
				srv.logger.Info("config reloaded", "path", path)
			},
		})
		if err != nil {
			return nil, err
		}
		srv.watcher = w
	}

	ok = true
	return srv, nil
}

// auditSinks builds the optional decision exporters from the audit section.
func auditSinks(cfg *config.Config, res *resource.Resource) ([]storepkg.DecisionSink, error) {
	if !cfg.Audit.Enabled {
		return nil, nil
	}
	var sinks []storepkg.DecisionSink
	closeAll := func() {
		for _, s := range sinks {
			_ = s.Close()
		}
	}

	if p := cfg.Audit.JSONL.Path; p != "" {
		j, err := jsonl.New(p, cfg.Audit.JSONL.MaxSizeMB, cfg.Audit.JSONL.MaxBackups)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, j)
	}

	if u := cfg.Audit.Webhook.URL; u != "" {
		flushEvery, err := time.ParseDuration(cfg.Audit.Webhook.FlushInterval)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("parse audit.webhook.flush_interval: %w", err)
		}
		timeout, err := time.ParseDuration(cfg.Audit.Webhook.Timeout)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("parse audit.webhook.timeout: %w", err)
		}
		wh, err := webhook.New(u, cfg.Audit.Webhook.BatchSize, flushEvery, timeout, cfg.Audit.Webhook.Headers)
		if err != nil {
			closeAll()
			return nil, err
		}
		sinks = append(sinks, wh)
	}

	if cfg.Audit.OTEL.Enabled {
		o, err := otelsink.New(context.Background(), otelsink.ConfigFrom(cfg.Audit.OTEL, res))
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("audit.otel: %w", err)
		}
		sinks = append(sinks, o)
	}
	return sinks, nil
}

// reloadConfig re-reads the config file and applies the parts that can change
// at runtime: the log level and the ML settings.
func (s *Server) reloadConfig(ctx context.Context, path string) error {
	next, err := config.Load(path)
	if err != nil {
		return err
	}
	if lvl, err := observability.ParseLevel(next.Logging.Level); err == nil {
		s.logLevel.Set(lvl)
	}
	_, err = s.svc.UpdateMLConfig(ctx, service.SettingsFromConfig(next))
	return err
}

func withRequestBodyLimit(next http.Handler, maxBytes int64) http.Handler {
	if maxBytes <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func listenHTTP(cfg *config.Config) (net.Listener, error) {
	addr := cfg.Server.HTTP.Addr
	if !cfg.Server.TLS.Enabled {
		return net.Listen("tcp", addr)
	}
	if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
		return nil, fmt.Errorf("server.tls enabled but cert_file/key_file missing")
	}
	cert, err := tls.LoadX509KeyPair(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load tls keypair: %w", err)
	}
	return tls.Listen("tcp", addr, &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12})
}

func isLoopbackListenAddr(addr string) bool {
	a := strings.TrimSpace(addr)
	if a == "" || strings.HasPrefix(a, ":") {
		return false
	}
	host, _, err := net.SplitHostPort(a)
	if err != nil {
		host = a
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// selfHosts lists the hosts this deployment answers on so that links to its
// own UI are never scored.
func selfHosts(addr string) []string {
	hosts := []string{"localhost"}
	host, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil || host == "" {
		return hosts
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
		return hosts
	}
	if !strings.EqualFold(host, "localhost") {
		hosts = append(hosts, host)
	}
	return hosts
}

// Run starts the service and serves HTTP until ctx ends, SIGINT/SIGTERM
// arrives, a SHUTDOWN_SERVICE message drains the service, or the listener
// fails. The service drains before open connections are closed so streams
// end cleanly.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	s.ran = true
	defer s.release()

	if err := s.svc.Start(ctx); err != nil {
		return err
	}
	if s.watcher != nil {
		if err := s.watcher.Start(ctx); err != nil {
			s.logger.Warn("config hot reload disabled", "error", err)
		} else {
			defer s.watcher.Stop()
		}
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(s.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.logger.Info("listening", "addr", s.Addr(), "tls", s.cfg.Server.TLS.Enabled)

	var serveErr error
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown requested")
	case <-s.svc.Done():
		s.logger.Info("service stopped by request")
	case err := <-errCh:
		serveErr = fmt.Errorf("server: %w", err)
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Orchestrator.ShutdownGrace+httpShutdownTimeout)
	defer cancel()
	svcErr := s.svc.Shutdown(drainCtx)

	httpCtx, cancelHTTP := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancelHTTP()
	httpErr := s.httpServer.Shutdown(httpCtx)
	if errors.Is(httpErr, context.DeadlineExceeded) {
		httpErr = s.httpServer.Close()
	}

	return errors.Join(serveErr, svcErr, httpErr)
}

// release flushes traces and closes the log file after Run.
func (s *Server) release() {
	if s.tracerShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		if err := s.tracerShutdown(ctx); err != nil {
			s.logger.Warn("flush traces", "error", err)
		}
		s.tracerShutdown = nil
	}
	if s.logCloser != nil {
		_ = s.logCloser.Close()
		s.logCloser = nil
	}
}

// Close releases the resources of a server that was never run. It does not
// persist service state. After Run the service shutdown has already closed
// storage and sinks.
func (s *Server) Close() error {
	if s.httpLn != nil {
		_ = s.httpLn.Close()
		s.httpLn = nil
	}
	var err error
	if !s.ran {
		switch {
		case s.sink != nil:
			err = s.sink.Close()
		case s.db != nil:
			err = errors.Join(s.db.Close(), s.broker.Close())
		}
	}
	s.sink, s.db = nil, nil
	s.release()
	return err
}

// Addr is the bound listen address.
func (s *Server) Addr() string {
	if s == nil || s.httpLn == nil {
		return ""
	}
	return s.httpLn.Addr().String()
}

// Service exposes the orchestrator for in-process callers.
func (s *Server) Service() *service.Service { return s.svc }
