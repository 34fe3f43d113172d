// Package otel exports decisions as OTLP log records to a collector.
package otel

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/sdk/resource"
	"google.golang.org/grpc/credentials"

	sdklog "go.opentelemetry.io/otel/sdk/log"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"

	"github.com/phishguard/phishguard/internal/config"
	"github.com/phishguard/phishguard/pkg/types"
)

const scopeName = "phishguard"

// Config holds the configuration needed to construct a Sink.
type Config struct {
	Endpoint string
	Protocol string // "grpc" or "http"

	TLSEnabled  bool
	TLSCertFile string
	TLSKeyFile  string
	TLSInsecure bool // skip server certificate verification

	Headers map[string]string

	Timeout      time.Duration
	BatchTimeout time.Duration
	BatchMaxSize int

	Filter Filter

	Resource *resource.Resource
}

// ConfigFrom maps the audit.otel section onto a sink Config.
func ConfigFrom(c config.AuditOTELConfig, res *resource.Resource) Config {
	return Config{
		Endpoint:    c.Endpoint,
		Protocol:    c.Protocol,
		TLSEnabled:  c.TLSEnabled,
		TLSCertFile: c.TLSCertFile,
		TLSKeyFile:  c.TLSKeyFile,
		TLSInsecure: c.TLSInsecure,
		Headers:     c.Headers,
		Timeout:     c.Timeout,
		Filter:      Filter{MinAction: c.MinAction},
		Resource:    res,
	}
}

// Sink is safe for concurrent use. Export errors are dropped inside the batch
// processor so recording a decision never blocks on the collector.
type Sink struct {
	filter *Filter

	logProvider *sdklog.LoggerProvider
	logger      otellog.Logger
}

// New creates the exporter and batch processor. ctx is only used to build the exporter.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout == 0 {
		batchTimeout = 5 * time.Second
	}
	batchMaxSize := cfg.BatchMaxSize
	if batchMaxSize == 0 {
		batchMaxSize = 512
	}

	logExp, err := newLogExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("otel log exporter: %w", err)
	}
	batchProc := sdklog.NewBatchProcessor(logExp,
		sdklog.WithExportTimeout(timeout),
		sdklog.WithExportInterval(batchTimeout),
		sdklog.WithExportMaxBatchSize(batchMaxSize),
	)
	return newSink(batchProc, cfg), nil
}

func newSink(proc sdklog.Processor, cfg Config) *Sink {
	opts := []sdklog.LoggerProviderOption{sdklog.WithProcessor(proc)}
	if cfg.Resource != nil {
		opts = append(opts, sdklog.WithResource(cfg.Resource))
	}
	lp := sdklog.NewLoggerProvider(opts...)
	f := cfg.Filter
	return &Sink{
		filter:      &f,
		logProvider: lp,
		logger:      lp.Logger(scopeName),
	}
}

func (s *Sink) AppendDecision(ctx context.Context, ev types.DecisionEvent) error {
	if !s.filter.Match(ev.Action, ev.Method) {
		return nil
	}
	s.logger.Emit(decisionContext(ctx, ev), convertToLogRecord(ev))
	return nil
}

// Close flushes pending records and shuts the provider down within 10 seconds.
func (s *Sink) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.logProvider.Shutdown(ctx); err != nil {
		slog.Warn("otel log provider shutdown error", "error", err)
		return err
	}
	return nil
}

func newLogExporter(ctx context.Context, cfg Config) (sdklog.Exporter, error) {
	tlsCfg, err := clientTLS(cfg)
	if err != nil {
		return nil, err
	}
	switch cfg.Protocol {
	case "grpc":
		opts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Timeout > 0 {
			opts = append(opts, otlploggrpc.WithTimeout(cfg.Timeout))
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlploggrpc.WithHeaders(cfg.Headers))
		}
		if tlsCfg != nil {
			opts = append(opts, otlploggrpc.WithTLSCredentials(credentials.NewTLS(tlsCfg)))
		} else {
			opts = append(opts, otlploggrpc.WithInsecure())
		}
		return otlploggrpc.New(ctx, opts...)

	case "http":
		opts := []otlploghttp.Option{otlploghttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Timeout > 0 {
			opts = append(opts, otlploghttp.WithTimeout(cfg.Timeout))
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlploghttp.WithHeaders(cfg.Headers))
		}
		if tlsCfg != nil {
			opts = append(opts, otlploghttp.WithTLSClientConfig(tlsCfg))
		} else {
			opts = append(opts, otlploghttp.WithInsecure())
		}
		return otlploghttp.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("unsupported OTEL protocol %q", cfg.Protocol)
	}
}

// clientTLS returns nil when TLS is off.
func clientTLS(cfg Config) (*tls.Config, error) {
	if !cfg.TLSEnabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.TLSInsecure}
	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load TLS client cert: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
