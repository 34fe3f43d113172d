package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Logging      LoggingConfig      `yaml:"logging"`
	Rules        RulesConfig        `yaml:"rules"`
	Trust        TrustConfig        `yaml:"trust"`
	ML           MLConfig           `yaml:"ml"`
	Policy       PolicyConfig       `yaml:"policy"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Storage      StorageConfig      `yaml:"storage"`
	ThreatFeeds  ThreatFeedsConfig  `yaml:"threat_feeds"`
	Audit        AuditConfig        `yaml:"audit"`
	API          APIConfig          `yaml:"api"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Health       HealthConfig       `yaml:"health"`
	Tracing      TracingConfig      `yaml:"tracing"`
}

type ServerConfig struct {
	HTTP ServerHTTPConfig `yaml:"http"`
	TLS  ServerTLSConfig  `yaml:"tls"`
}

type ServerHTTPConfig struct {
	Addr string `yaml:"addr"`

	ReadTimeout    string `yaml:"read_timeout"`
	WriteTimeout   string `yaml:"write_timeout"`
	MaxRequestSize string `yaml:"max_request_size"`
}

type ServerTLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
	Output string `yaml:"output"` // stderr, stdout or a file path
}

// TrustConfig configures the allow-lists consulted before and after scoring.
// Empty lists fall back to the built-in tables.
type TrustConfig struct {
	Disabled               bool     `yaml:"disabled"`
	TrustedDomains         []string `yaml:"trusted_domains"`
	ExtraTrustedDomains    []string `yaml:"extra_trusted_domains"`
	InfrastructurePatterns []string `yaml:"infrastructure_patterns"`
	SelfDomains            []string `yaml:"self_domains"`
}

// MLConfig configures the external prediction service.
type MLConfig struct {
	// Enabled defaults to true. Use Active to read it.
	Enabled   *bool         `yaml:"enabled" json:"enabled"`
	Endpoint  string        `yaml:"endpoint" json:"endpoint"`
	HealthURL string        `yaml:"health_url" json:"healthUrl"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout"`

	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int `yaml:"failure_threshold" json:"failureThreshold"`
	// ProbeCooldown is the minimum time between opening the circuit and a probe
	// being allowed to close it again.
	ProbeCooldown time.Duration `yaml:"probe_cooldown" json:"probeCooldown"`

	BlockConfidence float64 `yaml:"block_confidence" json:"blockConfidence"`
	WarnConfidence  float64 `yaml:"warn_confidence" json:"warnConfidence"`
}

// Active reports whether ML prediction is switched on.
func (m MLConfig) Active() bool {
	return m.Enabled == nil || *m.Enabled
}

type PolicyConfig struct {
	// EarlyAllow lets obviously benign domains skip ML and rules. Defaults to true.
	EarlyAllow *bool `yaml:"early_allow"`
	// ConfirmBlocks adds hosts from confident blocks to the known-bad cache. Defaults to true.
	ConfirmBlocks *bool `yaml:"confirm_blocks"`
}

func (p PolicyConfig) EarlyAllowEnabled() bool    { return p.EarlyAllow == nil || *p.EarlyAllow }
func (p PolicyConfig) ConfirmBlocksEnabled() bool { return p.ConfirmBlocks == nil || *p.ConfirmBlocks }

// OrchestratorConfig tunes the long-lived service: retries, dedup, periodic jobs and shutdown.
type OrchestratorConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	RetryBase  time.Duration `yaml:"retry_base"`

	DedupWindow time.Duration `yaml:"dedup_window"`
	DedupSize   int           `yaml:"dedup_size"`

	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	HealthProbeInterval time.Duration `yaml:"health_probe_interval"`
	CleanupInterval     time.Duration `yaml:"cleanup_interval"`
	StatsFlushInterval  time.Duration `yaml:"stats_flush_interval"`

	// Retention bounds the age of error log and confirmed-cache entries.
	Retention time.Duration `yaml:"retention"`
	// StatsRetention resets counters older than this. Zero keeps them forever.
	StatsRetention time.Duration `yaml:"stats_retention"`
	ErrorLogSize   int           `yaml:"error_log_size"`
}

type StorageConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type AuditConfig struct {
	Enabled bool `yaml:"enabled"`

	// Optional: ship decisions to an HTTP webhook.
	Webhook AuditWebhookConfig `yaml:"webhook"`

	// Optional: export decisions as OTLP log records.
	OTEL AuditOTELConfig `yaml:"otel"`

	// Optional: append decisions to a rotating JSON-lines file.
	JSONL AuditJSONLConfig `yaml:"jsonl"`
}

type AuditJSONLConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

type AuditWebhookConfig struct {
	URL           string            `yaml:"url"`
	BatchSize     int               `yaml:"batch_size"`
	FlushInterval string            `yaml:"flush_interval"`
	Timeout       string            `yaml:"timeout"`
	Headers       map[string]string `yaml:"headers"`
}

type AuditOTELConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	Protocol    string            `yaml:"protocol"` // "grpc" or "http"
	TLSEnabled  bool              `yaml:"tls_enabled"`
	TLSCertFile string            `yaml:"tls_cert_file"`
	TLSKeyFile  string            `yaml:"tls_key_file"`
	TLSInsecure bool              `yaml:"tls_insecure"`
	Headers     map[string]string `yaml:"headers"`
	Timeout     time.Duration     `yaml:"timeout"`
	// MinAction drops decisions below this action (allow, warn, block).
	MinAction string `yaml:"min_action"`
}

type APIConfig struct {
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	RPS     float64 `yaml:"rps"`
	Burst   int     `yaml:"burst"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type HealthConfig struct {
	Path          string `yaml:"path"`
	ReadinessPath string `yaml:"readiness_path"`
}

type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"` // OTLP/HTTP collector, e.g. localhost:4318
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
	ServiceName string  `yaml:"service_name"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromBytes loads configuration from bytes without applying environment
// overrides. This is intended for testing where env vars should not interfere.
func LoadFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromEnv builds a configuration from defaults and PHISHGUARD_* variables only,
// for running without a config file.
func FromEnv() (*Config, error) {
	var cfg Config
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a fully defaulted configuration.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.HTTP.Addr == "" {
		cfg.Server.HTTP.Addr = "127.0.0.1:8080"
	}
	if cfg.Server.HTTP.ReadTimeout == "" {
		cfg.Server.HTTP.ReadTimeout = "30s"
	}
	if cfg.Server.HTTP.WriteTimeout == "" {
		cfg.Server.HTTP.WriteTimeout = "30s"
	}
	if cfg.Server.HTTP.MaxRequestSize == "" {
		cfg.Server.HTTP.MaxRequestSize = "1MB"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}

	applyRulesDefaults(&cfg.Rules)

	if cfg.ML.Endpoint == "" {
		cfg.ML.Endpoint = "http://localhost:5000/predict"
	}
	if cfg.ML.HealthURL == "" {
		cfg.ML.HealthURL = healthURLFor(cfg.ML.Endpoint)
	}
	if cfg.ML.Timeout <= 0 {
		cfg.ML.Timeout = 5 * time.Second
	}
	if cfg.ML.FailureThreshold <= 0 {
		cfg.ML.FailureThreshold = 3
	}
	if cfg.ML.ProbeCooldown <= 0 {
		cfg.ML.ProbeCooldown = 30 * time.Second
	}
	if cfg.ML.BlockConfidence <= 0 {
		cfg.ML.BlockConfidence = 0.90
	}
	if cfg.ML.WarnConfidence <= 0 {
		cfg.ML.WarnConfidence = 0.70
	}

	if cfg.Orchestrator.MaxRetries == 0 {
		cfg.Orchestrator.MaxRetries = 3
	}
	if cfg.Orchestrator.RetryBase <= 0 {
		cfg.Orchestrator.RetryBase = 500 * time.Millisecond
	}
	if cfg.Orchestrator.DedupWindow <= 0 {
		cfg.Orchestrator.DedupWindow = 2 * time.Second
	}
	if cfg.Orchestrator.DedupSize <= 0 {
		cfg.Orchestrator.DedupSize = 1024
	}
	if cfg.Orchestrator.ShutdownGrace <= 0 {
		cfg.Orchestrator.ShutdownGrace = 10 * time.Second
	}
	if cfg.Orchestrator.HealthProbeInterval <= 0 {
		cfg.Orchestrator.HealthProbeInterval = 30 * time.Second
	}
	if cfg.Orchestrator.CleanupInterval <= 0 {
		cfg.Orchestrator.CleanupInterval = time.Hour
	}
	if cfg.Orchestrator.StatsFlushInterval <= 0 {
		cfg.Orchestrator.StatsFlushInterval = 30 * time.Second
	}
	if cfg.Orchestrator.Retention <= 0 {
		cfg.Orchestrator.Retention = 30 * 24 * time.Hour
	}
	if cfg.Orchestrator.ErrorLogSize <= 0 {
		cfg.Orchestrator.ErrorLogSize = 100
	}

	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "/var/lib/phishguard/phishguard.db"
	}
	if cfg.ThreatFeeds.SyncInterval <= 0 {
		cfg.ThreatFeeds.SyncInterval = 6 * time.Hour
	}
	if cfg.ThreatFeeds.CacheDir == "" {
		cfg.ThreatFeeds.CacheDir = filepath.Join(filepath.Dir(cfg.Storage.SQLitePath), "feeds")
	}
	for i := range cfg.ThreatFeeds.Feeds {
		if cfg.ThreatFeeds.Feeds[i].Format == "" {
			cfg.ThreatFeeds.Feeds[i].Format = "domain-list"
		}
	}

	if cfg.Audit.Webhook.BatchSize == 0 {
		cfg.Audit.Webhook.BatchSize = 100
	}
	if cfg.Audit.Webhook.FlushInterval == "" {
		cfg.Audit.Webhook.FlushInterval = "10s"
	}
	if cfg.Audit.Webhook.Timeout == "" {
		cfg.Audit.Webhook.Timeout = "5s"
	}
	if cfg.Audit.JSONL.MaxSizeMB <= 0 {
		cfg.Audit.JSONL.MaxSizeMB = 100
	}
	if cfg.Audit.JSONL.MaxBackups <= 0 {
		cfg.Audit.JSONL.MaxBackups = 3
	}
	if cfg.Audit.OTEL.Protocol == "" {
		cfg.Audit.OTEL.Protocol = "grpc"
	}
	if cfg.Audit.OTEL.Timeout <= 0 {
		cfg.Audit.OTEL.Timeout = 10 * time.Second
	}
	if cfg.Audit.OTEL.MinAction == "" {
		cfg.Audit.OTEL.MinAction = "allow"
	}

	if cfg.API.RateLimit.RPS <= 0 {
		cfg.API.RateLimit.RPS = 50
	}
	if cfg.API.RateLimit.Burst <= 0 {
		cfg.API.RateLimit.Burst = 100
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Health.Path == "" {
		cfg.Health.Path = "/health"
	}
	if cfg.Health.ReadinessPath == "" {
		cfg.Health.ReadinessPath = "/ready"
	}
	if cfg.Tracing.SampleRatio <= 0 {
		cfg.Tracing.SampleRatio = 1
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "phishguard"
	}
}

// healthURLFor derives the predictor health endpoint from its prediction endpoint:
// http://host:5000/predict becomes http://host:5000/health.
func healthURLFor(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return ""
	}
	u.Path = "/health"
	u.RawQuery = ""
	return u.String()
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PHISHGUARD_HTTP_ADDR"); v != "" {
		cfg.Server.HTTP.Addr = v
	}
	if v := os.Getenv("PHISHGUARD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PHISHGUARD_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("PHISHGUARD_ML_ENDPOINT"); v != "" {
		cfg.ML.Endpoint = v
		if os.Getenv("PHISHGUARD_ML_HEALTH_URL") == "" {
			cfg.ML.HealthURL = healthURLFor(v)
		}
	}
	if v := os.Getenv("PHISHGUARD_ML_HEALTH_URL"); v != "" {
		cfg.ML.HealthURL = v
	}
	if v := os.Getenv("PHISHGUARD_ML_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.ML.Enabled = &b
		}
	}
	if v := os.Getenv("PHISHGUARD_ML_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ML.Timeout = d
		}
	}
	if v := os.Getenv("PHISHGUARD_DATA_DIR"); v != "" {
		cfg.Storage.SQLitePath = filepath.Join(v, "phishguard.db")
		cfg.ThreatFeeds.CacheDir = filepath.Join(v, "feeds")
	}
	if v := os.Getenv("PHISHGUARD_TRACING_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
}

func validateConfig(cfg *Config) error {
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	if _, err := ParseByteSize(cfg.Server.HTTP.MaxRequestSize); err != nil {
		return fmt.Errorf("server.http.max_request_size: %w", err)
	}
	for _, f := range []struct{ name, v string }{
		{"server.http.read_timeout", cfg.Server.HTTP.ReadTimeout},
		{"server.http.write_timeout", cfg.Server.HTTP.WriteTimeout},
		{"audit.webhook.flush_interval", cfg.Audit.Webhook.FlushInterval},
		{"audit.webhook.timeout", cfg.Audit.Webhook.Timeout},
	} {
		if _, err := time.ParseDuration(f.v); err != nil {
			return fmt.Errorf("invalid %s %q", f.name, f.v)
		}
	}
	if err := validateRules(&cfg.Rules); err != nil {
		return err
	}
	if err := ValidateML(cfg.ML); err != nil {
		return err
	}
	if cfg.Orchestrator.MaxRetries < 0 {
		return fmt.Errorf("orchestrator.max_retries must be >= 0")
	}
	for i, f := range cfg.ThreatFeeds.Feeds {
		if f.URL == "" {
			return fmt.Errorf("threat_feeds.feeds[%d]: url is required", i)
		}
		switch f.Format {
		case "hostfile", "domain-list", "url-list":
		default:
			return fmt.Errorf("threat_feeds.feeds[%d]: invalid format %q", i, f.Format)
		}
	}
	switch cfg.Audit.OTEL.Protocol {
	case "grpc", "http":
	default:
		return fmt.Errorf("invalid audit.otel.protocol %q", cfg.Audit.OTEL.Protocol)
	}
	switch cfg.Audit.OTEL.MinAction {
	case "allow", "warn", "block":
	default:
		return fmt.Errorf("invalid audit.otel.min_action %q", cfg.Audit.OTEL.MinAction)
	}
	if cfg.Audit.OTEL.Enabled && cfg.Audit.OTEL.Endpoint == "" {
		return fmt.Errorf("audit.otel.endpoint is required when audit.otel.enabled is set")
	}
	if cfg.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be <= 1")
	}
	return nil
}

// ValidateML checks an ML configuration. It is also used for runtime updates.
func ValidateML(m MLConfig) error {
	if m.Endpoint != "" {
		if err := validateHTTPURL(m.Endpoint); err != nil {
			return fmt.Errorf("ml.endpoint: %w", err)
		}
	}
	if m.HealthURL != "" {
		if err := validateHTTPURL(m.HealthURL); err != nil {
			return fmt.Errorf("ml.health_url: %w", err)
		}
	}
	if m.Timeout < 0 || m.Timeout > 60*time.Second {
		return fmt.Errorf("ml.timeout must be between 0 and 60s, got %s", m.Timeout)
	}
	if m.FailureThreshold < 0 {
		return fmt.Errorf("ml.failure_threshold must be >= 0")
	}
	if m.BlockConfidence < 0 || m.BlockConfidence > 1 || m.WarnConfidence < 0 || m.WarnConfidence > 1 {
		return fmt.Errorf("ml confidence thresholds must be within [0,1]")
	}
	if m.WarnConfidence > m.BlockConfidence {
		return fmt.Errorf("ml.warn_confidence (%.2f) must not exceed ml.block_confidence (%.2f)", m.WarnConfidence, m.BlockConfidence)
	}
	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}
