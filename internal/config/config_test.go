package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_ParsesFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yml")
	if err := os.WriteFile(cfgPath, []byte(`
server:
  http:
    addr: "127.0.0.1:9999"
    max_request_size: 64KiB
ml:
  endpoint: "http://predictor:5000/predict"
  timeout: 2s
  failure_threshold: 5
rules:
  block_threshold: 90
  weights:
    shortener: 60
policy:
  early_allow: false
threat_feeds:
  enabled: true
  feeds:
    - name: urlhaus
      url: https://urlhaus.abuse.ch/downloads/hostfile/
      format: hostfile
storage:
  sqlite_path: "`+filepath.Join(dir, "pg.db")+`"
`), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.HTTP.Addr != "127.0.0.1:9999" && os.Getenv("PHISHGUARD_HTTP_ADDR") == "" {
		t.Fatalf("addr: got %q", cfg.Server.HTTP.Addr)
	}
	if cfg.ML.HealthURL != "http://predictor:5000/health" && os.Getenv("PHISHGUARD_ML_HEALTH_URL") == "" {
		t.Fatalf("health_url: expected derived from endpoint, got %q", cfg.ML.HealthURL)
	}
	if cfg.ML.FailureThreshold != 5 {
		t.Fatalf("failure_threshold: expected 5, got %d", cfg.ML.FailureThreshold)
	}
	if cfg.Rules.BlockThreshold != 90 || cfg.Rules.WarnThreshold != 80 {
		t.Fatalf("thresholds: got %d/%d", cfg.Rules.BlockThreshold, cfg.Rules.WarnThreshold)
	}
	if cfg.Rules.Weights.Shortener != 60 {
		t.Fatalf("shortener weight: expected 60, got %d", cfg.Rules.Weights.Shortener)
	}
	if cfg.Rules.Weights.SuspiciousTLD != 30 {
		t.Fatalf("unset weights should keep defaults, got suspicious_tld=%d", cfg.Rules.Weights.SuspiciousTLD)
	}
	if cfg.Policy.EarlyAllowEnabled() {
		t.Fatal("early_allow: expected false")
	}
	if !cfg.Policy.ConfirmBlocksEnabled() {
		t.Fatal("confirm_blocks should default to true")
	}
	if len(cfg.ThreatFeeds.Feeds) != 1 || cfg.ThreatFeeds.Feeds[0].Format != "hostfile" {
		t.Fatalf("feeds: got %+v", cfg.ThreatFeeds.Feeds)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	if err == nil || !strings.Contains(err.Error(), "read config") {
		t.Fatalf("expected read error, got %v", err)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	if !cfg.ML.Active() {
		t.Error("ml should be enabled by default")
	}
	if cfg.ML.Timeout != 5*time.Second {
		t.Errorf("ml.timeout: expected 5s, got %v", cfg.ML.Timeout)
	}
	if cfg.ML.FailureThreshold != 3 {
		t.Errorf("ml.failure_threshold: expected 3, got %d", cfg.ML.FailureThreshold)
	}
	if cfg.ML.BlockConfidence != 0.90 || cfg.ML.WarnConfidence != 0.70 {
		t.Errorf("ml confidence: got %v/%v", cfg.ML.BlockConfidence, cfg.ML.WarnConfidence)
	}
	if cfg.ML.HealthURL != "http://localhost:5000/health" {
		t.Errorf("ml.health_url: got %q", cfg.ML.HealthURL)
	}
	if cfg.Rules.BlockThreshold != 95 || cfg.Rules.WarnThreshold != 80 {
		t.Errorf("rule thresholds: got %d/%d", cfg.Rules.BlockThreshold, cfg.Rules.WarnThreshold)
	}
	if cfg.Orchestrator.ShutdownGrace != 10*time.Second {
		t.Errorf("shutdown_grace: got %v", cfg.Orchestrator.ShutdownGrace)
	}
	if cfg.Orchestrator.DedupWindow != 2*time.Second {
		t.Errorf("dedup_window: got %v", cfg.Orchestrator.DedupWindow)
	}
	if cfg.Orchestrator.ErrorLogSize != 100 {
		t.Errorf("error_log_size: got %d", cfg.Orchestrator.ErrorLogSize)
	}
	if cfg.ThreatFeeds.SyncInterval != 6*time.Hour {
		t.Errorf("threat_feeds.sync_interval: got %v", cfg.ThreatFeeds.SyncInterval)
	}
	if cfg.Health.ReadinessPath != "/ready" {
		t.Errorf("readiness_path: got %q", cfg.Health.ReadinessPath)
	}
}

func TestDefaultsNotOverridden(t *testing.T) {
	cfg := &Config{}
	cfg.Orchestrator.MaxRetries = -1
	cfg.ML.Timeout = 750 * time.Millisecond
	cfg.Rules.Weights.Shortener = -1

	applyDefaults(cfg)

	if cfg.Orchestrator.MaxRetries != -1 {
		t.Errorf("max_retries overridden: %d", cfg.Orchestrator.MaxRetries)
	}
	if cfg.ML.Timeout != 750*time.Millisecond {
		t.Errorf("ml.timeout overridden: %v", cfg.ML.Timeout)
	}
	if cfg.Rules.Weights.Shortener != -1 {
		t.Errorf("negative weight should survive defaults, got %d", cfg.Rules.Weights.Shortener)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("PHISHGUARD_ML_ENDPOINT", "https://ml.internal/v1/predict")
	t.Setenv("PHISHGUARD_ML_ENABLED", "false")
	t.Setenv("PHISHGUARD_DATA_DIR", "/data")

	cfg := Default()
	applyEnvOverrides(cfg)

	if cfg.ML.Endpoint != "https://ml.internal/v1/predict" {
		t.Errorf("endpoint: got %q", cfg.ML.Endpoint)
	}
	if cfg.ML.HealthURL != "https://ml.internal/health" {
		t.Errorf("health_url: got %q", cfg.ML.HealthURL)
	}
	if cfg.ML.Active() {
		t.Error("ml should be disabled by env")
	}
	if cfg.Storage.SQLitePath != filepath.Join("/data", "phishguard.db") {
		t.Errorf("sqlite_path: got %q", cfg.Storage.SQLitePath)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("PHISHGUARD_HTTP_ADDR", "127.0.0.1:9090")
	t.Setenv("PHISHGUARD_LOG_FORMAT", "json")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Server.HTTP.Addr != "127.0.0.1:9090" || cfg.Logging.Format != "json" {
		t.Errorf("env not applied: addr=%q format=%q", cfg.Server.HTTP.Addr, cfg.Logging.Format)
	}

	t.Setenv("PHISHGUARD_LOG_FORMAT", "xml")
	if _, err := FromEnv(); err == nil {
		t.Error("expected invalid logging.format from env to be rejected")
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad log level", "logging:\n  level: loud\n", "logging.level"},
		{"bad log format", "logging:\n  format: xml\n", "logging.format"},
		{"warn above block", "rules:\n  block_threshold: 50\n  warn_threshold: 60\n", "warn_threshold"},
		{"ml confidence order", "ml:\n  block_confidence: 0.6\n  warn_confidence: 0.8\n", "warn_confidence"},
		{"ml endpoint scheme", "ml:\n  endpoint: ftp://x/predict\n", "ml.endpoint"},
		{"feed without url", "threat_feeds:\n  feeds:\n    - name: x\n", "url is required"},
		{"feed format", "threat_feeds:\n  feeds:\n    - url: https://x\n      format: csv\n", "invalid format"},
		{"otel protocol", "audit:\n  otel:\n    protocol: udp\n", "audit.otel.protocol"},
		{"otel endpoint", "audit:\n  otel:\n    enabled: true\n", "audit.otel.endpoint"},
		{"request size", "server:\n  http:\n    max_request_size: lots\n", "max_request_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(tt.yaml))
			if err == nil {
				t.Fatalf("expected error containing %q", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
		err  bool
	}{
		{"512", 512, false},
		{"64KiB", 64 << 10, false},
		{"1MB", 1000 * 1000, false},
		{"2 mib", 2 << 20, false},
		{"10B", 10, false},
		{"", 0, true},
		{"MB", 0, true},
		{"-1", 0, true},
		{"99999999999GiB", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseByteSize(tt.in)
		if tt.err {
			if err == nil {
				t.Errorf("ParseByteSize(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseByteSize(%q) = %d, %v; want %d", tt.in, got, err, tt.want)
		}
	}
}
