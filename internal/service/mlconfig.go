package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/phishguard/phishguard/internal/config"
	"github.com/phishguard/phishguard/internal/store"
)

// ErrInvalidConfig is returned when a runtime configuration update is rejected.
var ErrInvalidConfig = errors.New("invalid configuration")

// MLSettings is the wire and storage form of the runtime configuration.
type MLSettings struct {
	Enabled          bool     `json:"enabled"`
	Endpoint         string   `json:"endpoint"`
	HealthURL        string   `json:"healthUrl,omitempty"`
	TimeoutMS        int64    `json:"timeoutMs"`
	FailureThreshold int      `json:"failureThreshold"`
	ProbeCooldownMS  int64    `json:"probeCooldownMs"`
	BlockConfidence  float64  `json:"blockConfidence"`
	WarnConfidence   float64  `json:"warnConfidence"`
	Whitelist        []string `json:"whitelist"`
	SuspiciousTLDs   []string `json:"suspiciousTlds"`
}

// SettingsFromConfig extracts the runtime settings from a full configuration.
func SettingsFromConfig(cfg *config.Config) MLSettings {
	return settingsFrom(&RuntimeConfig{
		ML:             cfg.ML,
		Whitelist:      cfg.Trust.ExtraTrustedDomains,
		SuspiciousTLDs: cfg.Rules.SuspiciousTLDs,
	})
}

func settingsFrom(rc *RuntimeConfig) MLSettings {
	return MLSettings{
		Enabled:          rc.ML.Active(),
		Endpoint:         rc.ML.Endpoint,
		HealthURL:        rc.ML.HealthURL,
		TimeoutMS:        rc.ML.Timeout.Milliseconds(),
		FailureThreshold: rc.ML.FailureThreshold,
		ProbeCooldownMS:  rc.ML.ProbeCooldown.Milliseconds(),
		BlockConfidence:  rc.ML.BlockConfidence,
		WarnConfidence:   rc.ML.WarnConfidence,
		Whitelist:        append([]string{}, rc.Whitelist...),
		SuspiciousTLDs:   append([]string{}, rc.SuspiciousTLDs...),
	}
}

func (m MLSettings) runtime() *RuntimeConfig {
	enabled := m.Enabled
	return &RuntimeConfig{
		ML: config.MLConfig{
			Enabled:          &enabled,
			Endpoint:         strings.TrimSpace(m.Endpoint),
			HealthURL:        strings.TrimSpace(m.HealthURL),
			Timeout:          time.Duration(m.TimeoutMS) * time.Millisecond,
			FailureThreshold: m.FailureThreshold,
			ProbeCooldown:    time.Duration(m.ProbeCooldownMS) * time.Millisecond,
			BlockConfidence:  m.BlockConfidence,
			WarnConfidence:   m.WarnConfidence,
		},
		Whitelist:      cleanList(m.Whitelist, ""),
		SuspiciousTLDs: cleanList(m.SuspiciousTLDs, "."),
	}
}

// MLSettings returns the settings currently in force.
func (s *Service) MLSettings() MLSettings { return settingsFrom(s.runtime.Load()) }

// UpdateMLConfig validates next, rebuilds the engine around it and swaps both in
// atomically. The new settings are persisted in the background; a persistence
// failure does not undo the update.
func (s *Service) UpdateMLConfig(ctx context.Context, next MLSettings) (MLSettings, error) {
	applied, err := s.applyMLSettings(next, true)
	if err != nil {
		return MLSettings{}, err
	}
	s.logger.Info("ml config updated",
		"enabled", applied.Enabled,
		"endpoint", applied.Endpoint,
		"timeout_ms", applied.TimeoutMS,
		"whitelist", len(applied.Whitelist))
	return applied, nil
}

func (s *Service) applyMLSettings(next MLSettings, persist bool) (MLSettings, error) {
	rc := next.runtime()
	if next.TimeoutMS < 0 || next.ProbeCooldownMS < 0 {
		return MLSettings{}, fmt.Errorf("%w: durations must not be negative", ErrInvalidConfig)
	}
	if err := config.ValidateML(rc.ML); err != nil {
		return MLSettings{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	s.reload.Lock()
	defer s.reload.Unlock()
	if err := s.install(rc); err != nil {
		return MLSettings{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	applied := settingsFrom(rc)
	if persist {
		s.persist(store.KeyMLConfig, applied)
	}
	return applied, nil
}

// persist writes one key in the background as a tracked, retried operation.
func (s *Service) persist(key string, v any) {
	op, _ := s.begin(KindRecord, key, false)
	go func() {
		defer s.end(op)
		_ = s.runOperation(s.opCtx, op, func(ctx context.Context) error {
			return s.kv.Put(ctx, key, v)
		})
	}()
}

func cleanList(values []string, trim string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if trim != "" {
			v = strings.TrimLeft(v, trim)
		}
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
