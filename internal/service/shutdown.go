package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/phishguard/phishguard/internal/store"
	"github.com/phishguard/phishguard/internal/threatfeed"
)

const persistTimeout = 5 * time.Second

// loadState restores persisted state. Every key is best-effort: a failed load
// is logged and the in-memory defaults stay.
func (s *Service) loadState(ctx context.Context) {
	var stats Statistics
	if ok, err := s.kv.Get(ctx, store.KeyStats, &stats); err != nil {
		s.logger.Warn("load statistics", "error", err)
	} else if ok {
		s.stats.restore(stats)
	}

	var logs []ErrorLogEntry
	if ok, err := s.kv.Get(ctx, store.KeyErrorLogs, &logs); err != nil {
		s.logger.Warn("load error logs", "error", err)
	} else if ok {
		s.errlog.restore(logs)
	}

	var cache threatfeed.PhishingCache
	if ok, err := s.kv.Get(ctx, store.KeyPhishingCache, &cache); err != nil {
		s.logger.Warn("load phishing cache", "error", err)
	} else if ok {
		s.threats.Restore(cache)
	}
	if err := s.threats.LoadFromDisk(); err != nil {
		s.logger.Warn("load feed cache", "error", err)
	}

	var ml MLSettings
	if ok, err := s.kv.Get(ctx, store.KeyMLConfig, &ml); err != nil {
		s.logger.Warn("load ml config", "error", err)
	} else if ok {
		if _, err := s.applyMLSettings(ml, false); err != nil {
			s.logger.Warn("ignoring persisted ml config", "error", err)
		}
	}
}

// persistAll writes every piece of durable state. Failures are joined so one
// bad key does not stop the others.
func (s *Service) persistAll(ctx context.Context) error {
	return errors.Join(
		s.kv.Put(ctx, store.KeyStats, s.stats.snapshot()),
		s.kv.Put(ctx, store.KeyMLConfig, s.MLSettings()),
		s.kv.Put(ctx, store.KeyPhishingCache, s.threats.Cache()),
		s.kv.Put(ctx, store.KeyErrorLogs, s.errlog.snapshot()),
	)
}

// Shutdown drains the service: new work is refused, jobs stop, in-flight work
// gets up to shutdown_grace to finish, and state is persisted regardless of
// what is still running. Later calls wait for the first one and return its
// result.
func (s *Service) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown(ctx)
		close(s.shutdownDone)
	})
	select {
	case <-s.shutdownDone:
		return s.shutdownErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) shutdown(ctx context.Context) error {
	s.pendingMu.Lock()
	s.draining = true
	idle := make(chan struct{})
	if len(s.pending) == 0 {
		close(idle)
	} else {
		s.idle = idle
	}
	s.pendingMu.Unlock()
	s.logger.Info("service draining", "pending", s.PendingCount())

	s.stopJobs()

	grace := s.base.Orchestrator.ShutdownGrace
	select {
	case <-idle:
	case <-s.clock.After(grace):
		s.logger.Warn("shutdown grace elapsed", "grace", grace, "pending", s.PendingCount())
	case <-ctx.Done():
		s.logger.Warn("shutdown interrupted", "pending", s.PendingCount(), "error", ctx.Err())
	}
	s.opCancel()

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	var errs []error
	if err := s.persistAll(pctx); err != nil {
		s.logger.Error("persist state on shutdown", "error", err)
		errs = append(errs, fmt.Errorf("persist state: %w", err))
	}
	if err := s.threats.SaveToDisk(); err != nil {
		s.logger.Warn("save feed cache", "error", err)
	}
	if err := s.sink.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close sinks: %w", err))
	}
	s.logger.Info("service stopped", "residual", s.PendingCount())
	return errors.Join(errs...)
}
