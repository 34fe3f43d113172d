package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/phishguard/phishguard/internal/mlclient"
	"github.com/phishguard/phishguard/internal/store"
	"github.com/phishguard/phishguard/pkg/observability"
)

// Job names.
const (
	JobFeedRefresh   = "feed-refresh"
	JobMLHealthProbe = "ml-health-probe"
	JobCleanup       = "cleanup"
	JobStatsFlush    = "stats-flush"
)

// Job is a periodic task ticking on the service clock. Stop cancels it and
// waits for a running pass to return.
type Job struct {
	Name     string
	Interval time.Duration

	run       func(ctx context.Context) error
	immediate bool
	cancel    context.CancelFunc
	done      chan struct{}

	mu      sync.Mutex
	runs    int
	lastRun time.Time
	lastErr string
}

// JobStatus is a point-in-time view of a Job.
type JobStatus struct {
	Name      string    `json:"name"`
	Interval  string    `json:"interval"`
	Runs      int       `json:"runs"`
	LastRun   time.Time `json:"lastRun,omitempty"`
	LastError string    `json:"lastError,omitempty"`
}

func (j *Job) Stop() {
	j.cancel()
	<-j.done
}

func (j *Job) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return JobStatus{
		Name:      j.Name,
		Interval:  j.Interval.String(),
		Runs:      j.runs,
		LastRun:   j.lastRun,
		LastError: j.lastErr,
	}
}

func (s *Service) startJobs() {
	o := s.base.Orchestrator
	if s.syncer != nil && s.base.ThreatFeeds.Enabled {
		s.startJob(&Job{Name: JobFeedRefresh, Interval: s.base.ThreatFeeds.SyncInterval, run: s.refreshFeeds, immediate: true})
	}
	s.startJob(&Job{Name: JobMLHealthProbe, Interval: o.HealthProbeInterval, run: s.probeML})
	s.startJob(&Job{Name: JobCleanup, Interval: o.CleanupInterval, run: s.cleanup})
	s.startJob(&Job{Name: JobStatsFlush, Interval: o.StatsFlushInterval, run: s.flushStats})
}

func (s *Service) startJob(j *Job) {
	ctx, cancel := context.WithCancel(s.opCtx)
	j.cancel = cancel
	j.done = make(chan struct{})

	s.jobsMu.Lock()
	s.jobs = append(s.jobs, j)
	s.jobsMu.Unlock()

	ticker := s.clock.NewTicker(j.Interval)
	go func() {
		defer close(j.done)
		defer ticker.Stop()
		if j.immediate {
			s.runJob(ctx, j)
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				s.runJob(ctx, j)
			}
		}
	}()
}

func (s *Service) runJob(ctx context.Context, j *Job) {
	op, err := s.begin(KindJob, j.Name, true)
	if err != nil {
		return
	}
	defer s.end(op)

	err = s.runOperation(ctx, op, j.run)

	j.mu.Lock()
	j.runs++
	j.lastRun = s.clock.Now()
	j.lastErr = ""
	if err != nil {
		j.lastErr = err.Error()
	}
	j.mu.Unlock()

	if err != nil && ctx.Err() == nil && !Retryable(err) {
		s.logger.Warn("job failed", "job", j.Name, "error", err)
	}
}

// Jobs returns the status of every started job.
func (s *Service) Jobs() []JobStatus {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Status())
	}
	return out
}

func (s *Service) stopJobs() {
	s.jobsMu.Lock()
	jobs := s.jobs
	s.jobsMu.Unlock()
	for _, j := range jobs {
		j.Stop()
	}
}

// refreshFeeds syncs the threat feeds and persists the phishing cache. Fetch
// failures are returned so the pass is retried.
func (s *Service) refreshFeeds(ctx context.Context) error {
	ctx, span := observability.TraceOperation(ctx, &observability.Operation{Type: observability.OpFeedSync})
	defer span.End()

	res, syncErr := s.syncer.Sync(ctx)
	if syncErr == nil {
		s.logger.Info("threat feeds refreshed", "hosts", res.Hosts, "sources", res.Sources, "failed", res.Failed)
	}
	if err := s.threats.SaveToDisk(); err != nil {
		s.logger.Warn("save feed cache", "error", err)
	}
	err := errors.Join(syncErr, s.kv.Put(ctx, store.KeyPhishingCache, s.threats.Cache()))
	if err != nil {
		observability.RecordError(span, err)
	}
	return err
}

// probeML checks the predictor health endpoint. An open circuit closes only
// through a healthy probe.
func (s *Service) probeML(ctx context.Context) error {
	if !s.ml.Enabled() {
		return nil
	}
	wasOpen := !s.ml.Breaker().Allow()
	rep, err := s.ml.Probe(ctx)
	switch {
	case errors.Is(err, mlclient.ErrProbeCooldown), errors.Is(err, mlclient.ErrDisabled):
		return nil
	case err != nil:
		s.logger.Debug("ml health probe failed", "error", err, "circuit_open", wasOpen)
		return nil
	}
	if wasOpen && s.ml.Breaker().Allow() {
		s.logger.Info("ml backend healthy again", "version", rep.Version, "latency_ms", rep.LatencyMS)
	}
	return nil
}

// cleanup prunes error logs, confirmed hosts and stored decisions older than the
// retention window, and resets counters older than stats_retention.
func (s *Service) cleanup(ctx context.Context) error {
	ctx, span := observability.TraceOperation(ctx, &observability.Operation{Type: observability.OpCleanup})
	defer span.End()

	o := s.base.Orchestrator
	now := s.clock.Now()
	cutoff := now.Add(-o.Retention)

	logs := s.errlog.prune(cutoff)
	hosts := s.threats.Prune(cutoff)

	var errs []error
	if s.pruner != nil {
		n, err := s.pruner.PruneDecisions(ctx, cutoff)
		if err != nil {
			errs = append(errs, err)
		} else if n > 0 {
			s.logger.Info("pruned decision history", "rows", n)
		}
	}
	if o.StatsRetention > 0 && now.Sub(s.stats.snapshot().Since) > o.StatsRetention {
		s.stats.reset(now)
		s.logger.Info("statistics reset", "retention", o.StatsRetention)
	}
	if logs > 0 {
		errs = append(errs, s.kv.Put(ctx, store.KeyErrorLogs, s.errlog.snapshot()))
	}
	if hosts > 0 {
		s.logger.Info("pruned confirmed hosts", "count", hosts)
		errs = append(errs, s.kv.Put(ctx, store.KeyPhishingCache, s.threats.Cache()))
	}
	err := errors.Join(errs...)
	if err != nil {
		observability.RecordError(span, err)
	}
	return err
}

// flushStats persists the counters if they changed since the last flush.
func (s *Service) flushStats(ctx context.Context) error {
	snap, dirty := s.stats.takeDirty()
	if !dirty {
		return nil
	}
	ctx, span := observability.TraceOperation(ctx, &observability.Operation{Type: observability.OpStatsFlush})
	defer span.End()
	if err := s.kv.Put(ctx, store.KeyStats, snap); err != nil {
		s.stats.markDirty()
		observability.RecordError(span, err)
		return fmt.Errorf("flush stats: %w", err)
	}
	return nil
}
