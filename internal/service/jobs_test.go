package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phishguard/phishguard/internal/store"
)

type fakePruner struct {
	cutoff time.Time
	rows   int64
	err    error
}

func (p *fakePruner) PruneDecisions(_ context.Context, cutoff time.Time) (int64, error) {
	p.cutoff = cutoff
	return p.rows, p.err
}

func TestStatsFlushJob(t *testing.T) {
	kv := store.NewMemoryKV()
	svc, clock, _ := newTestService(t, testConfig(), WithKV(kv))
	ctx := context.Background()
	require.NoError(t, svc.Start(ctx))

	_, err := svc.Analyze(ctx, "http://192.168.1.1/login")
	require.NoError(t, err)
	waitIdle(t, svc)

	bctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	// health probe, cleanup and stats flush
	require.NoError(t, clock.BlockUntilContext(bctx, 3))
	clock.Advance(svc.base.Orchestrator.StatsFlushInterval)

	require.Eventually(t, func() bool {
		var stats Statistics
		found, err := kv.Get(ctx, store.KeyStats, &stats)
		return err == nil && found && stats.TotalScans == 1
	}, 2*time.Second, 5*time.Millisecond)

	var flush JobStatus
	require.Eventually(t, func() bool {
		for _, j := range svc.Jobs() {
			if j.Name == JobStatsFlush {
				flush = j
			}
		}
		return flush.Runs == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, flush.LastError)
}

func TestFlushStats_OnlyWhenDirty(t *testing.T) {
	kv := store.NewMemoryKV()
	svc, _, _ := newTestService(t, testConfig(), WithKV(kv))
	ctx := context.Background()

	require.NoError(t, svc.flushStats(ctx))
	found, err := kv.Get(ctx, store.KeyStats, &Statistics{})
	require.NoError(t, err)
	assert.False(t, found, "nothing changed yet")

	_, err = svc.Analyze(ctx, "https://example.net/")
	require.NoError(t, err)
	require.NoError(t, svc.flushStats(ctx))
	found, err = kv.Get(ctx, store.KeyStats, &Statistics{})
	require.NoError(t, err)
	assert.True(t, found)

	_, dirty := svc.stats.takeDirty()
	assert.False(t, dirty)
}

func TestCleanup_PrunesByRetention(t *testing.T) {
	cfg := testConfig()
	cfg.Orchestrator.Retention = 24 * time.Hour
	kv := store.NewMemoryKV()
	pruner := &fakePruner{rows: 4}
	svc, clock, _ := newTestService(t, cfg, WithKV(kv), WithPruner(pruner))
	ctx := context.Background()

	old := clock.Now().UTC()
	svc.errlog.add(ErrorLogEntry{Timestamp: old, Kind: KindJob, Error: "old"})
	svc.ThreatStore().Confirm("old.example", old)

	clock.Advance(36 * time.Hour)
	svc.errlog.add(ErrorLogEntry{Timestamp: clock.Now().UTC(), Kind: KindJob, Error: "new"})
	svc.ThreatStore().Confirm("new.example", clock.Now().UTC())

	require.NoError(t, svc.cleanup(ctx))

	logs := svc.ErrorLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, "new", logs[0].Error)
	assert.Equal(t, 1, svc.ThreatStore().Size())
	assert.Equal(t, clock.Now().Add(-24*time.Hour), pruner.cutoff)

	var persisted []ErrorLogEntry
	found, err := kv.Get(ctx, store.KeyErrorLogs, &persisted)
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, persisted, 1)
}

func TestCleanup_ResetsStaleStatistics(t *testing.T) {
	cfg := testConfig()
	cfg.Orchestrator.StatsRetention = time.Hour
	svc, clock, _ := newTestService(t, cfg)
	ctx := context.Background()

	_, err := svc.Analyze(ctx, "https://example.net/")
	require.NoError(t, err)
	require.NoError(t, svc.cleanup(ctx))
	assert.EqualValues(t, 1, svc.Statistics().TotalScans)

	clock.Advance(2 * time.Hour)
	require.NoError(t, svc.cleanup(ctx))
	stats := svc.Statistics()
	assert.Zero(t, stats.TotalScans)
	assert.Equal(t, clock.Now(), stats.Since)
}

func TestCleanup_PrunerFailureIsReturned(t *testing.T) {
	pruner := &fakePruner{err: fmt.Errorf("%w: locked", store.ErrPersistence)}
	svc, _, _ := newTestService(t, testConfig(), WithPruner(pruner))

	err := svc.cleanup(context.Background())
	require.Error(t, err)
	assert.True(t, Retryable(err))
}

func TestProbeML_DisabledIsNoop(t *testing.T) {
	svc, _, _ := newTestService(t, testConfig())
	assert.NoError(t, svc.probeML(context.Background()))
}

func TestRunJob_RecordsFailure(t *testing.T) {
	svc, _, _ := newTestService(t, testConfig())
	j := &Job{Name: "broken", Interval: time.Minute, run: func(context.Context) error {
		return errors.New("no route to host")
	}}

	svc.runJob(context.Background(), j)

	status := j.Status()
	assert.Equal(t, 1, status.Runs)
	assert.Equal(t, "no route to host", status.LastError)
	assert.Zero(t, svc.PendingCount())
}
