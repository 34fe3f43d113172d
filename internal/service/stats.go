package service

import (
	"sync"
	"time"

	"github.com/phishguard/phishguard/internal/policy"
	"github.com/phishguard/phishguard/internal/urlcheck"
)

// Statistics are the service's monotonic counters. Only the Service mutates them.
type Statistics struct {
	TotalScans      int64 `json:"totalScans"`
	ThreatsBlocked  int64 `json:"threatsBlocked"`
	ThreatsWarned   int64 `json:"threatsWarned"`
	ThreatsAllowed  int64 `json:"threatsAllowed"`
	MLPredictions   int64 `json:"mlPredictions"`
	MLErrors        int64 `json:"mlErrors"`
	RuleEvaluations int64 `json:"ruleEvaluations"`
	CacheHits       int64 `json:"cacheHits"`
	Bypassed        int64 `json:"bypassed"`
	Overrides       int64 `json:"overrides"`
	ErrorFallbacks  int64 `json:"errorFallbacks"`
	DedupCollapsed  int64 `json:"dedupCollapsed"`

	LastUpdated time.Time `json:"lastUpdated"`
	Since       time.Time `json:"since"`
}

// scanRecord is what one finished evaluation contributes to the counters.
type scanRecord struct {
	action    urlcheck.Action
	method    urlcheck.Method
	stage     policy.Stage
	mlError   bool
	collapsed bool
	unchecked bool
}

type statsTracker struct {
	mu    sync.Mutex
	s     Statistics
	dirty bool
}

func newStatsTracker(now time.Time) *statsTracker {
	return &statsTracker{s: Statistics{Since: now}}
}

func (t *statsTracker) record(r scanRecord, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.s.TotalScans++
	switch r.action {
	case urlcheck.ActionBlock:
		t.s.ThreatsBlocked++
	case urlcheck.ActionWarn:
		t.s.ThreatsWarned++
	default:
		t.s.ThreatsAllowed++
	}

	switch {
	case r.collapsed:
		// The evaluation that produced this result was already counted.
		t.s.DedupCollapsed++
	case r.unchecked:
	default:
		switch r.stage {
		case policy.StageML:
			t.s.MLPredictions++
		case policy.StageRules:
			t.s.RuleEvaluations++
		case policy.StageKnownBad:
			t.s.CacheHits++
		case policy.StageInternal, policy.StageBypass, policy.StageTrusted, policy.StageEarlyAllow:
			t.s.Bypassed++
		case "":
			t.countMethod(r.method)
		}
		if r.mlError {
			t.s.MLErrors++
		}
		switch r.method {
		case urlcheck.MethodOverride:
			t.s.Overrides++
		case urlcheck.MethodErrorFallback:
			t.s.ErrorFallbacks++
		}
	}
	t.s.LastUpdated = now
	t.dirty = true
}

// countMethod attributes a result that arrived without engine provenance, such
// as an analysis reported by an adapter.
func (t *statsTracker) countMethod(m urlcheck.Method) {
	switch m {
	case urlcheck.MethodML:
		t.s.MLPredictions++
	case urlcheck.MethodRule:
		t.s.RuleEvaluations++
	case urlcheck.MethodCache:
		t.s.CacheHits++
	case urlcheck.MethodBypass:
		t.s.Bypassed++
	}
}

func (t *statsTracker) snapshot() Statistics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.s
}

func (t *statsTracker) reset(now time.Time) {
	t.mu.Lock()
	t.s = Statistics{Since: now, LastUpdated: now}
	t.dirty = true
	t.mu.Unlock()
}

func (t *statsTracker) restore(s Statistics) {
	t.mu.Lock()
	t.s = s
	t.dirty = false
	t.mu.Unlock()
}

// takeDirty returns the counters and clears the dirty flag if they changed since
// the last call. markDirty puts the flag back after a failed write.
func (t *statsTracker) takeDirty() (Statistics, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.dirty {
		return Statistics{}, false
	}
	t.dirty = false
	return t.s, true
}

func (t *statsTracker) markDirty() {
	t.mu.Lock()
	t.dirty = true
	t.mu.Unlock()
}
