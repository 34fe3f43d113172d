package mlclient

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// HealthState is a point-in-time view of the prediction service health.
type HealthState struct {
	Enabled             bool      `json:"enabled"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastProbeAt         time.Time `json:"lastProbeAt,omitempty"`
	LastFailureAt       time.Time `json:"lastFailureAt,omitempty"`
	OpenedAt            time.Time `json:"openedAt,omitempty"`
	LastError           string    `json:"lastError,omitempty"`
}

// Breaker is the circuit breaker guarding the prediction service. Calls record
// failures and successes; only a successful probe closes an open circuit.
type Breaker struct {
	clock clockwork.Clock

	threshold atomic.Int32
	cooldown  atomic.Int64

	closed     atomic.Bool
	failures   atomic.Int32
	generation atomic.Uint64

	mu            sync.Mutex
	lastProbeAt   time.Time
	lastFailureAt time.Time
	openedAt      time.Time
	lastError     string
}

// NewBreaker returns a closed breaker. A nil clock uses the real clock.
func NewBreaker(threshold int, cooldown time.Duration, clock clockwork.Clock) *Breaker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	b := &Breaker{clock: clock}
	b.SetLimits(threshold, cooldown)
	b.closed.Store(true)
	return b
}

// SetLimits updates the failure threshold and probe cooldown.
func (b *Breaker) SetLimits(threshold int, cooldown time.Duration) {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown < 0 {
		cooldown = 0
	}
	b.threshold.Store(int32(threshold))
	b.cooldown.Store(int64(cooldown))
}

// Allow reports whether calls may go to the network.
func (b *Breaker) Allow() bool { return b.closed.Load() }

// Generation changes every time the circuit opens or closes.
func (b *Breaker) Generation() uint64 { return b.generation.Load() }

// RecordSuccess resets the failure count. It never closes an open circuit.
func (b *Breaker) RecordSuccess() {
	b.failures.Store(0)
}

// RecordFailure counts a failed call and opens the circuit once the threshold is
// reached. It reports whether this call opened it.
func (b *Breaker) RecordFailure(err error) bool {
	n := b.failures.Add(1)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFailureAt = b.clock.Now()
	if err != nil {
		b.lastError = err.Error()
	}
	if n < b.threshold.Load() {
		return false
	}
	if !b.closed.CompareAndSwap(true, false) {
		return false
	}
	b.openedAt = b.lastFailureAt
	b.generation.Add(1)
	return true
}

// ProbeDue reports whether a probe may run now. Probes against an open circuit
// wait for the cooldown after opening.
func (b *Breaker) ProbeDue() bool {
	if b.closed.Load() {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.clock.Since(b.openedAt) >= time.Duration(b.cooldown.Load())
}

// RecordProbe stores a probe outcome. A healthy probe closes the circuit and
// reports whether it did.
func (b *Breaker) RecordProbe(healthy bool, err error) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastProbeAt = b.clock.Now()
	if !healthy {
		if err != nil {
			b.lastError = err.Error()
		}
		return false
	}
	b.lastError = ""
	b.failures.Store(0)
	if b.closed.CompareAndSwap(false, true) {
		b.openedAt = time.Time{}
		b.generation.Add(1)
		return true
	}
	return false
}

// Reset closes the circuit and clears counters. Used when the endpoint changes.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures.Store(0)
	b.lastError = ""
	b.openedAt = time.Time{}
	if b.closed.CompareAndSwap(false, true) {
		b.generation.Add(1)
	}
}

// Snapshot returns the current health state.
func (b *Breaker) Snapshot() HealthState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return HealthState{
		Enabled:             b.closed.Load(),
		ConsecutiveFailures: int(b.failures.Load()),
		LastProbeAt:         b.lastProbeAt,
		LastFailureAt:       b.lastFailureAt,
		OpenedAt:            b.openedAt,
		LastError:           b.lastError,
	}
}
