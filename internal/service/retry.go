package service

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"github.com/phishguard/phishguard/internal/store"
	"github.com/phishguard/phishguard/internal/threatfeed"
)

// ErrRetryable marks an error as transient. Wrap it with %w to have
// runOperation retry the failing step.
var ErrRetryable = errors.New("retryable")

// Retryable reports whether err belongs to a transient failure class.
func Retryable(err error) bool {
	return errors.Is(err, ErrRetryable) ||
		errors.Is(err, store.ErrPersistence) ||
		errors.Is(err, threatfeed.ErrFetch)
}

// newBackOff returns base * 2^attempt delays without jitter, stopping after
// max_retries retries.
func (s *Service) newBackOff(ctx context.Context) backoff.BackOff {
	o := s.base.Orchestrator
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.RetryBase
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = time.Hour
	b.MaxElapsedTime = 0
	b.Clock = s.clock
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(o.MaxRetries)), ctx)
}

// runOperation runs fn for op, retrying retryable failures with exponential
// backoff on the service clock. Non-retryable errors are returned at once. An
// error that survives every retry is logged and returned.
func (s *Service) runOperation(ctx context.Context, op *PendingOperation, fn func(context.Context) error) error {
	attempt := 0
	operation := func() error {
		s.setState(op, StateInFlight, attempt)
		err := fn(ctx)
		attempt++
		if err != nil && !Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		s.setState(op, StateRetryScheduled, attempt)
		s.metrics.IncRetry()
		s.logger.Warn("operation failed; retry scheduled",
			"op_id", op.ID, "kind", op.Kind, "name", op.Name,
			"attempt", attempt, "delay", next, "error", err)
	}

	err := backoff.RetryNotifyWithTimer(operation, s.newBackOff(ctx), notify, &clockTimer{clock: s.clock})
	if err == nil {
		s.setState(op, StateCompleted, attempt)
		return nil
	}
	s.setState(op, StateFailed, attempt)
	if Retryable(err) {
		s.metrics.IncOperationFailed()
		s.logger.Error("operation failed after retries",
			"op_id", op.ID, "kind", op.Kind, "name", op.Name,
			"attempts", attempt, "error", err)
	}
	return err
}

// clockTimer drives backoff waits from the service clock.
type clockTimer struct {
	clock clockwork.Clock
	timer clockwork.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = t.clock.NewTimer(d)
		return
	}
	t.timer.Reset(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time { return t.timer.Chan() }
