package service

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// OperationKind names the work a pending operation performs.
type OperationKind string

const (
	KindAnalyze  OperationKind = "analyze"
	KindScanText OperationKind = "scan-text"
	KindRecord   OperationKind = "record-decision"
	KindJob      OperationKind = "job"
)

// OperationState is the lifecycle position of a pending operation.
type OperationState string

const (
	StateCreated        OperationState = "created"
	StateInFlight       OperationState = "in-flight"
	StateRetryScheduled OperationState = "failed-retry-scheduled"
	StateCompleted      OperationState = "completed"
	StateFailed         OperationState = "failed-terminal"
)

// PendingOperation is a unit of tracked work. Shutdown waits for the set of
// pending operations to empty.
type PendingOperation struct {
	ID        string         `json:"id"`
	Kind      OperationKind  `json:"kind"`
	Name      string         `json:"name,omitempty"`
	StartedAt time.Time      `json:"startedAt"`
	State     OperationState `json:"state"`
	Attempt   int            `json:"attempt"`
}

// begin registers a new operation. External work is refused once draining has
// started; internal follow-up work of an accepted evaluation is not.
func (s *Service) begin(kind OperationKind, name string, external bool) (*PendingOperation, error) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if external && s.draining {
		return nil, ErrDraining
	}
	op := &PendingOperation{
		ID:        uuid.NewString(),
		Kind:      kind,
		Name:      name,
		StartedAt: s.clock.Now(),
		State:     StateCreated,
	}
	s.pending[op.ID] = op
	return op, nil
}

func (s *Service) end(op *PendingOperation) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	delete(s.pending, op.ID)
	if s.draining && len(s.pending) == 0 && s.idle != nil {
		close(s.idle)
		s.idle = nil
	}
}

func (s *Service) setState(op *PendingOperation, state OperationState, attempt int) {
	s.pendingMu.Lock()
	op.State = state
	op.Attempt = attempt
	s.pendingMu.Unlock()
}

// PendingCount returns the exact number of operations in flight.
func (s *Service) PendingCount() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pending)
}

// Pending returns copies of the in-flight operations, oldest first.
func (s *Service) Pending() []PendingOperation {
	s.pendingMu.Lock()
	out := make([]PendingOperation, 0, len(s.pending))
	for _, op := range s.pending {
		out = append(out, *op)
	}
	s.pendingMu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}
