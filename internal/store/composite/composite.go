package composite

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/phishguard/phishguard/internal/store"
	"github.com/phishguard/phishguard/pkg/types"
)

// Sink fans every decision out to a primary sink and any number of secondary
// sinks. Queries go to the primary only.
type Sink struct {
	primary store.DecisionSink
	others  []store.DecisionSink
	logger  *slog.Logger
}

func New(primary store.DecisionSink, others ...store.DecisionSink) *Sink {
	return &Sink{primary: primary, others: others, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// WithLogger sets the logger that receives secondary sink failures.
func (s *Sink) WithLogger(l *slog.Logger) *Sink {
	if l != nil {
		s.logger = l
	}
	return s
}

// AppendDecision writes to every sink. Only the primary's error is returned;
// secondary failures are logged.
func (s *Sink) AppendDecision(ctx context.Context, ev types.DecisionEvent) error {
	var err error
	if s.primary != nil {
		err = s.primary.AppendDecision(ctx, ev)
	}
	for i, o := range s.others {
		if oerr := o.AppendDecision(ctx, ev); oerr != nil {
			s.logger.Warn("secondary decision sink failed", "sink", fmt.Sprintf("%T", o), "index", i, "decision_id", ev.ID, "error", oerr)
		}
	}
	return err
}

func (s *Sink) QueryDecisions(ctx context.Context, q types.DecisionQuery) ([]types.DecisionEvent, error) {
	qr, ok := s.primary.(store.DecisionQuerier)
	if !ok {
		return nil, fmt.Errorf("decision history not configured")
	}
	return qr.QueryDecisions(ctx, q)
}

func (s *Sink) Close() error {
	var firstErr error
	if s.primary != nil {
		if err := s.primary.Close(); err != nil {
			firstErr = err
		}
	}
	for _, o := range s.others {
		if err := o.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
