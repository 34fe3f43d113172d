package metrics

import (
	"context"

	"github.com/phishguard/phishguard/internal/store"
	"github.com/phishguard/phishguard/pkg/types"
)

type wrappedSink struct {
	inner store.DecisionSink
	c     *Collector
}

// WrapDecisionSink counts every decision passed to inner and every failed write.
func WrapDecisionSink(inner store.DecisionSink, c *Collector) store.DecisionSink {
	if inner == nil {
		return nil
	}
	if c == nil {
		c = New()
	}
	return &wrappedSink{inner: inner, c: c}
}

func (w *wrappedSink) AppendDecision(ctx context.Context, ev types.DecisionEvent) error {
	w.c.IncDecision(ev.Action, ev.Method)
	err := w.inner.AppendDecision(ctx, ev)
	if err != nil {
		w.c.IncSinkError()
	}
	return err
}

func (w *wrappedSink) QueryDecisions(ctx context.Context, q types.DecisionQuery) ([]types.DecisionEvent, error) {
	if qr, ok := w.inner.(store.DecisionQuerier); ok {
		return qr.QueryDecisions(ctx, q)
	}
	return nil, nil
}

func (w *wrappedSink) Close() error { return w.inner.Close() }
