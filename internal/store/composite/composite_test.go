package composite

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/phishguard/phishguard/pkg/types"
)

type fakeSink struct {
	appendErr error
	appended  int
	closed    bool
}

func (f *fakeSink) AppendDecision(ctx context.Context, ev types.DecisionEvent) error {
	f.appended++
	return f.appendErr
}
func (f *fakeSink) Close() error { f.closed = true; return nil }

type fakeQuerySink struct {
	fakeSink
}

func (f *fakeQuerySink) QueryDecisions(ctx context.Context, q types.DecisionQuery) ([]types.DecisionEvent, error) {
	return []types.DecisionEvent{{ID: "x"}}, nil
}

func TestAppendDecisionReturnsPrimaryError(t *testing.T) {
	primary := &fakeSink{appendErr: errors.New("primary")}
	secondary := &fakeSink{appendErr: errors.New("secondary")}
	s := New(primary, secondary)

	err := s.AppendDecision(context.Background(), types.DecisionEvent{ID: "1"})
	if err == nil || err.Error() != "primary" {
		t.Fatalf("expected primary error, got %v", err)
	}
	if primary.appended != 1 || secondary.appended != 1 {
		t.Fatalf("expected both sinks to receive append, got %d %d", primary.appended, secondary.appended)
	}
}

func TestSecondaryErrorIsLoggedNotReturned(t *testing.T) {
	var logs bytes.Buffer
	secondary := &fakeSink{appendErr: errors.New("webhook down")}
	s := New(&fakeSink{}, secondary).WithLogger(slog.New(slog.NewTextHandler(&logs, nil)))

	if err := s.AppendDecision(context.Background(), types.DecisionEvent{ID: "1"}); err != nil {
		t.Fatalf("secondary failure should not be returned, got %v", err)
	}
	if secondary.appended != 1 {
		t.Fatalf("secondary appended = %d, want 1", secondary.appended)
	}
	if !strings.Contains(logs.String(), "webhook down") || !strings.Contains(logs.String(), "decision_id=1") {
		t.Fatalf("expected secondary failure in logs, got %q", logs.String())
	}
}

func TestQueryDelegation(t *testing.T) {
	s := New(&fakeQuerySink{})
	got, err := s.QueryDecisions(context.Background(), types.DecisionQuery{})
	if err != nil || len(got) != 1 {
		t.Fatalf("unexpected query result: %v %v", got, err)
	}

	if _, err := New(&fakeSink{}).QueryDecisions(context.Background(), types.DecisionQuery{}); err == nil {
		t.Fatal("expected error when primary cannot query")
	}
}

func TestClosePropagates(t *testing.T) {
	primary := &fakeSink{}
	other := &fakeSink{}
	s := New(primary, other)
	_ = s.Close()
	if !primary.closed || !other.closed {
		t.Fatal("expected close to propagate to all sinks")
	}
}
