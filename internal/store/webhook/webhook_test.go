package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/phishguard/phishguard/pkg/types"
)

type collector struct {
	mu      sync.Mutex
	batches [][]types.DecisionEvent
	headers []http.Header
}

func (c *collector) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var batch []types.DecisionEvent
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			t.Errorf("decode: %v", err)
		}
		c.mu.Lock()
		c.batches = append(c.batches, batch)
		c.headers = append(c.headers, r.Header.Clone())
		c.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}
}

func (c *collector) snapshot() [][]types.DecisionEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]types.DecisionEvent(nil), c.batches...)
}

func decision(id string) types.DecisionEvent {
	return types.DecisionEvent{ID: id, Timestamp: time.Now().UTC(), Source: types.SourceAnalyze, URL: "https://x.example/", Action: "allow", Method: "rule"}
}

func TestStore_FlushesOnBatchSize(t *testing.T) {
	c := &collector{}
	srv := httptest.NewServer(c.handler(t))
	defer srv.Close()

	st, err := New(srv.URL, 2, time.Hour, 2*time.Second, map[string]string{"X-Token": "abc"})
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	if err := st.AppendDecision(context.Background(), decision("1")); err != nil {
		t.Fatal(err)
	}
	if got := c.snapshot(); len(got) != 0 {
		t.Fatalf("expected no flush before batch size, got %#v", got)
	}
	if err := st.AppendDecision(context.Background(), decision("2")); err != nil {
		t.Fatal(err)
	}

	got := c.snapshot()
	if len(got) != 1 || len(got[0]) != 2 || got[0][1].ID != "2" {
		t.Fatalf("expected 1 batch of 2, got %#v", got)
	}
	if c.headers[0].Get("X-Token") != "abc" {
		t.Fatalf("custom header missing: %v", c.headers[0])
	}
}

func TestStore_FlushesAfterInterval(t *testing.T) {
	c := &collector{}
	srv := httptest.NewServer(c.handler(t))
	defer srv.Close()

	clock := clockwork.NewFakeClock()
	st, err := New(srv.URL, 100, 10*time.Second, 2*time.Second, nil, WithClock(clock))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	_ = st.AppendDecision(context.Background(), decision("1"))
	clock.Advance(11 * time.Second)
	_ = st.AppendDecision(context.Background(), decision("2"))

	if got := c.snapshot(); len(got) != 1 || len(got[0]) != 2 {
		t.Fatalf("expected interval flush of 2, got %#v", got)
	}
}

func TestStore_CloseFlushesRemainder(t *testing.T) {
	c := &collector{}
	srv := httptest.NewServer(c.handler(t))
	defer srv.Close()

	st, err := New(srv.URL, 100, time.Hour, 2*time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}
	_ = st.AppendDecision(context.Background(), decision("1"))
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := c.snapshot(); len(got) != 1 || got[0][0].ID != "1" {
		t.Fatalf("expected remainder flushed on close, got %#v", got)
	}
	if err := st.AppendDecision(context.Background(), decision("2")); err == nil {
		t.Fatal("expected error appending after close")
	}
}

func TestStore_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	st, err := New(srv.URL, 1, time.Hour, time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	if err := st.AppendDecision(context.Background(), decision("1")); err == nil {
		t.Fatal("expected error for 502 response")
	}
}

func TestNew_RequiresURL(t *testing.T) {
	if _, err := New("", 0, 0, 0, nil); err == nil {
		t.Fatal("expected error for empty url")
	}
}
