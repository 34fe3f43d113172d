package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/phishguard/phishguard/pkg/types"
)

func TestAppendWritesOneLinePerDecision(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.log")
	sink, err := New(path, 1, 2)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	for _, id := range []string{"1", "2"} {
		if err := sink.AppendDecision(context.Background(), types.DecisionEvent{ID: id, Action: "warn", RiskScore: 85}); err != nil {
			t.Fatalf("AppendDecision: %v", err)
		}
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var ids []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev types.DecisionEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("line is not JSON: %v", err)
		}
		ids = append(ids, ev.ID)
	}
	if strings.Join(ids, ",") != "1,2" {
		t.Fatalf("unexpected ids: %v", ids)
	}
}

func TestAppendAndRotate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.log")
	sink, err := New(path, 1, 2) // 1 MB limit to make rotation feasible
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	t.Cleanup(func() { _ = sink.Close() })

	big := types.DecisionEvent{ID: "big", Reasons: []string{strings.Repeat("x", 2<<20)}}
	for i := 0; i < 3; i++ {
		if err := sink.AppendDecision(context.Background(), big); err != nil {
			t.Fatalf("AppendDecision %d: %v", i, err)
		}
	}
	if err := sink.AppendDecision(context.Background(), types.DecisionEvent{ID: "small"}); err != nil {
		t.Fatalf("AppendDecision post-rotate: %v", err)
	}

	for _, suffix := range []string{".1", ".2"} {
		if _, err := os.Stat(path + suffix); err != nil {
			t.Fatalf("expected rotated backup %s, got err: %v", suffix, err)
		}
	}
	if _, err := os.Stat(path + ".3"); !os.IsNotExist(err) {
		t.Fatalf("expected at most 2 backups, stat .3 err=%v", err)
	}
}

func TestAppendAfterClose(t *testing.T) {
	sink, err := New(filepath.Join(t.TempDir(), "d.log"), 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	_ = sink.Close()
	if err := sink.AppendDecision(context.Background(), types.DecisionEvent{ID: "1"}); err == nil {
		t.Fatal("expected error after close")
	}
}
