// Package events fans completed decisions out to live subscribers (SSE and
// WebSocket streams).
package events

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/phishguard/phishguard/pkg/types"
)

var actionRank = map[string]int{"allow": 0, "warn": 1, "block": 2}

type subscription struct {
	minRank int
}

type Broker struct {
	mu      sync.RWMutex
	subs    map[chan types.DecisionEvent]subscription
	closed  bool
	dropped atomic.Int64
	logger  *slog.Logger
}

func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Broker{subs: make(map[chan types.DecisionEvent]subscription), logger: logger}
}

// Subscribe registers a subscriber for decisions at least as severe as minAction
// ("" or "allow" receives everything). The channel is closed by Unsubscribe or Close.
func (b *Broker) Subscribe(minAction string, buf int) chan types.DecisionEvent {
	if buf <= 0 {
		buf = 100
	}
	ch := make(chan types.DecisionEvent, buf)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[ch] = subscription{minRank: actionRank[minAction]}
	return ch
}

func (b *Broker) Unsubscribe(ch chan types.DecisionEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Publish never blocks; a full subscriber misses the decision.
func (b *Broker) Publish(ev types.DecisionEvent) {
	rank := actionRank[ev.Action]
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, sub := range b.subs {
		if rank < sub.minRank {
			continue
		}
		select {
		case ch <- ev:
		default:
			count := b.dropped.Add(1)
			if count == 1 || count%100 == 0 {
				b.logger.Warn("events: dropped decision for slow subscriber", "url", ev.URL, "total_dropped", count)
			}
		}
	}
}

// AppendDecision lets the broker sit in a composite sink.
func (b *Broker) AppendDecision(_ context.Context, ev types.DecisionEvent) error {
	b.Publish(ev)
	return nil
}

// Close closes every subscriber channel. Later subscriptions get a closed channel.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for ch := range b.subs {
		close(ch)
	}
	b.subs = make(map[chan types.DecisionEvent]subscription)
	return nil
}

func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// DroppedCount returns the total number of decisions dropped due to slow subscribers.
func (b *Broker) DroppedCount() int64 {
	return b.dropped.Load()
}
