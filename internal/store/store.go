// Package store defines the persistence contracts: a small key-value store for
// service state and sinks that receive every decision.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/phishguard/phishguard/pkg/types"
)

// Well-known KV keys.
const (
	KeyStats         = "stats"
	KeyMLConfig      = "mlConfig"
	KeyErrorLogs     = "errorLogs"
	KeyPhishingCache = "phishingCache"
)

// ErrPersistence marks a failed read or write of durable state. It is transient:
// in-memory state stays authoritative and the caller may retry.
var ErrPersistence = errors.New("persistence failure")

// KV stores JSON-encoded values by key.
type KV interface {
	// Get decodes the value stored under key into v and reports whether it existed.
	Get(ctx context.Context, key string, v any) (bool, error)
	Put(ctx context.Context, key string, v any) error
	Close() error
}

type DecisionSink interface {
	AppendDecision(ctx context.Context, ev types.DecisionEvent) error
	Close() error
}

type DecisionQuerier interface {
	QueryDecisions(ctx context.Context, q types.DecisionQuery) ([]types.DecisionEvent, error)
}

// MemoryKV is a KV held in process memory. It is used when no database is
// configured and in tests.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

func (m *MemoryKV) Get(_ context.Context, key string, v any) (bool, error) {
	m.mu.RLock()
	b, ok := m.data[key]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		return true, fmt.Errorf("%w: decode %s: %v", ErrPersistence, key, err)
	}
	return true, nil
}

func (m *MemoryKV) Put(_ context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrPersistence, key, err)
	}
	m.mu.Lock()
	m.data[key] = b
	m.mu.Unlock()
	return nil
}

func (m *MemoryKV) Close() error { return nil }
