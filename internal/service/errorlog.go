package service

import (
	"sync"
	"time"
)

// ErrorLogEntry is one fault reported at the evaluation boundary or by a job.
type ErrorLogEntry struct {
	Timestamp   time.Time     `json:"timestamp"`
	OperationID string        `json:"operationId,omitempty"`
	Kind        OperationKind `json:"kind"`
	URL         string        `json:"url,omitempty"`
	Error       string        `json:"error"`
}

// errorLog keeps the most recent entries, oldest first.
type errorLog struct {
	mu      sync.Mutex
	size    int
	entries []ErrorLogEntry
}

func newErrorLog(size int) *errorLog {
	if size <= 0 {
		size = 100
	}
	return &errorLog{size: size}
}

func (l *errorLog) add(e ErrorLogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	if n := len(l.entries) - l.size; n > 0 {
		l.entries = append([]ErrorLogEntry(nil), l.entries[n:]...)
	}
}

// prune drops entries older than cutoff and returns how many were removed.
func (l *errorLog) prune(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.entries[:0]
	for _, e := range l.entries {
		if !e.Timestamp.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	removed := len(l.entries) - len(kept)
	l.entries = kept
	return removed
}

func (l *errorLog) snapshot() []ErrorLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ErrorLogEntry{}, l.entries...)
}

func (l *errorLog) restore(entries []ErrorLogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := len(entries) - l.size; n > 0 {
		entries = entries[n:]
	}
	l.entries = append([]ErrorLogEntry(nil), entries...)
}
