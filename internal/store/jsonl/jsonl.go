// Package jsonl appends decisions to a size-rotated JSON-lines file.
package jsonl

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/phishguard/phishguard/pkg/types"
)

type Sink struct {
	path       string
	maxBytes   int64
	maxBackups int

	mu   sync.Mutex
	file *os.File
	size int64
}

func New(path string, maxSizeMB int, maxBackups int) (*Sink, error) {
	if path == "" {
		return nil, fmt.Errorf("jsonl path is empty")
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 100
	}
	if maxBackups <= 0 {
		maxBackups = 3
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir log dir: %w", err)
	}

	s := &Sink{
		path:       path,
		maxBytes:   int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
	}
	if err := s.openLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sink) AppendDecision(_ context.Context, ev types.DecisionEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return fmt.Errorf("jsonl sink closed")
	}
	if s.size >= s.maxBytes {
		if err := s.rotateLocked(); err != nil {
			return err
		}
	}
	n, err := s.file.Write(b)
	s.size += int64(n)
	if err != nil {
		return fmt.Errorf("write jsonl: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *Sink) openLocked() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open jsonl: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat jsonl: %w", err)
	}
	s.file = f
	s.size = st.Size()
	return nil
}

// rotateLocked shifts path.N to path.N+1, dropping the oldest, then reopens path.
func (s *Sink) rotateLocked() error {
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close for rotate: %w", err)
	}
	s.file = nil
	_ = os.Remove(fmt.Sprintf("%s.%d", s.path, s.maxBackups))
	for i := s.maxBackups - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", s.path, i)
		if _, err := os.Stat(from); err == nil {
			_ = os.Rename(from, fmt.Sprintf("%s.%d", s.path, i+1))
		}
	}
	_ = os.Rename(s.path, s.path+".1")
	return s.openLocked()
}
