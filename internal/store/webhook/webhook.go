package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/phishguard/phishguard/pkg/observability"
	"github.com/phishguard/phishguard/pkg/types"
)

// Store batches decisions and posts them as a JSON array. A batch is sent when it
// reaches batchSize or when an append arrives after flushInterval has elapsed.
type Store struct {
	url           string
	batchSize     int
	flushInterval time.Duration
	timeout       time.Duration
	headers       map[string]string

	client *http.Client
	clock  clockwork.Clock

	mu        sync.Mutex
	buf       []types.DecisionEvent
	lastFlush time.Time
	closed    bool
}

type Option func(*Store)

func WithClock(c clockwork.Clock) Option { return func(s *Store) { s.clock = c } }

func New(url string, batchSize int, flushInterval time.Duration, timeout time.Duration, headers map[string]string, opts ...Option) (*Store, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook url is empty")
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 10 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	hcopy := map[string]string{}
	for k, v := range headers {
		hcopy[k] = v
	}
	s := &Store{
		url:           url,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		timeout:       timeout,
		headers:       hcopy,
		client:        &http.Client{Timeout: timeout},
		clock:         clockwork.NewRealClock(),
	}
	for _, o := range opts {
		o(s)
	}
	s.lastFlush = s.clock.Now()
	return s, nil
}

func (s *Store) AppendDecision(ctx context.Context, ev types.DecisionEvent) error {
	var toFlush []types.DecisionEvent

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("webhook store closed")
	}
	s.buf = append(s.buf, ev)
	now := s.clock.Now()
	if len(s.buf) >= s.batchSize || now.Sub(s.lastFlush) >= s.flushInterval {
		toFlush = s.buf
		s.buf = nil
		s.lastFlush = now
	}
	s.mu.Unlock()

	if len(toFlush) == 0 {
		return nil
	}
	return s.flush(ctx, toFlush)
}

// Flush sends whatever is buffered.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	toFlush := s.buf
	s.buf = nil
	s.lastFlush = s.clock.Now()
	s.mu.Unlock()
	if len(toFlush) == 0 {
		return nil
	}
	return s.flush(ctx, toFlush)
}

func (s *Store) Close() error {
	var toFlush []types.DecisionEvent
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	toFlush, s.buf = s.buf, nil
	s.mu.Unlock()

	if len(toFlush) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.flush(ctx, toFlush)
}

func (s *Store) flush(ctx context.Context, batch []types.DecisionEvent) (err error) {
	ctx, span := observability.WebhookSpan(ctx, s.url)
	defer span.End()
	status := 0
	defer func() { observability.RecordWebhookResult(span, status, err) }()

	b, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	status = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook responded %s", resp.Status)
	}
	return nil
}
