// Package mlclient talks to the external phishing prediction service. It bounds
// every call with a timeout, normalizes responses and guards the service with a
// circuit breaker that only a health probe can close.
package mlclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/phishguard/phishguard/internal/config"
	"github.com/phishguard/phishguard/pkg/observability"
)

var (
	ErrTimeout         = errors.New("ml request timed out")
	ErrTransport       = errors.New("ml transport failure")
	ErrHTTPStatus      = errors.New("ml unexpected http status")
	ErrInvalidResponse = errors.New("ml invalid response")
	ErrCircuitOpen     = errors.New("ml circuit open")
	ErrDisabled        = errors.New("ml disabled")
	ErrProbeCooldown   = errors.New("ml probe cooldown")
)

const maxResponseBytes = 64 << 10

type settings struct {
	enabled    bool
	endpoint   string
	healthURL  string
	timeout    time.Duration
	thresholds Thresholds
}

// Client is safe for concurrent use.
type Client struct {
	http    *http.Client
	breaker *Breaker
	clock   clockwork.Clock
	logger  *slog.Logger

	cfg atomic.Pointer[settings]
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }
func WithLogger(l *slog.Logger) Option     { return func(c *Client) { c.logger = l } }
func WithClock(clk clockwork.Clock) Option { return func(c *Client) { c.clock = clk } }

func New(cfg config.MLConfig, opts ...Option) *Client {
	c := &Client{}
	for _, o := range opts {
		o(c)
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c.breaker = NewBreaker(cfg.FailureThreshold, cfg.ProbeCooldown, c.clock)
	c.cfg.Store(toSettings(cfg))
	return c
}

func toSettings(cfg config.MLConfig) *settings {
	s := &settings{
		enabled:    cfg.Active() && cfg.Endpoint != "",
		endpoint:   cfg.Endpoint,
		healthURL:  cfg.HealthURL,
		timeout:    cfg.Timeout,
		thresholds: Thresholds{Block: cfg.BlockConfidence, Warn: cfg.WarnConfidence},
	}
	if s.timeout <= 0 {
		s.timeout = 5 * time.Second
	}
	if s.thresholds.Block <= 0 {
		s.thresholds.Block = DefaultThresholds.Block
	}
	if s.thresholds.Warn <= 0 {
		s.thresholds.Warn = DefaultThresholds.Warn
	}
	return s
}

// Configure swaps in a new configuration. Changing the endpoint resets the breaker.
func (c *Client) Configure(cfg config.MLConfig) {
	next := toSettings(cfg)
	prev := c.cfg.Swap(next)
	c.breaker.SetLimits(cfg.FailureThreshold, cfg.ProbeCooldown)
	if prev == nil || prev.endpoint != next.endpoint || prev.healthURL != next.healthURL {
		c.breaker.Reset()
	}
}

// Enabled reports whether prediction is switched on by configuration.
func (c *Client) Enabled() bool { return c.cfg.Load().enabled }

// Available reports whether Predict would reach the network.
func (c *Client) Available() bool { return c.Enabled() && c.breaker.Allow() }

func (c *Client) Thresholds() Thresholds { return c.cfg.Load().thresholds }

func (c *Client) Breaker() *Breaker { return c.breaker }

func (c *Client) Health() HealthState { return c.breaker.Snapshot() }

// EndpointHost returns the lowercase host of the prediction endpoint.
func (c *Client) EndpointHost() string {
	u, err := url.Parse(c.cfg.Load().endpoint)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

type predictRequest struct {
	URL string `json:"url"`
}

type callResult struct {
	p      Prediction
	status int
	err    error
}

// Predict asks the service for a phishing probability. The call runs in its own
// goroutine so a response arriving after the deadline is dropped without touching
// breaker state.
func (c *Client) Predict(ctx context.Context, rawURL string) (Prediction, error) {
	s := c.cfg.Load()
	if !s.enabled {
		return Prediction{}, ErrDisabled
	}
	if !c.breaker.Allow() {
		return Prediction{}, ErrCircuitOpen
	}

	ctx, span := observability.MLSpan(ctx, observability.OpMLPredict, s.endpoint)
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := c.clock.Now()
	ch := make(chan callResult, 1)
	go func() {
		ch <- c.post(callCtx, s.endpoint, rawURL)
	}()

	var res callResult
	select {
	case res = <-ch:
		if res.err != nil && ctx.Err() != nil {
			return Prediction{}, ctx.Err()
		}
		if res.err != nil && callCtx.Err() == context.DeadlineExceeded {
			res.err = fmt.Errorf("%w after %s", ErrTimeout, s.timeout)
		}
	case <-callCtx.Done():
		if ctx.Err() != nil {
			// Cancelled by the caller.
			return Prediction{}, ctx.Err()
		}
		res.err = fmt.Errorf("%w after %s", ErrTimeout, s.timeout)
	}
	observability.RecordMLResult(span, res.status, c.clock.Since(start), res.err)

	if res.err != nil {
		if c.breaker.RecordFailure(res.err) {
			c.logger.Warn("ml circuit opened", "endpoint", s.endpoint, "failures", c.breaker.Snapshot().ConsecutiveFailures, "error", res.err)
		} else {
			c.logger.Debug("ml predict failed", "endpoint", s.endpoint, "error", res.err)
		}
		return Prediction{}, res.err
	}
	c.breaker.RecordSuccess()
	return res.p, nil
}

func (c *Client) post(ctx context.Context, endpoint, rawURL string) callResult {
	body, err := json.Marshal(predictRequest{URL: rawURL})
	if err != nil {
		return callResult{err: fmt.Errorf("%w: encode request: %v", ErrTransport, err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return callResult{err: fmt.Errorf("%w: %v", ErrTransport, err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return callResult{err: fmt.Errorf("%w: %v", ErrTransport, err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return callResult{status: resp.StatusCode, err: fmt.Errorf("%w: read body: %v", ErrTransport, err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return callResult{status: resp.StatusCode, err: fmt.Errorf("%w: %d", ErrHTTPStatus, resp.StatusCode)}
	}
	p, err := ParseResponse(data)
	return callResult{p: p, status: resp.StatusCode, err: err}
}

// Probe checks the health endpoint and records the outcome on the breaker. It is
// the only way an open circuit closes, and it waits out the cooldown after opening.
func (c *Client) Probe(ctx context.Context) (HealthReport, error) {
	s := c.cfg.Load()
	if !s.enabled {
		return HealthReport{}, ErrDisabled
	}
	if !c.breaker.ProbeDue() {
		return HealthReport{}, ErrProbeCooldown
	}
	rep, err := c.check(ctx, s)
	healthy := err == nil && rep.Healthy()
	if err == nil && !healthy {
		err = fmt.Errorf("%w: health status %d", ErrHTTPStatus, rep.StatusCode)
		if rep.StatusCode == http.StatusOK {
			err = fmt.Errorf("%w: model not loaded", ErrInvalidResponse)
		}
	}
	if c.breaker.RecordProbe(healthy, err) {
		c.logger.Info("ml circuit closed", "endpoint", s.endpoint, "version", rep.Version)
	}
	return rep, err
}

// Check queries the health endpoint without changing breaker state.
func (c *Client) Check(ctx context.Context) (HealthReport, error) {
	s := c.cfg.Load()
	if s.healthURL == "" {
		return HealthReport{}, fmt.Errorf("%w: no health url configured", ErrDisabled)
	}
	return c.check(ctx, s)
}

func (c *Client) check(ctx context.Context, s *settings) (HealthReport, error) {
	if s.healthURL == "" {
		return HealthReport{}, fmt.Errorf("%w: no health url configured", ErrDisabled)
	}
	ctx, span := observability.MLSpan(ctx, observability.OpMLProbe, s.healthURL)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := c.clock.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.healthURL, nil)
	if err != nil {
		return HealthReport{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s", ErrTimeout, s.timeout)
		} else {
			err = fmt.Errorf("%w: %v", ErrTransport, err)
		}
		observability.RecordMLResult(span, 0, c.clock.Since(start), err)
		return HealthReport{}, err
	}
	defer resp.Body.Close()

	var rep HealthReport
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	// The body is optional; a non-JSON body leaves the fields empty.
	_ = json.Unmarshal(data, &rep)
	rep.StatusCode = resp.StatusCode
	rep.LatencyMS = c.clock.Since(start).Milliseconds()
	observability.RecordMLResult(span, resp.StatusCode, c.clock.Since(start), nil)
	return rep, nil
}
