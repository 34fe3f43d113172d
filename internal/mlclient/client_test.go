package mlclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phishguard/phishguard/internal/config"
	"github.com/phishguard/phishguard/internal/urlcheck"
)

type fakePredictor struct {
	predictHits atomic.Int32
	healthHits  atomic.Int32
	predict     http.HandlerFunc
	health      http.HandlerFunc
}

func (f *fakePredictor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/predict":
		f.predictHits.Add(1)
		f.predict(w, r)
	case "/health":
		f.healthHits.Add(1)
		if f.health == nil {
			w.Write([]byte(`{"status":"healthy","model_loaded":true,"version":"1.0.0"}`))
			return
		}
		f.health(w, r)
	default:
		http.NotFound(w, r)
	}
}

func respond(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}
}

func newTestClient(t *testing.T, fp *fakePredictor, clk clockwork.Clock, mutate ...func(*config.MLConfig)) *Client {
	t.Helper()
	srv := httptest.NewServer(fp)
	t.Cleanup(srv.Close)
	cfg := config.Default().ML
	cfg.Endpoint = srv.URL + "/predict"
	cfg.HealthURL = srv.URL + "/health"
	cfg.Timeout = time.Second
	for _, m := range mutate {
		m(&cfg)
	}
	return New(cfg, WithClock(clk), WithHTTPClient(srv.Client()))
}

func TestPredict_Success(t *testing.T) {
	fp := &fakePredictor{predict: func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Write([]byte(`{"url":"x","prediction":1,"confidence":0.95,"probability":0.95,"features":{}}`))
	}}
	c := newTestClient(t, fp, clockwork.NewFakeClock())

	p, err := c.Predict(context.Background(), "https://evil.tk/")
	require.NoError(t, err)
	assert.True(t, p.Phishing)
	assert.InDelta(t, 0.95, p.Probability, 1e-9)
	action, conf := p.Decide(c.Thresholds())
	assert.Equal(t, urlcheck.ActionBlock, action)
	assert.Equal(t, urlcheck.ConfidenceHigh, conf)
	assert.Equal(t, 0, c.Health().ConsecutiveFailures)
}

func TestPredict_FailureKinds(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    error
	}{
		{"server error", respond(500, `{"error":"boom"}`), ErrHTTPStatus},
		{"unavailable", respond(503, `{"error":"Model not available"}`), ErrHTTPStatus},
		{"not json", respond(200, `<html>`), ErrInvalidResponse},
		{"missing confidence", respond(200, `{"prediction":1}`), ErrInvalidResponse},
		{"confidence out of range", respond(200, `{"prediction":1,"confidence":1.7}`), ErrInvalidResponse},
		{"bad label", respond(200, `{"prediction":2,"confidence":0.5}`), ErrInvalidResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, &fakePredictor{predict: tt.handler}, clockwork.NewFakeClock())
			_, err := c.Predict(context.Background(), "https://example.org/")
			assert.ErrorIs(t, err, tt.want)
			h := c.Health()
			assert.Equal(t, 1, h.ConsecutiveFailures)
			assert.True(t, h.Enabled, "one failure must not open the circuit")
		})
	}
}

func TestPredict_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL + "/predict"
	srv.Close()

	cfg := config.Default().ML
	cfg.Endpoint = endpoint
	c := New(cfg)
	_, err := c.Predict(context.Background(), "https://example.org/")
	assert.ErrorIs(t, err, ErrTransport)
}

func TestPredict_TimeoutDiscardsLateResponse(t *testing.T) {
	release := make(chan struct{})
	fp := &fakePredictor{predict: func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
		w.Write([]byte(`{"prediction":0,"confidence":0.01}`))
	}}
	c := newTestClient(t, fp, clockwork.NewFakeClock(), func(m *config.MLConfig) { m.Timeout = 30 * time.Millisecond })

	_, err := c.Predict(context.Background(), "https://example.org/")
	require.ErrorIs(t, err, ErrTimeout)
	close(release)
	time.Sleep(50 * time.Millisecond)

	h := c.Health()
	assert.Equal(t, 1, h.ConsecutiveFailures, "late response must not reset the failure count")
	assert.True(t, h.Enabled)
}

func TestPredict_CallerCancelIsNotAFailure(t *testing.T) {
	release := make(chan struct{})
	fp := &fakePredictor{predict: func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}}
	c := newTestClient(t, fp, clockwork.NewFakeClock())
	// Registered after the server, so it runs before the server is closed.
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := c.Predict(ctx, "https://example.org/")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, c.Health().ConsecutiveFailures)
}

func TestCircuit_OpensAfterThresholdAndSkipsNetwork(t *testing.T) {
	fp := &fakePredictor{predict: respond(500, `{}`)}
	c := newTestClient(t, fp, clockwork.NewFakeClock())

	for i := 0; i < 3; i++ {
		_, err := c.Predict(context.Background(), "https://example.org/")
		require.ErrorIs(t, err, ErrHTTPStatus)
	}
	assert.False(t, c.Health().Enabled)
	assert.False(t, c.Available())
	gen := c.Breaker().Generation()

	for i := 0; i < 5; i++ {
		_, err := c.Predict(context.Background(), "https://example.org/")
		assert.ErrorIs(t, err, ErrCircuitOpen)
	}
	assert.Equal(t, int32(3), fp.predictHits.Load(), "no network I/O while open")
	assert.Equal(t, gen, c.Breaker().Generation())
}

func TestCircuit_ProbeClosesAfterCooldown(t *testing.T) {
	clk := clockwork.NewFakeClock()
	fp := &fakePredictor{predict: respond(500, `{}`)}
	c := newTestClient(t, fp, clk)

	for i := 0; i < 3; i++ {
		c.Predict(context.Background(), "https://example.org/")
	}
	require.False(t, c.Available())

	_, err := c.Probe(context.Background())
	assert.ErrorIs(t, err, ErrProbeCooldown)
	assert.Equal(t, int32(0), fp.healthHits.Load())

	clk.Advance(31 * time.Second)
	rep, err := c.Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", rep.Version)
	assert.True(t, c.Available())
	h := c.Health()
	assert.Zero(t, h.ConsecutiveFailures)
	assert.Equal(t, clk.Now(), h.LastProbeAt)
}

func TestCircuit_ModelNotLoadedKeepsOpen(t *testing.T) {
	clk := clockwork.NewFakeClock()
	fp := &fakePredictor{
		predict: respond(500, `{}`),
		health:  respond(200, `{"status":"healthy","model_loaded":false}`),
	}
	c := newTestClient(t, fp, clk)
	for i := 0; i < 3; i++ {
		c.Predict(context.Background(), "https://example.org/")
	}
	clk.Advance(time.Minute)

	_, err := c.Probe(context.Background())
	assert.ErrorIs(t, err, ErrInvalidResponse)
	assert.False(t, c.Available())
	assert.Contains(t, c.Health().LastError, "model not loaded")
}

func TestCheck_DoesNotTouchBreaker(t *testing.T) {
	fp := &fakePredictor{predict: respond(500, `{}`)}
	c := newTestClient(t, fp, clockwork.NewFakeClock())
	for i := 0; i < 3; i++ {
		c.Predict(context.Background(), "https://example.org/")
	}
	rep, err := c.Check(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Healthy())
	assert.False(t, c.Available())
}

func TestConfigure_EndpointChangeResetsBreaker(t *testing.T) {
	fp := &fakePredictor{predict: respond(500, `{}`)}
	c := newTestClient(t, fp, clockwork.NewFakeClock())
	for i := 0; i < 3; i++ {
		c.Predict(context.Background(), "https://example.org/")
	}
	require.False(t, c.Available())

	cfg := config.Default().ML
	cfg.Endpoint = "http://other-predictor:5000/predict"
	c.Configure(cfg)
	assert.True(t, c.Available())
	assert.Equal(t, "other-predictor", c.EndpointHost())

	off := false
	cfg.Enabled = &off
	c.Configure(cfg)
	assert.False(t, c.Available())
	_, err := c.Predict(context.Background(), "https://example.org/")
	assert.ErrorIs(t, err, ErrDisabled)
}
