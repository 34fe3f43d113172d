package threatfeed

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phishguard/phishguard/internal/config"
)

func newTestSyncer(store *Store, cfg config.ThreatFeedsConfig) *Syncer {
	s := NewSyncer(store, cfg, nil, clockwork.NewFakeClock())
	s.client.RetryMax = 0
	return s
}

func TestSyncer_FetchesAndPopulatesStore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "0.0.0.0 evil.com")
		fmt.Fprintln(w, "0.0.0.0 bad.org")
	}))
	defer srv.Close()

	store := NewStore("", nil)
	s := newTestSyncer(store, config.ThreatFeedsConfig{
		Feeds: []config.ThreatFeedEntry{{Name: "test-feed", URL: srv.URL, Format: "hostfile"}},
	})

	res, err := s.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Hosts)
	assert.Equal(t, 1, res.Sources)
	assert.Empty(t, res.Failed)

	entry, matched := store.Check("evil.com")
	assert.True(t, matched)
	assert.Equal(t, "test-feed", entry.FeedName)
	_, matched = store.Check("login.bad.org")
	assert.True(t, matched)
	assert.False(t, store.Cache().LastRefresh.IsZero())
}

func TestSyncer_KeepsLastKnownGoodOnFailure(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprintln(w, "evil.com")
	}))
	defer srv.Close()

	store := NewStore("", nil)
	s := newTestSyncer(store, config.ThreatFeedsConfig{
		Feeds: []config.ThreatFeedEntry{{Name: "list", URL: srv.URL, Format: "domain-list"}},
	})

	_, err := s.Sync(context.Background())
	require.NoError(t, err)

	fail.Store(true)
	res, err := s.Sync(context.Background())
	require.ErrorIs(t, err, ErrFetch)
	assert.Equal(t, []string{"list"}, res.Failed)

	_, matched := store.Check("evil.com")
	assert.True(t, matched, "cached hosts survive a failed refresh")
}

func TestSyncer_ETagNotModified(t *testing.T) {
	var hits, conditional atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			conditional.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		fmt.Fprintln(w, "evil.com")
	}))
	defer srv.Close()

	store := NewStore("", nil)
	s := newTestSyncer(store, config.ThreatFeedsConfig{
		Feeds: []config.ThreatFeedEntry{{Name: "list", URL: srv.URL, Format: "domain-list"}},
	})

	_, err := s.Sync(context.Background())
	require.NoError(t, err)
	res, err := s.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, int32(1), conditional.Load())
	assert.Equal(t, 1, res.Hosts)
	_, matched := store.Check("evil.com")
	assert.True(t, matched)
}

func TestSyncer_PartialFailure(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "good-feed.example")
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()

	store := NewStore("", nil)
	s := newTestSyncer(store, config.ThreatFeedsConfig{
		Feeds: []config.ThreatFeedEntry{
			{Name: "good", URL: good.URL, Format: "domain-list"},
			{Name: "bad", URL: bad.URL, Format: "domain-list"},
		},
	})

	res, err := s.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"bad"}, res.Failed)
	_, matched := store.Check("good-feed.example")
	assert.True(t, matched)
}

func TestSyncer_AllFailPreservesDiskCache(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer bad.Close()

	dir := t.TempDir()
	seed := NewStore(dir, nil)
	seed.Update(map[string]FeedEntry{"cached.example": {FeedName: "list"}})
	require.NoError(t, seed.SaveToDisk())

	store := NewStore(dir, nil)
	require.NoError(t, store.LoadFromDisk())
	s := newTestSyncer(store, config.ThreatFeedsConfig{
		Feeds: []config.ThreatFeedEntry{{Name: "list", URL: bad.URL, Format: "domain-list"}},
	})

	_, err := s.Sync(context.Background())
	require.ErrorIs(t, err, ErrFetch)
	_, matched := store.Check("cached.example")
	assert.True(t, matched)
	assert.True(t, store.Cache().LastRefresh.IsZero(), "a failed pass is not a refresh")
}

func TestSyncer_NoSourcesClearsStaleFeeds(t *testing.T) {
	store := NewStore("", nil)
	store.Update(map[string]FeedEntry{"old.example": {FeedName: "removed"}})
	s := newTestSyncer(store, config.ThreatFeedsConfig{})

	res, err := s.Sync(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Hosts)
	_, matched := store.Check("old.example")
	assert.False(t, matched)
}

func TestSyncer_ConfirmedHostsSurviveSync(t *testing.T) {
	store := NewStore("", nil)
	clock := clockwork.NewFakeClock()
	store.Confirm("paypa1-secure-login.tk", clock.Now())
	s := newTestSyncer(store, config.ThreatFeedsConfig{})

	_, err := s.Sync(context.Background())
	require.NoError(t, err)
	entry, matched := store.Check("paypa1-secure-login.tk")
	assert.True(t, matched)
	assert.Equal(t, ConfirmedSource, entry.FeedName)
}

func TestSyncer_LocalLists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blocked.txt")
	require.NoError(t, os.WriteFile(path, []byte("# local\nlocal-bad.example\n"), 0o644))

	store := NewStore("", nil)
	s := newTestSyncer(store, config.ThreatFeedsConfig{LocalLists: []string{path}})

	res, err := s.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Hosts)
	entry, matched := store.Check("local-bad.example")
	assert.True(t, matched)
	assert.Equal(t, "local:"+path, entry.FeedName)

	require.NoError(t, os.Remove(path))
	_, err = s.Sync(context.Background())
	require.ErrorIs(t, err, ErrFetch)
	_, matched = store.Check("local-bad.example")
	assert.True(t, matched, "a missing local list keeps its last contents")
}

func TestSyncer_URLListFormat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "https://phish.example/login?x=1")
		fmt.Fprintln(w, "http://other.example:8080/verify")
	}))
	defer srv.Close()

	store := NewStore("", nil)
	s := newTestSyncer(store, config.ThreatFeedsConfig{
		Feeds: []config.ThreatFeedEntry{{Name: "urls", URL: srv.URL, Format: "url-list"}},
	})

	_, err := s.Sync(context.Background())
	require.NoError(t, err)
	_, matched := store.Check("phish.example")
	assert.True(t, matched)
	_, matched = store.Check("other.example")
	assert.True(t, matched)
}

func TestSanitizeURL(t *testing.T) {
	assert.Equal(t, "https://feeds.example", sanitizeURL("https://feeds.example/list?token=secret"))
	assert.Equal(t, "<invalid-url>", sanitizeURL("://bad"))
}
