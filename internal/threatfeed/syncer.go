package threatfeed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/jonboulle/clockwork"

	"github.com/phishguard/phishguard/internal/config"
)

const maxFeedSize = 100 * 1024 * 1024 // 100 MB

// ErrFetch is returned by Sync when sources are configured and none of them
// could be read. It is transient; the caller may retry.
var ErrFetch = errors.New("threat feed fetch failed")

var (
	errNotModified = errors.New("not modified")
	errTruncated   = errors.New("feed exceeds maximum size, skipping to avoid partial data")
)

// SyncResult summarizes one sync pass.
type SyncResult struct {
	Hosts   int      `json:"hosts"`
	Sources int      `json:"sources"`
	Failed  []string `json:"failed,omitempty"`
}

// Syncer downloads feeds and local lists into a Store. Scheduling is the
// caller's job; Sync performs a single pass.
type Syncer struct {
	store  *Store
	feeds  []config.ThreatFeedEntry
	locals []string
	client *retryablehttp.Client
	clock  clockwork.Clock
	logger *slog.Logger

	mu    sync.Mutex
	etags map[string]string
	// Per-source last-known-good host lists, keyed by feed name or "local:<path>".
	lastGood map[string][]string
	seeded   bool
}

// NewSyncer creates a feed syncer. Pass nil for logger to disable logging and
// nil for clock to use the real clock.
func NewSyncer(store *Store, cfg config.ThreatFeedsConfig, logger *slog.Logger, clock clockwork.Clock) *Syncer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.HTTPClient.Timeout = 30 * time.Second
	rc.Logger = logger
	return &Syncer{
		store:    store,
		feeds:    cfg.Feeds,
		locals:   cfg.LocalLists,
		client:   rc,
		clock:    clock,
		logger:   logger,
		etags:    make(map[string]string),
		lastGood: make(map[string][]string),
	}
}

type sourceResult struct {
	key       string
	hosts     []string
	reachable bool
}

// Sync fetches every configured source once, merges the results and updates the
// store. A failing source falls back to its last-known-good list. The store is
// left untouched only when sources exist, all of them failed and no stale feed
// needs pruning.
func (s *Syncer) Sync(ctx context.Context) (SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pruneStale := s.seedFromStore()

	var results []sourceResult
	for _, feed := range s.feeds {
		results = append(results, s.syncRemote(ctx, feed))
	}
	for _, path := range s.locals {
		results = append(results, s.syncLocal(path))
	}

	now := s.clock.Now()
	merged := make(map[string]FeedEntry)
	res := SyncResult{Sources: len(results)}
	anyReachable := false
	for _, r := range results {
		if r.reachable {
			anyReachable = true
		} else {
			res.Failed = append(res.Failed, r.key)
		}
		for _, h := range r.hosts {
			if _, exists := merged[h]; !exists {
				merged[h] = FeedEntry{FeedName: r.key, AddedAt: now}
			}
		}
	}
	res.Hosts = len(merged)

	if anyReachable || len(results) == 0 || len(merged) > 0 || pruneStale {
		s.store.Update(merged)
		if err := s.store.SaveToDisk(); err != nil {
			s.logger.Warn("threat feed disk save failed", "error", err)
		}
	}
	if anyReachable || len(results) == 0 {
		s.store.MarkRefreshed(now)
	}
	if len(results) > 0 && !anyReachable {
		return res, fmt.Errorf("%w: all %d sources unavailable", ErrFetch, len(results))
	}
	return res, nil
}

// seedFromStore copies disk-loaded feed data into lastGood on the first pass, for
// configured sources only. It reports whether the store holds removed sources.
func (s *Syncer) seedFromStore() bool {
	if s.seeded {
		return false
	}
	s.seeded = true
	configured := make(map[string]struct{}, len(s.feeds)+len(s.locals))
	for _, f := range s.feeds {
		configured[f.Name] = struct{}{}
	}
	for _, p := range s.locals {
		configured[localKey(p)] = struct{}{}
	}
	stale := false
	for name, hosts := range s.store.Snapshot() {
		if _, ok := configured[name]; !ok {
			stale = true
			continue
		}
		if _, ok := s.lastGood[name]; !ok {
			s.lastGood[name] = hosts
		}
	}
	return stale
}

func localKey(path string) string { return "local:" + path }

func (s *Syncer) syncRemote(ctx context.Context, feed config.ThreatFeedEntry) sourceResult {
	hosts, err := s.fetchFeed(ctx, feed)
	switch {
	case err == nil:
		s.lastGood[feed.Name] = hosts
		s.logger.Info("threat feed synced", "feed", feed.Name, "hosts", len(hosts))
		return sourceResult{key: feed.Name, hosts: hosts, reachable: true}
	case errors.Is(err, errNotModified):
		s.logger.Debug("threat feed not modified", "feed", feed.Name)
		return sourceResult{key: feed.Name, hosts: s.lastGood[feed.Name], reachable: true}
	default:
		s.logger.Warn("threat feed fetch failed, using cached data",
			"feed", feed.Name, "url", sanitizeURL(feed.URL), "error", err)
		return sourceResult{key: feed.Name, hosts: s.lastGood[feed.Name]}
	}
}

func (s *Syncer) syncLocal(path string) sourceResult {
	key := localKey(path)
	hosts, err := parseLocalFile(path)
	if err != nil {
		s.logger.Warn("local threat list failed, using cached data", "path", path, "error", err)
		return sourceResult{key: key, hosts: s.lastGood[key]}
	}
	s.lastGood[key] = hosts
	return sourceResult{key: key, hosts: hosts, reachable: true}
}

func (s *Syncer) fetchFeed(ctx context.Context, feed config.ThreatFeedEntry) ([]string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, feed.URL, nil)
	if err != nil {
		return nil, err
	}
	if etag, ok := s.etags[feed.Name]; ok {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return nil, errNotModified
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	// Read one byte past the limit so "exactly at limit" differs from "truncated".
	lr := &io.LimitedReader{R: resp.Body, N: maxFeedSize + 1}
	hosts, err := ParserForFormat(feed.Format).Parse(lr)
	if err != nil {
		return nil, err
	}
	if lr.N == 0 {
		return nil, errTruncated
	}
	if etag := resp.Header.Get("ETag"); etag != "" {
		s.etags[feed.Name] = etag
	}
	return hosts, nil
}

func parseLocalFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return (&DomainListParser{}).Parse(f)
}

// sanitizeURL keeps only scheme and host for logging; feed paths may carry tokens.
func sanitizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid-url>"
	}
	return u.Scheme + "://" + u.Host
}
