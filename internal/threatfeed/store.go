// Package threatfeed maintains the known-bad host cache consulted before any
// scoring: hosts from downloaded phishing feeds plus hosts the service itself
// confirmed with a confident block.
package threatfeed

import (
	"encoding/gob"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ConfirmedSource is the feed name reported for hosts confirmed by the service.
const ConfirmedSource = "confirmed"

// FeedEntry records which source flagged a host and when.
type FeedEntry struct {
	FeedName      string    `json:"feed"`
	AddedAt       time.Time `json:"addedAt"`
	MatchedDomain string    `json:"matchedDomain,omitempty"` // set by Check
}

// PhishingCache is the persisted form of the confirmed-host set.
type PhishingCache struct {
	Hosts       map[string]time.Time `json:"hosts"`
	LastRefresh time.Time            `json:"lastRefresh"`
}

// Store is a thread-safe in-memory set of known-bad hosts.
type Store struct {
	mu          sync.RWMutex
	feed        map[string]FeedEntry
	confirmed   map[string]time.Time
	lastRefresh time.Time
	allowlist   map[string]struct{}
	cacheDir    string

	generation atomic.Uint64
}

func NewStore(cacheDir string, allowlist []string) *Store {
	al := make(map[string]struct{}, len(allowlist))
	for _, d := range allowlist {
		if d = normalizeHost(d); d != "" {
			al[d] = struct{}{}
		}
	}
	return &Store{
		feed:      make(map[string]FeedEntry),
		confirmed: make(map[string]time.Time),
		allowlist: al,
		cacheDir:  cacheDir,
	}
}

func normalizeHost(h string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(h), "."))
}

// Check returns the entry for host or its closest listed parent. Allowlisted
// hosts (and hosts under an allowlisted parent) never match.
func (s *Store) Check(host string) (FeedEntry, bool) {
	host = normalizeHost(host)
	if host == "" {
		return FeedEntry{}, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for d := host; d != ""; {
		if _, ok := s.allowlist[d]; ok {
			return FeedEntry{}, false
		}
		if at, ok := s.confirmed[d]; ok {
			return FeedEntry{FeedName: ConfirmedSource, AddedAt: at, MatchedDomain: d}, true
		}
		if entry, ok := s.feed[d]; ok {
			entry.MatchedDomain = d
			return entry, true
		}
		idx := strings.Index(d, ".")
		if idx < 0 {
			break
		}
		d = d[idx+1:]
		// Never match on a bare TLD.
		if !strings.Contains(d, ".") {
			break
		}
	}
	return FeedEntry{}, false
}

// Update atomically replaces the feed host set. Confirmed hosts are kept.
func (s *Store) Update(domains map[string]FeedEntry) {
	s.mu.Lock()
	s.feed = domains
	s.mu.Unlock()
	s.generation.Add(1)
}

// Confirm adds a host to the confirmed set. It reports whether the host was new.
func (s *Store) Confirm(host string, at time.Time) bool {
	host = normalizeHost(host)
	if host == "" {
		return false
	}
	if _, ok := s.allowlist[host]; ok {
		return false
	}
	s.mu.Lock()
	_, exists := s.confirmed[host]
	if !exists {
		s.confirmed[host] = at
	}
	s.mu.Unlock()
	if !exists {
		s.generation.Add(1)
	}
	return !exists
}

// Prune drops confirmed hosts added before cutoff and returns how many were removed.
func (s *Store) Prune(cutoff time.Time) int {
	s.mu.Lock()
	n := 0
	for h, at := range s.confirmed {
		if at.Before(cutoff) {
			delete(s.confirmed, h)
			n++
		}
	}
	s.mu.Unlock()
	if n > 0 {
		s.generation.Add(1)
	}
	return n
}

// MarkRefreshed records the time of the last successful feed refresh.
func (s *Store) MarkRefreshed(at time.Time) {
	s.mu.Lock()
	s.lastRefresh = at
	s.mu.Unlock()
}

// Cache returns a copy of the confirmed set for persistence.
func (s *Store) Cache() PhishingCache {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hosts := make(map[string]time.Time, len(s.confirmed))
	for h, at := range s.confirmed {
		hosts[h] = at
	}
	return PhishingCache{Hosts: hosts, LastRefresh: s.lastRefresh}
}

// Restore replaces the confirmed set with a persisted cache.
func (s *Store) Restore(c PhishingCache) {
	hosts := make(map[string]time.Time, len(c.Hosts))
	for h, at := range c.Hosts {
		if h = normalizeHost(h); h != "" {
			hosts[h] = at
		}
	}
	s.mu.Lock()
	s.confirmed = hosts
	s.lastRefresh = c.LastRefresh
	s.mu.Unlock()
	s.generation.Add(1)
}

// Generation changes whenever the set of matching hosts may have changed.
func (s *Store) Generation() uint64 { return s.generation.Load() }

// Size returns the number of feed hosts plus confirmed hosts.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.feed) + len(s.confirmed)
}

// Snapshot returns the feed hosts grouped by feed name.
func (s *Store) Snapshot() map[string][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	grouped := make(map[string][]string)
	for domain, entry := range s.feed {
		grouped[entry.FeedName] = append(grouped[entry.FeedName], domain)
	}
	return grouped
}

type diskCache struct {
	Domains map[string]FeedEntry
}

const cacheFileName = "feeds.cache"

// SaveToDisk persists the feed host set so a restart does not wait for the
// first download.
func (s *Store) SaveToDisk() error {
	if s.cacheDir == "" {
		return nil
	}
	if err := os.MkdirAll(s.cacheDir, 0o755); err != nil {
		return err
	}

	s.mu.RLock()
	cache := diskCache{Domains: s.feed}
	s.mu.RUnlock()

	path := filepath.Join(s.cacheDir, cacheFileName)
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(f).Encode(&cache); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// LoadFromDisk loads a previously persisted feed host set. A missing file is not an error.
func (s *Store) LoadFromDisk() error {
	if s.cacheDir == "" {
		return nil
	}
	f, err := os.Open(filepath.Join(s.cacheDir, cacheFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	var cache diskCache
	if err := gob.NewDecoder(f).Decode(&cache); err != nil {
		return err
	}
	if cache.Domains == nil {
		cache.Domains = make(map[string]FeedEntry)
	}
	s.Update(cache.Domains)
	return nil
}
