package threatfeed

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_ExactMatch(t *testing.T) {
	s := NewStore("", nil)
	s.Update(map[string]FeedEntry{
		"evil.com": {FeedName: "urlhaus", AddedAt: time.Now()},
	})
	entry, matched := s.Check("evil.com")
	assert.True(t, matched)
	assert.Equal(t, "urlhaus", entry.FeedName)
}

func TestStore_NoMatch(t *testing.T) {
	s := NewStore("", nil)
	s.Update(map[string]FeedEntry{
		"evil.com": {FeedName: "urlhaus", AddedAt: time.Now()},
	})
	_, matched := s.Check("safe.com")
	assert.False(t, matched)
}

func TestStore_ParentDomainMatch(t *testing.T) {
	s := NewStore("", nil)
	s.Update(map[string]FeedEntry{
		"evil.com": {FeedName: "urlhaus", AddedAt: time.Now()},
	})
	entry, matched := s.Check("sub.evil.com")
	assert.True(t, matched)
	assert.Equal(t, "evil.com", entry.MatchedDomain)
}

func TestStore_DeepSubdomainMatch(t *testing.T) {
	s := NewStore("", nil)
	s.Update(map[string]FeedEntry{
		"evil.com": {FeedName: "urlhaus", AddedAt: time.Now()},
	})
	entry, matched := s.Check("a.b.c.evil.com")
	assert.True(t, matched)
	assert.Equal(t, "evil.com", entry.MatchedDomain)
}

func TestStore_AllowlistOverride(t *testing.T) {
	s := NewStore("", []string{"legit.evil.com"})
	s.Update(map[string]FeedEntry{
		"evil.com": {FeedName: "urlhaus", AddedAt: time.Now()},
	})
	_, matched := s.Check("legit.evil.com")
	assert.False(t, matched, "allowlisted domain should not match")

	_, matched = s.Check("other.evil.com")
	assert.True(t, matched)
}

func TestStore_CaseInsensitive(t *testing.T) {
	s := NewStore("", nil)
	s.Update(map[string]FeedEntry{
		"evil.com": {FeedName: "urlhaus", AddedAt: time.Now()},
	})
	_, matched := s.Check("EVIL.COM")
	assert.True(t, matched)
}

func TestStore_EmptyStore(t *testing.T) {
	s := NewStore("", nil)
	_, matched := s.Check("anything.com")
	assert.False(t, matched)
}

func TestStore_AtomicUpdate(t *testing.T) {
	s := NewStore("", nil)
	s.Update(map[string]FeedEntry{
		"old.com": {FeedName: "feed1", AddedAt: time.Now()},
	})
	s.Update(map[string]FeedEntry{
		"new.com": {FeedName: "feed2", AddedAt: time.Now()},
	})
	_, matched := s.Check("old.com")
	assert.False(t, matched, "old entries should be gone after update")
	_, matched = s.Check("new.com")
	assert.True(t, matched)
}

func TestStore_ConcurrentAccess(t *testing.T) {
	s := NewStore("", nil)
	s.Update(map[string]FeedEntry{
		"evil.com": {FeedName: "urlhaus", AddedAt: time.Now()},
	})
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Check("evil.com")
		}()
		go func() {
			defer wg.Done()
			s.Update(map[string]FeedEntry{
				"evil.com": {FeedName: "urlhaus", AddedAt: time.Now()},
			})
		}()
	}
	wg.Wait()
}

func TestStore_DiskRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s1 := NewStore(dir, []string{"safe.com"})
	s1.Update(map[string]FeedEntry{
		"evil.com":    {FeedName: "urlhaus", AddedAt: time.Now()},
		"phishing.io": {FeedName: "phishdb", AddedAt: time.Now()},
	})
	err := s1.SaveToDisk()
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "feeds.cache"))
	require.NoError(t, err)

	s2 := NewStore(dir, []string{"safe.com"})
	err = s2.LoadFromDisk()
	require.NoError(t, err)

	entry, matched := s2.Check("evil.com")
	assert.True(t, matched)
	assert.Equal(t, "urlhaus", entry.FeedName)

	entry, matched = s2.Check("phishing.io")
	assert.True(t, matched)
	assert.Equal(t, "phishdb", entry.FeedName)
}

func TestStore_LoadFromDisk_NoFile(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, nil)
	err := s.LoadFromDisk()
	assert.NoError(t, err, "missing cache file should not be an error")
}

func TestStore_Size(t *testing.T) {
	s := NewStore("", nil)
	assert.Equal(t, 0, s.Size())
	s.Update(map[string]FeedEntry{
		"a.com": {FeedName: "f1", AddedAt: time.Now()},
		"b.com": {FeedName: "f2", AddedAt: time.Now()},
	})
	assert.Equal(t, 2, s.Size())
}

func TestStore_AllowlistOverridesParentDomain(t *testing.T) {
	s := NewStore("", []string{"evil.com"})
	s.Update(map[string]FeedEntry{
		"evil.com": {FeedName: "urlhaus", AddedAt: time.Now()},
	})
	_, matched := s.Check("sub.evil.com")
	assert.False(t, matched, "parent domain is allowlisted, child should not match")
}

func TestStore_TrailingDot(t *testing.T) {
	s := NewStore("", nil)
	s.Update(map[string]FeedEntry{
		"evil.com": {FeedName: "urlhaus", AddedAt: time.Now()},
	})
	_, matched := s.Check("evil.com.")
	assert.True(t, matched, "trailing dot should be stripped")
}

func TestStore_ConfirmedHosts(t *testing.T) {
	s := NewStore("", []string{"safe.example"})
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	gen := s.Generation()
	assert.True(t, s.Confirm("Phish.Example.", at))
	assert.NotEqual(t, gen, s.Generation())
	assert.False(t, s.Confirm("phish.example", at.Add(time.Hour)), "second confirm is a no-op")
	assert.False(t, s.Confirm("safe.example", at), "allowlisted hosts are never confirmed")

	entry, matched := s.Check("login.phish.example")
	require.True(t, matched)
	assert.Equal(t, ConfirmedSource, entry.FeedName)
	assert.Equal(t, "phish.example", entry.MatchedDomain)
	assert.Equal(t, at, entry.AddedAt)

	s.Update(map[string]FeedEntry{})
	_, matched = s.Check("phish.example")
	assert.True(t, matched, "feed updates keep confirmed hosts")
	assert.Equal(t, 1, s.Size())
}

func TestStore_Prune(t *testing.T) {
	s := NewStore("", nil)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.Confirm("old.example", base)
	s.Confirm("new.example", base.Add(48*time.Hour))

	gen := s.Generation()
	assert.Equal(t, 1, s.Prune(base.Add(24*time.Hour)))
	assert.NotEqual(t, gen, s.Generation())

	_, matched := s.Check("old.example")
	assert.False(t, matched)
	_, matched = s.Check("new.example")
	assert.True(t, matched)

	gen = s.Generation()
	assert.Zero(t, s.Prune(base))
	assert.Equal(t, gen, s.Generation(), "nothing pruned leaves the generation alone")
}

func TestStore_CacheRestore(t *testing.T) {
	refreshed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s1 := NewStore("", nil)
	s1.Confirm("a.example", refreshed.Add(-time.Hour))
	s1.MarkRefreshed(refreshed)

	cache := s1.Cache()
	assert.Len(t, cache.Hosts, 1)
	assert.Equal(t, refreshed, cache.LastRefresh)

	s2 := NewStore("", nil)
	s2.Restore(cache)
	entry, matched := s2.Check("a.example")
	assert.True(t, matched)
	assert.Equal(t, ConfirmedSource, entry.FeedName)
	assert.Equal(t, refreshed, s2.Cache().LastRefresh)

	// The returned cache is a copy.
	cache.Hosts["b.example"] = refreshed
	_, matched = s2.Check("b.example")
	assert.False(t, matched)
}

func TestStore_GenerationOnUpdate(t *testing.T) {
	s := NewStore("", nil)
	gen := s.Generation()
	s.Update(map[string]FeedEntry{"x.example": {FeedName: "f"}})
	assert.Greater(t, s.Generation(), gen)
}

func TestStore_NoBareTLDMatch(t *testing.T) {
	s := NewStore("", nil)
	s.Update(map[string]FeedEntry{"com": {FeedName: "bogus"}})
	_, matched := s.Check("example.com")
	assert.False(t, matched)
}
