package threatfeed

import (
	"path/filepath"
	"strings"

	"github.com/phishguard/phishguard/internal/policy"
)

// PolicyAdapter exposes a Store as the policy engine's known-bad cache.
type PolicyAdapter struct {
	Store *Store
}

// Lookup implements policy.KnownBad. Local list paths are reduced to their base
// name so reasons never leak directory layout.
func (a *PolicyAdapter) Lookup(host string) (policy.KnownBadMatch, bool) {
	entry, matched := a.Store.Check(host)
	if !matched {
		return policy.KnownBadMatch{}, false
	}
	source := entry.FeedName
	if path, ok := strings.CutPrefix(source, "local:"); ok {
		source = "local:" + filepath.Base(path)
	}
	return policy.KnownBadMatch{Source: source, MatchedDomain: entry.MatchedDomain}, true
}
