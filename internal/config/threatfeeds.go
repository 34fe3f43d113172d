package config

import "time"

// ThreatFeedsConfig configures the known-bad host feeds that back the phishing cache.
type ThreatFeedsConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Feeds        []ThreatFeedEntry `yaml:"feeds"`
	LocalLists   []string          `yaml:"local_lists"`
	Allowlist    []string          `yaml:"allowlist"`
	SyncInterval time.Duration     `yaml:"sync_interval"`
	CacheDir     string            `yaml:"cache_dir"`
}

// ThreatFeedEntry defines a single remote threat feed.
type ThreatFeedEntry struct {
	Name   string `yaml:"name"`
	URL    string `yaml:"url"`
	Format string `yaml:"format"` // "hostfile", "domain-list" or "url-list"
}
