package cli

import (
	"os"

	"github.com/phishguard/phishguard/internal/config"
)

// defaultConfigPath returns the first config file that exists, or "" when
// there is none.
func defaultConfigPath() string {
	if v := os.Getenv("PHISHGUARD_CONFIG"); v != "" {
		return v
	}
	for _, p := range []string{
		"config.yml",
		"config.yaml",
		"/etc/phishguard/config.yaml",
		"/etc/phishguard/config.yml",
	} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// loadLocalConfig loads path, or the default config file. Without either it
// falls back to defaults plus PHISHGUARD_* variables. The returned path is the
// file that was read, if any.
func loadLocalConfig(path string) (*config.Config, string, error) {
	if path == "" {
		path = defaultConfigPath()
	}
	if path == "" {
		cfg, err := config.FromEnv()
		return cfg, "", err
	}
	cfg, err := config.Load(path)
	return cfg, path, err
}
