// Package config holds continuumd's runtime configuration: defaults,
// JSON-file loading, and the store-path precedence spec.md section 6
// requires (explicit env var, then state-dir env var, then built-in
// default).
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/skywave-obs/continuum/internal/store"
)

// Config is continuumd's full runtime configuration.
type Config struct {
	StateDir string `json:"state_dir"`

	IngestDBPath    string `json:"ingest_db_path"`
	RegistryDBPath  string `json:"registry_db_path"`
	ProductsDBPath  string `json:"products_db_path"`
	FlagStoreDBPath string `json:"flagstore_db_path"`

	WatchDir             string        `json:"watch_dir"`
	ExpectedSubbandCount int           `json:"expected_subband_count"`
	StallTimeout         time.Duration `json:"stall_timeout"`
	LeaseDuration        time.Duration `json:"lease_duration"`
	HousekeepingInterval time.Duration `json:"housekeeping_interval"`

	OrchestratorPoolSize int `json:"orchestrator_pool_size"`

	Metrics MetricsConfig `json:"metrics"`
}

// MetricsConfig controls the Prometheus HTTP exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

// Default returns a Config with sensible out-of-the-box values.
func Default() Config {
	return Config{
		StateDir: "",

		IngestDBPath:    "ingest.db",
		RegistryDBPath:  "registry.db",
		ProductsDBPath:  "products.db",
		FlagStoreDBPath: "flags.db",

		WatchDir:             "incoming",
		ExpectedSubbandCount: 16,
		StallTimeout:         time.Hour,
		LeaseDuration:        30 * time.Minute,
		HousekeepingInterval: 5 * time.Minute,

		OrchestratorPoolSize: 0, // 0 means runtime.NumCPU()

		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9090",
		},
	}
}

// Path returns the default config file location: $XDG_CONFIG_HOME (or
// ~/.config)/continuum/config.json. Returns empty string if the home
// directory cannot be determined.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "continuum", "config.json")
}

// Load reads the config file at Path, falling back to Default on any
// error (missing file, unreadable, malformed). Store paths are then
// resolved against environment overrides, per spec.md section 6's path
// precedence; the watch directory is taken from the file or Default only.
func Load(getenv func(string) string) Config {
	cfg := Default()
	if p := Path(); p != "" {
		if data, err := os.ReadFile(p); err == nil {
			if err := json.Unmarshal(data, &cfg); err != nil {
				log.Printf("continuumd: warning: config parse error in %s: %v", p, err)
			}
		}
	}
	cfg.resolveStorePaths(getenv)
	return cfg
}

func (c *Config) resolveStorePaths(getenv func(string) string) {
	stateDirEnv := "PIPELINE_STATE_DIR"
	if dir := getenv(stateDirEnv); dir != "" {
		c.StateDir = dir
	}
	c.IngestDBPath = store.ResolvePath("INGEST_DB_PATH", stateDirEnv, c.StateDir, c.IngestDBPath, getenv)
	c.RegistryDBPath = store.ResolvePath("REGISTRY_DB_PATH", stateDirEnv, c.StateDir, c.RegistryDBPath, getenv)
	c.ProductsDBPath = store.ResolvePath("PRODUCTS_DB_PATH", stateDirEnv, c.StateDir, c.ProductsDBPath, getenv)
	c.FlagStoreDBPath = store.ResolvePath("FLAGSTORE_DB_PATH", stateDirEnv, c.StateDir, c.FlagStoreDBPath, getenv)
}

// Save writes cfg to Path as indented JSON.
func Save(cfg Config) error {
	path := Path()
	if path == "" {
		return fmt.Errorf("cannot determine config directory")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
