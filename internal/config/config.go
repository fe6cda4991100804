// Package config loads castkeep configuration.
//
// The config file is resolved from, in order:
//   - the --config flag
//   - the CASTKEEP_CONFIG environment variable
//   - $XDG_CONFIG_HOME/castkeep/config.yaml (or ~/.config/castkeep/config.yaml)
//
// A missing file is not an error; defaults are used.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfig names the environment variable that points at the config file.
const EnvConfig = "CASTKEEP_CONFIG"

const appName = "castkeep"

// Config is the full castkeep configuration.
type Config struct {
	// Paths configures file locations.
	Paths PathsConfig `yaml:"paths"`

	// DatabaseURL selects PostgreSQL when set to a postgres:// URL.
	// Empty means the SQLite file at Paths.Database.
	DatabaseURL string `yaml:"database_url"`

	// Sync tunes sync runs.
	Sync SyncConfig `yaml:"sync"`

	// Log configures log output.
	Log LogConfig `yaml:"log"`

	// Server configures serve mode.
	Server ServerConfig `yaml:"server"`
}

// PathsConfig configures file locations.
type PathsConfig struct {
	// Ledger is the append-only record of handled episodes.
	Ledger string `yaml:"ledger"`

	// Downloads holds one directory per subscription.
	Downloads string `yaml:"downloads"`

	// Database is the SQLite file storing subscriptions.
	Database string `yaml:"database"`
}

// SyncConfig tunes sync runs.
type SyncConfig struct {
	Concurrency        int           `yaml:"concurrency"`
	EpisodeConcurrency int           `yaml:"episode_concurrency"`
	FeedTimeout        time.Duration `yaml:"feed_timeout"`
	DownloadTimeout    time.Duration `yaml:"download_timeout"`
	UserAgent          string        `yaml:"user_agent"`
}

// LogConfig configures log output.
type LogConfig struct {
	// File receives log output in addition to stderr when set.
	File string `yaml:"file"`
}

// ServerConfig configures serve mode.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	data := dataDir()
	home, _ := os.UserHomeDir()
	return &Config{
		Paths: PathsConfig{
			Ledger:    filepath.Join(data, "downloaded"),
			Downloads: filepath.Join(home, "Podcasts"),
			Database:  filepath.Join(data, appName+".db"),
		},
		Sync: SyncConfig{
			Concurrency:        4,
			EpisodeConcurrency: 2,
			FeedTimeout:        60 * time.Second,
			DownloadTimeout:    30 * time.Minute,
			UserAgent:          appName,
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8080",
		},
	}
}

// DefaultPath returns the config path used when neither flag nor
// environment variable is set.
func DefaultPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, appName, "config.yaml")
}

// Resolve picks the config path from flag, environment, then default.
func Resolve(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if env := os.Getenv(EnvConfig); env != "" {
		return env
	}
	return DefaultPath()
}

// Load reads the config at path on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, cfg.finish()
	}
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.finish(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) finish() error {
	c.Paths.Ledger = expandHome(c.Paths.Ledger)
	c.Paths.Downloads = expandHome(c.Paths.Downloads)
	c.Paths.Database = expandHome(c.Paths.Database)
	c.Log.File = expandHome(c.Log.File)
	return c.Validate()
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string
	if c.Paths.Ledger == "" {
		errs = append(errs, "paths.ledger is required")
	}
	if c.Paths.Downloads == "" {
		errs = append(errs, "paths.downloads is required")
	}
	if c.Paths.Database == "" && c.DatabaseURL == "" {
		errs = append(errs, "paths.database or database_url is required")
	}
	if c.Sync.Concurrency < 1 {
		errs = append(errs, "sync.concurrency must be at least 1")
	}
	if c.Sync.EpisodeConcurrency < 1 {
		errs = append(errs, "sync.episode_concurrency must be at least 1")
	}
	if c.Sync.FeedTimeout < 0 || c.Sync.DownloadTimeout < 0 {
		errs = append(errs, "sync timeouts must not be negative")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func dataDir() string {
	if base := os.Getenv("XDG_DATA_HOME"); base != "" {
		return filepath.Join(base, appName)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", appName)
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
