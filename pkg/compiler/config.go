package compiler

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// ConfigFileName is the project configuration file the compiler looks for.
const ConfigFileName = "tern.toml"

// Config is the tern.toml configuration for the optimizing tier.
type Config struct {
	JIT   JITConfig   `toml:"jit"`
	Cache CacheConfig `toml:"cache"`
}

// JITConfig configures the adaptive compilation manager.
type JITConfig struct {
	Enabled        bool   `toml:"enabled"`
	HotThreshold   uint64 `toml:"hot-threshold"`
	QueueSize      int    `toml:"queue-size"`
	LogCompilation bool   `toml:"log-compilation"`
}

// CacheConfig configures the persistent program cache.
type CacheConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// DefaultConfig returns the configuration used when no tern.toml exists.
func DefaultConfig() *Config {
	return &Config{
		JIT: JITConfig{
			Enabled:      true,
			HotThreshold: 100,
			QueueSize:    100,
		},
	}
}

// LoadConfig parses a tern.toml file, filling defaults for omitted keys.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if cfg.JIT.HotThreshold == 0 {
		cfg.JIT.HotThreshold = 100
	}
	if cfg.JIT.QueueSize == 0 {
		cfg.JIT.QueueSize = 100
	}
	return cfg, nil
}

// FindAndLoadConfig walks up from startDir looking for a tern.toml and
// loads the first one found. Returns the defaults when none exists.
func FindAndLoadConfig(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", startDir, err)
	}
	for {
		path := filepath.Join(dir, ConfigFileName)
		if _, err := os.Stat(path); err == nil {
			return LoadConfig(path)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return DefaultConfig(), nil
		}
		dir = parent
	}
}
