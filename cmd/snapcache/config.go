package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"

	"github.com/andreyvit/snapcache"
	"github.com/andreyvit/snapcache/exportfile"
)

type cliConfig struct {
	Store         storeConfig  `yaml:"store"`
	Source        sourceConfig `yaml:"source"`
	DecodeWorkers int          `yaml:"decodeWorkers"`
	Verbose       bool         `yaml:"verbose"`
	Listen        string       `yaml:"listen"`
}

type storeConfig struct {
	Backend   string `yaml:"backend"`
	Path      string `yaml:"path"`
	ChunkSize int    `yaml:"chunkSize"`
	MmapSize  int    `yaml:"mmapSize"`
	Testing   bool   `yaml:"testing"`
}

type sourceConfig struct {
	Path        string `yaml:"path"`
	SkipInvalid bool   `yaml:"skipInvalid"`
}

func defaultConfig() cliConfig {
	return cliConfig{
		Store: storeConfig{
			Backend:   string(snapcache.BackendBolt),
			Path:      "snapcache.db",
			ChunkSize: snapcache.DefaultChunkSize,
		},
		DecodeWorkers: runtime.GOMAXPROCS(0),
		Listen:        "127.0.0.1:9464",
	}
}

// loadConfig reads path over the defaults. An empty path returns the
// defaults.
func loadConfig(path string) (cliConfig, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read the config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse the config file %s: %w", path, err)
	}
	return cfg, nil
}

func (cfg *cliConfig) validate() error {
	switch snapcache.Backend(cfg.Store.Backend) {
	case snapcache.BackendBolt:
		if cfg.Store.Path == "" {
			return fmt.Errorf("store.path is required for the bolt backend")
		}
	case snapcache.BackendBadger, snapcache.BackendMemory:
	default:
		return fmt.Errorf("unknown store.backend %q", cfg.Store.Backend)
	}
	if cfg.Store.ChunkSize < 0 {
		return fmt.Errorf("store.chunkSize must not be negative")
	}
	return nil
}

func (cfg *cliConfig) storeOptions(logger *slog.Logger, m *snapcache.Metrics) snapcache.StoreOptions {
	return snapcache.StoreOptions{
		Backend:   snapcache.Backend(cfg.Store.Backend),
		Logger:    logger,
		Verbose:   cfg.Verbose,
		IsTesting: cfg.Store.Testing,
		MmapSize:  cfg.Store.MmapSize,
		ChunkSize: cfg.Store.ChunkSize,
		Metrics:   m,
	}
}

func (cfg *cliConfig) options(logger *slog.Logger, store *snapcache.Store, m *snapcache.Metrics) snapcache.Options {
	opt := snapcache.Options{
		Logger:        logger,
		Verbose:       cfg.Verbose,
		Store:         store,
		DecodeWorkers: cfg.DecodeWorkers,
		ChunkSize:     cfg.Store.ChunkSize,
		Metrics:       m,
	}
	if cfg.Source.Path != "" {
		opt.Source = &exportfile.Source{
			Path:        cfg.Source.Path,
			Logger:      logger,
			SkipInvalid: cfg.Source.SkipInvalid,
		}
	}
	return opt
}
