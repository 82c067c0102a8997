// Package config loads process configuration from an optional YAML file and the
// environment. Environment variables (prefix SCHEME_ADAPTER_) win over the file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "SCHEME_ADAPTER_"

// Config is the process configuration.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string `yaml:"addr" env:"ADDR"`
	// DFSPID is this adapter's FSP id, sent as FSPIOP-Source.
	DFSPID string `yaml:"dfspId" env:"DFSP_ID"`

	// DatabaseURL selects the log store: empty keeps everything in memory,
	// "sqlite:<dsn>" or a postgres URL use the SQL store.
	DatabaseURL string `yaml:"databaseUrl" env:"DATABASE_URL"`
	// CacheProvider is a registered cache provider ("memory" or "postgres").
	CacheProvider string `yaml:"cacheProvider" env:"CACHE_PROVIDER"`
	// CacheDSN is passed to the postgres cache provider.
	CacheDSN string `yaml:"cacheDsn" env:"CACHE_DSN"`

	Peer Peer `yaml:"peer" envPrefix:"PEER_"`
	Bulk Bulk `yaml:"bulk" envPrefix:"BULK_"`
	Log  Log  `yaml:"log" envPrefix:"LOG_"`

	// TraceStdout exports spans to stdout.
	TraceStdout bool `yaml:"traceStdout" env:"TRACE_STDOUT"`
	// TraceSampleRatio is the fraction of root traces kept.
	TraceSampleRatio float64 `yaml:"traceSampleRatio" env:"TRACE_SAMPLE_RATIO"`
}

// Peer configures outbound scheme requests.
type Peer struct {
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"`
	// Timeout bounds the transport round trip.
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// CallbackTimeout bounds the wait for an asynchronous callback.
	CallbackTimeout time.Duration `yaml:"callbackTimeout" env:"CALLBACK_TIMEOUT"`
}

// Bulk configures the bulk orchestrator.
type Bulk struct {
	EventsTopic       string        `yaml:"eventsTopic" env:"EVENTS_TOPIC"`
	SnapshotsTopic    string        `yaml:"snapshotsTopic" env:"SNAPSHOTS_TOPIC"`
	Partitions        int32         `yaml:"partitions" env:"PARTITIONS"`
	SnapshotInterval  int           `yaml:"snapshotInterval" env:"SNAPSHOT_INTERVAL"`
	MaxItemsPerBatch  int           `yaml:"maxItemsPerBatch" env:"MAX_ITEMS_PER_BATCH"`
	EffectConcurrency int           `yaml:"effectConcurrency" env:"EFFECT_CONCURRENCY"`
	PollInterval      time.Duration `yaml:"pollInterval" env:"POLL_INTERVAL"`
}

// Log configures the zap logger.
type Log struct {
	Level       string `yaml:"level" env:"LEVEL"`
	Development bool   `yaml:"development" env:"DEVELOPMENT"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr:          ":4000",
		DFSPID:        "schemeadapter",
		CacheProvider: "memory",
		Peer: Peer{
			Endpoint:        "http://localhost:4002",
			Timeout:         10 * time.Second,
			CallbackTimeout: 30 * time.Second,
		},
		Bulk: Bulk{
			EventsTopic:       "bulk-state-events",
			SnapshotsTopic:    "bulk-snapshots",
			Partitions:        1,
			SnapshotInterval:  50,
			MaxItemsPerBatch:  500,
			EffectConcurrency: 16,
			PollInterval:      100 * time.Millisecond,
		},
		Log: Log{Level: "info"},
	}
}

// Load reads path (if not empty) over the defaults, then applies the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects unusable values.
func (c Config) Validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("config: addr is empty")
	case c.Peer.Endpoint == "":
		return fmt.Errorf("config: peer.endpoint is empty")
	case c.Peer.CallbackTimeout <= 0:
		return fmt.Errorf("config: peer.callbackTimeout must be positive")
	case c.Bulk.Partitions <= 0:
		return fmt.Errorf("config: bulk.partitions must be positive")
	case c.Bulk.MaxItemsPerBatch <= 0:
		return fmt.Errorf("config: bulk.maxItemsPerBatch must be positive")
	case c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1:
		return fmt.Errorf("config: traceSampleRatio must be within [0, 1]")
	case c.CacheProvider == "postgres" && c.CacheDSN == "":
		return fmt.Errorf("config: cacheDsn is required for the postgres cache")
	}
	return nil
}
