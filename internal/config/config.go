// Package config holds the daemon configuration: defaults, YAML loading and
// validation. Command line flags are layered on top by cmd/shardnetd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultListen    = "127.0.0.1:3600"
	DefaultP2PListen = "0.0.0.0:3601"

	// 4 MiB chunks: a failed peer fetch loses little, and a 10 MiB file is
	// still only three chunks.
	DefaultChunkSize = 4 * 1024 * 1024

	// MaxChunkSize caps chunk_size so a single chunk always fits one peer
	// protocol message.
	MaxChunkSize = 16 * 1024 * 1024
)

type Config struct {
	Listen    string `yaml:"listen"`
	P2PListen string `yaml:"p2p_listen"`
	DataDir   string `yaml:"data_dir"`

	ChunkSize int64 `yaml:"chunk_size"`

	LivenessWindow time.Duration `yaml:"liveness_window"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	SessionTTL     time.Duration `yaml:"session_ttl"`

	FetchFanout         int           `yaml:"fetch_fanout"`
	MaxTransfersPerPeer int           `yaml:"max_transfers_per_peer"`
	StallTimeout        time.Duration `yaml:"stall_timeout"`
	FetchTimeout        time.Duration `yaml:"fetch_timeout"`
	TransferRetention   time.Duration `yaml:"transfer_retention"`

	ChunkCacheEntries int   `yaml:"chunk_cache_entries"`
	ServeRateLimit    int64 `yaml:"serve_rate_limit"` // bytes/sec, 0 = unlimited

	SecureTransport bool   `yaml:"secure_transport"`
	CORSOrigin      string `yaml:"cors_origin"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Default returns a configuration usable as-is on a developer machine.
func Default() Config {
	return Config{
		Listen:              DefaultListen,
		P2PListen:           DefaultP2PListen,
		DataDir:             defaultDataDir(),
		ChunkSize:           DefaultChunkSize,
		LivenessWindow:      60 * time.Second,
		SweepInterval:       15 * time.Second,
		SessionTTL:          24 * time.Hour,
		FetchFanout:         4,
		MaxTransfersPerPeer: 4,
		StallTimeout:        30 * time.Second,
		FetchTimeout:        10 * time.Second,
		TransferRetention:   5 * time.Minute,
		ChunkCacheEntries:   64,
		SecureTransport:     true,
		CORSOrigin:          "*",
		LogLevel:            "info",
		LogFormat:           "text",
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".shardnet"
	}
	return filepath.Join(home, ".shardnet")
}

// Load reads a YAML file over the defaults. A missing path is not an error
// when it is empty; an explicitly named file must exist.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Save writes cfg as YAML, creating parent directories.
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (c Config) Validate() error {
	switch {
	case c.Listen == "":
		return fmt.Errorf("listen address is required")
	case c.DataDir == "":
		return fmt.Errorf("data_dir is required")
	case c.ChunkSize <= 0 || c.ChunkSize > MaxChunkSize:
		return fmt.Errorf("chunk_size must be in (0, %d], got %d", MaxChunkSize, c.ChunkSize)
	case c.LivenessWindow <= 0:
		return fmt.Errorf("liveness_window must be positive")
	case c.SweepInterval <= 0:
		return fmt.Errorf("sweep_interval must be positive")
	case c.SessionTTL < c.LivenessWindow:
		return fmt.Errorf("session_ttl (%s) must not be shorter than liveness_window (%s)", c.SessionTTL, c.LivenessWindow)
	case c.FetchFanout < 1:
		return fmt.Errorf("fetch_fanout must be at least 1")
	case c.MaxTransfersPerPeer < 1:
		return fmt.Errorf("max_transfers_per_peer must be at least 1")
	case c.StallTimeout <= 0 || c.FetchTimeout <= 0:
		return fmt.Errorf("stall_timeout and fetch_timeout must be positive")
	case c.ChunkCacheEntries < 1:
		return fmt.Errorf("chunk_cache_entries must be at least 1")
	case c.ServeRateLimit < 0:
		return fmt.Errorf("serve_rate_limit must not be negative")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	return nil
}
