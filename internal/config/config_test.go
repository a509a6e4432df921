package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shardnet.yaml")
	yml := `
listen: 0.0.0.0:9000
chunk_size: 1048576
liveness_window: 90s
fetch_fanout: 8
log_format: json
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
	assert.Equal(t, int64(1<<20), cfg.ChunkSize)
	assert.Equal(t, 90*time.Second, cfg.LivenessWindow)
	assert.Equal(t, 8, cfg.FetchFanout)
	assert.Equal(t, "json", cfg.LogFormat)
	// untouched keys keep their defaults
	assert.Equal(t, Default().P2PListen, cfg.P2PListen)
	assert.Equal(t, Default().StallTimeout, cfg.StallTimeout)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("fetch_fanout: 0\n"), 0o644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "fetch_fanout")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cfg.yaml")
	cfg := Default()
	cfg.MaxTransfersPerPeer = 2

	require.NoError(t, Save(path, cfg))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"chunk_size":     func(c *Config) { c.ChunkSize = MaxChunkSize + 1 },
		"session_ttl":    func(c *Config) { c.SessionTTL = time.Second },
		"log_format":     func(c *Config) { c.LogFormat = "xml" },
		"listen":         func(c *Config) { c.Listen = "" },
		"serve_rate":     func(c *Config) { c.ServeRateLimit = -1 },
		"chunk_cache":    func(c *Config) { c.ChunkCacheEntries = 0 },
		"max_transfers":  func(c *Config) { c.MaxTransfersPerPeer = 0 },
		"stall_timeout":  func(c *Config) { c.StallTimeout = 0 },
		"sweep_interval": func(c *Config) { c.SweepInterval = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
