package config

import (
	"testing"

	"github.com/goccy/go-yaml"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero chunk size", func(c *Config) { c.DB.Chunk.Size = 0 }},
		{"negative flush retries", func(c *Config) { c.DB.Writer.FlushRetries = -1 }},
		{"negative checkpoint interval", func(c *Config) { c.DB.Chaser.CheckpointEvery = -3 }},
		{"compact threshold of one", func(c *Config) { c.DB.Index.CompactThreshold = 1 }},
		{"fp rate above one", func(c *Config) { c.DB.Index.BloomFPRate = 1.5 }},
		{"negative throttle", func(c *Config) { c.DB.Scavenge.Throttle = -1 }},
		{"archive without bucket", func(c *Config) { c.DB.Archive.Enabled = true }},
		{"unknown log level", func(c *Config) { c.Logger.Level = "TRACE" }},
		{"empty path", func(c *Config) { c.DB.Path = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestUnmarshalYAML(t *testing.T) {
	src := `
logger:
  level: INFO
  json: true
http-server:
  port: 9000
  read_header_timeout: 2s
db:
  path: /var/lib/eventdb
  chunk:
    size: 1048576
    verify_on_open: true
  writer:
    flush_interval: 5ms
    flush_retries: 3
  chaser:
    checkpoint_every: 10
  index:
    max_memtable_entries: 500
    compact_threshold: 3
    sparse_interval: 16
    bloom_fp_rate: 0.05
  scavenge:
    throttle: 0s
    interval: 1h
`
	cfg := Default()
	require.NoError(t, yaml.Unmarshal([]byte(src), &cfg))
	require.NoError(t, cfg.Validate())

	require.Equal(t, "INFO", cfg.Logger.Level)
	require.True(t, cfg.Logger.JSON)
	require.Equal(t, 9000, cfg.Server.Port)
	require.Equal(t, "/var/lib/eventdb", cfg.DB.Path)
	require.EqualValues(t, 1048576, cfg.DB.Chunk.Size)
	require.True(t, cfg.DB.Chunk.VerifyOnOpen)
	require.Equal(t, 3, cfg.DB.Writer.FlushRetries)
	require.Equal(t, 500, cfg.DB.Index.MaxMemtableEntries)
	require.Equal(t, 16, cfg.DB.Index.SparseInterval)
	// untouched keys keep their defaults
	require.Equal(t, 2, cfg.DB.Index.FlushChanBuffSize)
	require.Equal(t, "chunks", cfg.DB.Archive.Prefix)
}
