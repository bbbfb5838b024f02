package config

import (
	"errors"
	"fmt"
	"time"
)

// Config is the root application configuration, parsed from yaml.
type Config struct {
	Logger LoggerConfig `yaml:"logger"`
	Server ServerConfig `yaml:"http-server"`
	DB     `yaml:"db"`
}

type ServerConfig struct {
	Port              int           `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

type DB struct {
	Path     string         `yaml:"path"`
	Chunk    ChunkConfig    `yaml:"chunk"`
	Writer   WriterConfig   `yaml:"writer"`
	Chaser   ChaserConfig   `yaml:"chaser"`
	Index    IndexConfig    `yaml:"index"`
	Scavenge ScavengeConfig `yaml:"scavenge"`
	Archive  ArchiveConfig  `yaml:"archive"`
}

type ChunkConfig struct {
	// Size is the number of data bytes a chunk holds, excluding header and footer.
	Size            int64 `yaml:"size"`
	VerifyOnOpen    bool  `yaml:"verify_on_open"`
	DeleteLeftovers bool  `yaml:"delete_leftovers"`
}

type WriterConfig struct {
	FlushInterval time.Duration `yaml:"flush_interval"`
	FlushRetries  int           `yaml:"flush_retries"`
	BufferSize    int           `yaml:"buffer_size"`
}

type ChaserConfig struct {
	CheckpointEvery int `yaml:"checkpoint_every"`
}

type IndexConfig struct {
	MaxMemtableEntries int     `yaml:"max_memtable_entries"`
	FlushChanBuffSize  int     `yaml:"flush_chan_buff_size"`
	CompactThreshold   int     `yaml:"compact_threshold"`
	SparseInterval     int     `yaml:"sparse_interval"`
	BloomFPRate        float64 `yaml:"bloom_fp_rate"`
	// CacheBlocks is the number of PTable pages kept in memory.
	CacheBlocks        int     `yaml:"cache_blocks"`
}

type ScavengeConfig struct {
	Throttle time.Duration `yaml:"throttle"`
	// Interval schedules periodic scavenges; zero disables the schedule.
	Interval time.Duration `yaml:"interval"`
}

type ArchiveConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Bucket         string `yaml:"bucket"`
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	Prefix         string `yaml:"prefix"`
	ForcePathStyle bool   `yaml:"force_path_style"`
	AccessKeyID    string `yaml:"access_key_id"`
	SecretKey      string `yaml:"secret_access_key"`
	// Compression is "none", "gzip" or "zstd".
	Compression string `yaml:"compression"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "DEBUG",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              2113,
			ReadHeaderTimeout: time.Second,
		},
		DB: DB{
			Path: "./data",
			Chunk: ChunkConfig{
				Size:            256 * 1024 * 1024,
				DeleteLeftovers: true,
			},
			Writer: WriterConfig{
				FlushInterval: 2 * time.Millisecond,
				FlushRetries:  5,
				BufferSize:    64 * 1024,
			},
			Chaser: ChaserConfig{
				CheckpointEvery: 1024,
			},
			Index: IndexConfig{
				MaxMemtableEntries: 1_000_000,
				FlushChanBuffSize:  2,
				CompactThreshold:   4,
				SparseInterval:     256,
				BloomFPRate:        0.01,
				CacheBlocks:        4096,
			},
			Scavenge: ScavengeConfig{
				Throttle: 10 * time.Millisecond,
			},
			Archive: ArchiveConfig{
				Prefix:      "chunks",
				Compression: "zstd",
			},
		},
	}
}

// Validate rejects values the engine cannot run with.
func (c Config) Validate() error {
	var errs []error

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("http-server.port out of range: %d", c.Server.Port))
	}
	if c.DB.Path == "" {
		errs = append(errs, errors.New("db.path is required"))
	}
	if c.DB.Chunk.Size <= 0 {
		errs = append(errs, fmt.Errorf("db.chunk.size must be positive, got %d", c.DB.Chunk.Size))
	}
	if c.DB.Chunk.Size > 1<<32 {
		errs = append(errs, fmt.Errorf("db.chunk.size must not exceed 4GiB, got %d", c.DB.Chunk.Size))
	}
	if c.DB.Writer.FlushInterval < 0 {
		errs = append(errs, fmt.Errorf("db.writer.flush_interval must not be negative"))
	}
	if c.DB.Writer.FlushRetries < 0 {
		errs = append(errs, fmt.Errorf("db.writer.flush_retries must not be negative, got %d", c.DB.Writer.FlushRetries))
	}
	if c.DB.Writer.BufferSize < 0 {
		errs = append(errs, fmt.Errorf("db.writer.buffer_size must not be negative, got %d", c.DB.Writer.BufferSize))
	}
	if c.DB.Chaser.CheckpointEvery <= 0 {
		errs = append(errs, fmt.Errorf("db.chaser.checkpoint_every must be positive, got %d", c.DB.Chaser.CheckpointEvery))
	}
	if c.DB.Index.MaxMemtableEntries <= 0 {
		errs = append(errs, fmt.Errorf("db.index.max_memtable_entries must be positive, got %d", c.DB.Index.MaxMemtableEntries))
	}
	if c.DB.Index.FlushChanBuffSize < 0 {
		errs = append(errs, fmt.Errorf("db.index.flush_chan_buff_size must not be negative"))
	}
	if c.DB.Index.CacheBlocks < 0 {
		errs = append(errs, fmt.Errorf("db.index.cache_blocks must not be negative, got %d", c.DB.Index.CacheBlocks))
	}
	if c.DB.Index.CompactThreshold < 2 {
		errs = append(errs, fmt.Errorf("db.index.compact_threshold must be at least 2, got %d", c.DB.Index.CompactThreshold))
	}
	if c.DB.Index.SparseInterval <= 0 {
		errs = append(errs, fmt.Errorf("db.index.sparse_interval must be positive, got %d", c.DB.Index.SparseInterval))
	}
	if c.DB.Index.BloomFPRate <= 0 || c.DB.Index.BloomFPRate >= 1 {
		errs = append(errs, fmt.Errorf("db.index.bloom_fp_rate must be in (0, 1), got %v", c.DB.Index.BloomFPRate))
	}
	if c.DB.Scavenge.Throttle < 0 || c.DB.Scavenge.Interval < 0 {
		errs = append(errs, errors.New("db.scavenge durations must not be negative"))
	}
	if c.DB.Archive.Enabled && c.DB.Archive.Bucket == "" {
		errs = append(errs, errors.New("db.archive.bucket is required when archiving is enabled"))
	}

	switch c.DB.Archive.Compression {
	case "", "none", "gzip", "zstd":
	default:
		errs = append(errs, fmt.Errorf("db.archive.compression is unknown: %q", c.DB.Archive.Compression))
	}

	switch c.Logger.Level {
	case "DEBUG", "INFO", "WARN", "ERROR", "debug", "info", "warn", "error", "":
	default:
		errs = append(errs, fmt.Errorf("logger.level is unknown: %q", c.Logger.Level))
	}

	return errors.Join(errs...)
}
