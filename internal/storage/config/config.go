// Package config defines the storage engine configuration.
//
// Configuration loads from a YAML file, then environment variables with the
// TICKVAULT prefix override individual fields, so a deployment can ship one
// file and tune single knobs per host.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config represents the complete storage configuration.
type Config struct {
	// DataDir is the root directory for all storage files.
	DataDir string `yaml:"data_dir" envconfig:"DATA_DIR"`

	// Chunks configures chunk partitioning.
	Chunks ChunksConfig `yaml:"chunks"`

	// Timeframes lists the candle tables to materialize, finest first.
	// Empty enables all supported timeframes.
	Timeframes []string `yaml:"timeframes"`

	// ConflictPolicy decides what ingested candles do on a duplicate key:
	// "keep-first" (default) or "error".
	ConflictPolicy string `yaml:"conflict_policy" envconfig:"CONFLICT_POLICY"`

	// Features configures optional features.
	Features FeaturesConfig `yaml:"features"`

	// WAL configures the write-ahead log.
	WAL WALConfig `yaml:"wal"`

	// Aggregates defines the continuous aggregates. Empty builds the
	// default layered chain over Timeframes.
	Aggregates []AggregateConfig `yaml:"aggregates"`

	// Lifecycle configures compression and retention scheduling.
	Lifecycle LifecycleConfig `yaml:"lifecycle"`

	// Query configures the SQL query service.
	Query QueryConfig `yaml:"query"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// ChunksConfig configures chunk partitioning.
type ChunksConfig struct {
	// TickWidth is the chunk width of the tick table.
	TickWidth time.Duration `yaml:"tick_width" envconfig:"TICK_CHUNK_WIDTH"`

	// CandleWidth is the chunk width of every candle table.
	CandleWidth time.Duration `yaml:"candle_width" envconfig:"CANDLE_CHUNK_WIDTH"`
}

// FeaturesConfig configures optional features.
type FeaturesConfig struct {
	// SpreadSketch enables DDSketch spread quantiles on tick-sourced
	// candles.
	SpreadSketch SpreadSketchConfig `yaml:"spread_sketch"`

	// Compression configures Parquet segment compression.
	Compression CompressionConfig `yaml:"compression"`
}

// SpreadSketchConfig configures DDSketch spread quantiles.
type SpreadSketchConfig struct {
	// Enabled enables quantile calculation.
	Enabled bool `yaml:"enabled"`
}

// CompressionConfig configures Parquet segment compression.
type CompressionConfig struct {
	// Algorithm is the compression algorithm: snappy, zstd, lz4, gzip, none.
	Algorithm string `yaml:"algorithm" envconfig:"COMPRESSION_ALGORITHM"`

	// Level is the compression level (for zstd: 1-22).
	Level int `yaml:"level"`
}

// WALConfig configures the write-ahead log.
type WALConfig struct {
	// Dir is the WAL directory. Defaults to {DataDir}/wal.
	Dir string `yaml:"dir" envconfig:"WAL_DIR"`

	// SyncMode is the sync mode: async, sync, fsync.
	SyncMode string `yaml:"sync_mode" envconfig:"WAL_SYNC_MODE"`

	// SyncInterval is the flush interval for async mode.
	SyncInterval time.Duration `yaml:"sync_interval"`

	// MaxSegmentSize is the maximum segment size before rotation.
	MaxSegmentSize int64 `yaml:"max_segment_size"`
}

// AggregateConfig defines one continuous aggregate.
type AggregateConfig struct {
	// Name uniquely identifies the aggregate.
	Name string `yaml:"name"`

	// Source is the table each refresh reads: "ticks" or a finer candle
	// table.
	Source string `yaml:"source"`

	// Destination is the timeframe to materialize, e.g. "5m".
	Destination string `yaml:"destination"`

	// StartOffset and EndOffset bound the refresh window behind now.
	StartOffset time.Duration `yaml:"start_offset"`
	EndOffset   time.Duration `yaml:"end_offset"`

	// Interval is the refresh cadence.
	Interval time.Duration `yaml:"interval"`
}

// LifecycleConfig configures compression and retention scheduling.
type LifecycleConfig struct {
	// Interval is the pass cadence.
	Interval time.Duration `yaml:"interval" envconfig:"LIFECYCLE_INTERVAL"`

	// Compression lists per-table compression rules.
	Compression []CompressionRule `yaml:"compression"`

	// Retention lists per-table retention rules.
	Retention []RetentionRule `yaml:"retention"`
}

// CompressionRule schedules compression for one table.
type CompressionRule struct {
	Table     string        `yaml:"table"`
	OlderThan time.Duration `yaml:"older_than"`
	SegmentBy string        `yaml:"segment_by"`
	OrderBy   string        `yaml:"order_by"`
}

// RetentionRule schedules retention for one table.
type RetentionRule struct {
	Table  string        `yaml:"table"`
	MaxAge time.Duration `yaml:"max_age"`
}

// QueryConfig configures the SQL query service.
type QueryConfig struct {
	// MemoryLimit is the DuckDB memory limit.
	MemoryLimit string `yaml:"memory_limit" envconfig:"QUERY_MEMORY_LIMIT"`

	// Timeout is the query timeout.
	Timeout time.Duration `yaml:"timeout"`

	// MaxRows is the maximum number of rows returned.
	MaxRows int `yaml:"max_rows"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled enables the /metrics HTTP listener.
	Enabled bool `yaml:"enabled" envconfig:"METRICS_ENABLED"`

	// Port is the listener port.
	Port int `yaml:"port" envconfig:"METRICS_PORT"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level" envconfig:"LOG_LEVEL"`

	// JSON switches output to JSON records.
	JSON bool `yaml:"json" envconfig:"LOG_JSON"`
}

// Load loads configuration from a YAML file and applies TICKVAULT_*
// environment overrides. An empty path skips the file and uses defaults
// plus environment only.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := envconfig.Process("tickvault", config); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "/var/lib/tickvault",
		Chunks: ChunksConfig{
			TickWidth:   time.Hour,
			CandleWidth: 24 * time.Hour,
		},
		ConflictPolicy: "keep-first",
		Features: FeaturesConfig{
			SpreadSketch: SpreadSketchConfig{
				Enabled: true,
			},
			Compression: CompressionConfig{
				Algorithm: "zstd",
				Level:     3,
			},
		},
		WAL: WALConfig{
			SyncMode:       "async",
			SyncInterval:   time.Second,
			MaxSegmentSize: 100 * 1024 * 1024, // 100MB
		},
		Lifecycle: LifecycleConfig{
			Interval: time.Minute,
			Compression: []CompressionRule{
				{Table: "ticks", OlderThan: 2 * time.Hour, SegmentBy: "symbol", OrderBy: "time"},
				{Table: "candles_1m", OlderThan: 48 * time.Hour, SegmentBy: "symbol", OrderBy: "bucket_start"},
			},
			Retention: []RetentionRule{
				{Table: "ticks", MaxAge: 48 * time.Hour},
				{Table: "candles_1m", MaxAge: 30 * 24 * time.Hour},
			},
		},
		Query: QueryConfig{
			MemoryLimit: "2GB",
			Timeout:     30 * time.Second,
			MaxRows:     1000000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9091,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// WALDir returns the effective WAL directory.
func (c *Config) WALDir() string {
	if c.WAL.Dir != "" {
		return c.WAL.Dir
	}
	return c.DataDir + "/wal"
}
