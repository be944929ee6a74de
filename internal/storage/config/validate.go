package config

import (
	"log/slog"

	verrors "github.com/tickvault/tickvault/internal/errors"
	"github.com/tickvault/tickvault/internal/storage/types"
)

// Validate checks the configuration for consistency. Cross-component rules
// (aggregate layering, policy targets) are enforced again by the components
// themselves; this catches malformed files before anything starts.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return verrors.NewInvalidValue("data_dir", c.DataDir, "must not be empty")
	}
	if c.Chunks.TickWidth <= 0 {
		return verrors.NewInvalidValue("chunks.tick_width", c.Chunks.TickWidth, "must be positive")
	}
	if c.Chunks.CandleWidth <= 0 {
		return verrors.NewInvalidValue("chunks.candle_width", c.Chunks.CandleWidth, "must be positive")
	}

	switch c.ConflictPolicy {
	case "", "keep-first", "error":
	default:
		return verrors.NewInvalidValue("conflict_policy", c.ConflictPolicy, "must be keep-first or error")
	}

	for _, tf := range c.Timeframes {
		if _, err := types.ParseTimeframe(tf); err != nil {
			return verrors.NewInvalidValue("timeframes", tf, "unknown timeframe")
		}
	}

	switch c.WAL.SyncMode {
	case "", "async", "sync", "fsync":
	default:
		return verrors.NewInvalidValue("wal.sync_mode", c.WAL.SyncMode, "must be async, sync or fsync")
	}
	if c.WAL.MaxSegmentSize < 0 {
		return verrors.NewInvalidValue("wal.max_segment_size", c.WAL.MaxSegmentSize, "must not be negative")
	}

	switch c.Features.Compression.Algorithm {
	case "", "snappy", "zstd", "lz4", "gzip", "none":
	default:
		return verrors.NewInvalidValue("features.compression.algorithm",
			c.Features.Compression.Algorithm, "unknown algorithm")
	}

	if c.Lifecycle.Interval <= 0 {
		return verrors.NewInvalidValue("lifecycle.interval", c.Lifecycle.Interval, "must be positive")
	}

	retention := make(map[string]RetentionRule, len(c.Lifecycle.Retention))
	for _, r := range c.Lifecycle.Retention {
		if r.Table == "" {
			return verrors.NewInvalidValue("lifecycle.retention.table", r.Table, "must not be empty")
		}
		if r.MaxAge <= 0 {
			return verrors.NewInvalidValue("lifecycle.retention.max_age", r.MaxAge, "must be positive")
		}
		retention[r.Table] = r
	}

	for _, rule := range c.Lifecycle.Compression {
		if rule.Table == "" {
			return verrors.NewInvalidValue("lifecycle.compression.table", rule.Table, "must not be empty")
		}
		if rule.OlderThan <= 0 {
			return verrors.NewInvalidValue("lifecycle.compression.older_than", rule.OlderThan, "must be positive")
		}
		if r, ok := retention[rule.Table]; ok && rule.OlderThan > r.MaxAge {
			return verrors.NewInvalidValue("lifecycle.compression.older_than", rule.OlderThan,
				"must not exceed the table's retention max_age")
		}
	}

	names := make(map[string]bool, len(c.Aggregates))
	for _, a := range c.Aggregates {
		if a.Name == "" {
			return verrors.NewInvalidValue("aggregates.name", a.Name, "must not be empty")
		}
		if names[a.Name] {
			return verrors.NewInvalidValue("aggregates.name", a.Name, "duplicate name")
		}
		names[a.Name] = true
		if _, err := types.ParseTimeframe(a.Destination); err != nil {
			return verrors.NewInvalidValue("aggregates.destination", a.Destination, "unknown timeframe")
		}
	}

	if c.Query.MaxRows < 0 {
		return verrors.NewInvalidValue("query.max_rows", c.Query.MaxRows, "must not be negative")
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return verrors.NewInvalidValue("metrics.port", c.Metrics.Port, "must be a valid port")
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return verrors.NewInvalidValue("logging.level", c.Logging.Level, "must be debug, info, warn or error")
	}

	return nil
}

// LogLevel returns the configured slog level.
func (c *Config) LogLevel() slog.Level {
	switch c.Logging.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// EnabledTimeframes returns the configured timeframes, or all supported ones
// when the list is empty.
func (c *Config) EnabledTimeframes() []types.Timeframe {
	if len(c.Timeframes) == 0 {
		return types.AllTimeframes()
	}
	out := make([]types.Timeframe, 0, len(c.Timeframes))
	for _, s := range c.Timeframes {
		out = append(out, types.Timeframe(s))
	}
	return out
}
