// Package rollup implements continuous aggregation of ticks and candles.
//
// Each aggregate definition materializes one candle table from a finer
// source on a fixed schedule, recomputing a sliding window behind the
// ingest frontier so late rows are folded in on the next pass.
package rollup

import (
	"fmt"
	"time"

	verrors "github.com/tickvault/tickvault/internal/errors"
	"github.com/tickvault/tickvault/internal/storage/types"
)

// Definition describes one continuous aggregate.
type Definition struct {
	// Name uniquely identifies the aggregate.
	Name string

	// Source is the table read by each refresh: "ticks" or a finer
	// candle table such as "candles_1m".
	Source string

	// Destination is the timeframe whose candle table this aggregate
	// materializes.
	Destination types.Timeframe

	// StartOffset and EndOffset bound the refresh window relative to the
	// scheduler clock: each pass recomputes [now-StartOffset, now-EndOffset),
	// aligned to destination buckets. EndOffset keeps the window clear of
	// buckets that are still filling.
	StartOffset time.Duration
	EndOffset   time.Duration

	// Interval is the refresh cadence.
	Interval time.Duration
}

// SourceTimeframe returns the source timeframe and true when the source is a
// candle table; false means the source is raw ticks.
func (d *Definition) SourceTimeframe() (types.Timeframe, bool) {
	return types.TimeframeForTable(d.Source)
}

// Validate checks the definition for internal consistency.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return verrors.NewInvalidValue("aggregate.name", d.Name, "must not be empty")
	}
	if !d.Destination.Valid() {
		return verrors.NewInvalidValue("aggregate.destination", d.Destination, "unknown timeframe")
	}

	if d.Source != types.TableTicks {
		src, ok := types.TimeframeForTable(d.Source)
		if !ok {
			return fmt.Errorf("aggregate %q: source %q: %w", d.Name, d.Source, verrors.ErrUnknownSource)
		}
		// Layered rollups must read strictly finer data, otherwise the
		// refresh ordering by destination width cannot guarantee the
		// source is fresh.
		if src.Duration() >= d.Destination.Duration() {
			return verrors.NewInvalidValue("aggregate.source", d.Source,
				fmt.Sprintf("must be finer than destination %s", d.Destination))
		}
	}

	if d.StartOffset <= 0 {
		return verrors.NewInvalidValue("aggregate.start_offset", d.StartOffset, "must be positive")
	}
	if d.EndOffset < 0 {
		return verrors.NewInvalidValue("aggregate.end_offset", d.EndOffset, "must not be negative")
	}
	if d.EndOffset >= d.StartOffset {
		return verrors.NewInvalidValue("aggregate.end_offset", d.EndOffset,
			"must be smaller than start_offset")
	}
	if d.StartOffset-d.EndOffset < d.Destination.Duration() {
		return verrors.NewInvalidValue("aggregate.start_offset", d.StartOffset,
			"window must span at least one destination bucket")
	}
	if d.Interval <= 0 {
		return verrors.NewInvalidValue("aggregate.interval", d.Interval, "must be positive")
	}

	return nil
}

// Window returns the refresh window [start, end) in Unix milliseconds for
// the given clock reading, aligned to destination buckets.
func (d *Definition) Window(now time.Time) (int64, int64) {
	nowMs := now.UnixMilli()
	start := d.Destination.TruncateMs(nowMs - d.StartOffset.Milliseconds())
	end := d.Destination.TruncateMs(nowMs - d.EndOffset.Milliseconds())
	return start, end
}
