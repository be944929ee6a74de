package types

import (
	"fmt"
	"time"
)

// Candle represents an OHLC aggregate for one bucket of one symbol.
// Rows are unique per (Symbol, Timeframe, BucketStart).
type Candle struct {
	// BucketStart is the bucket start in Unix milliseconds,
	// aligned to the timeframe width.
	BucketStart int64

	// Identity
	Symbol    string
	Timeframe Timeframe

	// OHLC over the source rows in the bucket.
	Open  float64
	High  float64
	Low   float64
	Close float64

	// Volume is the summed size; TickVolume is the source row count.
	Volume     float64
	TickVolume int64

	// Spread statistics over the bucket's source ticks.
	SpreadAvg float64
	SpreadMax float64
	SpreadMin float64

	// Spread quantiles (optional, nil when the sketch is disabled or the
	// candle was rolled up from sub-candles, where quantiles cannot be merged).
	SpreadP50 *float64
	SpreadP95 *float64
	SpreadP99 *float64
}

// Key returns the unique identifier for this candle's row.
func (c *Candle) Key() string {
	return fmt.Sprintf("%s/%s/%d", c.Symbol, c.Timeframe, c.BucketStart)
}

// RowTime returns the partitioning timestamp in Unix milliseconds.
func (c Candle) RowTime() int64 {
	return c.BucketStart
}

// BucketStartTime returns the bucket start as a time.Time.
func (c *Candle) BucketStartTime() time.Time {
	return time.UnixMilli(c.BucketStart)
}

// BucketEnd returns the exclusive bucket end in Unix milliseconds.
func (c *Candle) BucketEnd() int64 {
	return c.BucketStart + c.Timeframe.Duration().Milliseconds()
}

// SameKey reports whether two candles address the same row.
func (c *Candle) SameKey(other *Candle) bool {
	return c.Symbol == other.Symbol &&
		c.Timeframe == other.Timeframe &&
		c.BucketStart == other.BucketStart
}

// HasSpreadQuantiles returns true if sketch quantiles are present.
func (c *Candle) HasSpreadQuantiles() bool {
	return c.SpreadP50 != nil
}

// SetSpreadQuantiles sets all spread quantile values.
func (c *Candle) SetSpreadQuantiles(p50, p95, p99 float64) {
	c.SpreadP50 = &p50
	c.SpreadP95 = &p95
	c.SpreadP99 = &p99
}
