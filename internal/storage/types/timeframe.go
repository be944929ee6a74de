package types

import (
	"fmt"
	"time"
)

// Timeframe identifies a fixed candle bucket width.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

// TableTicks is the logical table holding raw ticks.
const TableTicks = "ticks"

// AllTimeframes returns the supported timeframes from finest to coarsest.
func AllTimeframes() []Timeframe {
	return []Timeframe{Timeframe1m, Timeframe5m, Timeframe15m, Timeframe1h, Timeframe4h, Timeframe1d}
}

// ParseTimeframe parses a timeframe name.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if !tf.Valid() {
		return "", fmt.Errorf("unknown timeframe %q", s)
	}
	return tf, nil
}

// Valid returns true if the timeframe is one of the supported widths.
func (tf Timeframe) Valid() bool {
	switch tf {
	case Timeframe1m, Timeframe5m, Timeframe15m, Timeframe1h, Timeframe4h, Timeframe1d:
		return true
	default:
		return false
	}
}

// Duration returns the bucket width.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case Timeframe1m:
		return time.Minute
	case Timeframe5m:
		return 5 * time.Minute
	case Timeframe15m:
		return 15 * time.Minute
	case Timeframe1h:
		return time.Hour
	case Timeframe4h:
		return 4 * time.Hour
	case Timeframe1d:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Table returns the logical table name for this timeframe's candles.
func (tf Timeframe) Table() string {
	return "candles_" + string(tf)
}

// TimeframeForTable returns the timeframe whose candle table has the given
// name, or false if the name is not a candle table.
func TimeframeForTable(table string) (Timeframe, bool) {
	for _, tf := range AllTimeframes() {
		if tf.Table() == table {
			return tf, true
		}
	}
	return "", false
}

// TruncateMs floors a millisecond timestamp to this timeframe's bucket start.
func (tf Timeframe) TruncateMs(tsMs int64) int64 {
	width := tf.Duration().Milliseconds()
	if width <= 0 {
		return tsMs
	}
	return (tsMs / width) * width
}

// String returns the timeframe name.
func (tf Timeframe) String() string {
	return string(tf)
}
