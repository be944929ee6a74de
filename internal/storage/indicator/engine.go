// Package indicator computes query-time indicators over candle tables.
//
// Indicators are derived on demand from materialized candles and never
// stored, so a recomputed bucket is reflected the next time the indicator
// is read.
package indicator

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	verrors "github.com/tickvault/tickvault/internal/errors"
	"github.com/tickvault/tickvault/internal/logging"
	"github.com/tickvault/tickvault/internal/storage/types"
)

// DefaultLatestLimit is the candle count Latest returns when the caller
// does not specify one.
const DefaultLatestLimit = 100

// CandleReader is the store surface indicators read from.
type CandleReader interface {
	// ReadCandles returns candles from the named table with bucket starts
	// in [t0, t1), time ascending.
	ReadCandles(table string, t0, t1 int64) ([]types.Candle, error)
}

// Point is one indicator value at a bucket start.
type Point struct {
	TimeMs int64
	Value  float64
}

// Engine evaluates indicators against a candle store.
type Engine struct {
	reader CandleReader
	now    func() time.Time
	log    *slog.Logger
}

// New creates an indicator engine over the given reader.
func New(reader CandleReader) *Engine {
	return &Engine{
		reader: reader,
		now:    time.Now,
		log:    logging.Component("indicator"),
	}
}

// SetClock overrides the engine clock.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// ATR computes the Average True Range for one symbol from startMs to now.
//
// True range per candle is max(high-low, |high-prev_close|, |low-prev_close|);
// the first candle of the series has no previous close and uses high-low.
// Each point averages the last period true ranges; candles inside the warm-up
// prefix average however many are available, so the series starts at startMs
// rather than period buckets later.
func (e *Engine) ATR(symbol string, tf types.Timeframe, period int, startMs int64) ([]Point, error) {
	if symbol == "" {
		return nil, verrors.NewInvalidArgument("symbol", "must not be empty")
	}
	if !tf.Valid() {
		return nil, verrors.NewInvalidArgument("timeframe", fmt.Sprintf("unknown timeframe %q", tf))
	}
	if period <= 0 {
		return nil, verrors.NewInvalidArgument("period", "must be positive")
	}

	width := tf.Duration().Milliseconds()
	start := tf.TruncateMs(startMs)
	end := e.now().UnixMilli()
	if start >= end {
		return nil, nil
	}

	// Read one bucket before the range so the first candle at start has a
	// previous close for its true range.
	lookback := start - width
	if lookback < 0 {
		lookback = 0
	}

	candles, err := e.readSymbol(symbol, tf, lookback, end)
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, nil
	}

	trs := make([]float64, len(candles))
	for i, c := range candles {
		tr := c.High - c.Low
		if i > 0 {
			prevClose := candles[i-1].Close
			tr = math.Max(tr, math.Abs(c.High-prevClose))
			tr = math.Max(tr, math.Abs(c.Low-prevClose))
		}
		trs[i] = tr
	}

	var points []Point
	for i, c := range candles {
		if c.BucketStart < start {
			continue
		}

		lo := i - period + 1
		if lo < 0 {
			lo = 0
		}
		sum := 0.0
		for _, tr := range trs[lo : i+1] {
			sum += tr
		}
		points = append(points, Point{
			TimeMs: c.BucketStart,
			Value:  sum / float64(i+1-lo),
		})
	}

	return points, nil
}

// Latest returns the most recent limit candles for one symbol, newest first.
func (e *Engine) Latest(symbol string, tf types.Timeframe, limit int) ([]types.Candle, error) {
	if symbol == "" {
		return nil, verrors.NewInvalidArgument("symbol", "must not be empty")
	}
	if !tf.Valid() {
		return nil, verrors.NewInvalidArgument("timeframe", fmt.Sprintf("unknown timeframe %q", tf))
	}
	if limit <= 0 {
		return nil, verrors.NewInvalidArgument("limit", "must be positive")
	}

	width := tf.Duration().Milliseconds()
	end := e.now().UnixMilli()

	// Walk backwards in growing windows until enough candles are found or
	// the window reaches the epoch. Gaps in trading hours make a fixed
	// lookback unreliable.
	span := width * int64(limit)
	var candles []types.Candle
	for {
		lo := end - span
		if lo < 0 {
			lo = 0
		}

		var err error
		candles, err = e.readSymbol(symbol, tf, lo, end)
		if err != nil {
			return nil, err
		}
		if len(candles) >= limit || lo == 0 {
			break
		}
		span *= 4
	}

	// Newest first.
	sort.Slice(candles, func(i, j int) bool { return candles[i].BucketStart > candles[j].BucketStart })
	if len(candles) > limit {
		candles = candles[:limit]
	}
	return candles, nil
}

func (e *Engine) readSymbol(symbol string, tf types.Timeframe, t0, t1 int64) ([]types.Candle, error) {
	if t0 >= t1 {
		return nil, nil
	}

	rows, err := e.reader.ReadCandles(tf.Table(), t0, t1)
	if err != nil {
		return nil, err
	}

	out := rows[:0:0]
	for _, c := range rows {
		if c.Symbol == symbol {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketStart < out[j].BucketStart })
	return out, nil
}
