package rollup

import (
	"sort"
	"strconv"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/tickvault/tickvault/internal/storage/types"
)

// sketchAccuracy is the DDSketch relative accuracy for spread quantiles.
const sketchAccuracy = 0.01

// tickBucket accumulates one (symbol, bucket) candle from raw ticks.
type tickBucket struct {
	symbol      string
	bucketStart int64

	firstTs int64
	lastTs  int64
	open    float64
	high    float64
	low     float64
	close_  float64

	volume     float64
	tickVolume int64

	spreadSum float64
	spreadMax float64
	spreadMin float64

	sketch *ddsketch.DDSketch
}

func newTickBucket(symbol string, bucketStart int64, withSketch bool) *tickBucket {
	b := &tickBucket{symbol: symbol, bucketStart: bucketStart}
	if withSketch {
		// Errors only occur for invalid accuracy; fall back to no sketch.
		if s, err := ddsketch.NewDefaultDDSketch(sketchAccuracy); err == nil {
			b.sketch = s
		}
	}
	return b
}

func (b *tickBucket) add(t *types.Tick) {
	price := t.Mid

	if b.tickVolume == 0 {
		b.firstTs = t.TimeMs
		b.lastTs = t.TimeMs
		b.open = price
		b.high = price
		b.low = price
		b.close_ = price
		b.spreadMax = t.Spread
		b.spreadMin = t.Spread
	} else {
		// ReadRange yields rows time-ascending; on equal timestamps the
		// earlier arrival stays the open and the later one the close.
		if t.TimeMs < b.firstTs {
			b.firstTs = t.TimeMs
			b.open = price
		}
		if t.TimeMs >= b.lastTs {
			b.lastTs = t.TimeMs
			b.close_ = price
		}
		if price > b.high {
			b.high = price
		}
		if price < b.low {
			b.low = price
		}
		if t.Spread > b.spreadMax {
			b.spreadMax = t.Spread
		}
		if t.Spread < b.spreadMin {
			b.spreadMin = t.Spread
		}
	}

	b.volume += t.BidSize + t.AskSize
	b.tickVolume++
	b.spreadSum += t.Spread

	if b.sketch != nil {
		b.sketch.Add(t.Spread)
	}
}

func (b *tickBucket) candle(tf types.Timeframe) types.Candle {
	c := types.Candle{
		BucketStart: b.bucketStart,
		Symbol:      b.symbol,
		Timeframe:   tf,
		Open:        b.open,
		High:        b.high,
		Low:         b.low,
		Close:       b.close_,
		Volume:      b.volume,
		TickVolume:  b.tickVolume,
		SpreadAvg:   b.spreadSum / float64(b.tickVolume),
		SpreadMax:   b.spreadMax,
		SpreadMin:   b.spreadMin,
	}

	if b.sketch != nil {
		p50, err50 := b.sketch.GetValueAtQuantile(0.50)
		p95, err95 := b.sketch.GetValueAtQuantile(0.95)
		p99, err99 := b.sketch.GetValueAtQuantile(0.99)
		if err50 == nil && err95 == nil && err99 == nil {
			c.SetSpreadQuantiles(p50, p95, p99)
		}
	}

	return c
}

// aggregateTicks builds destination candles from raw ticks. OHLC is computed
// over the mid price. Buckets with no ticks produce no candle.
func aggregateTicks(ticks []types.Tick, dest types.Timeframe, withSketch bool) []types.Candle {
	buckets := make(map[string]*tickBucket)

	for i := range ticks {
		t := &ticks[i]
		start := dest.TruncateMs(t.TimeMs)
		key := t.Symbol + "\x00" + strconv.FormatInt(start, 10)

		b, ok := buckets[key]
		if !ok {
			b = newTickBucket(t.Symbol, start, withSketch)
			buckets[key] = b
		}
		b.add(t)
	}

	out := make([]types.Candle, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, b.candle(dest))
	}
	sortCandles(out)
	return out
}

// candleBucket accumulates one destination candle from finer sub-candles.
type candleBucket struct {
	symbol      string
	bucketStart int64

	firstSub int64
	lastSub  int64
	open     float64
	high     float64
	low      float64
	close_   float64

	volume     float64
	tickVolume int64

	spreadWeighted float64
	spreadMax      float64
	spreadMin      float64
	subs           int64
}

func (b *candleBucket) add(c *types.Candle) {
	if b.subs == 0 {
		b.firstSub = c.BucketStart
		b.lastSub = c.BucketStart
		b.open = c.Open
		b.high = c.High
		b.low = c.Low
		b.close_ = c.Close
		b.spreadMax = c.SpreadMax
		b.spreadMin = c.SpreadMin
	} else {
		if c.BucketStart < b.firstSub {
			b.firstSub = c.BucketStart
			b.open = c.Open
		}
		if c.BucketStart > b.lastSub {
			b.lastSub = c.BucketStart
			b.close_ = c.Close
		}
		if c.High > b.high {
			b.high = c.High
		}
		if c.Low < b.low {
			b.low = c.Low
		}
		if c.SpreadMax > b.spreadMax {
			b.spreadMax = c.SpreadMax
		}
		if c.SpreadMin < b.spreadMin {
			b.spreadMin = c.SpreadMin
		}
	}

	b.volume += c.Volume
	b.tickVolume += c.TickVolume
	b.spreadWeighted += c.SpreadAvg * float64(c.TickVolume)
	b.subs++
}

func (b *candleBucket) candle(tf types.Timeframe) types.Candle {
	avg := 0.0
	if b.tickVolume > 0 {
		avg = b.spreadWeighted / float64(b.tickVolume)
	}

	// Quantiles are left unset: sketches are not retained per sub-candle,
	// and percentile points cannot be merged after the fact.
	return types.Candle{
		BucketStart: b.bucketStart,
		Symbol:      b.symbol,
		Timeframe:   tf,
		Open:        b.open,
		High:        b.high,
		Low:         b.low,
		Close:       b.close_,
		Volume:      b.volume,
		TickVolume:  b.tickVolume,
		SpreadAvg:   avg,
		SpreadMax:   b.spreadMax,
		SpreadMin:   b.spreadMin,
	}
}

// rollupCandles builds destination candles from a finer candle table.
func rollupCandles(src []types.Candle, dest types.Timeframe) []types.Candle {
	buckets := make(map[string]*candleBucket)

	for i := range src {
		c := &src[i]
		start := dest.TruncateMs(c.BucketStart)
		key := c.Symbol + "\x00" + strconv.FormatInt(start, 10)

		b, ok := buckets[key]
		if !ok {
			b = &candleBucket{symbol: c.Symbol, bucketStart: start}
			buckets[key] = b
		}
		b.add(c)
	}

	out := make([]types.Candle, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, b.candle(dest))
	}
	sortCandles(out)
	return out
}

func sortCandles(cs []types.Candle) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].BucketStart != cs[j].BucketStart {
			return cs[i].BucketStart < cs[j].BucketStart
		}
		return cs[i].Symbol < cs[j].Symbol
	})
}
