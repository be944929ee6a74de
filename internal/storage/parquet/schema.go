package parquet

import "github.com/tickvault/tickvault/internal/storage/types"

// TickRow represents a tick in Parquet format.
type TickRow struct {
	Symbol  string  `parquet:"symbol,zstd"`
	TimeMs  int64   `parquet:"time_ms"`
	Bid     float64 `parquet:"bid"`
	Ask     float64 `parquet:"ask"`
	BidSize float64 `parquet:"bid_size"`
	AskSize float64 `parquet:"ask_size"`
	Spread  float64 `parquet:"spread"`
	Mid     float64 `parquet:"mid"`
}

// CandleRow represents a candle in Parquet format.
type CandleRow struct {
	Symbol      string  `parquet:"symbol,zstd"`
	Timeframe   string  `parquet:"timeframe,zstd"`
	BucketStart int64   `parquet:"bucket_start"`
	Open        float64 `parquet:"open"`
	High        float64 `parquet:"high"`
	Low         float64 `parquet:"low"`
	Close       float64 `parquet:"close"`
	Volume      float64 `parquet:"volume"`
	TickVolume  int64   `parquet:"tick_volume"`
	SpreadAvg   float64 `parquet:"spread_avg"`
	SpreadMax   float64 `parquet:"spread_max"`
	SpreadMin   float64 `parquet:"spread_min"`
	SpreadP50   float64 `parquet:"spread_p50,optional"`
	SpreadP95   float64 `parquet:"spread_p95,optional"`
	SpreadP99   float64 `parquet:"spread_p99,optional"`
	HasSketch   bool    `parquet:"has_sketch"`
}

// TickToRow converts a Tick to a TickRow.
func TickToRow(t *types.Tick) TickRow {
	return TickRow{
		Symbol:  t.Symbol,
		TimeMs:  t.TimeMs,
		Bid:     t.Bid,
		Ask:     t.Ask,
		BidSize: t.BidSize,
		AskSize: t.AskSize,
		Spread:  t.Spread,
		Mid:     t.Mid,
	}
}

// RowToTick converts a TickRow to a Tick.
func RowToTick(r *TickRow) types.Tick {
	return types.Tick{
		Symbol:  r.Symbol,
		TimeMs:  r.TimeMs,
		Bid:     r.Bid,
		Ask:     r.Ask,
		BidSize: r.BidSize,
		AskSize: r.AskSize,
		Spread:  r.Spread,
		Mid:     r.Mid,
	}
}

// CandleToRow converts a Candle to a CandleRow.
func CandleToRow(c *types.Candle) CandleRow {
	row := CandleRow{
		Symbol:      c.Symbol,
		Timeframe:   string(c.Timeframe),
		BucketStart: c.BucketStart,
		Open:        c.Open,
		High:        c.High,
		Low:         c.Low,
		Close:       c.Close,
		Volume:      c.Volume,
		TickVolume:  c.TickVolume,
		SpreadAvg:   c.SpreadAvg,
		SpreadMax:   c.SpreadMax,
		SpreadMin:   c.SpreadMin,
	}

	if c.HasSpreadQuantiles() {
		row.SpreadP50 = *c.SpreadP50
		row.SpreadP95 = *c.SpreadP95
		row.SpreadP99 = *c.SpreadP99
		row.HasSketch = true
	}

	return row
}

// RowToCandle converts a CandleRow to a Candle.
func RowToCandle(r *CandleRow) types.Candle {
	c := types.Candle{
		Symbol:      r.Symbol,
		Timeframe:   types.Timeframe(r.Timeframe),
		BucketStart: r.BucketStart,
		Open:        r.Open,
		High:        r.High,
		Low:         r.Low,
		Close:       r.Close,
		Volume:      r.Volume,
		TickVolume:  r.TickVolume,
		SpreadAvg:   r.SpreadAvg,
		SpreadMax:   r.SpreadMax,
		SpreadMin:   r.SpreadMin,
	}

	if r.HasSketch {
		c.SetSpreadQuantiles(r.SpreadP50, r.SpreadP95, r.SpreadP99)
	}

	return c
}
