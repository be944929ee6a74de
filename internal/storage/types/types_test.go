package types

import (
	"testing"
	"time"
)

func TestNewTick_DerivedColumns(t *testing.T) {
	tests := []struct {
		name     string
		bid, ask float64
	}{
		{"normal quote", 1.1000, 1.1002},
		{"zero spread", 1.2345, 1.2345},
		{"wide spread", 100.0, 101.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tick := NewTick("EURUSD", 1000, tt.bid, tt.ask, 1, 1)

			if tick.Spread != tt.ask-tt.bid {
				t.Errorf("spread = %v, want %v", tick.Spread, tt.ask-tt.bid)
			}
			if tick.Mid != (tt.bid+tt.ask)/2 {
				t.Errorf("mid = %v, want %v", tick.Mid, (tt.bid+tt.ask)/2)
			}
		})
	}
}

func TestTick_RowTime(t *testing.T) {
	tick := NewTick("EURUSD", 123456, 1.0, 1.1, 1, 1)
	if tick.RowTime() != 123456 {
		t.Errorf("RowTime = %d, want 123456", tick.RowTime())
	}
	if !tick.Time().Equal(time.UnixMilli(123456)) {
		t.Errorf("Time = %v", tick.Time())
	}
}

func TestTimeframe_Duration(t *testing.T) {
	tests := []struct {
		tf   Timeframe
		want time.Duration
	}{
		{Timeframe1m, time.Minute},
		{Timeframe5m, 5 * time.Minute},
		{Timeframe15m, 15 * time.Minute},
		{Timeframe1h, time.Hour},
		{Timeframe4h, 4 * time.Hour},
		{Timeframe1d, 24 * time.Hour},
	}

	for _, tt := range tests {
		if got := tt.tf.Duration(); got != tt.want {
			t.Errorf("%s duration = %v, want %v", tt.tf, got, tt.want)
		}
	}
}

func TestTimeframe_TruncateMs(t *testing.T) {
	// 10:00:59.900 truncates to 10:00:00 for 1m buckets
	ts := time.Date(2024, 3, 1, 10, 0, 59, 900e6, time.UTC).UnixMilli()
	want := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC).UnixMilli()

	if got := Timeframe1m.TruncateMs(ts); got != want {
		t.Errorf("TruncateMs = %d, want %d", got, want)
	}

	// Already aligned timestamps are unchanged
	if got := Timeframe1m.TruncateMs(want); got != want {
		t.Errorf("TruncateMs(aligned) = %d, want %d", got, want)
	}
}

func TestParseTimeframe(t *testing.T) {
	if _, err := ParseTimeframe("5m"); err != nil {
		t.Errorf("ParseTimeframe(5m): %v", err)
	}
	if _, err := ParseTimeframe("7m"); err == nil {
		t.Error("ParseTimeframe(7m) should fail")
	}
}

func TestTimeframeForTable(t *testing.T) {
	tf, ok := TimeframeForTable("candles_5m")
	if !ok || tf != Timeframe5m {
		t.Errorf("TimeframeForTable(candles_5m) = %v, %v", tf, ok)
	}
	if _, ok := TimeframeForTable("ticks"); ok {
		t.Error("ticks is not a candle table")
	}
}

func TestCandle_Key(t *testing.T) {
	a := Candle{Symbol: "EURUSD", Timeframe: Timeframe1m, BucketStart: 60000}
	b := Candle{Symbol: "EURUSD", Timeframe: Timeframe1m, BucketStart: 60000, Close: 9}
	c := Candle{Symbol: "EURUSD", Timeframe: Timeframe5m, BucketStart: 60000}

	if !a.SameKey(&b) {
		t.Error("candles with same identity should share a key")
	}
	if a.SameKey(&c) {
		t.Error("different timeframes must not share a key")
	}
	if a.Key() == c.Key() {
		t.Error("Key strings must differ across timeframes")
	}
}

func TestCandle_BucketEnd(t *testing.T) {
	c := Candle{Timeframe: Timeframe1m, BucketStart: 60000}
	if c.BucketEnd() != 120000 {
		t.Errorf("BucketEnd = %d, want 120000", c.BucketEnd())
	}
}

func TestCandle_SpreadQuantiles(t *testing.T) {
	var c Candle
	if c.HasSpreadQuantiles() {
		t.Error("new candle should not have quantiles")
	}
	c.SetSpreadQuantiles(1, 2, 3)
	if !c.HasSpreadQuantiles() || *c.SpreadP95 != 2 {
		t.Error("quantiles not set correctly")
	}
}
