package storage

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/tickvault/tickvault/internal/storage/config"
	"github.com/tickvault/tickvault/internal/storage/query"
	"github.com/tickvault/tickvault/internal/storage/types"
)

// endToEndConfig tightens the defaults so a single test run exercises the
// whole pipeline: ingest, aggregation, compression, SQL reads and recovery.
func endToEndConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.WAL.SyncMode = "sync"
	cfg.Metrics.Enabled = false
	cfg.Timeframes = []string{"1m", "5m"}

	// Hour-wide candle chunks so compression can seal them within the
	// test's time horizon.
	cfg.Chunks.CandleWidth = time.Hour

	// Wider refresh windows than the default chain, reaching back past the
	// compression age used below.
	cfg.Aggregates = []config.AggregateConfig{
		{Name: "candles_1m", Source: "ticks", Destination: "1m",
			StartOffset: 3 * time.Hour, EndOffset: time.Minute, Interval: time.Minute},
		{Name: "candles_5m", Source: "candles_1m", Destination: "5m",
			StartOffset: 3 * time.Hour, EndOffset: 5 * time.Minute, Interval: 5 * time.Minute},
	}

	cfg.Lifecycle.Compression = []config.CompressionRule{
		{Table: "ticks", OlderThan: time.Hour, SegmentBy: "symbol", OrderBy: "time"},
		{Table: "candles_1m", OlderThan: time.Hour, SegmentBy: "symbol", OrderBy: "bucket_start"},
	}
	cfg.Lifecycle.Retention = []config.RetentionRule{
		{Table: "ticks", MaxAge: 48 * time.Hour},
		{Table: "candles_1m", MaxAge: 30 * 24 * time.Hour},
	}

	return cfg
}

func TestEngine_EndToEnd(t *testing.T) {
	cfg := endToEndConfig(t)
	ctx := context.Background()

	svc, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// One minute of EURUSD quotes, far enough back that lifecycle will
	// seal the chunk but still inside the refresh window.
	base := types.Timeframe5m.TruncateMs(time.Now().Add(-150 * time.Minute).UnixMilli())
	appendEurusdMinute(t, svc, base)

	// Aggregation: ticks to 1m, then 1m to 5m.
	if _, err := svc.RefreshAll(ctx); err != nil {
		t.Fatalf("RefreshAll: %v", err)
	}

	fine, err := svc.ReadCandles(types.Timeframe1m, "EURUSD", base, base+60_000)
	if err != nil {
		t.Fatalf("ReadCandles 1m: %v", err)
	}
	if len(fine) != 1 {
		t.Fatalf("got %d 1m candles, want 1", len(fine))
	}
	c := fine[0]
	if c.Open != 1.1001 || c.High != 1.1002 || c.Low != 1.1000 || c.Close != 1.1000 {
		t.Errorf("1m ohlc = %v/%v/%v/%v", c.Open, c.High, c.Low, c.Close)
	}
	if c.Volume != 9 || c.TickVolume != 3 {
		t.Errorf("1m volume = %v, tick volume = %v", c.Volume, c.TickVolume)
	}
	if !c.HasSpreadQuantiles() {
		t.Error("1m candle missing spread quantiles")
	}

	coarse, err := svc.ReadCandles(types.Timeframe5m, "EURUSD", base, base+5*60_000)
	if err != nil {
		t.Fatalf("ReadCandles 5m: %v", err)
	}
	if len(coarse) != 1 {
		t.Fatalf("got %d 5m candles, want 1", len(coarse))
	}
	if coarse[0].Close != 1.1000 || coarse[0].TickVolume != 3 {
		t.Errorf("5m candle = %+v", coarse[0])
	}
	if coarse[0].HasSpreadQuantiles() {
		t.Error("rolled-up candle should not carry spread quantiles")
	}

	// Indicator over the materialized series: a single candle's true range
	// is its high-low span.
	points, err := svc.ATR("EURUSD", types.Timeframe1m, 14, base)
	if err != nil {
		t.Fatalf("ATR: %v", err)
	}
	if len(points) != 1 {
		t.Fatalf("got %d ATR points, want 1", len(points))
	}
	if math.Abs(points[0].Value-0.0002) > 1e-9 {
		t.Errorf("ATR = %v, want 0.0002", points[0].Value)
	}

	latest, err := svc.LatestCandles("EURUSD", types.Timeframe1m, 0)
	if err != nil {
		t.Fatalf("LatestCandles: %v", err)
	}
	if len(latest) != 1 || latest[0].BucketStart != base {
		t.Errorf("latest = %+v", latest)
	}

	// Lifecycle: both the tick chunk and the candle chunk age past the
	// compression policy and seal.
	results, err := svc.RunLifecyclePass(ctx)
	if err != nil {
		t.Fatalf("RunLifecyclePass: %v", err)
	}
	compressed := map[string]int{}
	for _, r := range results {
		compressed[r.Table] = r.Compressed
	}
	if compressed[types.TableTicks] != 1 {
		t.Errorf("tick chunks compressed = %d, want 1", compressed[types.TableTicks])
	}
	if compressed["candles_1m"] != 1 {
		t.Errorf("candle chunks compressed = %d, want 1", compressed["candles_1m"])
	}

	// SQL over the sealed segments.
	ticks, err := svc.QueryTicks(ctx, query.TickQuery{
		Symbol:    "EURUSD",
		StartTime: time.UnixMilli(base),
		EndTime:   time.UnixMilli(base + 60_000),
	})
	if err != nil {
		t.Fatalf("QueryTicks: %v", err)
	}
	if len(ticks) != 3 {
		t.Fatalf("sql tick query returned %d rows, want 3", len(ticks))
	}
	if ticks[0].Mid != 1.1001 {
		t.Errorf("sql tick mid = %v", ticks[0].Mid)
	}

	sealed, err := svc.QueryCandles(ctx, query.CandleQuery{
		Symbol:    "EURUSD",
		Timeframe: types.Timeframe1m,
		StartTime: time.UnixMilli(base),
		EndTime:   time.UnixMilli(base + 60_000),
	})
	if err != nil {
		t.Fatalf("QueryCandles: %v", err)
	}
	if len(sealed) != 1 {
		t.Fatalf("sql candle query returned %d rows, want 1", len(sealed))
	}
	if !sealed[0].HasSpreadQuantiles() {
		t.Error("quantiles lost through the sql path")
	}

	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// Recovery: sealed segments come back from disk, WAL entries for
	// already-compressed rows replay as no-ops.
	svc2, err := New(cfg)
	if err != nil {
		t.Fatalf("New after restart: %v", err)
	}
	if err := svc2.Start(ctx); err != nil {
		t.Fatalf("Start after restart: %v", err)
	}
	defer svc2.Stop()

	ticksAgain, err := svc2.ReadTicks("EURUSD", base, base+60_000)
	if err != nil {
		t.Fatalf("ReadTicks after restart: %v", err)
	}
	if len(ticksAgain) != 3 {
		t.Errorf("got %d ticks after restart, want 3", len(ticksAgain))
	}

	candlesAgain, err := svc2.ReadCandles(types.Timeframe1m, "EURUSD", base, base+60_000)
	if err != nil {
		t.Fatalf("ReadCandles after restart: %v", err)
	}
	if len(candlesAgain) != 1 || candlesAgain[0].Close != 1.1000 {
		t.Errorf("candles after restart = %+v", candlesAgain)
	}

	stats := svc2.Stats()
	if stats.ChunksCompressed < 2 {
		t.Errorf("recovered %d compressed chunks, want at least 2", stats.ChunksCompressed)
	}
}
