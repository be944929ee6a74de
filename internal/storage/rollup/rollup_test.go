package rollup

import (
	"context"
	"sync"
	"testing"
	"time"

	verrors "github.com/tickvault/tickvault/internal/errors"
	"github.com/tickvault/tickvault/internal/storage/types"
)

// memStorage is an in-memory Storage for refresher tests.
type memStorage struct {
	mu      sync.Mutex
	ticks   []types.Tick
	candles map[string]types.Candle // by Key()

	readTickCalls int
	blockReads    chan struct{} // when non-nil, ReadTicks blocks until closed
}

func newMemStorage() *memStorage {
	return &memStorage{candles: make(map[string]types.Candle)}
}

func (m *memStorage) ReadTicks(t0, t1 int64) ([]types.Tick, error) {
	m.mu.Lock()
	m.readTickCalls++
	block := m.blockReads
	m.mu.Unlock()

	if block != nil {
		<-block
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Tick
	for _, t := range m.ticks {
		if t.TimeMs >= t0 && t.TimeMs < t1 {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memStorage) ReadCandles(table string, t0, t1 int64) ([]types.Candle, error) {
	tf, ok := types.TimeframeForTable(table)
	if !ok {
		return nil, verrors.NewTableNotFound(table)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Candle
	for _, c := range m.candles {
		if c.Timeframe == tf && c.BucketStart >= t0 && c.BucketStart < t1 {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memStorage) UpsertCandle(c types.Candle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candles[c.Key()] = c
	return nil
}

func (m *memStorage) get(symbol string, tf types.Timeframe, bucket int64) (types.Candle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := types.Candle{Symbol: symbol, Timeframe: tf, BucketStart: bucket}
	got, ok := m.candles[c.Key()]
	return got, ok
}

// at returns the Unix ms timestamp for 10:00:00 UTC plus an offset.
func at(offset time.Duration) int64 {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	return base.Add(offset).UnixMilli()
}

func eurusdMinute() []types.Tick {
	return []types.Tick{
		types.NewTick("EURUSD", at(100*time.Millisecond), 1.1000, 1.1002, 1, 1),
		types.NewTick("EURUSD", at(30*time.Second), 1.1001, 1.1003, 2, 1),
		types.NewTick("EURUSD", at(59*time.Second), 1.0999, 1.1001, 1, 3),
	}
}

func TestAggregateTicks_OneMinuteBucket(t *testing.T) {
	candles := aggregateTicks(eurusdMinute(), types.Timeframe1m, false)

	if len(candles) != 1 {
		t.Fatalf("got %d candles, want 1", len(candles))
	}

	c := candles[0]
	if c.BucketStart != at(0) {
		t.Errorf("bucket start = %d, want %d", c.BucketStart, at(0))
	}
	if c.Open != 1.1001 {
		t.Errorf("open = %v, want 1.1001 (mid of first tick)", c.Open)
	}
	if c.High != 1.1002 {
		t.Errorf("high = %v, want 1.1002", c.High)
	}
	if c.Low != 1.1000 {
		t.Errorf("low = %v, want 1.1000", c.Low)
	}
	if c.Close != 1.1000 {
		t.Errorf("close = %v, want 1.1000 (mid of last tick)", c.Close)
	}
	if c.TickVolume != 3 {
		t.Errorf("tick volume = %d, want 3", c.TickVolume)
	}
	if c.Volume != 9 {
		t.Errorf("volume = %v, want 9 (summed sizes)", c.Volume)
	}
	if c.HasSpreadQuantiles() {
		t.Error("quantiles present with sketch disabled")
	}
}

func TestAggregateTicks_SpreadStats(t *testing.T) {
	candles := aggregateTicks(eurusdMinute(), types.Timeframe1m, true)
	if len(candles) != 1 {
		t.Fatalf("got %d candles, want 1", len(candles))
	}

	c := candles[0]
	// All three ticks have a 0.0002 spread.
	if c.SpreadMax-c.SpreadMin > 1e-12 {
		t.Errorf("spread max %v != min %v for constant spread", c.SpreadMax, c.SpreadMin)
	}
	if !c.HasSpreadQuantiles() {
		t.Fatal("sketch enabled but no quantiles")
	}
	// DDSketch guarantees 1% relative accuracy.
	if *c.SpreadP50 < 0.0002*0.99 || *c.SpreadP50 > 0.0002*1.01 {
		t.Errorf("p50 = %v, want ~0.0002", *c.SpreadP50)
	}
}

func TestAggregateTicks_SplitsSymbolsAndBuckets(t *testing.T) {
	ticks := append(eurusdMinute(),
		types.NewTick("GBPUSD", at(10*time.Second), 1.2500, 1.2504, 1, 1),
		types.NewTick("EURUSD", at(61*time.Second), 1.2000, 1.2002, 1, 1),
	)

	candles := aggregateTicks(ticks, types.Timeframe1m, false)
	if len(candles) != 3 {
		t.Fatalf("got %d candles, want 3 (two symbols, two buckets)", len(candles))
	}

	// Sorted by bucket then symbol.
	if candles[0].Symbol != "EURUSD" || candles[1].Symbol != "GBPUSD" {
		t.Errorf("first bucket order: %s, %s", candles[0].Symbol, candles[1].Symbol)
	}
	if candles[2].BucketStart != at(time.Minute) {
		t.Errorf("second bucket start = %d", candles[2].BucketStart)
	}
}

func TestRollupCandles(t *testing.T) {
	src := []types.Candle{
		{Symbol: "EURUSD", Timeframe: types.Timeframe1m, BucketStart: at(0),
			Open: 1.0, High: 1.5, Low: 0.9, Close: 1.2,
			Volume: 10, TickVolume: 4, SpreadAvg: 0.0002, SpreadMax: 0.0004, SpreadMin: 0.0001},
		{Symbol: "EURUSD", Timeframe: types.Timeframe1m, BucketStart: at(time.Minute),
			Open: 1.2, High: 1.3, Low: 1.1, Close: 1.25,
			Volume: 20, TickVolume: 1, SpreadAvg: 0.0007, SpreadMax: 0.0007, SpreadMin: 0.0007},
	}

	candles := rollupCandles(src, types.Timeframe5m)
	if len(candles) != 1 {
		t.Fatalf("got %d candles, want 1", len(candles))
	}

	c := candles[0]
	if c.Open != 1.0 || c.Close != 1.25 {
		t.Errorf("open/close = %v/%v, want first open and last close", c.Open, c.Close)
	}
	if c.High != 1.5 || c.Low != 0.9 {
		t.Errorf("high/low = %v/%v", c.High, c.Low)
	}
	if c.Volume != 30 || c.TickVolume != 5 {
		t.Errorf("volumes = %v/%d, want sums", c.Volume, c.TickVolume)
	}

	// Weighted by tick volume: (0.0002*4 + 0.0007*1) / 5
	want := (0.0002*4 + 0.0007*1) / 5
	if diff := c.SpreadAvg - want; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("spread avg = %v, want %v", c.SpreadAvg, want)
	}
	if c.HasSpreadQuantiles() {
		t.Error("rolled-up candle must not carry quantiles")
	}
}

func TestDefinition_Validate(t *testing.T) {
	valid := Definition{
		Name: "1m", Source: types.TableTicks, Destination: types.Timeframe1m,
		StartOffset: 10 * time.Minute, EndOffset: time.Minute, Interval: time.Minute,
	}

	tests := []struct {
		name   string
		mutate func(*Definition)
		wantOK bool
	}{
		{"valid tick source", func(d *Definition) {}, true},
		{"valid layered source", func(d *Definition) {
			d.Source = types.Timeframe1m.Table()
			d.Destination = types.Timeframe5m
		}, true},
		{"empty name", func(d *Definition) { d.Name = "" }, false},
		{"unknown source", func(d *Definition) { d.Source = "trades" }, false},
		{"source not finer", func(d *Definition) {
			d.Source = types.Timeframe5m.Table()
			d.Destination = types.Timeframe5m
		}, false},
		{"end offset above start", func(d *Definition) { d.EndOffset = 20 * time.Minute }, false},
		{"window under one bucket", func(d *Definition) {
			d.StartOffset = 90 * time.Second
			d.EndOffset = 45 * time.Second
		}, false},
		{"zero interval", func(d *Definition) { d.Interval = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := valid
			tt.mutate(&d)
			err := d.Validate()
			if (err == nil) != tt.wantOK {
				t.Errorf("Validate() = %v, wantOK %v", err, tt.wantOK)
			}
		})
	}
}

func TestRefresher_RefreshRecomputesWindow(t *testing.T) {
	store := newMemStorage()
	store.ticks = eurusdMinute()

	r := New(store, false)
	clock := at(2 * time.Minute)
	r.SetClock(func() time.Time { return time.UnixMilli(clock) })

	def := Definition{
		Name: "candles_1m", Source: types.TableTicks, Destination: types.Timeframe1m,
		StartOffset: 10 * time.Minute, EndOffset: 30 * time.Second, Interval: time.Minute,
	}
	if err := r.Define(def); err != nil {
		t.Fatalf("Define: %v", err)
	}

	res, err := r.Refresh(context.Background(), "candles_1m")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if res.Candles != 1 {
		t.Fatalf("upserted %d candles, want 1", res.Candles)
	}

	got, ok := store.get("EURUSD", types.Timeframe1m, at(0))
	if !ok {
		t.Fatal("candle not materialized")
	}
	if got.Close != 1.1000 || got.TickVolume != 3 {
		t.Errorf("candle = %+v", got)
	}

	// A late tick lands in the already materialized bucket; the next pass
	// recomputes and overwrites it.
	store.mu.Lock()
	store.ticks = append(store.ticks, types.NewTick("EURUSD", at(45*time.Second), 1.2000, 1.2002, 1, 1))
	store.mu.Unlock()

	if _, err := r.Refresh(context.Background(), "candles_1m"); err != nil {
		t.Fatalf("second Refresh: %v", err)
	}

	got, _ = store.get("EURUSD", types.Timeframe1m, at(0))
	if got.TickVolume != 4 {
		t.Errorf("tick volume after late tick = %d, want 4", got.TickVolume)
	}
	if got.Close != 1.1000 {
		t.Errorf("close = %v, want 1.1000 (the 59s tick stays last)", got.Close)
	}
	if got.High != 1.2001 {
		t.Errorf("high = %v, want 1.2001 from the late tick", got.High)
	}
}

func TestRefresher_WindowExcludesHotBucket(t *testing.T) {
	store := newMemStorage()
	// One tick in the bucket that is still inside end_offset.
	store.ticks = []types.Tick{types.NewTick("EURUSD", at(2*time.Minute), 1.0, 1.1, 1, 1)}

	r := New(store, false)
	r.SetClock(func() time.Time { return time.UnixMilli(at(2*time.Minute + 30*time.Second)) })

	def := Definition{
		Name: "candles_1m", Source: types.TableTicks, Destination: types.Timeframe1m,
		StartOffset: 10 * time.Minute, EndOffset: time.Minute, Interval: time.Minute,
	}
	if err := r.Define(def); err != nil {
		t.Fatalf("Define: %v", err)
	}

	res, err := r.Refresh(context.Background(), "candles_1m")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if res.Candles != 0 {
		t.Errorf("materialized %d candles from the still-filling bucket, want 0", res.Candles)
	}
}

func TestRefresher_SkipsOverlappingPass(t *testing.T) {
	store := newMemStorage()
	store.blockReads = make(chan struct{})

	r := New(store, false)
	r.SetClock(func() time.Time { return time.UnixMilli(at(5 * time.Minute)) })

	def := Definition{
		Name: "candles_1m", Source: types.TableTicks, Destination: types.Timeframe1m,
		StartOffset: 10 * time.Minute, EndOffset: time.Minute, Interval: time.Minute,
	}
	if err := r.Define(def); err != nil {
		t.Fatalf("Define: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := r.Refresh(context.Background(), "candles_1m")
		done <- err
	}()

	// Wait for the first pass to enter its blocked read.
	for {
		store.mu.Lock()
		started := store.readTickCalls > 0
		store.mu.Unlock()
		if started {
			break
		}
		time.Sleep(time.Millisecond)
	}

	_, err := r.Refresh(context.Background(), "candles_1m")
	if !verrors.Is(err, verrors.ErrRefreshSkipped) {
		t.Errorf("overlapping refresh: got %v, want ErrRefreshSkipped", err)
	}
	if !verrors.IsRetriable(err) {
		t.Error("skip must be retriable")
	}

	close(store.blockReads)
	if err := <-done; err != nil {
		t.Errorf("first refresh: %v", err)
	}

	if r.Stats().Skipped != 1 {
		t.Errorf("skipped = %d, want 1", r.Stats().Skipped)
	}
}

func TestRefresher_UnknownAggregate(t *testing.T) {
	r := New(newMemStorage(), false)
	_, err := r.Refresh(context.Background(), "nope")
	if !verrors.Is(err, verrors.ErrUnknownAggregate) {
		t.Errorf("got %v, want ErrUnknownAggregate", err)
	}
}

func TestRefresher_DuplicateDefinition(t *testing.T) {
	r := New(newMemStorage(), false)
	def := Definition{
		Name: "candles_1m", Source: types.TableTicks, Destination: types.Timeframe1m,
		StartOffset: 10 * time.Minute, EndOffset: time.Minute, Interval: time.Minute,
	}
	if err := r.Define(def); err != nil {
		t.Fatalf("Define: %v", err)
	}
	if err := r.Define(def); !verrors.Is(err, verrors.ErrDuplicateAggregate) {
		t.Errorf("got %v, want ErrDuplicateAggregate", err)
	}
}

func TestRefreshAll_LayersFinerFirst(t *testing.T) {
	store := newMemStorage()
	store.ticks = eurusdMinute()

	r := New(store, false)
	r.SetClock(func() time.Time { return time.UnixMilli(at(20 * time.Minute)) })

	defs := []Definition{
		{Name: "candles_5m", Source: types.Timeframe1m.Table(), Destination: types.Timeframe5m,
			StartOffset: time.Hour, EndOffset: 5 * time.Minute, Interval: 5 * time.Minute},
		{Name: "candles_1m", Source: types.TableTicks, Destination: types.Timeframe1m,
			StartOffset: time.Hour, EndOffset: time.Minute, Interval: time.Minute},
	}
	for _, d := range defs {
		if err := r.Define(d); err != nil {
			t.Fatalf("Define(%s): %v", d.Name, err)
		}
	}

	results, err := r.RefreshAll(context.Background())
	if err != nil {
		t.Fatalf("RefreshAll: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}

	// The 5m rollup must see the 1m candles materialized in the same pass.
	c5, ok := store.get("EURUSD", types.Timeframe5m, at(0))
	if !ok {
		t.Fatal("5m candle not materialized from fresh 1m candles")
	}
	if c5.TickVolume != 3 || c5.Close != 1.1000 {
		t.Errorf("5m candle = %+v", c5)
	}
}
