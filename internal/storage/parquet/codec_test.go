package parquet

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tickvault/tickvault/internal/storage/types"
)

func TestTickCodec_Segment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "0-60000.parquet")
	codec := NewTickCodec(DefaultOptions())

	ticks := []types.Tick{
		types.NewTick("EURUSD", 100, 1.1000, 1.1002, 1, 1),
		types.NewTick("EURUSD", 30000, 1.1001, 1.1003, 2, 1),
		types.NewTick("GBPUSD", 100, 1.2500, 1.2504, 1, 1),
	}

	if err := codec.WriteSegment(path, ticks); err != nil {
		t.Fatalf("WriteSegment: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary file left behind after rename")
	}

	got, err := codec.ReadSegment(path)
	if err != nil {
		t.Fatalf("ReadSegment: %v", err)
	}
	if len(got) != len(ticks) {
		t.Fatalf("read %d rows, want %d", len(got), len(ticks))
	}
	if got[0].Mid != 1.1001 {
		t.Errorf("derived mid not preserved: %v", got[0].Mid)
	}
}

func TestCandleCodec_Quantiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "0-3600000.parquet")
	codec := NewCandleCodec(DefaultOptions())

	with := types.Candle{Symbol: "EURUSD", Timeframe: types.Timeframe1m, BucketStart: 0, Close: 1.1}
	with.SetSpreadQuantiles(0.0001, 0.0002, 0.0003)
	without := types.Candle{Symbol: "EURUSD", Timeframe: types.Timeframe1m, BucketStart: 60000, Close: 1.2}

	if err := codec.WriteSegment(path, []types.Candle{with, without}); err != nil {
		t.Fatalf("WriteSegment: %v", err)
	}

	got, err := codec.ReadSegment(path)
	if err != nil {
		t.Fatalf("ReadSegment: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("read %d rows, want 2", len(got))
	}
	if !got[0].HasSpreadQuantiles() || *got[0].SpreadP95 != 0.0002 {
		t.Error("quantiles lost on round trip")
	}
	if got[1].HasSpreadQuantiles() {
		t.Error("sketchless candle grew quantiles")
	}
}

func TestWriteSegment_Empty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "0-60000.parquet")
	codec := NewTickCodec(DefaultOptions())

	if err := codec.WriteSegment(path, nil); err != nil {
		t.Fatalf("WriteSegment(empty): %v", err)
	}
	got, err := codec.ReadSegment(path)
	if err != nil {
		t.Fatalf("ReadSegment: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("read %d rows from empty segment", len(got))
	}
}
