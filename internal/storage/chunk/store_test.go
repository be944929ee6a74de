package chunk

import (
	"testing"
	"time"

	verrors "github.com/tickvault/tickvault/internal/errors"
	"github.com/tickvault/tickvault/internal/storage/parquet"
	"github.com/tickvault/tickvault/internal/storage/types"
)

func newTestTickStore(t *testing.T, dir string) *TickStore {
	t.Helper()
	s, err := NewTickStore(dir, time.Hour, parquet.NewTickCodec(parquet.DefaultOptions()))
	if err != nil {
		t.Fatalf("NewTickStore: %v", err)
	}
	return s
}

func newTestCandleStore(t *testing.T, dir string, policy ConflictPolicy) *CandleStore {
	t.Helper()
	s, err := NewCandleStore(types.Timeframe1m, dir, time.Hour,
		parquet.NewCandleCodec(parquet.DefaultOptions()), policy)
	if err != nil {
		t.Fatalf("NewCandleStore: %v", err)
	}
	return s
}

func TestTickStore_ReadRange(t *testing.T) {
	s := newTestTickStore(t, t.TempDir())

	times := []int64{5000, 1000, 3000, 2000}
	for _, ts := range times {
		if err := s.Append(types.NewTick("EURUSD", ts, 1.0, 1.1, 1, 1)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := s.ReadRange(1000, 5000)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d ticks, want 3 (end bound is exclusive)", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].TimeMs < got[i-1].TimeMs {
			t.Fatal("results not ordered by time")
		}
	}
}

func TestTickStore_ReadRange_Invalid(t *testing.T) {
	s := newTestTickStore(t, t.TempDir())

	if _, err := s.ReadRange(5000, 5000); !verrors.IsInvalidArgument(err) {
		t.Errorf("empty range: got %v, want invalid argument", err)
	}
	if _, err := s.ReadRange(5000, 1000); !verrors.IsInvalidArgument(err) {
		t.Errorf("inverted range: got %v, want invalid argument", err)
	}
}

func TestTickStore_ReadSymbol(t *testing.T) {
	s := newTestTickStore(t, t.TempDir())

	s.Append(types.NewTick("EURUSD", 1000, 1.0, 1.1, 1, 1))
	s.Append(types.NewTick("GBPUSD", 2000, 1.2, 1.3, 1, 1))

	got, err := s.ReadSymbol("EURUSD", 0, 10000)
	if err != nil {
		t.Fatalf("ReadSymbol: %v", err)
	}
	if len(got) != 1 || got[0].Symbol != "EURUSD" {
		t.Errorf("got %v, want single EURUSD tick", got)
	}
}

func TestStore_CompressMakesChunkImmutable(t *testing.T) {
	s := newTestTickStore(t, t.TempDir())
	hour := time.Hour.Milliseconds()

	s.Append(types.NewTick("EURUSD", 100, 1.0, 1.1, 1, 1))
	s.Append(types.NewTick("EURUSD", hour+100, 1.0, 1.1, 1, 1))

	// Cutoff at one hour compresses only the first chunk.
	n, err := s.CompressOlderThan(hour)
	if err != nil {
		t.Fatalf("CompressOlderThan: %v", err)
	}
	if n != 1 {
		t.Fatalf("compressed %d chunks, want 1", n)
	}

	err = s.Append(types.NewTick("EURUSD", 200, 1.0, 1.1, 1, 1))
	if !verrors.IsImmutable(err) {
		t.Errorf("append into compressed chunk: got %v, want immutable error", err)
	}

	// The open chunk still accepts writes.
	if err := s.Append(types.NewTick("EURUSD", hour+200, 1.0, 1.1, 1, 1)); err != nil {
		t.Errorf("append into open chunk: %v", err)
	}

	// Compressed rows remain readable.
	got, err := s.ReadRange(0, hour)
	if err != nil {
		t.Fatalf("ReadRange after compress: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("got %d compressed rows, want 1", len(got))
	}
}

func TestStore_CompressIsIdempotent(t *testing.T) {
	s := newTestTickStore(t, t.TempDir())
	hour := time.Hour.Milliseconds()

	s.Append(types.NewTick("EURUSD", 100, 1.0, 1.1, 1, 1))

	for pass := 0; pass < 2; pass++ {
		if _, err := s.CompressOlderThan(hour); err != nil {
			t.Fatalf("pass %d: %v", pass, err)
		}
	}

	n, err := s.CompressOlderThan(hour)
	if err != nil {
		t.Fatalf("CompressOlderThan: %v", err)
	}
	if n != 0 {
		t.Errorf("third pass compressed %d chunks, want 0", n)
	}
}

func TestStore_RecoverSegments(t *testing.T) {
	dir := t.TempDir()
	hour := time.Hour.Milliseconds()

	s := newTestTickStore(t, dir)
	s.Append(types.NewTick("EURUSD", 100, 1.1000, 1.1002, 1, 1))
	if _, err := s.CompressOlderThan(hour); err != nil {
		t.Fatalf("CompressOlderThan: %v", err)
	}

	// A fresh store over the same directory sees the compressed chunk.
	s2 := newTestTickStore(t, dir)
	got, err := s2.ReadRange(0, hour)
	if err != nil {
		t.Fatalf("ReadRange after restart: %v", err)
	}
	if len(got) != 1 || got[0].Mid != 1.1001 {
		t.Fatalf("recovered rows = %v, want the original tick", got)
	}

	open, compressed := s2.Counts()
	if open != 0 || compressed != 1 {
		t.Errorf("counts = %d open, %d compressed, want 0/1", open, compressed)
	}
}

func TestStore_DeleteOlderThan(t *testing.T) {
	s := newTestTickStore(t, t.TempDir())
	hour := time.Hour.Milliseconds()

	s.Append(types.NewTick("EURUSD", 100, 1.0, 1.1, 1, 1))
	s.Append(types.NewTick("EURUSD", hour+100, 1.0, 1.1, 1, 1))
	if _, err := s.CompressOlderThan(hour); err != nil {
		t.Fatalf("CompressOlderThan: %v", err)
	}

	deleted, err := s.DeleteOlderThan(hour)
	if err != nil {
		t.Fatalf("DeleteOlderThan: %v", err)
	}
	if len(deleted) != 1 || deleted[0].Start != 0 || deleted[0].End != hour {
		t.Fatalf("deleted = %v, want [{0 %d}]", deleted, hour)
	}

	got, err := s.ReadRange(0, 2*hour)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if len(got) != 1 || got[0].TimeMs != hour+100 {
		t.Errorf("surviving rows = %v, want only the newer tick", got)
	}

	// Deleting again is a no-op.
	deleted, err = s.DeleteOlderThan(hour)
	if err != nil || len(deleted) != 0 {
		t.Errorf("second delete = %v, %v, want empty", deleted, err)
	}
}

func TestCandleStore_KeepFirst(t *testing.T) {
	s := newTestCandleStore(t, t.TempDir(), ConflictKeepFirst)

	first := types.Candle{Symbol: "EURUSD", Timeframe: types.Timeframe1m, BucketStart: 60000, Close: 1.1}
	dup := types.Candle{Symbol: "EURUSD", Timeframe: types.Timeframe1m, BucketStart: 60000, Close: 9.9}

	if err := s.Append(first); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append(dup); err != nil {
		t.Fatalf("duplicate append with keep-first: %v", err)
	}

	got, err := s.ReadRange(0, 120000)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if len(got) != 1 || got[0].Close != 1.1 {
		t.Errorf("got %v, want the first candle kept", got)
	}
	if s.DuplicatesIgnored() != 1 {
		t.Errorf("DuplicatesIgnored = %d, want 1", s.DuplicatesIgnored())
	}
}

func TestCandleStore_ConflictError(t *testing.T) {
	s := newTestCandleStore(t, t.TempDir(), ConflictError)

	c := types.Candle{Symbol: "EURUSD", Timeframe: types.Timeframe1m, BucketStart: 60000}
	if err := s.Append(c); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append(c); !verrors.Is(err, verrors.ErrDuplicateKey) {
		t.Errorf("duplicate append: got %v, want ErrDuplicateKey", err)
	}
}

func TestCandleStore_Upsert(t *testing.T) {
	s := newTestCandleStore(t, t.TempDir(), ConflictError)

	c := types.Candle{Symbol: "EURUSD", Timeframe: types.Timeframe1m, BucketStart: 60000, Close: 1.1}
	if err := s.Upsert(c); err != nil {
		t.Fatalf("Upsert(insert): %v", err)
	}

	c.Close = 1.2
	if err := s.Upsert(c); err != nil {
		t.Fatalf("Upsert(replace): %v", err)
	}

	got, err := s.ReadRange(0, 120000)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if len(got) != 1 || got[0].Close != 1.2 {
		t.Errorf("got %v, want single replaced candle", got)
	}
}

func TestCandleStore_TimeframeMismatch(t *testing.T) {
	s := newTestCandleStore(t, t.TempDir(), ConflictKeepFirst)

	c := types.Candle{Symbol: "EURUSD", Timeframe: types.Timeframe5m, BucketStart: 0}
	if err := s.Append(c); !verrors.IsInvalidArgument(err) {
		t.Errorf("mismatched timeframe: got %v, want invalid argument", err)
	}
}

func TestParseConflictPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    ConflictPolicy
		wantErr bool
	}{
		{"keep-first", ConflictKeepFirst, false},
		{"", ConflictKeepFirst, false},
		{"error", ConflictError, false},
		{"upsert", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseConflictPolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseConflictPolicy(%q) err = %v", tt.in, err)
		}
		if err == nil && got != tt.want {
			t.Errorf("ParseConflictPolicy(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
