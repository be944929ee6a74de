package chunk

import (
	"sync/atomic"
	"time"

	verrors "github.com/tickvault/tickvault/internal/errors"
	"github.com/tickvault/tickvault/internal/storage/types"
)

// ConflictPolicy decides what an insert does when a candle with the same
// (symbol, timeframe, bucket_start) key already exists.
type ConflictPolicy int

const (
	// ConflictKeepFirst keeps the stored row and drops the new one.
	ConflictKeepFirst ConflictPolicy = iota
	// ConflictError rejects the new row with ErrDuplicateKey.
	ConflictError
)

// ParseConflictPolicy parses a conflict policy name.
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch s {
	case "keep-first", "":
		return ConflictKeepFirst, nil
	case "error":
		return ConflictError, nil
	default:
		return 0, verrors.NewInvalidValue("conflict_policy", s, "must be keep-first or error")
	}
}

// String returns the policy name.
func (p ConflictPolicy) String() string {
	if p == ConflictError {
		return "error"
	}
	return "keep-first"
}

// TickStore holds raw ticks partitioned into time chunks.
type TickStore struct {
	*Store[types.Tick]
}

// NewTickStore creates the tick table's chunk store.
func NewTickStore(dataDir string, width time.Duration, codec Codec[types.Tick]) (*TickStore, error) {
	st, err := NewStore[types.Tick](types.TableTicks, dataDir, width, codec,
		func(t types.Tick) string { return t.Symbol })
	if err != nil {
		return nil, err
	}
	return &TickStore{Store: st}, nil
}

// Append stores a tick. Ticks carry no uniqueness constraint, so identical
// rows are kept as-is.
func (s *TickStore) Append(t types.Tick) error {
	_, err := s.Insert(t, nil, InsertAppend)
	return err
}

// ReadRange returns ticks in [t0, t1) for all symbols, time ascending.
func (s *TickStore) ReadRange(t0, t1 int64) ([]types.Tick, error) {
	return s.Store.ReadRange(t0, t1, nil)
}

// ReadSymbol returns one symbol's ticks in [t0, t1), time ascending.
func (s *TickStore) ReadSymbol(symbol string, t0, t1 int64) ([]types.Tick, error) {
	return s.Store.ReadRange(t0, t1, func(t types.Tick) bool { return t.Symbol == symbol })
}

// CandleStore holds one timeframe's candles partitioned into time chunks.
type CandleStore struct {
	*Store[types.Candle]

	timeframe types.Timeframe
	policy    ConflictPolicy

	duplicates atomic.Int64
}

// NewCandleStore creates a candle table's chunk store.
func NewCandleStore(tf types.Timeframe, dataDir string, width time.Duration, codec Codec[types.Candle], policy ConflictPolicy) (*CandleStore, error) {
	if !tf.Valid() {
		return nil, verrors.NewInvalidValue("timeframe", tf, "unknown timeframe")
	}

	st, err := NewStore[types.Candle](tf.Table(), dataDir, width, codec,
		func(c types.Candle) string { return c.Symbol })
	if err != nil {
		return nil, err
	}
	return &CandleStore{Store: st, timeframe: tf, policy: policy}, nil
}

// Timeframe returns the bucket width this table holds.
func (s *CandleStore) Timeframe() types.Timeframe { return s.timeframe }

func sameCandleKey(a, b types.Candle) bool {
	return a.SameKey(&b)
}

// Append stores a candle, applying the configured conflict policy when a row
// with the same key already exists.
func (s *CandleStore) Append(c types.Candle) error {
	if c.Timeframe != s.timeframe {
		return verrors.NewInvalidArgument("timeframe",
			"candle timeframe "+c.Timeframe.String()+" does not match table "+s.timeframe.String())
	}

	mode := InsertKeepFirst
	if s.policy == ConflictError {
		mode = InsertError
	}

	stored, err := s.Insert(c, sameCandleKey, mode)
	if err != nil {
		return err
	}
	if !stored {
		s.duplicates.Add(1)
	}
	return nil
}

// Upsert stores a candle, replacing any existing row with the same key.
// Continuous aggregation uses this so recomputed buckets overwrite stale
// values instead of tripping the conflict policy.
func (s *CandleStore) Upsert(c types.Candle) error {
	if c.Timeframe != s.timeframe {
		return verrors.NewInvalidArgument("timeframe",
			"candle timeframe "+c.Timeframe.String()+" does not match table "+s.timeframe.String())
	}
	_, err := s.Insert(c, sameCandleKey, InsertReplace)
	return err
}

// Replay stores a candle keep-first regardless of the conflict policy. WAL
// recovery uses it so rows already present replay as no-ops instead of
// tripping a strict policy.
func (s *CandleStore) Replay(c types.Candle) error {
	if c.Timeframe != s.timeframe {
		return verrors.NewInvalidArgument("timeframe",
			"candle timeframe "+c.Timeframe.String()+" does not match table "+s.timeframe.String())
	}
	_, err := s.Insert(c, sameCandleKey, InsertKeepFirst)
	return err
}

// ReadRange returns candles with bucket starts in [t0, t1) for all symbols.
func (s *CandleStore) ReadRange(t0, t1 int64) ([]types.Candle, error) {
	return s.Store.ReadRange(t0, t1, nil)
}

// ReadSymbol returns one symbol's candles with bucket starts in [t0, t1).
func (s *CandleStore) ReadSymbol(symbol string, t0, t1 int64) ([]types.Candle, error) {
	return s.Store.ReadRange(t0, t1, func(c types.Candle) bool { return c.Symbol == symbol })
}

// DuplicatesIgnored returns the number of appends dropped by keep-first.
func (s *CandleStore) DuplicatesIgnored() int64 {
	return s.duplicates.Load()
}
