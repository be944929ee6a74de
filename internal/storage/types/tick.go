package types

import "time"

// Tick represents a single top-of-book quote.
// Spread and Mid are derived at construction time and never recomputed;
// the store treats the whole row as immutable once appended.
//
// Bid <= Ask is not enforced here - the ingestion pipeline owns validation.
type Tick struct {
	// TimeMs is the quote timestamp in Unix milliseconds.
	TimeMs int64

	// Symbol is the instrument identifier (e.g., "EURUSD").
	Symbol string

	// Quote
	Bid     float64
	Ask     float64
	BidSize float64
	AskSize float64

	// Derived columns, computed once by NewTick.
	Spread float64 // Ask - Bid
	Mid    float64 // (Bid + Ask) / 2
}

// NewTick builds a tick with its derived columns populated.
func NewTick(symbol string, tsMs int64, bid, ask, bidSize, askSize float64) Tick {
	return Tick{
		TimeMs:  tsMs,
		Symbol:  symbol,
		Bid:     bid,
		Ask:     ask,
		BidSize: bidSize,
		AskSize: askSize,
		Spread:  ask - bid,
		Mid:     (bid + ask) / 2,
	}
}

// RowTime returns the partitioning timestamp in Unix milliseconds.
func (t Tick) RowTime() int64 {
	return t.TimeMs
}

// Time returns the timestamp as a time.Time.
func (t Tick) Time() time.Time {
	return time.UnixMilli(t.TimeMs)
}
