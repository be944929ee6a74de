package wal

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tickvault/tickvault/internal/storage/types"
)

// EntryKind tags the row type carried by a WAL entry.
type EntryKind byte

const (
	// KindTick is a raw quote entry.
	KindTick EntryKind = 0
	// KindCandle is an ingested (not derived) candle entry.
	KindCandle EntryKind = 1
)

// Entry is one logged row. Exactly one of Tick or Candle is meaningful,
// selected by Kind.
type Entry struct {
	Kind   EntryKind
	Tick   types.Tick
	Candle types.Candle
}

// TickEntry wraps a tick for logging.
func TickEntry(t types.Tick) Entry {
	return Entry{Kind: KindTick, Tick: t}
}

// CandleEntry wraps a candle for logging.
func CandleEntry(c types.Candle) Entry {
	return Entry{Kind: KindCandle, Candle: c}
}

// Entry encoding format (binary, little-endian):
//   - Kind (1 byte)
//   - Tick: Symbol length (2 bytes) + Symbol, TimeMs (8), Bid (8), Ask (8),
//     BidSize (8), AskSize (8). Derived columns are recomputed on decode.
//   - Candle: Symbol length (2 bytes) + Symbol, Timeframe length (2 bytes) +
//     Timeframe, BucketStart (8), Open/High/Low/Close (8 each), Volume (8),
//     TickVolume (8), SpreadAvg/Max/Min (8 each), HasSketch (1 byte) and,
//     when set, P50/P95/P99 (8 each).

// encodeEntries encodes a slice of entries into a binary record payload.
func encodeEntries(entries []Entry) ([]byte, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	buf := make([]byte, 0, len(entries)*80)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(entries)))

	for i := range entries {
		e := &entries[i]
		buf = append(buf, byte(e.Kind))

		switch e.Kind {
		case KindTick:
			buf = appendString(buf, e.Tick.Symbol)
			buf = binary.LittleEndian.AppendUint64(buf, uint64(e.Tick.TimeMs))
			buf = appendFloat(buf, e.Tick.Bid)
			buf = appendFloat(buf, e.Tick.Ask)
			buf = appendFloat(buf, e.Tick.BidSize)
			buf = appendFloat(buf, e.Tick.AskSize)

		case KindCandle:
			c := &e.Candle
			buf = appendString(buf, c.Symbol)
			buf = appendString(buf, string(c.Timeframe))
			buf = binary.LittleEndian.AppendUint64(buf, uint64(c.BucketStart))
			buf = appendFloat(buf, c.Open)
			buf = appendFloat(buf, c.High)
			buf = appendFloat(buf, c.Low)
			buf = appendFloat(buf, c.Close)
			buf = appendFloat(buf, c.Volume)
			buf = binary.LittleEndian.AppendUint64(buf, uint64(c.TickVolume))
			buf = appendFloat(buf, c.SpreadAvg)
			buf = appendFloat(buf, c.SpreadMax)
			buf = appendFloat(buf, c.SpreadMin)
			if c.HasSpreadQuantiles() {
				buf = append(buf, 1)
				buf = appendFloat(buf, *c.SpreadP50)
				buf = appendFloat(buf, *c.SpreadP95)
				buf = appendFloat(buf, *c.SpreadP99)
			} else {
				buf = append(buf, 0)
			}

		default:
			return nil, fmt.Errorf("unknown entry kind %d", e.Kind)
		}
	}

	return buf, nil
}

// decodeEntries decodes a binary record payload into entries.
func decodeEntries(data []byte) ([]Entry, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("data too short for entry count")
	}

	count := int(binary.LittleEndian.Uint32(data[0:4]))
	if count == 0 {
		return nil, nil
	}

	entries := make([]Entry, 0, count)
	offset := 4

	for i := 0; i < count; i++ {
		if offset >= len(data) {
			return nil, fmt.Errorf("entry %d: data too short for kind", i)
		}
		kind := EntryKind(data[offset])
		offset++

		switch kind {
		case KindTick:
			var symbol string
			var err error
			symbol, offset, err = readString(data, offset)
			if err != nil {
				return nil, fmt.Errorf("entry %d symbol: %w", i, err)
			}

			fields, next, err := readUint64s(data, offset, 5)
			if err != nil {
				return nil, fmt.Errorf("entry %d: %w", i, err)
			}
			offset = next

			tick := types.NewTick(symbol,
				int64(fields[0]),
				math.Float64frombits(fields[1]),
				math.Float64frombits(fields[2]),
				math.Float64frombits(fields[3]),
				math.Float64frombits(fields[4]))
			entries = append(entries, TickEntry(tick))

		case KindCandle:
			var symbol, tf string
			var err error
			symbol, offset, err = readString(data, offset)
			if err != nil {
				return nil, fmt.Errorf("entry %d symbol: %w", i, err)
			}
			tf, offset, err = readString(data, offset)
			if err != nil {
				return nil, fmt.Errorf("entry %d timeframe: %w", i, err)
			}

			fields, next, err := readUint64s(data, offset, 10)
			if err != nil {
				return nil, fmt.Errorf("entry %d: %w", i, err)
			}
			offset = next

			c := types.Candle{
				Symbol:      symbol,
				Timeframe:   types.Timeframe(tf),
				BucketStart: int64(fields[0]),
				Open:        math.Float64frombits(fields[1]),
				High:        math.Float64frombits(fields[2]),
				Low:         math.Float64frombits(fields[3]),
				Close:       math.Float64frombits(fields[4]),
				Volume:      math.Float64frombits(fields[5]),
				TickVolume:  int64(fields[6]),
				SpreadAvg:   math.Float64frombits(fields[7]),
				SpreadMax:   math.Float64frombits(fields[8]),
				SpreadMin:   math.Float64frombits(fields[9]),
			}

			if offset >= len(data) {
				return nil, fmt.Errorf("entry %d: data too short for sketch flag", i)
			}
			hasSketch := data[offset] == 1
			offset++

			if hasSketch {
				q, next, err := readUint64s(data, offset, 3)
				if err != nil {
					return nil, fmt.Errorf("entry %d quantiles: %w", i, err)
				}
				offset = next
				c.SetSpreadQuantiles(
					math.Float64frombits(q[0]),
					math.Float64frombits(q[1]),
					math.Float64frombits(q[2]))
			}

			entries = append(entries, CandleEntry(c))

		default:
			return nil, fmt.Errorf("entry %d: unknown kind %d", i, kind)
		}
	}

	return entries, nil
}

// appendString appends a length-prefixed string to the buffer.
func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// appendFloat appends a float64 in IEEE 754 bits.
func appendFloat(buf []byte, f float64) []byte {
	return binary.LittleEndian.AppendUint64(buf, math.Float64bits(f))
}

// readString reads a length-prefixed string from the buffer.
func readString(data []byte, offset int) (string, int, error) {
	if offset+2 > len(data) {
		return "", offset, fmt.Errorf("data too short for string length")
	}

	length := int(binary.LittleEndian.Uint16(data[offset:]))
	offset += 2

	if offset+length > len(data) {
		return "", offset, fmt.Errorf("data too short for string content")
	}

	s := string(data[offset : offset+length])
	return s, offset + length, nil
}

// readUint64s reads n consecutive 8-byte fields from the buffer.
func readUint64s(data []byte, offset, n int) ([]uint64, int, error) {
	if offset+8*n > len(data) {
		return nil, offset, fmt.Errorf("data too short for %d fields", n)
	}

	out := make([]uint64, n)
	for i := 0; i < n; i++ {
		out[i] = binary.LittleEndian.Uint64(data[offset:])
		offset += 8
	}
	return out, offset, nil
}
