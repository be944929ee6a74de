// Package parquet persists chunk segments as columnar Parquet files.
//
// A segment holds every row of one compressed chunk, sorted by the
// compression policy's segment_by and order_by columns so that column
// pages compress well and symbol scans stay contiguous.
package parquet

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/parquet-go/parquet-go"

	"github.com/tickvault/tickvault/internal/storage/types"
)

// TickCodec encodes tick chunks as Parquet segments.
type TickCodec struct {
	Opts Options
}

// NewTickCodec creates a tick codec with the given options.
func NewTickCodec(opts Options) *TickCodec {
	return &TickCodec{Opts: opts}
}

// WriteSegment writes rows to a Parquet file at path. The file is
// written to a temporary sibling and renamed into place so a crash
// mid-write never leaves a truncated segment behind.
func (c *TickCodec) WriteSegment(path string, rows []types.Tick) error {
	out := make([]TickRow, len(rows))
	for i := range rows {
		out[i] = TickToRow(&rows[i])
	}
	return writeSegment(path, out, c.Opts)
}

// ReadSegment reads all rows from the Parquet file at path.
func (c *TickCodec) ReadSegment(path string) ([]types.Tick, error) {
	rows, err := readSegment[TickRow](path)
	if err != nil {
		return nil, err
	}

	ticks := make([]types.Tick, len(rows))
	for i := range rows {
		ticks[i] = RowToTick(&rows[i])
	}
	return ticks, nil
}

// CandleCodec encodes candle chunks as Parquet segments.
type CandleCodec struct {
	Opts Options
}

// NewCandleCodec creates a candle codec with the given options.
func NewCandleCodec(opts Options) *CandleCodec {
	return &CandleCodec{Opts: opts}
}

// WriteSegment writes rows to a Parquet file at path.
func (c *CandleCodec) WriteSegment(path string, rows []types.Candle) error {
	out := make([]CandleRow, len(rows))
	for i := range rows {
		out[i] = CandleToRow(&rows[i])
	}
	return writeSegment(path, out, c.Opts)
}

// ReadSegment reads all rows from the Parquet file at path.
func (c *CandleCodec) ReadSegment(path string) ([]types.Candle, error) {
	rows, err := readSegment[CandleRow](path)
	if err != nil {
		return nil, err
	}

	candles := make([]types.Candle, len(rows))
	for i := range rows {
		candles[i] = RowToCandle(&rows[i])
	}
	return candles, nil
}

func writeSegment[T any](path string, rows []T, opts Options) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}

	writer := parquet.NewGenericWriter[T](f,
		parquet.Compression(getCompression(opts.Compression)))

	if len(rows) > 0 {
		if _, err := writer.Write(rows); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("write rows: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("close writer: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename segment: %w", err)
	}
	return nil
}

func readSegment[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	reader := parquet.NewGenericReader[T](f)
	defer reader.Close()

	numRows := reader.NumRows()
	if numRows == 0 {
		return nil, nil
	}

	rows := make([]T, numRows)
	n, err := reader.Read(rows)
	if err != nil && n < int(numRows) {
		return nil, fmt.Errorf("read rows: %w", err)
	}

	return rows[:n], nil
}
