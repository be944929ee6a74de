// Package chunk implements time-partitioned storage for tick and candle rows.
//
// Rows land in fixed-width chunks keyed by their timestamp. Open chunks hold
// rows in memory and accept inserts; once a chunk is compressed its rows move
// to a columnar segment file on disk and the chunk becomes immutable.
// Retention removes whole chunks only, so deletes never rewrite a segment.
package chunk

import (
	"fmt"
	"sort"
	"sync"

	verrors "github.com/tickvault/tickvault/internal/errors"
)

// State is the lifecycle state of a chunk.
type State int

const (
	// StateOpen accepts inserts; rows live in memory.
	StateOpen State = iota
	// StateCompressed is immutable; rows live in a segment file.
	StateCompressed
	// StateExpired has been dropped by retention.
	StateExpired
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateCompressed:
		return "compressed"
	case StateExpired:
		return "expired"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Row is any record that can be partitioned by time.
type Row interface {
	// RowTime returns the partitioning timestamp in Unix milliseconds.
	RowTime() int64
}

// Codec persists chunk rows as immutable segment files.
type Codec[T any] interface {
	WriteSegment(path string, rows []T) error
	ReadSegment(path string) ([]T, error)
}

// Range is a half-open time interval [Start, End) in Unix milliseconds.
type Range struct {
	Start int64
	End   int64
}

// InsertMode controls how an insert treats an existing row with the same key.
type InsertMode int

const (
	// InsertAppend skips the duplicate scan entirely; used for tick streams
	// where rows have no uniqueness constraint.
	InsertAppend InsertMode = iota
	// InsertKeepFirst silently drops the new row when a duplicate exists.
	InsertKeepFirst
	// InsertReplace overwrites the existing row.
	InsertReplace
	// InsertError rejects the new row with ErrDuplicateKey.
	InsertError
)

// Chunk is one fixed-width time partition of a table.
type Chunk[T Row] struct {
	mu      sync.RWMutex
	start   int64 // inclusive, Unix ms
	end     int64 // exclusive, Unix ms
	state   State
	rows    []T    // populated while open
	segment string // populated once compressed
}

func newChunk[T Row](start, end int64) *Chunk[T] {
	return &Chunk[T]{start: start, end: end, state: StateOpen}
}

// openSegment restores a chunk recovered from an on-disk segment.
func openSegment[T Row](start, end int64, path string) *Chunk[T] {
	return &Chunk[T]{start: start, end: end, state: StateCompressed, segment: path}
}

// Start returns the inclusive chunk start in Unix milliseconds.
func (c *Chunk[T]) Start() int64 { return c.start }

// End returns the exclusive chunk end in Unix milliseconds.
func (c *Chunk[T]) End() int64 { return c.end }

// State returns the current lifecycle state.
func (c *Chunk[T]) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Len returns the number of in-memory rows. Compressed chunks report zero.
func (c *Chunk[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rows)
}

// Insert adds a row to an open chunk. When eq is non-nil and mode is not
// InsertAppend, the chunk is scanned for an existing row with the same key
// and mode decides the outcome. Returns true if the chunk now holds the row's
// value (stored or replaced), false if the insert was skipped.
func (c *Chunk[T]) Insert(row T, eq func(a, b T) bool, mode InsertMode) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateOpen {
		return false, fmt.Errorf("chunk [%d,%d) is %s: %w", c.start, c.end, c.state, verrors.ErrChunkImmutable)
	}

	if eq != nil && mode != InsertAppend {
		for i := range c.rows {
			if !eq(c.rows[i], row) {
				continue
			}
			switch mode {
			case InsertKeepFirst:
				return false, nil
			case InsertReplace:
				c.rows[i] = row
				return true, nil
			case InsertError:
				return false, fmt.Errorf("chunk [%d,%d): %w", c.start, c.end, verrors.ErrDuplicateKey)
			}
		}
	}

	c.rows = append(c.rows, row)
	return true, nil
}

// Rows returns a snapshot of the chunk's rows, reading the segment file for
// compressed chunks. Expired chunks return nothing.
func (c *Chunk[T]) Rows(codec Codec[T]) ([]T, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch c.state {
	case StateOpen:
		out := make([]T, len(c.rows))
		copy(out, c.rows)
		return out, nil
	case StateCompressed:
		if c.segment == "" {
			return nil, nil
		}
		rows, err := codec.ReadSegment(c.segment)
		if err != nil {
			return nil, fmt.Errorf("chunk [%d,%d): %w", c.start, c.end, err)
		}
		return rows, nil
	default:
		return nil, nil
	}
}

// Compress sorts the chunk's rows with less, writes them to a segment at
// path, and transitions the chunk to StateCompressed. Compressing an already
// compressed chunk is a no-op, so a crashed pass can simply run again.
func (c *Chunk[T]) Compress(codec Codec[T], path string, less func(a, b T) bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateCompressed:
		return nil
	case StateExpired:
		return fmt.Errorf("chunk [%d,%d) is expired: %w", c.start, c.end, verrors.ErrChunkImmutable)
	}

	if len(c.rows) == 0 {
		// Nothing to persist; flip state without writing a segment.
		c.state = StateCompressed
		return nil
	}

	rows := make([]T, len(c.rows))
	copy(rows, c.rows)
	sort.SliceStable(rows, func(i, j int) bool { return less(rows[i], rows[j]) })

	if err := codec.WriteSegment(path, rows); err != nil {
		return fmt.Errorf("compress chunk [%d,%d): %w", c.start, c.end, err)
	}

	c.segment = path
	c.state = StateCompressed
	c.rows = nil
	return nil
}

// Delete transitions the chunk to StateExpired, removing its segment file
// first via remove. If removal fails the chunk is left untouched so the next
// retention pass retries the whole delete.
func (c *Chunk[T]) Delete(remove func(path string) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateExpired {
		return nil
	}

	if c.segment != "" && remove != nil {
		if err := remove(c.segment); err != nil {
			return fmt.Errorf("delete chunk [%d,%d): %w", c.start, c.end, err)
		}
	}

	c.state = StateExpired
	c.rows = nil
	c.segment = ""
	return nil
}
