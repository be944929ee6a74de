package chunk

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	verrors "github.com/tickvault/tickvault/internal/errors"
	"github.com/tickvault/tickvault/internal/logging"
)

// Store manages the chunks of one logical table.
type Store[T Row] struct {
	mu     sync.RWMutex
	chunks map[int64]*Chunk[T] // keyed by chunk start, Unix ms

	table      string
	dir        string
	widthMs    int64
	codec      Codec[T]
	segmentKey func(T) string // segment_by column extractor, may be nil
	log        *slog.Logger
}

// NewStore creates a chunk store for table under dataDir, recovering any
// compressed segments already on disk.
func NewStore[T Row](table, dataDir string, width time.Duration, codec Codec[T], segmentKey func(T) string) (*Store[T], error) {
	if width <= 0 {
		return nil, verrors.NewInvalidValue("chunk_width", width, "must be positive")
	}
	if codec == nil {
		return nil, verrors.NewInvalidValue("codec", nil, "must not be nil")
	}

	dir := filepath.Join(dataDir, table)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create table directory: %w", err)
	}

	s := &Store[T]{
		chunks:     make(map[int64]*Chunk[T]),
		table:      table,
		dir:        dir,
		widthMs:    width.Milliseconds(),
		codec:      codec,
		segmentKey: segmentKey,
		log:        logging.Component("chunkstore").With("table", table),
	}

	if err := s.recoverSegments(); err != nil {
		return nil, err
	}
	return s, nil
}

// Table returns the logical table name.
func (s *Store[T]) Table() string { return s.table }

// Width returns the chunk width.
func (s *Store[T]) Width() time.Duration {
	return time.Duration(s.widthMs) * time.Millisecond
}

// recoverSegments rebuilds compressed chunks from segment files left by a
// previous run. Segment names encode the chunk bounds as start-end.parquet.
func (s *Store[T]) recoverSegments() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("scan table directory: %w", err)
	}

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".parquet") {
			continue
		}

		var start, end int64
		if _, err := fmt.Sscanf(name, "%d-%d.parquet", &start, &end); err != nil {
			s.log.Warn("skipping unrecognized segment file", "file", name)
			continue
		}

		s.chunks[start] = openSegment[T](start, end, filepath.Join(s.dir, name))
	}

	if len(s.chunks) > 0 {
		s.log.Info("recovered compressed chunks", "count", len(s.chunks))
	}
	return nil
}

// chunkFor returns the chunk covering ts, creating an open one if needed.
func (s *Store[T]) chunkFor(ts int64) *Chunk[T] {
	start := (ts / s.widthMs) * s.widthMs
	if ts < 0 && ts%s.widthMs != 0 {
		start -= s.widthMs
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.chunks[start]
	if !ok {
		ch = newChunk[T](start, start+s.widthMs)
		s.chunks[start] = ch
	}
	return ch
}

// Insert routes a row to its chunk. See Chunk.Insert for dedup semantics.
func (s *Store[T]) Insert(row T, eq func(a, b T) bool, mode InsertMode) (bool, error) {
	return s.chunkFor(row.RowTime()).Insert(row, eq, mode)
}

// sorted returns all chunks ordered by start time.
func (s *Store[T]) sorted() []*Chunk[T] {
	s.mu.RLock()
	chunks := make([]*Chunk[T], 0, len(s.chunks))
	for _, ch := range s.chunks {
		chunks = append(chunks, ch)
	}
	s.mu.RUnlock()

	sort.Slice(chunks, func(i, j int) bool { return chunks[i].start < chunks[j].start })
	return chunks
}

// ReadRange returns rows with timestamps in [t0, t1), ordered by time
// ascending. A non-nil keep filters rows before they are collected.
func (s *Store[T]) ReadRange(t0, t1 int64, keep func(T) bool) ([]T, error) {
	if t1 <= t0 {
		return nil, verrors.NewInvalidArgument("range", fmt.Sprintf("end %d must be after start %d", t1, t0))
	}

	var out []T
	for _, ch := range s.sorted() {
		if ch.end <= t0 || ch.start >= t1 {
			continue
		}

		rows, err := ch.Rows(s.codec)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			ts := row.RowTime()
			if ts < t0 || ts >= t1 {
				continue
			}
			if keep != nil && !keep(row) {
				continue
			}
			out = append(out, row)
		}
	}

	// Compressed segments are sorted by segment key first, so restore
	// global time order across chunk and symbol boundaries.
	sort.SliceStable(out, func(i, j int) bool { return out[i].RowTime() < out[j].RowTime() })
	return out, nil
}

// CompressOlderThan compresses every open chunk that ends at or before
// cutoff. Already compressed chunks are skipped, making the pass idempotent.
// Returns the number of chunks compressed.
func (s *Store[T]) CompressOlderThan(cutoff int64) (int, error) {
	n := 0
	for _, ch := range s.sorted() {
		if ch.end > cutoff || ch.State() != StateOpen {
			continue
		}

		path := filepath.Join(s.dir, fmt.Sprintf("%d-%d.parquet", ch.start, ch.end))
		if err := ch.Compress(s.codec, path, s.less); err != nil {
			return n, err
		}
		n++
		s.log.Info("chunk compressed", "start", ch.start, "end", ch.end)
	}
	return n, nil
}

// less orders rows for segment layout: segment_by key first, then time.
func (s *Store[T]) less(a, b T) bool {
	if s.segmentKey != nil {
		ka, kb := s.segmentKey(a), s.segmentKey(b)
		if ka != kb {
			return ka < kb
		}
	}
	return a.RowTime() < b.RowTime()
}

// DeleteOlderThan drops every chunk that ends at or before cutoff, segment
// files included. Chunks whose segment cannot be removed stay in place for
// the next pass; the returned ranges cover only fully deleted chunks.
func (s *Store[T]) DeleteOlderThan(cutoff int64) ([]Range, error) {
	var deleted []Range
	var errs []error

	for _, ch := range s.sorted() {
		if ch.end > cutoff {
			continue
		}

		if err := ch.Delete(removeFile); err != nil {
			errs = append(errs, err)
			continue
		}

		s.mu.Lock()
		delete(s.chunks, ch.start)
		s.mu.Unlock()

		deleted = append(deleted, Range{Start: ch.start, End: ch.end})
		s.log.Info("chunk deleted", "start", ch.start, "end", ch.end)
	}

	return deleted, errors.Join(errs...)
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// SegmentPattern returns a glob matching this table's segment files, for
// query engines that scan Parquet directly.
func (s *Store[T]) SegmentPattern() string {
	return filepath.Join(s.dir, "*.parquet")
}

// Counts reports the number of chunks per state.
func (s *Store[T]) Counts() (open, compressed int) {
	for _, ch := range s.sorted() {
		switch ch.State() {
		case StateOpen:
			open++
		case StateCompressed:
			compressed++
		}
	}
	return open, compressed
}
