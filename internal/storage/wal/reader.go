package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

// Reader reads entries from a WAL segment file.
type Reader struct {
	path string
	file *os.File

	stats ReaderStats
}

// ReaderStats holds WAL reader statistics.
type ReaderStats struct {
	RecordsRead    int64
	EntriesRead    int64
	BytesRead      int64
	CorruptRecords int64
}

// NewReader opens a segment file and verifies its header.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}

	var header [headerSize]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("read header: %w", err)
	}

	magic := binary.LittleEndian.Uint64(header[0:8])
	if magic != walMagic {
		f.Close()
		return nil, fmt.Errorf("invalid magic: expected %x, got %x", uint64(walMagic), magic)
	}

	version := binary.LittleEndian.Uint32(header[8:12])
	if version != walVersion {
		f.Close()
		return nil, fmt.Errorf("unsupported version: %d", version)
	}

	return &Reader{
		path: path,
		file: f,
	}, nil
}

// ReadAll reads every entry in the segment. Corrupt records (for example a
// tail truncated by a crash) are counted and skipped.
func (r *Reader) ReadAll() ([]Entry, error) {
	var all []Entry

	for {
		entries, err := r.ReadRecord()
		if err == io.EOF {
			break
		}
		if err != nil {
			r.stats.CorruptRecords++
			continue
		}

		all = append(all, entries...)
	}

	return all, nil
}

// ReadRecord reads the next record from the segment.
// Returns io.EOF when there are no more records.
func (r *Reader) ReadRecord() ([]Entry, error) {
	var header [recordHeaderSize]byte
	if _, err := io.ReadFull(r.file, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read record header: %w", err)
	}

	length := binary.LittleEndian.Uint32(header[0:4])
	expectedCRC := binary.LittleEndian.Uint32(header[4:8])

	if length > 100*1024*1024 { // 100MB max
		return nil, fmt.Errorf("record too large: %d bytes", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.file, payload); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}

	actualCRC := crc32.ChecksumIEEE(payload)
	if actualCRC != expectedCRC {
		return nil, fmt.Errorf("CRC mismatch: expected %x, got %x", expectedCRC, actualCRC)
	}

	entries, err := decodeEntries(payload)
	if err != nil {
		return nil, fmt.Errorf("decode entries: %w", err)
	}

	r.stats.RecordsRead++
	r.stats.EntriesRead += int64(len(entries))
	r.stats.BytesRead += int64(recordHeaderSize + len(payload))

	return entries, nil
}

// Close closes the reader.
func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// Stats returns reader statistics.
func (r *Reader) Stats() ReaderStats {
	return r.stats
}

// Path returns the segment path.
func (r *Reader) Path() string {
	return r.path
}

// ReadSegment reads all entries from one segment file.
func ReadSegment(path string) ([]Entry, error) {
	r, err := NewReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return r.ReadAll()
}

// ReadAllSegments reads all entries from multiple segment files in order.
func ReadAllSegments(paths []string) ([]Entry, error) {
	var all []Entry

	for _, path := range paths {
		entries, err := ReadSegment(path)
		if err != nil {
			return nil, fmt.Errorf("read segment %s: %w", path, err)
		}
		all = append(all, entries...)
	}

	return all, nil
}
