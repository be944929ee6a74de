// Package lifecycle drives chunk compression and retention on a schedule.
//
// Each pass walks every registered table, compresses chunks past the
// table's compression age, then drops chunks past its retention age.
// Compression runs before retention inside a pass so a chunk is never
// deleted while an older sibling is still waiting to compress.
package lifecycle

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	verrors "github.com/tickvault/tickvault/internal/errors"
	"github.com/tickvault/tickvault/internal/logging"
	"github.com/tickvault/tickvault/internal/storage/chunk"
)

// Store is the per-table surface the scheduler operates on.
type Store interface {
	Table() string
	CompressOlderThan(cutoff int64) (int, error)
	DeleteOlderThan(cutoff int64) ([]chunk.Range, error)
}

// Stats holds scheduler counters.
type Stats struct {
	Passes           int64
	ChunksCompressed int64
	ChunksDeleted    int64
	Errors           int64
	LastPass         time.Time
}

// PassResult reports what one pass did to one table.
type PassResult struct {
	Table      string
	Compressed int
	Deleted    []chunk.Range
}

// Scheduler owns the lifecycle policies and the background pass loop.
type Scheduler struct {
	mu          sync.RWMutex
	stores      map[string]Store
	compression map[string]CompressionPolicy
	retention   map[string]RetentionPolicy

	interval time.Duration
	now      func() time.Time
	log      *slog.Logger

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	passes     atomic.Int64
	compressed atomic.Int64
	deleted    atomic.Int64
	errors     atomic.Int64
	lastPass   atomic.Int64 // Unix ms
}

// New creates a scheduler that runs a pass every interval.
func New(interval time.Duration) *Scheduler {
	return &Scheduler{
		stores:      make(map[string]Store),
		compression: make(map[string]CompressionPolicy),
		retention:   make(map[string]RetentionPolicy),
		interval:    interval,
		now:         time.Now,
		log:         logging.Component("lifecycle"),
	}
}

// SetClock overrides the scheduler clock.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Register adds a table's store to the scheduler. Policies may only target
// registered tables.
func (s *Scheduler) Register(store Store) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stores[store.Table()] = store
}

// SetCompressionPolicy installs or replaces a table's compression policy.
// When the table also has retention, the compression age must not exceed the
// retention age, otherwise chunks would expire without ever compressing.
func (s *Scheduler) SetCompressionPolicy(p CompressionPolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.stores[p.Table]; !ok {
		return verrors.NewTableNotFound(p.Table)
	}
	if r, ok := s.retention[p.Table]; ok && p.OlderThan > r.MaxAge {
		return verrors.NewInvalidValue("compression.older_than", p.OlderThan,
			"must not exceed the table's retention max_age")
	}

	s.compression[p.Table] = p
	s.log.Info("compression policy set",
		"table", p.Table, "older_than", p.OlderThan, "segment_by", p.SegmentBy)
	return nil
}

// SetRetentionPolicy installs or replaces a table's retention policy.
func (s *Scheduler) SetRetentionPolicy(p RetentionPolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.stores[p.Table]; !ok {
		return verrors.NewTableNotFound(p.Table)
	}
	if c, ok := s.compression[p.Table]; ok && c.OlderThan > p.MaxAge {
		return verrors.NewInvalidValue("retention.max_age", p.MaxAge,
			"must be at least the table's compression older_than")
	}

	s.retention[p.Table] = p
	s.log.Info("retention policy set", "table", p.Table, "max_age", p.MaxAge)
	return nil
}

// CompressionPolicies returns the installed compression policies by table.
func (s *Scheduler) CompressionPolicies() map[string]CompressionPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]CompressionPolicy, len(s.compression))
	for t, p := range s.compression {
		out[t] = p
	}
	return out
}

// RetentionPolicies returns the installed retention policies by table.
func (s *Scheduler) RetentionPolicies() map[string]RetentionPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]RetentionPolicy, len(s.retention))
	for t, p := range s.retention {
		out[t] = p
	}
	return out
}

// RunPass executes one lifecycle pass over every registered table. Tables
// run concurrently; within a table, compression always precedes retention.
// Passes are idempotent, so a pass interrupted by a crash simply reruns.
func (s *Scheduler) RunPass(ctx context.Context) ([]PassResult, error) {
	s.mu.RLock()
	tables := make([]string, 0, len(s.stores))
	for t := range s.stores {
		tables = append(tables, t)
	}
	s.mu.RUnlock()
	sort.Strings(tables)

	nowMs := s.now().UnixMilli()

	var resMu sync.Mutex
	results := make([]PassResult, 0, len(tables))

	g, ctx := errgroup.WithContext(ctx)
	for _, table := range tables {
		table := table
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := s.runTable(table, nowMs)
			if err != nil {
				s.errors.Add(1)
				return err
			}
			resMu.Lock()
			results = append(results, res)
			resMu.Unlock()
			return nil
		})
	}

	err := g.Wait()
	if err == nil {
		s.passes.Add(1)
		s.lastPass.Store(nowMs)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Table < results[j].Table })
	return results, err
}

func (s *Scheduler) runTable(table string, nowMs int64) (PassResult, error) {
	s.mu.RLock()
	store := s.stores[table]
	comp, hasComp := s.compression[table]
	ret, hasRet := s.retention[table]
	s.mu.RUnlock()

	res := PassResult{Table: table}

	if hasComp {
		n, err := store.CompressOlderThan(nowMs - comp.OlderThan.Milliseconds())
		if err != nil {
			return res, err
		}
		res.Compressed = n
		s.compressed.Add(int64(n))
	}

	if hasRet {
		deleted, err := store.DeleteOlderThan(nowMs - ret.MaxAge.Milliseconds())
		if err != nil {
			return res, err
		}
		res.Deleted = deleted
		s.deleted.Add(int64(len(deleted)))

		for _, r := range deleted {
			s.log.Info("retention dropped chunk",
				"table", table, "start", r.Start, "end", r.End)
		}
	}

	return res, nil
}

// Start launches the background pass loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return verrors.ErrAlreadyRunning
	}

	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.RunPass(ctx); err != nil && ctx.Err() == nil {
					s.log.Error("lifecycle pass failed", "error", err)
				}
			}
		}
	}()

	s.log.Info("lifecycle scheduler started", "interval", s.interval)
	return nil
}

// Stop halts the pass loop and waits for an in-flight pass.
func (s *Scheduler) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.log.Info("lifecycle scheduler stopped")
}

// Stats returns scheduler counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Passes:           s.passes.Load(),
		ChunksCompressed: s.compressed.Load(),
		ChunksDeleted:    s.deleted.Load(),
		Errors:           s.errors.Load(),
		LastPass:         time.UnixMilli(s.lastPass.Load()),
	}
}
