package rollup

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	verrors "github.com/tickvault/tickvault/internal/errors"
	"github.com/tickvault/tickvault/internal/logging"
	"github.com/tickvault/tickvault/internal/storage/types"
)

// Storage is the store surface the refresher reads from and writes to.
type Storage interface {
	// ReadTicks returns ticks in [t0, t1) for all symbols.
	ReadTicks(t0, t1 int64) ([]types.Tick, error)

	// ReadCandles returns candles from the named table in [t0, t1).
	ReadCandles(table string, t0, t1 int64) ([]types.Candle, error)

	// UpsertCandle writes a candle, replacing any row with the same key.
	UpsertCandle(c types.Candle) error
}

// Result reports what one refresh pass did.
type Result struct {
	Aggregate  string
	Start      int64 // window start, Unix ms
	End        int64 // window end, Unix ms
	SourceRows int
	Candles    int
}

// Stats holds refresher counters.
type Stats struct {
	Refreshes       int64
	Skipped         int64
	CandlesUpserted int64
	Errors          int64
}

// aggregateState tracks one registered definition. runMu serializes passes:
// when a refresh is due while the previous one still runs, the new pass is
// skipped rather than queued.
type aggregateState struct {
	def   Definition
	runMu sync.Mutex

	lastRun  atomic.Int64 // Unix ms
	lastRows atomic.Int64
}

// Refresher schedules and executes continuous aggregate refreshes.
type Refresher struct {
	mu   sync.RWMutex
	defs map[string]*aggregateState

	storage    Storage
	withSketch bool
	now        func() time.Time
	log        *slog.Logger

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	stats struct {
		refreshes atomic.Int64
		skipped   atomic.Int64
		upserted  atomic.Int64
		errors    atomic.Int64
	}
}

// New creates a refresher over the given storage. When withSketch is true,
// tick-sourced aggregates carry DDSketch spread quantiles.
func New(storage Storage, withSketch bool) *Refresher {
	return &Refresher{
		defs:       make(map[string]*aggregateState),
		storage:    storage,
		withSketch: withSketch,
		now:        time.Now,
		log:        logging.Component("rollup"),
	}
}

// SetClock overrides the scheduler clock.
func (r *Refresher) SetClock(now func() time.Time) {
	r.now = now
}

// Define registers a continuous aggregate. Names are unique; registering a
// second definition under an existing name fails.
func (r *Refresher) Define(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[def.Name]; exists {
		return fmt.Errorf("aggregate %q: %w", def.Name, verrors.ErrDuplicateAggregate)
	}

	r.defs[def.Name] = &aggregateState{def: def}
	r.log.Info("aggregate defined",
		"name", def.Name,
		"source", def.Source,
		"destination", def.Destination.Table(),
		"interval", def.Interval)
	return nil
}

// Definitions returns all registered definitions ordered finest destination
// first, the order layered refreshes must run in.
func (r *Refresher) Definitions() []Definition {
	r.mu.RLock()
	defs := make([]Definition, 0, len(r.defs))
	for _, st := range r.defs {
		defs = append(defs, st.def)
	}
	r.mu.RUnlock()

	sort.Slice(defs, func(i, j int) bool {
		di, dj := defs[i].Destination.Duration(), defs[j].Destination.Duration()
		if di != dj {
			return di < dj
		}
		return defs[i].Name < defs[j].Name
	})
	return defs
}

func (r *Refresher) state(name string) (*aggregateState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.defs[name]
	if !ok {
		return nil, fmt.Errorf("aggregate %q: %w", name, verrors.ErrUnknownAggregate)
	}
	return st, nil
}

// Refresh runs one pass of the named aggregate. If a pass for the same
// aggregate is still in flight the call returns ErrRefreshSkipped without
// blocking.
func (r *Refresher) Refresh(ctx context.Context, name string) (Result, error) {
	st, err := r.state(name)
	if err != nil {
		return Result{}, err
	}

	if !st.runMu.TryLock() {
		r.stats.skipped.Add(1)
		r.log.Warn("refresh skipped, previous pass still running", "name", name)
		return Result{}, fmt.Errorf("aggregate %q: %w", name, verrors.ErrRefreshSkipped)
	}
	defer st.runMu.Unlock()

	res, err := r.runPass(ctx, st)
	if err != nil {
		r.stats.errors.Add(1)
		return res, err
	}

	r.stats.refreshes.Add(1)
	st.lastRun.Store(r.now().UnixMilli())
	st.lastRows.Store(int64(res.Candles))
	return res, nil
}

func (r *Refresher) runPass(ctx context.Context, st *aggregateState) (Result, error) {
	def := st.def
	start, end := def.Window(r.now())
	res := Result{Aggregate: def.Name, Start: start, End: end}

	if start >= end {
		return res, nil
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	var candles []types.Candle

	if src, isCandle := def.SourceTimeframe(); isCandle {
		rows, err := r.storage.ReadCandles(src.Table(), start, end)
		if err != nil {
			return res, fmt.Errorf("refresh %s: read %s: %w", def.Name, def.Source, err)
		}
		res.SourceRows = len(rows)
		candles = rollupCandles(rows, def.Destination)
	} else {
		rows, err := r.storage.ReadTicks(start, end)
		if err != nil {
			return res, fmt.Errorf("refresh %s: read ticks: %w", def.Name, err)
		}
		res.SourceRows = len(rows)
		candles = aggregateTicks(rows, def.Destination, r.withSketch)
	}

	for i := range candles {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := r.storage.UpsertCandle(candles[i]); err != nil {
			return res, fmt.Errorf("refresh %s: upsert %s: %w", def.Name, candles[i].Key(), err)
		}
		res.Candles++
		r.stats.upserted.Add(1)
	}

	r.log.Debug("refresh complete",
		"name", def.Name,
		"window_start", start,
		"window_end", end,
		"source_rows", res.SourceRows,
		"candles", res.Candles)
	return res, nil
}

// RefreshAll runs one pass of every aggregate, finer destinations first so
// layered rollups read freshly materialized sub-candles. Aggregates sharing
// a destination width refresh concurrently. Skipped passes are not errors.
func (r *Refresher) RefreshAll(ctx context.Context) ([]Result, error) {
	defs := r.Definitions()

	var results []Result
	var resMu sync.Mutex

	for i := 0; i < len(defs); {
		// One layer: all definitions with the same destination width.
		j := i
		width := defs[i].Destination.Duration()
		for j < len(defs) && defs[j].Destination.Duration() == width {
			j++
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, def := range defs[i:j] {
			name := def.Name
			g.Go(func() error {
				res, err := r.Refresh(gctx, name)
				if err != nil {
					if verrors.Is(err, verrors.ErrRefreshSkipped) {
						return nil
					}
					return err
				}
				resMu.Lock()
				results = append(results, res)
				resMu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return results, err
		}
		i = j
	}

	return results, nil
}

// Start launches one refresh loop per definition. Definitions added after
// Start are not scheduled until the next Start.
func (r *Refresher) Start(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return verrors.ErrAlreadyRunning
	}

	ctx, r.cancel = context.WithCancel(ctx)

	for _, def := range r.Definitions() {
		name := def.Name
		interval := def.Interval

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()

			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if _, err := r.Refresh(ctx, name); err != nil && !verrors.IsRetriable(err) {
						r.log.Error("refresh failed", "name", name, "error", err)
					}
				}
			}
		}()
	}

	r.log.Info("refresher started", "aggregates", len(r.Definitions()))
	return nil
}

// Stop halts the refresh loops and waits for in-flight passes.
func (r *Refresher) Stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.log.Info("refresher stopped")
}

// Stats returns refresher counters.
func (r *Refresher) Stats() Stats {
	return Stats{
		Refreshes:       r.stats.refreshes.Load(),
		Skipped:         r.stats.skipped.Load(),
		CandlesUpserted: r.stats.upserted.Load(),
		Errors:          r.stats.errors.Load(),
	}
}
