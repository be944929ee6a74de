// Package storage wires the tick and candle stores, the write-ahead log,
// continuous aggregation, lifecycle scheduling and the query surface into
// one service.
//
// Writes go through the WAL before they reach a chunk store, so rows in
// open chunks survive a crash. Derived candles written by aggregate
// refreshes bypass the WAL; they are recomputed from source rows after a
// restart.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	verrors "github.com/tickvault/tickvault/internal/errors"
	"github.com/tickvault/tickvault/internal/logging"
	"github.com/tickvault/tickvault/internal/storage/chunk"
	"github.com/tickvault/tickvault/internal/storage/config"
	"github.com/tickvault/tickvault/internal/storage/indicator"
	"github.com/tickvault/tickvault/internal/storage/lifecycle"
	"github.com/tickvault/tickvault/internal/storage/parquet"
	"github.com/tickvault/tickvault/internal/storage/query"
	"github.com/tickvault/tickvault/internal/storage/rollup"
	"github.com/tickvault/tickvault/internal/storage/types"
	"github.com/tickvault/tickvault/internal/storage/wal"
)

// Service is the storage engine facade.
type Service struct {
	config *config.Config
	log    *slog.Logger

	ticks   *chunk.TickStore
	candles map[types.Timeframe]*chunk.CandleStore
	byTable map[string]*chunk.CandleStore

	wal        *wal.Writer
	scheduler  *lifecycle.Scheduler
	refresher  *rollup.Refresher
	indicators *indicator.Engine
	query      *query.Service

	// walRetention bounds how long rotated WAL segments are kept, in
	// nanoseconds. Derived from the slowest compression policy: older
	// segments only describe rows that already live in columnar segments.
	walRetention atomic.Int64

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	startTime time.Time
	replayed  int64

	ticksAppended   atomic.Int64
	candlesAppended atomic.Int64
}

// ServiceStats aggregates counters from every component.
type ServiceStats struct {
	Running bool
	Uptime  time.Duration

	TicksAppended    int64
	CandlesAppended  int64
	DuplicateCandles int64
	WALReplayed      int64

	ChunksOpen       int
	ChunksCompressed int

	WAL       wal.WriterStats
	Rollup    rollup.Stats
	Lifecycle lifecycle.Stats
	Query     query.Stats
}

// New builds a service from configuration: chunk stores for the tick table
// and every enabled candle timeframe, the WAL (replayed before anything
// starts), the lifecycle scheduler with the configured policies, the
// continuous aggregates and the query service.
func New(cfg *config.Config) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	initServiceMetrics()

	popts := parquet.DefaultOptions()
	popts.Compression = parquet.ParseCompressionType(cfg.Features.Compression.Algorithm)
	if cfg.Features.Compression.Level > 0 {
		popts.CompressionLevel = cfg.Features.Compression.Level
	}

	policy, err := chunk.ParseConflictPolicy(cfg.ConflictPolicy)
	if err != nil {
		return nil, err
	}

	s := &Service{
		config:  cfg,
		log:     logging.Component("storage"),
		candles: make(map[types.Timeframe]*chunk.CandleStore),
		byTable: make(map[string]*chunk.CandleStore),
	}

	s.ticks, err = chunk.NewTickStore(cfg.DataDir, cfg.Chunks.TickWidth, parquet.NewTickCodec(popts))
	if err != nil {
		return nil, fmt.Errorf("create tick store: %w", err)
	}

	candleCodec := parquet.NewCandleCodec(popts)
	for _, tf := range cfg.EnabledTimeframes() {
		cs, err := chunk.NewCandleStore(tf, cfg.DataDir, cfg.Chunks.CandleWidth, candleCodec, policy)
		if err != nil {
			return nil, fmt.Errorf("create %s store: %w", tf.Table(), err)
		}
		s.candles[tf] = cs
		s.byTable[tf.Table()] = cs
	}

	s.wal, err = wal.NewWriter(cfg.WALDir(), wal.Options{
		MaxSegmentSize: cfg.WAL.MaxSegmentSize,
		SyncMode:       cfg.WAL.SyncMode,
		SyncInterval:   cfg.WAL.SyncInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}

	if err := s.replayWAL(); err != nil {
		s.wal.Close()
		return nil, fmt.Errorf("replay wal: %w", err)
	}

	s.scheduler = lifecycle.New(cfg.Lifecycle.Interval)
	s.scheduler.Register(s.ticks)
	for _, cs := range s.candles {
		s.scheduler.Register(cs)
	}
	if err := s.installPolicies(); err != nil {
		s.wal.Close()
		return nil, err
	}

	reader := storeReader{s}
	s.refresher = rollup.New(reader, cfg.Features.SpreadSketch.Enabled)
	if err := s.defineAggregates(); err != nil {
		s.wal.Close()
		return nil, err
	}

	s.indicators = indicator.New(reader)

	s.query, err = query.New(cfg)
	if err != nil {
		s.wal.Close()
		return nil, fmt.Errorf("create query service: %w", err)
	}

	return s, nil
}

// replayWAL re-applies every surviving WAL entry to the in-memory stores.
// Rows whose chunk is already compressed replay as no-ops, candle replays
// are keep-first, so recovery is idempotent.
func (s *Service) replayWAL() error {
	segments, err := s.wal.ListSegments()
	if err != nil {
		return err
	}

	entries, err := wal.ReadAllSegments(segments)
	if err != nil {
		return err
	}

	for i := range entries {
		e := &entries[i]
		switch e.Kind {
		case wal.KindTick:
			err = s.ticks.Append(e.Tick)
		case wal.KindCandle:
			cs, ok := s.byTable[e.Candle.Timeframe.Table()]
			if !ok {
				s.log.Warn("wal entry for disabled timeframe dropped",
					"timeframe", e.Candle.Timeframe)
				continue
			}
			err = cs.Replay(e.Candle)
		default:
			continue
		}

		if err != nil {
			if verrors.IsImmutable(err) {
				continue
			}
			return err
		}
		s.replayed++
		mWALReplayed.Inc()
	}

	if s.replayed > 0 {
		s.log.Info("wal replayed", "entries", s.replayed, "segments", len(segments))
	}
	return nil
}

// installPolicies loads the configured lifecycle rules into the scheduler.
// Retention goes first so the compression cross-check sees it.
func (s *Service) installPolicies() error {
	for _, r := range s.config.Lifecycle.Retention {
		err := s.scheduler.SetRetentionPolicy(lifecycle.RetentionPolicy{
			Table:  r.Table,
			MaxAge: r.MaxAge,
		})
		if err != nil {
			return fmt.Errorf("retention policy for %s: %w", r.Table, err)
		}
	}

	for _, c := range s.config.Lifecycle.Compression {
		err := s.scheduler.SetCompressionPolicy(lifecycle.CompressionPolicy{
			Table:     c.Table,
			OlderThan: c.OlderThan,
			SegmentBy: c.SegmentBy,
			OrderBy:   c.OrderBy,
		})
		if err != nil {
			return fmt.Errorf("compression policy for %s: %w", c.Table, err)
		}
		s.bumpWALRetention(c.OlderThan)
	}

	return nil
}

func (s *Service) bumpWALRetention(d time.Duration) {
	for {
		cur := s.walRetention.Load()
		if int64(d) <= cur || s.walRetention.CompareAndSwap(cur, int64(d)) {
			return
		}
	}
}

// defineAggregates registers the configured continuous aggregates, or the
// default layered chain when none are configured.
func (s *Service) defineAggregates() error {
	defs := make([]rollup.Definition, 0, len(s.config.Aggregates))
	for _, a := range s.config.Aggregates {
		defs = append(defs, rollup.Definition{
			Name:        a.Name,
			Source:      a.Source,
			Destination: types.Timeframe(a.Destination),
			StartOffset: a.StartOffset,
			EndOffset:   a.EndOffset,
			Interval:    a.Interval,
		})
	}
	if len(defs) == 0 {
		defs = defaultAggregates(s.config.EnabledTimeframes())
	}

	for _, def := range defs {
		if err := s.refresher.Define(def); err != nil {
			return fmt.Errorf("define aggregate %s: %w", def.Name, err)
		}
	}
	return nil
}

// defaultAggregates builds the layered chain: ticks feed the finest
// timeframe, each coarser timeframe rolls up from the next finer one.
func defaultAggregates(tfs []types.Timeframe) []rollup.Definition {
	sorted := make([]types.Timeframe, len(tfs))
	copy(sorted, tfs)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Duration() < sorted[j].Duration()
	})

	defs := make([]rollup.Definition, 0, len(sorted))
	source := types.TableTicks
	var sourceWidth time.Duration

	for _, tf := range sorted {
		width := tf.Duration()

		start := 4 * width
		if start < time.Hour {
			start = time.Hour
		}

		interval := width / 2
		if interval < 30*time.Second {
			interval = 30 * time.Second
		}
		if interval > 15*time.Minute {
			interval = 15 * time.Minute
		}

		defs = append(defs, rollup.Definition{
			Name:        tf.Table(),
			Source:      source,
			Destination: tf,
			StartOffset: start,
			EndOffset:   sourceWidth,
			Interval:    interval,
		})

		source = tf.Table()
		sourceWidth = width
	}

	return defs
}

// Start launches the background loops: aggregate refreshes, lifecycle
// passes, WAL flushing and maintenance.
func (s *Service) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return verrors.ErrAlreadyRunning
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.startTime = time.Now()

	if err := s.refresher.Start(ctx); err != nil {
		s.running.Store(false)
		return err
	}
	if err := s.scheduler.Start(ctx); err != nil {
		s.refresher.Stop()
		s.running.Store(false)
		return err
	}

	if s.config.WAL.SyncMode == "" || s.config.WAL.SyncMode == "async" {
		s.wg.Add(1)
		go s.walSyncLoop(ctx)
	}

	s.wg.Add(1)
	go s.maintenanceLoop(ctx)

	s.log.Info("storage service started",
		"data_dir", s.config.DataDir,
		"timeframes", len(s.candles),
		"wal_replayed", s.replayed)
	return nil
}

// Stop halts the background loops, flushes the WAL and releases resources.
// The service cannot be restarted after Stop.
func (s *Service) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.scheduler.Stop()
	s.refresher.Stop()

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	if err := s.wal.Sync(); err != nil {
		s.log.Error("wal flush on shutdown failed", "error", err)
	}
	s.wal.Close()
	s.query.Close()

	s.log.Info("storage service stopped", "uptime", time.Since(s.startTime))
	return nil
}

// walSyncLoop flushes buffered WAL writes on the configured cadence.
func (s *Service) walSyncLoop(ctx context.Context) {
	defer s.wg.Done()

	interval := s.config.WAL.SyncInterval
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.wal.Sync(); err != nil {
				s.log.Error("wal sync failed", "error", err)
			}
		}
	}
}

// maintenanceLoop updates chunk gauges and prunes WAL segments whose rows
// have all aged past the slowest compression policy.
func (s *Service) maintenanceLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.updateChunkGauges()

			if retention := time.Duration(s.walRetention.Load()); retention > 0 {
				cutoff := time.Now().Add(-retention - s.config.Lifecycle.Interval)
				if n, err := s.wal.DeleteSegmentsOlderThan(cutoff); err != nil {
					s.log.Error("wal prune failed", "error", err)
				} else if n > 0 {
					s.log.Info("wal segments pruned", "count", n)
				}
			}
		}
	}
}

func (s *Service) updateChunkGauges() {
	open, sealed := s.ticks.Counts()
	mChunksOpen.WithLabelValues(types.TableTicks).Set(float64(open))
	mChunksSealed.WithLabelValues(types.TableTicks).Set(float64(sealed))

	var duplicates int64
	for tf, cs := range s.candles {
		open, sealed := cs.Counts()
		mChunksOpen.WithLabelValues(tf.Table()).Set(float64(open))
		mChunksSealed.WithLabelValues(tf.Table()).Set(float64(sealed))
		duplicates += cs.DuplicatesIgnored()
	}
	mDuplicates.Set(float64(duplicates))

	rs := s.refresher.Stats()
	mRefreshes.Set(float64(rs.Refreshes))
	mRefreshSkips.Set(float64(rs.Skipped))

	ls := s.scheduler.Stats()
	mChunksCompressed.Set(float64(ls.ChunksCompressed))
	mChunksDeleted.Set(float64(ls.ChunksDeleted))
}

func (s *Service) guard() error {
	if !s.running.Load() {
		return verrors.ErrServiceNotRunning
	}
	return nil
}

// AppendTick logs and stores one tick.
func (s *Service) AppendTick(t types.Tick) error {
	return s.AppendTicks([]types.Tick{t})
}

// AppendTicks logs a batch of ticks as one WAL record, then stores them.
func (s *Service) AppendTicks(ticks []types.Tick) error {
	if err := s.guard(); err != nil {
		return err
	}
	if len(ticks) == 0 {
		return nil
	}

	entries := make([]wal.Entry, len(ticks))
	for i, t := range ticks {
		entries[i] = wal.TickEntry(t)
	}
	if err := s.wal.Write(entries); err != nil {
		mAppendErrors.Inc()
		return fmt.Errorf("wal append: %w", err)
	}

	for _, t := range ticks {
		if err := s.ticks.Append(t); err != nil {
			mAppendErrors.Inc()
			return err
		}
		s.ticksAppended.Add(1)
		mTicksAppended.Inc()
	}
	return nil
}

// AppendCandle logs and stores one externally ingested candle, applying the
// configured conflict policy on duplicate keys.
func (s *Service) AppendCandle(c types.Candle) error {
	if err := s.guard(); err != nil {
		return err
	}

	cs, ok := s.byTable[c.Timeframe.Table()]
	if !ok {
		return verrors.NewTableNotFound(c.Timeframe.Table())
	}

	if err := s.wal.Write([]wal.Entry{wal.CandleEntry(c)}); err != nil {
		mAppendErrors.Inc()
		return fmt.Errorf("wal append: %w", err)
	}

	if err := cs.Append(c); err != nil {
		mAppendErrors.Inc()
		return err
	}
	s.candlesAppended.Add(1)
	mCandlesAppended.Inc()
	return nil
}

// ReadTicks returns ticks in [t0, t1), time ascending. An empty symbol
// reads all symbols.
func (s *Service) ReadTicks(symbol string, t0, t1 int64) ([]types.Tick, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	if symbol == "" {
		return s.ticks.ReadRange(t0, t1)
	}
	return s.ticks.ReadSymbol(symbol, t0, t1)
}

// ReadCandles returns candles with bucket starts in [t0, t1), time
// ascending. An empty symbol reads all symbols.
func (s *Service) ReadCandles(tf types.Timeframe, symbol string, t0, t1 int64) ([]types.Candle, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	cs, ok := s.candles[tf]
	if !ok {
		return nil, verrors.NewTableNotFound(tf.Table())
	}
	if symbol == "" {
		return cs.ReadRange(t0, t1)
	}
	return cs.ReadSymbol(symbol, t0, t1)
}

// LatestCandles returns the newest candles for one symbol, newest first.
// A zero limit reads the default count.
func (s *Service) LatestCandles(symbol string, tf types.Timeframe, limit int) ([]types.Candle, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	if limit == 0 {
		limit = indicator.DefaultLatestLimit
	}
	return s.indicators.Latest(symbol, tf, limit)
}

// ATR computes the Average True Range series for one symbol from startMs
// to now.
func (s *Service) ATR(symbol string, tf types.Timeframe, period int, startMs int64) ([]indicator.Point, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.indicators.ATR(symbol, tf, period, startMs)
}

// DefineAggregate registers a continuous aggregate. Aggregates defined
// after Start refresh on demand only.
func (s *Service) DefineAggregate(def rollup.Definition) error {
	return s.refresher.Define(def)
}

// RefreshAggregate runs one refresh pass of the named aggregate.
func (s *Service) RefreshAggregate(ctx context.Context, name string) (rollup.Result, error) {
	if err := s.guard(); err != nil {
		return rollup.Result{}, err
	}
	return s.refresher.Refresh(ctx, name)
}

// RefreshAll refreshes every aggregate, finer destinations first.
func (s *Service) RefreshAll(ctx context.Context) ([]rollup.Result, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.refresher.RefreshAll(ctx)
}

// SetCompressionPolicy installs or replaces a table's compression policy.
func (s *Service) SetCompressionPolicy(p lifecycle.CompressionPolicy) error {
	if err := s.scheduler.SetCompressionPolicy(p); err != nil {
		return err
	}
	s.bumpWALRetention(p.OlderThan)
	return nil
}

// SetRetentionPolicy installs or replaces a table's retention policy.
func (s *Service) SetRetentionPolicy(p lifecycle.RetentionPolicy) error {
	return s.scheduler.SetRetentionPolicy(p)
}

// RunLifecyclePass runs one compression and retention pass immediately.
func (s *Service) RunLifecyclePass(ctx context.Context) ([]lifecycle.PassResult, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.scheduler.RunPass(ctx)
}

// QueryCandles reads candles from compressed segments via SQL.
func (s *Service) QueryCandles(ctx context.Context, q query.CandleQuery) ([]types.Candle, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.query.QueryCandles(ctx, q)
}

// QueryTicks reads ticks from compressed segments via SQL.
func (s *Service) QueryTicks(ctx context.Context, q query.TickQuery) ([]types.Tick, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.query.QueryTicks(ctx, q)
}

// ExecuteSQL runs an ad-hoc SQL query against the segment files.
func (s *Service) ExecuteSQL(ctx context.Context, sql string) ([]map[string]interface{}, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.query.ExecuteSQL(ctx, sql)
}

// Timeframes returns the enabled candle timeframes, finest first.
func (s *Service) Timeframes() []types.Timeframe {
	tfs := make([]types.Timeframe, 0, len(s.candles))
	for tf := range s.candles {
		tfs = append(tfs, tf)
	}
	sort.Slice(tfs, func(i, j int) bool {
		return tfs[i].Duration() < tfs[j].Duration()
	})
	return tfs
}

// Config returns the service configuration.
func (s *Service) Config() *config.Config { return s.config }

// IsRunning reports whether the service has been started and not stopped.
func (s *Service) IsRunning() bool { return s.running.Load() }

// Stats aggregates counters from every component.
func (s *Service) Stats() ServiceStats {
	stats := ServiceStats{
		Running:         s.running.Load(),
		TicksAppended:   s.ticksAppended.Load(),
		CandlesAppended: s.candlesAppended.Load(),
		WALReplayed:     s.replayed,
		WAL:             s.wal.Stats(),
		Rollup:          s.refresher.Stats(),
		Lifecycle:       s.scheduler.Stats(),
		Query:           s.query.Stats(),
	}
	if stats.Running {
		stats.Uptime = time.Since(s.startTime)
	}

	open, sealed := s.ticks.Counts()
	stats.ChunksOpen += open
	stats.ChunksCompressed += sealed
	for _, cs := range s.candles {
		open, sealed := cs.Counts()
		stats.ChunksOpen += open
		stats.ChunksCompressed += sealed
		stats.DuplicateCandles += cs.DuplicatesIgnored()
	}

	return stats
}

// storeReader adapts the chunk stores to the read surfaces the rollup
// refresher and the indicator engine expect.
type storeReader struct {
	s *Service
}

func (r storeReader) ReadTicks(t0, t1 int64) ([]types.Tick, error) {
	return r.s.ticks.ReadRange(t0, t1)
}

func (r storeReader) ReadCandles(table string, t0, t1 int64) ([]types.Candle, error) {
	cs, ok := r.s.byTable[table]
	if !ok {
		return nil, verrors.NewTableNotFound(table)
	}
	return cs.ReadRange(t0, t1)
}

func (r storeReader) UpsertCandle(c types.Candle) error {
	cs, ok := r.s.byTable[c.Timeframe.Table()]
	if !ok {
		return verrors.NewTableNotFound(c.Timeframe.Table())
	}
	return cs.Upsert(c)
}
