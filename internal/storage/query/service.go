// Package query answers SQL-shaped reads over compressed segments.
//
// DuckDB scans the Parquet segment files directly, so analytical queries
// never touch the hot in-memory chunks. Rows still open in memory are
// served by the chunk stores; this service covers the cold path.
package query

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/tickvault/tickvault/internal/storage/config"
	"github.com/tickvault/tickvault/internal/storage/types"
)

// Service provides SQL query capabilities over compressed segments.
type Service struct {
	mu sync.RWMutex

	config *config.Config
	db     *sql.DB

	stats Stats
}

// Stats holds query statistics.
type Stats struct {
	QueriesExecuted int64
	RowsReturned    int64
	Errors          int64
}

// CandleQuery defines parameters for querying candle segments.
type CandleQuery struct {
	Symbol    string
	Timeframe types.Timeframe
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

// TickQuery defines parameters for querying tick segments.
type TickQuery struct {
	Symbol    string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

// New creates a query service over the configured data directory.
func New(cfg *config.Config) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	// In-memory DuckDB; segment files are attached per query.
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	if cfg.Query.MemoryLimit != "" {
		if _, err := db.Exec(fmt.Sprintf("SET memory_limit='%s'", cfg.Query.MemoryLimit)); err != nil {
			db.Close()
			return nil, fmt.Errorf("set memory limit: %w", err)
		}
	}

	return &Service{
		config: cfg,
		db:     db,
	}, nil
}

// Close closes the query service.
func (s *Service) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// segmentPattern returns the glob DuckDB scans for a table.
func (s *Service) segmentPattern(table string) string {
	return filepath.Join(s.config.DataDir, table, "*.parquet")
}

// QueryCandles reads candles from compressed segments. An empty symbol
// reads all symbols.
func (s *Service) QueryCandles(ctx context.Context, q CandleQuery) ([]types.Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pattern := s.segmentPattern(q.Timeframe.Table())

	query := `
		SELECT
			symbol, timeframe, bucket_start,
			open, high, low, close,
			volume, tick_volume,
			spread_avg, spread_max, spread_min,
			spread_p50, spread_p95, spread_p99, has_sketch
		FROM read_parquet($1)
		WHERE ($2 = '' OR symbol = $2)
		  AND bucket_start >= $3
		  AND bucket_start < $4
		ORDER BY bucket_start, symbol
	`

	rows, err := s.db.QueryContext(ctx, query,
		pattern,
		q.Symbol,
		q.StartTime.UnixMilli(),
		q.EndTime.UnixMilli(),
	)
	if err != nil {
		// No segments on disk yet reads as an empty result.
		return nil, nil
	}
	defer rows.Close()

	results, err := s.scanCandles(rows)
	if err != nil {
		s.stats.Errors++
		return nil, err
	}

	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}

	s.stats.QueriesExecuted++
	s.stats.RowsReturned += int64(len(results))
	return results, nil
}

// QueryTicks reads ticks from compressed segments. An empty symbol reads
// all symbols.
func (s *Service) QueryTicks(ctx context.Context, q TickQuery) ([]types.Tick, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pattern := s.segmentPattern(types.TableTicks)

	query := `
		SELECT
			symbol, time_ms,
			bid, ask, bid_size, ask_size,
			spread, mid
		FROM read_parquet($1)
		WHERE ($2 = '' OR symbol = $2)
		  AND time_ms >= $3
		  AND time_ms < $4
		ORDER BY time_ms, symbol
	`

	rows, err := s.db.QueryContext(ctx, query,
		pattern,
		q.Symbol,
		q.StartTime.UnixMilli(),
		q.EndTime.UnixMilli(),
	)
	if err != nil {
		return nil, nil
	}
	defer rows.Close()

	var results []types.Tick
	for rows.Next() {
		var t types.Tick
		err := rows.Scan(
			&t.Symbol, &t.TimeMs,
			&t.Bid, &t.Ask, &t.BidSize, &t.AskSize,
			&t.Spread, &t.Mid,
		)
		if err != nil {
			s.stats.Errors++
			return nil, fmt.Errorf("scan row: %w", err)
		}
		results = append(results, t)
	}
	if err := rows.Err(); err != nil {
		s.stats.Errors++
		return nil, err
	}

	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}

	s.stats.QueriesExecuted++
	s.stats.RowsReturned += int64(len(results))
	return results, nil
}

// scanCandles scans rows into a Candle slice.
func (s *Service) scanCandles(rows *sql.Rows) ([]types.Candle, error) {
	var results []types.Candle

	for rows.Next() {
		var c types.Candle
		var tf string
		var p50, p95, p99 sql.NullFloat64
		var hasSketch bool

		err := rows.Scan(
			&c.Symbol, &tf, &c.BucketStart,
			&c.Open, &c.High, &c.Low, &c.Close,
			&c.Volume, &c.TickVolume,
			&c.SpreadAvg, &c.SpreadMax, &c.SpreadMin,
			&p50, &p95, &p99, &hasSketch,
		)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		c.Timeframe = types.Timeframe(tf)
		if hasSketch && p50.Valid {
			c.SetSpreadQuantiles(p50.Float64, p95.Float64, p99.Float64)
		}

		results = append(results, c)
	}

	return results, rows.Err()
}

// ExecuteSQL executes a raw SQL query using DuckDB. Useful for ad-hoc
// analysis over segment files via read_parquet.
func (s *Service) ExecuteSQL(ctx context.Context, query string) ([]map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		s.stats.Errors++
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var results []map[string]interface{}
	maxRows := s.config.Query.MaxRows

	for rows.Next() {
		if maxRows > 0 && len(results) >= maxRows {
			break
		}

		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, err
		}

		row := make(map[string]interface{})
		for i, col := range columns {
			row[col] = values[i]
		}
		results = append(results, row)
	}

	s.stats.QueriesExecuted++
	s.stats.RowsReturned += int64(len(results))

	return results, rows.Err()
}

// Stats returns query statistics.
func (s *Service) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}
