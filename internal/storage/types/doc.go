// Package types defines the core data types used throughout the storage engine.
//
// The two row kinds flowing through the system are:
//
//   - Tick: a raw top-of-book quote with derived spread and mid columns,
//     computed once at construction and immutable thereafter.
//   - Candle: an OHLC aggregate for one (symbol, timeframe, bucket) triple.
//
// Timeframe names the fixed bucket widths the engine materializes and maps
// each one to its logical table.
package types
