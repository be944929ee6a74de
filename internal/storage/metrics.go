package storage

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tickvault/tickvault/internal/metrics"
)

// Service-level instruments. Registered once for the process so tests can
// build multiple Service instances against the default registry.
var (
	metricsOnce sync.Once

	mTicksAppended   prometheus.Counter
	mCandlesAppended prometheus.Counter
	mAppendErrors    prometheus.Counter
	mWALReplayed     prometheus.Counter
	mChunksOpen      *prometheus.GaugeVec
	mChunksSealed    *prometheus.GaugeVec

	mDuplicates       prometheus.Gauge
	mRefreshes        prometheus.Gauge
	mRefreshSkips     prometheus.Gauge
	mChunksCompressed prometheus.Gauge
	mChunksDeleted    prometheus.Gauge
)

func initServiceMetrics() {
	metricsOnce.Do(func() {
		mTicksAppended = metrics.NewCounter(prometheus.CounterOpts{
			Namespace: "tickvault",
			Name:      "ticks_appended_total",
			Help:      "Ticks accepted into the store.",
		})
		mCandlesAppended = metrics.NewCounter(prometheus.CounterOpts{
			Namespace: "tickvault",
			Name:      "candles_appended_total",
			Help:      "Candles accepted into the store, excluding aggregate output.",
		})
		mAppendErrors = metrics.NewCounter(prometheus.CounterOpts{
			Namespace: "tickvault",
			Name:      "append_errors_total",
			Help:      "Appends rejected by the WAL or the chunk stores.",
		})
		mWALReplayed = metrics.NewCounter(prometheus.CounterOpts{
			Namespace: "tickvault",
			Name:      "wal_entries_replayed_total",
			Help:      "WAL entries replayed during startup recovery.",
		})
		mChunksOpen = metrics.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tickvault",
			Name:      "chunks_open",
			Help:      "Open chunks per table.",
		}, []string{"table"})
		mChunksSealed = metrics.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tickvault",
			Name:      "chunks_compressed",
			Help:      "Compressed chunks per table.",
		}, []string{"table"})
		mDuplicates = metrics.NewGauge(prometheus.GaugeOpts{
			Namespace: "tickvault",
			Name:      "candle_duplicates_ignored",
			Help:      "Candle appends dropped by the keep-first policy.",
		})
		mRefreshes = metrics.NewGauge(prometheus.GaugeOpts{
			Namespace: "tickvault",
			Name:      "aggregate_refreshes",
			Help:      "Completed aggregate refresh passes.",
		})
		mRefreshSkips = metrics.NewGauge(prometheus.GaugeOpts{
			Namespace: "tickvault",
			Name:      "aggregate_refreshes_skipped",
			Help:      "Refresh ticks skipped because the previous pass was still running.",
		})
		mChunksCompressed = metrics.NewGauge(prometheus.GaugeOpts{
			Namespace: "tickvault",
			Name:      "lifecycle_chunks_compressed",
			Help:      "Chunks compressed by lifecycle passes.",
		})
		mChunksDeleted = metrics.NewGauge(prometheus.GaugeOpts{
			Namespace: "tickvault",
			Name:      "lifecycle_chunks_deleted",
			Help:      "Chunks dropped by retention.",
		})
	})
}
