package lifecycle

import (
	"time"

	verrors "github.com/tickvault/tickvault/internal/errors"
)

// CompressionPolicy schedules chunk compression for one table. Chunks whose
// end falls more than OlderThan behind the clock are rewritten as columnar
// segments and become immutable.
type CompressionPolicy struct {
	// Table the policy applies to.
	Table string

	// OlderThan is the age at which chunks compress.
	OlderThan time.Duration

	// SegmentBy names the column whose values are grouped together inside
	// a segment. Only "symbol" is supported; empty disables grouping.
	SegmentBy string

	// OrderBy names the sort column inside each segment group. "time" for
	// the tick table, "bucket_start" for candle tables; empty picks the
	// table's time column.
	OrderBy string
}

// Validate checks the policy's fields.
func (p *CompressionPolicy) Validate() error {
	if p.Table == "" {
		return verrors.NewInvalidValue("compression.table", p.Table, "must not be empty")
	}
	if p.OlderThan <= 0 {
		return verrors.NewInvalidValue("compression.older_than", p.OlderThan, "must be positive")
	}
	switch p.SegmentBy {
	case "", "symbol":
	default:
		return verrors.NewInvalidValue("compression.segment_by", p.SegmentBy, "only symbol is supported")
	}
	switch p.OrderBy {
	case "", "time", "bucket_start":
	default:
		return verrors.NewInvalidValue("compression.order_by", p.OrderBy, "must be time or bucket_start")
	}
	return nil
}

// RetentionPolicy schedules chunk expiry for one table. Retention drops
// whole chunks only; a chunk expires once its newest possible row is older
// than MaxAge.
type RetentionPolicy struct {
	// Table the policy applies to.
	Table string

	// MaxAge is the age past which chunks are dropped.
	MaxAge time.Duration
}

// Validate checks the policy's fields.
func (p *RetentionPolicy) Validate() error {
	if p.Table == "" {
		return verrors.NewInvalidValue("retention.table", p.Table, "must not be empty")
	}
	if p.MaxAge <= 0 {
		return verrors.NewInvalidValue("retention.max_age", p.MaxAge, "must be positive")
	}
	return nil
}
