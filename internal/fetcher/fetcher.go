package fetcher

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Field identifies one measurement channel on the dashboard.
type Field string

const (
	FieldDepth    Field = "depth_mm"
	FieldVelocity Field = "velocity_mps"
	FieldFlow     Field = "flow_lps"
)

// Fields lists the known channels in canonical order.
var Fields = []Field{FieldDepth, FieldVelocity, FieldFlow}

// KnownField reports whether name is one of the supported channels.
func KnownField(name string) bool {
	switch Field(name) {
	case FieldDepth, FieldVelocity, FieldFlow:
		return true
	}
	return false
}

// Source describes where a device's measurements can be found.
type Source struct {
	URL       string
	Selectors map[Field]string
}

// Reading is a single observation. Any subset of channels may be present;
// a reading with no values at all is never returned by a successful fetch.
type Reading struct {
	Timestamp time.Time
	Values    map[Field]decimal.Decimal
	Strategy  string
}

// Empty reports whether the reading carries no values.
func (r Reading) Empty() bool {
	return len(r.Values) == 0
}

// Value returns the reading's value for a channel, if present.
func (r Reading) Value(f Field) (decimal.Decimal, bool) {
	v, ok := r.Values[f]
	return v, ok
}

// ErrNoData indicates a fetch completed without extracting a single value.
// The polling loop counts it as a cycle failure, not an empty success.
var ErrNoData = errors.New("fetcher: no data extracted")

// Strategy is one acquisition method for a reading.
type Strategy interface {
	// Name identifies the strategy for logging and forced-mode selection.
	Name() string
	// Supports reports whether the strategy can operate on the source at all
	// (e.g. selector-based strategies need a selector map).
	Supports(src Source) bool
	// Fetch retrieves a reading. It returns ErrNoData when every channel
	// came back absent.
	Fetch(ctx context.Context, src Source) (Reading, error)
}

// ReadingFetcher is the narrow interface consumed by the polling loop.
type ReadingFetcher interface {
	Fetch(ctx context.Context, src Source) (Reading, error)
}
