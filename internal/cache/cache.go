// Package cache holds recently fetched price series per instrument behind a
// freshness TTL so evaluation cycles do not hammer the market-data API. A
// failed refresh degrades to the last known series instead of failing the
// cycle; after enough consecutive failures the series is flagged stale so
// notifications can carry the caveat.
package cache

import (
	"context"
	"errors"
	"time"

	"crypto-alarm-engine/internal/model"
)

// ErrUnknownInstrument marks a lookup with no cached data and a failing
// refresh: there is nothing to evaluate against, not even stale data.
var ErrUnknownInstrument = errors.New("cache: no data for instrument")

// Result is the outcome of a cache lookup.
type Result struct {
	Series model.Series
	// Refreshed reports that this call fetched fresh data.
	Refreshed bool
	// Stale is set once consecutive refresh failures reach the configured
	// limit; fired alarms must carry a "data may be stale" caveat.
	Stale bool
	// FetchedAt is when the series was last successfully refreshed.
	FetchedAt time.Time
}

// Cache serves price series with TTL-bounded freshness.
type Cache interface {
	// Get returns the series for the instrument, refreshing it first when
	// the cached entry is absent or older than the TTL. It only returns an
	// error when no data is available at all.
	Get(ctx context.Context, instrument model.Instrument) (Result, error)
	// Invalidate drops the cached entry so the next Get refreshes.
	Invalidate(ctx context.Context, instrument model.Instrument) error
}

// Options tune cache behaviour, shared by all backends.
type Options struct {
	TTL         time.Duration
	Retention   time.Duration
	MaxFailures int
}

func (o *Options) normalise() {
	if o.TTL <= 0 {
		o.TTL = 45 * time.Second
	}
	if o.Retention <= 0 {
		o.Retention = 48 * time.Hour
	}
	if o.MaxFailures <= 0 {
		o.MaxFailures = 3
	}
}
