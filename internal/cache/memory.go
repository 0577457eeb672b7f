package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"crypto-alarm-engine/internal/fetcher"
	"crypto-alarm-engine/internal/model"
)

type memoryEntry struct {
	series    model.Series
	fetchedAt time.Time
	failures  int
}

// Memory is the in-process cache backend.
type Memory struct {
	opts    Options
	source  fetcher.MarketDataFetcher
	logger  zerolog.Logger
	nowFunc func() time.Time

	mux     sync.Mutex
	entries map[model.Instrument]*memoryEntry
}

// NewMemory constructs an in-memory cache over the given market-data source.
func NewMemory(opts Options, source fetcher.MarketDataFetcher, logger zerolog.Logger) *Memory {
	opts.normalise()
	return &Memory{
		opts:    opts,
		source:  source,
		logger:  logger.With().Str("component", "cache").Logger(),
		nowFunc: time.Now,
		entries: make(map[model.Instrument]*memoryEntry),
	}
}

// Get serves the cached series, refreshing when absent or past the TTL.
func (m *Memory) Get(ctx context.Context, instrument model.Instrument) (Result, error) {
	m.mux.Lock()
	entry, ok := m.entries[instrument]
	if ok {
		fresh := m.nowFunc().Sub(entry.fetchedAt) < m.opts.TTL
		if fresh {
			res := Result{
				Series:    entry.series,
				FetchedAt: entry.fetchedAt,
				Stale:     entry.failures >= m.opts.MaxFailures,
			}
			m.mux.Unlock()
			return res, nil
		}
	}
	m.mux.Unlock()

	series, fetchErr := m.source.Fetch(ctx, instrument)
	now := m.nowFunc()

	m.mux.Lock()
	defer m.mux.Unlock()

	entry, ok = m.entries[instrument]
	if !ok {
		entry = &memoryEntry{}
		m.entries[instrument] = entry
	}

	if fetchErr != nil {
		entry.failures++
		m.logger.Warn().Err(fetchErr).
			Str("instrument", instrument.String()).
			Int("consecutive_failures", entry.failures).
			Msg("market data refresh failed")

		if len(entry.series) == 0 {
			return Result{}, fmt.Errorf("%w: %s: %w", ErrUnknownInstrument, instrument, fetchErr)
		}
		return Result{
			Series:    entry.series,
			FetchedAt: entry.fetchedAt,
			Stale:     entry.failures >= m.opts.MaxFailures,
		}, nil
	}

	entry.series = trimRetention(series, now, m.opts.Retention)
	entry.fetchedAt = now
	entry.failures = 0

	return Result{Series: entry.series, Refreshed: true, FetchedAt: now}, nil
}

// Invalidate drops the cached entry.
func (m *Memory) Invalidate(_ context.Context, instrument model.Instrument) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	delete(m.entries, instrument)
	return nil
}

func trimRetention(series model.Series, now time.Time, retention time.Duration) model.Series {
	cutoff := now.Add(-retention)
	for i, p := range series {
		if !p.Timestamp.Before(cutoff) {
			return series[i:]
		}
	}
	if len(series) == 0 {
		return series
	}
	return series[len(series):]
}

var _ Cache = (*Memory)(nil)
