package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crypto-alarm-engine/internal/fetcher"
	"crypto-alarm-engine/internal/model"
)

// Redis is the shared cache backend. The series lives in a sorted set per
// instrument scored by unix timestamp; a small hash tracks freshness and the
// consecutive-failure count so restarts keep the staleness accounting.
type Redis struct {
	opts    Options
	source  fetcher.MarketDataFetcher
	client  *redis.Client
	logger  zerolog.Logger
	nowFunc func() time.Time
}

// NewRedis constructs a Redis-backed cache.
func NewRedis(opts Options, source fetcher.MarketDataFetcher, client *redis.Client, logger zerolog.Logger) *Redis {
	opts.normalise()
	return &Redis{
		opts:    opts,
		source:  source,
		client:  client,
		logger:  logger.With().Str("component", "cache_redis").Logger(),
		nowFunc: time.Now,
	}
}

func seriesKey(instrument model.Instrument) string {
	return fmt.Sprintf("prices:%s", strings.ToUpper(instrument.String()))
}

func metaKey(instrument model.Instrument) string {
	return seriesKey(instrument) + ":meta"
}

// Get serves the cached series, refreshing when absent or past the TTL.
func (r *Redis) Get(ctx context.Context, instrument model.Instrument) (Result, error) {
	now := r.nowFunc()

	meta, err := r.client.HGetAll(ctx, metaKey(instrument)).Result()
	if err != nil {
		return Result{}, fmt.Errorf("read cache meta: %w", err)
	}

	fetchedAt := time.Time{}
	failures := 0
	if raw, ok := meta["fetched_at"]; ok {
		if unix, convErr := strconv.ParseInt(raw, 10, 64); convErr == nil {
			fetchedAt = time.Unix(unix, 0).UTC()
		}
	}
	if raw, ok := meta["failures"]; ok {
		failures, _ = strconv.Atoi(raw)
	}

	if !fetchedAt.IsZero() && now.Sub(fetchedAt) < r.opts.TTL {
		series, readErr := r.readSeries(ctx, instrument, now)
		if readErr != nil {
			return Result{}, readErr
		}
		if len(series) > 0 {
			return Result{
				Series:    series,
				FetchedAt: fetchedAt,
				Stale:     failures >= r.opts.MaxFailures,
			}, nil
		}
	}

	series, fetchErr := r.source.Fetch(ctx, instrument)
	if fetchErr != nil {
		failures++
		r.logger.Warn().Err(fetchErr).
			Str("instrument", instrument.String()).
			Int("consecutive_failures", failures).
			Msg("market data refresh failed")

		if err := r.client.HSet(ctx, metaKey(instrument), "failures", failures).Err(); err != nil {
			r.logger.Error().Err(err).Msg("failed to persist failure count")
		}

		stale, readErr := r.readSeries(ctx, instrument, now)
		if readErr != nil || len(stale) == 0 {
			return Result{}, fmt.Errorf("%w: %s: %w", ErrUnknownInstrument, instrument, fetchErr)
		}
		return Result{
			Series:    stale,
			FetchedAt: fetchedAt,
			Stale:     failures >= r.opts.MaxFailures,
		}, nil
	}

	if err := r.writeSeries(ctx, instrument, series, now); err != nil {
		return Result{}, err
	}

	return Result{Series: series, Refreshed: true, FetchedAt: now}, nil
}

// Invalidate drops both the series and its freshness metadata.
func (r *Redis) Invalidate(ctx context.Context, instrument model.Instrument) error {
	return r.client.Del(ctx, seriesKey(instrument), metaKey(instrument)).Err()
}

func (r *Redis) readSeries(ctx context.Context, instrument model.Instrument, now time.Time) (model.Series, error) {
	cutoff := now.Add(-r.opts.Retention).Unix()
	members, err := r.client.ZRangeByScore(ctx, seriesKey(instrument), &redis.ZRangeBy{
		Min: strconv.FormatInt(cutoff, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read cached series: %w", err)
	}

	series := make(model.Series, 0, len(members))
	for _, member := range members {
		point, ok := parseMember(instrument, member)
		if !ok {
			continue
		}
		series = append(series, point)
	}
	return series, nil
}

func (r *Redis) writeSeries(ctx context.Context, instrument model.Instrument, series model.Series, now time.Time) error {
	members := make([]redis.Z, 0, len(series))
	for _, p := range series {
		members = append(members, redis.Z{
			Score:  float64(p.Timestamp.Unix()),
			Member: formatMember(p),
		})
	}

	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, seriesKey(instrument), members...)
	pipe.ZRemRangeByScore(ctx, seriesKey(instrument), "-inf",
		strconv.FormatInt(now.Add(-r.opts.Retention).Unix(), 10))
	pipe.HSet(ctx, metaKey(instrument),
		"fetched_at", now.Unix(),
		"failures", 0,
	)
	pipe.Expire(ctx, seriesKey(instrument), r.opts.Retention+r.opts.TTL)
	pipe.Expire(ctx, metaKey(instrument), r.opts.Retention+r.opts.TTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write cached series: %w", err)
	}
	return nil
}

func formatMember(p model.PricePoint) string {
	return fmt.Sprintf("%d|%s|%s", p.Timestamp.Unix(), p.Price.String(), p.Volume.String())
}

func parseMember(instrument model.Instrument, member string) (model.PricePoint, bool) {
	parts := strings.SplitN(member, "|", 3)
	if len(parts) != 3 {
		return model.PricePoint{}, false
	}
	unix, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return model.PricePoint{}, false
	}
	price, err := decimal.NewFromString(parts[1])
	if err != nil {
		return model.PricePoint{}, false
	}
	volume, err := decimal.NewFromString(parts[2])
	if err != nil {
		return model.PricePoint{}, false
	}
	return model.PricePoint{
		Instrument: instrument,
		Timestamp:  time.Unix(unix, 0).UTC(),
		Price:      price,
		Volume:     volume,
	}, true
}

var _ Cache = (*Redis)(nil)
