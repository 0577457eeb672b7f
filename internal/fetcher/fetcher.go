package fetcher

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"crypto-alarm-engine/internal/model"
)

// MarketDataFetcher retrieves the recent price series for an instrument.
type MarketDataFetcher interface {
	Fetch(ctx context.Context, instrument model.Instrument) (model.Series, error)
}

// ReferencePriceFetcher retrieves an independent reference price, used to
// cross-check the exchange feed.
type ReferencePriceFetcher interface {
	FetchReference(ctx context.Context, instrument model.Instrument) (decimal.Decimal, time.Time, error)
}
