// Package portfolio keeps a simple trade ledger per owner and values the
// resulting holdings against current market data.
package portfolio

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crypto-alarm-engine/internal/cache"
	"crypto-alarm-engine/internal/model"
	"crypto-alarm-engine/internal/storage"
)

const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Valuation is one holding priced at the latest cached market price.
type Valuation struct {
	Instrument model.Instrument
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	Value      decimal.Decimal
	Stale      bool
}

// Manager records trades and computes holdings.
type Manager struct {
	ledger storage.TradeLedger
	data   cache.Cache
	logger zerolog.Logger
}

// NewManager constructs a portfolio manager. data may be nil when only the
// ledger side is needed.
func NewManager(ledger storage.TradeLedger, data cache.Cache, logger zerolog.Logger) *Manager {
	return &Manager{
		ledger: ledger,
		data:   data,
		logger: logger.With().Str("component", "portfolio").Logger(),
	}
}

// RecordTrade validates and appends one ledger entry.
func (m *Manager) RecordTrade(ctx context.Context, t storage.Trade) (storage.Trade, error) {
	t.Side = strings.ToLower(t.Side)
	if t.Owner == "" {
		return storage.Trade{}, fmt.Errorf("portfolio: owner required")
	}
	if t.Instrument == "" {
		return storage.Trade{}, fmt.Errorf("portfolio: instrument required")
	}
	if t.Side != SideBuy && t.Side != SideSell {
		return storage.Trade{}, fmt.Errorf("portfolio: side must be %s or %s", SideBuy, SideSell)
	}
	if t.Quantity.LessThanOrEqual(decimal.Zero) {
		return storage.Trade{}, fmt.Errorf("portfolio: quantity must be positive")
	}
	if t.Price.LessThan(decimal.Zero) {
		return storage.Trade{}, fmt.Errorf("portfolio: price cannot be negative")
	}
	if t.ExecutedAt.IsZero() {
		t.ExecutedAt = time.Now().UTC()
	}

	saved, err := m.ledger.InsertTrade(ctx, t)
	if err != nil {
		return storage.Trade{}, fmt.Errorf("record trade: %w", err)
	}

	m.logger.Info().
		Int64("trade_id", saved.ID).
		Str("owner", saved.Owner).
		Str("instrument", saved.Instrument.String()).
		Str("side", saved.Side).
		Str("quantity", saved.Quantity.String()).
		Msg("trade recorded")

	return saved, nil
}

// Holdings nets the owner's trades into per-instrument quantities. Sold-out
// positions are dropped.
func (m *Manager) Holdings(ctx context.Context, owner string) (map[model.Instrument]decimal.Decimal, error) {
	trades, err := m.ledger.ListTrades(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}

	holdings := make(map[model.Instrument]decimal.Decimal)
	for _, t := range trades {
		qty := t.Quantity
		if t.Side == SideSell {
			qty = qty.Neg()
		}
		holdings[t.Instrument] = holdings[t.Instrument].Add(qty)
	}
	for instrument, qty := range holdings {
		if qty.LessThanOrEqual(decimal.Zero) {
			delete(holdings, instrument)
		}
	}
	return holdings, nil
}

// Valuate prices the owner's holdings with the market-data cache and returns
// per-instrument valuations plus the portfolio total. An instrument whose
// price cannot be fetched is skipped with a logged warning rather than
// failing the whole valuation.
func (m *Manager) Valuate(ctx context.Context, owner string) ([]Valuation, decimal.Decimal, error) {
	holdings, err := m.Holdings(ctx, owner)
	if err != nil {
		return nil, decimal.Zero, err
	}

	valuations := make([]Valuation, 0, len(holdings))
	total := decimal.Zero
	for instrument, qty := range holdings {
		res, fetchErr := m.data.Get(ctx, instrument)
		if fetchErr != nil {
			m.logger.Warn().Err(fetchErr).
				Str("instrument", instrument.String()).
				Msg("skipping holding without a price")
			continue
		}
		latest, ok := res.Series.Latest()
		if !ok {
			continue
		}

		value := qty.Mul(latest.Price)
		valuations = append(valuations, Valuation{
			Instrument: instrument,
			Quantity:   qty,
			Price:      latest.Price,
			Value:      value,
			Stale:      res.Stale,
		})
		total = total.Add(value)
	}

	sort.Slice(valuations, func(i, j int) bool { return valuations[i].Instrument < valuations[j].Instrument })
	return valuations, total, nil
}
