package portfolio

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crypto-alarm-engine/internal/cache"
	"crypto-alarm-engine/internal/model"
	"crypto-alarm-engine/internal/storage"
)

type fakeLedger struct {
	trades []storage.Trade
	nextID int64
}

func (f *fakeLedger) InsertTrade(_ context.Context, t storage.Trade) (storage.Trade, error) {
	f.nextID++
	t.ID = f.nextID
	f.trades = append(f.trades, t)
	return t, nil
}

func (f *fakeLedger) ListTrades(_ context.Context, owner string) ([]storage.Trade, error) {
	out := make([]storage.Trade, 0)
	for _, t := range f.trades {
		if t.Owner == owner {
			out = append(out, t)
		}
	}
	return out, nil
}

type fixedPrices map[model.Instrument]float64

func (f fixedPrices) Get(_ context.Context, instrument model.Instrument) (cache.Result, error) {
	price, ok := f[instrument]
	if !ok {
		return cache.Result{}, errors.New("no price")
	}
	return cache.Result{
		Series: model.Series{{
			Instrument: instrument,
			Timestamp:  time.Now().UTC(),
			Price:      decimal.NewFromFloat(price),
		}},
	}, nil
}

func (f fixedPrices) Invalidate(_ context.Context, _ model.Instrument) error { return nil }

var (
	_ storage.TradeLedger = (*fakeLedger)(nil)
	_ cache.Cache         = fixedPrices(nil)
)

func trade(owner string, instrument model.Instrument, side string, qty float64) storage.Trade {
	return storage.Trade{
		Owner:      owner,
		Instrument: instrument,
		Side:       side,
		Quantity:   decimal.NewFromFloat(qty),
		Price:      decimal.NewFromInt(100),
	}
}

func TestRecordTradeValidation(t *testing.T) {
	m := NewManager(&fakeLedger{}, nil, zerolog.Nop())
	ctx := context.Background()

	if _, err := m.RecordTrade(ctx, trade("", "BTC", SideBuy, 1)); err == nil {
		t.Fatal("missing owner should be rejected")
	}
	if _, err := m.RecordTrade(ctx, trade("alice", "BTC", "short", 1)); err == nil {
		t.Fatal("unknown side should be rejected")
	}
	if _, err := m.RecordTrade(ctx, trade("alice", "BTC", SideBuy, 0)); err == nil {
		t.Fatal("zero quantity should be rejected")
	}

	saved, err := m.RecordTrade(ctx, trade("alice", "BTC", "BUY", 2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if saved.ID == 0 {
		t.Fatal("ledger id should be assigned")
	}
	if saved.Side != SideBuy {
		t.Fatalf("side should be normalised, got %s", saved.Side)
	}
	if saved.ExecutedAt.IsZero() {
		t.Fatal("executed_at should default to now")
	}
}

func TestHoldingsNetsBuysAndSells(t *testing.T) {
	ledger := &fakeLedger{}
	m := NewManager(ledger, nil, zerolog.Nop())
	ctx := context.Background()

	for _, tr := range []storage.Trade{
		trade("alice", "BTC", SideBuy, 2),
		trade("alice", "BTC", SideSell, 0.5),
		trade("alice", "ETH", SideBuy, 3),
		trade("alice", "ETH", SideSell, 3),
		trade("bob", "BTC", SideBuy, 10),
	} {
		if _, err := m.RecordTrade(ctx, tr); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	holdings, err := m.Holdings(ctx, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(holdings) != 1 {
		t.Fatalf("sold-out positions should be dropped, got %v", holdings)
	}
	if !holdings["BTC"].Equal(decimal.NewFromFloat(1.5)) {
		t.Fatalf("expected 1.5 BTC, got %s", holdings["BTC"])
	}
}

func TestValuatePricesHoldings(t *testing.T) {
	ledger := &fakeLedger{}
	prices := fixedPrices{"BTC": 50000, "ETH": 2000}
	m := NewManager(ledger, prices, zerolog.Nop())
	ctx := context.Background()

	if _, err := m.RecordTrade(ctx, trade("alice", "BTC", SideBuy, 2)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.RecordTrade(ctx, trade("alice", "ETH", SideBuy, 5)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	valuations, total, err := m.Valuate(ctx, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(valuations) != 2 {
		t.Fatalf("expected 2 valuations, got %d", len(valuations))
	}
	if !total.Equal(decimal.NewFromInt(110000)) {
		t.Fatalf("expected total 110000, got %s", total)
	}
}

func TestValuateSkipsUnpricedHoldings(t *testing.T) {
	ledger := &fakeLedger{}
	prices := fixedPrices{"BTC": 50000}
	m := NewManager(ledger, prices, zerolog.Nop())
	ctx := context.Background()

	if _, err := m.RecordTrade(ctx, trade("alice", "BTC", SideBuy, 1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.RecordTrade(ctx, trade("alice", "DOGE", SideBuy, 100)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	valuations, total, err := m.Valuate(ctx, "alice")
	if err != nil {
		t.Fatalf("a missing price must not fail the valuation: %v", err)
	}
	if len(valuations) != 1 {
		t.Fatalf("unpriced holding should be skipped, got %d", len(valuations))
	}
	if !total.Equal(decimal.NewFromInt(50000)) {
		t.Fatalf("expected total 50000, got %s", total)
	}
}
