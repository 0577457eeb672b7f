package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestExchangeFetchSuccess(t *testing.T) {
	var gotSymbol, gotInterval, gotLimit string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSymbol = r.URL.Query().Get("symbol")
		gotInterval = r.URL.Query().Get("interval")
		gotLimit = r.URL.Query().Get("limit")

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			[1700000000000,"42000.0","42500.0","41800.0","42100.5","12.5",1700003599999,"0",10,"0","0","0"],
			[1700003600000,"42100.5","42600.0","42000.0","42350.0","8.25",1700007199999,"0",8,"0","0","0"]
		]`))
	}))
	defer srv.Close()

	e := NewExchange(ExchangeOptions{
		BaseURL:       srv.URL,
		QuoteCurrency: "USDT",
		KlineInterval: "1h",
		HistoryLimit:  100,
		Timeout:       time.Second,
	}, noopLogger())

	series, err := e.Fetch(context.Background(), "btc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotSymbol != "BTCUSDT" {
		t.Fatalf("expected symbol BTCUSDT, got %s", gotSymbol)
	}
	if gotInterval != "1h" || gotLimit != "100" {
		t.Fatalf("unexpected query: interval=%s limit=%s", gotInterval, gotLimit)
	}

	if len(series) != 2 {
		t.Fatalf("expected 2 points, got %d", len(series))
	}
	latest, _ := series.Latest()
	if latest.Price.Cmp(decimal.NewFromFloat(42350.0)) != 0 {
		t.Fatalf("unexpected close price %s", latest.Price)
	}
	if latest.Timestamp != time.UnixMilli(1700003600000).UTC() {
		t.Fatalf("unexpected timestamp %s", latest.Timestamp)
	}
	if latest.Volume.Cmp(decimal.NewFromFloat(8.25)) != 0 {
		t.Fatalf("unexpected volume %s", latest.Volume)
	}
}

func TestExchangeFetchAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	defer srv.Close()

	e := NewExchange(ExchangeOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())

	_, err := e.Fetch(context.Background(), "NOPE")
	if err == nil {
		t.Fatal("HTTP 400 should return an error")
	}
	if !strings.Contains(err.Error(), "Invalid symbol.") {
		t.Fatalf("error should carry the API message, got %q", err)
	}
}

func TestExchangeFetchEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	e := NewExchange(ExchangeOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	if _, err := e.Fetch(context.Background(), "BTC"); err == nil {
		t.Fatal("empty kline response should be an error")
	}
}

func TestExchangeFetchRequiresInstrument(t *testing.T) {
	e := NewExchange(ExchangeOptions{}, noopLogger())
	if _, err := e.Fetch(context.Background(), ""); err == nil {
		t.Fatal("empty instrument should be rejected")
	}
}
