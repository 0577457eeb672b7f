package indicator

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"crypto-alarm-engine/internal/model"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestRSIInsufficientData(t *testing.T) {
	closes := []float64{100, 101, 102}
	if _, err := RSI(closes, 14); !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
}

func TestRSIAllGains(t *testing.T) {
	closes := make([]float64, 16)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	v, err := RSI(closes, 14)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 100.0 {
		t.Fatalf("monotonic gains should give RSI 100, got %f", v)
	}
}

func TestRSIAllLosses(t *testing.T) {
	closes := make([]float64, 16)
	for i := range closes {
		closes[i] = 200 - float64(i)
	}
	v, err := RSI(closes, 14)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 0.0 {
		t.Fatalf("monotonic losses should give RSI 0, got %f", v)
	}
}

func TestRSIBalanced(t *testing.T) {
	// One +1 change and one -1 change: avgGain == avgLoss, RSI 50.
	v, err := RSI([]float64{100, 101, 100}, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !almostEqual(v, 50.0) {
		t.Fatalf("expected RSI 50, got %f", v)
	}
}

func TestRSIWilderSmoothing(t *testing.T) {
	// Seed: avgGain 0.5, avgLoss 0.5. Next change +2 folds in as
	// avgGain (0.5+2)/2 = 1.25, avgLoss 0.25, RS 5, RSI 83.33.
	v, err := RSI([]float64{100, 101, 100, 102}, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := 100.0 - 100.0/6.0
	if !almostEqual(v, want) {
		t.Fatalf("expected RSI %f, got %f", want, v)
	}
}

func TestSMA(t *testing.T) {
	v, err := SMA([]float64{1, 2, 3, 4}, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !almostEqual(v, 3.5) {
		t.Fatalf("expected SMA 3.5, got %f", v)
	}
	if _, err := SMA([]float64{1}, 2); !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
}

func TestEMA(t *testing.T) {
	// Seed (2+4)/2 = 3, then (8-3)*2/3 + 3 = 6.333.
	v, err := EMA([]float64{2, 4, 8}, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !almostEqual(v, 3.0+(8.0-3.0)*2.0/3.0) {
		t.Fatalf("unexpected EMA value %f", v)
	}
}

func TestMACDInsufficientData(t *testing.T) {
	closes := make([]float64, 10)
	if _, err := MACD(closes, 12, 26, 9); !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
}

func TestMACDFlatSeries(t *testing.T) {
	closes := make([]float64, 40)
	for i := range closes {
		closes[i] = 50.0
	}
	res, err := MACD(closes, 12, 26, 9)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !almostEqual(res.MACD, 0) || !almostEqual(res.Signal, 0) || !almostEqual(res.Histogram, 0) {
		t.Fatalf("flat series should give zero MACD, got %+v", res)
	}
}

func TestMACDInvalidPeriods(t *testing.T) {
	if _, err := MACD([]float64{1, 2, 3}, 26, 12, 9); err == nil {
		t.Fatal("slow <= fast should be rejected")
	}
}

func seriesAt(base time.Time, prices []float64, step time.Duration) model.Series {
	series := make(model.Series, len(prices))
	for i, p := range prices {
		series[i] = model.PricePoint{
			Instrument: "BTC",
			Timestamp:  base.Add(time.Duration(i) * step),
			Price:      decimal.NewFromFloat(p),
			Volume:     decimal.NewFromInt(1),
		}
	}
	return series
}

func TestPercentChangeWallClock(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	series := seriesAt(base, []float64{100, 104, 110}, time.Hour)
	now := base.Add(2 * time.Hour)

	v, err := PercentChange(series, 2*time.Hour, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !almostEqual(v, 10.0) {
		t.Fatalf("expected +10%%, got %f", v)
	}
}

func TestPercentChangeNoReferencePoint(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	series := seriesAt(base, []float64{100, 110}, time.Hour)

	// Window reaches back before the first observation.
	if _, err := PercentChange(series, 48*time.Hour, base.Add(time.Hour)); !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
}

func TestVolatility(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	series := seriesAt(base, []float64{100, 110, 95}, time.Hour)
	now := base.Add(2 * time.Hour)

	v, err := Volatility(series, 3*time.Hour, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := (110.0 - 95.0) / 95.0 * 100.0
	if !almostEqual(v, want) {
		t.Fatalf("expected volatility %f, got %f", want, v)
	}
}

func TestVolatilitySinglePoint(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	series := seriesAt(base, []float64{100, 110}, time.Hour)

	// Only the latest point falls inside the window.
	if _, err := Volatility(series, 30*time.Minute, base.Add(time.Hour)); !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
}
