package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Instrument identifies a tracked asset by its base symbol, e.g. "BTC".
type Instrument string

func (i Instrument) String() string { return string(i) }

// PricePoint is one observation of an instrument's price.
type PricePoint struct {
	Instrument Instrument
	Timestamp  time.Time
	Price      decimal.Decimal
	Volume     decimal.Decimal
}

// Series is an ordered price sequence, oldest first.
type Series []PricePoint

// Latest returns the most recent point and false when the series is empty.
func (s Series) Latest() (PricePoint, bool) {
	if len(s) == 0 {
		return PricePoint{}, false
	}
	return s[len(s)-1], true
}

// At returns the last point observed at or before t.
func (s Series) At(t time.Time) (PricePoint, bool) {
	for i := len(s) - 1; i >= 0; i-- {
		if !s[i].Timestamp.After(t) {
			return s[i], true
		}
	}
	return PricePoint{}, false
}

// Closes extracts the prices as float64 for indicator arithmetic.
func (s Series) Closes() []float64 {
	closes := make([]float64, len(s))
	for i, p := range s {
		closes[i] = p.Price.InexactFloat64()
	}
	return closes
}

// IndicatorSnapshot carries the derived values for one instrument at one
// evaluation instant. It is recomputed every cycle and never persisted.
type IndicatorSnapshot struct {
	Instrument Instrument
	Timestamp  time.Time
	Price      decimal.Decimal
	Values     map[string]float64
	Stale      bool
}

// Value looks up a named indicator value.
func (s *IndicatorSnapshot) Value(name string) (float64, bool) {
	if s == nil || s.Values == nil {
		return 0, false
	}
	v, ok := s.Values[name]
	return v, ok
}

// Canonical keys for snapshot values. Window-parameterised indicators embed
// the window so alarms with different windows can share one snapshot.
const (
	KeyMACD       = "macd"
	KeyMACDSignal = "macd_signal"
	KeyMACDHist   = "macd_hist"
)

// RSIKey names the RSI value for a look-back period, e.g. "rsi14".
func RSIKey(period int) string {
	return fmt.Sprintf("rsi%d", period)
}

// PercentChangeKey names the wall-clock percent change over a window.
func PercentChangeKey(window time.Duration) string {
	return fmt.Sprintf("pctchange_%s", window)
}

// VolatilityKey names the high/low range percentage over a window.
func VolatilityKey(window time.Duration) string {
	return fmt.Sprintf("volatility_%s", window)
}
