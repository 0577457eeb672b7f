// Package indicator computes derived signals from price series. All
// functions are pure and deterministic; when the series is shorter than the
// required look-back they return ErrInsufficientData so callers can skip the
// evaluation instead of acting on a degraded value.
package indicator

import (
	"errors"
	"time"

	"crypto-alarm-engine/internal/model"
)

// ErrInsufficientData marks a series too short for the requested window.
var ErrInsufficientData = errors.New("indicator: insufficient data")

// RSI computes the Wilder-smoothed relative strength index. The first
// `period` changes seed a simple average; every later change is folded in
// with exponential smoothing. Requires at least period+1 closes.
func RSI(closes []float64, period int) (float64, error) {
	if period <= 0 {
		return 0, errors.New("indicator: rsi period must be positive")
	}
	if len(closes) < period+1 {
		return 0, ErrInsufficientData
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period + 1; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100.0, nil
	}
	rs := avgGain / avgLoss
	return 100.0 - 100.0/(1.0+rs), nil
}

// SMA computes the simple moving average over the trailing period.
func SMA(closes []float64, period int) (float64, error) {
	if period <= 0 {
		return 0, errors.New("indicator: sma period must be positive")
	}
	if len(closes) < period {
		return 0, ErrInsufficientData
	}
	sum := 0.0
	for i := len(closes) - period; i < len(closes); i++ {
		sum += closes[i]
	}
	return sum / float64(period), nil
}

// EMA computes the exponential moving average, seeded with the simple
// average of the first period.
func EMA(closes []float64, period int) (float64, error) {
	series, err := emaSeries(closes, period)
	if err != nil {
		return 0, err
	}
	return series[len(series)-1], nil
}

func emaSeries(closes []float64, period int) ([]float64, error) {
	if period <= 0 {
		return nil, errors.New("indicator: ema period must be positive")
	}
	if len(closes) < period {
		return nil, ErrInsufficientData
	}

	k := 2.0 / float64(period+1)
	out := make([]float64, 0, len(closes)-period+1)

	seed := 0.0
	for i := 0; i < period; i++ {
		seed += closes[i]
	}
	seed /= float64(period)
	out = append(out, seed)

	prev := seed
	for i := period; i < len(closes); i++ {
		prev = (closes[i]-prev)*k + prev
		out = append(out, prev)
	}
	return out, nil
}

// MACDResult carries the three MACD components.
type MACDResult struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

// MACD computes the fast/slow EMA difference and its signal line using the
// standard 12/26/9 convention (periods are parameters). Requires at least
// slow+signal-1 closes so the signal EMA has a full seed window.
func MACD(closes []float64, fast, slow, signal int) (MACDResult, error) {
	if fast <= 0 || slow <= fast || signal <= 0 {
		return MACDResult{}, errors.New("indicator: macd periods invalid")
	}
	if len(closes) < slow+signal-1 {
		return MACDResult{}, ErrInsufficientData
	}

	fastSeries, err := emaSeries(closes, fast)
	if err != nil {
		return MACDResult{}, err
	}
	slowSeries, err := emaSeries(closes, slow)
	if err != nil {
		return MACDResult{}, err
	}

	// Align: slowSeries[i] corresponds to fastSeries[i+(slow-fast)].
	offset := slow - fast
	diff := make([]float64, len(slowSeries))
	for i := range slowSeries {
		diff[i] = fastSeries[i+offset] - slowSeries[i]
	}

	signalSeries, err := emaSeries(diff, signal)
	if err != nil {
		return MACDResult{}, err
	}

	macd := diff[len(diff)-1]
	sig := signalSeries[len(signalSeries)-1]
	return MACDResult{MACD: macd, Signal: sig, Histogram: macd - sig}, nil
}

// PercentChange computes the wall-clock percent change: latest price versus
// the last point observed at or before now-window. Wall-clock references
// stay correct when evaluation cycles are missed or irregular, which
// cycle-count references are not.
func PercentChange(series model.Series, window time.Duration, now time.Time) (float64, error) {
	latest, ok := series.Latest()
	if !ok {
		return 0, ErrInsufficientData
	}
	ref, ok := series.At(now.Add(-window))
	if !ok {
		return 0, ErrInsufficientData
	}
	if ref.Price.IsZero() {
		return 0, ErrInsufficientData
	}
	change := latest.Price.Sub(ref.Price).Div(ref.Price)
	return change.InexactFloat64() * 100.0, nil
}

// Volatility computes the high/low range as a percentage of the low over
// the trailing window.
func Volatility(series model.Series, window time.Duration, now time.Time) (float64, error) {
	cutoff := now.Add(-window)
	var high, low float64
	seen := 0
	for _, p := range series {
		if p.Timestamp.Before(cutoff) {
			continue
		}
		v := p.Price.InexactFloat64()
		if seen == 0 {
			high, low = v, v
		} else {
			if v > high {
				high = v
			}
			if v < low {
				low = v
			}
		}
		seen++
	}
	if seen < 2 || low == 0 {
		return 0, ErrInsufficientData
	}
	return (high - low) / low * 100.0, nil
}
