package alarm

import (
	"fmt"

	"crypto-alarm-engine/internal/model"
)

// Evaluation is the outcome of evaluating one alarm against one snapshot.
type Evaluation struct {
	Fired bool
	// Skipped marks "not evaluable this cycle" (insufficient data or first
	// sight of the instrument). Distinct from a quiet non-fire.
	Skipped bool
	Reason  string
}

// Evaluate decides whether the alarm's condition transitioned to true
// between the previous and current snapshot. It is side-effect free: state
// transitions, cooldown checks and notifications belong to the caller.
//
// Crossing-based conditions need the previous snapshot; when previous is
// nil (first cycle for this instrument) the result seeds history instead
// of firing, so an alarm created while price already sits beyond its
// threshold stays quiet until an actual crossing.
func Evaluate(a *model.Alarm, current, previous *model.IndicatorSnapshot) (Evaluation, error) {
	if current == nil {
		return Evaluation{Skipped: true, Reason: "no market data"}, nil
	}

	switch a.Condition.Kind {
	case model.CondPriceThreshold:
		return evaluatePriceThreshold(a, current, previous), nil
	case model.CondPercentChange:
		return evaluateValueCrossing(a, current, previous,
			model.PercentChangeKey(a.Condition.Window), true), nil
	case model.CondIndicatorThreshold:
		return evaluateValueCrossing(a, current, previous, a.Condition.Indicator, false), nil
	case model.CondVolatility:
		return evaluateValueCrossing(a, current, previous,
			model.VolatilityKey(a.Condition.Window), false), nil
	default:
		return Evaluation{}, fmt.Errorf("unknown condition kind %q", a.Condition.Kind)
	}
}

func evaluatePriceThreshold(a *model.Alarm, current, previous *model.IndicatorSnapshot) Evaluation {
	if previous == nil {
		return Evaluation{Reason: "seeding price history"}
	}

	threshold := a.Condition.Threshold
	switch a.Condition.Direction {
	case model.DirAbove:
		if previous.Price.LessThanOrEqual(threshold) && current.Price.GreaterThan(threshold) {
			return Evaluation{
				Fired: true,
				Reason: fmt.Sprintf("%s crossed above %s (now %s)",
					a.Instrument, threshold.String(), current.Price.String()),
			}
		}
	case model.DirBelow:
		if previous.Price.GreaterThanOrEqual(threshold) && current.Price.LessThan(threshold) {
			return Evaluation{
				Fired: true,
				Reason: fmt.Sprintf("%s crossed below %s (now %s)",
					a.Instrument, threshold.String(), current.Price.String()),
			}
		}
	}
	return Evaluation{}
}

// evaluateValueCrossing fires when a named snapshot value enters the
// configured band, having been outside it last cycle. With magnitude set
// the absolute value is compared (percent-change alarms care about moves in
// either direction). Missing values mean the indicator had insufficient
// data this cycle, so the alarm is skipped, not failed.
func evaluateValueCrossing(a *model.Alarm, current, previous *model.IndicatorSnapshot, key string, magnitude bool) Evaluation {
	curVal, ok := current.Value(key)
	if !ok {
		return Evaluation{Skipped: true, Reason: fmt.Sprintf("insufficient data for %s", key)}
	}
	if magnitude && curVal < 0 {
		curVal = -curVal
	}

	bound := a.Condition.BoundPct

	inBand := func(v float64) bool {
		if a.Condition.Kind == model.CondIndicatorThreshold && a.Condition.Direction == model.DirBelow {
			return v < bound
		}
		return v > bound
	}

	if !inBand(curVal) {
		return Evaluation{}
	}

	if previous == nil {
		return Evaluation{Reason: "seeding indicator history"}
	}

	prevVal, prevOK := previous.Value(key)
	if prevOK {
		if magnitude && prevVal < 0 {
			prevVal = -prevVal
		}
		if inBand(prevVal) {
			// Still inside the band; already reported on entry.
			return Evaluation{}
		}
	}

	return Evaluation{Fired: true, Reason: reasonFor(a, key, curVal)}
}

func reasonFor(a *model.Alarm, key string, value float64) string {
	switch a.Condition.Kind {
	case model.CondPercentChange:
		return fmt.Sprintf("%s moved %.2f%% within %s (bound %.2f%%)",
			a.Instrument, value, a.Condition.Window, a.Condition.BoundPct)
	case model.CondIndicatorThreshold:
		op := ">"
		if a.Condition.Direction == model.DirBelow {
			op = "<"
		}
		return fmt.Sprintf("%s %s is %.2f (%s %.2f)",
			a.Instrument, key, value, op, a.Condition.BoundPct)
	case model.CondVolatility:
		return fmt.Sprintf("%s volatility over %s is %.2f%% (bound %.2f%%)",
			a.Instrument, a.Condition.Window, value, a.Condition.BoundPct)
	default:
		return fmt.Sprintf("%s %s is %.2f", a.Instrument, key, value)
	}
}
