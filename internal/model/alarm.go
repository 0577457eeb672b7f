package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AlarmState tracks the lifecycle of an alarm.
type AlarmState string

const (
	StateActive  AlarmState = "active"
	StatePaused  AlarmState = "paused"
	StateFired   AlarmState = "fired"
	StateExpired AlarmState = "expired"
)

// ConditionKind enumerates the closed set of trigger variants.
type ConditionKind string

const (
	CondPriceThreshold     ConditionKind = "price_threshold"
	CondPercentChange      ConditionKind = "percent_change"
	CondIndicatorThreshold ConditionKind = "indicator_threshold"
	CondVolatility         ConditionKind = "volatility"
)

// Direction orients threshold conditions.
type Direction string

const (
	DirAbove Direction = "above"
	DirBelow Direction = "below"
)

// Condition is a tagged variant; the fields that apply depend on Kind.
type Condition struct {
	Kind ConditionKind

	// price_threshold
	Threshold decimal.Decimal
	Direction Direction

	// percent_change and volatility
	BoundPct float64
	Window   time.Duration

	// indicator_threshold: named indicator crossing into a band,
	// e.g. Indicator "rsi14", Direction above, BoundPct 70.
	Indicator string
}

// Validate rejects malformed variants before they reach the evaluator.
func (c Condition) Validate() error {
	switch c.Kind {
	case CondPriceThreshold:
		if c.Threshold.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("price threshold must be positive")
		}
		if c.Direction != DirAbove && c.Direction != DirBelow {
			return fmt.Errorf("price threshold requires a direction")
		}
	case CondPercentChange:
		if c.BoundPct <= 0 {
			return fmt.Errorf("percent change bound must be positive")
		}
		if c.Window <= 0 {
			return fmt.Errorf("percent change window must be positive")
		}
	case CondIndicatorThreshold:
		if c.Indicator == "" {
			return fmt.Errorf("indicator name required")
		}
		if c.Direction != DirAbove && c.Direction != DirBelow {
			return fmt.Errorf("indicator threshold requires a direction")
		}
	case CondVolatility:
		if c.BoundPct <= 0 {
			return fmt.Errorf("volatility bound must be positive")
		}
		if c.Window <= 0 {
			return fmt.Errorf("volatility window must be positive")
		}
	default:
		return fmt.Errorf("unknown condition kind %q", c.Kind)
	}
	return nil
}

// Alarm is a persistent user-defined rule that produces a notification when
// its condition transitions to true.
type Alarm struct {
	ID         uuid.UUID
	Owner      string
	Instrument Instrument
	Condition  Condition
	State      AlarmState
	Repeat     bool
	Cooldown   time.Duration
	LastFired  *time.Time
	ExpiresAt  *time.Time
	CreatedAt  time.Time
	FireCount  int
}

// InCooldown reports whether a previous firing still suppresses this alarm.
func (a *Alarm) InCooldown(now time.Time) bool {
	if a.LastFired == nil || a.Cooldown <= 0 {
		return false
	}
	return now.Before(a.LastFired.Add(a.Cooldown))
}

// PastExpiry reports whether the alarm's optional expiry has elapsed.
func (a *Alarm) PastExpiry(now time.Time) bool {
	return a.ExpiresAt != nil && now.After(*a.ExpiresAt)
}

// Evaluable reports whether the cycle should consider this alarm at all.
// Repeating alarms stay active after firing; one-shot alarms park in
// StateFired until the owner reactivates them.
func (a *Alarm) Evaluable(now time.Time) bool {
	return a.State == StateActive && !a.PastExpiry(now)
}

// NotificationEvent is the transient payload handed to the dispatcher.
type NotificationEvent struct {
	ID          uuid.UUID
	AlarmID     uuid.UUID
	Owner       string
	Instrument  Instrument
	Message     string
	Stale       bool
	GeneratedAt time.Time
}
