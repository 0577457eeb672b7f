package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestInCooldown(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fired := now.Add(-10 * time.Minute)

	a := Alarm{Cooldown: 30 * time.Minute, LastFired: &fired}
	if !a.InCooldown(now) {
		t.Fatal("10 minutes after firing with a 30 minute cooldown should suppress")
	}
	if a.InCooldown(now.Add(25 * time.Minute)) {
		t.Fatal("cooldown elapsed; alarm should be eligible again")
	}

	never := Alarm{Cooldown: 30 * time.Minute}
	if never.InCooldown(now) {
		t.Fatal("an alarm that never fired has no cooldown")
	}
}

func TestEvaluable(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	active := Alarm{State: StateActive}
	if !active.Evaluable(now) {
		t.Fatal("active alarms are evaluable")
	}

	for _, state := range []AlarmState{StatePaused, StateFired, StateExpired} {
		a := Alarm{State: state}
		if a.Evaluable(now) {
			t.Fatalf("%s alarms must not be evaluated", state)
		}
	}

	past := now.Add(-time.Minute)
	expired := Alarm{State: StateActive, ExpiresAt: &past}
	if expired.Evaluable(now) {
		t.Fatal("past-expiry alarms must not be evaluated")
	}
}

func TestConditionValidate(t *testing.T) {
	valid := []Condition{
		{Kind: CondPriceThreshold, Threshold: decimal.NewFromInt(97), Direction: DirBelow},
		{Kind: CondPercentChange, BoundPct: 5, Window: time.Hour},
		{Kind: CondIndicatorThreshold, Indicator: "rsi14", Direction: DirAbove, BoundPct: 70},
		{Kind: CondVolatility, BoundPct: 10, Window: 24 * time.Hour},
	}
	for _, c := range valid {
		if err := c.Validate(); err != nil {
			t.Fatalf("%s should validate: %v", c.Kind, err)
		}
	}

	invalid := []Condition{
		{Kind: CondPriceThreshold, Threshold: decimal.NewFromInt(97)},
		{Kind: CondPriceThreshold, Direction: DirBelow},
		{Kind: CondPercentChange, BoundPct: 5},
		{Kind: CondIndicatorThreshold, Direction: DirAbove},
		{Kind: CondVolatility, Window: time.Hour},
		{Kind: "moon_phase"},
	}
	for _, c := range invalid {
		if err := c.Validate(); err == nil {
			t.Fatalf("%+v should be rejected", c)
		}
	}
}

func TestSeriesAt(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	s := Series{
		{Timestamp: base, Price: decimal.NewFromInt(100)},
		{Timestamp: base.Add(time.Hour), Price: decimal.NewFromInt(110)},
	}

	p, ok := s.At(base.Add(30 * time.Minute))
	if !ok || !p.Price.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected the point at or before t, got %+v ok=%t", p, ok)
	}

	if _, ok := s.At(base.Add(-time.Minute)); ok {
		t.Fatal("no point exists at or before t")
	}
}
