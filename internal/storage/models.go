package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crypto-alarm-engine/internal/model"
)

// NotificationRecord is a persisted delivery attempt, kept for auditing,
// the monthly report, and duplicate analysis.
type NotificationRecord struct {
	ID          uuid.UUID
	AlarmID     uuid.UUID
	Owner       string
	Instrument  string
	Message     string
	Stale       bool
	Delivered   bool
	GeneratedAt time.Time
	CreatedAt   time.Time
}

// Trade is one portfolio ledger entry.
type Trade struct {
	ID         int64
	Owner      string
	Instrument model.Instrument
	Side       string // "buy" or "sell"
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	ExecutedAt time.Time
	Note       string
}

// PriceSample is a persisted price observation, kept for the export
// command.
type PriceSample struct {
	Instrument model.Instrument
	Timestamp  time.Time
	Price      decimal.Decimal
	Volume     decimal.Decimal
}

func sampleFromPoint(p model.PricePoint) PriceSample {
	return PriceSample{
		Instrument: p.Instrument,
		Timestamp:  p.Timestamp,
		Price:      p.Price,
		Volume:     p.Volume,
	}
}

func (s PriceSample) toPoint() model.PricePoint {
	return model.PricePoint{
		Instrument: s.Instrument,
		Timestamp:  s.Timestamp,
		Price:      s.Price,
		Volume:     s.Volume,
	}
}
