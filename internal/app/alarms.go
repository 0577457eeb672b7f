package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crypto-alarm-engine/internal/model"
)

// CreateAlarm registers a new alarm from CLI flags.
func (a *App) CreateAlarm(ctx context.Context, opts CreateAlarmOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	alarms, err := a.newAlarmStore(ctx, store)
	if err != nil {
		return err
	}

	cond := model.Condition{
		Kind:      model.ConditionKind(opts.Kind),
		Direction: model.Direction(opts.Direction),
		BoundPct:  opts.BoundPct,
		Window:    opts.Window,
		Indicator: opts.Indicator,
	}
	if opts.Threshold != "" {
		threshold, parseErr := decimal.NewFromString(opts.Threshold)
		if parseErr != nil {
			return fmt.Errorf("invalid --threshold value: %w", parseErr)
		}
		cond.Threshold = threshold
	}

	created, err := alarms.Create(ctx, model.Alarm{
		Owner:      opts.Owner,
		Instrument: model.Instrument(strings.ToUpper(opts.Instrument)),
		Condition:  cond,
		Repeat:     opts.Repeat,
		Cooldown:   opts.Cooldown,
		ExpiresAt:  opts.ExpiresAt,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "alarm created: %s\n", created.ID)
	return nil
}

// ListAlarms prints the owner's alarms, or all alarms when owner is empty.
func (a *App) ListAlarms(ctx context.Context, owner string) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	alarms, err := a.newAlarmStore(ctx, store)
	if err != nil {
		return err
	}

	list := alarms.List(owner)
	if len(list) == 0 {
		fmt.Fprintln(os.Stdout, "no alarms found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tOwner\tInstrument\tCondition\tState\tRepeat\tFired\tLast Fired (UTC)")
	for _, al := range list {
		lastFired := "-"
		if al.LastFired != nil {
			lastFired = al.LastFired.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%t\t%d\t%s\n",
			al.ID,
			al.Owner,
			al.Instrument,
			describeCondition(al.Condition),
			al.State,
			al.Repeat,
			al.FireCount,
			lastFired,
		)
	}
	writer.Flush()
	return nil
}

// PauseAlarm suspends evaluation of the alarm.
func (a *App) PauseAlarm(ctx context.Context, id string) error {
	return a.withAlarm(ctx, id, func(ctx context.Context, alarmID uuid.UUID, alarms alarmRegistry) error {
		if err := alarms.Pause(ctx, alarmID); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "alarm paused: %s\n", alarmID)
		return nil
	})
}

// ResumeAlarm reactivates a paused or fired alarm.
func (a *App) ResumeAlarm(ctx context.Context, id string) error {
	return a.withAlarm(ctx, id, func(ctx context.Context, alarmID uuid.UUID, alarms alarmRegistry) error {
		if err := alarms.Resume(ctx, alarmID); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "alarm resumed: %s\n", alarmID)
		return nil
	})
}

// DeleteAlarm removes the alarm.
func (a *App) DeleteAlarm(ctx context.Context, id string) error {
	return a.withAlarm(ctx, id, func(ctx context.Context, alarmID uuid.UUID, alarms alarmRegistry) error {
		if err := alarms.Delete(ctx, alarmID); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "alarm deleted: %s\n", alarmID)
		return nil
	})
}

type alarmRegistry interface {
	Pause(ctx context.Context, id uuid.UUID) error
	Resume(ctx context.Context, id uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
}

func (a *App) withAlarm(ctx context.Context, id string, fn func(context.Context, uuid.UUID, alarmRegistry) error) error {
	alarmID, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("invalid alarm id: %w", err)
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	alarms, err := a.newAlarmStore(ctx, store)
	if err != nil {
		return err
	}
	return fn(ctx, alarmID, alarms)
}

func describeCondition(c model.Condition) string {
	switch c.Kind {
	case model.CondPriceThreshold:
		return fmt.Sprintf("price %s %s", c.Direction, c.Threshold)
	case model.CondPercentChange:
		return fmt.Sprintf("change >= %.2f%% over %s", c.BoundPct, c.Window)
	case model.CondIndicatorThreshold:
		return fmt.Sprintf("%s %s %.2f", c.Indicator, c.Direction, c.BoundPct)
	case model.CondVolatility:
		return fmt.Sprintf("volatility >= %.2f%% over %s", c.BoundPct, c.Window)
	default:
		return string(c.Kind)
	}
}
