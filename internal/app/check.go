package app

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"

	"crypto-alarm-engine/internal/alarm"
	"crypto-alarm-engine/internal/engine"
	"crypto-alarm-engine/internal/notify"
	"crypto-alarm-engine/internal/storage"
)

// CheckAlarm evaluates one alarm immediately against fresh market data,
// outside the scheduled cycle. A firing here is a real firing: cooldown and
// one-shot semantics apply, and the notification is delivered.
func (a *App) CheckAlarm(ctx context.Context, id string) error {
	alarmID, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("invalid alarm id: %w", err)
	}

	eng, _, cleanup, err := a.newCheckEngine(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	eval, err := eng.CheckNow(ctx, alarmID)
	if err != nil {
		return err
	}
	printEvaluation(alarmID.String(), eval)
	return nil
}

// CheckOwner evaluates all of one owner's alarms immediately.
func (a *App) CheckOwner(ctx context.Context, owner string) error {
	eng, alarms, cleanup, err := a.newCheckEngine(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	list := alarms.List(owner)
	if len(list) == 0 {
		fmt.Fprintln(os.Stdout, "no alarms found")
		return nil
	}

	for _, al := range list {
		eval, err := eng.CheckNow(ctx, al.ID)
		if err != nil {
			fmt.Fprintf(os.Stdout, "%s: error: %v\n", al.ID, err)
			continue
		}
		printEvaluation(al.ID.String(), eval)
	}
	return nil
}

func (a *App) newCheckEngine(ctx context.Context) (*engine.Engine, *alarm.Store, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	cleanup := func() {}
	if closeStore != nil {
		cleanup = closeStore
	}

	alarms, err := a.newAlarmStore(ctx, store)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}

	data := a.newCache()
	dispatcher := notify.NewDispatcher(a.newTransport(), a.Config.Notifier.RetryBackoff, a.Logger)

	var notes storage.NotificationLog
	if store != nil {
		notes = store
	}

	eng := engine.New(a.Config, alarms, data, dispatcher, a.newReference(), nil, notes, nil, nil, a.Logger)
	return eng, alarms, cleanup, nil
}

func printEvaluation(id string, eval alarm.Evaluation) {
	switch {
	case eval.Fired:
		fmt.Fprintf(os.Stdout, "%s: fired: %s\n", id, eval.Reason)
	case eval.Skipped:
		fmt.Fprintf(os.Stdout, "%s: skipped: %s\n", id, eval.Reason)
	default:
		fmt.Fprintf(os.Stdout, "%s: condition not met\n", id)
	}
}
