package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"crypto-alarm-engine/internal/model"
)

type fakeTransport struct {
	sends     int
	failFirst int
	sent      []string
}

func (f *fakeTransport) Send(_ context.Context, owner, message string) error {
	f.sends++
	if f.sends <= f.failFirst {
		return errors.New("transport down")
	}
	f.sent = append(f.sent, owner+": "+message)
	return nil
}

var _ Transport = (*fakeTransport)(nil)

func event(alarmID uuid.UUID) model.NotificationEvent {
	return model.NotificationEvent{
		ID:          uuid.New(),
		AlarmID:     alarmID,
		Owner:       "alice",
		Instrument:  "BTC",
		Message:     "BTC crossed below 97",
		GeneratedAt: time.Now().UTC(),
	}
}

func TestDispatchDeduplicatesByAlarmID(t *testing.T) {
	transport := &fakeTransport{}
	d := NewDispatcher(transport, time.Millisecond, zerolog.Nop())

	alarmID := uuid.New()
	results := d.Dispatch(context.Background(), []model.NotificationEvent{
		event(alarmID),
		event(alarmID),
		event(uuid.New()),
	})

	if len(results) != 2 {
		t.Fatalf("duplicate should be suppressed, got %d results", len(results))
	}
	if transport.sends != 2 {
		t.Fatalf("expected 2 deliveries, got %d", transport.sends)
	}
}

func TestDeliverRetriesOnceThenSucceeds(t *testing.T) {
	transport := &fakeTransport{failFirst: 1}
	d := NewDispatcher(transport, time.Millisecond, zerolog.Nop())

	results := d.Dispatch(context.Background(), []model.NotificationEvent{event(uuid.New())})
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if !results[0].Delivered {
		t.Fatalf("retry should have succeeded: %v", results[0].Err)
	}
	if transport.sends != 2 {
		t.Fatalf("expected initial attempt plus one retry, got %d sends", transport.sends)
	}
}

func TestDeliverDropsAfterFailedRetry(t *testing.T) {
	transport := &fakeTransport{failFirst: 10}
	d := NewDispatcher(transport, time.Millisecond, zerolog.Nop())

	results := d.Dispatch(context.Background(), []model.NotificationEvent{event(uuid.New())})
	if results[0].Delivered {
		t.Fatal("delivery should have failed")
	}
	if results[0].Err == nil {
		t.Fatal("dropped notification should carry the error")
	}
	if transport.sends != 2 {
		t.Fatalf("exactly one retry allowed, got %d sends", transport.sends)
	}
}

func TestOneFailureDoesNotBlockTheBatch(t *testing.T) {
	transport := &fakeTransport{failFirst: 2}
	d := NewDispatcher(transport, time.Millisecond, zerolog.Nop())

	results := d.Dispatch(context.Background(), []model.NotificationEvent{
		event(uuid.New()),
		event(uuid.New()),
	})

	if results[0].Delivered {
		t.Fatal("first event should have failed both attempts")
	}
	if !results[1].Delivered {
		t.Fatalf("second event should still deliver: %v", results[1].Err)
	}
}

func TestDispatchWithoutTransport(t *testing.T) {
	d := NewDispatcher(nil, time.Millisecond, zerolog.Nop())

	results := d.Dispatch(context.Background(), []model.NotificationEvent{event(uuid.New())})
	if results[0].Delivered {
		t.Fatal("no transport means no delivery")
	}
	if !errors.Is(results[0].Err, ErrNoTransport) {
		t.Fatalf("expected ErrNoTransport, got %v", results[0].Err)
	}
}
