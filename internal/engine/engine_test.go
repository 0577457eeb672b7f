package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crypto-alarm-engine/internal/alarm"
	"crypto-alarm-engine/internal/cache"
	"crypto-alarm-engine/internal/config"
	"crypto-alarm-engine/internal/model"
	"crypto-alarm-engine/internal/notify"
)

type fakeData struct {
	mu          sync.Mutex
	prices      map[model.Instrument]float64
	errs        map[model.Instrument]error
	stale       map[model.Instrument]bool
	sawDeadline bool
}

func newFakeData() *fakeData {
	return &fakeData{
		prices: make(map[model.Instrument]float64),
		errs:   make(map[model.Instrument]error),
		stale:  make(map[model.Instrument]bool),
	}
}

func (f *fakeData) set(instrument model.Instrument, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[instrument] = price
	delete(f.errs, instrument)
}

func (f *fakeData) fail(instrument model.Instrument, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[instrument] = err
}

func (f *fakeData) markStale(instrument model.Instrument) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stale[instrument] = true
}

func (f *fakeData) Get(ctx context.Context, instrument model.Instrument) (cache.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := ctx.Deadline(); ok {
		f.sawDeadline = true
	}
	if err, ok := f.errs[instrument]; ok {
		return cache.Result{}, err
	}
	price, ok := f.prices[instrument]
	if !ok {
		return cache.Result{}, errors.New("unknown instrument")
	}
	now := time.Now().UTC()
	return cache.Result{
		Series: model.Series{{
			Instrument: instrument,
			Timestamp:  now,
			Price:      decimal.NewFromFloat(price),
			Volume:     decimal.NewFromInt(1),
		}},
		Refreshed: true,
		FetchedAt: now,
		Stale:     f.stale[instrument],
	}, nil
}

func (f *fakeData) Invalidate(_ context.Context, _ model.Instrument) error { return nil }

var _ cache.Cache = (*fakeData)(nil)

type recordingTransport struct {
	mu       sync.Mutex
	messages []string
}

func (r *recordingTransport) Send(_ context.Context, _, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, message)
	return nil
}

func (r *recordingTransport) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func testConfig() *config.Config {
	return &config.Config{
		Market: config.MarketConfig{
			QuoteCurrency:  "USDT",
			RequestTimeout: 5 * time.Second,
		},
		Indicators: config.IndicatorConfig{RSIPeriod: 14, MACDFast: 12, MACDSlow: 26, MACDSignal: 9},
		Alarms:     config.AlarmConfig{FetchWorkers: 2},
		Onchain:    config.OnchainConfig{DeviationWarnPct: 1.0},
	}
}

func newTestEngine(t *testing.T) (*Engine, *alarm.Store, *fakeData, *recordingTransport) {
	t.Helper()
	alarms := alarm.NewStore(alarm.StoreOptions{MaxPerOwner: 10}, nil, zerolog.Nop())
	data := newFakeData()
	transport := &recordingTransport{}
	dispatcher := notify.NewDispatcher(transport, time.Millisecond, zerolog.Nop())
	eng := New(testConfig(), alarms, data, dispatcher, nil, nil, nil, nil, nil, zerolog.Nop())
	return eng, alarms, data, transport
}

func belowAlarm(owner string, instrument model.Instrument, threshold float64, repeat bool, cooldown time.Duration) model.Alarm {
	return model.Alarm{
		Owner:      owner,
		Instrument: instrument,
		Condition: model.Condition{
			Kind:      model.CondPriceThreshold,
			Threshold: decimal.NewFromFloat(threshold),
			Direction: model.DirBelow,
		},
		Repeat:   repeat,
		Cooldown: cooldown,
	}
}

func TestCycleFiresOnCrossingAndDelivers(t *testing.T) {
	eng, alarms, data, transport := newTestEngine(t)
	ctx := context.Background()

	created, err := alarms.Create(ctx, belowAlarm("alice", "BTC", 97, true, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// First cycle seeds history; the price is above the threshold anyway.
	data.set("BTC", 98)
	if err := eng.RunCycle(ctx, time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if transport.count() != 0 {
		t.Fatalf("seeding cycle must not notify, got %d", transport.count())
	}

	// Second cycle crosses below: exactly one notification.
	data.set("BTC", 95)
	if err := eng.RunCycle(ctx, time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if transport.count() != 1 {
		t.Fatalf("expected one notification, got %d", transport.count())
	}

	got, _ := alarms.Get(created.ID)
	if got.FireCount != 1 || got.LastFired == nil {
		t.Fatalf("firing state not applied: %+v", got)
	}
	if got.State != model.StateActive {
		t.Fatalf("repeat alarm should stay active, got %s", got.State)
	}
}

func TestCycleCooldownSuppressesRefire(t *testing.T) {
	eng, alarms, data, transport := newTestEngine(t)
	ctx := context.Background()

	created, err := alarms.Create(ctx, belowAlarm("alice", "BTC", 97, true, time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, price := range []float64{98, 95, 98, 95} {
		data.set("BTC", price)
		if err := eng.RunCycle(ctx, time.Now()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if transport.count() != 1 {
		t.Fatalf("cooldown must suppress the second crossing, got %d notifications", transport.count())
	}
	got, _ := alarms.Get(created.ID)
	if got.FireCount != 1 {
		t.Fatalf("expected one firing, got %d", got.FireCount)
	}
}

func TestCycleOneShotParksInFiredState(t *testing.T) {
	eng, alarms, data, transport := newTestEngine(t)
	ctx := context.Background()

	created, err := alarms.Create(ctx, belowAlarm("alice", "BTC", 97, false, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, price := range []float64{98, 95, 98, 95} {
		data.set("BTC", price)
		if err := eng.RunCycle(ctx, time.Now()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if transport.count() != 1 {
		t.Fatalf("one-shot alarm must fire once, got %d", transport.count())
	}
	got, _ := alarms.Get(created.ID)
	if got.State != model.StateFired {
		t.Fatalf("one-shot alarm should park in fired state, got %s", got.State)
	}
}

func TestCycleIsolatesInstrumentFailures(t *testing.T) {
	eng, alarms, data, transport := newTestEngine(t)
	ctx := context.Background()

	if _, err := alarms.Create(ctx, belowAlarm("alice", "BTC", 97, true, 0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := alarms.Create(ctx, belowAlarm("bob", "ETH", 2000, true, 0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data.set("BTC", 98)
	data.set("ETH", 2010)
	if err := eng.RunCycle(ctx, time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// BTC's data source dies; ETH crosses in the same cycle.
	data.fail("BTC", errors.New("exchange down"))
	data.set("ETH", 1990)
	if err := eng.RunCycle(ctx, time.Now()); err != nil {
		t.Fatalf("a failing instrument must not fail the cycle: %v", err)
	}

	if transport.count() != 1 {
		t.Fatalf("the healthy alarm should still fire, got %d notifications", transport.count())
	}
}

func TestCycleIsolatesEvaluationErrors(t *testing.T) {
	eng, alarms, data, transport := newTestEngine(t)
	ctx := context.Background()

	// A corrupted condition kind can only come in through restored state;
	// Create would reject it.
	broken := belowAlarm("alice", "BTC", 97, true, 0)
	broken.ID = uuid.New()
	broken.State = model.StateActive
	broken.Condition.Kind = model.ConditionKind("bogus")
	alarms.Restore([]model.Alarm{broken})

	healthy, err := alarms.Create(ctx, belowAlarm("bob", "BTC", 97, true, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data.set("BTC", 98)
	if err := eng.RunCycle(ctx, time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data.set("BTC", 95)
	if err := eng.RunCycle(ctx, time.Now()); err != nil {
		t.Fatalf("a broken alarm must not fail the cycle: %v", err)
	}

	if transport.count() != 1 {
		t.Fatalf("the healthy alarm should still fire, got %d notifications", transport.count())
	}
	got, _ := alarms.Get(healthy.ID)
	if got.FireCount != 1 {
		t.Fatalf("expected one firing on the healthy alarm, got %d", got.FireCount)
	}
	got, _ = alarms.Get(broken.ID)
	if got.FireCount != 0 {
		t.Fatalf("the broken alarm must never fire, got %d", got.FireCount)
	}
}

func TestCycleAnnotatesStaleData(t *testing.T) {
	eng, alarms, data, transport := newTestEngine(t)
	ctx := context.Background()

	if _, err := alarms.Create(ctx, belowAlarm("alice", "BTC", 97, true, 0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data.set("BTC", 98)
	if err := eng.RunCycle(ctx, time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data.set("BTC", 95)
	data.markStale("BTC")
	if err := eng.RunCycle(ctx, time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if transport.count() != 1 {
		t.Fatalf("stale data still evaluates, got %d notifications", transport.count())
	}
	transport.mu.Lock()
	message := transport.messages[0]
	transport.mu.Unlock()
	if !strings.Contains(message, "stale") {
		t.Fatalf("stale firing should carry a caveat, got %q", message)
	}
}

func TestCycleExpiresAlarms(t *testing.T) {
	eng, alarms, data, transport := newTestEngine(t)
	ctx := context.Background()

	a := belowAlarm("alice", "BTC", 97, true, 0)
	past := time.Now().UTC().Add(-time.Hour)
	a.ExpiresAt = &past
	created, err := alarms.Create(ctx, a)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data.set("BTC", 95)
	if err := eng.RunCycle(ctx, time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := alarms.Get(created.ID)
	if got.State != model.StateExpired {
		t.Fatalf("expected expired state, got %s", got.State)
	}
	if transport.count() != 0 {
		t.Fatal("expired alarms must not fire")
	}
}

func TestCheckNowFiresThroughTheSamePath(t *testing.T) {
	eng, alarms, data, transport := newTestEngine(t)
	ctx := context.Background()

	created, err := alarms.Create(ctx, belowAlarm("alice", "BTC", 97, true, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// First check seeds history.
	data.set("BTC", 98)
	eval, err := eng.CheckNow(ctx, created.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if eval.Fired {
		t.Fatal("seeding check must not fire")
	}

	data.set("BTC", 95)
	eval, err = eng.CheckNow(ctx, created.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !eval.Fired {
		t.Fatalf("crossing should fire: %+v", eval)
	}
	if transport.count() != 1 {
		t.Fatalf("out-of-band firing should notify, got %d", transport.count())
	}

	got, _ := alarms.Get(created.ID)
	if got.FireCount != 1 {
		t.Fatalf("firing state should be applied, got %d", got.FireCount)
	}
}

func TestCheckNowReportsPausedAlarm(t *testing.T) {
	eng, alarms, data, _ := newTestEngine(t)
	ctx := context.Background()

	created, err := alarms.Create(ctx, belowAlarm("alice", "BTC", 97, true, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := alarms.Pause(ctx, created.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data.set("BTC", 95)
	eval, err := eng.CheckNow(ctx, created.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !eval.Skipped {
		t.Fatalf("paused alarm should be reported as skipped, got %+v", eval)
	}
}

func TestCheckNowBoundsTheFetch(t *testing.T) {
	eng, alarms, data, _ := newTestEngine(t)
	ctx := context.Background()

	created, err := alarms.Create(ctx, belowAlarm("alice", "BTC", 97, true, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data.set("BTC", 98)
	if _, err := eng.CheckNow(ctx, created.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data.mu.Lock()
	sawDeadline := data.sawDeadline
	data.mu.Unlock()
	if !sawDeadline {
		t.Fatal("out-of-band fetch should carry the request timeout")
	}
}
