// Package engine runs the alarm evaluation cycle: refresh market data for
// every instrument referenced by an active alarm, derive indicators,
// evaluate each alarm's condition, apply firing state under the per-alarm
// lock, and hand the resulting notifications to the dispatcher. Failures
// are recovered at the smallest possible scope so one bad instrument or
// alarm degrades, never halts, the cycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crypto-alarm-engine/internal/alarm"
	"crypto-alarm-engine/internal/cache"
	"crypto-alarm-engine/internal/config"
	"crypto-alarm-engine/internal/fetcher"
	"crypto-alarm-engine/internal/indicator"
	"crypto-alarm-engine/internal/metrics"
	"crypto-alarm-engine/internal/model"
	"crypto-alarm-engine/internal/notify"
	"crypto-alarm-engine/internal/storage"
)

var errCooldown = errors.New("engine: alarm in cooldown")

// Engine owns the evaluation cycle lifecycle.
type Engine struct {
	cfg        *config.Config
	alarms     *alarm.Store
	data       cache.Cache
	dispatcher *notify.Dispatcher
	reference  fetcher.ReferencePriceFetcher
	samples    storage.SampleStore
	noteLog    storage.NotificationLog
	locker     storage.AdvisoryLocker
	stats      *metrics.Metrics
	logger     zerolog.Logger

	histMux  sync.Mutex
	previous map[model.Instrument]*model.IndicatorSnapshot
}

// New constructs the engine. reference, samples, noteLog, locker and stats
// may be nil when the corresponding collaborator is not configured.
func New(cfg *config.Config, alarms *alarm.Store, data cache.Cache, dispatcher *notify.Dispatcher, reference fetcher.ReferencePriceFetcher, samples storage.SampleStore, noteLog storage.NotificationLog, locker storage.AdvisoryLocker, stats *metrics.Metrics, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:        cfg,
		alarms:     alarms,
		data:       data,
		dispatcher: dispatcher,
		reference:  reference,
		samples:    samples,
		noteLog:    noteLog,
		locker:     locker,
		stats:      stats,
		logger:     logger.With().Str("component", "engine").Logger(),
		previous:   make(map[model.Instrument]*model.IndicatorSnapshot),
	}
}

type cycleSummary struct {
	instruments int
	refreshed   int
	stale       int
	evaluated   int
	fired       int
	skipped     int
	errs        []error
}

// RunCycle executes one evaluation cycle for the given tick.
func (e *Engine) RunCycle(ctx context.Context, tick time.Time) error {
	unlock, proceed, err := e.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		e.logger.Debug().Time("tick", tick).Msg("skip cycle because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	start := time.Now()
	summary := e.executeCycle(ctx, tick)

	if e.stats != nil {
		e.stats.CyclesTotal.Inc()
		e.stats.CycleDuration.Observe(time.Since(start).Seconds())
		e.stats.StaleInstruments.Set(float64(summary.stale))
	}

	event := e.logger.Info()
	if len(summary.errs) > 0 {
		event = e.logger.Warn().Errs("errors", summary.errs)
	}
	event.Time("tick", tick).
		Int("instruments", summary.instruments).
		Int("refreshed", summary.refreshed).
		Int("stale", summary.stale).
		Int("evaluated", summary.evaluated).
		Int("fired", summary.fired).
		Int("skipped", summary.skipped).
		Dur("elapsed", time.Since(start)).
		Msg("evaluation cycle complete")

	return nil
}

func (e *Engine) executeCycle(ctx context.Context, tick time.Time) cycleSummary {
	now := tick.UTC()
	summary := cycleSummary{}

	e.expireAlarms(ctx, now, &summary)

	instruments := e.alarms.Instruments(now)
	summary.instruments = len(instruments)
	if len(instruments) == 0 {
		return summary
	}

	results := e.refreshInstruments(ctx, instruments, &summary)

	evaluable := e.alarms.Evaluable(now)
	snapshots := e.buildSnapshots(results, evaluable, now, &summary)

	events := make([]model.NotificationEvent, 0)
	for i := range evaluable {
		a := evaluable[i]

		current := snapshots[a.Instrument]
		previous := e.previousSnapshot(a.Instrument)

		eval, evalErr := alarm.Evaluate(&a, current, previous)
		summary.evaluated++
		if e.stats != nil {
			e.stats.AlarmsEvaluated.Inc()
		}

		if evalErr != nil {
			summary.errs = append(summary.errs, fmt.Errorf("alarm %s: %w", a.ID, evalErr))
			if e.stats != nil {
				e.stats.EvaluationErrors.Inc()
			}
			continue
		}
		if eval.Skipped {
			summary.skipped++
			if e.stats != nil {
				e.stats.AlarmsSkipped.Inc()
			}
			continue
		}
		if !eval.Fired {
			continue
		}

		event, fireErr := e.applyFire(ctx, a, eval, current, now)
		if fireErr != nil {
			if errors.Is(fireErr, errCooldown) || errors.Is(fireErr, alarm.ErrNotFound) {
				continue
			}
			summary.errs = append(summary.errs, fmt.Errorf("alarm %s: %w", a.ID, fireErr))
			continue
		}

		summary.fired++
		if e.stats != nil {
			e.stats.AlarmsFired.Inc()
		}
		events = append(events, event)
	}

	e.dispatch(ctx, events, &summary)
	e.rememberSnapshots(snapshots)

	return summary
}

// CheckNow evaluates one alarm immediately against fresh data, outside the
// scheduled cycle, through the same evaluator path. Firing state and
// cooldown apply exactly as in a scheduled cycle.
func (e *Engine) CheckNow(ctx context.Context, id uuid.UUID) (alarm.Evaluation, error) {
	a, err := e.alarms.Get(id)
	if err != nil {
		return alarm.Evaluation{}, err
	}

	now := time.Now().UTC()
	if !a.Evaluable(now) {
		return alarm.Evaluation{Skipped: true, Reason: fmt.Sprintf("alarm is %s", a.State)}, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.Market.RequestTimeout)
	defer cancel()

	res, err := e.data.Get(fetchCtx, a.Instrument)
	if err != nil {
		return alarm.Evaluation{}, fmt.Errorf("market data unavailable: %w", err)
	}

	summary := cycleSummary{}
	snapshots := e.buildSnapshots(map[model.Instrument]cache.Result{a.Instrument: res},
		[]model.Alarm{a}, now, &summary)

	current := snapshots[a.Instrument]
	previous := e.previousSnapshot(a.Instrument)

	eval, err := alarm.Evaluate(&a, current, previous)
	if err != nil {
		return alarm.Evaluation{}, err
	}

	if eval.Fired {
		event, fireErr := e.applyFire(ctx, a, eval, current, now)
		if fireErr != nil {
			if errors.Is(fireErr, errCooldown) {
				eval.Reason += " (suppressed by cooldown)"
				eval.Fired = false
				return eval, nil
			}
			return eval, fireErr
		}
		e.dispatch(ctx, []model.NotificationEvent{event}, &summary)
	}

	e.rememberSnapshots(snapshots)
	return eval, nil
}

func (e *Engine) expireAlarms(ctx context.Context, now time.Time, summary *cycleSummary) {
	for _, a := range e.alarms.List("") {
		if a.State != model.StateActive || !a.PastExpiry(now) {
			continue
		}
		id := a.ID
		if _, err := e.alarms.Update(ctx, id, func(al *model.Alarm) error {
			if al.PastExpiry(now) && al.State == model.StateActive {
				al.State = model.StateExpired
			}
			return nil
		}); err != nil && !errors.Is(err, alarm.ErrNotFound) {
			summary.errs = append(summary.errs, fmt.Errorf("expire alarm %s: %w", id, err))
		}
	}
}

// refreshInstruments fans out cache refreshes across a bounded worker set;
// instruments share no state so the fan-out is safe.
func (e *Engine) refreshInstruments(ctx context.Context, instruments []model.Instrument, summary *cycleSummary) map[model.Instrument]cache.Result {
	type outcome struct {
		instrument model.Instrument
		result     cache.Result
		err        error
	}

	workers := e.cfg.Alarms.FetchWorkers
	if workers <= 0 {
		workers = 4
	}

	sem := make(chan struct{}, workers)
	outcomes := make(chan outcome, len(instruments))
	var wg sync.WaitGroup

	for _, instrument := range instruments {
		wg.Add(1)
		sem <- struct{}{}
		go func(instr model.Instrument) {
			defer wg.Done()
			defer func() { <-sem }()

			fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.Market.RequestTimeout)
			defer cancel()

			res, err := e.data.Get(fetchCtx, instr)
			outcomes <- outcome{instrument: instr, result: res, err: err}
		}(instrument)
	}

	wg.Wait()
	close(outcomes)

	results := make(map[model.Instrument]cache.Result, len(instruments))
	for out := range outcomes {
		if out.err != nil {
			summary.errs = append(summary.errs, fmt.Errorf("refresh %s: %w", out.instrument, out.err))
			if e.stats != nil {
				e.stats.FetchFailures.Inc()
			}
			continue
		}
		if out.result.Refreshed {
			summary.refreshed++
			e.persistSamples(ctx, out.result.Series, summary)
		}
		if out.result.Stale {
			summary.stale++
		}
		results[out.instrument] = out.result
	}
	return results
}

// buildSnapshots derives one indicator snapshot per instrument covering the
// union of values its alarms need. Insufficient history leaves the value
// absent so the evaluator reports the alarm as skipped.
func (e *Engine) buildSnapshots(results map[model.Instrument]cache.Result, alarms []model.Alarm, now time.Time, summary *cycleSummary) map[model.Instrument]*model.IndicatorSnapshot {
	ind := e.cfg.Indicators

	snapshots := make(map[model.Instrument]*model.IndicatorSnapshot, len(results))
	for instrument, res := range results {
		latest, ok := res.Series.Latest()
		if !ok {
			continue
		}

		values := make(map[string]float64)
		closes := res.Series.Closes()

		if v, err := indicator.RSI(closes, ind.RSIPeriod); err == nil {
			values[model.RSIKey(ind.RSIPeriod)] = v
		} else if !errors.Is(err, indicator.ErrInsufficientData) {
			summary.errs = append(summary.errs, fmt.Errorf("rsi %s: %w", instrument, err))
		}

		if macd, err := indicator.MACD(closes, ind.MACDFast, ind.MACDSlow, ind.MACDSignal); err == nil {
			values[model.KeyMACD] = macd.MACD
			values[model.KeyMACDSignal] = macd.Signal
			values[model.KeyMACDHist] = macd.Histogram
		} else if !errors.Is(err, indicator.ErrInsufficientData) {
			summary.errs = append(summary.errs, fmt.Errorf("macd %s: %w", instrument, err))
		}

		for _, a := range alarms {
			if a.Instrument != instrument || a.Condition.Window <= 0 {
				continue
			}
			switch a.Condition.Kind {
			case model.CondPercentChange:
				if v, err := indicator.PercentChange(res.Series, a.Condition.Window, now); err == nil {
					values[model.PercentChangeKey(a.Condition.Window)] = v
				}
			case model.CondVolatility:
				if v, err := indicator.Volatility(res.Series, a.Condition.Window, now); err == nil {
					values[model.VolatilityKey(a.Condition.Window)] = v
				}
			}
		}

		snapshots[instrument] = &model.IndicatorSnapshot{
			Instrument: instrument,
			Timestamp:  now,
			Price:      latest.Price,
			Values:     values,
			Stale:      res.Stale,
		}
	}
	return snapshots
}

// applyFire transitions the alarm to its fired state under the per-alarm
// lock and builds the notification event. The state change is persisted
// before it is visible; a storage failure therefore suppresses the
// notification as well, keeping memory and durable state aligned.
func (e *Engine) applyFire(ctx context.Context, a model.Alarm, eval alarm.Evaluation, snap *model.IndicatorSnapshot, now time.Time) (model.NotificationEvent, error) {
	updated, err := e.alarms.Update(ctx, a.ID, func(al *model.Alarm) error {
		// Re-check under the lock: the management flow may have paused or
		// the alarm may have fired through the out-of-band path meanwhile.
		if !al.Evaluable(now) {
			return errCooldown
		}
		if al.InCooldown(now) {
			return errCooldown
		}
		fired := now
		al.LastFired = &fired
		al.FireCount++
		if !al.Repeat {
			al.State = model.StateFired
		}
		return nil
	})
	if err != nil {
		return model.NotificationEvent{}, err
	}

	return model.NotificationEvent{
		ID:          uuid.New(),
		AlarmID:     updated.ID,
		Owner:       updated.Owner,
		Instrument:  updated.Instrument,
		Message:     e.renderMessage(ctx, updated, eval, snap),
		Stale:       snap.Stale,
		GeneratedAt: now,
	}, nil
}

func (e *Engine) renderMessage(ctx context.Context, a model.Alarm, eval alarm.Evaluation, snap *model.IndicatorSnapshot) string {
	b := strings.Builder{}
	b.WriteString("[coinwatcher] Alarm triggered\n")
	b.WriteString(eval.Reason)
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("Price: %s %s\n", snap.Price.StringFixed(2), e.cfg.Market.QuoteCurrency))
	b.WriteString(fmt.Sprintf("Time: %s UTC\n", snap.Timestamp.UTC().Format(time.RFC3339)))

	if note := e.referenceNote(ctx, a.Instrument, snap.Price); note != "" {
		b.WriteString(note)
		b.WriteString("\n")
	}
	if snap.Stale {
		b.WriteString("Warning: market data may be stale\n")
	}
	return b.String()
}

// referenceNote cross-checks the exchange price against the on-chain feed
// and annotates the message when they diverge beyond the warn threshold.
func (e *Engine) referenceNote(ctx context.Context, instrument model.Instrument, price decimal.Decimal) string {
	if e.reference == nil {
		return ""
	}

	refPrice, _, err := e.reference.FetchReference(ctx, instrument)
	if err != nil {
		e.logger.Debug().Err(err).Str("instrument", instrument.String()).Msg("reference price unavailable")
		return ""
	}
	if refPrice.IsZero() {
		return ""
	}

	deviation := price.Sub(refPrice).Div(refPrice).Mul(decimal.NewFromInt(100))
	if deviation.Abs().InexactFloat64() < e.cfg.Onchain.DeviationWarnPct {
		return ""
	}
	return fmt.Sprintf("Note: exchange price deviates %s%% from on-chain reference %s",
		deviation.StringFixed(2), refPrice.StringFixed(2))
}

func (e *Engine) dispatch(ctx context.Context, events []model.NotificationEvent, summary *cycleSummary) {
	if len(events) == 0 {
		return
	}

	results := e.dispatcher.Dispatch(ctx, events)
	for _, res := range results {
		if e.stats != nil {
			if res.Delivered {
				e.stats.NotificationsSent.Inc()
			} else {
				e.stats.NotificationsLost.Inc()
			}
		}
		e.recordNotification(ctx, res, summary)
	}
}

func (e *Engine) recordNotification(ctx context.Context, res notify.DeliveryResult, summary *cycleSummary) {
	if e.noteLog == nil {
		return
	}
	rec := storage.NotificationRecord{
		ID:          res.Event.ID,
		AlarmID:     res.Event.AlarmID,
		Owner:       res.Event.Owner,
		Instrument:  res.Event.Instrument.String(),
		Message:     res.Event.Message,
		Stale:       res.Event.Stale,
		Delivered:   res.Delivered,
		GeneratedAt: res.Event.GeneratedAt,
	}
	if err := e.noteLog.InsertNotification(ctx, rec); err != nil {
		summary.errs = append(summary.errs, fmt.Errorf("record notification: %w", err))
	}
}

func (e *Engine) persistSamples(ctx context.Context, series model.Series, summary *cycleSummary) {
	if e.samples == nil || len(series) == 0 {
		return
	}
	if err := e.samples.UpsertPriceSamples(ctx, series); err != nil {
		summary.errs = append(summary.errs, fmt.Errorf("persist samples: %w", err))
	}
}

func (e *Engine) previousSnapshot(instrument model.Instrument) *model.IndicatorSnapshot {
	e.histMux.Lock()
	defer e.histMux.Unlock()
	return e.previous[instrument]
}

func (e *Engine) rememberSnapshots(snapshots map[model.Instrument]*model.IndicatorSnapshot) {
	e.histMux.Lock()
	defer e.histMux.Unlock()
	for instrument, snap := range snapshots {
		if snap != nil {
			e.previous[instrument] = snap
		}
	}
}

func (e *Engine) acquireLock(ctx context.Context) (func(), bool, error) {
	if e.cfg.Scheduler.AdvisoryLockKey == 0 || e.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := e.locker.TryAdvisoryLock(ctx, e.cfg.Scheduler.AdvisoryLockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
