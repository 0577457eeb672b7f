// Package report runs the periodic background jobs: the monthly summary
// message per owner and the notification-history cleanup.
package report

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crypto-alarm-engine/internal/alarm"
	"crypto-alarm-engine/internal/notify"
	"crypto-alarm-engine/internal/portfolio"
	"crypto-alarm-engine/internal/storage"
)

// Options schedule the background jobs with standard 5-field cron specs.
type Options struct {
	MonthlyCron      string
	CleanupCron      string
	CleanupRetention time.Duration
}

// Jobs owns the cron runner for the report and cleanup schedules.
type Jobs struct {
	opts      Options
	alarms    *alarm.Store
	notes     storage.NotificationLog
	portfolio *portfolio.Manager
	transport notify.Transport
	logger    zerolog.Logger
	runner    *cron.Cron
}

// New wires the background jobs. notes, portfolio and transport may be nil;
// the affected job degrades to a log line.
func New(opts Options, alarms *alarm.Store, notes storage.NotificationLog, pf *portfolio.Manager, transport notify.Transport, logger zerolog.Logger) *Jobs {
	return &Jobs{
		opts:      opts,
		alarms:    alarms,
		notes:     notes,
		portfolio: pf,
		transport: transport,
		logger:    logger.With().Str("component", "report").Logger(),
		runner:    cron.New(),
	}
}

// Start registers the schedules and starts the cron runner.
func (j *Jobs) Start() error {
	if j.opts.MonthlyCron != "" {
		if _, err := j.runner.AddFunc(j.opts.MonthlyCron, j.runMonthly); err != nil {
			return fmt.Errorf("schedule monthly report: %w", err)
		}
	}
	if j.opts.CleanupCron != "" && j.notes != nil {
		if _, err := j.runner.AddFunc(j.opts.CleanupCron, j.runCleanup); err != nil {
			return fmt.Errorf("schedule cleanup: %w", err)
		}
	}
	j.runner.Start()
	j.logger.Info().
		Str("monthly_cron", j.opts.MonthlyCron).
		Str("cleanup_cron", j.opts.CleanupCron).
		Msg("background jobs started")
	return nil
}

// Stop halts the cron runner and waits for running jobs to finish.
func (j *Jobs) Stop() {
	ctx := j.runner.Stop()
	<-ctx.Done()
}

func (j *Jobs) runMonthly() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	now := time.Now().UTC()
	since := monthStart(now.AddDate(0, -1, 0))

	var records []storage.NotificationRecord
	if j.notes != nil {
		var err error
		records, err = j.notes.ListNotificationsSince(ctx, since)
		if err != nil {
			j.logger.Error().Err(err).Msg("monthly report: load notifications failed")
		}
	}

	for _, owner := range j.owners() {
		message := j.buildSummary(ctx, owner, since, records)
		if j.transport == nil {
			j.logger.Info().Str("owner", owner).Msg("monthly report built but no transport configured")
			continue
		}
		if err := j.transport.Send(ctx, owner, message); err != nil {
			j.logger.Error().Err(err).Str("owner", owner).Msg("monthly report delivery failed")
		}
	}
}

func (j *Jobs) runCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().UTC().Add(-j.opts.CleanupRetention)
	if err := j.notes.DeleteNotificationsBefore(ctx, cutoff); err != nil {
		j.logger.Error().Err(err).Time("cutoff", cutoff).Msg("notification cleanup failed")
		return
	}
	j.logger.Info().Time("cutoff", cutoff).Msg("notification history pruned")
}

// owners returns the distinct alarm owners, the audience for the monthly
// summary.
func (j *Jobs) owners() []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, a := range j.alarms.List("") {
		if _, ok := seen[a.Owner]; ok {
			continue
		}
		seen[a.Owner] = struct{}{}
		out = append(out, a.Owner)
	}
	sort.Strings(out)
	return out
}

func (j *Jobs) buildSummary(ctx context.Context, owner string, since time.Time, records []storage.NotificationRecord) string {
	fired := 0
	delivered := 0
	perInstrument := make(map[string]int)
	for _, rec := range records {
		if rec.Owner != owner {
			continue
		}
		fired++
		if rec.Delivered {
			delivered++
		}
		perInstrument[rec.Instrument]++
	}

	var valuations []portfolio.Valuation
	total := decimal.Zero
	if j.portfolio != nil {
		var err error
		valuations, total, err = j.portfolio.Valuate(ctx, owner)
		if err != nil {
			j.logger.Warn().Err(err).Str("owner", owner).Msg("monthly report: valuation failed")
		}
	}

	return RenderSummary(since, fired, delivered, perInstrument, valuations, total)
}

// RenderSummary formats the monthly report message.
func RenderSummary(since time.Time, fired, delivered int, perInstrument map[string]int, valuations []portfolio.Valuation, total decimal.Decimal) string {
	b := strings.Builder{}
	b.WriteString(fmt.Sprintf("[coinwatcher] Monthly summary since %s\n", since.Format("2006-01-02")))
	b.WriteString(fmt.Sprintf("Alarms fired: %d (delivered: %d)\n", fired, delivered))

	if len(perInstrument) > 0 {
		instruments := make([]string, 0, len(perInstrument))
		for instrument := range perInstrument {
			instruments = append(instruments, instrument)
		}
		sort.Strings(instruments)
		for _, instrument := range instruments {
			b.WriteString(fmt.Sprintf("  %s: %d\n", instrument, perInstrument[instrument]))
		}
	}

	if len(valuations) > 0 {
		b.WriteString("Portfolio:\n")
		for _, v := range valuations {
			line := fmt.Sprintf("  %s %s @ %s = %s",
				v.Quantity.String(), v.Instrument, v.Price.StringFixed(2), v.Value.StringFixed(2))
			if v.Stale {
				line += " (stale)"
			}
			b.WriteString(line + "\n")
		}
		b.WriteString(fmt.Sprintf("Total value: %s\n", total.StringFixed(2)))
	}

	return b.String()
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
