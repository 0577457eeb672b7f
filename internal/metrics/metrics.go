// Package metrics exposes Prometheus instrumentation for the evaluation
// engine.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics holds all Prometheus metrics for the alarm engine.
type Metrics struct {
	CyclesTotal        prometheus.Counter
	CycleDuration      prometheus.Histogram
	AlarmsEvaluated    prometheus.Counter
	AlarmsFired        prometheus.Counter
	AlarmsSkipped      prometheus.Counter
	EvaluationErrors   prometheus.Counter
	FetchFailures      prometheus.Counter
	StaleInstruments   prometheus.Gauge
	NotificationsSent  prometheus.Counter
	NotificationsLost  prometheus.Counter

	registry *prometheus.Registry
}

// New registers and returns all engine metrics on a private registry.
func New() *Metrics {
	m := &Metrics{
		CyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coinwatcher_cycles_total",
			Help: "Total evaluation cycles executed",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "coinwatcher_cycle_duration_seconds",
			Help:    "Wall time of one evaluation cycle",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		AlarmsEvaluated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coinwatcher_alarms_evaluated_total",
			Help: "Total alarm evaluations",
		}),
		AlarmsFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coinwatcher_alarms_fired_total",
			Help: "Total alarms that fired",
		}),
		AlarmsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coinwatcher_alarms_skipped_total",
			Help: "Alarm evaluations skipped for insufficient data",
		}),
		EvaluationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coinwatcher_evaluation_errors_total",
			Help: "Alarm evaluations aborted by an error",
		}),
		FetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coinwatcher_fetch_failures_total",
			Help: "Market data refresh failures",
		}),
		StaleInstruments: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coinwatcher_stale_instruments",
			Help: "Instruments currently evaluated against stale data",
		}),
		NotificationsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coinwatcher_notifications_sent_total",
			Help: "Notifications delivered",
		}),
		NotificationsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coinwatcher_notifications_lost_total",
			Help: "Notifications dropped after retry",
		}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.CyclesTotal,
		m.CycleDuration,
		m.AlarmsEvaluated,
		m.AlarmsFired,
		m.AlarmsSkipped,
		m.EvaluationErrors,
		m.FetchFailures,
		m.StaleInstruments,
		m.NotificationsSent,
		m.NotificationsLost,
	)

	return m
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics listener started")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics listener failed")
		}
	}()
}
