package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"crypto-alarm-engine/internal/alarm"
	"crypto-alarm-engine/internal/cache"
	"crypto-alarm-engine/internal/config"
	"crypto-alarm-engine/internal/engine"
	"crypto-alarm-engine/internal/fetcher"
	"crypto-alarm-engine/internal/metrics"
	"crypto-alarm-engine/internal/notify"
	"crypto-alarm-engine/internal/portfolio"
	"crypto-alarm-engine/internal/report"
	"crypto-alarm-engine/internal/scheduler"
	"crypto-alarm-engine/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newExchange() *fetcher.Exchange {
	return fetcher.NewExchange(fetcher.ExchangeOptions{
		BaseURL:       a.Config.Market.BaseURL,
		QuoteCurrency: a.Config.Market.QuoteCurrency,
		KlineInterval: a.Config.Market.KlineInterval,
		HistoryLimit:  a.Config.Market.HistoryLimit,
		Timeout:       a.Config.Market.RequestTimeout,
		UserAgent:     a.Config.Market.UserAgent,
	}, a.Logger)
}

func (a *App) newCache() cache.Cache {
	opts := cache.Options{
		TTL:         a.Config.Cache.TTL,
		Retention:   a.Config.Cache.Retention,
		MaxFailures: a.Config.Market.MaxConsecutiveFailures,
	}

	exchange := a.newExchange()
	if a.Config.Cache.Backend == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     a.Config.Cache.Redis.Addr,
			Password: a.Config.Cache.Redis.Password,
			DB:       a.Config.Cache.Redis.DB,
		})
		return cache.NewRedis(opts, exchange, client, a.Logger)
	}
	return cache.NewMemory(opts, exchange, a.Logger)
}

func (a *App) newReference() fetcher.ReferencePriceFetcher {
	if !a.Config.Onchain.Enabled {
		return nil
	}
	return fetcher.NewOnchain(fetcher.OnchainOptions{
		RPCURL:  a.Config.Onchain.RPCURL,
		Feeds:   a.Config.Onchain.Feeds,
		Timeout: a.Config.Onchain.RequestTimeout,
	}, a.Logger)
}

func (a *App) newTransport() notify.Transport {
	if a.Config.Notifier.Telegram.Enabled {
		cfg := a.Config.Notifier.Telegram
		return notify.NewTelegramTransport(cfg.BotToken, cfg.APIBase, cfg.Timeout, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database, a.Logger)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// newAlarmStore builds the alarm registry, restoring persisted alarms when a
// database is configured.
func (a *App) newAlarmStore(ctx context.Context, store *storage.Store) (*alarm.Store, error) {
	opts := alarm.StoreOptions{
		DefaultCooldown: a.Config.Alarms.DefaultCooldown,
		MaxPerOwner:     a.Config.Alarms.MaxPerOwner,
	}

	var repo alarm.Repository
	if store != nil {
		repo = store
	}
	alarms := alarm.NewStore(opts, repo, a.Logger)

	if store != nil {
		persisted, err := store.ListAlarms(ctx)
		if err != nil {
			return nil, err
		}
		alarms.Restore(persisted)
		a.Logger.Info().Int("alarms", len(persisted)).Msg("alarm registry restored")
	}
	return alarms, nil
}

// Run executes the long-running evaluation service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	alarms, err := a.newAlarmStore(ctx, store)
	if err != nil {
		return err
	}

	data := a.newCache()
	transport := a.newTransport()
	if transport == nil {
		a.Logger.Warn().Msg("no notification transport enabled; alarms will fire without delivery")
	}
	dispatcher := notify.NewDispatcher(transport, a.Config.Notifier.RetryBackoff, a.Logger)

	var (
		samples storage.SampleStore
		notes   storage.NotificationLog
		locker  storage.AdvisoryLocker
	)
	if store != nil {
		samples = store
		notes = store
		locker = store
	}

	var stats *metrics.Metrics
	if a.Config.Metrics.Enabled {
		stats = metrics.New()
		stats.Serve(ctx, a.Config.Metrics.ListenAddr, a.Logger)
	}

	eng := engine.New(a.Config, alarms, data, dispatcher, a.newReference(), samples, notes, locker, stats, a.Logger)

	var pf *portfolio.Manager
	if store != nil {
		pf = portfolio.NewManager(store, data, a.Logger)
	}
	jobs := report.New(report.Options{
		MonthlyCron:      a.Config.Reports.MonthlyCron,
		CleanupCron:      a.Config.Reports.CleanupCron,
		CleanupRetention: a.Config.Reports.CleanupRetention,
	}, alarms, notes, pf, transport, a.Logger)
	if err := jobs.Start(); err != nil {
		return err
	}
	defer jobs.Stop()

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: true,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	a.Logger.Info().Msg("starting alarm engine")
	err = sched.Run(ctx, eng.RunCycle)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("alarm engine terminated with error")
		return err
	}

	a.Logger.Info().Msg("alarm engine stopped")
	return nil
}

// ExportOptions hold parameters for exporting historical price samples.
type ExportOptions struct {
	Instrument string
	From       *time.Time
	To         *time.Time
	PNGPath    string
	CSVPath    string
	MaxPoints  int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// CreateAlarmOptions collect the create-alarm flags before validation.
type CreateAlarmOptions struct {
	Owner      string
	Instrument string
	Kind       string
	Threshold  string
	Direction  string
	BoundPct   float64
	Window     time.Duration
	Indicator  string
	Repeat     bool
	Cooldown   time.Duration
	ExpiresAt  *time.Time
}

// TradeOptions collect the record-trade flags.
type TradeOptions struct {
	Owner      string
	Instrument string
	Side       string
	Quantity   string
	Price      string
	Note       string
}
