package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/config"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/api"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/auth"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/cache"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/circuit"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/database"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/engine"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/events"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/exchange"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/fisco"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/logging"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/market"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/markup"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/notify"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/scheduler"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/strategy"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/telegram"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Setup("info", false)
		l := logging.Component("main")
		l.Fatal().Err(err).Msg("Configuration invalid")
	}

	logging.Setup(cfg.LoggingConfig.Level, cfg.LoggingConfig.Pretty)
	logger := logging.Component("main")
	logger.Info().
		Str("venue", cfg.ExchangeConfig.TradingVenue).
		Bool("dry_run", cfg.TradingConfig.DryRun).
		Strs("pairs", cfg.TradingConfig.ActivePairs).
		Msg("Starting kraken-autotrade")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database and migrations. Nothing runs without persistence.
	db, err := database.NewDB(cfg.DatabaseConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("Database connection failed")
	}
	defer db.Close()
	if err := db.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Migrations failed")
	}
	repo := database.NewRepository(db)

	// Redis is optional. Components fall back to database or in-memory state.
	var cacheSvc *cache.CacheService
	if cfg.RedisConfig.Enabled {
		cacheSvc, err = cache.NewCacheService(cfg.RedisConfig)
		if err != nil {
			logger.Warn().Err(err).Msg("Redis unavailable, running without cache")
			cacheSvc = nil
		}
	}

	// Vault is optional too; when disabled, venue credentials come from env.
	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("Vault client failed")
	}

	devMode := os.Getenv("DEV_MODE") == "true" || os.Getenv("DEV_MODE") == "1"
	factory, err := exchange.NewFactory(cfg.ExchangeConfig, vaultClient, devMode)
	if err != nil {
		logger.Fatal().Err(err).Msg("Exchange factory failed")
	}
	trading, err := factory.Trading()
	if err != nil {
		logger.Fatal().Err(err).Msg("Trading venue client failed")
	}
	// Market data always comes from Kraken, whatever the trading venue.
	data, err := factory.Data()
	if err != nil {
		logger.Fatal().Err(err).Msg("Data venue client failed")
	}
	venue := factory.TradingVenue()

	marketSvc := market.NewService(data, market.NewRegimeDetector(cfg.RegimeConfig))

	router, err := strategy.NewRouter(cfg.TradingConfig, cfg.RegimeConfig,
		strategy.NewMomentumStrategy(cfg.StrategiesConfig.Momentum),
		strategy.NewMeanRevStrategy(cfg.StrategiesConfig.MeanRev),
		strategy.NewScalpingStrategy(cfg.StrategiesConfig.Scalping),
		strategy.NewGridStrategy(cfg.StrategiesConfig.Grid),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("Strategy router failed")
	}

	markupTracker := markup.NewTracker(cfg.TradingConfig.DefaultMarkupPct, cacheSvc)
	if err := markupTracker.Restore(ctx, []string{venue}, cfg.TradingConfig.ActivePairs); err != nil {
		logger.Warn().Err(err).Msg("Markup state not restored, using defaults")
	}

	bus := events.NewEventBus()
	bus.SubscribeAll(events.NewPersister(repo).Handle)

	// Notifications go to Telegram when it is configured; otherwise they are
	// rendered and dropped so the rest of the pipeline stays exercised.
	var sender notify.MessageSender = discardSender{}
	var tgClient *telegram.Client
	if cfg.TelegramConfig.Enabled && cfg.TelegramConfig.BotToken != "" {
		tgClient = telegram.NewClient(cfg.TelegramConfig.BotToken)
		sender = tgClient
	} else {
		logger.Warn().Msg("Telegram disabled, notifications will be dropped")
	}
	notifSvc := notify.NewService(cfg.NotifyConfig, sender, repo, cacheSvc)
	go notifSvc.Run(ctx)

	breaker := circuit.NewBreaker(cfg.TradingConfig.DailyLossLimitPct)
	eng := engine.New(cfg, trading, venue, repo, marketSvc, router, markupTracker, breaker, bus, notifSvc)
	eng.SetVenueSource(factory)

	// Fiscal accounting: FX rates, nightly sync and the FIFO reporter.
	rates := fisco.NewRates(repo, data, cacheSvc, time.Duration(cfg.FiscoConfig.RateCacheTTL)*time.Second)
	syncer := fisco.NewSyncer(repo, trading, rates, bus, cfg.FiscoConfig)
	reporter := fisco.NewReporter(repo, bus)

	var fiscoSyncer scheduler.FiscoSyncer
	if cfg.FiscoConfig.Enabled && !cfg.TradingConfig.DryRun {
		fiscoSyncer = syncer
	}

	if tgClient != nil {
		var tgSyncer telegram.FiscalSyncer
		if fiscoSyncer != nil {
			tgSyncer = syncer
		}
		cmdRouter := telegram.NewRouter(eng, repo, reporter, tgSyncer, tgClient, cfg)
		lock := telegram.NewAdvisoryPollLock(db, cfg.TelegramConfig.EnvTag, cfg.TelegramConfig.BotToken)
		poller := telegram.NewPoller(tgClient, lock, repo, cmdRouter, cfg.TelegramConfig)
		go poller.Run(ctx)
	}

	sched := scheduler.New(cfg.SchedulerConfig, cfg.FiscoConfig, eng, repo, fiscoSyncer, reporter, notifSvc)
	sched.Start(ctx)

	var apiServer *api.Server
	if cfg.ServerConfig.Enabled {
		authSvc, err := auth.NewService(cfg.AuthConfig)
		if err != nil {
			logger.Warn().Err(err).Msg("API server disabled, auth not configured")
		} else {
			apiServer = api.NewServer(cfg.ServerConfig, authSvc, eng, repo, bus)
			go func() {
				if err := apiServer.Start(ctx); err != nil {
					logger.Error().Err(err).Msg("API server stopped")
				}
			}()
		}
	}

	go eng.Run(ctx)

	<-ctx.Done()
	logger.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if apiServer != nil {
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("API shutdown failed")
		}
	}
	sched.Wait()
	logger.Info().Msg("Stopped")
}

// discardSender swallows notifications when Telegram is not configured.
type discardSender struct{}

func (discardSender) SendMessage(ctx context.Context, chatID int64, html string) error {
	return nil
}
