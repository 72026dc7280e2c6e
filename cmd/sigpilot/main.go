package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/sigpilot/internal/config"
	"github.com/web3guy0/sigpilot/internal/entry"
	"github.com/web3guy0/sigpilot/internal/exchange"
	"github.com/web3guy0/sigpilot/internal/hedge"
	"github.com/web3guy0/sigpilot/internal/ingest"
	"github.com/web3guy0/sigpilot/internal/lifecycle"
	"github.com/web3guy0/sigpilot/internal/maintenance"
	"github.com/web3guy0/sigpilot/internal/publish"
	"github.com/web3guy0/sigpilot/internal/pyramid"
	"github.com/web3guy0/sigpilot/internal/report"
	"github.com/web3guy0/sigpilot/internal/startup"
	"github.com/web3guy0/sigpilot/internal/store"
	"github.com/web3guy0/sigpilot/internal/telemetry"
	"github.com/web3guy0/sigpilot/internal/watchdog"
)

func main() {
	// ═══════════════════════════════════════════════════════════════════════════════
	// BOOTSTRAP
	// ═══════════════════════════════════════════════════════════════════════════════

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found")
	}

	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().Msg("═══════════════════════════════════════════════════════════════")
	log.Info().Msg("            SIGPILOT - SIGNAL-DRIVEN FUTURES PIPELINE")
	log.Info().Msg("═══════════════════════════════════════════════════════════════")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Configuration invalid")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ═══════════════════════════════════════════════════════════════════════════════
	// INITIALIZE COMPONENTS
	// ═══════════════════════════════════════════════════════════════════════════════

	// 1. Storage
	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	log.Info().Str("path", cfg.DatabasePath).Msg("✅ Storage layer initialized")

	// 2. Telemetry sink
	env := "live"
	if cfg.DryRun {
		env = "dry-run"
	}
	sink := telemetry.NewSink(cfg.TelemetryPath, "sigpilot", env)
	log.Info().Str("path", cfg.TelemetryPath).Msg("✅ Telemetry sink initialized")

	// 3. Exchange gateway
	gw := exchange.NewClient(cfg.ExchangeBaseURL, cfg.ExchangeAPIKey, cfg.ExchangeAPISecret,
		cfg.ExchangeTimeout, cfg.DryRun)
	log.Info().Str("base_url", cfg.ExchangeBaseURL).Bool("dry_run", cfg.DryRun).Msg("✅ Exchange gateway initialized")

	// 4. Telegram bot: inbound source and outbound publisher
	bot, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect Telegram bot")
	}
	log.Info().Str("account", bot.Self.UserName).Msg("✅ Telegram bot connected")

	notifier := publish.New(bot, cfg.OperatorChannelID, cfg.DryRun)
	source := ingest.NewTelegramSource(bot, cfg.SourceChannels)

	// 5. Startup probes
	if err := startup.Run(ctx, cfg, gw, notifier); err != nil {
		log.Fatal().Err(err).Msg("Startup checks failed")
	}

	// ═══════════════════════════════════════════════════════════════════════════════
	// WIRE THE PIPELINE
	// ═══════════════════════════════════════════════════════════════════════════════

	dog := watchdog.New(watchdog.Config{
		TickInterval:    cfg.WatchdogInterval,
		MaxActiveTrades: cfg.MaxActiveTrades,
	}, db, sink)

	pipeline := ingest.New(ingest.Config{DuplicateTTL: cfg.DuplicateTTL}, db, sink, source)

	entryEngine := entry.New(entry.Config{
		BalanceBaseline:  cfg.BalanceBaseline,
		RiskPerTrade:     cfg.RiskPerTrade,
		InitialMargin:    cfg.InitialMarginPlan,
		MinLeverage:      cfg.MinLeverage,
		MaxLeverage:      cfg.MaxLeverage,
		SpreadPct:        cfg.EntrySpreadPct,
		Workers:          cfg.EntryWorkers,
		PollInterval:     cfg.EntryPollInterval,
		FirstFillTimeout: cfg.FirstFillTimeout,
		ClaimLockTTL:     cfg.SignalClaimLockTTL,
		MaxMakerShifts:   cfg.MaxMakerTickShifts,
	}, db, gw, sink, notifier)
	entryEngine.SetGuard(dog)

	lifecycleMgr := lifecycle.New(lifecycle.Config{
		PollInterval:     cfg.LifecyclePollInterval,
		BreakEvenEpsilon: cfg.BreakEvenEpsilon,
		TrailActivatePct: cfg.TrailActivatePct,
		TrailDistancePct: cfg.TrailDistancePct,
		TrailMinInterval: cfg.TrailMinInterval,
	}, db, gw, sink, notifier)

	pyramidMgr := pyramid.New(pyramid.Config{
		PollInterval:  cfg.PyramidPollInterval,
		MaxMultiplier: cfg.PyramidMaxMultiplier,
	}, db, gw, sink)

	hedgeMgr := hedge.New(hedge.Config{
		PollInterval:       cfg.HedgePollInterval,
		TriggerPct:         cfg.HedgeTriggerPct,
		MaxReentryAttempts: cfg.MaxReentryAttempts,
	}, db, gw, sink, notifier, entryEngine)

	maint := maintenance.New(maintenance.Config{
		Interval:      cfg.ReconcileInterval,
		EntryOrderTTL: cfg.MaintenanceShort,
		OrderReapTTL:  cfg.MaintenanceLong,
	}, db, gw, sink, notifier)

	reporter := report.New(report.Config{
		EventLogPath:  cfg.TelemetryPath,
		StatePath:     cfg.ReportState,
		CheckInterval: cfg.ReconcileInterval,
		DailyAtHour:   8,
	}, notifier)

	// ═══════════════════════════════════════════════════════════════════════════════
	// START
	// ═══════════════════════════════════════════════════════════════════════════════

	if err := pipeline.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start ingestion")
	}
	dog.Start(ctx)
	reporter.Start(ctx)

	if cfg.ExtractOnly {
		log.Warn().Msg("🔍 Extract-only mode: trading stages disabled")
	} else {
		entryEngine.Start(ctx)
		lifecycleMgr.Start(ctx)
		if cfg.PyramidEnabled {
			pyramidMgr.Start(ctx)
		}
		if cfg.HedgeEnabled {
			hedgeMgr.Start(ctx)
		}
		maint.Start(ctx)
	}

	log.Info().Msg("🚀 All systems running...")

	// ═══════════════════════════════════════════════════════════════════════════════
	// GRACEFUL SHUTDOWN
	// ═══════════════════════════════════════════════════════════════════════════════

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("🛑 Shutting down...")
	cancel()

	pipeline.Stop()
	if !cfg.ExtractOnly {
		entryEngine.Stop()
		lifecycleMgr.Stop()
		if cfg.PyramidEnabled {
			pyramidMgr.Stop()
		}
		if cfg.HedgeEnabled {
			hedgeMgr.Stop()
		}
		maint.Stop()
	}
	reporter.Stop()
	dog.Stop()

	log.Info().Msg("👋 Goodbye!")
}
