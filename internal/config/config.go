package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all configuration for the pipeline
type Config struct {
	// Telegram
	TelegramToken     string
	SourceChannels    []int64 // channels monitored for signals
	OperatorChannelID int64   // destination for confirmations, alerts, reports

	// Exchange
	ExchangeBaseURL   string
	ExchangeAPIKey    string
	ExchangeAPISecret string
	ExchangeTimeout   time.Duration

	// Mode
	DryRun      bool
	ExtractOnly bool // persist signals, skip entry and lifecycle stages
	Debug       bool

	// Risk / sizing
	BalanceBaseline   decimal.Decimal // used when balance fetch is unavailable
	RiskPerTrade      decimal.Decimal // fraction of balance risked per trade
	InitialMarginPlan decimal.Decimal // USDT margin per trade
	MinLeverage       decimal.Decimal
	MaxLeverage       decimal.Decimal

	// Entry engine
	EntrySpreadPct     decimal.Decimal // half-spread around mid as a fraction
	EntryWorkers       int
	EntryPollInterval  time.Duration
	FirstFillTimeout   time.Duration // unfilled dual-limit pair expires
	TotalOrderTimeout  time.Duration // hard ceiling for any resting order
	MaxMakerTickShifts int           // outward nudges before giving up on post-only

	// Lifecycle
	LifecyclePollInterval time.Duration
	BreakEvenEpsilon      decimal.Decimal // cost cushion added when moving SL to BE
	TrailActivatePct      decimal.Decimal // unrealized profit that arms trailing
	TrailDistancePct      decimal.Decimal // trail distance behind the peak
	TrailMinInterval      time.Duration   // per-position floor between SL amendments

	// Pyramid
	PyramidEnabled       bool
	PyramidPollInterval  time.Duration
	PyramidMaxMultiplier decimal.Decimal

	// Hedge / re-entry
	HedgeEnabled       bool
	HedgePollInterval  time.Duration
	HedgeTriggerPct    decimal.Decimal // adverse move that opens the hedge
	MaxReentryAttempts int

	// Watchdog / maintenance
	MaxActiveTrades    int
	WatchdogInterval   time.Duration
	MaintenanceShort   time.Duration // reap window for unfilled entries
	MaintenanceLong    time.Duration // reap window for anything still resting
	ReconcileInterval  time.Duration
	SignalClaimLockTTL time.Duration
	DuplicateTTL       time.Duration

	// Storage
	DatabasePath  string
	TelemetryPath string
	ReportState   string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		ExchangeBaseURL:   getEnv("EXCHANGE_BASE_URL", "https://open-api.bingx.com"),
		ExchangeAPIKey:    os.Getenv("EXCHANGE_API_KEY"),
		ExchangeAPISecret: os.Getenv("EXCHANGE_API_SECRET"),
		ExchangeTimeout:   getEnvDuration("EXCHANGE_TIMEOUT", 5*time.Second),

		DryRun:      getEnvBool("DRY_RUN", true),
		ExtractOnly: getEnvBool("EXTRACT_ONLY", false),
		Debug:       getEnvBool("DEBUG", false),

		BalanceBaseline:   getEnvDecimal("BALANCE_BASELINE", decimal.RequireFromString("402.10")),
		RiskPerTrade:      getEnvDecimal("RISK_PER_TRADE", decimal.RequireFromString("0.02")),
		InitialMarginPlan: getEnvDecimal("INITIAL_MARGIN_PLAN", decimal.RequireFromString("20.00")),
		MinLeverage:       getEnvDecimal("MIN_LEVERAGE", decimal.RequireFromString("6.00")),
		MaxLeverage:       getEnvDecimal("MAX_LEVERAGE", decimal.RequireFromString("50.00")),

		EntrySpreadPct:     getEnvDecimal("ENTRY_SPREAD_PCT", decimal.RequireFromString("0.001")),
		EntryWorkers:       getEnvInt("ENTRY_WORKERS", 4),
		EntryPollInterval:  getEnvDuration("ENTRY_POLL_INTERVAL", 5*time.Second),
		FirstFillTimeout:   getEnvDuration("FIRST_FILL_TIMEOUT", 24*time.Hour),
		TotalOrderTimeout:  getEnvDuration("TOTAL_ORDER_TIMEOUT", 6*24*time.Hour),
		MaxMakerTickShifts: getEnvInt("MAX_MAKER_TICK_SHIFTS", 50),

		LifecyclePollInterval: getEnvDuration("LIFECYCLE_POLL_INTERVAL", 3*time.Second),
		BreakEvenEpsilon:      getEnvDecimal("BREAK_EVEN_EPSILON", decimal.RequireFromString("0.000015")),
		TrailActivatePct:      getEnvDecimal("TRAIL_ACTIVATE_PCT", decimal.RequireFromString("6.1")),
		TrailDistancePct:      getEnvDecimal("TRAIL_DISTANCE_PCT", decimal.RequireFromString("2.5")),
		TrailMinInterval:      getEnvDuration("TRAIL_MIN_INTERVAL", 10*time.Second),

		PyramidEnabled:       getEnvBool("PYRAMID_ENABLED", true),
		PyramidPollInterval:  getEnvDuration("PYRAMID_POLL_INTERVAL", 30*time.Second),
		PyramidMaxMultiplier: getEnvDecimal("PYRAMID_MAX_MULTIPLIER", decimal.RequireFromString("2.0")),

		HedgeEnabled:       getEnvBool("HEDGE_ENABLED", true),
		HedgePollInterval:  getEnvDuration("HEDGE_POLL_INTERVAL", 30*time.Second),
		HedgeTriggerPct:    getEnvDecimal("HEDGE_TRIGGER_PCT", decimal.RequireFromString("2.0")),
		MaxReentryAttempts: getEnvInt("MAX_REENTRY_ATTEMPTS", 3),

		MaxActiveTrades:    getEnvInt("MAX_ACTIVE_TRADES", 100),
		WatchdogInterval:   getEnvDuration("WATCHDOG_INTERVAL", 10*time.Second),
		MaintenanceShort:   getEnvDuration("MAINTENANCE_SHORT", 24*time.Hour),
		MaintenanceLong:    getEnvDuration("MAINTENANCE_LONG", 6*24*time.Hour),
		ReconcileInterval:  getEnvDuration("RECONCILE_INTERVAL", time.Hour),
		SignalClaimLockTTL: getEnvDuration("SIGNAL_CLAIM_LOCK_TTL", 10*time.Minute),
		DuplicateTTL:       getEnvDuration("DUPLICATE_TTL", 2*time.Hour),

		DatabasePath:  getEnv("DATABASE_PATH", "data/sigpilot.db"),
		TelemetryPath: getEnv("TELEMETRY_PATH", "data/telemetry.jsonl"),
		ReportState:   getEnv("REPORT_STATE_PATH", "data/report_state.json"),
	}

	// Parse operator channel
	if chatID := os.Getenv("OPERATOR_CHANNEL_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid OPERATOR_CHANNEL_ID: %w", err)
		}
		cfg.OperatorChannelID = id
	}

	// Parse source channels (comma-separated chat ids)
	if raw := os.Getenv("SOURCE_CHANNELS"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid SOURCE_CHANNELS entry %q: %w", part, err)
			}
			cfg.SourceChannels = append(cfg.SourceChannels, id)
		}
	}

	// Validate required fields
	if cfg.TelegramToken == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}
	if !cfg.DryRun && (cfg.ExchangeAPIKey == "" || cfg.ExchangeAPISecret == "") {
		return nil, fmt.Errorf("EXCHANGE_API_KEY and EXCHANGE_API_SECRET are required unless DRY_RUN=true")
	}

	return cfg, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
