package watchdog

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/sigpilot/internal/store"
	"github.com/web3guy0/sigpilot/internal/telemetry"
)

// ═══════════════════════════════════════════════════════════════════════════════
// WATCHDOG - capacity guard and error classification
// ═══════════════════════════════════════════════════════════════════════════════
//
// Counts live exposure (active positions plus inflight signals) on a
// fixed tick and exposes a predicate the ingestion pipeline consults
// before accepting work. Classification maps raw error text onto a
// small fixed set of categories for telemetry and reports.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Error categories.
const (
	ErrAPITimeout        = "API_TIMEOUT"
	ErrAPIConnectivity   = "API_CONNECTIVITY"
	ErrInsufficientFunds = "INSUFFICIENT_FUNDS"
	ErrParsingValidation = "PARSING_VALIDATION"
	ErrTelegramRateLimit = "TELEGRAM_RATE_LIMIT"
	ErrUnknown           = "UNKNOWN"
)

// Config carries the watchdog tunables.
type Config struct {
	TickInterval    time.Duration
	MaxActiveTrades int
}

// State is the capacity snapshot guarded by the watchdog.
type State struct {
	CapacityBlocked bool
	Reason          string
	ActiveTrades    int64
	MaxActiveTrades int
	LastTick        time.Time
}

type Watchdog struct {
	cfg   Config
	store *store.Store
	sink  *telemetry.Sink

	mu    sync.RWMutex
	state State

	wg   sync.WaitGroup
	stop chan struct{}
}

func New(cfg Config, st *store.Store, sink *telemetry.Sink) *Watchdog {
	return &Watchdog{
		cfg:   cfg,
		store: st,
		sink:  sink,
		state: State{MaxActiveTrades: cfg.MaxActiveTrades},
		stop:  make(chan struct{}),
	}
}

func (w *Watchdog) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.cfg.TickInterval)
		defer ticker.Stop()
		w.Tick()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stop:
				return
			case <-ticker.C:
				w.Tick()
			}
		}
	}()
	log.Info().Int("max_active", w.cfg.MaxActiveTrades).Msg("🐶 Watchdog started")
}

func (w *Watchdog) Stop() {
	close(w.stop)
	w.wg.Wait()
}

// CanAcceptSignal is the capacity predicate consumed by ingestion.
func (w *Watchdog) CanAcceptSignal() (bool, string) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.state.CapacityBlocked {
		return false, w.state.Reason
	}
	return true, ""
}

// Snapshot returns a copy of the current state.
func (w *Watchdog) Snapshot() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Tick recomputes live exposure against the cap.
func (w *Watchdog) Tick() {
	positions, err := w.store.CountActivePositions()
	if err != nil {
		log.Error().Err(err).Msg("❌ Watchdog position count failed")
		return
	}
	inflight, err := w.store.CountSignalsInflight()
	if err != nil {
		log.Error().Err(err).Msg("❌ Watchdog signal count failed")
		return
	}

	active := positions + inflight
	blocked := active >= int64(w.cfg.MaxActiveTrades)

	w.mu.Lock()
	wasBlocked := w.state.CapacityBlocked
	w.state = State{
		CapacityBlocked: blocked,
		ActiveTrades:    active,
		MaxActiveTrades: w.cfg.MaxActiveTrades,
		LastTick:        time.Now(),
	}
	if blocked {
		w.state.Reason = "capacity reached: active trades at limit"
	}
	w.mu.Unlock()

	if blocked != wasBlocked {
		level, msg := "INFO", "capacity restored"
		if blocked {
			level, msg = "WARNING", "capacity reached, new signals blocked"
		}
		w.sink.Emit("WATCHDOG_CAPACITY", level, "WATCHDOG", msg, telemetry.Correlation{}, map[string]any{
			"active": active,
			"max":    w.cfg.MaxActiveTrades,
		})
		log.Warn().Int64("active", active).Int("max", w.cfg.MaxActiveTrades).Bool("blocked", blocked).Msg("🐶 Capacity state changed")
	}
}

// ClassifyError maps raw error text onto a fixed category.
func ClassifyError(subsystem, msg string) string {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline exceeded"):
		return ErrAPITimeout
	case strings.Contains(lower, "connection refused") ||
		strings.Contains(lower, "no such host") ||
		strings.Contains(lower, "connection reset") ||
		strings.Contains(lower, "eof"):
		return ErrAPIConnectivity
	case strings.Contains(lower, "insufficient") || strings.Contains(lower, "margin"):
		return ErrInsufficientFunds
	case strings.Contains(lower, "too many requests") || strings.Contains(lower, "retry after"):
		return ErrTelegramRateLimit
	case strings.EqualFold(subsystem, "DETECTOR") || strings.Contains(lower, "parse") || strings.Contains(lower, "invalid"):
		return ErrParsingValidation
	default:
		return ErrUnknown
	}
}
