package hedge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/sigpilot/internal/exchange"
	"github.com/web3guy0/sigpilot/internal/publish"
	"github.com/web3guy0/sigpilot/internal/store"
	"github.com/web3guy0/sigpilot/internal/telemetry"
)

// ═══════════════════════════════════════════════════════════════════════════════
// HEDGE & RE-ENTRY MANAGER - adverse-move counter-position, bounded re-entry
// ═══════════════════════════════════════════════════════════════════════════════
//
// Watches open positions for an adverse move against the original entry.
// At the trigger the primary's protections come off and a full-size
// counter-position goes on, bracketed role-reversed: the hedge takes
// profit at the primary's stop and stops out at the primary's entry.
// Either hedge exit forces the primary flat and feeds the bounded
// re-entry path; exhausted attempts lock the (symbol, side) until a
// fresh external signal arrives.
//
// ═══════════════════════════════════════════════════════════════════════════════

var oneHundred = decimal.NewFromInt(100)

// Reenterer places a fresh dual-limit entry for a stopped-out position.
type Reenterer interface {
	Reenter(ctx context.Context, sig *store.Signal, pos *store.Position) error
}

// Config carries the hedge tunables.
type Config struct {
	PollInterval       time.Duration
	TriggerPct         decimal.Decimal // adverse % against original entry
	MaxReentryAttempts int
}

type Manager struct {
	cfg      Config
	store    *store.Store
	gw       exchange.Gateway
	sink     *telemetry.Sink
	notifier publish.Notifier
	reentry  Reenterer

	wg   sync.WaitGroup
	stop chan struct{}
}

func New(cfg Config, st *store.Store, gw exchange.Gateway, sink *telemetry.Sink, notifier publish.Notifier, reentry Reenterer) *Manager {
	return &Manager{
		cfg:      cfg,
		store:    st,
		gw:       gw,
		sink:     sink,
		notifier: notifier,
		reentry:  reentry,
		stop:     make(chan struct{}),
	}
}

func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.tick(ctx)
			}
		}
	}()
	log.Info().Str("trigger_pct", m.cfg.TriggerPct.String()).Msg("🧊 Hedge manager started")
}

func (m *Manager) Stop() {
	close(m.stop)
	m.wg.Wait()
}

func (m *Manager) tick(ctx context.Context) {
	positions, err := m.store.ListPositionsByState(store.PositionOpen, store.PositionHedgeMode)
	if err != nil {
		log.Error().Err(err).Msg("❌ Hedge position list failed")
		return
	}
	for i := range positions {
		pos := &positions[i]
		switch pos.State {
		case store.PositionOpen:
			m.checkAdverseMove(ctx, pos)
		case store.PositionHedgeMode:
			m.checkHedgeExit(ctx, pos)
		}
	}

	m.runReentries(ctx)
}

// checkAdverseMove arms the hedge once the drawdown crosses the trigger.
func (m *Manager) checkAdverseMove(ctx context.Context, pos *store.Position) {
	if pos.HedgeState != store.HedgeNone || pos.OriginalEntryPrice.IsZero() {
		return
	}
	mark, err := m.gw.GetMarkPrice(ctx, pos.Symbol)
	if err != nil {
		return
	}

	adversePct := pos.OriginalEntryPrice.Sub(mark).Div(pos.OriginalEntryPrice).Mul(oneHundred)
	if pos.Side == "SHORT" {
		adversePct = adversePct.Neg()
	}
	if adversePct.LessThan(m.cfg.TriggerPct) {
		return
	}
	m.activateHedge(ctx, pos, adversePct)
}

// activateHedge opens the counter-position, then strips the primary's
// protections. Nothing is persisted until the exchange accepted the
// hedge order, so a failed open leaves the primary protected and the
// trigger re-fires on a later pass.
func (m *Manager) activateHedge(ctx context.Context, pos *store.Position, adversePct decimal.Decimal) {
	corr := telemetry.Correlation{SignalID: pos.SignalID, BotOrderID: pos.BotOrderID, PositionID: pos.PositionID}

	qty := pos.FilledQty
	if qty.LessThanOrEqual(decimal.Zero) {
		qty = pos.PlannedQty
	}
	if qty.LessThanOrEqual(decimal.Zero) || pos.EntryMid.IsZero() || pos.SLPrice.IsZero() {
		return
	}
	hedgeSide := oppositeSide(pos.Side)

	m.sink.Emit("HEDGE_ARMED_TRIGGERED", "WARNING", "HEDGE", "adverse move triggered hedge activation", corr, map[string]any{
		"symbol":      pos.Symbol,
		"signal_side": pos.Side,
		"hedge_side":  hedgeSide,
		"adverse_pct": adversePct.StringFixed(2),
		"qty":         qty.String(),
	})

	if err := m.gw.SetLeverage(ctx, pos.Symbol, hedgeSide, pos.Leverage); err != nil {
		log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("⚠️ Hedge leverage set failed")
	}

	entryAck, err := m.gw.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:       pos.Symbol,
		Side:         openSide(hedgeSide),
		PositionSide: hedgeSide,
		Type:         "MARKET",
		Qty:          qty,
		ClientID:     pos.BotOrderID + "-hedge",
	})
	if err != nil {
		log.Error().Err(err).Str("position_id", pos.PositionID).Msg("🚨 Hedge open failed")
		m.notifier.SendAlert(fmt.Sprintf("Hedge open FAILED for %s %s (position %s), primary protections kept: %s",
			pos.Symbol, pos.Side, pos.PositionID, err))
		return
	}

	// Hedge confirmed: now the primary's TP ladder and stop come off so
	// the lifecycle poller cannot fight the hedge bracket.
	for _, id := range pos.TPOrderIDs {
		_ = m.gw.CancelOrder(ctx, pos.Symbol, id)
	}
	if pos.SLOrderID != "" {
		_ = m.gw.CancelOrder(ctx, pos.Symbol, pos.SLOrderID)
	}
	_ = m.store.DeleteTrackedOrders(pos.PositionID)

	_ = m.store.UpdatePositionFields(pos.PositionID, map[string]any{
		"state":          store.PositionHedgeMode,
		"hedge_state":    store.HedgeOpen,
		"sl_order_id":    "",
		"hedge_order_id": entryAck.OrderID,
		"hedge_qty":      qty,
	})
	pos.State = store.PositionHedgeMode
	pos.HedgeState = store.HedgeOpen
	pos.SLOrderID = ""
	pos.HedgeOrderID = entryAck.OrderID
	pos.HedgeQty = qty

	corr.ExchangeOrderID = entryAck.OrderID
	m.attachHedgeBracket(ctx, pos, corr, true)

	m.sink.Emit("HEDGE_OPENED", "INFO", "HEDGE", "hedge opened", corr, map[string]any{
		"hedge_side":        hedgeSide,
		"qty":               qty.String(),
		"hedge_tp_order_id": pos.HedgeTPOrderID,
		"hedge_sl_order_id": pos.HedgeSLOrderID,
	})
	m.notifier.SendText(fmt.Sprintf(
		"🧊 Hedge opened\nsymbol=%s\nsignal_side=%s\nhedge_side=%s\nqty=%s\nhedge_TP=%s\nhedge_SL=%s",
		pos.Symbol, pos.Side, hedgeSide, qty, pos.SLPrice, pos.EntryMid))
	log.Warn().
		Str("position_id", pos.PositionID).
		Str("hedge_side", hedgeSide).
		Str("qty", qty.String()).
		Msg("🧊 Hedge opened")
}

// attachHedgeBracket rests whichever hedge exit legs are missing.
// Role-reversed: the TP sits at the primary's stop and the stop
// triggers at the primary's entry. A leg that fails to place stays
// empty and is retried from the hedge-exit poller until it rests.
func (m *Manager) attachHedgeBracket(ctx context.Context, pos *store.Position, corr telemetry.Correlation, alertOnFail bool) {
	qty := pos.HedgeQty
	if qty.LessThanOrEqual(decimal.Zero) {
		qty = pos.FilledQty
	}
	hedgeSide := oppositeSide(pos.Side)
	closeHedge := openSide(pos.Side)
	updates := map[string]any{}

	if pos.HedgeTPOrderID == "" {
		ack, err := m.gw.PlaceOrder(ctx, exchange.OrderRequest{
			Symbol:       pos.Symbol,
			Side:         closeHedge,
			PositionSide: hedgeSide,
			Type:         "LIMIT",
			Qty:          qty,
			Price:        pos.SLPrice,
			ReduceOnly:   true,
			ClientID:     pos.BotOrderID + "-hedge-tp",
		})
		if err != nil {
			log.Warn().Err(err).Str("position_id", pos.PositionID).Msg("⚠️ Hedge TP placement failed")
		} else {
			pos.HedgeTPOrderID = ack.OrderID
			updates["hedge_tp_order_id"] = ack.OrderID
		}
	}
	if pos.HedgeSLOrderID == "" {
		ack, err := m.gw.PlaceOrder(ctx, exchange.OrderRequest{
			Symbol:       pos.Symbol,
			Side:         closeHedge,
			PositionSide: hedgeSide,
			Type:         "TRIGGER_MARKET",
			Qty:          qty,
			StopPrice:    pos.EntryMid,
			ReduceOnly:   true,
			ClientID:     pos.BotOrderID + "-hedge-sl",
		})
		if err != nil {
			log.Warn().Err(err).Str("position_id", pos.PositionID).Msg("⚠️ Hedge SL placement failed")
		} else {
			pos.HedgeSLOrderID = ack.OrderID
			updates["hedge_sl_order_id"] = ack.OrderID
		}
	}
	if len(updates) > 0 {
		_ = m.store.UpdatePositionFields(pos.PositionID, updates)
	}
	if pos.HedgeTPOrderID != "" && pos.HedgeSLOrderID != "" {
		return
	}

	m.sink.Emit("HEDGE_PROTECTION_FAILED", "ERROR", "HEDGE", "hedge bracket incomplete", corr, map[string]any{
		"hedge_tp_order_id": pos.HedgeTPOrderID,
		"hedge_sl_order_id": pos.HedgeSLOrderID,
	})
	if alertOnFail {
		m.notifier.SendAlert(fmt.Sprintf("Hedge on %s %s is missing exit orders (position %s) — retrying until both rest",
			pos.Symbol, pos.Side, pos.PositionID))
	}
	log.Error().Str("position_id", pos.PositionID).Msg("🚨 Hedge bracket incomplete, retrying next pass")
}

// checkHedgeExit watches the hedge bracket; either fill forces the
// primary flat. Missing bracket legs are re-attached first so a hedge
// never drops out of the poller's reach.
func (m *Manager) checkHedgeExit(ctx context.Context, pos *store.Position) {
	if pos.HedgeTPOrderID == "" || pos.HedgeSLOrderID == "" {
		corr := telemetry.Correlation{SignalID: pos.SignalID, BotOrderID: pos.BotOrderID, PositionID: pos.PositionID}
		m.attachHedgeBracket(ctx, pos, corr, false)
	}

	outcome := ""
	for _, probe := range []struct {
		orderID string
		name    string
	}{
		{pos.HedgeTPOrderID, "TP"},
		{pos.HedgeSLOrderID, "SL"},
	} {
		if probe.orderID == "" {
			continue
		}
		st, err := m.gw.GetOrder(ctx, pos.Symbol, probe.orderID)
		if err != nil {
			continue
		}
		if st.Status == exchange.StatusFilled {
			outcome = probe.name
			break
		}
	}
	if outcome == "" {
		return
	}
	m.closeHedged(ctx, pos, outcome)
}

// closeHedged exits everything: the surviving bracket leg, then the
// primary at market.
func (m *Manager) closeHedged(ctx context.Context, pos *store.Position, outcome string) {
	corr := telemetry.Correlation{SignalID: pos.SignalID, BotOrderID: pos.BotOrderID, PositionID: pos.PositionID}

	other := pos.HedgeSLOrderID
	if outcome == "SL" {
		other = pos.HedgeTPOrderID
	}
	if other != "" {
		_ = m.gw.CancelOrder(ctx, pos.Symbol, other)
	}

	if pos.FilledQty.GreaterThan(decimal.Zero) {
		_, err := m.gw.PlaceOrder(ctx, exchange.OrderRequest{
			Symbol:       pos.Symbol,
			Side:         closeSide(pos.Side),
			PositionSide: pos.Side,
			Type:         "MARKET",
			Qty:          pos.FilledQty,
			ReduceOnly:   true,
			ClientID:     pos.BotOrderID + "-hedge-exit",
		})
		if err != nil {
			log.Error().Err(err).Str("position_id", pos.PositionID).Msg("🚨 Forced primary exit failed")
			return
		}
	}

	m.sink.Emit("HEDGE_CLOSED", "INFO", "HEDGE", "hedge closed, primary forced flat", corr, map[string]any{
		"outcome":  outcome,
		"attempts": pos.ReentryAttempts,
	})
	_ = m.store.UpdatePositionFields(pos.PositionID, map[string]any{
		"state":       store.PositionClosed,
		"hedge_state": store.HedgeClosed,
		"outcome":     "stop_hit",
	})
	m.notifier.SendAlert(fmt.Sprintf("Hedge %s hit on %s %s, primary forced flat (position %s)",
		outcome, pos.Symbol, pos.Side, pos.PositionID))
	log.Info().Str("position_id", pos.PositionID).Str("outcome", outcome).Msg("🧊 Hedge closed, primary exited")
}

// runReentries walks stopped-out positions with budget left and replays
// their entries.
func (m *Manager) runReentries(ctx context.Context) {
	candidates, err := m.store.ListReentryCandidates(m.cfg.MaxReentryAttempts)
	if err != nil {
		return
	}
	for i := range candidates {
		m.attemptReentry(ctx, &candidates[i])
	}
}

func (m *Manager) attemptReentry(ctx context.Context, pos *store.Position) {
	corr := telemetry.Correlation{SignalID: pos.SignalID, BotOrderID: pos.BotOrderID, PositionID: pos.PositionID}

	// An installed lock retires the candidate.
	if lock, err := m.store.GetReentryLock(pos.Symbol, pos.Side); err == nil && lock != nil {
		_ = m.store.UpdatePositionFields(pos.PositionID, map[string]any{
			"reentry_attempts": m.cfg.MaxReentryAttempts,
		})
		return
	}

	sig, err := m.store.GetSignal(pos.SignalID)
	if err != nil {
		return
	}

	m.sink.Emit("REENTRY_ATTEMPT", "INFO", "HEDGE", "re-entry attempt", corr, map[string]any{
		"symbol":  pos.Symbol,
		"side":    pos.Side,
		"attempt": pos.ReentryAttempts + 1,
		"max":     m.cfg.MaxReentryAttempts,
	})

	if err := m.reentry.Reenter(ctx, sig, pos); err != nil {
		attempts := pos.ReentryAttempts + 1
		_ = m.store.UpdatePositionFields(pos.PositionID, map[string]any{"reentry_attempts": attempts})
		log.Warn().Err(err).Str("position_id", pos.PositionID).Int("attempt", attempts).Msg("⚠️ Re-entry failed")

		if attempts >= m.cfg.MaxReentryAttempts {
			m.lockOut(pos, corr)
		}
		return
	}

	// Reenter bumped the counter itself; a position that exhausted its
	// budget on this success locks out on its next stop.
	log.Info().Str("position_id", pos.PositionID).Msg("🔄 Re-entry placed")
}

// lockOut blocks the (symbol, side) until a fresh external signal.
func (m *Manager) lockOut(pos *store.Position, corr telemetry.Correlation) {
	reason := fmt.Sprintf("max re-entry attempts reached (%d)", m.cfg.MaxReentryAttempts)
	_ = m.store.SetReentryLock(pos.Symbol, pos.Side, pos.SignalID, reason)
	m.sink.Emit("REENTRY_LOCKED", "WARNING", "HEDGE", "re-entry budget exhausted, locked until new signal", corr, map[string]any{
		"symbol": pos.Symbol,
		"side":   pos.Side,
		"max":    m.cfg.MaxReentryAttempts,
	})
	m.notifier.SendAlert(fmt.Sprintf("Re-entry lockout on %s %s: %s", pos.Symbol, pos.Side, reason))
	log.Warn().Str("symbol", pos.Symbol).Str("side", pos.Side).Msg("🔒 Re-entry locked out")
}

func oppositeSide(side string) string {
	if side == "LONG" {
		return "SHORT"
	}
	return "LONG"
}

// openSide maps a position direction to the order side that opens it.
func openSide(positionSide string) string {
	if positionSide == "SHORT" {
		return exchange.SideSell
	}
	return exchange.SideBuy
}

// closeSide maps a position direction to the order side that reduces it.
func closeSide(positionSide string) string {
	if positionSide == "SHORT" {
		return exchange.SideBuy
	}
	return exchange.SideSell
}
