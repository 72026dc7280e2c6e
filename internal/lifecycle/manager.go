package lifecycle

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
// LIFECYCLE MANAGER - protection orders, break-even, trailing, close-out
// ═══════════════════════════════════════════════════════════════════════════════
//
// Attaches the reduce-only TP ladder and the trigger-market stop once a
// position opens, then walks the position through break-even and trailing
// amendments until the exchange confirms it flat. All fill detection is
// executedQty deltas against tracked orders; no transition happens on
// anything the exchange has not confirmed.
//
// ═══════════════════════════════════════════════════════════════════════════════

var oneHundred = decimal.NewFromInt(100)

// Config carries the lifecycle tunables.
type Config struct {
	PollInterval     time.Duration
	BreakEvenEpsilon decimal.Decimal // fractional offset applied to the original entry
	TrailActivatePct decimal.Decimal // profit % that arms the trail
	TrailDistancePct decimal.Decimal // % behind the peak the stop follows
	TrailMinInterval time.Duration   // floor between stop amendments
}

type Manager struct {
	cfg      Config
	store    *store.Store
	gw       exchange.Gateway
	sink     *telemetry.Sink
	notifier publish.Notifier

	now  func() time.Time
	wg   sync.WaitGroup
	stop chan struct{}
}

func New(cfg Config, st *store.Store, gw exchange.Gateway, sink *telemetry.Sink, notifier publish.Notifier) *Manager {
	return &Manager{
		cfg:      cfg,
		store:    st,
		gw:       gw,
		sink:     sink,
		notifier: notifier,
		now:      time.Now,
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
	log.Info().Msg("🛡️ Lifecycle manager started")
}

func (m *Manager) Stop() {
	close(m.stop)
	m.wg.Wait()
}

func (m *Manager) tick(ctx context.Context) {
	positions, err := m.store.ListPositionsByState(store.PositionOpen, store.PositionClosing)
	if err != nil {
		log.Error().Err(err).Msg("❌ Lifecycle position list failed")
		return
	}
	for i := range positions {
		pos := &positions[i]
		switch pos.State {
		case store.PositionOpen:
			m.manageOpen(ctx, pos)
		case store.PositionClosing:
			m.confirmFlat(ctx, pos)
		}
	}
}

// manageOpen runs one management pass over an open position.
func (m *Manager) manageOpen(ctx context.Context, pos *store.Position) {
	corr := telemetry.Correlation{SignalID: pos.SignalID, BotOrderID: pos.BotOrderID, PositionID: pos.PositionID}

	if pos.SLOrderID == "" || len(pos.TPOrderIDs) == 0 {
		m.attachProtections(ctx, pos, corr)
		return
	}

	if closed := m.checkStopFill(ctx, pos, corr); closed {
		return
	}
	if done := m.checkTPFills(ctx, pos, corr); done {
		return
	}
	m.updateTrailing(ctx, pos, corr)
}

// attachProtections places the reduce-only TP ladder and the stop. A
// position left unprotected is flagged for the operator rather than
// traded on.
func (m *Manager) attachProtections(ctx context.Context, pos *store.Position, corr telemetry.Correlation) {
	info, err := m.gw.GetSymbolInfo(ctx, pos.Symbol)
	if err != nil {
		log.Warn().Err(err).Str("position_id", pos.PositionID).Msg("⚠️ Symbol info fetch failed, retrying next poll")
		return
	}

	tpIDs := append(store.StringList{}, pos.TPOrderIDs...)
	if len(tpIDs) == 0 {
		ids, err := m.placeTPLadder(ctx, pos, info)
		if err != nil {
			m.flagUnprotected(pos, corr, fmt.Errorf("tp ladder: %w", err))
			return
		}
		tpIDs = ids
		_ = m.store.UpdatePositionFields(pos.PositionID, map[string]any{"tp_order_ids": tpIDs})
	}

	slOrderID := pos.SLOrderID
	if slOrderID == "" {
		ack, err := m.placeStop(ctx, pos, pos.SLPrice, pos.FilledQty, info)
		if err != nil {
			m.flagUnprotected(pos, corr, fmt.Errorf("stop order: %w", err))
			return
		}
		slOrderID = ack
		_ = m.store.UpdatePositionFields(pos.PositionID, map[string]any{"sl_order_id": slOrderID})
	}

	m.sink.Emit("PROTECTIONS_ATTACHED", "INFO", "LIFECYCLE", "tp ladder and stop placed", corr, map[string]any{
		"tp_order_ids": []string(tpIDs),
		"sl_order_id":  slOrderID,
		"sl_price":     pos.SLPrice.String(),
	})

	// The placement-time confirmation carried order_accepted only; with
	// the position open and the bracket resting, the remaining flags are
	// finally true.
	m.notifier.SendConfirmation(publish.OrderConfirmation{
		BotOrderID:       pos.BotOrderID,
		ExchangeOrderIDs: append(append([]string{}, tpIDs...), slOrderID),
		Symbol:           pos.Symbol,
		Side:             pos.Side,
		EntryPrice:       pos.AvgEntryPrice,
		SLPrice:          pos.SLPrice,
		Leverage:         pos.Leverage,
		Quantity:         pos.FilledQty,
		SignalType:       pos.SignalType,
		TPs:              publish.TPLines(pos.Side, pos.AvgEntryPrice, pos.TPPrices),
		OrderAccepted:    true,
		TPSLSet:          true,
		PositionOpened:   true,
	})

	log.Info().
		Str("position_id", pos.PositionID).
		Int("tp_levels", len(tpIDs)).
		Str("sl", pos.SLPrice.String()).
		Msg("🛡️ Protections attached")
}

// placeTPLadder rests one reduce-only limit per target, splitting the
// filled quantity evenly with the remainder on the last level.
func (m *Manager) placeTPLadder(ctx context.Context, pos *store.Position, info exchange.SymbolInfo) (store.StringList, error) {
	n := len(pos.TPPrices)
	if n == 0 {
		return nil, fmt.Errorf("no targets on position %s", pos.PositionID)
	}

	per := exchange.QuantizeQty(pos.FilledQty.Div(decimal.NewFromInt(int64(n))), info.QtyStep)
	levels := pos.TPPrices
	if per.LessThan(info.MinQty) {
		// Too small to ladder: everything on the first target.
		levels = pos.TPPrices[:1]
		per = pos.FilledQty
	}

	ids := make(store.StringList, 0, len(levels))
	placedQty := decimal.Zero
	for i, price := range levels {
		qty := per
		if i == len(levels)-1 {
			qty = pos.FilledQty.Sub(placedQty)
		}
		ack, err := m.gw.PlaceOrder(ctx, exchange.OrderRequest{
			Symbol:       pos.Symbol,
			Side:         closeSide(pos.Side),
			PositionSide: pos.Side,
			Type:         "LIMIT",
			Qty:          qty,
			Price:        price,
			ReduceOnly:   true,
			ClientID:     fmt.Sprintf("%s-tp%d", pos.BotOrderID, i+1),
		})
		if err != nil {
			for _, id := range ids {
				_ = m.gw.CancelOrder(ctx, pos.Symbol, id)
			}
			return nil, err
		}
		ids = append(ids, ack.OrderID)
		placedQty = placedQty.Add(qty)
		_ = m.store.UpsertTrackedOrder(&store.TrackedOrder{
			OrderID:    ack.OrderID,
			SignalID:   pos.SignalID,
			PositionID: pos.PositionID,
			Symbol:     pos.Symbol,
			Purpose:    store.OrderPurposeTP,
			TPIndex:    i,
			Price:      price,
			Qty:        qty,
			LastStatus: exchange.StatusNew,
		})
	}
	return ids, nil
}

// placeStop rests the trigger-market stop for the full remaining size.
func (m *Manager) placeStop(ctx context.Context, pos *store.Position, price, qty decimal.Decimal, info exchange.SymbolInfo) (string, error) {
	ack, err := m.gw.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:       pos.Symbol,
		Side:         closeSide(pos.Side),
		PositionSide: pos.Side,
		Type:         "TRIGGER_MARKET",
		Qty:          qty,
		StopPrice:    exchange.QuantizePrice(price, info.TickSize),
		ReduceOnly:   true,
		ClientID:     fmt.Sprintf("%s-sl-%d", pos.BotOrderID, m.now().UnixNano()),
	})
	if err != nil {
		return "", err
	}
	_ = m.store.UpsertTrackedOrder(&store.TrackedOrder{
		OrderID:    ack.OrderID,
		SignalID:   pos.SignalID,
		PositionID: pos.PositionID,
		Symbol:     pos.Symbol,
		Purpose:    store.OrderPurposeSL,
		Price:      price,
		Qty:        qty,
		LastStatus: exchange.StatusNew,
	})
	return ack.OrderID, nil
}

// flagUnprotected parks the position for the operator when protection
// orders cannot be attached.
func (m *Manager) flagUnprotected(pos *store.Position, corr telemetry.Correlation, err error) {
	m.sink.Emit("PROTECTION_FAILED", "ERROR", "LIFECYCLE", err.Error(), corr, map[string]any{
		"symbol": pos.Symbol, "side": pos.Side,
	})
	_ = m.store.UpdatePositionFields(pos.PositionID, map[string]any{"state": store.PositionNeedsManual})
	m.notifier.SendAlert(fmt.Sprintf("Position %s (%s %s) is UNPROTECTED: %s — manual intervention required",
		pos.PositionID, pos.Symbol, pos.Side, err))
	log.Error().Err(err).Str("position_id", pos.PositionID).Msg("🚨 Protection attach failed, position flagged")
}

// checkStopFill detects a filled stop and closes the position.
func (m *Manager) checkStopFill(ctx context.Context, pos *store.Position, corr telemetry.Correlation) bool {
	st, err := m.gw.GetOrder(ctx, pos.Symbol, pos.SLOrderID)
	if err != nil {
		log.Warn().Err(err).Str("order_id", pos.SLOrderID).Msg("⚠️ Stop poll failed")
		return false
	}
	if st.Status != exchange.StatusFilled {
		return false
	}

	for _, id := range pos.TPOrderIDs {
		_ = m.gw.CancelOrder(ctx, pos.Symbol, id)
	}
	m.sink.Emit("POSITION_CLOSED", "INFO", "LIFECYCLE", "stop filled", corr, map[string]any{
		"outcome":    "stop_hit",
		"exit_price": st.AvgFillPrice.String(),
	})
	_ = m.store.UpdatePositionFields(pos.PositionID, map[string]any{
		"state":   store.PositionClosed,
		"outcome": "stop_hit",
	})
	m.notifier.SendAlert(fmt.Sprintf("Stop hit on %s %s at %s (position %s)",
		pos.Symbol, pos.Side, st.AvgFillPrice, pos.PositionID))
	log.Info().Str("position_id", pos.PositionID).Str("exit", st.AvgFillPrice.String()).Msg("🛑 Stop filled, position closed")
	return true
}

// checkTPFills walks the ladder by executedQty delta, moves the stop to
// break-even after the second level, and starts close-out when the
// ladder completes. Returns true when the position left OPEN.
func (m *Manager) checkTPFills(ctx context.Context, pos *store.Position, corr telemetry.Correlation) bool {
	orders, err := m.store.ListTrackedOrders(pos.PositionID)
	if err != nil {
		return false
	}

	filledLevels := 0
	for _, o := range orders {
		if o.Purpose != store.OrderPurposeTP {
			continue
		}
		st, err := m.gw.GetOrder(ctx, pos.Symbol, o.OrderID)
		if err != nil {
			continue
		}
		if !st.ExecutedQty.Equal(o.LastExecutedQty) || st.Status != o.LastStatus {
			_ = m.store.UpdateTrackedOrder(o.OrderID, st.ExecutedQty, st.Status)
		}
		if st.Status == exchange.StatusFilled {
			filledLevels++
			if o.LastStatus != exchange.StatusFilled {
				m.sink.Emit("TP_FILLED", "INFO", "LIFECYCLE", fmt.Sprintf("take-profit %d filled", o.TPIndex+1), corr, map[string]any{
					"tp_index": o.TPIndex,
					"price":    st.AvgFillPrice.String(),
					"qty":      st.ExecutedQty.String(),
				})
				log.Info().Str("position_id", pos.PositionID).Int("tp", o.TPIndex+1).Msg("🎯 Take-profit filled")
			}
		}
	}

	if filledLevels != pos.TPFilled {
		_ = m.store.UpdatePositionFields(pos.PositionID, map[string]any{"tp_filled": filledLevels})
		pos.TPFilled = filledLevels
	}

	if pos.TPFilled >= len(pos.TPPrices) && len(pos.TPPrices) > 0 {
		_ = m.gw.CancelOrder(ctx, pos.Symbol, pos.SLOrderID)
		m.sink.Emit("POSITION_CLOSING", "INFO", "LIFECYCLE", "all targets filled", corr, nil)
		_ = m.store.UpdatePositionFields(pos.PositionID, map[string]any{"state": store.PositionClosing})
		log.Info().Str("position_id", pos.PositionID).Msg("🏁 Ladder complete, awaiting flat confirmation")
		return true
	}

	// Second level done: the stop moves to break-even, once.
	if pos.TPFilled >= 2 && !pos.TrailActive && !m.slAtOrBeyondBreakEven(pos) {
		be := m.breakEvenPrice(pos)
		m.amendStop(ctx, pos, be, "break_even", corr)
	}
	return false
}

// updateTrailing arms and advances the trailing stop from mark price.
func (m *Manager) updateTrailing(ctx context.Context, pos *store.Position, corr telemetry.Correlation) {
	mark, err := m.gw.GetMarkPrice(ctx, pos.Symbol)
	if err != nil || pos.OriginalEntryPrice.IsZero() {
		return
	}

	profitPct := mark.Sub(pos.OriginalEntryPrice).Div(pos.OriginalEntryPrice).Mul(oneHundred)
	if pos.Side == "SHORT" {
		profitPct = profitPct.Neg()
	}

	if !pos.TrailActive {
		if profitPct.LessThan(m.cfg.TrailActivatePct) {
			return
		}
		_ = m.store.UpdatePositionFields(pos.PositionID, map[string]any{
			"trail_active": true,
			"trail_peak":   mark,
		})
		pos.TrailActive = true
		pos.TrailPeak = mark
		m.sink.Emit("TRAIL_ARMED", "INFO", "LIFECYCLE", "trailing stop armed", corr, map[string]any{
			"profit_pct": profitPct.StringFixed(2),
			"peak":       mark.String(),
		})
		log.Info().Str("position_id", pos.PositionID).Str("profit_pct", profitPct.StringFixed(2)).Msg("📈 Trailing armed")
	}

	// Track the favorable extreme.
	peak := pos.TrailPeak
	improved := false
	if pos.Side == "SHORT" {
		if mark.LessThan(peak) || peak.IsZero() {
			peak, improved = mark, true
		}
	} else if mark.GreaterThan(peak) {
		peak, improved = mark, true
	}
	if improved {
		_ = m.store.UpdatePositionFields(pos.PositionID, map[string]any{"trail_peak": peak})
		pos.TrailPeak = peak
	}

	dist := peak.Mul(m.cfg.TrailDistancePct).Div(oneHundred)
	candidate := peak.Sub(dist)
	if pos.Side == "SHORT" {
		candidate = peak.Add(dist)
	}

	if !stopImproves(pos.Side, candidate, pos.SLPrice) {
		return
	}
	if pos.LastSLAmendAt != nil && m.now().Sub(*pos.LastSLAmendAt) < m.cfg.TrailMinInterval {
		return
	}
	m.amendStop(ctx, pos, candidate, "trail", corr)
}

// amendStop replaces the resting stop with one at the new price.
func (m *Manager) amendStop(ctx context.Context, pos *store.Position, price decimal.Decimal, reason string, corr telemetry.Correlation) {
	info, err := m.gw.GetSymbolInfo(ctx, pos.Symbol)
	if err != nil {
		return
	}
	price = exchange.QuantizePrice(price, info.TickSize)
	if price.Equal(pos.SLPrice) {
		return
	}

	remaining := m.remainingQty(pos)
	if remaining.LessThanOrEqual(decimal.Zero) {
		return
	}

	if err := m.gw.CancelOrder(ctx, pos.Symbol, pos.SLOrderID); err != nil {
		log.Warn().Err(err).Str("position_id", pos.PositionID).Msg("⚠️ Stop cancel failed, amendment deferred")
		return
	}
	_ = m.store.DeleteTrackedOrder(pos.SLOrderID)

	newID, err := m.placeStop(ctx, pos, price, remaining, info)
	if err != nil {
		m.flagUnprotected(pos, corr, fmt.Errorf("stop replacement (%s): %w", reason, err))
		return
	}

	now := m.now()
	_ = m.store.UpdatePositionFields(pos.PositionID, map[string]any{
		"sl_order_id":      newID,
		"sl_price":         price,
		"last_sl_amend_at": &now,
	})
	pos.SLOrderID = newID
	pos.SLPrice = price
	pos.LastSLAmendAt = &now

	m.sink.Emit("SL_AMENDED", "INFO", "LIFECYCLE", "stop moved", corr, map[string]any{
		"reason":   reason,
		"sl_price": price.String(),
	})
	log.Info().Str("position_id", pos.PositionID).Str("reason", reason).Str("sl", price.String()).Msg("🔧 Stop amended")
}

// confirmFlat waits for the exchange to report zero size, then closes.
func (m *Manager) confirmFlat(ctx context.Context, pos *store.Position) {
	states, err := m.gw.GetPositions(ctx, pos.Symbol)
	if err != nil {
		return
	}
	for _, st := range states {
		if st.Side == pos.Side && st.Qty.GreaterThan(decimal.Zero) {
			return
		}
	}

	corr := telemetry.Correlation{SignalID: pos.SignalID, BotOrderID: pos.BotOrderID, PositionID: pos.PositionID}
	m.sink.Emit("POSITION_CLOSED", "INFO", "LIFECYCLE", "exchange confirmed flat", corr, map[string]any{
		"outcome": "targets_done",
	})
	_ = m.store.UpdatePositionFields(pos.PositionID, map[string]any{
		"state":   store.PositionClosed,
		"outcome": "targets_done",
	})
	m.notifier.SendText(fmt.Sprintf("🏆 %s %s closed with all targets filled (position %s)",
		pos.Symbol, pos.Side, pos.PositionID))
	log.Info().Str("position_id", pos.PositionID).Msg("🏆 Position closed, targets done")
}

// remainingQty is what is still on the book after confirmed TP fills.
func (m *Manager) remainingQty(pos *store.Position) decimal.Decimal {
	orders, err := m.store.ListTrackedOrders(pos.PositionID)
	if err != nil {
		return pos.FilledQty
	}
	reduced := decimal.Zero
	for _, o := range orders {
		if o.Purpose == store.OrderPurposeTP {
			reduced = reduced.Add(o.LastExecutedQty)
		}
	}
	return pos.FilledQty.Sub(reduced)
}

// breakEvenPrice nudges the entry by the epsilon so fees do not turn a
// break-even exit into a loss.
func (m *Manager) breakEvenPrice(pos *store.Position) decimal.Decimal {
	eps := pos.OriginalEntryPrice.Mul(m.cfg.BreakEvenEpsilon)
	if pos.Side == "SHORT" {
		return pos.OriginalEntryPrice.Sub(eps)
	}
	return pos.OriginalEntryPrice.Add(eps)
}

// slAtOrBeyondBreakEven reports whether the stop already protects the entry.
func (m *Manager) slAtOrBeyondBreakEven(pos *store.Position) bool {
	if pos.Side == "SHORT" {
		return pos.SLPrice.LessThanOrEqual(pos.OriginalEntryPrice)
	}
	return pos.SLPrice.GreaterThanOrEqual(pos.OriginalEntryPrice)
}

// stopImproves reports whether the candidate tightens the stop.
func stopImproves(side string, candidate, current decimal.Decimal) bool {
	if side == "SHORT" {
		return candidate.LessThan(current)
	}
	return candidate.GreaterThan(current)
}

func closeSide(positionSide string) string {
	if positionSide == "SHORT" {
		return exchange.SideBuy
	}
	return exchange.SideSell
}
