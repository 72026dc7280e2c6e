package entry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/sigpilot/internal/exchange"
	"github.com/web3guy0/sigpilot/internal/publish"
	"github.com/web3guy0/sigpilot/internal/store"
	"github.com/web3guy0/sigpilot/internal/telemetry"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENTRY ENGINE - dual-limit placement with merge-on-first-fill
// ═══════════════════════════════════════════════════════════════════════════════
//
// Claims NEW signals, sizes them, rests two post-only limits around the
// intended mid, and on the first fill collapses the remainder into a single
// repriced order that preserves the volume-weighted entry. Every transition
// follows exchange-confirmed state discovered by polling.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Config carries the entry engine tunables.
type Config struct {
	BalanceBaseline  decimal.Decimal
	RiskPerTrade     decimal.Decimal
	InitialMargin    decimal.Decimal
	MinLeverage      decimal.Decimal
	MaxLeverage      decimal.Decimal
	SpreadPct        decimal.Decimal
	Workers          int
	PollInterval     time.Duration
	FirstFillTimeout time.Duration
	ClaimLockTTL     time.Duration
	MaxMakerShifts   int
}

// CapacityGuard gates signal claims; typically the watchdog.
type CapacityGuard interface {
	CanAcceptSignal() (bool, string)
}

type Engine struct {
	cfg      Config
	store    *store.Store
	gw       exchange.Gateway
	sink     *telemetry.Sink
	notifier publish.Notifier
	guard    CapacityGuard

	wg   sync.WaitGroup
	stop chan struct{}
}

func New(cfg Config, st *store.Store, gw exchange.Gateway, sink *telemetry.Sink, notifier publish.Notifier) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Engine{
		cfg:      cfg,
		store:    st,
		gw:       gw,
		sink:     sink,
		notifier: notifier,
		stop:     make(chan struct{}),
	}
}

// SetGuard installs the capacity predicate consulted before each claim.
func (e *Engine) SetGuard(guard CapacityGuard) {
	e.guard = guard
}

// Start launches the claim workers and the fill poller.
func (e *Engine) Start(ctx context.Context) {
	for i := 0; i < e.cfg.Workers; i++ {
		workerID := fmt.Sprintf("entry-%d", i)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.workerLoop(ctx, workerID)
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.pollLoop(ctx)
	}()

	log.Info().Int("workers", e.cfg.Workers).Msg("⚡ Entry engine started")
}

// Stop waits for the loops to drain.
func (e *Engine) Stop() {
	close(e.stop)
	e.wg.Wait()
}

func (e *Engine) workerLoop(ctx context.Context, workerID string) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.releaseClaims(workerID)
			return
		case <-e.stop:
			e.releaseClaims(workerID)
			return
		case <-ticker.C:
			if e.guard != nil {
				if ok, reason := e.guard.CanAcceptSignal(); !ok {
					log.Debug().Str("reason", reason).Msg("🐶 Claim deferred, capacity blocked")
					continue
				}
			}
			sig, err := e.store.ClaimNext(workerID, e.cfg.ClaimLockTTL)
			if err != nil {
				log.Error().Err(err).Msg("❌ Claim failed")
				continue
			}
			if sig == nil {
				continue
			}
			e.processSignal(ctx, sig)
		}
	}
}

// releaseClaims puts this worker's unplaced claims back on the queue.
func (e *Engine) releaseClaims(workerID string) {
	sigs, err := e.store.ListClaimedBy(workerID)
	if err != nil {
		return
	}
	for _, sig := range sigs {
		if err := e.store.ReleaseClaim(sig.ID); err == nil {
			log.Info().Int64("signal_id", sig.ID).Msg("↩️ Claim released on shutdown")
		}
	}
}

// processSignal turns one claimed signal into a pending position.
func (e *Engine) processSignal(ctx context.Context, sig *store.Signal) {
	corr := telemetry.Correlation{SignalID: sig.ID, ChatID: sig.SourceChannel, MessageID: sig.SourceMessageID}

	// A position may already exist if a previous run died mid-claim.
	if existing, err := e.store.GetPositionBySignal(sig.ID); err == nil && existing != nil {
		_ = e.store.SetSignalStatus(sig.ID, store.SignalDone, "")
		return
	}

	// Re-entry lockout: a fresher external signal clears the lock, a
	// replay of the locked signal is rejected.
	if lock, err := e.store.GetReentryLock(sig.Symbol, sig.Side); err == nil && lock != nil {
		if sig.ID > lock.SignalID {
			_ = e.store.ClearReentryLock(sig.Symbol, sig.Side)
		} else {
			e.rejectSignal(sig, "re-entry lockout active", corr)
			return
		}
	}

	balance, err := e.gw.GetBalance(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ Balance fetch failed, using baseline")
		balance = e.cfg.BalanceBaseline
	}

	sizing, err := ComputeSizing(SizingInput{
		Balance:       balance,
		RiskPerTrade:  e.cfg.RiskPerTrade,
		InitialMargin: e.cfg.InitialMargin,
		Entry:         sig.EntryMid,
		Side:          sig.Side,
		StopLoss:      sig.StopLoss,
		MinLeverage:   e.cfg.MinLeverage,
		MaxLeverage:   e.cfg.MaxLeverage,
	})
	if err != nil {
		e.rejectSignal(sig, "sizing: "+err.Error(), corr)
		return
	}
	_ = e.store.SetSignalType(sig.ID, sizing.SignalType)

	info, err := e.gw.GetSymbolInfo(ctx, sig.Symbol)
	if err != nil {
		e.retryOrReject(sig, fmt.Errorf("symbol info: %w", err), corr)
		return
	}

	qty := exchange.QuantizeQty(sizing.Qty, info.QtyStep)
	if qty.LessThan(info.MinQty) || qty.IsZero() {
		e.rejectSignal(sig, fmt.Sprintf("quantity %s below minimum %s", qty, info.MinQty), corr)
		return
	}

	lastPrice, err := e.gw.GetMarkPrice(ctx, sig.Symbol)
	if err != nil {
		e.retryOrReject(sig, fmt.Errorf("mark price: %w", err), corr)
		return
	}

	plan, err := PlanDualLimit(sig.EntryMid, qty, e.cfg.SpreadPct, lastPrice, sig.Side, info, e.cfg.MaxMakerShifts)
	if err != nil {
		e.rejectSignal(sig, "placement: "+err.Error(), corr)
		return
	}

	if err := e.gw.SetLeverage(ctx, sig.Symbol, sig.Side, sizing.Leverage); err != nil {
		e.retryOrReject(sig, fmt.Errorf("set leverage: %w", err), corr)
		return
	}

	botOrderID := uuid.NewString()
	positionID := uuid.NewString()
	orderSide := openSide(sig.Side)

	ack1, err := e.gw.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:       sig.Symbol,
		Side:         orderSide,
		PositionSide: sig.Side,
		Type:         "LIMIT",
		Qty:          plan.Q1,
		Price:        plan.P1,
		PostOnly:     true,
		ClientID:     botOrderID + "-1",
	})
	if err != nil {
		e.retryOrReject(sig, fmt.Errorf("place first limit: %w", err), corr)
		return
	}

	orderIDs := []string{ack1.OrderID}
	if plan.Q2.GreaterThan(decimal.Zero) {
		ack2, err := e.gw.PlaceOrder(ctx, exchange.OrderRequest{
			Symbol:       sig.Symbol,
			Side:         orderSide,
			PositionSide: sig.Side,
			Type:         "LIMIT",
			Qty:          plan.Q2,
			Price:        plan.P2,
			PostOnly:     true,
			ClientID:     botOrderID + "-2",
		})
		if err != nil {
			_ = e.gw.CancelOrder(ctx, sig.Symbol, ack1.OrderID)
			e.retryOrReject(sig, fmt.Errorf("place second limit: %w", err), corr)
			return
		}
		orderIDs = append(orderIDs, ack2.OrderID)
	}

	slPrice := exchange.QuantizePrice(sizing.StopLoss, info.TickSize)
	tpPrices := make(store.PriceList, 0, len(sig.Targets))
	for _, tp := range sig.Targets {
		tpPrices = append(tpPrices, exchange.QuantizePrice(tp, info.TickSize))
	}

	corr.BotOrderID = botOrderID
	corr.PositionID = positionID
	e.sink.Emit("STAGE2_ORDERS_PLACED", "INFO", "ENTRY", "dual-limit entry placed", corr, map[string]any{
		"symbol":    sig.Symbol,
		"side":      sig.Side,
		"p1":        plan.P1.String(),
		"p2":        plan.P2.String(),
		"q1":        plan.Q1.String(),
		"q2":        plan.Q2.String(),
		"leverage":  sizing.Leverage.String(),
		"type":      sizing.SignalType,
		"order_ids": orderIDs,
	})

	pos := &store.Position{
		PositionID:    positionID,
		SignalID:      sig.ID,
		BotOrderID:    botOrderID,
		Symbol:        sig.Symbol,
		Side:          sig.Side,
		State:         store.PositionPendingEntry,
		SignalType:    sizing.SignalType,
		PlannedQty:    qty,
		Leverage:      sizing.Leverage,
		InitialMargin: e.cfg.InitialMargin,
		EntryOrderIDs: orderIDs,
		EntryMid:      sig.EntryMid,
		SLPrice:       slPrice,
		TPPrices:      tpPrices,
		HedgeState:    store.HedgeNone,
	}
	created, err := e.store.CreatePositionIfAbsent(pos)
	if err != nil || !created {
		log.Error().Err(err).Int64("signal_id", sig.ID).Msg("❌ Position persist failed")
		return
	}

	for i, id := range orderIDs {
		price, orderQty := plan.P1, plan.Q1
		if i == 1 {
			price, orderQty = plan.P2, plan.Q2
		}
		_ = e.store.UpsertTrackedOrder(&store.TrackedOrder{
			OrderID:    id,
			SignalID:   sig.ID,
			PositionID: positionID,
			Symbol:     sig.Symbol,
			Purpose:    store.OrderPurposeEntry,
			Price:      price,
			Qty:        orderQty,
			LastStatus: exchange.StatusNew,
		})
	}

	_ = e.store.SetSignalStatus(sig.ID, store.SignalDone, "")

	e.notifier.SendConfirmation(publish.OrderConfirmation{
		BotOrderID:       botOrderID,
		ExchangeOrderIDs: orderIDs,
		Symbol:           sig.Symbol,
		Side:             sig.Side,
		EntryPrice:       sig.EntryMid,
		SLPrice:          slPrice,
		Leverage:         sizing.Leverage,
		Quantity:         qty,
		SignalType:       sizing.SignalType,
		TPs:              publish.TPLines(sig.Side, sig.EntryMid, tpPrices),
		OrderAccepted:    true,
	})

	log.Info().
		Int64("signal_id", sig.ID).
		Str("symbol", sig.Symbol).
		Str("side", sig.Side).
		Str("type", sizing.SignalType).
		Str("leverage", sizing.Leverage.String()).
		Str("qty", qty.String()).
		Msg("✅ Entry orders placed")
}

// Reenter places a fresh dual-limit entry for a position whose primary
// exit already happened, reusing the original signal parameters. The row
// is reset so the fill poller can walk the new entry exactly like the
// first one.
func (e *Engine) Reenter(ctx context.Context, sig *store.Signal, pos *store.Position) error {
	corr := telemetry.Correlation{SignalID: sig.ID, BotOrderID: pos.BotOrderID, PositionID: pos.PositionID}

	balance, err := e.gw.GetBalance(ctx)
	if err != nil {
		balance = e.cfg.BalanceBaseline
	}
	sizing, err := ComputeSizing(SizingInput{
		Balance:       balance,
		RiskPerTrade:  e.cfg.RiskPerTrade,
		InitialMargin: e.cfg.InitialMargin,
		Entry:         sig.EntryMid,
		Side:          sig.Side,
		StopLoss:      sig.StopLoss,
		MinLeverage:   e.cfg.MinLeverage,
		MaxLeverage:   e.cfg.MaxLeverage,
	})
	if err != nil {
		return fmt.Errorf("sizing: %w", err)
	}

	info, err := e.gw.GetSymbolInfo(ctx, sig.Symbol)
	if err != nil {
		return fmt.Errorf("symbol info: %w", err)
	}
	qty := exchange.QuantizeQty(sizing.Qty, info.QtyStep)
	if qty.LessThan(info.MinQty) || qty.IsZero() {
		return fmt.Errorf("quantity %s below minimum %s", qty, info.MinQty)
	}

	lastPrice, err := e.gw.GetMarkPrice(ctx, sig.Symbol)
	if err != nil {
		return fmt.Errorf("mark price: %w", err)
	}
	plan, err := PlanDualLimit(sig.EntryMid, qty, e.cfg.SpreadPct, lastPrice, sig.Side, info, e.cfg.MaxMakerShifts)
	if err != nil {
		return fmt.Errorf("placement: %w", err)
	}
	if err := e.gw.SetLeverage(ctx, sig.Symbol, sig.Side, sizing.Leverage); err != nil {
		return fmt.Errorf("set leverage: %w", err)
	}

	attempt := pos.ReentryAttempts + 1
	orderSide := openSide(sig.Side)
	ack1, err := e.gw.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:       sig.Symbol,
		Side:         orderSide,
		PositionSide: sig.Side,
		Type:         "LIMIT",
		Qty:          plan.Q1,
		Price:        plan.P1,
		PostOnly:     true,
		ClientID:     fmt.Sprintf("%s-re%d-1", pos.BotOrderID, attempt),
	})
	if err != nil {
		return fmt.Errorf("place first limit: %w", err)
	}
	orderIDs := []string{ack1.OrderID}
	if plan.Q2.GreaterThan(decimal.Zero) {
		ack2, err := e.gw.PlaceOrder(ctx, exchange.OrderRequest{
			Symbol:       sig.Symbol,
			Side:         orderSide,
			PositionSide: sig.Side,
			Type:         "LIMIT",
			Qty:          plan.Q2,
			Price:        plan.P2,
			PostOnly:     true,
			ClientID:     fmt.Sprintf("%s-re%d-2", pos.BotOrderID, attempt),
		})
		if err != nil {
			_ = e.gw.CancelOrder(ctx, sig.Symbol, ack1.OrderID)
			return fmt.Errorf("place second limit: %w", err)
		}
		orderIDs = append(orderIDs, ack2.OrderID)
	}

	_ = e.store.DeleteTrackedOrders(pos.PositionID)
	for i, id := range orderIDs {
		price, orderQty := plan.P1, plan.Q1
		if i == 1 {
			price, orderQty = plan.P2, plan.Q2
		}
		_ = e.store.UpsertTrackedOrder(&store.TrackedOrder{
			OrderID:    id,
			SignalID:   sig.ID,
			PositionID: pos.PositionID,
			Symbol:     sig.Symbol,
			Purpose:    store.OrderPurposeEntry,
			Price:      price,
			Qty:        orderQty,
			LastStatus: exchange.StatusNew,
		})
	}

	slPrice := exchange.QuantizePrice(sizing.StopLoss, info.TickSize)
	err = e.store.UpdatePositionFields(pos.PositionID, map[string]any{
		"state":                store.PositionPendingEntry,
		"planned_qty":          qty,
		"filled_qty":           decimal.Zero,
		"avg_entry_price":      decimal.Zero,
		"original_entry_price": decimal.Zero,
		"leverage":             sizing.Leverage,
		"entry_order_ids":      store.StringList(orderIDs),
		"replacement_order_id": "",
		"sl_price":             slPrice,
		"sl_order_id":          "",
		"tp_order_ids":         store.StringList{},
		"tp_filled":            0,
		"trail_active":         false,
		"trail_peak":           decimal.Zero,
		"executed_scales":      store.ScaleExecList{},
		"hedge_state":          store.HedgeNone,
		"hedge_order_id":       "",
		"hedge_tp_order_id":    "",
		"hedge_sl_order_id":    "",
		"hedge_qty":            decimal.Zero,
		"reentry_attempts":     attempt,
		"outcome":              "",
		"created_at":           time.Now(),
	})
	if err != nil {
		return err
	}

	e.sink.Emit("REENTRY_PLACED", "INFO", "ENTRY", "re-entry dual-limit placed", corr, map[string]any{
		"attempt":   attempt,
		"p1":        plan.P1.String(),
		"p2":        plan.P2.String(),
		"order_ids": orderIDs,
	})
	log.Info().
		Str("position_id", pos.PositionID).
		Int("attempt", attempt).
		Msg("🔄 Re-entry orders placed")
	return nil
}

// rejectSignal marks a terminal rejection and notifies the operator.
func (e *Engine) rejectSignal(sig *store.Signal, reason string, corr telemetry.Correlation) {
	e.sink.Emit("SIGNAL_REJECTED", "WARNING", "ENTRY", reason, corr, map[string]any{
		"symbol": sig.Symbol, "side": sig.Side,
	})
	_ = e.store.SetSignalStatus(sig.ID, store.SignalRejected, reason)
	e.notifier.SendAlert(fmt.Sprintf("Signal %d (%s %s) rejected: %s", sig.ID, sig.Symbol, sig.Side, reason))
	log.Warn().Int64("signal_id", sig.ID).Str("reason", reason).Msg("⛔ Signal rejected")
}

// retryOrReject releases transient failures back to the queue and rejects
// exchange business errors terminally.
func (e *Engine) retryOrReject(sig *store.Signal, err error, corr telemetry.Correlation) {
	var biz *exchange.BizError
	if errors.As(err, &biz) {
		e.rejectSignal(sig, err.Error(), corr)
		return
	}
	e.sink.Emit("SIGNAL_RETRY", "WARNING", "ENTRY", err.Error(), corr, nil)
	_ = e.store.ReleaseClaim(sig.ID)
	log.Warn().Err(err).Int64("signal_id", sig.ID).Msg("⚠️ Transient failure, signal requeued")
}

// ═══════════════════════════════════════════════════════════════════════════════
// FILL POLLING & MERGE
// ═══════════════════════════════════════════════════════════════════════════════

func (e *Engine) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case <-ticker.C:
			e.pollPendingOnce(ctx)
		}
	}
}

func (e *Engine) pollPendingOnce(ctx context.Context) {
	positions, err := e.store.ListPositionsByState(store.PositionPendingEntry, store.PositionPartial)
	if err != nil {
		log.Error().Err(err).Msg("❌ Pending position list failed")
		return
	}
	for i := range positions {
		e.checkEntryFills(ctx, &positions[i])
	}
}

// checkEntryFills reads exchange truth for the entry orders of one
// position and applies the merge-on-first-fill rule.
func (e *Engine) checkEntryFills(ctx context.Context, pos *store.Position) {
	corr := telemetry.Correlation{SignalID: pos.SignalID, BotOrderID: pos.BotOrderID, PositionID: pos.PositionID}

	orders, err := e.store.ListTrackedOrders(pos.PositionID)
	if err != nil {
		return
	}

	totalFilled := decimal.Zero
	filledNotional := decimal.Zero
	openOriginals := make([]string, 0, 2)
	resting := make([]string, 0, 3)

	for _, o := range orders {
		if o.Purpose != store.OrderPurposeEntry && o.Purpose != store.OrderPurposeReplacement {
			continue
		}
		st, err := e.gw.GetOrder(ctx, pos.Symbol, o.OrderID)
		if err != nil {
			log.Warn().Err(err).Str("order_id", o.OrderID).Msg("⚠️ Order poll failed")
			continue
		}
		if !st.ExecutedQty.Equal(o.LastExecutedQty) || st.Status != o.LastStatus {
			_ = e.store.UpdateTrackedOrder(o.OrderID, st.ExecutedQty, st.Status)
		}
		totalFilled = totalFilled.Add(st.ExecutedQty)
		filledNotional = filledNotional.Add(st.ExecutedQty.Mul(st.AvgFillPrice))
		if st.Status == exchange.StatusNew || st.Status == exchange.StatusPartiallyFilled {
			resting = append(resting, o.OrderID)
			if o.Purpose == store.OrderPurposeEntry {
				openOriginals = append(openOriginals, o.OrderID)
			}
		}
	}

	if totalFilled.IsZero() {
		e.expireIfStale(ctx, pos, corr)
		return
	}

	avgEntry := filledNotional.Div(totalFilled)
	newFill := totalFilled.GreaterThan(pos.FilledQty)

	if pos.OriginalEntryPrice.IsZero() {
		e.sink.Emit("ENTRY_FIRST_FILL", "INFO", "ENTRY", "first fill confirmed", corr, map[string]any{
			"avg_entry": avgEntry.String(),
			"filled":    totalFilled.String(),
		})
		_ = e.store.SetOriginalEntryPrice(pos.PositionID, avgEntry)
	}

	info, err := e.gw.GetSymbolInfo(ctx, pos.Symbol)
	if err != nil {
		return
	}

	qRem := pos.PlannedQty.Sub(totalFilled)
	if qRem.LessThan(info.MinQty) || qRem.LessThanOrEqual(decimal.Zero) {
		if pos.State != store.PositionOpen {
			// A sub-minimum remainder cannot stay on the book once the
			// position opens.
			for _, id := range resting {
				if err := e.gw.CancelOrder(ctx, pos.Symbol, id); err != nil {
					log.Warn().Err(err).Str("order_id", id).Msg("⚠️ Residual entry cancel failed, retrying next poll")
					return
				}
			}
			e.sink.Emit("ENTRY_FILLED", "INFO", "ENTRY", "entry fully filled", corr, map[string]any{
				"avg_entry": avgEntry.String(),
				"filled":    totalFilled.String(),
			})
			_ = e.store.UpdatePositionFields(pos.PositionID, map[string]any{
				"filled_qty":      totalFilled,
				"avg_entry_price": avgEntry,
				"state":           store.PositionOpen,
			})
			log.Info().Str("position_id", pos.PositionID).Str("avg_entry", avgEntry.String()).Msg("✅ Entry filled, position open")
		}
		return
	}

	// Merge on first fill: collapse the resting originals into a single
	// repriced remainder that preserves the volume-weighted entry.
	if newFill && pos.ReplacementOrderID == "" {
		for _, id := range openOriginals {
			if err := e.gw.CancelOrder(ctx, pos.Symbol, id); err != nil {
				log.Warn().Err(err).Str("order_id", id).Msg("⚠️ Original cancel failed, retrying next poll")
				return
			}
		}

		pr := MergeReplacementPrice(pos.EntryMid, pos.PlannedQty, filledNotional, qRem, info.TickSize)
		ack, err := e.gw.PlaceOrder(ctx, exchange.OrderRequest{
			Symbol:       pos.Symbol,
			Side:         openSide(pos.Side),
			PositionSide: pos.Side,
			Type:         "LIMIT",
			Qty:          qRem,
			Price:        pr,
			PostOnly:     true,
			ClientID:     pos.BotOrderID + "-r",
		})
		if err != nil {
			log.Warn().Err(err).Str("position_id", pos.PositionID).Msg("⚠️ Replacement placement failed, retrying next poll")
			return
		}

		corr.ExchangeOrderID = ack.OrderID
		e.sink.Emit("ENTRY_MERGED", "INFO", "ENTRY", "remainder merged into replacement order", corr, map[string]any{
			"replacement_price": pr.String(),
			"remaining_qty":     qRem.String(),
		})
		_ = e.store.UpsertTrackedOrder(&store.TrackedOrder{
			OrderID:    ack.OrderID,
			SignalID:   pos.SignalID,
			PositionID: pos.PositionID,
			Symbol:     pos.Symbol,
			Purpose:    store.OrderPurposeReplacement,
			Price:      pr,
			Qty:        qRem,
			LastStatus: exchange.StatusNew,
		})
		_ = e.store.UpdatePositionFields(pos.PositionID, map[string]any{
			"replacement_order_id": ack.OrderID,
			"filled_qty":           totalFilled,
			"avg_entry_price":      avgEntry,
			"state":                store.PositionPartial,
		})
		log.Info().Str("position_id", pos.PositionID).Str("price", pr.String()).Msg("🔁 Entry merged into replacement")
		return
	}

	if newFill {
		_ = e.store.UpdatePositionFields(pos.PositionID, map[string]any{
			"filled_qty":      totalFilled,
			"avg_entry_price": avgEntry,
			"state":           store.PositionPartial,
		})
	}
}

// expireIfStale cancels a never-filled entry pair after the first-fill
// window and expires the signal.
func (e *Engine) expireIfStale(ctx context.Context, pos *store.Position, corr telemetry.Correlation) {
	if time.Since(pos.CreatedAt) < e.cfg.FirstFillTimeout {
		return
	}
	for _, id := range pos.EntryOrderIDs {
		_ = e.gw.CancelOrder(ctx, pos.Symbol, id)
	}
	e.sink.Emit("ENTRY_EXPIRED", "WARNING", "ENTRY", "no fill within window, orders cancelled", corr, map[string]any{
		"age": time.Since(pos.CreatedAt).String(),
	})
	_ = e.store.UpdatePositionFields(pos.PositionID, map[string]any{
		"state":   store.PositionCancelled,
		"outcome": "expired",
	})
	_ = e.store.SetSignalStatus(pos.SignalID, store.SignalExpired, "no fill within first-fill window")
	e.notifier.SendAlert(fmt.Sprintf("Entry for %s %s expired unfilled (signal %d)", pos.Symbol, pos.Side, pos.SignalID))
	log.Warn().Str("position_id", pos.PositionID).Msg("⏰ Entry expired unfilled")
}

// openSide maps the trade direction to the order side that opens it.
func openSide(positionSide string) string {
	if positionSide == "SHORT" {
		return exchange.SideSell
	}
	return exchange.SideBuy
}

// closeSide maps the trade direction to the order side that reduces it.
func closeSide(positionSide string) string {
	if positionSide == "SHORT" {
		return exchange.SideBuy
	}
	return exchange.SideSell
}
