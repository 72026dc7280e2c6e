package pyramid

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/sigpilot/internal/exchange"
	"github.com/web3guy0/sigpilot/internal/store"
	"github.com/web3guy0/sigpilot/internal/telemetry"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PYRAMID MANAGER - profit-gated position adds
// ═══════════════════════════════════════════════════════════════════════════════
//
// Watches open positions and adds size at fixed profit milestones. Each
// scale fires once per position, in order, and total exposure never
// exceeds the planned quantity times the configured multiplier. An add is
// recorded only after the exchange accepted it, so a failed add simply
// retries on a later pass.
//
// ═══════════════════════════════════════════════════════════════════════════════

var oneHundred = decimal.NewFromInt(100)

// Scale is one profit milestone and the fraction of planned size it adds.
type Scale struct {
	ID          int
	ProfitPct   decimal.Decimal
	AddFraction decimal.Decimal
}

// DefaultScales: +50% at 3% profit, then +25% at 6%.
func DefaultScales() []Scale {
	return []Scale{
		{ID: 1, ProfitPct: decimal.RequireFromString("3"), AddFraction: decimal.RequireFromString("0.50")},
		{ID: 2, ProfitPct: decimal.RequireFromString("6"), AddFraction: decimal.RequireFromString("0.25")},
	}
}

// Config carries the pyramid tunables.
type Config struct {
	PollInterval  time.Duration
	Scales        []Scale
	MaxMultiplier decimal.Decimal // cap on filled qty relative to planned
}

type Manager struct {
	cfg   Config
	store *store.Store
	gw    exchange.Gateway
	sink  *telemetry.Sink

	wg   sync.WaitGroup
	stop chan struct{}
}

func New(cfg Config, st *store.Store, gw exchange.Gateway, sink *telemetry.Sink) *Manager {
	if len(cfg.Scales) == 0 {
		cfg.Scales = DefaultScales()
	}
	return &Manager{cfg: cfg, store: st, gw: gw, sink: sink, stop: make(chan struct{})}
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
	log.Info().Int("scales", len(m.cfg.Scales)).Msg("🔺 Pyramid manager started")
}

func (m *Manager) Stop() {
	close(m.stop)
	m.wg.Wait()
}

func (m *Manager) tick(ctx context.Context) {
	positions, err := m.store.ListPositionsByState(store.PositionOpen)
	if err != nil {
		log.Error().Err(err).Msg("❌ Pyramid position list failed")
		return
	}
	for i := range positions {
		m.evaluate(ctx, &positions[i])
	}
}

// evaluate fires at most one pending scale for the position.
func (m *Manager) evaluate(ctx context.Context, pos *store.Position) {
	if pos.OriginalEntryPrice.IsZero() || pos.HedgeState == store.HedgeOpen {
		return
	}

	mark, err := m.gw.GetMarkPrice(ctx, pos.Symbol)
	if err != nil {
		return
	}
	profitPct := mark.Sub(pos.OriginalEntryPrice).Div(pos.OriginalEntryPrice).Mul(oneHundred)
	if pos.Side == "SHORT" {
		profitPct = profitPct.Neg()
	}

	scale, ok := m.nextScale(pos, profitPct)
	if !ok {
		return
	}

	addQty, err := m.addQuantity(ctx, pos, scale)
	if err != nil || addQty.IsZero() {
		return
	}

	ack, err := m.gw.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:       pos.Symbol,
		Side:         openSide(pos.Side),
		PositionSide: pos.Side,
		Type:         "MARKET",
		Qty:          addQty,
		ClientID:     fmt.Sprintf("%s-pyr%d", pos.BotOrderID, scale.ID),
	})
	if err != nil {
		// Unrecorded: the scale stays pending and retries next pass.
		log.Warn().Err(err).Str("position_id", pos.PositionID).Int("scale", scale.ID).Msg("⚠️ Pyramid add failed")
		return
	}

	executed := append(store.ScaleExecList{}, pos.ExecutedScales...)
	executed = append(executed, store.ScaleExec{Scale: scale.ID, At: time.Now(), AddedQty: addQty})
	newFilled := pos.FilledQty.Add(addQty)

	_ = m.store.UpsertTrackedOrder(&store.TrackedOrder{
		OrderID:    ack.OrderID,
		SignalID:   pos.SignalID,
		PositionID: pos.PositionID,
		Symbol:     pos.Symbol,
		Purpose:    store.OrderPurposePyramid,
		Qty:        addQty,
		LastStatus: exchange.StatusNew,
	})
	_ = m.store.UpdatePositionFields(pos.PositionID, map[string]any{
		"executed_scales": executed,
		"filled_qty":      newFilled,
	})

	corr := telemetry.Correlation{SignalID: pos.SignalID, BotOrderID: pos.BotOrderID, PositionID: pos.PositionID, ExchangeOrderID: ack.OrderID}
	m.sink.Emit("PYRAMID_ADD", "INFO", "PYRAMID", fmt.Sprintf("scale %d executed", scale.ID), corr, map[string]any{
		"scale":      scale.ID,
		"profit_pct": profitPct.StringFixed(2),
		"added_qty":  addQty.String(),
		"filled_qty": newFilled.String(),
	})
	log.Info().
		Str("position_id", pos.PositionID).
		Int("scale", scale.ID).
		Str("added", addQty.String()).
		Msg("🔺 Pyramid add executed")
}

// nextScale picks the lowest unexecuted scale whose milestone is reached.
// Scales fire strictly in order: scale 2 waits for scale 1.
func (m *Manager) nextScale(pos *store.Position, profitPct decimal.Decimal) (Scale, bool) {
	for _, sc := range m.cfg.Scales {
		if pos.ExecutedScales.Has(sc.ID) {
			continue
		}
		if profitPct.LessThan(sc.ProfitPct) {
			return Scale{}, false
		}
		return sc, true
	}
	return Scale{}, false
}

// addQuantity sizes the add, clamped so total filled stays under the cap.
func (m *Manager) addQuantity(ctx context.Context, pos *store.Position, sc Scale) (decimal.Decimal, error) {
	info, err := m.gw.GetSymbolInfo(ctx, pos.Symbol)
	if err != nil {
		return decimal.Zero, err
	}

	addQty := pos.PlannedQty.Mul(sc.AddFraction)
	ceiling := pos.PlannedQty.Mul(m.cfg.MaxMultiplier)
	if room := ceiling.Sub(pos.FilledQty); addQty.GreaterThan(room) {
		addQty = room
	}

	addQty = exchange.QuantizeQty(addQty, info.QtyStep)
	if addQty.LessThan(info.MinQty) {
		return decimal.Zero, nil
	}
	return addQty, nil
}

func openSide(positionSide string) string {
	if positionSide == "SHORT" {
		return exchange.SideSell
	}
	return exchange.SideBuy
}
