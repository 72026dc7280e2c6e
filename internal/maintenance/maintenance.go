package maintenance

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
// MAINTENANCE - timed reapers and exchange reconciliation
// ═══════════════════════════════════════════════════════════════════════════════
//
// Hourly pass over everything the faster loops can miss across crashes:
// entry pairs that never filled inside their window, tracked orders past
// the hard age limit, local positions the exchange no longer knows, and
// open positions whose stop order silently disappeared.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Config carries the maintenance tunables.
type Config struct {
	Interval      time.Duration // reconcile cadence
	EntryOrderTTL time.Duration // unfilled entry pair age limit
	OrderReapTTL  time.Duration // hard ceiling for any tracked order
}

type Maintenance struct {
	cfg      Config
	store    *store.Store
	gw       exchange.Gateway
	sink     *telemetry.Sink
	notifier publish.Notifier

	now  func() time.Time
	wg   sync.WaitGroup
	stop chan struct{}
}

func New(cfg Config, st *store.Store, gw exchange.Gateway, sink *telemetry.Sink, notifier publish.Notifier) *Maintenance {
	return &Maintenance{
		cfg:      cfg,
		store:    st,
		gw:       gw,
		sink:     sink,
		notifier: notifier,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

func (m *Maintenance) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.RunOnce(ctx)
			}
		}
	}()
	log.Info().Dur("interval", m.cfg.Interval).Msg("🧹 Maintenance started")
}

func (m *Maintenance) Stop() {
	close(m.stop)
	m.wg.Wait()
}

// RunOnce executes one full maintenance pass.
func (m *Maintenance) RunOnce(ctx context.Context) {
	m.reapUnfilledEntries(ctx)
	m.reapAgedOrders(ctx)
	m.reconcile(ctx)
}

// reapUnfilledEntries cancels entry pairs that outlived the first-fill
// window, typically left behind by a crash between polls.
func (m *Maintenance) reapUnfilledEntries(ctx context.Context) {
	positions, err := m.store.ListPositionsByState(store.PositionPendingEntry)
	if err != nil {
		return
	}
	for i := range positions {
		pos := &positions[i]
		if m.now().Sub(pos.CreatedAt) < m.cfg.EntryOrderTTL || pos.FilledQty.GreaterThan(decimal.Zero) {
			continue
		}
		for _, id := range pos.EntryOrderIDs {
			_ = m.gw.CancelOrder(ctx, pos.Symbol, id)
		}
		corr := telemetry.Correlation{SignalID: pos.SignalID, BotOrderID: pos.BotOrderID, PositionID: pos.PositionID}
		m.sink.Emit("MAINT_ENTRY_REAPED", "WARNING", "MAINTENANCE", "unfilled entry pair reaped", corr, map[string]any{
			"age": m.now().Sub(pos.CreatedAt).String(),
		})
		_ = m.store.UpdatePositionFields(pos.PositionID, map[string]any{
			"state":   store.PositionCancelled,
			"outcome": "expired",
		})
		_ = m.store.SetSignalStatus(pos.SignalID, store.SignalExpired, "entry pair reaped by maintenance")
		_ = m.store.DeleteTrackedOrders(pos.PositionID)
		log.Warn().Str("position_id", pos.PositionID).Msg("🧹 Unfilled entry pair reaped")
	}
}

// reapAgedOrders force-cancels any tracked order past the hard ceiling.
func (m *Maintenance) reapAgedOrders(ctx context.Context) {
	cutoff := m.now().Add(-m.cfg.OrderReapTTL)
	orders, err := m.store.ListTrackedOrdersOlderThan(cutoff)
	if err != nil {
		return
	}
	for _, o := range orders {
		if o.LastStatus == exchange.StatusFilled || o.LastStatus == exchange.StatusCancelled {
			_ = m.store.DeleteTrackedOrder(o.OrderID)
			continue
		}
		if err := m.gw.CancelOrder(ctx, o.Symbol, o.OrderID); err != nil {
			log.Warn().Err(err).Str("order_id", o.OrderID).Msg("⚠️ Aged order cancel failed")
			continue
		}
		_ = m.store.DeleteTrackedOrder(o.OrderID)
		m.sink.Emit("MAINT_ORDER_REAPED", "WARNING", "MAINTENANCE", "aged order cancelled", telemetry.Correlation{
			SignalID:        o.SignalID,
			PositionID:      o.PositionID,
			ExchangeOrderID: o.OrderID,
		}, map[string]any{
			"purpose": o.Purpose,
		})
		log.Warn().Str("order_id", o.OrderID).Str("purpose", o.Purpose).Msg("🧹 Aged order reaped")
	}
}

// reconcile compares local open positions against exchange truth and
// corrects both kinds of orphan.
func (m *Maintenance) reconcile(ctx context.Context) {
	positions, err := m.store.ListPositionsByState(store.PositionOpen)
	if err != nil {
		return
	}
	for i := range positions {
		pos := &positions[i]
		corr := telemetry.Correlation{SignalID: pos.SignalID, BotOrderID: pos.BotOrderID, PositionID: pos.PositionID}

		states, err := m.gw.GetPositions(ctx, pos.Symbol)
		if err != nil {
			continue
		}
		live := false
		for _, st := range states {
			if st.Side == pos.Side && st.Qty.GreaterThan(decimal.Zero) {
				live = true
				break
			}
		}

		// Local orphan: the exchange no longer carries the exposure.
		if !live {
			m.sink.Emit("MAINT_ORPHAN_CLOSED", "WARNING", "MAINTENANCE", "exchange reports no exposure, closing locally", corr, nil)
			for _, id := range append(pos.TPOrderIDs, pos.SLOrderID) {
				if id != "" {
					_ = m.gw.CancelOrder(ctx, pos.Symbol, id)
				}
			}
			_ = m.store.UpdatePositionFields(pos.PositionID, map[string]any{
				"state":   store.PositionClosed,
				"outcome": "reconciled",
			})
			_ = m.store.DeleteTrackedOrders(pos.PositionID)
			m.notifier.SendAlert(fmt.Sprintf("Reconcile closed local orphan %s (%s %s): no exchange exposure",
				pos.PositionID, pos.Symbol, pos.Side))
			log.Warn().Str("position_id", pos.PositionID).Msg("🧹 Local orphan closed")
			continue
		}

		m.checkStopPresent(ctx, pos, corr)
	}
}

// checkStopPresent verifies the protective stop still rests on the
// exchange; a vanished stop is handed back to the lifecycle poller for
// re-attachment.
func (m *Maintenance) checkStopPresent(ctx context.Context, pos *store.Position, corr telemetry.Correlation) {
	if pos.SLOrderID == "" {
		return
	}
	st, err := m.gw.GetOrder(ctx, pos.Symbol, pos.SLOrderID)
	if err == nil && (st.Status == exchange.StatusNew || st.Status == exchange.StatusPartiallyFilled) {
		return
	}
	if err == nil && st.Status == exchange.StatusFilled {
		// The lifecycle poller owns the stop-hit transition.
		return
	}

	m.sink.Emit("MAINT_STOP_MISSING", "ERROR", "MAINTENANCE", "protective stop missing from exchange", corr, map[string]any{
		"sl_order_id": pos.SLOrderID,
	})
	_ = m.store.DeleteTrackedOrder(pos.SLOrderID)
	_ = m.store.UpdatePositionFields(pos.PositionID, map[string]any{"sl_order_id": ""})
	m.notifier.SendAlert(fmt.Sprintf("Protective stop missing on %s %s (position %s), re-attaching",
		pos.Symbol, pos.Side, pos.PositionID))
	log.Error().Str("position_id", pos.PositionID).Msg("🚨 Protective stop missing, queued for re-attachment")
}
