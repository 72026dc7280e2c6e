package lifecycle

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/sigpilot/internal/exchange"
	"github.com/web3guy0/sigpilot/internal/publish"
	"github.com/web3guy0/sigpilot/internal/store"
	"github.com/web3guy0/sigpilot/internal/telemetry"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeGateway struct {
	mu        sync.Mutex
	info      exchange.SymbolInfo
	mark      decimal.Decimal
	orders    map[string]exchange.OrderState
	positions []exchange.PositionState
	placed    []exchange.OrderRequest
	cancelled []string
	placeErr  error
	seq       int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		info: exchange.SymbolInfo{
			Symbol:   "GUNUSDT",
			TickSize: d("0.01"),
			QtyStep:  d("1"),
			MinQty:   d("1"),
		},
		mark:   d("100"),
		orders: map[string]exchange.OrderState{},
	}
}

func (f *fakeGateway) GetBalance(context.Context) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (f *fakeGateway) GetSymbolInfo(context.Context, string) (exchange.SymbolInfo, error) {
	return f.info, nil
}

func (f *fakeGateway) GetMarkPrice(context.Context, string) (decimal.Decimal, error) {
	return f.mark, nil
}

func (f *fakeGateway) PlaceOrder(_ context.Context, req exchange.OrderRequest) (exchange.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return exchange.OrderAck{}, f.placeErr
	}
	f.seq++
	id := fmt.Sprintf("ex-%d", f.seq)
	f.placed = append(f.placed, req)
	f.orders[id] = exchange.OrderState{OrderID: id, Status: exchange.StatusNew}
	return exchange.OrderAck{OrderID: id, ClientID: req.ClientID}, nil
}

func (f *fakeGateway) CancelOrder(_ context.Context, _ string, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	if st, ok := f.orders[orderID]; ok {
		st.Status = exchange.StatusCancelled
		f.orders[orderID] = st
	}
	return nil
}

func (f *fakeGateway) GetOrder(_ context.Context, _ string, orderID string) (exchange.OrderState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.orders[orderID]; ok {
		return st, nil
	}
	return exchange.OrderState{}, fmt.Errorf("unknown order %s", orderID)
}

func (f *fakeGateway) GetPositions(context.Context, string) ([]exchange.PositionState, error) {
	return f.positions, nil
}

func (f *fakeGateway) SetLeverage(context.Context, string, string, decimal.Decimal) error {
	return nil
}

func (f *fakeGateway) setFill(orderID string, qty, price decimal.Decimal, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders[orderID] = exchange.OrderState{
		OrderID: orderID, Status: status, ExecutedQty: qty, AvgFillPrice: price,
	}
}

type fakeNotifier struct {
	mu            sync.Mutex
	alerts        []string
	texts         []string
	confirmations []publish.OrderConfirmation
}

func (n *fakeNotifier) SendConfirmation(oc publish.OrderConfirmation) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.confirmations = append(n.confirmations, oc)
}

func (n *fakeNotifier) SendAlert(text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, text)
}

func (n *fakeNotifier) SendText(text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.texts = append(n.texts, text)
}

func testManager(t *testing.T) (*Manager, *store.Store, *fakeGateway, *fakeNotifier) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	gw := newFakeGateway()
	notifier := &fakeNotifier{}
	sink := telemetry.NewSink(filepath.Join(t.TempDir(), "t.jsonl"), "test", "test")

	m := New(Config{
		PollInterval:     time.Second,
		BreakEvenEpsilon: d("0.000015"),
		TrailActivatePct: d("6.1"),
		TrailDistancePct: d("2.5"),
		TrailMinInterval: 10 * time.Second,
	}, st, gw, sink, notifier)
	return m, st, gw, notifier
}

func openPosition(t *testing.T, st *store.Store, targets ...string) *store.Position {
	t.Helper()
	tps := make(store.PriceList, 0, len(targets))
	for _, s := range targets {
		tps = append(tps, d(s))
	}
	pos := &store.Position{
		PositionID:         "pos-1",
		SignalID:           1,
		BotOrderID:         "bot-1",
		Symbol:             "GUNUSDT",
		Side:               "LONG",
		State:              store.PositionOpen,
		PlannedQty:         d("12"),
		FilledQty:          d("12"),
		AvgEntryPrice:      d("100"),
		OriginalEntryPrice: d("100"),
		SLPrice:            d("95"),
		TPPrices:           tps,
		HedgeState:         store.HedgeNone,
		CreatedAt:          time.Now(),
	}
	if _, err := st.CreatePositionIfAbsent(pos); err != nil {
		t.Fatal(err)
	}
	return pos
}

func TestAttachProtections(t *testing.T) {
	m, st, gw, notifier := testManager(t)
	openPosition(t, st, "105", "110", "115")

	m.tick(context.Background())

	if len(gw.placed) != 4 {
		t.Fatalf("placed %d orders, want 3 TPs + 1 SL", len(gw.placed))
	}
	qtySum := decimal.Zero
	for i := 0; i < 3; i++ {
		tp := gw.placed[i]
		if !tp.ReduceOnly || tp.Type != "LIMIT" || tp.Side != exchange.SideSell {
			t.Errorf("tp order %d malformed: %+v", i, tp)
		}
		qtySum = qtySum.Add(tp.Qty)
	}
	if !qtySum.Equal(d("12")) {
		t.Errorf("ladder qty sum = %s, want full 12", qtySum)
	}
	sl := gw.placed[3]
	if sl.Type != "TRIGGER_MARKET" || !sl.ReduceOnly || !sl.StopPrice.Equal(d("95")) {
		t.Errorf("stop malformed: %+v", sl)
	}

	pos, _ := st.GetPosition("pos-1")
	if len(pos.TPOrderIDs) != 3 || pos.SLOrderID == "" {
		t.Errorf("protection ids not recorded: tps=%v sl=%q", pos.TPOrderIDs, pos.SLOrderID)
	}
	if pos.State != store.PositionOpen {
		t.Errorf("state = %s", pos.State)
	}

	// The updated confirmation reports the bracket and the open position.
	if len(notifier.confirmations) != 1 {
		t.Fatalf("confirmations = %d, want 1", len(notifier.confirmations))
	}
	oc := notifier.confirmations[0]
	if !oc.OrderAccepted || !oc.TPSLSet || !oc.PositionOpened {
		t.Errorf("ack flags wrong after attach: %+v", oc)
	}
	if len(oc.ExchangeOrderIDs) != 4 {
		t.Errorf("confirmation order ids = %v", oc.ExchangeOrderIDs)
	}

	// Second tick must not place anything new.
	m.tick(context.Background())
	if len(gw.placed) != 4 {
		t.Error("protections re-attached on replay")
	}
	if len(notifier.confirmations) != 1 {
		t.Error("confirmation re-sent on replay")
	}
}

func TestAttachFailureFlagsPosition(t *testing.T) {
	m, st, gw, notifier := testManager(t)
	openPosition(t, st, "105", "110")
	gw.placeErr = fmt.Errorf("margin check failed")

	m.tick(context.Background())

	pos, _ := st.GetPosition("pos-1")
	if pos.State != store.PositionNeedsManual {
		t.Errorf("state = %s, want NEEDS_MANUAL_PROTECTION", pos.State)
	}
	if len(notifier.alerts) == 0 {
		t.Error("no operator alert for unprotected position")
	}
}

func TestBreakEvenAfterSecondTP(t *testing.T) {
	m, st, gw, _ := testManager(t)
	openPosition(t, st, "105", "110", "115")
	m.tick(context.Background()) // attach

	pos, _ := st.GetPosition("pos-1")
	oldSL := pos.SLOrderID

	// First two ladder levels fill.
	gw.setFill(pos.TPOrderIDs[0], d("4"), d("105"), exchange.StatusFilled)
	gw.setFill(pos.TPOrderIDs[1], d("4"), d("110"), exchange.StatusFilled)

	m.tick(context.Background())

	pos, _ = st.GetPosition("pos-1")
	if pos.TPFilled != 2 {
		t.Errorf("tp_filled = %d, want 2", pos.TPFilled)
	}
	if pos.SLOrderID == oldSL {
		t.Fatal("stop not replaced after second take-profit")
	}
	// 100 * (1 + 0.000015) = 100.0015, quantized to 0.01 ticks
	if !pos.SLPrice.Equal(d("100")) {
		t.Errorf("break-even stop = %s, want 100", pos.SLPrice)
	}
	found := false
	for _, c := range gw.cancelled {
		if c == oldSL {
			found = true
		}
	}
	if !found {
		t.Error("old stop never cancelled")
	}
	// Replacement stop covers only the remaining 4.
	last := gw.placed[len(gw.placed)-1]
	if !last.Qty.Equal(d("4")) {
		t.Errorf("new stop qty = %s, want 4", last.Qty)
	}
}

func TestStopFillClosesPosition(t *testing.T) {
	m, st, gw, notifier := testManager(t)
	openPosition(t, st, "105", "110")
	m.tick(context.Background()) // attach

	pos, _ := st.GetPosition("pos-1")
	gw.setFill(pos.SLOrderID, d("12"), d("95"), exchange.StatusFilled)

	m.tick(context.Background())

	pos, _ = st.GetPosition("pos-1")
	if pos.State != store.PositionClosed || pos.Outcome != "stop_hit" {
		t.Errorf("state/outcome = %s/%s", pos.State, pos.Outcome)
	}
	// Remaining ladder cancelled.
	if len(gw.cancelled) < 2 {
		t.Errorf("ladder not cancelled: %v", gw.cancelled)
	}
	if len(notifier.alerts) == 0 {
		t.Error("no stop-hit alert")
	}
}

func TestTrailingArmsAndAmends(t *testing.T) {
	m, st, gw, _ := testManager(t)
	openPosition(t, st, "120", "130")
	m.tick(context.Background()) // attach

	base := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	// +7% profit arms the trail; stop follows 2.5% behind the peak.
	gw.mark = d("107")
	m.tick(context.Background())

	pos, _ := st.GetPosition("pos-1")
	if !pos.TrailActive {
		t.Fatal("trail not armed at 7% profit")
	}
	// 107 * 0.975 = 104.325 -> 104.33 on 0.01 ticks (half-up)
	if !pos.SLPrice.Equal(d("104.33")) {
		t.Errorf("trailing stop = %s, want 104.33", pos.SLPrice)
	}

	// A better peak inside the amendment window must wait.
	gw.mark = d("110")
	m.now = func() time.Time { return base.Add(3 * time.Second) }
	m.tick(context.Background())

	pos, _ = st.GetPosition("pos-1")
	if !pos.SLPrice.Equal(d("104.33")) {
		t.Errorf("stop amended inside the minimum interval: %s", pos.SLPrice)
	}
	if !pos.TrailPeak.Equal(d("110")) {
		t.Errorf("peak not tracked: %s", pos.TrailPeak)
	}

	// Past the window the stop catches up to the stored peak.
	m.now = func() time.Time { return base.Add(15 * time.Second) }
	m.tick(context.Background())

	pos, _ = st.GetPosition("pos-1")
	// 110 * 0.975 = 107.25
	if !pos.SLPrice.Equal(d("107.25")) {
		t.Errorf("stop = %s, want 107.25", pos.SLPrice)
	}

	// A lower mark never loosens the stop.
	gw.mark = d("106")
	m.now = func() time.Time { return base.Add(30 * time.Second) }
	m.tick(context.Background())

	pos, _ = st.GetPosition("pos-1")
	if !pos.SLPrice.Equal(d("107.25")) {
		t.Errorf("stop loosened to %s", pos.SLPrice)
	}
}

func TestLadderCompletionClosesOut(t *testing.T) {
	m, st, gw, _ := testManager(t)
	openPosition(t, st, "105", "110")
	m.tick(context.Background()) // attach

	pos, _ := st.GetPosition("pos-1")
	gw.setFill(pos.TPOrderIDs[0], d("6"), d("105"), exchange.StatusFilled)
	gw.setFill(pos.TPOrderIDs[1], d("6"), d("110"), exchange.StatusFilled)
	// Exchange still shows a dust remainder at first.
	gw.positions = []exchange.PositionState{{Symbol: "GUNUSDT", Side: "LONG", Qty: d("1")}}

	m.tick(context.Background())

	pos, _ = st.GetPosition("pos-1")
	if pos.State != store.PositionClosing {
		t.Fatalf("state = %s, want CLOSING", pos.State)
	}

	m.tick(context.Background())
	pos, _ = st.GetPosition("pos-1")
	if pos.State != store.PositionClosing {
		t.Error("closed before the exchange reported flat")
	}

	gw.positions = nil
	m.tick(context.Background())

	pos, _ = st.GetPosition("pos-1")
	if pos.State != store.PositionClosed || pos.Outcome != "targets_done" {
		t.Errorf("state/outcome = %s/%s, want CLOSED/targets_done", pos.State, pos.Outcome)
	}
}
