package entry

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

// fakeGateway scripts exchange truth for engine tests.
type fakeGateway struct {
	mu        sync.Mutex
	balance   decimal.Decimal
	info      exchange.SymbolInfo
	mark      decimal.Decimal
	orders    map[string]exchange.OrderState
	placed    []exchange.OrderRequest
	cancelled []string
	seq       int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		balance: decimal.RequireFromString("402.10"),
		info:    gunInfo(),
		mark:    decimal.RequireFromString("0.02360"),
		orders:  map[string]exchange.OrderState{},
	}
}

func (f *fakeGateway) GetBalance(context.Context) (decimal.Decimal, error) { return f.balance, nil }

func (f *fakeGateway) GetSymbolInfo(context.Context, string) (exchange.SymbolInfo, error) {
	return f.info, nil
}

func (f *fakeGateway) GetMarkPrice(context.Context, string) (decimal.Decimal, error) {
	return f.mark, nil
}

func (f *fakeGateway) PlaceOrder(_ context.Context, req exchange.OrderRequest) (exchange.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
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
	return nil, nil
}

func (f *fakeGateway) SetLeverage(context.Context, string, string, decimal.Decimal) error {
	return nil
}

// setFill scripts a fill on one order.
func (f *fakeGateway) setFill(orderID string, qty, price decimal.Decimal, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders[orderID] = exchange.OrderState{
		OrderID:      orderID,
		Status:       status,
		ExecutedQty:  qty,
		AvgFillPrice: price,
	}
}

type fakeNotifier struct {
	mu            sync.Mutex
	confirmations []publish.OrderConfirmation
	alerts        []string
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

func (n *fakeNotifier) SendText(string) {}

func testEngine(t *testing.T) (*Engine, *store.Store, *fakeGateway, *fakeNotifier) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	gw := newFakeGateway()
	notifier := &fakeNotifier{}
	sink := telemetry.NewSink(filepath.Join(t.TempDir(), "t.jsonl"), "test", "test")

	eng := New(Config{
		BalanceBaseline:  decimal.RequireFromString("402.10"),
		RiskPerTrade:     decimal.RequireFromString("0.02"),
		InitialMargin:    decimal.RequireFromString("20.00"),
		MinLeverage:      decimal.RequireFromString("6.00"),
		MaxLeverage:      decimal.RequireFromString("50.00"),
		SpreadPct:        decimal.RequireFromString("0.001"),
		Workers:          1,
		PollInterval:     time.Second,
		FirstFillTimeout: 24 * time.Hour,
		ClaimLockTTL:     10 * time.Minute,
		MaxMakerShifts:   50,
	}, st, gw, sink, notifier)
	return eng, st, gw, notifier
}

func gunSignal() *store.Signal {
	return &store.Signal{
		SourceChannel:   -100,
		SourceMessageID: 1,
		ReceivedAt:      time.Now(),
		Symbol:          "GUNUSDT",
		Side:            "LONG",
		EntryMid:        decimal.RequireFromString("0.02335"),
		Targets: store.PriceList{
			decimal.RequireFromString("0.02375"),
			decimal.RequireFromString("0.02400"),
		},
		StopLoss: decimal.NullDecimal{Decimal: decimal.RequireFromString("0.02234"), Valid: true},
	}
}

func TestProcessSignalPlacesDualLimit(t *testing.T) {
	eng, st, gw, notifier := testEngine(t)

	if _, err := st.InsertSignal(gunSignal()); err != nil {
		t.Fatal(err)
	}
	sig, err := st.ClaimNext("test-worker", 10*time.Minute)
	if err != nil || sig == nil {
		t.Fatalf("claim: %v", err)
	}

	eng.processSignal(context.Background(), sig)

	if len(gw.placed) != 2 {
		t.Fatalf("placed %d orders, want 2", len(gw.placed))
	}
	o1, o2 := gw.placed[0], gw.placed[1]
	if !o1.PostOnly || !o2.PostOnly {
		t.Error("entry orders must be post-only")
	}
	if o1.Side != exchange.SideBuy || o1.PositionSide != "LONG" {
		t.Errorf("order side %s/%s", o1.Side, o1.PositionSide)
	}
	if !o1.Price.Equal(decimal.RequireFromString("0.02333")) ||
		!o2.Price.Equal(decimal.RequireFromString("0.02337")) {
		t.Errorf("prices %s / %s", o1.Price, o2.Price)
	}
	if !o1.Qty.Add(o2.Qty).Equal(decimal.RequireFromString("7965")) {
		t.Errorf("total qty %s, want 7965", o1.Qty.Add(o2.Qty))
	}

	pos, err := st.GetPositionBySignal(sig.ID)
	if err != nil || pos == nil {
		t.Fatalf("position missing: %v", err)
	}
	if pos.State != store.PositionPendingEntry {
		t.Errorf("state = %s", pos.State)
	}
	if pos.SignalType != TypeDynamic || !pos.Leverage.Equal(decimal.RequireFromString("9.30")) {
		t.Errorf("classification %s x%s", pos.SignalType, pos.Leverage)
	}
	if len(pos.EntryOrderIDs) != 2 {
		t.Errorf("entry order ids = %v", pos.EntryOrderIDs)
	}

	got, _ := st.GetSignal(sig.ID)
	if got.Status != store.SignalDone {
		t.Errorf("signal status = %s", got.Status)
	}

	if len(notifier.confirmations) != 1 {
		t.Fatalf("confirmations = %d", len(notifier.confirmations))
	}
	oc := notifier.confirmations[0]
	if !oc.OrderAccepted || oc.TPSLSet || oc.PositionOpened {
		t.Errorf("ack flags wrong: %+v", oc)
	}
	if len(oc.TPs) != 2 {
		t.Errorf("tp lines = %d", len(oc.TPs))
	}
}

func TestProcessSignalRejectsBelowMinQty(t *testing.T) {
	eng, st, gw, notifier := testEngine(t)
	gw.info.MinQty = decimal.RequireFromString("100000")

	if _, err := st.InsertSignal(gunSignal()); err != nil {
		t.Fatal(err)
	}
	sig, _ := st.ClaimNext("test-worker", 10*time.Minute)

	eng.processSignal(context.Background(), sig)

	if len(gw.placed) != 0 {
		t.Error("orders placed for undersized signal")
	}
	got, _ := st.GetSignal(sig.ID)
	if got.Status != store.SignalRejected {
		t.Errorf("signal status = %s, want REJECTED", got.Status)
	}
	if len(notifier.alerts) == 0 {
		t.Error("rejection produced no operator alert")
	}
}

func TestProcessSignalHonorsReentryLock(t *testing.T) {
	eng, st, gw, _ := testEngine(t)

	if _, err := st.InsertSignal(gunSignal()); err != nil {
		t.Fatal(err)
	}
	sig, _ := st.ClaimNext("test-worker", 10*time.Minute)

	// Lock installed by a later signal id blocks this replay.
	if err := st.SetReentryLock("GUNUSDT", "LONG", sig.ID+10, "attempts exhausted"); err != nil {
		t.Fatal(err)
	}

	eng.processSignal(context.Background(), sig)

	if len(gw.placed) != 0 {
		t.Error("locked signal still placed orders")
	}
	got, _ := st.GetSignal(sig.ID)
	if got.Status != store.SignalRejected {
		t.Errorf("status = %s", got.Status)
	}
}

func TestProcessSignalFreshSignalClearsLock(t *testing.T) {
	eng, st, _, _ := testEngine(t)

	if _, err := st.InsertSignal(gunSignal()); err != nil {
		t.Fatal(err)
	}
	sig, _ := st.ClaimNext("test-worker", 10*time.Minute)

	// Lock from an older signal: this fresher one clears it and trades.
	if err := st.SetReentryLock("GUNUSDT", "LONG", sig.ID-1, "attempts exhausted"); err != nil {
		t.Fatal(err)
	}

	eng.processSignal(context.Background(), sig)

	lock, _ := st.GetReentryLock("GUNUSDT", "LONG")
	if lock != nil {
		t.Error("fresh signal did not clear the lock")
	}
	pos, _ := st.GetPositionBySignal(sig.ID)
	if pos == nil {
		t.Error("fresh signal did not trade")
	}
}

func TestCheckEntryFillsMergesOnFirstFill(t *testing.T) {
	eng, st, gw, _ := testEngine(t)
	info := gunInfo()
	info.TickSize = decimal.RequireFromString("0.01")
	gw.info = info

	// Position with two resting originals: 5 @ 99 and 5 @ 101, mid 100.
	pos := &store.Position{
		PositionID:    "pos-1",
		SignalID:      1,
		BotOrderID:    "bot-1",
		Symbol:        "GUNUSDT",
		Side:          "LONG",
		State:         store.PositionPendingEntry,
		PlannedQty:    decimal.RequireFromString("10"),
		EntryMid:      decimal.RequireFromString("100"),
		EntryOrderIDs: store.StringList{"o1", "o2"},
		CreatedAt:     time.Now(),
	}
	if _, err := st.CreatePositionIfAbsent(pos); err != nil {
		t.Fatal(err)
	}
	for _, o := range []struct {
		id    string
		price string
	}{{"o1", "99"}, {"o2", "101"}} {
		_ = st.UpsertTrackedOrder(&store.TrackedOrder{
			OrderID:    o.id,
			SignalID:   1,
			PositionID: "pos-1",
			Symbol:     "GUNUSDT",
			Purpose:    store.OrderPurposeEntry,
			Price:      decimal.RequireFromString(o.price),
			Qty:        decimal.RequireFromString("5"),
			LastStatus: exchange.StatusNew,
		})
		gw.orders[o.id] = exchange.OrderState{OrderID: o.id, Status: exchange.StatusNew}
	}

	// First fill: o1 takes 4 at 99.50.
	gw.setFill("o1", decimal.RequireFromString("4"), decimal.RequireFromString("99.50"), exchange.StatusPartiallyFilled)

	eng.checkEntryFills(context.Background(), pos)

	if len(gw.cancelled) != 2 {
		t.Fatalf("cancelled %v, want both originals", gw.cancelled)
	}
	if len(gw.placed) != 1 {
		t.Fatalf("placed %d replacement orders, want 1", len(gw.placed))
	}
	repl := gw.placed[0]
	if !repl.Price.Equal(decimal.RequireFromString("100.33")) {
		t.Errorf("replacement price = %s, want 100.33", repl.Price)
	}
	if !repl.Qty.Equal(decimal.RequireFromString("6")) {
		t.Errorf("replacement qty = %s, want 6", repl.Qty)
	}
	if !repl.PostOnly {
		t.Error("replacement must be post-only")
	}

	updated, _ := st.GetPosition("pos-1")
	if updated.State != store.PositionPartial {
		t.Errorf("state = %s, want PARTIAL", updated.State)
	}
	if updated.ReplacementOrderID == "" {
		t.Error("replacement order id not recorded")
	}
	if !updated.OriginalEntryPrice.Equal(decimal.RequireFromString("99.50")) {
		t.Errorf("original entry price = %s, want 99.50", updated.OriginalEntryPrice)
	}

	// Replaying the same exchange state must not place or cancel again.
	refreshed, _ := st.GetPosition("pos-1")
	eng.checkEntryFills(context.Background(), refreshed)
	if len(gw.placed) != 1 || len(gw.cancelled) != 2 {
		t.Error("idempotence broken: replay produced new exchange actions")
	}

	// Replacement fills completely: position opens at the blended price.
	gw.setFill(updated.ReplacementOrderID, decimal.RequireFromString("6"), decimal.RequireFromString("100.33"), exchange.StatusFilled)
	refreshed, _ = st.GetPosition("pos-1")
	eng.checkEntryFills(context.Background(), refreshed)

	final, _ := st.GetPosition("pos-1")
	if final.State != store.PositionOpen {
		t.Errorf("state = %s, want OPEN", final.State)
	}
	if !final.FilledQty.Equal(decimal.RequireFromString("10")) {
		t.Errorf("filled qty = %s", final.FilledQty)
	}
	if !final.OriginalEntryPrice.Equal(decimal.RequireFromString("99.50")) {
		t.Error("original entry price mutated after later fills")
	}
}

func TestFullFillCancelsRestingSliver(t *testing.T) {
	eng, st, gw, _ := testEngine(t)
	info := gunInfo()
	info.TickSize = decimal.RequireFromString("0.01")
	info.QtyStep = decimal.RequireFromString("0.01")
	info.MinQty = decimal.RequireFromString("0.05")
	gw.info = info

	pos := &store.Position{
		PositionID:    "pos-1",
		SignalID:      1,
		BotOrderID:    "bot-1",
		Symbol:        "GUNUSDT",
		Side:          "LONG",
		State:         store.PositionPendingEntry,
		PlannedQty:    decimal.RequireFromString("10"),
		EntryMid:      decimal.RequireFromString("100"),
		EntryOrderIDs: store.StringList{"o1", "o2"},
		CreatedAt:     time.Now(),
	}
	if _, err := st.CreatePositionIfAbsent(pos); err != nil {
		t.Fatal(err)
	}
	for _, o := range []struct {
		id    string
		price string
	}{{"o1", "99"}, {"o2", "101"}} {
		_ = st.UpsertTrackedOrder(&store.TrackedOrder{
			OrderID:    o.id,
			SignalID:   1,
			PositionID: "pos-1",
			Symbol:     "GUNUSDT",
			Purpose:    store.OrderPurposeEntry,
			Price:      decimal.RequireFromString(o.price),
			Qty:        decimal.RequireFromString("5"),
			LastStatus: exchange.StatusNew,
		})
		gw.orders[o.id] = exchange.OrderState{OrderID: o.id, Status: exchange.StatusNew}
	}

	// One original fills whole, the other all but a sub-minimum sliver
	// and keeps resting.
	gw.setFill("o1", decimal.RequireFromString("5"), decimal.RequireFromString("99"), exchange.StatusFilled)
	gw.setFill("o2", decimal.RequireFromString("4.98"), decimal.RequireFromString("101"), exchange.StatusPartiallyFilled)

	eng.checkEntryFills(context.Background(), pos)

	final, _ := st.GetPosition("pos-1")
	if final.State != store.PositionOpen {
		t.Fatalf("state = %s, want OPEN", final.State)
	}
	if !final.FilledQty.Equal(decimal.RequireFromString("9.98")) {
		t.Errorf("filled qty = %s, want 9.98", final.FilledQty)
	}

	// The sliver order must not survive on the book.
	found := false
	for _, c := range gw.cancelled {
		if c == "o2" {
			found = true
		}
	}
	if !found {
		t.Errorf("resting sliver not cancelled: %v", gw.cancelled)
	}
	if len(gw.placed) != 0 {
		t.Errorf("sub-minimum remainder still produced orders: %d", len(gw.placed))
	}
}
