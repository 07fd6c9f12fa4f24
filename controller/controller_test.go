package controller

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/tradingctl/brokerr"
	"github.com/web3guy0/tradingctl/calendar"
	"github.com/web3guy0/tradingctl/sizing"
	"github.com/web3guy0/tradingctl/storage"
	"github.com/web3guy0/tradingctl/types"
)

// fakePort is a network-free stand-in for broker.Port.
type fakePort struct {
	quote    types.Quote
	quoteErr error

	account types.AccountSnapshot

	submitEntryErr      error
	submitProtectiveErr error
	cancelErr           error

	canceled []string
	nextID   int
}

func (f *fakePort) LastPrice(symbol string) (types.Quote, error) { return f.quote, f.quoteErr }
func (f *fakePort) AccountSnapshot() (types.AccountSnapshot, error) {
	return f.account, nil
}
func (f *fakePort) OpenOrders() ([]types.Order, error)                       { return nil, nil }
func (f *fakePort) ClosedOrders(time.Time) ([]types.Order, []types.Fill, error) { return nil, nil, nil }
func (f *fakePort) Positions() ([]types.Position, error)                    { return nil, nil }

func (f *fakePort) SubmitEntry(symbol string, asset types.AssetClass, qty decimal.Decimal, stopTrigger decimal.Decimal, limitOffsetPct *decimal.Decimal, tif string) (string, error) {
	if f.submitEntryErr != nil {
		return "", f.submitEntryErr
	}
	f.nextID++
	return fmt.Sprintf("entry-%d", f.nextID), nil
}

func (f *fakePort) SubmitProtective(symbol string, asset types.AssetClass, qty decimal.Decimal, trailPct *decimal.Decimal, fixedStopPrice *decimal.Decimal, tif string) (string, error) {
	if f.submitProtectiveErr != nil {
		return "", f.submitProtectiveErr
	}
	f.nextID++
	return fmt.Sprintf("prot-%d", f.nextID), nil
}

func (f *fakePort) Cancel(orderID string) error {
	f.canceled = append(f.canceled, orderID)
	return f.cancelErr
}

func newTestController(t *testing.T, symbol string, asset types.AssetClass) (*Controller, *storage.Store, *fakePort) {
	t.Helper()
	store, err := storage.New(":memory:")
	if err != nil {
		t.Fatalf("failed to open in-memory store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	port := &fakePort{account: types.AccountSnapshot{Equity: decimal.NewFromInt(100000), Cash: decimal.NewFromInt(100000)}}

	cfg := Config{
		EntryPct:             decimal.NewFromInt(5),
		EntryTIF:             "DAY",
		TrailingStopPct:      decimal.NewFromInt(10),
		StopTIF:              "GTC",
		CooldownMinutes:      20,
		StabilizationWindow:  10 * time.Second,
		StalenessWindow:      30 * time.Second,
		Budget:               decimal.NewFromInt(1000),
		MaxSymbolExposureUSD: decimal.NewFromInt(5000),
		MaxTotalExposureUSD:  decimal.NewFromInt(25000),
		MinCashReservePct:    decimal.NewFromInt(10),
	}

	c := New(symbol, asset, cfg, store, port, sizing.New(), calendar.New(), nil, 5*time.Second, zerolog.Nop())
	return c, store, port
}

func lastEventType(t *testing.T, store *storage.Store) types.EventType {
	t.Helper()
	events, err := store.RecentEvents(1)
	if err != nil {
		t.Fatalf("failed to read events: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("expected at least one event")
	}
	return events[0].Type
}

func TestDeriveStatus(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Minute)
	past := now.Add(-time.Minute)

	openBuy := []types.Order{{Side: types.SideBuy, Status: types.StatusOpen}}

	cases := []struct {
		name     string
		position *types.Position
		state    *types.SymbolState
		orders   []types.Order
		want     types.Status
	}{
		{"open position wins over everything", &types.Position{Quantity: decimal.NewFromInt(1)}, &types.SymbolState{CooldownUntil: &future}, openBuy, types.PositionOpen},
		{"cooldown in future blocks entry pending", nil, &types.SymbolState{CooldownUntil: &future}, openBuy, types.Cooldown},
		{"cooldown in past is ignored", nil, &types.SymbolState{CooldownUntil: &past}, openBuy, types.EntryPending},
		{"open buy order is entry pending", nil, &types.SymbolState{}, openBuy, types.EntryPending},
		{"nothing open is no position", nil, &types.SymbolState{}, nil, types.NoPosition},
		{"zero quantity position is not open", &types.Position{Quantity: decimal.Zero}, &types.SymbolState{}, nil, types.NoPosition},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := deriveStatus(tc.state, tc.position, tc.orders, now)
			if got != tc.want {
				t.Fatalf("deriveStatus() = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestHandleNoPositionPlacesEntryAndPersistsState(t *testing.T) {
	c, store, port := newTestController(t, "BTC/USD", types.Crypto)
	c.Cfg.AllowFractional = true // $1000 at $30000 is 0.0333 BTC; whole-unit sizing would round it to 0
	now := time.Now()
	port.quote = types.Quote{Symbol: "BTC/USD", Price: decimal.NewFromInt(30000), Timestamp: now}

	c.Tick(now, Snapshot{Quote: port.quote, Account: port.account, ExposureBySymbol: map[string]decimal.Decimal{}})

	state, err := store.StateFor("BTC/USD", types.Crypto)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.LastParentID == "" {
		t.Fatal("expected last_parent_id to be persisted after entry placement")
	}

	open, err := store.OpenOrdersFor("BTC/USD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(open) != 1 || open[0].Side != types.SideBuy {
		t.Fatalf("expected one open BUY order, got %+v", open)
	}

	if got := lastEventType(t, store); got != types.EventEntryOrderPlaced {
		t.Fatalf("expected entry_order_placed event, got %s", got)
	}
}

func TestHandleNoPositionSkipsOnStaleQuote(t *testing.T) {
	c, store, port := newTestController(t, "BTC/USD", types.Crypto)
	now := time.Now()
	port.quote = types.Quote{Symbol: "BTC/USD", Price: decimal.NewFromInt(30000), Timestamp: now.Add(-time.Minute)}

	c.Tick(now, Snapshot{Quote: port.quote, Account: port.account, ExposureBySymbol: map[string]decimal.Decimal{}})

	state, _ := store.StateFor("BTC/USD", types.Crypto)
	if state.LastParentID != "" {
		t.Fatal("expected no entry placed on a stale quote")
	}
}

func TestHandleNoPositionEmitsAdmissionRejectedEvent(t *testing.T) {
	c, store, port := newTestController(t, "AAPL", types.Equity)
	c.Cfg.Budget = decimal.NewFromInt(10) // below min_qty at this price
	// A fixed, known-tradable NYSE session time (Friday, not a holiday) so the
	// test doesn't depend on the wall-clock time it happens to run at.
	loc, _ := time.LoadLocation("America/New_York")
	now := time.Date(2026, 7, 31, 10, 0, 0, 0, loc)
	port.quote = types.Quote{Symbol: "AAPL", Price: decimal.NewFromInt(100), Timestamp: now}

	c.Tick(now, Snapshot{Quote: port.quote, Account: port.account, ExposureBySymbol: map[string]decimal.Decimal{}})

	if got := lastEventType(t, store); got != types.EventAdmissionRejected {
		t.Fatalf("expected admission_rejected event, got %s", got)
	}
}

func TestHandlePositionOpenFirstProtectivePlacementEmitsTrailingStopPlaced(t *testing.T) {
	c, store, _ := newTestController(t, "TSLA", types.Equity)
	now := time.Now()
	state, _ := store.StateFor("TSLA", types.Equity)
	if state.LastTrailID != "" {
		t.Fatal("expected a freshly created state row to have no last_trail_id")
	}

	snap := Snapshot{Position: &types.Position{Quantity: decimal.NewFromInt(4)}}
	c.handlePositionOpen(now, state, snap, nil)

	if got := lastEventType(t, store); got != types.EventTrailingStopPlaced {
		t.Fatalf("expected trailing_stop_placed_after_entry on first placement, got %s", got)
	}
	reloaded, _ := store.StateFor("TSLA", types.Equity)
	if reloaded.LastTrailID == "" {
		t.Fatal("expected last_trail_id to be persisted")
	}
}

func TestHandlePositionOpenRecreateAfterExternalCancelEmitsProtectiveRecreated(t *testing.T) {
	c, store, _ := newTestController(t, "TSLA", types.Equity)
	now := time.Now()
	state, _ := store.StateFor("TSLA", types.Equity)
	state.LastTrailID = "prot-old" // a protective was placed previously in this cycle
	if err := store.SaveState(state); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snap := Snapshot{Position: &types.Position{Quantity: decimal.NewFromInt(4)}}
	// openOrders has no protective order: it was canceled externally.
	c.handlePositionOpen(now, state, snap, nil)

	if got := lastEventType(t, store); got != types.EventProtectiveRecreated {
		t.Fatalf("expected protective_recreated when a prior protective vanished, got %s", got)
	}
}

func TestHandlePositionOpenDuplicateCleanupKeepsMatchingQuantity(t *testing.T) {
	c, store, port := newTestController(t, "TSLA", types.Equity)
	now := time.Now()
	state, _ := store.StateFor("TSLA", types.Equity)
	state.LastTrailID = "prot-1"
	_ = store.SaveState(state)

	qty := decimal.NewFromInt(10)
	older := types.Order{OrderID: "prot-1", Side: types.SideSell, Status: types.StatusOpen, Quantity: decimal.NewFromInt(7), SubmittedAt: now.Add(-time.Hour)}
	newer := types.Order{OrderID: "prot-2", Side: types.SideSell, Status: types.StatusOpen, Quantity: qty, SubmittedAt: now.Add(-time.Minute)}

	snap := Snapshot{Position: &types.Position{Quantity: qty}}
	c.handlePositionOpen(now, state, snap, []types.Order{older, newer})

	if len(port.canceled) != 1 || port.canceled[0] != "prot-1" {
		t.Fatalf("expected only the mismatched-quantity order to be canceled, got %v", port.canceled)
	}
	if got := lastEventType(t, store); got != types.EventDuplicateStopCancelled {
		t.Fatalf("expected duplicate_stop_cancelled, got %s", got)
	}
}

func TestHandlePositionOpenDuplicateCleanupNoneMatchCancelsAllAndResubmits(t *testing.T) {
	c, store, port := newTestController(t, "TSLA", types.Equity)
	now := time.Now()
	state, _ := store.StateFor("TSLA", types.Equity)
	state.LastTrailID = "prot-1"
	_ = store.SaveState(state)

	qty := decimal.NewFromInt(10)
	a := types.Order{OrderID: "prot-1", Side: types.SideSell, Status: types.StatusOpen, Quantity: decimal.NewFromInt(3), SubmittedAt: now.Add(-time.Hour)}
	b := types.Order{OrderID: "prot-2", Side: types.SideSell, Status: types.StatusOpen, Quantity: decimal.NewFromInt(5), SubmittedAt: now.Add(-time.Minute)}

	snap := Snapshot{Position: &types.Position{Quantity: qty}}
	c.handlePositionOpen(now, state, snap, []types.Order{a, b})

	if len(port.canceled) != 2 {
		t.Fatalf("expected both mismatched orders canceled, got %v", port.canceled)
	}
	if got := lastEventType(t, store); got != types.EventProtectiveRequantified {
		t.Fatalf("expected protective_requantified after replacing, got %s", got)
	}
}

func TestHandlePositionOpenHealthyReconcileDoesNothing(t *testing.T) {
	c, store, port := newTestController(t, "TSLA", types.Equity)
	now := time.Now()
	state, _ := store.StateFor("TSLA", types.Equity)
	state.LastTrailID = "prot-1"
	_ = store.SaveState(state)

	qty := decimal.NewFromInt(10)
	healthy := types.Order{OrderID: "prot-1", Side: types.SideSell, Status: types.StatusOpen, Quantity: qty, SubmittedAt: now.Add(-time.Hour)}

	snap := Snapshot{Position: &types.Position{Quantity: qty}}
	c.handlePositionOpen(now, state, snap, []types.Order{healthy})

	if len(port.canceled) != 0 {
		t.Fatalf("expected no cancellations for a healthy protective, got %v", port.canceled)
	}
}

func TestHandlePositionOpenSuppressedDuringStabilizationWindow(t *testing.T) {
	c, store, port := newTestController(t, "TSLA", types.Equity)
	now := time.Now()
	state, _ := store.StateFor("TSLA", types.Equity)
	justSubmitted := now.Add(-2 * time.Second)
	state.LastProtectiveSubmittedAt = &justSubmitted
	_ = store.SaveState(state)

	snap := Snapshot{Position: &types.Position{Quantity: decimal.NewFromInt(10)}}
	// Zero protective orders would normally trigger a submission, but the
	// stabilization window should suppress reconciliation entirely.
	c.handlePositionOpen(now, state, snap, nil)

	if len(port.canceled) != 0 {
		t.Fatalf("expected no broker calls during stabilization window, canceled=%v", port.canceled)
	}
	events, err := store.RecentEvents(10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events during stabilization window, got %+v", events)
	}
}

func TestProcessFillsStartsCooldownOnClosingSellFill(t *testing.T) {
	c, store, _ := newTestController(t, "TSLA", types.Equity)
	now := time.Now()
	state, _ := store.StateFor("TSLA", types.Equity)
	state.LastTrailID = "prot-1"
	_ = store.SaveState(state)

	fill := types.Fill{ExecID: "exec-1", OrderID: "prot-1", Symbol: "TSLA", Side: types.SideSell, Quantity: decimal.NewFromInt(4), Price: decimal.NewFromInt(270), Timestamp: now}
	snap := Snapshot{Position: nil, Fills: []types.Fill{fill}} // position now empty

	c.processFills(now, state, snap)

	reloaded, _ := store.StateFor("TSLA", types.Equity)
	if reloaded.CooldownUntil == nil {
		t.Fatal("expected cooldown_until to be set after a closing SELL fill")
	}
	if reloaded.LastTrailID != "" {
		t.Fatal("expected last_trail_id to be cleared on stopout")
	}
	wantUntil := now.Add(time.Duration(c.Cfg.CooldownMinutes) * time.Minute)
	if reloaded.CooldownUntil.Sub(wantUntil).Abs() > time.Second {
		t.Fatalf("expected cooldown_until ~= %v, got %v", wantUntil, *reloaded.CooldownUntil)
	}
}

func TestProcessFillsDoesNotCooldownOnPartialSell(t *testing.T) {
	c, store, _ := newTestController(t, "TSLA", types.Equity)
	now := time.Now()
	state, _ := store.StateFor("TSLA", types.Equity)

	fill := types.Fill{ExecID: "exec-1", OrderID: "prot-1", Symbol: "TSLA", Side: types.SideSell, Quantity: decimal.NewFromInt(2), Timestamp: now}
	// Position still has quantity remaining: not a closing fill.
	snap := Snapshot{Position: &types.Position{Quantity: decimal.NewFromInt(2)}, Fills: []types.Fill{fill}}

	c.processFills(now, state, snap)

	reloaded, _ := store.StateFor("TSLA", types.Equity)
	if reloaded.CooldownUntil != nil {
		t.Fatal("expected no cooldown on a partial sell that leaves the position open")
	}
}

func TestHandleCooldownClearsAfterExpiry(t *testing.T) {
	c, store, _ := newTestController(t, "TSLA", types.Equity)
	now := time.Now()
	state, _ := store.StateFor("TSLA", types.Equity)
	past := now.Add(-time.Second)
	state.CooldownUntil = &past
	_ = store.SaveState(state)

	c.handleCooldown(now, state)

	reloaded, _ := store.StateFor("TSLA", types.Equity)
	if reloaded.CooldownUntil != nil {
		t.Fatal("expected cooldown_until to be cleared once now >= cooldown_until")
	}
}

func TestHandleBrokerErrorTransportTriggersBackoff(t *testing.T) {
	c, _, _ := newTestController(t, "TSLA", types.Equity)
	now := time.Now()
	c.handleBrokerError(now, brokerr.New(brokerr.Transport, "TSLA", "timeout"))
	if !c.inBackoff(now.Add(time.Second)) {
		t.Fatal("expected controller to be in backoff after a transport error")
	}
}
