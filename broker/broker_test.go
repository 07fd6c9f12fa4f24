package broker

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/tradingctl/brokerr"
	"github.com/web3guy0/tradingctl/types"
)

func TestRoundPrice(t *testing.T) {
	cases := []struct {
		name  string
		price decimal.Decimal
		want  string
	}{
		{"sub-cent uses 7 decimals", decimal.NewFromFloat(0.00001234), "0.0000123"},
		{"sub-dollar uses 4 decimals", decimal.NewFromFloat(0.45678), "0.4568"},
		{"dollar-plus uses 2 decimals", decimal.NewFromFloat(123.4567), "123.46"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := roundPrice(tc.price)
			if got.String() != tc.want {
				t.Fatalf("roundPrice(%v) = %v, want %v", tc.price, got, tc.want)
			}
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   brokerr.Kind
		wantOK bool
	}{
		{"zero status is no error", 0, "", false},
		{"200 is no error", 200, "", false},
		{"422 is validation", 422, brokerr.Validation, true},
		{"400 is validation", 400, brokerr.Validation, true},
		{"403 is validation", 403, brokerr.Validation, true},
		{"500 is transport", 500, brokerr.Transport, true},
		{"429 is transport", 429, brokerr.Transport, true},
		{"404 is validation", 404, brokerr.Validation, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classifyStatus("AAPL", tc.status, []byte("body"))
			if !tc.wantOK {
				if err != nil {
					t.Fatalf("expected no error for status %d, got %v", tc.status, err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected an error for status %d", tc.status)
			}
			if !brokerr.Is(err, tc.want) {
				t.Fatalf("expected kind %s for status %d, got %v", tc.want, tc.status, err)
			}
		})
	}
}

func TestTifOrDefault(t *testing.T) {
	if got := tifOrDefault("", "day"); got != "day" {
		t.Fatalf("expected fallback %q, got %q", "day", got)
	}
	if got := tifOrDefault("gtc", "day"); got != "gtc" {
		t.Fatalf("expected explicit tif %q to be preserved, got %q", "gtc", got)
	}
}

func TestMapOrderType(t *testing.T) {
	cases := map[string]types.OrderType{
		"stop":          types.OrderStop,
		"stop_limit":    types.OrderStopLimit,
		"trailing_stop": types.OrderTrailingStop,
		"market":        types.OrderMarket,
		"limit":         types.OrderLimit,
		"unknown":       types.OrderLimit,
	}
	for in, want := range cases {
		if got := mapOrderType(in); got != want {
			t.Fatalf("mapOrderType(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestMapOrderStatus(t *testing.T) {
	cases := map[string]types.OrderStatus{
		"filled":           types.StatusFilled,
		"partially_filled": types.StatusPartiallyFilled,
		"canceled":         types.StatusCanceled,
		"rejected":         types.StatusRejected,
		"expired":          types.StatusExpired,
		"new":              types.StatusOpen,
	}
	for in, want := range cases {
		if got := mapOrderStatus(in); got != want {
			t.Fatalf("mapOrderStatus(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestToUpper(t *testing.T) {
	if got := toUpper("buy"); got != "BUY" {
		t.Fatalf("toUpper(buy) = %q, want BUY", got)
	}
	if got := toUpper("sell"); got != "SELL" {
		t.Fatalf("toUpper(sell) = %q, want SELL", got)
	}
	if got := toUpper("other"); got != "other" {
		t.Fatalf("toUpper(other) = %q, want unchanged", got)
	}
}

func TestFillsFromOrdersSkipsUnfilled(t *testing.T) {
	now := time.Now()
	limit := decimal.NewFromInt(150)
	orders := []types.Order{
		{OrderID: "o-1", Symbol: "AAPL", Side: types.SideBuy, Status: types.StatusFilled, FilledQty: decimal.NewFromInt(10), LimitPrice: &limit, UpdatedAt: now},
		{OrderID: "o-2", Symbol: "AAPL", Side: types.SideBuy, Status: types.StatusOpen, FilledQty: decimal.Zero, UpdatedAt: now},
		{OrderID: "o-3", Symbol: "AAPL", Side: types.SideBuy, Status: types.StatusFilled, FilledQty: decimal.Zero, UpdatedAt: now},
	}
	fills := fillsFromOrders(orders)
	if len(fills) != 1 {
		t.Fatalf("expected exactly one fill, got %d", len(fills))
	}
	if fills[0].OrderID != "o-1" {
		t.Fatalf("expected the filled order's fill, got %s", fills[0].OrderID)
	}
	if !fills[0].Price.Equal(limit) {
		t.Fatalf("expected fill price %v, got %v", limit, fills[0].Price)
	}
}

func TestFillsFromOrdersFallsBackToStopPrice(t *testing.T) {
	now := time.Now()
	stop := decimal.NewFromInt(95)
	orders := []types.Order{
		{OrderID: "o-1", Symbol: "AAPL", Side: types.SideSell, Status: types.StatusFilled, FilledQty: decimal.NewFromInt(5), StopPrice: &stop, UpdatedAt: now},
	}
	fills := fillsFromOrders(orders)
	if len(fills) != 1 || !fills[0].Price.Equal(stop) {
		t.Fatalf("expected fill priced at stop_price %v, got %+v", stop, fills)
	}
}

func TestDryRunLastPriceReturnsSyntheticQuote(t *testing.T) {
	a := NewAlpacaAdapter("key", "secret", true, true)
	q, err := a.LastPrice("AAPL")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.Symbol != "AAPL" || q.Price.IsZero() {
		t.Fatalf("expected a synthetic non-zero quote, got %+v", q)
	}
}

func TestDryRunAccountSnapshot(t *testing.T) {
	a := NewAlpacaAdapter("key", "secret", true, true)
	acct, err := a.AccountSnapshot()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if acct.Equity.IsZero() || acct.Cash.IsZero() {
		t.Fatalf("expected synthetic non-zero equity/cash, got %+v", acct)
	}
}

func TestDryRunOpenOrdersAndPositionsAreEmpty(t *testing.T) {
	a := NewAlpacaAdapter("key", "secret", true, true)
	orders, err := a.OpenOrders()
	if err != nil || orders != nil {
		t.Fatalf("expected nil, nil from dry-run OpenOrders, got %v, %v", orders, err)
	}
	positions, err := a.Positions()
	if err != nil || positions != nil {
		t.Fatalf("expected nil, nil from dry-run Positions, got %v, %v", positions, err)
	}
	closed, fills, err := a.ClosedOrders(time.Now())
	if err != nil || closed != nil || fills != nil {
		t.Fatalf("expected nil, nil, nil from dry-run ClosedOrders, got %v, %v, %v", closed, fills, err)
	}
}

func TestDryRunSubmitEntryReturnsSyntheticID(t *testing.T) {
	a := NewAlpacaAdapter("key", "secret", true, true)
	id, err := a.SubmitEntry("AAPL", types.Equity, decimal.NewFromInt(10), decimal.NewFromInt(105), nil, "DAY")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id == "" {
		t.Fatal("expected a non-empty synthetic order ID")
	}
}

func TestDryRunSubmitProtectiveValidatesRequiredFields(t *testing.T) {
	a := NewAlpacaAdapter("key", "secret", true, true)

	// Equity protective without a trail percent must still be rejected even
	// in dry-run mode: validation happens before the dry-run short-circuit.
	if _, err := a.SubmitProtective("AAPL", types.Equity, decimal.NewFromInt(10), nil, nil, "GTC"); err == nil {
		t.Fatal("expected an error when trailPct is nil for an equity protective")
	}

	// Crypto protective without a fixed stop price must be rejected too.
	if _, err := a.SubmitProtective("BTC/USD", types.Crypto, decimal.NewFromInt(1), nil, nil, "GTC"); err == nil {
		t.Fatal("expected an error when fixedStopPrice is nil for a crypto protective")
	}

	trail := decimal.NewFromInt(10)
	if _, err := a.SubmitProtective("AAPL", types.Equity, decimal.NewFromInt(10), &trail, nil, "GTC"); err != nil {
		t.Fatalf("unexpected error with a valid trail percent: %v", err)
	}
}

func TestDryRunCancelAlwaysSucceeds(t *testing.T) {
	a := NewAlpacaAdapter("key", "secret", true, true)
	if err := a.Cancel("any-order-id"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
