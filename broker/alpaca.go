package broker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/tradingctl/brokerr"
	"github.com/web3guy0/tradingctl/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ALPACA-SHAPED REST ADAPTER
// ═══════════════════════════════════════════════════════════════════════════════
//
// Implements Port against an Alpaca-style REST trading API: API-key/secret
// header auth, /v2/account, /v2/orders, /v2/positions, stop/stop_limit/
// trailing_stop order types for equities. Crypto symbols (BASE/QUOTE) are
// translated to LIMIT orders since this class of broker rejects stop orders
// on crypto pairs (spec §4.3).
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	liveBaseURL  = "https://api.alpaca.markets"
	paperBaseURL = "https://paper-api.alpaca.markets"
	dataBaseURL  = "https://data.alpaca.markets"

	submitTimeout = 10 * time.Second
	maxRetries    = 2
)

// AlpacaAdapter is the concrete Broker Port implementation.
type AlpacaAdapter struct {
	apiKey    string
	apiSecret string
	baseURL   string
	dataURL   string
	dryRun    bool
	client    *http.Client
}

// NewAlpacaAdapter builds the adapter. paper selects the paper-trading base
// URL; dryRun short-circuits every submit/cancel call with a synthetic order
// ID instead of calling the network, mirroring the teacher's dry-run pattern.
func NewAlpacaAdapter(apiKey, apiSecret string, paper, dryRun bool) *AlpacaAdapter {
	base := liveBaseURL
	if paper {
		base = paperBaseURL
	}
	return &AlpacaAdapter{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		baseURL:   base,
		dataURL:   dataBaseURL,
		dryRun:    dryRun,
		client:    &http.Client{Timeout: submitTimeout},
	}
}

func (a *AlpacaAdapter) doRequest(method, url string, body interface{}) ([]byte, int, error) {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, err
		}
		reqBody = bytes.NewBuffer(b)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("APCA-API-KEY-ID", a.apiKey)
	req.Header.Set("APCA-API-SECRET-KEY", a.apiSecret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return respBody, resp.StatusCode, nil
}

// classifyStatus maps an Alpaca HTTP status to a brokerr.Kind.
func classifyStatus(symbol string, status int, body []byte) error {
	switch {
	case status == 0:
		return nil
	case status == 422 || status == 400:
		return brokerr.New(brokerr.Validation, symbol, string(body))
	case status == 403:
		return brokerr.New(brokerr.Validation, symbol, "insufficient funds or forbidden: "+string(body))
	case status >= 500 || status == 429:
		return brokerr.New(brokerr.Transport, symbol, fmt.Sprintf("status %d: %s", status, body))
	case status >= 400:
		return brokerr.New(brokerr.Validation, symbol, fmt.Sprintf("status %d: %s", status, body))
	}
	return nil
}

// roundPrice applies the tick-size rule from spec §4.3: price < 0.01 → 7
// decimals; price < 1.0 → 4 decimals; otherwise 2 decimals.
func roundPrice(p decimal.Decimal) decimal.Decimal {
	switch {
	case p.LessThan(decimal.NewFromFloat(0.01)):
		return p.Round(7)
	case p.LessThan(decimal.NewFromInt(1)):
		return p.Round(4)
	default:
		return p.Round(2)
	}
}

func isCrypto(asset types.AssetClass) bool { return asset == types.Crypto }

// LastPrice returns the latest trade price for symbol.
func (a *AlpacaAdapter) LastPrice(symbol string) (types.Quote, error) {
	if a.dryRun {
		return types.Quote{Symbol: symbol, Price: decimal.NewFromInt(100), Timestamp: time.Now()}, nil
	}
	url := fmt.Sprintf("%s/v2/stocks/%s/trades/latest", a.dataURL, symbol)
	body, status, err := a.doRequest("GET", url, nil)
	if err != nil {
		return types.Quote{}, brokerr.Wrap(brokerr.Transport, symbol, "last_price request failed", err)
	}
	if kindErr := classifyStatus(symbol, status, body); kindErr != nil {
		return types.Quote{}, kindErr
	}

	var parsed struct {
		Trade struct {
			Price     float64 `json:"p"`
			Timestamp string  `json:"t"`
		} `json:"trade"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return types.Quote{}, brokerr.Wrap(brokerr.Transport, symbol, "failed to parse last_price response", err)
	}
	ts, _ := time.Parse(time.RFC3339Nano, parsed.Trade.Timestamp)
	if ts.IsZero() {
		ts = time.Now()
	}
	return types.Quote{
		Symbol:    symbol,
		Price:     decimal.NewFromFloat(parsed.Trade.Price),
		Timestamp: ts,
	}, nil
}

// AccountSnapshot returns account-level equity/cash/buying-power.
func (a *AlpacaAdapter) AccountSnapshot() (types.AccountSnapshot, error) {
	if a.dryRun {
		hundred := decimal.NewFromInt(100000)
		return types.AccountSnapshot{Equity: hundred, Cash: hundred, BuyingPower: hundred}, nil
	}
	body, status, err := a.doRequest("GET", a.baseURL+"/v2/account", nil)
	if err != nil {
		return types.AccountSnapshot{}, brokerr.Wrap(brokerr.Transport, "", "account_snapshot request failed", err)
	}
	if kindErr := classifyStatus("", status, body); kindErr != nil {
		return types.AccountSnapshot{}, kindErr
	}

	var acct struct {
		Equity      string `json:"equity"`
		Cash        string `json:"cash"`
		BuyingPower string `json:"buying_power"`
	}
	if err := json.Unmarshal(body, &acct); err != nil {
		return types.AccountSnapshot{}, brokerr.Wrap(brokerr.Transport, "", "failed to parse account response", err)
	}
	equity, _ := decimal.NewFromString(acct.Equity)
	cash, _ := decimal.NewFromString(acct.Cash)
	bp, _ := decimal.NewFromString(acct.BuyingPower)
	return types.AccountSnapshot{Equity: equity, Cash: cash, BuyingPower: bp, PositionValue: equity.Sub(cash)}, nil
}

// OpenOrders returns all currently-open orders across all symbols.
func (a *AlpacaAdapter) OpenOrders() ([]types.Order, error) {
	if a.dryRun {
		return nil, nil
	}
	body, status, err := a.doRequest("GET", a.baseURL+"/v2/orders?status=open", nil)
	if err != nil {
		return nil, brokerr.Wrap(brokerr.Transport, "", "open_orders request failed", err)
	}
	if kindErr := classifyStatus("", status, body); kindErr != nil {
		return nil, kindErr
	}
	return parseOrders(body)
}

// ClosedOrders returns orders that closed since the given time, along with
// any fills reported on them.
func (a *AlpacaAdapter) ClosedOrders(since time.Time) ([]types.Order, []types.Fill, error) {
	if a.dryRun {
		return nil, nil, nil
	}
	url := fmt.Sprintf("%s/v2/orders?status=closed&after=%s", a.baseURL, since.Format(time.RFC3339))
	body, status, err := a.doRequest("GET", url, nil)
	if err != nil {
		return nil, nil, brokerr.Wrap(brokerr.Transport, "", "closed_orders request failed", err)
	}
	if kindErr := classifyStatus("", status, body); kindErr != nil {
		return nil, nil, kindErr
	}
	orders, err := parseOrders(body)
	if err != nil {
		return nil, nil, err
	}
	fills := fillsFromOrders(orders)
	return orders, fills, nil
}

// Positions returns the broker's current open positions.
func (a *AlpacaAdapter) Positions() ([]types.Position, error) {
	if a.dryRun {
		return nil, nil
	}
	body, status, err := a.doRequest("GET", a.baseURL+"/v2/positions", nil)
	if err != nil {
		return nil, brokerr.Wrap(brokerr.Transport, "", "positions request failed", err)
	}
	if kindErr := classifyStatus("", status, body); kindErr != nil {
		return nil, kindErr
	}

	var raw []struct {
		Symbol       string `json:"symbol"`
		Qty          string `json:"qty"`
		AvgEntryPrice string `json:"avg_entry_price"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, brokerr.Wrap(brokerr.Transport, "", "failed to parse positions response", err)
	}
	positions := make([]types.Position, 0, len(raw))
	for _, r := range raw {
		qty, _ := decimal.NewFromString(r.Qty)
		avg, _ := decimal.NewFromString(r.AvgEntryPrice)
		positions = append(positions, types.Position{Symbol: r.Symbol, Quantity: qty, AvgEntryPrice: avg})
	}
	return positions, nil
}

// SubmitEntry places the breakout entry order, translating order type by
// asset class per spec §4.3.
func (a *AlpacaAdapter) SubmitEntry(symbol string, asset types.AssetClass, qty decimal.Decimal, stopTrigger decimal.Decimal, limitOffsetPct *decimal.Decimal, tif string) (string, error) {
	order := map[string]interface{}{
		"symbol": symbol,
		"qty":    qty.String(),
		"side":   "buy",
	}
	if isCrypto(asset) {
		order["type"] = "limit"
		order["time_in_force"] = "gtc"
		order["limit_price"] = roundPrice(stopTrigger).String()
	} else {
		order["stop_price"] = roundPrice(stopTrigger).String()
		order["time_in_force"] = tifOrDefault(tif, "day")
		if limitOffsetPct != nil {
			order["type"] = "stop_limit"
			slip := stopTrigger.Mul(decimal.NewFromInt(1).Add(limitOffsetPct.Div(decimal.NewFromInt(100))))
			order["limit_price"] = roundPrice(slip).String()
		} else {
			order["type"] = "stop"
		}
	}
	return a.submitWithRetry(symbol, order)
}

// SubmitProtective places the protective sell, translating per asset class.
func (a *AlpacaAdapter) SubmitProtective(symbol string, asset types.AssetClass, qty decimal.Decimal, trailPct *decimal.Decimal, fixedStopPrice *decimal.Decimal, tif string) (string, error) {
	order := map[string]interface{}{
		"symbol": symbol,
		"qty":    qty.String(),
		"side":   "sell",
	}
	if isCrypto(asset) {
		if fixedStopPrice == nil {
			return "", brokerr.New(brokerr.Validation, symbol, "crypto protective requires a fixed stop price")
		}
		order["type"] = "limit"
		order["time_in_force"] = "gtc"
		order["limit_price"] = roundPrice(*fixedStopPrice).String()
	} else {
		if trailPct == nil {
			return "", brokerr.New(brokerr.Validation, symbol, "equity protective requires a trailing percent")
		}
		order["type"] = "trailing_stop"
		order["time_in_force"] = tifOrDefault(tif, "gtc")
		order["trail_percent"] = trailPct.String()
	}
	return a.submitWithRetry(symbol, order)
}

func tifOrDefault(tif, fallback string) string {
	if tif == "" {
		return fallback
	}
	return tif
}

// submitWithRetry posts the order, retrying transient failures with a linear
// backoff, matching the teacher's executeLive retry shape.
func (a *AlpacaAdapter) submitWithRetry(symbol string, order map[string]interface{}) (string, error) {
	if a.dryRun {
		return fmt.Sprintf("DRY_%d", time.Now().UnixNano()), nil
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		body, status, err := a.doRequest("POST", a.baseURL+"/v2/orders", order)
		if err != nil {
			lastErr = brokerr.Wrap(brokerr.Transport, symbol, "submit request failed", err)
		} else if kindErr := classifyStatus(symbol, status, body); kindErr != nil {
			if be, ok := kindErr.(*brokerr.Error); ok && be.Kind == brokerr.Validation {
				return "", kindErr // do not retry validation failures
			}
			lastErr = kindErr
		} else {
			var resp struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(body, &resp); err != nil {
				return "", brokerr.Wrap(brokerr.Transport, symbol, "failed to parse order response", err)
			}
			return resp.ID, nil
		}
		if attempt < maxRetries {
			time.Sleep(time.Duration(100*(attempt+1)) * time.Millisecond)
		}
	}
	return "", lastErr
}

// Cancel cancels an open order. A 404 is treated as already-done, not an
// error, per spec §4.3.
func (a *AlpacaAdapter) Cancel(orderID string) error {
	if a.dryRun {
		return nil
	}
	body, status, err := a.doRequest("DELETE", a.baseURL+"/v2/orders/"+orderID, nil)
	if err != nil {
		return brokerr.Wrap(brokerr.Transport, "", "cancel request failed", err)
	}
	if status == http.StatusNotFound {
		return nil
	}
	return classifyStatus("", status, body)
}

// --- response parsing ---

type alpacaOrder struct {
	ID            string `json:"id"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Status        string `json:"status"`
	Qty           string `json:"qty"`
	FilledQty     string `json:"filled_qty"`
	FilledAvgPrice string `json:"filled_avg_price"`
	StopPrice     string `json:"stop_price"`
	LimitPrice    string `json:"limit_price"`
	TrailPercent  string `json:"trail_percent"`
	LegID         string `json:"leg_id"`
	SubmittedAt   string `json:"submitted_at"`
	UpdatedAt     string `json:"updated_at"`
	FilledAt      string `json:"filled_at"`
}

func parseOrders(body []byte) ([]types.Order, error) {
	var raw []alpacaOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, brokerr.Wrap(brokerr.Transport, "", "failed to parse orders response", err)
	}
	orders := make([]types.Order, 0, len(raw))
	for _, r := range raw {
		orders = append(orders, toOrder(r))
	}
	return orders, nil
}

func toOrder(r alpacaOrder) types.Order {
	qty, _ := decimal.NewFromString(r.Qty)
	filled, _ := decimal.NewFromString(r.FilledQty)
	submitted, _ := time.Parse(time.RFC3339Nano, r.SubmittedAt)
	updated, _ := time.Parse(time.RFC3339Nano, r.UpdatedAt)

	o := types.Order{
		OrderID:     r.ID,
		Symbol:      r.Symbol,
		Side:        types.OrderSide(toUpper(r.Side)),
		Type:        mapOrderType(r.Type),
		Status:      mapOrderStatus(r.Status),
		Quantity:    qty,
		FilledQty:   filled,
		SubmittedAt: submitted,
		UpdatedAt:   updated,
	}
	if r.StopPrice != "" {
		v, _ := decimal.NewFromString(r.StopPrice)
		o.StopPrice = &v
	}
	if r.LimitPrice != "" {
		v, _ := decimal.NewFromString(r.LimitPrice)
		o.LimitPrice = &v
	}
	if r.TrailPercent != "" {
		v, _ := decimal.NewFromString(r.TrailPercent)
		o.TrailingPct = &v
	}
	return o
}

func fillsFromOrders(orders []types.Order) []types.Fill {
	fills := make([]types.Fill, 0)
	for _, o := range orders {
		if o.Status != types.StatusFilled && o.Status != types.StatusPartiallyFilled {
			continue
		}
		if o.FilledQty.IsZero() {
			continue
		}
		price := o.LimitPrice
		if price == nil {
			price = o.StopPrice
		}
		p := decimal.Zero
		if price != nil {
			p = *price
		}
		fills = append(fills, types.Fill{
			ExecID:    o.OrderID + ":" + o.UpdatedAt.Format(time.RFC3339Nano),
			OrderID:   o.OrderID,
			Symbol:    o.Symbol,
			Side:      o.Side,
			Quantity:  o.FilledQty,
			Price:     p,
			Timestamp: o.UpdatedAt,
		})
	}
	return fills
}

func mapOrderType(t string) types.OrderType {
	switch t {
	case "stop":
		return types.OrderStop
	case "stop_limit":
		return types.OrderStopLimit
	case "trailing_stop":
		return types.OrderTrailingStop
	case "market":
		return types.OrderMarket
	default:
		return types.OrderLimit
	}
}

func mapOrderStatus(s string) types.OrderStatus {
	switch s {
	case "filled":
		return types.StatusFilled
	case "partially_filled":
		return types.StatusPartiallyFilled
	case "canceled":
		return types.StatusCanceled
	case "rejected":
		return types.StatusRejected
	case "expired":
		return types.StatusExpired
	default:
		return types.StatusOpen
	}
}

func toUpper(s string) string {
	if s == "buy" {
		return "BUY"
	}
	if s == "sell" {
		return "SELL"
	}
	return s
}
