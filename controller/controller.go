// Package controller implements the per-symbol state machine (spec §4.5):
// NO_POSITION / ENTRY_PENDING / POSITION_OPEN / COOLDOWN, status derivation
// from a fresh broker snapshot every tick, protective-order reconciliation,
// and cooldown arithmetic.
//
// Grounded on core/engine.go's checkPosition/exitPosition per-tick exit
// check, risk/tp_sl.go's CheckExit shape, execution/reconciler.go's
// restart-recovery derivation, and execution/executor.go's updatePosition
// weighted-entry/reduce-on-sell handling for the partial-fill edge case.
package controller

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/tradingctl/broker"
	"github.com/web3guy0/tradingctl/brokerr"
	"github.com/web3guy0/tradingctl/calendar"
	"github.com/web3guy0/tradingctl/sizing"
	"github.com/web3guy0/tradingctl/storage"
	"github.com/web3guy0/tradingctl/types"
)

// Config holds the per-symbol tunable parameters from spec §6.
type Config struct {
	EntryPct             decimal.Decimal // buy_stop_pct_above_last
	UseStopLimit         bool
	StopLimitMaxSlipPct  decimal.Decimal
	EntryTIF             string
	TrailingStopPct      decimal.Decimal
	StopTIF              string
	CooldownMinutes      int
	StabilizationWindow  time.Duration
	StalenessWindow      time.Duration
	Budget               decimal.Decimal
	AllowFractional      bool
	MaxSymbolExposureUSD decimal.Decimal
	MaxTotalExposureUSD  decimal.Decimal
	MinCashReservePct    decimal.Decimal
}

const (
	maxBackoffMultiplier = 5
)

// Controller is the state machine for exactly one symbol. A Controller
// carries no long-lived mutable position/order fields — only per-tick
// backoff bookkeeping, which is allowed to reset on restart (spec §9:
// "controllers carry no long-lived mutable fields beyond per-tick context").
type Controller struct {
	Symbol string
	Asset  types.AssetClass
	Cfg    Config

	store    *storage.Store
	port     broker.Port
	sizer    *sizing.Sizer
	calendar *calendar.Calendar
	notifier Notifier
	log      zerolog.Logger

	mu             sync.Mutex
	backoffUntil   time.Time
	backoffFactor  int
	tickInterval   time.Duration
}

// Notifier pushes a persisted Event to an external sink (e.g. Telegram). It
// is optional; a nil Notifier means events are only ever read back from the
// Store's monitoring surface.
type Notifier interface {
	Notify(e *types.Event)
}

// New builds a Controller for one symbol. notifier may be nil.
func New(symbol string, asset types.AssetClass, cfg Config, store *storage.Store, port broker.Port, sizer *sizing.Sizer, cal *calendar.Calendar, notifier Notifier, tickInterval time.Duration, logger zerolog.Logger) *Controller {
	return &Controller{
		Symbol:       symbol,
		Asset:        asset,
		Cfg:          cfg,
		store:        store,
		port:         port,
		sizer:        sizer,
		calendar:     cal,
		notifier:     notifier,
		tickInterval: tickInterval,
		log:          logger.With().Str("symbol", symbol).Logger(),
	}
}

// Snapshot is the per-tick broker-derived context the orchestrator gathers
// once and passes to every controller — avoids N redundant broker calls.
type Snapshot struct {
	Position *types.Position // nil if no position
	Quote    types.Quote
	Account  types.AccountSnapshot
	// ExposureBySymbol is the current notional exposure by symbol (position
	// quantity × average entry price), used by the Sizer for admission
	// control (spec §4.4 steps 4-5).
	ExposureBySymbol map[string]decimal.Decimal
	// Fills dispatched to this symbol this tick, already sorted by
	// timestamp by the Event Engine (spec §4.6 ordering guarantee).
	Fills []types.Fill
}

// Tick advances the state machine by one step for now. It is the only entry
// point; everything else is a private helper.
func (c *Controller) Tick(now time.Time, snap Snapshot) {
	if c.inBackoff(now) {
		return
	}

	state, err := c.store.StateFor(c.Symbol, c.Asset)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to load symbol state")
		return
	}

	openOrders, err := c.store.OpenOrdersFor(c.Symbol)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to load open orders")
		return
	}

	c.processFills(now, state, snap)

	status := deriveStatus(state, snap.Position, openOrders, now)

	switch status {
	case types.NoPosition:
		c.handleNoPosition(now, snap)
	case types.EntryPending:
		c.handleEntryPending(state, openOrders)
	case types.PositionOpen:
		c.handlePositionOpen(now, state, snap, openOrders)
	case types.Cooldown:
		c.handleCooldown(now, state)
	}
}

// deriveStatus implements spec §4.5's status-derivation algorithm exactly:
// broker positions and the persisted cooldown are authoritative; open_orders
// only matter when there is no position and no active cooldown.
func deriveStatus(state *types.SymbolState, position *types.Position, openOrders []types.Order, now time.Time) types.Status {
	if position != nil && position.Quantity.IsPositive() {
		return types.PositionOpen
	}
	if state.CooldownUntil != nil && state.CooldownUntil.After(now) {
		return types.Cooldown
	}
	for _, o := range openOrders {
		if o.Side == types.SideBuy && o.Status.Open() {
			return types.EntryPending
		}
	}
	return types.NoPosition
}

// --- NO_POSITION ---

func (c *Controller) handleNoPosition(now time.Time, snap Snapshot) {
	if !c.calendar.IsTradableNow(c.Asset, now) {
		return
	}
	if now.Sub(snap.Quote.Timestamp) > c.Cfg.StalenessWindow {
		return // stale_data: skip entry placement this tick, normal.
	}

	trigger := snap.Quote.Price.Mul(decimal.NewFromInt(1).Add(c.Cfg.EntryPct.Div(decimal.NewFromInt(100))))

	qty, err := c.sizer.Size(sizing.Request{
		Symbol:               c.Symbol,
		Asset:                c.Asset,
		LastPrice:            snap.Quote.Price,
		Budget:               c.Cfg.Budget,
		AllowFractional:      c.Cfg.AllowFractional,
		Account:              snap.Account,
		CurrentExposureBySym: snap.ExposureBySymbol,
		MaxSymbolExposureUSD: c.Cfg.MaxSymbolExposureUSD,
		MaxTotalExposureUSD:  c.Cfg.MaxTotalExposureUSD,
		MinCashReservePct:    c.Cfg.MinCashReservePct,
	})
	if err != nil {
		c.emitRejection(now, err)
		return
	}

	var limitOffset *decimal.Decimal
	if c.Asset == types.Equity && c.Cfg.UseStopLimit {
		limitOffset = &c.Cfg.StopLimitMaxSlipPct
	}

	orderID, err := c.port.SubmitEntry(c.Symbol, c.Asset, qty, trigger, limitOffset, c.Cfg.EntryTIF)
	if err != nil {
		c.handleBrokerError(now, err)
		return
	}

	state, _ := c.store.StateFor(c.Symbol, c.Asset)
	state.LastParentID = orderID
	if err := c.store.SaveState(state); err != nil {
		c.log.Error().Err(err).Msg("failed to persist last_parent_id")
	}
	c.recordOrder(orderID, types.SideBuy, qty, trigger, now)
	c.emit(now, types.EventEntryOrderPlaced, types.SeverityInfo, map[string]interface{}{
		"order_id": orderID, "trigger": trigger.String(), "qty": qty.String(),
	})
}

// --- ENTRY_PENDING ---

func (c *Controller) handleEntryPending(state *types.SymbolState, openOrders []types.Order) {
	if state.LastParentID == "" {
		return
	}
	for _, o := range openOrders {
		if o.OrderID == state.LastParentID {
			return // still open, nothing to do
		}
	}
	// The parent order is no longer open: it was canceled, expired, or
	// rejected without a fill (a fill would have transitioned to
	// POSITION_OPEN via processFills before we got here).
	order, err := c.store.GetOrder(state.LastParentID)
	if err == nil && order.Status.Terminal() && order.FilledQty.IsZero() {
		state.LastParentID = ""
		_ = c.store.SaveState(state)
		c.emit(time.Now(), types.EventEntryCanceled, types.SeverityInfo, map[string]interface{}{"order_id": order.OrderID})
	}
}

// --- POSITION_OPEN ---

func (c *Controller) handlePositionOpen(now time.Time, state *types.SymbolState, snap Snapshot, openOrders []types.Order) {
	if state.LastProtectiveSubmittedAt != nil && now.Sub(*state.LastProtectiveSubmittedAt) < c.Cfg.StabilizationWindow {
		return // stabilization window: tolerate transient disagreement
	}

	var protective []types.Order
	for _, o := range openOrders {
		if o.Side == types.SideSell && o.Status.Open() {
			protective = append(protective, o)
		}
	}

	qty := snap.Position.Quantity

	switch {
	case len(protective) == 0:
		// Distinguish the two spec-distinct transitions that share this
		// branch: LastTrailID is empty only when no protective has ever been
		// submitted for the current position cycle (fresh fill), non-empty
		// when one existed and has since vanished (externally canceled).
		evt := types.EventProtectiveRecreated
		if state.LastTrailID == "" {
			evt = types.EventTrailingStopPlaced
		}
		c.submitProtective(now, state, qty, evt)

	case len(protective) > 1:
		// Spec §4.5: cancel all but the oldest-created one whose quantity
		// matches the position; if none matches, cancel all and replace.
		sort.Slice(protective, func(i, j int) bool { return protective[i].SubmittedAt.Before(protective[j].SubmittedAt) })
		var keep *types.Order
		for i := range protective {
			if protective[i].Quantity.Equal(qty) {
				o := protective[i]
				keep = &o
				break
			}
		}
		for _, o := range protective {
			if keep != nil && o.OrderID == keep.OrderID {
				continue
			}
			if err := c.port.Cancel(o.OrderID); err != nil {
				c.handleBrokerError(now, err)
				continue
			}
			c.emit(now, types.EventDuplicateStopCancelled, types.SeverityWarn, map[string]interface{}{"order_id": o.OrderID})
		}
		if keep == nil {
			c.submitProtective(now, state, qty, types.EventProtectiveRequantified)
		}

	case !protective[0].Quantity.Equal(qty):
		if err := c.port.Cancel(protective[0].OrderID); err != nil {
			c.handleBrokerError(now, err)
			return
		}
		c.submitProtective(now, state, qty, types.EventProtectiveRequantified)

	default:
		// healthy: exactly one protective order matching position quantity.
	}
}

func (c *Controller) submitProtective(now time.Time, state *types.SymbolState, qty decimal.Decimal, evt types.EventType) {
	var trailPct *decimal.Decimal
	var fixedStop *decimal.Decimal

	if c.Asset == types.Crypto {
		entryPrice := c.entryPriceHint(state)
		fixed := entryPrice.Mul(decimal.NewFromInt(1).Sub(c.Cfg.TrailingStopPct.Div(decimal.NewFromInt(100))))
		fixedStop = &fixed
	} else {
		trailPct = &c.Cfg.TrailingStopPct
	}

	orderID, err := c.port.SubmitProtective(c.Symbol, c.Asset, qty, trailPct, fixedStop, c.Cfg.StopTIF)
	if err != nil {
		c.handleBrokerError(now, err)
		c.emit(now, types.EventProtectiveSubmitFailed, types.SeverityCritical, map[string]interface{}{"reason": err.Error()})
		return
	}

	state.LastTrailID = orderID
	ts := now
	state.LastProtectiveSubmittedAt = &ts
	if err := c.store.SaveState(state); err != nil {
		c.log.Error().Err(err).Msg("failed to persist last_trail_id")
	}
	c.recordOrder(orderID, types.SideSell, qty, decimal.Zero, now)
	c.emit(now, evt, types.SeverityInfo, map[string]interface{}{"order_id": orderID, "qty": qty.String()})
}

// entryPriceHint returns the best-effort entry fill price for crypto fixed
// protective pricing, falling back to the current quote if unavailable.
func (c *Controller) entryPriceHint(state *types.SymbolState) decimal.Decimal {
	if state.LastParentID != "" {
		if order, err := c.store.GetOrder(state.LastParentID); err == nil && order.LimitPrice != nil {
			return *order.LimitPrice
		}
	}
	quote, err := c.port.LastPrice(c.Symbol)
	if err == nil {
		return quote.Price
	}
	return decimal.Zero
}

// --- COOLDOWN ---

func (c *Controller) handleCooldown(now time.Time, state *types.SymbolState) {
	if state.CooldownUntil != nil && !state.CooldownUntil.After(now) {
		state.CooldownUntil = nil
		_ = c.store.SaveState(state) // no event emitted per spec §4.5
	}
}

// --- fill processing ---

// processFills reacts to fills dispatched this tick: a BUY fill transitions
// toward POSITION_OPEN (the POSITION_OPEN reconciliation later in the same
// Tick places or resizes the protective); a SELL fill that empties the position starts
// the cooldown.
func (c *Controller) processFills(now time.Time, state *types.SymbolState, snap Snapshot) {
	for _, f := range snap.Fills {
		c.emit(now, types.EventFillReceived, types.SeverityInfo, map[string]interface{}{
			"exec_id": f.ExecID, "side": string(f.Side), "qty": f.Quantity.String(), "price": f.Price.String(),
		})
		if f.Side == types.SideSell {
			positionNowEmpty := snap.Position == nil || snap.Position.Quantity.IsZero()
			if positionNowEmpty {
				until := now.Add(time.Duration(c.Cfg.CooldownMinutes) * time.Minute)
				state.CooldownUntil = &until
				state.LastTrailID = ""
				if err := c.store.SaveState(state); err != nil {
					c.log.Error().Err(err).Msg("failed to persist cooldown")
				}
				c.emit(now, types.EventStopoutCooldownStarted, types.SeverityInfo, map[string]interface{}{
					"cooldown_until": until.Format(time.RFC3339),
				})
			}
		}
	}
}

// --- broker errors / backoff ---

func (c *Controller) handleBrokerError(now time.Time, err error) {
	kind := brokerr.Transport
	if be, ok := err.(*brokerr.Error); ok {
		kind = be.Kind
	}

	switch kind {
	case brokerr.Transport:
		c.bumpBackoff(now)
		c.emit(now, types.EventTransportError, types.SeverityWarn, map[string]interface{}{"reason": err.Error()})
	case brokerr.Validation:
		c.emit(now, types.EventValidationError, types.SeverityWarn, map[string]interface{}{"reason": err.Error()})
	case brokerr.NotSupported:
		c.emit(now, types.EventFatalNotSupported, types.SeverityCritical, map[string]interface{}{"reason": err.Error()})
	default:
		c.emit(now, types.EventTransportError, types.SeverityWarn, map[string]interface{}{"reason": err.Error()})
	}
	c.log.Warn().Err(err).Str("kind", string(kind)).Msg("broker operation failed")
}

func (c *Controller) bumpBackoff(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backoffFactor < maxBackoffMultiplier {
		c.backoffFactor++
	}
	c.backoffUntil = now.Add(time.Duration(c.backoffFactor) * c.tickInterval)
}

func (c *Controller) inBackoff(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backoffUntil.IsZero() || !now.Before(c.backoffUntil) {
		if !c.backoffUntil.IsZero() {
			c.backoffFactor = 0
			c.backoffUntil = time.Time{}
		}
		return false
	}
	return true
}

// --- admission rejection / event helpers ---

func (c *Controller) emitRejection(now time.Time, err error) {
	reason := err.Error()
	if be, ok := err.(*brokerr.Error); ok {
		reason = be.Reason
	}
	c.emit(now, types.EventAdmissionRejected, types.SeverityInfo, map[string]interface{}{"reason": reason})
}

func (c *Controller) emit(now time.Time, evt types.EventType, sev types.Severity, payload map[string]interface{}) {
	b, _ := json.Marshal(payload)
	e := &types.Event{Type: evt, Symbol: c.Symbol, Severity: sev, Payload: string(b), Timestamp: now}
	if err := c.store.AppendEvent(e); err != nil {
		c.log.Error().Err(err).Msg("failed to append event")
	}
	if c.notifier != nil {
		c.notifier.Notify(e)
	}
}

func (c *Controller) recordOrder(orderID string, side types.OrderSide, qty, price decimal.Decimal, now time.Time) {
	o := &types.Order{
		OrderID:     orderID,
		Symbol:      c.Symbol,
		Side:        side,
		Status:      types.StatusOpen,
		Quantity:    qty,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
	if side == types.SideBuy {
		o.Type = types.OrderStop
		if c.Asset == types.Crypto {
			o.Type = types.OrderLimit
		}
		o.StopPrice = &price
	} else {
		o.Type = types.OrderTrailingStop
		if c.Asset == types.Crypto {
			o.Type = types.OrderLimit
		}
	}
	if err := c.store.UpsertOrder(o); err != nil {
		c.log.Error().Err(err).Msg("failed to persist submitted order")
	}
}
