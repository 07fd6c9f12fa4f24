// Package orchestrator wires the layers together into the main tick loop
// (spec §5): calendar + connectivity gate, Event Engine poll, per-symbol
// controller fan-out, end-of-day cancellation, keepalive, and the daily
// performance snapshot.
//
// Grounded on core/engine.go's mainLoop/positionMonitorLoop ticker shape and
// cmd/main.go's layered startup/shutdown sequencing, adapted to a single
// combined tick instead of the teacher's several independently-ticking
// goroutines — the spec's restart-safety invariants hold only if state is
// derived from one consistent broker snapshot per tick (spec §4.5).
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/tradingctl/broker"
	"github.com/web3guy0/tradingctl/calendar"
	"github.com/web3guy0/tradingctl/config"
	"github.com/web3guy0/tradingctl/controller"
	"github.com/web3guy0/tradingctl/events"
	"github.com/web3guy0/tradingctl/notify"
	"github.com/web3guy0/tradingctl/sizing"
	"github.com/web3guy0/tradingctl/storage"
	"github.com/web3guy0/tradingctl/types"
)

// Orchestrator owns the tick loop and every per-symbol Controller.
type Orchestrator struct {
	cfg   *config.Config
	port  broker.Port
	store *storage.Store
	cal   *calendar.Calendar
	ev    *events.Engine
	tg    *notify.Telegram
	log   zerolog.Logger

	controllers map[string]*controller.Controller
	assetBySym  map[string]types.AssetClass

	tickInterval time.Duration
	lastEODCancel map[string]time.Time

	mu               sync.Mutex
	lastKeepaliveOK  time.Time
	lastKeepaliveErr string
}

// Stats is the in-memory snapshot the read-only monitoring surface (spec §6)
// reads, grounded on the teacher's execution/executor.go GetMetrics() and
// risk/gate.go GetStats() counters — here backed by Store aggregates so a
// restart doesn't reset them, plus the keepalive bookkeeping §4.7 item 2
// requires.
type Stats struct {
	OrdersSubmitted int64
	OrdersFilled    int64
	OrdersRejected  int64
	FillRate        float64
	TotalFills      int64
	LastKeepaliveOK time.Time
	LastKeepaliveErr string
	Symbols         int
}

// Stats computes a fresh monitoring snapshot from the Store's persisted
// aggregates plus the last keepalive result.
func (o *Orchestrator) Stats() Stats {
	submitted, filled, rejected, err := o.store.OrderCounts()
	if err != nil {
		o.log.Warn().Err(err).Msg("failed to compute order counts")
	}
	totalFills, err := o.store.FillCount()
	if err != nil {
		o.log.Warn().Err(err).Msg("failed to compute fill count")
	}
	var rate float64
	if submitted > 0 {
		rate = float64(filled) / float64(submitted)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return Stats{
		OrdersSubmitted:  submitted,
		OrdersFilled:     filled,
		OrdersRejected:   rejected,
		FillRate:         rate,
		TotalFills:       totalFills,
		LastKeepaliveOK:  o.lastKeepaliveOK,
		LastKeepaliveErr: o.lastKeepaliveErr,
		Symbols:          len(o.controllers),
	}
}

// New assembles an Orchestrator. It builds one Controller per watchlist
// entry, sharing the Sizer, Calendar, Store, and Broker Port.
func New(cfg *config.Config, port broker.Port, store *storage.Store, cal *calendar.Calendar, tg *notify.Telegram, logger zerolog.Logger) *Orchestrator {
	tickInterval := time.Duration(cfg.PriceSeconds) * time.Second
	sizer := sizing.New()
	ev := events.New(port, store, 2*tickInterval, logger)

	o := &Orchestrator{
		cfg:           cfg,
		port:          port,
		store:         store,
		cal:           cal,
		ev:            ev,
		tg:            tg,
		log:           logger.With().Str("component", "orchestrator").Logger(),
		controllers:   make(map[string]*controller.Controller),
		assetBySym:    make(map[string]types.AssetClass),
		tickInterval:  tickInterval,
		lastEODCancel: make(map[string]time.Time),
	}

	for _, w := range cfg.Watchlist {
		ctrlCfg := controller.Config{
			EntryPct:             cfg.BuyStopPctAboveLast,
			UseStopLimit:         cfg.EntryType == "buy_stop_limit",
			StopLimitMaxSlipPct:  cfg.StopLimitMaxSlipPct,
			EntryTIF:             cfg.EntryTIF,
			TrailingStopPct:      cfg.TrailingStopPct,
			StopTIF:              cfg.StopTIF,
			CooldownMinutes:      cfg.AfterStopoutMinutes,
			StabilizationWindow:  cfg.StabilizationWindow,
			StalenessWindow:      cfg.StalenessWindow,
			Budget:               cfg.Budget(w.Symbol),
			AllowFractional:      cfg.AllowFractional,
			MaxSymbolExposureUSD: cfg.MaxSymbolExposureUSD,
			MaxTotalExposureUSD:  cfg.MaxTotalExposureUSD,
			MinCashReservePct:    cfg.MinCashReservePercent,
		}
		var notifier controller.Notifier
		if tg != nil {
			notifier = tg
		}
		o.controllers[w.Symbol] = controller.New(w.Symbol, w.Asset, ctrlCfg, store, port, sizer, cal, notifier, tickInterval, logger)
		o.assetBySym[w.Symbol] = w.Asset
	}

	return o
}

// Run blocks, ticking every PriceSeconds until ctx is canceled. It never
// cancels open orders on exit (spec §4.7: orders are broker-owned across
// process lifetimes) — a deliberate divergence from force-closing positions
// on shutdown.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.tickInterval)
	defer ticker.Stop()

	keepalive := time.NewTicker(time.Duration(o.cfg.KeepaliveSeconds) * time.Second)
	defer keepalive.Stop()

	snapshot := time.NewTicker(time.Hour)
	defer snapshot.Stop()

	statsPrinter := time.NewTicker(30 * time.Second)
	defer statsPrinter.Stop()

	o.log.Info().Int("symbols", len(o.controllers)).Msg("orchestrator started")

	for {
		select {
		case <-ctx.Done():
			o.log.Info().Msg("orchestrator stopping, open orders left in place")
			return
		case <-keepalive.C:
			o.doKeepalive()
		case <-snapshot.C:
			o.maybeSnapshot(time.Now())
		case <-statsPrinter.C:
			o.printStats()
		case now := <-ticker.C:
			o.tick(now)
		}
	}
}

// printStats logs the Stats snapshot, grounded on cmd/main.go's 30s
// stats-printer goroutine idiom.
func (o *Orchestrator) printStats() {
	st := o.Stats()
	o.log.Info().
		Int64("orders_submitted", st.OrdersSubmitted).
		Int64("orders_filled", st.OrdersFilled).
		Int64("orders_rejected", st.OrdersRejected).
		Float64("fill_rate", st.FillRate).
		Int("symbols", st.Symbols).
		Msg("stats")
}

// tick runs exactly one full pass: poll the Event Engine, fetch one shared
// broker snapshot, then fan out to every symbol's Controller.
func (o *Orchestrator) tick(now time.Time) {
	fillsBySymbol, err := o.ev.Poll(now)
	if err != nil {
		o.log.Warn().Err(err).Msg("event engine poll failed, continuing with stale fills")
		fillsBySymbol = map[string][]types.Fill{}
	}

	positions, err := o.port.Positions()
	if err != nil {
		o.log.Warn().Err(err).Msg("failed to fetch positions, skipping this tick")
		return
	}
	posBySymbol := make(map[string]types.Position, len(positions))
	for _, p := range positions {
		posBySymbol[p.Symbol] = p
	}

	account, err := o.port.AccountSnapshot()
	if err != nil {
		o.log.Warn().Err(err).Msg("failed to fetch account snapshot, skipping this tick")
		return
	}

	exposure := make(map[string]decimal.Decimal, len(positions))
	for _, p := range positions {
		exposure[p.Symbol] = p.Quantity.Mul(p.AvgEntryPrice)
	}

	var wg sync.WaitGroup
	for symbol, ctrl := range o.controllers {
		ctrl := ctrl
		symbol := symbol
		wg.Add(1)
		go func() {
			defer wg.Done()

			quote, err := o.port.LastPrice(symbol)
			if err != nil {
				o.log.Warn().Err(err).Str("symbol", symbol).Msg("failed to fetch quote")
				return
			}

			var posPtr *types.Position
			if p, ok := posBySymbol[symbol]; ok {
				posPtr = &p
			}

			ctrl.Tick(now, controller.Snapshot{
				Position:         posPtr,
				Quote:            quote,
				Account:          account,
				ExposureBySymbol: exposure,
				Fills:            fillsBySymbol[symbol],
			})
		}()
	}
	wg.Wait()

	o.enforceEODCancel(now)
}

// enforceEODCancel cancels outstanding entry orders within EODCancelMinutes
// of the equity close (spec §4.7); protective SELL orders are left alone.
// The RearmNextSession setting is not read here or anywhere else.
func (o *Orchestrator) enforceEODCancel(now time.Time) {
	if !o.cfg.CancelAtClose {
		return
	}
	for symbol, asset := range o.assetBySym {
		if asset != types.Equity {
			continue
		}
		mins := o.cal.MinutesUntilClose(asset, now)
		if mins == nil || *mins > o.cfg.EODCancelMinutes {
			continue
		}
		if last, ok := o.lastEODCancel[symbol]; ok && now.Sub(last) < o.tickInterval {
			continue // already handled this tick window
		}
		openOrders, err := o.store.OpenOrdersFor(symbol)
		if err != nil {
			continue
		}
		for _, ord := range openOrders {
			if ord.Side != types.SideBuy {
				continue // protective orders are never EOD-cancelled
			}
			if err := o.port.Cancel(ord.OrderID); err != nil {
				o.log.Warn().Err(err).Str("symbol", symbol).Str("order_id", ord.OrderID).Msg("EOD cancel failed")
				continue
			}
			e := &types.Event{Type: types.EventEODCancel, Symbol: symbol, Severity: types.SeverityInfo, Payload: `{"order_id":"` + ord.OrderID + `"}`, Timestamp: now}
			_ = o.store.AppendEvent(e)
			if o.tg != nil {
				o.tg.Notify(e)
			}
		}
		o.lastEODCancel[symbol] = now
	}
}

func (o *Orchestrator) doKeepalive() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, err := o.port.AccountSnapshot(); err != nil {
		o.lastKeepaliveErr = err.Error()
		o.log.Warn().Err(err).Msg("keepalive failed")
	} else {
		o.lastKeepaliveErr = ""
		o.lastKeepaliveOK = time.Now()
		o.log.Debug().Msg("keepalive ok")
	}
}

// maybeSnapshot writes the daily performance rollup once per calendar day.
func (o *Orchestrator) maybeSnapshot(now time.Time) {
	exists, err := o.store.HasSnapshotForDate(now)
	if err != nil || exists {
		return
	}
	account, err := o.port.AccountSnapshot()
	if err != nil {
		return
	}
	positions, err := o.port.Positions()
	if err != nil {
		return
	}
	snap := &types.PerformanceSnapshot{
		Date:          time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()),
		AccountValue:  account.Equity,
		Cash:          account.Cash,
		PositionValue: account.PositionValue,
		OpenPositions: len(positions),
	}
	if err := o.store.SaveSnapshot(snap); err != nil {
		o.log.Error().Err(err).Msg("failed to persist daily snapshot")
	}
}

// Controllers exposes the per-symbol state machines, e.g. for a monitoring
// HTTP handler to read current status without duplicating orchestrator state.
func (o *Orchestrator) Controllers() map[string]*controller.Controller {
	return o.controllers
}
