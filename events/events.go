// Package events implements the Event Engine (spec §4.6): polling the
// broker's open and closed orders, attributing fills exactly once via
// exec_id dedup, and dispatching timestamp-ordered fills per symbol.
//
// Grounded on execution/reconciler.go's load-then-persist recovery shape and
// core/router.go's per-symbol dispatch pattern, adapted from position
// recovery to ongoing fill polling.
package events

import (
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/web3guy0/tradingctl/broker"
	"github.com/web3guy0/tradingctl/storage"
	"github.com/web3guy0/tradingctl/types"
)

// Engine polls the broker for order and fill state and hands each symbol its
// own timestamp-ordered slice of new fills every tick.
type Engine struct {
	port  broker.Port
	store *storage.Store
	log   zerolog.Logger

	// overlap widens the closed-orders lookback window past the last poll
	// to tolerate clock skew between this process and the broker (spec
	// §4.6; the orchestrator passes twice the poll interval).
	overlap time.Duration

	lastPoll time.Time
}

// New builds an Event Engine. overlap should be a few multiples of the
// expected clock skew; the spec's reference value is 2x the poll interval.
func New(port broker.Port, store *storage.Store, overlap time.Duration, logger zerolog.Logger) *Engine {
	return &Engine{
		port:    port,
		store:   store,
		overlap: overlap,
		log:     logger.With().Str("component", "events").Logger(),
	}
}

// coldStartSince picks the closed_orders(since) lower bound for the first
// poll after process start. A fixed overlap window only covers clock skew,
// not an arbitrary crash/restart gap — so this derives the real downtime
// from the newest Order/Fill timestamp already in the Store, falling back to
// the overlap window only when the Store has no prior activity at all (a
// brand-new deployment, not a restart).
func (e *Engine) coldStartSince(now time.Time) time.Time {
	latest, err := e.store.LatestActivityTime()
	if err != nil {
		e.log.Warn().Err(err).Msg("failed to determine latest store activity, falling back to overlap window")
		return now.Add(-e.overlap)
	}
	if latest.IsZero() {
		return now.Add(-e.overlap)
	}
	return latest.Add(-e.overlap)
}

// Poll fetches open orders and recently-closed orders/fills, upserts order
// rows, idempotently records new fills, and returns the new fills grouped by
// symbol in ascending timestamp order — ready for per-symbol dispatch.
func (e *Engine) Poll(now time.Time) (map[string][]types.Fill, error) {
	openOrders, err := e.port.OpenOrders()
	if err != nil {
		return nil, err
	}
	for i := range openOrders {
		if err := e.store.UpsertOrder(&openOrders[i]); err != nil {
			e.log.Error().Err(err).Str("order_id", openOrders[i].OrderID).Msg("failed to upsert open order")
		}
	}

	since := e.lastPoll
	if since.IsZero() {
		since = e.coldStartSince(now)
	} else {
		since = since.Add(-e.overlap)
	}

	closedOrders, fills, err := e.port.ClosedOrders(since)
	if err != nil {
		return nil, err
	}
	for i := range closedOrders {
		if err := e.store.UpsertOrder(&closedOrders[i]); err != nil {
			e.log.Error().Err(err).Str("order_id", closedOrders[i].OrderID).Msg("failed to upsert closed order")
		}
	}

	bySymbol := make(map[string][]types.Fill)
	for _, f := range fills {
		exists, err := e.store.FillExists(f.ExecID)
		if err != nil {
			e.log.Error().Err(err).Str("exec_id", f.ExecID).Msg("failed to check fill existence")
			continue
		}
		if exists {
			continue // already attributed — exactly-once guarantee (spec invariant I4)
		}
		if err := e.store.InsertFill(&f); err != nil {
			e.log.Error().Err(err).Str("exec_id", f.ExecID).Msg("failed to persist fill")
			continue
		}
		bySymbol[f.Symbol] = append(bySymbol[f.Symbol], f)
	}

	for sym := range bySymbol {
		fs := bySymbol[sym]
		sort.Slice(fs, func(i, j int) bool { return fs[i].Timestamp.Before(fs[j].Timestamp) })
		bySymbol[sym] = fs
	}

	e.lastPoll = now
	return bySymbol, nil
}
