// Package broker defines the Broker Port — the narrow capability interface
// the core depends on (spec §4.3) — and a REST adapter implementing it
// against an Alpaca-shaped equities+crypto broker.
package broker

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/tradingctl/types"
)

// Port is the capability interface the Symbol Controller, Event Engine, and
// Orchestrator consume. The core never imports a concrete broker package; it
// depends only on this interface, so any REST broker adapter may implement
// it.
type Port interface {
	LastPrice(symbol string) (types.Quote, error)
	AccountSnapshot() (types.AccountSnapshot, error)
	OpenOrders() ([]types.Order, error)
	ClosedOrders(since time.Time) ([]types.Order, []types.Fill, error)
	Positions() ([]types.Position, error)

	// SubmitEntry places a breakout entry order. limitOffsetPct is only
	// meaningful when the adapter chooses STOP_LIMIT for an equity.
	SubmitEntry(symbol string, asset types.AssetClass, qty decimal.Decimal, stopTrigger decimal.Decimal, limitOffsetPct *decimal.Decimal, tif string) (orderID string, err error)

	// SubmitProtective places the protective sell. trailPct is used for
	// equities (native trailing stop); fixedStopPrice is used for crypto
	// (fixed limit, see spec §4.3 asset-class adaptation).
	SubmitProtective(symbol string, asset types.AssetClass, qty decimal.Decimal, trailPct *decimal.Decimal, fixedStopPrice *decimal.Decimal, tif string) (orderID string, err error)

	Cancel(orderID string) error
}
