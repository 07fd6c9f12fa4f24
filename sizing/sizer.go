// Package sizing implements admission control: the ordered hard-gate
// algorithm of spec §4.4 that converts a dollar allocation into a quantity,
// or rejects with a reason. Rejections are normal outcomes, not errors —
// grounded on risk/gate.go's CanEnter ordered check-then-reject pattern,
// adapted from risk-per-unit sizing (risk/sizing.go) to the spec's
// budget/last-price formula.
package sizing

import (
	"github.com/shopspring/decimal"

	"github.com/web3guy0/tradingctl/brokerr"
	"github.com/web3guy0/tradingctl/types"
)

// MinQtyEquity and MinQtyCrypto are the broker-minimum order sizes. Equities trade in whole shares;
// crypto allows a small fractional minimum.
var (
	MinQtyEquity = decimal.NewFromInt(1)
	MinQtyCrypto = decimal.NewFromFloat(0.0001)
)

// Request bundles everything the Sizer needs for one admission decision.
type Request struct {
	Symbol               string
	Asset                types.AssetClass
	LastPrice            decimal.Decimal
	Budget               decimal.Decimal
	AllowFractional      bool
	Account              types.AccountSnapshot
	CurrentExposureBySym map[string]decimal.Decimal
	MaxSymbolExposureUSD decimal.Decimal
	MaxTotalExposureUSD  decimal.Decimal
	MinCashReservePct    decimal.Decimal
}

// Sizer implements the spec §4.4 algorithm.
type Sizer struct{}

func New() *Sizer { return &Sizer{} }

// Size runs the ordered hard gates and returns either a quantity to submit
// or a brokerr.Error of kind AdmissionRejected.
func (s *Sizer) Size(req Request) (decimal.Decimal, error) {
	if req.LastPrice.IsZero() || req.LastPrice.IsNegative() {
		return decimal.Zero, brokerr.New(brokerr.AdmissionRejected, req.Symbol, "invalid_last_price")
	}

	// Step 2: raw_qty = budget / last_price, truncated per fractional policy.
	rawQty := req.Budget.Div(req.LastPrice)
	if req.AllowFractional {
		rawQty = rawQty.Truncate(4)
	} else {
		rawQty = rawQty.Truncate(0)
	}

	// Step 3: minimum-quantity gate.
	minQty := MinQtyEquity
	if req.Asset == types.Crypto {
		minQty = MinQtyCrypto
	}
	if rawQty.LessThan(minQty) {
		return decimal.Zero, brokerr.New(brokerr.AdmissionRejected, req.Symbol, "quantity_too_small")
	}

	notional := rawQty.Mul(req.LastPrice)

	// Step 4: per-symbol exposure gate.
	existingSymbolExposure := req.CurrentExposureBySym[req.Symbol]
	symbolExposureAfter := existingSymbolExposure.Add(notional)
	if req.MaxSymbolExposureUSD.IsPositive() && symbolExposureAfter.GreaterThan(req.MaxSymbolExposureUSD) {
		return decimal.Zero, brokerr.New(brokerr.AdmissionRejected, req.Symbol, "symbol_exposure_exceeded")
	}

	// Step 5: total exposure gate.
	totalExposure := decimal.Zero
	for _, v := range req.CurrentExposureBySym {
		totalExposure = totalExposure.Add(v)
	}
	totalExposureAfter := totalExposure.Add(notional)
	if req.MaxTotalExposureUSD.IsPositive() && totalExposureAfter.GreaterThan(req.MaxTotalExposureUSD) {
		return decimal.Zero, brokerr.New(brokerr.AdmissionRejected, req.Symbol, "total_exposure_exceeded")
	}

	// Step 6: cash reserve gate.
	cashAfter := req.Account.Cash.Sub(notional)
	minReserve := req.Account.Equity.Mul(req.MinCashReservePct).Div(decimal.NewFromInt(100))
	if cashAfter.LessThan(minReserve) {
		return decimal.Zero, brokerr.New(brokerr.AdmissionRejected, req.Symbol, "cash_reserve_violated")
	}

	return rawQty, nil
}
