package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// AssetClass distinguishes equities (RTH-gated) from crypto (always tradable).
// Derived once at config load time and carried on every watchlist entry, not
// re-derived from the symbol string on every use.
type AssetClass int

const (
	Equity AssetClass = iota
	Crypto
)

func (a AssetClass) String() string {
	if a == Crypto {
		return "CRYPTO"
	}
	return "EQUITY"
}

// OrderSide is BUY or SELL.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderType is the broker-level order type the Broker Port submitted.
type OrderType string

const (
	OrderStop         OrderType = "STOP"
	OrderStopLimit    OrderType = "STOP_LIMIT"
	OrderTrailingStop OrderType = "TRAILING_STOP"
	OrderLimit        OrderType = "LIMIT"
	OrderMarket       OrderType = "MARKET"
)

// OrderStatus mirrors the broker's order lifecycle.
type OrderStatus string

const (
	StatusOpen            OrderStatus = "open"
	StatusFilled          OrderStatus = "filled"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusCanceled        OrderStatus = "canceled"
	StatusRejected        OrderStatus = "rejected"
	StatusExpired         OrderStatus = "expired"
)

func (s OrderStatus) Open() bool {
	return s == StatusOpen || s == StatusPartiallyFilled
}

func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCanceled || s == StatusRejected || s == StatusExpired
}

// Status is the derived per-symbol state-machine status (spec §4.5).
type Status string

const (
	NoPosition   Status = "NO_POSITION"
	EntryPending Status = "ENTRY_PENDING"
	PositionOpen Status = "POSITION_OPEN"
	Cooldown     Status = "COOLDOWN"
)

// SymbolState is the one persisted row per symbol (spec §3).
type SymbolState struct {
	Symbol                   string     `gorm:"primaryKey;column:symbol"`
	AssetClass               AssetClass `gorm:"column:asset_class"`
	CooldownUntil            *time.Time `gorm:"column:cooldown_until"`
	LastParentID             string     `gorm:"column:last_parent_id"`
	LastTrailID              string     `gorm:"column:last_trail_id"`
	LastProtectiveSubmittedAt *time.Time `gorm:"column:last_protective_submitted_at"`
	CreatedAt                time.Time  `gorm:"column:created_at"`
	UpdatedAt                time.Time  `gorm:"column:updated_at"`
}

func (SymbolState) TableName() string { return "state" }

// Order is one row per broker order the controller has observed (spec §3).
type Order struct {
	OrderID      string          `gorm:"primaryKey;column:order_id"`
	Symbol       string          `gorm:"column:symbol;index"`
	Side         OrderSide       `gorm:"column:side"`
	Type         OrderType       `gorm:"column:type"`
	Status       OrderStatus     `gorm:"column:status;index"`
	Quantity     decimal.Decimal `gorm:"column:quantity;type:decimal(20,8)"`
	FilledQty    decimal.Decimal `gorm:"column:filled_qty;type:decimal(20,8)"`
	StopPrice    *decimal.Decimal `gorm:"column:stop_price;type:decimal(20,8)"`
	LimitPrice   *decimal.Decimal `gorm:"column:limit_price;type:decimal(20,8)"`
	TrailingPct  *decimal.Decimal `gorm:"column:trailing_pct;type:decimal(10,4)"`
	ParentID     string          `gorm:"column:parent_id"`
	SubmittedAt  time.Time       `gorm:"column:submitted_at"`
	UpdatedAt    time.Time       `gorm:"column:updated_at"`
}

func (Order) TableName() string { return "orders" }

// Fill is one row per execution, unique on ExecID (spec §3, invariant I4).
type Fill struct {
	ExecID    string          `gorm:"primaryKey;column:exec_id"`
	OrderID   string          `gorm:"column:order_id;index"`
	Symbol    string          `gorm:"column:symbol;index"`
	Side      OrderSide       `gorm:"column:side"`
	Quantity  decimal.Decimal `gorm:"column:quantity;type:decimal(20,8)"`
	Price     decimal.Decimal `gorm:"column:price;type:decimal(20,8)"`
	Timestamp time.Time       `gorm:"column:timestamp;index"`
}

func (Fill) TableName() string { return "fills" }

// EventType enumerates the audit-log event types this repository emits.
type EventType string

const (
	EventEntryOrderPlaced          EventType = "entry_order_placed"
	EventEntryCanceled             EventType = "entry_canceled"
	EventTrailingStopPlaced        EventType = "trailing_stop_placed_after_entry"
	EventProtectiveRecreated       EventType = "protective_recreated"
	EventDuplicateStopCancelled    EventType = "duplicate_stop_cancelled"
	EventProtectiveRequantified    EventType = "protective_requantified"
	EventStopoutCooldownStarted    EventType = "stopout_cooldown_started"
	EventFillReceived              EventType = "fill_received"
	EventAdmissionRejected         EventType = "admission_rejected"
	EventEODCancel                 EventType = "eod_cancel"
	EventTransportError            EventType = "transport_error"
	EventValidationError           EventType = "validation_error"
	EventFatalNotSupported          EventType = "fatal_not_supported"
	EventProtectiveSubmitFailed    EventType = "protective_submit_failed"
)

// Severity classifies an Event for the notification sink (ambient, not core).
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityCritical Severity = "critical"
)

// Event is the append-only audit log row (spec §3).
type Event struct {
	ID        uint      `gorm:"primaryKey;autoIncrement;column:id"`
	Type      EventType `gorm:"column:type;index"`
	Symbol    string    `gorm:"column:symbol;index"`
	Severity  Severity  `gorm:"column:severity"`
	Payload   string    `gorm:"column:payload"` // JSON-encoded detail
	Timestamp time.Time `gorm:"column:timestamp;index"`
}

func (Event) TableName() string { return "events" }

// PerformanceSnapshot is the daily account-level rollup (spec §3).
type PerformanceSnapshot struct {
	ID               uint            `gorm:"primaryKey;autoIncrement;column:id"`
	Date             time.Time       `gorm:"column:date;uniqueIndex"`
	AccountValue     decimal.Decimal `gorm:"column:account_value;type:decimal(20,2)"`
	Cash             decimal.Decimal `gorm:"column:cash;type:decimal(20,2)"`
	PositionValue    decimal.Decimal `gorm:"column:position_value;type:decimal(20,2)"`
	RealizedPnL      decimal.Decimal `gorm:"column:realized_pnl;type:decimal(20,2)"`
	UnrealizedPnL    decimal.Decimal `gorm:"column:unrealized_pnl;type:decimal(20,2)"`
	DailyPnL         decimal.Decimal `gorm:"column:daily_pnl;type:decimal(20,2)"`
	OpenPositions    int             `gorm:"column:open_positions"`
	CreatedAt        time.Time       `gorm:"column:created_at"`
}

func (PerformanceSnapshot) TableName() string { return "performance_snapshots" }

// Position is the broker-reported open position for a symbol (not persisted
// directly — it is read fresh from the Broker Port every tick per spec §4.5).
type Position struct {
	Symbol        string
	Quantity      decimal.Decimal
	AvgEntryPrice decimal.Decimal
}

// Quote is a last-price observation with the staleness timestamp spec §4.5
// checks against the configured staleness window.
type Quote struct {
	Symbol    string
	Price     decimal.Decimal
	Timestamp time.Time
}

// AccountSnapshot is the broker's account-level view (spec §4.3).
type AccountSnapshot struct {
	Equity        decimal.Decimal
	Cash          decimal.Decimal
	BuyingPower   decimal.Decimal
	PositionValue decimal.Decimal
}
