// Package config loads the keys enumerated in spec §6 from the environment,
// except hours.calendar: no calendar key is read and the calendar package is
// NYSE-only. It follows the teacher's godotenv + os.Getenv-with-fallback
// idiom (risk/gate.go, risk/manager.go).
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/tradingctl/types"
)

// WatchlistEntry pairs a symbol with its asset class, resolved once at
// config load (spec §9: typed AssetClass, not a substring check at use time).
type WatchlistEntry struct {
	Symbol string
	Asset  types.AssetClass
}

// Config is the fully assembled runtime configuration.
type Config struct {
	Mode   string // "paper" or "live"
	DryRun bool   // simulate broker calls without submitting real orders

	AlpacaAPIKey    string
	AlpacaAPISecret string

	Watchlist []WatchlistEntry

	// Allocation
	TotalUSDCap           decimal.Decimal
	PerSymbolUSD          decimal.Decimal
	PerSymbolOverride     map[string]decimal.Decimal
	MinCashReservePercent decimal.Decimal
	AllowFractional       bool

	// Entries
	EntryType          string // "buy_stop" / "buy_stop_limit"
	BuyStopPctAboveLast decimal.Decimal
	StopLimitMaxSlipPct decimal.Decimal
	EntryTIF           string
	CancelAtClose      bool
	RearmNextSession   bool

	// Stops
	TrailingStopPct    decimal.Decimal
	UseTrailingLimit   bool
	TrailLimitOffsetPct decimal.Decimal
	StopTIF            string

	// Risk
	MaxTotalExposureUSD  decimal.Decimal
	MaxSymbolExposureUSD decimal.Decimal

	// Hours
	AllowPreMarket  bool
	AllowAfterHours bool

	// Cooldowns
	AfterStopoutMinutes int

	// Polling
	PriceSeconds       int
	OrdersSeconds      int
	KeepaliveSeconds   int
	EventCheckSeconds  int
	EODCancelMinutes   int
	StabilizationWindow time.Duration
	StalenessWindow     time.Duration

	// Storage / notifications
	DatabaseDSN   string
	TelegramToken string
	TelegramChatID int64
}

// Load reads .env (if present, silently ignored otherwise) then assembles
// Config from the environment, applying the spec's documented defaults.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, relying on process environment")
	}

	cfg := &Config{
		Mode:            envString("MODE", "paper"),
		DryRun:          envBool("DRY_RUN", false),
		AlpacaAPIKey:    os.Getenv("ALPACA_API_KEY"),
		AlpacaAPISecret: os.Getenv("ALPACA_API_SECRET"),

		Watchlist: buildWatchlist(),

		TotalUSDCap:           envDecimal("TOTAL_USD_CAP", 50000),
		PerSymbolUSD:          envDecimal("PER_SYMBOL_USD", 1000),
		PerSymbolOverride:     envDecimalMap("PER_SYMBOL_OVERRIDE"),
		MinCashReservePercent: envDecimal("MIN_CASH_RESERVE_PERCENT", 10),
		AllowFractional:       envBool("ALLOW_FRACTIONAL", false),

		EntryType:           envString("ENTRY_TYPE", "buy_stop"),
		BuyStopPctAboveLast: envDecimal("BUY_STOP_PCT_ABOVE_LAST", 5),
		StopLimitMaxSlipPct: envDecimal("STOP_LIMIT_MAX_SLIP_PCT", 1),
		EntryTIF:            envString("ENTRY_TIF", "DAY"),
		CancelAtClose:       envBool("CANCEL_AT_CLOSE", true),
		RearmNextSession:    envBool("REARM_NEXT_SESSION", true),

		TrailingStopPct:     envDecimal("TRAILING_STOP_PCT", 10),
		UseTrailingLimit:    envBool("USE_TRAILING_LIMIT", false),
		TrailLimitOffsetPct: envDecimal("TRAIL_LIMIT_OFFSET_PCT", 0.5),
		StopTIF:             envString("STOP_TIF", "GTC"),

		MaxTotalExposureUSD:  envDecimal("MAX_TOTAL_EXPOSURE_USD", 25000),
		MaxSymbolExposureUSD: envDecimal("MAX_SYMBOL_EXPOSURE_USD", 5000),

		AllowPreMarket:  envBool("ALLOW_PRE_MARKET", false),
		AllowAfterHours: envBool("ALLOW_AFTER_HOURS", false),

		AfterStopoutMinutes: envInt("AFTER_STOPOUT_MINUTES", 20),

		PriceSeconds:        envInt("PRICE_SECONDS", 5),
		OrdersSeconds:       envInt("ORDERS_SECONDS", 5),
		KeepaliveSeconds:    envInt("KEEPALIVE_SECONDS", 300),
		EventCheckSeconds:   envInt("EVENT_CHECK_SECONDS", 5),
		EODCancelMinutes:    envInt("EOD_CANCEL_MINUTES", 15),
		StabilizationWindow: time.Duration(envInt("STABILIZATION_WINDOW_SECONDS", 10)) * time.Second,
		StalenessWindow:     time.Duration(envInt("STALENESS_WINDOW_SECONDS", 30)) * time.Second,

		DatabaseDSN:    envString("DATABASE_DSN", "tradingctl.db"),
		TelegramToken:  os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID: int64(envInt("TELEGRAM_CHAT_ID", 0)),
	}

	return cfg
}

func buildWatchlist() []WatchlistEntry {
	var out []WatchlistEntry
	for _, sym := range splitCSV(os.Getenv("WATCHLIST")) {
		out = append(out, WatchlistEntry{Symbol: sym, Asset: types.Equity})
	}
	for _, sym := range splitCSV(os.Getenv("CRYPTO_WATCHLIST")) {
		out = append(out, WatchlistEntry{Symbol: sym, Asset: types.Crypto})
	}
	return out
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDecimal(key string, fallback float64) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return decimal.NewFromFloat(fallback)
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// envDecimalMap parses KEY in the form "TSLA:500,AAPL:750" into a map.
func envDecimalMap(key string) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	v := os.Getenv(key)
	if v == "" {
		return out
	}
	for _, pair := range strings.Split(v, ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(kv) != 2 {
			continue
		}
		if d, err := decimal.NewFromString(strings.TrimSpace(kv[1])); err == nil {
			out[strings.TrimSpace(kv[0])] = d
		}
	}
	return out
}

// Budget returns the per-symbol dollar allocation for symbol per spec §4.4
// step 1: per_symbol_override[symbol] if present, else per_symbol_usd.
func (c *Config) Budget(symbol string) decimal.Decimal {
	if v, ok := c.PerSymbolOverride[symbol]; ok {
		return v
	}
	return c.PerSymbolUSD
}
