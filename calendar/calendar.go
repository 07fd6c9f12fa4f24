// Package calendar answers "is this symbol tradable right now": NYSE regular
// trading hours for equities, always-on for crypto (spec §4.1).
package calendar

import (
	"time"

	"github.com/web3guy0/tradingctl/types"
)

var nyLocation = func() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.UTC
	}
	return loc
}()

const (
	openHour    = 9
	openMinute  = 30
	closeHour   = 16
	closeMinute = 0
)

// fixedHolidays is the NYSE full-market-closure schedule for 2024 through
// 2027; dates outside those years have no holiday entries. Early-close
// sessions (e.g. the day after Thanksgiving) are not modelled: they are
// treated as regular sessions, so on those days IsTradableNow reports the
// market open and MinutesUntilClose counts down to 16:00, past the actual
// early close.
var fixedHolidays = map[string]bool{
	"2024-01-01": true, "2024-01-15": true, "2024-02-19": true, "2024-03-29": true,
	"2024-05-27": true, "2024-06-19": true, "2024-07-04": true, "2024-09-02": true,
	"2024-11-28": true, "2024-12-25": true,
	"2025-01-01": true, "2025-01-09": true, "2025-01-20": true, "2025-02-17": true,
	"2025-04-18": true, "2025-05-26": true, "2025-06-19": true, "2025-07-04": true,
	"2025-09-01": true, "2025-11-27": true, "2025-12-25": true,
	"2026-01-01": true, "2026-01-19": true, "2026-02-16": true, "2026-04-03": true,
	"2026-05-25": true, "2026-06-19": true, "2026-07-03": true, "2026-09-07": true,
	"2026-11-26": true, "2026-12-25": true,
	"2027-01-01": true, "2027-01-18": true, "2027-02-15": true, "2027-03-26": true,
	"2027-05-31": true, "2027-06-18": true, "2027-07-05": true, "2027-09-06": true,
	"2027-11-25": true, "2027-12-24": true,
}

// Calendar answers tradability questions for the configured exchange.
type Calendar struct{}

// New returns a Calendar following the NYSE regular-session schedule.
func New() *Calendar {
	return &Calendar{}
}

func isHoliday(t time.Time) bool {
	return fixedHolidays[t.Format("2006-01-02")]
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

func sessionBounds(t time.Time) (open, close time.Time) {
	local := t.In(nyLocation)
	open = time.Date(local.Year(), local.Month(), local.Day(), openHour, openMinute, 0, 0, nyLocation)
	close = time.Date(local.Year(), local.Month(), local.Day(), closeHour, closeMinute, 0, 0, nyLocation)
	return open, close
}

// IsTradableNow reports whether the symbol may receive entry orders at now.
func (c *Calendar) IsTradableNow(asset types.AssetClass, now time.Time) bool {
	if asset == types.Crypto {
		return true
	}
	local := now.In(nyLocation)
	if isWeekend(local) || isHoliday(local) {
		return false
	}
	open, close := sessionBounds(local)
	return !local.Before(open) && local.Before(close)
}

// NextClose returns the timestamp of the next equity session close, or nil
// for crypto (which has no close). If the market is currently closed for the
// day, NextClose still returns today's close time for bookkeeping purposes —
// callers gate entry placement via IsTradableNow, not NextClose.
func (c *Calendar) NextClose(asset types.AssetClass, now time.Time) *time.Time {
	if asset == types.Crypto {
		return nil
	}
	_, close := sessionBounds(now)
	return &close
}

// MinutesUntilClose returns minutes remaining in the current equity session,
// or nil for crypto or when the market is not currently in session.
func (c *Calendar) MinutesUntilClose(asset types.AssetClass, now time.Time) *int {
	if asset == types.Crypto {
		return nil
	}
	if !c.IsTradableNow(asset, now) {
		return nil
	}
	_, close := sessionBounds(now)
	mins := int(close.Sub(now.In(nyLocation)).Minutes())
	return &mins
}
