package storage

import (
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/tradingctl/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STORE - Durable, restart-safe persistence
// ═══════════════════════════════════════════════════════════════════════════════
//
// Five tables, uniqueness enforced on symbol / order_id / exec_id as required.
// Fill inserts are idempotent on exec_id; Order writes are upserts on order_id.
// State and order writes and Event appends are separate statements: they do
// not share a transaction, so a crash between a write and the Event append
// that documents it leaves the write without its Event.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Store wraps a gorm.DB connection to either Postgres (production) or
// SQLite (paper mode / tests, including ":memory:").
type Store struct {
	db *gorm.DB
}

// New opens the Store against dsn. A "postgres://" or "postgresql://" prefix
// selects the Postgres driver; anything else (including ":memory:" and a
// file path) selects SQLite.
func New(dsn string) (*Store, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("store connected (postgres)")
	} else {
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("dsn", dsn).Msg("store connected (sqlite)")
	}

	if err := db.AutoMigrate(
		&types.SymbolState{},
		&types.Order{},
		&types.Fill{},
		&types.Event{},
		&types.PerformanceSnapshot{},
	); err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --- SymbolState ---

// StateFor returns the persisted row for symbol, creating it lazily with
// zero-value fields (no cooldown, no pending orders) if it does not yet
// exist — spec §3 lifecycle: "created lazily on first controller tick".
func (s *Store) StateFor(symbol string, asset types.AssetClass) (*types.SymbolState, error) {
	var st types.SymbolState
	err := s.db.Where("symbol = ?", symbol).First(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		st = types.SymbolState{Symbol: symbol, AssetClass: asset}
		if err := s.db.Create(&st).Error; err != nil {
			return nil, err
		}
		return &st, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// SaveState persists the full SymbolState row.
func (s *Store) SaveState(st *types.SymbolState) error {
	return s.db.Save(st).Error
}

// --- Orders ---

// UpsertOrder inserts or updates the Order row keyed by OrderID.
func (s *Store) UpsertOrder(o *types.Order) error {
	o.UpdatedAt = time.Now()
	var existing types.Order
	err := s.db.Where("order_id = ?", o.OrderID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.db.Create(o).Error
	}
	if err != nil {
		return err
	}
	return s.db.Model(&types.Order{}).Where("order_id = ?", o.OrderID).Updates(o).Error
}

// OpenOrdersFor returns all orders for symbol whose status is still open.
func (s *Store) OpenOrdersFor(symbol string) ([]types.Order, error) {
	var orders []types.Order
	err := s.db.Where("symbol = ? AND status IN ?", symbol,
		[]types.OrderStatus{types.StatusOpen, types.StatusPartiallyFilled}).Find(&orders).Error
	return orders, err
}

// GetOrder returns a single order by ID.
func (s *Store) GetOrder(orderID string) (*types.Order, error) {
	var o types.Order
	err := s.db.Where("order_id = ?", orderID).First(&o).Error
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// --- Fills ---

// FillExists reports whether a Fill with this exec_id has already been
// recorded — the idempotence check required before every insert (spec §4.6).
func (s *Store) FillExists(execID string) (bool, error) {
	var count int64
	err := s.db.Model(&types.Fill{}).Where("exec_id = ?", execID).Count(&count).Error
	return count > 0, err
}

// InsertFill records a fill. It runs FillExists itself and treats an
// already-recorded exec_id as a no-op. A concurrent insert of the same
// exec_id is refused by the exec_id primary key and that error is returned,
// so a racing double-insert still cannot violate invariant I4.
func (s *Store) InsertFill(f *types.Fill) error {
	exists, err := s.FillExists(f.ExecID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return s.db.Create(f).Error
}

// RecentFills returns the most recent fills, newest first, capped at limit
// (spec §6 monitoring surface: N=200 max).
func (s *Store) RecentFills(limit int) ([]types.Fill, error) {
	if limit > 200 {
		limit = 200
	}
	var fills []types.Fill
	err := s.db.Order("timestamp desc").Limit(limit).Find(&fills).Error
	return fills, err
}

// --- Events ---

// AppendEvent writes one audit-log row. Called in the same logical step as
// the state mutation it documents (spec §4.2 contract).
func (s *Store) AppendEvent(e *types.Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	return s.db.Create(e).Error
}

// RecentEvents returns the most recent events, newest first, capped at 200.
func (s *Store) RecentEvents(limit int) ([]types.Event, error) {
	if limit > 200 {
		limit = 200
	}
	var events []types.Event
	err := s.db.Order("timestamp desc").Limit(limit).Find(&events).Error
	return events, err
}

// --- Performance snapshots ---

// SaveSnapshot upserts the daily snapshot for snap.Date (one row per day).
func (s *Store) SaveSnapshot(snap *types.PerformanceSnapshot) error {
	var existing types.PerformanceSnapshot
	err := s.db.Where("date = ?", snap.Date).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.db.Create(snap).Error
	}
	if err != nil {
		return err
	}
	snap.ID = existing.ID
	return s.db.Save(snap).Error
}

// RecentSnapshots returns the most recent daily snapshots, newest first,
// capped at 90 (spec §6 monitoring surface: N=90 max).
func (s *Store) RecentSnapshots(limit int) ([]types.PerformanceSnapshot, error) {
	if limit > 90 {
		limit = 90
	}
	var snaps []types.PerformanceSnapshot
	err := s.db.Order("date desc").Limit(limit).Find(&snaps).Error
	return snaps, err
}

// HasSnapshotForDate reports whether a snapshot already exists for date's
// calendar day, used by the orchestrator to fire the daily snapshot once.
func (s *Store) HasSnapshotForDate(date time.Time) (bool, error) {
	var count int64
	day := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	err := s.db.Model(&types.PerformanceSnapshot{}).Where("date = ?", day).Count(&count).Error
	return count > 0, err
}

// --- Aggregate counters for the monitoring surface ---

// OrderCounts tallies all-time order rows by status, grounded on the
// teacher's execution/executor.go GetMetrics() (ordersSubmitted/ordersFilled/
// ordersRejected counters), here derived from persisted rows instead of
// in-memory counters so they survive a restart.
func (s *Store) OrderCounts() (submitted, filled, rejected int64, err error) {
	if err = s.db.Model(&types.Order{}).Count(&submitted).Error; err != nil {
		return
	}
	if err = s.db.Model(&types.Order{}).Where("status IN ?",
		[]types.OrderStatus{types.StatusFilled, types.StatusPartiallyFilled}).Count(&filled).Error; err != nil {
		return
	}
	err = s.db.Model(&types.Order{}).Where("status = ?", types.StatusRejected).Count(&rejected).Error
	return
}

// FillCount returns the all-time count of recorded fills.
func (s *Store) FillCount() (int64, error) {
	var n int64
	err := s.db.Model(&types.Fill{}).Count(&n).Error
	return n, err
}

// LatestActivityTime returns the newest timestamp across all persisted Order
// (UpdatedAt) and Fill (Timestamp) rows, or the zero time if the Store has
// never recorded either. Used by the Event Engine to recover the real
// downtime gap on cold start instead of guessing a fixed overlap window
// (spec §4.6 point 4, §8 scenario 5).
func (s *Store) LatestActivityTime() (time.Time, error) {
	var latest time.Time

	var o types.Order
	err := s.db.Order("updated_at desc").Limit(1).Find(&o).Error
	if err != nil {
		return time.Time{}, err
	}
	if o.UpdatedAt.After(latest) {
		latest = o.UpdatedAt
	}

	var f types.Fill
	err = s.db.Order("timestamp desc").Limit(1).Find(&f).Error
	if err != nil {
		return time.Time{}, err
	}
	if f.Timestamp.After(latest) {
		latest = f.Timestamp
	}

	return latest, nil
}
