package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/martin-bot/martin/internal/domain"
)

type Database struct {
	db *gorm.DB
}

// Models

// MarketWindow is one hourly binary market. Discovery creates it, settlement
// writes Outcome exactly once, rows are never deleted.
type MarketWindow struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	Asset       string `gorm:"index"` // BTC, ETH
	Slug        string `gorm:"uniqueIndex"`
	ConditionID string
	UpTokenID   string
	DownTokenID string
	StartTs     int64
	EndTs       int64  `gorm:"index"`
	Outcome     string // "" until resolved, then UP or DOWN
	CreatedAt   time.Time
}

func (w *MarketWindow) IsExpired(currentTs int64) bool {
	return currentTs >= w.EndTs
}

func (w *MarketWindow) TimeRemaining(currentTs int64) int64 {
	if r := w.EndTs - currentTs; r > 0 {
		return r
	}
	return 0
}

// Signal is the at-most-one qualifying signal per window. Immutable once
// written.
type Signal struct {
	ID               uint `gorm:"primaryKey;autoIncrement"`
	WindowID         uint `gorm:"index"`
	Direction        string
	SignalTs         int64
	ConfirmTs        int64
	Quality          float64
	QualityBreakdown string // JSON blob of domain.QualityBreakdown
	AnchorBarTs      int64
	CreatedAt        time.Time
}

// Trade is the per-window lifecycle record. Status only mutates through the
// state machine.
type Trade struct {
	ID               uint   `gorm:"primaryKey;autoIncrement"`
	WindowID         uint   `gorm:"index:idx_trades_window_status"`
	SignalID         *uint  `gorm:"index"`
	Status           string `gorm:"index:idx_trades_window_status"`
	TimeMode         string // DAY or NIGHT at creation
	PolicyMode       string // BASE or STRICT at creation
	Decision         string
	CancelReason     string
	TokenID          string
	OrderID          string
	FillStatus       string
	FillPrice        decimal.NullDecimal `gorm:"type:decimal(10,6)"`
	StakeAmount      decimal.Decimal     `gorm:"type:decimal(20,6)"`
	Pnl              decimal.NullDecimal `gorm:"type:decimal(20,6)"`
	IsWin            *bool
	SawLowQuality    bool // a signal fired but scored under the threshold
	TradeLevelStreak int
	NightStreak      int
	ReadyTs          int64 // when the trade reached READY, drives day auto-skip
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// IsTaken reports a positive decision (user OK or night auto-OK).
func (t *Trade) IsTaken() bool {
	return t.Decision == string(domain.DecisionOK) || t.Decision == string(domain.DecisionAutoOK)
}

func (t *Trade) IsTerminal() bool {
	return domain.TradeStatus(t.Status).IsTerminal()
}

// CountsForStreak is the streak predicate: taken AND filled.
func (t *Trade) CountsForStreak() bool {
	return t.IsTaken() && t.FillStatus == string(domain.FillFilled)
}

// CapCheck is the bookkeeping row for the price-cap validator.
type CapCheck struct {
	ID               uint `gorm:"primaryKey;autoIncrement"`
	TradeID          uint `gorm:"index"`
	TokenID          string
	ConfirmTs        int64
	EndTs            int64
	Status           string `gorm:"index"`
	ConsecutiveTicks int
	FirstPassTs      *int64
	PriceAtPass      decimal.NullDecimal `gorm:"type:decimal(10,6)"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Stats is the process-wide singleton, row id fixed to 1.
type Stats struct {
	ID                       uint `gorm:"primaryKey;check:id = 1"`
	TradeLevelStreak         int
	NightStreak              int
	PolicyMode               string
	TotalTrades              int
	TotalWins                int
	TotalLosses              int
	LastStrictDayThreshold   *float64
	LastStrictNightThreshold *float64
	LastQuantileUpdateTs     int64
	IsPaused                 bool
	DayOnly                  bool
	NightOnly                bool
	UpdatedAt                time.Time
}

func (s *Stats) WinRate() float64 {
	if s.TotalTrades == 0 {
		return 0
	}
	return float64(s.TotalWins) / float64(s.TotalTrades) * 100
}

// Setting is a key/value override read through at runtime. DB beats env.
type Setting struct {
	Key       string `gorm:"primaryKey"`
	Value     string
	UpdatedAt time.Time
}

func New(dbPath string) (*Database, error) {
	var db *gorm.DB
	var err error

	// Check if this is a PostgreSQL connection string
	if strings.HasPrefix(dbPath, "postgres://") || strings.HasPrefix(dbPath, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Database connected (PostgreSQL)")
	} else {
		// SQLite fallback
		if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, err
			}
		}
		db, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dbPath).Msg("Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(&MarketWindow{}, &Signal{}, &Trade{}, &CapCheck{}, &Stats{}, &Setting{}); err != nil {
		return nil, err
	}

	return &Database{db: db}, nil
}

// NewInMemory opens a throwaway SQLite database, used by tests. Each call
// gets its own database so tests cannot leak state into each other.
func NewInMemory() (*Database, error) {
	n := atomic.AddUint64(&memDBCounter, 1)
	return New(fmt.Sprintf("file:memdb%d?mode=memory&cache=shared", n))
}

var memDBCounter uint64

// Market window operations

// SaveWindow inserts a window unless its slug is already known, returning the
// persisted row either way.
func (d *Database) SaveWindow(window *MarketWindow) (*MarketWindow, error) {
	var existing MarketWindow
	err := d.db.Where("slug = ?", window.Slug).First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if err := d.db.Create(window).Error; err != nil {
		return nil, err
	}
	return window, nil
}

func (d *Database) GetWindow(id uint) (*MarketWindow, error) {
	var window MarketWindow
	err := d.db.First(&window, "id = ?", id).Error
	return &window, err
}

func (d *Database) GetWindowBySlug(slug string) (*MarketWindow, error) {
	var window MarketWindow
	err := d.db.First(&window, "slug = ?", slug).Error
	return &window, err
}

// SetWindowOutcome records the resolved outcome. Writes only once.
func (d *Database) SetWindowOutcome(id uint, outcome domain.Direction) error {
	return d.db.Model(&MarketWindow{}).
		Where("id = ? AND outcome = ''", id).
		Update("outcome", string(outcome)).Error
}

// Signal operations

func (d *Database) CreateSignal(signal *Signal) error {
	return d.db.Create(signal).Error
}

func (d *Database) GetSignal(id uint) (*Signal, error) {
	var signal Signal
	err := d.db.First(&signal, "id = ?", id).Error
	return &signal, err
}

// Trade operations

func (d *Database) CreateTrade(trade *Trade) error {
	return d.db.Create(trade).Error
}

func (d *Database) UpdateTrade(trade *Trade) error {
	return d.db.Save(trade).Error
}

func (d *Database) GetTrade(id uint) (*Trade, error) {
	var trade Trade
	err := d.db.First(&trade, "id = ?", id).Error
	return &trade, err
}

var terminalStatuses = []string{
	string(domain.StatusSettled),
	string(domain.StatusCancelled),
	string(domain.StatusError),
}

// GetActiveTrades returns every non-terminal trade ordered by creation.
func (d *Database) GetActiveTrades() ([]Trade, error) {
	var trades []Trade
	err := d.db.Where("status NOT IN ?", terminalStatuses).Order("created_at ASC").Find(&trades).Error
	return trades, err
}

// GetActiveTradeForWindow returns the single non-terminal trade of a window,
// or gorm.ErrRecordNotFound.
func (d *Database) GetActiveTradeForWindow(windowID uint) (*Trade, error) {
	var trade Trade
	err := d.db.Where("window_id = ? AND status NOT IN ?", windowID, terminalStatuses).First(&trade).Error
	return &trade, err
}

func (d *Database) GetTradesByStatus(status domain.TradeStatus) ([]Trade, error) {
	var trades []Trade
	err := d.db.Where("status = ?", string(status)).Order("created_at ASC").Find(&trades).Error
	return trades, err
}

// GetQualitySamples returns signal qualities of taken and filled trades in
// the given time mode since sinceTs, newest first, capped at limit. Feeds the
// STRICT rolling quantile.
func (d *Database) GetQualitySamples(mode domain.TimeMode, sinceTs int64, limit int) ([]float64, error) {
	var qualities []float64
	err := d.db.Model(&Trade{}).
		Joins("JOIN signals ON signals.id = trades.signal_id").
		Where("trades.time_mode = ?", string(mode)).
		Where("trades.decision IN ?", []string{string(domain.DecisionOK), string(domain.DecisionAutoOK)}).
		Where("trades.fill_status = ?", string(domain.FillFilled)).
		Where("trades.created_at >= ?", time.Unix(sinceTs, 0)).
		Order("trades.created_at DESC").
		Limit(limit).
		Pluck("signals.quality", &qualities).Error
	return qualities, err
}

// Cap check operations

func (d *Database) CreateCapCheck(check *CapCheck) error {
	return d.db.Create(check).Error
}

func (d *Database) UpdateCapCheck(check *CapCheck) error {
	return d.db.Save(check).Error
}

func (d *Database) GetCapCheckForTrade(tradeID uint) (*CapCheck, error) {
	var check CapCheck
	err := d.db.Where("trade_id = ?", tradeID).First(&check).Error
	return &check, err
}

// Stats operations

// GetStats returns the singleton row, creating it on first access.
func (d *Database) GetStats() (*Stats, error) {
	var stats Stats
	err := d.db.Where(Stats{ID: 1}).Attrs(Stats{
		PolicyMode: string(domain.PolicyBase),
	}).FirstOrCreate(&stats).Error
	return &stats, err
}

func (d *Database) SaveStats(stats *Stats) error {
	stats.ID = 1
	return d.db.Save(stats).Error
}

// Settings operations

func (d *Database) GetSetting(key string) (string, bool) {
	var setting Setting
	if err := d.db.First(&setting, "key = ?", key).Error; err != nil {
		return "", false
	}
	return setting.Value, true
}

func (d *Database) SetSetting(key, value string) error {
	setting := Setting{Key: key, Value: value, UpdatedAt: time.Now()}
	return d.db.Save(&setting).Error
}

// Summary operations

// GetSummary aggregates counters for the /stats command.
func (d *Database) GetSummary() (map[string]interface{}, error) {
	summary := make(map[string]interface{})

	var windowCount int64
	d.db.Model(&MarketWindow{}).Count(&windowCount)
	summary["total_windows"] = windowCount

	var tradeCount int64
	d.db.Model(&Trade{}).Count(&tradeCount)
	summary["total_trades"] = tradeCount

	var activeCount int64
	d.db.Model(&Trade{}).Where("status NOT IN ?", terminalStatuses).Count(&activeCount)
	summary["active_trades"] = activeCount

	var settledCount int64
	d.db.Model(&Trade{}).Where("status = ?", string(domain.StatusSettled)).Count(&settledCount)
	summary["settled_trades"] = settledCount

	var pnlResult struct {
		Total decimal.Decimal
	}
	d.db.Model(&Trade{}).Select("COALESCE(SUM(pnl), 0) as total").Scan(&pnlResult)
	summary["total_pnl"] = pnlResult.Total

	return summary, nil
}
