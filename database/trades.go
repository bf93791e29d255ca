package database

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Repository handles trade-record persistence.
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new trade repository.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// SaveTrade appends one trade record.
func (r *Repository) SaveTrade(trade *TradeRecord) error {
	if err := r.db.Create(trade).Error; err != nil {
		return fmt.Errorf("SaveTrade: %w", err)
	}
	return nil
}

// HasRecentTrade reports whether any trade for the code exists within
// the window. Used as the duplicate-order guard.
func (r *Repository) HasRecentTrade(stockCode string, window time.Duration) (bool, error) {
	var count int64
	since := time.Now().Add(-window)
	err := r.db.Model(&TradeRecord{}).
		Where("stock_code = ? AND executed_at >= ?", stockCode, since).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("HasRecentTrade: %w", err)
	}
	return count > 0, nil
}

// RecentSells returns sell records since the cutoff, newest first.
// Cooldown reconstruction reads this after a restart.
func (r *Repository) RecentSells(since time.Time) ([]TradeRecord, error) {
	var trades []TradeRecord
	err := r.db.
		Where("trade_type = ? AND executed_at >= ?", "SELL", since).
		Order("executed_at DESC").
		Find(&trades).Error
	if err != nil {
		return nil, fmt.Errorf("RecentSells: %w", err)
	}
	return trades, nil
}

// BuyCountOn returns the number of buys executed on a calendar day in
// the given location.
func (r *Repository) BuyCountOn(day time.Time, loc *time.Location) (int64, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
	end := start.Add(24 * time.Hour)

	var count int64
	err := r.db.Model(&TradeRecord{}).
		Where("trade_type = ? AND executed_at >= ? AND executed_at < ?", "BUY", start, end).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("BuyCountOn: %w", err)
	}
	return count, nil
}
