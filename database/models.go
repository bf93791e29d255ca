// Package database persists the append-only trade log. The log is the
// only durable state the core owns; cooldowns and duplicate-order
// windows are reconstructed from it after a restart.
package database

import "time"

// TradeRecord is one executed trade. Sell rows carry exit attribution
// (reason, profit, holding days) used by cooldown reconstruction.
type TradeRecord struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	StockCode    string    `gorm:"size:10;index;not null" json:"stock_code"`
	StockName    string    `gorm:"size:100" json:"stock_name"`
	TradeType    string    `gorm:"size:4;index;not null" json:"trade_type"` // BUY or SELL
	Quantity     int       `gorm:"not null" json:"quantity"`
	Price        float64   `gorm:"not null" json:"price"`
	TotalAmount  float64   `gorm:"not null" json:"total_amount"`
	OrderNo      string    `gorm:"size:20" json:"order_no"`
	SignalType   string    `gorm:"size:30" json:"signal_type,omitempty"`
	SellReason   string    `gorm:"size:30;index" json:"sell_reason,omitempty"`
	ProfitPct    *float64  `json:"profit_pct,omitempty"`
	ProfitAmount *float64  `json:"profit_amount,omitempty"`
	HoldingDays  *int      `json:"holding_days,omitempty"`
	MarketRegime string    `gorm:"size:15" json:"market_regime,omitempty"`
	ExecutedAt   time.Time `gorm:"index;not null" json:"executed_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// TableName overrides the gorm default.
func (TradeRecord) TableName() string {
	return "trade_records"
}
