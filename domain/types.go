package domain

import (
	"fmt"
	"time"
)

// ValidStockCode reports whether code is a 6-digit KRX stock code.
func ValidStockCode(code string) bool {
	if len(code) != 6 {
		return false
	}
	for i := 0; i < 6; i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}

// TradingContext is the macro artifact published by the external council.
// Consumed read-only; cached for one hour.
type TradingContext struct {
	Date               string       `json:"date"`
	MarketRegime       MarketRegime `json:"market_regime"`
	PositionMultiplier float64      `json:"position_multiplier"`
	StopLossMultiplier float64      `json:"stop_loss_multiplier"`
	VixRegime          VixRegime    `json:"vix_regime"`
	RiskOffLevel       int          `json:"risk_off_level"`
	FavorSectors       []string     `json:"favor_sectors,omitempty"`
	AvoidSectors       []string     `json:"avoid_sectors,omitempty"`
	IsHighVolatility   bool         `json:"is_high_volatility"`
}

// DefaultTradingContext is the conservative fallback used when the
// council artifact is absent or expired.
func DefaultTradingContext() TradingContext {
	return TradingContext{
		MarketRegime:       RegimeSideways,
		PositionMultiplier: 0.8,
		StopLossMultiplier: 1.2,
		VixRegime:          VixNormal,
	}
}

// Validate checks the council's multiplier bounds.
func (c TradingContext) Validate() error {
	if !c.MarketRegime.Valid() {
		return fmt.Errorf("unknown market regime %q", c.MarketRegime)
	}
	if c.PositionMultiplier < 0.3 || c.PositionMultiplier > 2.0 {
		return fmt.Errorf("position_multiplier %.2f out of [0.3, 2.0]", c.PositionMultiplier)
	}
	if c.StopLossMultiplier < 0.3 || c.StopLossMultiplier > 2.0 {
		return fmt.Errorf("stop_loss_multiplier %.2f out of [0.3, 2.0]", c.StopLossMultiplier)
	}
	return nil
}

// WatchlistEntry is one scout-selected candidate.
type WatchlistEntry struct {
	StockCode   string     `json:"stock_code"`
	StockName   string     `json:"stock_name"`
	HybridScore float64    `json:"hybrid_score"`
	LLMScore    float64    `json:"llm_score"`
	IsTradable  bool       `json:"is_tradable"`
	TradeTier   TradeTier  `json:"trade_tier"`
	RiskTag     RiskTag    `json:"risk_tag"`
	Rank        int        `json:"rank"`
	SectorGroup string     `json:"sector_group"`
	VetoApplied bool       `json:"veto_applied"`
	ScoredAt    *time.Time `json:"scored_at,omitempty"`
}

// Validate enforces the scout's veto invariants.
func (e WatchlistEntry) Validate() error {
	if !ValidStockCode(e.StockCode) {
		return fmt.Errorf("invalid stock code %q", e.StockCode)
	}
	if e.HybridScore < 0 || e.HybridScore > 100 {
		return fmt.Errorf("hybrid_score %.1f out of [0, 100]", e.HybridScore)
	}
	if e.TradeTier == TierBlocked && e.IsTradable {
		return fmt.Errorf("%s: BLOCKED entry marked tradable", e.StockCode)
	}
	if e.RiskTag == RiskDistributionRisk && (!e.VetoApplied || e.IsTradable) {
		return fmt.Errorf("%s: DISTRIBUTION_RISK entry must be vetoed", e.StockCode)
	}
	return nil
}

// HotWatchlist is the active candidate set. Replacement semantics: the
// cache holds exactly one version at a time.
type HotWatchlist struct {
	GeneratedAt  time.Time        `json:"generated_at"`
	MarketRegime MarketRegime     `json:"market_regime"`
	Stocks       []WatchlistEntry `json:"stocks"`
	Version      int              `json:"version"`
}

// Lookup returns the entry for code, or nil when absent.
func (w *HotWatchlist) Lookup(code string) *WatchlistEntry {
	for i := range w.Stocks {
		if w.Stocks[i].StockCode == code {
			return &w.Stocks[i]
		}
	}
	return nil
}

// Codes returns the stock codes in watchlist order.
func (w *HotWatchlist) Codes() []string {
	codes := make([]string, 0, len(w.Stocks))
	for i := range w.Stocks {
		codes = append(codes, w.Stocks[i].StockCode)
	}
	return codes
}

// Position is an open holding with local lifecycle metadata.
type Position struct {
	StockCode       string    `json:"stock_code"`
	StockName       string    `json:"stock_name"`
	Quantity        int       `json:"quantity"`
	AverageBuyPrice float64   `json:"average_buy_price"`
	TotalBuyAmount  float64   `json:"total_buy_amount"`
	SectorGroup     string    `json:"sector_group"`
	HighWatermark   float64   `json:"high_watermark"`
	StopLossPrice   float64   `json:"stop_loss_price"`
	BoughtAt        time.Time `json:"bought_at"`

	// CurrentPrice is the latest venue quote, attached at read time.
	// Not part of the persisted record.
	CurrentPrice float64 `json:"current_price,omitempty"`
}

// Validate enforces the persist-time invariants.
func (p Position) Validate() error {
	if !ValidStockCode(p.StockCode) {
		return fmt.Errorf("invalid stock code %q", p.StockCode)
	}
	if p.Quantity <= 0 {
		return fmt.Errorf("%s: quantity %d must be positive", p.StockCode, p.Quantity)
	}
	want := float64(p.Quantity) * p.AverageBuyPrice
	if diff := p.TotalBuyAmount - want; diff > 1 || diff < -1 {
		return fmt.Errorf("%s: total_buy_amount %.0f != qty*avg %.0f", p.StockCode, p.TotalBuyAmount, want)
	}
	if p.HighWatermark < 0 || p.StopLossPrice < 0 {
		return fmt.Errorf("%s: negative watermark or stop price", p.StockCode)
	}
	return nil
}

// ProfitPct returns the unrealized profit at price, in percent.
func (p Position) ProfitPct(price float64) float64 {
	if p.AverageBuyPrice <= 0 {
		return 0
	}
	return (price - p.AverageBuyPrice) / p.AverageBuyPrice * 100
}

// HoldingDays returns whole days since the position was opened.
func (p Position) HoldingDays(now time.Time) int {
	if p.BoughtAt.IsZero() {
		return 0
	}
	return int(now.Sub(p.BoughtAt).Hours() / 24)
}

// PortfolioState is a point-in-time snapshot reconstructed from the
// venue balance plus local position metadata. Never stored authoritatively.
type PortfolioState struct {
	Positions       []Position `json:"positions"`
	CashBalance     float64    `json:"cash_balance"`
	TotalAsset      float64    `json:"total_asset"`
	StockEvalAmount float64    `json:"stock_eval_amount"`
	PositionCount   int        `json:"position_count"`
	Timestamp       time.Time  `json:"timestamp"`
}

// CashRatio returns cash as a fraction of total assets.
func (s PortfolioState) CashRatio() float64 {
	if s.TotalAsset <= 0 {
		return 0
	}
	return s.CashBalance / s.TotalAsset
}

// Holding returns the position for code, or nil.
func (s PortfolioState) Holding(code string) *Position {
	for i := range s.Positions {
		if s.Positions[i].StockCode == code {
			return &s.Positions[i]
		}
	}
	return nil
}

// PriceTick is one venue execution report, normalized.
type PriceTick struct {
	StockCode string    `json:"stock_code"`
	Price     float64   `json:"price"`
	Volume    int64     `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate rejects ticks that cannot have come from the venue.
func (t PriceTick) Validate() error {
	if !ValidStockCode(t.StockCode) {
		return fmt.Errorf("invalid stock code %q", t.StockCode)
	}
	if t.Price <= 0 {
		return fmt.Errorf("%s: non-positive price %.0f", t.StockCode, t.Price)
	}
	if t.Volume < 0 {
		return fmt.Errorf("%s: negative volume %d", t.StockCode, t.Volume)
	}
	return nil
}

// MinuteBar is one closed (or in-progress) one-minute OHLCV bar.
type MinuteBar struct {
	StockCode string    `json:"stock_code"`
	MinuteTS  time.Time `json:"minute_ts"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
}

// BuySignal is the scanner's entry intent, published on the buy stream.
type BuySignal struct {
	StockCode          string       `json:"stock_code"`
	StockName          string       `json:"stock_name"`
	SignalType         SignalType   `json:"signal_type"`
	SignalPrice        float64      `json:"signal_price"`
	LLMScore           float64      `json:"llm_score"`
	HybridScore        float64      `json:"hybrid_score"`
	TradeTier          TradeTier    `json:"trade_tier"`
	RiskTag            RiskTag      `json:"risk_tag"`
	SectorGroup        string       `json:"sector_group,omitempty"`
	MarketRegime       MarketRegime `json:"market_regime"`
	Source             SignalSource `json:"source"`
	Timestamp          time.Time    `json:"timestamp"`
	RSIValue           *float64     `json:"rsi_value,omitempty"`
	VolumeRatio        *float64     `json:"volume_ratio,omitempty"`
	VWAP               *float64     `json:"vwap,omitempty"`
	PositionMultiplier float64      `json:"position_multiplier"`
}

// Validate rejects signals that must never reach the stream.
func (s BuySignal) Validate() error {
	if !ValidStockCode(s.StockCode) {
		return fmt.Errorf("invalid stock code %q", s.StockCode)
	}
	if s.TradeTier == TierBlocked {
		return fmt.Errorf("%s: BLOCKED tier must not produce signals", s.StockCode)
	}
	if s.SignalPrice <= 0 {
		return fmt.Errorf("%s: non-positive signal price %.0f", s.StockCode, s.SignalPrice)
	}
	if s.PositionMultiplier < 0.3 || s.PositionMultiplier > 2.0 {
		return fmt.Errorf("%s: position_multiplier %.2f out of [0.3, 2.0]", s.StockCode, s.PositionMultiplier)
	}
	return nil
}

// SellOrder is the monitor's (or operator's) exit intent.
type SellOrder struct {
	StockCode    string     `json:"stock_code"`
	StockName    string     `json:"stock_name"`
	SellReason   SellReason `json:"sell_reason"`
	CurrentPrice float64    `json:"current_price"`
	Quantity     int        `json:"quantity"`
	Timestamp    time.Time  `json:"timestamp"`
	BuyPrice     *float64   `json:"buy_price,omitempty"`
	ProfitPct    *float64   `json:"profit_pct,omitempty"`
	HoldingDays  *int       `json:"holding_days,omitempty"`
}

// Validate rejects malformed sell orders.
func (o SellOrder) Validate() error {
	if !ValidStockCode(o.StockCode) {
		return fmt.Errorf("invalid stock code %q", o.StockCode)
	}
	if o.Quantity <= 0 {
		return fmt.Errorf("%s: quantity %d must be positive", o.StockCode, o.Quantity)
	}
	if o.SellReason == "" {
		return fmt.Errorf("%s: missing sell reason", o.StockCode)
	}
	return nil
}

// OrderRequest is the payload for the gateway's buy/sell routes.
type OrderRequest struct {
	StockCode string    `json:"stock_code"`
	Quantity  int       `json:"quantity"`
	OrderType OrderType `json:"order_type"`
	Price     float64   `json:"price,omitempty"`
}

// Validate enforces the limit-order price requirement.
func (r OrderRequest) Validate() error {
	if !ValidStockCode(r.StockCode) {
		return fmt.Errorf("invalid stock code %q", r.StockCode)
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("%s: quantity %d must be positive", r.StockCode, r.Quantity)
	}
	if r.OrderType == OrderLimit && r.Price <= 0 {
		return fmt.Errorf("%s: limit order without price", r.StockCode)
	}
	return nil
}

// OrderResult is the gateway's order placement outcome.
type OrderResult struct {
	Success        bool    `json:"success"`
	OrderNo        string  `json:"order_no,omitempty"`
	FilledQuantity int     `json:"filled_quantity"`
	AvgFillPrice   float64 `json:"avg_fill_price"`
	Message        string  `json:"message,omitempty"`
}

// OrderStatus is the gateway's fill-state report for a pending order.
type OrderStatus struct {
	Filled    bool    `json:"filled"`
	FilledQty int     `json:"filled_qty"`
	AvgPrice  float64 `json:"avg_price"`
}

// StockSnapshot is the current quote for one code.
type StockSnapshot struct {
	StockCode string  `json:"stock_code"`
	StockName string  `json:"stock_name"`
	Price     float64 `json:"price"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Volume    int64   `json:"volume"`
	ChangePct float64 `json:"change_pct"`
}

// DailyPrice is one daily candle from the venue.
type DailyPrice struct {
	Date   string  `json:"date"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

// MinutePrice is one venue minute candle.
type MinutePrice struct {
	Time   string  `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}
