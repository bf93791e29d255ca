// Package risk holds the portfolio-level admission checks shared by the
// buy path: the portfolio guard and the pairwise correlation check.
package risk

import (
	"fmt"

	"kis-trading-core/config"
	"kis-trading-core/domain"
)

// Block reasons emitted by the guard.
const (
	BlockPortfolioFull = "PORTFOLIO_FULL"
	BlockCashFloor     = "CASH_FLOOR"
	BlockSectorCap     = "SECTOR_CAP"
	BlockStockCap      = "STOCK_CAP"
	BlockDailyLimit    = "DAILY_LIMIT"
)

// GuardInput is one admission decision: a candidate order against the
// current portfolio and macro context.
type GuardInput struct {
	Signal        domain.BuySignal
	Portfolio     domain.PortfolioState
	Context       domain.TradingContext
	DailyBuyCount int64
	OrderAmount   float64
}

// GuardResult is Pass or Block(reason).
type GuardResult struct {
	Allowed bool
	Reason  string
	Detail  string
}

func pass() GuardResult { return GuardResult{Allowed: true} }

func block(reason, format string, args ...interface{}) GuardResult {
	return GuardResult{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// PortfolioGuard is a pure admission function over config limits. It
// holds no state and performs no I/O.
type PortfolioGuard struct {
	cfg config.RiskConfig
}

// NewPortfolioGuard creates a guard with risk limits.
func NewPortfolioGuard(cfg config.RiskConfig) *PortfolioGuard {
	return &PortfolioGuard{cfg: cfg}
}

// Check runs the portfolio checks in a fixed order. The first violation
// short-circuits.
func (g *PortfolioGuard) Check(in GuardInput) GuardResult {
	if r := g.positionCount(in); !r.Allowed {
		return r
	}
	if r := g.cashFloor(in); !r.Allowed {
		return r
	}
	if r := g.sectorCap(in); !r.Allowed {
		return r
	}
	if r := g.stockCap(in); !r.Allowed {
		return r
	}
	return g.dailyLimit(in)
}

func (g *PortfolioGuard) positionCount(in GuardInput) GuardResult {
	count := in.Portfolio.PositionCount
	if count == 0 {
		count = len(in.Portfolio.Positions)
	}
	if count >= g.cfg.MaxPortfolioSize {
		return block(BlockPortfolioFull, "%d/%d positions held", count, g.cfg.MaxPortfolioSize)
	}
	return pass()
}

func (g *PortfolioGuard) cashFloor(in GuardInput) GuardResult {
	floor := g.cfg.CashFloorPct(string(in.Context.MarketRegime))
	ratio := in.Portfolio.CashRatio() * 100
	if ratio < floor {
		return block(BlockCashFloor, "cash ratio %.1f%% < %s floor %.1f%%", ratio, in.Context.MarketRegime, floor)
	}
	return pass()
}

// sectorCap limits projected sector exposure, including the candidate
// order, as a share of total assets.
func (g *PortfolioGuard) sectorCap(in GuardInput) GuardResult {
	sector := in.Signal.SectorGroup
	if sector == "" || in.Portfolio.TotalAsset <= 0 {
		return pass()
	}

	capPct := g.cfg.SectorCapPct
	if in.Context.MarketRegime == domain.RegimeStrongBull {
		capPct = g.cfg.SectorCapStrongBullPct
	}

	sectorValue := in.OrderAmount
	for _, p := range in.Portfolio.Positions {
		if p.SectorGroup != sector {
			continue
		}
		sectorValue += positionValue(p)
	}

	share := sectorValue / in.Portfolio.TotalAsset * 100
	if share > capPct {
		return block(BlockSectorCap, "sector %s would be %.1f%% > cap %.1f%%", sector, share, capPct)
	}
	return pass()
}

func (g *PortfolioGuard) stockCap(in GuardInput) GuardResult {
	if in.Portfolio.TotalAsset <= 0 {
		return pass()
	}
	capPct := g.cfg.StockCapPct
	if in.Context.MarketRegime == domain.RegimeStrongBull {
		capPct = g.cfg.StockCapStrongBullPct
	}
	share := in.OrderAmount / in.Portfolio.TotalAsset * 100
	if share > capPct {
		return block(BlockStockCap, "%s would be %.1f%% > cap %.1f%%", in.Signal.StockCode, share, capPct)
	}
	return pass()
}

// dailyLimit halves the budget in bear regimes, rounding up so that a
// budget of one still allows one buy.
func (g *PortfolioGuard) dailyLimit(in GuardInput) GuardResult {
	limit := int64(g.cfg.MaxBuyCountPerDay)
	if in.Context.MarketRegime == domain.RegimeBear || in.Context.MarketRegime == domain.RegimeStrongBear {
		limit = (limit + 1) / 2
	}
	if in.DailyBuyCount >= limit {
		return block(BlockDailyLimit, "%d/%d buys today", in.DailyBuyCount, limit)
	}
	return pass()
}

func positionValue(p domain.Position) float64 {
	if p.CurrentPrice > 0 {
		return float64(p.Quantity) * p.CurrentPrice
	}
	return p.TotalBuyAmount
}
