package risk

import (
	"testing"

	"kis-trading-core/config"
	"kis-trading-core/domain"
)

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxPortfolioSize:  10,
		MaxBuyCountPerDay: 6,

		CashFloorStrongBullPct: 5.0,
		CashFloorBullPct:       10.0,
		CashFloorSidewaysPct:   15.0,
		CashFloorBearPct:       25.0,

		SectorCapPct:           30.0,
		SectorCapStrongBullPct: 50.0,
		StockCapPct:            15.0,
		StockCapStrongBullPct:  25.0,
	}
}

func portfolio(cash, total float64, positions ...domain.Position) domain.PortfolioState {
	return domain.PortfolioState{
		Positions:     positions,
		CashBalance:   cash,
		TotalAsset:    total,
		PositionCount: len(positions),
	}
}

func TestCashFloorByRegime(t *testing.T) {
	g := NewPortfolioGuard(testRiskConfig())

	tests := []struct {
		name       string
		regime     domain.MarketRegime
		cashRatio  float64
		wantReason string
	}{
		{"bear just under floor", domain.RegimeBear, 0.24, BlockCashFloor},
		{"bear at floor", domain.RegimeBear, 0.25, ""},
		{"bull lower floor", domain.RegimeBull, 0.12, ""},
		{"bull under floor", domain.RegimeBull, 0.09, BlockCashFloor},
		{"sideways floor", domain.RegimeSideways, 0.14, BlockCashFloor},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			total := 10_000_000.0
			r := g.Check(GuardInput{
				Signal:      domain.BuySignal{StockCode: "005930"},
				Portfolio:   portfolio(total*tt.cashRatio, total),
				Context:     domain.TradingContext{MarketRegime: tt.regime},
				OrderAmount: 100_000,
			})
			if tt.wantReason == "" && !r.Allowed {
				t.Fatalf("blocked: %s %s", r.Reason, r.Detail)
			}
			if tt.wantReason != "" && (r.Allowed || r.Reason != tt.wantReason) {
				t.Fatalf("got %+v, want %s", r, tt.wantReason)
			}
		})
	}
}

func TestPortfolioFull(t *testing.T) {
	g := NewPortfolioGuard(testRiskConfig())

	positions := make([]domain.Position, 10)
	for i := range positions {
		positions[i] = domain.Position{StockCode: "000000", Quantity: 1}
	}
	r := g.Check(GuardInput{
		Portfolio: portfolio(5_000_000, 10_000_000, positions...),
		Context:   domain.TradingContext{MarketRegime: domain.RegimeBull},
	})
	if r.Allowed || r.Reason != BlockPortfolioFull {
		t.Fatalf("got %+v, want PORTFOLIO_FULL", r)
	}
}

func TestSectorCap(t *testing.T) {
	g := NewPortfolioGuard(testRiskConfig())

	held := domain.Position{
		StockCode: "000660", SectorGroup: "semiconductor",
		Quantity: 10, CurrentPrice: 250_000,
	}
	in := GuardInput{
		Signal:      domain.BuySignal{StockCode: "005930", SectorGroup: "semiconductor"},
		Portfolio:   portfolio(5_000_000, 10_000_000, held),
		Context:     domain.TradingContext{MarketRegime: domain.RegimeBull},
		OrderAmount: 800_000, // 2.5M held + 0.8M = 33% > 30%
	}
	r := g.Check(in)
	if r.Allowed || r.Reason != BlockSectorCap {
		t.Fatalf("got %+v, want SECTOR_CAP", r)
	}

	// STRONG_BULL relaxes the cap to 50%.
	in.Context.MarketRegime = domain.RegimeStrongBull
	if r := g.Check(in); !r.Allowed {
		t.Fatalf("STRONG_BULL blocked: %s %s", r.Reason, r.Detail)
	}

	// A different sector is unconstrained by this holding.
	in.Context.MarketRegime = domain.RegimeBull
	in.Signal.SectorGroup = "battery"
	if r := g.Check(in); !r.Allowed {
		t.Fatalf("cross-sector blocked: %s %s", r.Reason, r.Detail)
	}
}

func TestStockCap(t *testing.T) {
	g := NewPortfolioGuard(testRiskConfig())

	in := GuardInput{
		Signal:      domain.BuySignal{StockCode: "005930"},
		Portfolio:   portfolio(5_000_000, 10_000_000),
		Context:     domain.TradingContext{MarketRegime: domain.RegimeBull},
		OrderAmount: 1_600_000, // 16% > 15%
	}
	r := g.Check(in)
	if r.Allowed || r.Reason != BlockStockCap {
		t.Fatalf("got %+v, want STOCK_CAP", r)
	}

	in.OrderAmount = 1_400_000
	if r := g.Check(in); !r.Allowed {
		t.Fatalf("14%% blocked: %s %s", r.Reason, r.Detail)
	}
}

func TestDailyLimitBearHalved(t *testing.T) {
	g := NewPortfolioGuard(testRiskConfig())

	base := GuardInput{
		Signal:      domain.BuySignal{StockCode: "005930"},
		Portfolio:   portfolio(5_000_000, 10_000_000),
		OrderAmount: 100_000,
	}

	base.Context = domain.TradingContext{MarketRegime: domain.RegimeBull}
	base.DailyBuyCount = 5
	if r := g.Check(base); !r.Allowed {
		t.Fatalf("bull 5/6 blocked: %s", r.Reason)
	}
	base.DailyBuyCount = 6
	if r := g.Check(base); r.Allowed || r.Reason != BlockDailyLimit {
		t.Fatalf("bull 6/6 got %+v, want DAILY_LIMIT", r)
	}

	// Bear budget is ceil(6/2) = 3.
	base.Context = domain.TradingContext{MarketRegime: domain.RegimeBear}
	base.DailyBuyCount = 3
	if r := g.Check(base); r.Allowed || r.Reason != BlockDailyLimit {
		t.Fatalf("bear 3/3 got %+v, want DAILY_LIMIT", r)
	}
}
