package monitor

import (
	"testing"

	"kis-trading-core/config"
	"kis-trading-core/domain"
)

func testSellConfig() config.SellConfig {
	return config.SellConfig{
		StopLossPct:   6.0,
		ATRMultiplier: 2.0,

		TrailingEnabled:         true,
		TrailingActivationPct:   4.0,
		TrailingDropFromHighPct: 3.0,
		TrailingMinProfitPct:    0.5,

		ProfitTargetPct: 10.0,

		BreakevenEnabled:       true,
		BreakevenActivationPct: 3.0,
		BreakevenFloorPct:      0.3,

		ProfitFloorActivationPct: 15.0,
		ProfitFloorLevelPct:      10.0,

		ProfitLockL1Mult:  1.5,
		ProfitLockL1Min:   1.5,
		ProfitLockL1Max:   3.0,
		ProfitLockL1Floor: 0.7,
		ProfitLockL2Mult:  2.5,
		ProfitLockL2Min:   3.0,
		ProfitLockL2Max:   5.0,
		ProfitLockL2Floor: 2.0,

		TimeTightenStartDays:       10,
		TimeTightenStartDaysBull:   15,
		TimeTightenMaxReductionPct: 2.0,
		MaxHoldingDays:             30,

		RSIOverboughtThreshold: 75.0,
		RSIMinProfitPct:        3.0,

		DeathCrossBearOnly: true,

		ScaleOutEnabled:      true,
		MinTransactionAmount: 10000,
		MinSellQuantity:      1,
	}
}

func TestHardStopOverridesEverything(t *testing.T) {
	e := NewExitEngine(testSellConfig())

	ctx := PositionContext{
		StockCode:     "005930",
		BuyPrice:      10000,
		CurrentPrice:  8900,
		Quantity:      100,
		ProfitPct:     -11.0,
		HighProfitPct: 20.0, // floor would also fire, hard stop wins
		ProfitFloorActive: true,
		ProfitFloorLevel:  10.0,
	}
	sig := e.Evaluate(ctx, domain.RegimeSideways, 1.0)
	if sig == nil {
		t.Fatal("hard stop did not fire")
	}
	if sig.Reason != domain.SellStopLoss || sig.QuantityPct != 100 {
		t.Errorf("got %s/%.0f%%, want STOP_LOSS/100%%", sig.Reason, sig.QuantityPct)
	}
}

func TestProfitFloor(t *testing.T) {
	e := NewExitEngine(testSellConfig())

	ctx := PositionContext{
		BuyPrice: 10000, CurrentPrice: 10900, Quantity: 10,
		ProfitPct: 9.0, HighProfitPct: 16.0,
		ProfitFloorActive: true, ProfitFloorLevel: 10.0,
	}
	sig := e.Evaluate(ctx, domain.RegimeSideways, 1.0)
	if sig == nil || sig.Reason != domain.SellProfitFloor {
		t.Fatalf("got %+v, want PROFIT_FLOOR", sig)
	}
}

func TestProfitLockTriggers(t *testing.T) {
	e := NewExitEngine(testSellConfig())

	// ATR 2% of buy price: L2 trigger = clamp(2*2.5, 3, 5) = 5,
	// L1 trigger = clamp(2*1.5, 1.5, 3) = 3.
	tests := []struct {
		name       string
		highProfit float64
		profit     float64
		wantFire   bool
	}{
		{"L2 fires under its floor", 6.0, 1.5, true},
		{"L1 fires under its floor", 3.5, 0.5, true},
		{"held gain above floors", 6.0, 2.5, false},
		{"never reached a trigger", 2.0, 0.1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := PositionContext{
				BuyPrice: 10000, CurrentPrice: 10000 * (1 + tt.profit/100),
				Quantity: 100, ATR: 200,
				ProfitPct: tt.profit, HighProfitPct: tt.highProfit,
			}
			sig := e.profitLock(ctx)
			if (sig != nil) != tt.wantFire {
				t.Errorf("profitLock(high=%.1f, now=%.1f) fired=%v, want %v",
					tt.highProfit, tt.profit, sig != nil, tt.wantFire)
			}
			if sig != nil && sig.Reason != domain.SellProfitLock {
				t.Errorf("Reason = %s, want PROFIT_LOCK", sig.Reason)
			}
		})
	}
}

func TestBreakevenStopBoundary(t *testing.T) {
	e := NewExitEngine(testSellConfig())

	tests := []struct {
		name       string
		highProfit float64
		profit     float64
		wantFire   bool
	}{
		{"under activation never fires", 2.999, -1.0, false},
		{"at activation fires below floor", 3.000, 0.2, true},
		{"at floor holds", 4.0, 0.3, false},
		{"just below floor fires", 4.0, 0.299, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := PositionContext{
				BuyPrice: 10000, Quantity: 100,
				ProfitPct: tt.profit, HighProfitPct: tt.highProfit,
			}
			sig := e.breakevenStop(ctx)
			if (sig != nil) != tt.wantFire {
				t.Errorf("breakeven(high=%.3f, now=%.3f) fired=%v, want %v",
					tt.highProfit, tt.profit, sig != nil, tt.wantFire)
			}
		})
	}
}

func TestBreakevenScenario(t *testing.T) {
	// Position 10,000 avg runs to 10,400 then retraces to 10,020.
	e := NewExitEngine(testSellConfig())
	ctx := PositionContext{
		StockCode: "047040", BuyPrice: 10000, CurrentPrice: 10020,
		Quantity: 100, ProfitPct: 0.2, HighProfitPct: 4.0,
		HighWatermark: 10400,
	}
	sig := e.Evaluate(ctx, domain.RegimeSideways, 1.0)
	if sig == nil || sig.Reason != domain.SellBreakevenStop {
		t.Fatalf("got %+v, want BREAKEVEN_STOP", sig)
	}
	if sig.QuantityPct != 100 {
		t.Errorf("QuantityPct = %.0f, want 100", sig.QuantityPct)
	}
}

func TestATRStopWarningTightening(t *testing.T) {
	e := NewExitEngine(testSellConfig())

	base := PositionContext{
		BuyPrice: 10000, Quantity: 10, ATR: 300, ProfitPct: -5.0,
	}

	// Plain stop at 10000 - 300*2 = 9400.
	base.CurrentPrice = 9450
	if e.atrStop(base, 1.0) != nil {
		t.Error("ATR stop fired above the stop price")
	}
	base.CurrentPrice = 9400
	sig := e.atrStop(base, 1.0)
	if sig == nil || sig.Reason != domain.SellATRStop {
		t.Fatalf("got %+v, want ATR_STOP", sig)
	}

	// MACD warning tightens to 10000 - 300*1.5 = 9550.
	base.MACDBearish = true
	base.CurrentPrice = 9550
	if e.atrStop(base, 1.0) == nil {
		t.Error("MACD-tightened ATR stop did not fire")
	}
}

func TestFixedStopTimeTightening(t *testing.T) {
	e := NewExitEngine(testSellConfig())

	tests := []struct {
		name        string
		regime      domain.MarketRegime
		holdingDays int
		profit      float64
		wantFire    bool
	}{
		{"fresh position at -5.9 holds", domain.RegimeSideways, 5, -5.9, false},
		{"fresh position at -6 fires", domain.RegimeSideways, 5, -6.0, true},
		// Day 20 sideways: tighten = 2 * 10/20 = 1pp, threshold -5.
		{"day 20 at -5 fires", domain.RegimeSideways, 20, -5.0, true},
		{"day 20 at -4.9 holds", domain.RegimeSideways, 20, -4.9, false},
		// Bull starts tightening at day 15: day 20 tighten = 2*5/15 = 0.67pp.
		{"bull day 20 at -5 holds", domain.RegimeBull, 20, -5.0, false},
		{"bull day 20 at -5.4 fires", domain.RegimeBull, 20, -5.4, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := PositionContext{
				BuyPrice: 10000, Quantity: 10,
				ProfitPct: tt.profit, HoldingDays: tt.holdingDays,
			}
			sig := e.fixedStop(ctx, 1.0, tt.regime)
			if (sig != nil) != tt.wantFire {
				t.Errorf("fixedStop(%s day %d, %.1f%%) fired=%v, want %v",
					tt.regime, tt.holdingDays, tt.profit, sig != nil, tt.wantFire)
			}
		})
	}
}

func TestTrailingTakeProfitScenario(t *testing.T) {
	// Buy 72,120; high 75,100 activates; 72,800 is a 3.06% drop.
	e := NewExitEngine(testSellConfig())

	buy := 72120.0
	high := 75100.0

	// 75,000 high: 3.99% gain, under activation.
	ctx := PositionContext{
		StockCode: "005930", BuyPrice: buy, Quantity: 12,
		CurrentPrice:  75000,
		HighWatermark: 75000,
		ProfitPct:     (75000 - buy) / buy * 100,
		HighProfitPct: (75000 - buy) / buy * 100,
	}
	if e.trailingTakeProfit(ctx, domain.RegimeBull) != nil {
		t.Error("trailing fired before activation")
	}

	// After 75,100 the stop sits at 72,847.
	ctx.CurrentPrice = 72800
	ctx.HighWatermark = high
	ctx.ProfitPct = (72800 - buy) / buy * 100
	ctx.HighProfitPct = (high - buy) / buy * 100

	sig := e.Evaluate(ctx, domain.RegimeBull, 1.0)
	if sig == nil || sig.Reason != domain.SellTrailingStop {
		t.Fatalf("got %+v, want TRAILING_STOP", sig)
	}
}

func TestTrailingRespectsMinProfit(t *testing.T) {
	e := NewExitEngine(testSellConfig())

	ctx := PositionContext{
		BuyPrice: 10000, Quantity: 10,
		CurrentPrice:  10030,
		HighWatermark: 10450,
		ProfitPct:     0.3, // below min profit 0.5
		HighProfitPct: 4.5,
	}
	if e.trailingTakeProfit(ctx, domain.RegimeSideways) != nil {
		t.Error("trailing fired below the minimum profit")
	}
}

func TestScaleOutLadders(t *testing.T) {
	e := NewExitEngine(testSellConfig())

	tests := []struct {
		name     string
		regime   domain.MarketRegime
		profit   float64
		level    int
		wantFire bool
		wantPct  float64
	}{
		{"bull first rung", domain.RegimeBull, 7.0, 0, true, 25},
		{"bull below first rung", domain.RegimeBull, 6.9, 0, false, 0},
		{"sideways first rung", domain.RegimeSideways, 3.0, 0, true, 25},
		{"bear last rung", domain.RegimeBear, 12.0, 3, true, 15},
		{"cursor exhausted", domain.RegimeBull, 30.0, 3, false, 0},
		{"cursor advanced waits for next rung", domain.RegimeBull, 8.0, 1, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := PositionContext{
				BuyPrice: 10000, CurrentPrice: 10000 * (1 + tt.profit/100),
				Quantity: 100, ProfitPct: tt.profit, ScaleOutLevel: tt.level,
			}
			sig := e.scaleOut(ctx, tt.regime)
			if (sig != nil) != tt.wantFire {
				t.Fatalf("scaleOut(%s, %.1f%%, L%d) fired=%v, want %v",
					tt.regime, tt.profit, tt.level, sig != nil, tt.wantFire)
			}
			if sig != nil {
				if sig.Reason != domain.SellScaleOut {
					t.Errorf("Reason = %s, want SCALE_OUT", sig.Reason)
				}
				if sig.QuantityPct != tt.wantPct {
					t.Errorf("QuantityPct = %.0f, want %.0f", sig.QuantityPct, tt.wantPct)
				}
			}
		})
	}
}

func TestScaleOutMinTransactionGuard(t *testing.T) {
	e := NewExitEngine(testSellConfig())

	// 4 shares at 2,000: a 25% rung sells 1 share for 2,000, under the
	// 10,000 minimum; total 8,000 < 20,000 promotes to a full exit.
	ctx := PositionContext{
		BuyPrice: 1800, CurrentPrice: 2000, Quantity: 4,
		ProfitPct: 11.1, ScaleOutLevel: 0,
	}
	sig := e.scaleOut(ctx, domain.RegimeSideways)
	if sig == nil {
		t.Fatal("tiny position scale-out skipped instead of promoting")
	}
	if sig.QuantityPct != 100 {
		t.Errorf("QuantityPct = %.0f, want 100 (full-exit promotion)", sig.QuantityPct)
	}

	// 40 shares at 800: rung sells 10 for 8,000 < 10,000 but the
	// position is worth 32,000, so the rung is skipped.
	ctx = PositionContext{
		BuyPrice: 700, CurrentPrice: 800, Quantity: 40,
		ProfitPct: 14.3, ScaleOutLevel: 0,
	}
	if e.scaleOut(ctx, domain.RegimeSideways) != nil {
		t.Error("sub-minimum rung on a large position was not skipped")
	}
}

func TestRSIOverboughtHalfExit(t *testing.T) {
	e := NewExitEngine(testSellConfig())

	ctx := PositionContext{
		BuyPrice: 10000, CurrentPrice: 10350, Quantity: 100,
		ProfitPct: 3.5, HighProfitPct: 3.5,
		RSI: 80, HasRSI: true,
	}
	sig := e.rsiOverbought(ctx)
	if sig == nil || sig.Reason != domain.SellRSIOverbought || sig.QuantityPct != 50 {
		t.Fatalf("got %+v, want RSI_OVERBOUGHT 50%%", sig)
	}

	// Once sold, never again.
	ctx.RSISold = true
	if e.rsiOverbought(ctx) != nil {
		t.Error("RSI rule fired twice for one position")
	}

	// An activated trailing stop owns the exit instead.
	ctx.RSISold = false
	ctx.HighProfitPct = 4.5
	if e.rsiOverbought(ctx) != nil {
		t.Error("RSI rule fired with trailing already activated")
	}
}

func TestProfitTargetOnlyWhenTrailingDisabled(t *testing.T) {
	cfg := testSellConfig()
	e := NewExitEngine(cfg)

	ctx := PositionContext{BuyPrice: 10000, CurrentPrice: 11100, Quantity: 10, ProfitPct: 11.0}
	if e.profitTarget(ctx) != nil {
		t.Error("profit target fired while trailing is enabled")
	}

	cfg.TrailingEnabled = false
	e = NewExitEngine(cfg)
	sig := e.profitTarget(ctx)
	if sig == nil || sig.Reason != domain.SellProfitTarget {
		t.Fatalf("got %+v, want PROFIT_TARGET", sig)
	}
}

func TestDeathCrossRegimeGating(t *testing.T) {
	e := NewExitEngine(testSellConfig())

	losing := PositionContext{
		BuyPrice: 10000, CurrentPrice: 9800, Quantity: 10,
		ProfitPct: -2.0, DeathCross: true,
	}
	if e.deathCross(losing, domain.RegimeBull) != nil {
		t.Error("death cross fired in BULL with bear-only enabled")
	}
	sig := e.deathCross(losing, domain.RegimeBear)
	if sig == nil || sig.Reason != domain.SellDeathCross {
		t.Fatalf("got %+v, want DEATH_CROSS", sig)
	}

	winning := losing
	winning.ProfitPct = 1.0
	if e.deathCross(winning, domain.RegimeBear) != nil {
		t.Error("death cross fired on a winning position")
	}
}

func TestTimeExit(t *testing.T) {
	e := NewExitEngine(testSellConfig())

	ctx := PositionContext{BuyPrice: 10000, CurrentPrice: 10100, Quantity: 10, ProfitPct: 1.0, HoldingDays: 30}
	sig := e.Evaluate(ctx, domain.RegimeSideways, 1.0)
	if sig == nil || sig.Reason != domain.SellTimeExit {
		t.Fatalf("got %+v, want TIME_EXIT", sig)
	}

	ctx.HoldingDays = 29
	if sig := e.Evaluate(ctx, domain.RegimeSideways, 1.0); sig != nil {
		t.Errorf("day 29 produced %s", sig.Reason)
	}
}
