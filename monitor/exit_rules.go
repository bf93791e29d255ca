package monitor

import (
	"fmt"

	"kis-trading-core/config"
	"kis-trading-core/domain"
)

// PositionContext is everything the exit chain needs for one position
// at one price.
type PositionContext struct {
	StockCode     string
	CurrentPrice  float64
	BuyPrice      float64
	Quantity      int
	ProfitPct     float64
	HighWatermark float64
	HighProfitPct float64
	ATR           float64
	RSI           float64
	HasRSI        bool
	HoldingDays   int

	ScaleOutLevel int
	RSISold       bool
	MACDBearish   bool
	DeathCross    bool

	ProfitFloorActive bool
	ProfitFloorLevel  float64
}

// ExitSignal is a matched exit rule.
type ExitSignal struct {
	Reason      domain.SellReason
	QuantityPct float64
	Description string
}

// ScaleOutStep is one rung of the partial-exit ladder.
type ScaleOutStep struct {
	TargetPct float64
	SellPct   float64
}

// ScaleOutLadder returns the regime's partial-exit ladder. Bear ladders
// take profit earlier and leave a smaller runner.
func ScaleOutLadder(regime domain.MarketRegime) []ScaleOutStep {
	switch regime {
	case domain.RegimeBull, domain.RegimeStrongBull:
		return []ScaleOutStep{{7, 25}, {15, 25}, {25, 15}}
	case domain.RegimeBear, domain.RegimeStrongBear:
		return []ScaleOutStep{{2, 25}, {5, 25}, {8, 25}, {12, 15}}
	default:
		return []ScaleOutStep{{3, 25}, {7, 25}, {12, 25}, {18, 15}}
	}
}

// ExitEngine evaluates the ordered exit chain. The order is a hard
// contract; the first matching rule wins.
type ExitEngine struct {
	cfg config.SellConfig
}

// NewExitEngine creates an engine with sell tunables.
func NewExitEngine(cfg config.SellConfig) *ExitEngine {
	return &ExitEngine{cfg: cfg}
}

// Evaluate runs the chain for one position. Returns nil when no rule
// fires.
func (e *ExitEngine) Evaluate(ctx PositionContext, regime domain.MarketRegime, macroStopMult float64) *ExitSignal {
	if sig := e.hardStop(ctx); sig != nil {
		return sig
	}
	if sig := e.profitFloor(ctx); sig != nil {
		return sig
	}
	if sig := e.profitLock(ctx); sig != nil {
		return sig
	}
	if sig := e.breakevenStop(ctx); sig != nil {
		return sig
	}
	if sig := e.atrStop(ctx, macroStopMult); sig != nil {
		return sig
	}
	if sig := e.fixedStop(ctx, macroStopMult, regime); sig != nil {
		return sig
	}
	if sig := e.trailingTakeProfit(ctx, regime); sig != nil {
		return sig
	}
	if sig := e.scaleOut(ctx, regime); sig != nil {
		return sig
	}
	if sig := e.rsiOverbought(ctx); sig != nil {
		return sig
	}
	if sig := e.profitTarget(ctx); sig != nil {
		return sig
	}
	if sig := e.deathCross(ctx, regime); sig != nil {
		return sig
	}
	if sig := e.timeExit(ctx); sig != nil {
		return sig
	}
	return nil
}

// hardStop is the gap-down override: nothing may precede it.
func (e *ExitEngine) hardStop(ctx PositionContext) *ExitSignal {
	if ctx.ProfitPct <= -10.0 {
		return &ExitSignal{
			Reason:      domain.SellStopLoss,
			QuantityPct: 100,
			Description: fmt.Sprintf("hard stop: %.1f%% <= -10%%", ctx.ProfitPct),
		}
	}
	return nil
}

func (e *ExitEngine) profitFloor(ctx PositionContext) *ExitSignal {
	if !ctx.ProfitFloorActive {
		return nil
	}
	if ctx.ProfitPct < ctx.ProfitFloorLevel {
		return &ExitSignal{
			Reason:      domain.SellProfitFloor,
			QuantityPct: 100,
			Description: fmt.Sprintf("profit floor: %.1f%% < floor %.1f%%", ctx.ProfitPct, ctx.ProfitFloorLevel),
		}
	}
	return nil
}

// profitLock protects unrealized gains with ATR-scaled triggers. L2
// guards large gains; L1 guards early gains.
func (e *ExitEngine) profitLock(ctx PositionContext) *ExitSignal {
	if ctx.BuyPrice <= 0 || ctx.ATR <= 0 {
		return nil
	}
	atrPct := ctx.ATR / ctx.BuyPrice * 100

	l2Trigger := clamp(atrPct*e.cfg.ProfitLockL2Mult, e.cfg.ProfitLockL2Min, e.cfg.ProfitLockL2Max)
	if ctx.HighProfitPct >= l2Trigger && ctx.ProfitPct < e.cfg.ProfitLockL2Floor {
		return &ExitSignal{
			Reason:      domain.SellProfitLock,
			QuantityPct: 100,
			Description: fmt.Sprintf("profit lock L2: high %.1f%% >= %.1f%%, now %.1f%% < %.1f%%",
				ctx.HighProfitPct, l2Trigger, ctx.ProfitPct, e.cfg.ProfitLockL2Floor),
		}
	}

	l1Trigger := clamp(atrPct*e.cfg.ProfitLockL1Mult, e.cfg.ProfitLockL1Min, e.cfg.ProfitLockL1Max)
	if ctx.HighProfitPct >= l1Trigger && ctx.ProfitPct < e.cfg.ProfitLockL1Floor {
		return &ExitSignal{
			Reason:      domain.SellProfitLock,
			QuantityPct: 100,
			Description: fmt.Sprintf("profit lock L1: high %.1f%% >= %.1f%%, now %.1f%% < %.1f%%",
				ctx.HighProfitPct, l1Trigger, ctx.ProfitPct, e.cfg.ProfitLockL1Floor),
		}
	}
	return nil
}

func (e *ExitEngine) breakevenStop(ctx PositionContext) *ExitSignal {
	if !e.cfg.BreakevenEnabled {
		return nil
	}
	if ctx.HighProfitPct >= e.cfg.BreakevenActivationPct && ctx.ProfitPct < e.cfg.BreakevenFloorPct {
		return &ExitSignal{
			Reason:      domain.SellBreakevenStop,
			QuantityPct: 100,
			Description: fmt.Sprintf("breakeven stop: high %.1f%% >= %.1f%%, now %.1f%% < %.1f%%",
				ctx.HighProfitPct, e.cfg.BreakevenActivationPct, ctx.ProfitPct, e.cfg.BreakevenFloorPct),
		}
	}
	return nil
}

// atrStop tightens under bearish divergence warnings.
func (e *ExitEngine) atrStop(ctx PositionContext, macroStopMult float64) *ExitSignal {
	if ctx.ATR <= 0 {
		return nil
	}
	mult := e.cfg.ATRMultiplier * macroStopMult
	if ctx.MACDBearish {
		mult *= 0.75
	} else if ctx.DeathCross {
		mult *= 0.8
	}

	stopPrice := ctx.BuyPrice - ctx.ATR*mult
	if ctx.CurrentPrice <= stopPrice {
		return &ExitSignal{
			Reason:      domain.SellATRStop,
			QuantityPct: 100,
			Description: fmt.Sprintf("ATR stop: price %.0f <= %.0f (ATR=%.0f, mult=%.2f)",
				ctx.CurrentPrice, stopPrice, ctx.ATR, mult),
		}
	}
	return nil
}

// fixedStop applies the macro-scaled loss threshold with gradual
// time-tightening toward zero as the position ages.
func (e *ExitEngine) fixedStop(ctx PositionContext, macroStopMult float64, regime domain.MarketRegime) *ExitSignal {
	threshold := -e.cfg.StopLossPct * macroStopMult

	startDays := e.cfg.TimeTightenStartDays
	if regime.IsBullish() {
		startDays = e.cfg.TimeTightenStartDaysBull
	}

	if ctx.HoldingDays > startDays {
		daysOver := float64(ctx.HoldingDays - startDays)
		span := float64(e.cfg.MaxHoldingDays - startDays)
		if span > 0 {
			tighten := e.cfg.TimeTightenMaxReductionPct * daysOver / span
			if tighten > e.cfg.TimeTightenMaxReductionPct {
				tighten = e.cfg.TimeTightenMaxReductionPct
			}
			threshold += tighten
		}
	}

	if ctx.ProfitPct <= threshold {
		return &ExitSignal{
			Reason:      domain.SellStopLoss,
			QuantityPct: 100,
			Description: fmt.Sprintf("fixed stop: %.1f%% <= %.1f%% (day %d)", ctx.ProfitPct, threshold, ctx.HoldingDays),
		}
	}
	return nil
}

// trailingActivationPct returns the activation threshold after warning
// adjustments.
func (e *ExitEngine) trailingActivationPct(ctx PositionContext) float64 {
	activation := e.cfg.TrailingActivationPct
	if ctx.MACDBearish {
		activation *= 0.8
	} else if ctx.DeathCross {
		activation *= 0.7
	}
	return activation
}

func (e *ExitEngine) trailingTakeProfit(ctx PositionContext, regime domain.MarketRegime) *ExitSignal {
	if !e.cfg.TrailingEnabled {
		return nil
	}
	if ctx.HighProfitPct < e.trailingActivationPct(ctx) {
		return nil
	}

	dropPct := e.cfg.TrailingDropFromHighPct
	if regime == domain.RegimeStrongBear {
		dropPct = 4.0
	}

	trailingStop := ctx.HighWatermark * (1 - dropPct/100)
	if ctx.CurrentPrice <= trailingStop && ctx.ProfitPct >= e.cfg.TrailingMinProfitPct {
		return &ExitSignal{
			Reason:      domain.SellTrailingStop,
			QuantityPct: 100,
			Description: fmt.Sprintf("trailing TP: price %.0f <= %.0f (high=%.0f, drop=%.1f%%)",
				ctx.CurrentPrice, trailingStop, ctx.HighWatermark, dropPct),
		}
	}
	return nil
}

// scaleOut advances at most one ladder rung per firing. Tiny orders are
// skipped or promoted to a full exit by the minimum-transaction guard.
func (e *ExitEngine) scaleOut(ctx PositionContext, regime domain.MarketRegime) *ExitSignal {
	if !e.cfg.ScaleOutEnabled {
		return nil
	}
	ladder := ScaleOutLadder(regime)
	if ctx.ScaleOutLevel >= len(ladder) {
		return nil
	}

	step := ladder[ctx.ScaleOutLevel]
	if ctx.ProfitPct < step.TargetPct {
		return nil
	}

	sellPct := step.SellPct
	estimated := ctx.Quantity * int(sellPct) / 100
	if estimated < 1 {
		estimated = 1
	}
	sellAmount := float64(estimated) * ctx.CurrentPrice
	remaining := ctx.Quantity - estimated

	if sellAmount < e.cfg.MinTransactionAmount || estimated < e.cfg.MinSellQuantity {
		total := float64(ctx.Quantity) * ctx.CurrentPrice
		if total < e.cfg.MinTransactionAmount*2 {
			sellPct = 100
		} else {
			return nil
		}
	}
	if remaining < e.cfg.MinSellQuantity && sellPct < 100 {
		sellPct = 100
	}

	return &ExitSignal{
		Reason:      domain.SellScaleOut,
		QuantityPct: sellPct,
		Description: fmt.Sprintf("scale-out L%d: profit %.1f%% >= %.1f%%, sell %.0f%%",
			ctx.ScaleOutLevel, ctx.ProfitPct, step.TargetPct, sellPct),
	}
}

// rsiOverbought takes half off into strength, once per position, and
// defers to an already-activated trailing stop.
func (e *ExitEngine) rsiOverbought(ctx PositionContext) *ExitSignal {
	if ctx.RSISold || !ctx.HasRSI {
		return nil
	}
	if e.cfg.TrailingEnabled && ctx.HighProfitPct >= e.trailingActivationPct(ctx) {
		return nil
	}
	if ctx.RSI >= e.cfg.RSIOverboughtThreshold && ctx.ProfitPct >= e.cfg.RSIMinProfitPct {
		return &ExitSignal{
			Reason:      domain.SellRSIOverbought,
			QuantityPct: 50,
			Description: fmt.Sprintf("RSI overbought: %.1f >= %.0f, profit %.1f%%",
				ctx.RSI, e.cfg.RSIOverboughtThreshold, ctx.ProfitPct),
		}
	}
	return nil
}

// profitTarget is the fixed-target fallback when trailing is disabled.
func (e *ExitEngine) profitTarget(ctx PositionContext) *ExitSignal {
	if e.cfg.TrailingEnabled {
		return nil
	}
	if ctx.ProfitPct >= e.cfg.ProfitTargetPct {
		return &ExitSignal{
			Reason:      domain.SellProfitTarget,
			QuantityPct: 100,
			Description: fmt.Sprintf("profit target: %.1f%% >= %.1f%%", ctx.ProfitPct, e.cfg.ProfitTargetPct),
		}
	}
	return nil
}

// deathCross exits a losing position on trend breakdown. Bull regimes
// disable it when configured, since shallow crosses whipsaw there.
func (e *ExitEngine) deathCross(ctx PositionContext, regime domain.MarketRegime) *ExitSignal {
	if e.cfg.DeathCrossBearOnly && regime.IsBullish() {
		return nil
	}
	if ctx.DeathCross && ctx.ProfitPct < 0 {
		return &ExitSignal{
			Reason:      domain.SellDeathCross,
			QuantityPct: 100,
			Description: fmt.Sprintf("death cross with profit %.1f%%", ctx.ProfitPct),
		}
	}
	return nil
}

func (e *ExitEngine) timeExit(ctx PositionContext) *ExitSignal {
	if ctx.HoldingDays >= e.cfg.MaxHoldingDays {
		return &ExitSignal{
			Reason:      domain.SellTimeExit,
			QuantityPct: 100,
			Description: fmt.Sprintf("time exit: %dd >= %dd", ctx.HoldingDays, e.cfg.MaxHoldingDays),
		}
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
