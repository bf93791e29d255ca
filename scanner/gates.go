package scanner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"kis-trading-core/cache"
	"kis-trading-core/config"
	"kis-trading-core/domain"
)

// GateInput carries everything the gates need for one candidate signal.
type GateInput struct {
	Code   string
	Signal domain.SignalType
	Bars   []domain.MinuteBar
	Price  float64
	RSI    float64
	HasRSI bool
	VWAP   float64
	Regime domain.MarketRegime
	Entry  domain.WatchlistEntry
	Now    time.Time
}

// GateFailure names the gate that rejected a signal.
type GateFailure struct {
	Gate   string
	Reason string
}

// GateKeeper runs the pre-publish safety checks in a fixed order. The
// first failure short-circuits.
type GateKeeper struct {
	cfg   config.ScannerConfig
	risk  config.RiskConfig
	redis *cache.RedisClient
	log   zerolog.Logger

	mu         sync.Mutex
	lastSignal map[string]time.Time
}

// NewGateKeeper creates a gate keeper with empty cooldown state.
func NewGateKeeper(cfg config.ScannerConfig, risk config.RiskConfig, redis *cache.RedisClient, log zerolog.Logger) *GateKeeper {
	return &GateKeeper{
		cfg:        cfg,
		risk:       risk,
		redis:      redis,
		log:        log,
		lastSignal: make(map[string]time.Time),
	}
}

// Check runs all gates. Returns nil when every gate passes.
func (g *GateKeeper) Check(ctx context.Context, in GateInput) *GateFailure {
	if fail := g.noTradeWindow(in); fail != nil {
		return fail
	}
	if fail := g.dangerZone(in); fail != nil {
		return fail
	}
	if fail := g.dailyBuyCap(ctx, in); fail != nil {
		return fail
	}
	if fail := g.rsiGuard(in); fail != nil {
		return fail
	}
	if fail := g.vwapGuard(in); fail != nil {
		return fail
	}
	if fail := g.signalCooldown(in); fail != nil {
		return fail
	}
	if fail := g.stopLossCooldown(ctx, in); fail != nil {
		return fail
	}
	if fail := g.sellCooldown(ctx, in); fail != nil {
		return fail
	}
	if fail := g.scoutVeto(in); fail != nil {
		return fail
	}
	if fail := g.microTiming(in); fail != nil {
		return fail
	}
	return nil
}

// RecordSignal marks a published signal for the per-code cooldown.
func (g *GateKeeper) RecordSignal(code string, at time.Time) {
	g.mu.Lock()
	g.lastSignal[code] = at
	g.mu.Unlock()
}

// ActiveCooldowns reports how many codes are in cooldown bookkeeping.
func (g *GateKeeper) ActiveCooldowns() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.lastSignal)
}

func (g *GateKeeper) noTradeWindow(in GateInput) *GateFailure {
	if withinWindow(in.Now, g.cfg.NoTradeWindowStart, g.cfg.NoTradeWindowEnd) {
		return &GateFailure{"no_trade_window", fmt.Sprintf("opening window %s-%s", g.cfg.NoTradeWindowStart, g.cfg.NoTradeWindowEnd)}
	}
	return nil
}

func (g *GateKeeper) dangerZone(in GateInput) *GateFailure {
	if withinWindow(in.Now, g.cfg.DangerZoneStart, g.cfg.DangerZoneEnd) {
		return &GateFailure{"danger_zone", fmt.Sprintf("danger zone %s-%s", g.cfg.DangerZoneStart, g.cfg.DangerZoneEnd)}
	}
	return nil
}

// dailyBuyCap reads the shared daily counter. Bear regimes run at half
// the normal budget.
func (g *GateKeeper) dailyBuyCap(ctx context.Context, in GateInput) *GateFailure {
	limit := g.risk.MaxBuyCountPerDay
	if in.Regime == domain.RegimeBear || in.Regime == domain.RegimeStrongBear {
		limit = (limit + 1) / 2
	}

	count, err := g.redis.GetCounter(ctx, cache.BuyCountKey(in.Now.Format("2006-01-02")))
	if err != nil {
		g.log.Warn().Err(err).Msg("buy counter read failed, gate passes open")
		return nil
	}
	if count >= int64(limit) {
		return &GateFailure{"daily_buy_cap", fmt.Sprintf("%d/%d buys today", count, limit)}
	}
	return nil
}

func (g *GateKeeper) rsiGuard(in GateInput) *GateFailure {
	if in.Signal.BypassesRSIGuard() || !in.HasRSI {
		return nil
	}
	max := g.cfg.RSIGuardMax
	if in.Regime.IsBullish() {
		max = g.cfg.RSIGuardMaxBull
	}
	if in.RSI > max {
		return &GateFailure{"rsi_guard", fmt.Sprintf("RSI %.1f > %.0f", in.RSI, max)}
	}
	return nil
}

func (g *GateKeeper) vwapGuard(in GateInput) *GateFailure {
	if in.VWAP <= 0 {
		return nil
	}
	if in.Price > in.VWAP*(1+g.cfg.VWAPDeviationWarning) {
		dev := (in.Price/in.VWAP - 1) * 100
		return &GateFailure{"vwap_guard", fmt.Sprintf("price %.1f%% above VWAP", dev)}
	}
	return nil
}

func (g *GateKeeper) signalCooldown(in GateInput) *GateFailure {
	g.mu.Lock()
	last, ok := g.lastSignal[in.Code]
	g.mu.Unlock()
	if !ok {
		return nil
	}
	cooldown := time.Duration(g.cfg.SignalCooldownSeconds) * time.Second
	if elapsed := in.Now.Sub(last); elapsed < cooldown {
		return &GateFailure{"signal_cooldown", fmt.Sprintf("%.0fs remaining", (cooldown - elapsed).Seconds())}
	}
	return nil
}

func (g *GateKeeper) stopLossCooldown(ctx context.Context, in GateInput) *GateFailure {
	if g.redis.Exists(ctx, cache.CooldownStopKey(in.Code)) {
		return &GateFailure{"stoploss_cooldown", "recent stop-loss exit"}
	}
	return nil
}

func (g *GateKeeper) sellCooldown(ctx context.Context, in GateInput) *GateFailure {
	if g.redis.Exists(ctx, cache.CooldownSellKey(in.Code)) {
		return &GateFailure{"sell_cooldown", "sold within 24h"}
	}
	return nil
}

func (g *GateKeeper) scoutVeto(in GateInput) *GateFailure {
	if in.Entry.TradeTier == domain.TierBlocked {
		return &GateFailure{"scout_veto", "BLOCKED tier"}
	}
	if !in.Entry.IsTradable {
		return &GateFailure{"scout_veto", "not tradable"}
	}
	return nil
}

// microTiming rejects entries on bearish candle shapes: a shooting
// star, or a bearish engulfing of the previous bar.
func (g *GateKeeper) microTiming(in GateInput) *GateFailure {
	if len(in.Bars) < 2 {
		return nil
	}
	last := in.Bars[len(in.Bars)-1]
	prev := in.Bars[len(in.Bars)-2]

	body := abs(last.Close - last.Open)
	upperShadow := last.High - maxf(last.Close, last.Open)
	if body > 0 && upperShadow > body*2 {
		return &GateFailure{"micro_timing", "shooting star"}
	}

	prevBullish := prev.Close > prev.Open
	currBearish := last.Close < last.Open
	if prevBullish && currBearish && last.Open >= prev.Close && last.Close <= prev.Open {
		return &GateFailure{"micro_timing", "bearish engulfing"}
	}
	return nil
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
