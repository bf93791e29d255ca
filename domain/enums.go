package domain

// MarketRegime is the macro regime published by the external council.
type MarketRegime string

const (
	RegimeStrongBull MarketRegime = "STRONG_BULL"
	RegimeBull       MarketRegime = "BULL"
	RegimeSideways   MarketRegime = "SIDEWAYS"
	RegimeBear       MarketRegime = "BEAR"
	RegimeStrongBear MarketRegime = "STRONG_BEAR"
)

// IsBullish reports whether the regime is BULL or STRONG_BULL.
func (r MarketRegime) IsBullish() bool {
	return r == RegimeBull || r == RegimeStrongBull
}

// Valid reports whether the regime is one of the five known values.
func (r MarketRegime) Valid() bool {
	switch r {
	case RegimeStrongBull, RegimeBull, RegimeSideways, RegimeBear, RegimeStrongBear:
		return true
	}
	return false
}

// TradeTier classifies a watchlist entry's eligibility.
type TradeTier string

const (
	Tier1       TradeTier = "TIER1"   // full weight
	Tier2       TradeTier = "TIER2"   // half weight
	TierBlocked TradeTier = "BLOCKED" // veto, never buy
)

// RiskTag is the scout's qualitative risk label.
type RiskTag string

const (
	RiskBullish          RiskTag = "BULLISH"
	RiskNeutral          RiskTag = "NEUTRAL"
	RiskCaution          RiskTag = "CAUTION"
	RiskDistributionRisk RiskTag = "DISTRIBUTION_RISK"
)

// SignalType identifies the strategy that produced a buy signal.
type SignalType string

const (
	SignalGoldenCross          SignalType = "GOLDEN_CROSS"
	SignalRSIRebound           SignalType = "RSI_REBOUND"
	SignalMomentum             SignalType = "MOMENTUM"
	SignalMomentumContinuation SignalType = "MOMENTUM_CONTINUATION"
	SignalDipBuy               SignalType = "DIP_BUY"
	SignalVolumeBreakout       SignalType = "VOLUME_BREAKOUT"
	SignalWatchlistConviction  SignalType = "WATCHLIST_CONVICTION"
	SignalORBBreakout          SignalType = "ORB_BREAKOUT"
)

// IsMomentumFamily reports whether the signal uses limit orders with a
// small premium instead of market orders.
func (s SignalType) IsMomentumFamily() bool {
	return s == SignalMomentum || s == SignalMomentumContinuation
}

// BypassesRSIGuard reports whether the signal type is exempt from the
// scanner's RSI overheating gate.
func (s SignalType) BypassesRSIGuard() bool {
	switch s {
	case SignalMomentumContinuation, SignalWatchlistConviction, SignalORBBreakout:
		return true
	}
	return false
}

// SellReason attributes an exit to the rule that produced it.
type SellReason string

const (
	SellProfitTarget  SellReason = "PROFIT_TARGET"
	SellProfitFloor   SellReason = "PROFIT_FLOOR"
	SellProfitLock    SellReason = "PROFIT_LOCK"
	SellBreakevenStop SellReason = "BREAKEVEN_STOP"
	SellStopLoss      SellReason = "STOP_LOSS"
	SellATRStop       SellReason = "ATR_STOP"
	SellTrailingStop  SellReason = "TRAILING_STOP"
	SellScaleOut      SellReason = "SCALE_OUT"
	SellRSIOverbought SellReason = "RSI_OVERBOUGHT"
	SellDeathCross    SellReason = "DEATH_CROSS"
	SellTimeExit      SellReason = "TIME_EXIT"
	SellManual        SellReason = "MANUAL"
)

// TriggersStopLossCooldown reports whether a full exit for this reason
// puts the code into the 3-day stop-loss cooldown.
func (r SellReason) TriggersStopLossCooldown() bool {
	switch r {
	case SellStopLoss, SellATRStop, SellDeathCross, SellBreakevenStop:
		return true
	}
	return false
}

// OrderType selects market or limit execution.
type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
)

// VixRegime is the volatility bucket carried in TradingContext.
type VixRegime string

const (
	VixLow      VixRegime = "low_vol"
	VixNormal   VixRegime = "normal"
	VixElevated VixRegime = "elevated"
	VixCrisis   VixRegime = "crisis"
)

// SignalSource records who produced a buy signal.
type SignalSource string

const (
	SourceScanner    SignalSource = "scanner"
	SourceConviction SignalSource = "conviction"
	SourceManual     SignalSource = "manual"
)
