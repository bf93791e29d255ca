package scanner

import (
	"fmt"
	"time"

	"kis-trading-core/config"
	"kis-trading-core/domain"
)

// StrategyInput is the per-bar-close evaluation context. Bars are
// oldest first; Now is venue-local wall clock.
type StrategyInput struct {
	Bars        []domain.MinuteBar
	Entry       domain.WatchlistEntry
	Regime      domain.MarketRegime
	Price       float64
	RSI         float64
	HasRSI      bool
	VolumeRatio float64
	VWAP        float64
	Now         time.Time
}

// StrategyResult is a detected entry opportunity.
type StrategyResult struct {
	Type   domain.SignalType
	Reason string
}

// Detector evaluates the strategy set in priority order.
type Detector struct {
	cfg config.ScannerConfig
}

// NewDetector creates a detector with scanner tunables.
func NewDetector(cfg config.ScannerConfig) *Detector {
	return &Detector{cfg: cfg}
}

// Detect runs the non-conviction strategies in priority order and
// returns the first match. Conviction runs separately because it
// bypasses the risk gates.
func (d *Detector) Detect(in StrategyInput) *StrategyResult {
	if in.Regime.IsBullish() {
		if r := d.goldenCross(in); r != nil {
			return r
		}
		if r := d.momentumContinuation(in); r != nil {
			return r
		}
	} else if in.Regime == domain.RegimeSideways {
		if r := d.goldenCross(in); r != nil {
			return r
		}
	}

	if r := d.momentum(in); r != nil {
		return r
	}
	if r := d.dipBuy(in); r != nil {
		return r
	}
	if r := d.rsiRebound(in); r != nil {
		return r
	}
	if r := d.volumeBreakout(in); r != nil {
		return r
	}
	if d.cfg.ORBEnabled {
		if r := d.orbBreakout(in); r != nil {
			return r
		}
	}
	return nil
}

// goldenCross fires when MA5 crosses above MA20 on the closed bar with
// volume confirmation.
func (d *Detector) goldenCross(in StrategyInput) *StrategyResult {
	if len(in.Bars) < 21 {
		return nil
	}
	maShort, ok1 := SMA(in.Bars, 5)
	maLong, ok2 := SMA(in.Bars, 20)
	prevShort, ok3 := SMA(in.Bars[:len(in.Bars)-1], 5)
	prevLong, ok4 := SMA(in.Bars[:len(in.Bars)-1], 20)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil
	}
	if !(prevShort <= prevLong && maShort > maLong) {
		return nil
	}
	if in.VolumeRatio < d.cfg.MomentumVolumeRatio {
		return nil
	}
	return &StrategyResult{
		Type:   domain.SignalGoldenCross,
		Reason: fmt.Sprintf("MA5 crossed MA20, vol_ratio=%.1fx", in.VolumeRatio),
	}
}

// rsiRebound fires when RSI crosses up through the regime's oversold
// threshold. Counter-trend, so bull regimes never run it.
func (d *Detector) rsiRebound(in StrategyInput) *StrategyResult {
	if in.Regime.IsBullish() {
		return nil
	}
	if len(in.Bars) < 16 {
		return nil
	}

	threshold := 35.0
	switch in.Regime {
	case domain.RegimeSideways:
		threshold = 40.0
	case domain.RegimeBear:
		threshold = 30.0
	case domain.RegimeStrongBear:
		threshold = 25.0
	}

	curr, ok1 := RSI(in.Bars, 14)
	prev, ok2 := RSI(in.Bars[:len(in.Bars)-1], 14)
	if !ok1 || !ok2 {
		return nil
	}
	if prev < threshold && curr >= threshold {
		return &StrategyResult{
			Type:   domain.SignalRSIRebound,
			Reason: fmt.Sprintf("RSI rebound %.1f -> %.1f through %.0f", prev, curr, threshold),
		}
	}
	return nil
}

// momentum fires on short-window price momentum with volume backing.
// The gain cap prevents chasing an extended move.
func (d *Detector) momentum(in StrategyInput) *StrategyResult {
	if len(in.Bars) < 5 {
		return nil
	}
	recent := in.Bars[len(in.Bars)-5:]
	if recent[0].Open <= 0 {
		return nil
	}
	momentumPct := (recent[4].Close/recent[0].Open - 1) * 100

	if momentumPct < 1.5 || momentumPct > d.cfg.MomentumMaxGainPct {
		return nil
	}
	if in.VolumeRatio < d.cfg.MomentumVolumeRatio {
		return nil
	}
	return &StrategyResult{
		Type:   domain.SignalMomentum,
		Reason: fmt.Sprintf("momentum +%.1f%%, vol_ratio=%.1fx", momentumPct, in.VolumeRatio),
	}
}

// momentumContinuation fires in bull regimes when the trend structure
// holds and the move is still early.
func (d *Detector) momentumContinuation(in StrategyInput) *StrategyResult {
	if !in.Regime.IsBullish() {
		return nil
	}
	if len(in.Bars) < 21 {
		return nil
	}
	if !withinWindow(in.Now, d.cfg.ConvictionWindowStart, d.cfg.ConvictionWindowEnd) {
		return nil
	}

	ma5, ok1 := SMA(in.Bars, 5)
	ma20, ok2 := SMA(in.Bars, 20)
	if !ok1 || !ok2 || ma5 <= ma20 {
		return nil
	}

	base := in.Bars[len(in.Bars)-5].Close
	if base <= 0 {
		return nil
	}
	change := (in.Bars[len(in.Bars)-1].Close/base - 1) * 100
	if change < 2.0 || change > 5.0 {
		return nil
	}

	if in.HasRSI && in.RSI >= 75 {
		return nil
	}
	if in.Entry.LLMScore < 65 {
		return nil
	}
	return &StrategyResult{
		Type:   domain.SignalMomentumContinuation,
		Reason: fmt.Sprintf("continuation: MA5>MA20, change=%.1f%%, llm=%.0f", change, in.Entry.LLMScore),
	}
}

// dipBuy fires on a pullback from the recent high while the watchlist
// entry is 1 to 5 days old. The acceptable dip band depends on regime.
func (d *Detector) dipBuy(in StrategyInput) *StrategyResult {
	if len(in.Bars) < 5 {
		return nil
	}
	if in.Entry.ScoredAt == nil {
		return nil
	}
	days := int(in.Now.UTC().Sub(in.Entry.ScoredAt.UTC()).Hours() / 24)
	if days < 1 || days > 5 {
		return nil
	}

	recent := in.Bars[len(in.Bars)-5:]
	high := recent[0].High
	for _, b := range recent[1:] {
		if b.High > high {
			high = b.High
		}
	}
	if high <= 0 {
		return nil
	}
	dipPct := (recent[4].Close/high - 1) * 100

	minDip, maxDip := -2.0, -5.0
	if in.Regime.IsBullish() {
		minDip, maxDip = -0.5, -3.0
	}
	if dipPct <= minDip && dipPct >= maxDip {
		return &StrategyResult{
			Type:   domain.SignalDipBuy,
			Reason: fmt.Sprintf("dip %.1f%% on day %d", dipPct, days),
		}
	}
	return nil
}

// volumeBreakout fires on a volume surge making a new intraday high
// against the last 20 bars.
func (d *Detector) volumeBreakout(in StrategyInput) *StrategyResult {
	if len(in.Bars) < 20 {
		return nil
	}
	if in.VolumeRatio < 3.0 {
		return nil
	}

	window := in.Bars[len(in.Bars)-20 : len(in.Bars)-1]
	recentHigh := window[0].High
	for _, b := range window[1:] {
		if b.High > recentHigh {
			recentHigh = b.High
		}
	}
	last := in.Bars[len(in.Bars)-1]
	if last.Close <= recentHigh {
		return nil
	}
	return &StrategyResult{
		Type:   domain.SignalVolumeBreakout,
		Reason: fmt.Sprintf("volume breakout %.1fx over new high", in.VolumeRatio),
	}
}

// Conviction evaluates the high-confidence early-session entry. It is
// called before the risk gates because a pass bypasses them.
func (d *Detector) Conviction(in StrategyInput) *StrategyResult {
	if !d.cfg.ConvictionEnabled {
		return nil
	}
	if in.Entry.TradeTier == domain.TierBlocked {
		return nil
	}
	if in.Regime == domain.RegimeBear || in.Regime == domain.RegimeStrongBear {
		return nil
	}
	if in.Regime == domain.RegimeSideways && in.Entry.HybridScore < 75 {
		return nil
	}
	if in.Entry.ScoredAt != nil {
		days := int(in.Now.UTC().Sub(in.Entry.ScoredAt.UTC()).Hours() / 24)
		if days > 2 {
			return nil
		}
	}
	highHybrid := in.Entry.HybridScore >= d.cfg.ConvictionMinHybridScore
	highLLM := in.Entry.LLMScore >= d.cfg.ConvictionMinLLMScore
	if !highHybrid && !highLLM {
		return nil
	}
	if !withinWindow(in.Now, d.cfg.ConvictionWindowStart, d.cfg.ConvictionWindowEnd) {
		return nil
	}
	if len(in.Bars) >= 2 && in.Bars[0].Open > 0 {
		gain := (in.Price/in.Bars[0].Open - 1) * 100
		if gain >= d.cfg.ConvictionMaxGainPct {
			return nil
		}
	}
	if in.VWAP > 0 {
		dev := abs(in.Price/in.VWAP-1) * 100
		if dev > 1.5 {
			return nil
		}
	}
	if in.HasRSI && in.RSI >= 65 {
		return nil
	}
	return &StrategyResult{
		Type:   domain.SignalWatchlistConviction,
		Reason: fmt.Sprintf("conviction: hybrid=%.0f, llm=%.0f", in.Entry.HybridScore, in.Entry.LLMScore),
	}
}

// orbBreakout fires when the price breaks the opening range high with
// volume inside the breakout window.
func (d *Detector) orbBreakout(in StrategyInput) *StrategyResult {
	if !withinWindow(in.Now, "09:15", "10:30") {
		return nil
	}

	var rangeHigh float64
	var rangeBars int
	for _, b := range in.Bars {
		local := b.MinuteTS.In(in.Now.Location())
		hm := local.Hour()*100 + local.Minute()
		if hm >= 900 && hm < 915 {
			rangeBars++
			if b.High > rangeHigh {
				rangeHigh = b.High
			}
		}
	}
	if rangeBars < 5 || rangeHigh <= 0 {
		return nil
	}
	if in.Price <= rangeHigh {
		return nil
	}
	if in.VolumeRatio < d.cfg.MomentumVolumeRatio {
		return nil
	}
	return &StrategyResult{
		Type:   domain.SignalORBBreakout,
		Reason: fmt.Sprintf("opening range %.0f broken at %.0f", rangeHigh, in.Price),
	}
}

// withinWindow checks an HH:MM wall-clock window, inclusive of start
// and exclusive of end.
func withinWindow(now time.Time, start, end string) bool {
	s, errS := parseHHMM(start)
	e, errE := parseHHMM(end)
	if errS != nil || errE != nil {
		return false
	}
	hm := now.Hour()*100 + now.Minute()
	return hm >= s && hm < e
}

func parseHHMM(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*100 + t.Minute(), nil
}
