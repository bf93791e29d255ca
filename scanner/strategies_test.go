package scanner

import (
	"testing"
	"time"

	"kis-trading-core/config"
	"kis-trading-core/domain"
)

func testScannerConfig() config.ScannerConfig {
	return config.ScannerConfig{
		MinRequiredBars:       20,
		SignalCooldownSeconds: 600,
		RSIGuardMax:           75,
		RSIGuardMaxBull:       85,
		VWAPDeviationWarning:  0.02,
		NoTradeWindowStart:    "09:00",
		NoTradeWindowEnd:      "09:15",
		DangerZoneStart:       "14:00",
		DangerZoneEnd:         "15:00",
		ConvictionWindowStart: "09:15",
		ConvictionWindowEnd:   "10:30",
		MomentumMaxGainPct:    7.0,
		MomentumVolumeRatio:   1.5,
	}
}

// flatBars builds count bars closing at price.
func flatBars(count int, price float64) []domain.MinuteBar {
	bars := make([]domain.MinuteBar, count)
	ts := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	for i := range bars {
		bars[i] = domain.MinuteBar{
			StockCode: "005930",
			MinuteTS:  ts.Add(time.Duration(i) * time.Minute),
			Open:      price,
			High:      price,
			Low:       price,
			Close:     price,
			Volume:    100,
		}
	}
	return bars
}

func kstTime(hour, minute int) time.Time {
	loc, _ := time.LoadLocation("Asia/Seoul")
	return time.Date(2025, 3, 14, hour, minute, 0, 0, loc)
}

func TestGoldenCrossDetection(t *testing.T) {
	d := NewDetector(testScannerConfig())

	// Flat history, then a surge on the last bar: MA5 crosses MA20.
	bars := flatBars(25, 100)
	for i := 21; i < 25; i++ {
		bars[i].Close = 100
	}
	bars[24].Close = 130
	bars[24].Open = 100
	bars[24].High = 131

	in := StrategyInput{
		Bars:        bars,
		Regime:      domain.RegimeBull,
		Price:       130,
		VolumeRatio: 2.0,
		Now:         kstTime(11, 0),
	}
	r := d.goldenCross(in)
	if r == nil {
		t.Fatal("golden cross not detected")
	}
	if r.Type != domain.SignalGoldenCross {
		t.Errorf("Type = %s", r.Type)
	}

	// Without volume backing the cross is ignored.
	in.VolumeRatio = 1.0
	if d.goldenCross(in) != nil {
		t.Error("golden cross fired without volume confirmation")
	}
}

func TestRSIReboundDisabledInBull(t *testing.T) {
	d := NewDetector(testScannerConfig())
	in := StrategyInput{
		Bars:   flatBars(30, 100),
		Regime: domain.RegimeBull,
		Now:    kstTime(11, 0),
	}
	if d.rsiRebound(in) != nil {
		t.Error("RSI rebound fired in BULL regime")
	}
}

func TestMomentumChasePrevention(t *testing.T) {
	d := NewDetector(testScannerConfig())

	build := func(gainPct float64) []domain.MinuteBar {
		bars := flatBars(10, 100)
		last := len(bars) - 1
		bars[last].Close = 100 * (1 + gainPct/100)
		return bars
	}

	tests := []struct {
		name     string
		gainPct  float64
		volRatio float64
		want     bool
	}{
		{"healthy momentum", 3.0, 2.0, true},
		{"below minimum", 1.0, 2.0, false},
		{"over cap", 8.0, 2.0, false},
		{"no volume backing", 3.0, 1.0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := StrategyInput{
				Bars:        build(tt.gainPct),
				Regime:      domain.RegimeSideways,
				VolumeRatio: tt.volRatio,
				Now:         kstTime(11, 0),
			}
			got := d.momentum(in) != nil
			if got != tt.want {
				t.Errorf("momentum(gain=%.1f, vol=%.1f) detected=%v, want %v", tt.gainPct, tt.volRatio, got, tt.want)
			}
		})
	}
}

func TestDipBuyRegimeBands(t *testing.T) {
	d := NewDetector(testScannerConfig())
	scored := time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC)

	build := func(dipPct float64) []domain.MinuteBar {
		bars := flatBars(10, 100)
		last := len(bars) - 1
		bars[last].Close = 100 * (1 + dipPct/100)
		return bars
	}

	tests := []struct {
		name   string
		regime domain.MarketRegime
		dipPct float64
		want   bool
	}{
		{"bull shallow dip", domain.RegimeBull, -1.5, true},
		{"bull dip too deep", domain.RegimeBull, -4.0, false},
		{"bear deeper dip ok", domain.RegimeBear, -4.0, true},
		{"bear dip too shallow", domain.RegimeBear, -1.0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := StrategyInput{
				Bars:   build(tt.dipPct),
				Entry:  domain.WatchlistEntry{StockCode: "005930", ScoredAt: &scored},
				Regime: tt.regime,
				Now:    kstTime(11, 0),
			}
			got := d.dipBuy(in) != nil
			if got != tt.want {
				t.Errorf("dipBuy(%s, %.1f%%) = %v, want %v", tt.regime, tt.dipPct, got, tt.want)
			}
		})
	}
}

func TestDipBuyRequiresEntryAge(t *testing.T) {
	d := NewDetector(testScannerConfig())
	bars := flatBars(10, 100)
	bars[len(bars)-1].Close = 98.5

	in := StrategyInput{
		Bars:   bars,
		Entry:  domain.WatchlistEntry{StockCode: "005930"},
		Regime: domain.RegimeBull,
		Now:    kstTime(11, 0),
	}
	if d.dipBuy(in) != nil {
		t.Error("dip buy fired without scored_at")
	}

	today := kstTime(9, 0).UTC()
	in.Entry.ScoredAt = &today
	if d.dipBuy(in) != nil {
		t.Error("dip buy fired on day 0")
	}
}

func TestVolumeBreakout(t *testing.T) {
	d := NewDetector(testScannerConfig())

	bars := flatBars(25, 100)
	last := len(bars) - 1
	bars[last].Close = 101
	bars[last].High = 101

	in := StrategyInput{Bars: bars, VolumeRatio: 3.5, Now: kstTime(11, 0)}
	if d.volumeBreakout(in) == nil {
		t.Error("volume breakout not detected")
	}

	in.VolumeRatio = 2.0
	if d.volumeBreakout(in) != nil {
		t.Error("volume breakout fired below 3x")
	}
}

func TestConvictionDisabledByDefault(t *testing.T) {
	d := NewDetector(testScannerConfig())
	in := StrategyInput{
		Bars:   flatBars(25, 100),
		Entry:  domain.WatchlistEntry{StockCode: "005930", HybridScore: 90, LLMScore: 90, IsTradable: true},
		Regime: domain.RegimeBull,
		Price:  100,
		Now:    kstTime(9, 30),
	}
	if d.Conviction(in) != nil {
		t.Error("conviction fired with feature flag off")
	}
}

func TestConvictionEntry(t *testing.T) {
	cfg := testScannerConfig()
	cfg.ConvictionEnabled = true
	cfg.ConvictionMinHybridScore = 70
	cfg.ConvictionMinLLMScore = 72
	cfg.ConvictionMaxGainPct = 3.0
	d := NewDetector(cfg)

	entry := domain.WatchlistEntry{StockCode: "005930", HybridScore: 80, LLMScore: 75, IsTradable: true, TradeTier: domain.Tier1}
	in := StrategyInput{
		Bars:   flatBars(25, 100),
		Entry:  entry,
		Regime: domain.RegimeBull,
		Price:  100.5,
		VWAP:   100.2,
		RSI:    55,
		HasRSI: true,
		Now:    kstTime(9, 30),
	}
	if d.Conviction(in) == nil {
		t.Fatal("conviction not detected")
	}

	// Outside the entry window.
	in.Now = kstTime(11, 0)
	if d.Conviction(in) != nil {
		t.Error("conviction fired outside window")
	}

	// Overheated RSI.
	in.Now = kstTime(9, 30)
	in.RSI = 70
	if d.Conviction(in) != nil {
		t.Error("conviction fired with RSI >= 65")
	}

	// Blocked tier never fires.
	in.RSI = 55
	in.Entry.TradeTier = domain.TierBlocked
	if d.Conviction(in) != nil {
		t.Error("conviction fired for BLOCKED tier")
	}
}

func TestWithinWindow(t *testing.T) {
	tests := []struct {
		name   string
		hour   int
		minute int
		want   bool
	}{
		{"before", 8, 59, false},
		{"start inclusive", 9, 0, true},
		{"inside", 9, 10, true},
		{"end exclusive", 9, 15, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := withinWindow(kstTime(tt.hour, tt.minute), "09:00", "09:15"); got != tt.want {
				t.Errorf("withinWindow(%02d:%02d) = %v, want %v", tt.hour, tt.minute, got, tt.want)
			}
		})
	}
}
