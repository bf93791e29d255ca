package scanner

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"kis-trading-core/domain"
)

func testGateKeeper() *GateKeeper {
	cfg := testScannerConfig()
	return &GateKeeper{
		cfg:        cfg,
		log:        zerolog.Nop(),
		lastSignal: make(map[string]time.Time),
	}
}

func TestWindowGates(t *testing.T) {
	g := testGateKeeper()

	tests := []struct {
		name     string
		hour     int
		minute   int
		wantGate string
	}{
		{"opening noise blocked", 9, 5, "no_trade_window"},
		{"after opening window", 9, 20, ""},
		{"danger zone blocked", 14, 30, "danger_zone"},
		{"after danger zone", 15, 10, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := GateInput{Now: kstTime(tt.hour, tt.minute)}
			var gate string
			if fail := g.noTradeWindow(in); fail != nil {
				gate = fail.Gate
			} else if fail := g.dangerZone(in); fail != nil {
				gate = fail.Gate
			}
			if gate != tt.wantGate {
				t.Errorf("gate = %q, want %q", gate, tt.wantGate)
			}
		})
	}
}

func TestRSIGuard(t *testing.T) {
	g := testGateKeeper()

	tests := []struct {
		name    string
		signal  domain.SignalType
		regime  domain.MarketRegime
		rsi     float64
		blocked bool
	}{
		{"sideways under limit", domain.SignalGoldenCross, domain.RegimeSideways, 70, false},
		// The cap is exclusive; exactly at the limit still passes.
		{"sideways exactly at limit", domain.SignalGoldenCross, domain.RegimeSideways, 75, false},
		{"sideways over limit", domain.SignalGoldenCross, domain.RegimeSideways, 76, true},
		{"bull higher limit", domain.SignalGoldenCross, domain.RegimeBull, 80, false},
		{"bull over limit", domain.SignalGoldenCross, domain.RegimeBull, 86, true},
		{"continuation bypasses", domain.SignalMomentumContinuation, domain.RegimeSideways, 90, false},
		{"orb bypasses", domain.SignalORBBreakout, domain.RegimeSideways, 90, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := GateInput{Signal: tt.signal, Regime: tt.regime, RSI: tt.rsi, HasRSI: true}
			got := g.rsiGuard(in) != nil
			if got != tt.blocked {
				t.Errorf("rsiGuard(%s, rsi=%.0f) blocked=%v, want %v", tt.signal, tt.rsi, got, tt.blocked)
			}
		})
	}
}

func TestVWAPGuard(t *testing.T) {
	g := testGateKeeper()

	if fail := g.vwapGuard(GateInput{Price: 103, VWAP: 100}); fail == nil {
		t.Error("3% above VWAP passed the 2% guard")
	}
	if fail := g.vwapGuard(GateInput{Price: 101, VWAP: 100}); fail != nil {
		t.Errorf("1%% above VWAP blocked: %s", fail.Reason)
	}
	if fail := g.vwapGuard(GateInput{Price: 103, VWAP: 0}); fail != nil {
		t.Error("missing VWAP should pass open")
	}
}

func TestSignalCooldown(t *testing.T) {
	g := testGateKeeper()
	now := kstTime(11, 0)

	if fail := g.signalCooldown(GateInput{Code: "005930", Now: now}); fail != nil {
		t.Fatal("cooldown blocked a first signal")
	}

	g.RecordSignal("005930", now)
	if fail := g.signalCooldown(GateInput{Code: "005930", Now: now.Add(5 * time.Minute)}); fail == nil {
		t.Error("signal inside cooldown passed")
	}
	if fail := g.signalCooldown(GateInput{Code: "005930", Now: now.Add(11 * time.Minute)}); fail != nil {
		t.Error("signal after cooldown blocked")
	}
	if fail := g.signalCooldown(GateInput{Code: "000660", Now: now.Add(time.Minute)}); fail != nil {
		t.Error("cooldown leaked across codes")
	}
}

func TestScoutVeto(t *testing.T) {
	g := testGateKeeper()

	blocked := GateInput{Entry: domain.WatchlistEntry{TradeTier: domain.TierBlocked}}
	if g.scoutVeto(blocked) == nil {
		t.Error("BLOCKED tier passed the veto gate")
	}

	untradable := GateInput{Entry: domain.WatchlistEntry{TradeTier: domain.Tier1, IsTradable: false}}
	if g.scoutVeto(untradable) == nil {
		t.Error("untradable entry passed the veto gate")
	}

	ok := GateInput{Entry: domain.WatchlistEntry{TradeTier: domain.Tier1, IsTradable: true}}
	if fail := g.scoutVeto(ok); fail != nil {
		t.Errorf("tradable TIER1 blocked: %s", fail.Reason)
	}
}

func TestMicroTiming(t *testing.T) {
	g := testGateKeeper()
	ts := time.Date(2025, 3, 14, 2, 0, 0, 0, time.UTC)

	shootingStar := []domain.MinuteBar{
		{MinuteTS: ts, Open: 100, High: 101, Low: 99, Close: 100.5},
		{MinuteTS: ts.Add(time.Minute), Open: 100, High: 110, Low: 100, Close: 101},
	}
	if g.microTiming(GateInput{Bars: shootingStar}) == nil {
		t.Error("shooting star passed")
	}

	engulfing := []domain.MinuteBar{
		{MinuteTS: ts, Open: 100, High: 103, Low: 99, Close: 102},
		{MinuteTS: ts.Add(time.Minute), Open: 103, High: 103, Low: 98, Close: 99},
	}
	if g.microTiming(GateInput{Bars: engulfing}) == nil {
		t.Error("bearish engulfing passed")
	}

	clean := []domain.MinuteBar{
		{MinuteTS: ts, Open: 100, High: 101, Low: 99, Close: 101},
		{MinuteTS: ts.Add(time.Minute), Open: 101, High: 102, Low: 100, Close: 102},
	}
	if fail := g.microTiming(GateInput{Bars: clean}); fail != nil {
		t.Errorf("clean bars blocked: %s", fail.Reason)
	}
}
