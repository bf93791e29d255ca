package monitor

import (
	"testing"

	"kis-trading-core/domain"
)

// newestFirst mirrors the gateway's daily-price ordering.
func newestFirst(closes []float64) []domain.DailyPrice {
	out := make([]domain.DailyPrice, len(closes))
	for i, c := range closes {
		out[len(closes)-1-i] = domain.DailyPrice{Open: c, High: c + 2, Low: c - 2, Close: c}
	}
	return out
}

func TestDailyRSIExtremes(t *testing.T) {
	up := make([]float64, 20)
	for i := range up {
		up[i] = 100 + float64(i)
	}
	ind := ComputeDailyIndicators(newestFirst(up))
	if !ind.HasRSI || ind.RSI != 100 {
		t.Errorf("RSI(all gains) = %.1f (has=%v), want 100", ind.RSI, ind.HasRSI)
	}

	if got := ComputeDailyIndicators(newestFirst(up[:5])); got.HasRSI || got.HasATR {
		t.Error("short history reported indicators as available")
	}
}

func TestDailyATRConstantRange(t *testing.T) {
	flat := make([]float64, 20)
	for i := range flat {
		flat[i] = 100
	}
	ind := ComputeDailyIndicators(newestFirst(flat))
	if !ind.HasATR || ind.ATR != 4 {
		t.Errorf("ATR(constant 4-range) = %.2f, want 4", ind.ATR)
	}
}

func TestDeathCrossFiresOnCrossoverOnly(t *testing.T) {
	decline := make([]float64, 30)
	for i := range decline {
		decline[i] = 200 - float64(i)*2
	}
	rise := make([]float64, 30)
	for i := range rise {
		rise[i] = 100 + float64(i)*2
	}
	flat := func(last float64) []float64 {
		out := make([]float64, 25)
		for i := range out {
			out[i] = 100
		}
		out[24] = last
		return out
	}

	tests := []struct {
		name   string
		closes []float64
		want   bool
	}{
		// MA5 held under MA20 throughout; no crossover happened in
		// the window, so a sustained downtrend must not flag.
		{"sustained downtrend", decline, false},
		{"uptrend", rise, false},
		// Flat then a hard drop: MA5 crosses under MA20 on the last
		// bar with room past the 0.2% gap.
		{"crossover on latest bar", flat(80), true},
		// Crosses under, but inside the gap.
		{"crossover inside gap", flat(99), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ind := ComputeDailyIndicators(newestFirst(tt.closes))
			if ind.DeathCross != tt.want {
				t.Errorf("MA5=%.2f MA20=%.2f death=%v, want %v", ind.MA5, ind.MA20, ind.DeathCross, tt.want)
			}
		})
	}

	ind := ComputeDailyIndicators(newestFirst(decline))
	if !ind.HasMA || ind.MA5 >= ind.MA20 {
		t.Errorf("declining series: MA5=%.2f MA20=%.2f, want MA5 < MA20 levels reported", ind.MA5, ind.MA20)
	}
}

func TestMACDBearishIsDivergenceAtHigh(t *testing.T) {
	short := make([]float64, 30)
	for i := range short {
		short[i] = 100 - float64(i)
	}
	decline := make([]float64, 60)
	for i := range decline {
		decline[i] = 200 - float64(i)*2
	}
	rise := make([]float64, 60)
	for i := range rise {
		rise[i] = 100 + float64(i)*2
	}
	// Forty bars up then a plateau: price holds the 10-day high while
	// the histogram rolls over.
	plateau := make([]float64, 55)
	for i := range plateau {
		if i < 40 {
			plateau[i] = 100 + float64(i)*2
		} else {
			plateau[i] = 178
		}
	}

	tests := []struct {
		name   string
		closes []float64
		want   bool
	}{
		{"short history", short, false},
		// Deep drawdown, far below the 10-day high: no warning even
		// though MACD sits under its signal line.
		{"sustained downtrend", decline, false},
		// Fresh high with momentum intact.
		{"steady uptrend", rise, false},
		{"momentum fading at the high", plateau, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ComputeDailyIndicators(newestFirst(tt.closes)).MACDBearish; got != tt.want {
				t.Errorf("MACDBearish = %v, want %v", got, tt.want)
			}
		})
	}
}
