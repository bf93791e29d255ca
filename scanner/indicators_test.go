package scanner

import (
	"math"
	"testing"

	"kis-trading-core/domain"
)

func barsFromCloses(closes []float64) []domain.MinuteBar {
	bars := make([]domain.MinuteBar, len(closes))
	for i, c := range closes {
		bars[i] = domain.MinuteBar{Open: c, High: c, Low: c, Close: c}
	}
	return bars
}

func TestSMA(t *testing.T) {
	bars := barsFromCloses([]float64{1, 2, 3, 4, 5, 6})

	got, ok := SMA(bars, 5)
	if !ok || got != 4 {
		t.Errorf("SMA(5) = %.1f (ok=%v), want 4", got, ok)
	}

	if _, ok := SMA(bars, 10); ok {
		t.Error("SMA reported ok with insufficient bars")
	}
}

func TestRSIExtremes(t *testing.T) {
	up := make([]float64, 20)
	for i := range up {
		up[i] = 100 + float64(i)
	}
	got, ok := RSI(barsFromCloses(up), 14)
	if !ok || got != 100 {
		t.Errorf("RSI(all gains) = %.1f, want 100", got)
	}

	down := make([]float64, 20)
	for i := range down {
		down[i] = 100 - float64(i)
	}
	got, ok = RSI(barsFromCloses(down), 14)
	if !ok || got != 0 {
		t.Errorf("RSI(all losses) = %.1f, want 0", got)
	}

	if _, ok := RSI(barsFromCloses(up[:10]), 14); ok {
		t.Error("RSI reported ok with insufficient bars")
	}
}

func TestRSINeutralOnAlternation(t *testing.T) {
	// Equal alternating gains and losses settle near 50.
	closes := make([]float64, 40)
	for i := range closes {
		if i%2 == 0 {
			closes[i] = 100
		} else {
			closes[i] = 101
		}
	}
	got, ok := RSI(barsFromCloses(closes), 14)
	if !ok {
		t.Fatal("RSI not available")
	}
	if math.Abs(got-50) > 5 {
		t.Errorf("RSI(alternating) = %.1f, want near 50", got)
	}
}

func TestATRConstantRange(t *testing.T) {
	bars := make([]domain.MinuteBar, 20)
	for i := range bars {
		bars[i] = domain.MinuteBar{Open: 100, High: 102, Low: 98, Close: 100}
	}
	got, ok := ATR(bars, 14)
	if !ok || got != 4 {
		t.Errorf("ATR(constant 4-range) = %.2f, want 4", got)
	}

	if _, ok := ATR(bars[:10], 14); ok {
		t.Error("ATR reported ok with insufficient bars")
	}
}
