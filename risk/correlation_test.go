package risk

import (
	"math"
	"testing"

	"kis-trading-core/domain"
)

func TestPearson(t *testing.T) {
	xs := []float64{0.01, -0.02, 0.03, 0.005, -0.01}

	if got := Pearson(xs, xs); math.Abs(got-1) > 1e-9 {
		t.Errorf("self correlation = %.4f, want 1", got)
	}

	inverse := make([]float64, len(xs))
	for i, x := range xs {
		inverse[i] = -x
	}
	if got := Pearson(xs, inverse); math.Abs(got+1) > 1e-9 {
		t.Errorf("inverse correlation = %.4f, want -1", got)
	}

	flat := []float64{0.01, 0.01, 0.01, 0.01, 0.01}
	if got := Pearson(xs, flat); got != 0 {
		t.Errorf("flat series correlation = %.4f, want 0", got)
	}

	if got := Pearson(xs[:1], xs[:1]); got != 0 {
		t.Errorf("single point correlation = %.4f, want 0", got)
	}
}

func TestPearsonNearDuplicates(t *testing.T) {
	// Two stocks moving almost in lockstep must land above the 0.85
	// diversification threshold.
	a := []float64{0.012, -0.008, 0.021, 0.004, -0.015, 0.009, 0.002, -0.011}
	b := make([]float64, len(a))
	for i, v := range a {
		b[i] = v*0.9 + 0.001
	}
	if got := Pearson(a, b); got < 0.85 {
		t.Errorf("lockstep correlation = %.4f, want >= 0.85", got)
	}
}

func TestDailyReturns(t *testing.T) {
	// Gateway order is newest first: 110, 100, 90.
	prices := []domain.DailyPrice{
		{Close: 110},
		{Close: 100},
		{Close: 90},
	}
	returns := dailyReturns(prices)
	if len(returns) != 2 {
		t.Fatalf("len = %d, want 2", len(returns))
	}
	// Oldest-first: 90 -> 100, then 100 -> 110.
	if math.Abs(returns[0]-10.0/90) > 1e-9 || math.Abs(returns[1]-0.1) > 1e-9 {
		t.Errorf("returns = %v", returns)
	}

	if dailyReturns(prices[:1]) != nil {
		t.Error("single candle produced returns")
	}
}
