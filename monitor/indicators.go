package monitor

import "kis-trading-core/domain"

// DailyIndicators is the per-position technical state refreshed from
// daily candles on each reconciliation.
type DailyIndicators struct {
	ATR    float64
	HasATR bool
	RSI    float64
	HasRSI bool

	MA5   float64
	MA20  float64
	HasMA bool

	DeathCross  bool
	MACDBearish bool
}

// ComputeDailyIndicators derives the exit-chain inputs from daily
// candles. Prices arrive newest first from the gateway.
func ComputeDailyIndicators(prices []domain.DailyPrice) DailyIndicators {
	var ind DailyIndicators
	if len(prices) == 0 {
		return ind
	}

	// Oldest-first working copies.
	n := len(prices)
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	for i, p := range prices {
		closes[n-1-i] = p.Close
		highs[n-1-i] = p.High
		lows[n-1-i] = p.Low
	}

	ind.ATR, ind.HasATR = wilderATR(highs, lows, closes, 14)
	ind.RSI, ind.HasRSI = wilderRSI(closes, 14)

	if ma5, ok5 := sma(closes, 5); ok5 {
		if ma20, ok20 := sma(closes, 20); ok20 {
			ind.MA5 = ma5
			ind.MA20 = ma20
			ind.HasMA = true
		}
	}

	ind.DeathCross = deathCross(closes)
	ind.MACDBearish = macdBearish(closes)
	return ind
}

// deathCross reports a downward MA5/MA20 crossover on the latest bar:
// the short average held at or above the long one on the previous bar
// and now sits below it by at least the 0.2% gap. A position already
// deep in a downtrend does not re-flag on every refresh.
func deathCross(closes []float64) bool {
	const gap = 0.002
	if len(closes) < 21 {
		return false
	}
	currS, _ := sma(closes, 5)
	currL, _ := sma(closes, 20)
	prevS, _ := sma(closes[:len(closes)-1], 5)
	prevL, _ := sma(closes[:len(closes)-1], 20)
	return currS < currL*(1-gap) && prevS >= prevL
}

func sma(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period {
		return 0, false
	}
	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period), true
}

// wilderRSI needs period+1 closes for the seed average.
func wilderRSI(closes []float64, period int) (float64, bool) {
	if len(closes) < period+1 {
		return 0, false
	}
	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			avgGain += d
		} else {
			avgLoss -= d
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period + 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if d > 0 {
			gain = d
		} else {
			loss = -d
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}

func wilderATR(highs, lows, closes []float64, period int) (float64, bool) {
	if len(closes) < period+1 {
		return 0, false
	}
	trueRange := func(i int) float64 {
		tr := highs[i] - lows[i]
		if hc := abs(highs[i] - closes[i-1]); hc > tr {
			tr = hc
		}
		if lc := abs(lows[i] - closes[i-1]); lc > tr {
			tr = lc
		}
		return tr
	}

	atr := 0.0
	for i := 1; i <= period; i++ {
		atr += trueRange(i)
	}
	atr /= float64(period)
	for i := period + 1; i < len(closes); i++ {
		atr = (atr*float64(period-1) + trueRange(i)) / float64(period)
	}
	return atr, true
}

// macdBearish detects bearish divergence: price holding within 2% of
// its 10-day high while the MACD(12,26,9) histogram has fallen since
// the bar that set that high. A decline already far off its high does
// not flag; momentum fading at the top does.
func macdBearish(closes []float64) bool {
	const lookback = 10
	if len(closes) < 26+lookback {
		return false
	}
	fast := emaSeries(closes, 12)
	slow := emaSeries(closes, 26)
	macd := make([]float64, len(closes))
	for i := range closes {
		macd[i] = fast[i] - slow[i]
	}
	signal := emaSeries(macd, 9)

	recent := closes[len(closes)-lookback:]
	hist := make([]float64, lookback)
	for i := range hist {
		j := len(closes) - lookback + i
		hist[i] = macd[j] - signal[j]
	}

	// First occurrence of the window high.
	maxIdx := 0
	for i, p := range recent {
		if p > recent[maxIdx] {
			maxIdx = i
		}
	}

	nearHigh := recent[lookback-1] >= recent[maxIdx]*0.98
	declining := hist[lookback-1] < hist[maxIdx]
	return nearHigh && declining
}

func emaSeries(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}
	k := 2.0 / float64(period+1)
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = values[i]*k + out[i-1]*(1-k)
	}
	return out
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
