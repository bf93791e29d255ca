package scanner

import "kis-trading-core/domain"

// SMA returns the simple moving average of the last period closes, or
// 0 with insufficient data. Use HasSMA to distinguish a true zero.
func SMA(bars []domain.MinuteBar, period int) (float64, bool) {
	if len(bars) < period || period <= 0 {
		return 0, false
	}
	var sum float64
	for _, b := range bars[len(bars)-period:] {
		sum += b.Close
	}
	return sum / float64(period), true
}

// RSI computes Wilder's RSI over bar closes. Needs period+1 bars.
func RSI(bars []domain.MinuteBar, period int) (float64, bool) {
	if len(bars) < period+1 {
		return 0, false
	}

	gains := make([]float64, 0, len(bars)-1)
	losses := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		delta := bars[i].Close - bars[i-1].Close
		if delta > 0 {
			gains = append(gains, delta)
			losses = append(losses, 0)
		} else {
			gains = append(gains, 0)
			losses = append(losses, -delta)
		}
	}

	var avgGain, avgLoss float64
	for i := 0; i < period; i++ {
		avgGain += gains[i]
		avgLoss += losses[i]
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period; i < len(gains); i++ {
		avgGain = (avgGain*float64(period-1) + gains[i]) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + losses[i]) / float64(period)
	}

	if avgLoss == 0 {
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}

// ATR computes Wilder's average true range. Needs period+1 bars.
func ATR(bars []domain.MinuteBar, period int) (float64, bool) {
	if len(bars) < period+1 {
		return 0, false
	}

	trs := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		high := bars[i].High
		low := bars[i].Low
		prevClose := bars[i-1].Close

		tr := high - low
		if d := abs(high - prevClose); d > tr {
			tr = d
		}
		if d := abs(low - prevClose); d > tr {
			tr = d
		}
		trs = append(trs, tr)
	}

	var atr float64
	for i := 0; i < period; i++ {
		atr += trs[i]
	}
	atr /= float64(period)
	for i := period; i < len(trs); i++ {
		atr = (atr*float64(period-1) + trs[i]) / float64(period)
	}
	return atr, true
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
