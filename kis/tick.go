package kis

import "math"

// AlignToTick rounds a price down to the KRX tick grid. Order prices
// off the grid are rejected by the venue.
func AlignToTick(price float64) float64 {
	tick := tickSize(price)
	return math.Floor(price/tick) * tick
}

func tickSize(price float64) float64 {
	switch {
	case price < 2000:
		return 1
	case price < 5000:
		return 5
	case price < 20000:
		return 10
	case price < 50000:
		return 50
	case price < 200000:
		return 100
	case price < 500000:
		return 500
	default:
		return 1000
	}
}
