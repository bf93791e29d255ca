package scanner

import (
	"sync"
	"time"

	"kis-trading-core/domain"
)

const (
	barInterval = time.Minute
	maxBars     = 120
)

// vwapState accumulates intraday price-volume totals, resetting on the
// first tick of a new calendar day.
type vwapState struct {
	cumPV  float64
	cumVol int64
	vwap   float64
	date   string
}

// symbolBars holds the per-code aggregation state.
type symbolBars struct {
	current   *domain.MinuteBar
	completed []domain.MinuteBar
	volumes   []int64
	vwap      vwapState
}

// BarEngine folds raw ticks into one-minute bars and keeps a bounded
// history per code. All methods are safe for concurrent workers.
type BarEngine struct {
	mu      sync.Mutex
	symbols map[string]*symbolBars
	now     func() time.Time
}

// NewBarEngine creates an empty engine.
func NewBarEngine() *BarEngine {
	return &BarEngine{
		symbols: make(map[string]*symbolBars),
		now:     time.Now,
	}
}

// Update folds one tick in. When the tick opens a new minute, the
// previous bar is frozen and returned; otherwise nil.
func (e *BarEngine) Update(tick domain.PriceTick) *domain.MinuteBar {
	now := e.now().UTC()
	minuteTS := now.Truncate(barInterval)

	e.mu.Lock()
	defer e.mu.Unlock()

	sb, ok := e.symbols[tick.StockCode]
	if !ok {
		sb = &symbolBars{}
		e.symbols[tick.StockCode] = sb
	}

	// VWAP resets per calendar day.
	today := now.Format("2006-01-02")
	if sb.vwap.date != today {
		sb.vwap = vwapState{date: today}
	}
	if tick.Volume > 0 {
		sb.vwap.cumPV += tick.Price * float64(tick.Volume)
		sb.vwap.cumVol += tick.Volume
		sb.vwap.vwap = sb.vwap.cumPV / float64(sb.vwap.cumVol)
	}

	var completed *domain.MinuteBar
	if sb.current == nil || !sb.current.MinuteTS.Equal(minuteTS) {
		if sb.current != nil {
			frozen := *sb.current
			completed = &frozen
			sb.completed = append(sb.completed, frozen)
			sb.volumes = append(sb.volumes, frozen.Volume)
			if len(sb.completed) > maxBars {
				sb.completed = sb.completed[len(sb.completed)-maxBars:]
			}
			if len(sb.volumes) > maxBars {
				sb.volumes = sb.volumes[len(sb.volumes)-maxBars:]
			}
		}
		sb.current = &domain.MinuteBar{
			StockCode: tick.StockCode,
			MinuteTS:  minuteTS,
			Open:      tick.Price,
			High:      tick.Price,
			Low:       tick.Price,
			Close:     tick.Price,
			Volume:    tick.Volume,
		}
		return completed
	}

	if tick.Price > sb.current.High {
		sb.current.High = tick.Price
	}
	if tick.Price < sb.current.Low {
		sb.current.Low = tick.Price
	}
	sb.current.Close = tick.Price
	sb.current.Volume += tick.Volume
	return nil
}

// RecentBars returns up to count most recent completed bars, oldest
// first.
func (e *BarEngine) RecentBars(code string, count int) []domain.MinuteBar {
	e.mu.Lock()
	defer e.mu.Unlock()

	sb, ok := e.symbols[code]
	if !ok {
		return nil
	}
	bars := sb.completed
	if len(bars) > count {
		bars = bars[len(bars)-count:]
	}
	out := make([]domain.MinuteBar, len(bars))
	copy(out, bars)
	return out
}

// VWAP returns the current intraday VWAP for a code, or 0.
func (e *BarEngine) VWAP(code string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sb, ok := e.symbols[code]; ok {
		return sb.vwap.vwap
	}
	return 0
}

// VolumeRatio compares the in-progress bar's volume against the mean of
// up to the last 20 completed bars. Returns 0 with no history.
func (e *BarEngine) VolumeRatio(code string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	sb, ok := e.symbols[code]
	if !ok || sb.current == nil || len(sb.volumes) == 0 {
		return 0
	}
	window := sb.volumes
	if len(window) > 20 {
		window = window[len(window)-20:]
	}
	var sum int64
	for _, v := range window {
		sum += v
	}
	avg := float64(sum) / float64(len(window))
	if avg <= 0 {
		return 0
	}
	return float64(sb.current.Volume) / avg
}

// BarCount reports completed bars for a code.
func (e *BarEngine) BarCount(code string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sb, ok := e.symbols[code]; ok {
		return len(sb.completed)
	}
	return 0
}
