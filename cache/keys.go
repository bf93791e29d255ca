package cache

import "fmt"

// Stream names shared by all services.
const (
	StreamTicks      = "stream:ticks"
	StreamBuySignals = "stream:buy-signals"
	StreamSellOrders = "stream:sell-orders"
)

// Consumer group names.
const (
	GroupScanner      = "group:scanner"
	GroupMonitor      = "group:monitor"
	GroupBuyExecutor  = "group:buy-executor"
	GroupSellExecutor = "group:sell-executor"
)

// Fixed cache keys.
const (
	KeyWatchlistActive = "watchlist:active"
	KeyTradingContext  = "macro:trading_context"
	KeyPositionsLive   = "positions:live"
	KeyEmergencyPause  = "emergency:trading_pause"
	KeyManualWatchlist = "watchlist:manual"
	KeyDryRunFlag      = "trading_flags:dryrun"
)

// Per-code key builders.

func LockBuyKey(code string) string      { return "lock:buy:" + code }
func LockSellKey(code string) string     { return "lock:sell:" + code }
func CooldownSellKey(code string) string { return "cooldown:sell:" + code }
func CooldownStopKey(code string) string { return "cooldown:stoploss:" + code }
func WatermarkKey(code string) string    { return "watermark:" + code }
func ScaleOutKey(code string) string     { return "scale_out:" + code }
func RSISoldKey(code string) string      { return "rsi_sold:" + code }
func PositionMetaKey(code string) string { return "position:meta:" + code }

// CorrelationKey is order-independent for a code pair.
func CorrelationKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return fmt.Sprintf("correlation:%s:%s", a, b)
}

// BuyCountKey is the daily buy counter for a YYYY-MM-DD date.
func BuyCountKey(date string) string { return "buy_count:" + date }
