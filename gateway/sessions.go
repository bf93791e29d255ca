package gateway

import "time"

// Session names for the KRX trading day.
const (
	SessionPreMarket  = "pre_market"
	SessionPreOpening = "pre_opening"
	SessionRegular    = "regular"
	SessionClosing    = "closing"
	SessionAfterHours = "after_hours"
	SessionClosed     = "closed"
)

// SessionAt buckets a local KRX wall-clock time into a session. The
// caller is responsible for the holiday check; this only reads the
// clock.
func SessionAt(t time.Time) (open bool, session string) {
	hm := t.Hour()*100 + t.Minute()
	switch {
	case hm < 900:
		return false, SessionPreMarket
	case hm < 930:
		return true, SessionPreOpening
	case hm < 1530:
		return true, SessionRegular
	case hm < 1600:
		return true, SessionClosing
	default:
		return false, SessionAfterHours
	}
}
