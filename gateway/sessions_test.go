package gateway

import (
	"testing"
	"time"
)

func TestSessionAt(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		hour     int
		minute   int
		wantOpen bool
		wantName string
	}{
		{"before open", 8, 59, false, SessionPreMarket},
		{"opening bell", 9, 0, true, SessionPreOpening},
		{"pre opening end", 9, 29, true, SessionPreOpening},
		{"regular start", 9, 30, true, SessionRegular},
		{"mid session", 12, 0, true, SessionRegular},
		{"regular end", 15, 29, true, SessionRegular},
		{"closing auction", 15, 30, true, SessionClosing},
		{"closing end", 15, 59, true, SessionClosing},
		{"after close", 16, 0, false, SessionAfterHours},
		{"evening", 20, 0, false, SessionAfterHours},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			at := time.Date(2025, 3, 14, tt.hour, tt.minute, 0, 0, loc)
			open, session := SessionAt(at)
			if open != tt.wantOpen || session != tt.wantName {
				t.Errorf("SessionAt(%02d:%02d) = (%v, %s), want (%v, %s)",
					tt.hour, tt.minute, open, session, tt.wantOpen, tt.wantName)
			}
		})
	}
}
