package helpers

import "testing"

func TestFormatKRW(t *testing.T) {
	tests := []struct {
		name   string
		amount float64
		want   string
	}{
		{"small", 950, "950 KRW"},
		{"thousands", 72100, "72,100 KRW"},
		{"millions", 12345678, "12,345,678 KRW"},
		{"negative", -5000, "-5,000 KRW"},
		{"fraction truncated", 1000.9, "1,000 KRW"},
		{"zero", 0, "0 KRW"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatKRW(tt.amount); got != tt.want {
				t.Errorf("FormatKRW(%.1f) = %q, want %q", tt.amount, got, tt.want)
			}
		})
	}
}
