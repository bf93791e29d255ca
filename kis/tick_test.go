package kis

import "testing"

func TestAlignToTick(t *testing.T) {
	tests := []struct {
		name  string
		price float64
		want  float64
	}{
		{"under 2000 keeps won", 1999, 1999},
		{"5-won band", 4998, 4995},
		{"10-won band", 19995, 19990},
		{"50-won band", 49999, 49950},
		{"100-won band boundary", 50000, 50000},
		{"100-won band", 72316, 72300},
		{"momentum premium aligned", 72100 * 1.003, 72300},
		{"500-won band", 200300, 200000},
		{"1000-won band", 512345, 512000},
		{"exact grid unchanged", 72300, 72300},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AlignToTick(tt.price); got != tt.want {
				t.Errorf("AlignToTick(%.1f) = %.0f, want %.0f", tt.price, got, tt.want)
			}
		})
	}
}
