package buyer

import (
	"errors"
	"testing"

	"kis-trading-core/config"
	"kis-trading-core/domain"
)

func testBuyerConfig() config.BuyerConfig {
	return config.BuyerConfig{
		SizingTier1Score:     80,
		SizingTier1WeightPct: 12,
		SizingTier2Score:     70,
		SizingTier2WeightPct: 9,
		SizingTier3Score:     60,
		SizingTier3WeightPct: 6,
		MinOrderAmount:       100_000,
	}
}

func TestSizingScoreTiers(t *testing.T) {
	s := NewSizer(testBuyerConfig())

	tests := []struct {
		name       string
		score      float64
		wantWeight float64
	}{
		{"top tier", 85, 12},
		{"top tier boundary", 80, 12},
		{"middle tier", 72, 9},
		{"bottom tier", 65, 6},
		{"below tier table", 50, 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := s.Size(SizingInput{
				Signal: domain.BuySignal{
					StockCode:          "005930",
					SignalPrice:        50_000,
					HybridScore:        tt.score,
					TradeTier:          domain.Tier1,
					PositionMultiplier: 1.0,
				},
				TotalAsset:  10_000_000,
				BuyingPower: 5_000_000,
			})
			if err != nil {
				t.Fatalf("Size: %v", err)
			}
			if r.WeightPct != tt.wantWeight {
				t.Errorf("weight = %.1f, want %.1f", r.WeightPct, tt.wantWeight)
			}
			wantQty := int(10_000_000 * tt.wantWeight / 100 / 50_000)
			if r.Quantity != wantQty {
				t.Errorf("quantity = %d, want %d", r.Quantity, wantQty)
			}
		})
	}
}

func TestSizingTier2HalvesWeight(t *testing.T) {
	s := NewSizer(testBuyerConfig())
	r, err := s.Size(SizingInput{
		Signal: domain.BuySignal{
			StockCode:          "005930",
			SignalPrice:        10_000,
			HybridScore:        85,
			TradeTier:          domain.Tier2,
			PositionMultiplier: 1.0,
		},
		TotalAsset:  10_000_000,
		BuyingPower: 5_000_000,
	})
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	// 12% halved to 6% of 10M = 600,000 at 10,000 = 60 shares.
	if r.Quantity != 60 {
		t.Errorf("quantity = %d, want 60", r.Quantity)
	}
}

func TestSizingMacroMultiplier(t *testing.T) {
	s := NewSizer(testBuyerConfig())
	r, err := s.Size(SizingInput{
		Signal: domain.BuySignal{
			StockCode:          "005930",
			SignalPrice:        10_000,
			HybridScore:        85,
			TradeTier:          domain.Tier1,
			PositionMultiplier: 0.5,
		},
		TotalAsset:  10_000_000,
		BuyingPower: 5_000_000,
	})
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	// 12% x 0.5 of 10M = 600,000 at 10,000 = 60 shares.
	if r.Quantity != 60 {
		t.Errorf("quantity = %d, want 60", r.Quantity)
	}
}

func TestSizingClampsToBuyingPower(t *testing.T) {
	s := NewSizer(testBuyerConfig())
	r, err := s.Size(SizingInput{
		Signal: domain.BuySignal{
			StockCode:          "005930",
			SignalPrice:        10_000,
			HybridScore:        85,
			TradeTier:          domain.Tier1,
			PositionMultiplier: 1.0,
		},
		TotalAsset:  10_000_000,
		BuyingPower: 500_000, // below the 1.2M target
	})
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if r.Quantity != 50 {
		t.Errorf("quantity = %d, want 50 (buying-power clamp)", r.Quantity)
	}
}

func TestSizingRejectsTooSmall(t *testing.T) {
	s := NewSizer(testBuyerConfig())

	// 6% of 1M = 60,000, under the 100,000 minimum.
	_, err := s.Size(SizingInput{
		Signal: domain.BuySignal{
			StockCode:          "005930",
			SignalPrice:        10_000,
			HybridScore:        65,
			TradeTier:          domain.Tier1,
			PositionMultiplier: 1.0,
		},
		TotalAsset:  1_000_000,
		BuyingPower: 1_000_000,
	})
	if !errors.Is(err, ErrTooSmall) {
		t.Fatalf("err = %v, want ErrTooSmall", err)
	}

	// Price above the whole budget: zero shares.
	_, err = s.Size(SizingInput{
		Signal: domain.BuySignal{
			StockCode:          "005930",
			SignalPrice:        2_000_000,
			HybridScore:        85,
			TradeTier:          domain.Tier1,
			PositionMultiplier: 1.0,
		},
		TotalAsset:  10_000_000,
		BuyingPower: 1_000_000,
	})
	if !errors.Is(err, ErrTooSmall) {
		t.Fatalf("err = %v, want ErrTooSmall", err)
	}
}
