// Package buyer consumes buy signals, enforces admission policy and
// places orders through the gateway.
package buyer

import (
	"errors"
	"math"

	"kis-trading-core/config"
	"kis-trading-core/domain"
)

// ErrTooSmall rejects orders under the minimum viable notional.
var ErrTooSmall = errors.New("TOO_SMALL")

// SizingInput is the account state a sizing decision needs.
type SizingInput struct {
	Signal      domain.BuySignal
	TotalAsset  float64
	BuyingPower float64
}

// SizingResult is the computed order.
type SizingResult struct {
	Quantity    int
	OrderAmount float64
	WeightPct   float64
}

// Sizer converts a signal's score into a target order size.
type Sizer struct {
	cfg config.BuyerConfig
}

// NewSizer creates a sizer with buyer tunables.
func NewSizer(cfg config.BuyerConfig) *Sizer {
	return &Sizer{cfg: cfg}
}

// Size computes the target quantity. The notional is the score-tiered
// weight of total assets scaled by the macro position multiplier, then
// clamped to available buying power.
func (s *Sizer) Size(in SizingInput) (*SizingResult, error) {
	if in.Signal.SignalPrice <= 0 || in.TotalAsset <= 0 {
		return nil, ErrTooSmall
	}

	weight := s.baseWeight(in.Signal.HybridScore)
	if in.Signal.TradeTier == domain.Tier2 {
		weight /= 2
	}

	mult := in.Signal.PositionMultiplier
	if mult <= 0 {
		mult = 1
	}

	notional := in.TotalAsset * weight / 100 * mult
	if notional > in.BuyingPower {
		notional = in.BuyingPower
	}

	quantity := int(math.Floor(notional / in.Signal.SignalPrice))
	amount := float64(quantity) * in.Signal.SignalPrice
	if quantity < 1 || amount < s.cfg.MinOrderAmount {
		return nil, ErrTooSmall
	}

	return &SizingResult{Quantity: quantity, OrderAmount: amount, WeightPct: weight * mult}, nil
}

func (s *Sizer) baseWeight(hybridScore float64) float64 {
	switch {
	case hybridScore >= s.cfg.SizingTier1Score:
		return s.cfg.SizingTier1WeightPct
	case hybridScore >= s.cfg.SizingTier2Score:
		return s.cfg.SizingTier2WeightPct
	default:
		return s.cfg.SizingTier3WeightPct
	}
}
