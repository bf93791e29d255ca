package risk

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"kis-trading-core/cache"
	"kis-trading-core/config"
	"kis-trading-core/domain"
)

// CorrelationBlock names the held position that is too correlated with
// the candidate.
type CorrelationBlock struct {
	HeldCode    string
	Coefficient float64
}

// CorrelationChecker computes pairwise Pearson correlation of daily
// returns between a buy candidate and every held position. Coefficients
// are cached per pair; a miss costs two gateway fetches.
type CorrelationChecker struct {
	cfg     config.RiskConfig
	redis   *cache.RedisClient
	gateway dailyPriceFetcher
	log     zerolog.Logger
}

// dailyPriceFetcher is the slice of the gateway client the checker needs.
type dailyPriceFetcher interface {
	DailyPrices(ctx context.Context, code string, days int) ([]domain.DailyPrice, error)
}

// NewCorrelationChecker creates a checker backed by the shared cache.
func NewCorrelationChecker(cfg config.RiskConfig, redis *cache.RedisClient, gateway dailyPriceFetcher, log zerolog.Logger) *CorrelationChecker {
	return &CorrelationChecker{cfg: cfg, redis: redis, gateway: gateway, log: log}
}

// Check returns the first held code whose correlation with the
// candidate reaches the threshold, or nil when all pairs pass. Gateway
// failures propagate so that the caller can retry the message.
func (c *CorrelationChecker) Check(ctx context.Context, candidate string, held []string) (*CorrelationBlock, error) {
	var candidateReturns []float64

	for _, code := range held {
		if code == candidate {
			continue
		}

		coeff, cached := c.redis.GetFloat(ctx, cache.CorrelationKey(candidate, code))
		if !cached {
			if candidateReturns == nil {
				prices, err := c.gateway.DailyPrices(ctx, candidate, c.cfg.CorrelationDays)
				if err != nil {
					return nil, fmt.Errorf("daily prices for %s: %w", candidate, err)
				}
				candidateReturns = dailyReturns(prices)
			}
			prices, err := c.gateway.DailyPrices(ctx, code, c.cfg.CorrelationDays)
			if err != nil {
				return nil, fmt.Errorf("daily prices for %s: %w", code, err)
			}

			coeff = Pearson(candidateReturns, dailyReturns(prices))
			ttl := time.Duration(c.cfg.CorrelationCacheHours) * time.Hour
			if err := c.redis.SetFloat(ctx, cache.CorrelationKey(candidate, code), coeff, ttl); err != nil {
				c.log.Warn().Err(err).Str("pair", candidate+":"+code).Msg("correlation cache write failed")
			}
		}

		if coeff >= c.cfg.CorrelationThreshold {
			return &CorrelationBlock{HeldCode: code, Coefficient: coeff}, nil
		}
	}
	return nil, nil
}

// dailyReturns converts newest-first candles to oldest-first simple
// returns.
func dailyReturns(prices []domain.DailyPrice) []float64 {
	n := len(prices)
	if n < 2 {
		return nil
	}
	returns := make([]float64, 0, n-1)
	// prices[n-1] is the oldest.
	for i := n - 1; i > 0; i-- {
		prev := prices[i].Close
		if prev <= 0 {
			continue
		}
		returns = append(returns, (prices[i-1].Close-prev)/prev)
	}
	return returns
}

// Pearson computes the correlation coefficient over the overlapping
// prefix of the two series. Fewer than two points, or a flat series,
// yields zero.
func Pearson(xs, ys []float64) float64 {
	n := len(xs)
	if len(ys) < n {
		n = len(ys)
	}
	if n < 2 {
		return 0
	}
	xs, ys = xs[:n], ys[:n]

	var sumX, sumY float64
	for i := 0; i < n; i++ {
		sumX += xs[i]
		sumY += ys[i]
	}
	meanX, meanY := sumX/float64(n), sumY/float64(n)

	var cov, varX, varY float64
	for i := 0; i < n; i++ {
		dx, dy := xs[i]-meanX, ys[i]-meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX == 0 || varY == 0 {
		return 0
	}
	return cov / math.Sqrt(varX*varY)
}
