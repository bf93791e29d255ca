package cache

import (
	"context"
	"errors"
	"time"

	"kis-trading-core/domain"
)

// GetTradingContext returns the council's macro artifact, falling back
// to the conservative default when the key is absent or invalid.
func (r *RedisClient) GetTradingContext(ctx context.Context) domain.TradingContext {
	var tc domain.TradingContext
	err := r.Get(ctx, KeyTradingContext, &tc)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			r.log.Warn().Err(err).Msg("trading context read failed, using default")
		}
		return domain.DefaultTradingContext()
	}
	if err := tc.Validate(); err != nil {
		r.log.Warn().Err(err).Msg("trading context invalid, using default")
		return domain.DefaultTradingContext()
	}
	return tc
}

// GetWatchlist returns the scout's active watchlist, or nil when absent.
func (r *RedisClient) GetWatchlist(ctx context.Context) (*domain.HotWatchlist, error) {
	var wl domain.HotWatchlist
	if err := r.Get(ctx, KeyWatchlistActive, &wl); err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return nil, nil
		}
		return nil, err
	}
	return &wl, nil
}

// ManualWatchlist returns the operator's pinned codes with their minimum
// score overrides.
func (r *RedisClient) ManualWatchlist(ctx context.Context) map[string]float64 {
	pins, err := r.HGetAllFloat(ctx, KeyManualWatchlist)
	if err != nil {
		r.log.Warn().Err(err).Msg("manual watchlist read failed")
		return nil
	}
	return pins
}

// IsEmergencyPaused reports whether the operator set the global pause.
func (r *RedisClient) IsEmergencyPaused(ctx context.Context) bool {
	return r.Exists(ctx, KeyEmergencyPause)
}

// IsDryRunFlagged reports whether the operator flipped the runtime
// dry-run switch, independent of the config snapshot.
func (r *RedisClient) IsDryRunFlagged(ctx context.Context) bool {
	return r.Exists(ctx, KeyDryRunFlag)
}

// positionsSnapshot is the monitor's published view of live positions.
type positionsSnapshot struct {
	Positions []domain.Position `json:"positions"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// SetPositionsLive publishes the monitor's position snapshot with a
// short TTL so that consumers never act on a stale view.
func (r *RedisClient) SetPositionsLive(ctx context.Context, positions []domain.Position) error {
	return r.Set(ctx, KeyPositionsLive, positionsSnapshot{
		Positions: positions,
		UpdatedAt: time.Now().UTC(),
	}, 60*time.Second)
}

// GetPositionsLive returns the monitor's last published positions, or
// nil when the snapshot expired.
func (r *RedisClient) GetPositionsLive(ctx context.Context) ([]domain.Position, error) {
	var snap positionsSnapshot
	if err := r.Get(ctx, KeyPositionsLive, &snap); err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return nil, nil
		}
		return nil, err
	}
	return snap.Positions, nil
}

// GetPositionMeta returns locally persisted position metadata for a
// code, or nil when unknown.
func (r *RedisClient) GetPositionMeta(ctx context.Context, code string) (*domain.Position, error) {
	var pos domain.Position
	if err := r.Get(ctx, PositionMetaKey(code), &pos); err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return nil, nil
		}
		return nil, err
	}
	return &pos, nil
}

// SetPositionMeta persists position metadata (sector, watermark, stop
// price, bought_at) alongside the venue's authoritative quantity.
func (r *RedisClient) SetPositionMeta(ctx context.Context, pos domain.Position) error {
	return r.Set(ctx, PositionMetaKey(pos.StockCode), pos, 0)
}
