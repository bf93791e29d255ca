package gateway

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"kis-trading-core/cache"
	"kis-trading-core/config"
	"kis-trading-core/kis"
)

// App is the gateway process: the venue REST proxy plus the tick
// streamer, sharing one credential and one token manager.
type App struct {
	cfg      *config.Config
	redis    *cache.RedisClient
	venue    *kis.VenueClient
	streamer *Streamer
	server   *Server
	log      zerolog.Logger
}

// NewApp wires the gateway from config.
func NewApp(cfg *config.Config, redis *cache.RedisClient, log zerolog.Logger) (*App, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}

	venue := kis.NewVenueClient(kis.VenueOptions{
		AppKey:             cfg.KIS.AppKey,
		AppSecret:          cfg.KIS.AppSecret,
		AccountNo:          cfg.KIS.AccountNo,
		AccountProductCode: cfg.KIS.AccountProductCode,
		BaseURL:            cfg.KIS.BaseURL,
		TokenFilePath:      cfg.KIS.TokenFilePath,
		IsPaper:            cfg.Env != "production",
		Timeout:            time.Duration(cfg.Gateway.HTTPTimeoutSec) * time.Second,
	}, log)

	ticks := cache.NewStreamPublisher(redis, cache.StreamTicks, log)
	streamer := NewStreamer(
		cfg.KIS.WSURL,
		venue.Tokens(),
		ticks,
		time.Duration(cfg.Gateway.ReconnectMaxBackoffSec)*time.Second,
		log,
	)

	gate := NewRateGate(cfg.Gateway.RatePerSecond, time.Duration(cfg.Gateway.RateAcquireTimeoutSec)*time.Second)
	breaker := NewBreaker(
		cfg.Gateway.BreakerFailures,
		time.Duration(cfg.Gateway.BreakerWindowSec)*time.Second,
		time.Duration(cfg.Gateway.BreakerOpenSec)*time.Second,
	)

	return &App{
		cfg:      cfg,
		redis:    redis,
		venue:    venue,
		streamer: streamer,
		server:   NewServer(venue, streamer, gate, breaker, loc, log),
		log:      log.With().Str("service", "gateway").Logger(),
	}, nil
}

// Run starts the token monitor, the streamer and the HTTP server, and
// blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.seedSubscriptions(ctx)

	go a.venue.Tokens().RunMonitor(ctx)
	go a.streamer.Run(ctx)

	return a.server.Run(ctx, a.cfg.Gateway.ListenAddr)
}

// seedSubscriptions loads current holdings and the active watchlist so
// the first connect already covers every code the system cares about.
func (a *App) seedSubscriptions(ctx context.Context) {
	seen := make(map[string]struct{})
	var codes []string

	state, err := a.venue.Balance(ctx)
	if err != nil {
		a.log.Warn().Err(err).Msg("holdings load failed, seeding from watchlist only")
	} else {
		for _, pos := range state.Positions {
			if _, ok := seen[pos.StockCode]; !ok {
				seen[pos.StockCode] = struct{}{}
				codes = append(codes, pos.StockCode)
			}
		}
	}

	if wl, err := a.redis.GetWatchlist(ctx); err != nil {
		a.log.Warn().Err(err).Msg("watchlist load failed")
	} else if wl != nil {
		for _, code := range wl.Codes() {
			if _, ok := seen[code]; !ok {
				seen[code] = struct{}{}
				codes = append(codes, code)
			}
		}
	}

	a.streamer.SetInitialSubscriptions(codes)
	a.log.Info().Int("count", len(codes)).Msg("seeded tick subscriptions")
}
