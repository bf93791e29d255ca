package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"kis-trading-core/cache"
	"kis-trading-core/config"
	"kis-trading-core/domain"
	"kis-trading-core/kis"
)

const (
	monitorWorkers   = 4
	monitorQueueSize = 1000
	contextMaxStale  = 5 * time.Second
	indicatorDays    = 60
	lifecycleTTL     = 30 * 24 * time.Hour
	rsiSoldTTL       = 24 * time.Hour
)

// heldPosition is one tracked holding with its cached indicator state.
type heldPosition struct {
	pos        domain.Position
	indicators DailyIndicators
	scaleLevel int
	rsiSold    bool
	lastEmit   time.Time
}

// App is the price-monitor process. It tracks the venue's positions,
// evaluates the exit chain on every tick for a held code and publishes
// sell orders.
type App struct {
	cfg     *config.Config
	redis   *cache.RedisClient
	gateway *kis.GatewayClient
	engine  *ExitEngine
	sells   *cache.StreamPublisher
	loc     *time.Location
	log     zerolog.Logger

	mu        sync.RWMutex
	held      map[string]*heldPosition
	tradeCtx  domain.TradingContext
	ctxLoaded time.Time

	queue chan domain.PriceTick
}

// NewApp wires the monitor from config.
func NewApp(cfg *config.Config, redis *cache.RedisClient, log zerolog.Logger) (*App, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	logger := log.With().Str("service", "monitor").Logger()
	return &App{
		cfg:      cfg,
		redis:    redis,
		gateway:  kis.NewGatewayClient(cfg.KIS.GatewayURL, time.Duration(cfg.Gateway.HTTPTimeoutSec)*time.Second),
		engine:   NewExitEngine(cfg.Sell),
		sells:    cache.NewStreamPublisher(redis, cache.StreamSellOrders, logger),
		loc:      loc,
		log:      logger,
		held:     make(map[string]*heldPosition),
		tradeCtx: domain.DefaultTradingContext(),
		queue:    make(chan domain.PriceTick, monitorQueueSize),
	}, nil
}

// Run starts the tick workers, the reconciliation loop and the stream
// consumer, blocking until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.reconcile(ctx)
	a.refreshContext(ctx, true)

	var wg sync.WaitGroup
	for i := 0; i < monitorWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.worker(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.reconcileLoop(ctx)
	}()

	consumer := cache.NewStreamConsumer(a.redis, cache.StreamTicks, cache.GroupMonitor, a.handleTick, a.log)
	err := consumer.Run(ctx)

	wg.Wait()
	return err
}

// handleTick decodes one stream entry and enqueues it. Ticks for codes
// we do not hold are dropped here, before queueing.
func (a *App) handleTick(ctx context.Context, payload []byte) error {
	var tick domain.PriceTick
	if err := json.Unmarshal(payload, &tick); err != nil {
		return fmt.Errorf("%w: %v", cache.ErrMalformed, err)
	}
	if err := tick.Validate(); err != nil {
		return fmt.Errorf("%w: %v", cache.ErrMalformed, err)
	}

	a.mu.RLock()
	_, holding := a.held[tick.StockCode]
	a.mu.RUnlock()
	if !holding {
		return nil
	}

	select {
	case a.queue <- tick:
	default:
		a.log.Warn().Str("code", tick.StockCode).Msg("tick queue full, dropping")
	}
	return nil
}

func (a *App) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-a.queue:
			a.processTick(ctx, tick)
		}
	}
}

// processTick advances the watermark and runs the exit chain for one
// held code at one price.
func (a *App) processTick(ctx context.Context, tick domain.PriceTick) {
	a.mu.Lock()
	h, ok := a.held[tick.StockCode]
	if !ok {
		a.mu.Unlock()
		return
	}
	if tick.Price > h.pos.HighWatermark {
		h.pos.HighWatermark = tick.Price
		// Persisted opportunistically; a lost update only costs a
		// slightly stale watermark until the next tick.
		if err := a.redis.SetFloat(ctx, cache.WatermarkKey(tick.StockCode), tick.Price, lifecycleTTL); err != nil {
			a.log.Warn().Err(err).Str("code", tick.StockCode).Msg("watermark persist failed")
		}
	}
	snap := *h
	pos := h.pos
	a.mu.Unlock()

	// The executor's per-code sell lock already dedups; the local
	// throttle just keeps the stream from flooding while a condition
	// persists across consecutive ticks.
	if time.Since(snap.lastEmit) < time.Duration(a.cfg.Sell.SellLockTTLSec)*time.Second {
		return
	}

	a.refreshContext(ctx, false)
	a.mu.RLock()
	tradeCtx := a.tradeCtx
	a.mu.RUnlock()

	profitPct := pos.ProfitPct(tick.Price)
	highProfitPct := pos.ProfitPct(pos.HighWatermark)

	pctx := PositionContext{
		StockCode:     pos.StockCode,
		CurrentPrice:  tick.Price,
		BuyPrice:      pos.AverageBuyPrice,
		Quantity:      pos.Quantity,
		ProfitPct:     profitPct,
		HighWatermark: pos.HighWatermark,
		HighProfitPct: highProfitPct,
		ATR:           snap.indicators.ATR,
		RSI:           snap.indicators.RSI,
		HasRSI:        snap.indicators.HasRSI,
		HoldingDays:   pos.HoldingDays(time.Now().In(a.loc)),
		ScaleOutLevel: snap.scaleLevel,
		RSISold:       snap.rsiSold,
		MACDBearish:   snap.indicators.MACDBearish,
		DeathCross:    snap.indicators.DeathCross,

		ProfitFloorActive: highProfitPct >= a.cfg.Sell.ProfitFloorActivationPct,
		ProfitFloorLevel:  a.cfg.Sell.ProfitFloorLevelPct,
	}

	sig := a.engine.Evaluate(pctx, tradeCtx.MarketRegime, tradeCtx.StopLossMultiplier)
	if sig == nil {
		return
	}
	a.emit(ctx, pos, tick.Price, profitPct, pctx.HoldingDays, sig)
}

// emit publishes one exit as a SellOrder, persisting rule bookkeeping
// first so that a crash between persist and publish cannot re-fire the
// same scale-out rung or RSI half-exit.
func (a *App) emit(ctx context.Context, pos domain.Position, price, profitPct float64, holdingDays int, sig *ExitSignal) {
	quantity := pos.Quantity * int(sig.QuantityPct) / 100
	if quantity < 1 {
		quantity = 1
	}
	if quantity > pos.Quantity {
		quantity = pos.Quantity
	}

	code := pos.StockCode
	switch sig.Reason {
	case domain.SellScaleOut:
		a.mu.RLock()
		level := 0
		if h, ok := a.held[code]; ok {
			level = h.scaleLevel
		}
		a.mu.RUnlock()
		if err := a.redis.SetInt(ctx, cache.ScaleOutKey(code), level+1, lifecycleTTL); err != nil {
			a.log.Error().Err(err).Str("code", code).Msg("scale-out cursor persist failed, skipping exit")
			return
		}
		a.setHeld(code, func(h *heldPosition) { h.scaleLevel = level + 1 })
	case domain.SellRSIOverbought:
		if err := a.redis.SetFlag(ctx, cache.RSISoldKey(code), rsiSoldTTL); err != nil {
			a.log.Error().Err(err).Str("code", code).Msg("rsi-sold marker persist failed, skipping exit")
			return
		}
		a.setHeld(code, func(h *heldPosition) { h.rsiSold = true })
	}

	order := domain.SellOrder{
		StockCode:    code,
		StockName:    pos.StockName,
		SellReason:   sig.Reason,
		CurrentPrice: price,
		Quantity:     quantity,
		Timestamp:    time.Now().UTC(),
		BuyPrice:     &pos.AverageBuyPrice,
		ProfitPct:    &profitPct,
		HoldingDays:  &holdingDays,
	}
	if err := order.Validate(); err != nil {
		a.log.Error().Err(err).Str("code", code).Msg("refusing to publish invalid sell order")
		return
	}
	if err := a.sells.Publish(ctx, order); err != nil {
		a.log.Error().Err(err).Str("code", code).Msg("sell order publish failed")
		return
	}
	a.setHeld(code, func(h *heldPosition) { h.lastEmit = time.Now() })

	a.log.Info().
		Str("code", code).
		Str("reason", string(sig.Reason)).
		Int("quantity", quantity).
		Float64("price", price).
		Float64("profit_pct", profitPct).
		Str("detail", sig.Description).
		Msg("sell order published")
}

func (a *App) setHeld(code string, fn func(*heldPosition)) {
	a.mu.Lock()
	if h, ok := a.held[code]; ok {
		fn(h)
	}
	a.mu.Unlock()
}

func (a *App) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(a.cfg.Sell.MonitorPollIntervalSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.reconcile(ctx)
			a.refreshContext(ctx, true)
		}
	}
}

// reconcile rebuilds the tracked set from the venue balance merged with
// local metadata. The venue is authoritative for quantity and average
// price; the local side owns the lifecycle state.
func (a *App) reconcile(ctx context.Context) {
	state, err := a.gateway.Balance(ctx)
	if err != nil {
		a.log.Warn().Err(err).Msg("balance reconciliation failed, keeping previous positions")
		return
	}

	next := make(map[string]*heldPosition, len(state.Positions))
	for _, venue := range state.Positions {
		if venue.Quantity <= 0 {
			continue
		}
		next[venue.StockCode] = a.mergePosition(ctx, venue)
	}

	a.mu.Lock()
	prev := a.held
	a.held = next
	a.mu.Unlock()

	var added, removed []string
	for code := range next {
		if _, ok := prev[code]; !ok {
			added = append(added, code)
		}
	}
	for code := range prev {
		if _, ok := next[code]; !ok {
			removed = append(removed, code)
		}
	}

	// A code that left the venue record was sold outside the system;
	// its lifecycle keys must not leak into a future re-entry.
	for _, code := range removed {
		a.redis.CleanupPositionState(ctx, code)
	}

	if len(added) > 0 {
		if err := a.gateway.Subscribe(ctx, added); err != nil {
			a.log.Warn().Err(err).Int("count", len(added)).Msg("gateway subscribe failed")
		}
	}
	if len(removed) > 0 {
		if err := a.gateway.Unsubscribe(ctx, removed); err != nil {
			a.log.Warn().Err(err).Int("count", len(removed)).Msg("gateway unsubscribe failed")
		}
	}

	positions := make([]domain.Position, 0, len(next))
	for _, h := range next {
		positions = append(positions, h.pos)
	}
	if err := a.redis.SetPositionsLive(ctx, positions); err != nil {
		a.log.Warn().Err(err).Msg("positions snapshot publish failed")
	}

	a.log.Info().Int("positions", len(next)).Int("added", len(added)).Int("removed", len(removed)).Msg("positions reconciled")
}

// mergePosition joins one venue holding with its local metadata and
// refreshes the daily indicators.
func (a *App) mergePosition(ctx context.Context, venue domain.Position) *heldPosition {
	code := venue.StockCode
	pos := venue

	meta, err := a.redis.GetPositionMeta(ctx, code)
	if err != nil {
		a.log.Warn().Err(err).Str("code", code).Msg("position meta read failed")
	}
	if meta != nil {
		pos.SectorGroup = meta.SectorGroup
		pos.HighWatermark = meta.HighWatermark
		pos.StopLossPrice = meta.StopLossPrice
		pos.BoughtAt = meta.BoughtAt
	} else {
		// Adopted position: the operator (or another system) bought it.
		// Track it with minimal lifecycle state from here on.
		pos.HighWatermark = pos.CurrentPrice
		if pos.HighWatermark <= 0 {
			pos.HighWatermark = pos.AverageBuyPrice
		}
		pos.BoughtAt = time.Now().UTC()
		if err := a.redis.SetPositionMeta(ctx, pos); err != nil {
			a.log.Warn().Err(err).Str("code", code).Msg("adopted position meta persist failed")
		}
		a.log.Info().Str("code", code).Int("quantity", pos.Quantity).Msg("adopted externally opened position")
	}

	// The watermark key may be fresher than the meta record.
	if wm, ok := a.redis.GetFloat(ctx, cache.WatermarkKey(code)); ok && wm > pos.HighWatermark {
		pos.HighWatermark = wm
	}
	if pos.HighWatermark < pos.AverageBuyPrice {
		pos.HighWatermark = pos.AverageBuyPrice
	}

	h := &heldPosition{pos: pos}
	if level, ok := a.redis.GetInt(ctx, cache.ScaleOutKey(code)); ok {
		h.scaleLevel = level
	}
	h.rsiSold = a.redis.Exists(ctx, cache.RSISoldKey(code))

	// Preserve in-process state across reconciliations.
	a.mu.RLock()
	if old, ok := a.held[code]; ok {
		h.lastEmit = old.lastEmit
		if old.pos.HighWatermark > h.pos.HighWatermark {
			h.pos.HighWatermark = old.pos.HighWatermark
		}
	}
	a.mu.RUnlock()

	prices, err := a.gateway.DailyPrices(ctx, code, indicatorDays)
	if err != nil {
		a.log.Warn().Err(err).Str("code", code).Msg("daily price fetch failed, keeping previous indicators")
		a.mu.RLock()
		if old, ok := a.held[code]; ok {
			h.indicators = old.indicators
		}
		a.mu.RUnlock()
		return h
	}
	h.indicators = ComputeDailyIndicators(prices)
	return h
}

// refreshContext re-reads the macro artifact, rate-limited unless
// forced.
func (a *App) refreshContext(ctx context.Context, force bool) {
	a.mu.RLock()
	stale := time.Since(a.ctxLoaded) > contextMaxStale
	a.mu.RUnlock()
	if !force && !stale {
		return
	}

	tc := a.redis.GetTradingContext(ctx)
	a.mu.Lock()
	a.tradeCtx = tc
	a.ctxLoaded = time.Now()
	a.mu.Unlock()
}
