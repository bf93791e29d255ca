package scanner

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
	watchlistReloadInterval = 5 * time.Minute
	contextMaxStale         = 5 * time.Second
	recentBarWindow         = 30
)

// pendingMomentum is a momentum-family signal waiting for the next bar
// to confirm the price held.
type pendingMomentum struct {
	signalType   domain.SignalType
	initialPrice float64
	entry        domain.WatchlistEntry
	rsi          float64
	hasRSI       bool
	volumeRatio  float64
	vwap         float64
	barsWaited   int
}

// App is the buy-scanner process.
type App struct {
	cfg      *config.Config
	redis    *cache.RedisClient
	gateway  *kis.GatewayClient
	engine   *BarEngine
	detector *Detector
	gates    *GateKeeper
	signals  *cache.StreamPublisher
	loc      *time.Location
	log      zerolog.Logger

	mu        sync.RWMutex
	watchlist *domain.HotWatchlist
	manual    map[string]float64
	tradeCtx  domain.TradingContext
	ctxLoaded time.Time
	pending   map[string]*pendingMomentum

	queue chan domain.PriceTick
}

// NewApp wires the scanner from config.
func NewApp(cfg *config.Config, redis *cache.RedisClient, log zerolog.Logger) (*App, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	logger := log.With().Str("service", "scanner").Logger()
	return &App{
		cfg:      cfg,
		redis:    redis,
		gateway:  kis.NewGatewayClient(cfg.KIS.GatewayURL, time.Duration(cfg.Gateway.HTTPTimeoutSec)*time.Second),
		engine:   NewBarEngine(),
		detector: NewDetector(cfg.Scanner),
		gates:    NewGateKeeper(cfg.Scanner, cfg.Risk, redis, logger),
		signals:  cache.NewStreamPublisher(redis, cache.StreamBuySignals, logger),
		loc:      loc,
		log:      logger,
		tradeCtx: domain.DefaultTradingContext(),
		pending:  make(map[string]*pendingMomentum),
		queue:    make(chan domain.PriceTick, cfg.Scanner.QueueSize),
	}, nil
}

// Run starts the tick workers, the watchlist refresher and the stream
// consumer, blocking until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.reloadWatchlist(ctx)
	a.refreshContext(ctx, true)

	var wg sync.WaitGroup
	for i := 0; i < a.cfg.Scanner.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.worker(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.reloadLoop(ctx)
	}()

	consumer := cache.NewStreamConsumer(a.redis, cache.StreamTicks, cache.GroupScanner, a.handleTick, a.log)
	err := consumer.Run(ctx)

	wg.Wait()
	return err
}

// handleTick decodes one stream entry and enqueues it. A full queue
// drops the tick; ticks are dense enough that losing one is harmless.
func (a *App) handleTick(ctx context.Context, payload []byte) error {
	var tick domain.PriceTick
	if err := json.Unmarshal(payload, &tick); err != nil {
		return fmt.Errorf("%w: %v", cache.ErrMalformed, err)
	}
	if err := tick.Validate(); err != nil {
		return fmt.Errorf("%w: %v", cache.ErrMalformed, err)
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

// processTick folds one tick into the bar engine and, on bar close,
// runs strategy detection behind the risk gates.
func (a *App) processTick(ctx context.Context, tick domain.PriceTick) {
	entry := a.lookupEntry(tick.StockCode)
	if entry == nil {
		return
	}

	completed := a.engine.Update(tick)

	a.mu.RLock()
	_, hasPending := a.pending[tick.StockCode]
	a.mu.RUnlock()
	if hasPending && completed != nil {
		a.resolvePending(ctx, tick.StockCode, tick.Price)
		return
	}
	if completed == nil {
		return
	}

	a.refreshContext(ctx, false)

	bars := a.engine.RecentBars(tick.StockCode, recentBarWindow)
	vwap := a.engine.VWAP(tick.StockCode)
	volRatio := a.engine.VolumeRatio(tick.StockCode)
	rsi, hasRSI := RSI(bars, 14)

	a.mu.RLock()
	tradeCtx := a.tradeCtx
	a.mu.RUnlock()

	in := StrategyInput{
		Bars:        bars,
		Entry:       *entry,
		Regime:      tradeCtx.MarketRegime,
		Price:       tick.Price,
		RSI:         rsi,
		HasRSI:      hasRSI,
		VolumeRatio: volRatio,
		VWAP:        vwap,
		Now:         time.Now().In(a.loc),
	}

	// Conviction bypasses the gates entirely.
	if conv := a.detector.Conviction(in); conv != nil {
		a.publish(ctx, *entry, conv.Type, tick.Price, rsi, hasRSI, volRatio, vwap, tradeCtx)
		return
	}

	strategy := a.detector.Detect(in)
	if strategy == nil {
		return
	}

	fail := a.gates.Check(ctx, GateInput{
		Code:   tick.StockCode,
		Signal: strategy.Type,
		Bars:   bars,
		Price:  tick.Price,
		RSI:    rsi,
		HasRSI: hasRSI,
		VWAP:   vwap,
		Regime: tradeCtx.MarketRegime,
		Entry:  *entry,
		Now:    in.Now,
	})
	if fail != nil {
		a.log.Debug().Str("code", tick.StockCode).Str("gate", fail.Gate).Str("reason", fail.Reason).Msg("gate rejected signal")
		return
	}

	// Momentum-family signals wait one bar for the price to hold.
	if a.cfg.Scanner.MomentumConfirmBars > 0 && strategy.Type.IsMomentumFamily() {
		a.mu.Lock()
		a.pending[tick.StockCode] = &pendingMomentum{
			signalType:   strategy.Type,
			initialPrice: tick.Price,
			entry:        *entry,
			rsi:          rsi,
			hasRSI:       hasRSI,
			volumeRatio:  volRatio,
			vwap:         vwap,
		}
		a.mu.Unlock()
		a.log.Info().Str("code", tick.StockCode).Str("type", string(strategy.Type)).Float64("price", tick.Price).Msg("momentum pending confirmation")
		return
	}

	a.publish(ctx, *entry, strategy.Type, tick.Price, rsi, hasRSI, volRatio, vwap, tradeCtx)
}

// resolvePending confirms or discards a pending momentum signal on the
// next bar close.
func (a *App) resolvePending(ctx context.Context, code string, price float64) {
	a.mu.Lock()
	p, ok := a.pending[code]
	if !ok {
		a.mu.Unlock()
		return
	}
	p.barsWaited++
	confirmed := price >= p.initialPrice
	expired := p.barsWaited >= a.cfg.Scanner.MomentumConfirmBars
	if confirmed || expired {
		delete(a.pending, code)
	}
	a.mu.Unlock()

	if confirmed {
		a.mu.RLock()
		tradeCtx := a.tradeCtx
		a.mu.RUnlock()
		a.publish(ctx, p.entry, p.signalType, price, p.rsi, p.hasRSI, p.volumeRatio, p.vwap, tradeCtx)
		return
	}
	if expired {
		a.log.Info().Str("code", code).Float64("initial", p.initialPrice).Float64("price", price).Msg("momentum discarded, price fell")
	}
}

func (a *App) publish(ctx context.Context, entry domain.WatchlistEntry, signalType domain.SignalType, price, rsi float64, hasRSI bool, volRatio, vwap float64, tradeCtx domain.TradingContext) {
	signal := domain.BuySignal{
		StockCode:          entry.StockCode,
		StockName:          entry.StockName,
		SignalType:         signalType,
		SignalPrice:        price,
		LLMScore:           entry.LLMScore,
		HybridScore:        entry.HybridScore,
		TradeTier:          entry.TradeTier,
		RiskTag:            entry.RiskTag,
		SectorGroup:        entry.SectorGroup,
		MarketRegime:       tradeCtx.MarketRegime,
		Source:             domain.SourceScanner,
		Timestamp:          time.Now().UTC(),
		PositionMultiplier: tradeCtx.PositionMultiplier,
	}
	if signalType == domain.SignalWatchlistConviction {
		signal.Source = domain.SourceConviction
	}
	if hasRSI {
		signal.RSIValue = &rsi
	}
	if volRatio > 0 {
		signal.VolumeRatio = &volRatio
	}
	if vwap > 0 {
		signal.VWAP = &vwap
	}

	if err := signal.Validate(); err != nil {
		a.log.Error().Err(err).Str("code", entry.StockCode).Msg("refusing to publish invalid signal")
		return
	}
	if err := a.signals.Publish(ctx, signal); err != nil {
		a.log.Error().Err(err).Str("code", entry.StockCode).Msg("signal publish failed")
		return
	}
	a.gates.RecordSignal(entry.StockCode, time.Now().In(a.loc))
	a.log.Info().
		Str("code", entry.StockCode).
		Str("type", string(signalType)).
		Float64("price", price).
		Float64("hybrid", entry.HybridScore).
		Msg("buy signal published")
}

// lookupEntry resolves a code against the watchlist union. Manual pins
// not present in the scout list get a synthetic tradable entry.
func (a *App) lookupEntry(code string) *domain.WatchlistEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.watchlist != nil {
		if e := a.watchlist.Lookup(code); e != nil {
			entry := *e
			return &entry
		}
	}
	if score, ok := a.manual[code]; ok {
		return &domain.WatchlistEntry{
			StockCode:   code,
			StockName:   code,
			HybridScore: score,
			LLMScore:    score,
			IsTradable:  true,
			TradeTier:   domain.Tier2,
		}
	}
	return nil
}

func (a *App) reloadLoop(ctx context.Context) {
	ticker := time.NewTicker(watchlistReloadInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.reloadWatchlist(ctx)
			a.refreshContext(ctx, true)
		}
	}
}

// reloadWatchlist pulls the scout list plus manual pins, then aligns
// the gateway's live subscriptions to the changed code set.
func (a *App) reloadWatchlist(ctx context.Context) {
	wl, err := a.redis.GetWatchlist(ctx)
	if err != nil {
		a.log.Warn().Err(err).Msg("watchlist load failed, keeping previous")
		return
	}
	manual := a.redis.ManualWatchlist(ctx)

	a.mu.Lock()
	prev := a.codeSetLocked()
	a.watchlist = wl
	a.manual = manual
	next := a.codeSetLocked()
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

	count := 0
	if wl != nil {
		count = len(wl.Stocks)
	}
	a.log.Info().Int("stocks", count).Int("manual", len(manual)).Int("added", len(added)).Int("removed", len(removed)).Msg("watchlist reloaded")
}

func (a *App) codeSetLocked() map[string]struct{} {
	set := make(map[string]struct{})
	if a.watchlist != nil {
		for _, code := range a.watchlist.Codes() {
			set[code] = struct{}{}
		}
	}
	for code := range a.manual {
		set[code] = struct{}{}
	}
	return set
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
