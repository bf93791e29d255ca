package buyer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"kis-trading-core/cache"
	"kis-trading-core/config"
	"kis-trading-core/database"
	"kis-trading-core/domain"
	"kis-trading-core/kis"
	"kis-trading-core/notifications"
	"kis-trading-core/risk"
)

const (
	buyCountTTL = 48 * time.Hour
	dryRunOrder = "DRYRUN"
)

// rejection is a normal pre-check outcome, logged and ACKed without an
// operator alert.
type rejection struct {
	check  string
	detail string
}

func (r *rejection) Error() string {
	return fmt.Sprintf("rejected at %s: %s", r.check, r.detail)
}

func reject(check, format string, args ...interface{}) error {
	return &rejection{check: check, detail: fmt.Sprintf(format, args...)}
}

// App is the buy-executor process.
type App struct {
	cfg     *config.Config
	redis   *cache.RedisClient
	gateway *kis.GatewayClient
	repo    *database.Repository
	guard   *risk.PortfolioGuard
	corr    *risk.CorrelationChecker
	sizer   *Sizer
	alerter *notifications.Alerter
	loc     *time.Location
	log     zerolog.Logger

	mu        sync.Mutex
	codeLocks map[string]*sync.Mutex
}

// NewApp wires the buy executor from config.
func NewApp(cfg *config.Config, redis *cache.RedisClient, repo *database.Repository, log zerolog.Logger) (*App, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	logger := log.With().Str("service", "buyer").Logger()
	gateway := kis.NewGatewayClient(cfg.KIS.GatewayURL, time.Duration(cfg.Gateway.HTTPTimeoutSec)*time.Second)
	return &App{
		cfg:       cfg,
		redis:     redis,
		gateway:   gateway,
		repo:      repo,
		guard:     risk.NewPortfolioGuard(cfg.Risk),
		corr:      risk.NewCorrelationChecker(cfg.Risk, redis, gateway, logger),
		sizer:     NewSizer(cfg.Buyer),
		alerter:   notifications.NewAlerter(cfg.Telegram, logger),
		loc:       loc,
		log:       logger,
		codeLocks: make(map[string]*sync.Mutex),
	}, nil
}

// Run restores the daily buy counter, then consumes the buy-signal
// stream until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.restoreDailyCounter(ctx)
	consumer := cache.NewStreamConsumer(a.redis, cache.StreamBuySignals, cache.GroupBuyExecutor, a.handleSignal, a.log)
	return consumer.Run(ctx)
}

// restoreDailyCounter re-seeds today's buy counter from the trade log
// when the cached value lags it. The counter backs the daily cap, so a
// Redis flush must not reset the budget mid-day.
func (a *App) restoreDailyCounter(ctx context.Context) {
	now := time.Now().In(a.loc)
	key := cache.BuyCountKey(now.Format("2006-01-02"))

	cached, err := a.redis.GetCounter(ctx, key)
	if err != nil {
		a.log.Warn().Err(err).Msg("daily counter read failed, reconstruction skipped")
		return
	}
	recorded, err := a.repo.BuyCountOn(now, a.loc)
	if err != nil {
		a.log.Warn().Err(err).Msg("daily counter reconstruction skipped")
		return
	}
	if recorded > cached {
		if err := a.redis.SetInt(ctx, key, int(recorded), buyCountTTL); err != nil {
			a.log.Warn().Err(err).Msg("daily counter restore failed")
			return
		}
		a.log.Info().Int64("count", recorded).Msg("daily buy counter restored from trade log")
	}
}

// handleSignal decodes one signal and processes it under the per-code
// mutex. Transient gateway failures leave the message pending for the
// reclaim path; everything else is ACKed.
func (a *App) handleSignal(ctx context.Context, payload []byte) error {
	var sig domain.BuySignal
	if err := json.Unmarshal(payload, &sig); err != nil {
		return fmt.Errorf("%w: %v", cache.ErrMalformed, err)
	}
	if err := sig.Validate(); err != nil {
		return fmt.Errorf("%w: %v", cache.ErrMalformed, err)
	}

	lock := a.codeLock(sig.StockCode)
	lock.Lock()
	defer lock.Unlock()

	err := a.process(ctx, sig)
	if err == nil {
		return nil
	}

	var rej *rejection
	if errors.As(err, &rej) {
		a.log.Info().Str("code", sig.StockCode).Str("check", rej.check).Str("detail", rej.detail).Msg("buy signal rejected")
		return nil
	}
	if kis.IsTransient(err) {
		return fmt.Errorf("%w: %v", cache.ErrRetryLater, err)
	}
	return err
}

// process runs the fail-fast pre-order checks in order, sizes the
// position, places the order and confirms the fill.
func (a *App) process(ctx context.Context, sig domain.BuySignal) error {
	code := sig.StockCode

	// 1. Market session. Operator-initiated signals bypass it.
	if sig.Source != domain.SourceManual {
		open, session, err := a.gateway.IsMarketOpen(ctx)
		if err != nil {
			return err
		}
		if !open {
			return reject("market_session", "market closed (%s)", session)
		}
	}

	// 2. Operator emergency stop.
	if a.redis.IsEmergencyPaused(ctx) {
		return reject("emergency_stop", "trading pause flag set")
	}

	// 3. Distributed buy lock.
	ttl := time.Duration(a.cfg.Buyer.BuyLockTTLSec) * time.Second
	acquired, err := a.redis.AcquireLock(ctx, cache.LockBuyKey(code), ttl)
	if err != nil {
		return fmt.Errorf("buy lock: %w", err)
	}
	if !acquired {
		return reject("buy_lock", "another executor holds the lock")
	}
	defer a.redis.ReleaseLock(ctx, cache.LockBuyKey(code))

	// 4. Already held.
	portfolio, err := a.gateway.Balance(ctx)
	if err != nil {
		return err
	}
	if portfolio.Holding(code) != nil {
		return reject("already_held", "position exists")
	}

	// 5. Duplicate-order window.
	window := time.Duration(a.cfg.Buyer.DuplicateWindowMin) * time.Minute
	if recent, err := a.repo.HasRecentTrade(code, window); err != nil {
		a.log.Warn().Err(err).Str("code", code).Msg("duplicate window check failed, passing open")
	} else if recent {
		return reject("duplicate_window", "trade within last %s", window)
	}

	// 6. Scout veto and hard score floor.
	if sig.HybridScore < a.cfg.Risk.HardFloorScore {
		return reject("hard_floor", "hybrid score %.1f < %.0f", sig.HybridScore, a.cfg.Risk.HardFloorScore)
	}

	// 7. Cooldowns.
	if a.redis.Exists(ctx, cache.CooldownStopKey(code)) {
		return reject("stoploss_cooldown", "recent stop-loss exit")
	}
	if a.redis.Exists(ctx, cache.CooldownSellKey(code)) {
		return reject("sell_cooldown", "sold within 24h")
	}

	// 8. Correlation against every held position.
	heldCodes := make([]string, 0, len(portfolio.Positions))
	for _, p := range portfolio.Positions {
		heldCodes = append(heldCodes, p.StockCode)
	}
	blocked, err := a.corr.Check(ctx, code, heldCodes)
	if err != nil {
		return err
	}
	if blocked != nil {
		return reject("correlation", "%.2f with held %s", blocked.Coefficient, blocked.HeldCode)
	}

	// Sizing feeds the guard's concentration checks.
	buyingPower, err := a.gateway.BuyingPower(ctx)
	if err != nil {
		return err
	}
	sized, err := a.sizer.Size(SizingInput{Signal: sig, TotalAsset: portfolio.TotalAsset, BuyingPower: buyingPower})
	if errors.Is(err, ErrTooSmall) {
		return reject("sizing", "below minimum viable order")
	}
	if err != nil {
		return err
	}

	// 9. Portfolio guard.
	tradeCtx := a.redis.GetTradingContext(ctx)
	dailyCount, err := a.redis.GetCounter(ctx, cache.BuyCountKey(time.Now().In(a.loc).Format("2006-01-02")))
	if err != nil {
		a.log.Warn().Err(err).Msg("daily buy counter read failed, treating as zero")
	}
	verdict := a.guard.Check(risk.GuardInput{
		Signal:        sig,
		Portfolio:     *portfolio,
		Context:       tradeCtx,
		DailyBuyCount: dailyCount,
		OrderAmount:   sized.OrderAmount,
	})
	if !verdict.Allowed {
		return reject("portfolio_guard", "%s: %s", verdict.Reason, verdict.Detail)
	}

	return a.execute(ctx, sig, sized, tradeCtx)
}

// execute places the order, confirms the fill and persists the result.
func (a *App) execute(ctx context.Context, sig domain.BuySignal, sized *SizingResult, tradeCtx domain.TradingContext) error {
	code := sig.StockCode

	if a.cfg.DryRun || a.redis.IsDryRunFlagged(ctx) {
		a.log.Info().
			Str("code", code).
			Int("quantity", sized.Quantity).
			Float64("amount", sized.OrderAmount).
			Str("order_no", dryRunOrder).
			Msg("dry run, order not placed")
		return nil
	}

	req := domain.OrderRequest{StockCode: code, Quantity: sized.Quantity, OrderType: domain.OrderMarket}
	if sig.SignalType.IsMomentumFamily() {
		req.OrderType = domain.OrderLimit
		req.Price = kis.AlignToTick(sig.SignalPrice * (1 + a.cfg.Scanner.MomentumLimitPremium))
	}
	if err := req.Validate(); err != nil {
		return err
	}

	result, err := a.gateway.PlaceBuy(ctx, req)
	if err != nil {
		var bizErr *kis.BusinessError
		if errors.As(err, &bizErr) {
			a.alerter.OrderFailed(code, "BUY", bizErr.Error())
		}
		return err
	}
	if !result.Success {
		a.alerter.OrderFailed(code, "BUY", result.Message)
		return fmt.Errorf("buy order for %s not accepted: %s", code, result.Message)
	}

	filledQty, fillPrice, err := a.confirm(ctx, result)
	if err != nil {
		a.alerter.OrderFailed(code, "BUY", err.Error())
		return fmt.Errorf("buy confirmation for %s: %w", code, err)
	}

	a.persist(ctx, sig, filledQty, fillPrice, result.OrderNo, tradeCtx)
	a.alerter.BuyExecuted(sig, filledQty, fillPrice)
	return nil
}

// confirm polls the order status under the overall deadline. An unfilled
// order is cancelled; a cancel that races a fill is resolved with one
// final status read.
func (a *App) confirm(ctx context.Context, result *domain.OrderResult) (int, float64, error) {
	if result.FilledQuantity > 0 {
		return result.FilledQuantity, result.AvgFillPrice, nil
	}

	deadline := time.Duration(a.cfg.Buyer.ConfirmDeadlineSec) * time.Second
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	interval := time.Duration(a.cfg.Buyer.ConfirmIntervalSec) * time.Second
	for i := 0; i < a.cfg.Buyer.ConfirmPolls; i++ {
		select {
		case <-ctx.Done():
		case <-time.After(interval):
		}
		if ctx.Err() != nil {
			break
		}

		status, err := a.gateway.OrderStatus(ctx, result.OrderNo)
		if err != nil {
			a.log.Warn().Err(err).Str("order_no", result.OrderNo).Msg("order status poll failed")
			continue
		}
		if status.Filled {
			return status.FilledQty, status.AvgPrice, nil
		}
	}

	// Cancellation runs on a fresh context; the deadline applies to
	// waiting for the fill, not to cleaning up.
	cancelCtx, cancelDone := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelDone()

	ok, err := a.gateway.Cancel(cancelCtx, result.OrderNo)
	if err == nil && ok {
		return 0, 0, errors.New("not filled within deadline, order cancelled")
	}

	status, statusErr := a.gateway.OrderStatus(cancelCtx, result.OrderNo)
	if statusErr == nil && status.Filled {
		return status.FilledQty, status.AvgPrice, nil
	}
	return 0, 0, fmt.Errorf("unfilled and cancel failed: %v", err)
}

// persist writes the position metadata, bumps the daily counter and
// appends the trade record.
func (a *App) persist(ctx context.Context, sig domain.BuySignal, qty int, fillPrice float64, orderNo string, tradeCtx domain.TradingContext) {
	code := sig.StockCode
	stopPrice := math.Floor(fillPrice * (1 - a.cfg.Sell.StopLossPct*tradeCtx.StopLossMultiplier/100))

	pos := domain.Position{
		StockCode:       code,
		StockName:       sig.StockName,
		Quantity:        qty,
		AverageBuyPrice: fillPrice,
		TotalBuyAmount:  float64(qty) * fillPrice,
		SectorGroup:     sig.SectorGroup,
		HighWatermark:   fillPrice,
		StopLossPrice:   stopPrice,
		BoughtAt:        time.Now().UTC(),
	}
	if err := a.redis.SetPositionMeta(ctx, pos); err != nil {
		a.log.Error().Err(err).Str("code", code).Msg("position meta persist failed")
	}

	day := time.Now().In(a.loc).Format("2006-01-02")
	if _, err := a.redis.IncrWithTTL(ctx, cache.BuyCountKey(day), buyCountTTL); err != nil {
		a.log.Warn().Err(err).Msg("daily buy counter bump failed")
	}

	record := &database.TradeRecord{
		StockCode:    code,
		StockName:    sig.StockName,
		TradeType:    "BUY",
		Quantity:     qty,
		Price:        fillPrice,
		TotalAmount:  float64(qty) * fillPrice,
		OrderNo:      orderNo,
		SignalType:   string(sig.SignalType),
		MarketRegime: string(tradeCtx.MarketRegime),
		ExecutedAt:   time.Now().UTC(),
	}
	if err := a.repo.SaveTrade(record); err != nil {
		a.log.Error().Err(err).Str("code", code).Msg("trade record save failed")
	}

	a.log.Info().
		Str("code", code).
		Str("type", string(sig.SignalType)).
		Int("quantity", qty).
		Float64("fill_price", fillPrice).
		Str("order_no", orderNo).
		Msg("buy executed")
}

func (a *App) codeLock(code string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	lock, ok := a.codeLocks[code]
	if !ok {
		lock = &sync.Mutex{}
		a.codeLocks[code] = lock
	}
	return lock
}
