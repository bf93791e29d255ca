// Package seller consumes sell orders, executes them through the
// gateway and settles position state and cooldowns.
package seller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"kis-trading-core/cache"
	"kis-trading-core/config"
	"kis-trading-core/database"
	"kis-trading-core/domain"
	"kis-trading-core/kis"
	"kis-trading-core/notifications"
)

const (
	hardStopRetryGap = 2 * time.Second
	stoplossCooldown = 3 * 24 * time.Hour
	dryRunOrder      = "DRYRUN"
)

// rejection is a normal pre-check outcome: logged, ACKed, no alert.
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

// App is the sell-executor process.
type App struct {
	cfg     *config.Config
	redis   *cache.RedisClient
	gateway *kis.GatewayClient
	repo    *database.Repository
	alerter *notifications.Alerter
	loc     *time.Location
	log     zerolog.Logger

	mu        sync.Mutex
	codeLocks map[string]*sync.Mutex
}

// NewApp wires the sell executor from config.
func NewApp(cfg *config.Config, redis *cache.RedisClient, repo *database.Repository, log zerolog.Logger) (*App, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	logger := log.With().Str("service", "seller").Logger()
	return &App{
		cfg:       cfg,
		redis:     redis,
		gateway:   kis.NewGatewayClient(cfg.KIS.GatewayURL, time.Duration(cfg.Gateway.HTTPTimeoutSec)*time.Second),
		repo:      repo,
		alerter:   notifications.NewAlerter(cfg.Telegram, logger),
		loc:       loc,
		log:       logger,
		codeLocks: make(map[string]*sync.Mutex),
	}, nil
}

// Run restores cooldown state from the trade log, then consumes the
// sell-order stream until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.restoreCooldowns(ctx)
	consumer := cache.NewStreamConsumer(a.redis, cache.StreamSellOrders, cache.GroupSellExecutor, a.handleOrder, a.log)
	return consumer.Run(ctx)
}

// restoreCooldowns rebuilds missing cooldown flags from recent sell
// records. Redis flushes must not reopen codes that just stopped out.
func (a *App) restoreCooldowns(ctx context.Context) {
	stopWindow := time.Duration(a.cfg.Risk.StoplossCooldownDays) * 24 * time.Hour
	if stopWindow <= 0 {
		stopWindow = stoplossCooldown
	}
	sellWindow := time.Duration(a.cfg.Sell.SellCooldownHours) * time.Hour

	sells, err := a.repo.RecentSells(time.Now().Add(-stopWindow))
	if err != nil {
		a.log.Warn().Err(err).Msg("cooldown reconstruction skipped")
		return
	}

	now := time.Now()
	restored := 0
	for _, rec := range sells {
		age := now.Sub(rec.ExecutedAt)

		if remaining := sellWindow - age; remaining > 0 && !a.redis.Exists(ctx, cache.CooldownSellKey(rec.StockCode)) {
			if err := a.redis.SetFlag(ctx, cache.CooldownSellKey(rec.StockCode), remaining); err == nil {
				restored++
			}
		}
		if !domain.SellReason(rec.SellReason).TriggersStopLossCooldown() {
			continue
		}
		if remaining := stopWindow - age; remaining > 0 && !a.redis.Exists(ctx, cache.CooldownStopKey(rec.StockCode)) {
			if err := a.redis.SetFlag(ctx, cache.CooldownStopKey(rec.StockCode), remaining); err == nil {
				restored++
			}
		}
	}
	if restored > 0 {
		a.log.Info().Int("flags", restored).Int("sells", len(sells)).Msg("cooldowns restored from trade log")
	}
}

// handleOrder decodes one sell order and processes it under the
// per-code mutex. Venue failures are ACKed rather than retried; the
// monitor re-emits while the exit condition still holds.
func (a *App) handleOrder(ctx context.Context, payload []byte) error {
	var order domain.SellOrder
	if err := json.Unmarshal(payload, &order); err != nil {
		return fmt.Errorf("%w: %v", cache.ErrMalformed, err)
	}
	if err := order.Validate(); err != nil {
		return fmt.Errorf("%w: %v", cache.ErrMalformed, err)
	}

	lock := a.codeLock(order.StockCode)
	lock.Lock()
	defer lock.Unlock()

	err := a.process(ctx, order)
	if err == nil {
		return nil
	}
	var rej *rejection
	if errors.As(err, &rej) {
		a.log.Info().Str("code", order.StockCode).Str("check", rej.check).Str("detail", rej.detail).Msg("sell order rejected")
		return nil
	}
	return err
}

func (a *App) process(ctx context.Context, order domain.SellOrder) error {
	code := order.StockCode

	ttl := time.Duration(a.cfg.Sell.SellLockTTLSec) * time.Second
	acquired, err := a.redis.AcquireLock(ctx, cache.LockSellKey(code), ttl)
	if err != nil {
		return fmt.Errorf("sell lock: %w", err)
	}
	if !acquired {
		return reject("sell_lock", "sell already in flight")
	}
	defer a.redis.ReleaseLock(ctx, cache.LockSellKey(code))

	portfolio, err := a.gateway.Balance(ctx)
	if err != nil {
		return err
	}
	held := portfolio.Holding(code)
	if held == nil || held.Quantity <= 0 {
		return reject("holdings", "not held")
	}

	quantity := order.Quantity
	if quantity > held.Quantity {
		a.log.Warn().Str("code", code).Int("requested", quantity).Int("held", held.Quantity).Msg("clamping sell quantity to holding")
		quantity = held.Quantity
	}

	if a.cfg.DryRun || a.redis.IsDryRunFlagged(ctx) {
		a.log.Info().
			Str("code", code).
			Str("reason", string(order.SellReason)).
			Int("quantity", quantity).
			Str("order_no", dryRunOrder).
			Msg("dry run, sell not placed")
		return nil
	}

	result, err := a.placeSell(ctx, code, quantity, order.SellReason)
	if err != nil {
		var bizErr *kis.BusinessError
		if errors.As(err, &bizErr) {
			a.alerter.OrderFailed(code, "SELL", bizErr.Error())
		}
		return err
	}
	if !result.Success {
		a.alerter.OrderFailed(code, "SELL", result.Message)
		return fmt.Errorf("sell order for %s not accepted: %s", code, result.Message)
	}

	filledQty, fillPrice, err := a.confirm(ctx, result)
	if err != nil {
		// Fill state is unknown; the monitor's 30 s reconciliation
		// against the venue balance resolves it.
		a.alerter.OrderFailed(code, "SELL", err.Error())
		return fmt.Errorf("sell for %s uncertain: %w", code, err)
	}

	a.settle(ctx, order, *held, filledQty, fillPrice, result.OrderNo)
	a.alerter.SellExecuted(order, filledQty, fillPrice)
	return nil
}

// placeSell submits a market sell. The hard stop must get out; it alone
// retries transient venue failures.
func (a *App) placeSell(ctx context.Context, code string, quantity int, reason domain.SellReason) (*domain.OrderResult, error) {
	req := domain.OrderRequest{StockCode: code, Quantity: quantity, OrderType: domain.OrderMarket}

	attempts := 1
	if reason == domain.SellStopLoss {
		attempts = a.cfg.Sell.HardStopRetries
		if attempts < 1 {
			attempts = 1
		}
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		result, err := a.gateway.PlaceSell(ctx, req)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !kis.IsTransient(err) || i == attempts-1 {
			break
		}
		a.log.Warn().Err(err).Str("code", code).Int("attempt", i+1).Msg("hard stop sell failed, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(hardStopRetryGap):
		}
	}
	return nil, lastErr
}

// confirm mirrors the buy executor's polling protocol.
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

// settle applies the exit to position state, writes cooldowns on a full
// exit and appends the trade record.
func (a *App) settle(ctx context.Context, order domain.SellOrder, held domain.Position, filledQty int, fillPrice float64, orderNo string) {
	code := order.StockCode
	fullExit := filledQty >= held.Quantity

	avgBuy := held.AverageBuyPrice
	if order.BuyPrice != nil && *order.BuyPrice > 0 {
		avgBuy = *order.BuyPrice
	}

	var profitPct float64
	if avgBuy > 0 {
		profitPct = (fillPrice - avgBuy) / avgBuy * 100
	}
	profitAmount := (fillPrice - avgBuy) * float64(filledQty)

	holdingDays := 0
	if order.HoldingDays != nil {
		holdingDays = *order.HoldingDays
	} else if meta, _ := a.redis.GetPositionMeta(ctx, code); meta != nil {
		holdingDays = meta.HoldingDays(time.Now().In(a.loc))
	}

	if fullExit {
		sellTTL := time.Duration(a.cfg.Sell.SellCooldownHours) * time.Hour
		if err := a.redis.SetFlag(ctx, cache.CooldownSellKey(code), sellTTL); err != nil {
			a.log.Warn().Err(err).Str("code", code).Msg("sell cooldown write failed")
		}
		if order.SellReason.TriggersStopLossCooldown() {
			cooldown := time.Duration(a.cfg.Risk.StoplossCooldownDays) * 24 * time.Hour
			if cooldown <= 0 {
				cooldown = stoplossCooldown
			}
			if err := a.redis.SetFlag(ctx, cache.CooldownStopKey(code), cooldown); err != nil {
				a.log.Warn().Err(err).Str("code", code).Msg("stop-loss cooldown write failed")
			}
		}
		a.redis.CleanupPositionState(ctx, code)
	} else if meta, err := a.redis.GetPositionMeta(ctx, code); err == nil && meta != nil {
		meta.Quantity -= filledQty
		if meta.Quantity < 0 {
			meta.Quantity = 0
		}
		meta.TotalBuyAmount = float64(meta.Quantity) * meta.AverageBuyPrice
		if err := a.redis.SetPositionMeta(ctx, *meta); err != nil {
			a.log.Warn().Err(err).Str("code", code).Msg("position meta update failed")
		}
	}

	record := &database.TradeRecord{
		StockCode:    code,
		StockName:    order.StockName,
		TradeType:    "SELL",
		Quantity:     filledQty,
		Price:        fillPrice,
		TotalAmount:  float64(filledQty) * fillPrice,
		OrderNo:      orderNo,
		SellReason:   string(order.SellReason),
		ProfitPct:    &profitPct,
		ProfitAmount: &profitAmount,
		HoldingDays:  &holdingDays,
		ExecutedAt:   time.Now().UTC(),
	}
	if err := a.repo.SaveTrade(record); err != nil {
		a.log.Error().Err(err).Str("code", code).Msg("trade record save failed")
	}

	a.log.Info().
		Str("code", code).
		Str("reason", string(order.SellReason)).
		Int("quantity", filledQty).
		Float64("fill_price", fillPrice).
		Float64("profit_pct", profitPct).
		Bool("full_exit", fullExit).
		Msg("sell executed")
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
