// Package notifications delivers operator alerts over Telegram. Alerts
// are advisory; trading never blocks on delivery.
package notifications

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"kis-trading-core/config"
	"kis-trading-core/domain"
	"kis-trading-core/helpers"
)

const (
	telegramAPIBase = "https://api.telegram.org"
	sendRetries     = 3
	retryGap        = 2 * time.Second
)

// Alerter sends operator messages. A zero-config alerter is disabled
// and drops everything silently.
type Alerter struct {
	cfg    config.TelegramConfig
	client *resty.Client
	log    zerolog.Logger
}

// NewAlerter creates a Telegram alerter. Missing credentials disable it.
func NewAlerter(cfg config.TelegramConfig, log zerolog.Logger) *Alerter {
	return &Alerter{
		cfg: cfg,
		client: resty.New().
			SetBaseURL(telegramAPIBase).
			SetTimeout(10 * time.Second),
		log: log.With().Str("component", "alerter").Logger(),
	}
}

// Enabled reports whether credentials are configured.
func (a *Alerter) Enabled() bool {
	return a.cfg.BotToken != "" && a.cfg.ChatID != ""
}

// Send delivers one message asynchronously with retries. Never blocks
// the caller.
func (a *Alerter) Send(text string) {
	if !a.Enabled() {
		return
	}
	go a.deliver(text)
}

func (a *Alerter) deliver(text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= sendRetries; attempt++ {
		resp, err := a.client.R().
			SetContext(ctx).
			SetBody(map[string]string{
				"chat_id": a.cfg.ChatID,
				"text":    text,
			}).
			Post(fmt.Sprintf("/bot%s/sendMessage", a.cfg.BotToken))
		if err == nil && resp.IsSuccess() {
			return
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("telegram status %d", resp.StatusCode())
		}
		if attempt < sendRetries {
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryGap):
			}
		}
	}
	a.log.Warn().Err(lastErr).Msg("telegram alert delivery failed")
}

// BuyExecuted formats a fill confirmation.
func (a *Alerter) BuyExecuted(sig domain.BuySignal, qty int, fillPrice float64) {
	a.Send(fmt.Sprintf("BUY %s (%s) x%d @ %s [%s]",
		sig.StockCode, sig.StockName, qty, helpers.FormatKRW(fillPrice), sig.SignalType))
}

// SellExecuted formats an exit confirmation.
func (a *Alerter) SellExecuted(order domain.SellOrder, qty int, fillPrice float64) {
	profit := ""
	if order.ProfitPct != nil {
		profit = fmt.Sprintf(" (%+.1f%%)", *order.ProfitPct)
	}
	a.Send(fmt.Sprintf("SELL %s (%s) x%d @ %s [%s]%s",
		order.StockCode, order.StockName, qty, helpers.FormatKRW(fillPrice), order.SellReason, profit))
}

// OrderFailed formats a venue rejection or confirmation failure.
func (a *Alerter) OrderFailed(code, action, detail string) {
	a.Send(fmt.Sprintf("ORDER FAILED: %s %s: %s", action, code, detail))
}
