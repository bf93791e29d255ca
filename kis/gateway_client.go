package kis

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"kis-trading-core/domain"
)

// GatewayClient is the peer-service client for the gateway's local HTTP
// surface. Scanner, monitor and both executors use it; none of them
// ever holds the venue credential.
type GatewayClient struct {
	http *resty.Client
}

// NewGatewayClient creates a client for the gateway at baseURL.
func NewGatewayClient(baseURL string, timeout time.Duration) *GatewayClient {
	return &GatewayClient{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
	}
}

type gatewayError struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// classify maps gateway HTTP statuses onto the shared error taxonomy.
func classify(resp *resty.Response, gwErr *gatewayError) error {
	switch resp.StatusCode() {
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusServiceUnavailable:
		if gwErr.Error == "UPSTREAM_ERROR" {
			return fmt.Errorf("%w: %s", ErrUpstream, gwErr.Detail)
		}
		return ErrCircuitOpen
	case http.StatusBadGateway, http.StatusGatewayTimeout, http.StatusInternalServerError:
		return fmt.Errorf("%w: %s", ErrUpstream, gwErr.Detail)
	default:
		return &BusinessError{Code: gwErr.Error, Message: gwErr.Detail}
	}
}

func (g *GatewayClient) post(ctx context.Context, path string, body, out interface{}) error {
	var gwErr gatewayError
	resp, err := g.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(out).
		SetError(&gwErr).
		Post(path)
	if err != nil {
		return fmt.Errorf("%w: POST %s: %v", ErrUpstream, path, err)
	}
	if resp.IsError() {
		return classify(resp, &gwErr)
	}
	return nil
}

func (g *GatewayClient) get(ctx context.Context, path string, query map[string]string, out interface{}) error {
	var gwErr gatewayError
	req := g.http.R().SetContext(ctx).SetResult(out).SetError(&gwErr)
	if query != nil {
		req.SetQueryParams(query)
	}
	resp, err := req.Get(path)
	if err != nil {
		return fmt.Errorf("%w: GET %s: %v", ErrUpstream, path, err)
	}
	if resp.IsError() {
		return classify(resp, &gwErr)
	}
	return nil
}

// Snapshot fetches the current quote for a code.
func (g *GatewayClient) Snapshot(ctx context.Context, code string) (*domain.StockSnapshot, error) {
	var out domain.StockSnapshot
	err := g.post(ctx, "/api/market/snapshot", map[string]string{"stock_code": code}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DailyPrices fetches a daily candle window, newest first.
func (g *GatewayClient) DailyPrices(ctx context.Context, code string, days int) ([]domain.DailyPrice, error) {
	var out []domain.DailyPrice
	err := g.post(ctx, "/api/market/daily-prices", map[string]interface{}{"stock_code": code, "days": days}, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MinutePrices fetches recent minute candles.
func (g *GatewayClient) MinutePrices(ctx context.Context, code string, count int) ([]domain.MinutePrice, error) {
	var out []domain.MinutePrice
	err := g.post(ctx, "/api/market/minute-prices", map[string]interface{}{"stock_code": code, "count": count}, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PlaceBuy submits a buy order.
func (g *GatewayClient) PlaceBuy(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	var out domain.OrderResult
	if err := g.post(ctx, "/api/trading/buy", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PlaceSell submits a sell order.
func (g *GatewayClient) PlaceSell(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	var out domain.OrderResult
	if err := g.post(ctx, "/api/trading/sell", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Cancel cancels a pending order.
func (g *GatewayClient) Cancel(ctx context.Context, orderNo string) (bool, error) {
	var out struct {
		Success bool `json:"success"`
	}
	if err := g.post(ctx, "/api/trading/cancel", map[string]string{"order_no": orderNo}, &out); err != nil {
		return false, err
	}
	return out.Success, nil
}

// OrderStatus reports the fill state of an order.
func (g *GatewayClient) OrderStatus(ctx context.Context, orderNo string) (*domain.OrderStatus, error) {
	var out domain.OrderStatus
	if err := g.post(ctx, "/api/trading/order-status", map[string]string{"order_no": orderNo}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Balance returns the venue's authoritative portfolio state.
func (g *GatewayClient) Balance(ctx context.Context) (*domain.PortfolioState, error) {
	var out domain.PortfolioState
	if err := g.post(ctx, "/api/account/balance", map[string]string{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// BuyingPower returns the purchasable cash amount.
func (g *GatewayClient) BuyingPower(ctx context.Context) (float64, error) {
	var out struct {
		BuyingPower float64 `json:"buying_power"`
	}
	if err := g.post(ctx, "/api/account/cash", map[string]string{}, &out); err != nil {
		return 0, err
	}
	return out.BuyingPower, nil
}

// IsMarketOpen reports the venue session state.
func (g *GatewayClient) IsMarketOpen(ctx context.Context) (bool, string, error) {
	var out struct {
		Open    bool   `json:"open"`
		Session string `json:"session"`
	}
	if err := g.get(ctx, "/api/market/is-market-open", nil, &out); err != nil {
		return false, "", err
	}
	return out.Open, out.Session, nil
}

// IsTradingDay checks whether date (YYYY-MM-DD) is a trading day.
func (g *GatewayClient) IsTradingDay(ctx context.Context, date string) (bool, error) {
	var out struct {
		Trading bool `json:"trading"`
	}
	if err := g.get(ctx, "/api/market/is-trading-day", map[string]string{"date": date}, &out); err != nil {
		return false, err
	}
	return out.Trading, nil
}

// Subscribe adds codes to the gateway's live tick subscriptions.
func (g *GatewayClient) Subscribe(ctx context.Context, codes []string) error {
	var out struct{}
	return g.post(ctx, "/api/subscribe", map[string][]string{"codes": codes}, &out)
}

// Unsubscribe removes codes from the live tick subscriptions.
func (g *GatewayClient) Unsubscribe(ctx context.Context, codes []string) error {
	var out struct{}
	return g.post(ctx, "/api/unsubscribe", map[string][]string{"codes": codes}, &out)
}
