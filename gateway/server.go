package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"kis-trading-core/domain"
	"kis-trading-core/kis"
)

// Server exposes the gateway's local HTTP surface. It is the only
// process that holds the venue credential; every route funnels through
// the shared rate gate and the per-endpoint circuit breaker.
type Server struct {
	venue    *kis.VenueClient
	streamer *Streamer
	gate     *RateGate
	breaker  *Breaker
	loc      *time.Location
	log      zerolog.Logger
}

// NewServer wires the HTTP surface over the venue client.
func NewServer(venue *kis.VenueClient, streamer *Streamer, gate *RateGate, breaker *Breaker, loc *time.Location, log zerolog.Logger) *Server {
	return &Server{
		venue:    venue,
		streamer: streamer,
		gate:     gate,
		breaker:  breaker,
		loc:      loc,
		log:      log.With().Str("component", "gateway-http").Logger(),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/market/snapshot", s.handleSnapshot)
	mux.HandleFunc("POST /api/market/daily-prices", s.handleDailyPrices)
	mux.HandleFunc("POST /api/market/minute-prices", s.handleMinutePrices)
	mux.HandleFunc("GET /api/market/is-market-open", s.handleIsMarketOpen)
	mux.HandleFunc("GET /api/market/is-trading-day", s.handleIsTradingDay)

	mux.HandleFunc("POST /api/trading/buy", s.handleBuy)
	mux.HandleFunc("POST /api/trading/sell", s.handleSell)
	mux.HandleFunc("POST /api/trading/cancel", s.handleCancel)
	mux.HandleFunc("POST /api/trading/order-status", s.handleOrderStatus)

	mux.HandleFunc("POST /api/account/balance", s.handleBalance)
	mux.HandleFunc("POST /api/account/cash", s.handleBuyingPower)

	mux.HandleFunc("POST /api/subscribe", s.handleSubscribe)
	mux.HandleFunc("POST /api/unsubscribe", s.handleUnsubscribe)

	mux.HandleFunc("GET /health", s.handleHealth)

	return s.loggingMiddleware(mux)
}

// Run serves until ctx is cancelled, then drains with a short timeout.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("gateway listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Dur("took", time.Since(start)).Msg("request")
	})
}

type errorBody struct {
	Error     string `json:"error"`
	Detail    string `json:"detail"`
	Service   string `json:"service"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("response encode failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, detail string) {
	s.writeJSON(w, status, errorBody{
		Error:     code,
		Detail:    detail,
		Service:   "kis-gateway",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// proxy runs one venue call behind the rate gate and the breaker for
// endpoint. Business rejections do not count against the breaker; only
// transport failures do.
func (s *Server) proxy(w http.ResponseWriter, r *http.Request, endpoint string, call func(ctx context.Context) (interface{}, error)) {
	if !s.breaker.Allow(endpoint) {
		s.writeError(w, http.StatusServiceUnavailable, "CIRCUIT_OPEN", "venue endpoint "+endpoint+" is failing")
		return
	}
	if err := s.gate.Acquire(r.Context()); err != nil {
		if errors.Is(err, kis.ErrRateLimited) {
			s.writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "venue rate budget saturated")
			return
		}
		s.writeError(w, http.StatusServiceUnavailable, "UPSTREAM_ERROR", err.Error())
		return
	}

	out, err := call(r.Context())
	if err != nil {
		var bizErr *kis.BusinessError
		switch {
		case errors.As(err, &bizErr):
			s.breaker.Success(endpoint)
			s.writeError(w, http.StatusBadRequest, bizErr.Code, bizErr.Message)
		default:
			s.breaker.Failure(endpoint)
			s.writeError(w, http.StatusServiceUnavailable, "UPSTREAM_ERROR", err.Error())
		}
		return
	}

	s.breaker.Success(endpoint)
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// --- market data ---

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StockCode string `json:"stock_code"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if !domain.ValidStockCode(req.StockCode) {
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid stock code")
		return
	}
	s.proxy(w, r, "/snapshot", func(ctx context.Context) (interface{}, error) {
		return s.venue.Snapshot(ctx, req.StockCode)
	})
}

func (s *Server) handleDailyPrices(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StockCode string `json:"stock_code"`
		Days      int    `json:"days"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if !domain.ValidStockCode(req.StockCode) {
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid stock code")
		return
	}
	if req.Days <= 0 {
		req.Days = 30
	}
	s.proxy(w, r, "/daily-prices", func(ctx context.Context) (interface{}, error) {
		return s.venue.DailyPrices(ctx, req.StockCode, req.Days)
	})
}

func (s *Server) handleMinutePrices(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StockCode string `json:"stock_code"`
		Count     int    `json:"count"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if !domain.ValidStockCode(req.StockCode) {
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid stock code")
		return
	}
	if req.Count <= 0 {
		req.Count = 30
	}
	s.proxy(w, r, "/minute-prices", func(ctx context.Context) (interface{}, error) {
		return s.venue.MinutePrices(ctx, req.StockCode, req.Count)
	})
}

func (s *Server) handleIsMarketOpen(w http.ResponseWriter, r *http.Request) {
	now := time.Now().In(s.loc)
	open, session := SessionAt(now)
	if open && !s.venue.IsTradingDay(r.Context(), now) {
		open = false
		session = SessionClosed
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"open":    open,
		"session": session,
	})
}

func (s *Server) handleIsTradingDay(w http.ResponseWriter, r *http.Request) {
	dateStr := r.URL.Query().Get("date")
	day := time.Now().In(s.loc)
	if dateStr != "" {
		parsed, err := time.ParseInLocation("2006-01-02", dateStr, s.loc)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "date must be YYYY-MM-DD")
			return
		}
		day = parsed
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"trading": s.venue.IsTradingDay(r.Context(), day),
	})
}

// --- trading ---

func (s *Server) handleBuy(w http.ResponseWriter, r *http.Request) {
	s.handleOrder(w, r, "buy", "/order-buy")
}

func (s *Server) handleSell(w http.ResponseWriter, r *http.Request) {
	s.handleOrder(w, r, "sell", "/order-sell")
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request, side, endpoint string) {
	var req domain.OrderRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	s.proxy(w, r, endpoint, func(ctx context.Context) (interface{}, error) {
		return s.venue.PlaceOrder(ctx, side, req)
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrderNo string `json:"order_no"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.OrderNo == "" {
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "order_no required")
		return
	}
	s.proxy(w, r, "/cancel", func(ctx context.Context) (interface{}, error) {
		if err := s.venue.CancelOrder(ctx, req.OrderNo); err != nil {
			return nil, err
		}
		return map[string]bool{"success": true}, nil
	})
}

func (s *Server) handleOrderStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrderNo string `json:"order_no"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.OrderNo == "" {
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "order_no required")
		return
	}
	s.proxy(w, r, "/order-status", func(ctx context.Context) (interface{}, error) {
		return s.venue.OrderStatus(ctx, req.OrderNo)
	})
}

// --- account ---

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	s.proxy(w, r, "/balance", func(ctx context.Context) (interface{}, error) {
		return s.venue.Balance(ctx)
	})
}

func (s *Server) handleBuyingPower(w http.ResponseWriter, r *http.Request) {
	s.proxy(w, r, "/buying-power", func(ctx context.Context) (interface{}, error) {
		power, err := s.venue.BuyingPower(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]float64{"buying_power": power}, nil
	})
}

// --- subscriptions ---

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Codes []string `json:"codes"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.streamer.Subscribe(r.Context(), req.Codes); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "UPSTREAM_ERROR", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Codes []string `json:"codes"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.streamer.Unsubscribe(r.Context(), req.Codes); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "UPSTREAM_ERROR", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// --- health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "ok",
		"ws_connected":     s.streamer.Connected(),
		"subscriptions":    s.streamer.SubscriptionCount(),
		"token_expires_at": s.venue.Tokens().ExpiresAt().UTC().Format(time.RFC3339),
		"open_breakers":    s.breaker.OpenEndpoints(),
	})
}
