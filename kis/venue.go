package kis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"kis-trading-core/domain"
)

// VenueClient talks to the KIS OpenAPI directly. Only the gateway
// process constructs one; every other service goes through the gateway.
type VenueClient struct {
	http   *resty.Client
	tokens *TokenManager

	appKey             string
	appSecret          string
	accountNo          string
	accountProductCode string
	isPaper            bool

	log zerolog.Logger
}

// VenueOptions configures a VenueClient.
type VenueOptions struct {
	AppKey             string
	AppSecret          string
	AccountNo          string
	AccountProductCode string
	BaseURL            string
	TokenFilePath      string
	IsPaper            bool
	Timeout            time.Duration
}

// NewVenueClient builds a venue client with its own token manager.
func NewVenueClient(opts VenueOptions, log zerolog.Logger) *VenueClient {
	http := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetHeader("Content-Type", "application/json; charset=utf-8")

	tokenHTTP := resty.New().SetTimeout(opts.Timeout)

	return &VenueClient{
		http:               http,
		tokens:             NewTokenManager(tokenHTTP, opts.AppKey, opts.AppSecret, opts.BaseURL, opts.TokenFilePath, log),
		appKey:             opts.AppKey,
		appSecret:          opts.AppSecret,
		accountNo:          opts.AccountNo,
		accountProductCode: opts.AccountProductCode,
		isPaper:            opts.IsPaper,
		log:                log,
	}
}

// Tokens exposes the token manager for the streamer's approval keys and
// the proactive refresh loop.
func (c *VenueClient) Tokens() *TokenManager { return c.tokens }

// venueResponse is the common KIS envelope. rt_cd "0" is success;
// anything else is a business rejection. Output shapes vary per
// transaction, so they are decoded lazily.
type venueResponse struct {
	RtCd    string          `json:"rt_cd"`
	MsgCd   string          `json:"msg_cd"`
	Msg1    string          `json:"msg1"`
	Output  json.RawMessage `json:"output"`
	Output1 json.RawMessage `json:"output1"`
	Output2 json.RawMessage `json:"output2"`
}

func decodeMap(raw json.RawMessage) map[string]string {
	var m map[string]string
	if len(raw) == 0 || json.Unmarshal(raw, &m) != nil {
		return map[string]string{}
	}
	return m
}

func decodeList(raw json.RawMessage) []map[string]string {
	var l []map[string]string
	if len(raw) == 0 || json.Unmarshal(raw, &l) != nil {
		return nil
	}
	return l
}

func (c *VenueClient) request(ctx context.Context, method, path, trID string, params map[string]string, body interface{}) (*venueResponse, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	var result venueResponse
	req := c.http.R().
		SetContext(ctx).
		SetHeader("authorization", "Bearer "+token).
		SetHeader("appkey", c.appKey).
		SetHeader("appsecret", c.appSecret).
		SetHeader("tr_id", trID).
		SetHeader("custtype", "P").
		SetResult(&result)
	if params != nil {
		req.SetQueryParams(params)
	}
	if body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrUpstream, trID, path, err)
	}
	if resp.StatusCode() >= 500 {
		return nil, fmt.Errorf("%w: %s returned %s", ErrUpstream, trID, resp.Status())
	}
	if resp.IsError() || result.RtCd != "0" {
		return nil, &BusinessError{Code: result.MsgCd, Message: strings.TrimSpace(result.Msg1)}
	}
	return &result, nil
}

// trFor switches real and paper-trading transaction IDs.
func (c *VenueClient) trFor(real string) string {
	if !c.isPaper {
		return real
	}
	return "V" + real[1:]
}

// Snapshot returns the current quote for a code.
func (c *VenueClient) Snapshot(ctx context.Context, code string) (*domain.StockSnapshot, error) {
	res, err := c.request(ctx, "GET", "/uapi/domestic-stock/v1/quotations/inquire-price", "FHKST01010100", map[string]string{
		"FID_COND_MRKT_DIV_CODE": "J",
		"FID_INPUT_ISCD":         code,
	}, nil)
	if err != nil {
		return nil, err
	}
	out := decodeMap(res.Output)
	return &domain.StockSnapshot{
		StockCode: code,
		StockName: out["hts_kor_isnm"],
		Price:     atof(out["stck_prpr"]),
		Open:      atof(out["stck_oprc"]),
		High:      atof(out["stck_hgpr"]),
		Low:       atof(out["stck_lwpr"]),
		Volume:    atoi64(out["acml_vol"]),
		ChangePct: atof(out["prdy_ctrt"]),
	}, nil
}

// DailyPrices returns up to days of daily candles, newest first.
func (c *VenueClient) DailyPrices(ctx context.Context, code string, days int) ([]domain.DailyPrice, error) {
	res, err := c.request(ctx, "GET", "/uapi/domestic-stock/v1/quotations/inquire-daily-price", "FHKST01010400", map[string]string{
		"FID_COND_MRKT_DIV_CODE": "J",
		"FID_INPUT_ISCD":         code,
		"FID_INPUT_DATE_1":       "",
		"FID_INPUT_DATE_2":       time.Now().Format("20060102"),
		"FID_PERIOD_DIV_CODE":    "D",
		"FID_ORG_ADJ_PRC":        "0",
	}, nil)
	if err != nil {
		return nil, err
	}

	prices := make([]domain.DailyPrice, 0, days)
	for _, row := range decodeList(res.Output) {
		if len(prices) >= days {
			break
		}
		prices = append(prices, domain.DailyPrice{
			Date:   row["stck_bsop_date"],
			Open:   atof(row["stck_oprc"]),
			High:   atof(row["stck_hgpr"]),
			Low:    atof(row["stck_lwpr"]),
			Close:  atof(row["stck_clpr"]),
			Volume: atoi64(row["acml_vol"]),
		})
	}
	return prices, nil
}

// MinutePrices returns recent minute candles.
func (c *VenueClient) MinutePrices(ctx context.Context, code string, count int) ([]domain.MinutePrice, error) {
	res, err := c.request(ctx, "GET", "/uapi/domestic-stock/v1/quotations/inquire-time-itemchartprice", "FHKST03010200", map[string]string{
		"FID_ETC_CLS_CODE":       "",
		"FID_COND_MRKT_DIV_CODE": "J",
		"FID_INPUT_ISCD":         code,
		"FID_INPUT_HOUR_1":       time.Now().Format("150405"),
		"FID_PW_DATA_INCU_YN":    "N",
	}, nil)
	if err != nil {
		return nil, err
	}

	prices := make([]domain.MinutePrice, 0, count)
	for _, row := range decodeList(res.Output2) {
		if len(prices) >= count {
			break
		}
		prices = append(prices, domain.MinutePrice{
			Time:   row["stck_cntg_hour"],
			Open:   atof(row["stck_oprc"]),
			High:   atof(row["stck_hgpr"]),
			Low:    atof(row["stck_lwpr"]),
			Close:  atof(row["stck_prpr"]),
			Volume: atoi64(row["cntg_vol"]),
		})
	}
	return prices, nil
}

// PlaceOrder submits a cash order. Market orders carry price 0.
func (c *VenueClient) PlaceOrder(ctx context.Context, side string, req domain.OrderRequest) (*domain.OrderResult, error) {
	trID := c.trFor("TTTC0802U")
	if side == "sell" {
		trID = c.trFor("TTTC0801U")
	}

	ordDvsn := "01" // market
	price := 0
	if req.OrderType == domain.OrderLimit {
		ordDvsn = "00"
		price = int(req.Price)
	}

	res, err := c.request(ctx, "POST", "/uapi/domestic-stock/v1/trading/order-cash", trID, nil, map[string]string{
		"CANO":         c.accountNo,
		"ACNT_PRDT_CD": c.accountProductCode,
		"PDNO":         req.StockCode,
		"ORD_DVSN":     ordDvsn,
		"ORD_QTY":      strconv.Itoa(req.Quantity),
		"ORD_UNPR":     strconv.Itoa(price),
	})
	if err != nil {
		return nil, err
	}
	return &domain.OrderResult{
		Success: true,
		OrderNo: decodeMap(res.Output)["ODNO"],
	}, nil
}

// CancelOrder cancels the full remaining quantity of an order.
func (c *VenueClient) CancelOrder(ctx context.Context, orderNo string) error {
	_, err := c.request(ctx, "POST", "/uapi/domestic-stock/v1/trading/order-rvsecncl", c.trFor("TTTC0803U"), nil, map[string]string{
		"CANO":               c.accountNo,
		"ACNT_PRDT_CD":       c.accountProductCode,
		"KRX_FWDG_ORD_ORGNO": "",
		"ORGN_ODNO":          orderNo,
		"ORD_DVSN":           "00",
		"RVSE_CNCL_DVSN_CD":  "02", // cancel
		"ORD_QTY":            "0",
		"ORD_UNPR":           "0",
		"QTY_ALL_ORD_YN":     "Y",
	})
	return err
}

// OrderStatus reports the fill state of one of today's orders.
func (c *VenueClient) OrderStatus(ctx context.Context, orderNo string) (*domain.OrderStatus, error) {
	today := time.Now().Format("20060102")
	res, err := c.request(ctx, "GET", "/uapi/domestic-stock/v1/trading/inquire-daily-ccld", c.trFor("TTTC8001R"), map[string]string{
		"CANO":            c.accountNo,
		"ACNT_PRDT_CD":    c.accountProductCode,
		"INQR_STRT_DT":    today,
		"INQR_END_DT":     today,
		"SLL_BUY_DVSN_CD": "00",
		"INQR_DVSN":       "00",
		"PDNO":            "",
		"CCLD_DVSN":       "00",
		"ORD_GNO_BRNO":    "",
		"ODNO":            orderNo,
		"INQR_DVSN_3":     "00",
		"INQR_DVSN_1":     "",
		"CTX_AREA_FK100":  "",
		"CTX_AREA_NK100":  "",
	}, nil)
	if err != nil {
		return nil, err
	}

	for _, row := range decodeList(res.Output1) {
		if row["odno"] != orderNo {
			continue
		}
		ordered := int(atoi64(row["ord_qty"]))
		filled := int(atoi64(row["tot_ccld_qty"]))
		return &domain.OrderStatus{
			Filled:    ordered > 0 && filled >= ordered,
			FilledQty: filled,
			AvgPrice:  atof(row["avg_prvs"]),
		}, nil
	}
	return &domain.OrderStatus{}, nil
}

// Balance returns the authoritative portfolio state. Cash is the
// venue's purchasable amount, not the stored cash field.
func (c *VenueClient) Balance(ctx context.Context) (*domain.PortfolioState, error) {
	res, err := c.request(ctx, "GET", "/uapi/domestic-stock/v1/trading/inquire-balance", c.trFor("TTTC8434R"), map[string]string{
		"CANO":                  c.accountNo,
		"ACNT_PRDT_CD":          c.accountProductCode,
		"AFHR_FLPR_YN":          "N",
		"OFL_YN":                "",
		"INQR_DVSN":             "02",
		"UNPR_DVSN":             "01",
		"FUND_STTL_ICLD_YN":     "N",
		"FNCG_AMT_AUTO_RDPT_YN": "N",
		"PRCS_DVSN":             "01",
		"CTX_AREA_FK100":        "",
		"CTX_AREA_NK100":        "",
	}, nil)
	if err != nil {
		return nil, err
	}

	holdings := decodeList(res.Output1)
	positions := make([]domain.Position, 0, len(holdings))
	for _, item := range holdings {
		qty := int(atoi64(item["hldg_qty"]))
		if qty <= 0 {
			continue
		}
		positions = append(positions, domain.Position{
			StockCode:       item["pdno"],
			StockName:       item["prdt_name"],
			Quantity:        qty,
			AverageBuyPrice: atof(item["pchs_avg_pric"]),
			TotalBuyAmount:  atof(item["pchs_amt"]),
			CurrentPrice:    atof(item["prpr"]),
		})
	}

	var stockEval float64
	if summary := decodeList(res.Output2); len(summary) > 0 {
		stockEval = atof(summary[0]["scts_evlu_amt"])
	}

	cash, err := c.BuyingPower(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("buying power lookup failed, balance without cash")
	}

	return &domain.PortfolioState{
		Positions:       positions,
		CashBalance:     cash,
		TotalAsset:      cash + stockEval,
		StockEvalAmount: stockEval,
		PositionCount:   len(positions),
		Timestamp:       time.Now().UTC(),
	}, nil
}

// BuyingPower returns the purchasable cash amount without margin.
func (c *VenueClient) BuyingPower(ctx context.Context) (float64, error) {
	res, err := c.request(ctx, "GET", "/uapi/domestic-stock/v1/trading/inquire-psbl-order", c.trFor("TTTC8908R"), map[string]string{
		"CANO":                 c.accountNo,
		"ACNT_PRDT_CD":         c.accountProductCode,
		"PDNO":                 "005930",
		"ORD_UNPR":             "0",
		"ORD_DVSN":             "01",
		"CMA_EVLU_AMT_ICLD_YN": "Y",
		"OVRS_ICLD_YN":         "N",
	}, nil)
	if err != nil {
		return 0, err
	}
	out := decodeMap(res.Output)
	if v := strings.TrimSpace(out["nrcvb_buy_amt"]); v != "" {
		return atof(v), nil
	}
	return atof(out["ord_psbl_cash"]), nil
}

// IsTradingDay checks the venue holiday calendar, falling back to a
// weekday check when the API is unavailable.
func (c *VenueClient) IsTradingDay(ctx context.Context, day time.Time) bool {
	target := day.Format("20060102")
	res, err := c.request(ctx, "GET", "/uapi/domestic-stock/v1/quotations/chk-holiday", "CTCA0903R", map[string]string{
		"BASS_DT":     target,
		"CTX_AREA_NK": "",
		"CTX_AREA_FK": "",
	}, nil)
	if err != nil {
		wd := day.Weekday()
		return wd != time.Saturday && wd != time.Sunday
	}
	for _, row := range decodeList(res.Output) {
		if row["bass_dt"] == target {
			return row["opnd_yn"] == "Y"
		}
	}
	return true
}

// --- parse helpers ---

func atof(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}

func atoi64(s string) int64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return int64(f)
}
