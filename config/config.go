package config

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
)

// Config holds the full configuration snapshot. It is read once at
// startup; there is no live reload.
type Config struct {
	Env      string
	Timezone string
	DryRun   bool

	// Redis configuration
	RedisHost     string
	RedisPort     string
	RedisPassword string

	// Database configuration
	DatabaseHost     string
	DatabasePort     string
	DatabaseName     string
	DatabaseUser     string
	DatabasePassword string

	KIS      KISConfig
	Gateway  GatewayConfig
	Risk     RiskConfig
	Scanner  ScannerConfig
	Sell     SellConfig
	Buyer    BuyerConfig
	Telegram TelegramConfig
}

// KISConfig holds venue API credentials and endpoints.
type KISConfig struct {
	AppKey             string
	AppSecret          string
	AccountNo          string
	AccountProductCode string
	BaseURL            string
	WSURL              string
	TokenFilePath      string
	GatewayURL         string
}

// GatewayConfig holds the gateway's listen address, rate limiter and
// circuit breaker parameters.
type GatewayConfig struct {
	ListenAddr             string
	RatePerSecond          int
	RateAcquireTimeoutSec  int
	BreakerFailures        int
	BreakerWindowSec       int
	BreakerOpenSec         int
	HTTPTimeoutSec         int
	ReconnectMaxBackoffSec int
}

// RiskConfig holds portfolio-level guard parameters.
type RiskConfig struct {
	MaxPortfolioSize     int
	MaxBuyCountPerDay    int
	StoplossCooldownDays int

	// Cash floor by market regime, percent of total assets.
	CashFloorStrongBullPct float64
	CashFloorBullPct       float64
	CashFloorSidewaysPct   float64
	CashFloorBearPct       float64

	SectorCapPct           float64
	SectorCapStrongBullPct float64
	StockCapPct            float64
	StockCapStrongBullPct  float64

	HardFloorScore        float64
	CorrelationThreshold  float64
	CorrelationDays       int
	CorrelationCacheHours int
}

// ScannerConfig holds strategy and gate parameters.
type ScannerConfig struct {
	MinRequiredBars       int
	SignalCooldownSeconds int
	RSIGuardMax           float64
	RSIGuardMaxBull       float64
	VWAPDeviationWarning  float64
	NoTradeWindowStart    string
	NoTradeWindowEnd      string
	DangerZoneStart       string
	DangerZoneEnd         string

	Workers   int
	QueueSize int

	// Conviction entry (feature-flagged)
	ConvictionEnabled        bool
	ConvictionMinHybridScore float64
	ConvictionMinLLMScore    float64
	ConvictionMaxGainPct     float64
	ConvictionWindowStart    string
	ConvictionWindowEnd      string

	// Opening range breakout (feature-flagged)
	ORBEnabled bool

	// Momentum family
	MomentumLimitPremium    float64
	MomentumLimitTimeoutSec int
	MomentumMaxGainPct      float64
	MomentumVolumeRatio     float64
	MomentumConfirmBars     int
}

// SellConfig holds exit-chain parameters.
type SellConfig struct {
	StopLossPct   float64
	ATRMultiplier float64

	TrailingEnabled         bool
	TrailingActivationPct   float64
	TrailingDropFromHighPct float64
	TrailingMinProfitPct    float64

	ProfitTargetPct float64

	BreakevenEnabled       bool
	BreakevenActivationPct float64
	BreakevenFloorPct      float64

	ProfitFloorActivationPct float64
	ProfitFloorLevelPct      float64

	ProfitLockL1Mult  float64
	ProfitLockL1Min   float64
	ProfitLockL1Max   float64
	ProfitLockL1Floor float64
	ProfitLockL2Mult  float64
	ProfitLockL2Min   float64
	ProfitLockL2Max   float64
	ProfitLockL2Floor float64

	TimeTightenStartDays       int
	TimeTightenStartDaysBull   int
	TimeTightenMaxReductionPct float64
	MaxHoldingDays             int

	RSIOverboughtThreshold float64
	RSIMinProfitPct        float64

	DeathCrossBearOnly bool

	ScaleOutEnabled      bool
	MinTransactionAmount float64
	MinSellQuantity      int

	SellLockTTLSec    int
	SellCooldownHours int
	HardStopRetries   int

	MonitorPollIntervalSec int
}

// BuyerConfig holds order placement and confirmation parameters.
type BuyerConfig struct {
	BuyLockTTLSec        int
	DuplicateWindowMin   int
	ConfirmPolls         int
	ConfirmIntervalSec   int
	ConfirmDeadlineSec   int
	SizingTier1Score     float64
	SizingTier1WeightPct float64
	SizingTier2Score     float64
	SizingTier2WeightPct float64
	SizingTier3Score     float64
	SizingTier3WeightPct float64
	MinOrderAmount       float64
}

// TelegramConfig holds operator alert credentials.
type TelegramConfig struct {
	BotToken string
	ChatID   string
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() *Config {
	// Load .env file if exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	return &Config{
		Env:      getEnvOrDefault("APP_ENV", "production"),
		Timezone: getEnvOrDefault("APP_TIMEZONE", "Asia/Seoul"),
		DryRun:   getEnvOrDefault("APP_DRY_RUN", "false") == "true",

		RedisHost:     getEnvOrDefault("REDIS_HOST", "localhost"),
		RedisPort:     getEnvOrDefault("REDIS_PORT", "6379"),
		RedisPassword: getEnvOrDefault("REDIS_PASSWORD", ""),

		DatabaseHost:     getEnvOrDefault("DB_HOST", "localhost"),
		DatabasePort:     getEnvOrDefault("DB_PORT", "5432"),
		DatabaseName:     getEnvOrDefault("DB_NAME", "trading_core"),
		DatabaseUser:     getEnvOrDefault("DB_USER", "trading"),
		DatabasePassword: getEnvOrDefault("DB_PASSWORD", ""),

		KIS: KISConfig{
			AppKey:             os.Getenv("KIS_APP_KEY"),
			AppSecret:          os.Getenv("KIS_APP_SECRET"),
			AccountNo:          os.Getenv("KIS_ACCOUNT_NO"),
			AccountProductCode: getEnvOrDefault("KIS_ACCOUNT_PRODUCT_CODE", "01"),
			BaseURL:            getEnvOrDefault("KIS_BASE_URL", "https://openapi.koreainvestment.com:9443"),
			WSURL:              getEnvOrDefault("KIS_WS_URL", "ws://ops.koreainvestment.com:21000"),
			TokenFilePath:      getEnvOrDefault("KIS_TOKEN_FILE_PATH", "/app/config/kis_token.json"),
			GatewayURL:         getEnvOrDefault("KIS_GATEWAY_URL", "http://kis-gateway:8080"),
		},

		Gateway: GatewayConfig{
			ListenAddr:             getEnvOrDefault("GATEWAY_LISTEN_ADDR", ":8080"),
			RatePerSecond:          getEnvInt("GATEWAY_RATE_PER_SECOND", 19),
			RateAcquireTimeoutSec:  getEnvInt("GATEWAY_RATE_ACQUIRE_TIMEOUT", 2),
			BreakerFailures:        getEnvInt("GATEWAY_BREAKER_FAILURES", 5),
			BreakerWindowSec:       getEnvInt("GATEWAY_BREAKER_WINDOW", 30),
			BreakerOpenSec:         getEnvInt("GATEWAY_BREAKER_OPEN", 60),
			HTTPTimeoutSec:         getEnvInt("GATEWAY_HTTP_TIMEOUT", 5),
			ReconnectMaxBackoffSec: getEnvInt("GATEWAY_WS_MAX_BACKOFF", 30),
		},

		Risk: RiskConfig{
			MaxPortfolioSize:     getEnvInt("RISK_MAX_PORTFOLIO_SIZE", 10),
			MaxBuyCountPerDay:    getEnvInt("RISK_MAX_BUY_COUNT_PER_DAY", 6),
			StoplossCooldownDays: getEnvInt("RISK_STOPLOSS_COOLDOWN_DAYS", 3),

			CashFloorStrongBullPct: getEnvFloat("RISK_CASH_FLOOR_STRONG_BULL_PCT", 5.0),
			CashFloorBullPct:       getEnvFloat("RISK_CASH_FLOOR_BULL_PCT", 10.0),
			CashFloorSidewaysPct:   getEnvFloat("RISK_CASH_FLOOR_SIDEWAYS_PCT", 15.0),
			CashFloorBearPct:       getEnvFloat("RISK_CASH_FLOOR_BEAR_PCT", 25.0),

			SectorCapPct:           getEnvFloat("RISK_SECTOR_CAP_PCT", 30.0),
			SectorCapStrongBullPct: getEnvFloat("RISK_SECTOR_CAP_STRONG_BULL_PCT", 50.0),
			StockCapPct:            getEnvFloat("RISK_STOCK_CAP_PCT", 15.0),
			StockCapStrongBullPct:  getEnvFloat("RISK_STOCK_CAP_STRONG_BULL_PCT", 25.0),

			HardFloorScore:        getEnvFloat("RISK_HARD_FLOOR_SCORE", 40.0),
			CorrelationThreshold:  getEnvFloat("RISK_CORRELATION_THRESHOLD", 0.85),
			CorrelationDays:       getEnvInt("RISK_CORRELATION_DAYS", 60),
			CorrelationCacheHours: getEnvInt("RISK_CORRELATION_CACHE_HOURS", 12),
		},

		Scanner: ScannerConfig{
			MinRequiredBars:       getEnvInt("SCANNER_MIN_REQUIRED_BARS", 20),
			SignalCooldownSeconds: getEnvInt("SCANNER_SIGNAL_COOLDOWN", 600),
			RSIGuardMax:           getEnvFloat("SCANNER_RSI_GUARD_MAX", 75.0),
			RSIGuardMaxBull:       getEnvFloat("SCANNER_RSI_GUARD_MAX_BULL", 85.0),
			VWAPDeviationWarning:  getEnvFloat("SCANNER_VWAP_DEVIATION_WARNING", 0.02),
			NoTradeWindowStart:    getEnvOrDefault("SCANNER_NO_TRADE_START", "09:00"),
			NoTradeWindowEnd:      getEnvOrDefault("SCANNER_NO_TRADE_END", "09:15"),
			DangerZoneStart:       getEnvOrDefault("SCANNER_DANGER_ZONE_START", "14:00"),
			DangerZoneEnd:         getEnvOrDefault("SCANNER_DANGER_ZONE_END", "15:00"),

			Workers:   getEnvInt("SCANNER_WORKERS", 4),
			QueueSize: getEnvInt("SCANNER_QUEUE_SIZE", 1000),

			ConvictionEnabled:        getEnvOrDefault("SCANNER_CONVICTION_ENABLED", "false") == "true",
			ConvictionMinHybridScore: getEnvFloat("SCANNER_CONVICTION_MIN_HYBRID", 70.0),
			ConvictionMinLLMScore:    getEnvFloat("SCANNER_CONVICTION_MIN_LLM", 72.0),
			ConvictionMaxGainPct:     getEnvFloat("SCANNER_CONVICTION_MAX_GAIN", 3.0),
			ConvictionWindowStart:    getEnvOrDefault("SCANNER_CONVICTION_WINDOW_START", "09:15"),
			ConvictionWindowEnd:      getEnvOrDefault("SCANNER_CONVICTION_WINDOW_END", "10:30"),

			ORBEnabled: getEnvOrDefault("SCANNER_ORB_ENABLED", "false") == "true",

			MomentumLimitPremium:    getEnvFloat("SCANNER_MOMENTUM_LIMIT_PREMIUM", 0.003),
			MomentumLimitTimeoutSec: getEnvInt("SCANNER_MOMENTUM_LIMIT_TIMEOUT", 10),
			MomentumMaxGainPct:      getEnvFloat("SCANNER_MOMENTUM_MAX_GAIN", 7.0),
			MomentumVolumeRatio:     getEnvFloat("SCANNER_MOMENTUM_VOLUME_RATIO", 1.5),
			MomentumConfirmBars:     getEnvInt("SCANNER_MOMENTUM_CONFIRM_BARS", 1),
		},

		Sell: SellConfig{
			StopLossPct:   getEnvFloat("SELL_STOP_LOSS_PCT", 6.0),
			ATRMultiplier: getEnvFloat("SELL_ATR_MULTIPLIER", 2.0),

			TrailingEnabled:         getEnvOrDefault("SELL_TRAILING_ENABLED", "true") == "true",
			TrailingActivationPct:   getEnvFloat("SELL_TRAILING_ACTIVATION_PCT", 4.0),
			TrailingDropFromHighPct: getEnvFloat("SELL_TRAILING_DROP_PCT", 3.0),
			TrailingMinProfitPct:    getEnvFloat("SELL_TRAILING_MIN_PROFIT_PCT", 0.5),

			ProfitTargetPct: getEnvFloat("SELL_PROFIT_TARGET_PCT", 10.0),

			BreakevenEnabled:       getEnvOrDefault("SELL_BREAKEVEN_ENABLED", "true") == "true",
			BreakevenActivationPct: getEnvFloat("SELL_BREAKEVEN_ACTIVATION_PCT", 3.0),
			BreakevenFloorPct:      getEnvFloat("SELL_BREAKEVEN_FLOOR_PCT", 0.3),

			ProfitFloorActivationPct: getEnvFloat("SELL_PROFIT_FLOOR_ACTIVATION_PCT", 15.0),
			ProfitFloorLevelPct:      getEnvFloat("SELL_PROFIT_FLOOR_LEVEL_PCT", 10.0),

			ProfitLockL1Mult:  getEnvFloat("SELL_PROFIT_LOCK_L1_MULT", 1.5),
			ProfitLockL1Min:   getEnvFloat("SELL_PROFIT_LOCK_L1_MIN", 1.5),
			ProfitLockL1Max:   getEnvFloat("SELL_PROFIT_LOCK_L1_MAX", 3.0),
			ProfitLockL1Floor: getEnvFloat("SELL_PROFIT_LOCK_L1_FLOOR", 0.7),
			ProfitLockL2Mult:  getEnvFloat("SELL_PROFIT_LOCK_L2_MULT", 2.5),
			ProfitLockL2Min:   getEnvFloat("SELL_PROFIT_LOCK_L2_MIN", 3.0),
			ProfitLockL2Max:   getEnvFloat("SELL_PROFIT_LOCK_L2_MAX", 5.0),
			ProfitLockL2Floor: getEnvFloat("SELL_PROFIT_LOCK_L2_FLOOR", 2.0),

			TimeTightenStartDays:       getEnvInt("SELL_TIME_TIGHTEN_START_DAYS", 10),
			TimeTightenStartDaysBull:   getEnvInt("SELL_TIME_TIGHTEN_START_DAYS_BULL", 15),
			TimeTightenMaxReductionPct: getEnvFloat("SELL_TIME_TIGHTEN_MAX_REDUCTION", 2.0),
			MaxHoldingDays:             getEnvInt("SELL_MAX_HOLDING_DAYS", 30),

			RSIOverboughtThreshold: getEnvFloat("SELL_RSI_OVERBOUGHT", 75.0),
			RSIMinProfitPct:        getEnvFloat("SELL_RSI_MIN_PROFIT_PCT", 3.0),

			DeathCrossBearOnly: getEnvOrDefault("SELL_DEATH_CROSS_BEAR_ONLY", "true") == "true",

			ScaleOutEnabled:      getEnvOrDefault("SELL_SCALE_OUT_ENABLED", "true") == "true",
			MinTransactionAmount: getEnvFloat("SELL_MIN_TRANSACTION_AMOUNT", 10000),
			MinSellQuantity:      getEnvInt("SELL_MIN_SELL_QUANTITY", 1),

			SellLockTTLSec:    getEnvInt("SELL_LOCK_TTL", 30),
			SellCooldownHours: getEnvInt("SELL_COOLDOWN_HOURS", 24),
			HardStopRetries:   getEnvInt("SELL_HARD_STOP_RETRIES", 3),

			MonitorPollIntervalSec: getEnvInt("MONITOR_POLL_INTERVAL", 30),
		},

		Buyer: BuyerConfig{
			BuyLockTTLSec:        getEnvInt("BUYER_LOCK_TTL", 180),
			DuplicateWindowMin:   getEnvInt("BUYER_DUPLICATE_WINDOW_MIN", 10),
			ConfirmPolls:         getEnvInt("BUYER_CONFIRM_POLLS", 3),
			ConfirmIntervalSec:   getEnvInt("BUYER_CONFIRM_INTERVAL", 2),
			ConfirmDeadlineSec:   getEnvInt("BUYER_CONFIRM_DEADLINE", 10),
			SizingTier1Score:     getEnvFloat("BUYER_SIZING_TIER1_SCORE", 80.0),
			SizingTier1WeightPct: getEnvFloat("BUYER_SIZING_TIER1_WEIGHT", 12.0),
			SizingTier2Score:     getEnvFloat("BUYER_SIZING_TIER2_SCORE", 70.0),
			SizingTier2WeightPct: getEnvFloat("BUYER_SIZING_TIER2_WEIGHT", 9.0),
			SizingTier3Score:     getEnvFloat("BUYER_SIZING_TIER3_SCORE", 60.0),
			SizingTier3WeightPct: getEnvFloat("BUYER_SIZING_TIER3_WEIGHT", 6.0),
			MinOrderAmount:       getEnvFloat("BUYER_MIN_ORDER_AMOUNT", 100000),
		},

		Telegram: TelegramConfig{
			BotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
			ChatID:   os.Getenv("TELEGRAM_CHAT_ID"),
		},
	}
}

// CashFloorPct returns the minimum cash ratio (percent) for a regime.
func (r RiskConfig) CashFloorPct(regime string) float64 {
	switch regime {
	case "STRONG_BULL":
		return r.CashFloorStrongBullPct
	case "BULL":
		return r.CashFloorBullPct
	case "SIDEWAYS":
		return r.CashFloorSidewaysPct
	case "BEAR", "STRONG_BEAR":
		return r.CashFloorBearPct
	}
	return r.CashFloorSidewaysPct
}

// getEnvInt gets environment variable as int or returns default value
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var intValue int
	if _, err := fmt.Sscanf(value, "%d", &intValue); err != nil {
		return defaultValue
	}
	return intValue
}

// getEnvFloat gets environment variable as float64 or returns default value
func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var floatValue float64
	if _, err := fmt.Sscanf(value, "%f", &floatValue); err != nil {
		return defaultValue
	}
	return floatValue
}

// getEnvOrDefault gets environment variable or returns default value
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
