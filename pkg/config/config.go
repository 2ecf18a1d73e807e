package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the trading client.
type Config struct {
	// Exchange
	ExchangeName    string
	ExchangeAPIKey  string
	ExchangeSecret  string
	EnableFutures   bool
	FuturesLeverage float64
	RequestsPerSec  float64
	RequestBurst    int

	// Signal feed
	FeedURL      string
	SignalSecret string // HMAC key; empty disables signature checks
	SignalTTLSec int

	// Execution
	DryRun               bool
	DryRunInitialBalance float64
	DryRunFeeRate        float64 // decimal (e.g. 0.001 = 10 bps)
	DryRunSlippageBps    float64
	ExecutionEnabled     bool
	PreferFutures        bool
	PlaceTPOnExchange    bool
	UseEntryDelay        bool
	MaxOpenPositions     int
	EntryDelayMinSec     int
	EntryDelayMaxSec     int

	// Risk
	RiskPerTrade      float64 // fraction of balance risked per trade
	MaxPositionPct    float64 // cap on single position as fraction of balance
	MinConfidence     float64
	SpotMinConfidence float64

	// Monitoring
	MonitorIntervalSec int
	MaxHoldHours       float64

	// Persistence
	DBPath       string
	TunablesPath string

	// Logging
	LogLevel string // "debug", "info", "warn", "error"
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		ExchangeName:    strings.ToLower(getEnv("EXCHANGE", "binance")),
		ExchangeAPIKey:  os.Getenv("EXCHANGE_API_KEY"),
		ExchangeSecret:  os.Getenv("EXCHANGE_API_SECRET"),
		EnableFutures:   getEnv("ENABLE_FUTURES", "true") == "true",
		FuturesLeverage: getEnvFloat("FUTURES_LEVERAGE", 1.0),
		RequestsPerSec:  getEnvFloat("EXCHANGE_REQUESTS_PER_SEC", 8),
		RequestBurst:    getEnvInt("EXCHANGE_REQUEST_BURST", 16),

		FeedURL:      getEnv("FEED_URL", "ws://localhost:8765/signals"),
		SignalSecret: os.Getenv("SIGNAL_SECRET"),
		SignalTTLSec: getEnvInt("SIGNAL_TTL_SEC", 30),

		DryRun:               getEnv("DRY_RUN", "true") == "true",
		DryRunInitialBalance: getEnvFloat("DRY_RUN_INITIAL_BALANCE", 1000.0),
		DryRunFeeRate:        getEnvFloat("DRY_RUN_FEE_RATE", 0.001),
		DryRunSlippageBps:    getEnvFloat("DRY_RUN_SLIPPAGE_BPS", 2),
		ExecutionEnabled:     getEnv("EXECUTION_ENABLED", "true") == "true",
		PreferFutures:        getEnv("PREFER_FUTURES", "true") == "true",
		PlaceTPOnExchange:    getEnv("PLACE_TP_ON_EXCHANGE", "true") == "true",
		UseEntryDelay:        getEnv("USE_ENTRY_DELAY", "true") == "true",
		MaxOpenPositions:     getEnvInt("MAX_OPEN_POSITIONS", 3),
		EntryDelayMinSec:     getEnvInt("ENTRY_DELAY_MIN_SEC", 5),
		EntryDelayMaxSec:     getEnvInt("ENTRY_DELAY_MAX_SEC", 45),

		RiskPerTrade:      getEnvFloat("RISK_PER_TRADE", 0.01),
		MaxPositionPct:    getEnvFloat("MAX_POSITION_PCT", 0.25),
		MinConfidence:     getEnvFloat("MIN_CONFIDENCE", 0.55),
		SpotMinConfidence: getEnvFloat("SPOT_MIN_CONFIDENCE", 0.60),

		MonitorIntervalSec: getEnvInt("MONITOR_INTERVAL_SEC", 10),
		MaxHoldHours:       getEnvFloat("MAX_HOLD_HOURS", 120),

		DBPath:       getEnv("DB_PATH", "./data/positions.db"),
		TunablesPath: getEnv("TUNABLES_PATH", "./tunables.yaml"),

		LogLevel: strings.ToLower(getEnv("LOG_LEVEL", "info")),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
