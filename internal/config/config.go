package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all configuration for the bot
type Config struct {
	// App
	Timezone string
	LogLevel string

	// Telegram
	TelegramToken  string
	TelegramChatID int64

	// Trading
	Assets              []string
	PriceCap            decimal.Decimal
	ConfirmDelaySeconds int
	CapMinTicks         int
	WindowSeconds       int

	// TA
	WarmupSeconds int

	// Day/Night
	DayStartHour                int
	DayEndHour                  int
	BaseDayMinQuality           float64
	BaseNightMinQuality         float64
	SwitchStreakAt              int
	NightMaxWinStreak           int
	NightSessionMode            string // OFF, SOFT, HARD
	NightAutotradeEnabled       bool
	ReminderMinutesBeforeDayEnd int
	MaxResponseSeconds          int

	// Risk
	BaseStakeUSDC decimal.Decimal

	// Execution
	ExecutionMode string // "paper" or "live"

	// Rolling quantile (STRICT thresholds)
	RollingDays       int
	MaxSamples        int
	MinSamples        int
	StrictQuantile    string // p90, p95, p97, p99
	StrictFallbackMul float64

	// APIs
	GammaAPIURL    string
	CLOBAPIURL     string
	BinanceAPIURL  string
	BinanceWSURL   string
	HTTPTimeout    time.Duration
	HTTPRetries    int
	HTTPBackoff    float64
	CycleInterval  time.Duration
	SnapshotPeriod time.Duration
	SnapshotTTL    time.Duration

	// CLOB credentials (live mode)
	WalletPrivateKey string
	CLOBApiKey       string
	CLOBApiSecret    string
	CLOBPassphrase   string
	FunderAddress    string
	SignatureType    int

	// Database
	DatabasePath string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		// App
		Timezone: getEnv("TIMEZONE", "Europe/Zurich"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Telegram
		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		// Trading
		Assets:              splitAssets(getEnv("TRADING_ASSETS", "BTC,ETH")),
		PriceCap:            getEnvDecimal("PRICE_CAP", decimal.NewFromFloat(0.55)),
		ConfirmDelaySeconds: getEnvInt("CONFIRM_DELAY_SECONDS", 120),
		CapMinTicks:         getEnvInt("CAP_MIN_TICKS", 5),
		WindowSeconds:       getEnvInt("WINDOW_SECONDS", 3600),

		// TA
		WarmupSeconds: getEnvInt("TA_WARMUP_SECONDS", 7200),

		// Day/Night
		DayStartHour:                getEnvInt("DAY_START_HOUR", 8),
		DayEndHour:                  getEnvInt("DAY_END_HOUR", 22),
		BaseDayMinQuality:           getEnvFloat("BASE_DAY_MIN_QUALITY", 50.0),
		BaseNightMinQuality:         getEnvFloat("BASE_NIGHT_MIN_QUALITY", 60.0),
		SwitchStreakAt:              getEnvInt("SWITCH_STREAK_AT", 3),
		NightMaxWinStreak:           getEnvInt("NIGHT_MAX_WIN_STREAK", 5),
		NightSessionMode:            getEnv("NIGHT_SESSION_MODE", "OFF"),
		NightAutotradeEnabled:       getEnvBool("NIGHT_AUTOTRADE_ENABLED", false),
		ReminderMinutesBeforeDayEnd: getEnvInt("REMINDER_MINUTES_BEFORE_DAY_END", 30),
		MaxResponseSeconds:          getEnvInt("MAX_RESPONSE_SECONDS", 600),

		// Risk
		BaseStakeUSDC: getEnvDecimal("BASE_STAKE_USDC", decimal.NewFromFloat(10)),

		// Execution
		ExecutionMode: getEnv("EXECUTION_MODE", "paper"),

		// Rolling quantile
		RollingDays:       getEnvInt("ROLLING_DAYS", 14),
		MaxSamples:        getEnvInt("MAX_SAMPLES", 500),
		MinSamples:        getEnvInt("MIN_SAMPLES", 50),
		StrictQuantile:    getEnv("STRICT_QUANTILE", "p95"),
		StrictFallbackMul: getEnvFloat("STRICT_FALLBACK_MULT", 1.25),

		// APIs
		GammaAPIURL:    getEnv("GAMMA_API_URL", "https://gamma-api.polymarket.com"),
		CLOBAPIURL:     getEnv("CLOB_API_URL", "https://clob.polymarket.com"),
		BinanceAPIURL:  getEnv("BINANCE_API_URL", "https://api.binance.com"),
		BinanceWSURL:   getEnv("BINANCE_WS_URL", "wss://stream.binance.com:9443/ws"),
		HTTPTimeout:    getEnvDuration("HTTP_TIMEOUT", 30*time.Second),
		HTTPRetries:    getEnvInt("HTTP_RETRIES", 3),
		HTTPBackoff:    getEnvFloat("HTTP_BACKOFF", 2.0),
		CycleInterval:  getEnvDuration("CYCLE_INTERVAL", 60*time.Second),
		SnapshotPeriod: getEnvDuration("SNAPSHOT_PERIOD", 30*time.Second),
		SnapshotTTL:    getEnvDuration("SNAPSHOT_TTL", 120*time.Second),

		// CLOB credentials
		WalletPrivateKey: os.Getenv("WALLET_PRIVATE_KEY"),
		CLOBApiKey:       os.Getenv("CLOB_API_KEY"),
		CLOBApiSecret:    os.Getenv("CLOB_API_SECRET"),
		CLOBPassphrase:   os.Getenv("CLOB_PASSPHRASE"),
		FunderAddress:    os.Getenv("FUNDER_ADDRESS"),
		SignatureType:    getEnvInt("SIGNATURE_TYPE", 0),

		// Database
		DatabasePath: getEnv("DATABASE_PATH", "data/martin.db"),
	}

	// Parse chat ID
	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks value ranges that would otherwise fail deep inside a cycle.
func (c *Config) Validate() error {
	capLo := decimal.NewFromFloat(0.01)
	capHi := decimal.NewFromFloat(0.99)
	if c.PriceCap.LessThan(capLo) || c.PriceCap.GreaterThan(capHi) {
		return fmt.Errorf("PRICE_CAP must be in [0.01, 0.99], got %s", c.PriceCap)
	}
	if c.ConfirmDelaySeconds < 0 {
		return fmt.Errorf("CONFIRM_DELAY_SECONDS must be >= 0")
	}
	if c.CapMinTicks < 1 {
		return fmt.Errorf("CAP_MIN_TICKS must be >= 1")
	}
	if c.DayStartHour < 0 || c.DayStartHour > 23 || c.DayEndHour < 0 || c.DayEndHour > 23 {
		return fmt.Errorf("day hours must be in [0, 23]")
	}
	if c.SwitchStreakAt < 1 {
		return fmt.Errorf("SWITCH_STREAK_AT must be >= 1")
	}
	if c.NightMaxWinStreak < 1 {
		return fmt.Errorf("NIGHT_MAX_WIN_STREAK must be >= 1")
	}
	switch c.NightSessionMode {
	case "OFF", "SOFT", "HARD":
	default:
		return fmt.Errorf("NIGHT_SESSION_MODE must be OFF, SOFT or HARD, got %q", c.NightSessionMode)
	}
	switch c.ExecutionMode {
	case "paper", "live":
	default:
		return fmt.Errorf("EXECUTION_MODE must be paper or live, got %q", c.ExecutionMode)
	}
	if c.MinSamples < 1 {
		return fmt.Errorf("MIN_SAMPLES must be >= 1")
	}
	if c.ReminderMinutesBeforeDayEnd < 0 || c.ReminderMinutesBeforeDayEnd > 180 {
		return fmt.Errorf("REMINDER_MINUTES_BEFORE_DAY_END must be in [0, 180]")
	}
	if c.BaseStakeUSDC.LessThan(decimal.NewFromFloat(0.01)) {
		return fmt.Errorf("BASE_STAKE_USDC must be >= 0.01")
	}
	return nil
}

func splitAssets(s string) []string {
	parts := strings.Split(s, ",")
	assets := make([]string, 0, len(parts))
	for _, p := range parts {
		if a := strings.ToUpper(strings.TrimSpace(p)); a != "" {
			assets = append(assets, a)
		}
	}
	return assets
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
