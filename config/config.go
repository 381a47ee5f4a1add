package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Environment: "production" trades on Binance, anything else paper-trades.
	Env      string
	LogLevel string

	// Binance credentials, required in production
	BinanceAPIKey    string
	BinanceSecretKey string

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	ArchiveDSN    string
	HTTPAddr      string
	MetricsAddr   string

	// Market data
	CandleInterval string
	EMASpans       string
	WarmupCandles  int
	SeedCandles    int
	StreamSymbols  string

	// Archiver
	RetainCandles int64
	ArchiveAfter  time.Duration
	ArchiveEvery  time.Duration

	// Position lifecycle
	TakeProfitPct   decimal.Decimal
	StopLossPct     decimal.Decimal
	MonitorInterval time.Duration
	EntryBalancePct decimal.Decimal
	EntryQuote      decimal.Decimal
	PaperSlippage   int64

	// Alerts
	AlertWindow   time.Duration
	AlertCooldown time.Duration
	RSIOversold   float64

	// Notifications, each optional
	TelegramToken  string
	TelegramChatID string
	WebhookURL     string
}

// Production reports whether real orders are placed.
func (c *Config) Production() bool { return strings.EqualFold(c.Env, "production") }

// Load reads an optional .env file, then the environment.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("[config] .env: %v", err)
	}

	c := &Config{
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),
		ArchiveDSN:    getEnv("ARCHIVE_DSN", "data/archive.db"),
		HTTPAddr:      getEnv("HTTP_ADDR", ":8080"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),

		CandleInterval: getEnv("CANDLE_INTERVAL", "1m"),
		EMASpans:       getEnv("EMA_SPANS", "10,50,150"),
		WarmupCandles:  getInt("WARMUP_CANDLES", 200),
		SeedCandles:    getInt("SEED_CANDLES", 500),
		StreamSymbols:  getEnv("STREAM_SYMBOLS", ""),

		RetainCandles: int64(getInt("RETAIN_CANDLES", 500)),
		ArchiveAfter:  getDuration("ARCHIVE_AFTER", 5*time.Minute),
		ArchiveEvery:  getDuration("ARCHIVE_EVERY", time.Minute),

		TakeProfitPct:   getDecimal("TAKE_PROFIT_PCT", "0.005"),
		StopLossPct:     getDecimal("STOP_LOSS_PCT", "0.003"),
		MonitorInterval: getDuration("MONITOR_INTERVAL", 10*time.Second),
		EntryBalancePct: getDecimal("ENTRY_BALANCE_PCT", "0.1"),
		EntryQuote:      getDecimal("ENTRY_QUOTE", "100"),
		PaperSlippage:   int64(getInt("PAPER_SLIPPAGE_BPS", 0)),

		AlertWindow:   getDuration("ALERT_WINDOW", 100*time.Second),
		AlertCooldown: getDuration("ALERT_COOLDOWN", 10*time.Second),
		RSIOversold:   getFloat("RSI_OVERSOLD", 25),

		TelegramToken:  getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID: getEnv("TELEGRAM_CHAT_ID", ""),
		WebhookURL:     getEnv("WEBHOOK_URL", ""),
	}
	if c.Production() {
		c.BinanceAPIKey = mustEnv("BINANCE_API_KEY")
		c.BinanceSecretKey = mustEnv("BINANCE_SECRET_KEY")
	}
	return c
}

// ParseSpans parses EMASpans into a slice of positive periods. Invalid
// entries are skipped; an empty result falls back to 10,50,150.
func (c *Config) ParseSpans() []int {
	parts := strings.Split(c.EMASpans, ",")
	spans := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 {
			log.Printf("[config] skipping invalid EMA span: %q", p)
			continue
		}
		spans = append(spans, n)
	}
	if len(spans) == 0 {
		return []int{10, 50, 150}
	}
	return spans
}

// ParseSymbols returns the symbols streamed at startup, uppercased.
func (c *Config) ParseSymbols() []string {
	var out []string
	for _, s := range strings.Split(c.StreamSymbols, ",") {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] required env var %s not set", key)
	}
	return v
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %g", key, v, fallback)
		return fallback
	}
	return f
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Printf("[config] invalid %s=%q, using %s", key, v, fallback)
		return fallback
	}
	return d
}

// getDecimal reads a fraction such as 0.005. Invalid or non-positive
// values fall back.
func getDecimal(key, fallback string) decimal.Decimal {
	def := decimal.RequireFromString(fallback)
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := decimal.NewFromString(v)
	if err != nil || !d.IsPositive() {
		log.Printf("[config] invalid %s=%q, using %s", key, v, fallback)
		return def
	}
	return d
}
