// Package config loads infrastructure settings from the environment and
// trading parameters from a YAML file layered over defaults.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Price feed: "sim" runs the in-process simulator, "ws" dials FeedURL.
	FeedMode string
	FeedURL  string
	SimSeed  int64

	// SimInterval paces the simulator: one base bar per symbol per tick.
	SimInterval time.Duration

	// Infrastructure
	RedisAddr     string // empty disables snapshot publishing
	RedisPassword string
	SQLitePath    string
	MetricsAddr   string
	APIAddr       string

	// Instruments and timeframes (comma-separated)
	Symbols    string
	EnabledTFs string

	// Trading parameter file (YAML); empty uses defaults
	TradingConfig string

	// Predictor: "rule", "remote" or "onnx"
	Predictor     string
	PredictorURL  string
	ONNXModelPath string
	ONNXLibPath   string

	PaperSlippageBps int64

	// AutoStart enables entries at startup instead of waiting for the
	// operator's start call.
	AutoStart bool

	// Alerts
	WebhookURL     string
	TelegramToken  string
	TelegramChatID string

	LogLevel slog.Level
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		FeedMode: getEnv("FEED_MODE", "sim"),
		FeedURL:  getEnv("FEED_URL", "ws://localhost:8765/ws"),
		SimSeed:  getEnvInt("SIM_SEED", 42),

		SimInterval: time.Duration(getEnvInt("SIM_INTERVAL_MS", 1000)) * time.Millisecond,
		AutoStart:   strings.EqualFold(getEnv("AUTO_START", "false"), "true"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		SQLitePath:    getEnv("SQLITE_PATH", "data/tradebot.db"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		APIAddr:       getEnv("API_ADDR", ":8080"),

		Symbols:    getEnv("SYMBOLS", "INFY,RELIANCE,TCS,HDFCBANK,ICICIBANK"),
		EnabledTFs: getEnv("ENABLED_TFS", "300,900"),

		TradingConfig: getEnv("TRADING_CONFIG", ""),

		Predictor:     getEnv("PREDICTOR", "rule"),
		PredictorURL:  getEnv("PREDICTOR_URL", "http://localhost:8000"),
		ONNXModelPath: getEnv("ONNX_MODEL_PATH", "models/lstm.onnx"),
		ONNXLibPath:   getEnv("ONNX_LIB_PATH", ""),

		PaperSlippageBps: getEnvInt("PAPER_SLIPPAGE_BPS", 5),

		WebhookURL:     getEnv("WEBHOOK_URL", ""),
		TelegramToken:  getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID: getEnv("TELEGRAM_CHAT_ID", ""),

		LogLevel: parseLevel(getEnv("LOG_LEVEL", "info")),
	}
}

// ParseTFs parses the EnabledTFs string into timeframe durations in seconds.
func (c *Config) ParseTFs() []int {
	parts := strings.Split(c.EnabledTFs, ",")
	tfs := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 {
			slog.Warn("[config] skipping invalid TF value", "value", p)
			continue
		}
		tfs = append(tfs, n)
	}
	return tfs
}

// ParseSymbols parses the Symbols string, upper-cased and de-duplicated.
func (c *Config) ParseSymbols() []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range strings.Split(c.Symbols, ",") {
		s := strings.ToUpper(strings.TrimSpace(p))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		slog.Warn("[config] invalid integer, using default", "key", key, "value", v, "default", fallback)
		return fallback
	}
	return n
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// durationOr returns d, or fallback when d is not positive.
func durationOr(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
