package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration. It is built once at boot from
// environment variables and passed by pointer into each component
// constructor; nothing mutates it afterwards.
type Config struct {
	// Kotak Neo credentials
	NeoConsumerKey string
	NeoMobile      string
	NeoUCC         string
	NeoMPIN        string
	TOTPSecret     string

	// Infrastructure
	SQLitePath    string
	RedisAddr     string
	RedisPassword string
	MetricsAddr   string

	// Local state directories
	CheckpointDir   string
	FallbackDir     string
	CalendarDir     string
	InstrumentsPath string

	// Candle configuration
	CandleInterval time.Duration // 5 minutes
	ATRPeriod      int           // 14
	ATRPrecision   int           // decimal places for TR/ATR rounding
	TickerCount    int           // expected instrument universe size

	// Window freeze
	WindowFreeze      time.Duration // grace after boundary before snapshot
	LateTickTolerance time.Duration // defined for parity; freeze grace governs admission

	// Write pipeline
	MaxRetries     int
	RetryBaseDelay time.Duration

	// WebSocket & heartbeat
	SubscribeBatchSize      int
	HeartbeatSilenceTimeout time.Duration
	SessionMaxAge           time.Duration

	// Reconnect operator
	ReconnectBaseDelay      time.Duration
	ReconnectMaxDelay       time.Duration
	ReconnectFactor         float64
	ReconnectMaxAttempts    int
	ReconnectAlertThreshold int

	// Callback latency monitoring
	CallbackLatencyWarnUS float64
	CallbackLatencyMaxUS  float64
	LatencySampleSize     int

	// Checkpoint
	MaxCheckpointFiles int
}

// Load reads configuration from environment variables. Credentials are
// required; everything else has the documented default.
func Load() *Config {
	return &Config{
		NeoConsumerKey: mustEnv("NEO_CONSUMER_KEY"),
		NeoMobile:      mustEnv("NEO_MOBILE"),
		NeoUCC:         mustEnv("NEO_UCC"),
		NeoMPIN:        mustEnv("NEO_MPIN"),
		TOTPSecret:     mustEnv("TOTP_SECRET"),

		SQLitePath:    getEnv("SQLITE_PATH", "data/harvester.db"),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),

		CheckpointDir:   getEnv("CHECKPOINT_DIR", "data/checkpoints"),
		FallbackDir:     getEnv("FALLBACK_DIR", "data/fallback"),
		CalendarDir:     getEnv("CALENDAR_DIR", "data/calendars"),
		InstrumentsPath: getEnv("INSTRUMENTS_PATH", "data/instruments.json"),

		CandleInterval:    time.Duration(getEnvInt("CANDLE_INTERVAL_MINUTES", 5)) * time.Minute,
		ATRPeriod:         getEnvInt("ATR_PERIOD", 14),
		ATRPrecision:      getEnvInt("ATR_PRECISION", 4),
		TickerCount:       getEnvInt("TICKER_COUNT", 178),
		WindowFreeze:      time.Duration(getEnvInt("WINDOW_FREEZE_MS", 500)) * time.Millisecond,
		LateTickTolerance: time.Duration(getEnvInt("LATE_TICK_TOLERANCE_MS", 200)) * time.Millisecond,

		MaxRetries:     getEnvInt("MAX_RETRIES", 5),
		RetryBaseDelay: time.Duration(getEnvInt("RETRY_BASE_DELAY_S", 1)) * time.Second,

		SubscribeBatchSize:      getEnvInt("WS_SUBSCRIBE_BATCH_SIZE", 50),
		HeartbeatSilenceTimeout: time.Duration(getEnvInt("HEARTBEAT_SILENCE_TIMEOUT_S", 30)) * time.Second,
		SessionMaxAge:           time.Duration(getEnvInt("SESSION_MAX_AGE_HOURS", 12)) * time.Hour,

		ReconnectBaseDelay:      time.Duration(getEnvInt("RECONNECT_BASE_DELAY_S", 2)) * time.Second,
		ReconnectMaxDelay:       time.Duration(getEnvInt("RECONNECT_MAX_DELAY_S", 60)) * time.Second,
		ReconnectFactor:         2.0,
		ReconnectMaxAttempts:    getEnvInt("RECONNECT_MAX_ATTEMPTS", 10),
		ReconnectAlertThreshold: getEnvInt("RECONNECT_ALERT_THRESHOLD", 5),

		CallbackLatencyWarnUS: float64(getEnvInt("CALLBACK_LATENCY_WARN_US", 500)),
		CallbackLatencyMaxUS:  float64(getEnvInt("CALLBACK_LATENCY_MAX_US", 2000)),
		LatencySampleSize:     getEnvInt("LATENCY_SAMPLE_SIZE", 10000),

		MaxCheckpointFiles: getEnvInt("MAX_CHECKPOINT_FILES", 3),
	}
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

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid integer for %s: %q (using default %d)", key, v, fallback)
		return fallback
	}
	return n
}
