// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes settings for the
// HTTP server, the Telegram transport, storage backends, reminder ticking,
// logging and observability.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Messenger transports.
const (
	MessengerTelegram = "telegram"
	MessengerLog      = "log"
)

// Telegram update delivery modes.
const (
	TelegramWebhook = "webhook"
	TelegramPolling = "polling"
)

// Storage backends.
const (
	StoreSQLite   = "sqlite"
	StoreBolt     = "bolt"
	StoreDynamoDB = "dynamodb"
)

// Tick modes.
const (
	TickExternal = "external"
	TickInternal = "internal"
)

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "pillsync")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// LogFileConfig enables rotated file output next to stdout.
type LogFileConfig struct {
	Path       string // LOG_FILE; empty disables file output
	MaxSizeMB  int    // LOG_FILE_MAX_SIZE_MB
	MaxBackups int    // LOG_FILE_MAX_BACKUPS
	MaxAgeDays int    // LOG_FILE_MAX_AGE_DAYS
}

// TelegramConfig holds the bot credentials and delivery mode.
type TelegramConfig struct {
	Token         string // TELEGRAM_BOT_TOKEN
	Mode          string // webhook|polling
	WebhookSecret string // TELEGRAM_WEBHOOK_SECRET
	PollTimeout   int    // seconds, TELEGRAM_POLL_TIMEOUT
}

// TickConfig controls how the reminder dispatcher is driven.
type TickConfig struct {
	Mode        string        // external|internal
	Interval    time.Duration // internal ticker period
	Token       string        // X-Tick-Token expected on POST /tick
	Timeout     time.Duration // per-tick deadline
	Concurrency int           // chats processed in parallel
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	LogFile     LogFileConfig
	APIBasePath string // base path for API routes

	// Messaging
	Messenger string // telegram|log
	Telegram  TelegramConfig

	// Access and defaults
	AllowedUsernames []string
	AllowedChatIDs   []string
	DefaultTimezone  string
	DefaultLanguage  string // en|ru

	// Storage
	Store         string // sqlite|bolt|dynamodb
	DBPath        string // SQLite path
	BoltPath      string // bbolt file
	DynamoDBTable string

	// Reminders
	Tick             TickConfig
	ReminderLookback time.Duration // how far back a missed occurrence is still sent
	DoseRetention    time.Duration // how long dose records are kept after their due time
	UpdateDedupTTL   time.Duration // how long a processed update id is remembered

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	Security SecurityConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads an optional dotenv file (ENV_FILE, default ".env"), then
// environment variables, applies defaults, normalizes values, and validates
// the result. Variables already present in the environment win over the file.
func Load() (Config, error) {
	if err := loadEnvFile(getenv("ENV_FILE", ".env")); err != nil {
		return Config{}, err
	}

	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),
		LogFile: LogFileConfig{
			Path:       strings.TrimSpace(getenv("LOG_FILE", "")),
			MaxSizeMB:  getint("LOG_FILE_MAX_SIZE_MB", 50),
			MaxBackups: getint("LOG_FILE_MAX_BACKUPS", 3),
			MaxAgeDays: getint("LOG_FILE_MAX_AGE_DAYS", 30),
		},
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Messaging
		Messenger: strings.ToLower(getenv("MESSENGER", MessengerTelegram)),
		Telegram: TelegramConfig{
			Token:         strings.TrimSpace(getenv("TELEGRAM_BOT_TOKEN", "")),
			Mode:          strings.ToLower(getenv("TELEGRAM_MODE", TelegramWebhook)),
			WebhookSecret: getenv("TELEGRAM_WEBHOOK_SECRET", ""),
			PollTimeout:   getint("TELEGRAM_POLL_TIMEOUT", 30),
		},

		// Access and defaults
		AllowedUsernames: splitCSV(getenv("ALLOWED_USERNAMES", "")),
		AllowedChatIDs:   splitCSV(getenv("ALLOWED_CHAT_IDS", "")),
		DefaultTimezone:  strings.TrimSpace(getenv("DEFAULT_TIMEZONE", "UTC")),
		DefaultLanguage:  strings.ToLower(getenv("DEFAULT_LANGUAGE", "ru")),

		// Storage
		Store:         strings.ToLower(getenv("STORE", StoreSQLite)),
		DBPath:        getenv("DB_PATH", "pillsync.db"),
		BoltPath:      getenv("BOLT_PATH", "pillsync.bolt"),
		DynamoDBTable: strings.TrimSpace(getenv("DYNAMODB_TABLE", "")),

		// Reminders
		Tick: TickConfig{
			Mode:        strings.ToLower(getenv("TICK_MODE", TickExternal)),
			Interval:    getdur("TICK_INTERVAL", 5*time.Minute),
			Token:       getenv("TICK_TOKEN", ""),
			Timeout:     getdur("TICK_TIMEOUT", 2*time.Minute),
			Concurrency: getint("TICK_CONCURRENCY", 10),
		},
		ReminderLookback: getdur("REMINDER_LOOKBACK", 24*time.Hour),
		DoseRetention:    getdur("DOSE_RETENTION", 48*time.Hour),
		UpdateDedupTTL:   getdur("UPDATE_DEDUP_TTL", 24*time.Hour),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "pillsync"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	if cfg.DefaultTimezone == "" {
		cfg.DefaultTimezone = "UTC"
	}

	return cfg, cfg.validate()
}

func (cfg Config) validate() error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if cfg.LogFile.Path != "" && (cfg.LogFile.MaxSizeMB <= 0 || cfg.LogFile.MaxBackups < 0 || cfg.LogFile.MaxAgeDays < 0) {
		return errors.New("LOG_FILE_* rotation settings must be positive")
	}

	switch cfg.Messenger {
	case MessengerTelegram:
		if cfg.Telegram.Token == "" {
			return errors.New("TELEGRAM_BOT_TOKEN is required when MESSENGER=telegram")
		}
	case MessengerLog:
	default:
		return errors.New("MESSENGER must be one of: telegram, log")
	}
	switch cfg.Telegram.Mode {
	case TelegramWebhook, TelegramPolling:
	default:
		return errors.New("TELEGRAM_MODE must be one of: webhook, polling")
	}
	if cfg.Telegram.PollTimeout < 0 {
		return errors.New("TELEGRAM_POLL_TIMEOUT must be >= 0")
	}

	if _, err := time.LoadLocation(cfg.DefaultTimezone); err != nil {
		return fmt.Errorf("DEFAULT_TIMEZONE %q is not a known IANA zone", cfg.DefaultTimezone)
	}
	switch cfg.DefaultLanguage {
	case "en", "ru":
	default:
		return errors.New("DEFAULT_LANGUAGE must be one of: en, ru")
	}

	switch cfg.Store {
	case StoreSQLite:
		if strings.TrimSpace(cfg.DBPath) == "" {
			return errors.New("DB_PATH must not be empty")
		}
	case StoreBolt:
		if strings.TrimSpace(cfg.BoltPath) == "" {
			return errors.New("BOLT_PATH must not be empty")
		}
	case StoreDynamoDB:
		if cfg.DynamoDBTable == "" {
			return errors.New("DYNAMODB_TABLE is required when STORE=dynamodb")
		}
	default:
		return errors.New("STORE must be one of: sqlite, bolt, dynamodb")
	}

	switch cfg.Tick.Mode {
	case TickExternal, TickInternal:
	default:
		return errors.New("TICK_MODE must be one of: external, internal")
	}
	if cfg.Tick.Interval <= 0 || cfg.Tick.Timeout <= 0 {
		return errors.New("TICK_INTERVAL and TICK_TIMEOUT must be > 0")
	}
	if cfg.Tick.Concurrency < 1 {
		return errors.New("TICK_CONCURRENCY must be >= 1")
	}
	if cfg.ReminderLookback <= 0 {
		return errors.New("REMINDER_LOOKBACK must be > 0")
	}
	if cfg.DoseRetention < cfg.ReminderLookback {
		return errors.New("DOSE_RETENTION must be >= REMINDER_LOOKBACK")
	}
	if cfg.UpdateDedupTTL <= 0 {
		return errors.New("UPDATE_DEDUP_TTL must be > 0")
	}

	if cfg.RateRPS < 0 {
		return errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	return nil
}

// loadEnvFile applies a dotenv file without overriding the process
// environment. A missing file is not an error.
func loadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ---- helpers ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
