// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes settings for the
// chat transport, the database, attachment storage, background tasks, the ops
// HTTP surface, logging and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings for the ops API.
type CORSConfig struct {
	AllowedOrigins []string
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// TelegramConfig holds chat transport settings.
type TelegramConfig struct {
	Token       string        // BOT_TOKEN
	Timeout     time.Duration // per-call timeout for Bot API requests
	PollTimeout int           // long polling timeout, seconds
	RPS         float64       // outbound calls per second
	MaxRetries  uint          // attempts per outbound call (>= 1)
}

// MinioConfig enables the object-storage backend for attachment payloads.
// When Endpoint is empty payloads are kept in the database.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Enabled reports whether an object store was configured.
func (m MinioConfig) Enabled() bool { return strings.TrimSpace(m.Endpoint) != "" }

// Config holds all configuration values for the application.
type Config struct {
	Telegram TelegramConfig

	// Storage
	DBDriver    string // sqlite|postgres
	DBPath      string // SQLite path
	DatabaseDSN string // Postgres DSN
	PhotosDir   string // local attachment cache
	TmpDir      string // spreadsheet scratch space
	PhotoCDN    string // optional public base for cached photos
	Minio       MinioConfig

	// Domain
	Admins        []int64 // bootstrap admin ids
	ProductDomain string  // authorized host for found-product links

	// Background / fan-out
	SessionTTL        time.Duration
	AnalyticsInterval time.Duration
	NotifyConcurrency int

	// Ops HTTP
	HTTPAddr          string
	ReadHeaderTimeout time.Duration
	GinMode           string
	AdminAPIToken     string
	RateRPS           float64
	RateBurst         int
	CORS              CORSConfig

	// Logging
	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool

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

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		Telegram: TelegramConfig{
			Token:       getenv("BOT_TOKEN", ""),
			Timeout:     getdur("TELEGRAM_TIMEOUT", 15*time.Second),
			PollTimeout: getint("TELEGRAM_POLL_TIMEOUT", 30),
			RPS:         getfloat("TELEGRAM_RPS", 25),
			MaxRetries:  uint(getint("TELEGRAM_MAX_RETRIES", 3)),
		},

		DBDriver:    strings.ToLower(getenv("DB_DRIVER", "sqlite")),
		DBPath:      getenv("DB_PATH", "bot.db"),
		DatabaseDSN: getenv("DATABASE_DSN", ""),
		PhotosDir:   getenv("PHOTOS_DIR", "photos"),
		TmpDir:      getenv("TMP_DIR", "tmp"),
		PhotoCDN:    getenv("PHOTO_CDN_BASE", ""),
		Minio: MinioConfig{
			Endpoint:  getenv("MINIO_ENDPOINT", ""),
			AccessKey: getenv("MINIO_ACCESS_KEY", ""),
			SecretKey: getenv("MINIO_SECRET_KEY", ""),
			Bucket:    getenv("MINIO_BUCKET", "order-photos"),
			UseSSL:    getbool("MINIO_USE_SSL", false),
		},

		ProductDomain: strings.ToLower(getenv("PRODUCT_DOMAIN", "www.sportmaster.ru")),

		SessionTTL:        getdur("SESSION_TTL", 24*time.Hour),
		AnalyticsInterval: getdur("ANALYTICS_INTERVAL", 5*time.Minute),
		NotifyConcurrency: getint("NOTIFY_CONCURRENCY", 8),

		HTTPAddr:          getenv("HTTP_ADDR", ":9000"),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),
		AdminAPIToken:     getenv("ADMIN_API_TOKEN", ""),
		RateRPS:           getfloat("RATE_RPS", 5.0),
		RateBurst:         getint("RATE_BURST", 10),
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},

		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-sourcing-bot"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	admins, err := parseIDs(getenv("ADMINS", ""))
	if err != nil {
		return cfg, errors.New("ADMINS must be a comma-separated list of numeric ids")
	}
	cfg.Admins = admins

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	cfg.ProductDomain = strings.TrimSuffix(strings.TrimSpace(cfg.ProductDomain), ".")

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return cfg, errors.New("BOT_TOKEN must not be empty")
	}
	if cfg.Telegram.Timeout <= 0 {
		return cfg, errors.New("TELEGRAM_TIMEOUT must be > 0")
	}
	if cfg.Telegram.RPS <= 0 {
		return cfg, errors.New("TELEGRAM_RPS must be > 0")
	}
	if cfg.Telegram.MaxRetries < 1 {
		return cfg, errors.New("TELEGRAM_MAX_RETRIES must be >= 1")
	}
	switch cfg.DBDriver {
	case "sqlite":
		if strings.TrimSpace(cfg.DBPath) == "" {
			return cfg, errors.New("DB_PATH must not be empty")
		}
	case "postgres":
		if strings.TrimSpace(cfg.DatabaseDSN) == "" {
			return cfg, errors.New("DATABASE_DSN must be set when DB_DRIVER=postgres")
		}
	default:
		return cfg, errors.New("DB_DRIVER must be one of: sqlite, postgres")
	}
	if strings.TrimSpace(cfg.PhotosDir) == "" || strings.TrimSpace(cfg.TmpDir) == "" {
		return cfg, errors.New("PHOTOS_DIR and TMP_DIR must not be empty")
	}
	if cfg.ProductDomain == "" {
		return cfg, errors.New("PRODUCT_DOMAIN must not be empty")
	}
	if cfg.Minio.Enabled() && strings.TrimSpace(cfg.Minio.Bucket) == "" {
		return cfg, errors.New("MINIO_BUCKET must not be empty when MINIO_ENDPOINT is set")
	}
	if cfg.SessionTTL <= 0 || cfg.AnalyticsInterval <= 0 || cfg.ReadHeaderTimeout <= 0 {
		return cfg, errors.New("durations must be positive")
	}
	if cfg.NotifyConcurrency < 1 {
		return cfg, errors.New("NOTIFY_CONCURRENCY must be >= 1")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
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

// parseIDs converts a CSV of numeric platform ids, skipping blanks.
func parseIDs(s string) ([]int64, error) {
	parts := splitCSV(s)
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}
