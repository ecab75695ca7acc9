package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	HTTPAddr string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	// StripeWebhookSecret is the shared secret used to verify inbound
	// webhook signatures.
	StripeWebhookSecret string
	// StripeAPIKey authorizes resource lookups against the processor's API.
	StripeAPIKey string

	// RedisAddr enables the webhook rate limiter when set. Empty disables
	// rate limiting entirely.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Ledger  LedgerConfig
	Sweeper SweeperConfig
}

// LedgerConfig controls token accounting behavior.
type LedgerConfig struct {
	// TokenRatio is the number of raw LLM tokens per billing token.
	// Conversions always round up.
	TokenRatio int64
	// SafetyFactor is applied to pre-operation estimates only, never to
	// commit-time actuals.
	SafetyFactor float64
	// AllowNegativeBalance lets reserve succeed past the available balance.
	AllowNegativeBalance bool
	// ReservationTTL is how long a reservation stays reservable before the
	// sweeper may expire it.
	ReservationTTL time.Duration
}

// SweeperConfig controls the reservation expiry job.
type SweeperConfig struct {
	RunInterval time.Duration
	BatchSize   int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:             getenv("APP_SERVICE", "tokenledger"),
		AppVersion:          getenv("APP_VERSION", "0.1.0"),
		Environment:         getenv("ENVIRONMENT", "development"),
		HTTPAddr:            getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint:        getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:              getenv("DATABASE_TYPE", "postgres"),
		DBHost:              getenv("DATABASE_HOST", "localhost"),
		DBPort:              getenv("DATABASE_PORT", "5432"),
		DBName:              getenv("DATABASE_NAME", "postgres"),
		DBUser:              getenv("DATABASE_USER", "postgres"),
		DBPassword:          getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:           getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:       getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:       getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime:   getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),
		DBConnMaxIdleTime:   getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 600),
		StripeWebhookSecret: strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),
		StripeAPIKey:        strings.TrimSpace(getenv("STRIPE_API_KEY", "")),
		RedisAddr:           strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword:       getenv("REDIS_PASSWORD", ""),
		RedisDB:             getenvInt("REDIS_DB", 0),
		Ledger: LedgerConfig{
			TokenRatio:           getenvInt64("LEDGER_TOKEN_RATIO", 1000),
			SafetyFactor:         getenvFloat("LEDGER_SAFETY_FACTOR", 1.2),
			AllowNegativeBalance: getenvBool("LEDGER_ALLOW_NEGATIVE_BALANCE", false),
			ReservationTTL:       getenvDuration("LEDGER_RESERVATION_TTL", 30*time.Minute),
		},
		Sweeper: SweeperConfig{
			RunInterval: getenvDuration("SWEEPER_RUN_INTERVAL", time.Minute),
			BatchSize:   getenvInt("SWEEPER_BATCH_SIZE", 100),
		},
	}

	return cfg
}

func getenv(key, def string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
