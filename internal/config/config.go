package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	DBType        string
	DBHost        string
	DBPort        string
	DBName        string
	DBUser        string
	DBPassword    string
	DBSSLMode     string
	TokenDBName   string
	TokenDBHost   string
	TokenDBPort   string
	TokenDBUser   string
	TokenDBPass   string
	TokenDBSSL    string
	DBMaxIdleConn int
	DBMaxOpenConn int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	QueueDriver       string
	AuthQueueName     string
	VoidQueueName     string
	VisibilityTimeout time.Duration
	MaxReceiveCount   int

	MaxRetries          int
	LockTTL             time.Duration
	LockCleanupInterval time.Duration
	FastPathWait        time.Duration
	ProcessorTimeout    time.Duration
	WorkerConcurrency   int

	OutboxInterval  time.Duration
	OutboxBatchSize int

	TokenTTL             time.Duration
	CurrentKeyVersion    int
	ServiceKeys          map[int]string
	PrimaryEncryptionKey string
	BaseDerivationKey    string
	ServiceAuthSecret    string
	TokenStoreURL        string

	StrictInvalidRequest bool

	RateLimitPerSecond float64
	RateLimitBurst     int

	OTLPEndpoint string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "payauth"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		DBType:        getenv("DATABASE_TYPE", "postgres"),
		DBHost:        getenv("DATABASE_HOST", "localhost"),
		DBPort:        getenv("DATABASE_PORT", "5432"),
		DBName:        getenv("DATABASE_NAME", "payments"),
		DBUser:        getenv("DATABASE_USER", "postgres"),
		DBPassword:    getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:     getenv("DATABASE_SSLMODE", "disable"),
		TokenDBName:   getenv("TOKEN_DATABASE_NAME", "payment_tokens"),
		TokenDBHost:   getenv("TOKEN_DATABASE_HOST", getenv("DATABASE_HOST", "localhost")),
		TokenDBPort:   getenv("TOKEN_DATABASE_PORT", getenv("DATABASE_PORT", "5432")),
		TokenDBUser:   getenv("TOKEN_DATABASE_USER", getenv("DATABASE_USER", "postgres")),
		TokenDBPass:   getenv("TOKEN_DATABASE_PASSWORD", getenv("DATABASE_PASSWORD", "")),
		TokenDBSSL:    getenv("TOKEN_DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn: getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn: getenvInt("DATABASE_MAX_OPEN_CONN", 50),

		RedisAddr:     getenv("REDIS_ADDR", ""),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		QueueDriver:       getenv("QUEUE_DRIVER", "memory"),
		AuthQueueName:     getenv("AUTH_QUEUE_NAME", "payment-auth-requests.fifo"),
		VoidQueueName:     getenv("VOID_QUEUE_NAME", "payment-void-requests"),
		VisibilityTimeout: getenvDuration("QUEUE_VISIBILITY_TIMEOUT_MS", 45*time.Second),
		MaxReceiveCount:   getenvInt("QUEUE_MAX_RECEIVE_COUNT", 8),

		MaxRetries:          getenvInt("MAX_RETRIES", 5),
		LockTTL:             getenvSeconds("LOCK_TTL_SECONDS", 30*time.Second),
		LockCleanupInterval: getenvSeconds("LOCK_CLEANUP_INTERVAL_SECONDS", 30*time.Second),
		FastPathWait:        getenvDuration("FAST_PATH_WAIT_MS", 5*time.Second),
		ProcessorTimeout:    getenvDuration("PROCESSOR_TIMEOUT_MS", 10*time.Second),
		WorkerConcurrency:   getenvInt("WORKER_CONCURRENCY", 4),

		OutboxInterval:  getenvDuration("OUTBOX_INTERVAL_MS", 500*time.Millisecond),
		OutboxBatchSize: getenvInt("OUTBOX_BATCH_SIZE", 50),

		TokenTTL:             time.Duration(getenvInt("TOKEN_TTL_HOURS", 24)) * time.Hour,
		CurrentKeyVersion:    getenvInt("CURRENT_KEY_VERSION", 1),
		ServiceKeys:          parseKeyVersions(os.Getenv("SERVICE_ENCRYPTION_KEYS")),
		PrimaryEncryptionKey: strings.TrimSpace(getenv("PRIMARY_ENCRYPTION_KEY", "")),
		BaseDerivationKey:    strings.TrimSpace(getenv("BASE_DERIVATION_KEY", "")),
		ServiceAuthSecret:    strings.TrimSpace(getenv("SERVICE_AUTH_SECRET", "")),
		TokenStoreURL:        strings.TrimSpace(getenv("TOKEN_STORE_URL", "")),

		StrictInvalidRequest: getenvBool("PROCESSOR_STRICT_INVALID_REQUEST", false),

		RateLimitPerSecond: getenvFloat("RATE_LIMIT_PER_SECOND", 0),
		RateLimitBurst:     getenvInt("RATE_LIMIT_BURST", 20),

		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),
	}

	return cfg
}

var Module = fx.Module("config", fx.Provide(Load))

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

// parseKeyVersions parses "1:<hex>,2:<hex>" into a version keyed map.
func parseKeyVersions(raw string) map[int]string {
	out := map[int]string{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 {
			continue
		}
		version, err := strconv.Atoi(strings.TrimSpace(kv[0]))
		if err != nil {
			continue
		}
		out[version] = strings.TrimSpace(kv[1])
	}
	return out
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
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

func getenvDuration(key string, def time.Duration) time.Duration {
	ms := getenvInt(key, 0)
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func getenvSeconds(key string, def time.Duration) time.Duration {
	s := getenvInt(key, 0)
	if s <= 0 {
		return def
	}
	return time.Duration(s) * time.Second
}
