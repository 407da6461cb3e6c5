package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	ServiceName    = "zonecore"
	ServiceVersion = "0.1.0"
)

// Storage backend names accepted in STORAGE_BACKEND.
const (
	BackendMemory = "memory"
	BackendMySQL  = "mysql"
	BackendRedis  = "redis"
)

// Invalidation bus names accepted in INVALIDATION_BUS.
const (
	BusChannel = "channel"
	BusRedis   = "redis"
)

// Config holds everything that changes between environments. Component
// defaults here mirror the defaults of the packages they configure.
type Config struct {
	HTTPAddr string
	NodeID   string

	StorageBackend string
	MySQLDSN       string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int

	InvalidationBus string
	BusBuffer       int

	RateCapacity     int
	RateRefillPerSec float64
	RateIdleTTL      time.Duration

	BreakerThreshold int
	BreakerTimeout   time.Duration

	CacheTTL      time.Duration
	CacheStaleFor time.Duration

	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryJitter      float64

	OpTimeout time.Duration

	// OtelEndpoint enables trace export when non-empty.
	OtelEndpoint   string
	OtelAuthHeader string
}

// Load reads configuration from environment variables, falling back to
// defaults that work against a local stack.
func Load() (Config, error) {
	cfg := Config{}
	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", ":8080")
	cfg.NodeID = os.Getenv("NODE_ID")

	cfg.StorageBackend = getenvDefault("STORAGE_BACKEND", BackendMemory)
	cfg.MySQLDSN = getenvDefault("MYSQL_DSN", "root:root@tcp(localhost:3306)/zonecore?parseTime=true")
	cfg.RedisAddr = getenvDefault("REDIS_ADDR", "localhost:6379")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.RedisDB = getenvIntDefault("REDIS_DB", 0)

	cfg.InvalidationBus = getenvDefault("INVALIDATION_BUS", BusChannel)
	cfg.BusBuffer = getenvIntDefault("BUS_BUFFER", 1024)

	cfg.RateCapacity = getenvIntDefault("RATE_CAPACITY", 100)
	cfg.RateRefillPerSec = getenvFloatDefault("RATE_REFILL_PER_SEC", 10)
	cfg.RateIdleTTL = getenvDurationDefault("RATE_IDLE_TTL", 15*time.Minute)

	cfg.BreakerThreshold = getenvIntDefault("BREAKER_THRESHOLD", 5)
	cfg.BreakerTimeout = getenvDurationDefault("BREAKER_TIMEOUT", 60*time.Second)

	cfg.CacheTTL = getenvDurationDefault("CACHE_TTL", 5*time.Minute)
	cfg.CacheStaleFor = getenvDurationDefault("CACHE_STALE_FOR", 5*time.Minute)

	cfg.RetryMaxAttempts = getenvIntDefault("RETRY_MAX_ATTEMPTS", 5)
	cfg.RetryBaseDelay = getenvDurationDefault("RETRY_BASE_DELAY", 100*time.Millisecond)
	cfg.RetryJitter = getenvFloatDefault("RETRY_JITTER", 0.2)

	cfg.OpTimeout = getenvDurationDefault("OP_TIMEOUT", 5*time.Second)

	cfg.OtelEndpoint = os.Getenv("OTEL_ENDPOINT")
	cfg.OtelAuthHeader = os.Getenv("OTEL_AUTH_HEADER")

	switch cfg.StorageBackend {
	case BackendMemory, BackendMySQL, BackendRedis:
	default:
		return Config{}, fmt.Errorf("unknown STORAGE_BACKEND %q", cfg.StorageBackend)
	}
	switch cfg.InvalidationBus {
	case BusChannel, BusRedis:
	default:
		return Config{}, fmt.Errorf("unknown INVALIDATION_BUS %q", cfg.InvalidationBus)
	}
	if cfg.StorageBackend == BackendMySQL && cfg.MySQLDSN == "" {
		return Config{}, errors.New("MYSQL_DSN is required when STORAGE_BACKEND=mysql")
	}
	if (cfg.StorageBackend == BackendRedis || cfg.InvalidationBus == BusRedis) && cfg.RedisAddr == "" {
		return Config{}, errors.New("REDIS_ADDR is required for the redis backend or bus")
	}
	if cfg.BusBuffer <= 0 {
		return Config{}, errors.New("BUS_BUFFER must be > 0")
	}
	return cfg, nil
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvFloatDefault(k string, def float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getenvDurationDefault(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
