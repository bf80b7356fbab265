package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Server
	ServerPort string
	BaseURL    string
	Domain     string

	// Keys
	KeyEncryptionIdentity string
	RSAKeyBits            int

	// Remote fetch
	FetchTimeout         time.Duration
	FetchMaxSize         int64
	ActorCacheSize       int
	ActorCacheTTL        time.Duration
	ActorRefreshAfter    time.Duration
	ActorRefreshInterval time.Duration

	// Delivery
	DeliveryTimeout       time.Duration
	DeliveryMaxConcurrent int
	DeliveryRetryInterval time.Duration
	DeliveryMaxAttempts   int

	// Inbox
	SignatureMaxSkew               time.Duration
	AutoAcceptFollows              bool
	StrictInboxProcessing          bool
	ProcessedActivityRetentionDays int

	// Worker
	WorkerMetricsPort string

	// Rate Limit
	RateLimitInbox    int
	TrustProxyHeaders bool

	// CORS
	CORSAllowedOrigin string

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.BaseURL = strings.TrimRight(os.Getenv("BASE_URL"), "/")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	cfg.KeyEncryptionIdentity = os.Getenv("KEY_ENCRYPTION_IDENTITY")
	if cfg.KeyEncryptionIdentity == "" {
		missing = append(missing, "KEY_ENCRYPTION_IDENTITY")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("BASE_URL is not a valid absolute URL: %q", cfg.BaseURL)
	}
	cfg.Domain = strings.ToLower(parsed.Host)

	// Optional fields with defaults
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.RSAKeyBits = getEnvInt("RSA_KEY_BITS", 2048)
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 10*time.Second)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 1048576)
	cfg.ActorCacheSize = getEnvInt("ACTOR_CACHE_SIZE", 1024)
	cfg.ActorCacheTTL = getEnvDuration("ACTOR_CACHE_TTL", 10*time.Minute)
	cfg.ActorRefreshAfter = getEnvDuration("ACTOR_REFRESH_AFTER", 24*time.Hour)
	cfg.ActorRefreshInterval = getEnvDuration("ACTOR_REFRESH_INTERVAL", 30*time.Minute)
	cfg.DeliveryTimeout = getEnvDuration("DELIVERY_TIMEOUT", 10*time.Second)
	cfg.DeliveryMaxConcurrent = getEnvInt("DELIVERY_MAX_CONCURRENT", 8)
	cfg.DeliveryRetryInterval = getEnvDuration("DELIVERY_RETRY_INTERVAL", time.Minute)
	cfg.DeliveryMaxAttempts = getEnvInt("DELIVERY_MAX_ATTEMPTS", 8)
	cfg.SignatureMaxSkew = getEnvDuration("SIGNATURE_MAX_SKEW", 12*time.Hour)
	cfg.AutoAcceptFollows = getEnvBool("AUTO_ACCEPT_FOLLOWS", true)
	cfg.StrictInboxProcessing = getEnvBool("STRICT_INBOX_PROCESSING", false)
	cfg.ProcessedActivityRetentionDays = getEnvInt("PROCESSED_ACTIVITY_RETENTION_DAYS", 30)
	cfg.WorkerMetricsPort = getEnvString("WORKER_METRICS_PORT", "")
	cfg.RateLimitInbox = getEnvInt("RATE_LIMIT_INBOX", 300)
	cfg.TrustProxyHeaders = getEnvBool("TRUST_PROXY_HEADERS", false)
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "*")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}
