package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds client configuration for the real-time sync layer.
type Config struct {
	Env      string
	LogLevel string

	// Realtime endpoints.
	WebSocketURL     string
	SSEURL           string
	SubscribeURL     string
	PollURL          string
	SyncBaseURL      string
	AuthToken        string
	WebSocketTimeout time.Duration
	SSETimeout       time.Duration
	PollInterval     time.Duration

	// Offline queue.
	QueueBackend      string // memory | bolt | redis | postgres
	BoltPath          string
	RedisAddr         string
	RedisPassword     string
	RedisTLS          bool
	DatabaseURL       string
	MaxReplayAttempts int

	// Ops endpoint for syncmon.
	MetricsAddr string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		WebSocketURL:     getEnv("REALTIME_WS_URL", "wss://localhost:8443/realtime/ws"),
		SSEURL:           getEnv("REALTIME_SSE_URL", "https://localhost:8443/realtime/events"),
		SubscribeURL:     getEnv("REALTIME_SUBSCRIBE_URL", "https://localhost:8443/realtime/subscriptions"),
		PollURL:          getEnv("REALTIME_POLL_URL", "https://localhost:8443/realtime/poll"),
		SyncBaseURL:      getEnv("SYNC_BASE_URL", "https://localhost:8443"),
		AuthToken:        getEnv("PORTAL_AUTH_TOKEN", ""),
		WebSocketTimeout: getEnvAsDuration("REALTIME_WS_TIMEOUT", 3*time.Second),
		SSETimeout:       getEnvAsDuration("REALTIME_SSE_TIMEOUT", 5*time.Second),
		PollInterval:     getEnvAsDuration("REALTIME_POLL_INTERVAL", 10*time.Second),

		QueueBackend:      strings.ToLower(strings.TrimSpace(getEnv("OFFLINE_QUEUE_BACKEND", "memory"))),
		BoltPath:          getEnv("OFFLINE_QUEUE_BOLT_PATH", "portal-offline.db"),
		RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		RedisTLS:          getEnvAsBool("REDIS_TLS", false),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		MaxReplayAttempts: getEnvAsInt("OFFLINE_MAX_REPLAY_ATTEMPTS", 5),

		MetricsAddr: getEnv("METRICS_ADDR", ":9464"),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
