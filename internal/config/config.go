package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/segmentio/ksuid"
)

type Config struct {
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	DBLogLevel string

	RedisURL string

	ServerPort string
	ServerHost string

	// Auth
	JWTSecret      string
	AllowedOrigins []string

	// Collaboration engine
	InactivityTimeout time.Duration
	CleanupInterval   time.Duration
	FlushEvery        int
	PresenceTTL       time.Duration
	CacheTTL          time.Duration
	SendBufferSize    int
	NodeID            string

	// Persistence worker pool
	PersistWorkers   int
	PersistQueueSize int

	// Observability
	JaegerEndpoint    string
	JaegerSampleRatio float64
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "wiki"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),
		DBLogLevel: getEnv("DB_LOG_LEVEL", "warn"),

		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379/0"),

		ServerPort: getEnv("SERVER_PORT", "8080"),
		ServerHost: getEnv("SERVER_HOST", "localhost"),

		JWTSecret:      getEnv("JWT_SECRET", ""),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", []string{"*"}),

		InactivityTimeout: getEnvSeconds("COLLAB_INACTIVITY_TIMEOUT_SECONDS", 300),
		CleanupInterval:   getEnvSeconds("COLLAB_CLEANUP_INTERVAL_SECONDS", 60),
		FlushEvery:        getEnvInt("COLLAB_FLUSH_EVERY", 10),
		PresenceTTL:       getEnvSeconds("COLLAB_PRESENCE_TTL_SECONDS", 300),
		CacheTTL:          getEnvSeconds("COLLAB_CACHE_TTL_SECONDS", 3600),
		SendBufferSize:    getEnvInt("COLLAB_SEND_BUFFER", 256),
		NodeID:            getEnv("NODE_ID", ksuid.New().String()),

		PersistWorkers:   getEnvInt("PERSIST_WORKERS", 4),
		PersistQueueSize: getEnvInt("PERSIST_QUEUE_SIZE", 256),

		JaegerEndpoint:    getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
		JaegerSampleRatio: getEnvFloat("JAEGER_SAMPLE_RATIO", 1.0),
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.FlushEvery <= 0 {
		return nil, fmt.Errorf("COLLAB_FLUSH_EVERY must be positive, got %d", cfg.FlushEvery)
	}
	if cfg.CleanupInterval <= 0 || cfg.InactivityTimeout <= 0 {
		return nil, fmt.Errorf("collaboration timeouts must be positive")
	}

	return cfg, nil
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%s", c.ServerHost, c.ServerPort)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvFloat(key string, defaultValue float64) float64 {
	parsed, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, defaultSeconds)) * time.Second
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
