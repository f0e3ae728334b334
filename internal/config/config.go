package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Postgres struct {
	User     string
	Password string
	DBName   string
	Host     string
	Port     string
	SSLMode  string
}

type Config struct {
	Port             string
	LogLevel         string
	LogFormat        string
	DatabaseURL      string
	Postgres         Postgres
	DispatchInterval time.Duration
	DispatchBatch    int
	MaxRetries       int
	Workers          int
	RedisURL         string
	RedisChannel     string
}

// Load reads an optional .env file and then the process environment.
func Load() Config {
	_ = godotenv.Load()
	return Config{
		Port:        getenv("PORT", "8080"),
		LogLevel:    getenv("LOG_LEVEL", "INFO"),
		LogFormat:   getenv("LOG_FORMAT", "text"),
		DatabaseURL: getenv("DATABASE_URL", ""),
		Postgres: Postgres{
			User:     getenv("DB_USERNAME", ""),
			Password: getenv("DB_PASSWORD", ""),
			DBName:   getenv("DB_NAME", ""),
			Host:     getenv("DB_HOST", ""),
			Port:     getenv("DB_PORT", "5432"),
			SSLMode:  getenv("DB_SSLMODE", "disable"),
		},
		DispatchInterval: getenvDuration("DISPATCH_INTERVAL", 2*time.Second),
		DispatchBatch:    getenvInt("DISPATCH_BATCH", 100),
		MaxRetries:       getenvInt("MAX_RETRIES", 3),
		Workers:          getenvInt("WORKERS", 0),
		RedisURL:         getenv("REDIS_URL", ""),
		RedisChannel:     getenv("REDIS_CHANNEL", "campaignflow:events"),
	}
}

// DSN returns DATABASE_URL, or a connection string built from the DB_* vars.
// It is empty when neither is configured.
func (c Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	p := c.Postgres
	if p.User == "" || p.Host == "" || p.DBName == "" {
		return ""
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.DBName, p.SSLMode)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
