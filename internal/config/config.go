package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	// データベース接続設定
	DBDriver   string
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBPath     string

	// サーバー設定
	ServerPort string
	Env        string

	// CORS設定
	AllowedOrigins []string

	// WebSocket設定
	WSWriteTimeout    time.Duration
	WSPongWait        time.Duration
	WSMaxMessageBytes int64

	MaxMessageLength int
}

// Load loads configuration from environment variables
func Load() Config {
	cfg := Config{
		DBDriver:          getEnv("DB_DRIVER", "mysql"),
		DBHost:            getEnv("DB_HOST", "localhost"),
		DBPort:            getEnv("DB_PORT", "3306"),
		DBUser:            os.Getenv("DB_USER"),
		DBPassword:        os.Getenv("DB_PASSWORD"),
		DBName:            os.Getenv("DB_NAME"),
		DBPath:            getEnv("DB_PATH", "myroommate.db"),
		ServerPort:        getEnv("SERVER_PORT", "8080"),
		Env:               getEnv("ENV", "development"),
		AllowedOrigins:    strings.Split(getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://127.0.0.1:3000"), ","),
		WSWriteTimeout:    getDuration("WS_WRITE_TIMEOUT", 10*time.Second),
		WSPongWait:        getDuration("WS_PONG_WAIT", 35*time.Second),
		WSMaxMessageBytes: int64(getInt("WS_MAX_MESSAGE_BYTES", 8192)),
		MaxMessageLength:  getInt("MAX_MESSAGE_LENGTH", 2000),
	}

	for i := range cfg.AllowedOrigins {
		cfg.AllowedOrigins[i] = strings.TrimSpace(cfg.AllowedOrigins[i])
	}

	return cfg
}

// Default returns the configuration used when no environment is present.
func Default() Config {
	return Config{
		DBDriver:          "sqlite3",
		DBPath:            ":memory:",
		ServerPort:        "8080",
		Env:               "test",
		AllowedOrigins:    []string{"http://localhost:3000", "http://127.0.0.1:3000"},
		WSWriteTimeout:    10 * time.Second,
		WSPongWait:        35 * time.Second,
		WSMaxMessageBytes: 8192,
		MaxMessageLength:  2000,
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
