package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Subscribe rate limit（スライディングウィンドウ）
	SubscribeRateLimit  int
	SubscribeRateWindow time.Duration

	// General rate limit（req/min/IP）
	RateLimitGeneral int

	// Redis（設定時は購読レート制限をプロセス間で共有する）
	RedisURL string

	// Admin
	AdminAPIToken string

	// Purge worker
	PendingRetentionDays int
	PurgeInterval        time.Duration

	// Server
	ServerPort string

	// Logging
	LogLevel string

	// CORS
	CORSAllowedOrigins []string
}

// LoadDotEnv は指定された.envファイルを環境変数に読み込む。
// ファイルが存在しない場合は何もしない。既存の環境変数は上書きしない。
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
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

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.SubscribeRateLimit = getEnvInt("SUBSCRIBE_RATE_LIMIT", 5)
	cfg.SubscribeRateWindow = getEnvDuration("SUBSCRIBE_RATE_WINDOW", time.Hour)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RedisURL = getEnvString("REDIS_URL", "")
	cfg.AdminAPIToken = getEnvString("ADMIN_API_TOKEN", "")
	cfg.PendingRetentionDays = getEnvInt("PENDING_RETENTION_DAYS", 30)
	cfg.PurgeInterval = getEnvDuration("PURGE_INTERVAL", 24*time.Hour)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.CORSAllowedOrigins = getEnvList("CORS_ORIGIN", []string{"http://localhost:3000"})

	if cfg.SubscribeRateLimit <= 0 {
		return nil, fmt.Errorf("SUBSCRIBE_RATE_LIMIT must be positive: %d", cfg.SubscribeRateLimit)
	}
	if cfg.SubscribeRateWindow <= 0 {
		return nil, fmt.Errorf("SUBSCRIBE_RATE_WINDOW must be positive: %s", cfg.SubscribeRateWindow)
	}
	if cfg.RateLimitGeneral <= 0 {
		return nil, fmt.Errorf("RATE_LIMIT_GENERAL must be positive: %d", cfg.RateLimitGeneral)
	}
	if cfg.PurgeInterval <= 0 {
		return nil, fmt.Errorf("PURGE_INTERVAL must be positive: %s", cfg.PurgeInterval)
	}

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

// getEnvList はカンマ区切りの環境変数をスライスとして返す。空要素は除外する。
func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
