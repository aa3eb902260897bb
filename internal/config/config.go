package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Backend
	APIBaseURL  string
	HTTPTimeout time.Duration
	RateLimit   float64 // クライアント側のリクエスト上限（req/sec）
	HTTPRetries int     // GETの一時的な障害に対する再試行回数

	// Token Store
	DataDir string

	// OAuth
	GoogleClientID    string
	GoogleRedirectURL string
	LineStrictState   bool

	// Callback
	CallbackAddr    string
	CallbackScheme  string
	CallbackTimeout time.Duration

	// Logging
	LogLevel string
	LogFile  string // 空の場合は標準エラーに出力する
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込む（既存の環境変数は上書きしない）。
func Load() (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	}

	cfg := &Config{}

	cfg.APIBaseURL = strings.TrimRight(getEnvString("CHATSHARE_API_BASE_URL", "http://localhost:8080/api/v1"), "/")
	if !strings.HasPrefix(cfg.APIBaseURL, "http://") && !strings.HasPrefix(cfg.APIBaseURL, "https://") {
		return nil, fmt.Errorf("CHATSHARE_API_BASE_URL must start with http:// or https://: %q", cfg.APIBaseURL)
	}

	cfg.HTTPTimeout = getEnvDuration("CHATSHARE_HTTP_TIMEOUT", 10*time.Second)
	cfg.RateLimit = getEnvFloat("CHATSHARE_RATE_LIMIT_RPS", 5)
	cfg.HTTPRetries = getEnvInt("CHATSHARE_HTTP_RETRIES", 2)

	dataDir, err := defaultDataDir()
	if err != nil {
		return nil, err
	}
	cfg.DataDir = getEnvString("CHATSHARE_DATA_DIR", dataDir)

	cfg.CallbackAddr = getEnvString("CHATSHARE_CALLBACK_ADDR", "127.0.0.1:8765")
	cfg.CallbackScheme = getEnvString("CHATSHARE_CALLBACK_SCHEME", "chatshare")
	cfg.CallbackTimeout = getEnvDuration("CHATSHARE_CALLBACK_TIMEOUT", 5*time.Minute)

	// Google Client IDは任意。未設定の場合はGoogleログイン時にConfigurationErrorとなる。
	cfg.GoogleClientID = os.Getenv("GOOGLE_CLIENT_ID")
	cfg.GoogleRedirectURL = getEnvString("GOOGLE_REDIRECT_URL", "http://"+cfg.CallbackAddr+"/auth/google/callback")
	cfg.LineStrictState = getEnvBool("CHATSHARE_LINE_STRICT_STATE", true)

	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.LogFile = getEnvString("CHATSHARE_LOG_FILE", filepath.Join(cfg.DataDir, "chatshare.log"))
	if cfg.LogFile == "-" {
		cfg.LogFile = ""
	}

	return cfg, nil
}

// GoogleConfigured はGoogleログインに必要な設定が揃っているかを返す。
func (c *Config) GoogleConfigured() bool {
	return c.GoogleClientID != ""
}

func defaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".chatshare"), nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return defaultVal
	}
	return f
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
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
