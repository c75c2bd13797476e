package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// トークンストアの種類
const (
	TokenStoreCookie   = "cookie"
	TokenStorePostgres = "postgres"
)

// DefaultAtlasOrigin はAtlasの埋め込みページのデフォルトオリジン。
const DefaultAtlasOrigin = "https://atlas.appweb.space"

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Local REST API
	APIBaseURL string
	APITimeout time.Duration

	// Atlas
	AtlasOrigin    string
	AtlasAPIURL    string
	AtlasProjectID string
	AtlasTimeout   time.Duration

	// Token store
	TokenStore       string
	DatabaseURL      string
	ClientStorageTTL time.Duration
	CleanupInterval  time.Duration

	// Route guard
	RequiredRole string

	// Rate Limit（リクエスト数/分）
	RateLimitGeneral int
	RateLimitBridge  int

	// Logging
	LogLevel string

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string
}

// Load は環境変数からConfigを読み込む。
// ENV_FILEが指定されている場合は先にそのファイルを読み込む（既存の環境変数は上書きしない）。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.APIBaseURL = os.Getenv("API_BASE_URL")
	if cfg.APIBaseURL == "" {
		missing = append(missing, "API_BASE_URL")
	}

	cfg.AtlasProjectID = os.Getenv("ATLAS_PROJECT_ID")
	if cfg.AtlasProjectID == "" {
		missing = append(missing, "ATLAS_PROJECT_ID")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	cfg.TokenStore = strings.ToLower(getEnvString("TOKEN_STORE", TokenStoreCookie))
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.TokenStore == TokenStorePostgres && cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if cfg.TokenStore != TokenStoreCookie && cfg.TokenStore != TokenStorePostgres {
		return nil, fmt.Errorf("unsupported TOKEN_STORE: %q (want %q or %q)", cfg.TokenStore, TokenStoreCookie, TokenStorePostgres)
	}

	// Optional fields with defaults
	cfg.APITimeout = getEnvDuration("API_TIMEOUT", 0)
	cfg.AtlasOrigin = strings.TrimRight(getEnvString("ATLAS_ORIGIN", DefaultAtlasOrigin), "/")
	cfg.AtlasAPIURL = getEnvString("ATLAS_API_URL", cfg.AtlasOrigin+"/api")
	cfg.AtlasTimeout = getEnvDuration("ATLAS_TIMEOUT", 10*time.Second)
	cfg.ClientStorageTTL = getEnvDuration("CLIENT_STORAGE_TTL", 720*time.Hour)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", time.Hour)
	cfg.RequiredRole = getEnvString("REQUIRED_ROLE", "")
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitBridge = getEnvInt("RATE_LIMIT_BRIDGE", 30)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")

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
