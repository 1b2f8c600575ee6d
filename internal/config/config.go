package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Identity provider
	Auth0ClientID     string
	Auth0ClientSecret string
	Auth0Domain       string
	Auth0Audience     string
	Auth0Scope        string

	// Session
	SessionSecret string
	SessionMaxAge int

	// Backend
	BackendURL     string
	BackendTimeout time.Duration // 0はタイムアウトなし

	// Route guard
	ProtectedPaths []string

	// Conversion
	RateLimitConvert int   // 1ユーザーあたりの変換回数/分
	MaxUploadSize    int64 // バイト

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
// シークレットは<NAME>_FILEで指定したファイルからも読み込める（LookupSecret参照）。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.Auth0ClientID = os.Getenv("AUTH0_CLIENT_ID")
	if cfg.Auth0ClientID == "" {
		missing = append(missing, "AUTH0_CLIENT_ID")
	}

	var ok bool
	cfg.Auth0ClientSecret, ok = LookupSecret("AUTH0_CLIENT_SECRET")
	if !ok {
		missing = append(missing, "AUTH0_CLIENT_SECRET")
	}

	cfg.Auth0Domain = os.Getenv("AUTH0_DOMAIN")
	if cfg.Auth0Domain == "" {
		missing = append(missing, "AUTH0_DOMAIN")
	}

	cfg.SessionSecret, ok = LookupSecret("SESSION_SECRET")
	if !ok {
		missing = append(missing, "SESSION_SECRET")
	}

	cfg.BackendURL, ok = LookupSecret("BACKEND_URL")
	if !ok {
		missing = append(missing, "BACKEND_URL")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.BackendURL = strings.TrimRight(cfg.BackendURL, "/")

	// Optional fields with defaults
	cfg.Auth0Audience = getEnvString("AUTH0_AUDIENCE", "https://file-conversion-api/")
	cfg.Auth0Scope = getEnvString("AUTH0_SCOPE", "openid profile email")
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 30*24*60*60)
	cfg.BackendTimeout = getEnvDuration("BACKEND_TIMEOUT", 0)
	cfg.ProtectedPaths = getEnvList("PROTECTED_PATHS", []string{"/user-info"})
	cfg.RateLimitConvert = getEnvInt("RATE_LIMIT_CONVERT", 30)
	cfg.MaxUploadSize = getEnvInt64("MAX_UPLOAD_SIZE", 10<<20)
	cfg.ServerPort = getEnvString("SERVER_PORT", "3000")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")

	return cfg, nil
}

// RedirectURL はIdPからのコールバックURLを返す。
func (c *Config) RedirectURL() string {
	return c.BaseURL + "/api/auth/callback/auth0"
}

// IssuerURL はIdPのissuer URLを返す。
// AUTH0_DOMAINにスキームが含まれない場合はhttpsを補う。
func (c *Config) IssuerURL() string {
	domain := strings.TrimRight(c.Auth0Domain, "/")
	if strings.HasPrefix(domain, "http://") || strings.HasPrefix(domain, "https://") {
		return domain + "/"
	}
	return "https://" + domain + "/"
}

// LookupSecret はシークレット値を次の順序で解決する。
//
//  1. 環境変数 name の値
//  2. 環境変数 name+"_FILE" が指すファイルの内容（前後の空白を除去）
//  3. 未設定
//
// ファイルの読み込みエラーは未設定として扱い、エラーにはしない。
func LookupSecret(name string) (string, bool) {
	if v := os.Getenv(name); v != "" {
		return v, true
	}
	return ReadSecretFile(os.Getenv(name + "_FILE"))
}

// ReadSecretFile はpathのファイル内容を読み込む。
// pathが空、読み込み失敗、内容が空の場合は未設定として("", false)を返す。
func ReadSecretFile(path string) (string, bool) {
	if path == "" {
		return "", false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	v := strings.TrimSpace(string(data))
	if v == "" {
		return "", false
	}
	return v, true
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

// getEnvList はカンマ区切りの環境変数をスライスとして読み込む。
// 空要素は除外する。
func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
