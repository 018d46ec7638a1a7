package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/clothman/internal/model"
	"github.com/joho/godotenv"
)

// JWTSecretの最小長（バイト）。HS256の鍵として短すぎる値を拒否する。
const minJWTSecretLength = 32

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL    string
	DBMaxOpenConns int

	// Token
	JWTSecret       string
	SessionTokenTTL time.Duration
	ResetTokenTTL   time.Duration

	// Password
	BcryptCost int

	// Account policy
	EnforceSingleAdmin           bool
	RevokeTokensOnPasswordChange bool
	FallbackOwnerRoles           []model.Role

	// Rate Limit（1分あたりのリクエスト数）
	RateLimitGeneral int
	RateLimitAuth    int
	TrustProxy       bool

	// Mail
	SendGridAPIKey string
	MailFrom       string
	ResetURLBase   string

	// Initial admin（create-adminコマンド用）
	AdminUsername string
	AdminFullName string
	AdminEmail    string
	AdminPassword string

	// Logging
	LogLevel string

	// Server
	ServerPort string

	// CORS
	CORSAllowedOrigin string
}

// Load は.envファイル（存在する場合）を読み込んだ後、環境変数からConfigを読み込む。
// .envのパスはENV_FILEで変更できる。既に設定済みの環境変数は上書きしない。
func Load() (*Config, error) {
	if err := loadDotEnv(getEnvString("ENV_FILE", ".env")); err != nil {
		return nil, err
	}
	return FromEnv()
}

// FromEnv は環境変数のみからConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func FromEnv() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if len(cfg.JWTSecret) < minJWTSecretLength {
		return nil, fmt.Errorf("JWT_SECRET must be at least %d bytes", minJWTSecretLength)
	}

	// Optional fields with defaults
	cfg.DBMaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 10)
	cfg.SessionTokenTTL = getEnvDuration("SESSION_TOKEN_TTL", 24*time.Hour)
	cfg.ResetTokenTTL = getEnvDuration("RESET_TOKEN_TTL", time.Hour)
	cfg.BcryptCost = getEnvInt("BCRYPT_COST", 10)
	cfg.EnforceSingleAdmin = getEnvBool("ENFORCE_SINGLE_ADMIN", false)
	cfg.RevokeTokensOnPasswordChange = getEnvBool("REVOKE_TOKENS_ON_PASSWORD_CHANGE", true)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitAuth = getEnvInt("RATE_LIMIT_AUTH", 10)
	cfg.TrustProxy = getEnvBool("TRUST_PROXY", false)
	cfg.SendGridAPIKey = getEnvString("SENDGRID_API_KEY", "")
	cfg.MailFrom = getEnvString("MAIL_FROM", "")
	cfg.ResetURLBase = getEnvString("RESET_URL_BASE", "http://localhost:3000/reset-password")
	cfg.AdminUsername = getEnvString("ADMIN_USERNAME", "admin")
	cfg.AdminFullName = getEnvString("ADMIN_FULL_NAME", "System Admin")
	cfg.AdminEmail = getEnvString("ADMIN_EMAIL", "admin@example.com")
	cfg.AdminPassword = getEnvString("ADMIN_PASSWORD", "Admin@123")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	roles, err := parseRoles(getEnvString("FALLBACK_OWNER_ROLES", "STORE_MANAGER,ADMIN"))
	if err != nil {
		return nil, fmt.Errorf("invalid FALLBACK_OWNER_ROLES: %w", err)
	}
	cfg.FallbackOwnerRoles = roles

	if cfg.SendGridAPIKey != "" && cfg.MailFrom == "" {
		return nil, errors.New("MAIL_FROM is required when SENDGRID_API_KEY is set")
	}

	return cfg, nil
}

// loadDotEnv は.envファイルを読み込む。ファイルが存在しない場合は何もしない。
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// parseRoles はカンマ区切りのロール一覧を優先順位順に解析する。
func parseRoles(s string) ([]model.Role, error) {
	var roles []model.Role
	for _, part := range strings.Split(s, ",") {
		r := model.Role(strings.ToUpper(strings.TrimSpace(part)))
		if r == "" {
			continue
		}
		if !r.Valid() {
			return nil, fmt.Errorf("unknown role %q", r)
		}
		roles = append(roles, r)
	}
	if len(roles) == 0 {
		return nil, errors.New("at least one role is required")
	}
	return roles, nil
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
