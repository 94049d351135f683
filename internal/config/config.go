package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port               string
	BaseURL            string
	DatabaseURL        string
	RedisURL           string
	LogFile            string
	TokenSecret        string
	TokenIssuer        string
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration
	RevocationWindow   time.Duration
	IdentityCacheTTL   time.Duration
	CodeLength         int
	CodeTTL            time.Duration
	RecoveryRequestTTL time.Duration
	MaxVerifyAttempts  int
	RateLimitWindow    time.Duration
	TrustedDeviceTTL   time.Duration
	PasswordHistoryTTL time.Duration
	JanitorInterval    time.Duration
	BcryptCost         int
	TOTPIssuer         string
	MFARequiredRoles   []string
	AdminIPAllowlist   []string
	TrustedProxies     []string
	CORSOrigins        []string
	Email              EmailConfig
	SMS                SMSConfig
}

type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Secure   bool
}

func (e EmailConfig) Enabled() bool {
	return e.Host != "" && e.Port != 0 && e.From != ""
}

type SMSConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

func (s SMSConfig) Enabled() bool {
	return s.AccountSID != "" && s.AuthToken != "" && s.FromNumber != ""
}

func Load() (Config, error) {
	clean := func(val string) string {
		return strings.Trim(val, "\"' \t\r\n")
	}

	cfg := Config{
		Port:               getenvDefault("PORT", "8080"),
		BaseURL:            getenvDefault("APP_BASE_URL", "http://localhost:3000"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisURL:           getenvDefault("REDIS_URL", "redis://localhost:6379"),
		LogFile:            getenvDefault("LOG_FILE", "logs/server.log"),
		TokenSecret:        clean(os.Getenv("TOKEN_SECRET")),
		TokenIssuer:        getenvDefault("TOKEN_ISSUER", "matricare"),
		AccessTokenTTL:     parseDuration(os.Getenv("ACCESS_TOKEN_TTL"), 15*time.Minute),
		RefreshTokenTTL:    parseDuration(os.Getenv("REFRESH_TOKEN_TTL"), 30*24*time.Hour),
		RevocationWindow:   parseDuration(os.Getenv("REVOCATION_WINDOW"), time.Hour),
		IdentityCacheTTL:   parseDuration(os.Getenv("IDENTITY_CACHE_TTL"), 5*time.Minute),
		CodeLength:         parseInt(os.Getenv("RECOVERY_CODE_LENGTH"), 6),
		CodeTTL:            parseDuration(os.Getenv("RECOVERY_CODE_TTL"), time.Minute),
		RecoveryRequestTTL: parseDuration(os.Getenv("RECOVERY_REQUEST_TTL"), 30*time.Minute),
		MaxVerifyAttempts:  parseInt(os.Getenv("MAX_VERIFY_ATTEMPTS"), 5),
		RateLimitWindow:    parseDuration(os.Getenv("RATE_LIMIT_WINDOW"), 10*time.Minute),
		TrustedDeviceTTL:   parseDuration(os.Getenv("TRUSTED_DEVICE_TTL"), 30*24*time.Hour),
		PasswordHistoryTTL: parseDuration(os.Getenv("PASSWORD_HISTORY_TTL"), 90*24*time.Hour),
		JanitorInterval:    parseDuration(os.Getenv("JANITOR_INTERVAL"), 15*time.Minute),
		BcryptCost:         parseInt(os.Getenv("BCRYPT_COST"), 12),
		TOTPIssuer:         getenvDefault("TOTP_ISSUER", "Matricare"),
		MFARequiredRoles:   parseList(getenvDefault("MFA_REQUIRED_ROLES", "ADMIN,DISPATCHER")),
		AdminIPAllowlist:   parseList(os.Getenv("ADMIN_IP_ALLOWLIST")),
		TrustedProxies:     parseList(os.Getenv("TRUSTED_PROXIES")),
		CORSOrigins:        parseList(getenvDefault("CORS_ORIGINS", "http://localhost:3000")),
	}

	rawPort := strings.Trim(getenvDefault("EMAIL_SERVER_PORT", "587"), "\"' ")
	emailPort, err := strconv.Atoi(rawPort)
	if err != nil {
		emailPort = 587
	}
	cfg.Email = EmailConfig{
		Host:     clean(os.Getenv("EMAIL_SERVER_HOST")),
		Port:     emailPort,
		Username: clean(os.Getenv("EMAIL_SERVER_USER")),
		Password: clean(os.Getenv("EMAIL_SERVER_PASSWORD")),
		From:     clean(os.Getenv("EMAIL_FROM")),
		Secure:   parseBool(os.Getenv("EMAIL_SERVER_SECURE")),
	}

	cfg.SMS = SMSConfig{
		AccountSID: clean(os.Getenv("SMS_ACCOUNT_SID")),
		AuthToken:  clean(os.Getenv("SMS_AUTH_TOKEN")),
		FromNumber: clean(os.Getenv("SMS_FROM_NUMBER")),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.TokenSecret == "" {
		return Config{}, fmt.Errorf("TOKEN_SECRET is required")
	}
	if cfg.CodeLength < 4 || cfg.CodeLength > 10 {
		return Config{}, fmt.Errorf("RECOVERY_CODE_LENGTH must be between 4 and 10")
	}

	return cfg, nil
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func parseBool(val string) bool {
	if val == "" {
		return false
	}
	val = strings.ToLower(strings.Trim(val, "\"' "))
	return val == "1" || val == "true" || val == "yes"
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return def
	}
	return n
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(strings.TrimSpace(val))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func parseList(val string) []string {
	parts := strings.Split(val, ",")
	var out []string
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
