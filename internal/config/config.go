package config

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr string
	BaseURL    string

	DBDriver          string
	DBDSN             string
	DBPath            string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	BlobDir        string
	MaxUploadBytes int64

	SessionCookieName   string
	SessionIdleMinutes  int
	SessionAbsoluteHour int
	CSRFCookieName      string
	CookieSecure        bool
	TrustProxy          bool
	CORSAllowedOrigins  []string

	// Upload quota ceilings per identity class.
	GuestQuotaWindow       time.Duration
	GuestQuotaMaxRequests  int
	GuestQuotaMaxBytes     int64
	MemberQuotaWindow      time.Duration
	MemberQuotaMaxRequests int
	MemberQuotaMaxBytes    int64
	QuotaSweepInterval     time.Duration
	QuotaBurstRPS          float64
	QuotaBurst             int

	// Request-only limits for auth endpoints.
	AuthRateWindow      time.Duration
	AuthRateMaxRequests int

	CaptchaEnabled   bool
	CaptchaProvider  string
	CaptchaVerifyURL string
	CaptchaSecret    string

	PasswordMinLength int
	PasswordMaxLength int

	SMTPHost   string
	SMTPPort   int
	MailSender string
	MailFrom   string

	HTTPReadTimeoutSec       int
	HTTPReadHeaderTimeoutSec int
	HTTPWriteTimeoutSec      int
	HTTPIdleTimeoutSec       int

	BootstrapAdminEmail    string
	BootstrapAdminPassword string
}

func Load() (Config, error) {
	cfg := Config{
		ListenAddr:               env("LISTEN_ADDR", ":8080"),
		BaseURL:                  env("BASE_URL", "http://localhost:8080"),
		DBDriver:                 strings.ToLower(env("APP_DB_DRIVER", "sqlite")),
		DBDSN:                    env("APP_DB_DSN", ""),
		DBPath:                   env("APP_DB_PATH", "./data/app.db"),
		DBMaxOpenConns:           envInt("APP_DB_MAX_OPEN_CONNS", 4),
		DBMaxIdleConns:           envInt("APP_DB_MAX_IDLE_CONNS", 2),
		DBConnMaxLifetime:        time.Duration(envInt("APP_DB_CONN_MAX_LIFETIME_MIN", 30)) * time.Minute,
		BlobDir:                  env("BLOB_DIR", "./data/blobs"),
		MaxUploadBytes:           envInt64("MAX_UPLOAD_BYTES", 100<<20),
		SessionCookieName:        env("SESSION_COOKIE_NAME", "fileshare_session"),
		SessionIdleMinutes:       envInt("SESSION_IDLE_MINUTES", 30),
		SessionAbsoluteHour:      envInt("SESSION_ABSOLUTE_HOURS", 24),
		CSRFCookieName:           env("CSRF_COOKIE_NAME", "fileshare_csrf"),
		CookieSecure:             envBool("COOKIE_SECURE", false),
		TrustProxy:               envBool("TRUST_PROXY", false),
		CORSAllowedOrigins:       envCSV("CORS_ALLOWED_ORIGINS"),
		GuestQuotaWindow:         time.Duration(envInt("GUEST_QUOTA_WINDOW_MINUTES", 60)) * time.Minute,
		GuestQuotaMaxRequests:    envInt("GUEST_QUOTA_MAX_UPLOADS", 10),
		GuestQuotaMaxBytes:       envInt64("GUEST_QUOTA_MAX_BYTES", 100<<20),
		MemberQuotaWindow:        time.Duration(envInt("MEMBER_QUOTA_WINDOW_MINUTES", 60)) * time.Minute,
		MemberQuotaMaxRequests:   envInt("MEMBER_QUOTA_MAX_UPLOADS", 100),
		MemberQuotaMaxBytes:      envInt64("MEMBER_QUOTA_MAX_BYTES", 2<<30),
		QuotaSweepInterval:       time.Duration(envInt("QUOTA_SWEEP_INTERVAL_MINUTES", 10)) * time.Minute,
		QuotaBurstRPS:            envFloat("QUOTA_BURST_RPS", 0),
		QuotaBurst:               envInt("QUOTA_BURST", 0),
		AuthRateWindow:           time.Duration(envInt("AUTH_RATE_WINDOW_MINUTES", 1)) * time.Minute,
		AuthRateMaxRequests:      envInt("AUTH_RATE_MAX_REQUESTS", 20),
		CaptchaEnabled:           envBool("CAPTCHA_ENABLED", false),
		CaptchaProvider:          strings.ToLower(env("CAPTCHA_PROVIDER", "turnstile")),
		CaptchaVerifyURL:         env("CAPTCHA_VERIFY_URL", ""),
		CaptchaSecret:            env("CAPTCHA_SECRET", ""),
		PasswordMinLength:        envInt("PASSWORD_MIN_LENGTH", 12),
		PasswordMaxLength:        envInt("PASSWORD_MAX_LENGTH", 128),
		SMTPHost:                 env("SMTP_HOST", "127.0.0.1"),
		SMTPPort:                 envInt("SMTP_PORT", 587),
		MailSender:               strings.ToLower(env("MAIL_SENDER", "log")),
		MailFrom:                 env("MAIL_FROM", "noreply@example.com"),
		HTTPReadTimeoutSec:       envInt("HTTP_READ_TIMEOUT_SEC", 30),
		HTTPReadHeaderTimeoutSec: envInt("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		HTTPWriteTimeoutSec:      envInt("HTTP_WRITE_TIMEOUT_SEC", 60),
		HTTPIdleTimeoutSec:       envInt("HTTP_IDLE_TIMEOUT_SEC", 60),
		BootstrapAdminEmail:      env("BOOTSTRAP_ADMIN_EMAIL", ""),
		BootstrapAdminPassword:   env("BOOTSTRAP_ADMIN_PASSWORD", ""),
	}

	if cfg.SessionIdleMinutes <= 0 || cfg.SessionAbsoluteHour <= 0 {
		return Config{}, fmt.Errorf("session timeouts must be positive")
	}
	if cfg.DBMaxOpenConns <= 0 || cfg.DBMaxIdleConns < 0 {
		return Config{}, fmt.Errorf("invalid DB pool config")
	}
	switch cfg.DBDriver {
	case "sqlite", "pgx", "mysql":
	default:
		return Config{}, fmt.Errorf("unsupported APP_DB_DRIVER %q", cfg.DBDriver)
	}
	if cfg.DBDriver != "sqlite" && strings.TrimSpace(cfg.DBDSN) == "" {
		return Config{}, fmt.Errorf("APP_DB_DSN is required for driver %q", cfg.DBDriver)
	}
	if cfg.GuestQuotaWindow <= 0 || cfg.MemberQuotaWindow <= 0 {
		return Config{}, fmt.Errorf("quota windows must be positive")
	}
	if cfg.GuestQuotaMaxRequests <= 0 || cfg.MemberQuotaMaxRequests <= 0 {
		return Config{}, fmt.Errorf("quota request ceilings must be positive")
	}
	if cfg.GuestQuotaMaxBytes <= 0 || cfg.MemberQuotaMaxBytes <= 0 {
		return Config{}, fmt.Errorf("quota byte ceilings must be positive")
	}
	if cfg.QuotaSweepInterval <= 0 {
		return Config{}, fmt.Errorf("quota sweep interval must be positive")
	}
	if cfg.MaxUploadBytes <= 0 {
		return Config{}, fmt.Errorf("upload size cap must be positive")
	}
	return cfg, nil
}

// ResolveCookieSecure decides the Secure flag for auth cookies from the
// request actually being served, so a TLS-terminating proxy still gets
// secure cookies without forcing COOKIE_SECURE in local development.
func (c Config) ResolveCookieSecure(r *http.Request) bool {
	if c.CookieSecure {
		return true
	}
	if r.TLS != nil {
		return true
	}
	if c.TrustProxy && strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return false
}

func (c Config) SessionIdleDuration() time.Duration {
	return time.Duration(c.SessionIdleMinutes) * time.Minute
}

func (c Config) SessionAbsoluteDuration() time.Duration {
	return time.Duration(c.SessionAbsoluteHour) * time.Hour
}

func env(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envInt64(key string, fallback int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envCSV(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
