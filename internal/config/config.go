// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Environment names recognized by APP_ENV.
const (
	EnvProduction  = "production"
	EnvStaging     = "staging"
	EnvDevelopment = "development"
	EnvTest        = "test"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// Env is the application environment (production, staging, development, test).
	// Cookie names, session key prefixes and the bcrypt cost default differ per environment.
	Env string `mapstructure:"APP_ENV"`
	// HTTPAddr is the address the HTTP API listens on (e.g. :3001).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// HealthGRPCAddr is the address the worker serves the gRPC health protocol on.
	HealthGRPCAddr string `mapstructure:"HEALTH_GRPC_ADDR"`
	// DatabaseURL is the Postgres DSN for users, emails and the bridged job table.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// RedisURL is the shared cache and local job queue backing store.
	RedisURL string `mapstructure:"REDIS_URL"`
	// BcryptCost is the bcrypt cost factor (4–31). Zero selects 12 in production and 4 elsewhere.
	BcryptCost int `mapstructure:"BCRYPT_COST"`

	// SessionCookieName is the session cookie name; defaults per environment.
	SessionCookieName string `mapstructure:"SESSION_COOKIE_NAME"`
	// SessionCookieDomain is the Domain attribute of the session cookie (e.g. .trades.fflmanager.com).
	SessionCookieDomain string `mapstructure:"SESSION_COOKIE_DOMAIN"`
	// SessionTTL is the session lifetime and cookie max-age (e.g. "168h").
	SessionTTL string `mapstructure:"SESSION_TTL"`
	// CookieSecure marks the session cookie Secure and SameSite=None. Defaults to true outside development/test.
	CookieSecure *bool `mapstructure:"-"`
	// SessionKeyPrefix is the cache key prefix for sessions; defaults per environment.
	SessionKeyPrefix string `mapstructure:"SESSION_KEY_PREFIX"`

	// PasswordResetTTL is how long a password reset token is valid (e.g. "1h").
	PasswordResetTTL string `mapstructure:"PASSWORD_RESET_TTL"`
	// SSOTransferTTL is the lifetime of a session transfer token (e.g. "60s").
	SSOTransferTTL string `mapstructure:"SSO_TRANSFER_TTL"`
	// SSOAllowedOrigins is a comma-separated list of origins allowed to take part in session transfer.
	SSOAllowedOrigins string `mapstructure:"SSO_ALLOWED_ORIGINS"`
	// SSOPreviewOrigins is a comma-separated list of origins whose session cookie has Domain stripped.
	SSOPreviewOrigins string `mapstructure:"SSO_PREVIEW_ORIGINS"`

	// TestEmailPattern is a regular expression; local notification jobs to matching recipients are suppressed.
	TestEmailPattern string `mapstructure:"TEST_EMAIL_PATTERN"`
	// AppBaseURL is the web client URL used to build links in emails.
	AppBaseURL string `mapstructure:"APP_BASE_URL"`
	// BridgeEmailQueue is the queue name for email jobs handed to the external worker.
	BridgeEmailQueue string `mapstructure:"BRIDGE_EMAIL_QUEUE"`
	// BridgeEmailWorker is the worker identifier understood by the external consumer.
	BridgeEmailWorker string `mapstructure:"BRIDGE_EMAIL_WORKER"`

	// SMTP settings for the local email worker.
	SMTPHost     string `mapstructure:"SMTP_HOST"`
	SMTPPort     int    `mapstructure:"SMTP_PORT"`
	SMTPUser     string `mapstructure:"SMTP_USER"`
	SMTPPassword string `mapstructure:"SMTP_PASSWORD"`
	SMTPFrom     string `mapstructure:"SMTP_FROM"`

	// OTLPEndpoint is the OTLP gRPC collector endpoint; empty disables export.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces a plaintext connection to the collector.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	// TraceSampleRatio is the fraction of root spans sampled (0 < r <= 1).
	TraceSampleRatio float64 `mapstructure:"OTEL_TRACES_SAMPLER_ARG"`
	// ServiceName is the OTel service.name resource attribute.
	ServiceName string `mapstructure:"OTEL_SERVICE_NAME"`
	// LogLevel is debug, info, warn or error.
	LogLevel string `mapstructure:"LOG_LEVEL"`
	// LogFormat is json or text.
	LogFormat string `mapstructure:"LOG_FORMAT"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("APP_ENV", EnvDevelopment)
	v.SetDefault("HTTP_ADDR", ":3001")
	v.SetDefault("HEALTH_GRPC_ADDR", ":9091")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	v.SetDefault("BCRYPT_COST", 0)
	v.SetDefault("SESSION_COOKIE_NAME", "")
	v.SetDefault("SESSION_COOKIE_DOMAIN", "")
	v.SetDefault("SESSION_TTL", "168h") // 7d
	v.SetDefault("SESSION_KEY_PREFIX", "")
	v.SetDefault("PASSWORD_RESET_TTL", "1h")
	v.SetDefault("SSO_TRANSFER_TTL", "60s")
	v.SetDefault("SSO_ALLOWED_ORIGINS", "")
	v.SetDefault("SSO_PREVIEW_ORIGINS", "")
	v.SetDefault("TEST_EMAIL_PATTERN", DefaultTestEmailPattern)
	v.SetDefault("APP_BASE_URL", "http://localhost:3030")
	v.SetDefault("BRIDGE_EMAIL_QUEUE", "emails")
	v.SetDefault("BRIDGE_EMAIL_WORKER", "TradeMachine.Jobs.EmailWorker")
	v.SetDefault("SMTP_HOST", "localhost")
	v.SetDefault("SMTP_PORT", 1025)
	v.SetDefault("SMTP_USER", "")
	v.SetDefault("SMTP_PASSWORD", "")
	v.SetDefault("SMTP_FROM", "Trade Machine <tradebot@trades.fflmanager.com>")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("OTEL_TRACES_SAMPLER_ARG", 1.0)
	v.SetDefault("OTEL_SERVICE_NAME", "trade-machine-backend")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if v.IsSet("COOKIE_SECURE") {
		b := v.GetBool("COOKIE_SECURE")
		cfg.CookieSecure = &b
	}

	cfg.Env = strings.ToLower(strings.TrimSpace(cfg.Env))
	switch cfg.Env {
	case EnvProduction, EnvStaging, EnvDevelopment, EnvTest:
	default:
		return nil, errors.New("config: APP_ENV must be one of production, staging, development, test")
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}

	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = cfg.defaultBcryptCost()
	}
	if cfg.BcryptCost < 4 || cfg.BcryptCost > 31 {
		return nil, errors.New("config: BCRYPT_COST must be between 4 and 31")
	}

	if cfg.SessionCookieName == "" {
		cfg.SessionCookieName = cfg.defaultCookieName()
	}
	if cfg.SessionKeyPrefix == "" {
		cfg.SessionKeyPrefix = cfg.defaultSessionPrefix()
	}

	if cfg.TraceSampleRatio <= 0 || cfg.TraceSampleRatio > 1 {
		return nil, errors.New("config: OTEL_TRACES_SAMPLER_ARG must be in (0, 1]")
	}

	if _, err := regexp.Compile(cfg.TestEmailPattern); err != nil {
		return nil, errors.New("config: TEST_EMAIL_PATTERN is not a valid regular expression")
	}

	return &cfg, nil
}

// DefaultTestEmailPattern matches reserved example/test domains used by seeded and synthetic accounts.
const DefaultTestEmailPattern = `(?i)@(example\.(com|net|org)|[a-z0-9-]+\.(test|example|invalid|localhost))$`

// IsProduction reports whether APP_ENV is production.
func (c *Config) IsProduction() bool {
	return c != nil && c.Env == EnvProduction
}

// SecureCookies reports whether the session cookie is Secure (and SameSite=None).
// An explicit COOKIE_SECURE wins; otherwise cookies are secure outside development and test.
func (c *Config) SecureCookies() bool {
	if c.CookieSecure != nil {
		return *c.CookieSecure
	}
	return c.Env != EnvDevelopment && c.Env != EnvTest
}

// SessionLifetime parses SessionTTL. Returns 7 days if unset or invalid.
func (c *Config) SessionLifetime() time.Duration {
	return parseDuration(c.SessionTTL, 7*24*time.Hour)
}

// PasswordResetWindow parses PasswordResetTTL. Returns 1h if unset or invalid.
func (c *Config) PasswordResetWindow() time.Duration {
	return parseDuration(c.PasswordResetTTL, time.Hour)
}

// TransferTokenTTL parses SSOTransferTTL. Returns 60s if unset or invalid.
func (c *Config) TransferTokenTTL() time.Duration {
	return parseDuration(c.SSOTransferTTL, 60*time.Second)
}

// AllowedOrigins returns the session-transfer allow-list from the comma-separated config.
func (c *Config) AllowedOrigins() []string {
	return splitList(c.SSOAllowedOrigins)
}

// PreviewOrigins returns the origins whose session cookie is rewritten without a Domain attribute.
func (c *Config) PreviewOrigins() []string {
	return splitList(c.SSOPreviewOrigins)
}

func (c *Config) defaultBcryptCost() int {
	if c.Env == EnvProduction || c.Env == EnvStaging {
		return 12
	}
	return 4
}

func (c *Config) defaultCookieName() string {
	switch c.Env {
	case EnvProduction:
		return "trade_machine"
	case EnvStaging:
		return "staging_trade_machine"
	default:
		return "dev_trade_machine"
	}
}

func (c *Config) defaultSessionPrefix() string {
	switch c.Env {
	case EnvProduction:
		return "sess:"
	case EnvStaging:
		return "stg_sess:"
	default:
		return "dev_sess:"
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimRight(strings.TrimSpace(p), "/"); v != "" {
			out = append(out, v)
		}
	}
	return out
}
