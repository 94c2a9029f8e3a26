// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP API listens on (e.g. :8000).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// GRPCAddr is the address of the gRPC health endpoint; empty disables it.
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// DatabaseURL is the Postgres DSN. Empty selects the in-memory store (not allowed in production).
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`

	// SessionSecret is the HS256 signing secret for session tokens (at least 32 bytes).
	SessionSecret string `mapstructure:"SESSION_SECRET"`
	// JWTPrivateKey is the PEM-encoded private key (RSA or ECDSA) or path to file; with JWT_PUBLIC_KEY selects RS256/ES256 instead of HS256.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	// JWTPublicKey is the PEM-encoded public key or path to file; used with JWT_PRIVATE_KEY.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	// JWTIssuer is the iss claim of session tokens.
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	// JWTAudience is the aud claim of session tokens.
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`
	// SessionTTLRaw is the session lifetime (e.g. "24h").
	SessionTTLRaw string `mapstructure:"SESSION_TTL"`
	// BcryptCost is the bcrypt cost factor (4–31); default 12.
	BcryptCost int `mapstructure:"BCRYPT_COST"`

	// TokenEncryptionKey is a base64 AES key (16/24/32 bytes) sealing OAuth tokens at rest. Required with DATABASE_URL.
	TokenEncryptionKey string `mapstructure:"TOKEN_ENCRYPTION_KEY"`
	OAuthStateTTLRaw   string `mapstructure:"OAUTH_STATE_TTL"`
	// OAuthRefreshMarginRaw is how close to expiry a provider token is refreshed before use.
	OAuthRefreshMarginRaw string `mapstructure:"OAUTH_REFRESH_MARGIN"`
	// ProviderTimeoutRaw bounds every outbound provider call.
	ProviderTimeoutRaw string `mapstructure:"PROVIDER_TIMEOUT"`

	GitHubClientID     string `mapstructure:"GITHUB_CLIENT_ID"`
	GitHubClientSecret string `mapstructure:"GITHUB_CLIENT_SECRET"`
	GitHubRedirectURL  string `mapstructure:"GITHUB_REDIRECT_URL"`
	GitHubScopes       string `mapstructure:"GITHUB_SCOPES"`
	GitHubAuthURL      string `mapstructure:"GITHUB_AUTH_URL"`
	GitHubTokenURL     string `mapstructure:"GITHUB_TOKEN_URL"`
	GitHubAPIURL       string `mapstructure:"GITHUB_API_URL"`

	JiraClientID     string `mapstructure:"JIRA_CLIENT_ID"`
	JiraClientSecret string `mapstructure:"JIRA_CLIENT_SECRET"`
	JiraRedirectURL  string `mapstructure:"JIRA_REDIRECT_URL"`
	JiraScopes       string `mapstructure:"JIRA_SCOPES"`
	JiraAuthURL      string `mapstructure:"JIRA_AUTH_URL"`
	JiraTokenURL     string `mapstructure:"JIRA_TOKEN_URL"`
	JiraAPIURL       string `mapstructure:"JIRA_API_URL"`

	// TicketPolicyFile is an optional Rego module replacing the built-in delegated-action policy.
	TicketPolicyFile string `mapstructure:"TICKET_POLICY_FILE"`

	// LoginRatePerMinute and LoginRateBurst limit login/register attempts per client IP.
	LoginRatePerMinute int `mapstructure:"LOGIN_RATE_PER_MINUTE"`
	LoginRateBurst     int `mapstructure:"LOGIN_RATE_BURST"`
	// TrustedProxies lists proxy IPs or CIDRs whose X-Forwarded-For the rate limiter believes.
	TrustedProxies string `mapstructure:"TRUSTED_PROXIES"`

	// SweepIntervalRaw is how often the worker deletes expired sessions and OAuth states.
	SweepIntervalRaw string `mapstructure:"SWEEP_INTERVAL"`

	// OTLPEndpoint enables OTLP export of traces, metrics and audit log records when set.
	OTLPEndpoint    string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure    bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	OTelServiceName string `mapstructure:"OTEL_SERVICE_NAME"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8000")
	v.SetDefault("GRPC_ADDR", ":8081")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("SESSION_SECRET", "")
	v.SetDefault("JWT_PRIVATE_KEY", "")
	v.SetDefault("JWT_PUBLIC_KEY", "")
	v.SetDefault("JWT_ISSUER", "ticketbridge-auth")
	v.SetDefault("JWT_AUDIENCE", "ticketbridge-api")
	v.SetDefault("SESSION_TTL", "24h")
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("TOKEN_ENCRYPTION_KEY", "")
	v.SetDefault("OAUTH_STATE_TTL", "10m")
	v.SetDefault("OAUTH_REFRESH_MARGIN", "5m")
	v.SetDefault("PROVIDER_TIMEOUT", "15s")
	v.SetDefault("GITHUB_CLIENT_ID", "")
	v.SetDefault("GITHUB_CLIENT_SECRET", "")
	v.SetDefault("GITHUB_REDIRECT_URL", "")
	v.SetDefault("GITHUB_SCOPES", "repo,read:user")
	v.SetDefault("GITHUB_AUTH_URL", "https://github.com/login/oauth/authorize")
	v.SetDefault("GITHUB_TOKEN_URL", "https://github.com/login/oauth/access_token")
	v.SetDefault("GITHUB_API_URL", "https://api.github.com")
	v.SetDefault("JIRA_CLIENT_ID", "")
	v.SetDefault("JIRA_CLIENT_SECRET", "")
	v.SetDefault("JIRA_REDIRECT_URL", "")
	v.SetDefault("JIRA_SCOPES", "read:jira-work write:jira-work read:jira-user offline_access")
	v.SetDefault("JIRA_AUTH_URL", "https://auth.atlassian.com/authorize")
	v.SetDefault("JIRA_TOKEN_URL", "https://auth.atlassian.com/oauth/token")
	v.SetDefault("JIRA_API_URL", "https://api.atlassian.com")
	v.SetDefault("TICKET_POLICY_FILE", "")
	v.SetDefault("LOGIN_RATE_PER_MINUTE", 10)
	v.SetDefault("LOGIN_RATE_BURST", 5)
	v.SetDefault("TRUSTED_PROXIES", "")
	v.SetDefault("SWEEP_INTERVAL", "10m")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("OTEL_SERVICE_NAME", "ticketbridge")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	if cfg.DatabaseURL == "" && cfg.IsProduction() {
		return nil, errors.New("config: DATABASE_URL must be set when APP_ENV=production")
	}

	hasKeyPair := cfg.JWTPrivateKey != "" || cfg.JWTPublicKey != ""
	if hasKeyPair && (cfg.JWTPrivateKey == "" || cfg.JWTPublicKey == "") {
		return nil, errors.New("config: JWT_PRIVATE_KEY and JWT_PUBLIC_KEY must be set together")
	}
	if !hasKeyPair && len(cfg.SessionSecret) < 32 {
		return nil, errors.New("config: SESSION_SECRET must be at least 32 bytes (or set JWT_PRIVATE_KEY/JWT_PUBLIC_KEY)")
	}

	if cfg.DatabaseURL != "" && cfg.TokenEncryptionKey == "" {
		return nil, errors.New("config: TOKEN_ENCRYPTION_KEY must be set when DATABASE_URL is set")
	}

	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = 12
	}
	if cfg.BcryptCost < 4 || cfg.BcryptCost > 31 {
		return nil, errors.New("config: BCRYPT_COST must be between 4 and 31")
	}

	if cfg.GitHubClientID != "" && cfg.GitHubClientSecret == "" {
		return nil, errors.New("config: GITHUB_CLIENT_SECRET must be set when GITHUB_CLIENT_ID is set")
	}
	if cfg.JiraClientID != "" && cfg.JiraClientSecret == "" {
		return nil, errors.New("config: JIRA_CLIENT_SECRET must be set when JIRA_CLIENT_ID is set")
	}

	return &cfg, nil
}

// IsProduction reports whether APP_ENV is production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// UsesKeyPair reports whether session tokens are signed with an asymmetric key pair.
func (c *Config) UsesKeyPair() bool {
	return c.JWTPrivateKey != "" && c.JWTPublicKey != ""
}

// SessionTTL parses SESSION_TTL. Returns 24h if unset or invalid.
func (c *Config) SessionTTL() time.Duration {
	return parseDuration(c.SessionTTLRaw, 24*time.Hour)
}

// OAuthStateTTL parses OAUTH_STATE_TTL. Returns 10m if unset or invalid.
func (c *Config) OAuthStateTTL() time.Duration {
	return parseDuration(c.OAuthStateTTLRaw, 10*time.Minute)
}

// OAuthRefreshMargin parses OAUTH_REFRESH_MARGIN. Returns 5m if unset or invalid.
func (c *Config) OAuthRefreshMargin() time.Duration {
	return parseDuration(c.OAuthRefreshMarginRaw, 5*time.Minute)
}

// ProviderTimeout parses PROVIDER_TIMEOUT. Returns 15s if unset or invalid.
func (c *Config) ProviderTimeout() time.Duration {
	return parseDuration(c.ProviderTimeoutRaw, 15*time.Second)
}

// SweepInterval parses SWEEP_INTERVAL. Returns 10m if unset or invalid.
func (c *Config) SweepInterval() time.Duration {
	return parseDuration(c.SweepIntervalRaw, 10*time.Minute)
}

// GitHubScopeList returns the configured GitHub scopes.
func (c *Config) GitHubScopeList() []string {
	return splitList(c.GitHubScopes)
}

// TrustedProxyList returns the configured trusted proxies.
func (c *Config) TrustedProxyList() []string {
	return splitList(c.TrustedProxies)
}

// JiraScopeList returns the configured Jira scopes.
func (c *Config) JiraScopeList() []string {
	return splitList(c.JiraScopes)
}

func parseDuration(raw string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// splitList accepts comma- or space-separated values.
func splitList(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
