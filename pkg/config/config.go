// Package config loads the gateway configuration from the environment.
package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

type Config struct {
	ListenAddr string `env:"GATEWAY_ADDR,default=:8000"`
	BackendURL string `env:"BACKEND_URL,default=http://backend-service:4000"`

	PolicyURL        string        `env:"OPA_URL,default=http://opa:8181/v1/data/authz/allow"`
	PolicyTimeout    time.Duration `env:"OPA_TIMEOUT,default=3s"`
	JWKSURL          string        `env:"KEYCLOAK_JWKS_URI,default=http://keycloak:8080/realms/zero-trust/protocol/openid-connect/certs"`
	TokenURL         string        `env:"KEYCLOAK_TOKEN_URL,default=http://keycloak:8080/realms/zero-trust/protocol/openid-connect/token"`
	OIDCIssuer       string        `env:"OIDC_ISSUER,default="`
	OIDCAudience     string        `env:"OIDC_AUDIENCE,default="`
	OIDCClientID     string        `env:"OIDC_CLIENT_ID,default=myapp"`
	OIDCClientSecret string        `env:"OIDC_CLIENT_SECRET,default="`

	CookieMode       bool          `env:"COOKIE_AUTH_ENABLED,default=true"`
	AccessCookieTTL  time.Duration `env:"ACCESS_COOKIE_TTL,default=5m"`
	RefreshCookieTTL time.Duration `env:"REFRESH_COOKIE_TTL,default=30m"`

	CORSAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS,default="`

	IPAllowlist       string `env:"GATEWAY_IP_WHITELIST,default="`
	IPDenylist        string `env:"GATEWAY_IP_BLACKLIST,default="`
	TrustedProxyCIDRs string `env:"TRUSTED_PROXY_CIDRS,default="`

	RateLimitWindow time.Duration `env:"RATE_LIMIT_WINDOW,default=15m"`
	RateLimitMax    int           `env:"RATE_LIMIT_MAX,default=100"`
	RedisAddr       string        `env:"REDIS_ADDR,default="`
	RedisPassword   string        `env:"REDIS_PASSWORD,default="`
	RedisDB         int           `env:"REDIS_DB,default=0"`

	AuditDatabaseURL string `env:"AUDIT_DATABASE_URL,default="`
	AuditHashSalt    string `env:"AUDIT_HASH_SALT,default="`
	AuditRedact      bool   `env:"AUDIT_REDACT,default=false"`

	MaxRequestBodyBytes int64 `env:"MAX_REQUEST_BODY_BYTES,default=1048576"`

	ReadHeaderTimeout time.Duration `env:"HTTP_READ_HEADER_TIMEOUT,default=5s"`
	ReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT,default=15s"`
	WriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT,default=30s"`
	IdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT,default=120s"`
	UpstreamTimeout   time.Duration `env:"UPSTREAM_TIMEOUT,default=10s"`

	Production bool `env:"PRODUCTION,default=false"`
}

// FromEnv decodes the configuration and rejects values that cannot be used.
func FromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	for name, raw := range map[string]string{
		"BACKEND_URL":        c.BackendURL,
		"OPA_URL":            c.PolicyURL,
		"KEYCLOAK_JWKS_URI":  c.JWKSURL,
		"KEYCLOAK_TOKEN_URL": c.TokenURL,
	} {
		parsed, err := url.Parse(raw)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("config: %s must be an absolute URL, got %q", name, raw)
		}
	}
	if c.RateLimitMax <= 0 {
		return fmt.Errorf("config: RATE_LIMIT_MAX must be positive, got %d", c.RateLimitMax)
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("config: RATE_LIMIT_WINDOW must be positive, got %s", c.RateLimitWindow)
	}
	if c.Production {
		if strings.TrimSpace(c.CORSAllowedOrigins) == "*" {
			return fmt.Errorf("config: CORS_ALLOWED_ORIGINS=* is not allowed in production")
		}
		if c.OIDCClientSecret == "" {
			return fmt.Errorf("config: OIDC_CLIENT_SECRET is required in production")
		}
	}
	return nil
}

// SplitList parses a comma-separated environment list, dropping empty entries.
func SplitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ParseCIDRs parses a comma-separated list of CIDRs or bare IPs.
// Bare IPs become single-address networks. Invalid entries are skipped.
func ParseCIDRs(raw string) []*net.IPNet {
	parts := SplitList(raw)
	out := make([]*net.IPNet, 0, len(parts))
	for _, part := range parts {
		if strings.Contains(part, "/") {
			if _, cidr, err := net.ParseCIDR(part); err == nil {
				out = append(out, cidr)
			}
			continue
		}
		ip := net.ParseIP(part)
		if ip == nil {
			continue
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return out
}
