package config

import (
	"strings"
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("decode defaults: %v", err)
	}
	if cfg.ListenAddr != ":8000" {
		t.Fatalf("unexpected listen addr %q", cfg.ListenAddr)
	}
	if cfg.RateLimitMax != 100 || cfg.RateLimitWindow != 15*time.Minute {
		t.Fatalf("unexpected rate limit defaults: max=%d window=%s", cfg.RateLimitMax, cfg.RateLimitWindow)
	}
	if !cfg.CookieMode {
		t.Fatal("expected cookie mode on by default")
	}
	if cfg.Production {
		t.Fatal("expected non-production default")
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("GATEWAY_ADDR", ":9999")
	t.Setenv("RATE_LIMIT_MAX", "5")
	t.Setenv("RATE_LIMIT_WINDOW", "1m")
	t.Setenv("GATEWAY_IP_BLACKLIST", "10.0.0.9, 10.0.0.10")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.ListenAddr != ":9999" {
		t.Fatalf("unexpected listen addr %q", cfg.ListenAddr)
	}
	if cfg.RateLimitMax != 5 || cfg.RateLimitWindow != time.Minute {
		t.Fatalf("unexpected rate limit overrides: max=%d window=%s", cfg.RateLimitMax, cfg.RateLimitWindow)
	}
	deny := SplitList(cfg.IPDenylist)
	if len(deny) != 2 || deny[0] != "10.0.0.9" || deny[1] != "10.0.0.10" {
		t.Fatalf("unexpected denylist %v", deny)
	}
}

func TestValidateRejectsBadURL(t *testing.T) {
	t.Setenv("BACKEND_URL", "not-a-url")
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected error for relative backend URL")
	}
}

func TestValidateProductionGuards(t *testing.T) {
	t.Setenv("PRODUCTION", "true")
	t.Setenv("CORS_ALLOWED_ORIGINS", "*")
	t.Setenv("OIDC_CLIENT_SECRET", "s3cret")
	_, err := FromEnv()
	if err == nil || !strings.Contains(err.Error(), "CORS_ALLOWED_ORIGINS") {
		t.Fatalf("expected wildcard CORS rejection, got %v", err)
	}

	t.Setenv("CORS_ALLOWED_ORIGINS", "https://app.example.com")
	t.Setenv("OIDC_CLIENT_SECRET", "")
	_, err = FromEnv()
	if err == nil || !strings.Contains(err.Error(), "OIDC_CLIENT_SECRET") {
		t.Fatalf("expected missing client secret rejection, got %v", err)
	}
}

func TestParseCIDRs(t *testing.T) {
	nets := ParseCIDRs("10.0.0.0/8, 192.168.1.7, bogus, fd00::/8")
	if len(nets) != 3 {
		t.Fatalf("expected 3 networks, got %d", len(nets))
	}
	if !nets[1].Contains([]byte{192, 168, 1, 7}) {
		t.Fatal("bare IP should contain itself")
	}
	if nets[1].Contains([]byte{192, 168, 1, 8}) {
		t.Fatal("bare IP network should be a single address")
	}
}
