package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"PORT", "ENV", "HISTORY_LIMIT", "RATE_LIMIT_WHITELIST", "JWT_SECRET", "PUBLIC_BASE_URL"} {
		t.Setenv(k, "")
	}

	cfg := Load()
	if cfg.Port != "8080" || !cfg.IsDevelopment() {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.HistoryLimit != 20 {
		t.Fatalf("expected history limit 20, got %d", cfg.HistoryLimit)
	}
	if cfg.JWTSecret == "" {
		t.Fatal("development should fall back to a secret")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HISTORY_LIMIT", "50")
	t.Setenv("RATE_LIMIT_WHITELIST", " 10.0.0.1, ,192.168.0.0/16")
	t.Setenv("PUBLIC_BASE_URL", "https://media.example.com/")

	cfg := Load()
	if cfg.HistoryLimit != 50 {
		t.Fatalf("expected 50, got %d", cfg.HistoryLimit)
	}
	if len(cfg.RateLimitWhitelist) != 2 || cfg.RateLimitWhitelist[1] != "192.168.0.0/16" {
		t.Fatalf("unexpected whitelist %v", cfg.RateLimitWhitelist)
	}
	if cfg.PublicBaseURL != "https://media.example.com" {
		t.Fatalf("trailing slash should be trimmed, got %q", cfg.PublicBaseURL)
	}
}

func TestLoadProductionRequiresSecrets(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("DATABASE_URL", "postgres://x")
	t.Setenv("REDIS_URL", "redis://x")
	t.Setenv("JWT_SECRET", "")

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic without JWT_SECRET")
		}
	}()
	Load()
}
