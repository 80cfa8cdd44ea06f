package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
listen: " :6000 "
tls:
  allow_insecure: true
auth:
  jwt_secret: "`+testSecret+`"
  audience: [" cdp ", " "]
oracle:
  sources:
    - name: fixed
      type: " STATIC "
      assets:
        " eth ": "2000"
  feeds:
    - symbol: eth
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddress != ":6000" {
		t.Fatalf("unexpected listen address: %q", cfg.ListenAddress)
	}
	if len(cfg.Auth.Audience) != 1 || cfg.Auth.Audience[0] != "cdp" {
		t.Fatalf("audience not trimmed: %v", cfg.Auth.Audience)
	}
	if cfg.Auth.AdminScope != defaultAdminScope || cfg.Auth.ScopeClaim != "scope" {
		t.Fatalf("unexpected auth defaults: %+v", cfg.Auth)
	}
	if cfg.Oracle.Interval != 30*time.Second || cfg.Oracle.MaxAge != 2*time.Minute || cfg.Oracle.MinFeeds != 1 {
		t.Fatalf("unexpected oracle defaults: %+v", cfg.Oracle)
	}
	if cfg.Oracle.Sources[0].Type != "static" || cfg.Oracle.Sources[0].Assets["ETH"] != "2000" {
		t.Fatalf("source not normalised: %+v", cfg.Oracle.Sources[0])
	}
	feed, ok := cfg.Oracle.Feed("eth")
	if !ok || feed.Decimals != 8 {
		t.Fatalf("expected default feed decimals, got %+v", feed)
	}
	if cfg.RateLimit.RequestsPerMinute != 600 || cfg.RateLimit.Burst != 20 {
		t.Fatalf("unexpected rate limit defaults: %+v", cfg.RateLimit)
	}
	if cfg.Storage.DataDir == "" || cfg.Journal.DSN == "" || cfg.Engine.Path == "" {
		t.Fatalf("expected storage defaults: %+v", cfg)
	}
}

func TestLoadConfigParsesDurations(t *testing.T) {
	path := writeConfig(t, `
tls:
  allow_insecure: true
auth:
  jwt_secret: "`+testSecret+`"
  clock_skew: 5s
oracle:
  interval: 1m
  max_age: 90s
  sources:
    - type: static
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Auth.ClockSkew != 5*time.Second {
		t.Fatalf("unexpected clock skew %s", cfg.Auth.ClockSkew)
	}
	if cfg.Oracle.Interval != time.Minute || cfg.Oracle.MaxAge != 90*time.Second {
		t.Fatalf("unexpected oracle timings: %+v", cfg.Oracle)
	}
}

func TestLoadConfigEnvironmentOverrides(t *testing.T) {
	t.Setenv("CDPD_JWT_SECRET", testSecret)
	t.Setenv("CDPD_JOURNAL_DSN", "postgres://cdpd@localhost/journal")
	path := writeConfig(t, `
tls:
  allow_insecure: true
journal:
  dsn: "file:local.db"
oracle:
  sources:
    - type: static
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Auth.JWTSecret != testSecret {
		t.Fatalf("expected secret from environment")
	}
	if cfg.Journal.DSN != "postgres://cdpd@localhost/journal" {
		t.Fatalf("unexpected dsn %q", cfg.Journal.DSN)
	}
}

func TestLoadConfigRequiresSecret(t *testing.T) {
	path := writeConfig(t, `
tls:
  allow_insecure: true
oracle:
  sources:
    - type: static
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "jwt_secret") {
		t.Fatalf("expected jwt secret error, got %v", err)
	}
}

func TestLoadConfigValidatesTLS(t *testing.T) {
	path := writeConfig(t, `
tls:
  cert: "server.crt"
auth:
  jwt_secret: "`+testSecret+`"
oracle:
  sources:
    - type: static
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error when key is missing")
	}
}

func TestLoadConfigValidatesOracle(t *testing.T) {
	cases := map[string]string{
		"no sources": `
oracle: {}
`,
		"min feeds": `
oracle:
  min_feeds: 2
  sources:
    - type: static
`,
		"duplicate source": `
oracle:
  sources:
    - name: a
      type: static
    - name: a
      type: coingecko
`,
		"duplicate feed": `
oracle:
  sources:
    - type: static
  feeds:
    - symbol: ETH
    - symbol: eth
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeConfig(t, `
tls:
  allow_insecure: true
auth:
  jwt_secret: "`+testSecret+`"
`+body)
			if _, err := Load(path); err == nil {
				t.Fatalf("expected oracle validation error")
			}
		})
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
tls:
  allow_insecure: true
auth:
  jwt_secret: "`+testSecret+`"
  api_tokens: ["legacy"]
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected unknown field error")
	}
}

func TestLoadConfigWebhookRequiresSecret(t *testing.T) {
	base := `
tls:
  allow_insecure: true
auth:
  jwt_secret: "` + testSecret + `"
oracle:
  sources:
    - type: static
webhook:
  url: "https://hooks.example.com/stbl"
`
	if _, err := Load(writeConfig(t, base)); err == nil || !strings.Contains(err.Error(), "webhook") {
		t.Fatalf("expected webhook secret error, got %v", err)
	}
	t.Setenv("CDPD_WEBHOOK_SECRET", "hook-secret")
	cfg, err := Load(writeConfig(t, base))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Webhook.Secret != "hook-secret" {
		t.Fatalf("webhook secret not applied: %+v", cfg.Webhook)
	}
}
