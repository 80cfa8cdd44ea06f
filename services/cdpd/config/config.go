package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultListen     = ":8085"
	defaultAdminScope = "cdp:admin"
)

// Config captures the runtime settings for the CDP engine daemon.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	Environment   string          `yaml:"env"`
	TLS           TLSConfig       `yaml:"tls"`
	Auth          AuthConfig      `yaml:"auth"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Storage       StorageConfig   `yaml:"storage"`
	Journal       JournalConfig   `yaml:"journal"`
	Engine        EngineConfig    `yaml:"engine"`
	Oracle        OracleConfig    `yaml:"oracle"`
	Telemetry     TelemetryConfig `yaml:"telemetry"`
	Logging       LoggingConfig   `yaml:"logging"`
	Webhook       WebhookConfig   `yaml:"webhook"`
}

// WebhookConfig forwards selected engine events to an external endpoint.
// Deliveries are disabled when URL is empty.
type WebhookConfig struct {
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

// TLSConfig describes the TLS material for the HTTP listener.
type TLSConfig struct {
	CertPath      string `yaml:"cert"`
	KeyPath       string `yaml:"key"`
	AllowInsecure bool   `yaml:"allow_insecure"`
}

// AuthConfig configures bearer token verification. The token subject is the
// caller's account address.
type AuthConfig struct {
	JWTSecret  string        `yaml:"jwt_secret"`
	Issuer     string        `yaml:"issuer"`
	Audience   []string      `yaml:"audience"`
	ScopeClaim string        `yaml:"scope_claim"`
	AdminScope string        `yaml:"admin_scope"`
	ClockSkew  time.Duration `yaml:"clock_skew"`
}

// RateLimitConfig bounds requests per client address.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// StorageConfig locates the LevelDB state directory.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// JournalConfig selects the event journal database.
type JournalConfig struct {
	DSN string `yaml:"dsn"`
}

// EngineConfig points at the TOML collateral registry.
type EngineConfig struct {
	Path string `yaml:"path"`
}

// OracleConfig drives the price round publisher.
type OracleConfig struct {
	Interval time.Duration  `yaml:"interval"`
	MaxAge   time.Duration  `yaml:"max_age"`
	MinFeeds int            `yaml:"min_feeds"`
	Sources  []SourceConfig `yaml:"sources"`
	Feeds    []FeedConfig   `yaml:"feeds"`
}

// SourceConfig declares one upstream price source. Assets maps feed symbols
// to source specific identifiers (coingecko) or decimal prices (static).
type SourceConfig struct {
	Name     string            `yaml:"name"`
	Type     string            `yaml:"type"`
	Endpoint string            `yaml:"endpoint"`
	Assets   map[string]string `yaml:"assets"`
}

// FeedConfig declares a round feed published by the daemon.
type FeedConfig struct {
	Symbol   string `yaml:"symbol"`
	Decimals uint8  `yaml:"decimals"`
}

// TelemetryConfig toggles OTLP exporters.
type TelemetryConfig struct {
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
	Metrics     bool              `yaml:"metrics"`
	Traces      bool              `yaml:"traces"`
	SampleRatio float64           `yaml:"sample_ratio"`
}

// LoggingConfig mirrors logging.Options.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Load reads the YAML configuration from disk, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{
		ListenAddress: defaultListen,
	}
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.applyEnv()
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applyEnv() {
	if secret := strings.TrimSpace(os.Getenv("CDPD_JWT_SECRET")); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if dsn := strings.TrimSpace(os.Getenv("CDPD_JOURNAL_DSN")); dsn != "" {
		cfg.Journal.DSN = dsn
	}
	if secret := strings.TrimSpace(os.Getenv("CDPD_WEBHOOK_SECRET")); secret != "" {
		cfg.Webhook.Secret = secret
	}
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	cfg.Environment = strings.TrimSpace(cfg.Environment)
	cfg.TLS.normalize()
	cfg.Auth.normalize()
	cfg.RateLimit.normalize()
	cfg.Storage.DataDir = strings.TrimSpace(cfg.Storage.DataDir)
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "./cdpd-data"
	}
	cfg.Journal.DSN = strings.TrimSpace(cfg.Journal.DSN)
	if cfg.Journal.DSN == "" {
		cfg.Journal.DSN = "file:cdpd-journal.db?_pragma=busy_timeout(5000)"
	}
	cfg.Engine.Path = strings.TrimSpace(cfg.Engine.Path)
	if cfg.Engine.Path == "" {
		cfg.Engine.Path = "./cdpd-data/engine.toml"
	}
	cfg.Oracle.normalize()
	cfg.Telemetry.Endpoint = strings.TrimSpace(cfg.Telemetry.Endpoint)
	cfg.Webhook.URL = strings.TrimSpace(cfg.Webhook.URL)
	cfg.Webhook.Secret = strings.TrimSpace(cfg.Webhook.Secret)
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if err := cfg.TLS.validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if err := cfg.Auth.validate(); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := cfg.Oracle.validate(); err != nil {
		return fmt.Errorf("oracle: %w", err)
	}
	if cfg.Webhook.URL != "" && cfg.Webhook.Secret == "" {
		return fmt.Errorf("webhook: secret required when url is set")
	}
	return nil
}

func (cfg *TLSConfig) normalize() {
	if cfg == nil {
		return
	}
	cfg.CertPath = strings.TrimSpace(cfg.CertPath)
	cfg.KeyPath = strings.TrimSpace(cfg.KeyPath)
}

func (cfg TLSConfig) validate() error {
	hasCert := cfg.CertPath != ""
	hasKey := cfg.KeyPath != ""
	if hasCert != hasKey {
		return fmt.Errorf("cert and key must either both be provided or both be empty")
	}
	if !cfg.AllowInsecure && !hasCert {
		return fmt.Errorf("cert and key are required unless allow_insecure=true")
	}
	return nil
}

// Enabled reports whether the listener serves TLS.
func (cfg TLSConfig) Enabled() bool {
	return cfg.CertPath != "" && cfg.KeyPath != ""
}

func (cfg *AuthConfig) normalize() {
	if cfg == nil {
		return
	}
	cfg.JWTSecret = strings.TrimSpace(cfg.JWTSecret)
	cfg.Issuer = strings.TrimSpace(cfg.Issuer)
	audience := make([]string, 0, len(cfg.Audience))
	for _, aud := range cfg.Audience {
		if trimmed := strings.TrimSpace(aud); trimmed != "" {
			audience = append(audience, trimmed)
		}
	}
	cfg.Audience = audience
	cfg.ScopeClaim = strings.TrimSpace(cfg.ScopeClaim)
	if cfg.ScopeClaim == "" {
		cfg.ScopeClaim = "scope"
	}
	cfg.AdminScope = strings.TrimSpace(cfg.AdminScope)
	if cfg.AdminScope == "" {
		cfg.AdminScope = defaultAdminScope
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 30 * time.Second
	}
}

func (cfg AuthConfig) validate() error {
	if cfg.JWTSecret == "" {
		return fmt.Errorf("jwt_secret is required (or set CDPD_JWT_SECRET)")
	}
	if len(cfg.JWTSecret) < 32 {
		return fmt.Errorf("jwt_secret must be at least 32 bytes")
	}
	return nil
}

func (cfg *RateLimitConfig) normalize() {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 600
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
}

func (cfg *OracleConfig) normalize() {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 2 * time.Minute
	}
	if cfg.MinFeeds <= 0 {
		cfg.MinFeeds = 1
	}
	for i := range cfg.Sources {
		src := &cfg.Sources[i]
		src.Name = strings.TrimSpace(src.Name)
		src.Type = strings.ToLower(strings.TrimSpace(src.Type))
		src.Endpoint = strings.TrimSpace(src.Endpoint)
		assets := make(map[string]string, len(src.Assets))
		for symbol, value := range src.Assets {
			assets[strings.ToUpper(strings.TrimSpace(symbol))] = strings.TrimSpace(value)
		}
		src.Assets = assets
	}
	for i := range cfg.Feeds {
		cfg.Feeds[i].Symbol = strings.ToUpper(strings.TrimSpace(cfg.Feeds[i].Symbol))
		if cfg.Feeds[i].Decimals == 0 {
			cfg.Feeds[i].Decimals = 8
		}
	}
}

func (cfg OracleConfig) validate() error {
	if len(cfg.Sources) == 0 {
		return fmt.Errorf("at least one source must be configured")
	}
	if cfg.MinFeeds > len(cfg.Sources) {
		return fmt.Errorf("min_feeds %d exceeds %d configured sources", cfg.MinFeeds, len(cfg.Sources))
	}
	names := make(map[string]struct{}, len(cfg.Sources))
	for i, src := range cfg.Sources {
		if src.Type == "" {
			return fmt.Errorf("source %d: type required", i)
		}
		key := src.Name
		if key == "" {
			key = src.Type
		}
		if _, ok := names[key]; ok {
			return fmt.Errorf("source %s: duplicate name", key)
		}
		names[key] = struct{}{}
	}
	symbols := make(map[string]struct{}, len(cfg.Feeds))
	for i, feed := range cfg.Feeds {
		if feed.Symbol == "" {
			return fmt.Errorf("feed %d: symbol required", i)
		}
		if _, ok := symbols[feed.Symbol]; ok {
			return fmt.Errorf("feed %s: duplicate symbol", feed.Symbol)
		}
		symbols[feed.Symbol] = struct{}{}
	}
	return nil
}

// Feed returns the feed declaration for symbol.
func (cfg OracleConfig) Feed(symbol string) (FeedConfig, bool) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	for _, feed := range cfg.Feeds {
		if feed.Symbol == symbol {
			return feed, true
		}
	}
	return FeedConfig{}, false
}
