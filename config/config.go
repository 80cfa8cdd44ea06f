package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"stblengine/crypto"
	"stblengine/native/cdp"
)

// Token names a token contract and its decimal precision.
type Token struct {
	Symbol   string `toml:"Symbol"`
	Decimals uint8  `toml:"Decimals"`
}

// Engine is the immutable collateral registry and account setup of the
// engine. CollateralTokens[i] is priced by the oracle feed PriceFeeds[i].
type Engine struct {
	EngineKeyPath    string   `toml:"EngineKeyPath"`
	AdminAddress     string   `toml:"AdminAddress"`
	Stable           Token    `toml:"Stable"`
	CollateralTokens []Token  `toml:"CollateralTokens"`
	PriceFeeds       []string `toml:"PriceFeeds"`
}

// LoadEngine loads the engine configuration from path, writing a default
// file and a fresh engine key when path does not exist yet.
func LoadEngine(path string) (*Engine, error) {
	cfg := &Engine{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown key %s", path, undecoded[0])
	}

	if err := ensureEngineKey(path, cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Engine) normalize() {
	cfg.AdminAddress = strings.TrimSpace(cfg.AdminAddress)
	cfg.Stable.Symbol = normalizeSymbol(cfg.Stable.Symbol)
	if cfg.Stable.Symbol == "" {
		cfg.Stable.Symbol = "STBL"
	}
	if cfg.Stable.Decimals == 0 {
		cfg.Stable.Decimals = 18
	}
	for i := range cfg.CollateralTokens {
		cfg.CollateralTokens[i].Symbol = normalizeSymbol(cfg.CollateralTokens[i].Symbol)
	}
	for i := range cfg.PriceFeeds {
		cfg.PriceFeeds[i] = normalizeSymbol(cfg.PriceFeeds[i])
	}
}

// Validate checks the registry lists line up and every symbol is unique.
func (cfg *Engine) Validate() error {
	if len(cfg.CollateralTokens) != len(cfg.PriceFeeds) {
		return fmt.Errorf("%w: %d collateral tokens, %d price feeds", cdp.ErrConfigMismatch, len(cfg.CollateralTokens), len(cfg.PriceFeeds))
	}
	seen := map[string]struct{}{cfg.Stable.Symbol: {}}
	for i, token := range cfg.CollateralTokens {
		if token.Symbol == "" {
			return fmt.Errorf("collateral token %d: symbol required", i)
		}
		if _, ok := seen[token.Symbol]; ok {
			return fmt.Errorf("collateral token %s: duplicate symbol", token.Symbol)
		}
		seen[token.Symbol] = struct{}{}
		if cfg.PriceFeeds[i] == "" {
			return fmt.Errorf("collateral token %s: price feed required", token.Symbol)
		}
	}
	if cfg.AdminAddress != "" {
		if _, err := crypto.DecodeAddress(cfg.AdminAddress); err != nil {
			return fmt.Errorf("AdminAddress: %w", err)
		}
	}
	return nil
}

// EngineKey reads the engine account key.
func (cfg *Engine) EngineKey() (*crypto.PrivateKey, error) {
	raw, err := os.ReadFile(cfg.EngineKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read engine key: %w", err)
	}
	key, err := crypto.PrivateKeyFromHex(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("parse engine key: %w", err)
	}
	return key, nil
}

// Admin returns the configured admin account, which owns the collateral
// token contracts. The zero address is returned when none is set.
func (cfg *Engine) Admin() (crypto.Address, error) {
	if cfg.AdminAddress == "" {
		return crypto.Address{}, nil
	}
	return crypto.DecodeAddress(cfg.AdminAddress)
}

// CollateralAssets returns the collateral handles in registry order.
func (cfg *Engine) CollateralAssets() []crypto.Address {
	out := make([]crypto.Address, len(cfg.CollateralTokens))
	for i, token := range cfg.CollateralTokens {
		out[i] = crypto.AssetAddress(token.Symbol)
	}
	return out
}

func ensureEngineKey(configPath string, cfg *Engine) error {
	keyPath := cfg.EngineKeyPath
	if keyPath == "" {
		keyPath = defaultKeyPath(configPath)
	}

	if _, err := os.Stat(keyPath); os.IsNotExist(err) {
		if err := writeNewKey(keyPath); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.EngineKeyPath != keyPath {
		cfg.EngineKeyPath = keyPath
		return persist(configPath, cfg)
	}
	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Engine, error) {
	keyPath := defaultKeyPath(path)
	if err := writeNewKey(keyPath); err != nil {
		return nil, err
	}

	cfg := &Engine{
		EngineKeyPath: keyPath,
		Stable:        Token{Symbol: "STBL", Decimals: 18},
		CollateralTokens: []Token{
			{Symbol: "WETH", Decimals: 18},
			{Symbol: "WBTC", Decimals: 18},
		},
		PriceFeeds: []string{"ETH", "BTC"},
	}

	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func writeNewKey(path string) error {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(hex.EncodeToString(key.Bytes())), 0o600)
}

func persist(path string, cfg *Engine) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeyPath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "engine.key")
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
