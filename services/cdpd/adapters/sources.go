package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"stblengine/services/cdpd/oracle"
)

const defaultCoinGeckoEndpoint = "https://api.coingecko.com/api/v3/simple/price"

// Registry constructs oracle sources based on configuration.
type Registry struct {
	HTTPClient *http.Client
	Now        func() time.Time
}

// NewRegistry builds a registry with sane defaults.
func NewRegistry() *Registry {
	return &Registry{HTTPClient: &http.Client{Timeout: 10 * time.Second}, Now: time.Now}
}

// Build creates a source from the supplied configuration. assets maps asset
// symbols to upstream identifiers for HTTP sources and to decimal prices for
// static sources.
func (r *Registry) Build(name, typ, endpoint string, assets map[string]string) (oracle.Source, error) {
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case "coingecko":
		return NewCoinGeckoSource(r.client(), label(name, "coingecko"), endpoint, assets, r.clock()), nil
	case "static":
		src := NewStaticSource(label(name, "static"), r.clock())
		for symbol, price := range assets {
			rate, ok := new(big.Rat).SetString(strings.TrimSpace(price))
			if !ok {
				return nil, fmt.Errorf("static source %s: invalid price %q for %s", name, price, symbol)
			}
			src.Set(symbol, rate)
		}
		return src, nil
	default:
		return nil, fmt.Errorf("unknown oracle type %q", typ)
	}
}

func (r *Registry) client() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (r *Registry) clock() func() time.Time {
	if r.Now != nil {
		return r.Now
	}
	return time.Now
}

// StaticSource serves operator-managed prices stamped with the current time.
type StaticSource struct {
	mu     sync.RWMutex
	name   string
	now    func() time.Time
	prices map[string]*big.Rat
}

// NewStaticSource returns an empty static source.
func NewStaticSource(name string, now func() time.Time) *StaticSource {
	if now == nil {
		now = time.Now
	}
	return &StaticSource{name: name, now: now, prices: make(map[string]*big.Rat)}
}

// Set replaces the price of symbol.
func (s *StaticSource) Set(symbol string, rate *big.Rat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[normaliseSymbol(symbol)] = new(big.Rat).Set(rate)
}

func (s *StaticSource) Name() string { return s.name }

func (s *StaticSource) Fetch(ctx context.Context, symbol string) (oracle.Quote, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	rate, ok := s.prices[normaliseSymbol(symbol)]
	if !ok {
		return oracle.Quote{}, fmt.Errorf("static source %s: no price for %s", s.name, symbol)
	}
	return oracle.Quote{Rate: new(big.Rat).Set(rate), Timestamp: s.now()}, nil
}

// CoinGeckoSource adapts the public CoinGecko simple price API.
type CoinGeckoSource struct {
	client   *http.Client
	name     string
	endpoint string
	idMap    map[string]string
	now      func() time.Time
}

// NewCoinGeckoSource constructs a new adapter. idMap maps asset symbols to
// CoinGecko identifiers; unmapped symbols are looked up in lower case.
func NewCoinGeckoSource(client *http.Client, name, endpoint string, idMap map[string]string, now func() time.Time) *CoinGeckoSource {
	ep := strings.TrimSpace(endpoint)
	if ep == "" {
		ep = defaultCoinGeckoEndpoint
	}
	if client == nil {
		client = http.DefaultClient
	}
	if now == nil {
		now = time.Now
	}
	mapped := make(map[string]string, len(idMap))
	for k, v := range idMap {
		mapped[normaliseSymbol(k)] = strings.TrimSpace(v)
	}
	return &CoinGeckoSource{client: client, name: name, endpoint: ep, idMap: mapped, now: now}
}

func (s *CoinGeckoSource) Name() string { return s.name }

func (s *CoinGeckoSource) assetID(symbol string) string {
	if id, ok := s.idMap[normaliseSymbol(symbol)]; ok && id != "" {
		return id
	}
	return strings.ToLower(strings.TrimSpace(symbol))
}

func (s *CoinGeckoSource) Fetch(ctx context.Context, symbol string) (oracle.Quote, error) {
	id := s.assetID(symbol)
	if id == "" {
		return oracle.Quote{}, fmt.Errorf("coingecko: unmapped asset %s", symbol)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return oracle.Quote{}, err
	}
	values := url.Values{}
	values.Set("ids", id)
	values.Set("vs_currencies", "usd")
	values.Set("include_last_updated_at", "true")
	req.URL.RawQuery = values.Encode()
	resp, err := s.client.Do(req)
	if err != nil {
		return oracle.Quote{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return oracle.Quote{}, fmt.Errorf("coingecko: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	var payload map[string]map[string]json.Number
	if err := decoder.Decode(&payload); err != nil {
		return oracle.Quote{}, fmt.Errorf("coingecko: decode: %w", err)
	}
	entry, ok := payload[id]
	if !ok {
		return oracle.Quote{}, fmt.Errorf("coingecko: quote missing for %s", symbol)
	}
	raw := strings.TrimSpace(entry["usd"].String())
	if raw == "" {
		return oracle.Quote{}, fmt.Errorf("coingecko: empty price for %s", symbol)
	}
	rate, ok := new(big.Rat).SetString(raw)
	if !ok {
		return oracle.Quote{}, fmt.Errorf("coingecko: invalid price %q", raw)
	}
	ts := s.now()
	if updated := entry["last_updated_at"].String(); updated != "" {
		if secs, err := strconv.ParseInt(updated, 10, 64); err == nil && secs > 0 {
			ts = time.Unix(secs, 0)
		}
	}
	return oracle.Quote{Rate: rate, Timestamp: ts}, nil
}

func normaliseSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func label(name, fallback string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed != "" {
		return trimmed
	}
	return fallback
}
