package adapters

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCoinGeckoSourceParsesSimplePrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "ethereum", r.URL.Query().Get("ids"))
		require.Equal(t, "usd", r.URL.Query().Get("vs_currencies"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ethereum":{"usd":2034.17,"last_updated_at":1767225600}}`))
	}))
	defer srv.Close()

	registry := &Registry{HTTPClient: srv.Client()}
	src, err := registry.Build("cg", "coingecko", srv.URL, map[string]string{"weth": "ethereum"})
	require.NoError(t, err)
	require.Equal(t, "cg", src.Name())

	quote, err := src.Fetch(context.Background(), "WETH")
	require.NoError(t, err)
	require.Equal(t, "2034.17", quote.Rate.FloatString(2))
	require.Equal(t, int64(1767225600), quote.Timestamp.Unix())
}

func TestCoinGeckoSourceSurfacesHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	src := NewCoinGeckoSource(srv.Client(), "cg", srv.URL, nil, nil)
	_, err := src.Fetch(context.Background(), "WBTC")
	require.ErrorContains(t, err, "status 429")
}

func TestStaticSourceFromConfig(t *testing.T) {
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	registry := &Registry{Now: func() time.Time { return now }}
	src, err := registry.Build("", "static", "", map[string]string{"weth": "2000.5"})
	require.NoError(t, err)
	require.Equal(t, "static", src.Name())

	quote, err := src.Fetch(context.Background(), " WETH ")
	require.NoError(t, err)
	require.Equal(t, "4001/2", quote.Rate.String())
	require.True(t, quote.Timestamp.Equal(now))

	_, err = src.Fetch(context.Background(), "WBTC")
	require.Error(t, err)

	_, err = registry.Build("bad", "static", "", map[string]string{"weth": "abc"})
	require.Error(t, err)
	_, err = registry.Build("x", "chainlink", "", nil)
	require.Error(t, err)
}
