package cdp

import (
	"errors"
	"testing"
	"time"

	"stblengine/crypto"
)

func TestRegistryValidation(t *testing.T) {
	weth := crypto.AssetAddress("WETH")
	feed := newMockFeed(2000, 8, time.Now())

	if _, err := NewRegistry([]crypto.Address{weth}, nil); !errors.Is(err, ErrConfigMismatch) {
		t.Fatalf("expected ErrConfigMismatch, got %v", err)
	}
	if _, err := NewRegistry([]crypto.Address{{}}, []PriceSource{feed}); !errors.Is(err, ErrInvalidAsset) {
		t.Fatalf("expected ErrInvalidAsset for zero address, got %v", err)
	}
	if _, err := NewRegistry([]crypto.Address{weth}, []PriceSource{nil}); !errors.Is(err, ErrInvalidAsset) {
		t.Fatalf("expected ErrInvalidAsset for nil feed, got %v", err)
	}
	if _, err := NewRegistry([]crypto.Address{weth, weth}, []PriceSource{feed, feed}); !errors.Is(err, ErrInvalidAsset) {
		t.Fatalf("expected ErrInvalidAsset for duplicate, got %v", err)
	}

	empty, err := NewRegistry(nil, nil)
	if err != nil {
		t.Fatalf("empty registry: %v", err)
	}
	if empty.Len() != 0 {
		t.Fatalf("expected empty registry")
	}
}

func TestRegistryAssetsIsACopy(t *testing.T) {
	weth := crypto.AssetAddress("WETH")
	wbtc := crypto.AssetAddress("WBTC")
	feed := newMockFeed(2000, 8, time.Now())
	registry, err := NewRegistry([]crypto.Address{weth, wbtc}, []PriceSource{feed, feed})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	assets := registry.Assets()
	assets[0] = crypto.AssetAddress("DOGE")
	if registry.Assets()[0] != weth {
		t.Fatalf("registry must not be mutable through Assets")
	}
	if !registry.Contains(wbtc) || registry.Contains(crypto.AssetAddress("DOGE")) {
		t.Fatalf("unexpected membership")
	}
	got, err := registry.Feed(wbtc)
	if err != nil || got != PriceSource(feed) {
		t.Fatalf("unexpected feed lookup: %v", err)
	}
}
