package cdp

import (
	"fmt"

	"stblengine/crypto"
)

// Registry is the immutable set of accepted collateral assets. It is built
// once and never mutated afterwards.
type Registry struct {
	assets []CollateralAsset
	index  map[crypto.Address]int
}

// NewRegistry pairs tokens[i] with feeds[i]. The lists must be the same
// length; zero, nil and duplicate entries are rejected.
func NewRegistry(tokens []crypto.Address, feeds []PriceSource) (*Registry, error) {
	if len(tokens) != len(feeds) {
		return nil, fmt.Errorf("%w: %d tokens, %d feeds", ErrConfigMismatch, len(tokens), len(feeds))
	}
	reg := &Registry{
		assets: make([]CollateralAsset, 0, len(tokens)),
		index:  make(map[crypto.Address]int, len(tokens)),
	}
	for i, token := range tokens {
		if token.IsZero() {
			return nil, fmt.Errorf("%w: token %d is the zero address", ErrInvalidAsset, i)
		}
		if feeds[i] == nil {
			return nil, fmt.Errorf("%w: token %s has no price feed", ErrInvalidAsset, token)
		}
		if _, exists := reg.index[token]; exists {
			return nil, fmt.Errorf("%w: token %s listed twice", ErrInvalidAsset, token)
		}
		reg.index[token] = len(reg.assets)
		reg.assets = append(reg.assets, CollateralAsset{Asset: token, PriceFeed: feeds[i]})
	}
	return reg, nil
}

// Assets returns the accepted collateral handles in registration order.
func (r *Registry) Assets() []crypto.Address {
	if r == nil {
		return nil
	}
	out := make([]crypto.Address, len(r.assets))
	for i, asset := range r.assets {
		out[i] = asset.Asset
	}
	return out
}

// Contains reports whether asset is accepted as collateral.
func (r *Registry) Contains(asset crypto.Address) bool {
	if r == nil {
		return false
	}
	_, ok := r.index[asset]
	return ok
}

// Feed returns the price source registered for asset.
func (r *Registry) Feed(asset crypto.Address) (PriceSource, error) {
	if r == nil {
		return nil, ErrTokenNotAllowed
	}
	idx, ok := r.index[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTokenNotAllowed, asset)
	}
	return r.assets[idx].PriceFeed, nil
}

// Len returns the number of accepted assets.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.assets)
}
