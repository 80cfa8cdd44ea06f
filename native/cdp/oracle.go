package cdp

import (
	"fmt"
	"math/big"
	"time"

	"stblengine/crypto"
)

// Price is a feed reading rescaled to PrecisionDecimals. Decimals keeps the
// source's native decimal count for reference.
type Price struct {
	Value     *big.Int
	Decimals  uint8
	UpdatedAt time.Time
	RoundID   uint64
}

// PriceOracleAdapter reads the registered feed of an asset, rejects stale or
// non-positive answers and normalizes the result.
type PriceOracleAdapter struct {
	registry *Registry
	timeout  time.Duration
	now      func() time.Time
}

// NewPriceOracleAdapter wraps the registry's feeds with the fixed staleness
// timeout.
func NewPriceOracleAdapter(registry *Registry, now func() time.Time) *PriceOracleAdapter {
	if now == nil {
		now = time.Now
	}
	return &PriceOracleAdapter{registry: registry, timeout: OracleTimeout, now: now}
}

// Price returns the normalized price of asset.
func (o *PriceOracleAdapter) Price(asset crypto.Address) (Price, error) {
	feed, err := o.registry.Feed(asset)
	if err != nil {
		return Price{}, err
	}
	round, err := feed.LatestRoundData()
	if err != nil {
		return Price{}, fmt.Errorf("%w: %s: %w", ErrOracleStale, asset, err)
	}
	if round.UpdatedAt.IsZero() {
		return Price{}, fmt.Errorf("%w: %s has never been updated", ErrOracleStale, asset)
	}
	if age := o.now().Sub(round.UpdatedAt); age > o.timeout {
		return Price{}, fmt.Errorf("%w: %s last updated %s ago", ErrOracleStale, asset, age.Truncate(time.Second))
	}
	if round.Answer == nil || round.Answer.Sign() <= 0 {
		return Price{}, fmt.Errorf("%w: %s", ErrInvalidPrice, asset)
	}
	decimals := feed.Decimals()
	value := normalizePrice(round.Answer, decimals)
	if value.Sign() <= 0 {
		return Price{}, fmt.Errorf("%w: %s rounds to zero at %d decimals", ErrInvalidPrice, asset, decimals)
	}
	return Price{Value: value, Decimals: decimals, UpdatedAt: round.UpdatedAt, RoundID: round.RoundID}, nil
}
