package cdp

import (
	"math/big"
	"time"

	"stblengine/crypto"
)

// RoundData mirrors the round tuple reported by an aggregator-style price
// feed. Answer is expressed with the feed's own decimal count.
type RoundData struct {
	RoundID         uint64
	Answer          *big.Int
	StartedAt       time.Time
	UpdatedAt       time.Time
	AnsweredInRound uint64
}

// PriceSource is the read-only capability exposed by an external price feed.
type PriceSource interface {
	LatestRoundData() (RoundData, error)
	Decimals() uint8
}

// CollateralToken is the transferable asset contract behind a collateral
// handle. A false result or a non-nil error both count as a failed transfer.
type CollateralToken interface {
	// TransferFrom moves amount from -> to using spender's allowance.
	TransferFrom(spender, from, to crypto.Address, amount *big.Int) (bool, error)
	// Transfer moves amount out of from's own balance.
	Transfer(from, to crypto.Address, amount *big.Int) (bool, error)
	BalanceOf(owner crypto.Address) (*big.Int, error)
}

// StableToken is the mintable, burnable currency minted against collateral.
// Mint is restricted to the token owner, which must be the engine.
type StableToken interface {
	CollateralToken
	Mint(caller, to crypto.Address, amount *big.Int) (bool, error)
	// Burn destroys amount from caller's own holdings.
	Burn(caller crypto.Address, amount *big.Int) error
}

// TokenDirectory resolves the token contract for a collateral handle.
type TokenDirectory interface {
	Collateral(asset crypto.Address) (CollateralToken, bool)
}

// TokenMap is a static TokenDirectory.
type TokenMap map[crypto.Address]CollateralToken

// Collateral implements TokenDirectory.
func (m TokenMap) Collateral(asset crypto.Address) (CollateralToken, bool) {
	token, ok := m[asset]
	return token, ok && token != nil
}

// CollateralAsset pairs an accepted asset with its price source.
type CollateralAsset struct {
	Asset     crypto.Address
	PriceFeed PriceSource
}

// UserInformation summarises a position for read-only callers.
type UserInformation struct {
	TotalStblMinted      *big.Int
	CollateralValueInUsd *big.Int
}

// PositionSummary describes a position together with its solvency state.
type PositionSummary struct {
	User            crypto.Address
	Debt            *big.Int
	CollateralValue *big.Int
	HealthFactor    *big.Int
	Collateral      map[crypto.Address]*big.Int
}

// Liquidatable reports whether the position may be liquidated.
func (p PositionSummary) Liquidatable() bool {
	return p.HealthFactor != nil && p.HealthFactor.Cmp(minHealthFactor) < 0
}

// LiquidationResult reports the amounts moved by a successful liquidation.
type LiquidationResult struct {
	CoveredDebt        *big.Int
	CollateralSeized   *big.Int
	Bonus              *big.Int
	HealthFactorBefore *big.Int
	HealthFactorAfter  *big.Int
}
