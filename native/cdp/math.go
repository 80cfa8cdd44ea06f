package cdp

import (
	"math/big"
	"time"

	"github.com/holiman/uint256"
)

const (
	// PrecisionDecimals is the canonical fixed-point scale for prices, values
	// and health factors.
	PrecisionDecimals = 18
	// LiquidationThresholdPct is the share of collateral value counted toward
	// solvency. 50 means debt may be at most half the collateral value.
	LiquidationThresholdPct = 50
	// LiquidationBonusPct is the extra collateral awarded to liquidators.
	LiquidationBonusPct = 10
	// LiquidationPrecision is the denominator for the two percentages above.
	LiquidationPrecision = 100
	// OracleTimeout is the maximum age of a price reading.
	OracleTimeout = 3 * time.Hour
)

var (
	precision            = pow10(PrecisionDecimals)
	liquidationThreshold = big.NewInt(LiquidationThresholdPct)
	liquidationBonus     = big.NewInt(LiquidationBonusPct)
	liquidationPrecision = big.NewInt(LiquidationPrecision)
	minHealthFactor      = pow10(PrecisionDecimals)
	maxHealthFactor      = new(uint256.Int).SetAllOne().ToBig()
)

// Constants exposes the engine's fixed parameters to read-only callers.
type Constants struct {
	Precision              *big.Int
	LiquidationThreshold   *big.Int
	LiquidationBonus       *big.Int
	LiquidationPrecision   *big.Int
	MinHealthFactor        *big.Int
	MaxHealthFactor        *big.Int
	OracleTimeout          time.Duration
	CanonicalPriceDecimals uint8
}

// EngineConstants returns a fresh copy of the fixed parameters.
func EngineConstants() Constants {
	return Constants{
		Precision:              new(big.Int).Set(precision),
		LiquidationThreshold:   new(big.Int).Set(liquidationThreshold),
		LiquidationBonus:       new(big.Int).Set(liquidationBonus),
		LiquidationPrecision:   new(big.Int).Set(liquidationPrecision),
		MinHealthFactor:        new(big.Int).Set(minHealthFactor),
		MaxHealthFactor:        new(big.Int).Set(maxHealthFactor),
		OracleTimeout:          OracleTimeout,
		CanonicalPriceDecimals: PrecisionDecimals,
	}
}

// MaxHealthFactor returns the value reported for positions without debt.
func MaxHealthFactor() *big.Int { return new(big.Int).Set(maxHealthFactor) }

// MinHealthFactor returns 1.0 in fixed point.
func MinHealthFactor() *big.Int { return new(big.Int).Set(minHealthFactor) }

func pow10(n uint) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), new(big.Int).SetUint64(uint64(n)), nil)
}

// normalizePrice rescales a feed answer with the given decimal count to
// PrecisionDecimals using exact integer scaling.
func normalizePrice(answer *big.Int, decimals uint8) *big.Int {
	switch {
	case decimals == PrecisionDecimals:
		return new(big.Int).Set(answer)
	case decimals < PrecisionDecimals:
		return new(big.Int).Mul(answer, pow10(uint(PrecisionDecimals-decimals)))
	default:
		return new(big.Int).Quo(answer, pow10(uint(decimals-PrecisionDecimals)))
	}
}

// CalculateHealthFactor derives the health factor from a debt amount and a
// collateral value, both in 1e18 fixed point.
func CalculateHealthFactor(totalMinted, collateralValue *big.Int) *big.Int {
	if totalMinted == nil || totalMinted.Sign() == 0 {
		return MaxHealthFactor()
	}
	if collateralValue == nil {
		collateralValue = new(big.Int)
	}
	hf := new(big.Int).Mul(collateralValue, liquidationThreshold)
	hf.Mul(hf, precision)
	hf.Quo(hf, liquidationPrecision)
	return hf.Quo(hf, totalMinted)
}

func toWord(amount *big.Int) (*uint256.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrAmountZero
	}
	word, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, ErrAmountOverflow
	}
	return word, nil
}

func zeroIfNil(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
