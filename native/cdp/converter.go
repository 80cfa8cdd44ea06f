package cdp

import (
	"math/big"

	"stblengine/crypto"
)

// ValueConverter translates between token amounts and value units. The two
// directions are approximate inverses; integer division truncates.
type ValueConverter struct {
	oracle *PriceOracleAdapter
}

// NewValueConverter binds the converter to an oracle adapter.
func NewValueConverter(oracle *PriceOracleAdapter) *ValueConverter {
	return &ValueConverter{oracle: oracle}
}

// ToValueUnits returns amount * price / 1e18.
func (c *ValueConverter) ToValueUnits(asset crypto.Address, amount *big.Int) (*big.Int, error) {
	price, err := c.oracle.Price(asset)
	if err != nil {
		return nil, err
	}
	value := new(big.Int).Mul(zeroIfNil(amount), price.Value)
	return value.Quo(value, precision), nil
}

// ToAssetAmount returns value * 1e18 / price.
func (c *ValueConverter) ToAssetAmount(asset crypto.Address, value *big.Int) (*big.Int, error) {
	price, err := c.oracle.Price(asset)
	if err != nil {
		return nil, err
	}
	amount := new(big.Int).Mul(zeroIfNil(value), precision)
	return amount.Quo(amount, price.Value), nil
}
