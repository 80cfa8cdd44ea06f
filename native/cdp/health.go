package cdp

import (
	"fmt"
	"math/big"

	"stblengine/crypto"
)

// HealthFactorCalculator derives solvency ratios from ledger balances.
type HealthFactorCalculator struct {
	registry  *Registry
	converter *ValueConverter
}

// collateralValue sums the value of every registered asset held by user,
// zero balances included, so every feed is consulted on each evaluation.
func (h *HealthFactorCalculator) collateralValue(view positionView, user crypto.Address) (*big.Int, error) {
	total := new(big.Int)
	for _, asset := range h.registry.Assets() {
		amount, err := view.collateralOf(user, asset)
		if err != nil {
			return nil, err
		}
		value, err := h.converter.ToValueUnits(asset, amount)
		if err != nil {
			return nil, err
		}
		total.Add(total, value)
	}
	return total, nil
}

func (h *HealthFactorCalculator) accountInformation(view positionView, user crypto.Address) (debt, collateralValue *big.Int, err error) {
	debt, err = view.debtOf(user)
	if err != nil {
		return nil, nil, err
	}
	collateralValue, err = h.collateralValue(view, user)
	if err != nil {
		return nil, nil, err
	}
	return debt, collateralValue, nil
}

// healthFactor values user's collateral before looking at debt, so a stale or
// broken feed fails the evaluation even for debt-free users.
func (h *HealthFactorCalculator) healthFactor(view positionView, user crypto.Address) (*big.Int, error) {
	debt, value, err := h.accountInformation(view, user)
	if err != nil {
		return nil, err
	}
	return CalculateHealthFactor(debt, value), nil
}

// requireHealthy fails with ErrBadHealthFactor when user is below 1.0.
func (h *HealthFactorCalculator) requireHealthy(view positionView, user crypto.Address) error {
	hf, err := h.healthFactor(view, user)
	if err != nil {
		return err
	}
	if hf.Cmp(minHealthFactor) < 0 {
		return fmt.Errorf("%w: %s at %s", ErrBadHealthFactor, user, hf)
	}
	return nil
}
