package cdp

import (
	"fmt"
	"math/big"

	"stblengine/core/events"
	"stblengine/crypto"
)

// LiquidationEngine moves collateral from an unhealthy position to a third
// party who repays part of its debt.
type LiquidationEngine struct {
	registry   *Registry
	converter  *ValueConverter
	health     *HealthFactorCalculator
	collateral CollateralLedger
	debt       DebtLedger
}

// liquidate applies the ledger side of a liquidation to tx. The debtor's
// health factor must be below 1.0 beforehand and strictly higher afterwards.
func (l *LiquidationEngine) liquidate(tx *stateTx, liquidator, debtor, asset crypto.Address, coveredDebt *big.Int) (*LiquidationResult, error) {
	if coveredDebt == nil || coveredDebt.Sign() <= 0 {
		return nil, ErrAmountZero
	}
	if !l.registry.Contains(asset) {
		return nil, fmt.Errorf("%w: %s", ErrTokenNotAllowed, asset)
	}

	before, err := l.health.healthFactor(tx, debtor)
	if err != nil {
		return nil, err
	}
	if before.Cmp(minHealthFactor) >= 0 {
		return nil, fmt.Errorf("%w: %s at %s", ErrGoodHealthFactor, debtor, before)
	}

	converted, err := l.converter.ToAssetAmount(asset, coveredDebt)
	if err != nil {
		return nil, err
	}
	bonus := new(big.Int).Mul(converted, liquidationBonus)
	bonus.Quo(bonus, liquidationPrecision)
	seized := new(big.Int).Add(converted, bonus)

	// Dust covers can round the seizure down to nothing; the debt is still repaid.
	if seized.Sign() > 0 {
		if err := l.collateral.withdraw(tx, debtor, liquidator, asset, seized); err != nil {
			return nil, err
		}
	}
	if err := l.debt.burn(tx, liquidator, debtor, coveredDebt); err != nil {
		return nil, err
	}

	after, err := l.health.healthFactor(tx, debtor)
	if err != nil {
		return nil, err
	}
	if after.Cmp(before) <= 0 {
		return nil, fmt.Errorf("%w: %s from %s to %s", ErrHealthFactorNotImproved, debtor, before, after)
	}
	if err := l.health.requireHealthy(tx, liquidator); err != nil {
		return nil, fmt.Errorf("liquidator: %w", err)
	}

	result := &LiquidationResult{
		CoveredDebt:        new(big.Int).Set(coveredDebt),
		CollateralSeized:   seized,
		Bonus:              bonus,
		HealthFactorBefore: before,
		HealthFactorAfter:  after,
	}
	tx.record(events.PositionLiquidated{
		Liquidator:         liquidator,
		Debtor:             debtor,
		Asset:              asset,
		CoveredDebt:        result.CoveredDebt,
		CollateralSeized:   new(big.Int).Set(seized),
		Bonus:              new(big.Int).Set(bonus),
		HealthFactorBefore: new(big.Int).Set(before),
		HealthFactorAfter:  new(big.Int).Set(after),
	})
	return result, nil
}
