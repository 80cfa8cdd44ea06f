package cdp

import (
	"fmt"
	"math/big"

	"stblengine/core/events"
	"stblengine/crypto"
)

// CollateralLedger tracks per-user, per-asset collateral balances.
type CollateralLedger struct {
	registry *Registry
}

// deposit credits amount of asset to user.
func (l CollateralLedger) deposit(tx *stateTx, user, asset crypto.Address, amount *big.Int) error {
	word, err := toWord(amount)
	if err != nil {
		return err
	}
	if !l.registry.Contains(asset) {
		return fmt.Errorf("%w: %s", ErrTokenNotAllowed, asset)
	}
	balance, err := tx.collateralWord(user, asset)
	if err != nil {
		return err
	}
	if _, overflow := balance.AddOverflow(balance, word); overflow {
		return ErrAmountOverflow
	}
	if err := tx.setCollateral(user, asset, balance); err != nil {
		return err
	}
	tx.record(events.CollateralDeposited{User: user, Asset: asset, Amount: new(big.Int).Set(amount)})
	return nil
}

// withdraw debits amount of asset from the position of from. The caller-owns
// check is the caller's responsibility; liquidation debits a third party.
func (l CollateralLedger) withdraw(tx *stateTx, from, to, asset crypto.Address, amount *big.Int) error {
	word, err := toWord(amount)
	if err != nil {
		return err
	}
	if !l.registry.Contains(asset) {
		return fmt.Errorf("%w: %s", ErrTokenNotAllowed, asset)
	}
	balance, err := tx.collateralWord(from, asset)
	if err != nil {
		return err
	}
	if _, underflow := balance.SubOverflow(balance, word); underflow {
		return fmt.Errorf("%w: %s holds less than %s of %s", ErrInsufficientCollateral, from, amount, asset)
	}
	if err := tx.setCollateral(from, asset, balance); err != nil {
		return err
	}
	tx.record(events.CollateralRedeemed{From: from, To: to, Asset: asset, Amount: new(big.Int).Set(amount)})
	return nil
}

// DebtLedger tracks the STBL minted by each user.
type DebtLedger struct{}

func (DebtLedger) mint(tx *stateTx, user crypto.Address, amount *big.Int) error {
	word, err := toWord(amount)
	if err != nil {
		return err
	}
	debt, err := tx.debtWord(user)
	if err != nil {
		return err
	}
	if _, overflow := debt.AddOverflow(debt, word); overflow {
		return ErrAmountOverflow
	}
	if err := tx.setDebt(user, debt); err != nil {
		return err
	}
	tx.record(events.StableMinted{User: user, Amount: new(big.Int).Set(amount)})
	return nil
}

// burn reduces onBehalfOf's debt. The currency itself is pulled from burnedBy
// by the facade.
func (DebtLedger) burn(tx *stateTx, burnedBy, onBehalfOf crypto.Address, amount *big.Int) error {
	word, err := toWord(amount)
	if err != nil {
		return err
	}
	debt, err := tx.debtWord(onBehalfOf)
	if err != nil {
		return err
	}
	if _, underflow := debt.SubOverflow(debt, word); underflow {
		return fmt.Errorf("%w: %s owes less than %s", ErrInsufficientDebt, onBehalfOf, amount)
	}
	if err := tx.setDebt(onBehalfOf, debt); err != nil {
		return err
	}
	tx.record(events.StableBurned{BurnedBy: burnedBy, OnBehalfOf: onBehalfOf, Amount: new(big.Int).Set(amount)})
	return nil
}
