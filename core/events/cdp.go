package events

import (
	"math/big"

	"stblengine/core/types"
	"stblengine/crypto"
)

const (
	TypeCollateralDeposited = "cdp.collateral.deposited"
	TypeCollateralRedeemed  = "cdp.collateral.redeemed"
	TypeStableMinted        = "cdp.stable.minted"
	TypeStableBurned        = "cdp.stable.burned"
	// TypePositionLiquidated is emitted once per successful liquidation in
	// addition to the redemption and burn records it triggers.
	TypePositionLiquidated = "cdp.position.liquidated"
)

// CollateralDeposited records collateral moving from a user into the engine.
type CollateralDeposited struct {
	User   crypto.Address
	Asset  crypto.Address
	Amount *big.Int
}

func (CollateralDeposited) EventType() string { return TypeCollateralDeposited }

func (e CollateralDeposited) Event() *types.Event {
	return &types.Event{
		Type: TypeCollateralDeposited,
		Attributes: map[string]string{
			"user":   e.User.String(),
			"asset":  e.Asset.String(),
			"amount": amountString(e.Amount),
		},
	}
}

// CollateralRedeemed records collateral leaving the engine. From is the
// position debited, To the receiving party; they differ during liquidation.
type CollateralRedeemed struct {
	From   crypto.Address
	To     crypto.Address
	Asset  crypto.Address
	Amount *big.Int
}

func (CollateralRedeemed) EventType() string { return TypeCollateralRedeemed }

func (e CollateralRedeemed) Event() *types.Event {
	return &types.Event{
		Type: TypeCollateralRedeemed,
		Attributes: map[string]string{
			"from":   e.From.String(),
			"to":     e.To.String(),
			"asset":  e.Asset.String(),
			"amount": amountString(e.Amount),
		},
	}
}

// StableMinted records new STBL debt issued to a user.
type StableMinted struct {
	User   crypto.Address
	Amount *big.Int
}

func (StableMinted) EventType() string { return TypeStableMinted }

func (e StableMinted) Event() *types.Event {
	return &types.Event{
		Type: TypeStableMinted,
		Attributes: map[string]string{
			"user":   e.User.String(),
			"amount": amountString(e.Amount),
		},
	}
}

// StableBurned records STBL destroyed by BurnedBy against OnBehalfOf's debt.
type StableBurned struct {
	BurnedBy   crypto.Address
	OnBehalfOf crypto.Address
	Amount     *big.Int
}

func (StableBurned) EventType() string { return TypeStableBurned }

func (e StableBurned) Event() *types.Event {
	return &types.Event{
		Type: TypeStableBurned,
		Attributes: map[string]string{
			"burnedBy":   e.BurnedBy.String(),
			"onBehalfOf": e.OnBehalfOf.String(),
			"amount":     amountString(e.Amount),
		},
	}
}

// PositionLiquidated summarises a completed liquidation.
type PositionLiquidated struct {
	Liquidator         crypto.Address
	Debtor             crypto.Address
	Asset              crypto.Address
	CoveredDebt        *big.Int
	CollateralSeized   *big.Int
	Bonus              *big.Int
	HealthFactorBefore *big.Int
	HealthFactorAfter  *big.Int
}

func (PositionLiquidated) EventType() string { return TypePositionLiquidated }

func (e PositionLiquidated) Event() *types.Event {
	return &types.Event{
		Type: TypePositionLiquidated,
		Attributes: map[string]string{
			"liquidator":         e.Liquidator.String(),
			"debtor":             e.Debtor.String(),
			"asset":              e.Asset.String(),
			"coveredDebt":        amountString(e.CoveredDebt),
			"collateralSeized":   amountString(e.CollateralSeized),
			"bonus":              amountString(e.Bonus),
			"healthFactorBefore": amountString(e.HealthFactorBefore),
			"healthFactorAfter":  amountString(e.HealthFactorAfter),
		},
	}
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
