package cdp

import (
	"errors"

	nativecommon "stblengine/native/common"
)

var (
	ErrNilState                = errors.New("cdp engine: state not configured")
	ErrConfigMismatch          = errors.New("cdp engine: collateral token and price feed lists differ in length")
	ErrInvalidAsset            = errors.New("cdp engine: invalid collateral asset")
	ErrAmountZero              = errors.New("cdp engine: amount must be greater than zero")
	ErrAmountOverflow          = errors.New("cdp engine: amount exceeds 256 bits")
	ErrTokenNotAllowed         = errors.New("cdp engine: token not allowed as collateral")
	ErrTransferFailed          = errors.New("cdp engine: token transfer failed")
	ErrMintFailed              = errors.New("cdp engine: stable mint failed")
	ErrInsufficientCollateral  = errors.New("cdp engine: insufficient collateral balance")
	ErrInsufficientDebt        = errors.New("cdp engine: burn amount exceeds minted debt")
	ErrBadHealthFactor         = errors.New("cdp engine: health factor below minimum")
	ErrGoodHealthFactor        = errors.New("cdp engine: health factor is not below minimum")
	ErrHealthFactorNotImproved = errors.New("cdp engine: liquidation did not improve health factor")
	ErrOracleStale             = errors.New("cdp engine: oracle price is stale")
	ErrInvalidPrice            = errors.New("cdp engine: oracle price must be positive")

	// ErrReentrantCall is returned when a mutating call arrives while another
	// one is still executing.
	ErrReentrantCall = nativecommon.ErrReentrantCall
)
