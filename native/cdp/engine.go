package cdp

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"stblengine/core/events"
	"stblengine/crypto"
	nativecommon "stblengine/native/common"
)

const moduleName = "cdp"

// ModuleName is the identifier checked against the pause view.
const ModuleName = moduleName

// Config wires an Engine to its collaborators. CollateralTokens[i] is priced
// by PriceFeeds[i].
type Config struct {
	EngineAddress    crypto.Address
	CollateralTokens []crypto.Address
	PriceFeeds       []PriceSource
	Tokens           TokenDirectory
	Stable           StableToken
	Store            *Store
	Emitter          events.Emitter
	Pauses           nativecommon.PauseView
	Logger           *slog.Logger
	Now              func() time.Time
}

// Engine is the public surface of the collateralized debt module. Every
// mutating call applies its ledger changes before any token interaction and
// is rolled back in full when an interaction fails.
type Engine struct {
	address     crypto.Address
	registry    *Registry
	store       *Store
	oracle      *PriceOracleAdapter
	converter   *ValueConverter
	health      *HealthFactorCalculator
	collateral  CollateralLedger
	debt        DebtLedger
	liquidation *LiquidationEngine
	tokens      TokenDirectory
	stable      StableToken
	emitter     events.Emitter
	pauses      nativecommon.PauseView
	logger      *slog.Logger
	guard       nativecommon.ReentrancyGuard
}

// NewEngine validates cfg and builds the immutable collateral registry.
func NewEngine(cfg Config) (*Engine, error) {
	registry, err := NewRegistry(cfg.CollateralTokens, cfg.PriceFeeds)
	if err != nil {
		return nil, err
	}
	if cfg.Store == nil {
		return nil, ErrNilState
	}
	if cfg.EngineAddress.IsZero() {
		return nil, fmt.Errorf("%w: engine address not configured", ErrNilState)
	}
	if cfg.Stable == nil {
		return nil, fmt.Errorf("%w: stable token not configured", ErrNilState)
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("%w: token directory not configured", ErrNilState)
	}
	for _, asset := range registry.Assets() {
		if _, ok := cfg.Tokens.Collateral(asset); !ok {
			return nil, fmt.Errorf("%w: no token contract for %s", ErrInvalidAsset, asset)
		}
	}

	oracle := NewPriceOracleAdapter(registry, cfg.Now)
	converter := NewValueConverter(oracle)
	health := &HealthFactorCalculator{registry: registry, converter: converter}
	collateral := CollateralLedger{registry: registry}
	liquidation := &LiquidationEngine{
		registry:   registry,
		converter:  converter,
		health:     health,
		collateral: collateral,
	}
	e := &Engine{
		address:     cfg.EngineAddress,
		registry:    registry,
		store:       cfg.Store,
		oracle:      oracle,
		converter:   converter,
		health:      health,
		collateral:  collateral,
		liquidation: liquidation,
		tokens:      cfg.Tokens,
		stable:      cfg.Stable,
	}
	e.SetEmitter(cfg.Emitter)
	e.SetPauses(cfg.Pauses)
	e.SetLogger(cfg.Logger)
	return e, nil
}

// SetEmitter configures the sink for successful state changes.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

// SetPauses configures the pause switch consulted by mutating calls.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetLogger replaces the engine logger. A nil logger selects slog.Default.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if e == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger.With("module", moduleName)
}

// Address returns the account that custodies collateral and owns the stable
// token.
func (e *Engine) Address() crypto.Address { return e.address }

// execute runs one mutating call. apply stages ledger changes on tx and
// schedules token interactions on s; nothing touches the tokens until the
// staged state has been committed.
func (e *Engine) execute(op string, apply func(tx *stateTx, s *settlement) error) error {
	if e == nil || e.store == nil {
		return ErrNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	release, err := e.guard.Enter()
	if err != nil {
		return err
	}
	defer release()

	tx := newStateTx(e.store)
	s := &settlement{}
	if err := apply(tx, s); err != nil {
		return err
	}
	if err := tx.commit(); err != nil {
		return fmt.Errorf("cdp engine: commit %s: %w", op, err)
	}
	if err := s.execute(); err != nil {
		if revertErr := tx.revert(); revertErr != nil {
			e.logger.Error("cdp state revert failed", "op", op, "error", revertErr)
			err = errors.Join(err, revertErr)
		}
		e.logger.Warn("cdp call rolled back", "op", op, "error", err)
		return err
	}
	for _, evt := range tx.pending {
		e.emitter.Emit(evt)
	}
	return nil
}

func (e *Engine) collateralToken(asset crypto.Address) (CollateralToken, error) {
	token, ok := e.tokens.Collateral(asset)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTokenNotAllowed, asset)
	}
	return token, nil
}

// checkFresh prices amount of asset so that a stale or broken feed rejects the
// call even where no health check follows.
func (e *Engine) checkFresh(asset crypto.Address, amount *big.Int) error {
	_, err := e.converter.ToValueUnits(asset, amount)
	return err
}

func (e *Engine) pullCollateral(s *settlement, token CollateralToken, user, asset crypto.Address, amount *big.Int) {
	s.add(interaction{
		name:    "collateral transferFrom " + asset.String(),
		failure: ErrTransferFailed,
		run:     func() (bool, error) { return token.TransferFrom(e.address, user, e.address, amount) },
		undo:    func() (bool, error) { return token.Transfer(e.address, user, amount) },
	})
}

func (e *Engine) pushCollateral(s *settlement, token CollateralToken, to, asset crypto.Address, amount *big.Int) {
	s.add(interaction{
		name:    "collateral transfer " + asset.String(),
		failure: ErrTransferFailed,
		run:     func() (bool, error) { return token.Transfer(e.address, to, amount) },
	})
}

// pullAndBurnStable moves amount of STBL from payer into the engine and
// destroys it.
func (e *Engine) pullAndBurnStable(s *settlement, payer crypto.Address, amount *big.Int) {
	s.add(interaction{
		name:    "stable transferFrom",
		failure: ErrTransferFailed,
		run:     func() (bool, error) { return e.stable.TransferFrom(e.address, payer, e.address, amount) },
		undo:    func() (bool, error) { return e.stable.Transfer(e.address, payer, amount) },
	})
	s.add(interaction{
		name:    "stable burn",
		failure: ErrTransferFailed,
		run: func() (bool, error) {
			if err := e.stable.Burn(e.address, amount); err != nil {
				return false, err
			}
			return true, nil
		},
		undo: func() (bool, error) { return e.stable.Mint(e.address, e.address, amount) },
	})
}

func (e *Engine) mintStable(s *settlement, to crypto.Address, amount *big.Int) {
	s.add(interaction{
		name:    "stable mint",
		failure: ErrMintFailed,
		run:     func() (bool, error) { return e.stable.Mint(e.address, to, amount) },
	})
}

// DepositCollateral locks amount of asset from user in the engine.
func (e *Engine) DepositCollateral(user, asset crypto.Address, amount *big.Int) error {
	return e.execute("depositCollateral", func(tx *stateTx, s *settlement) error {
		if err := e.collateral.deposit(tx, user, asset, amount); err != nil {
			return err
		}
		if err := e.checkFresh(asset, amount); err != nil {
			return err
		}
		token, err := e.collateralToken(asset)
		if err != nil {
			return err
		}
		e.pullCollateral(s, token, user, asset, amount)
		return nil
	})
}

// RedeemCollateral releases amount of asset back to user. The position must
// remain healthy.
func (e *Engine) RedeemCollateral(user, asset crypto.Address, amount *big.Int) error {
	return e.execute("redeemCollateral", func(tx *stateTx, s *settlement) error {
		if err := e.collateral.withdraw(tx, user, user, asset, amount); err != nil {
			return err
		}
		if err := e.health.requireHealthy(tx, user); err != nil {
			return err
		}
		token, err := e.collateralToken(asset)
		if err != nil {
			return err
		}
		e.pushCollateral(s, token, user, asset, amount)
		return nil
	})
}

// MintStbl records amount of new debt for user and mints the currency to them.
func (e *Engine) MintStbl(user crypto.Address, amount *big.Int) error {
	return e.execute("mintStbl", func(tx *stateTx, s *settlement) error {
		if err := e.debt.mint(tx, user, amount); err != nil {
			return err
		}
		if err := e.health.requireHealthy(tx, user); err != nil {
			return err
		}
		e.mintStable(s, user, amount)
		return nil
	})
}

// BurnStbl repays amount of user's debt with user's own currency.
func (e *Engine) BurnStbl(user crypto.Address, amount *big.Int) error {
	return e.execute("burnStbl", func(tx *stateTx, s *settlement) error {
		if err := e.debt.burn(tx, user, user, amount); err != nil {
			return err
		}
		e.pullAndBurnStable(s, user, amount)
		return nil
	})
}

// DepositCollateralAndMintStbl deposits collateral and mints against it in a
// single all-or-nothing call.
func (e *Engine) DepositCollateralAndMintStbl(user, asset crypto.Address, collateralAmount, stblAmount *big.Int) error {
	return e.execute("depositCollateralAndMintStbl", func(tx *stateTx, s *settlement) error {
		if err := e.collateral.deposit(tx, user, asset, collateralAmount); err != nil {
			return err
		}
		if err := e.debt.mint(tx, user, stblAmount); err != nil {
			return err
		}
		if err := e.health.requireHealthy(tx, user); err != nil {
			return err
		}
		token, err := e.collateralToken(asset)
		if err != nil {
			return err
		}
		e.pullCollateral(s, token, user, asset, collateralAmount)
		e.mintStable(s, user, stblAmount)
		return nil
	})
}

// BurnStblAndWithdrawCollateral repays debt and withdraws collateral in a
// single all-or-nothing call. The health check runs on the final state.
func (e *Engine) BurnStblAndWithdrawCollateral(user, asset crypto.Address, collateralAmount, stblAmount *big.Int) error {
	return e.execute("burnStblAndWithdrawCollateral", func(tx *stateTx, s *settlement) error {
		if err := e.debt.burn(tx, user, user, stblAmount); err != nil {
			return err
		}
		if err := e.collateral.withdraw(tx, user, user, asset, collateralAmount); err != nil {
			return err
		}
		if err := e.health.requireHealthy(tx, user); err != nil {
			return err
		}
		token, err := e.collateralToken(asset)
		if err != nil {
			return err
		}
		e.pullAndBurnStable(s, user, stblAmount)
		e.pushCollateral(s, token, user, asset, collateralAmount)
		return nil
	})
}

// RedeemCollateralForStbl is an alias of BurnStblAndWithdrawCollateral.
func (e *Engine) RedeemCollateralForStbl(user, asset crypto.Address, collateralAmount, stblAmount *big.Int) error {
	return e.BurnStblAndWithdrawCollateral(user, asset, collateralAmount, stblAmount)
}

// Liquidate repays debtToCover of debtor's debt with liquidator's currency and
// transfers the equivalent collateral plus a 10% bonus to liquidator.
func (e *Engine) Liquidate(liquidator, asset, debtor crypto.Address, debtToCover *big.Int) (*LiquidationResult, error) {
	var result *LiquidationResult
	err := e.execute("liquidate", func(tx *stateTx, s *settlement) error {
		res, err := e.liquidation.liquidate(tx, liquidator, debtor, asset, debtToCover)
		if err != nil {
			return err
		}
		token, err := e.collateralToken(asset)
		if err != nil {
			return err
		}
		e.pullAndBurnStable(s, liquidator, res.CoveredDebt)
		if res.CollateralSeized.Sign() > 0 {
			e.pushCollateral(s, token, liquidator, asset, res.CollateralSeized)
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("cdp position liquidated",
		"liquidator", liquidator.String(),
		"debtor", debtor.String(),
		"asset", asset.String(),
		"covered", result.CoveredDebt.String(),
		"seized", result.CollateralSeized.String())
	return result, nil
}

// HealthFactor returns user's current health factor in 1e18 fixed point.
func (e *Engine) HealthFactor(user crypto.Address) (*big.Int, error) {
	if e == nil || e.store == nil {
		return nil, ErrNilState
	}
	return e.health.healthFactor(e.store, user)
}

// AccountCollateralValue returns the total value of user's collateral.
func (e *Engine) AccountCollateralValue(user crypto.Address) (*big.Int, error) {
	if e == nil || e.store == nil {
		return nil, ErrNilState
	}
	return e.health.collateralValue(e.store, user)
}

// UsdValue converts amount of asset to value units.
func (e *Engine) UsdValue(asset crypto.Address, amount *big.Int) (*big.Int, error) {
	if e == nil {
		return nil, ErrNilState
	}
	return e.converter.ToValueUnits(asset, amount)
}

// TokenAmountFromUsd converts value units to an amount of asset.
func (e *Engine) TokenAmountFromUsd(asset crypto.Address, usdAmount *big.Int) (*big.Int, error) {
	if e == nil {
		return nil, ErrNilState
	}
	return e.converter.ToAssetAmount(asset, usdAmount)
}

// UserInformation returns user's debt and collateral value.
func (e *Engine) UserInformation(user crypto.Address) (UserInformation, error) {
	if e == nil || e.store == nil {
		return UserInformation{}, ErrNilState
	}
	debt, value, err := e.health.accountInformation(e.store, user)
	if err != nil {
		return UserInformation{}, err
	}
	return UserInformation{TotalStblMinted: debt, CollateralValueInUsd: value}, nil
}

// CollateralBalance returns the amount of asset user has deposited.
func (e *Engine) CollateralBalance(user, asset crypto.Address) (*big.Int, error) {
	if e == nil || e.store == nil {
		return nil, ErrNilState
	}
	return e.store.Collateral(user, asset)
}

// CollateralTokens lists the accepted collateral assets in configuration
// order.
func (e *Engine) CollateralTokens() []crypto.Address {
	if e == nil {
		return nil
	}
	return e.registry.Assets()
}

// PriceFeed returns the price source registered for asset.
func (e *Engine) PriceFeed(asset crypto.Address) (PriceSource, error) {
	if e == nil {
		return nil, ErrNilState
	}
	return e.registry.Feed(asset)
}

// Price returns the current normalized price of asset.
func (e *Engine) Price(asset crypto.Address) (Price, error) {
	if e == nil {
		return Price{}, ErrNilState
	}
	return e.oracle.Price(asset)
}

// Constants returns the engine's fixed parameters.
func (e *Engine) Constants() Constants {
	return EngineConstants()
}

// Position summarises user's position, per-asset balances included.
func (e *Engine) Position(user crypto.Address) (PositionSummary, error) {
	if e == nil || e.store == nil {
		return PositionSummary{}, ErrNilState
	}
	debt, value, err := e.health.accountInformation(e.store, user)
	if err != nil {
		return PositionSummary{}, err
	}
	summary := PositionSummary{
		User:            user,
		Debt:            debt,
		CollateralValue: value,
		HealthFactor:    CalculateHealthFactor(debt, value),
		Collateral:      make(map[crypto.Address]*big.Int),
	}
	for _, asset := range e.registry.Assets() {
		amount, err := e.store.Collateral(user, asset)
		if err != nil {
			return PositionSummary{}, err
		}
		if amount.Sign() > 0 {
			summary.Collateral[asset] = amount
		}
	}
	return summary, nil
}

// Positions summarises every account that has ever held a position.
func (e *Engine) Positions() ([]PositionSummary, error) {
	if e == nil || e.store == nil {
		return nil, ErrNilState
	}
	users, err := e.store.Users()
	if err != nil {
		return nil, err
	}
	out := make([]PositionSummary, 0, len(users))
	for _, user := range users {
		summary, err := e.Position(user)
		if err != nil {
			return nil, err
		}
		out = append(out, summary)
	}
	return out, nil
}
