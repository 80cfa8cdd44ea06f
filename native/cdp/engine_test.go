package cdp

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"stblengine/core/events"
	"stblengine/crypto"
	nativecommon "stblengine/native/common"
	"stblengine/storage"
)

func TestNewEngineRejectsMismatchedLists(t *testing.T) {
	weth := crypto.AssetAddress("WETH")
	_, err := NewEngine(Config{
		EngineAddress:    makeAddress(crypto.AccountPrefix, 0x01),
		CollateralTokens: []crypto.Address{weth, crypto.AssetAddress("WBTC")},
		PriceFeeds:       []PriceSource{newMockFeed(2000, 8, time.Now())},
		Tokens:           TokenMap{weth: newMockToken()},
		Stable:           newMockToken(),
		Store:            NewStore(storage.NewMemDB()),
	})
	if !errors.Is(err, ErrConfigMismatch) {
		t.Fatalf("expected ErrConfigMismatch, got %v", err)
	}
}

func TestNewEngineRequiresTokenContracts(t *testing.T) {
	weth := crypto.AssetAddress("WETH")
	_, err := NewEngine(Config{
		EngineAddress:    makeAddress(crypto.AccountPrefix, 0x01),
		CollateralTokens: []crypto.Address{weth},
		PriceFeeds:       []PriceSource{newMockFeed(2000, 8, time.Now())},
		Tokens:           TokenMap{},
		Stable:           newMockToken(),
		Store:            NewStore(storage.NewMemDB()),
	})
	if !errors.Is(err, ErrInvalidAsset) {
		t.Fatalf("expected ErrInvalidAsset, got %v", err)
	}
}

func TestHealthFactorIsMaxWithoutDebt(t *testing.T) {
	f := newEngineFixture(t)
	user := makeAddress(crypto.AccountPrefix, 0x01)

	hf, err := f.engine.HealthFactor(user)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	expectAmount(t, "health factor", hf, MaxHealthFactor())

	f.wethFeed.err = errors.New("feed offline")
	if _, err := f.engine.HealthFactor(user); err == nil {
		t.Fatalf("debt-free health factor must still value collateral through the feeds")
	}
}

func TestUsdValueNormalizesEightDecimalFeed(t *testing.T) {
	f := newEngineFixture(t)

	value, err := f.engine.UsdValue(f.weth, units(15))
	if err != nil {
		t.Fatalf("usd value: %v", err)
	}
	expectAmount(t, "usd value", value, units(30000))

	amount, err := f.engine.TokenAmountFromUsd(f.weth, units(30000))
	if err != nil {
		t.Fatalf("token amount: %v", err)
	}
	expectAmount(t, "token amount", amount, units(15))
}

func TestConversionsRejectUnregisteredAsset(t *testing.T) {
	f := newEngineFixture(t)
	unknown := crypto.AssetAddress("DOGE")

	if _, err := f.engine.UsdValue(unknown, units(1)); !errors.Is(err, ErrTokenNotAllowed) {
		t.Fatalf("expected ErrTokenNotAllowed, got %v", err)
	}
	if _, err := f.engine.TokenAmountFromUsd(unknown, units(1)); !errors.Is(err, ErrTokenNotAllowed) {
		t.Fatalf("expected ErrTokenNotAllowed, got %v", err)
	}
	if _, err := f.engine.PriceFeed(unknown); !errors.Is(err, ErrTokenNotAllowed) {
		t.Fatalf("expected ErrTokenNotAllowed, got %v", err)
	}
}

func TestDepositThenRedeemRestoresBalances(t *testing.T) {
	f := newEngineFixture(t)
	user := makeAddress(crypto.AccountPrefix, 0x01)
	f.wethToken.fund(user, units(10))

	if err := f.engine.DepositCollateral(user, f.weth, units(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	expectAmount(t, "ledger balance", f.collateral(t, user, f.weth), units(10))
	expectAmount(t, "engine custody", f.wethToken.balance(f.address), units(10))
	expectAmount(t, "user wallet", f.wethToken.balance(user), new(big.Int))

	if err := f.engine.RedeemCollateral(user, f.weth, units(10)); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	expectAmount(t, "ledger balance", f.collateral(t, user, f.weth), new(big.Int))
	expectAmount(t, "user wallet", f.wethToken.balance(user), units(10))
	expectAmount(t, "engine custody", f.wethToken.balance(f.address), new(big.Int))

	recorded := f.recorder.Events()
	if len(recorded) != 2 {
		t.Fatalf("expected 2 events, got %d", len(recorded))
	}
	deposited, ok := recorded[0].(events.CollateralDeposited)
	if !ok || deposited.User != user || deposited.Asset != f.weth {
		t.Fatalf("unexpected deposit event: %#v", recorded[0])
	}
	redeemed, ok := recorded[1].(events.CollateralRedeemed)
	if !ok || redeemed.From != user || redeemed.To != user {
		t.Fatalf("unexpected redeem event: %#v", recorded[1])
	}
}

func TestDepositValidatesInput(t *testing.T) {
	f := newEngineFixture(t)
	user := makeAddress(crypto.AccountPrefix, 0x01)

	if err := f.engine.DepositCollateral(user, f.weth, big.NewInt(0)); !errors.Is(err, ErrAmountZero) {
		t.Fatalf("expected ErrAmountZero, got %v", err)
	}
	if err := f.engine.DepositCollateral(user, crypto.AssetAddress("DOGE"), units(1)); !errors.Is(err, ErrTokenNotAllowed) {
		t.Fatalf("expected ErrTokenNotAllowed, got %v", err)
	}
	if len(f.recorder.Events()) != 0 {
		t.Fatalf("failed calls must not emit events")
	}
}

func TestDepositRollsBackOnTransferFailure(t *testing.T) {
	f := newEngineFixture(t)
	user := makeAddress(crypto.AccountPrefix, 0x01)
	f.wethToken.fund(user, units(5))

	f.wethToken.failTransferFrom = true
	if err := f.engine.DepositCollateral(user, f.weth, units(5)); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	expectAmount(t, "ledger balance", f.collateral(t, user, f.weth), new(big.Int))

	f.wethToken.failTransferFrom = false
	f.wethToken.errTransferFrom = errors.New("allowance exceeded")
	if err := f.engine.DepositCollateral(user, f.weth, units(5)); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed for erroring token, got %v", err)
	}

	f.wethToken.errTransferFrom = nil
	f.wethToken.panicTransferFrom = true
	if err := f.engine.DepositCollateral(user, f.weth, units(5)); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed for panicking token, got %v", err)
	}
	expectAmount(t, "ledger balance", f.collateral(t, user, f.weth), new(big.Int))
	expectAmount(t, "user wallet", f.wethToken.balance(user), units(5))
	if len(f.recorder.Events()) != 0 {
		t.Fatalf("rolled back calls must not emit events")
	}
}

func TestMintUpToHalfCollateralValue(t *testing.T) {
	f := newEngineFixture(t)
	user := makeAddress(crypto.AccountPrefix, 0x01)
	f.wethToken.fund(user, units(10))
	if err := f.engine.DepositCollateral(user, f.weth, units(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	value, err := f.engine.AccountCollateralValue(user)
	if err != nil {
		t.Fatalf("collateral value: %v", err)
	}
	expectAmount(t, "collateral value", value, units(20000))

	half := new(big.Int).Quo(value, big.NewInt(2))
	overLimit := new(big.Int).Add(half, big.NewInt(1))
	if err := f.engine.MintStbl(user, overLimit); !errors.Is(err, ErrBadHealthFactor) {
		t.Fatalf("expected ErrBadHealthFactor, got %v", err)
	}
	expectAmount(t, "debt after rejected mint", f.debt(t, user), new(big.Int))

	if err := f.engine.MintStbl(user, half); err != nil {
		t.Fatalf("mint: %v", err)
	}
	expectAmount(t, "debt", f.debt(t, user), half)
	expectAmount(t, "stable wallet", f.stable.balance(user), half)

	hf, err := f.engine.HealthFactor(user)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	expectAmount(t, "health factor", hf, MinHealthFactor())
}

func TestMintRollsBackWhenTokenMintFails(t *testing.T) {
	f := newEngineFixture(t)
	user := makeAddress(crypto.AccountPrefix, 0x01)
	f.wethToken.fund(user, units(10))
	if err := f.engine.DepositCollateral(user, f.weth, units(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	f.stable.failMint = true
	if err := f.engine.MintStbl(user, units(100)); !errors.Is(err, ErrMintFailed) {
		t.Fatalf("expected ErrMintFailed, got %v", err)
	}
	expectAmount(t, "debt", f.debt(t, user), new(big.Int))
}

func TestRedeemRejectsUnhealthyResult(t *testing.T) {
	f := newEngineFixture(t)
	user := makeAddress(crypto.AccountPrefix, 0x01)
	f.openPosition(t, user, units(10), units(5000))

	if err := f.engine.RedeemCollateral(user, f.weth, units(6)); !errors.Is(err, ErrBadHealthFactor) {
		t.Fatalf("expected ErrBadHealthFactor, got %v", err)
	}
	if err := f.engine.RedeemCollateral(user, f.weth, units(11)); !errors.Is(err, ErrInsufficientCollateral) {
		t.Fatalf("expected ErrInsufficientCollateral, got %v", err)
	}
	if err := f.engine.RedeemCollateral(user, f.weth, units(5)); err != nil {
		t.Fatalf("redeem to exactly 1.0: %v", err)
	}
	expectAmount(t, "collateral", f.collateral(t, user, f.weth), units(5))
}

func TestBurnRepaysDebt(t *testing.T) {
	f := newEngineFixture(t)
	user := makeAddress(crypto.AccountPrefix, 0x01)
	f.openPosition(t, user, units(10), units(5000))

	if err := f.engine.BurnStbl(user, units(5001)); !errors.Is(err, ErrInsufficientDebt) {
		t.Fatalf("expected ErrInsufficientDebt, got %v", err)
	}
	if err := f.engine.BurnStbl(user, big.NewInt(0)); !errors.Is(err, ErrAmountZero) {
		t.Fatalf("expected ErrAmountZero, got %v", err)
	}
	if err := f.engine.BurnStbl(user, units(2000)); err != nil {
		t.Fatalf("burn: %v", err)
	}
	expectAmount(t, "debt", f.debt(t, user), units(3000))
	expectAmount(t, "stable wallet", f.stable.balance(user), units(3000))
	expectAmount(t, "engine stable", f.stable.balance(f.address), new(big.Int))
}

func TestBurnRollsBackWhenTokenBurnFails(t *testing.T) {
	f := newEngineFixture(t)
	user := makeAddress(crypto.AccountPrefix, 0x01)
	f.openPosition(t, user, units(10), units(5000))

	f.stable.failBurn = true
	if err := f.engine.BurnStbl(user, units(1000)); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	expectAmount(t, "debt", f.debt(t, user), units(5000))
	expectAmount(t, "stable wallet", f.stable.balance(user), units(5000))
	expectAmount(t, "engine stable", f.stable.balance(f.address), new(big.Int))
}

func TestDepositAndMintIsAtomic(t *testing.T) {
	f := newEngineFixture(t)
	user := makeAddress(crypto.AccountPrefix, 0x01)
	f.wethToken.fund(user, units(10))

	if err := f.engine.DepositCollateralAndMintStbl(user, f.weth, units(10), units(10001)); !errors.Is(err, ErrBadHealthFactor) {
		t.Fatalf("expected ErrBadHealthFactor, got %v", err)
	}
	expectAmount(t, "collateral", f.collateral(t, user, f.weth), new(big.Int))

	f.stable.failMint = true
	if err := f.engine.DepositCollateralAndMintStbl(user, f.weth, units(10), units(100)); !errors.Is(err, ErrMintFailed) {
		t.Fatalf("expected ErrMintFailed, got %v", err)
	}
	expectAmount(t, "collateral", f.collateral(t, user, f.weth), new(big.Int))
	expectAmount(t, "debt", f.debt(t, user), new(big.Int))
	expectAmount(t, "user wallet", f.wethToken.balance(user), units(10))
	expectAmount(t, "engine custody", f.wethToken.balance(f.address), new(big.Int))
}

func TestBurnAndWithdrawIsAtomic(t *testing.T) {
	f := newEngineFixture(t)
	user := makeAddress(crypto.AccountPrefix, 0x01)
	f.openPosition(t, user, units(10), units(5000))

	f.wethToken.failTransfer = true
	if err := f.engine.BurnStblAndWithdrawCollateral(user, f.weth, units(5), units(2500)); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	expectAmount(t, "debt", f.debt(t, user), units(5000))
	expectAmount(t, "collateral", f.collateral(t, user, f.weth), units(10))
	expectAmount(t, "stable wallet", f.stable.balance(user), units(5000))

	f.wethToken.failTransfer = false
	if err := f.engine.RedeemCollateralForStbl(user, f.weth, units(5), units(2500)); err != nil {
		t.Fatalf("burn and withdraw: %v", err)
	}
	expectAmount(t, "debt", f.debt(t, user), units(2500))
	expectAmount(t, "collateral", f.collateral(t, user, f.weth), units(5))
	expectAmount(t, "user wallet", f.wethToken.balance(user), units(5))
}

func TestStaleOracleBlocksValuation(t *testing.T) {
	f := newEngineFixture(t)
	user := makeAddress(crypto.AccountPrefix, 0x01)
	f.openPosition(t, user, units(10), units(1000))
	f.wethToken.fund(user, units(1))

	f.now = f.now.Add(OracleTimeout + time.Second)

	if err := f.engine.DepositCollateral(user, f.weth, units(1)); !errors.Is(err, ErrOracleStale) {
		t.Fatalf("deposit: expected ErrOracleStale, got %v", err)
	}
	if err := f.engine.RedeemCollateral(user, f.weth, units(1)); !errors.Is(err, ErrOracleStale) {
		t.Fatalf("redeem: expected ErrOracleStale, got %v", err)
	}
	if err := f.engine.MintStbl(user, units(1)); !errors.Is(err, ErrOracleStale) {
		t.Fatalf("mint: expected ErrOracleStale, got %v", err)
	}
	if _, err := f.engine.UsdValue(f.weth, units(1)); !errors.Is(err, ErrOracleStale) {
		t.Fatalf("usd value: expected ErrOracleStale, got %v", err)
	}
	if _, err := f.engine.HealthFactor(user); !errors.Is(err, ErrOracleStale) {
		t.Fatalf("health factor: expected ErrOracleStale, got %v", err)
	}
	expectAmount(t, "collateral", f.collateral(t, user, f.weth), units(10))
	expectAmount(t, "debt", f.debt(t, user), units(1000))

	f.wethFeed.updatedAt = f.now
	f.wbtcFeed.updatedAt = f.now
	if err := f.engine.MintStbl(user, units(1)); err != nil {
		t.Fatalf("mint after refresh: %v", err)
	}
}

func TestStaleOracleBlocksDebtFreeWithdrawal(t *testing.T) {
	f := newEngineFixture(t)
	user := makeAddress(crypto.AccountPrefix, 0x01)
	f.wethToken.fund(user, units(10))
	if err := f.engine.DepositCollateral(user, f.weth, units(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	f.now = f.now.Add(OracleTimeout + time.Second)

	if err := f.engine.RedeemCollateral(user, f.weth, units(1)); !errors.Is(err, ErrOracleStale) {
		t.Fatalf("redeem: expected ErrOracleStale, got %v", err)
	}
	if _, err := f.engine.HealthFactor(user); !errors.Is(err, ErrOracleStale) {
		t.Fatalf("health factor: expected ErrOracleStale, got %v", err)
	}
	expectAmount(t, "collateral", f.collateral(t, user, f.weth), units(10))
	expectAmount(t, "user wallet", f.wethToken.balance(user), big.NewInt(0))
}

func TestOracleAtExactTimeoutIsFresh(t *testing.T) {
	f := newEngineFixture(t)
	f.now = f.now.Add(OracleTimeout)
	if _, err := f.engine.UsdValue(f.weth, units(1)); err != nil {
		t.Fatalf("reading aged exactly the timeout must be accepted: %v", err)
	}
}

func TestReentrantCallFailsTheOuterOperation(t *testing.T) {
	f := newEngineFixture(t)
	user := makeAddress(crypto.AccountPrefix, 0x01)
	f.wethToken.fund(user, units(10))

	var innerErr error
	f.wethToken.onTransferFrom = func() {
		innerErr = f.engine.DepositCollateral(user, f.weth, units(1))
	}
	if err := f.engine.DepositCollateral(user, f.weth, units(5)); err != nil {
		t.Fatalf("outer deposit: %v", err)
	}
	if !errors.Is(innerErr, ErrReentrantCall) {
		t.Fatalf("expected ErrReentrantCall, got %v", innerErr)
	}
	expectAmount(t, "collateral", f.collateral(t, user, f.weth), units(5))

	f.wethToken.onTransferFrom = func() {
		innerErr = f.engine.DepositCollateral(user, f.weth, units(1))
		f.wethToken.failTransferFrom = innerErr != nil
	}
	if err := f.engine.DepositCollateral(user, f.weth, units(1)); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected failed re-entry to abort the outer call, got %v", err)
	}
	expectAmount(t, "collateral", f.collateral(t, user, f.weth), units(5))

	f.wethToken.onTransferFrom = nil
	f.wethToken.failTransferFrom = false
	if err := f.engine.DepositCollateral(user, f.weth, units(1)); err != nil {
		t.Fatalf("guard must be released after rollback: %v", err)
	}
}

func TestReentrantCallObservesCommittedState(t *testing.T) {
	f := newEngineFixture(t)
	user := makeAddress(crypto.AccountPrefix, 0x01)
	f.wethToken.fund(user, units(10))

	var observed *big.Int
	f.wethToken.onTransferFrom = func() {
		observed, _ = f.engine.CollateralBalance(user, f.weth)
	}
	if err := f.engine.DepositCollateral(user, f.weth, units(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	expectAmount(t, "balance seen during transfer", observed, units(10))
}

func TestPausedEngineRejectsMutations(t *testing.T) {
	f := newEngineFixture(t)
	user := makeAddress(crypto.AccountPrefix, 0x01)
	pauses := nativecommon.NewPauseSwitch()
	f.engine.SetPauses(pauses)
	pauses.Set(ModuleName, true)

	if err := f.engine.DepositCollateral(user, f.weth, units(1)); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if _, err := f.engine.HealthFactor(user); err != nil {
		t.Fatalf("reads stay available while paused: %v", err)
	}
}

func TestPositionsListsEveryUser(t *testing.T) {
	f := newEngineFixture(t)
	alice := makeAddress(crypto.AccountPrefix, 0x01)
	bob := makeAddress(crypto.AccountPrefix, 0x02)
	f.openPosition(t, alice, units(10), units(5000))
	f.openPosition(t, bob, units(2), units(100))

	positions, err := f.engine.Positions()
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(positions) != 2 {
		t.Fatalf("expected 2 positions, got %d", len(positions))
	}
	for _, pos := range positions {
		if pos.Liquidatable() {
			t.Fatalf("position %s should be healthy", pos.User)
		}
	}

	info, err := f.engine.UserInformation(alice)
	if err != nil {
		t.Fatalf("user information: %v", err)
	}
	expectAmount(t, "minted", info.TotalStblMinted, units(5000))
	expectAmount(t, "collateral value", info.CollateralValueInUsd, units(20000))

	f.wethFeed.setPrice(900)
	pos, err := f.engine.Position(alice)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if !pos.Liquidatable() {
		t.Fatalf("expected alice liquidatable after price drop, hf=%s", pos.HealthFactor)
	}
	expectAmount(t, "alice weth", pos.Collateral[f.weth], units(10))
}

func TestCollateralValueSumsAcrossAssets(t *testing.T) {
	f := newEngineFixture(t)
	user := makeAddress(crypto.AccountPrefix, 0x01)
	f.wethToken.fund(user, units(2))
	f.wbtcToken.fund(user, units(1))
	if err := f.engine.DepositCollateral(user, f.weth, units(2)); err != nil {
		t.Fatalf("deposit weth: %v", err)
	}
	if err := f.engine.DepositCollateral(user, f.wbtc, units(1)); err != nil {
		t.Fatalf("deposit wbtc: %v", err)
	}
	value, err := f.engine.AccountCollateralValue(user)
	if err != nil {
		t.Fatalf("collateral value: %v", err)
	}
	expectAmount(t, "collateral value", value, units(34000))

	tokens := f.engine.CollateralTokens()
	if len(tokens) != 2 || tokens[0] != f.weth || tokens[1] != f.wbtc {
		t.Fatalf("unexpected collateral tokens: %v", tokens)
	}
}
