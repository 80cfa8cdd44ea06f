package token

import (
	"errors"
	"math/big"
	"testing"

	"stblengine/crypto"
	"stblengine/storage"
)

func makeAddress(fill byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	for i := range raw {
		raw[i] = fill
	}
	return crypto.MustNewAddress(crypto.AccountPrefix, raw)
}

func newTestLedger(t *testing.T, owner crypto.Address) *Ledger {
	t.Helper()
	ledger, err := NewLedger(storage.NewMemDB(), " stbl ", 18, owner)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return ledger
}

func expectBalance(t *testing.T, ledger *Ledger, owner crypto.Address, want int64) {
	t.Helper()
	got, err := ledger.BalanceOf(owner)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if got.Cmp(big.NewInt(want)) != 0 {
		t.Fatalf("unexpected balance of %s: got %s want %d", owner, got, want)
	}
}

func TestMintIsOwnerGated(t *testing.T) {
	owner := makeAddress(0x01)
	alice := makeAddress(0x02)
	ledger := newTestLedger(t, owner)
	if ledger.Symbol() != "STBL" {
		t.Fatalf("expected normalized symbol, got %q", ledger.Symbol())
	}
	if ledger.Address() != crypto.AssetAddress("STBL") {
		t.Fatalf("unexpected asset address %s", ledger.Address())
	}

	if ok, err := ledger.Mint(alice, alice, big.NewInt(10)); ok || !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v %v", ok, err)
	}
	if ok, err := ledger.Mint(owner, alice, big.NewInt(10)); !ok || err != nil {
		t.Fatalf("mint: %v %v", ok, err)
	}
	expectBalance(t, ledger, alice, 10)
	supply, err := ledger.TotalSupply()
	if err != nil || supply.Int64() != 10 {
		t.Fatalf("unexpected supply %v (%v)", supply, err)
	}
	if ok, err := ledger.Mint(owner, alice, big.NewInt(0)); ok || !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v %v", ok, err)
	}
}

func TestTransferFromConsumesAllowance(t *testing.T) {
	owner := makeAddress(0x01)
	alice := makeAddress(0x02)
	engine := makeAddress(0x03)
	ledger := newTestLedger(t, owner)
	if _, err := ledger.Mint(owner, alice, big.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	if ok, err := ledger.TransferFrom(engine, alice, engine, big.NewInt(40)); ok || !errors.Is(err, ErrInsufficientAllowance) {
		t.Fatalf("expected ErrInsufficientAllowance, got %v %v", ok, err)
	}
	if err := ledger.Approve(alice, engine, big.NewInt(50)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if ok, err := ledger.TransferFrom(engine, alice, engine, big.NewInt(40)); !ok || err != nil {
		t.Fatalf("transferFrom: %v %v", ok, err)
	}
	expectBalance(t, ledger, alice, 60)
	expectBalance(t, ledger, engine, 40)

	allowance, err := ledger.Allowance(alice, engine)
	if err != nil || allowance.Int64() != 10 {
		t.Fatalf("unexpected allowance %v (%v)", allowance, err)
	}
	if ok, err := ledger.TransferFrom(engine, alice, engine, big.NewInt(11)); ok || !errors.Is(err, ErrInsufficientAllowance) {
		t.Fatalf("expected exhausted allowance, got %v %v", ok, err)
	}
	allowance, _ = ledger.Allowance(alice, engine)
	if allowance.Int64() != 10 {
		t.Fatalf("failed transferFrom must not consume allowance, got %s", allowance)
	}
}

func TestTransferRejectsOverdraft(t *testing.T) {
	owner := makeAddress(0x01)
	alice := makeAddress(0x02)
	bob := makeAddress(0x03)
	ledger := newTestLedger(t, owner)
	if _, err := ledger.Mint(owner, alice, big.NewInt(5)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if ok, err := ledger.Transfer(alice, bob, big.NewInt(6)); ok || !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v %v", ok, err)
	}
	if ok, err := ledger.Transfer(alice, alice, big.NewInt(5)); !ok || err != nil {
		t.Fatalf("self transfer: %v %v", ok, err)
	}
	expectBalance(t, ledger, alice, 5)
	if ok, err := ledger.Transfer(alice, bob, big.NewInt(5)); !ok || err != nil {
		t.Fatalf("transfer: %v %v", ok, err)
	}
	expectBalance(t, ledger, alice, 0)
	expectBalance(t, ledger, bob, 5)
}

func TestBurnReducesSupply(t *testing.T) {
	owner := makeAddress(0x01)
	ledger := newTestLedger(t, owner)
	if _, err := ledger.Mint(owner, owner, big.NewInt(30)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := ledger.Burn(owner, big.NewInt(31)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if err := ledger.Burn(owner, big.NewInt(12)); err != nil {
		t.Fatalf("burn: %v", err)
	}
	expectBalance(t, ledger, owner, 18)
	supply, _ := ledger.TotalSupply()
	if supply.Int64() != 18 {
		t.Fatalf("unexpected supply %s", supply)
	}
}

func TestLedgersShareDatabaseBySymbol(t *testing.T) {
	db := storage.NewMemDB()
	owner := makeAddress(0x01)
	weth, err := NewLedger(db, "WETH", 18, owner)
	if err != nil {
		t.Fatalf("weth: %v", err)
	}
	wbtc, err := NewLedger(db, "WBTC", 18, owner)
	if err != nil {
		t.Fatalf("wbtc: %v", err)
	}
	if _, err := weth.Mint(owner, owner, big.NewInt(7)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	expectBalance(t, wbtc, owner, 0)

	reopened, err := NewLedger(db, "weth", 18, owner)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	expectBalance(t, reopened, owner, 7)

	if _, err := NewLedger(db, "  ", 18, owner); !errors.Is(err, ErrInvalidSymbol) {
		t.Fatalf("expected ErrInvalidSymbol, got %v", err)
	}
}
