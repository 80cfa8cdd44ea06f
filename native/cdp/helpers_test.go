package cdp

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"stblengine/core/events"
	"stblengine/crypto"
	"stblengine/storage"
)

func makeAddress(prefix crypto.AddressPrefix, fill byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	for i := range raw {
		raw[i] = fill
	}
	return crypto.MustNewAddress(prefix, raw)
}

func units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), pow10(PrecisionDecimals))
}

func mustBig(t *testing.T, s string) *big.Int {
	t.Helper()
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		t.Fatalf("invalid integer %q", s)
	}
	return v
}

type mockFeed struct {
	answer    *big.Int
	decimals  uint8
	updatedAt time.Time
	round     uint64
	err       error
	calls     int
}

func newMockFeed(price int64, decimals uint8, updatedAt time.Time) *mockFeed {
	f := &mockFeed{decimals: decimals, updatedAt: updatedAt}
	f.setPrice(price)
	return f
}

// setPrice records a whole-unit price at the feed's decimal count.
func (f *mockFeed) setPrice(price int64) {
	f.answer = new(big.Int).Mul(big.NewInt(price), pow10(uint(f.decimals)))
	f.round++
}

func (f *mockFeed) LatestRoundData() (RoundData, error) {
	f.calls++
	if f.err != nil {
		return RoundData{}, f.err
	}
	return RoundData{
		RoundID:         f.round,
		Answer:          new(big.Int).Set(f.answer),
		StartedAt:       f.updatedAt,
		UpdatedAt:       f.updatedAt,
		AnsweredInRound: f.round,
	}, nil
}

func (f *mockFeed) Decimals() uint8 { return f.decimals }

// mockToken is an in-memory token with switchable failure modes. Allowances
// are not modelled; TransferFrom only checks the source balance.
type mockToken struct {
	balances map[crypto.Address]*big.Int

	failTransfer      bool
	failTransferFrom  bool
	failMint          bool
	failBurn          bool
	errTransferFrom   error
	panicTransferFrom bool
	onTransferFrom    func()
	onTransfer        func()
}

func newMockToken() *mockToken {
	return &mockToken{balances: make(map[crypto.Address]*big.Int)}
}

func (m *mockToken) balance(owner crypto.Address) *big.Int {
	if bal, ok := m.balances[owner]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

func (m *mockToken) fund(owner crypto.Address, amount *big.Int) {
	m.balances[owner] = new(big.Int).Add(m.balance(owner), amount)
}

func (m *mockToken) move(from, to crypto.Address, amount *big.Int) bool {
	if m.balance(from).Cmp(amount) < 0 {
		return false
	}
	m.balances[from] = new(big.Int).Sub(m.balance(from), amount)
	m.balances[to] = new(big.Int).Add(m.balance(to), amount)
	return true
}

func (m *mockToken) TransferFrom(_, from, to crypto.Address, amount *big.Int) (bool, error) {
	if m.onTransferFrom != nil {
		m.onTransferFrom()
	}
	if m.panicTransferFrom {
		panic("token exploded")
	}
	if m.errTransferFrom != nil {
		return false, m.errTransferFrom
	}
	if m.failTransferFrom {
		return false, nil
	}
	return m.move(from, to, amount), nil
}

func (m *mockToken) Transfer(from, to crypto.Address, amount *big.Int) (bool, error) {
	if m.onTransfer != nil {
		m.onTransfer()
	}
	if m.failTransfer {
		return false, nil
	}
	return m.move(from, to, amount), nil
}

func (m *mockToken) BalanceOf(owner crypto.Address) (*big.Int, error) {
	return m.balance(owner), nil
}

func (m *mockToken) Mint(_, to crypto.Address, amount *big.Int) (bool, error) {
	if m.failMint {
		return false, nil
	}
	m.fund(to, amount)
	return true, nil
}

func (m *mockToken) Burn(caller crypto.Address, amount *big.Int) error {
	if m.failBurn {
		return errors.New("burn rejected")
	}
	if m.balance(caller).Cmp(amount) < 0 {
		return errors.New("burn exceeds balance")
	}
	m.balances[caller] = new(big.Int).Sub(m.balance(caller), amount)
	return nil
}

type engineFixture struct {
	engine    *Engine
	store     *Store
	recorder  *events.Recorder
	now       time.Time
	address   crypto.Address
	weth      crypto.Address
	wbtc      crypto.Address
	wethFeed  *mockFeed
	wbtcFeed  *mockFeed
	wethToken *mockToken
	wbtcToken *mockToken
	stable    *mockToken
}

// newEngineFixture registers WETH at 2000 and WBTC at 30000, both reported by
// 8-decimal feeds.
func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	f := &engineFixture{
		recorder:  &events.Recorder{},
		now:       time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
		address:   makeAddress(crypto.AccountPrefix, 0xEE),
		weth:      crypto.AssetAddress("WETH"),
		wbtc:      crypto.AssetAddress("WBTC"),
		wethToken: newMockToken(),
		wbtcToken: newMockToken(),
		stable:    newMockToken(),
	}
	f.wethFeed = newMockFeed(2000, 8, f.now)
	f.wbtcFeed = newMockFeed(30000, 8, f.now)
	f.store = NewStore(storage.NewMemDB())
	engine, err := NewEngine(Config{
		EngineAddress:    f.address,
		CollateralTokens: []crypto.Address{f.weth, f.wbtc},
		PriceFeeds:       []PriceSource{f.wethFeed, f.wbtcFeed},
		Tokens:           TokenMap{f.weth: f.wethToken, f.wbtc: f.wbtcToken},
		Stable:           f.stable,
		Store:            f.store,
		Emitter:          f.recorder,
		Now:              func() time.Time { return f.now },
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	f.engine = engine
	return f
}

func (f *engineFixture) debt(t *testing.T, user crypto.Address) *big.Int {
	t.Helper()
	debt, err := f.store.Debt(user)
	if err != nil {
		t.Fatalf("debt: %v", err)
	}
	return debt
}

func (f *engineFixture) collateral(t *testing.T, user, asset crypto.Address) *big.Int {
	t.Helper()
	amount, err := f.store.Collateral(user, asset)
	if err != nil {
		t.Fatalf("collateral: %v", err)
	}
	return amount
}

// openPosition funds user with WETH and deposits it before minting debt.
func (f *engineFixture) openPosition(t *testing.T, user crypto.Address, collateral, debt *big.Int) {
	t.Helper()
	f.wethToken.fund(user, collateral)
	if err := f.engine.DepositCollateralAndMintStbl(user, f.weth, collateral, debt); err != nil {
		t.Fatalf("open position: %v", err)
	}
}

func expectAmount(t *testing.T, label string, got, want *big.Int) {
	t.Helper()
	if got.Cmp(want) != 0 {
		t.Fatalf("unexpected %s: got %s want %s", label, got, want)
	}
}
