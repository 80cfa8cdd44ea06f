package token

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/holiman/uint256"

	"stblengine/crypto"
	"stblengine/storage"
)

var (
	ErrNilState              = errors.New("token: state not configured")
	ErrInvalidAmount         = errors.New("token: amount must be positive")
	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrNotOwner              = errors.New("token: caller is not the token owner")
	ErrSupplyOverflow        = errors.New("token: total supply exceeds 256 bits")
	ErrInvalidSymbol         = errors.New("token: symbol required")
)

// Ledger is a fungible token with balances, allowances and an owner-gated
// mint, persisted as 32-byte words under a per-symbol key prefix.
type Ledger struct {
	mu       sync.Mutex
	db       storage.Database
	symbol   string
	decimals uint8
	owner    crypto.Address
	address  crypto.Address
}

// NewLedger opens the token identified by symbol on db. Only owner may mint.
func NewLedger(db storage.Database, symbol string, decimals uint8, owner crypto.Address) (*Ledger, error) {
	if db == nil {
		return nil, ErrNilState
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, ErrInvalidSymbol
	}
	return &Ledger{
		db:       db,
		symbol:   symbol,
		decimals: decimals,
		owner:    owner,
		address:  crypto.AssetAddress(symbol),
	}, nil
}

// Symbol returns the normalized ticker.
func (l *Ledger) Symbol() string { return l.symbol }

// Decimals returns the number of fractional digits of one whole unit.
func (l *Ledger) Decimals() uint8 { return l.decimals }

// Address returns the asset handle derived from the symbol.
func (l *Ledger) Address() crypto.Address { return l.address }

// Owner returns the account allowed to mint.
func (l *Ledger) Owner() crypto.Address { return l.owner }

func (l *Ledger) key(kind string, parts ...crypto.Address) []byte {
	key := []byte("token/" + l.symbol + "/" + kind + "/")
	for _, part := range parts {
		key = append(key, part.Bytes()...)
	}
	return key
}

func (l *Ledger) balanceKey(owner crypto.Address) []byte { return l.key("bal", owner) }

func (l *Ledger) allowanceKey(owner, spender crypto.Address) []byte {
	return l.key("allow", owner, spender)
}

func (l *Ledger) supplyKey() []byte { return l.key("supply") }

func (l *Ledger) word(key []byte) (*uint256.Int, error) {
	raw, err := l.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, err
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("token: corrupt word of %d bytes under %q", len(raw), key)
	}
	return new(uint256.Int).SetBytes(raw), nil
}

func putWord(batch storage.Batch, key []byte, value *uint256.Int) {
	word := value.Bytes32()
	batch.Put(key, word[:])
}

func toWord(amount *big.Int) (*uint256.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	word, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, ErrSupplyOverflow
	}
	return word, nil
}

// BalanceOf returns the balance held by owner.
func (l *Ledger) BalanceOf(owner crypto.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	word, err := l.word(l.balanceKey(owner))
	if err != nil {
		return nil, err
	}
	return word.ToBig(), nil
}

// Allowance returns how much spender may move on behalf of owner.
func (l *Ledger) Allowance(owner, spender crypto.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	word, err := l.word(l.allowanceKey(owner, spender))
	if err != nil {
		return nil, err
	}
	return word.ToBig(), nil
}

// TotalSupply returns the amount in circulation.
func (l *Ledger) TotalSupply() (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	word, err := l.word(l.supplyKey())
	if err != nil {
		return nil, err
	}
	return word.ToBig(), nil
}

// Approve sets the allowance of spender over owner's balance. A zero amount
// revokes it.
func (l *Ledger) Approve(owner, spender crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	value, overflow := uint256.FromBig(amount)
	if overflow {
		return ErrSupplyOverflow
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	batch := l.db.NewBatch()
	putWord(batch, l.allowanceKey(owner, spender), value)
	return batch.Write()
}

// Transfer moves amount from from to to.
func (l *Ledger) Transfer(from, to crypto.Address, amount *big.Int) (bool, error) {
	word, err := toWord(amount)
	if err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	batch := l.db.NewBatch()
	if err := l.move(batch, from, to, word); err != nil {
		return false, err
	}
	if err := batch.Write(); err != nil {
		return false, err
	}
	return true, nil
}

// TransferFrom moves amount from from to to, consuming spender's allowance.
// An owner spending its own balance needs no allowance.
func (l *Ledger) TransferFrom(spender, from, to crypto.Address, amount *big.Int) (bool, error) {
	word, err := toWord(amount)
	if err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	batch := l.db.NewBatch()
	if spender != from {
		key := l.allowanceKey(from, spender)
		allowance, err := l.word(key)
		if err != nil {
			return false, err
		}
		if _, underflow := allowance.SubOverflow(allowance, word); underflow {
			return false, fmt.Errorf("%w: %s may spend less than %s of %s", ErrInsufficientAllowance, spender, amount, l.symbol)
		}
		putWord(batch, key, allowance)
	}
	if err := l.move(batch, from, to, word); err != nil {
		return false, err
	}
	if err := batch.Write(); err != nil {
		return false, err
	}
	return true, nil
}

func (l *Ledger) move(batch storage.Batch, from, to crypto.Address, amount *uint256.Int) error {
	fromKey := l.balanceKey(from)
	fromBal, err := l.word(fromKey)
	if err != nil {
		return err
	}
	if _, underflow := fromBal.SubOverflow(fromBal, amount); underflow {
		return fmt.Errorf("%w: %s holds less than %s %s", ErrInsufficientBalance, from, amount.Dec(), l.symbol)
	}
	if from == to {
		return nil
	}
	toKey := l.balanceKey(to)
	toBal, err := l.word(toKey)
	if err != nil {
		return err
	}
	// Cannot overflow while the total supply fits in 256 bits.
	toBal.Add(toBal, amount)
	putWord(batch, fromKey, fromBal)
	putWord(batch, toKey, toBal)
	return nil
}

// Mint creates amount for to. Only the owner may mint.
func (l *Ledger) Mint(caller, to crypto.Address, amount *big.Int) (bool, error) {
	if caller != l.owner {
		return false, ErrNotOwner
	}
	word, err := toWord(amount)
	if err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	supply, err := l.word(l.supplyKey())
	if err != nil {
		return false, err
	}
	if _, overflow := supply.AddOverflow(supply, word); overflow {
		return false, ErrSupplyOverflow
	}
	balance, err := l.word(l.balanceKey(to))
	if err != nil {
		return false, err
	}
	balance.Add(balance, word)
	batch := l.db.NewBatch()
	putWord(batch, l.supplyKey(), supply)
	putWord(batch, l.balanceKey(to), balance)
	if err := batch.Write(); err != nil {
		return false, err
	}
	return true, nil
}

// Burn destroys amount from caller's own balance.
func (l *Ledger) Burn(caller crypto.Address, amount *big.Int) error {
	word, err := toWord(amount)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	balance, err := l.word(l.balanceKey(caller))
	if err != nil {
		return err
	}
	if _, underflow := balance.SubOverflow(balance, word); underflow {
		return fmt.Errorf("%w: %s holds less than %s %s", ErrInsufficientBalance, caller, amount, l.symbol)
	}
	supply, err := l.word(l.supplyKey())
	if err != nil {
		return err
	}
	supply.Sub(supply, word)
	batch := l.db.NewBatch()
	putWord(batch, l.balanceKey(caller), balance)
	putWord(batch, l.supplyKey(), supply)
	return batch.Write()
}
