package cdp

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"stblengine/core/events"
	"stblengine/crypto"
	"stblengine/storage"
)

var (
	collateralPrefix = []byte("cdp/collateral/")
	debtPrefix       = []byte("cdp/debt/")
	userPrefix       = []byte("cdp/user/")
)

// positionView is the read surface shared by committed state and an
// in-flight transaction.
type positionView interface {
	collateralOf(user, asset crypto.Address) (*big.Int, error)
	debtOf(user crypto.Address) (*big.Int, error)
}

// Store persists collateral and debt balances as 32-byte words.
type Store struct {
	db storage.Database
}

// NewStore wraps a key-value database.
func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

func collateralKey(user, asset crypto.Address) []byte {
	key := make([]byte, 0, len(collateralPrefix)+2*crypto.AddressLength)
	key = append(key, collateralPrefix...)
	key = append(key, user.Bytes()...)
	return append(key, asset.Bytes()...)
}

func debtKey(user crypto.Address) []byte {
	return append(append([]byte{}, debtPrefix...), user.Bytes()...)
}

func userKey(user crypto.Address) []byte {
	return append(append([]byte{}, userPrefix...), user.Bytes()...)
}

func (s *Store) word(key []byte) (*uint256.Int, error) {
	if s == nil || s.db == nil {
		return nil, ErrNilState
	}
	raw, err := s.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, err
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("cdp engine: corrupt balance word of %d bytes", len(raw))
	}
	return new(uint256.Int).SetBytes(raw), nil
}

// Collateral returns the ledgered collateral balance of user for asset.
func (s *Store) Collateral(user, asset crypto.Address) (*big.Int, error) {
	word, err := s.word(collateralKey(user, asset))
	if err != nil {
		return nil, err
	}
	return word.ToBig(), nil
}

// Debt returns the STBL minted by user.
func (s *Store) Debt(user crypto.Address) (*big.Int, error) {
	word, err := s.word(debtKey(user))
	if err != nil {
		return nil, err
	}
	return word.ToBig(), nil
}

// Users lists every account that ever held a position.
func (s *Store) Users() ([]crypto.Address, error) {
	if s == nil || s.db == nil {
		return nil, ErrNilState
	}
	var (
		users   []crypto.Address
		iterErr error
	)
	err := s.db.Iterate(userPrefix, func(key, _ []byte) bool {
		addr, err := crypto.NewAddress(crypto.AccountPrefix, bytes.TrimPrefix(key, userPrefix))
		if err != nil {
			iterErr = err
			return false
		}
		users = append(users, addr)
		return true
	})
	if err != nil {
		return nil, err
	}
	return users, iterErr
}

func (s *Store) collateralOf(user, asset crypto.Address) (*big.Int, error) {
	return s.Collateral(user, asset)
}

func (s *Store) debtOf(user crypto.Address) (*big.Int, error) {
	return s.Debt(user)
}

// stateTx buffers the balance changes of one public call. Original values are
// journaled on first touch so a committed transaction can be reverted.
type stateTx struct {
	store    *Store
	words    map[string]*uint256.Int
	original map[string]*uint256.Int
	order    []string
	users    map[crypto.Address]struct{}
	pending  []events.Event
}

func newStateTx(store *Store) *stateTx {
	return &stateTx{
		store:    store,
		words:    make(map[string]*uint256.Int),
		original: make(map[string]*uint256.Int),
		users:    make(map[crypto.Address]struct{}),
	}
}

func (tx *stateTx) load(key []byte) (*uint256.Int, error) {
	if word, ok := tx.words[string(key)]; ok {
		return word.Clone(), nil
	}
	word, err := tx.store.word(key)
	if err != nil {
		return nil, err
	}
	return word, nil
}

func (tx *stateTx) set(key []byte, value *uint256.Int) error {
	k := string(key)
	if _, seen := tx.original[k]; !seen {
		prev, err := tx.store.word(key)
		if err != nil {
			return err
		}
		tx.original[k] = prev
		tx.order = append(tx.order, k)
	}
	tx.words[k] = value.Clone()
	return nil
}

func (tx *stateTx) collateralWord(user, asset crypto.Address) (*uint256.Int, error) {
	return tx.load(collateralKey(user, asset))
}

func (tx *stateTx) setCollateral(user, asset crypto.Address, value *uint256.Int) error {
	tx.users[user] = struct{}{}
	return tx.set(collateralKey(user, asset), value)
}

func (tx *stateTx) debtWord(user crypto.Address) (*uint256.Int, error) {
	return tx.load(debtKey(user))
}

func (tx *stateTx) setDebt(user crypto.Address, value *uint256.Int) error {
	tx.users[user] = struct{}{}
	return tx.set(debtKey(user), value)
}

func (tx *stateTx) collateralOf(user, asset crypto.Address) (*big.Int, error) {
	word, err := tx.collateralWord(user, asset)
	if err != nil {
		return nil, err
	}
	return word.ToBig(), nil
}

func (tx *stateTx) debtOf(user crypto.Address) (*big.Int, error) {
	word, err := tx.debtWord(user)
	if err != nil {
		return nil, err
	}
	return word.ToBig(), nil
}

// record queues an event for emission once the call succeeds.
func (tx *stateTx) record(evt events.Event) {
	tx.pending = append(tx.pending, evt)
}

// commit writes every buffered word in a single batch.
func (tx *stateTx) commit() error {
	batch := tx.store.db.NewBatch()
	for _, key := range tx.order {
		word := tx.words[key].Bytes32()
		batch.Put([]byte(key), word[:])
	}
	for user := range tx.users {
		batch.Put(userKey(user), []byte{1})
	}
	return batch.Write()
}

// revert restores the journaled values after a commit.
func (tx *stateTx) revert() error {
	batch := tx.store.db.NewBatch()
	for _, key := range tx.order {
		word := tx.original[key].Bytes32()
		batch.Put([]byte(key), word[:])
	}
	return batch.Write()
}
