// Package ledger keeps custody of per-(user, asset) balances. Spendable and
// reserved amounts are tracked separately so funds committed to a pending
// request cannot be spent twice.
package ledger

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"gasrelay/core/types"
	nativecommon "gasrelay/native/common"
	"gasrelay/storage"
)

// Bounds limit the size of a single deposit. A nil or zero Max is unbounded.
type Bounds struct {
	Min *uint256.Int
	Max *uint256.Int
}

func (b Bounds) check(amount *uint256.Int) error {
	if b.Min != nil && amount.Lt(b.Min) {
		return fmt.Errorf("%w: %s below minimum %s", nativecommon.ErrAmountOutOfBounds, amount.Dec(), b.Min.Dec())
	}
	return b.checkMax(amount)
}

func (b Bounds) checkMax(amount *uint256.Int) error {
	if b.Max != nil && !b.Max.IsZero() && amount.Gt(b.Max) {
		return fmt.Errorf("%w: %s above maximum %s", nativecommon.ErrAmountOutOfBounds, amount.Dec(), b.Max.Dec())
	}
	return nil
}

// Config holds the per-asset-class bounds and the account credited with the
// gas portion of every settlement.
type Config struct {
	Native    Bounds
	Token     Bounds
	Overrides map[common.Address]Bounds
	// GasCollector receives the gas cost of settled requests. When zero the
	// gas cost leaves custody and is accounted as burned.
	GasCollector common.Address
}

func (c Config) bounds(asset common.Address) Bounds {
	if b, ok := c.Overrides[asset]; ok {
		return b
	}
	if types.IsNative(asset) {
		return c.Native
	}
	return c.Token
}

// Balance is the custody state of one (user, asset) pair.
type Balance struct {
	Spendable *uint256.Int
	Reserved  *uint256.Int
}

// Split routes part of a settlement to a fee collector.
type Split struct {
	Recipient common.Address
	Amount    *uint256.Int
}

// Settlement summarises how a reservation was consumed.
type Settlement struct {
	Cost   *uint256.Int
	Fees   *uint256.Int
	Refund *uint256.Int
}

type accountKey struct {
	user  common.Address
	asset common.Address
}

type account struct {
	Spendable *uint256.Int
	Reserved  *uint256.Int
}

func (a *account) clone() *account {
	return &account{Spendable: a.Spendable.Clone(), Reserved: a.Reserved.Clone()}
}

// Ledger is safe for concurrent use; each operation is atomic.
type Ledger struct {
	mu       sync.RWMutex
	cfg      Config
	accounts map[accountKey]*account
	burned   map[common.Address]*uint256.Int
	db       storage.Database
}

// Option customises the ledger.
type Option func(*Ledger)

// WithDatabase journals every account mutation to db.
func WithDatabase(db storage.Database) Option {
	return func(l *Ledger) { l.db = db }
}

// New constructs an empty ledger.
func New(cfg Config, opts ...Option) *Ledger {
	l := &Ledger{
		cfg:      cfg,
		accounts: make(map[accountKey]*account),
		burned:   make(map[common.Address]*uint256.Int),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Deposit credits amount to the user's spendable balance. Every call deposits
// independently.
func (l *Ledger) Deposit(user, asset common.Address, amount *uint256.Int) error {
	if err := validateParty(user, amount); err != nil {
		return err
	}
	if err := l.cfg.bounds(asset).check(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mutate([]accountKey{{user, asset}}, func(accts map[accountKey]*account) error {
		acct := accts[accountKey{user, asset}]
		next, overflow := new(uint256.Int).AddOverflow(acct.Spendable, amount)
		if overflow {
			return nativecommon.Validation("balance overflow")
		}
		acct.Spendable = next
		return nil
	})
}

// Withdraw debits amount from the user's spendable balance.
func (l *Ledger) Withdraw(user, asset common.Address, amount *uint256.Int) error {
	if err := validateParty(user, amount); err != nil {
		return err
	}
	if err := l.cfg.bounds(asset).checkMax(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mutate([]accountKey{{user, asset}}, func(accts map[accountKey]*account) error {
		acct := accts[accountKey{user, asset}]
		if acct.Spendable.Lt(amount) {
			return insufficient(acct.Spendable, amount)
		}
		acct.Spendable = new(uint256.Int).Sub(acct.Spendable, amount)
		return nil
	})
}

// CanReserve reports whether Reserve would succeed without mutating state.
func (l *Ledger) CanReserve(user, asset common.Address, amount *uint256.Int) error {
	if amount == nil {
		return nativecommon.Validation("amount required")
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	spendable := new(uint256.Int)
	if acct, ok := l.accounts[accountKey{user, asset}]; ok {
		spendable = acct.Spendable
	}
	if spendable.Lt(amount) {
		return insufficient(spendable, amount)
	}
	return nil
}

// Reserve moves amount from spendable to reserved.
func (l *Ledger) Reserve(user, asset common.Address, amount *uint256.Int) error {
	if amount == nil {
		return nativecommon.Validation("amount required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mutate([]accountKey{{user, asset}}, func(accts map[accountKey]*account) error {
		acct := accts[accountKey{user, asset}]
		if acct.Spendable.Lt(amount) {
			return insufficient(acct.Spendable, amount)
		}
		acct.Spendable = new(uint256.Int).Sub(acct.Spendable, amount)
		acct.Reserved = new(uint256.Int).Add(acct.Reserved, amount)
		return nil
	})
}

// Release returns an unused reservation to the spendable balance.
func (l *Ledger) Release(user, asset common.Address, amount *uint256.Int) error {
	if amount == nil {
		return nativecommon.Validation("amount required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mutate([]accountKey{{user, asset}}, func(accts map[accountKey]*account) error {
		acct := accts[accountKey{user, asset}]
		if acct.Reserved.Lt(amount) {
			return fmt.Errorf("%w: reservation %s below release %s", nativecommon.ErrInsufficientBalance, acct.Reserved.Dec(), amount.Dec())
		}
		acct.Reserved = new(uint256.Int).Sub(acct.Reserved, amount)
		acct.Spendable = new(uint256.Int).Add(acct.Spendable, amount)
		return nil
	})
}

// Settle consumes a reservation: actualCost goes to the gas collector, each
// split is credited to its recipient and the surplus is refunded to the user.
// The whole reservation is always cleared.
func (l *Ledger) Settle(user, asset common.Address, reserved, actualCost *uint256.Int, splits []Split) (Settlement, error) {
	if reserved == nil || actualCost == nil {
		return Settlement{}, nativecommon.Validation("reserved and actual cost required")
	}
	feeTotal := new(uint256.Int)
	for _, split := range splits {
		if split.Amount == nil {
			return Settlement{}, nativecommon.Validation("split amount required")
		}
		feeTotal.Add(feeTotal, split.Amount)
	}
	consumed, overflow := new(uint256.Int).AddOverflow(actualCost, feeTotal)
	if overflow || consumed.Gt(reserved) {
		return Settlement{}, nativecommon.Validation("settlement %s exceeds reservation %s", consumed.Dec(), reserved.Dec())
	}
	refund := new(uint256.Int).Sub(reserved, consumed)

	keys := []accountKey{{user, asset}}
	if l.cfg.GasCollector != (common.Address{}) {
		keys = append(keys, accountKey{l.cfg.GasCollector, asset})
	}
	for _, split := range splits {
		if split.Recipient != (common.Address{}) {
			keys = append(keys, accountKey{split.Recipient, asset})
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	burned := new(uint256.Int)
	err := l.mutate(keys, func(accts map[accountKey]*account) error {
		acct := accts[accountKey{user, asset}]
		if acct.Reserved.Lt(reserved) {
			return fmt.Errorf("%w: reservation %s below settlement %s", nativecommon.ErrInsufficientBalance, acct.Reserved.Dec(), reserved.Dec())
		}
		acct.Reserved = new(uint256.Int).Sub(acct.Reserved, reserved)
		acct.Spendable = new(uint256.Int).Add(acct.Spendable, refund)
		if l.cfg.GasCollector != (common.Address{}) {
			collector := accts[accountKey{l.cfg.GasCollector, asset}]
			collector.Spendable = new(uint256.Int).Add(collector.Spendable, actualCost)
		} else {
			burned.Add(burned, actualCost)
		}
		for _, split := range splits {
			if split.Recipient == (common.Address{}) {
				burned.Add(burned, split.Amount)
				continue
			}
			recipient := accts[accountKey{split.Recipient, asset}]
			recipient.Spendable = new(uint256.Int).Add(recipient.Spendable, split.Amount)
		}
		return nil
	})
	if err != nil {
		return Settlement{}, err
	}
	if !burned.IsZero() {
		total := new(uint256.Int).Add(burned, l.burnedLocked(asset))
		if l.db != nil {
			encoded, err := rlp.EncodeToBytes(total)
			if err == nil {
				err = l.db.Put(burnedDBKey(asset), encoded)
			}
			if err != nil {
				return Settlement{}, fmt.Errorf("ledger: persist burned total: %w", err)
			}
		}
		l.burned[asset] = total
	}
	return Settlement{Cost: actualCost.Clone(), Fees: feeTotal, Refund: refund}, nil
}

// Balance returns copies of the spendable and reserved amounts.
func (l *Ledger) Balance(user, asset common.Address) Balance {
	l.mu.RLock()
	defer l.mu.RUnlock()
	acct, ok := l.accounts[accountKey{user, asset}]
	if !ok {
		return Balance{Spendable: new(uint256.Int), Reserved: new(uint256.Int)}
	}
	return Balance{Spendable: acct.Spendable.Clone(), Reserved: acct.Reserved.Clone()}
}

// Custody returns the total amount of asset held across every account plus the
// amount that has left custody through settlement.
func (l *Ledger) Custody(asset common.Address) (held, burned *uint256.Int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	held = new(uint256.Int)
	for key, acct := range l.accounts {
		if key.asset != asset {
			continue
		}
		held.Add(held, acct.Spendable)
		held.Add(held, acct.Reserved)
	}
	return held, l.burnedLocked(asset)
}

func (l *Ledger) burnedLocked(asset common.Address) *uint256.Int {
	if b := l.burned[asset]; b != nil {
		return b.Clone()
	}
	return new(uint256.Int)
}

// AccountEntry is one row of Accounts.
type AccountEntry struct {
	User  common.Address
	Asset common.Address
	Balance
}

// Accounts lists every known account ordered by user then asset.
func (l *Ledger) Accounts() []AccountEntry {
	l.mu.RLock()
	out := make([]AccountEntry, 0, len(l.accounts))
	for key, acct := range l.accounts {
		out = append(out, AccountEntry{User: key.user, Asset: key.asset, Balance: Balance{Spendable: acct.Spendable.Clone(), Reserved: acct.Reserved.Clone()}})
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if c := bytes.Compare(out[i].User[:], out[j].User[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(out[i].Asset[:], out[j].Asset[:]) < 0
	})
	return out
}

// mutate applies fn to working copies of the listed accounts and commits them
// (memory and journal) only when fn succeeds. Caller holds l.mu.
func (l *Ledger) mutate(keys []accountKey, fn func(map[accountKey]*account) error) error {
	working := make(map[accountKey]*account, len(keys))
	for _, key := range keys {
		if _, seen := working[key]; seen {
			continue
		}
		if acct, ok := l.accounts[key]; ok {
			working[key] = acct.clone()
		} else {
			working[key] = &account{Spendable: new(uint256.Int), Reserved: new(uint256.Int)}
		}
	}
	if err := fn(working); err != nil {
		return err
	}
	if l.db != nil {
		for key, acct := range working {
			if err := l.persist(key, acct); err != nil {
				return err
			}
		}
	}
	for key, acct := range working {
		l.accounts[key] = acct
	}
	return nil
}

func validateParty(user common.Address, amount *uint256.Int) error {
	if user == (common.Address{}) {
		return nativecommon.Validation("user address required")
	}
	if amount == nil || amount.IsZero() {
		return nativecommon.Validation("amount must be positive")
	}
	return nil
}

func insufficient(have, want *uint256.Int) error {
	return fmt.Errorf("%w: spendable %s, required %s", nativecommon.ErrInsufficientBalance, have.Dec(), want.Dec())
}

var errCorruptKey = errors.New("ledger: corrupt account key")

func accountDBKey(key accountKey) []byte {
	return []byte(fmt.Sprintf("%s%x/%x", accountPrefix, key.user[:], key.asset[:]))
}

const (
	accountPrefix = "ledger/"
	burnedPrefix  = "ledger-burned/"
)

func burnedDBKey(asset common.Address) []byte {
	return []byte(fmt.Sprintf("%s%x", burnedPrefix, asset[:]))
}

func (l *Ledger) persist(key accountKey, acct *account) error {
	encoded, err := rlp.EncodeToBytes(acct)
	if err != nil {
		return fmt.Errorf("ledger: encode account: %w", err)
	}
	if err := l.db.Put(accountDBKey(key), encoded); err != nil {
		return fmt.Errorf("ledger: persist account: %w", err)
	}
	return nil
}

// Restore loads every journaled account from the database, replacing the
// in-memory state. It returns the number of accounts loaded.
func (l *Ledger) Restore() (int, error) {
	if l.db == nil {
		return 0, nil
	}
	loaded := make(map[accountKey]*account)
	err := l.db.ForEach([]byte(accountPrefix), func(rawKey, value []byte) error {
		key, err := parseAccountKey(rawKey)
		if err != nil {
			return err
		}
		var acct account
		if err := rlp.DecodeBytes(value, &acct); err != nil {
			return fmt.Errorf("ledger: decode account %s: %w", rawKey, err)
		}
		if acct.Spendable == nil {
			acct.Spendable = new(uint256.Int)
		}
		if acct.Reserved == nil {
			acct.Reserved = new(uint256.Int)
		}
		loaded[key] = &acct
		return nil
	})
	if err != nil {
		return 0, err
	}
	burned := make(map[common.Address]*uint256.Int)
	err = l.db.ForEach([]byte(burnedPrefix), func(rawKey, value []byte) error {
		assetBytes, err := hex.DecodeString(strings.TrimPrefix(string(rawKey), burnedPrefix))
		if err != nil || len(assetBytes) != common.AddressLength {
			return fmt.Errorf("%w: %s", errCorruptKey, rawKey)
		}
		total := new(uint256.Int)
		if err := rlp.DecodeBytes(value, total); err != nil {
			return fmt.Errorf("ledger: decode burned total: %w", err)
		}
		burned[common.BytesToAddress(assetBytes)] = total
		return nil
	})
	if err != nil {
		return 0, err
	}
	l.mu.Lock()
	l.accounts = loaded
	l.burned = burned
	l.mu.Unlock()
	return len(loaded), nil
}

func parseAccountKey(raw []byte) (accountKey, error) {
	body := strings.TrimPrefix(string(raw), accountPrefix)
	userHex, assetHex, ok := strings.Cut(body, "/")
	if !ok {
		return accountKey{}, fmt.Errorf("%w: %s", errCorruptKey, raw)
	}
	user, err := hex.DecodeString(userHex)
	if err != nil || len(user) != common.AddressLength {
		return accountKey{}, fmt.Errorf("%w: %s", errCorruptKey, raw)
	}
	asset, err := hex.DecodeString(assetHex)
	if err != nil || len(asset) != common.AddressLength {
		return accountKey{}, fmt.Errorf("%w: %s", errCorruptKey, raw)
	}
	return accountKey{user: common.BytesToAddress(user), asset: common.BytesToAddress(asset)}, nil
}
