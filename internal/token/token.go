// Package token implements an in-memory ERC-20 ledger used for the want token
// and as the balance layer of the vault share token.
package token

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	xerrors "PooledVault/internal/errors"
	"PooledVault/internal/ledger"
)

const (
	CodeInsufficientBalance   xerrors.Code = "INSUFFICIENT_BALANCE"
	CodeInsufficientAllowance xerrors.Code = "INSUFFICIENT_ALLOWANCE"
	CodeNullAddress           xerrors.Code = "NULL_ADDRESS"
)

var (
	ErrInsufficientBalance   = xerrors.New(CodeInsufficientBalance, "")
	ErrInsufficientAllowance = xerrors.New(CodeInsufficientAllowance, "")
	ErrNullAddress           = xerrors.New(CodeNullAddress, "")
)

func init() {
	xerrors.Register(CodeInsufficientBalance, xerrors.Attributes{
		Message:  "transfer amount exceeds balance",
		Category: xerrors.CategoryEconomic,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInsufficientAllowance, xerrors.Attributes{
		Message:  "transfer amount exceeds allowance",
		Category: xerrors.CategoryAuthorization,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeNullAddress, xerrors.Attributes{
		Message:  "zero address",
		Category: xerrors.CategoryValidation,
		Severity: xerrors.SeverityInfo,
	})
}

// ERC20 is the token surface shared by the want token and vault shares.
type ERC20 interface {
	Address() common.Address
	BalanceOf(owner common.Address) *uint256.Int
	Transfer(from, to common.Address, amount *uint256.Int) error
}

// Spendable extends ERC20 with allowance based transfers.
type Spendable interface {
	ERC20
	Allowance(owner, spender common.Address) *uint256.Int
	Approve(owner, spender common.Address, amount *uint256.Int) error
	TransferFrom(spender, from, to common.Address, amount *uint256.Int) error
}

// Metadata describes a token.
type Metadata struct {
	Name     string `json:"name" yaml:"name"`
	Symbol   string `json:"symbol" yaml:"symbol"`
	Decimals uint8  `json:"decimals" yaml:"decimals"`
}

// Balances is the unsynchronised balance/allowance book. Callers hold their
// own lock; Token wraps it with a mutex.
type Balances struct {
	balances   map[common.Address]*uint256.Int
	allowances map[common.Address]map[common.Address]*uint256.Int
	supply     *uint256.Int
}

// NewBalances returns an empty book.
func NewBalances() *Balances {
	return &Balances{
		balances:   make(map[common.Address]*uint256.Int),
		allowances: make(map[common.Address]map[common.Address]*uint256.Int),
		supply:     new(uint256.Int),
	}
}

// BalanceOf returns a copy of the owner's balance.
func (b *Balances) BalanceOf(owner common.Address) *uint256.Int {
	if bal, ok := b.balances[owner]; ok {
		return new(uint256.Int).Set(bal)
	}
	return new(uint256.Int)
}

// TotalSupply returns a copy of the outstanding supply.
func (b *Balances) TotalSupply() *uint256.Int {
	return new(uint256.Int).Set(b.supply)
}

// Allowance returns how much spender may move on behalf of owner.
func (b *Balances) Allowance(owner, spender common.Address) *uint256.Int {
	if byOwner, ok := b.allowances[owner]; ok {
		if v, ok := byOwner[spender]; ok {
			return new(uint256.Int).Set(v)
		}
	}
	return new(uint256.Int)
}

// Approve sets the allowance. The max value never decreases on spend.
func (b *Balances) Approve(owner, spender common.Address, amount *uint256.Int) error {
	if owner == (common.Address{}) || spender == (common.Address{}) {
		return ErrNullAddress
	}
	byOwner, ok := b.allowances[owner]
	if !ok {
		byOwner = make(map[common.Address]*uint256.Int)
		b.allowances[owner] = byOwner
	}
	byOwner[spender] = new(uint256.Int).Set(amount)
	return nil
}

// Mint credits amount to the receiver.
func (b *Balances) Mint(to common.Address, amount *uint256.Int) error {
	if to == (common.Address{}) {
		return ErrNullAddress
	}
	supply, err := ledger.Add(b.supply, amount)
	if err != nil {
		return err
	}
	b.supply = supply
	b.balances[to] = new(uint256.Int).Add(b.BalanceOf(to), amount)
	return nil
}

// Burn debits amount from the owner.
func (b *Balances) Burn(from common.Address, amount *uint256.Int) error {
	bal := b.BalanceOf(from)
	if bal.Lt(amount) {
		return ErrInsufficientBalance.With("owner", from.Hex())
	}
	b.balances[from] = bal.Sub(bal, amount)
	b.supply = new(uint256.Int).Sub(b.supply, amount)
	return nil
}

// Transfer moves amount between two accounts.
func (b *Balances) Transfer(from, to common.Address, amount *uint256.Int) error {
	if to == (common.Address{}) {
		return ErrNullAddress
	}
	bal := b.BalanceOf(from)
	if bal.Lt(amount) {
		return ErrInsufficientBalance.With("owner", from.Hex())
	}
	b.balances[from] = bal.Sub(bal, amount)
	b.balances[to] = new(uint256.Int).Add(b.BalanceOf(to), amount)
	return nil
}

// TransferFrom spends allowance and moves amount.
func (b *Balances) TransferFrom(spender, from, to common.Address, amount *uint256.Int) error {
	if spender != from {
		allowed := b.Allowance(from, spender)
		if allowed.Lt(amount) {
			return ErrInsufficientAllowance.With("spender", spender.Hex())
		}
		if err := b.Transfer(from, to, amount); err != nil {
			return err
		}
		if !isInfinite(allowed) {
			b.allowances[from][spender] = allowed.Sub(allowed, amount)
		}
		return nil
	}
	return b.Transfer(from, to, amount)
}

// Holders returns every address with a nonzero balance.
func (b *Balances) Holders() []common.Address {
	out := make([]common.Address, 0, len(b.balances))
	for addr, bal := range b.balances {
		if !bal.IsZero() {
			out = append(out, addr)
		}
	}
	return out
}

// Token is a thread-safe ERC-20 ledger living at a fixed address.
type Token struct {
	mu      sync.RWMutex
	address common.Address
	meta    Metadata
	book    *Balances
}

// New creates a token.
func New(address common.Address, meta Metadata) *Token {
	return &Token{address: address, meta: meta, book: NewBalances()}
}

// Address returns the token address.
func (t *Token) Address() common.Address { return t.address }

// Metadata returns name, symbol and decimals.
func (t *Token) Metadata() Metadata { return t.meta }

// BalanceOf implements ERC20.
func (t *Token) BalanceOf(owner common.Address) *uint256.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.book.BalanceOf(owner)
}

// TotalSupply returns the minted supply.
func (t *Token) TotalSupply() *uint256.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.book.TotalSupply()
}

// Allowance implements Spendable.
func (t *Token) Allowance(owner, spender common.Address) *uint256.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.book.Allowance(owner, spender)
}

// Approve implements Spendable.
func (t *Token) Approve(owner, spender common.Address, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.book.Approve(owner, spender, amount)
}

// Transfer implements ERC20.
func (t *Token) Transfer(from, to common.Address, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.book.Transfer(from, to, amount)
}

// TransferFrom implements Spendable.
func (t *Token) TransferFrom(spender, from, to common.Address, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.book.TransferFrom(spender, from, to, amount)
}

// Mint is the faucet used by tests and the simulator.
func (t *Token) Mint(to common.Address, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.book.Mint(to, amount)
}

// Burn destroys tokens held by from.
func (t *Token) Burn(from common.Address, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.book.Burn(from, amount)
}

// MaxUint256 returns the infinite approval value.
func MaxUint256() *uint256.Int {
	return new(uint256.Int).SetAllOne()
}

func isInfinite(v *uint256.Int) bool {
	return v.Cmp(MaxUint256()) == 0
}

var (
	_ Spendable = (*Token)(nil)
)
