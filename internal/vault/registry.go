package vault

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Executor is a strategy handle the vault can fund and value. Sync
// strategies always report fresh values; async strategies report a keeper
// snapshot that expires.
type Executor interface {
	Address() common.Address
	// Vault returns the vault address the executor was bound to at creation.
	Vault() common.Address
	CurrentValue(ctx context.Context) (value *uint256.Int, fresh bool, err error)
	// Deposit is invoked after the vault has transferred amount to the executor.
	Deposit(ctx context.Context, amount *uint256.Int) error
	// Withdraw must return amount of want token to the vault.
	Withdraw(ctx context.Context, amount *uint256.Int) error
}

type entry struct {
	executor  Executor
	principal *uint256.Int
}

// Registry is an ordered, deduplicated set of executors. Removal swaps the
// last element into the freed slot, so indices are not stable across
// removals; resolve by address.
type Registry struct {
	entries []*entry
	index   map[common.Address]int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{index: make(map[common.Address]int)}
}

// Add appends e. It reports false when e is already registered.
func (r *Registry) Add(e Executor) bool {
	addr := e.Address()
	if _, ok := r.index[addr]; ok {
		return false
	}
	r.index[addr] = len(r.entries)
	r.entries = append(r.entries, &entry{executor: e, principal: new(uint256.Int)})
	return true
}

// Remove deletes the executor at addr via swap-and-pop.
func (r *Registry) Remove(addr common.Address) error {
	i, ok := r.index[addr]
	if !ok {
		return ErrInvalidExecutor.With("executor", addr.Hex())
	}
	last := len(r.entries) - 1
	if i != last {
		moved := r.entries[last]
		r.entries[i] = moved
		r.index[moved.executor.Address()] = i
	}
	r.entries[last] = nil
	r.entries = r.entries[:last]
	delete(r.index, addr)
	return nil
}

// Contains reports whether addr is registered.
func (r *Registry) Contains(addr common.Address) bool {
	_, ok := r.index[addr]
	return ok
}

// Len returns the number of registered executors.
func (r *Registry) Len() int { return len(r.entries) }

// ByIndex returns the executor at position i.
func (r *Registry) ByIndex(i int) (Executor, error) {
	if i < 0 || i >= len(r.entries) {
		return nil, ErrInvalidIndex
	}
	return r.entries[i].executor, nil
}

func (r *Registry) lookup(addr common.Address) (*entry, error) {
	i, ok := r.index[addr]
	if !ok {
		return nil, ErrInvalidExecutor.With("executor", addr.Hex())
	}
	return r.entries[i], nil
}

func (r *Registry) each(fn func(*entry) error) error {
	for _, e := range r.entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}
