// Package executor provides the two strategy flavours the vault can fund.
// Sync executors value themselves on demand from their token balance. Async
// executors carry a position whose value is reported by the keeper and
// expires after a fixed number of blocks.
package executor

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"PooledVault/internal/token"
	"PooledVault/internal/vault"
)

// Owner is the vault an executor is bound to.
type Owner interface {
	Address() common.Address
	Keeper() common.Address
}

type base struct {
	address common.Address
	owner   Owner
	want    token.ERC20
}

func (b *base) Address() common.Address { return b.address }

func (b *base) Vault() common.Address { return b.owner.Address() }

func (b *base) held() *uint256.Int { return b.want.BalanceOf(b.address) }

// Withdraw returns amount of want token from the executor to the vault.
func (b *base) Withdraw(_ context.Context, amount *uint256.Int) error {
	return b.want.Transfer(b.address, b.owner.Address(), amount)
}

// Sync is an executor whose value is the want token it holds.
type Sync struct {
	base
}

// NewSync binds a sync executor at address to owner.
func NewSync(address common.Address, owner Owner, want token.ERC20) *Sync {
	return &Sync{base{address: address, owner: owner, want: want}}
}

// CurrentValue is always fresh.
func (s *Sync) CurrentValue(context.Context) (*uint256.Int, bool, error) {
	return s.held(), true, nil
}

// Deposit has nothing to do; funds are already on the executor.
func (s *Sync) Deposit(context.Context, *uint256.Int) error { return nil }

var _ vault.Executor = (*Sync)(nil)
