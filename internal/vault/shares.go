package vault

import (
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"PooledVault/internal/token"
)

// The vault is itself the share token.

// TotalSupply returns the outstanding shares.
func (v *Vault) TotalSupply() *uint256.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.shares.TotalSupply()
}

// BalanceOf returns the shares held by owner.
func (v *Vault) BalanceOf(owner common.Address) *uint256.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.shares.BalanceOf(owner)
}

// Allowance returns the share allowance granted by owner to spender.
func (v *Vault) Allowance(owner, spender common.Address) *uint256.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.shares.Allowance(owner, spender)
}

// Approve lets spender move owner's shares.
func (v *Vault) Approve(owner, spender common.Address, amount *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.shares.Approve(owner, spender, amount)
}

// Transfer moves shares from one holder to another.
func (v *Vault) Transfer(from, to common.Address, amount *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.shares.Transfer(from, to, amount); err != nil {
		return err
	}
	v.logger.Debug("share transfer",
		slog.String("from", from.Hex()),
		slog.String("to", to.Hex()),
		slog.String("amount", amount.Dec()),
	)
	return nil
}

// TransferFrom moves shares using spender's allowance.
func (v *Vault) TransferFrom(spender, from, to common.Address, amount *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.shares.TransferFrom(spender, from, to, amount)
}

var _ token.Spendable = (*Vault)(nil)
