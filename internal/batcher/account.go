package batcher

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Kind selects one of the two settlement pipelines.
type Kind string

const (
	KindDeposit  Kind = "deposit"
	KindWithdraw Kind = "withdraw"
)

// Valid reports whether k names a pipeline.
func (k Kind) Valid() bool { return k == KindDeposit || k == KindWithdraw }

// Account is the read model of one recipient's ledgers.
type Account struct {
	Recipient         common.Address `json:"recipient"`
	PendingDeposit    string         `json:"pending_deposit"`
	UnclaimedShares   string         `json:"unclaimed_shares"`
	PendingWithdrawal string         `json:"pending_withdrawal"`
	ClaimableWant     string         `json:"claimable_want"`
}

func dec(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func clone(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}

// Account returns recipient's ledgers.
func (b *Batcher) Account(recipient common.Address) Account {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Account{
		Recipient:         recipient,
		PendingDeposit:    dec(b.depositLedger[recipient]),
		UnclaimedShares:   dec(b.userLPTokens[recipient]),
		PendingWithdrawal: dec(b.withdrawLedger[recipient]),
		ClaimableWant:     dec(b.userWantTokens[recipient]),
	}
}

// DepositLedger returns recipient's queued want token.
func (b *Batcher) DepositLedger(recipient common.Address) *uint256.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return clone(b.depositLedger[recipient])
}

// WithdrawLedger returns recipient's queued shares.
func (b *Batcher) WithdrawLedger(recipient common.Address) *uint256.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return clone(b.withdrawLedger[recipient])
}

// UserLPTokens returns recipient's unclaimed shares.
func (b *Batcher) UserLPTokens(recipient common.Address) *uint256.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return clone(b.userLPTokens[recipient])
}

// UserWantTokens returns recipient's settled, unpaid want token.
func (b *Batcher) UserWantTokens(recipient common.Address) *uint256.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return clone(b.userWantTokens[recipient])
}

// PendingDeposit is the sum of all deposit ledgers.
func (b *Batcher) PendingDeposit() *uint256.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return clone(b.pendingDeposit)
}

// PendingWithdrawal is the sum of all withdraw ledgers.
func (b *Batcher) PendingWithdrawal() *uint256.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return clone(b.pendingWithdrawal)
}

// PendingRecipients lists recipients with a nonzero ledger in the given
// pipeline, ordered by address. The keeper uses it as its batch candidate
// list.
func (b *Batcher) PendingRecipients(kind Kind) []common.Address {
	b.mu.Lock()
	defer b.mu.Unlock()

	book := b.depositLedger
	if kind == KindWithdraw {
		book = b.withdrawLedger
	}
	out := make([]common.Address, 0, len(book))
	for r, amount := range book {
		if amount != nil && !amount.IsZero() {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// VaultInfo returns the vault, its want token and the deposit cap.
func (b *Batcher) VaultInfo() VaultInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return VaultInfo{
		VaultAddress: b.vault.Address(),
		TokenAddress: b.want.Address(),
		MaxAmount:    b.maxAmount.Dec(),
	}
}

// VerificationAuthority returns the address whose signatures gate deposits.
func (b *Batcher) VerificationAuthority() common.Address {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.authority
}

// DepositSignatureCheck reports whether deposits require a signature.
func (b *Batcher) DepositSignatureCheck() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.signatureCheck
}
