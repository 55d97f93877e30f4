// Package batcher aggregates user deposit and withdrawal requests and settles
// them against the vault in single calls, distributing the result pro rata.
//
// Each recipient moves through
//
//	deposit:  Idle -> PendingDeposit -> UnclaimedShares -> Idle
//	withdraw: Idle -> PendingWithdrawal -> SettledWant -> Idle
//
// and may never hold a pending deposit and a pending withdrawal at once.
package batcher

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"PooledVault/internal/ledger"
	"PooledVault/internal/token"
	"PooledVault/pkg/logger"
)

// Verifier recovers the signer of a deposit authorisation for owner.
type Verifier interface {
	Recover(owner common.Address, signature []byte) (common.Address, error)
}

// Vault is the part of the vault the batcher settles against. The vault is
// also the share token.
type Vault interface {
	token.Spendable
	Deposit(ctx context.Context, caller common.Address, amount *uint256.Int, receiver common.Address) (*uint256.Int, error)
	Withdraw(ctx context.Context, caller common.Address, shares *uint256.Int, receiver common.Address) (*uint256.Int, error)
	Governance() common.Address
	Keeper() common.Address
}

// Config holds the construction parameters of a batcher.
type Config struct {
	Address               common.Address
	VerificationAuthority common.Address
	MaxAmount             *uint256.Int
	SignatureCheck        bool
}

// VaultInfo describes the vault the batcher serves and its per-call cap.
type VaultInfo struct {
	VaultAddress common.Address `json:"vault_address"`
	TokenAddress common.Address `json:"token_address"`
	MaxAmount    string         `json:"max_amount"`
}

// Batcher is safe for concurrent use. Lock order is batcher -> vault.
type Batcher struct {
	mu sync.Mutex

	address  common.Address
	vault    Vault
	want     token.Spendable
	verifier Verifier

	authority      common.Address
	signatureCheck bool
	maxAmount      *uint256.Int

	depositLedger  map[common.Address]*uint256.Int
	withdrawLedger map[common.Address]*uint256.Int
	userLPTokens   map[common.Address]*uint256.Int
	userWantTokens map[common.Address]*uint256.Int

	pendingDeposit    *uint256.Int
	pendingWithdrawal *uint256.Int

	logger *slog.Logger
}

// New creates a batcher for v and approves the vault to pull unlimited want
// token from it.
func New(cfg Config, v Vault, want token.Spendable, verifier Verifier) (*Batcher, error) {
	if cfg.Address == (common.Address{}) || v == nil || want == nil {
		return nil, ErrNullAddress
	}
	if cfg.SignatureCheck && verifier == nil {
		return nil, ErrNullAddress.With("field", "verifier")
	}
	maxAmount := cfg.MaxAmount
	if maxAmount == nil {
		maxAmount = token.MaxUint256()
	}
	if err := want.Approve(cfg.Address, v.Address(), token.MaxUint256()); err != nil {
		return nil, err
	}
	return &Batcher{
		address:           cfg.Address,
		vault:             v,
		want:              want,
		verifier:          verifier,
		authority:         cfg.VerificationAuthority,
		signatureCheck:    cfg.SignatureCheck,
		maxAmount:         new(uint256.Int).Set(maxAmount),
		depositLedger:     make(map[common.Address]*uint256.Int),
		withdrawLedger:    make(map[common.Address]*uint256.Int),
		userLPTokens:      make(map[common.Address]*uint256.Int),
		userWantTokens:    make(map[common.Address]*uint256.Int),
		pendingDeposit:    new(uint256.Int),
		pendingWithdrawal: new(uint256.Int),
		logger:            logger.Named("batcher"),
	}, nil
}

// Address returns the batcher address.
func (b *Batcher) Address() common.Address { return b.address }

func (b *Batcher) onlyKeeper(caller common.Address) error {
	if caller != b.vault.Keeper() {
		return ErrOnlyKeeper
	}
	return nil
}

func (b *Batcher) onlyGov(caller common.Address) error {
	if caller != b.vault.Governance() {
		return ErrOnlyGov
	}
	return nil
}

// DepositFunds queues amount of want token, paid by caller, for recipient.
// With the signature check on, signature must be the verification
// authority's deposit authorisation for recipient.
func (b *Batcher) DepositFunds(_ context.Context, caller common.Address, amount *uint256.Int, signature []byte, recipient common.Address) error {
	if ledger.Zero(amount) {
		return ErrAmountInZero
	}
	if recipient == (common.Address{}) {
		return ErrNullAddress
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.maxAmount.Lt(amount) {
		return ErrMaxLimitExceeded.With("max_amount", b.maxAmount.Dec())
	}
	if !ledger.Zero(b.withdrawLedger[recipient]) {
		return ErrWithdrawPending.With("recipient", recipient.Hex())
	}
	if b.signatureCheck {
		if err := b.verify(recipient, signature); err != nil {
			return err
		}
	}
	pending, err := ledger.Add(b.depositLedger[recipient], amount)
	if err != nil {
		return err
	}
	total, err := ledger.Add(b.pendingDeposit, amount)
	if err != nil {
		return err
	}
	if err := b.want.TransferFrom(b.address, caller, b.address, amount); err != nil {
		return err
	}
	b.depositLedger[recipient] = pending
	b.pendingDeposit = total

	logger.Audit().Info("deposit queued",
		slog.String("payer", caller.Hex()),
		slog.String("recipient", recipient.Hex()),
		slog.String("amount", amount.Dec()),
		slog.String("pending", pending.Dec()),
	)
	return nil
}

func (b *Batcher) verify(recipient common.Address, signature []byte) error {
	signer, err := b.verifier.Recover(recipient, signature)
	if err != nil {
		return ErrECDSA.With("cause", err.Error())
	}
	if signer != b.authority {
		return ErrECDSA.With("signer", signer.Hex())
	}
	return nil
}

// Allocation is one recipient's share of a batch.
type Allocation struct {
	Recipient common.Address `json:"recipient"`
	Amount    string         `json:"amount"`
	Credited  string         `json:"credited"`
}

// Result summarises a batch settlement. Input is the aggregate sent to the
// vault and Output what the vault returned (shares or want token).
type Result struct {
	Input       string       `json:"input"`
	Output      string       `json:"output"`
	Dust        string       `json:"dust"`
	Allocations []Allocation `json:"allocations"`
	Skipped     int          `json:"skipped"`
}

// collect dedupes recipients and returns those with a nonzero ledger entry.
func collect(book map[common.Address]*uint256.Int, recipients []common.Address) ([]common.Address, *uint256.Int, int, error) {
	seen := make(map[common.Address]struct{}, len(recipients))
	picked := make([]common.Address, 0, len(recipients))
	total := new(uint256.Int)
	skipped := 0
	for _, r := range recipients {
		if _, dup := seen[r]; dup {
			skipped++
			continue
		}
		seen[r] = struct{}{}
		amount := book[r]
		if ledger.Zero(amount) {
			skipped++
			continue
		}
		var err error
		if total, err = ledger.Add(total, amount); err != nil {
			return nil, nil, 0, err
		}
		picked = append(picked, r)
	}
	return picked, total, skipped, nil
}

// distribute credits output pro rata to the picked entries of book into
// credit and clears their book entries. The rounding remainder stays with
// the batcher.
func distribute(book, credit map[common.Address]*uint256.Int, picked []common.Address, input, output *uint256.Int) (*Result, error) {
	res := &Result{
		Input:       input.Dec(),
		Output:      output.Dec(),
		Allocations: make([]Allocation, 0, len(picked)),
	}
	given := new(uint256.Int)
	for _, r := range picked {
		amount := book[r]
		share, err := ledger.ProRata(output, amount, input)
		if err != nil {
			return nil, err
		}
		credited, err := ledger.Add(credit[r], share)
		if err != nil {
			return nil, err
		}
		credit[r] = credited
		delete(book, r)
		given.Add(given, share)
		res.Allocations = append(res.Allocations, Allocation{Recipient: r, Amount: amount.Dec(), Credited: share.Dec()})
	}
	res.Dust = ledger.Sub(output, given).Dec()
	return res, nil
}

// BatchDeposit deposits every listed recipient's pending amount into the
// vault in one call and credits the minted shares pro rata. Duplicate and
// empty entries are skipped.
func (b *Batcher) BatchDeposit(ctx context.Context, caller common.Address, recipients []common.Address) (*Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.onlyKeeper(caller); err != nil {
		return nil, err
	}
	picked, total, skipped, err := collect(b.depositLedger, recipients)
	if err != nil {
		return nil, err
	}
	if total.IsZero() {
		return nil, ErrNoDeposits
	}
	shares, err := b.vault.Deposit(ctx, b.address, total, b.address)
	if err != nil {
		return nil, err
	}
	res, err := distribute(b.depositLedger, b.userLPTokens, picked, total, shares)
	if err != nil {
		return nil, err
	}
	res.Skipped = skipped
	b.pendingDeposit = ledger.Sub(b.pendingDeposit, total)

	logger.Audit().Info("batch deposit settled",
		slog.Int("recipients", len(picked)),
		slog.Int("skipped", skipped),
		slog.String("amount", total.Dec()),
		slog.String("shares", shares.Dec()),
		slog.String("dust", res.Dust),
	)
	return res, nil
}

// ClaimTokens sends amount of recipient's unclaimed shares to recipient.
// Anyone may trigger it.
func (b *Batcher) ClaimTokens(_ context.Context, caller common.Address, amount *uint256.Int, recipient common.Address) error {
	if recipient == (common.Address{}) {
		return ErrNullAddress
	}
	if amount == nil {
		amount = new(uint256.Int)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	available := b.userLPTokens[recipient]
	if available == nil {
		available = new(uint256.Int)
	}
	if available.Lt(amount) {
		return ErrNoFunds.With("available", available.Dec())
	}
	if err := b.vault.Transfer(b.address, recipient, amount); err != nil {
		return err
	}
	b.userLPTokens[recipient] = ledger.Sub(available, amount)

	logger.Audit().Info("shares claimed",
		slog.String("caller", caller.Hex()),
		slog.String("recipient", recipient.Hex()),
		slog.String("amount", amount.Dec()),
	)
	return nil
}

// InitiateWithdrawal queues amount of caller's shares for redemption. Shares
// still held by the batcher for caller are used first; the rest is pulled
// from caller, who must have approved the batcher on the vault.
func (b *Batcher) InitiateWithdrawal(_ context.Context, caller common.Address, amount *uint256.Int) error {
	if ledger.Zero(amount) {
		return ErrAmountInZero
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if !ledger.Zero(b.depositLedger[caller]) {
		return ErrDepositPending.With("recipient", caller.Hex())
	}
	held := b.userLPTokens[caller]
	if held == nil {
		held = new(uint256.Int)
	}
	fromLP := ledger.Min(amount, held)
	remainder := new(uint256.Int).Sub(amount, fromLP)

	pending, err := ledger.Add(b.withdrawLedger[caller], amount)
	if err != nil {
		return err
	}
	total, err := ledger.Add(b.pendingWithdrawal, amount)
	if err != nil {
		return err
	}
	if !remainder.IsZero() {
		if err := b.vault.TransferFrom(b.address, caller, b.address, remainder); err != nil {
			return err
		}
	}
	b.userLPTokens[caller] = ledger.Sub(held, fromLP)
	b.withdrawLedger[caller] = pending
	b.pendingWithdrawal = total

	logger.Audit().Info("withdrawal queued",
		slog.String("recipient", caller.Hex()),
		slog.String("amount", amount.Dec()),
		slog.String("from_unclaimed", fromLP.Dec()),
		slog.String("pulled", remainder.Dec()),
	)
	return nil
}

// BatchWithdraw redeems every listed recipient's pending shares in one vault
// call and credits the want token pro rata.
func (b *Batcher) BatchWithdraw(ctx context.Context, caller common.Address, recipients []common.Address) (*Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.onlyKeeper(caller); err != nil {
		return nil, err
	}
	picked, total, skipped, err := collect(b.withdrawLedger, recipients)
	if err != nil {
		return nil, err
	}
	if total.IsZero() {
		return nil, ErrNoWithdraws
	}
	amountOut, err := b.vault.Withdraw(ctx, b.address, total, b.address)
	if err != nil {
		return nil, err
	}
	res, err := distribute(b.withdrawLedger, b.userWantTokens, picked, total, amountOut)
	if err != nil {
		return nil, err
	}
	res.Skipped = skipped
	b.pendingWithdrawal = ledger.Sub(b.pendingWithdrawal, total)

	logger.Audit().Info("batch withdrawal settled",
		slog.Int("recipients", len(picked)),
		slog.Int("skipped", skipped),
		slog.String("shares", total.Dec()),
		slog.String("amount_out", amountOut.Dec()),
		slog.String("dust", res.Dust),
	)
	return res, nil
}

// CompleteWithdrawal pays out amountOut of recipient's settled want token.
func (b *Batcher) CompleteWithdrawal(_ context.Context, caller common.Address, amountOut *uint256.Int, recipient common.Address) error {
	if recipient == (common.Address{}) {
		return ErrNullAddress
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	available := b.userWantTokens[recipient]
	if ledger.Zero(amountOut) || available == nil || available.Lt(amountOut) {
		return ErrInvalidAmountOut
	}
	if err := b.want.Transfer(b.address, recipient, amountOut); err != nil {
		return err
	}
	b.userWantTokens[recipient] = ledger.Sub(available, amountOut)

	logger.Audit().Info("withdrawal completed",
		slog.String("caller", caller.Hex()),
		slog.String("recipient", recipient.Hex()),
		slog.String("amount", amountOut.Dec()),
	)
	return nil
}

// SetAuthority replaces the deposit verification authority.
func (b *Batcher) SetAuthority(caller, authority common.Address) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.onlyGov(caller); err != nil {
		return err
	}
	b.authority = authority
	logger.Audit().Info("verification authority changed", slog.String("authority", authority.Hex()))
	return nil
}

// SetVaultLimit changes the per-call deposit cap. A nil cap lifts the limit.
func (b *Batcher) SetVaultLimit(caller common.Address, maxAmount *uint256.Int) error {
	if maxAmount == nil {
		maxAmount = token.MaxUint256()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.onlyGov(caller); err != nil {
		return err
	}
	b.maxAmount = new(uint256.Int).Set(maxAmount)
	logger.Audit().Info("vault limit changed", slog.String("max_amount", maxAmount.Dec()))
	return nil
}

// SetDepositSignatureCheck toggles signature verification on deposits.
func (b *Batcher) SetDepositSignatureCheck(caller common.Address, enabled bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.onlyGov(caller); err != nil {
		return err
	}
	if enabled && b.verifier == nil {
		return ErrNullAddress.With("field", "verifier")
	}
	b.signatureCheck = enabled
	logger.Audit().Info("deposit signature check changed", slog.Bool("enabled", enabled))
	return nil
}

// Sweep sends the batcher's entire balance of tok to governance. tok may be
// the want token or the vault share token.
func (b *Batcher) Sweep(_ context.Context, caller common.Address, tok token.ERC20) (*uint256.Int, error) {
	if tok == nil {
		return nil, ErrNullAddress
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.onlyGov(caller); err != nil {
		return nil, err
	}
	governance := b.vault.Governance()
	amount := tok.BalanceOf(b.address)
	if err := tok.Transfer(b.address, governance, amount); err != nil {
		return nil, err
	}
	logger.Audit().Warn("batcher sweep",
		slog.String("token", tok.Address().Hex()),
		slog.String("amount", amount.Dec()),
		slog.String("governance", governance.Hex()),
	)
	return amount, nil
}
