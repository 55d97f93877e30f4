// Package vault implements the pooled-capital vault: share accounting, the
// executor registry, staleness-gated valuation and performance fees.
//
// Every mutating call takes the caller's address explicitly and runs under a
// single mutex, so calls are applied atomically and in order. Lock order is
// vault -> executor -> token; the vault never calls back into its callers.
package vault

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

// MaxPerformanceFee is MAX_BPS/2.
const MaxPerformanceFee = ledger.MaxBPS / 2

// Config holds the construction parameters of a vault.
type Config struct {
	Address           common.Address
	Name              string
	Symbol            string
	Decimals          uint8
	Keeper            common.Address
	Governance        common.Address
	PerformanceFeeBps uint64
}

// Vault is safe for concurrent use.
type Vault struct {
	mu sync.RWMutex

	address common.Address
	meta    token.Metadata
	want    token.Spendable
	shares  *token.Balances

	registry *Registry

	keeper             common.Address
	governance         common.Address
	pendingGovernance  *common.Address
	batcher            common.Address
	batcherOnlyDeposit bool
	emergencyMode      bool
	performanceFee     uint64

	logger *slog.Logger
}

// New creates a vault over the want token. Deposits are batcher-only and no
// batcher is set until governance configures one.
func New(cfg Config, want token.Spendable) (*Vault, error) {
	if cfg.Address == (common.Address{}) || cfg.Governance == (common.Address{}) || cfg.Keeper == (common.Address{}) {
		return nil, ErrNullAddress
	}
	if want == nil {
		return nil, ErrNullAddress.With("field", "want")
	}
	if cfg.PerformanceFeeBps > MaxPerformanceFee {
		return nil, ErrFeeTooHigh
	}
	decimals := cfg.Decimals
	if m, ok := want.(interface{ Metadata() token.Metadata }); ok && decimals == 0 {
		decimals = m.Metadata().Decimals
	}
	return &Vault{
		address:            cfg.Address,
		meta:               token.Metadata{Name: cfg.Name, Symbol: cfg.Symbol, Decimals: decimals},
		want:               want,
		shares:             token.NewBalances(),
		registry:           NewRegistry(),
		keeper:             cfg.Keeper,
		governance:         cfg.Governance,
		batcherOnlyDeposit: true,
		performanceFee:     cfg.PerformanceFeeBps,
		logger:             logger.Named("vault"),
	}, nil
}

// Address returns the vault (and share token) address.
func (v *Vault) Address() common.Address { return v.address }

// Want returns the underlying token.
func (v *Vault) Want() token.Spendable { return v.want }

// Name returns the share token name.
func (v *Vault) Name() string { return v.meta.Name }

// Symbol returns the share token symbol.
func (v *Vault) Symbol() string { return v.meta.Symbol }

// Decimals matches the want token.
func (v *Vault) Decimals() uint8 { return v.meta.Decimals }

// Metadata returns name, symbol and decimals of the share token.
func (v *Vault) Metadata() token.Metadata { return v.meta }

func (v *Vault) onlyGov(caller common.Address) error {
	if caller != v.governance {
		return ErrOnlyGov
	}
	return nil
}

func (v *Vault) onlyKeeper(caller common.Address) error {
	if caller != v.keeper {
		return ErrOnlyKeeper
	}
	return nil
}

func (v *Vault) onlyBatcher(caller common.Address) error {
	if v.batcherOnlyDeposit && (caller != v.batcher || caller == (common.Address{})) {
		return ErrOnlyBatcher
	}
	return nil
}

// rollback 记录补偿操作失败，此时账本可能已不一致。
func (v *Vault) rollback(op string, err error, attrs ...slog.Attr) {
	if err == nil {
		return
	}
	args := []any{slog.String("op", op), slog.Any("error", err)}
	for _, a := range attrs {
		args = append(args, a)
	}
	logger.Audit().Error("vault rollback failed", args...)
	v.logger.Error("回滚失败", args...)
}

// TotalVaultFunds returns idle balance plus the value of every executor.
// It fails with FUNDS_NOT_UPDATED when any executor reports a stale value.
func (v *Vault) TotalVaultFunds(ctx context.Context) (*uint256.Int, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.totalVaultFunds(ctx)
}

func (v *Vault) totalVaultFunds(ctx context.Context) (*uint256.Int, error) {
	total := v.want.BalanceOf(v.address)
	err := v.registry.each(func(e *entry) error {
		value, fresh, err := e.executor.CurrentValue(ctx)
		if err != nil {
			return ErrExecutorHookFailure.With("executor", e.executor.Address().Hex()).With("cause", err.Error())
		}
		if !fresh {
			return ErrFundsNotUpdated.With("executor", e.executor.Address().Hex())
		}
		total, err = ledger.Add(total, value)
		return err
	})
	if err != nil {
		return nil, err
	}
	return total, nil
}

// Deposit pulls amount of want token from caller and mints shares to
// receiver.
func (v *Vault) Deposit(ctx context.Context, caller common.Address, amount *uint256.Int, receiver common.Address) (*uint256.Int, error) {
	if ledger.Zero(amount) {
		return nil, ErrZeroAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.onlyBatcher(caller); err != nil {
		return nil, err
	}
	if receiver == (common.Address{}) {
		return nil, ErrNullAddress
	}
	funds, err := v.totalVaultFunds(ctx)
	if err != nil {
		return nil, err
	}
	shares, err := ledger.SharesForDeposit(amount, v.shares.TotalSupply(), funds)
	if err != nil {
		return nil, err
	}
	if shares.IsZero() {
		return nil, ErrZeroShares.With("reason", "deposit too small to mint a share")
	}
	if err := v.want.TransferFrom(v.address, caller, v.address, amount); err != nil {
		return nil, err
	}
	if err := v.shares.Mint(receiver, shares); err != nil {
		// supply overflow; hand the funds back
		v.rollback("deposit_refund", v.want.Transfer(v.address, caller, amount),
			slog.String("caller", caller.Hex()), slog.String("amount", amount.Dec()))
		return nil, err
	}
	logger.Audit().Info("vault deposit",
		slog.String("caller", caller.Hex()),
		slog.String("receiver", receiver.Hex()),
		slog.String("amount", amount.Dec()),
		slog.String("shares", shares.Dec()),
		slog.String("total_funds_before", funds.Dec()),
	)
	return shares, nil
}

// Withdraw burns shares from caller and pays receiver from idle balance.
// Executors are never liquidated here; the keeper rebalances beforehand.
func (v *Vault) Withdraw(ctx context.Context, caller common.Address, shares *uint256.Int, receiver common.Address) (*uint256.Int, error) {
	if ledger.Zero(shares) {
		return nil, ErrZeroShares
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.onlyBatcher(caller); err != nil {
		return nil, err
	}
	if receiver == (common.Address{}) {
		return nil, ErrNullAddress
	}
	funds, err := v.totalVaultFunds(ctx)
	if err != nil {
		return nil, err
	}
	if v.shares.BalanceOf(caller).Lt(shares) {
		return nil, token.ErrInsufficientBalance.With("owner", caller.Hex())
	}
	amount, err := ledger.AmountForShares(shares, v.shares.TotalSupply(), funds)
	if err != nil {
		return nil, err
	}
	idle := v.want.BalanceOf(v.address)
	if idle.Lt(amount) {
		return nil, ErrInsufficientIdle.With("idle", idle.Dec()).With("required", amount.Dec())
	}
	if err := v.shares.Burn(caller, shares); err != nil {
		return nil, err
	}
	if err := v.want.Transfer(v.address, receiver, amount); err != nil {
		v.rollback("withdraw_remint", v.shares.Mint(caller, shares),
			slog.String("caller", caller.Hex()), slog.String("shares", shares.Dec()))
		return nil, err
	}
	logger.Audit().Info("vault withdraw",
		slog.String("caller", caller.Hex()),
		slog.String("receiver", receiver.Hex()),
		slog.String("shares", shares.Dec()),
		slog.String("amount", amount.Dec()),
	)
	return amount, nil
}

// AddExecutor registers e. Adding an already registered executor is a no-op.
func (v *Vault) AddExecutor(caller common.Address, e Executor) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.onlyGov(caller); err != nil {
		return err
	}
	if e == nil || e.Address() == (common.Address{}) {
		return ErrNullAddress
	}
	if e.Vault() != v.address {
		return ErrInvalidVault.With("executor", e.Address().Hex())
	}
	if v.registry.Add(e) {
		logger.Audit().Info("executor added", slog.String("executor", e.Address().Hex()))
	}
	return nil
}

// RemoveExecutor unregisters the executor once its value is zero.
func (v *Vault) RemoveExecutor(ctx context.Context, caller common.Address, addr common.Address) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.onlyGov(caller); err != nil {
		return err
	}
	e, err := v.registry.lookup(addr)
	if err != nil {
		return err
	}
	value, _, err := e.executor.CurrentValue(ctx)
	if err != nil {
		return ErrExecutorHookFailure.With("executor", addr.Hex()).With("cause", err.Error())
	}
	if !value.IsZero() {
		return ErrFundsTooHigh.With("value", value.Dec())
	}
	if err := v.registry.Remove(addr); err != nil {
		return err
	}
	logger.Audit().Info("executor removed", slog.String("executor", addr.Hex()))
	return nil
}

// TotalExecutors returns the registry size.
func (v *Vault) TotalExecutors() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.registry.Len()
}

// ExecutorByIndex returns the executor address at position i.
func (v *Vault) ExecutorByIndex(i int) (common.Address, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	e, err := v.registry.ByIndex(i)
	if err != nil {
		return common.Address{}, err
	}
	return e.Address(), nil
}

// Principal returns the cost basis allocated to the executor.
func (v *Vault) Principal(addr common.Address) (*uint256.Int, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	e, err := v.registry.lookup(addr)
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).Set(e.principal), nil
}

// DepositIntoExecutor moves idle funds into a registered executor.
func (v *Vault) DepositIntoExecutor(ctx context.Context, caller common.Address, addr common.Address, amount *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.onlyKeeper(caller); err != nil {
		return err
	}
	if ledger.Zero(amount) {
		return ErrZeroAmount
	}
	e, err := v.registry.lookup(addr)
	if err != nil {
		return err
	}
	if idle := v.want.BalanceOf(v.address); idle.Lt(amount) {
		return ErrInsufficientIdle.With("idle", idle.Dec())
	}
	if err := v.want.Transfer(v.address, addr, amount); err != nil {
		return err
	}
	if err := e.executor.Deposit(ctx, amount); err != nil {
		v.rollback("executor_refund", v.want.Transfer(addr, v.address, amount),
			slog.String("executor", addr.Hex()), slog.String("amount", amount.Dec()))
		return ErrExecutorHookFailure.With("executor", addr.Hex()).With("cause", err.Error())
	}
	principal, err := ledger.Add(e.principal, amount)
	if err != nil {
		return err
	}
	e.principal = principal
	logger.Audit().Info("executor funded",
		slog.String("executor", addr.Hex()),
		slog.String("amount", amount.Dec()),
		slog.String("principal", principal.Dec()),
	)
	return nil
}

// WithdrawFromExecutor pulls amount back to idle. Anything above the
// executor's principal is profit; the performance fee on it goes to
// governance and the rest stays in the pool.
func (v *Vault) WithdrawFromExecutor(ctx context.Context, caller common.Address, addr common.Address, amount *uint256.Int) (*uint256.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.onlyKeeper(caller); err != nil {
		return nil, err
	}
	if ledger.Zero(amount) {
		return nil, ErrZeroAmount
	}
	e, err := v.registry.lookup(addr)
	if err != nil {
		return nil, err
	}
	before := v.want.BalanceOf(v.address)
	if err := e.executor.Withdraw(ctx, amount); err != nil {
		return nil, ErrExecutorHookFailure.With("executor", addr.Hex()).With("cause", err.Error())
	}
	if received := ledger.Sub(v.want.BalanceOf(v.address), before); received.Lt(amount) {
		return nil, ErrExecutorHookFailure.With("executor", addr.Hex()).With("received", received.Dec())
	}

	principalPortion := ledger.Min(amount, e.principal)
	profit := new(uint256.Int).Sub(amount, principalPortion)
	fee, err := ledger.PerformanceFee(profit, v.performanceFee)
	if err != nil {
		return nil, err
	}
	if !fee.IsZero() {
		if err := v.want.Transfer(v.address, v.governance, fee); err != nil {
			return nil, err
		}
	}
	e.principal = ledger.Sub(e.principal, principalPortion)

	logger.Audit().Info("executor defunded",
		slog.String("executor", addr.Hex()),
		slog.String("amount", amount.Dec()),
		slog.String("profit", profit.Dec()),
		slog.String("fee", fee.Dec()),
		slog.String("principal", e.principal.Dec()),
	)
	return fee, nil
}

// SetEmergencyMode toggles emergency mode. Entering it clears the batcher
// and forces batcher-only deposits, which blocks deposit and withdraw.
// Leaving it does not restore the batcher.
func (v *Vault) SetEmergencyMode(caller common.Address, enabled bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.onlyGov(caller); err != nil {
		return err
	}
	v.emergencyMode = enabled
	if enabled {
		v.batcher = common.Address{}
		v.batcherOnlyDeposit = true
	}
	logger.Audit().Warn("emergency mode changed", slog.Bool("enabled", enabled))
	return nil
}

// Sweep sends the vault's whole balance of tok to governance. Only
// available in emergency mode; anyone may trigger it.
func (v *Vault) Sweep(_ context.Context, caller common.Address, tok token.ERC20) (*uint256.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.emergencyMode {
		return nil, ErrEmergencyMode
	}
	if tok == nil {
		return nil, ErrNullAddress
	}
	var (
		amount *uint256.Int
		err    error
	)
	if tok.Address() == v.address {
		amount = v.shares.BalanceOf(v.address)
		err = v.shares.Transfer(v.address, v.governance, amount)
	} else {
		amount = tok.BalanceOf(v.address)
		err = tok.Transfer(v.address, v.governance, amount)
	}
	if err != nil {
		return nil, err
	}
	logger.Audit().Warn("vault sweep",
		slog.String("caller", caller.Hex()),
		slog.String("token", tok.Address().Hex()),
		slog.String("amount", amount.Dec()),
	)
	return amount, nil
}

// SetGovernance proposes a new governance address.
func (v *Vault) SetGovernance(caller common.Address, next common.Address) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.onlyGov(caller); err != nil {
		return err
	}
	v.pendingGovernance = &next
	logger.Audit().Info("governance proposed", slog.String("pending", next.Hex()))
	return nil
}

// AcceptGovernance completes the handoff; only the pending address may call.
func (v *Vault) AcceptGovernance(caller common.Address) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.pendingGovernance == nil || caller != *v.pendingGovernance {
		return ErrInvalidAddress
	}
	previous := v.governance
	v.governance = caller
	v.pendingGovernance = nil
	logger.Audit().Info("governance accepted",
		slog.String("previous", previous.Hex()),
		slog.String("governance", caller.Hex()),
	)
	return nil
}

// SetPerformanceFee updates the fee in basis points.
func (v *Vault) SetPerformanceFee(caller common.Address, bps uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.onlyGov(caller); err != nil {
		return err
	}
	if bps > MaxPerformanceFee {
		return ErrFeeTooHigh
	}
	v.performanceFee = bps
	logger.Audit().Info("performance fee changed", slog.Uint64("bps", bps))
	return nil
}

// SetKeeper replaces the keeper.
func (v *Vault) SetKeeper(caller common.Address, keeper common.Address) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.onlyGov(caller); err != nil {
		return err
	}
	if keeper == (common.Address{}) {
		return ErrNullAddress
	}
	v.keeper = keeper
	logger.Audit().Info("keeper changed", slog.String("keeper", keeper.Hex()))
	return nil
}

// SetBatcher sets the only address allowed to deposit and withdraw while
// batcher-only mode is on.
func (v *Vault) SetBatcher(caller common.Address, batcher common.Address) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.onlyGov(caller); err != nil {
		return err
	}
	v.batcher = batcher
	logger.Audit().Info("batcher changed", slog.String("batcher", batcher.Hex()))
	return nil
}

// SetBatcherOnlyDeposit toggles the batcher gate.
func (v *Vault) SetBatcherOnlyDeposit(caller common.Address, enabled bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.onlyGov(caller); err != nil {
		return err
	}
	v.batcherOnlyDeposit = enabled
	logger.Audit().Info("batcher-only deposit changed", slog.Bool("enabled", enabled))
	return nil
}

// Keeper returns the keeper address.
func (v *Vault) Keeper() common.Address {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.keeper
}

// Governance returns the governance address.
func (v *Vault) Governance() common.Address {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.governance
}

// PendingGovernance returns the proposed governance, if any.
func (v *Vault) PendingGovernance() (common.Address, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.pendingGovernance == nil {
		return common.Address{}, false
	}
	return *v.pendingGovernance, true
}

// Batcher returns the configured batcher.
func (v *Vault) Batcher() common.Address {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.batcher
}

// BatcherOnlyDeposit reports whether the batcher gate is on.
func (v *Vault) BatcherOnlyDeposit() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.batcherOnlyDeposit
}

// EmergencyMode reports whether emergency mode is on.
func (v *Vault) EmergencyMode() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.emergencyMode
}

// PerformanceFee returns the fee in basis points.
func (v *Vault) PerformanceFee() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.performanceFee
}

// IdleBalance returns the want token held directly by the vault.
func (v *Vault) IdleBalance() *uint256.Int {
	return v.want.BalanceOf(v.address)
}
