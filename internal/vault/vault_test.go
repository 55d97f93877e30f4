package vault_test

import (
	"bytes"
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"PooledVault/internal/chain"
	xerrors "PooledVault/internal/errors"
	"PooledVault/internal/executor"
	"PooledVault/internal/token"
	"PooledVault/internal/vault"
	"PooledVault/pkg/logger"
)

var (
	vaultAddr   = common.HexToAddress("0x1000000000000000000000000000000000000001")
	wantAddr    = common.HexToAddress("0x1000000000000000000000000000000000000002")
	keeper      = common.HexToAddress("0x2000000000000000000000000000000000000001")
	governance  = common.HexToAddress("0x2000000000000000000000000000000000000002")
	depositor   = common.HexToAddress("0x2000000000000000000000000000000000000003")
	outsider    = common.HexToAddress("0x2000000000000000000000000000000000000004")
	syncAddr    = common.HexToAddress("0x3000000000000000000000000000000000000001")
	asyncAddr   = common.HexToAddress("0x3000000000000000000000000000000000000002")
	anotherSync = common.HexToAddress("0x3000000000000000000000000000000000000003")
)

type fixture struct {
	ctx   context.Context
	want  *token.Token
	vault *vault.Vault
	clock *chain.ManualClock
}

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

// newFixture returns a vault with the batcher gate lifted and a funded
// depositor that has approved the vault.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	want := token.New(wantAddr, token.Metadata{Name: "USD Coin", Symbol: "USDC", Decimals: 6})
	v, err := vault.New(vault.Config{
		Address:    vaultAddr,
		Name:       "BUSDC",
		Symbol:     "BUSDC",
		Keeper:     keeper,
		Governance: governance,
	}, want)
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	if err := v.SetBatcherOnlyDeposit(governance, false); err != nil {
		t.Fatalf("lift batcher gate: %v", err)
	}
	if err := want.Mint(depositor, u(1_000_000e6)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := want.Approve(depositor, vaultAddr, token.MaxUint256()); err != nil {
		t.Fatalf("approve: %v", err)
	}
	return &fixture{ctx: context.Background(), want: want, vault: v, clock: chain.NewManualClock(1)}
}

func (f *fixture) deposit(t *testing.T, from common.Address, amount uint64) *uint256.Int {
	t.Helper()
	shares, err := f.vault.Deposit(f.ctx, from, u(amount), from)
	if err != nil {
		t.Fatalf("deposit %d: %v", amount, err)
	}
	return shares
}

func TestVaultMetadataFollowsWantToken(t *testing.T) {
	f := newFixture(t)
	if f.vault.Decimals() != 6 {
		t.Fatalf("expected want decimals, got %d", f.vault.Decimals())
	}
	if f.vault.Name() != "BUSDC" || f.vault.Keeper() != keeper || f.vault.Governance() != governance {
		t.Fatalf("unexpected vault configuration")
	}
	if _, err := vault.New(vault.Config{Address: vaultAddr, Keeper: keeper, Governance: governance, PerformanceFeeBps: 5001}, f.want); !stdErrors.Is(err, vault.ErrFeeTooHigh) {
		t.Fatalf("expected FEE_TOO_HIGH, got %v", err)
	}
}

func TestDepositRejectedWhileExecutorStale(t *testing.T) {
	f := newFixture(t)
	amount := uint64(10_000e6)

	shares := f.deposit(t, depositor, amount)
	if shares.Uint64() != amount {
		t.Fatalf("first deposit must mint 1:1, got %s", shares.Dec())
	}

	async := executor.NewAsync(asyncAddr, f.vault, f.want, f.clock, 50)
	if err := f.vault.AddExecutor(governance, async); err != nil {
		t.Fatalf("add executor: %v", err)
	}
	if _, err := f.vault.TotalVaultFunds(f.ctx); !stdErrors.Is(err, vault.ErrFundsNotUpdated) {
		t.Fatalf("unreported executor must be stale, got %v", err)
	}
	if err := async.SetPosValue(keeper, u(0)); err != nil {
		t.Fatalf("set pos value: %v", err)
	}
	funds, err := f.vault.TotalVaultFunds(f.ctx)
	if err != nil || funds.Uint64() != amount {
		t.Fatalf("unexpected funds %v err=%v", funds, err)
	}
	if f.vault.TotalSupply().Uint64() != amount || f.vault.BalanceOf(depositor).Uint64() != amount {
		t.Fatalf("unexpected share supply")
	}

	f.clock.Advance(60)
	if _, err := f.vault.Deposit(f.ctx, depositor, u(amount), depositor); !stdErrors.Is(err, vault.ErrFundsNotUpdated) {
		t.Fatalf("expected FUNDS_NOT_UPDATED, got %v", err)
	}
	// 持仓为零的 keeper 也先命中估值过期
	if _, err := f.vault.Withdraw(f.ctx, keeper, u(1), keeper); !stdErrors.Is(err, vault.ErrFundsNotUpdated) {
		t.Fatalf("staleness must be checked before balance, got %v", err)
	}

	if err := async.SetPosValue(keeper, u(0)); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	f.deposit(t, depositor, amount)
	if f.vault.TotalSupply().Uint64() != 2*amount {
		t.Fatalf("expected supply to double, got %s", f.vault.TotalSupply().Dec())
	}
}

func TestStaleAsyncExecutorBlocksWithdrawal(t *testing.T) {
	f := newFixture(t)
	amount := uint64(10_000e6)
	f.deposit(t, depositor, amount)

	async := executor.NewAsync(asyncAddr, f.vault, f.want, f.clock, 50)
	if err := f.vault.AddExecutor(governance, async); err != nil {
		t.Fatalf("add executor: %v", err)
	}
	if err := async.SetPosValue(keeper, u(0)); err != nil {
		t.Fatalf("set pos value: %v", err)
	}

	f.clock.Advance(60)
	if _, err := f.vault.Withdraw(f.ctx, depositor, u(amount), depositor); !stdErrors.Is(err, vault.ErrFundsNotUpdated) {
		t.Fatalf("expected FUNDS_NOT_UPDATED, got %v", err)
	}
	if f.vault.BalanceOf(depositor).Uint64() != amount {
		t.Fatalf("failed withdraw must keep shares, got %s", f.vault.BalanceOf(depositor).Dec())
	}

	if err := async.SetPosValue(keeper, u(0)); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	before := f.want.BalanceOf(depositor)
	out, err := f.vault.Withdraw(f.ctx, depositor, u(amount), depositor)
	if err != nil {
		t.Fatalf("withdraw after refresh: %v", err)
	}
	if out.Uint64() != amount {
		t.Fatalf("expected %d back, got %s", amount, out.Dec())
	}
	if got := new(uint256.Int).Sub(f.want.BalanceOf(depositor), before); got.Uint64() != amount {
		t.Fatalf("depositor received %s", got.Dec())
	}
	if !f.vault.TotalSupply().IsZero() {
		t.Fatalf("supply must reach zero, got %s", f.vault.TotalSupply().Dec())
	}
}

// brokenExecutor 模拟失效的策略：估值报错，存入时把资金转走后失败。
type brokenExecutor struct {
	addr  common.Address
	want  *token.Token
	drain common.Address
}

func (e brokenExecutor) Address() common.Address { return e.addr }
func (e brokenExecutor) Vault() common.Address   { return vaultAddr }
func (e brokenExecutor) CurrentValue(context.Context) (*uint256.Int, bool, error) {
	return nil, false, stdErrors.New("oracle offline")
}
func (e brokenExecutor) Deposit(_ context.Context, amount *uint256.Int) error {
	_ = e.want.Transfer(e.addr, e.drain, amount)
	return stdErrors.New("position rejected")
}
func (e brokenExecutor) Withdraw(context.Context, *uint256.Int) error {
	return stdErrors.New("not supported")
}

func TestExecutorValuationFailureKeepsCause(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, depositor, 1_000e6)
	if err := f.vault.AddExecutor(governance, brokenExecutor{addr: syncAddr, want: f.want, drain: outsider}); err != nil {
		t.Fatalf("add executor: %v", err)
	}

	for name, err := range map[string]error{
		"total":  func() error { _, err := f.vault.TotalVaultFunds(f.ctx); return err }(),
		"remove": f.vault.RemoveExecutor(f.ctx, governance, syncAddr),
	} {
		if !stdErrors.Is(err, vault.ErrExecutorHookFailure) {
			t.Fatalf("%s: expected EXECUTOR_HOOK_FAILED, got %v", name, err)
		}
		e, ok := xerrors.From(err)
		if !ok || e.Metadata()["cause"] != "oracle offline" {
			t.Fatalf("%s: cause missing from %v", name, err)
		}
	}
}

func TestFailedRollbackIsAudited(t *testing.T) {
	var buf bytes.Buffer
	logger.UseHandler(slog.NewJSONHandler(&buf, nil))
	t.Cleanup(func() { logger.UseHandler(slog.NewJSONHandler(&bytes.Buffer{}, nil)) })

	f := newFixture(t)
	f.deposit(t, depositor, 1_000e6)
	if err := f.vault.AddExecutor(governance, brokenExecutor{addr: syncAddr, want: f.want, drain: outsider}); err != nil {
		t.Fatalf("add executor: %v", err)
	}
	err := f.vault.DepositIntoExecutor(f.ctx, keeper, syncAddr, u(400e6))
	if !stdErrors.Is(err, vault.ErrExecutorHookFailure) {
		t.Fatalf("expected EXECUTOR_HOOK_FAILED, got %v", err)
	}
	logs := buf.String()
	for _, want := range []string{`"msg":"vault rollback failed"`, `"op":"executor_refund"`, `"level":"ERROR"`, `"stream":"audit"`} {
		if !strings.Contains(logs, want) {
			t.Fatalf("audit log missing %s: %s", want, logs)
		}
	}
}

func TestExecutorRegistryManagement(t *testing.T) {
	f := newFixture(t)
	first := executor.NewSync(syncAddr, f.vault, f.want)
	second := executor.NewSync(anotherSync, f.vault, f.want)

	if err := f.vault.AddExecutor(outsider, first); !stdErrors.Is(err, vault.ErrOnlyGov) {
		t.Fatalf("expected ONLY_GOV, got %v", err)
	}
	for _, e := range []vault.Executor{first, second, first} {
		if err := f.vault.AddExecutor(governance, e); err != nil {
			t.Fatalf("add executor: %v", err)
		}
	}
	if f.vault.TotalExecutors() != 2 {
		t.Fatalf("duplicate add must be a no-op, got %d", f.vault.TotalExecutors())
	}
	if addr, _ := f.vault.ExecutorByIndex(1); addr != anotherSync {
		t.Fatalf("unexpected executor at index 1: %s", addr.Hex())
	}
	if _, err := f.vault.ExecutorByIndex(2); !stdErrors.Is(err, vault.ErrInvalidIndex) {
		t.Fatalf("expected INVALID_INDEX, got %v", err)
	}

	foreign := executor.NewSync(common.HexToAddress("0x30"), fakeOwner{addr: common.HexToAddress("0x99")}, f.want)
	if err := f.vault.AddExecutor(governance, foreign); !stdErrors.Is(err, vault.ErrInvalidVault) {
		t.Fatalf("expected INVALID_VAULT, got %v", err)
	}

	if err := f.vault.RemoveExecutor(f.ctx, outsider, syncAddr); !stdErrors.Is(err, vault.ErrOnlyGov) {
		t.Fatalf("expected ONLY_GOV, got %v", err)
	}
	if err := f.vault.RemoveExecutor(f.ctx, governance, syncAddr); err != nil {
		t.Fatalf("remove executor: %v", err)
	}
	if err := f.vault.RemoveExecutor(f.ctx, governance, syncAddr); !stdErrors.Is(err, vault.ErrInvalidExecutor) {
		t.Fatalf("expected INVALID_EXECUTOR on second remove, got %v", err)
	}
	if f.vault.TotalExecutors() != 1 {
		t.Fatalf("expected one executor left, got %d", f.vault.TotalExecutors())
	}
	if addr, _ := f.vault.ExecutorByIndex(0); addr != anotherSync {
		t.Fatalf("swap-and-pop left %s at index 0", addr.Hex())
	}
}

type fakeOwner struct{ addr common.Address }

func (o fakeOwner) Address() common.Address { return o.addr }
func (o fakeOwner) Keeper() common.Address  { return keeper }

func TestExecutorFundingKeepsTotalFunds(t *testing.T) {
	f := newFixture(t)
	amount := uint64(10_000e6)
	f.deposit(t, depositor, amount)

	sync := executor.NewSync(syncAddr, f.vault, f.want)
	if err := f.vault.AddExecutor(governance, sync); err != nil {
		t.Fatalf("add executor: %v", err)
	}

	if err := f.vault.DepositIntoExecutor(f.ctx, outsider, syncAddr, u(amount)); !stdErrors.Is(err, vault.ErrOnlyKeeper) {
		t.Fatalf("expected ONLY_KEEPER, got %v", err)
	}
	if err := f.vault.DepositIntoExecutor(f.ctx, keeper, syncAddr, u(amount+1)); !stdErrors.Is(err, vault.ErrInsufficientIdle) {
		t.Fatalf("expected INSUFFICIENT_IDLE_FUNDS, got %v", err)
	}
	if err := f.vault.DepositIntoExecutor(f.ctx, keeper, syncAddr, u(amount)); err != nil {
		t.Fatalf("deposit into executor: %v", err)
	}
	funds, _ := f.vault.TotalVaultFunds(f.ctx)
	if funds.Uint64() != amount || !f.vault.IdleBalance().IsZero() {
		t.Fatalf("funding must move value without changing totals: funds=%s idle=%s", funds.Dec(), f.vault.IdleBalance().Dec())
	}
	if principal, _ := f.vault.Principal(syncAddr); principal.Uint64() != amount {
		t.Fatalf("unexpected principal %s", principal.Dec())
	}
	if _, err := f.vault.Withdraw(f.ctx, depositor, u(1), depositor); !stdErrors.Is(err, vault.ErrInsufficientIdle) {
		t.Fatalf("withdraw must not liquidate executors, got %v", err)
	}
	if err := f.vault.RemoveExecutor(f.ctx, governance, syncAddr); !stdErrors.Is(err, vault.ErrFundsTooHigh) {
		t.Fatalf("expected FUNDS_TOO_HIGH, got %v", err)
	}

	if _, err := f.vault.WithdrawFromExecutor(f.ctx, outsider, syncAddr, u(amount)); !stdErrors.Is(err, vault.ErrOnlyKeeper) {
		t.Fatalf("expected ONLY_KEEPER, got %v", err)
	}
	fee, err := f.vault.WithdrawFromExecutor(f.ctx, keeper, syncAddr, u(amount))
	if err != nil || !fee.IsZero() {
		t.Fatalf("principal return must not pay fees: fee=%v err=%v", fee, err)
	}
	if f.vault.IdleBalance().Uint64() != amount {
		t.Fatalf("funds did not return to idle")
	}
	if err := f.vault.RemoveExecutor(f.ctx, governance, syncAddr); err != nil {
		t.Fatalf("remove empty executor: %v", err)
	}
}

func TestWithdrawFromExecutorChargesFeeOnProfitOnly(t *testing.T) {
	f := newFixture(t)
	if err := f.vault.SetPerformanceFee(governance, 1000); err != nil {
		t.Fatalf("set fee: %v", err)
	}
	f.deposit(t, depositor, 1_000e6)
	sync := executor.NewSync(syncAddr, f.vault, f.want)
	_ = f.vault.AddExecutor(governance, sync)
	if err := f.vault.DepositIntoExecutor(f.ctx, keeper, syncAddr, u(1_000e6)); err != nil {
		t.Fatalf("fund executor: %v", err)
	}

	// partial withdrawal inside principal pays no fee
	fee, err := f.vault.WithdrawFromExecutor(f.ctx, keeper, syncAddr, u(400e6))
	if err != nil || !fee.IsZero() {
		t.Fatalf("unexpected fee %v err=%v", fee, err)
	}

	// executor earns 500e6
	if err := f.want.Transfer(depositor, syncAddr, u(500e6)); err != nil {
		t.Fatalf("simulate yield: %v", err)
	}
	before := f.want.BalanceOf(governance)
	fee, err = f.vault.WithdrawFromExecutor(f.ctx, keeper, syncAddr, u(1_100e6))
	if err != nil {
		t.Fatalf("withdraw from executor: %v", err)
	}
	// principal 600e6 remains, so 500e6 of the 1100e6 is profit
	wantFee := uint64(500e6) * 1000 / 10000
	if fee.Uint64() != wantFee {
		t.Fatalf("expected fee %d, got %s", wantFee, fee.Dec())
	}
	if delta := new(uint256.Int).Sub(f.want.BalanceOf(governance), before); delta.Uint64() != wantFee {
		t.Fatalf("governance received %s", delta.Dec())
	}
	if principal, _ := f.vault.Principal(syncAddr); !principal.IsZero() {
		t.Fatalf("principal should be fully returned, got %s", principal.Dec())
	}

	// depositor now redeems more than deposited, minus the fee
	amount, err := f.vault.Withdraw(f.ctx, depositor, u(1_000e6), depositor)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if amount.Uint64() != 1_500e6-wantFee {
		t.Fatalf("unexpected redemption %s", amount.Dec())
	}
}

func TestBatcherGate(t *testing.T) {
	f := newFixture(t)
	batcher := outsider
	if err := f.vault.SetBatcher(outsider, batcher); !stdErrors.Is(err, vault.ErrOnlyGov) {
		t.Fatalf("expected ONLY_GOV, got %v", err)
	}
	if err := f.vault.SetBatcher(governance, batcher); err != nil {
		t.Fatalf("set batcher: %v", err)
	}
	if err := f.vault.SetBatcherOnlyDeposit(governance, true); err != nil {
		t.Fatalf("enable gate: %v", err)
	}
	if f.vault.Batcher() != batcher {
		t.Fatalf("batcher not recorded")
	}

	_ = f.want.Transfer(depositor, batcher, u(100e6))
	_ = f.want.Approve(batcher, vaultAddr, token.MaxUint256())
	if _, err := f.vault.Deposit(f.ctx, batcher, u(100e6), batcher); err != nil {
		t.Fatalf("batcher deposit: %v", err)
	}
	if _, err := f.vault.Deposit(f.ctx, depositor, u(100e6), depositor); !stdErrors.Is(err, vault.ErrOnlyBatcher) {
		t.Fatalf("expected ONLY_BATCHER, got %v", err)
	}
	if _, err := f.vault.Deposit(f.ctx, batcher, u(0), batcher); !stdErrors.Is(err, vault.ErrZeroAmount) {
		t.Fatalf("expected ZERO_AMOUNT, got %v", err)
	}
	if _, err := f.vault.Withdraw(f.ctx, batcher, u(10e6), common.Address{}); !stdErrors.Is(err, vault.ErrNullAddress) {
		t.Fatalf("expected NULL_ADDRESS, got %v", err)
	}
}

func TestSharesTrackNAV(t *testing.T) {
	f := newFixture(t)
	other := common.HexToAddress("0x2000000000000000000000000000000000000005")
	_ = f.want.Transfer(depositor, other, u(1_000e6))
	_ = f.want.Approve(other, vaultAddr, token.MaxUint256())

	f.deposit(t, depositor, 1_000e6)
	// idle yield doubles the NAV
	_ = f.want.Transfer(depositor, vaultAddr, u(1_000e6))

	shares := f.deposit(t, other, 1_000e6)
	if shares.Uint64() != 500e6 {
		t.Fatalf("expected 500e6 shares at 2x NAV, got %s", shares.Dec())
	}
	if _, err := f.vault.Deposit(f.ctx, other, u(1), other); !stdErrors.Is(err, vault.ErrZeroShares) {
		t.Fatalf("dust deposit must not mint zero shares, got %v", err)
	}

	amount, err := f.vault.Withdraw(f.ctx, other, shares, other)
	if err != nil || amount.Uint64() != 1_000e6 {
		t.Fatalf("unexpected redemption %v err=%v", amount, err)
	}
	if _, err := f.vault.Withdraw(f.ctx, other, u(1), other); !stdErrors.Is(err, token.ErrInsufficientBalance) {
		t.Fatalf("expected INSUFFICIENT_BALANCE, got %v", err)
	}
}

func TestEmergencyModeAndSweep(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, depositor, 1_000e6)
	_ = f.vault.SetBatcher(governance, outsider)

	if _, err := f.vault.Sweep(f.ctx, outsider, f.want); !stdErrors.Is(err, vault.ErrEmergencyMode) {
		t.Fatalf("expected EMERGENCY_MODE, got %v", err)
	}
	if err := f.vault.SetEmergencyMode(outsider, true); !stdErrors.Is(err, vault.ErrOnlyGov) {
		t.Fatalf("expected ONLY_GOV, got %v", err)
	}
	if err := f.vault.SetEmergencyMode(governance, true); err != nil {
		t.Fatalf("enter emergency: %v", err)
	}
	if f.vault.Batcher() != (common.Address{}) || !f.vault.BatcherOnlyDeposit() {
		t.Fatalf("emergency must clear the batcher and close the gate")
	}
	if _, err := f.vault.Deposit(f.ctx, depositor, u(1e6), depositor); !stdErrors.Is(err, vault.ErrOnlyBatcher) {
		t.Fatalf("deposits must be blocked, got %v", err)
	}

	swept, err := f.vault.Sweep(f.ctx, outsider, f.want)
	if err != nil || swept.Uint64() != 1_000e6 {
		t.Fatalf("unexpected sweep %v err=%v", swept, err)
	}
	if f.want.BalanceOf(governance).Uint64() != 1_000e6 || !f.vault.IdleBalance().IsZero() {
		t.Fatalf("sweep must move the full balance to governance")
	}

	if err := f.vault.SetEmergencyMode(governance, false); err != nil {
		t.Fatalf("leave emergency: %v", err)
	}
	if f.vault.Batcher() != (common.Address{}) {
		t.Fatalf("leaving emergency must not restore the batcher")
	}
}

func TestGovernanceHandoff(t *testing.T) {
	f := newFixture(t)
	if err := f.vault.SetGovernance(outsider, keeper); !stdErrors.Is(err, vault.ErrOnlyGov) {
		t.Fatalf("expected ONLY_GOV, got %v", err)
	}
	if err := f.vault.SetGovernance(governance, depositor); err != nil {
		t.Fatalf("propose: %v", err)
	}
	if pending, ok := f.vault.PendingGovernance(); !ok || pending != depositor {
		t.Fatalf("pending governance not recorded")
	}
	if err := f.vault.AcceptGovernance(outsider); !stdErrors.Is(err, vault.ErrInvalidAddress) {
		t.Fatalf("expected INVALID_ADDRESS, got %v", err)
	}
	if err := f.vault.AcceptGovernance(depositor); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if f.vault.Governance() != depositor {
		t.Fatalf("governance not transferred")
	}
	if err := f.vault.SetPerformanceFee(governance, 100); !stdErrors.Is(err, vault.ErrOnlyGov) {
		t.Fatalf("old governance must lose rights, got %v", err)
	}
	if err := f.vault.SetPerformanceFee(depositor, vault.MaxPerformanceFee+1); !stdErrors.Is(err, vault.ErrFeeTooHigh) {
		t.Fatalf("expected FEE_TOO_HIGH, got %v", err)
	}
	if err := f.vault.SetKeeper(depositor, common.Address{}); !stdErrors.Is(err, vault.ErrNullAddress) {
		t.Fatalf("expected NULL_ADDRESS, got %v", err)
	}
	if err := f.vault.SetKeeper(depositor, outsider); err != nil || f.vault.Keeper() != outsider {
		t.Fatalf("set keeper: %v", err)
	}
}

func TestSnapshotReportsStaleExecutor(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, depositor, 1_000e6)
	async := executor.NewAsync(asyncAddr, f.vault, f.want, f.clock, 50)
	_ = f.vault.AddExecutor(governance, async)

	snap := f.vault.Snapshot(f.ctx)
	if snap.FundsErrorCode != vault.CodeFundsNotUpdated {
		t.Fatalf("expected stale funds in snapshot, got %+v", snap)
	}
	if len(snap.Executors) != 1 || snap.Executors[0].Fresh {
		t.Fatalf("unexpected executor state %+v", snap.Executors)
	}
}
