package keeper

import (
	"context"
	stdErrors "errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"PooledVault/internal/batcher"
	"PooledVault/internal/token"
	"PooledVault/internal/vault"
)

type staticPending map[batcher.Kind][]common.Address

func (s staticPending) PendingRecipients(kind batcher.Kind) []common.Address { return s[kind] }

func TestServiceSubmitValidation(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(), NewMemoryQueue(4), 0)

	cases := []SubmitRequest{
		{Kind: "sweep", Recipients: []string{alice.Hex()}},
		{Kind: batcher.KindDeposit},
		{Kind: batcher.KindDeposit, Recipients: []string{"not-an-address"}},
	}
	for _, req := range cases {
		if _, err := svc.Submit(ctx, req); !stdErrors.Is(err, ErrJobValidation) {
			t.Fatalf("expected validation error for %+v, got %v", req, err)
		}
	}

	job, err := svc.Submit(ctx, SubmitRequest{ID: "fixed", Kind: batcher.KindDeposit, Recipients: []string{" " + alice.Hex() + " "}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.MaxRetries != 3 || job.Recipients[0] != alice.Hex() {
		t.Fatalf("unexpected job: %+v", job)
	}
	again, err := svc.Submit(ctx, SubmitRequest{ID: "fixed", Kind: batcher.KindWithdraw, Recipients: []string{bob.Hex()}})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if again.Kind != batcher.KindDeposit {
		t.Fatalf("resubmitting an id should return the existing job, got %+v", again)
	}
}

func TestServiceSubmitPendingAndScheduler(t *testing.T) {
	ctx := context.Background()
	queue := NewMemoryQueue(8)
	source := staticPending{batcher.KindDeposit: {alice, bob}}
	svc := NewService(NewMemoryStore(), queue, 3, WithPendingSource(source))

	if _, err := svc.SubmitPending(ctx, batcher.KindWithdraw); !stdErrors.Is(err, ErrNothingPending) {
		t.Fatalf("expected nothing pending, got %v", err)
	}
	job, err := svc.SubmitPending(ctx, batcher.KindDeposit)
	if err != nil {
		t.Fatalf("submit pending: %v", err)
	}
	if len(job.Recipients) != 2 || job.Kind != batcher.KindDeposit {
		t.Fatalf("unexpected job: %+v", job)
	}

	jobs := NewScheduler(svc, time.Hour).Tick(ctx)
	if len(jobs) != 1 || jobs[0].Kind != batcher.KindDeposit {
		t.Fatalf("expected one scheduled deposit job, got %+v", jobs)
	}
	if queue.Len() != 2 {
		t.Fatalf("expected 2 queued jobs, got %d", queue.Len())
	}

	stats, err := svc.Stats(ctx, WithKinds(batcher.KindDeposit))
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 2 || stats.Pending != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestKeeperSettlesRealBatcher(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var (
		vaultAddr   = common.HexToAddress("0x1000000000000000000000000000000000000001")
		wantAddr    = common.HexToAddress("0x1000000000000000000000000000000000000002")
		batcherAddr = common.HexToAddress("0x1000000000000000000000000000000000000003")
		governance  = common.HexToAddress("0x2000000000000000000000000000000000000002")
	)
	want := token.New(wantAddr, token.Metadata{Name: "USD Coin", Symbol: "USDC", Decimals: 6})
	v, err := vault.New(vault.Config{Address: vaultAddr, Name: "BUSDC", Symbol: "BUSDC", Keeper: keeperAddr, Governance: governance}, want)
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	if err := v.SetBatcher(governance, batcherAddr); err != nil {
		t.Fatalf("set batcher: %v", err)
	}
	b, err := batcher.New(batcher.Config{Address: batcherAddr}, v, want, nil)
	if err != nil {
		t.Fatalf("new batcher: %v", err)
	}
	for _, user := range []common.Address{alice, bob} {
		if err := want.Mint(user, uint256.NewInt(1_000)); err != nil {
			t.Fatalf("mint: %v", err)
		}
		if err := want.Approve(user, batcherAddr, token.MaxUint256()); err != nil {
			t.Fatalf("approve: %v", err)
		}
		if err := b.DepositFunds(ctx, user, uint256.NewInt(400), nil, user); err != nil {
			t.Fatalf("deposit funds: %v", err)
		}
	}

	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	svc := NewService(store, queue, 3, WithPendingSource(b))
	proc := NewProcessor(b, keeperAddr, store, queue, queue, WithRecoveryHandler(NothingPendingRecovery{}))
	go func() { _ = proc.Start(ctx) }()

	job, err := svc.SubmitPending(ctx, batcher.KindDeposit)
	if err != nil {
		t.Fatalf("submit pending: %v", err)
	}
	done, err := svc.WaitUntilCompleted(ctx, job.ID, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != StatusSucceeded || done.Result.Output != "800" {
		t.Fatalf("unexpected settlement: %+v %+v", done, done.Result)
	}
	if got := b.UserLPTokens(alice); !got.Eq(uint256.NewInt(400)) {
		t.Fatalf("alice shares = %s", got.Dec())
	}
	if len(b.PendingRecipients(batcher.KindDeposit)) != 0 {
		t.Fatalf("deposit ledger should be empty after settlement")
	}

	// 账本已清空，重复提交同一批地址应以空结算完成。
	replay, err := svc.Submit(ctx, SubmitRequest{Kind: batcher.KindDeposit, Recipients: done.Recipients})
	if err != nil {
		t.Fatalf("replay submit: %v", err)
	}
	replayed, err := svc.WaitUntilCompleted(ctx, replay.ID, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait replay: %v", err)
	}
	if replayed.Status != StatusSucceeded || replayed.Result.Output != "0" {
		t.Fatalf("unexpected replay result: %+v", replayed)
	}
}
