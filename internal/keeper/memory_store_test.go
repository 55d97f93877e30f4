package keeper

import (
	"context"
	stdErrors "errors"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"PooledVault/internal/batcher"
)

func TestMemoryStoreListWithFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-2 * time.Minute)
	carol := common.HexToAddress("0x2000000000000000000000000000000000000005")

	jobs := []*Job{
		{ID: "j1", Kind: batcher.KindDeposit, Recipients: []string{alice.Hex()}, Status: StatusPending, MaxRetries: 3},
		{ID: "j2", Kind: batcher.KindWithdraw, Recipients: []string{bob.Hex()}, Status: StatusPending, MaxRetries: 3},
		{ID: "j3", Kind: batcher.KindDeposit, Recipients: []string{alice.Hex(), carol.Hex()}, Status: StatusPending, MaxRetries: 3},
		{ID: "j4", Kind: batcher.KindDeposit, Recipients: []string{carol.Hex()}, Status: StatusPending, MaxRetries: 3},
	}
	for _, job := range jobs {
		if err := store.Create(ctx, job); err != nil {
			t.Fatalf("create job %s: %v", job.ID, err)
		}
	}

	if err := store.MarkFailed(ctx, "j2", CodeJobProcessing, "funds not updated", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "j3", Settlement{Input: "10", Output: "10", Dust: "0", BlockNumber: 100}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "j4", Settlement{Input: "5", Output: "5", Dust: "0", BlockNumber: 130}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	store.mu.Lock()
	store.jobs["j1"].UpdatedAt = base.Unix()
	store.jobs["j2"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.jobs["j3"].UpdatedAt = base.Add(60 * time.Second).Unix()
	store.jobs["j4"].UpdatedAt = base.Add(90 * time.Second).Unix()
	store.mu.Unlock()

	list := func(opts ...FilterOption) []*Job {
		t.Helper()
		out, err := store.List(ctx, newFilter(opts))
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		return out
	}
	ids := func(jobs []*Job) string {
		var out []string
		for _, j := range jobs {
			out = append(out, j.ID)
		}
		return strings.Join(out, ",")
	}

	if got := ids(list()); got != "j4,j3,j2,j1" {
		t.Fatalf("expected newest first, got %s", got)
	}
	if got := ids(list(OldestFirst(), WithLimit(2))); got != "j1,j2" {
		t.Fatalf("expected oldest first page, got %s", got)
	}
	if got := ids(list(WithKinds(batcher.KindDeposit), WithOffset(1))); got != "j3,j1" {
		t.Fatalf("unexpected deposit page %s", got)
	}
	if failed := list(WithStatuses(StatusFailed)); len(failed) != 1 || failed[0].Attempts != 3 {
		t.Fatalf("unexpected failed list: %+v", failed)
	}
	if got := ids(list(WithSettled(false))); got != "j2,j1" {
		t.Fatalf("unexpected unsettled list %s", got)
	}
	if got := ids(list(WithRecipient(alice))); got != "j3,j1" {
		t.Fatalf("unexpected recipient list %s", got)
	}
	if got := ids(list(WithBlockRange(90, 120))); got != "j3" {
		t.Fatalf("unexpected block range list %s", got)
	}
	if got := ids(list(WithBlockRange(101, 0))); got != "j4" {
		t.Fatalf("open-ended block range returned %s", got)
	}
	if got := ids(list(WithUpdatedSince(base.Add(45 * time.Second)))); got != "j4,j3" {
		t.Fatalf("unexpected since list %s", got)
	}
	if got := ids(list(WithQuery("NOT UPDATED"))); got != "j2" {
		t.Fatalf("unexpected query list %s", got)
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, job := range []*Job{
		{ID: "a", Kind: batcher.KindDeposit, Status: StatusPending, MaxRetries: 2},
		{ID: "b", Kind: batcher.KindDeposit, Status: StatusPending, MaxRetries: 2},
		{ID: "c", Kind: batcher.KindWithdraw, Status: StatusPending, MaxRetries: 2},
		{ID: "d", Kind: batcher.KindWithdraw, Status: StatusPending, MaxRetries: 2},
	} {
		if err := store.Create(ctx, job); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if _, err := store.Claim(ctx, "a"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "b", Settlement{Output: "1", Skipped: 2, BlockNumber: 50}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "c", Settlement{Output: "7", BlockNumber: 42}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	stats, err := store.Stats(ctx, Filter{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 4 || stats.Running != 1 || stats.Succeeded != 2 || stats.Pending != 1 {
		t.Fatalf("unexpected status counts: %+v", stats)
	}
	if stats.Deposits != 2 || stats.Withdrawals != 2 || stats.Skipped != 2 {
		t.Fatalf("unexpected kind counts: %+v", stats)
	}
	if stats.FirstBlock != 42 || stats.LastBlock != 50 {
		t.Fatalf("unexpected block range: %+v", stats)
	}

	withdrawals, _ := store.Stats(ctx, newFilter([]FilterOption{WithKinds(batcher.KindWithdraw), WithLimit(1)}))
	if withdrawals.Total != 2 || withdrawals.Deposits != 0 || withdrawals.LastBlock != 42 {
		t.Fatalf("stats must ignore paging and honour kind: %+v", withdrawals)
	}
}

func TestMemoryStoreClaimLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, &Job{ID: "x", Kind: batcher.KindWithdraw, Status: StatusPending, MaxRetries: 2}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, &Job{ID: "x"}); !stdErrors.Is(err, ErrJobConflict) {
		t.Fatalf("expected conflict on duplicate id, got %v", err)
	}

	job, err := store.Claim(ctx, "x")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if job.Status != StatusRunning || job.Attempts != 1 {
		t.Fatalf("unexpected claimed job: %+v", job)
	}
	if _, err := store.Claim(ctx, "x"); !stdErrors.Is(err, ErrJobConflict) {
		t.Fatalf("expected conflict while running, got %v", err)
	}

	if err := store.MarkFailed(ctx, "x", CodeJobProcessing, "stale", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.Claim(ctx, "x"); err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if err := store.MarkFailed(ctx, "x", CodeJobProcessing, "stale", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.Claim(ctx, "x"); !stdErrors.Is(err, ErrJobExhausted) {
		t.Fatalf("expected exhausted after max retries, got %v", err)
	}
	if _, err := store.Claim(ctx, "missing"); !IsSkippable(err) {
		t.Fatalf("missing job should be skippable, got %v", err)
	}
}
