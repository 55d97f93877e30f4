package executor

import (
	"context"
	stdErrors "errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"PooledVault/internal/chain"
	"PooledVault/internal/token"
	"PooledVault/internal/vault"
)

type owner struct {
	addr   common.Address
	keeper common.Address
}

func (o owner) Address() common.Address { return o.addr }
func (o owner) Keeper() common.Address  { return o.keeper }

var (
	vaultAddr  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	keeperAddr = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	execAddr   = common.HexToAddress("0x00000000000000000000000000000000000000cc")
)

func TestSyncValueTracksBalance(t *testing.T) {
	want := token.New(common.HexToAddress("0x01"), token.Metadata{Decimals: 6})
	ex := NewSync(execAddr, owner{addr: vaultAddr, keeper: keeperAddr}, want)

	_ = want.Mint(execAddr, uint256.NewInt(500))
	value, fresh, err := ex.CurrentValue(context.Background())
	if err != nil || !fresh || value.Uint64() != 500 {
		t.Fatalf("unexpected value %v fresh=%v err=%v", value, fresh, err)
	}
	if ex.Vault() != vaultAddr {
		t.Fatalf("executor bound to wrong vault")
	}

	if err := ex.Withdraw(context.Background(), uint256.NewInt(200)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got := want.BalanceOf(vaultAddr).Uint64(); got != 200 {
		t.Fatalf("vault received %d", got)
	}
	if err := ex.Withdraw(context.Background(), uint256.NewInt(301)); !stdErrors.Is(err, token.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
}

func TestAsyncFreshnessWindow(t *testing.T) {
	want := token.New(common.HexToAddress("0x01"), token.Metadata{Decimals: 6})
	clock := chain.NewManualClock(100)
	ex := NewAsync(execAddr, owner{addr: vaultAddr, keeper: keeperAddr}, want, clock, 50)

	if _, fresh, _ := ex.CurrentValue(context.Background()); fresh {
		t.Fatalf("executor without a report must be stale")
	}
	if err := ex.SetPosValue(vaultAddr, uint256.NewInt(1)); !stdErrors.Is(err, vault.ErrOnlyKeeper) {
		t.Fatalf("expected ONLY_KEEPER, got %v", err)
	}
	if err := ex.SetPosValue(keeperAddr, uint256.NewInt(70)); err != nil {
		t.Fatalf("set pos value: %v", err)
	}
	_ = want.Mint(execAddr, uint256.NewInt(30))

	clock.Advance(50)
	value, fresh, err := ex.CurrentValue(context.Background())
	if err != nil || !fresh || value.Uint64() != 100 {
		t.Fatalf("expected fresh value 100 at limit, got %v fresh=%v err=%v", value, fresh, err)
	}

	clock.Advance(1)
	if _, fresh, _ := ex.CurrentValue(context.Background()); fresh {
		t.Fatalf("expected stale value past the limit")
	}

	if err := ex.SetPosValue(keeperAddr, uint256.NewInt(0)); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, fresh, _ := ex.CurrentValue(context.Background()); !fresh {
		t.Fatalf("refresh must restore freshness")
	}
}
