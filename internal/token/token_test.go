package token

import (
	stdErrors "errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol = common.HexToAddress("0x00000000000000000000000000000000000ca201")
)

func TestTransferAndSupply(t *testing.T) {
	tok := New(common.HexToAddress("0x01"), Metadata{Name: "USD Coin", Symbol: "USDC", Decimals: 6})
	if err := tok.Mint(alice, uint256.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := tok.Transfer(alice, bob, uint256.NewInt(40)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := tok.BalanceOf(alice).Uint64(); got != 60 {
		t.Fatalf("alice balance %d", got)
	}
	if got := tok.BalanceOf(bob).Uint64(); got != 40 {
		t.Fatalf("bob balance %d", got)
	}
	if err := tok.Transfer(bob, alice, uint256.NewInt(41)); !stdErrors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if err := tok.Burn(alice, uint256.NewInt(60)); err != nil {
		t.Fatalf("burn: %v", err)
	}
	if got := tok.TotalSupply().Uint64(); got != 40 {
		t.Fatalf("supply %d", got)
	}
	if err := tok.Transfer(bob, common.Address{}, uint256.NewInt(1)); !stdErrors.Is(err, ErrNullAddress) {
		t.Fatalf("expected null address, got %v", err)
	}
}

func TestTransferFromSpendsAllowance(t *testing.T) {
	tok := New(common.HexToAddress("0x01"), Metadata{})
	_ = tok.Mint(alice, uint256.NewInt(100))

	if err := tok.TransferFrom(bob, alice, carol, uint256.NewInt(1)); !stdErrors.Is(err, ErrInsufficientAllowance) {
		t.Fatalf("expected insufficient allowance, got %v", err)
	}
	_ = tok.Approve(alice, bob, uint256.NewInt(30))
	if err := tok.TransferFrom(bob, alice, carol, uint256.NewInt(20)); err != nil {
		t.Fatalf("transferFrom: %v", err)
	}
	if got := tok.Allowance(alice, bob).Uint64(); got != 10 {
		t.Fatalf("allowance %d", got)
	}

	_ = tok.Approve(alice, bob, MaxUint256())
	if err := tok.TransferFrom(bob, alice, carol, uint256.NewInt(50)); err != nil {
		t.Fatalf("transferFrom infinite: %v", err)
	}
	if tok.Allowance(alice, bob).Cmp(MaxUint256()) != 0 {
		t.Fatalf("infinite allowance must not decrease")
	}
	if got := tok.BalanceOf(carol).Uint64(); got != 70 {
		t.Fatalf("carol balance %d", got)
	}
}

func TestFailedTransferFromKeepsAllowance(t *testing.T) {
	tok := New(common.HexToAddress("0x01"), Metadata{})
	_ = tok.Mint(alice, uint256.NewInt(5))
	_ = tok.Approve(alice, bob, uint256.NewInt(10))

	if err := tok.TransferFrom(bob, alice, carol, uint256.NewInt(6)); !stdErrors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if got := tok.Allowance(alice, bob).Uint64(); got != 10 {
		t.Fatalf("allowance changed to %d", got)
	}
}
