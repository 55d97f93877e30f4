package ledger

import (
	stdErrors "errors"
	"testing"

	"github.com/holiman/uint256"
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

func TestSharesForDeposit(t *testing.T) {
	cases := []struct {
		name                  string
		amount, supply, funds uint64
		want                  uint64
	}{
		{"first deposit mints 1:1", 100, 0, 0, 100},
		{"even nav", 50, 100, 100, 50},
		{"nav above one floors", 10, 100, 300, 3},
		{"nav below one", 10, 300, 100, 30},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := SharesForDeposit(u(tc.amount), u(tc.supply), u(tc.funds))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Uint64() != tc.want {
				t.Fatalf("got %d want %d", got.Uint64(), tc.want)
			}
		})
	}
}

func TestSharesForDepositErrors(t *testing.T) {
	if _, err := SharesForDeposit(u(0), u(1), u(1)); !stdErrors.Is(err, ErrZeroAmount) {
		t.Fatalf("expected ZERO_AMOUNT, got %v", err)
	}
	if _, err := SharesForDeposit(u(5), u(10), u(0)); !stdErrors.Is(err, ErrZeroFunds) {
		t.Fatalf("expected ZERO_FUNDS, got %v", err)
	}
}

func TestAmountForShares(t *testing.T) {
	got, err := AmountForShares(u(3), u(10), u(7))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Uint64() != 2 {
		t.Fatalf("expected floor(21/10)=2, got %d", got.Uint64())
	}
	if _, err := AmountForShares(u(0), u(10), u(10)); !stdErrors.Is(err, ErrZeroShares) {
		t.Fatalf("expected ZERO_SHARES, got %v", err)
	}
}

func TestRoundTripNeverPaysMore(t *testing.T) {
	supply, funds := u(1_000_003), u(1_700_011)
	for _, amount := range []uint64{1, 7, 999, 123_457} {
		shares, err := SharesForDeposit(u(amount), supply, funds)
		if err != nil {
			t.Fatalf("deposit: %v", err)
		}
		if shares.IsZero() {
			continue
		}
		newSupply := new(uint256.Int).Add(supply, shares)
		newFunds := new(uint256.Int).Add(funds, u(amount))
		out, err := AmountForShares(shares, newSupply, newFunds)
		if err != nil {
			t.Fatalf("withdraw: %v", err)
		}
		if out.Uint64() > amount {
			t.Fatalf("round trip paid %d for deposit %d", out.Uint64(), amount)
		}
	}
}

func TestMulDivUses512BitIntermediate(t *testing.T) {
	max := new(uint256.Int).SetAllOne()
	got, err := MulDiv(max, u(2), u(4))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := new(uint256.Int).Rsh(max, 1)
	if got.Cmp(want) != 0 {
		t.Fatalf("got %s want %s", got.Dec(), want.Dec())
	}
	if _, err := MulDiv(max, u(2), u(1)); !stdErrors.Is(err, ErrOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
}

func TestPerformanceFee(t *testing.T) {
	fee, err := PerformanceFee(u(12_345), 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fee.Uint64() != 1234 {
		t.Fatalf("expected 1234, got %d", fee.Uint64())
	}
}

func TestProRataSplitLeavesDust(t *testing.T) {
	minted := u(100)
	a, _ := ProRata(minted, u(1), u(3))
	b, _ := ProRata(minted, u(2), u(3))
	if a.Uint64() != 33 || b.Uint64() != 66 {
		t.Fatalf("unexpected split %d/%d", a.Uint64(), b.Uint64())
	}
}
