// Package ledger holds the pure share accounting used by the vault and the
// batcher. Every division floors, so rounding always favours the pool.
package ledger

import (
	"github.com/holiman/uint256"

	xerrors "PooledVault/internal/errors"
)

// MaxBPS is the basis-point denominator.
const MaxBPS = 10_000

const (
	CodeZeroAmount xerrors.Code = "ZERO_AMOUNT"
	CodeZeroShares xerrors.Code = "ZERO_SHARES"
	CodeZeroFunds  xerrors.Code = "ZERO_FUNDS"
	CodeOverflow   xerrors.Code = "AMOUNT_OVERFLOW"
)

var (
	ErrZeroAmount = xerrors.New(CodeZeroAmount, "")
	ErrZeroShares = xerrors.New(CodeZeroShares, "")
	ErrZeroFunds  = xerrors.New(CodeZeroFunds, "")
	ErrOverflow   = xerrors.New(CodeOverflow, "")
)

func init() {
	xerrors.Register(CodeZeroAmount, xerrors.Attributes{
		Message:  "amount must be greater than zero",
		Category: xerrors.CategoryValidation,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeZeroShares, xerrors.Attributes{
		Message:  "shares must be greater than zero",
		Category: xerrors.CategoryValidation,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeZeroFunds, xerrors.Attributes{
		Message:  "outstanding shares are backed by zero funds",
		Category: xerrors.CategoryConsistency,
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeOverflow, xerrors.Attributes{
		Message:  "amount exceeds 256 bits",
		Category: xerrors.CategoryValidation,
		Severity: xerrors.SeverityWarning,
	})
}

// SharesForDeposit converts a want-token amount into shares against the
// current supply and fund snapshot. The first deposit mints 1:1.
func SharesForDeposit(amount, totalSupply, totalFunds *uint256.Int) (*uint256.Int, error) {
	if isZero(amount) {
		return nil, ErrZeroAmount
	}
	if isZero(totalSupply) {
		return new(uint256.Int).Set(amount), nil
	}
	if isZero(totalFunds) {
		return nil, ErrZeroFunds
	}
	return MulDiv(amount, totalSupply, totalFunds)
}

// AmountForShares converts shares back into want token.
func AmountForShares(shares, totalSupply, totalFunds *uint256.Int) (*uint256.Int, error) {
	if isZero(shares) {
		return nil, ErrZeroShares
	}
	if isZero(totalSupply) {
		return nil, ErrZeroShares.With("reason", "no shares outstanding")
	}
	return MulDiv(shares, totalFunds, totalSupply)
}

// ProRata returns part/whole of total, floored.
func ProRata(total, part, whole *uint256.Int) (*uint256.Int, error) {
	if isZero(whole) {
		return nil, ErrZeroAmount
	}
	return MulDiv(total, part, whole)
}

// PerformanceFee returns profit*bps/MaxBPS.
func PerformanceFee(profit *uint256.Int, bps uint64) (*uint256.Int, error) {
	return MulDiv(profit, uint256.NewInt(bps), uint256.NewInt(MaxBPS))
}

// MulDiv computes x*y/d with a 512-bit intermediate.
func MulDiv(x, y, d *uint256.Int) (*uint256.Int, error) {
	if isZero(d) {
		return nil, ErrZeroFunds
	}
	out, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}

// Sub returns a-b, floored at zero. nil counts as zero.
func Sub(a, b *uint256.Int) *uint256.Int {
	a, b = orZero(a), orZero(b)
	if a.Cmp(b) <= 0 {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(a, b)
}

// Add returns a+b or ErrOverflow. nil counts as zero.
func Add(a, b *uint256.Int) (*uint256.Int, error) {
	out, overflow := new(uint256.Int).AddOverflow(orZero(a), orZero(b))
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}

// Min returns the smaller of a and b.
func Min(a, b *uint256.Int) *uint256.Int {
	if a.Cmp(b) <= 0 {
		return new(uint256.Int).Set(a)
	}
	return new(uint256.Int).Set(b)
}

// Zero reports whether v is nil or zero.
func Zero(v *uint256.Int) bool { return isZero(v) }

func isZero(v *uint256.Int) bool {
	return v == nil || v.IsZero()
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}
