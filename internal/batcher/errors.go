package batcher

import (
	xerrors "PooledVault/internal/errors"
	"PooledVault/internal/token"
	"PooledVault/internal/vault"
)

const (
	CodeMaxLimitExceeded xerrors.Code = "MAX_LIMIT_EXCEEDED"
	CodeECDSA            xerrors.Code = "ECDSA"
	CodeNoDeposits       xerrors.Code = "NO_DEPOSITS"
	CodeNoWithdraws      xerrors.Code = "NO_WITHDRAWS"
	CodeNoFunds          xerrors.Code = "NO_FUNDS"
	CodeAmountInZero     xerrors.Code = "AMOUNT_IN_ZERO"
	CodeDepositPending   xerrors.Code = "DEPOSIT_PENDING"
	CodeWithdrawPending  xerrors.Code = "WITHDRAW_PENDING"
	CodeInvalidAmountOut xerrors.Code = "INVALID_AMOUNTOUT"
)

var (
	ErrMaxLimitExceeded = xerrors.New(CodeMaxLimitExceeded, "")
	ErrECDSA            = xerrors.New(CodeECDSA, "")
	ErrNoDeposits       = xerrors.New(CodeNoDeposits, "")
	ErrNoWithdraws      = xerrors.New(CodeNoWithdraws, "")
	ErrNoFunds          = xerrors.New(CodeNoFunds, "")
	ErrAmountInZero     = xerrors.New(CodeAmountInZero, "")
	ErrDepositPending   = xerrors.New(CodeDepositPending, "")
	ErrWithdrawPending  = xerrors.New(CodeWithdrawPending, "")
	ErrInvalidAmountOut = xerrors.New(CodeInvalidAmountOut, "")
)

// 角色与地址错误沿用 vault/token 的错误码。
var (
	ErrOnlyGov     = vault.ErrOnlyGov
	ErrOnlyKeeper  = vault.ErrOnlyKeeper
	ErrNullAddress = token.ErrNullAddress
)

func init() {
	economic := func(msg string) xerrors.Attributes {
		return xerrors.Attributes{Message: msg, Category: xerrors.CategoryEconomic, Severity: xerrors.SeverityInfo}
	}
	xerrors.Register(CodeMaxLimitExceeded, economic("deposit exceeds the vault limit"))
	xerrors.Register(CodeNoDeposits, economic("no pending deposits in batch"))
	xerrors.Register(CodeNoWithdraws, economic("no pending withdrawals in batch"))
	xerrors.Register(CodeNoFunds, economic("claim exceeds unclaimed shares"))
	xerrors.Register(CodeInvalidAmountOut, economic("invalid withdrawal amount"))

	xerrors.Register(CodeAmountInZero, xerrors.Attributes{
		Message:  "amount is zero",
		Category: xerrors.CategoryValidation,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeECDSA, xerrors.Attributes{
		Message:  "signer is not the verification authority",
		Category: xerrors.CategoryCryptographic,
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeDepositPending, xerrors.Attributes{
		Message:  "recipient has a pending deposit",
		Category: xerrors.CategoryConsistency,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeWithdrawPending, xerrors.Attributes{
		Message:  "recipient has a pending withdrawal",
		Category: xerrors.CategoryConsistency,
		Severity: xerrors.SeverityInfo,
	})
}
