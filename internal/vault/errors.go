package vault

import (
	xerrors "PooledVault/internal/errors"
	"PooledVault/internal/ledger"
	"PooledVault/internal/token"
)

const (
	CodeOnlyGov             xerrors.Code = "ONLY_GOV"
	CodeOnlyKeeper          xerrors.Code = "ONLY_KEEPER"
	CodeOnlyBatcher         xerrors.Code = "ONLY_BATCHER"
	CodeInvalidVault        xerrors.Code = "INVALID_VAULT"
	CodeInvalidIndex        xerrors.Code = "INVALID_INDEX"
	CodeInvalidExecutor     xerrors.Code = "INVALID_EXECUTOR"
	CodeFundsTooHigh        xerrors.Code = "FUNDS_TOO_HIGH"
	CodeFundsNotUpdated     xerrors.Code = "FUNDS_NOT_UPDATED"
	CodeEmergencyMode       xerrors.Code = "EMERGENCY_MODE"
	CodeInvalidAddress      xerrors.Code = "INVALID_ADDRESS"
	CodeFeeTooHigh          xerrors.Code = "FEE_TOO_HIGH"
	CodeInsufficientIdle    xerrors.Code = "INSUFFICIENT_IDLE_FUNDS"
	CodeExecutorHookFailure xerrors.Code = "EXECUTOR_HOOK_FAILED"
)

// Re-exported so callers only need this package for vault failures.
var (
	ErrZeroAmount  = ledger.ErrZeroAmount
	ErrZeroShares  = ledger.ErrZeroShares
	ErrNullAddress = token.ErrNullAddress
)

var (
	ErrOnlyGov             = xerrors.New(CodeOnlyGov, "")
	ErrOnlyKeeper          = xerrors.New(CodeOnlyKeeper, "")
	ErrOnlyBatcher         = xerrors.New(CodeOnlyBatcher, "")
	ErrInvalidVault        = xerrors.New(CodeInvalidVault, "")
	ErrInvalidIndex        = xerrors.New(CodeInvalidIndex, "")
	ErrInvalidExecutor     = xerrors.New(CodeInvalidExecutor, "")
	ErrFundsTooHigh        = xerrors.New(CodeFundsTooHigh, "")
	ErrFundsNotUpdated     = xerrors.New(CodeFundsNotUpdated, "")
	ErrEmergencyMode       = xerrors.New(CodeEmergencyMode, "")
	ErrInvalidAddress      = xerrors.New(CodeInvalidAddress, "")
	ErrFeeTooHigh          = xerrors.New(CodeFeeTooHigh, "")
	ErrInsufficientIdle    = xerrors.New(CodeInsufficientIdle, "")
	ErrExecutorHookFailure = xerrors.New(CodeExecutorHookFailure, "")
)

func init() {
	auth := func(msg string) xerrors.Attributes {
		return xerrors.Attributes{Message: msg, Category: xerrors.CategoryAuthorization, Severity: xerrors.SeverityInfo}
	}
	xerrors.Register(CodeOnlyGov, auth("caller is not governance"))
	xerrors.Register(CodeOnlyKeeper, auth("caller is not the keeper"))
	xerrors.Register(CodeOnlyBatcher, auth("caller is not the batcher"))
	xerrors.Register(CodeInvalidAddress, auth("caller is not the pending governance"))

	xerrors.Register(CodeInvalidIndex, xerrors.Attributes{
		Message:  "executor index out of range",
		Category: xerrors.CategoryValidation,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInvalidVault, xerrors.Attributes{
		Message:  "executor is bound to another vault",
		Category: xerrors.CategoryConsistency,
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeInvalidExecutor, xerrors.Attributes{
		Message:  "executor is not registered",
		Category: xerrors.CategoryConsistency,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeFundsTooHigh, xerrors.Attributes{
		Message:  "executor still holds funds",
		Category: xerrors.CategoryConsistency,
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeFundsNotUpdated, xerrors.Attributes{
		Message:   "executor valuation is stale",
		Category:  xerrors.CategoryConsistency,
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeEmergencyMode, xerrors.Attributes{
		Message:  "vault is not in emergency mode",
		Category: xerrors.CategoryAuthorization,
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeFeeTooHigh, xerrors.Attributes{
		Message:  "performance fee above MAX_BPS/2",
		Category: xerrors.CategoryEconomic,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInsufficientIdle, xerrors.Attributes{
		Message:   "idle balance cannot cover the payout",
		Category:  xerrors.CategoryEconomic,
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeExecutorHookFailure, xerrors.Attributes{
		Message:   "executor hook failed",
		Category:  xerrors.CategoryInfra,
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}
