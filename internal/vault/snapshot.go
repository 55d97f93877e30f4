package vault

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	xerrors "PooledVault/internal/errors"
)

// ExecutorState is the read model of one registered executor.
type ExecutorState struct {
	Address   common.Address `json:"address"`
	Principal string         `json:"principal"`
	Value     string         `json:"value"`
	Fresh     bool           `json:"fresh"`
	Error     string         `json:"error,omitempty"`
}

// Snapshot is a consistent read of the vault, taken under one lock.
type Snapshot struct {
	Address            common.Address  `json:"address"`
	Name               string          `json:"name"`
	Symbol             string          `json:"symbol"`
	Decimals           uint8           `json:"decimals"`
	Want               common.Address  `json:"want"`
	TotalSupply        string          `json:"total_supply"`
	IdleBalance        string          `json:"idle_balance"`
	TotalVaultFunds    string          `json:"total_vault_funds,omitempty"`
	FundsError         string          `json:"funds_error,omitempty"`
	FundsErrorCode     xerrors.Code    `json:"funds_error_code,omitempty"`
	PerformanceFeeBps  uint64          `json:"performance_fee_bps"`
	Keeper             common.Address  `json:"keeper"`
	Governance         common.Address  `json:"governance"`
	PendingGovernance  *common.Address `json:"pending_governance,omitempty"`
	Batcher            common.Address  `json:"batcher"`
	BatcherOnlyDeposit bool            `json:"batcher_only_deposit"`
	EmergencyMode      bool            `json:"emergency_mode"`
	Executors          []ExecutorState `json:"executors"`

	// Raw values for metrics; nil when unavailable.
	SupplyValue *uint256.Int `json:"-"`
	IdleValue   *uint256.Int `json:"-"`
	FundsValue  *uint256.Int `json:"-"`
}

// Snapshot captures the vault state. A stale executor does not fail the
// snapshot; it is reported in FundsError instead.
func (v *Vault) Snapshot(ctx context.Context) Snapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()

	supply := v.shares.TotalSupply()
	idle := v.want.BalanceOf(v.address)
	snap := Snapshot{
		Address:            v.address,
		Name:               v.meta.Name,
		Symbol:             v.meta.Symbol,
		Decimals:           v.meta.Decimals,
		Want:               v.want.Address(),
		TotalSupply:        supply.Dec(),
		IdleBalance:        idle.Dec(),
		PerformanceFeeBps:  v.performanceFee,
		Keeper:             v.keeper,
		Governance:         v.governance,
		Batcher:            v.batcher,
		BatcherOnlyDeposit: v.batcherOnlyDeposit,
		EmergencyMode:      v.emergencyMode,
		Executors:          make([]ExecutorState, 0, v.registry.Len()),
		SupplyValue:        supply,
		IdleValue:          idle,
	}
	if v.pendingGovernance != nil {
		pending := *v.pendingGovernance
		snap.PendingGovernance = &pending
	}
	_ = v.registry.each(func(e *entry) error {
		state := ExecutorState{Address: e.executor.Address(), Principal: e.principal.Dec()}
		value, fresh, err := e.executor.CurrentValue(ctx)
		if err != nil {
			state.Error = err.Error()
		} else {
			state.Value = value.Dec()
			state.Fresh = fresh
		}
		snap.Executors = append(snap.Executors, state)
		return nil
	})
	funds, err := v.totalVaultFunds(ctx)
	if err != nil {
		snap.FundsError = err.Error()
		snap.FundsErrorCode = xerrors.CodeOf(err)
	} else {
		snap.TotalVaultFunds = funds.Dec()
		snap.FundsValue = funds
	}
	return snap
}
