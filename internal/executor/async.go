package executor

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"PooledVault/internal/chain"
	"PooledVault/internal/ledger"
	"PooledVault/internal/token"
	"PooledVault/internal/vault"
	"PooledVault/pkg/logger"
)

// DefaultStaleBlockLimit is the number of blocks a keeper report stays valid.
const DefaultStaleBlockLimit = 50

// Async is an executor whose position value is reported by the keeper.
// Until the first report it is stale.
type Async struct {
	base
	clock chain.Clock
	limit uint64

	mu         sync.RWMutex
	posValue   *uint256.Int
	reportedAt uint64
	reported   bool
}

// NewAsync binds an async executor to owner. limit <= 0 uses the default.
func NewAsync(address common.Address, owner Owner, want token.ERC20, clock chain.Clock, limit uint64) *Async {
	if limit == 0 {
		limit = DefaultStaleBlockLimit
	}
	return &Async{
		base:     base{address: address, owner: owner, want: want},
		clock:    clock,
		limit:    limit,
		posValue: new(uint256.Int),
	}
}

// SetPosValue records the keeper's valuation of the open position at the
// current block.
func (a *Async) SetPosValue(caller common.Address, value *uint256.Int) error {
	if caller != a.owner.Keeper() {
		return vault.ErrOnlyKeeper
	}
	if value == nil {
		value = new(uint256.Int)
	}
	height := a.clock.BlockNumber()

	a.mu.Lock()
	a.posValue = new(uint256.Int).Set(value)
	a.reportedAt = height
	a.reported = true
	a.mu.Unlock()

	logger.Audit().Info("position value reported",
		slog.String("executor", a.address.Hex()),
		slog.String("value", value.Dec()),
		slog.Uint64("block", height),
	)
	return nil
}

// PosValue returns the last report and the block it was made at.
func (a *Async) PosValue() (*uint256.Int, uint64) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return new(uint256.Int).Set(a.posValue), a.reportedAt
}

// StaleBlockLimit returns the freshness window in blocks.
func (a *Async) StaleBlockLimit() uint64 { return a.limit }

// CurrentValue is held balance plus the reported position. The value is
// stale once more than limit blocks have passed since the report.
func (a *Async) CurrentValue(context.Context) (*uint256.Int, bool, error) {
	a.mu.RLock()
	pos := new(uint256.Int).Set(a.posValue)
	reportedAt, reported := a.reportedAt, a.reported
	a.mu.RUnlock()

	now := a.clock.BlockNumber()
	fresh := reported && (now < reportedAt || now-reportedAt <= a.limit)
	value, err := ledger.Add(a.held(), pos)
	if err != nil {
		return nil, false, err
	}
	return value, fresh, nil
}

// Deposit only records the allocation; opening positions is the keeper's job.
func (a *Async) Deposit(_ context.Context, amount *uint256.Int) error {
	logger.Named("executor").Debug("async executor funded",
		slog.String("executor", a.address.Hex()),
		slog.String("amount", amount.Dec()),
	)
	return nil
}

var _ vault.Executor = (*Async)(nil)
