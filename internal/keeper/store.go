package keeper

import (
	"context"

	xerrors "PooledVault/internal/errors"
)

// Store 抽象了结算任务状态的持久化接口。
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Claim(ctx context.Context, id string) (*Job, error)
	MarkSucceeded(ctx context.Context, id string, result Settlement) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	List(ctx context.Context, filter Filter) ([]*Job, error)
	Stats(ctx context.Context, filter Filter) (SettlementStats, error)
	Close() error
}
