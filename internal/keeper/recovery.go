package keeper

import (
	"context"
	stdErrors "errors"

	"PooledVault/internal/batcher"
)

// RecoveryHandler 定义了结算失败时的补偿策略。
type RecoveryHandler interface {
	// Recover 根据失败原因进行补偿或降级。返回的 Settlement 将作为结果写入任务；
	// 返回 nil 时继续按照失败流程处理。
	Recover(ctx context.Context, job *Job, cause error) (*Settlement, error)
}

// NothingPendingRecovery 在列出的地址已经全部结算时把任务视为空结算完成。
// 用户在任务排队期间自行领取或重复提交都会出现这种情况。
type NothingPendingRecovery struct{}

// Recover 实现 RecoveryHandler。
func (NothingPendingRecovery) Recover(_ context.Context, job *Job, cause error) (*Settlement, error) {
	if !isNothingToSettle(cause) {
		return nil, nil
	}
	return &Settlement{
		Input:   "0",
		Output:  "0",
		Dust:    "0",
		Skipped: len(job.Recipients),
		Note:    "nothing pending for " + string(job.Kind),
	}, nil
}

func isNothingToSettle(err error) bool {
	return stdErrors.Is(err, batcher.ErrNoDeposits) || stdErrors.Is(err, batcher.ErrNoWithdraws)
}
