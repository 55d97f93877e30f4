package keeper

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"PooledVault/internal/batcher"
	"PooledVault/pkg/logger"
)

// Scheduler 定期为待结算的存款与取款提交任务。
type Scheduler struct {
	service  *Service
	interval time.Duration
	kinds    []batcher.Kind
}

// NewScheduler 创建调度器。interval 不大于零时使用一分钟。
func NewScheduler(service *Service, interval time.Duration, kinds ...batcher.Kind) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if len(kinds) == 0 {
		kinds = []batcher.Kind{batcher.KindDeposit, batcher.KindWithdraw}
	}
	return &Scheduler{service: service, interval: interval, kinds: kinds}
}

// Start 阻塞运行直到 ctx 取消。
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick 为每种结算类型提交一次任务并返回新建的任务。
func (s *Scheduler) Tick(ctx context.Context) []*Job {
	var jobs []*Job
	for _, kind := range s.kinds {
		job, err := s.service.SubmitPending(ctx, kind)
		if err != nil {
			if !stdErrors.Is(err, ErrNothingPending) {
				logger.L().Warn("提交定时结算失败", slog.String("kind", string(kind)), slog.Any("error", err))
			}
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs
}
