package keeper

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"PooledVault/internal/batcher"
	xerrors "PooledVault/internal/errors"
	"PooledVault/pkg/logger"
)

// SubmitRequest 描述一次结算请求。ID 为空时自动生成；重复 ID 返回已有任务。
type SubmitRequest struct {
	ID         string       `json:"id,omitempty"`
	Kind       batcher.Kind `json:"kind"`
	Recipients []string     `json:"recipients"`
}

// PendingSource 提供当前账本中待结算的地址。
type PendingSource interface {
	PendingRecipients(kind batcher.Kind) []common.Address
}

// Service 负责结算任务的创建与查询。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
	pending    PendingSource
}

// ServiceOption 定义 Service 的可选配置。
type ServiceOption func(*Service)

// WithPendingSource 启用 SubmitPending。
func WithPendingSource(source PendingSource) ServiceOption {
	return func(s *Service) {
		s.pending = source
	}
}

// NewService 构造任务服务。
func NewService(store Store, producer Producer, maxRetries int, opts ...ServiceOption) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	s := &Service{store: store, producer: producer, maxRetries: maxRetries}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Submit 创建一个新的结算任务并推送到队列。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Job, error) {
	if !req.Kind.Valid() {
		return nil, xerrors.New(CodeJobValidation, fmt.Sprintf("未知的结算类型 %q", req.Kind))
	}
	recipients, err := normalizeRecipients(req.Recipients)
	if err != nil {
		return nil, err
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}

	jobID := strings.TrimSpace(req.ID)
	if jobID != "" {
		job, err := s.store.Get(ctx, jobID)
		if err == nil {
			return job, nil
		}
		if !stdErrors.Is(err, ErrJobNotFound) {
			return nil, err
		}
	} else {
		jobID = uuid.NewString()
	}

	job := &Job{
		ID:         jobID,
		Kind:       req.Kind,
		Recipients: recipients,
		Status:     StatusPending,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, job); err != nil {
		if stdErrors.Is(err, ErrJobConflict) {
			existing, getErr := s.store.Get(ctx, jobID)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrJobNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, jobID); err != nil {
		logger.L().Error("结算任务入队失败", slog.Any("error", err), slog.String("job_id", jobID))
		wrapped := xerrors.Wrap(CodeJobPublish, err, "发布任务到队列失败")
		_ = s.store.MarkFailed(ctx, jobID, CodeJobPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("结算任务入队成功",
		slog.String("job_id", jobID),
		slog.String("kind", string(job.Kind)),
		slog.Int("recipients", len(job.Recipients)),
		slog.Int("max_retries", job.MaxRetries),
	)
	return cloneJob(job), nil
}

// SubmitPending 为批处理器账本中所有待结算地址创建一个任务。
func (s *Service) SubmitPending(ctx context.Context, kind batcher.Kind) (*Job, error) {
	if s.pending == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置待结算数据源")
	}
	if !kind.Valid() {
		return nil, xerrors.New(CodeJobValidation, fmt.Sprintf("未知的结算类型 %q", kind))
	}
	addrs := s.pending.PendingRecipients(kind)
	if len(addrs) == 0 {
		return nil, ErrNothingPending.With("kind", string(kind))
	}
	recipients := make([]string, 0, len(addrs))
	for _, a := range addrs {
		recipients = append(recipients, a.Hex())
	}
	return s.Submit(ctx, SubmitRequest{Kind: kind, Recipients: recipients})
}

// Get 返回指定任务的状态。
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...FilterOption) ([]*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.List(ctx, newFilter(opts))
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...FilterOption) (SettlementStats, error) {
	if s.store == nil {
		return SettlementStats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Stats(ctx, newFilter(opts))
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilCompleted 轮询任务状态直到成功、终止失败或 ctx 结束。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Job, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Status == StatusSucceeded || (job.Status == StatusFailed && job.Attempts >= job.MaxRetries) {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func normalizeRecipients(values []string) ([]string, error) {
	if len(values) == 0 {
		return nil, xerrors.New(CodeJobValidation, "结算地址列表不能为空")
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if !common.IsHexAddress(v) {
			return nil, xerrors.New(CodeJobValidation, fmt.Sprintf("非法地址 %q", v))
		}
		out = append(out, common.HexToAddress(v).Hex())
	}
	return out, nil
}
