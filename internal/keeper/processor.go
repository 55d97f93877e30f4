package keeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"PooledVault/internal/batcher"
	"PooledVault/internal/chain"
	xerrors "PooledVault/internal/errors"
	"PooledVault/internal/observability/alerting"
	"PooledVault/pkg/logger"
)

// Settler 是处理器依赖的批处理能力，由 *batcher.Batcher 实现。
type Settler interface {
	BatchDeposit(ctx context.Context, caller common.Address, recipients []common.Address) (*batcher.Result, error)
	BatchWithdraw(ctx context.Context, caller common.Address, recipients []common.Address) (*batcher.Result, error)
}

// Recorder 接收结算结果，用于指标统计。
type Recorder interface {
	ObserveSettlement(kind batcher.Kind, outcome string, elapsed time.Duration)
}

// Processor 从队列消费结算任务，并以 keeper 身份调用批处理器。
type Processor struct {
	settler     Settler
	keeper      common.Address
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	recovery    RecoveryHandler
	alerter     alerting.Dispatcher
	recorder    Recorder
	clock       chain.Clock
	retryDelay  time.Duration
	retries     sync.WaitGroup
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithRecoveryHandler 配置失败补偿策略。
func WithRecoveryHandler(handler RecoveryHandler) ProcessorOption {
	return func(p *Processor) {
		p.recovery = handler
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithRecorder 配置结算指标记录器。
func WithRecorder(recorder Recorder) ProcessorOption {
	return func(p *Processor) {
		p.recorder = recorder
	}
}

// WithClock 用于在结算结果中记录区块高度。
func WithClock(clock chain.Clock) ProcessorOption {
	return func(p *Processor) {
		p.clock = clock
	}
}

// WithRetryDelay 设置可重试失败重新入队前的等待时间。
func WithRetryDelay(delay time.Duration) ProcessorOption {
	return func(p *Processor) {
		if delay >= 0 {
			p.retryDelay = delay
		}
	}
}

// NewProcessor 构造 Processor。keeperAddr 必须是 vault 当前的 keeper。
func NewProcessor(settler Settler, keeperAddr common.Address, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		settler:     settler,
		keeper:      keeperAddr,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动任务处理循环，直到 ctx 取消。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	err := p.consumer.Consume(ctx, p.workerCount, p.handle)
	p.retries.Wait()
	return err
}

func (p *Processor) handle(ctx context.Context, jobID string) error {
	if p.store == nil || p.settler == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	job, err := p.store.Claim(ctx, jobID)
	if err != nil {
		if IsSkippable(err) {
			p.logDebug("跳过任务", slog.String("job_id", jobID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取任务失败", slog.Any("error", err), slog.String("job_id", jobID))
		p.emitAlert(ctx, &Job{ID: jobID}, CodeJobProcessing, err, "claim")
		return err
	}

	started := time.Now()
	result, execErr := p.settle(ctx, job)
	if execErr != nil {
		p.record(job.Kind, "failed", started)
		return p.handleExecutionFailure(ctx, job, execErr)
	}

	record := p.settlement(result)
	p.record(job.Kind, "succeeded", started)
	if err := p.store.MarkSucceeded(ctx, job.ID, record); err != nil {
		// 链上状态已变更，不可重投，否则会对已清空的账本再次结算。
		logger.L().Error("标记任务成功状态失败", slog.Any("error", err), slog.String("job_id", job.ID))
		p.emitAlert(ctx, job, CodeJobProcessing, err, "persist")
		return nil
	}
	logger.Audit().Info("结算任务完成",
		slog.String("job_id", job.ID),
		slog.String("kind", string(job.Kind)),
		slog.String("input", record.Input),
		slog.String("output", record.Output),
		slog.String("dust", record.Dust),
		slog.Int("skipped", record.Skipped),
		slog.Uint64("block", record.BlockNumber),
	)
	return nil
}

func (p *Processor) settle(ctx context.Context, job *Job) (*batcher.Result, error) {
	recipients, err := parseRecipients(job.Recipients)
	if err != nil {
		return nil, err
	}
	switch job.Kind {
	case batcher.KindDeposit:
		return p.settler.BatchDeposit(ctx, p.keeper, recipients)
	case batcher.KindWithdraw:
		return p.settler.BatchWithdraw(ctx, p.keeper, recipients)
	default:
		return nil, xerrors.New(CodeJobValidation, fmt.Sprintf("未知的结算类型 %q", job.Kind))
	}
}

func (p *Processor) settlement(result *batcher.Result) Settlement {
	record := Settlement{}
	if result != nil {
		record.Input = result.Input
		record.Output = result.Output
		record.Dust = result.Dust
		record.Skipped = result.Skipped
		record.Allocations = append([]batcher.Allocation(nil), result.Allocations...)
	}
	if p.clock != nil {
		record.BlockNumber = p.clock.BlockNumber()
	}
	return record
}

func (p *Processor) handleExecutionFailure(ctx context.Context, job *Job, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeJobProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := job.Attempts >= job.MaxRetries || !retryable

	if !retryable && p.recovery != nil {
		if fallback, recErr := p.recovery.Recover(ctx, job, execErr); recErr != nil {
			wrapped := xerrors.Wrap(CodeJobCompensate, recErr, "任务补偿失败")
			logger.L().Error("执行补偿逻辑失败", slog.Any("error", wrapped), slog.String("job_id", job.ID))
			p.emitAlert(ctx, job, CodeJobCompensate, wrapped, "compensate")
		} else if fallback != nil {
			if fallback.Note == "" {
				fallback.Note = fmt.Sprintf("降级处理: %v", execErr)
			}
			if p.clock != nil && fallback.BlockNumber == 0 {
				fallback.BlockNumber = p.clock.BlockNumber()
			}
			if err := p.store.MarkSucceeded(ctx, job.ID, *fallback); err != nil {
				logger.L().Error("记录降级结果失败", slog.Any("error", err), slog.String("job_id", job.ID))
				return err
			}
			logger.Audit().Warn("结算任务降级完成",
				slog.String("job_id", job.ID),
				slog.String("kind", string(job.Kind)),
				slog.String("note", fallback.Note),
			)
			return nil
		}
	}

	if storeErr := p.store.MarkFailed(ctx, job.ID, code, execErr.Error(), terminal); storeErr != nil {
		logger.L().Error("标记任务失败状态出错", slog.Any("error", storeErr), slog.String("job_id", job.ID))
		return storeErr
	}
	logger.Audit().Warn("结算任务失败",
		slog.String("job_id", job.ID),
		slog.String("kind", string(job.Kind)),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", job.Attempts),
		slog.Int("max_retries", job.MaxRetries),
	)

	stage := "retry"
	if terminal {
		stage = "terminal"
	}
	if !retryable {
		stage = "non_retryable"
	}
	if terminal || xerrors.ShouldAlert(execErr) {
		p.emitAlert(ctx, job, code, execErr, stage)
	}

	if retryable && !terminal && p.producer != nil {
		p.requeue(ctx, job)
	}
	return nil
}

// requeue 在独立协程中等待 retryDelay 后重投，worker 不等待其完成。
func (p *Processor) requeue(ctx context.Context, job *Job) {
	p.retries.Add(1)
	go func() {
		defer p.retries.Done()
		if p.retryDelay > 0 {
			timer := time.NewTimer(p.retryDelay)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
		}
		if err := p.producer.Publish(ctx, job.ID); err != nil {
			if ctx.Err() != nil {
				return
			}
			wrapped := xerrors.Wrap(CodeJobPublish, err, fmt.Sprintf("任务 %s 重投失败", job.ID))
			logger.L().Error("任务重投失败", slog.Any("error", wrapped), slog.String("job_id", job.ID))
			p.emitAlert(ctx, job, CodeJobPublish, wrapped, "requeue")
			return
		}
		p.logDebug("任务已重新排队", slog.String("job_id", job.ID), slog.Int("attempts", job.Attempts))
	}()
}

func (p *Processor) record(kind batcher.Kind, outcome string, started time.Time) {
	if p.recorder != nil {
		p.recorder.ObserveSettlement(kind, outcome, time.Since(started))
	}
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		p.logger.LogAttrs(context.Background(), slog.LevelDebug, msg, attrs...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, job *Job, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || job == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	metadata := map[string]string{"stage": stage}
	if cause != nil {
		message = cause.Error()
		metadata["cause"] = cause.Error()
		if e, ok := xerrors.From(cause); ok {
			for k, v := range e.Metadata() {
				metadata[k] = v
			}
		}
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		JobID:      job.ID,
		Kind:       string(job.Kind),
		Attempts:   job.Attempts,
		MaxRetries: job.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("job_id", job.ID),
			slog.String("stage", stage),
		)
	}
}

func parseRecipients(values []string) ([]common.Address, error) {
	out := make([]common.Address, 0, len(values))
	for _, v := range values {
		if !common.IsHexAddress(v) {
			return nil, xerrors.New(CodeJobValidation, fmt.Sprintf("非法地址 %q", v))
		}
		out = append(out, common.HexToAddress(v))
	}
	return out, nil
}

var _ Settler = (*batcher.Batcher)(nil)
