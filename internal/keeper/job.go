// Package keeper runs batch settlements as durable jobs. Jobs are stored,
// published on a queue and executed by processor workers acting as the vault
// keeper; retryable failures such as stale executor valuations are requeued.
package keeper

import (
	stdErrors "errors"

	"PooledVault/internal/batcher"
	xerrors "PooledVault/internal/errors"
)

// Status 表示结算任务在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Settlement 保存一次批量结算的结果。
type Settlement struct {
	Input       string               `json:"input"`
	Output      string               `json:"output"`
	Dust        string               `json:"dust"`
	Skipped     int                  `json:"skipped"`
	BlockNumber uint64               `json:"block_number"`
	Allocations []batcher.Allocation `json:"allocations,omitempty"`
	Note        string               `json:"note,omitempty"`
}

// Job 描述一个排队执行的批量结算。
type Job struct {
	ID         string       `json:"id"`
	Kind       batcher.Kind `json:"kind"`
	Recipients []string     `json:"recipients"`
	Status     Status       `json:"status"`
	Attempts   int          `json:"attempts"`
	MaxRetries int          `json:"max_retries"`
	LastError  string       `json:"last_error,omitempty"`
	ErrorCode  string       `json:"error_code,omitempty"`
	Result     *Settlement  `json:"result,omitempty"`
	CreatedAt  int64        `json:"created_at"`
	UpdatedAt  int64        `json:"updated_at"`
}

// SettlementStats 汇总一组结算任务。FirstBlock/LastBlock 为已完成结算的区块范围。
type SettlementStats struct {
	Total       int    `json:"total"`
	Pending     int    `json:"pending"`
	Running     int    `json:"running"`
	Succeeded   int    `json:"succeeded"`
	Failed      int    `json:"failed"`
	Deposits    int    `json:"deposits"`
	Withdrawals int    `json:"withdrawals"`
	Skipped     int    `json:"skipped_recipients"`
	FirstBlock  uint64 `json:"first_block,omitempty"`
	LastBlock   uint64 `json:"last_block,omitempty"`
}

func (s *SettlementStats) add(job *Job) {
	s.Total++
	switch job.Status {
	case StatusPending:
		s.Pending++
	case StatusRunning:
		s.Running++
	case StatusSucceeded:
		s.Succeeded++
	case StatusFailed:
		s.Failed++
	}
	switch job.Kind {
	case batcher.KindDeposit:
		s.Deposits++
	case batcher.KindWithdraw:
		s.Withdrawals++
	}
	if !hasResult(job) {
		return
	}
	s.Skipped += job.Result.Skipped
	if b := job.Result.BlockNumber; b > 0 {
		if s.FirstBlock == 0 || b < s.FirstBlock {
			s.FirstBlock = b
		}
		s.LastBlock = max(s.LastBlock, b)
	}
}

const (
	CodeJobNotFound       xerrors.Code = "JOB_NOT_FOUND"
	CodeJobConflict       xerrors.Code = "JOB_CONFLICT"
	CodeJobCompleted      xerrors.Code = "JOB_COMPLETED"
	CodeJobExhausted      xerrors.Code = "JOB_RETRIES_EXHAUSTED"
	CodeJobValidation     xerrors.Code = "JOB_VALIDATION_FAILED"
	CodeJobPublish        xerrors.Code = "JOB_PUBLISH_FAILED"
	CodeJobProcessing     xerrors.Code = "JOB_PROCESSING_FAILED"
	CodeJobCompensate     xerrors.Code = "JOB_COMPENSATION_FAILED"
	CodeJobNothingPending xerrors.Code = "JOB_NOTHING_PENDING"
)

var (
	// ErrJobNotFound 表示指定的任务不存在。
	ErrJobNotFound = xerrors.New(CodeJobNotFound, "")
	// ErrJobConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrJobConflict = xerrors.New(CodeJobConflict, "")
	// ErrJobCompleted 表示任务已经成功完成。
	ErrJobCompleted = xerrors.New(CodeJobCompleted, "")
	// ErrJobExhausted 表示任务的重试次数已经耗尽。
	ErrJobExhausted = xerrors.New(CodeJobExhausted, "")
	// ErrJobValidation 表示结算请求不合法。
	ErrJobValidation = xerrors.New(CodeJobValidation, "")
	// ErrNothingPending 表示批处理器中没有待结算的地址。
	ErrNothingPending = xerrors.New(CodeJobNothingPending, "")
)

func init() {
	xerrors.Register(CodeJobNotFound, xerrors.Attributes{
		Message:  "settlement job not found",
		Category: xerrors.CategoryValidation,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeJobConflict, xerrors.Attributes{
		Message:  "settlement job conflict",
		Category: xerrors.CategoryConsistency,
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeJobCompleted, xerrors.Attributes{
		Message:  "settlement job already completed",
		Category: xerrors.CategoryConsistency,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeJobExhausted, xerrors.Attributes{
		Message:  "settlement job retries exhausted",
		Category: xerrors.CategoryInfra,
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeJobValidation, xerrors.Attributes{
		Message:  "settlement job validation failed",
		Category: xerrors.CategoryValidation,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeJobPublish, xerrors.Attributes{
		Message:   "failed to publish settlement job",
		Category:  xerrors.CategoryInfra,
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeJobProcessing, xerrors.Attributes{
		Message:   "settlement job failed",
		Category:  xerrors.CategoryInfra,
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeJobCompensate, xerrors.Attributes{
		Message:  "settlement job compensation failed",
		Category: xerrors.CategoryInfra,
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeJobNothingPending, xerrors.Attributes{
		Message:  "no recipients pending settlement",
		Category: xerrors.CategoryValidation,
		Severity: xerrors.SeverityInfo,
	})
}

// IsSkippable 判断领取任务时的错误是否可以静默跳过。
func IsSkippable(err error) bool {
	return stdErrors.Is(err, ErrJobNotFound) || stdErrors.Is(err, ErrJobCompleted) || stdErrors.Is(err, ErrJobExhausted)
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

func cloneJob(job *Job) *Job {
	clone := *job
	clone.Recipients = append([]string(nil), job.Recipients...)
	if job.Result != nil {
		result := *job.Result
		result.Allocations = append([]batcher.Allocation(nil), job.Result.Allocations...)
		clone.Result = &result
	}
	return &clone
}

func hasResult(job *Job) bool {
	return job != nil && job.Result != nil && job.Result.Output != ""
}
