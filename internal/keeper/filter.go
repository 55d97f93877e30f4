package keeper

import (
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"PooledVault/internal/batcher"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Filter 选择结算任务。零值匹配全部任务，按更新时间倒序返回前 20 条。
type Filter struct {
	Limit  int
	Offset int

	Statuses []Status
	Kinds    []batcher.Kind
	// Recipient 只匹配批次中包含该地址的任务。
	Recipient *common.Address
	// FromBlock/ToBlock 按结算区块过滤（闭区间），只匹配已有结算结果的任务。
	// ToBlock 为 0 表示不设上限。
	FromBlock uint64
	ToBlock   uint64
	Settled   *bool
	Since     int64
	Ascending bool
	Query     string
}

// FilterOption 修改 Filter。
type FilterOption func(*Filter)

// WithLimit 设置分页大小，上限 100。
func WithLimit(limit int) FilterOption {
	return func(f *Filter) { f.Limit = limit }
}

// WithOffset 跳过前 n 条结果。
func WithOffset(offset int) FilterOption {
	return func(f *Filter) { f.Offset = offset }
}

// WithStatuses 按任务状态过滤，非法状态被忽略。
func WithStatuses(statuses ...Status) FilterOption {
	return func(f *Filter) { f.Statuses = append(f.Statuses[:0], statuses...) }
}

// WithKinds 按结算类型过滤。
func WithKinds(kinds ...batcher.Kind) FilterOption {
	return func(f *Filter) { f.Kinds = append(f.Kinds[:0], kinds...) }
}

// WithRecipient 只返回包含 addr 的结算批次。
func WithRecipient(addr common.Address) FilterOption {
	return func(f *Filter) { f.Recipient = &addr }
}

// WithBlockRange 只返回在 [from, to] 区块内完成的结算，to 为 0 时不设上限。
func WithBlockRange(from, to uint64) FilterOption {
	return func(f *Filter) {
		f.FromBlock = from
		f.ToBlock = to
	}
}

// WithSettled 按是否已记录结算结果过滤。
func WithSettled(settled bool) FilterOption {
	return func(f *Filter) { f.Settled = &settled }
}

// WithUpdatedSince 只返回 ts 之后（含）更新过的任务。
func WithUpdatedSince(ts time.Time) FilterOption {
	return func(f *Filter) {
		f.Since = 0
		if !ts.IsZero() {
			f.Since = ts.Unix()
		}
	}
}

// OldestFirst 按更新时间正序返回。
func OldestFirst() FilterOption {
	return func(f *Filter) { f.Ascending = true }
}

// WithQuery 在任务 ID 与最近一次错误中做子串匹配。
func WithQuery(query string) FilterOption {
	return func(f *Filter) { f.Query = query }
}

func newFilter(opts []FilterOption) Filter {
	var f Filter
	for _, opt := range opts {
		if opt != nil {
			opt(&f)
		}
	}
	f.normalize()
	return f
}

func (f *Filter) normalize() {
	switch {
	case f.Limit <= 0:
		f.Limit = defaultPageSize
	case f.Limit > maxPageSize:
		f.Limit = maxPageSize
	}
	f.Offset = max(f.Offset, 0)
	f.Statuses = dedupe(f.Statuses, IsValidStatus)
	f.Kinds = dedupe(f.Kinds, batcher.Kind.Valid)
	if f.ToBlock != 0 && f.ToBlock < f.FromBlock {
		f.FromBlock, f.ToBlock = f.ToBlock, f.FromBlock
	}
	f.Query = strings.TrimSpace(f.Query)
}

func (f Filter) blockBounded() bool { return f.FromBlock > 0 || f.ToBlock > 0 }

// match 是 where 在内存中的对应实现，两者需保持一致。
func (f Filter) match(job *Job) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, job.Status) {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, job.Kind) {
		return false
	}
	if f.Recipient != nil && !slices.Contains(job.Recipients, f.Recipient.Hex()) {
		return false
	}
	if f.blockBounded() {
		if !hasResult(job) || job.Result.BlockNumber < f.FromBlock {
			return false
		}
		if f.ToBlock > 0 && job.Result.BlockNumber > f.ToBlock {
			return false
		}
	}
	if f.Settled != nil && hasResult(job) != *f.Settled {
		return false
	}
	if f.Since > 0 && job.UpdatedAt < f.Since {
		return false
	}
	if f.Query != "" {
		q := strings.ToLower(f.Query)
		if !strings.Contains(strings.ToLower(job.ID), q) && !strings.Contains(strings.ToLower(job.LastError), q) {
			return false
		}
	}
	return true
}

// where 生成 settlement_jobs 的过滤条件。
func (f Filter) where() (string, []any) {
	var (
		conds []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		conds = append(conds, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, string(s))
		}
	}
	if len(f.Kinds) > 0 {
		conds = append(conds, "kind IN ("+placeholders(len(f.Kinds))+")")
		for _, k := range f.Kinds {
			args = append(args, string(k))
		}
	}
	if f.Recipient != nil {
		quoted, _ := json.Marshal(f.Recipient.Hex())
		conds = append(conds, "JSON_CONTAINS(recipients, ?)")
		args = append(args, string(quoted))
	}
	if f.blockBounded() {
		conds = append(conds, "result_output <> '' AND result_block >= ?")
		args = append(args, f.FromBlock)
		if f.ToBlock > 0 {
			conds = append(conds, "result_block <= ?")
			args = append(args, f.ToBlock)
		}
	}
	if f.Settled != nil {
		if *f.Settled {
			conds = append(conds, "result_output <> ''")
		} else {
			conds = append(conds, "(result_output IS NULL OR result_output = '')")
		}
	}
	if f.Since > 0 {
		conds = append(conds, "updated_at >= ?")
		args = append(args, f.Since)
	}
	if f.Query != "" {
		pattern := "%" + f.Query + "%"
		conds = append(conds, "(id LIKE ? OR last_error LIKE ?)")
		args = append(args, pattern, pattern)
	}
	return strings.Join(conds, " AND "), args
}

func dedupe[T comparable](in []T, valid func(T) bool) []T {
	var out []T
	for _, v := range in {
		if valid(v) && !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
