package keeper

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"PooledVault/internal/batcher"
	xerrors "PooledVault/internal/errors"
)

const jobColumns = `id, kind, recipients, status, attempts, max_retries, last_error, error_code,
        result_input, result_output, result_dust, result_skipped, result_block, result_allocations, result_note,
        created_at, updated_at`

// MySQLStore 使用 MySQL 记录结算任务状态。
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// MySQLConfig 描述连接池参数，零值使用默认值。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// NewMySQLStore 连接 MySQL 并执行内置迁移。
func NewMySQLStore(ctx context.Context, cfg MySQLConfig) (*MySQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}
	applyPoolSettings(db, cfg)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store, err := newMySQLStore(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func applyPoolSettings(db *sql.DB, cfg MySQLConfig) {
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 20
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 10
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 30 * time.Minute
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
}

func newMySQLStore(ctx context.Context, db *sql.DB) (*MySQLStore, error) {
	store := &MySQLStore{db: db, now: time.Now}
	if err := store.migrate(ctx); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 settlement_jobs 表失败")
	}
	return store, nil
}

// Create 插入新的任务记录。
func (s *MySQLStore) Create(ctx context.Context, job *Job) error {
	if job == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "job 不能为空")
	}
	if strings.TrimSpace(job.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}

	now := s.now().Unix()
	job.CreatedAt = now
	job.UpdatedAt = now

	recipients, err := json.Marshal(job.Recipients)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码结算地址失败")
	}

	const stmt = `INSERT INTO settlement_jobs
        (id, kind, recipients, status, attempts, max_retries, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, '', '', ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		job.ID,
		string(job.Kind),
		string(recipients),
		string(job.Status),
		job.Attempts,
		job.MaxRetries,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrJobConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job         Job
		kind        string
		status      string
		recipients  sql.NullString
		lastError   sql.NullString
		errorCode   sql.NullString
		result      Settlement
		allocations sql.NullString
		note        sql.NullString
	)
	if err := row.Scan(
		&job.ID,
		&kind,
		&recipients,
		&status,
		&job.Attempts,
		&job.MaxRetries,
		&lastError,
		&errorCode,
		&result.Input,
		&result.Output,
		&result.Dust,
		&result.Skipped,
		&result.BlockNumber,
		&allocations,
		&note,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	job.Kind = batcher.Kind(kind)
	job.Status = Status(status)
	job.LastError = lastError.String
	job.ErrorCode = errorCode.String
	if recipients.Valid && recipients.String != "" {
		if err := json.Unmarshal([]byte(recipients.String), &job.Recipients); err != nil {
			return nil, fmt.Errorf("解析结算地址失败: %w", err)
		}
	}
	result.Note = note.String
	if allocations.Valid && allocations.String != "" {
		if err := json.Unmarshal([]byte(allocations.String), &result.Allocations); err != nil {
			return nil, fmt.Errorf("解析结算分配失败: %w", err)
		}
	}
	if result.Output != "" {
		job.Result = &result
	}
	return &job, nil
}

// Get 查询指定任务。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM settlement_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return job, nil
}

// Claim 将任务标记为运行中并返回最新状态。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Job, error) {
	const updateStmt = `UPDATE settlement_jobs SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status IN (?, ?) AND attempts < max_retries`

	res, err := s.db.ExecContext(ctx, updateStmt,
		string(StatusRunning),
		s.now().Unix(),
		id,
		string(StatusPending),
		string(StatusFailed),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	job, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if affected == 0 {
		switch job.Status {
		case StatusSucceeded:
			return job, ErrJobCompleted
		case StatusRunning:
			return job, ErrJobConflict
		default:
			if job.Attempts >= job.MaxRetries {
				return job, ErrJobExhausted
			}
			return job, ErrJobConflict
		}
	}
	return job, nil
}

// MarkSucceeded 记录结算结果。
func (s *MySQLStore) MarkSucceeded(ctx context.Context, id string, result Settlement) error {
	const stmt = `UPDATE settlement_jobs SET status = ?, result_input = ?, result_output = ?, result_dust = ?,
        result_skipped = ?, result_block = ?, result_allocations = ?, result_note = ?, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ?`

	allocations, err := json.Marshal(result.Allocations)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码结算分配失败")
	}
	res, err := s.db.ExecContext(ctx, stmt,
		string(StatusSucceeded),
		result.Input,
		result.Output,
		result.Dust,
		result.Skipped,
		result.BlockNumber,
		string(allocations),
		result.Note,
		s.now().Unix(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务成功失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrJobNotFound
	}
	return nil
}

// MarkFailed 标记任务失败，terminal 为真时耗尽剩余重试次数。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	stmt := `UPDATE settlement_jobs SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`
	if terminal {
		stmt = `UPDATE settlement_jobs SET status = ?, last_error = ?, error_code = ?, updated_at = ?,
        attempts = GREATEST(attempts, max_retries) WHERE id = ?`
	}
	res, err := s.db.ExecContext(ctx, stmt,
		string(StatusFailed),
		lastError,
		string(code),
		s.now().Unix(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务失败失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrJobNotFound
	}
	return nil
}

// List 返回符合条件的任务。
func (s *MySQLStore) List(ctx context.Context, filter Filter) ([]*Job, error) {
	filter.normalize()

	query := `SELECT ` + jobColumns + ` FROM settlement_jobs`
	where, args := filter.where()
	if where != "" {
		query += " WHERE " + where
	}
	if filter.Ascending {
		query += " ORDER BY updated_at ASC, created_at ASC, id ASC"
	} else {
		query += " ORDER BY updated_at DESC, created_at DESC, id DESC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	jobs := make([]*Job, 0, filter.Limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return jobs, nil
}

const statsQuery = `SELECT
        COUNT(*),
        COALESCE(SUM(status = ?), 0),
        COALESCE(SUM(status = ?), 0),
        COALESCE(SUM(status = ?), 0),
        COALESCE(SUM(status = ?), 0),
        COALESCE(SUM(kind = ?), 0),
        COALESCE(SUM(kind = ?), 0),
        COALESCE(SUM(CASE WHEN result_output <> '' THEN result_skipped ELSE 0 END), 0),
        COALESCE(MIN(CASE WHEN result_output <> '' AND result_block > 0 THEN result_block END), 0),
        COALESCE(MAX(CASE WHEN result_output <> '' THEN result_block END), 0)
        FROM settlement_jobs`

// Stats 汇总符合过滤条件的任务。分页参数不参与统计。
func (s *MySQLStore) Stats(ctx context.Context, filter Filter) (SettlementStats, error) {
	filter.normalize()

	query := statsQuery
	args := []any{
		string(StatusPending), string(StatusRunning), string(StatusSucceeded), string(StatusFailed),
		string(batcher.KindDeposit), string(batcher.KindWithdraw),
	}
	where, filterArgs := filter.where()
	if where != "" {
		query += " WHERE " + where
		args = append(args, filterArgs...)
	}

	var stats SettlementStats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Running,
		&stats.Succeeded,
		&stats.Failed,
		&stats.Deposits,
		&stats.Withdrawals,
		&stats.Skipped,
		&stats.FirstBlock,
		&stats.LastBlock,
	); err != nil {
		return SettlementStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ Store = (*MySQLStore)(nil)
