package keeper

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"PooledVault/deploy/migrations"
	"PooledVault/pkg/logger"
)

var schemaFiles fs.FS = migrations.Files

const createSchemaTable = `CREATE TABLE IF NOT EXISTS settlement_schema (
        version INT NOT NULL PRIMARY KEY,
        name VARCHAR(128) NOT NULL,
        applied_at BIGINT NOT NULL
)`

// schemaMigration 对应 deploy/migrations 下的一个 NNNN_name.sql 文件。
type schemaMigration struct {
	version    int
	name       string
	statements []string
}

// migrate 应用版本号大于当前 settlement_schema 最大版本的迁移。
func (s *MySQLStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createSchemaTable); err != nil {
		return fmt.Errorf("创建 settlement_schema 表失败: %w", err)
	}
	var current int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM settlement_schema`).Scan(&current); err != nil {
		return fmt.Errorf("读取结算表版本失败: %w", err)
	}
	pending, err := pendingMigrations(schemaFiles, current)
	if err != nil {
		return err
	}
	for _, m := range pending {
		if err := s.applyMigration(ctx, m); err != nil {
			return err
		}
		logger.L().Info("结算表迁移完成", slog.Int("version", m.version), slog.String("name", m.name))
	}
	return nil
}

func (s *MySQLStore) applyMigration(ctx context.Context, m schemaMigration) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启迁移事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for i, stmt := range m.statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("迁移 %04d 第 %d 条语句失败: %w", m.version, i+1, err)
		}
	}
	if _, err = tx.ExecContext(ctx, `INSERT INTO settlement_schema (version, name, applied_at) VALUES (?, ?, ?)`,
		m.version, m.name, s.now().Unix()); err != nil {
		return fmt.Errorf("记录迁移 %04d 失败: %w", m.version, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("提交迁移 %04d 失败: %w", m.version, err)
	}
	return nil
}

// pendingMigrations 按版本升序返回 after 之后的迁移。文件名必须以数字版本开头。
func pendingMigrations(fsys fs.FS, after int) ([]schemaMigration, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("读取迁移目录失败: %w", err)
	}
	seen := make(map[int]string, len(names))
	var out []schemaMigration
	for _, file := range names {
		prefix, label, _ := strings.Cut(strings.TrimSuffix(file, ".sql"), "_")
		version, err := strconv.Atoi(prefix)
		if err != nil || version <= 0 {
			return nil, fmt.Errorf("迁移文件 %s 缺少版本号", file)
		}
		if other, dup := seen[version]; dup {
			return nil, fmt.Errorf("迁移版本 %d 重复: %s 与 %s", version, other, file)
		}
		seen[version] = file
		if version <= after {
			continue
		}
		content, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", file, err)
		}
		out = append(out, schemaMigration{version: version, name: label, statements: sqlStatements(string(content))})
	}
	slices.SortFunc(out, func(a, b schemaMigration) int { return a.version - b.version })
	return out, nil
}

// sqlStatements 去掉 "--" 注释行后按分号切分。
func sqlStatements(content string) []string {
	var body strings.Builder
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}
	var out []string
	for _, stmt := range strings.Split(body.String(), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
