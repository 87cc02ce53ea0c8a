package sqlstore

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"Chorus-Network/deploy/migrations"
	"Chorus-Network/pkg/logger"
)

const createMigrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`

const recordMigrationSQL = `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`

// migration 是一个按版本号排序的 SQL 文件，文件名形如 0001_init.sql。
type migration struct {
	version    string
	name       string
	statements []string
}

// Migrate 按版本顺序执行当前方言尚未应用的内置迁移，每个文件一个事务。
func (d *DB) Migrate(ctx context.Context) error {
	dir, err := migrations.For(string(d.dialect))
	if err != nil {
		return fmt.Errorf("定位迁移目录失败: %w", err)
	}
	all, err := readMigrations(dir)
	if err != nil {
		return err
	}

	if _, err := d.db.ExecContext(ctx, createMigrationsTable); err != nil {
		return fmt.Errorf("创建 schema_migrations 表失败: %w", err)
	}
	applied, err := d.appliedVersions(ctx)
	if err != nil {
		return err
	}

	for _, m := range all {
		if applied[m.version] {
			continue
		}
		err := d.withTx(ctx, func(tx *sql.Tx) error {
			for i, stmt := range m.statements {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("执行迁移 %s 第 %d 条语句失败: %w", m.name, i+1, err)
				}
			}
			if _, err := d.exec(ctx, tx, recordMigrationSQL, m.version, time.Now().Unix()); err != nil {
				return fmt.Errorf("记录迁移版本 %s 失败: %w", m.version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		logger.L().Info("已应用数据库迁移",
			slog.String("dialect", string(d.dialect)),
			slog.String("version", m.version),
			slog.Int("statements", len(m.statements)),
		)
	}
	return nil
}

func (d *DB) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("查询 schema_migrations 失败: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("解析 schema_migrations 失败: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// readMigrations 读取目录下的 *.sql 文件。同一版本号出现两次视为错误。
func readMigrations(dir fs.FS) ([]migration, error) {
	names, err := fs.Glob(dir, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("读取迁移目录失败: %w", err)
	}
	sort.Strings(names)

	seen := make(map[string]string, len(names))
	out := make([]migration, 0, len(names))
	for _, name := range names {
		content, err := fs.ReadFile(dir, name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", name, err)
		}
		version := migrationVersion(name)
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("迁移 %s 与 %s 的版本号 %s 重复", name, prev, version)
		}
		seen[version] = name
		stmts := splitStatements(string(content))
		if len(stmts) == 0 {
			continue
		}
		out = append(out, migration{version: version, name: name, statements: stmts})
	}
	return out, nil
}

// splitStatements 去掉整行 "--" 注释后按分号切分语句。
func splitStatements(content string) []string {
	var (
		stmts   []string
		current strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			stmts = append(stmts, s)
		}
		current.Reset()
	}
	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		for {
			before, after, found := strings.Cut(line, ";")
			current.WriteString(before)
			if !found {
				break
			}
			flush()
			line = after
		}
		current.WriteByte('\n')
	}
	flush()
	return stmts
}

func migrationVersion(name string) string {
	base := strings.TrimSuffix(path.Base(name), path.Ext(name))
	if version, _, ok := strings.Cut(base, "_"); ok && version != "" {
		return version
	}
	return base
}
