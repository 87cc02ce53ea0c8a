package sqlstore

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"

	xerrors "Chorus-Network/internal/errors"
)

// Dialect 表示底层数据库类型。
type Dialect string

const (
	DialectMySQL    Dialect = "mysql"
	DialectPostgres Dialect = "postgres"
)

// Config 描述数据库连接参数。
type Config struct {
	Driver          Dialect
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	// SkipMigrations 为 true 时不执行内置迁移。
	SkipMigrations bool
}

// DB 封装 *sql.DB 与方言相关的细节，各个 Store 共享同一个 DB。
type DB struct {
	db      *sql.DB
	dialect Dialect
}

// Open 连接数据库并执行迁移。
func Open(ctx context.Context, cfg Config) (*DB, error) {
	dialect, err := parseDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}
	sqlDB, err := openDatabase(ctx, dialect, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开数据库失败")
	}
	db := Wrap(sqlDB, dialect)
	if !cfg.SkipMigrations {
		if err := db.Migrate(ctx); err != nil {
			_ = sqlDB.Close()
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行数据库迁移失败")
		}
	}
	return db, nil
}

// Wrap 使用已有连接构造 DB，主要用于测试。
func Wrap(db *sql.DB, dialect Dialect) *DB {
	return &DB{db: db, dialect: dialect}
}

// Dialect 返回数据库方言。
func (d *DB) Dialect() Dialect { return d.dialect }

// Close 关闭底层连接。多个 Store 共享时只需关闭一次。
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

func parseDialect(raw Dialect) (Dialect, error) {
	switch Dialect(strings.ToLower(strings.TrimSpace(string(raw)))) {
	case DialectMySQL, "":
		return DialectMySQL, nil
	case DialectPostgres, "postgresql", "pg":
		return DialectPostgres, nil
	default:
		return "", xerrors.Validation("unsupported storage driver %q", raw)
	}
}

func openDatabase(ctx context.Context, dialect Dialect, cfg Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("%s DSN 不能为空", dialect)
	}

	db, err := sql.Open(string(dialect), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("连接 %s 失败: %w", dialect, err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到 %s: %w", dialect, err)
	}
	return db, nil
}

// rebind 将 "?" 占位符转换为当前方言的格式。
func (d *DB) rebind(query string) string {
	if d.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d *DB) exec(ctx context.Context, q querier, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, d.rebind(query), args...)
}

func (d *DB) query(ctx context.Context, q querier, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, d.rebind(query), args...)
}

func (d *DB) queryRow(ctx context.Context, q querier, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, d.rebind(query), args...)
}

// querier 由 *sql.DB 与 *sql.Tx 共同实现。
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx 在事务中执行 fn，fn 返回错误时回滚。
func (d *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

// isDuplicate 判断错误是否为唯一键冲突。
func isDuplicate(err error) bool {
	var mysqlErr *mysql.MySQLError
	if stdErrors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	var pqErr *pq.Error
	if stdErrors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func storageErr(err error, msg string) error {
	if err == nil {
		return nil
	}
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, msg)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
