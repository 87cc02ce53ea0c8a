package migrations

import (
	"embed"
	"io/fs"
)

// Files 暴露所有 SQL 迁移文件，按方言分目录存放。
//
//go:embed mysql/*.sql postgres/*.sql
var Files embed.FS

// For 返回指定方言（mysql 或 postgres）的迁移目录。
func For(dialect string) (fs.FS, error) {
	return fs.Sub(Files, dialect)
}
