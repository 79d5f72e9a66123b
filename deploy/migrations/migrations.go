// Package migrations 内嵌智能体档案库的 SQL 迁移脚本，
// 由 internal/storage/mysql 在启动时按版本顺序执行。
package migrations

import "embed"

// Files 暴露所有 SQL 迁移文件。
//
//go:embed *.sql
var Files embed.FS
