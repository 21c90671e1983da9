package migrations

import "embed"

// Files 暴露运行与目录存储的全部 SQL 迁移文件，
// 供外部迁移流水线使用；进程内的存储会在启动时自建表。
//
//go:embed *.sql
var Files embed.FS
