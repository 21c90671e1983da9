package run

import (
	"context"

	"mindloom/internal/runnable"
)

// Store 抽象了运行记录的持久化接口。
//
// UpdateStatus 必须以原子比较并交换的方式提交状态迁移：
// 只有当前状态属于合法前置状态时写入才会生效，终态永远不会被覆盖。
type Store interface {
	Create(ctx context.Context, run *Run) error
	Get(ctx context.Context, id string) (*Run, error)
	List(ctx context.Context, opts ...ListOption) ([]*Run, error)
	UpdateStatus(ctx context.Context, id string, status Status, output map[string]any, errMsg string) (*Run, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// LogStore 保存流式日志的持久化副本。写入必须是尽力而为，
// 失败不影响运行本身。
type LogStore interface {
	AppendLog(ctx context.Context, record *LogRecord) error
	ListLogs(ctx context.Context, runID string, limit int) ([]*LogRecord, error)
}

// ArtifactStore 保存运行产出的工件元数据。
type ArtifactStore interface {
	AddArtifact(ctx context.Context, artifact *Artifact) error
	ListArtifacts(ctx context.Context, runID string) ([]*Artifact, error)
}

// NewRun 以 PENDING 状态构造一条新的运行记录。
func NewRun(id, runnableID string, typ runnable.Type, input map[string]any, now int64) *Run {
	return &Run{
		ID:             id,
		RunnableID:     runnableID,
		RunnableType:   typ,
		Status:         StatusPending,
		InputVariables: cloneVariables(input),
		CreatedAt:      now,
	}
}
