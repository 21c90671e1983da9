package run

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "mindloom/internal/errors"
)

// MemoryStore 以内存方式保存运行记录，主要用于测试与本地开发。
type MemoryStore struct {
	mu        sync.RWMutex
	runs      map[string]*Run
	logs      map[string][]*LogRecord
	artifacts map[string][]*Artifact
	nextLogID int64
	nextArtID int64
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:      make(map[string]*Run),
		logs:      make(map[string][]*LogRecord),
		artifacts: make(map[string][]*Artifact),
	}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "run 不能为空")
	}
	if run.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "运行 ID 不能为空")
	}
	if !run.RunnableType.Valid() {
		return ErrRunValidation
	}
	if _, ok := m.runs[run.ID]; ok {
		return ErrRunConflict
	}
	if run.CreatedAt == 0 {
		run.CreatedAt = time.Now().Unix()
	}
	run.Status = StatusPending
	m.runs[run.ID] = run.clone()
	return nil
}

// Get 返回运行记录。
func (m *MemoryStore) Get(_ context.Context, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return run.clone(), nil
}

// UpdateStatus 按状态机提交状态迁移。终态写入一旦提交便不可回退，
// 晚到的写入返回 ErrRunTerminal 并保持记录不变。
func (m *MemoryStore) UpdateStatus(_ context.Context, id string, status Status, output map[string]any, errMsg string) (*Run, error) {
	if !IsValidStatus(status) {
		return nil, ErrRunValidation
	}
	if IsTerminal(status) && output == nil && errMsg == "" {
		return nil, xerrors.New(CodeRunValidation, "终态必须携带输出或错误信息")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	if !CanTransition(run.Status, status) {
		if IsTerminal(run.Status) {
			return run.clone(), ErrRunTerminal
		}
		return run.clone(), ErrRunConflict
	}

	now := time.Now().Unix()
	run.Status = status
	if status == StatusRunning && run.StartedAt == 0 {
		run.StartedAt = now
	}
	if IsTerminal(status) {
		if run.EndedAt == 0 {
			run.EndedAt = now
		}
		run.OutputData = cloneVariables(output)
		run.ErrorMessage = errMsg
		if status == StatusCompleted {
			run.ErrorMessage = ""
		}
	}
	return run.clone(), nil
}

// List 按创建时间倒序返回运行记录。
func (m *MemoryStore) List(_ context.Context, opts ...ListOption) ([]*Run, error) {
	options := buildListOptions(opts)

	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]*Run, 0, len(m.runs))
	for _, run := range m.runs {
		if !matchesListFilters(run, options) {
			continue
		}
		results = append(results, run.clone())
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt == results[j].CreatedAt {
			return results[i].ID > results[j].ID
		}
		return results[i].CreatedAt > results[j].CreatedAt
	})

	if options.Skip >= len(results) {
		return []*Run{}, nil
	}
	results = results[options.Skip:]
	if len(results) > options.Limit {
		results = results[:options.Limit]
	}
	return results, nil
}

func matchesListFilters(run *Run, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if run.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.RunnableID != "" && run.RunnableID != opts.RunnableID {
		return false
	}
	return true
}

// Stats 按状态统计运行数量。
func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{}
	for _, run := range m.runs {
		stats.count(run.Status)
	}
	return stats, nil
}

// AppendLog 实现 LogStore 接口。
func (m *MemoryStore) AppendLog(_ context.Context, record *LogRecord) error {
	if record == nil || record.RunID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "日志记录缺少运行 ID")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextLogID++
	clone := *record
	clone.ID = m.nextLogID
	if clone.Timestamp == 0 {
		clone.Timestamp = time.Now().Unix()
	}
	m.logs[record.RunID] = append(m.logs[record.RunID], &clone)
	return nil
}

// ListLogs 按写入顺序返回持久化日志。
func (m *MemoryStore) ListLogs(_ context.Context, runID string, limit int) ([]*LogRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	records := m.logs[runID]
	if limit <= 0 || limit > len(records) {
		limit = len(records)
	}
	results := make([]*LogRecord, 0, limit)
	for _, record := range records[:limit] {
		clone := *record
		results = append(results, &clone)
	}
	return results, nil
}

// AddArtifact 实现 ArtifactStore 接口。
func (m *MemoryStore) AddArtifact(_ context.Context, artifact *Artifact) error {
	if artifact == nil || artifact.RunID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "工件缺少运行 ID")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextArtID++
	clone := *artifact
	clone.ID = m.nextArtID
	if clone.CreatedAt == 0 {
		clone.CreatedAt = time.Now().Unix()
	}
	m.artifacts[artifact.RunID] = append(m.artifacts[artifact.RunID], &clone)
	return nil
}

// ListArtifacts 返回运行关联的工件。
func (m *MemoryStore) ListArtifacts(_ context.Context, runID string) ([]*Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	artifacts := m.artifacts[runID]
	results := make([]*Artifact, 0, len(artifacts))
	for _, artifact := range artifacts {
		clone := *artifact
		results = append(results, &clone)
	}
	return results, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

// ensure interface compliance at compile time
var (
	_ Store         = (*MemoryStore)(nil)
	_ LogStore      = (*MemoryStore)(nil)
	_ ArtifactStore = (*MemoryStore)(nil)
)
