package runnable

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "mindloom/internal/errors"
)

// MemoryCatalog 以内存方式保存目录数据，主要用于测试与本地开发。
type MemoryCatalog struct {
	mu     sync.RWMutex
	agents map[string]*AgentRecord
	teams  map[string]*TeamRecord
}

// NewMemoryCatalog 创建 MemoryCatalog。
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		agents: make(map[string]*AgentRecord),
		teams:  make(map[string]*TeamRecord),
	}
}

// CreateAgent 实现 Catalog 接口。
func (m *MemoryCatalog) CreateAgent(_ context.Context, agent *AgentRecord) error {
	if agent == nil || agent.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent 缺少 ID")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[agent.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "agent 已存在")
	}
	if agent.CreatedAt == 0 {
		agent.CreatedAt = time.Now().Unix()
	}
	clone := *agent
	m.agents[agent.ID] = &clone
	return nil
}

// GetAgent 返回指定 Agent。
func (m *MemoryCatalog) GetAgent(_ context.Context, id string) (*AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agent, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *agent
	return &clone, nil
}

// ListAgents 按创建时间倒序返回 Agent。
func (m *MemoryCatalog) ListAgents(_ context.Context, limit int) ([]*AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]*AgentRecord, 0, len(m.agents))
	for _, agent := range m.agents {
		clone := *agent
		results = append(results, &clone)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt == results[j].CreatedAt {
			return results[i].ID > results[j].ID
		}
		return results[i].CreatedAt > results[j].CreatedAt
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// CreateTeam 实现 Catalog 接口。成员必须已存在于目录中。
func (m *MemoryCatalog) CreateTeam(_ context.Context, team *TeamRecord) error {
	if team == nil || team.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "team 缺少 ID")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.teams[team.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "team 已存在")
	}
	for _, memberID := range team.MemberIDs {
		if _, ok := m.agents[memberID]; !ok {
			return xerrors.New(xerrors.CodeInvalidArgument, "team 成员不存在: "+memberID)
		}
	}
	if team.CreatedAt == 0 {
		team.CreatedAt = time.Now().Unix()
	}
	clone := *team
	clone.MemberIDs = append([]string(nil), team.MemberIDs...)
	m.teams[team.ID] = &clone
	return nil
}

// GetTeam 返回指定 Team。
func (m *MemoryCatalog) GetTeam(_ context.Context, id string) (*TeamRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	team, ok := m.teams[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *team
	clone.MemberIDs = append([]string(nil), team.MemberIDs...)
	return &clone, nil
}

// ListTeams 按创建时间倒序返回 Team。
func (m *MemoryCatalog) ListTeams(_ context.Context, limit int) ([]*TeamRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]*TeamRecord, 0, len(m.teams))
	for _, team := range m.teams {
		clone := *team
		clone.MemberIDs = append([]string(nil), team.MemberIDs...)
		results = append(results, &clone)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt == results[j].CreatedAt {
			return results[i].ID > results[j].ID
		}
		return results[i].CreatedAt > results[j].CreatedAt
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// ListTeamMembers 按成员顺序返回 Team 的全部 Agent。
func (m *MemoryCatalog) ListTeamMembers(_ context.Context, teamID string) ([]*AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	team, ok := m.teams[teamID]
	if !ok {
		return nil, ErrNotFound
	}
	members := make([]*AgentRecord, 0, len(team.MemberIDs))
	for _, memberID := range team.MemberIDs {
		agent, ok := m.agents[memberID]
		if !ok {
			return nil, xerrors.New(xerrors.CodeResolveFailure, "team 成员缺失: "+memberID)
		}
		clone := *agent
		members = append(members, &clone)
	}
	return members, nil
}

// Close 对内存目录无需操作。
func (m *MemoryCatalog) Close() error {
	return nil
}

var _ Catalog = (*MemoryCatalog)(nil)
