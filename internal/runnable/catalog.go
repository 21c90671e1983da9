package runnable

import "context"

// Catalog 抽象了 Agent 与 Team 的目录存储。
// 目录只承担配置数据的增查，运行期语义由 Resolver 与执行引擎负责。
type Catalog interface {
	CreateAgent(ctx context.Context, agent *AgentRecord) error
	GetAgent(ctx context.Context, id string) (*AgentRecord, error)
	ListAgents(ctx context.Context, limit int) ([]*AgentRecord, error)

	CreateTeam(ctx context.Context, team *TeamRecord) error
	GetTeam(ctx context.Context, id string) (*TeamRecord, error)
	ListTeams(ctx context.Context, limit int) ([]*TeamRecord, error)
	// ListTeamMembers 按成员顺序返回 Team 的全部 Agent。
	ListTeamMembers(ctx context.Context, teamID string) ([]*AgentRecord, error)

	Close() error
}
