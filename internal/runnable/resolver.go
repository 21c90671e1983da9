package runnable

import (
	"context"

	xerrors "mindloom/internal/errors"
)

// Resolver 把类型标签与 ID 解析为完整的可运行配置。
type Resolver interface {
	Resolve(ctx context.Context, typ Type, id string) (*Config, error)
}

// typeResolver 解析单一类型的可运行实体。
type typeResolver interface {
	resolve(ctx context.Context, id string) (*Config, error)
}

// CatalogResolver 基于目录实现 Resolver，类型分发只发生在这一处。
type CatalogResolver struct {
	resolvers map[Type]typeResolver
}

// NewCatalogResolver 创建 CatalogResolver。
func NewCatalogResolver(catalog Catalog) *CatalogResolver {
	return &CatalogResolver{
		resolvers: map[Type]typeResolver{
			TypeAgent: &agentResolver{catalog: catalog},
			TypeTeam:  &teamResolver{catalog: catalog},
		},
	}
}

// Resolve 实现 Resolver 接口。
func (r *CatalogResolver) Resolve(ctx context.Context, typ Type, id string) (*Config, error) {
	resolver, ok := r.resolvers[typ]
	if !ok {
		return nil, xerrors.New(xerrors.CodeRunnableConfig, "不支持的 runnable 类型: "+string(typ))
	}
	cfg, err := resolver.resolve(ctx, id)
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeNotFound {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeResolveFailure, err, "解析 runnable 配置失败")
	}
	return cfg, nil
}

type agentResolver struct {
	catalog Catalog
}

func (r *agentResolver) resolve(ctx context.Context, id string) (*Config, error) {
	agent, err := r.catalog.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if agent.Model == "" {
		return nil, xerrors.New(xerrors.CodeRunnableConfig, "agent 缺少模型配置")
	}
	return &Config{
		Type:         TypeAgent,
		ID:           agent.ID,
		Name:         agent.Name,
		Instructions: agent.Instructions,
		Provider:     agent.Provider,
		Model:        agent.Model,
	}, nil
}

type teamResolver struct {
	catalog Catalog
}

func (r *teamResolver) resolve(ctx context.Context, id string) (*Config, error) {
	team, err := r.catalog.GetTeam(ctx, id)
	if err != nil {
		return nil, err
	}
	members, err := r.catalog.ListTeamMembers(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, xerrors.New(xerrors.CodeRunnableConfig, "team 没有任何成员")
	}
	cfg := &Config{
		Type:         TypeTeam,
		ID:           team.ID,
		Name:         team.Name,
		Instructions: team.Instructions,
		Members:      make([]AgentRecord, 0, len(members)),
	}
	for _, member := range members {
		cfg.Members = append(cfg.Members, *member)
	}
	return cfg, nil
}

var _ Resolver = (*CatalogResolver)(nil)
