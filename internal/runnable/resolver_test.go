package runnable

import (
	"context"
	"errors"
	"testing"

	xerrors "mindloom/internal/errors"
)

func seedCatalog(t *testing.T) Catalog {
	t.Helper()
	catalog := NewMemoryCatalog()
	ctx := context.Background()

	agents := []*AgentRecord{
		{ID: "a1", Name: "researcher", Provider: "openai", Model: "gpt-4o-mini", Instructions: "research"},
		{ID: "a2", Name: "writer", Provider: "openai", Model: "gpt-4o-mini", Instructions: "write"},
		{ID: "a3", Name: "broken", Provider: "openai", Model: "", Instructions: "no model"},
	}
	for _, agent := range agents {
		if err := catalog.CreateAgent(ctx, agent); err != nil {
			t.Fatalf("create agent %s: %v", agent.ID, err)
		}
	}
	if err := catalog.CreateTeam(ctx, &TeamRecord{
		ID:           "t1",
		Name:         "newsroom",
		Instructions: "combine findings",
		MemberIDs:    []string{"a2", "a1"},
	}); err != nil {
		t.Fatalf("create team: %v", err)
	}
	return catalog
}

func TestResolveAgent(t *testing.T) {
	resolver := NewCatalogResolver(seedCatalog(t))

	cfg, err := resolver.Resolve(context.Background(), TypeAgent, "a1")
	if err != nil {
		t.Fatalf("resolve agent: %v", err)
	}
	if cfg.Type != TypeAgent || cfg.Name != "researcher" || cfg.Model != "gpt-4o-mini" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestResolveAgentWithoutModel(t *testing.T) {
	resolver := NewCatalogResolver(seedCatalog(t))

	_, err := resolver.Resolve(context.Background(), TypeAgent, "a3")
	if err == nil {
		t.Fatalf("expected config error for agent without model")
	}
	if xerrors.CodeOf(err) == xerrors.CodeNotFound {
		t.Fatalf("config error must not masquerade as not found: %v", err)
	}
}

func TestResolveTeamPreservesMemberOrder(t *testing.T) {
	resolver := NewCatalogResolver(seedCatalog(t))

	cfg, err := resolver.Resolve(context.Background(), TypeTeam, "t1")
	if err != nil {
		t.Fatalf("resolve team: %v", err)
	}
	if cfg.Type != TypeTeam || len(cfg.Members) != 2 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Members[0].ID != "a2" || cfg.Members[1].ID != "a1" {
		t.Fatalf("member order must follow the team definition: %+v", cfg.Members)
	}
}

func TestResolveNotFoundPassesThrough(t *testing.T) {
	resolver := NewCatalogResolver(seedCatalog(t))

	_, err := resolver.Resolve(context.Background(), TypeAgent, "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	_, err = resolver.Resolve(context.Background(), TypeTeam, "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for team, got %v", err)
	}
}

func TestResolveUnknownType(t *testing.T) {
	resolver := NewCatalogResolver(seedCatalog(t))

	if _, err := resolver.Resolve(context.Background(), Type("workflow"), "x"); err == nil {
		t.Fatalf("expected error for unknown type")
	}
}

func TestMemoryCatalogRejectsUnknownMembers(t *testing.T) {
	catalog := NewMemoryCatalog()
	err := catalog.CreateTeam(context.Background(), &TeamRecord{
		ID:        "t1",
		Name:      "ghost team",
		MemberIDs: []string{"nobody"},
	})
	if err == nil {
		t.Fatalf("expected error when team references unknown agents")
	}
}
