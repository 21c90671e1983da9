package runnable

import (
	xerrors "mindloom/internal/errors"
)

// Type 是可运行实体的类型标签。一次运行要么执行 Agent，要么执行 Team，
// 二者互斥。
type Type string

const (
	TypeAgent Type = "agent"
	TypeTeam  Type = "team"
)

// Valid 判断标签是否为支持的取值。
func (t Type) Valid() bool {
	return t == TypeAgent || t == TypeTeam
}

// ParseType 解析类型标签，拒绝未知取值。
func ParseType(raw string) (Type, error) {
	typ := Type(raw)
	if !typ.Valid() {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "runnable_type 必须是 agent 或 team")
	}
	return typ, nil
}

// AgentRecord 描述目录中的一个 Agent。
type AgentRecord struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	Instructions string `json:"instructions"`
	CreatedAt    int64  `json:"created_at"`
}

// TeamRecord 描述目录中的一个 Team。MemberIDs 按协作顺序排列。
type TeamRecord struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Instructions string   `json:"instructions"`
	MemberIDs    []string `json:"member_ids"`
	CreatedAt    int64    `json:"created_at"`
}

// Config 是解析后的完整可运行配置，Agent 与 Team 共用同一结构，
// 以 Type 区分。Members 仅对 Team 有意义，按成员顺序排列。
type Config struct {
	Type         Type
	ID           string
	Name         string
	Instructions string
	Provider     string
	Model        string
	Members      []AgentRecord
}

var (
	// ErrNotFound 表示目录中不存在指定的可运行实体。
	ErrNotFound = xerrors.New(xerrors.CodeNotFound, "runnable not found")
)
