package runnable

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "mindloom/internal/errors"
)

// MySQLCatalog 使用 MySQL 保存 Agent 与 Team 目录。
type MySQLCatalog struct {
	db *sql.DB
}

// NewMySQLCatalog 创建一个新的 MySQLCatalog。
func NewMySQLCatalog(dsn string) (*MySQLCatalog, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	catalog := &MySQLCatalog{db: db}
	if err := catalog.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return catalog, nil
}

func (c *MySQLCatalog) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS agents (
        id VARCHAR(64) PRIMARY KEY,
        name VARCHAR(255) NOT NULL,
        description TEXT,
        provider VARCHAR(64) NOT NULL DEFAULT 'openai',
        model VARCHAR(128) NOT NULL DEFAULT '',
        instructions TEXT,
        created_at BIGINT NOT NULL,
        INDEX idx_agent_created (created_at)
)`,
		`CREATE TABLE IF NOT EXISTS teams (
        id VARCHAR(64) PRIMARY KEY,
        name VARCHAR(255) NOT NULL,
        description TEXT,
        instructions TEXT,
        created_at BIGINT NOT NULL,
        INDEX idx_team_created (created_at)
)`,
		`CREATE TABLE IF NOT EXISTS team_members (
        team_id VARCHAR(64) NOT NULL,
        agent_id VARCHAR(64) NOT NULL,
        position INT NOT NULL DEFAULT 0,
        PRIMARY KEY (team_id, agent_id),
        INDEX idx_team_member_team (team_id)
)`,
	}

	for _, stmt := range statements {
		if _, err := c.db.Exec(stmt); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化目录表失败")
		}
	}
	return nil
}

// CreateAgent 插入一条 Agent 记录。
func (c *MySQLCatalog) CreateAgent(ctx context.Context, agent *AgentRecord) error {
	if agent == nil || strings.TrimSpace(agent.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent 缺少 ID")
	}
	if agent.CreatedAt == 0 {
		agent.CreatedAt = time.Now().Unix()
	}
	const stmt = `INSERT INTO agents (id, name, description, provider, model, instructions, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := c.db.ExecContext(ctx, stmt,
		agent.ID, agent.Name, agent.Description, agent.Provider, agent.Model, agent.Instructions, agent.CreatedAt)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.New(xerrors.CodeConflict, "agent 已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入 agent 失败")
	}
	return nil
}

// GetAgent 返回指定 Agent。
func (c *MySQLCatalog) GetAgent(ctx context.Context, id string) (*AgentRecord, error) {
	const query = `SELECT id, name, description, provider, model, instructions, created_at FROM agents WHERE id = ?`
	row := c.db.QueryRowContext(ctx, query, id)
	agent, err := scanAgent(row.Scan)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return agent, nil
}

// ListAgents 按创建时间倒序返回 Agent。
func (c *MySQLCatalog) ListAgents(ctx context.Context, limit int) ([]*AgentRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT id, name, description, provider, model, instructions, created_at
        FROM agents ORDER BY created_at DESC, id DESC LIMIT ?`
	rows, err := c.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 agent 列表失败")
	}
	defer rows.Close()

	agents := make([]*AgentRecord, 0, limit)
	for rows.Next() {
		agent, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历 agent 列表失败")
	}
	return agents, nil
}

// CreateTeam 插入 Team 与成员关联，置于同一事务内。
func (c *MySQLCatalog) CreateTeam(ctx context.Context, team *TeamRecord) error {
	if team == nil || strings.TrimSpace(team.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "team 缺少 ID")
	}
	if team.CreatedAt == 0 {
		team.CreatedAt = time.Now().Unix()
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer func() { _ = tx.Rollback() }()

	const insertTeam = `INSERT INTO teams (id, name, description, instructions, created_at) VALUES (?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, insertTeam, team.ID, team.Name, team.Description, team.Instructions, team.CreatedAt); err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.New(xerrors.CodeConflict, "team 已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入 team 失败")
	}

	const insertMember = `INSERT INTO team_members (team_id, agent_id, position) VALUES (?, ?, ?)`
	for position, memberID := range team.MemberIDs {
		if _, err := tx.ExecContext(ctx, insertMember, team.ID, memberID, position); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入 team 成员失败")
		}
	}

	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

// GetTeam 返回指定 Team 及其成员 ID 列表。
func (c *MySQLCatalog) GetTeam(ctx context.Context, id string) (*TeamRecord, error) {
	const query = `SELECT id, name, description, instructions, created_at FROM teams WHERE id = ?`
	row := c.db.QueryRowContext(ctx, query, id)

	var team TeamRecord
	var description, instructions sql.NullString
	if err := row.Scan(&team.ID, &team.Name, &description, &instructions, &team.CreatedAt); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 team 失败")
	}
	team.Description = description.String
	team.Instructions = instructions.String

	const memberQuery = `SELECT agent_id FROM team_members WHERE team_id = ? ORDER BY position ASC`
	rows, err := c.db.QueryContext(ctx, memberQuery, id)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 team 成员失败")
	}
	defer rows.Close()
	for rows.Next() {
		var memberID string
		if err := rows.Scan(&memberID); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 team 成员失败")
		}
		team.MemberIDs = append(team.MemberIDs, memberID)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历 team 成员失败")
	}
	return &team, nil
}

// ListTeams 按创建时间倒序返回 Team。
func (c *MySQLCatalog) ListTeams(ctx context.Context, limit int) ([]*TeamRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT id, name, description, instructions, created_at
        FROM teams ORDER BY created_at DESC, id DESC LIMIT ?`
	rows, err := c.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 team 列表失败")
	}
	defer rows.Close()

	teams := make([]*TeamRecord, 0, limit)
	for rows.Next() {
		var team TeamRecord
		var description, instructions sql.NullString
		if err := rows.Scan(&team.ID, &team.Name, &description, &instructions, &team.CreatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 team 失败")
		}
		team.Description = description.String
		team.Instructions = instructions.String
		teams = append(teams, &team)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历 team 列表失败")
	}
	return teams, nil
}

// ListTeamMembers 按 position 顺序返回 Team 的全部 Agent。
func (c *MySQLCatalog) ListTeamMembers(ctx context.Context, teamID string) ([]*AgentRecord, error) {
	const query = `SELECT a.id, a.name, a.description, a.provider, a.model, a.instructions, a.created_at
        FROM team_members tm JOIN agents a ON a.id = tm.agent_id
        WHERE tm.team_id = ? ORDER BY tm.position ASC`
	rows, err := c.db.QueryContext(ctx, query, teamID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 team 成员失败")
	}
	defer rows.Close()

	members := make([]*AgentRecord, 0, 4)
	for rows.Next() {
		agent, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, err
		}
		members = append(members, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历 team 成员失败")
	}
	return members, nil
}

// Close 关闭底层数据库连接。
func (c *MySQLCatalog) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func scanAgent(scan func(dest ...any) error) (*AgentRecord, error) {
	var agent AgentRecord
	var description, instructions sql.NullString
	if err := scan(&agent.ID, &agent.Name, &description, &agent.Provider, &agent.Model, &instructions, &agent.CreatedAt); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 agent 记录失败")
	}
	agent.Description = description.String
	agent.Instructions = instructions.String
	return &agent, nil
}

var _ Catalog = (*MySQLCatalog)(nil)
