package run

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "mindloom/internal/errors"
	"mindloom/internal/runnable"
)

// MySQLStore 使用 MySQL 记录运行状态。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
        id VARCHAR(64) PRIMARY KEY,
        runnable_id VARCHAR(64) NOT NULL,
        runnable_type VARCHAR(16) NOT NULL,
        status VARCHAR(32) NOT NULL,
        input_variables TEXT,
        output_data TEXT,
        error_message TEXT,
        created_at BIGINT NOT NULL,
        started_at BIGINT NOT NULL DEFAULT 0,
        ended_at BIGINT NOT NULL DEFAULT 0,
        INDEX idx_run_status (status),
        INDEX idx_run_runnable (runnable_id),
        INDEX idx_run_created (created_at)
)`,
		`CREATE TABLE IF NOT EXISTS run_logs (
        id BIGINT AUTO_INCREMENT PRIMARY KEY,
        run_id VARCHAR(64) NOT NULL,
        ts BIGINT NOT NULL,
        level VARCHAR(16) NOT NULL,
        message TEXT NOT NULL,
        name VARCHAR(128) DEFAULT '',
        INDEX idx_run_log_run (run_id)
)`,
		`CREATE TABLE IF NOT EXISTS run_artifacts (
        id BIGINT AUTO_INCREMENT PRIMARY KEY,
        run_id VARCHAR(64) NOT NULL,
        name VARCHAR(255) NOT NULL,
        kind VARCHAR(64) DEFAULT '',
        locator TEXT NOT NULL,
        created_at BIGINT NOT NULL,
        INDEX idx_run_artifact_run (run_id)
)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化运行相关表失败")
		}
	}
	return nil
}

// Create 插入新的运行记录。状态恒为 PENDING。
func (s *MySQLStore) Create(ctx context.Context, run *Run) error {
	if run == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "run 不能为空")
	}
	if strings.TrimSpace(run.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "运行 ID 不能为空")
	}
	if !run.RunnableType.Valid() {
		return ErrRunValidation
	}

	if run.CreatedAt == 0 {
		run.CreatedAt = time.Now().Unix()
	}
	run.Status = StatusPending

	inputValue, err := marshalVariables(run.InputVariables)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码运行输入失败")
	}

	const stmt = `INSERT INTO runs
        (id, runnable_id, runnable_type, status, input_variables, output_data, error_message, created_at, started_at, ended_at)
        VALUES (?, ?, ?, ?, ?, NULL, '', ?, 0, 0)`

	_, err = s.db.ExecContext(ctx, stmt,
		run.ID,
		run.RunnableID,
		string(run.RunnableType),
		string(run.Status),
		inputValue,
		run.CreatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrRunConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入运行记录失败")
	}
	return nil
}

const runColumns = `id, runnable_id, runnable_type, status, input_variables, output_data, error_message, created_at, started_at, ended_at`

// Get 查询指定运行。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row.Scan)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return run, nil
}

// UpdateStatus 以条件更新的方式提交状态迁移，保证终态不被覆盖。
// 只有当前状态属于目标状态的合法前置状态时写入才会生效；
// 更新零行时重新读取记录并区分 NotFound、终态拒绝与普通冲突。
func (s *MySQLStore) UpdateStatus(ctx context.Context, id string, status Status, output map[string]any, errMsg string) (*Run, error) {
	if !IsValidStatus(status) {
		return nil, ErrRunValidation
	}
	sources := transitionSources(status)
	if len(sources) == 0 {
		return nil, ErrRunValidation
	}
	if IsTerminal(status) && output == nil && errMsg == "" {
		return nil, xerrors.New(CodeRunValidation, "终态必须携带输出或错误信息")
	}

	now := time.Now().Unix()
	placeholders := make([]string, 0, len(sources))
	for range sources {
		placeholders = append(placeholders, "?")
	}
	guard := fmt.Sprintf("WHERE id = ? AND status IN (%s)", strings.Join(placeholders, ","))

	var (
		res sql.Result
		err error
	)
	if IsTerminal(status) {
		outputValue, marshalErr := marshalVariables(output)
		if marshalErr != nil {
			return nil, xerrors.Wrap(xerrors.CodeSerialization, marshalErr, "编码运行输出失败")
		}
		stmt := `UPDATE runs SET status = ?, output_data = ?, error_message = ?, ended_at = IF(ended_at = 0, ?, ended_at) ` + guard
		args := []any{string(status), outputValue, errMsg, now, id}
		for _, source := range sources {
			args = append(args, string(source))
		}
		res, err = s.db.ExecContext(ctx, stmt, args...)
	} else {
		stmt := `UPDATE runs SET status = ?, started_at = IF(started_at = 0, ?, started_at) ` + guard
		args := []any{string(status), now, id}
		for _, source := range sources {
			args = append(args, string(source))
		}
		res, err = s.db.ExecContext(ctx, stmt, args...)
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新运行状态失败")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		run, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if IsTerminal(run.Status) {
			return run, ErrRunTerminal
		}
		return run, ErrRunConflict
	}
	return s.Get(ctx, id)
}

// List 按创建时间倒序返回运行记录。
func (s *MySQLStore) List(ctx context.Context, opts ...ListOption) ([]*Run, error) {
	options := buildListOptions(opts)

	query := `SELECT ` + runColumns + ` FROM runs`
	clause, filterArgs := buildRunFilterClause(options)
	if clause != "" {
		query += " WHERE " + clause
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args := append(filterArgs, options.Limit, options.Skip)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询运行列表失败")
	}
	defer rows.Close()

	runs := make([]*Run, 0, options.Limit)
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历运行列表失败")
	}
	return runs, nil
}

// Stats 按状态聚合运行数量。
func (s *MySQLStore) Stats(ctx context.Context) (Stats, error) {
	const query = `SELECT
        COUNT(*) AS total,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS pending,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS running,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS completed,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS failed,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS cancelled
        FROM runs`

	row := s.db.QueryRowContext(ctx, query,
		string(StatusPending),
		string(StatusRunning),
		string(StatusCompleted),
		string(StatusFailed),
		string(StatusCancelled),
	)

	var stats Stats
	var pending, running, completed, failed, cancelled sql.NullInt64
	if err := row.Scan(&stats.Total, &pending, &running, &completed, &failed, &cancelled); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询运行统计失败")
	}
	stats.Pending = pending.Int64
	stats.Running = running.Int64
	stats.Completed = completed.Int64
	stats.Failed = failed.Int64
	stats.Cancelled = cancelled.Int64
	return stats, nil
}

// AppendLog 写入一条持久化日志。调用方应容忍写入失败。
func (s *MySQLStore) AppendLog(ctx context.Context, record *LogRecord) error {
	if record == nil || record.RunID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "日志记录缺少运行 ID")
	}
	if record.Timestamp == 0 {
		record.Timestamp = time.Now().Unix()
	}
	const stmt = `INSERT INTO run_logs (run_id, ts, level, message, name) VALUES (?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt, record.RunID, record.Timestamp, record.Level, record.Message, record.Name); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入运行日志失败")
	}
	return nil
}

// ListLogs 按写入顺序返回持久化日志。
func (s *MySQLStore) ListLogs(ctx context.Context, runID string, limit int) ([]*LogRecord, error) {
	if limit <= 0 {
		limit = 200
	}
	const query = `SELECT id, run_id, ts, level, message, name FROM run_logs WHERE run_id = ? ORDER BY id ASC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, runID, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询运行日志失败")
	}
	defer rows.Close()

	records := make([]*LogRecord, 0, limit)
	for rows.Next() {
		var record LogRecord
		if err := rows.Scan(&record.ID, &record.RunID, &record.Timestamp, &record.Level, &record.Message, &record.Name); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析运行日志失败")
		}
		records = append(records, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历运行日志失败")
	}
	return records, nil
}

// AddArtifact 写入一条工件元数据。
func (s *MySQLStore) AddArtifact(ctx context.Context, artifact *Artifact) error {
	if artifact == nil || artifact.RunID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "工件缺少运行 ID")
	}
	if artifact.CreatedAt == 0 {
		artifact.CreatedAt = time.Now().Unix()
	}
	const stmt = `INSERT INTO run_artifacts (run_id, name, kind, locator, created_at) VALUES (?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt, artifact.RunID, artifact.Name, artifact.Kind, artifact.Locator, artifact.CreatedAt); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入运行工件失败")
	}
	return nil
}

// ListArtifacts 返回运行关联的工件。
func (s *MySQLStore) ListArtifacts(ctx context.Context, runID string) ([]*Artifact, error) {
	const query = `SELECT id, run_id, name, kind, locator, created_at FROM run_artifacts WHERE run_id = ? ORDER BY id ASC`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询运行工件失败")
	}
	defer rows.Close()

	artifacts := make([]*Artifact, 0, 4)
	for rows.Next() {
		var artifact Artifact
		if err := rows.Scan(&artifact.ID, &artifact.RunID, &artifact.Name, &artifact.Kind, &artifact.Locator, &artifact.CreatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析运行工件失败")
		}
		artifacts = append(artifacts, &artifact)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历运行工件失败")
	}
	return artifacts, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanRun(scan func(dest ...any) error) (*Run, error) {
	var run Run
	var runnableType string
	var status string
	var input, output sql.NullString
	var errMsg sql.NullString

	if err := scan(
		&run.ID,
		&run.RunnableID,
		&runnableType,
		&status,
		&input,
		&output,
		&errMsg,
		&run.CreatedAt,
		&run.StartedAt,
		&run.EndedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析运行记录失败")
	}

	run.RunnableType = runnable.Type(runnableType)
	run.Status = Status(status)
	run.ErrorMessage = errMsg.String

	decodedInput, err := unmarshalVariables(input)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析运行输入失败")
	}
	run.InputVariables = decodedInput

	decodedOutput, err := unmarshalVariables(output)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析运行输出失败")
	}
	run.OutputData = decodedOutput
	return &run, nil
}

func marshalVariables(vars map[string]any) (sql.NullString, error) {
	if len(vars) == 0 {
		if vars == nil {
			return sql.NullString{}, nil
		}
		return sql.NullString{String: "{}", Valid: true}, nil
	}
	bytes, err := json.Marshal(vars)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func unmarshalVariables(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var vars map[string]any
	if err := json.Unmarshal([]byte(raw.String), &vars); err != nil {
		return nil, err
	}
	return vars, nil
}

func buildRunFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 2)
	args := make([]any, 0, 4)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for range opts.Statuses {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
		for _, status := range opts.Statuses {
			args = append(args, string(status))
		}
	}
	if opts.RunnableID != "" {
		conditions = append(conditions, "runnable_id = ?")
		args = append(args, opts.RunnableID)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var (
	_ Store         = (*MySQLStore)(nil)
	_ LogStore      = (*MySQLStore)(nil)
	_ ArtifactStore = (*MySQLStore)(nil)
)
