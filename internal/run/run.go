package run

import (
	xerrors "mindloom/internal/errors"
	"mindloom/internal/runnable"
)

// Status 表示运行在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Run 描述一次可运行实体（Agent 或 Team）的执行请求。
type Run struct {
	ID             string         `json:"id"`
	RunnableID     string         `json:"runnable_id"`
	RunnableType   runnable.Type  `json:"runnable_type"`
	Status         Status         `json:"status"`
	InputVariables map[string]any `json:"input_variables,omitempty"`
	OutputData     map[string]any `json:"output_data,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	CreatedAt      int64          `json:"created_at"`
	StartedAt      int64          `json:"started_at,omitempty"`
	EndedAt        int64          `json:"ended_at,omitempty"`
}

// LogRecord 是流式日志的持久化副本，仅用于事后审计。
type LogRecord struct {
	ID        int64  `json:"id"`
	RunID     string `json:"run_id"`
	Timestamp int64  `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Name      string `json:"name"`
}

// Artifact 记录一次运行产出的外部工件引用。
type Artifact struct {
	ID        int64  `json:"id"`
	RunID     string `json:"run_id"`
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Locator   string `json:"locator"`
	CreatedAt int64  `json:"created_at"`
}

var (
	// ErrRunNotFound 表示指定的运行不存在。
	ErrRunNotFound = xerrors.New(CodeRunNotFound, "run not found")
	// ErrRunConflict 表示状态机不允许所请求的状态变更。
	ErrRunConflict = xerrors.New(CodeRunConflict, "run status conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrRunTerminal 表示运行已处于终态，迟到的写入被拒绝。
	ErrRunTerminal = xerrors.New(CodeRunTerminal, "run already terminal", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrRunValidation 表示请求参数不合法。
	ErrRunValidation = xerrors.New(CodeRunValidation, "run validation failed", xerrors.WithSeverity(xerrors.SeverityInfo))
)

const (
	CodeRunNotFound   xerrors.Code = "RUN_NOT_FOUND"
	CodeRunConflict   xerrors.Code = "RUN_STATUS_CONFLICT"
	CodeRunTerminal   xerrors.Code = "RUN_TERMINAL"
	CodeRunValidation xerrors.Code = "RUN_VALIDATION_FAILED"
)

func init() {
	xerrors.Register(CodeRunNotFound, xerrors.Attributes{
		Message:   "run not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRunConflict, xerrors.Attributes{
		Message:   "run status conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRunTerminal, xerrors.Attributes{
		Message:   "run already terminal",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRunValidation, xerrors.Attributes{
		Message:   "run validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// IsValidStatus 检查给定的状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal 判断状态是否为终态。终态之后不允许任何状态迁移。
func IsTerminal(status Status) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition 判断状态机是否允许 from 到 to 的迁移。
// 合法迁移构成一个前向无环图：
//
//	pending -> running -> completed | failed | cancelled
//	pending -> failed（作业尚未启动即失败）
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusFailed
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	default:
		return false
	}
}

// transitionSources 返回允许迁移到 to 的全部前置状态，供条件更新使用。
func transitionSources(to Status) []Status {
	switch to {
	case StatusRunning:
		return []Status{StatusPending}
	case StatusCompleted, StatusCancelled:
		return []Status{StatusRunning}
	case StatusFailed:
		return []Status{StatusPending, StatusRunning}
	default:
		return nil
	}
}

// ExitCode 返回终态对应的进程退出码。非终态返回 -1。
func ExitCode(status Status) int {
	switch status {
	case StatusCompleted:
		return 0
	case StatusFailed, StatusCancelled:
		return 1
	default:
		return -1
	}
}

func cloneVariables(vars map[string]any) map[string]any {
	if vars == nil {
		return nil
	}
	cloned := make(map[string]any, len(vars))
	for key, value := range vars {
		cloned[key] = value
	}
	return cloned
}

func (r *Run) clone() *Run {
	if r == nil {
		return nil
	}
	cloned := *r
	cloned.InputVariables = cloneVariables(r.InputVariables)
	cloned.OutputData = cloneVariables(r.OutputData)
	return &cloned
}
