package run

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "mindloom/internal/errors"
	"mindloom/internal/launcher"
	"mindloom/internal/runnable"
	"mindloom/pkg/logger"
)

// StartRequest 描述一次运行创建请求。
type StartRequest struct {
	RunnableID     string         `json:"runnable_id"`
	RunnableType   string         `json:"runnable_type"`
	InputVariables map[string]any `json:"input_variables,omitempty"`
}

// Service 负责运行的创建、作业启动与查询。
// 终态写入由执行器独占，服务层只在作业启动失败时标记 FAILED。
type Service struct {
	store    Store
	launcher launcher.Launcher
	secrets  launcher.Secrets
}

// NewService 构造运行服务。
func NewService(store Store, jobLauncher launcher.Launcher, secrets launcher.Secrets) *Service {
	return &Service{store: store, launcher: jobLauncher, secrets: secrets}
}

// Create 校验请求并持久化一条 PENDING 运行，不提交作业。
// 网关用它在作业启动之前先建立结果订阅。
func (s *Service) Create(ctx context.Context, req StartRequest) (*Run, error) {
	if s.store == nil || s.launcher == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行服务未初始化")
	}

	typ, err := runnable.ParseType(req.RunnableType)
	if err != nil {
		return nil, xerrors.Wrap(CodeRunValidation, err, "runnable_type 不合法")
	}
	if strings.TrimSpace(req.RunnableID) == "" {
		return nil, xerrors.New(CodeRunValidation, "runnable_id 不能为空")
	}

	run := NewRun(uuid.NewString(), req.RunnableID, typ, req.InputVariables, time.Now().Unix())
	if err := s.store.Create(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// Start 校验请求、持久化 PENDING 运行并同步提交作业。
// 作业启动失败时运行被标记为 FAILED，原始调度错误写入 error_message。
func (s *Service) Start(ctx context.Context, req StartRequest) (*Run, error) {
	run, err := s.Create(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := s.Launch(ctx, run); err != nil {
		return nil, err
	}

	logger.Audit().Info("运行已创建并提交",
		slog.String("run_id", run.ID),
		slog.String("runnable_id", run.RunnableID),
		slog.String("runnable_type", string(run.RunnableType)),
	)
	return run, nil
}

// Launch 为已持久化的运行提交作业。
func (s *Service) Launch(ctx context.Context, run *Run) error {
	spec := launcher.Spec{
		RunID:          run.ID,
		RunnableType:   run.RunnableType,
		RunnableID:     run.RunnableID,
		InputVariables: run.InputVariables,
		Secrets:        s.secrets,
	}
	if _, err := s.launcher.Launch(ctx, spec); err != nil {
		logger.L().Error("作业启动失败",
			slog.String("run_id", run.ID),
			slog.Any("error", err),
		)
		wrapped := xerrors.Wrap(xerrors.CodeLaunchFailure, err, "启动执行器作业失败")
		if _, markErr := s.store.UpdateStatus(ctx, run.ID, StatusFailed, nil, wrapped.Error()); markErr != nil {
			logger.L().Error("标记启动失败状态未成功",
				slog.String("run_id", run.ID),
				slog.Any("error", markErr),
			)
		}
		return wrapped
	}
	return nil
}

// MarkFailed 把尚未执行的运行落为 FAILED，错误文本写入 error_message。
func (s *Service) MarkFailed(ctx context.Context, id, message string) (*Run, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行存储未初始化")
	}
	return s.store.UpdateStatus(ctx, id, StatusFailed, nil, message)
}

// Get 返回指定运行。
func (s *Service) Get(ctx context.Context, id string) (*Run, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的运行列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Run, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行存储未初始化")
	}
	return s.store.List(ctx, opts...)
}

// Stats 返回运行统计信息。
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "运行存储未初始化")
	}
	return s.store.Stats(ctx)
}

// Close 释放底层存储。
func (s *Service) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}
