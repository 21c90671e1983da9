package launcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"

	xerrors "mindloom/internal/errors"
	"mindloom/pkg/logger"
)

// ProcessLauncher 在本机直接拉起执行器进程，用于开发与测试环境。
// 环境变量契约与 Kubernetes 启动器完全一致。
type ProcessLauncher struct {
	executorPath string
	log          *slog.Logger
}

// NewProcessLauncher 创建本地进程启动器。
func NewProcessLauncher(executorPath string) (*ProcessLauncher, error) {
	if executorPath == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "执行器二进制路径不能为空")
	}
	resolved, err := exec.LookPath(executorPath)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "执行器二进制不可用")
	}
	return &ProcessLauncher{
		executorPath: resolved,
		log:          logger.Named("launcher.process"),
	}, nil
}

// Launch 实现 Launcher 接口。进程在后台运行并被异步回收，
// 终态由执行器自己写入存储。
func (l *ProcessLauncher) Launch(_ context.Context, spec Spec) (Handle, error) {
	env, err := BuildEnv(spec)
	if err != nil {
		return Handle{}, err
	}

	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	cmd := exec.Command(l.executorPath)
	cmd.Env = os.Environ()
	for _, key := range keys {
		cmd.Env = append(cmd.Env, key+"="+env[key])
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return Handle{}, xerrors.Wrap(xerrors.CodeLaunchFailure, err, "启动执行器进程失败")
	}

	pid := cmd.Process.Pid
	l.log.Info("已启动执行器进程",
		slog.Int("pid", pid),
		slog.String("run_id", spec.RunID),
	)

	go func() {
		if waitErr := cmd.Wait(); waitErr != nil {
			l.log.Warn("执行器进程以非零状态退出",
				slog.Int("pid", pid),
				slog.String("run_id", spec.RunID),
				slog.Any("error", waitErr),
			)
		}
	}()
	return Handle{ID: fmt.Sprintf("pid-%d", pid)}, nil
}

var _ Launcher = (*ProcessLauncher)(nil)
