package executor

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"io"
	"log/slog"
	"time"

	xerrors "mindloom/internal/errors"
	"mindloom/internal/llm"
	"mindloom/internal/observability/alerting"
	"mindloom/internal/pubsub"
	"mindloom/internal/run"
	"mindloom/internal/runnable"
)

// 进程退出码约定：只有 COMPLETED 返回 0。
const (
	ExitCompleted = 0
	ExitFailed    = 1
	ExitSetup     = 2
)

// Executor 驱动单次运行从 RUNNING 走到终态。
// 它是终态写入的唯一权威：网关层只转发它发布的内容。
type Executor struct {
	runID      string
	input      map[string]any
	store      run.Store
	broker     pubsub.Broker
	resolver   runnable.Resolver
	client     llm.Client
	dispatcher alerting.Dispatcher
	log        *slog.Logger
}

// Options 汇总 Executor 的依赖。Client 与 Dispatcher 可以为 nil：
// 缺失的模型凭据按配置错误处理，缺失的告警通道直接跳过。
type Options struct {
	RunID      string
	Input      map[string]any
	Store      run.Store
	Broker     pubsub.Broker
	Resolver   runnable.Resolver
	Client     llm.Client
	Dispatcher alerting.Dispatcher
	Logger     *slog.Logger
}

// New 创建 Executor。
func New(opts Options) (*Executor, error) {
	if opts.RunID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少运行 ID")
	}
	if opts.Store == nil || opts.Broker == nil || opts.Resolver == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "执行器依赖不完整")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		runID:      opts.RunID,
		input:      opts.Input,
		store:      opts.Store,
		broker:     opts.Broker,
		resolver:   opts.Resolver,
		client:     opts.Client,
		dispatcher: opts.Dispatcher,
		log:        log,
	}, nil
}

// Execute 完整执行一次运行并返回进程退出码。
// 终态提交发生在终止标记发布之前；提交失败只记录日志，
// 终止标记无论如何都会发布，保证客户端及时看到流结束。
func (e *Executor) Execute(ctx context.Context) int {
	record, err := e.store.Get(ctx, e.runID)
	if err != nil {
		if stdErrors.Is(err, run.ErrRunNotFound) {
			e.log.Error("运行不存在", slog.String("run_id", e.runID))
		} else {
			e.log.Error("读取运行记录失败", slog.String("run_id", e.runID), slog.Any("error", err))
		}
		return ExitSetup
	}

	// 幂等保护：作业层可能重复拉起执行器，终态运行直接按原状态退出。
	if run.IsTerminal(record.Status) {
		e.log.Info("运行已处于终态，跳过执行",
			slog.String("run_id", e.runID),
			slog.String("status", string(record.Status)),
		)
		return run.ExitCode(record.Status)
	}

	if _, err := e.store.UpdateStatus(ctx, e.runID, run.StatusRunning, nil, ""); err != nil {
		// 没有持久化的 RUNNING 标记就不能继续执行。
		e.log.Error("提交 RUNNING 状态失败", slog.String("run_id", e.runID), slog.Any("error", err))
		return ExitSetup
	}
	e.log.Info("运行开始执行",
		slog.String("run_id", e.runID),
		slog.String("runnable_id", record.RunnableID),
		slog.String("runnable_type", string(record.RunnableType)),
	)

	finalStatus, output, errMsg := e.executeRunnable(ctx, record)

	// 恰好一次的终态提交。失败时大声记录但继续走终止标记发布。
	commitCtx, cancelCommit := context.WithTimeout(context.Background(), 10*time.Second)
	if _, err := e.store.UpdateStatus(commitCtx, e.runID, finalStatus, output, errMsg); err != nil {
		if stdErrors.Is(err, run.ErrRunTerminal) {
			e.log.Warn("终态已被其他写入方提交，放弃本次写入",
				slog.String("run_id", e.runID),
				slog.String("status", string(finalStatus)),
			)
		} else {
			e.log.Error("终态提交失败",
				slog.String("run_id", e.runID),
				slog.String("status", string(finalStatus)),
				slog.Any("error", err),
			)
		}
	}
	cancelCommit()

	e.publishEndMarker()

	if finalStatus == run.StatusFailed {
		e.emitAlert(record, errMsg)
	}

	e.log.Info("运行结束",
		slog.String("run_id", e.runID),
		slog.String("status", string(finalStatus)),
	)
	return run.ExitCode(finalStatus)
}

// executeRunnable 解析、构建并消费可运行实体的增量输出。
// 这一阶段的任何错误都被分类吸收为终态，不会让进程崩溃。
func (e *Executor) executeRunnable(ctx context.Context, record *run.Run) (run.Status, map[string]any, string) {
	cfg, err := e.resolver.Resolve(ctx, record.RunnableType, record.RunnableID)
	if err != nil {
		e.log.Error("解析 runnable 配置失败", slog.String("run_id", e.runID), slog.Any("error", err))
		return e.classify(ctx, err)
	}

	if e.client == nil {
		err := xerrors.New(xerrors.CodeRunnableConfig, "缺少大模型凭据，无法实例化 runnable")
		e.log.Error("实例化 runnable 失败", slog.String("run_id", e.runID), slog.Any("error", err))
		return e.classify(ctx, err)
	}

	instance, err := runnable.Build(cfg, e.client)
	if err != nil {
		e.log.Error("实例化 runnable 失败", slog.String("run_id", e.runID), slog.Any("error", err))
		return e.classify(ctx, err)
	}

	stream, err := instance.Run(ctx, e.input)
	if err != nil {
		e.log.Error("启动执行失败", slog.String("run_id", e.runID), slog.Any("error", err))
		return e.classify(ctx, err)
	}

	channel := pubsub.ResultsChannel(e.runID)
	var lastChunk runnable.Chunk
	for {
		chunk, err := stream.Next(ctx)
		if stdErrors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			e.log.Error("执行过程出错", slog.String("run_id", e.runID), slog.Any("error", err))
			return e.classify(ctx, err)
		}

		payload, marshalErr := json.Marshal(chunk)
		if marshalErr != nil {
			// 序列化失败不终止运行，降级为占位块。
			e.log.Warn("结果块无法序列化，使用占位块代替",
				slog.String("run_id", e.runID),
				slog.Any("error", marshalErr),
			)
			chunk = runnable.Chunk{
				"error":  "output not JSON serializable",
				"detail": marshalErr.Error(),
			}
			payload, _ = json.Marshal(chunk)
		}

		// 结果块的发布是同步等待的，保证终止标记不会越过数据块。
		if publishErr := e.broker.Publish(ctx, channel, payload); publishErr != nil {
			e.log.Warn("结果块发布失败",
				slog.String("run_id", e.runID),
				slog.Any("error", publishErr),
			)
		}
		lastChunk = chunk
	}

	// 空序列按成功处理，输出为空对象。
	output := map[string]any(lastChunk)
	if output == nil {
		output = map[string]any{}
	}
	return run.StatusCompleted, output, ""
}

// classify 把执行期错误映射为终态。取消信号映射为 CANCELLED，
// 其余一律 FAILED，错误文本同时进入 output_data 与 error_message。
func (e *Executor) classify(ctx context.Context, err error) (run.Status, map[string]any, string) {
	message := err.Error()
	status := run.StatusFailed
	if ctx.Err() != nil || stdErrors.Is(err, context.Canceled) || xerrors.CodeOf(err) == xerrors.CodeCancelled {
		status = run.StatusCancelled
	}
	return status, map[string]any{"error": message}, message
}

// publishEndMarker 发布终止标记。即便终态提交失败也必须发布，
// 它是客户端唯一的流结束信号。
func (e *Executor) publishEndMarker() {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := e.broker.Publish(ctx, pubsub.ResultsChannel(e.runID), pubsub.EndMarker); err != nil {
		e.log.Error("终止标记发布失败", slog.String("run_id", e.runID), slog.Any("error", err))
	}
}

func (e *Executor) emitAlert(record *run.Run, message string) {
	if e.dispatcher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	event := alerting.Event{
		Code:         xerrors.CodeExecutionFailure,
		Message:      message,
		Severity:     xerrors.SeverityWarning,
		RunID:        e.runID,
		RunnableID:   record.RunnableID,
		RunnableType: string(record.RunnableType),
		OccurredAt:   time.Now(),
	}
	if err := e.dispatcher.Notify(ctx, event); err != nil {
		e.log.Warn("告警发送失败", slog.String("run_id", e.runID), slog.Any("error", err))
	}
}
