package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"mindloom/internal/executor"
	"mindloom/internal/llm"
	"mindloom/internal/llm/openai"
	"mindloom/internal/observability/alerting"
	"mindloom/internal/pubsub"
	"mindloom/internal/run"
	"mindloom/internal/runnable"
)

// main 是执行器进程的入口。每次作业只执行一个运行，
// 进程退出码反映运行的终态：COMPLETED 为 0，其余终态为 1，
// 环境或依赖初始化失败为 2。
func main() {
	os.Exit(realMain())
}

func realMain() int {
	// SIGTERM 触发上下文取消，运行会以 CANCELLED 落盘。
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bootLog := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	env, err := executor.ParseEnvironment()
	if err != nil {
		bootLog.Error("解析执行器环境失败", slog.Any("error", err))
		return executor.ExitSetup
	}

	store, err := run.NewMySQLStore(env.DatabaseDSN)
	if err != nil {
		bootLog.Error("连接运行存储失败", slog.String("run_id", env.RunID), slog.Any("error", err))
		return executor.ExitSetup
	}
	defer func() { _ = store.Close() }()

	// 运行存储连上之后，任何依赖初始化失败都要尽力把运行落为
	// FAILED 再退出，避免留下一条永远 PENDING 的记录。
	failSetup := func(message string, cause error) int {
		bootLog.Error(message, slog.String("run_id", env.RunID), slog.Any("error", cause))
		if markErr := executor.MarkSetupFailure(store, env.RunID, cause); markErr != nil {
			bootLog.Error("标记运行失败状态未成功", slog.String("run_id", env.RunID), slog.Any("error", markErr))
		}
		return executor.ExitSetup
	}

	broker, err := createBroker(ctx, env, bootLog)
	if err != nil {
		return failSetup("连接消息代理失败", err)
	}
	defer func() { _ = broker.Close() }()

	catalog, err := runnable.NewMySQLCatalog(env.DatabaseDSN)
	if err != nil {
		return failSetup("连接目录存储失败", err)
	}
	defer func() { _ = catalog.Close() }()

	var client llm.Client
	if env.OpenAIAPIKey != "" {
		openaiClient, err := openai.NewClient(openai.Config{
			APIKey:  env.OpenAIAPIKey,
			BaseURL: env.OpenAIBaseURL,
			Model:   env.OpenAIModel,
		})
		if err != nil {
			return failSetup("初始化模型客户端失败", err)
		}
		client = openaiClient
	}

	runLogger := executor.NewRunLogger(
		slog.NewJSONHandler(os.Stdout, nil),
		broker,
		store,
		env.RunID,
	)

	exec, err := executor.New(executor.Options{
		RunID:    env.RunID,
		Input:    env.InputVariables,
		Store:    store,
		Broker:   broker,
		Resolver: runnable.NewCatalogResolver(catalog),
		Client:   client,
		Dispatcher: alerting.NewFromConfig(alerting.Config{
			Channels:       env.AlertChannels,
			SlackChannelID: env.AlertSlackChannel,
			WebhookURL:     env.AlertWebhookURL,
		}),
		Logger: runLogger,
	})
	if err != nil {
		return failSetup("初始化执行器失败", err)
	}

	return exec.Execute(ctx)
}

// createBroker 根据环境决定消息代理。未配置 Redis 时以空 broker 降级，
// 运行照常执行，只是没有实时流。
func createBroker(ctx context.Context, env *executor.Environment, log *slog.Logger) (pubsub.Broker, error) {
	if env.RedisAddr == "" {
		log.Warn("未配置 REDIS_ADDR，流式输出被禁用", slog.String("run_id", env.RunID))
		return pubsub.NewNopBroker(), nil
	}
	return pubsub.NewRedisBroker(ctx, pubsub.RedisConfig{
		Address:  env.RedisAddr,
		Password: env.RedisPassword,
		DB:       env.RedisDB,
	})
}
