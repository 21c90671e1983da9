package main

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"mindloom/internal/api"
	"mindloom/internal/config"
	"mindloom/internal/launcher"
	"mindloom/internal/pubsub"
	"mindloom/internal/run"
	"mindloom/internal/runnable"
	"mindloom/pkg/logger"
)

// main 是 mindloom 控制面守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx); err != nil && !stdErrors.Is(err, context.Canceled) {
		log.Fatalf("mindloomd 运行失败: %v", err)
	}
}

func serve(ctx context.Context) error {
	configPath := os.Getenv("MINDLOOM_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "mindloom.yaml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	runStore, err := createRunStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = runStore.Close() }()

	catalog, err := createCatalog(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = catalog.Close() }()

	broker, err := createBroker(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = broker.Close() }()

	jobLauncher, err := createLauncher(cfg)
	if err != nil {
		return err
	}

	secrets := launcher.Secrets{
		DatabaseDSN:   cfg.Storage.Runs.DSN,
		RedisAddr:     cfg.Broker.Redis.Address,
		RedisPassword: cfg.Broker.Redis.Password,
		RedisDB:       strconv.Itoa(cfg.Broker.Redis.DB),
		OpenAIAPIKey:  cfg.LLM.APIKey,
		OpenAIBaseURL: cfg.LLM.BaseURL,
		OpenAIModel:   cfg.LLM.Model,

		AlertChannels:     strings.Join(cfg.Alerting.Channels, ","),
		AlertSlackChannel: cfg.Alerting.SlackChannelID,
		AlertWebhookURL:   cfg.Alerting.WebhookURL,
	}

	service := run.NewService(runStore, jobLauncher, secrets)

	logStore, _ := runStore.(run.LogStore)
	server := api.NewServer(cfg.Server.Address, service, catalog, broker, logStore)
	return server.Start(ctx)
}

func createRunStore(cfg *config.Config) (run.Store, error) {
	switch cfg.Storage.Runs.Driver {
	case "memory":
		return run.NewMemoryStore(), nil
	case "mysql":
		return run.NewMySQLStore(cfg.Storage.Runs.DSN)
	default:
		return nil, fmt.Errorf("未知的运行存储驱动: %s", cfg.Storage.Runs.Driver)
	}
}

func createCatalog(cfg *config.Config) (runnable.Catalog, error) {
	switch cfg.Storage.Catalog.Driver {
	case "memory":
		return runnable.NewMemoryCatalog(), nil
	case "mysql":
		return runnable.NewMySQLCatalog(cfg.Storage.Catalog.DSN)
	default:
		return nil, fmt.Errorf("未知的目录存储驱动: %s", cfg.Storage.Catalog.Driver)
	}
}

func createBroker(ctx context.Context, cfg *config.Config) (pubsub.Broker, error) {
	switch cfg.Broker.Driver {
	case "memory":
		return pubsub.NewMemoryBroker(), nil
	case "redis":
		return pubsub.NewRedisBroker(ctx, pubsub.RedisConfig{
			Address:  cfg.Broker.Redis.Address,
			Password: cfg.Broker.Redis.Password,
			DB:       cfg.Broker.Redis.DB,
		})
	case "rabbitmq":
		return pubsub.NewRabbitBroker(pubsub.RabbitConfig{
			URL:      cfg.Broker.RabbitMQ.URL,
			Exchange: cfg.Broker.RabbitMQ.Exchange,
		})
	default:
		return nil, fmt.Errorf("未知的消息代理驱动: %s", cfg.Broker.Driver)
	}
}

func createLauncher(cfg *config.Config) (launcher.Launcher, error) {
	switch cfg.Launcher.Driver {
	case "kubernetes":
		return launcher.NewKubernetesLauncher(launcher.KubernetesConfig{
			Namespace:               cfg.Launcher.Kubernetes.Namespace,
			Image:                   cfg.Launcher.Kubernetes.Image,
			ServiceAccount:          cfg.Launcher.Kubernetes.ServiceAccount,
			BackoffLimit:            cfg.Launcher.Kubernetes.BackoffLimit,
			TTLSecondsAfterFinished: cfg.Launcher.Kubernetes.TTLSecondsAfterFinished,
			CPULimit:                cfg.Launcher.Kubernetes.CPULimit,
			MemoryLimit:             cfg.Launcher.Kubernetes.MemoryLimit,
		})
	case "process":
		return launcher.NewProcessLauncher(cfg.Launcher.Process.ExecutorPath)
	default:
		return nil, fmt.Errorf("未知的启动器驱动: %s", cfg.Launcher.Driver)
	}
}
