package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	xerrors "mindloom/internal/errors"
)

// Config 描述控制面进程在启动阶段需要加载的全部配置。
// 字段值支持 ${VAR} 形式的环境变量引用，连接凭据应当只通过环境注入。
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Broker   BrokerConfig   `yaml:"broker"`
	Launcher LauncherConfig `yaml:"launcher"`
	LLM      LLMConfig      `yaml:"llm"`
	Logging  LoggingConfig  `yaml:"logging"`
	Alerting AlertingConfig `yaml:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `yaml:"address"`
}

// StorageConfig 描述运行存储与目录存储的后端选择。
type StorageConfig struct {
	Runs    DriverConfig `yaml:"runs"`
	Catalog DriverConfig `yaml:"catalog"`
}

// DriverConfig 是 memory 与 mysql 两种后端的统一描述。
type DriverConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// BrokerConfig 描述结果与日志流使用的消息代理。
type BrokerConfig struct {
	Driver   string         `yaml:"driver"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// RedisConfig 描述 Redis 连接参数。
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RabbitMQConfig 描述 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// LauncherConfig 描述执行器作业的启动方式。
type LauncherConfig struct {
	Driver     string           `yaml:"driver"`
	Kubernetes KubernetesConfig `yaml:"kubernetes"`
	Process    ProcessConfig    `yaml:"process"`
}

// KubernetesConfig 描述 Kubernetes Job 启动器参数。
type KubernetesConfig struct {
	Namespace               string `yaml:"namespace"`
	Image                   string `yaml:"image"`
	ServiceAccount          string `yaml:"service_account"`
	BackoffLimit            int32  `yaml:"backoff_limit"`
	TTLSecondsAfterFinished int32  `yaml:"ttl_seconds_after_finished"`
	CPULimit                string `yaml:"cpu_limit"`
	MemoryLimit             string `yaml:"memory_limit"`
}

// ProcessConfig 描述本地进程启动器参数，仅用于开发环境。
type ProcessConfig struct {
	ExecutorPath string `yaml:"executor_path"`
}

// LLMConfig 描述传递给执行器的大模型调用凭据。
type LLMConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// LoggingConfig 控制结构化日志输出。
type LoggingConfig struct {
	Level       string   `yaml:"level"`
	Format      string   `yaml:"format"`
	OutputPaths []string `yaml:"output_paths"`
	Audit       Audit    `yaml:"audit"`
}

// Audit 控制审计日志的落盘与轮转。
type Audit struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// AlertingConfig 描述失败告警的投递通道。
type AlertingConfig struct {
	Channels       []string `yaml:"channels"`
	SlackChannelID string   `yaml:"slack_channel_id"`
	WebhookURL     string   `yaml:"webhook_url"`
}

// Load 解析指定路径的 YAML 配置文件并填充默认值。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, fmt.Sprintf("读取配置文件失败: %s", path))
	}

	return Parse(content)
}

// Parse 解析配置内容。环境变量引用在反序列化之前展开。
func Parse(content []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(content))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析配置失败")
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.Runs.Driver == "" {
		c.Storage.Runs.Driver = "memory"
	}
	if c.Storage.Catalog.Driver == "" {
		c.Storage.Catalog.Driver = c.Storage.Runs.Driver
	}
	if c.Storage.Catalog.DSN == "" {
		c.Storage.Catalog.DSN = c.Storage.Runs.DSN
	}

	if c.Broker.Driver == "" {
		c.Broker.Driver = "memory"
	}
	if c.Broker.RabbitMQ.Exchange == "" {
		c.Broker.RabbitMQ.Exchange = "mindloom.streams"
	}

	if c.Launcher.Driver == "" {
		c.Launcher.Driver = "process"
	}
	if c.Launcher.Process.ExecutorPath == "" {
		c.Launcher.Process.ExecutorPath = "mindloom-executor"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if len(c.Alerting.Channels) == 0 {
		c.Alerting.Channels = []string{"log"}
	}
}

// validate 捕获会在运行中途才暴露的配置组合错误。
func (c *Config) validate() error {
	switch c.Storage.Runs.Driver {
	case "memory":
	case "mysql":
		if c.Storage.Runs.DSN == "" {
			return xerrors.New(xerrors.CodeInitializationFailure, "storage.runs.dsn 不能为空")
		}
	default:
		return xerrors.New(xerrors.CodeInitializationFailure, "不支持的运行存储驱动: "+c.Storage.Runs.Driver)
	}

	switch c.Storage.Catalog.Driver {
	case "memory":
	case "mysql":
		if c.Storage.Catalog.DSN == "" {
			return xerrors.New(xerrors.CodeInitializationFailure, "storage.catalog.dsn 不能为空")
		}
	default:
		return xerrors.New(xerrors.CodeInitializationFailure, "不支持的目录存储驱动: "+c.Storage.Catalog.Driver)
	}

	switch c.Broker.Driver {
	case "memory":
	case "redis":
		if c.Broker.Redis.Address == "" {
			return xerrors.New(xerrors.CodeInitializationFailure, "broker.redis.address 不能为空")
		}
	case "rabbitmq":
		if c.Broker.RabbitMQ.URL == "" {
			return xerrors.New(xerrors.CodeInitializationFailure, "broker.rabbitmq.url 不能为空")
		}
	default:
		return xerrors.New(xerrors.CodeInitializationFailure, "不支持的消息代理驱动: "+c.Broker.Driver)
	}

	switch c.Launcher.Driver {
	case "kubernetes":
		if c.Launcher.Kubernetes.Image == "" {
			return xerrors.New(xerrors.CodeInitializationFailure, "launcher.kubernetes.image 不能为空")
		}
	case "process":
	default:
		return xerrors.New(xerrors.CodeInitializationFailure, "不支持的启动器驱动: "+c.Launcher.Driver)
	}

	return nil
}
