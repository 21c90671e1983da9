package launcher

import (
	"context"
	"encoding/json"

	xerrors "mindloom/internal/errors"
	"mindloom/internal/runnable"
)

// 执行器进程的环境变量契约。连接凭据只经由作业环境传递，
// 不写入代码与日志。
const (
	EnvRunID         = "RUN_ID"
	EnvRunnableType  = "RUNNABLE_TYPE"
	EnvRunnableID    = "RUNNABLE_ID"
	EnvInputData     = "INPUT_DATA"
	EnvDatabaseDSN   = "DATABASE_DSN"
	EnvRedisAddr     = "REDIS_ADDR"
	EnvRedisPassword = "REDIS_PASSWORD"
	EnvRedisDB       = "REDIS_DB"
	EnvOpenAIAPIKey  = "OPENAI_API_KEY"
	EnvOpenAIBaseURL = "OPENAI_BASE_URL"
	EnvOpenAIModel   = "OPENAI_MODEL"

	EnvAlertChannels     = "ALERT_CHANNELS"
	EnvAlertSlackChannel = "ALERT_SLACK_CHANNEL_ID"
	EnvAlertWebhookURL   = "ALERT_WEBHOOK_URL"
)

// Secrets 汇总执行器访问存储、broker 与模型服务所需的凭据，
// 以及需要随作业下发的告警渠道配置。AlertChannels 是逗号分隔的
// 渠道列表。
type Secrets struct {
	DatabaseDSN   string
	RedisAddr     string
	RedisPassword string
	RedisDB       string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string

	AlertChannels     string
	AlertSlackChannel string
	AlertWebhookURL   string
}

// Spec 描述一次作业启动请求。
type Spec struct {
	RunID          string
	RunnableType   runnable.Type
	RunnableID     string
	InputVariables map[string]any
	Secrets        Secrets
}

// Handle 标识一个已提交的作业。
type Handle struct {
	ID string
}

// Launcher 把待执行的运行转换为一个隔离的作业。
// 启动失败时由调用方负责把运行标记为 FAILED。
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Handle, error)
}

// BuildEnv 根据作业规格构造执行器的完整环境变量。
func BuildEnv(spec Spec) (map[string]string, error) {
	input, err := json.Marshal(spec.InputVariables)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSerialization, err, "编码运行输入失败")
	}
	if spec.InputVariables == nil {
		input = []byte("{}")
	}

	env := map[string]string{
		EnvRunID:        spec.RunID,
		EnvRunnableType: string(spec.RunnableType),
		EnvRunnableID:   spec.RunnableID,
		EnvInputData:    string(input),
		EnvDatabaseDSN:  spec.Secrets.DatabaseDSN,
	}
	if spec.Secrets.RedisAddr != "" {
		env[EnvRedisAddr] = spec.Secrets.RedisAddr
		env[EnvRedisPassword] = spec.Secrets.RedisPassword
		env[EnvRedisDB] = spec.Secrets.RedisDB
	}
	if spec.Secrets.OpenAIAPIKey != "" {
		env[EnvOpenAIAPIKey] = spec.Secrets.OpenAIAPIKey
	}
	if spec.Secrets.OpenAIBaseURL != "" {
		env[EnvOpenAIBaseURL] = spec.Secrets.OpenAIBaseURL
	}
	if spec.Secrets.OpenAIModel != "" {
		env[EnvOpenAIModel] = spec.Secrets.OpenAIModel
	}
	if spec.Secrets.AlertChannels != "" {
		env[EnvAlertChannels] = spec.Secrets.AlertChannels
		if spec.Secrets.AlertSlackChannel != "" {
			env[EnvAlertSlackChannel] = spec.Secrets.AlertSlackChannel
		}
		if spec.Secrets.AlertWebhookURL != "" {
			env[EnvAlertWebhookURL] = spec.Secrets.AlertWebhookURL
		}
	}
	return env, nil
}
