package executor

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"

	xerrors "mindloom/internal/errors"
	"mindloom/internal/launcher"
	"mindloom/internal/runnable"
)

// Environment 是执行器进程的全部输入，完全来自环境变量。
// 任何必填项缺失或不合法都是致命错误：此时不允许触碰运行记录，
// 因为连运行 ID 都可能是坏的。
type Environment struct {
	RunID          string
	RunnableType   runnable.Type
	RunnableID     string
	InputVariables map[string]any

	DatabaseDSN string

	// Redis 为可选配置：缺失时执行器以空 broker 降级运行。
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string

	// 告警渠道配置随作业下发，缺失时退回日志渠道。
	AlertChannels     []string
	AlertSlackChannel string
	AlertWebhookURL   string
}

// ParseEnvironment 从进程环境解析执行器输入。
func ParseEnvironment() (*Environment, error) {
	return parseEnvironment(os.LookupEnv)
}

func parseEnvironment(lookup func(string) (string, bool)) (*Environment, error) {
	env := &Environment{}

	runID, ok := lookup(launcher.EnvRunID)
	if !ok || strings.TrimSpace(runID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少环境变量 "+launcher.EnvRunID)
	}
	env.RunID = strings.TrimSpace(runID)

	rawType, ok := lookup(launcher.EnvRunnableType)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少环境变量 "+launcher.EnvRunnableType)
	}
	typ, err := runnable.ParseType(strings.TrimSpace(rawType))
	if err != nil {
		return nil, err
	}
	env.RunnableType = typ

	runnableID, ok := lookup(launcher.EnvRunnableID)
	if !ok || strings.TrimSpace(runnableID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少环境变量 "+launcher.EnvRunnableID)
	}
	env.RunnableID = strings.TrimSpace(runnableID)

	rawInput, ok := lookup(launcher.EnvInputData)
	if !ok || strings.TrimSpace(rawInput) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少环境变量 "+launcher.EnvInputData)
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(rawInput), &input); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析 "+launcher.EnvInputData+" 失败")
	}
	env.InputVariables = input

	dsn, ok := lookup(launcher.EnvDatabaseDSN)
	if !ok || strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少环境变量 "+launcher.EnvDatabaseDSN)
	}
	env.DatabaseDSN = strings.TrimSpace(dsn)

	if addr, ok := lookup(launcher.EnvRedisAddr); ok {
		env.RedisAddr = strings.TrimSpace(addr)
	}
	if password, ok := lookup(launcher.EnvRedisPassword); ok {
		env.RedisPassword = password
	}
	if rawDB, ok := lookup(launcher.EnvRedisDB); ok && strings.TrimSpace(rawDB) != "" {
		db, err := strconv.Atoi(strings.TrimSpace(rawDB))
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析 "+launcher.EnvRedisDB+" 失败")
		}
		env.RedisDB = db
	}

	if key, ok := lookup(launcher.EnvOpenAIAPIKey); ok {
		env.OpenAIAPIKey = strings.TrimSpace(key)
	}
	if baseURL, ok := lookup(launcher.EnvOpenAIBaseURL); ok {
		env.OpenAIBaseURL = strings.TrimSpace(baseURL)
	}
	if model, ok := lookup(launcher.EnvOpenAIModel); ok {
		env.OpenAIModel = strings.TrimSpace(model)
	}

	if rawChannels, ok := lookup(launcher.EnvAlertChannels); ok {
		for _, channel := range strings.Split(rawChannels, ",") {
			if channel = strings.TrimSpace(channel); channel != "" {
				env.AlertChannels = append(env.AlertChannels, channel)
			}
		}
	}
	if channelID, ok := lookup(launcher.EnvAlertSlackChannel); ok {
		env.AlertSlackChannel = strings.TrimSpace(channelID)
	}
	if url, ok := lookup(launcher.EnvAlertWebhookURL); ok {
		env.AlertWebhookURL = strings.TrimSpace(url)
	}
	return env, nil
}
