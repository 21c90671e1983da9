package launcher

import (
	"testing"

	"mindloom/internal/runnable"
)

func TestBuildEnvRequiredVariables(t *testing.T) {
	spec := Spec{
		RunID:          "run-1",
		RunnableType:   runnable.TypeAgent,
		RunnableID:     "agent-1",
		InputVariables: map[string]any{"input": "hello"},
		Secrets:        Secrets{DatabaseDSN: "user:pass@tcp(db:3306)/mindloom"},
	}

	env, err := BuildEnv(spec)
	if err != nil {
		t.Fatalf("build env: %v", err)
	}
	if env[EnvRunID] != "run-1" || env[EnvRunnableID] != "agent-1" {
		t.Fatalf("unexpected identifiers: %+v", env)
	}
	if env[EnvRunnableType] != "agent" {
		t.Fatalf("unexpected runnable type: %s", env[EnvRunnableType])
	}
	if env[EnvInputData] != `{"input":"hello"}` {
		t.Fatalf("unexpected input payload: %s", env[EnvInputData])
	}
	if env[EnvDatabaseDSN] != spec.Secrets.DatabaseDSN {
		t.Fatalf("database dsn must be forwarded")
	}
	if _, ok := env[EnvRedisAddr]; ok {
		t.Fatalf("redis vars must be absent when not configured")
	}
	if _, ok := env[EnvOpenAIAPIKey]; ok {
		t.Fatalf("openai vars must be absent when not configured")
	}
	if _, ok := env[EnvAlertChannels]; ok {
		t.Fatalf("alert vars must be absent when not configured")
	}
}

func TestBuildEnvForwardsAlertConfiguration(t *testing.T) {
	spec := Spec{
		RunID:        "run-1",
		RunnableType: runnable.TypeAgent,
		RunnableID:   "agent-1",
		Secrets: Secrets{
			DatabaseDSN:       "dsn",
			AlertChannels:     "log,webhook",
			AlertWebhookURL:   "https://hooks.example.com/alerts",
			AlertSlackChannel: "",
		},
	}

	env, err := BuildEnv(spec)
	if err != nil {
		t.Fatalf("build env: %v", err)
	}
	if env[EnvAlertChannels] != "log,webhook" {
		t.Fatalf("alert channels missing: %+v", env)
	}
	if env[EnvAlertWebhookURL] != "https://hooks.example.com/alerts" {
		t.Fatalf("alert webhook url missing: %+v", env)
	}
	if _, ok := env[EnvAlertSlackChannel]; ok {
		t.Fatalf("unset slack channel must stay absent")
	}
}

func TestBuildEnvNilInputBecomesEmptyObject(t *testing.T) {
	env, err := BuildEnv(Spec{RunID: "r", RunnableType: runnable.TypeAgent, RunnableID: "a"})
	if err != nil {
		t.Fatalf("build env: %v", err)
	}
	if env[EnvInputData] != "{}" {
		t.Fatalf("nil input should encode as empty object, got %s", env[EnvInputData])
	}
}

func TestBuildEnvOptionalSecrets(t *testing.T) {
	spec := Spec{
		RunID:        "run-1",
		RunnableType: runnable.TypeTeam,
		RunnableID:   "team-1",
		Secrets: Secrets{
			DatabaseDSN:   "dsn",
			RedisAddr:     "redis:6379",
			RedisPassword: "secret",
			RedisDB:       "2",
			OpenAIAPIKey:  "sk-test",
			OpenAIModel:   "gpt-4o-mini",
		},
	}

	env, err := BuildEnv(spec)
	if err != nil {
		t.Fatalf("build env: %v", err)
	}
	if env[EnvRedisAddr] != "redis:6379" || env[EnvRedisPassword] != "secret" || env[EnvRedisDB] != "2" {
		t.Fatalf("redis vars missing: %+v", env)
	}
	if env[EnvOpenAIAPIKey] != "sk-test" || env[EnvOpenAIModel] != "gpt-4o-mini" {
		t.Fatalf("openai vars missing: %+v", env)
	}
	if _, ok := env[EnvOpenAIBaseURL]; ok {
		t.Fatalf("unset base url must stay absent")
	}
}
