package launcher

import (
	"context"
	"testing"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"mindloom/internal/runnable"
)

func TestKubernetesLauncherCreatesJob(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	launcher := newKubernetesLauncher(clientset, KubernetesConfig{
		Namespace: "runs",
		Image:     "mindloom/executor:latest",
	})

	spec := Spec{
		RunID:        "abc123",
		RunnableType: runnable.TypeAgent,
		RunnableID:   "agent-1",
		Secrets:      Secrets{DatabaseDSN: "dsn"},
	}
	handle, err := launcher.Launch(context.Background(), spec)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if handle.ID != "mindloom-run-abc123" {
		t.Fatalf("unexpected handle: %+v", handle)
	}

	job, err := clientset.BatchV1().Jobs("runs").Get(context.Background(), "mindloom-run-abc123", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Labels["mindloom.dev/run-id"] != "abc123" {
		t.Fatalf("job must carry the run id label: %+v", job.Labels)
	}
	if job.Spec.BackoffLimit == nil || *job.Spec.BackoffLimit != 1 {
		t.Fatalf("default backoff limit should be 1: %+v", job.Spec.BackoffLimit)
	}
	if job.Spec.TTLSecondsAfterFinished == nil || *job.Spec.TTLSecondsAfterFinished != 3600 {
		t.Fatalf("default ttl should be 3600: %+v", job.Spec.TTLSecondsAfterFinished)
	}

	pod := job.Spec.Template.Spec
	if pod.RestartPolicy != "Never" {
		t.Fatalf("pod restart policy must be Never, got %s", pod.RestartPolicy)
	}
	if len(pod.Containers) != 1 || pod.Containers[0].Image != "mindloom/executor:latest" {
		t.Fatalf("unexpected containers: %+v", pod.Containers)
	}

	envNames := make(map[string]string)
	for _, envVar := range pod.Containers[0].Env {
		envNames[envVar.Name] = envVar.Value
	}
	if envNames[EnvRunID] != "abc123" || envNames[EnvDatabaseDSN] != "dsn" {
		t.Fatalf("executor env incomplete: %+v", envNames)
	}
}

func TestKubernetesLauncherBuildJobSortsEnv(t *testing.T) {
	launcher := newKubernetesLauncher(fake.NewSimpleClientset(), KubernetesConfig{Image: "img"})
	job, err := launcher.buildJob(Spec{
		RunID:        "r1",
		RunnableType: runnable.TypeAgent,
		RunnableID:   "a1",
		Secrets:      Secrets{DatabaseDSN: "dsn", RedisAddr: "redis:6379", OpenAIAPIKey: "sk"},
	})
	if err != nil {
		t.Fatalf("build job: %v", err)
	}
	env := job.Spec.Template.Spec.Containers[0].Env
	for i := 1; i < len(env); i++ {
		if env[i-1].Name > env[i].Name {
			t.Fatalf("env vars must be sorted for determinism: %s before %s", env[i-1].Name, env[i].Name)
		}
	}
}

func TestKubernetesLauncherServiceAccount(t *testing.T) {
	launcher := newKubernetesLauncher(fake.NewSimpleClientset(), KubernetesConfig{
		Image:          "img",
		ServiceAccount: "executor-sa",
	})
	job, err := launcher.buildJob(Spec{RunID: "r1", RunnableType: runnable.TypeAgent, RunnableID: "a1"})
	if err != nil {
		t.Fatalf("build job: %v", err)
	}
	if job.Spec.Template.Spec.ServiceAccountName != "executor-sa" {
		t.Fatalf("service account not applied: %+v", job.Spec.Template.Spec)
	}
}
