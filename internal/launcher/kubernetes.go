package launcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	xerrors "mindloom/internal/errors"
	"mindloom/pkg/logger"
)

// KubernetesConfig 描述 Kubernetes 启动器的部署策略。
type KubernetesConfig struct {
	// Namespace 是作业所在命名空间，默认 default。
	Namespace string
	// Image 是执行器镜像。
	Image string
	// ServiceAccount 可选，为作业 Pod 指定服务账号。
	ServiceAccount string
	// BackoffLimit 是基础设施层面的重试上限，默认 1 次。
	BackoffLimit int32
	// TTLSecondsAfterFinished 控制完成后作业的保留时长，默认一小时。
	TTLSecondsAfterFinished int32
	// CPULimit 与 MemoryLimit 为资源上限，默认 500m / 512Mi。
	CPULimit    string
	MemoryLimit string
}

// KubernetesLauncher 把运行提交为 batch/v1 Job。
type KubernetesLauncher struct {
	clientset kubernetes.Interface
	config    KubernetesConfig
	log       *slog.Logger
}

// NewKubernetesLauncher 创建 Kubernetes 启动器。
// 优先使用集群内配置，本地开发时回退到 kubeconfig。
func NewKubernetesLauncher(cfg KubernetesConfig) (*KubernetesLauncher, error) {
	restConfig, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := filepath.Join(homeDir(), ".kube", "config")
		restConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "构建 Kubernetes 配置失败")
		}
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建 Kubernetes 客户端失败")
	}
	return newKubernetesLauncher(clientset, cfg), nil
}

func newKubernetesLauncher(clientset kubernetes.Interface, cfg KubernetesConfig) *KubernetesLauncher {
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.BackoffLimit <= 0 {
		cfg.BackoffLimit = 1
	}
	if cfg.TTLSecondsAfterFinished <= 0 {
		cfg.TTLSecondsAfterFinished = 3600
	}
	if cfg.CPULimit == "" {
		cfg.CPULimit = "500m"
	}
	if cfg.MemoryLimit == "" {
		cfg.MemoryLimit = "512Mi"
	}
	return &KubernetesLauncher{
		clientset: clientset,
		config:    cfg,
		log:       logger.Named("launcher.kubernetes"),
	}
}

// Launch 实现 Launcher 接口。
func (l *KubernetesLauncher) Launch(ctx context.Context, spec Spec) (Handle, error) {
	job, err := l.buildJob(spec)
	if err != nil {
		return Handle{}, err
	}

	created, err := l.clientset.BatchV1().Jobs(l.config.Namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return Handle{}, xerrors.Wrap(xerrors.CodeLaunchFailure, err, "创建 Kubernetes Job 失败")
	}

	l.log.Info("已提交执行器作业",
		slog.String("job", created.Name),
		slog.String("namespace", l.config.Namespace),
		slog.String("run_id", spec.RunID),
	)
	return Handle{ID: created.Name}, nil
}

func (l *KubernetesLauncher) buildJob(spec Spec) (*batchv1.Job, error) {
	env, err := BuildEnv(spec)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	envVars := make([]corev1.EnvVar, 0, len(keys))
	for _, key := range keys {
		envVars = append(envVars, corev1.EnvVar{Name: key, Value: env[key]})
	}

	jobName := "mindloom-run-" + spec.RunID
	backoffLimit := l.config.BackoffLimit
	ttl := l.config.TTLSecondsAfterFinished
	labels := map[string]string{
		"app.kubernetes.io/managed-by": "mindloom",
		"mindloom.dev/run-id":          spec.RunID,
	}

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName,
			Namespace: l.config.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoffLimit,
			TTLSecondsAfterFinished: &ttl,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:  "executor",
							Image: l.config.Image,
							Env:   envVars,
							Resources: corev1.ResourceRequirements{
								Limits: corev1.ResourceList{
									corev1.ResourceCPU:    resource.MustParse(l.config.CPULimit),
									corev1.ResourceMemory: resource.MustParse(l.config.MemoryLimit),
								},
							},
						},
					},
				},
			},
		},
	}
	if l.config.ServiceAccount != "" {
		job.Spec.Template.Spec.ServiceAccountName = l.config.ServiceAccount
	}
	return job, nil
}

func homeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	return os.Getenv("USERPROFILE")
}

var _ Launcher = (*KubernetesLauncher)(nil)
