// Package pods implements the pod lifecycle gateway on the Kubernetes
// API. The adapter carries no retry or backoff policy; the stage runner
// owns polling decisions.
package pods

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/fleetsim/fleetsim/internal/ports"
)

const agentContainerName = "agent"

type KubernetesGateway struct {
	clientset kubernetes.Interface
	logger    *slog.Logger
}

// NewKubernetesGateway connects using the in-cluster service account,
// falling back to the local kubeconfig for development.
func NewKubernetesGateway(logger *slog.Logger) (*KubernetesGateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	config, err := rest.InClusterConfig()
	if err != nil {
		logger.Debug("not running in cluster, trying kubeconfig")
		config, err = clientcmd.BuildConfigFromFlags("", clientcmd.RecommendedHomeFile)
		if err != nil {
			return nil, fmt.Errorf("build kubernetes config: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	return NewWithClientset(clientset, logger), nil
}

// NewWithClientset wraps an existing clientset; tests pass the fake one.
func NewWithClientset(clientset kubernetes.Interface, logger *slog.Logger) *KubernetesGateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &KubernetesGateway{
		clientset: clientset,
		logger:    logger.With("component", "pod-gateway"),
	}
}

func (g *KubernetesGateway) Create(ctx context.Context, spec ports.InstanceSpec) (ports.PodHandle, error) {
	pod := buildPod(spec)

	created, err := g.clientset.CoreV1().Pods(spec.Namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return ports.PodHandle{}, fmt.Errorf("create pod %s/%s: %w", spec.Namespace, spec.Name, err)
	}

	g.logger.Debug("pod created", "pod", created.Name, "namespace", created.Namespace)
	return ports.PodHandle{Name: created.Name, Namespace: created.Namespace}, nil
}

func (g *KubernetesGateway) Phase(ctx context.Context, handle ports.PodHandle) (ports.PodPhase, error) {
	pod, err := g.clientset.CoreV1().Pods(handle.Namespace).Get(ctx, handle.Name, metav1.GetOptions{})
	if err != nil {
		return ports.PodUnknown, fmt.Errorf("get pod %s/%s: %w", handle.Namespace, handle.Name, err)
	}

	switch pod.Status.Phase {
	case corev1.PodPending:
		return ports.PodPending, nil
	case corev1.PodRunning:
		return ports.PodRunning, nil
	case corev1.PodSucceeded:
		return ports.PodSucceeded, nil
	case corev1.PodFailed:
		return ports.PodFailed, nil
	default:
		return ports.PodUnknown, nil
	}
}

func (g *KubernetesGateway) Delete(ctx context.Context, handle ports.PodHandle) error {
	err := g.clientset.CoreV1().Pods(handle.Namespace).Delete(ctx, handle.Name, metav1.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete pod %s/%s: %w", handle.Namespace, handle.Name, err)
	}
	g.logger.Debug("pod deleted", "pod", handle.Name, "namespace", handle.Namespace)
	return nil
}

func buildPod(spec ports.InstanceSpec) *corev1.Pod {
	env := make([]corev1.EnvVar, 0, len(spec.Env))
	for name, value := range spec.Env {
		env = append(env, corev1.EnvVar{Name: name, Value: value})
	}
	sort.Slice(env, func(i, j int) bool { return env[i].Name < env[j].Name })

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name,
			Namespace: spec.Namespace,
			Labels:    spec.Labels,
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{
				{
					Name:    agentContainerName,
					Image:   spec.Image,
					Command: spec.Command,
					Env:     env,
				},
			},
		},
	}
}
