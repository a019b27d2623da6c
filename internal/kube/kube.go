// Package kube talks to Kubernetes clusters for the out-of-band cluster
// health monitor. Port forwarding itself is done by spawned kubectl
// processes; this package only answers "is the cluster behind this
// context reachable and healthy".
package kube

import (
	"context"
	"fmt"
	"sync"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	_ "k8s.io/client-go/plugin/pkg/client/auth" // auth providers (gcp, oidc, ...)
	"k8s.io/client-go/tools/clientcmd"
)

// For mocking in tests
var newClientsetForContext = buildClientsetForContext

var (
	clientsetMu    sync.Mutex
	clientsetCache = map[string]kubernetes.Interface{}
)

// GetClientsetForContext returns a clientset bound to the named kubeconfig
// context ("" means the current context). Clientsets are cached per context.
func GetClientsetForContext(kubeContext string) (kubernetes.Interface, error) {
	clientsetMu.Lock()
	defer clientsetMu.Unlock()

	if cs, ok := clientsetCache[kubeContext]; ok {
		return cs, nil
	}
	cs, err := newClientsetForContext(kubeContext)
	if err != nil {
		return nil, err
	}
	clientsetCache[kubeContext] = cs
	return cs, nil
}

func buildClientsetForContext(kubeContext string) (kubernetes.Interface, error) {
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	overrides := &clientcmd.ConfigOverrides{CurrentContext: kubeContext}
	kubeConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, overrides)

	restConfig, err := kubeConfig.ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("loading REST config for context %q: %w", kubeContext, err)
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("creating clientset for context %q: %w", kubeContext, err)
	}
	return clientset, nil
}

// NodeHealth summarizes node readiness in a cluster.
type NodeHealth struct {
	ReadyNodes int
	TotalNodes int
}

// GetNodeStatus counts ready and total nodes.
func GetNodeStatus(ctx context.Context, clientset kubernetes.Interface) (NodeHealth, error) {
	nodeList, err := clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return NodeHealth{}, fmt.Errorf("listing nodes: %w", err)
	}

	health := NodeHealth{TotalNodes: len(nodeList.Items)}
	for _, node := range nodeList.Items {
		for _, condition := range node.Status.Conditions {
			if condition.Type == corev1.NodeReady && condition.Status == corev1.ConditionTrue {
				health.ReadyNodes++
				break
			}
		}
	}
	return health, nil
}

// PodHealth summarizes pod phase counts in a namespace.
type PodHealth struct {
	Running int
	Pending int
	Failed  int
	Total   int
}

// GetPodStatus counts pods by phase in the given namespace ("" for all).
// Succeeded pods count as Running; Unknown pods count only toward Total.
func GetPodStatus(ctx context.Context, clientset kubernetes.Interface, namespace string) (PodHealth, error) {
	podList, err := clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return PodHealth{}, fmt.Errorf("listing pods: %w", err)
	}

	health := PodHealth{Total: len(podList.Items)}
	for _, pod := range podList.Items {
		switch pod.Status.Phase {
		case corev1.PodRunning, corev1.PodSucceeded:
			health.Running++
		case corev1.PodPending:
			health.Pending++
		case corev1.PodFailed:
			health.Failed++
		}
	}
	return health, nil
}

// CheckAPIHealth verifies the API server responds, returning its version.
// This is the cluster-info equivalent used by the cluster monitor.
func CheckAPIHealth(ctx context.Context, clientset kubernetes.Interface) (string, error) {
	version, err := clientset.Discovery().ServerVersion()
	if err != nil {
		return "", fmt.Errorf("querying server version: %w", err)
	}
	return version.GitVersion, nil
}
