package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
	v1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"

	"github.com/G-Research/activitytracker/internal/activitytracker/model"
)

var ErrCancelled = errors.New("log streaming cancelled")

type KubernetesConfig struct {
	Namespace              string
	InstanceSelector       labels.Selector
	FlowIDLabel            string
	DeploymentVersionLabel string
	// Containers that never carry tracking output.
	SidecarContainers []string
	ReadTimeout       time.Duration
}

type KubernetesOrchestrator struct {
	client kubernetes.Interface
	config KubernetesConfig

	mu      sync.Mutex
	streams map[int]context.CancelFunc
	nextID  int
	closed  bool
}

func NewKubernetesOrchestrator(client kubernetes.Interface, config KubernetesConfig) *KubernetesOrchestrator {
	if config.InstanceSelector == nil {
		config.InstanceSelector = labels.Everything()
	}
	return &KubernetesOrchestrator{
		client:  client,
		config:  config,
		streams: map[int]context.CancelFunc{},
	}
}

func (k *KubernetesOrchestrator) ListRunningInstances(ctx context.Context) ([]model.WorkloadInstance, error) {
	pods, err := k.client.CoreV1().Pods(k.config.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: k.config.InstanceSelector.String(),
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	instances := make([]model.WorkloadInstance, 0, len(pods.Items))
	for i := range pods.Items {
		pod := &pods.Items[i]
		if !isRunning(pod) {
			continue
		}
		instances = append(instances, model.WorkloadInstance{
			Name:              pod.Name,
			Namespace:         pod.Namespace,
			FlowID:            pod.Labels[k.config.FlowIDLabel],
			DeploymentVersion: pod.Labels[k.config.DeploymentVersionLabel],
			Container:         k.selectContainer(pod),
			Running:           true,
		})
	}
	slices.SortFunc(instances, func(a, b model.WorkloadInstance) bool {
		return a.Name < b.Name
	})
	return instances, nil
}

func (k *KubernetesOrchestrator) IsInstanceRunning(ctx context.Context, name string) (bool, error) {
	pod, err := k.client.CoreV1().Pods(k.config.Namespace).Get(ctx, name, metav1.GetOptions{})
	if k8serrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.WithStack(err)
	}
	return isRunning(pod), nil
}

func (k *KubernetesOrchestrator) OpenLogStream(ctx context.Context, instance model.WorkloadInstance, since string) <-chan StreamResult {
	result := make(chan StreamResult, 1)
	streamCtx, cancel := context.WithCancel(ctx)
	id, ok := k.register(cancel)
	if !ok {
		cancel()
		result <- StreamResult{Err: ErrCancelled}
		return result
	}
	release := func() {
		k.release(id)
		cancel()
	}

	options := &v1.PodLogOptions{
		Container:  instance.Container,
		Follow:     true,
		Timestamps: true,
	}
	if since != "" {
		sinceTime, err := time.Parse(time.RFC3339Nano, since)
		if err == nil {
			options.SinceTime = &metav1.Time{Time: sinceTime}
		} else {
			log.Warnf("failed to parse since time for pod %s: %v", instance.Name, err)
		}
	}

	go func() {
		body, err := k.client.CoreV1().
			Pods(namespaceOf(instance, k.config.Namespace)).
			GetLogs(instance.Name, options).
			Stream(streamCtx)
		if err != nil {
			release()
			result <- StreamResult{Err: errors.Wrapf(err, "error opening log stream for pod %s", instance.Name)}
			return
		}
		result <- StreamResult{Body: newIdleTimeoutStream(body, k.config.ReadTimeout, release)}
	}()
	return result
}

func (k *KubernetesOrchestrator) CancelAll() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.closed = true
	for id, cancel := range k.streams {
		cancel()
		delete(k.streams, id)
	}
}

func (k *KubernetesOrchestrator) register(cancel context.CancelFunc) (int, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return 0, false
	}
	k.nextID++
	k.streams[k.nextID] = cancel
	return k.nextID, true
}

func (k *KubernetesOrchestrator) release(id int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.streams, id)
}

// selectContainer picks the first non-sidecar container by name, or the first container if all are sidecars.
func (k *KubernetesOrchestrator) selectContainer(pod *v1.Pod) string {
	names := make([]string, 0, len(pod.Spec.Containers))
	for _, c := range pod.Spec.Containers {
		names = append(names, c.Name)
	}
	if len(names) == 0 {
		return ""
	}
	slices.Sort(names)
	for _, name := range names {
		if !slices.Contains(k.config.SidecarContainers, name) {
			return name
		}
	}
	return names[0]
}

func isRunning(pod *v1.Pod) bool {
	return pod.Status.Phase == v1.PodRunning && pod.DeletionTimestamp == nil
}

func namespaceOf(instance model.WorkloadInstance, fallback string) string {
	if instance.Namespace != "" {
		return instance.Namespace
	}
	return fallback
}
