package cluster

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/flowcontrol"

	"github.com/G-Research/activitytracker/internal/common/trackererrors"
)

type KubernetesClientProvider interface {
	Client() kubernetes.Interface
	ClientConfig() *rest.Config
}

type ConfigKubernetesClientProvider struct {
	restConfig *rest.Config
	client     kubernetes.Interface
}

// NewKubernetesClientProvider builds a client from the in-cluster configuration, falling back to kubeconfig
// (explicit path if non-empty, else the default loading rules) when running outside a cluster.
func NewKubernetesClientProvider(kubeconfig string, qps float32, burst int) (*ConfigKubernetesClientProvider, error) {
	if qps <= 0 {
		return nil, errors.WithStack(&trackererrors.ErrInvalidArgument{
			Name:    "qps",
			Value:   qps,
			Message: "qps must be positive",
		})
	}
	if burst <= 0 {
		return nil, errors.WithStack(&trackererrors.ErrInvalidArgument{
			Name:    "burst",
			Value:   burst,
			Message: "burst must be positive",
		})
	}

	restConfig, err := loadConfig(kubeconfig)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	// All requests made through this provider, log streams included, share one token bucket.
	restConfig.RateLimiter = flowcontrol.NewTokenBucketRateLimiter(qps, burst)

	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &ConfigKubernetesClientProvider{
		restConfig: restConfig,
		client:     client,
	}, nil
}

func (c *ConfigKubernetesClientProvider) Client() kubernetes.Interface {
	return c.client
}

func (c *ConfigKubernetesClientProvider) ClientConfig() *rest.Config {
	return c.restConfig
}

func loadConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		log.Infof("Running with client configuration from %s", kubeconfig)
		return clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	config, err := rest.InClusterConfig()
	if err == rest.ErrNotInCluster {
		log.Info("Running with default client configuration")
		rules := clientcmd.NewDefaultClientConfigLoadingRules()
		overrides := &clientcmd.ConfigOverrides{}
		return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
	}
	log.Info("Running with in cluster client configuration")
	return config, err
}
