package configuration

import (
	"time"

	"k8s.io/apimachinery/pkg/labels"

	"github.com/G-Research/activitytracker/internal/activitytracker/ingest"
	"github.com/G-Research/activitytracker/internal/activitytracker/monitor"
	"github.com/G-Research/activitytracker/internal/activitytracker/orchestrator"
	"github.com/G-Research/activitytracker/internal/activitytracker/retention"
	"github.com/G-Research/activitytracker/internal/common/config"
	"github.com/G-Research/activitytracker/internal/jsondb"
)

type Configuration struct {
	// Port on which prometheus metrics are served
	MetricsPort uint16
	Kubernetes  KubernetesConfig
	Tracking    TrackingConfig
	Ingestion   IngestionConfig
	Retention   RetentionConfig
	Store       jsondb.Config
}

func (c Configuration) Validate() error {
	return config.Validate(c)
}

type KubernetesConfig struct {
	// Path to a kubeconfig file. The in-cluster configuration is used when empty.
	Kubeconfig string
	// Namespace in which instances are discovered. All namespaces if empty.
	Namespace string
	QPS       float32 `validate:"gt=0"`
	Burst     int     `validate:"gt=0"`
	// Selects the pods that are flow instances.
	InstanceSelector labels.Selector `validate:"required"`
	// Label carrying the id of the flow an instance runs
	FlowIDLabel string `validate:"required"`
	// Label carrying the deployment version of the flow
	DeploymentVersionLabel string `validate:"required"`
	// Containers ignored when choosing which container's log to follow.
	SidecarContainers []string
}

type TrackingConfig struct {
	// How often running instances are listed and monitors reconciled
	PollInterval time.Duration `validate:"gt=0"`
	// A log stream delivering no data for this long is closed and reopened.
	ReadTimeout  time.Duration `validate:"gt=0"`
	MaxLineBytes int           `validate:"gt=0"`
	// Completed steps recorded per exchange
	MaxSteps int `validate:"gt=0"`
}

type IngestionConfig struct {
	QueueCapacity    int           `validate:"gt=0"`
	MaxBatchSize     int           `validate:"gt=0"`
	MaxBatchDuration time.Duration `validate:"gt=0"`
	CommitAttempts   int           `validate:"gt=0"`
	CommitBackoff    time.Duration `validate:"gt=0"`
	ShutdownTimeout  time.Duration `validate:"gt=0"`
}

type RetentionConfig struct {
	// Exchanges older than this are deleted, and events of such exchanges ignored.
	RetentionTime   time.Duration `validate:"gt=0"`
	CleanupInterval time.Duration `validate:"gt=0"`
	// Delay before discovery and the first sweep run
	StartupDelay time.Duration `validate:"gt=0"`
	// Newest exchanges kept per flow; 0 keeps all within RetentionTime.
	RetainCount int `validate:"gte=0"`
}

func (c Configuration) OrchestratorConfig() orchestrator.KubernetesConfig {
	return orchestrator.KubernetesConfig{
		Namespace:              c.Kubernetes.Namespace,
		InstanceSelector:       c.Kubernetes.InstanceSelector,
		FlowIDLabel:            c.Kubernetes.FlowIDLabel,
		DeploymentVersionLabel: c.Kubernetes.DeploymentVersionLabel,
		SidecarContainers:      c.Kubernetes.SidecarContainers,
		ReadTimeout:            c.Tracking.ReadTimeout,
	}
}

func (c Configuration) MonitorConfig() monitor.Config {
	return monitor.Config{
		Retention:    c.Retention.RetentionTime,
		MaxSteps:     c.Tracking.MaxSteps,
		MaxLineBytes: c.Tracking.MaxLineBytes,
	}
}

func (c Configuration) WriterConfig() ingest.WriterConfig {
	return ingest.WriterConfig{
		MaxBatchSize:     c.Ingestion.MaxBatchSize,
		MaxBatchDuration: c.Ingestion.MaxBatchDuration,
		CommitAttempts:   c.Ingestion.CommitAttempts,
		CommitBackoff:    c.Ingestion.CommitBackoff,
		ShutdownTimeout:  c.Ingestion.ShutdownTimeout,
	}
}

func (c Configuration) SweeperConfig() retention.Config {
	return retention.Config{
		RetentionTime: c.Retention.RetentionTime,
		RetainCount:   c.Retention.RetainCount,
	}
}
