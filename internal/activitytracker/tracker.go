package activitytracker

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/G-Research/activitytracker/internal/activitytracker/configuration"
	"github.com/G-Research/activitytracker/internal/activitytracker/discovery"
	"github.com/G-Research/activitytracker/internal/activitytracker/ingest"
	"github.com/G-Research/activitytracker/internal/activitytracker/metrics"
	"github.com/G-Research/activitytracker/internal/activitytracker/orchestrator"
	"github.com/G-Research/activitytracker/internal/activitytracker/retention"
	"github.com/G-Research/activitytracker/internal/common"
	"github.com/G-Research/activitytracker/internal/common/app"
	"github.com/G-Research/activitytracker/internal/common/cluster"
	"github.com/G-Research/activitytracker/internal/common/logctx"
	"github.com/G-Research/activitytracker/internal/common/task"
	"github.com/G-Research/activitytracker/internal/jsondb"
)

// Run sets up the activity tracker and runs it until a SIGTERM is received
func Run(config configuration.Configuration) error {
	ctx := app.CreateContextWithShutdown()

	shutdownMetricServer := common.ServeMetrics(config.MetricsPort)
	defer shutdownMetricServer()

	log.Infof("Setting up %s store", config.Store.Type)
	store, err := jsondb.New(ctx, config.Store)
	if err != nil {
		return errors.WithMessage(err, "error opening activity store")
	}

	clientProvider, err := cluster.NewKubernetesClientProvider(
		config.Kubernetes.Kubeconfig,
		config.Kubernetes.QPS,
		config.Kubernetes.Burst,
	)
	if err != nil {
		return multierror.Append(errors.WithMessage(err, "error creating kubernetes client"), store.Close()).ErrorOrNil()
	}
	k8s := orchestrator.NewKubernetesOrchestrator(clientProvider.Client(), config.OrchestratorConfig())

	return New(config, k8s, store, clock.RealClock{}).Run(ctx)
}

// Tracker wires discovery, the monitors it creates, the ingestion writer and the retention sweeper together.
type Tracker struct {
	config       configuration.Configuration
	orchestrator orchestrator.Orchestrator
	store        jsondb.Store
	writer       *ingest.Writer
	discovery    *discovery.Discovery
	sweeper      *retention.Sweeper
}

// New creates a tracker over store. The tracker owns store and closes it when Run returns.
func New(
	config configuration.Configuration,
	orchestrator orchestrator.Orchestrator,
	store jsondb.Store,
	clock clock.Clock,
) *Tracker {
	queue := ingest.NewQueue(config.Ingestion.QueueCapacity)
	return &Tracker{
		config:       config,
		orchestrator: orchestrator,
		store:        store,
		writer:       ingest.NewWriter(queue, store, config.WriterConfig(), clock),
		discovery:    discovery.New(orchestrator, store, queue, config.MonitorConfig(), clock),
		sweeper:      retention.NewSweeper(store, config.SweeperConfig(), clock),
	}
}

// Run starts the pipeline and blocks until ctx is cancelled. It then cancels all log streams, stops the
// monitors, lets the writer commit what they queued and closes the store.
func (t *Tracker) Run(ctx *logctx.Context) error {
	// The writer outlives ctx so that it can flush after the monitors have stopped.
	writerCtx, stopWriter := logctx.WithCancel(logctx.Detached(ctx))
	defer stopWriter()
	g, writerCtx := logctx.ErrGroup(writerCtx)
	g.Go(func() error {
		t.writer.Run(writerCtx)
		return nil
	})

	taskManager := task.NewBackgroundTaskManager(metrics.ActivityTrackerMetricsPrefix)
	taskManager.Register(ctx, t.discovery.Poll, t.config.Retention.StartupDelay, t.config.Tracking.PollInterval, "discovery")
	taskManager.Register(ctx, t.sweeper.Run, t.config.Retention.StartupDelay, t.config.Retention.CleanupInterval, "retention")
	ctx.Log.Info("activity tracker started")

	<-ctx.Done()
	ctx.Log.Info("stopping activity tracker")
	t.orchestrator.CancelAll()

	var result *multierror.Error
	if taskManager.StopAll(t.config.Ingestion.ShutdownTimeout) {
		// A discovery poll may still be running, so the monitors cannot be shut down safely.
		result = multierror.Append(result, errors.New("timed out waiting for background tasks to stop"))
	} else {
		t.discovery.Shutdown()
	}

	stopWriter()
	if err := g.Wait(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := t.store.Close(); err != nil {
		result = multierror.Append(result, errors.WithMessage(err, "error closing activity store"))
	}
	ctx.Log.Info("activity tracker stopped")
	return result.ErrorOrNil()
}
