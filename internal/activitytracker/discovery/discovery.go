package discovery

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"

	"github.com/G-Research/activitytracker/internal/activitytracker/ingest"
	"github.com/G-Research/activitytracker/internal/activitytracker/metrics"
	"github.com/G-Research/activitytracker/internal/activitytracker/model"
	"github.com/G-Research/activitytracker/internal/activitytracker/monitor"
	"github.com/G-Research/activitytracker/internal/activitytracker/orchestrator"
	"github.com/G-Research/activitytracker/internal/common/logctx"
	"github.com/G-Research/activitytracker/internal/common/logging"
	"github.com/G-Research/activitytracker/internal/common/trackererrors"
	"github.com/G-Research/activitytracker/internal/jsondb"
)

// Discovery keeps one monitor per running instance. Poll and Shutdown must not be called concurrently.
type Discovery struct {
	orchestrator  orchestrator.Orchestrator
	store         jsondb.Store
	queue         *ingest.Queue
	monitorConfig monitor.Config
	clock         clock.PassiveClock
	metrics       *metrics.Metrics
	monitors      map[string]*monitor.Monitor
	// Streaming tasks of every monitor created.
	tasks sync.WaitGroup
}

func New(
	orchestrator orchestrator.Orchestrator,
	store jsondb.Store,
	queue *ingest.Queue,
	monitorConfig monitor.Config,
	clock clock.PassiveClock,
) *Discovery {
	return &Discovery{
		orchestrator:  orchestrator,
		store:         store,
		queue:         queue,
		monitorConfig: monitorConfig,
		clock:         clock,
		metrics:       metrics.Get(),
		monitors:      map[string]*monitor.Monitor{},
	}
}

// Poll reconciles monitors with the running instances: new instances get a monitor, monitors whose streams
// have ended are restarted, monitors of vanished instances are stopped and their cursors deleted.
func (d *Discovery) Poll(ctx *logctx.Context) {
	instances, err := d.orchestrator.ListRunningInstances(ctx)
	if err != nil {
		logging.WithStacktrace(ctx.Log, err).Warn("failed to list running instances")
		return
	}

	running := make(map[string]bool, len(instances))
	for _, instance := range instances {
		running[instance.Name] = true
		m, ok := d.monitors[instance.Name]
		if !ok {
			m, err = monitor.New(instance, d.orchestrator, d.store, d.queue, d.monitorConfig, d.clock, &d.tasks)
			if err != nil {
				ctx.Log.WithError(err).WithField("instance", instance.Name).Warn("not tracking instance")
				continue
			}
			d.monitors[instance.Name] = m
			ctx.Log.WithField("instance", instance.Name).Infof("tracking instance of flow %s", instance.FlowID)
		}
		m.Start(ctx)
	}

	for name, m := range d.monitors {
		if !running[name] {
			m.Stop()
			delete(d.monitors, name)
			ctx.Log.WithField("instance", name).Info("stopped tracking instance")
		}
	}
	d.metrics.SetActiveMonitors(len(d.monitors))

	if err := d.deleteUntrackedCursors(ctx); err != nil {
		logging.WithStacktrace(ctx.Log, err).Warn("failed to delete stream cursors")
	}
}

// Shutdown stops every monitor and waits for their streaming tasks to return.
func (d *Discovery) Shutdown() {
	for name, m := range d.monitors {
		m.Stop()
		delete(d.monitors, name)
	}
	d.metrics.SetActiveMonitors(0)
	d.tasks.Wait()
}

// Tracked returns the names of the instances being monitored, sorted.
func (d *Discovery) Tracked() []string {
	names := maps.Keys(d.monitors)
	slices.Sort(names)
	return names
}

func (d *Discovery) deleteUntrackedCursors(ctx *logctx.Context) error {
	value, err := d.store.GetAsBytes(ctx, model.CursorsPath)
	if trackererrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	cursors := map[string]json.RawMessage{}
	if err := json.Unmarshal(value, &cursors); err != nil {
		return errors.Wrapf(err, "invalid cursors at %s", model.CursorsPath)
	}
	for name := range cursors {
		if _, ok := d.monitors[name]; ok {
			continue
		}
		deleted, err := d.store.Delete(ctx, model.CursorPath(name))
		if err != nil {
			return err
		}
		d.metrics.RecordRetentionDeletions(metrics.DeletionKindCursor, deleted)
		ctx.Log.WithField("instance", name).Info("deleted stream cursor of untracked instance")
	}
	return nil
}
