package monitor

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/G-Research/activitytracker/internal/activitytracker/ingest"
	"github.com/G-Research/activitytracker/internal/activitytracker/logparse"
	"github.com/G-Research/activitytracker/internal/activitytracker/metrics"
	"github.com/G-Research/activitytracker/internal/activitytracker/model"
	"github.com/G-Research/activitytracker/internal/activitytracker/orchestrator"
	"github.com/G-Research/activitytracker/internal/activitytracker/reassembler"
	"github.com/G-Research/activitytracker/internal/common/logctx"
	"github.com/G-Research/activitytracker/internal/common/logging"
	"github.com/G-Research/activitytracker/internal/common/trackererrors"
	"github.com/G-Research/activitytracker/internal/jsondb"
)

type State int32

const (
	Idle State = iota
	Recovering
	Streaming
	Reconnecting
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recovering:
		return "recovering"
	case Streaming:
		return "streaming"
	case Reconnecting:
		return "reconnecting"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type Config struct {
	Retention    time.Duration
	MaxSteps     int
	MaxLineBytes int
}

// Monitor follows the log of one instance, turning its tracking output into write intents. At most one
// streaming task runs per monitor; Start is called on every discovery tick and resumes streaming if the
// previous task has ended.
type Monitor struct {
	instance     model.WorkloadInstance
	orchestrator orchestrator.Orchestrator
	store        jsondb.Store
	queue        *ingest.Queue
	reassembler  *reassembler.Reassembler
	config       Config
	metrics      *metrics.Metrics
	tasks        *sync.WaitGroup

	state      int32
	running    int32
	keepTrying int32

	mu     sync.Mutex
	cancel context.CancelFunc

	// Owned by the streaming task.
	recovered      bool
	cursor         model.StreamCursor
	lastLine       time.Time
	seenAtLastLine int
	replaySkip     int
}

// New validates instance and returns an idle monitor for it. tasks tracks streaming goroutines so that
// shutdown can wait for them.
func New(
	instance model.WorkloadInstance,
	orchestrator orchestrator.Orchestrator,
	store jsondb.Store,
	queue *ingest.Queue,
	config Config,
	clock clock.PassiveClock,
	tasks *sync.WaitGroup,
) (*Monitor, error) {
	if instance.FlowID == "" {
		return nil, errors.WithStack(&trackererrors.ErrInvalidArgument{
			Name:    "flowId",
			Value:   instance.FlowID,
			Message: "instance " + instance.Name + " has no flow id label",
		})
	}
	if instance.DeploymentVersion == "" {
		return nil, errors.WithStack(&trackererrors.ErrInvalidArgument{
			Name:    "deploymentVersion",
			Value:   instance.DeploymentVersion,
			Message: "instance " + instance.Name + " has no deployment version label",
		})
	}
	if err := jsondb.ValidateKey(instance.FlowID); err != nil {
		return nil, err
	}
	if err := jsondb.ValidateKey(instance.Name); err != nil {
		return nil, err
	}
	return &Monitor{
		instance:     instance,
		orchestrator: orchestrator,
		store:        store,
		queue:        queue,
		reassembler:  reassembler.New(instance, config.Retention, config.MaxSteps, clock),
		config:       config,
		metrics:      metrics.Get(),
		tasks:        tasks,
		state:        int32(Idle),
		keepTrying:   1,
	}, nil
}

func (m *Monitor) Instance() model.WorkloadInstance {
	return m.instance
}

func (m *Monitor) State() State {
	return State(atomic.LoadInt32(&m.state))
}

// Start schedules a streaming task unless one is already running or the monitor has been stopped.
func (m *Monitor) Start(ctx *logctx.Context) {
	if atomic.LoadInt32(&m.keepTrying) == 0 {
		return
	}
	if !atomic.CompareAndSwapInt32(&m.running, 0, 1) {
		return
	}
	m.tasks.Add(1)
	go func() {
		defer m.tasks.Done()
		defer atomic.StoreInt32(&m.running, 0)
		m.run(logctx.WithLogFields(ctx, logrus.Fields{
			"instance": m.instance.Name,
			"flow":     m.instance.FlowID,
		}))
	}()
}

// Stop prevents further streaming and aborts the current stream, if any.
func (m *Monitor) Stop() {
	atomic.StoreInt32(&m.keepTrying, 0)
	m.setState(Stopped)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
	}
}

func (m *Monitor) run(ctx *logctx.Context) {
	ctx, cancel := logctx.WithCancel(ctx)
	defer cancel()
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	if atomic.LoadInt32(&m.keepTrying) == 0 {
		m.setState(Stopped)
		return
	}

	if !m.recovered {
		m.setState(Recovering)
		if err := m.recover(ctx); err != nil {
			logging.WithStacktrace(ctx.Log, err).Warn("failed to recover stream cursor")
			m.endStream()
			return
		}
	}

	running, err := m.orchestrator.IsInstanceRunning(ctx, m.instance.Name)
	if err != nil {
		logging.WithStacktrace(ctx.Log, err).Warn("failed to check instance status")
		m.endStream()
		return
	}
	if !running {
		ctx.Log.Info("instance is not running, not streaming")
		m.endStream()
		return
	}
	if expired := m.reassembler.Expire(); expired > 0 {
		ctx.Log.Infof("discarded %d incomplete exchanges older than the retention time", expired)
	}

	m.setState(Streaming)
	var result orchestrator.StreamResult
	select {
	case result = <-m.orchestrator.OpenLogStream(ctx, m.instance, m.cursor.Time):
	case <-ctx.Done():
		m.endStream()
		return
	}
	if result.Err != nil {
		m.metrics.RecordStream(metrics.StreamResultFailed)
		ctx.Log.WithError(result.Err).Info("could not open log stream")
		m.endStream()
		return
	}
	m.metrics.RecordStream(metrics.StreamResultOpened)
	ctx.Log.Infof("streaming log from %q", m.cursor.Time)

	m.replaySkip = m.seenAtLastLine
	err = logparse.ReadLines(ctx, result.Body, m.config.MaxLineBytes, func(raw []byte) {
		m.processLine(ctx, raw)
	})
	_ = result.Body.Close()
	m.logStreamEnd(ctx, err)
	m.endStream()
}

func (m *Monitor) recover(ctx *logctx.Context) error {
	path := model.CursorPath(m.instance.Name)
	value, err := m.store.GetAsBytes(ctx, path)
	switch {
	case trackererrors.IsNotFound(err):
		value, err = json.Marshal(m.cursor)
		if err != nil {
			return errors.WithStack(err)
		}
		if err := m.store.BatchUpsert(ctx, map[string][]byte{path: value}); err != nil {
			return err
		}
		ctx.Log.Info("created stream cursor")
	case err != nil:
		return err
	default:
		var cursor model.StreamCursor
		if err := json.Unmarshal(value, &cursor); err != nil {
			return errors.Wrapf(err, "invalid cursor at %s", path)
		}
		m.cursor = cursor
		if t, ok := cursor.Timestamp(); ok {
			// The line at the cursor completed an exchange and has been processed.
			m.lastLine = t
			m.seenAtLastLine = 1
		}
		ctx.Log.Infof("recovered stream cursor at %q", cursor.Time)
	}
	m.recovered = true
	return nil
}

func (m *Monitor) processLine(ctx *logctx.Context, raw []byte) {
	m.metrics.RecordLineRead()
	line, ok := logparse.ParseLine(raw)
	if !ok {
		m.metrics.RecordLineDropped(metrics.DropReasonNotTracking)
		return
	}
	if m.isReplay(line.Time) {
		m.metrics.RecordLineDropped(metrics.DropReasonReplayed)
		return
	}
	completed, err := m.reassembler.Process(line)
	if err != nil {
		reason := dropReason(err)
		m.metrics.RecordLineDropped(reason)
		ctx.Log.WithError(err).Debugf("dropped log line (%s)", reason)
		return
	}
	if completed != nil {
		m.finalize(ctx, completed)
	}
}

// isReplay reports whether a line with timestamp t was already processed by an earlier stream. Streams
// resume from the cursor with second precision, so lines up to and including the last one seen are replayed.
func (m *Monitor) isReplay(t time.Time) bool {
	switch {
	case t.Before(m.lastLine):
		return true
	case t.Equal(m.lastLine):
		if m.replaySkip > 0 {
			m.replaySkip--
			return true
		}
		m.seenAtLastLine++
		return false
	default:
		m.lastLine = t
		m.seenAtLastLine = 1
		m.replaySkip = 0
		return false
	}
}

func (m *Monitor) finalize(ctx *logctx.Context, completed *reassembler.Completed) {
	record, err := ingest.NewRecordUpsert(m.instance.FlowID, completed.Record)
	if err != nil {
		logging.WithStacktrace(ctx.Log, err).WithField("exchange", completed.Record.ID).Error("failed to encode activity record")
		return
	}
	if advances(m.cursor, completed.Cursor) {
		m.cursor = completed.Cursor
	}
	err = m.queue.Enqueue(ctx,
		record,
		ingest.FlowMark{FlowID: m.instance.FlowID},
		ingest.CursorUpsert{Instance: m.instance.Name, Cursor: m.cursor},
	)
	if err != nil {
		ctx.Log.WithError(err).WithField("exchange", completed.Record.ID).Warn("activity record not queued")
		return
	}
	m.metrics.RecordRecordFinalized()
}

func (m *Monitor) logStreamEnd(ctx *logctx.Context, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrReadTimeout):
		m.metrics.RecordStream(metrics.StreamResultTimedOut)
		ctx.Log.Info("log stream idle for too long, will resume")
		return
	case err != nil && ctx.Err() == nil:
		m.metrics.RecordStream(metrics.StreamResultFailed)
		logging.WithStacktrace(ctx.Log, err).Warn("error reading log stream")
		return
	}
	m.metrics.RecordStream(metrics.StreamResultEnded)
	if ctx.Err() != nil || atomic.LoadInt32(&m.keepTrying) == 0 {
		return
	}
	running, err := m.orchestrator.IsInstanceRunning(ctx, m.instance.Name)
	switch {
	case err != nil:
		ctx.Log.WithError(err).Info("end of log stream")
	case running:
		ctx.Log.Info("end of log stream for running pod, will resume")
	default:
		ctx.Log.Info("end of log stream for terminated pod")
	}
}

func (m *Monitor) endStream() {
	if atomic.LoadInt32(&m.keepTrying) == 0 {
		m.setState(Stopped)
		return
	}
	m.setState(Reconnecting)
}

func (m *Monitor) setState(s State) {
	atomic.StoreInt32(&m.state, int32(s))
}

// advances reports whether next is at or after current. Unparseable cursors never replace parseable ones.
func advances(current, next model.StreamCursor) bool {
	nextTime, ok := next.Timestamp()
	if !ok {
		return false
	}
	currentTime, ok := current.Timestamp()
	return !ok || !nextTime.Before(currentTime)
}

func dropReason(err error) metrics.DropReason {
	switch {
	case errors.Is(err, reassembler.ErrExpired):
		return metrics.DropReasonExpired
	case errors.Is(err, reassembler.ErrAlreadyFinalized):
		return metrics.DropReasonAlreadyFinalized
	case trackererrors.IsInvalidArgument(err):
		return metrics.DropReasonInvalidKey
	default:
		return metrics.DropReasonMalformed
	}
}
