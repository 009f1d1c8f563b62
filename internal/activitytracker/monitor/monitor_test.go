package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/G-Research/activitytracker/internal/activitytracker/ingest"
	"github.com/G-Research/activitytracker/internal/activitytracker/model"
	"github.com/G-Research/activitytracker/internal/activitytracker/orchestrator"
	"github.com/G-Research/activitytracker/internal/common/logctx"
	"github.com/G-Research/activitytracker/internal/common/trackererrors"
	"github.com/G-Research/activitytracker/internal/jsondb"
	"github.com/G-Research/activitytracker/internal/keygen"
)

var (
	baseTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	instance = model.WorkloadInstance{
		Name:              "i-flow1-1-abcde",
		Namespace:         "flows",
		FlowID:            "flow1",
		DeploymentVersion: "3",
		Container:         "main",
		Running:           true,
	}
)

// fakeOrchestrator serves one canned log per OpenLogStream call. A log of "" blocks until the stream context
// is cancelled.
type fakeOrchestrator struct {
	mu      sync.Mutex
	running bool
	logs    []string
	openErr error
	since   []string
}

func (f *fakeOrchestrator) ListRunningInstances(context.Context) ([]model.WorkloadInstance, error) {
	return []model.WorkloadInstance{instance}, nil
}

func (f *fakeOrchestrator) IsInstanceRunning(context.Context, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running, nil
}

func (f *fakeOrchestrator) OpenLogStream(ctx context.Context, _ model.WorkloadInstance, since string) <-chan orchestrator.StreamResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.since = append(f.since, since)
	result := make(chan orchestrator.StreamResult, 1)
	switch {
	case f.openErr != nil:
		result <- orchestrator.StreamResult{Err: f.openErr}
	case len(f.logs) == 0:
		result <- orchestrator.StreamResult{Err: errors.New("no more logs")}
	case f.logs[0] == "":
		reader, writer := io.Pipe()
		go func() {
			<-ctx.Done()
			_ = writer.CloseWithError(ctx.Err())
		}()
		f.logs = f.logs[1:]
		result <- orchestrator.StreamResult{Body: reader}
	default:
		result <- orchestrator.StreamResult{Body: io.NopCloser(strings.NewReader(f.logs[0]))}
		f.logs = f.logs[1:]
	}
	return result
}

func (f *fakeOrchestrator) CancelAll() {}

func (f *fakeOrchestrator) sinceValues() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.since...)
}

type fixture struct {
	monitor      *Monitor
	orchestrator *fakeOrchestrator
	store        jsondb.Store
	queue        *ingest.Queue
	tasks        *sync.WaitGroup
}

func newFixture(t *testing.T, logs ...string) *fixture {
	store, err := jsondb.NewMemoryStore()
	require.NoError(t, err)
	f := &fixture{
		orchestrator: &fakeOrchestrator{running: true, logs: logs},
		store:        store,
		queue:        ingest.NewQueue(100),
		tasks:        &sync.WaitGroup{},
	}
	config := Config{Retention: 24 * time.Hour, MaxSteps: 10, MaxLineBytes: 1024}
	f.monitor, err = New(instance, f.orchestrator, store, f.queue, config, clock.NewFakeClock(baseTime.Add(time.Hour)), f.tasks)
	require.NoError(t, err)
	return f
}

// runSession starts the monitor, waits for the streaming task to end and commits everything it queued.
func (f *fixture) runSession(t *testing.T) {
	f.monitor.Start(logctx.Background())
	f.tasks.Wait()
	ctx, cancel := logctx.WithCancel(logctx.Background())
	cancel()
	ingest.NewWriter(f.queue, f.store, ingest.WriterConfig{MaxBatchSize: 100, CommitAttempts: 1}, clock.NewFakeClock(baseTime)).Run(ctx)
}

func (f *fixture) record(t *testing.T, id string) *model.ActivityRecord {
	value, err := f.store.GetAsBytes(context.Background(), model.ExchangePath(instance.FlowID, id))
	require.NoError(t, err)
	record := &model.ActivityRecord{}
	require.NoError(t, json.Unmarshal(value, record))
	return record
}

func (f *fixture) cursor(t *testing.T) string {
	value, err := f.store.GetAsBytes(context.Background(), model.CursorPath(instance.Name))
	require.NoError(t, err)
	return string(value)
}

func logOf(lines ...string) string {
	return strings.Join(lines, "\n") + "\n"
}

func TestMonitor_StreamsCompletedExchanges(t *testing.T) {
	f := newFixture(t, logOf(
		`2024-01-01T00:00:01Z {"exchange":"e1","status":"begin","customer":"acme"}`,
		`2024-01-01T00:00:01Z plain text output`,
		`2024-01-01T00:00:02Z {"exchange":"e1","step":"s1","message":"hello"}`,
		`2024-01-01T00:00:02Z {"exchange":"e1","step":"s1","duration":7}`,
		`2024-01-01T00:00:03Z {"exchange":"e1","status":"done"}`,
		`2024-01-01T00:00:04Z {"exchange":"e2","status":"begin"}`,
	))

	f.runSession(t)

	record := f.record(t, "e1")
	assert.Equal(t, "done", record.Status)
	assert.Equal(t, instance.Name, record.Instance)
	assert.Equal(t, "acme", record.Metadata["customer"])
	require.Len(t, record.Steps, 1)
	assert.Equal(t, []string{"hello"}, record.Steps[0].Messages)

	_, err := f.store.GetAsBytes(context.Background(), model.ExchangePath(instance.FlowID, "e2"))
	assert.True(t, trackererrors.IsNotFound(err))

	flow, err := f.store.GetAsBytes(context.Background(), model.FlowPath(instance.FlowID))
	require.NoError(t, err)
	assert.Equal(t, "true", string(flow))
	assert.JSONEq(t, `{"time":"2024-01-01T00:00:03Z"}`, f.cursor(t))
	assert.Equal(t, []string{""}, f.orchestrator.sinceValues())
	assert.Equal(t, Reconnecting, f.monitor.State())
}

func TestMonitor_ResumesWithoutDuplicatingReplayedLines(t *testing.T) {
	f := newFixture(t,
		logOf(
			`2024-01-01T00:00:01Z {"exchange":"e1","status":"begin"}`,
			`2024-01-01T00:00:03Z {"exchange":"e1","status":"done"}`,
			`2024-01-01T00:00:03Z {"exchange":"e2","status":"begin"}`,
			`2024-01-01T00:00:04Z {"exchange":"e2","step":"s1","message":"first"}`,
		),
		logOf(
			`2024-01-01T00:00:03Z {"exchange":"e1","status":"done"}`,
			`2024-01-01T00:00:03Z {"exchange":"e2","status":"begin"}`,
			`2024-01-01T00:00:04Z {"exchange":"e2","step":"s1","message":"first"}`,
			`2024-01-01T00:00:05Z {"exchange":"e2","step":"s1","duration":3}`,
			`2024-01-01T00:00:06Z {"exchange":"e2","status":"done","failed":true}`,
		),
	)

	f.runSession(t)
	f.runSession(t)

	assert.Equal(t, []string{"", "2024-01-01T00:00:03Z"}, f.orchestrator.sinceValues())
	record := f.record(t, "e2")
	assert.True(t, record.Failed)
	require.Len(t, record.Steps, 1)
	assert.Equal(t, []string{"first"}, record.Steps[0].Messages)
	assert.JSONEq(t, `{"time":"2024-01-01T00:00:06Z"}`, f.cursor(t))
}

func TestMonitor_RecoversPersistedCursor(t *testing.T) {
	f := newFixture(t, logOf(
		`2024-01-01T00:00:03Z {"exchange":"e1","status":"done"}`,
		`2024-01-01T00:00:03Z {"exchange":"e2","status":"begin"}`,
		`2024-01-01T00:00:04Z {"exchange":"e2","status":"done"}`,
	))
	err := f.store.BatchUpsert(context.Background(), map[string][]byte{
		model.CursorPath(instance.Name): []byte(`{"time":"2024-01-01T00:00:03Z"}`),
	})
	require.NoError(t, err)

	f.runSession(t)

	assert.Equal(t, []string{"2024-01-01T00:00:03Z"}, f.orchestrator.sinceValues())
	assert.Equal(t, "done", f.record(t, "e2").Status)
	_, err = f.store.GetAsBytes(context.Background(), model.ExchangePath(instance.FlowID, "e1"))
	assert.True(t, trackererrors.IsNotFound(err))
}

func TestMonitor_PersistsInitialCursorWhenInstanceNotRunning(t *testing.T) {
	f := newFixture(t)
	f.orchestrator.running = false

	f.runSession(t)

	assert.JSONEq(t, `{}`, f.cursor(t))
	assert.Empty(t, f.orchestrator.sinceValues())
	assert.Equal(t, Reconnecting, f.monitor.State())
}

func TestMonitor_RetriesAfterOpenFailure(t *testing.T) {
	f := newFixture(t, logOf(
		`2024-01-01T00:00:01Z {"exchange":"e1","status":"done"}`,
	))
	f.orchestrator.openErr = errors.New("container creating")

	f.runSession(t)
	assert.Equal(t, Reconnecting, f.monitor.State())

	f.orchestrator.mu.Lock()
	f.orchestrator.openErr = nil
	f.orchestrator.mu.Unlock()
	f.runSession(t)

	assert.Equal(t, "done", f.record(t, "e1").Status)
	assert.Equal(t, []string{"", ""}, f.orchestrator.sinceValues())
}

func TestMonitor_DropsExchangesOutsideRetention(t *testing.T) {
	old := keygen.CreateKeyAt(baseTime.Add(-72 * time.Hour))
	f := newFixture(t, logOf(
		fmt.Sprintf(`2024-01-01T00:00:01Z {"exchange":"%s","status":"begin"}`, old),
		fmt.Sprintf(`2024-01-01T00:00:01Z {"exchange":"%s","status":"done"}`, old),
		`2024-01-01T00:00:02Z {"exchange":"e1","status":"done"}`,
	))

	f.runSession(t)

	_, err := f.store.GetAsBytes(context.Background(), model.ExchangePath(instance.FlowID, old))
	assert.True(t, trackererrors.IsNotFound(err))
	assert.Equal(t, "done", f.record(t, "e1").Status)
}

func TestMonitor_StopCancelsStream(t *testing.T) {
	f := newFixture(t, "")

	f.monitor.Start(logctx.Background())
	assert.Eventually(t, func() bool {
		return len(f.orchestrator.sinceValues()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	f.monitor.Stop()
	f.tasks.Wait()
	assert.Equal(t, Stopped, f.monitor.State())

	f.monitor.Start(logctx.Background())
	f.tasks.Wait()
	assert.Len(t, f.orchestrator.sinceValues(), 1)
}

func TestMonitor_StartIsIdempotentWhileStreaming(t *testing.T) {
	f := newFixture(t, "")

	f.monitor.Start(logctx.Background())
	assert.Eventually(t, func() bool {
		return len(f.orchestrator.sinceValues()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	f.monitor.Start(logctx.Background())
	f.monitor.Start(logctx.Background())

	f.monitor.Stop()
	f.tasks.Wait()
	assert.Len(t, f.orchestrator.sinceValues(), 1)
}

func TestNew_RejectsInvalidInstances(t *testing.T) {
	tests := map[string]func(i *model.WorkloadInstance){
		"missing flow id":            func(i *model.WorkloadInstance) { i.FlowID = "" },
		"missing deployment version": func(i *model.WorkloadInstance) { i.DeploymentVersion = "" },
		"flow id with separator":     func(i *model.WorkloadInstance) { i.FlowID = "a/b" },
		"instance name with dot":     func(i *model.WorkloadInstance) { i.Name = "pod.1" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			invalid := instance
			mutate(&invalid)
			_, err := New(invalid, &fakeOrchestrator{}, nil, ingest.NewQueue(1), Config{}, clock.NewFakeClock(baseTime), &sync.WaitGroup{})
			assert.True(t, trackererrors.IsInvalidArgument(err), err)
		})
	}
}

func TestIsReplay(t *testing.T) {
	m := &Monitor{}
	at := func(seconds int) time.Time { return baseTime.Add(time.Duration(seconds) * time.Second) }

	assert.False(t, m.isReplay(at(1)))
	assert.False(t, m.isReplay(at(2)))
	assert.False(t, m.isReplay(at(2)))

	// New session replaying from second 1.
	m.replaySkip = m.seenAtLastLine
	assert.True(t, m.isReplay(at(1)))
	assert.True(t, m.isReplay(at(2)))
	assert.True(t, m.isReplay(at(2)))
	assert.False(t, m.isReplay(at(2)))
	assert.False(t, m.isReplay(at(3)))
	assert.Equal(t, 1, m.seenAtLastLine)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "streaming", Streaming.String())
	assert.Equal(t, "stopped", Stopped.String())
	assert.Equal(t, "unknown", State(42).String())
}
