package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	clock "k8s.io/utils/clock/testing"

	"github.com/G-Research/activitytracker/internal/activitytracker/model"
	"github.com/G-Research/activitytracker/internal/common/logctx"
	"github.com/G-Research/activitytracker/internal/jsondb"
)

// recordingStore wraps a memory store, recording every batch and failing the first failures calls.
type recordingStore struct {
	jsondb.Store
	mu       sync.Mutex
	batches  []map[string][]byte
	failures int
}

func newRecordingStore(t *testing.T, failures int) *recordingStore {
	store, err := jsondb.NewMemoryStore()
	require.NoError(t, err)
	return &recordingStore{Store: store, failures: failures}
}

func (s *recordingStore) BatchUpsert(ctx context.Context, values map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("database unavailable")
	}
	s.batches = append(s.batches, maps.Clone(values))
	return s.Store.BatchUpsert(ctx, values)
}

func (s *recordingStore) committed() []map[string][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.batches)
}

var testConfig = WriterConfig{
	MaxBatchSize:     3,
	MaxBatchDuration: time.Second,
	CommitAttempts:   3,
	CommitBackoff:    time.Millisecond,
	ShutdownTimeout:  time.Second,
}

func startWriter(t *testing.T, store jsondb.Store, config WriterConfig) (*Queue, *clock.FakeClock, func()) {
	t.Helper()
	queue := NewQueue(10)
	testClock := clock.NewFakeClock(time.Now())
	writer := NewWriter(queue, store, config, testClock)
	ctx, cancel := logctx.WithCancel(logctx.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		writer.Run(ctx)
	}()
	return queue, testClock, func() {
		cancel()
		<-done
	}
}

func TestWriter_CommitsWhenBatchFull(t *testing.T) {
	store := newRecordingStore(t, 0)
	queue, _, stop := startWriter(t, store, testConfig)
	defer stop()

	require.NoError(t, queue.Enqueue(context.Background(), FlowMark{"f1"}, FlowMark{"f2"}, FlowMark{"f3"}))

	assert.Eventually(t, func() bool { return len(store.committed()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, map[string][]byte{
		"/activity/integrations/f1": []byte("true"),
		"/activity/integrations/f2": []byte("true"),
		"/activity/integrations/f3": []byte("true"),
	}, store.committed()[0])
}

func TestWriter_CommitsWhenBatchExpires(t *testing.T) {
	store := newRecordingStore(t, 0)
	queue, testClock, stop := startWriter(t, store, testConfig)
	defer stop()

	require.NoError(t, queue.Enqueue(context.Background(), FlowMark{"f1"}))
	assert.Eventually(t, testClock.HasWaiters, time.Second, time.Millisecond)
	assert.Empty(t, store.committed())

	testClock.Step(time.Second)

	assert.Eventually(t, func() bool { return len(store.committed()) == 1 }, time.Second, time.Millisecond)
}

func TestWriter_MergesIntentsForSamePath(t *testing.T) {
	store := newRecordingStore(t, 0)
	queue, testClock, stop := startWriter(t, store, testConfig)
	defer stop()

	require.NoError(t, queue.Enqueue(context.Background(),
		CursorUpsert{Instance: "p1", Cursor: model.StreamCursor{Time: "2024-01-01T00:00:01Z"}},
		CursorUpsert{Instance: "p1", Cursor: model.StreamCursor{Time: "2024-01-01T00:00:02Z"}},
	))
	assert.Eventually(t, testClock.HasWaiters, time.Second, time.Millisecond)
	testClock.Step(time.Second)

	assert.Eventually(t, func() bool { return len(store.committed()) == 1 }, time.Second, time.Millisecond)
	value, err := store.GetAsBytes(context.Background(), "/activity/pods/p1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"time":"2024-01-01T00:00:02Z"}`, string(value))
}

func TestWriter_RetriesFailedCommits(t *testing.T) {
	store := newRecordingStore(t, 2)
	queue, _, stop := startWriter(t, store, testConfig)
	defer stop()

	require.NoError(t, queue.Enqueue(context.Background(), FlowMark{"f1"}, FlowMark{"f2"}, FlowMark{"f3"}))

	assert.Eventually(t, func() bool { return len(store.committed()) == 1 }, time.Second, time.Millisecond)
}

func TestWriter_DropsBatchAfterRetriesAndContinues(t *testing.T) {
	store := newRecordingStore(t, 3)
	queue, _, stop := startWriter(t, store, testConfig)
	defer stop()

	require.NoError(t, queue.Enqueue(context.Background(), FlowMark{"f1"}, FlowMark{"f2"}, FlowMark{"f3"}))
	require.NoError(t, queue.Enqueue(context.Background(), FlowMark{"f4"}, FlowMark{"f5"}, FlowMark{"f6"}))

	assert.Eventually(t, func() bool { return len(store.committed()) == 1 }, time.Second, time.Millisecond)
	_, err := store.GetAsBytes(context.Background(), "/activity/integrations/f1")
	assert.Error(t, err)
	_, err = store.GetAsBytes(context.Background(), "/activity/integrations/f4")
	assert.NoError(t, err)
}

func TestWriter_FlushesOnShutdown(t *testing.T) {
	store := newRecordingStore(t, 0)
	queue, _, stop := startWriter(t, store, testConfig)

	require.NoError(t, queue.Enqueue(context.Background(), FlowMark{"f1"}))
	assert.Eventually(t, func() bool { return queue.Len() == 0 }, time.Second, time.Millisecond)
	stop()

	require.Len(t, store.committed(), 1)
	assert.Contains(t, store.committed()[0], "/activity/integrations/f1")
}

func TestQueue_EnqueueBlocksWhenFull(t *testing.T) {
	queue := NewQueue(1)
	require.NoError(t, queue.Enqueue(context.Background(), FlowMark{"f1"}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := queue.Enqueue(ctx, FlowMark{"f2"})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, queue.Len())
}

func TestNewRecordUpsert(t *testing.T) {
	intent, err := NewRecordUpsert("f1", &model.ActivityRecord{ID: "e1", Instance: "p1", Status: "done"})
	require.NoError(t, err)

	assert.Equal(t, "/activity/exchanges/f1/e1", intent.Path())
	assert.JSONEq(t, `{"id":"e1","pod":"p1","ver":"","status":"done","at":0,"failed":false}`, string(intent.Value()))
}
