package task

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/G-Research/activitytracker/internal/common/logctx"
)

func TestBackgroundTaskManager_RunsRepeatedly(t *testing.T) {
	var runs int32
	m := NewBackgroundTaskManager("test_repeat_")
	m.Register(logctx.Background(), func(*logctx.Context) { atomic.AddInt32(&runs, 1) }, 0, 10*time.Millisecond, "counter")

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 3 }, time.Second, 5*time.Millisecond)
	assert.False(t, m.StopAll(time.Second))
}

func TestBackgroundTaskManager_HonoursInitialDelay(t *testing.T) {
	var runs int32
	m := NewBackgroundTaskManager("test_delay_")
	m.Register(logctx.Background(), func(*logctx.Context) { atomic.AddInt32(&runs, 1) }, time.Hour, time.Millisecond, "delayed")

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&runs))
	assert.False(t, m.StopAll(time.Second))
}

func TestBackgroundTaskManager_SurvivesPanic(t *testing.T) {
	var runs int32
	m := NewBackgroundTaskManager("test_panic_")
	m.Register(logctx.Background(), func(*logctx.Context) {
		atomic.AddInt32(&runs, 1)
		panic("boom")
	}, 0, 5*time.Millisecond, "panicking")

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 2 }, time.Second, 5*time.Millisecond)
	assert.False(t, m.StopAll(time.Second))
}

func TestBackgroundTaskManager_StopAllTimesOut(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	m := NewBackgroundTaskManager("test_timeout_")
	m.Register(logctx.Background(), func(*logctx.Context) {
		close(started)
		<-release
	}, 0, time.Hour, "blocking")

	<-started
	assert.True(t, m.StopAll(10*time.Millisecond))
	close(release)
}

func TestBackgroundTaskManager_SharesLatencyMetricAcrossManagers(t *testing.T) {
	for i := 0; i < 2; i++ {
		m := NewBackgroundTaskManager("test_shared_")
		assert.NotPanics(t, func() {
			m.Register(logctx.Background(), func(*logctx.Context) {}, time.Hour, time.Hour, "task")
		})
		assert.False(t, m.StopAll(time.Second))
	}
}
