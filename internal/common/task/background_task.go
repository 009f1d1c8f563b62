package task

import (
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/G-Research/activitytracker/internal/common/logctx"
)

type task struct {
	function     func(ctx *logctx.Context)
	initialDelay time.Duration
	interval     time.Duration
	metricName   string
	stopChannel  chan bool
}

// BackgroundTaskManager runs functions with a fixed delay between the end of one run and the start of the next.
// It is not threadsafe, it should only be accessed from a single thread.
type BackgroundTaskManager struct {
	tasks         []*task
	metricsPrefix string
	wg            *sync.WaitGroup
}

func NewBackgroundTaskManager(metricsPrefix string) *BackgroundTaskManager {
	return &BackgroundTaskManager{
		tasks:         []*task{},
		metricsPrefix: metricsPrefix,
		wg:            &sync.WaitGroup{},
	}
}

// Register starts backgroundTask after initialDelay and then repeatedly, interval after each run completes.
// A panic in backgroundTask is logged and the task keeps its schedule.
func (m *BackgroundTaskManager) Register(
	ctx *logctx.Context,
	backgroundTask func(ctx *logctx.Context),
	initialDelay time.Duration,
	interval time.Duration,
	metricName string,
) {
	task := &task{
		function:     backgroundTask,
		initialDelay: initialDelay,
		interval:     interval,
		metricName:   metricName,
		stopChannel:  make(chan bool, 1),
	}
	m.startBackgroundTask(logctx.WithLogField(ctx, "task", metricName), task)
	m.tasks = append(m.tasks, task)
}

// StopAll signals every task to stop and waits up to timeout for in-progress runs to finish.
// Returns true if the wait timed out.
func (m *BackgroundTaskManager) StopAll(timeout time.Duration) bool {
	m.stopTasks()
	return m.waitForShutdownCompletion(timeout)
}

func (m *BackgroundTaskManager) startBackgroundTask(ctx *logctx.Context, task *task) {
	taskDurationHistogram := latencyHistogram(m.metricsPrefix + task.metricName + "_latency_seconds")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		wait := task.initialDelay
		for {
			select {
			case <-time.After(wait):
			case <-task.stopChannel:
				return
			}
			start := time.Now()
			runSafely(ctx, task.function)
			taskDurationHistogram.Observe(time.Since(start).Seconds())
			wait = task.interval
		}
	}()
}

func runSafely(ctx *logctx.Context, f func(ctx *logctx.Context)) {
	defer func() {
		if r := recover(); r != nil {
			ctx.Log.WithField("stack", string(debug.Stack())).Errorf("background task panicked: %s", fmt.Sprint(r))
		}
	}()
	f(ctx)
}

func (m *BackgroundTaskManager) waitForShutdownCompletion(timeout time.Duration) bool {
	c := make(chan struct{})
	go func() {
		defer close(c)
		m.wg.Wait()
	}()
	select {
	case <-c:
		return false // completed normally
	case <-time.After(timeout):
		return true // timed out
	}
}

func (m *BackgroundTaskManager) stopTasks() {
	for _, task := range m.tasks {
		task.stopChannel <- true
	}
}

// latencyHistogram registers a task latency histogram, reusing the existing one if a task of the same name was
// registered before.
func latencyHistogram(name string) prometheus.Histogram {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    name,
		Help:    "Background loop latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
	})
	if err := prometheus.Register(histogram); err != nil {
		if registered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := registered.ExistingCollector.(prometheus.Histogram); ok {
				return existing
			}
		}
	}
	return histogram
}
