package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type (
	DropReason   string
	StreamResult string
	DeletionKind string
)

const (
	DropReasonNotTracking      DropReason = "not_tracking"
	DropReasonMalformed        DropReason = "malformed"
	DropReasonExpired          DropReason = "expired"
	DropReasonInvalidKey       DropReason = "invalid_key"
	DropReasonReplayed         DropReason = "replayed"
	DropReasonAlreadyFinalized DropReason = "already_finalized"

	StreamResultOpened   StreamResult = "opened"
	StreamResultFailed   StreamResult = "failed"
	StreamResultEnded    StreamResult = "ended"
	StreamResultTimedOut StreamResult = "timed_out"

	DeletionKindExpired  DeletionKind = "expired"
	DeletionKindOverflow DeletionKind = "overflow"
	DeletionKindCursor   DeletionKind = "cursor"
)

const ActivityTrackerMetricsPrefix = "activity_tracker_"

type Metrics struct {
	linesRead          prometheus.Counter
	linesDropped       *prometheus.CounterVec
	recordsFinalized   prometheus.Counter
	streams            *prometheus.CounterVec
	activeMonitors     prometheus.Gauge
	queueDepth         prometheus.Gauge
	batchSize          prometheus.Histogram
	commitDuration     prometheus.Histogram
	commitRetries      prometheus.Counter
	batchesDropped     prometheus.Counter
	retentionDeletions *prometheus.CounterVec
}

var m = NewMetrics(ActivityTrackerMetricsPrefix)

// Get returns the process-wide metrics.
func Get() *Metrics {
	return m
}

func NewMetrics(prefix string) *Metrics {
	return &Metrics{
		linesRead: promauto.NewCounter(prometheus.CounterOpts{
			Name: prefix + "log_lines_read",
			Help: "Number of log lines read from instance log streams",
		}),
		linesDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "log_lines_dropped",
			Help: "Number of log lines discarded grouped by reason",
		}, []string{"reason"}),
		recordsFinalized: promauto.NewCounter(prometheus.CounterOpts{
			Name: prefix + "records_finalized",
			Help: "Number of exchanges completed and handed to the writer",
		}),
		streams: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "log_streams",
			Help: "Number of log stream lifecycle events grouped by result",
		}, []string{"result"}),
		activeMonitors: promauto.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "active_monitors",
			Help: "Number of instances currently being monitored",
		}),
		queueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "queue_depth",
			Help: "Number of write intents waiting in the ingestion queue",
		}),
		batchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    prefix + "batch_size",
			Help:    "Number of distinct paths written per batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 11),
		}),
		commitDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    prefix + "batch_commit_latency_seconds",
			Help:    "Time taken to commit a batch, retries included",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		commitRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: prefix + "batch_commit_retries",
			Help: "Number of failed batch commit attempts",
		}),
		batchesDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: prefix + "batches_dropped",
			Help: "Number of batches discarded after exhausting commit retries",
		}),
		retentionDeletions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "retention_deletions",
			Help: "Number of stored documents removed grouped by kind",
		}, []string{"kind"}),
	}
}

func (m *Metrics) RecordLineRead() {
	m.linesRead.Inc()
}

func (m *Metrics) RecordLineDropped(reason DropReason) {
	m.linesDropped.With(map[string]string{"reason": string(reason)}).Inc()
}

func (m *Metrics) RecordRecordFinalized() {
	m.recordsFinalized.Inc()
}

func (m *Metrics) RecordStream(result StreamResult) {
	m.streams.With(map[string]string{"result": string(result)}).Inc()
}

func (m *Metrics) SetActiveMonitors(n int) {
	m.activeMonitors.Set(float64(n))
}

func (m *Metrics) SetQueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) RecordBatchCommitted(size int, seconds float64) {
	m.batchSize.Observe(float64(size))
	m.commitDuration.Observe(seconds)
}

func (m *Metrics) RecordCommitRetry() {
	m.commitRetries.Inc()
}

func (m *Metrics) RecordBatchDropped() {
	m.batchesDropped.Inc()
}

func (m *Metrics) RecordRetentionDeletions(kind DeletionKind, n int) {
	m.retentionDeletions.With(map[string]string{"kind": string(kind)}).Add(float64(n))
}
