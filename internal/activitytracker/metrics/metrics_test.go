package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics("metrics_test_")

	m.RecordLineRead()
	m.RecordLineRead()
	m.RecordLineDropped(DropReasonReplayed)
	m.RecordStream(StreamResultTimedOut)
	m.SetActiveMonitors(3)
	m.SetQueueDepth(7)
	m.RecordCommitRetry()
	m.RecordBatchDropped()
	m.RecordRetentionDeletions(DeletionKindExpired, 12)
	m.RecordRetentionDeletions(DeletionKindExpired, 3)
	m.RecordBatchCommitted(4, 0.01)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.linesRead))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.linesDropped.WithLabelValues(string(DropReasonReplayed))))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.linesDropped.WithLabelValues(string(DropReasonMalformed))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.streams.WithLabelValues(string(StreamResultTimedOut))))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.activeMonitors))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.queueDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commitRetries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.batchesDropped))
	assert.Equal(t, 15.0, testutil.ToFloat64(m.retentionDeletions.WithLabelValues(string(DeletionKindExpired))))
	assert.Equal(t, 1, testutil.CollectAndCount(m.batchSize))
}
