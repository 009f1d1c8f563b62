package ingest

import (
	"time"

	"github.com/avast/retry-go"
	"k8s.io/utils/clock"

	"github.com/G-Research/activitytracker/internal/activitytracker/metrics"
	"github.com/G-Research/activitytracker/internal/common/logctx"
	"github.com/G-Research/activitytracker/internal/common/logging"
	"github.com/G-Research/activitytracker/internal/jsondb"
)

const defaultShutdownTimeout = 10 * time.Second

type WriterConfig struct {
	// A batch is committed once it holds this many distinct paths.
	MaxBatchSize int
	// or once this long has passed since its first intent arrived.
	MaxBatchDuration time.Duration
	// Total commit attempts per batch before it is dropped.
	CommitAttempts int
	// Delay before the first retry. Doubles on each subsequent retry.
	CommitBackoff time.Duration
	// Bound on the final flush performed after shutdown is requested.
	ShutdownTimeout time.Duration
}

// Writer is the single consumer of the queue. It groups intents into batches and commits each batch to the
// store in one transaction.
type Writer struct {
	queue   *Queue
	store   jsondb.Store
	config  WriterConfig
	clock   clock.Clock
	metrics *metrics.Metrics
}

func NewWriter(queue *Queue, store jsondb.Store, config WriterConfig, clock clock.Clock) *Writer {
	if config.CommitAttempts < 1 {
		config.CommitAttempts = 1
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaultShutdownTimeout
	}
	return &Writer{
		queue:   queue,
		store:   store,
		config:  config,
		clock:   clock,
		metrics: metrics.Get(),
	}
}

// Run commits batches until ctx is cancelled, then flushes whatever is queued and returns.
func (w *Writer) Run(ctx *logctx.Context) {
	for {
		batch, running := w.collect(ctx)
		if !running {
			w.flush(ctx, batch)
			return
		}
		if batch.Len() > 0 {
			w.commit(ctx, batch)
		}
	}
}

// collect waits for the first intent and then gathers more until the batch is full or MaxBatchDuration has
// passed since the first. Returns false once ctx is done.
func (w *Writer) collect(ctx *logctx.Context) (*Batch, bool) {
	batch := NewBatch()
	var expire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return batch, false
		case intent := <-w.queue.intents:
			batch.Add(intent)
			if expire == nil {
				expire = w.clock.After(w.config.MaxBatchDuration)
			}
			if batch.Len() >= w.config.MaxBatchSize {
				return batch, true
			}
		case <-expire:
			return batch, true
		}
	}
}

// flush commits pending and then drains the queue without blocking, using a fresh context bounded by
// ShutdownTimeout since ctx is already done.
func (w *Writer) flush(ctx *logctx.Context, pending *Batch) {
	flushCtx, cancel := logctx.WithTimeout(logctx.Detached(ctx), w.config.ShutdownTimeout)
	defer cancel()

	batch := pending
	for {
		select {
		case intent := <-w.queue.intents:
			batch.Add(intent)
			if batch.Len() >= w.config.MaxBatchSize {
				w.commit(flushCtx, batch)
				batch = NewBatch()
			}
		default:
			if batch.Len() > 0 {
				w.commit(flushCtx, batch)
			}
			ctx.Log.Info("Writer stopped")
			return
		}
	}
}

// commit writes batch, retrying with exponential backoff. A batch that still fails is logged and dropped so
// that one bad batch cannot stall ingestion.
func (w *Writer) commit(ctx *logctx.Context, batch *Batch) {
	w.metrics.SetQueueDepth(w.queue.Len())
	start := w.clock.Now()
	err := retry.Do(
		func() error {
			return w.store.BatchUpsert(ctx, batch.Values())
		},
		retry.Attempts(uint(w.config.CommitAttempts)),
		retry.Delay(w.config.CommitBackoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			w.metrics.RecordCommitRetry()
			ctx.Log.WithError(err).Warnf("batch commit attempt %d of %d failed", n+1, w.config.CommitAttempts)
		}),
	)
	if err != nil {
		w.metrics.RecordBatchDropped()
		logging.WithStacktrace(ctx.Log, err).
			WithField("paths", batch.Len()).
			Errorf("dropping batch of %d write intents", batch.Intents())
		return
	}
	w.metrics.RecordBatchCommitted(batch.Len(), w.clock.Since(start).Seconds())
	ctx.Log.Debugf("committed %d paths from %d write intents", batch.Len(), batch.Intents())
}
