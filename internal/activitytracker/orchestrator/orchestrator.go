package orchestrator

import (
	"context"
	"io"

	"github.com/G-Research/activitytracker/internal/activitytracker/model"
)

// StreamResult is delivered exactly once per OpenLogStream call: either an open log body or the reason
// the stream could not be opened.
type StreamResult struct {
	Body io.ReadCloser
	Err  error
}

// Orchestrator is the tracker's view of the platform running flow instances.
type Orchestrator interface {
	// ListRunningInstances returns the instances currently running, ordered by name.
	ListRunningInstances(ctx context.Context) ([]model.WorkloadInstance, error)
	// IsInstanceRunning returns false, without error, for instances that no longer exist.
	IsInstanceRunning(ctx context.Context, name string) (bool, error)
	// OpenLogStream starts following instance's log from since (RFC3339Nano, empty for the whole log) and
	// delivers the outcome asynchronously. Reads from the body fail with ErrReadTimeout once no data has
	// arrived for the configured read timeout.
	OpenLogStream(ctx context.Context, instance model.WorkloadInstance, since string) <-chan StreamResult
	// CancelAll aborts every open stream and rejects any opened later.
	CancelAll()
}
