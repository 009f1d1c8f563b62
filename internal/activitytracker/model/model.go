package model

import (
	"time"

	"github.com/G-Research/activitytracker/internal/jsondb"
)

const (
	activityRoot     = "activity"
	exchangesSegment = "exchanges"
	podsSegment      = "pods"
	flowsSegment     = "integrations"

	MaxStepsMessage = "Max activity tracking steps reached.  No further steps will be recorded."
)

var (
	ExchangesPath = jsondb.Join(activityRoot, exchangesSegment)
	CursorsPath   = jsondb.Join(activityRoot, podsSegment)
	FlowsPath     = jsondb.Join(activityRoot, flowsSegment)
)

// ActivityRecord is the persisted summary of one exchange.
type ActivityRecord struct {
	ID                string                 `json:"id"`
	Instance          string                 `json:"pod"`
	DeploymentVersion string                 `json:"ver"`
	Status            string                 `json:"status,omitempty"`
	StartMillis       int64                  `json:"at"`
	LogTimestamp      string                 `json:"logts,omitempty"`
	Failed            bool                   `json:"failed"`
	Steps             []*Step                `json:"steps,omitempty"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
}

type Step struct {
	ID         string        `json:"id,omitempty"`
	AtMillis   int64         `json:"at,omitempty"`
	DurationNs *int64        `json:"duration,omitempty"`
	Failure    string        `json:"failure,omitempty"`
	Messages   []string      `json:"messages,omitempty"`
	Events     []interface{} `json:"events,omitempty"`
}

// StreamCursor records how far an instance's log has been durably processed.
type StreamCursor struct {
	// RFC3339Nano timestamp of the last line whose exchange was finalized. Empty means the start of the log.
	Time string `json:"time,omitempty"`
}

func (c StreamCursor) Timestamp() (time.Time, bool) {
	if c.Time == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, c.Time)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// WorkloadInstance is a running copy of a flow as reported by the orchestrator.
type WorkloadInstance struct {
	Name              string
	Namespace         string
	FlowID            string
	DeploymentVersion string
	Container         string
	Running           bool
}

func ExchangePath(flowID, executionID string) string {
	return jsondb.Join(activityRoot, exchangesSegment, flowID, executionID)
}

func FlowExchangesPath(flowID string) string {
	return jsondb.Join(activityRoot, exchangesSegment, flowID)
}

func CursorPath(instanceName string) string {
	return jsondb.Join(activityRoot, podsSegment, instanceName)
}

func FlowPath(flowID string) string {
	return jsondb.Join(activityRoot, flowsSegment, flowID)
}
