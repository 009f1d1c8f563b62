package reassembler

import (
	"time"

	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/G-Research/activitytracker/internal/activitytracker/logparse"
	"github.com/G-Research/activitytracker/internal/activitytracker/model"
	"github.com/G-Research/activitytracker/internal/jsondb"
	"github.com/G-Research/activitytracker/internal/keygen"
)

const finalizedCacheSize = 1024

var (
	ErrExpired          = errors.New("exchange started before the retention window")
	ErrAlreadyFinalized = errors.New("exchange already finalized")
)

// Completed is produced when an exchange reports status "done".
type Completed struct {
	Record *model.ActivityRecord
	// Cursor positioned at the line that completed the exchange.
	Cursor model.StreamCursor
}

type inflight struct {
	record      *model.ActivityRecord
	startedAt   time.Time
	doneSteps   []*model.Step
	activeSteps map[string]*model.Step
	metadata    map[string]interface{}
}

// Reassembler accumulates the tracking events of one instance's log into activity records.
// It is not threadsafe; each instance monitor owns one and feeds it lines in log order.
type Reassembler struct {
	instance  model.WorkloadInstance
	retention time.Duration
	maxSteps  int
	clock     clock.PassiveClock
	inflight  map[string]*inflight
	// Ids of recently completed exchanges, so replayed lines cannot reopen them.
	finalized *simplelru.LRU
}

func New(instance model.WorkloadInstance, retention time.Duration, maxSteps int, clock clock.PassiveClock) *Reassembler {
	// Only fails for a non-positive size.
	finalized, _ := simplelru.NewLRU(finalizedCacheSize, nil)
	return &Reassembler{
		instance:  instance,
		retention: retention,
		maxSteps:  maxSteps,
		clock:     clock,
		inflight:  map[string]*inflight{},
		finalized: finalized,
	}
}

// Process applies line to the exchange it belongs to. It returns a non-nil Completed when the line finishes
// an exchange, and an error when the line is dropped.
func (r *Reassembler) Process(line logparse.Line) (*Completed, error) {
	event, err := logparse.DecodeEvent(line.Body)
	if err != nil {
		return nil, err
	}
	exchangeID := event.ExchangeID()
	if err := jsondb.ValidateKey(exchangeID); err != nil {
		return nil, err
	}
	if r.finalized.Contains(exchangeID) {
		return nil, ErrAlreadyFinalized
	}

	data, ok := r.inflight[exchangeID]
	if !ok {
		startedAt := startTime(exchangeID, line.Time)
		if startedAt.Before(r.clock.Now().Add(-r.retention)) {
			return nil, ErrExpired
		}
		data = r.newInflight(exchangeID, startedAt, line.RawTime)
	}

	switch e := event.(type) {
	case *logparse.StepEvent:
		r.applyStep(data, e, line.Time)
		return nil, nil
	case *logparse.ExchangeEvent:
		return r.applyExchange(data, e, line.RawTime), nil
	default:
		return nil, errors.Errorf("unexpected event type %T", event)
	}
}

// Expire discards in-flight exchanges that started before the retention window. Returns the number discarded.
func (r *Reassembler) Expire() int {
	cutoff := r.clock.Now().Add(-r.retention)
	expired := 0
	for id, data := range r.inflight {
		if data.startedAt.Before(cutoff) {
			delete(r.inflight, id)
			expired++
		}
	}
	return expired
}

func (r *Reassembler) InFlight() int {
	return len(r.inflight)
}

func (r *Reassembler) newInflight(exchangeID string, startedAt time.Time, rawTime string) *inflight {
	data := &inflight{
		record: &model.ActivityRecord{
			ID:                exchangeID,
			Instance:          r.instance.Name,
			DeploymentVersion: r.instance.DeploymentVersion,
			StartMillis:       startedAt.UnixMilli(),
			LogTimestamp:      rawTime,
		},
		startedAt:   startedAt,
		activeSteps: map[string]*model.Step{},
		metadata:    map[string]interface{}{},
	}
	r.inflight[exchangeID] = data
	return data
}

func (r *Reassembler) applyStep(data *inflight, e *logparse.StepEvent, lineTime time.Time) {
	step, ok := data.activeSteps[e.Step]
	if !ok {
		step = &model.Step{
			ID:       e.Step,
			AtMillis: startTime(e.ID, lineTime).UnixMilli(),
		}
		data.activeSteps[e.Step] = step
	}
	if e.Message != nil {
		step.Messages = append(step.Messages, *e.Message)
	}
	if e.Failure != nil {
		step.Failure = *e.Failure
	}
	if e.Duration != nil {
		duration := *e.Duration
		step.DurationNs = &duration
	}
	if len(e.Extra) > 0 {
		step.Events = append(step.Events, e.Extra)
	}
	if e.Duration == nil {
		return
	}

	delete(data.activeSteps, e.Step)
	if len(data.doneSteps) == r.maxSteps {
		data.doneSteps = append(data.doneSteps, &model.Step{Messages: []string{model.MaxStepsMessage}})
	}
	if len(data.doneSteps) < r.maxSteps {
		data.doneSteps = append(data.doneSteps, step)
	}
}

func (r *Reassembler) applyExchange(data *inflight, e *logparse.ExchangeEvent, rawTime string) *Completed {
	if e.Failed != nil {
		data.record.Failed = *e.Failed
	}
	for k, v := range e.Metadata {
		data.metadata[k] = v
	}
	if e.Status == "" {
		return nil
	}
	data.record.Status = e.Status
	if !e.Done() {
		return nil
	}

	record := data.record
	record.Steps = data.doneSteps
	if len(data.metadata) > 0 {
		record.Metadata = data.metadata
	}
	delete(r.inflight, record.ID)
	r.finalized.Add(record.ID, struct{}{})
	return &Completed{
		Record: record,
		Cursor: model.StreamCursor{Time: rawTime},
	}
}

// startTime is the creation time encoded in id, or fallback if id is not a push key.
func startTime(id string, fallback time.Time) time.Time {
	if t, err := keygen.TimeOf(id); err == nil {
		return t
	}
	return fallback
}
