package ingest

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/G-Research/activitytracker/internal/activitytracker/model"
)

// WriteIntent is an immutable description of one store write. Intents are created by monitors and applied by
// the single writer.
type WriteIntent interface {
	Path() string
	Value() []byte
}

type RecordUpsert struct {
	path  string
	value []byte
}

// NewRecordUpsert encodes record for storage under its flow.
func NewRecordUpsert(flowID string, record *model.ActivityRecord) (RecordUpsert, error) {
	value, err := json.Marshal(record)
	if err != nil {
		return RecordUpsert{}, errors.WithStack(err)
	}
	return RecordUpsert{path: model.ExchangePath(flowID, record.ID), value: value}, nil
}

func (r RecordUpsert) Path() string  { return r.path }
func (r RecordUpsert) Value() []byte { return r.value }

type CursorUpsert struct {
	Instance string
	Cursor   model.StreamCursor
}

func (c CursorUpsert) Path() string { return model.CursorPath(c.Instance) }

func (c CursorUpsert) Value() []byte {
	// A struct of strings always marshals.
	value, _ := json.Marshal(c.Cursor)
	return value
}

// FlowMark records that a flow has stored activity.
type FlowMark struct {
	FlowID string
}

func (f FlowMark) Path() string  { return model.FlowPath(f.FlowID) }
func (f FlowMark) Value() []byte { return []byte("true") }

// Batch merges intents by path. A later intent for a path replaces an earlier one.
type Batch struct {
	values  map[string][]byte
	intents int
}

func NewBatch() *Batch {
	return &Batch{values: map[string][]byte{}}
}

func (b *Batch) Add(intent WriteIntent) {
	b.values[intent.Path()] = intent.Value()
	b.intents++
}

// Len is the number of distinct paths in the batch.
func (b *Batch) Len() int {
	return len(b.values)
}

// Intents is the number of intents merged into the batch.
func (b *Batch) Intents() int {
	return b.intents
}

func (b *Batch) Values() map[string][]byte {
	return b.values
}
