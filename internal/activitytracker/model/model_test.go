package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaths(t *testing.T) {
	assert.Equal(t, "/activity/exchanges/flow1/e1", ExchangePath("flow1", "e1"))
	assert.Equal(t, "/activity/exchanges/flow1", FlowExchangesPath("flow1"))
	assert.Equal(t, "/activity/pods/pod1", CursorPath("pod1"))
	assert.Equal(t, "/activity/integrations/flow1", FlowPath("flow1"))
	assert.Equal(t, "/activity/pods", CursorsPath)
	assert.Equal(t, "/activity/integrations", FlowsPath)
}

func TestStreamCursor_Timestamp(t *testing.T) {
	ts, ok := StreamCursor{Time: "2024-01-01T00:00:01.5Z"}.Timestamp()
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 1, 500000000, time.UTC), ts)

	_, ok = StreamCursor{}.Timestamp()
	assert.False(t, ok)
	_, ok = StreamCursor{Time: "yesterday"}.Timestamp()
	assert.False(t, ok)
}

func TestActivityRecord_JSON(t *testing.T) {
	duration := int64(5)
	record := ActivityRecord{
		ID:                "e1",
		Instance:          "pod1",
		DeploymentVersion: "2",
		Status:            "done",
		StartMillis:       1000,
		Steps:             []*Step{{ID: "s1", AtMillis: 1001, DurationNs: &duration, Messages: []string{"hi"}}},
	}
	bytes, err := json.Marshal(record)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"id":"e1","pod":"pod1","ver":"2","status":"done","at":1000,"failed":false,"steps":[{"id":"s1","at":1001,"duration":5,"messages":["hi"]}]}`,
		string(bytes))

	cursor, err := json.Marshal(StreamCursor{})
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(cursor))
}
