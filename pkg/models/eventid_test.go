package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEnvelope(lane Lane) *Envelope {
	env := &Envelope{
		ScopeID: "s",
		Lane:    lane,
		Identity: Identity{
			SystemID:    "sys1",
			ContainerID: "c1",
			UniqueID:    "d1",
		},
		SourceTruthTime: time.Date(2026, 1, 27, 10, 0, 0, 0, time.UTC),
	}
	if lane == LaneRaw {
		env.Bytes = []byte{0xDE, 0xAD, 0xBE, 0xEF}
	} else {
		env.MessageType = "status"
		env.SchemaVersion = 1
		env.Payload = json.RawMessage(`{"voltage":3.3}`)
	}
	return env
}

func TestComputeEventID(t *testing.T) {
	t.Run("same content yields same id", func(t *testing.T) {
		a, err := ComputeEventID(testEnvelope(LaneParsed))
		require.NoError(t, err)
		b, err := ComputeEventID(testEnvelope(LaneParsed))
		require.NoError(t, err)
		assert.Equal(t, a, b)
		assert.Len(t, a, 64)
	})

	t.Run("payload key order does not change the id", func(t *testing.T) {
		env := testEnvelope(LaneParsed)
		env.Payload = json.RawMessage(`{"voltage":3.3,"mode":"idle"}`)
		a, err := ComputeEventID(env)
		require.NoError(t, err)

		env.Payload = json.RawMessage(`{"mode":"idle","voltage":3.3}`)
		b, err := ComputeEventID(env)
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})

	t.Run("different content yields different ids", func(t *testing.T) {
		base, err := ComputeEventID(testEnvelope(LaneParsed))
		require.NoError(t, err)

		mutations := []func(*Envelope){
			func(e *Envelope) { e.ScopeID = "s2" },
			func(e *Envelope) { e.UniqueID = "d2" },
			func(e *Envelope) { e.SourceTruthTime = e.SourceTruthTime.Add(time.Millisecond) },
			func(e *Envelope) { e.Payload = json.RawMessage(`{"voltage":3.4}`) },
		}
		for i, mutate := range mutations {
			env := testEnvelope(LaneParsed)
			mutate(env)
			id, err := ComputeEventID(env)
			require.NoError(t, err)
			assert.NotEqual(t, base, id, "mutation %d", i)
		}
	})

	t.Run("raw lane hashes frame bytes directly", func(t *testing.T) {
		a, err := ComputeEventID(testEnvelope(LaneRaw))
		require.NoError(t, err)

		env := testEnvelope(LaneRaw)
		env.Bytes = []byte{0xDE, 0xAD, 0xBE, 0xEE}
		b, err := ComputeEventID(env)
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
	})

	t.Run("equal instants hash equally regardless of zone spelling", func(t *testing.T) {
		plusOne := time.FixedZone("CET", 3600)
		env := testEnvelope(LaneParsed)
		env.SourceTruthTime = time.Date(2026, 1, 27, 11, 0, 0, 0, plusOne)
		a, err := ComputeEventID(env)
		require.NoError(t, err)
		b, err := ComputeEventID(testEnvelope(LaneParsed))
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})

	t.Run("malformed payload is rejected", func(t *testing.T) {
		env := testEnvelope(LaneParsed)
		env.Payload = json.RawMessage(`{"voltage":`)
		_, err := ComputeEventID(env)
		assert.Error(t, err)
	})
}
