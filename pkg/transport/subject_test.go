package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nova-io/nova/pkg/ingest"
	"github.com/nova-io/nova/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSubject() Subject {
	return Subject{
		ScopeID:  "scope1",
		Lane:     models.LaneParsed,
		Identity: models.Identity{SystemID: "sysA", ContainerID: "c1", UniqueID: "u1"},
		Version:  1,
	}
}

func TestSubjectRoundTrip(t *testing.T) {
	s := testSubject()
	assert.Equal(t, "nova.scope1.parsed.sysA.c1.u1.v1", s.String())

	parsed, err := ParseSubject(s.String())
	require.NoError(t, err)
	assert.Equal(t, s, parsed)
}

func TestParseSubjectRejects(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"wrong prefix", "other.scope1.parsed.sysA.c1.u1.v1"},
		{"missing segment", "nova.scope1.parsed.sysA.c1.v1"},
		{"extra segment", "nova.scope1.parsed.sysA.c1.u1.x.v1"},
		{"unknown lane", "nova.scope1.telemetry.sysA.c1.u1.v1"},
		{"bad version", "nova.scope1.parsed.sysA.c1.u1.1"},
		{"non-numeric version", "nova.scope1.parsed.sysA.c1.u1.vX"},
		{"empty identity segment", "nova.scope1.parsed..c1.u1.v1"},
		{"empty scope", "nova..parsed.sysA.c1.u1.v1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseSubject(tc.raw)
			require.ErrorIs(t, err, ErrBadSubject)
		})
	}
}

func TestSubjectValidate(t *testing.T) {
	s := testSubject()
	s.UniqueID = "has.dot"
	require.ErrorIs(t, s.Validate(), ErrBadSubject)
}

func TestCheckEnvelope(t *testing.T) {
	s := testSubject()
	env := &models.Envelope{
		ScopeID:  "scope1",
		Lane:     models.LaneParsed,
		Identity: models.Identity{SystemID: "sysA", ContainerID: "c1", UniqueID: "u1"},
	}
	require.NoError(t, s.CheckEnvelope(env))

	t.Run("scope conflict", func(t *testing.T) {
		bad := *env
		bad.ScopeID = "other"
		require.ErrorIs(t, s.CheckEnvelope(&bad), ErrSubjectMismatch)
	})
	t.Run("lane conflict", func(t *testing.T) {
		bad := *env
		bad.Lane = models.LaneRaw
		require.ErrorIs(t, s.CheckEnvelope(&bad), ErrSubjectMismatch)
	})
	t.Run("identity conflict", func(t *testing.T) {
		bad := *env
		bad.UniqueID = "u2"
		require.ErrorIs(t, s.CheckEnvelope(&bad), ErrSubjectMismatch)
	})
	t.Run("schema version conflict", func(t *testing.T) {
		bad := *env
		bad.SchemaVersion = 2
		require.ErrorIs(t, s.CheckEnvelope(&bad), ErrSubjectMismatch)
	})
}

func TestSubjectForCarriesSchemaVersion(t *testing.T) {
	env := &models.Envelope{
		ScopeID:       "scope1",
		Lane:          models.LaneParsed,
		Identity:      models.Identity{SystemID: "sysA", ContainerID: "c1", UniqueID: "u1"},
		SchemaVersion: 3,
	}
	assert.Equal(t, "nova.scope1.parsed.sysA.c1.u1.v3", SubjectFor(env).String())

	t.Run("raw frames publish on v1", func(t *testing.T) {
		raw := &models.Envelope{
			ScopeID:  "scope1",
			Lane:     models.LaneRaw,
			Identity: models.Identity{SystemID: "sysA", ContainerID: "c1", UniqueID: "u1"},
		}
		assert.Equal(t, "nova.scope1.raw.sysA.c1.u1.v1", SubjectFor(raw).String())
	})
}

func TestPatternForScope(t *testing.T) {
	assert.Equal(t, "nova.scope1.*", PatternForScope("scope1"))
	assert.Equal(t, "nova.*", PatternForScope(""))
}

// recordingIngestor captures envelopes handed to the pipeline.
type recordingIngestor struct {
	envs []*models.Envelope
}

func (r *recordingIngestor) Ingest(_ context.Context, env *models.Envelope) (ingest.Result, error) {
	r.envs = append(r.envs, env)
	return ingest.Result{}, nil
}

func TestSubscriberHandle(t *testing.T) {
	src := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	envelopeJSON := func(env *models.Envelope) []byte {
		data, err := json.Marshal(env)
		require.NoError(t, err)
		return data
	}

	t.Run("inherits routing fields from the subject", func(t *testing.T) {
		rec := &recordingIngestor{}
		sub := &Subscriber{ingestor: rec}

		env := &models.Envelope{
			SourceTruthTime: src,
			MessageType:     "reading",
			SchemaVersion:   1,
			Payload:         json.RawMessage(`{"v":1}`),
		}
		sub.handle(context.Background(), "nova.scope1.parsed.sysA.c1.u1.v1", envelopeJSON(env))

		require.Len(t, rec.envs, 1)
		got := rec.envs[0]
		assert.Equal(t, "scope1", got.ScopeID)
		assert.Equal(t, models.LaneParsed, got.Lane)
		assert.Equal(t, "u1", got.UniqueID)
	})

	t.Run("inherits the schema version from the subject", func(t *testing.T) {
		rec := &recordingIngestor{}
		sub := &Subscriber{ingestor: rec}

		env := &models.Envelope{
			SourceTruthTime: src,
			MessageType:     "reading",
			Payload:         json.RawMessage(`{"v":1}`),
		}
		sub.handle(context.Background(), "nova.scope1.parsed.sysA.c1.u1.v2", envelopeJSON(env))

		require.Len(t, rec.envs, 1)
		assert.Equal(t, 2, rec.envs[0].SchemaVersion)
	})

	t.Run("drops a schema version conflicting with the subject", func(t *testing.T) {
		rec := &recordingIngestor{}
		sub := &Subscriber{ingestor: rec}

		env := &models.Envelope{
			SourceTruthTime: src,
			MessageType:     "reading",
			SchemaVersion:   1,
			Payload:         json.RawMessage(`{"v":1}`),
		}
		sub.handle(context.Background(), "nova.scope1.parsed.sysA.c1.u1.v2", envelopeJSON(env))
		assert.Empty(t, rec.envs)
	})

	t.Run("drops conflicting identity", func(t *testing.T) {
		rec := &recordingIngestor{}
		sub := &Subscriber{ingestor: rec}

		env := &models.Envelope{
			ScopeID:         "scope1",
			Lane:            models.LaneParsed,
			Identity:        models.Identity{SystemID: "sysB", ContainerID: "c1", UniqueID: "u1"},
			SourceTruthTime: src,
			MessageType:     "reading",
			SchemaVersion:   1,
			Payload:         json.RawMessage(`{"v":1}`),
		}
		sub.handle(context.Background(), "nova.scope1.parsed.sysA.c1.u1.v1", envelopeJSON(env))
		assert.Empty(t, rec.envs)
	})

	t.Run("drops malformed subject and payload", func(t *testing.T) {
		rec := &recordingIngestor{}
		sub := &Subscriber{ingestor: rec}

		sub.handle(context.Background(), "bogus.subject", []byte(`{}`))
		sub.handle(context.Background(), "nova.scope1.parsed.sysA.c1.u1.v1", []byte(`{not json`))
		assert.Empty(t, rec.envs)
	})
}
