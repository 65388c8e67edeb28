package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nova-io/nova/pkg/clock"
	"github.com/nova-io/nova/pkg/models"
	"github.com/nova-io/nova/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore records inserts and can be primed to report duplicates.
type fakeStore struct {
	inserted  []*models.Event
	duplicate bool
	err       error
}

func (f *fakeStore) Insert(_ context.Context, ev *models.Event) error {
	if f.err != nil {
		return f.err
	}
	if f.duplicate {
		return store.ErrDuplicate
	}
	ev.Seq = int64(len(f.inserted) + 1)
	f.inserted = append(f.inserted, ev)
	return nil
}

// fakeSink records committed events and can be primed to fail.
type fakeSink struct {
	name string
	seen []*models.Event
	err  error
}

func (f *fakeSink) Name() string { return f.name }

func (f *fakeSink) HandleCommitted(_ context.Context, ev *models.Event) error {
	f.seen = append(f.seen, ev)
	return f.err
}

func validEnvelope() *models.Envelope {
	return &models.Envelope{
		ScopeID:         "scope1",
		Lane:            models.LaneParsed,
		Identity:        models.Identity{SystemID: "sysA", ContainerID: "c1", UniqueID: "u1"},
		SourceTruthTime: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		MessageType:     "reading",
		SchemaVersion:   1,
		Payload:         json.RawMessage(`{"value":42}`),
	}
}

func TestIngest(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 500_000_000, time.UTC)

	t.Run("commits a valid envelope and stamps canonical time", func(t *testing.T) {
		st := &fakeStore{}
		sink := &fakeSink{name: "files"}
		p := NewPipeline(st, clock.NewFake(now), "scope1", sink)

		res, err := p.Ingest(context.Background(), validEnvelope())
		require.NoError(t, err)
		assert.False(t, res.Duplicate)
		assert.NotEmpty(t, res.Event.EventID)
		assert.Equal(t, now, res.Event.CanonicalTruthTime)
		require.Len(t, st.inserted, 1)
		require.Len(t, sink.seen, 1)
		assert.Equal(t, res.Event.EventID, sink.seen[0].EventID)
	})

	t.Run("rejects an invalid envelope before any write", func(t *testing.T) {
		st := &fakeStore{}
		p := NewPipeline(st, clock.NewFake(now), "scope1")

		env := validEnvelope()
		env.MessageType = ""
		_, err := p.Ingest(context.Background(), env)
		require.ErrorIs(t, err, models.ErrValidation)
		assert.Empty(t, st.inserted)
	})

	t.Run("rejects a foreign scope on a payload instance", func(t *testing.T) {
		p := NewPipeline(&fakeStore{}, clock.NewFake(now), "scope1")
		env := validEnvelope()
		env.ScopeID = "other9"
		_, err := p.Ingest(context.Background(), env)
		require.ErrorIs(t, err, ErrScopeMismatch)
	})

	t.Run("aggregating instances accept any scope", func(t *testing.T) {
		p := NewPipeline(&fakeStore{}, clock.NewFake(now), "")
		env := validEnvelope()
		env.ScopeID = "other9"
		_, err := p.Ingest(context.Background(), env)
		require.NoError(t, err)
	})

	t.Run("a producer-supplied event id is authoritative", func(t *testing.T) {
		env := validEnvelope()
		id, err := models.ComputeEventID(env)
		require.NoError(t, err)

		st := &fakeStore{}
		p := NewPipeline(st, clock.NewFake(now), "scope1")

		env.EventID = id
		res, err := p.Ingest(context.Background(), env)
		require.NoError(t, err)
		assert.Equal(t, id, res.Event.EventID)

		// A mismatch against the content hash is logged, not rewritten: the
		// producer's ID commits unchanged.
		mismatched := validEnvelope()
		mismatched.EventID = "deadbeef"
		res, err = p.Ingest(context.Background(), mismatched)
		require.NoError(t, err)
		assert.Equal(t, "deadbeef", res.Event.EventID)
		require.Len(t, st.inserted, 2)
		assert.Equal(t, "deadbeef", st.inserted[1].EventID)
	})

	t.Run("duplicates are absorbed without sink side effects", func(t *testing.T) {
		sink := &fakeSink{name: "files"}
		p := NewPipeline(&fakeStore{duplicate: true}, clock.NewFake(now), "scope1", sink)

		res, err := p.Ingest(context.Background(), validEnvelope())
		require.NoError(t, err)
		assert.True(t, res.Duplicate)
		assert.Empty(t, sink.seen)
	})

	t.Run("sink failures do not fail the ingest", func(t *testing.T) {
		failing := &fakeSink{name: "files", err: errors.New("disk full")}
		healthy := &fakeSink{name: "uistate"}
		p := NewPipeline(&fakeStore{}, clock.NewFake(now), "scope1", failing, healthy)

		res, err := p.Ingest(context.Background(), validEnvelope())
		require.NoError(t, err)
		assert.False(t, res.Duplicate)
		require.Len(t, healthy.seen, 1, "later sinks still run after a failure")
	})

	t.Run("store errors propagate", func(t *testing.T) {
		p := NewPipeline(&fakeStore{err: errors.New("connection reset")}, clock.NewFake(now), "scope1")
		_, err := p.Ingest(context.Background(), validEnvelope())
		require.Error(t, err)
		assert.NotErrorIs(t, err, models.ErrValidation)
	})
}
