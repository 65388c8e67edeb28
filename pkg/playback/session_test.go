package playback

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nova-io/nova/pkg/clock"
	"github.com/nova-io/nova/pkg/models"
	"github.com/nova-io/nova/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeQuerier serves events by window from a fixed timeline and records
// every window it was asked for.
type fakeQuerier struct {
	mu      sync.Mutex
	events  []*models.Event
	windows []store.WindowQuery
}

func (f *fakeQuerier) QueryWindow(_ context.Context, q store.WindowQuery) ([]*models.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.windows = append(f.windows, q)

	var out []*models.Event
	for _, ev := range f.events {
		ts := ev.Time(q.Timebase)
		if !ts.Before(q.Start) && ts.Before(q.End) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeQuerier) add(ev *models.Event) {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
}

func (f *fakeQuerier) queried() []store.WindowQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.WindowQuery, len(f.windows))
	copy(out, f.windows)
	return out
}

func eventAt(src time.Time) *models.Event {
	return &models.Event{
		Envelope: models.Envelope{
			EventID:         "ev-" + src.Format(time.RFC3339Nano),
			ScopeID:         "scope1",
			Lane:            models.LaneParsed,
			Identity:        models.Identity{SystemID: "sysA", ContainerID: "c1", UniqueID: "u1"},
			SourceTruthTime: src,
		},
		CanonicalTruthTime: src,
	}
}

var streamBase = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func boundedRequest(rate float64, start, stop time.Time) StreamRequest {
	return StreamRequest{
		PlaybackRequestID: "req1",
		ConnectionID:      "conn1",
		ScopeID:           "scope1",
		StartTime:         start,
		StopTime:          &stop,
		Rate:              rate,
		Timebase:          models.TimebaseSource,
		Mode:              models.ModeReplay,
	}
}

// collect drains messages until the stream completes or times out.
func collect(t *testing.T, out <-chan Message) []Message {
	t.Helper()
	var msgs []Message
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-out:
			msgs = append(msgs, msg)
			if msg.Kind == KindComplete || msg.Kind == KindError {
				return msgs
			}
		case <-deadline:
			t.Fatalf("stream did not complete; got %d messages", len(msgs))
		}
	}
}

func newTestManager(q Querier) *Manager {
	// A tiny window span keeps pacing sleeps negligible in tests.
	return NewManager(q, nil, clock.System{}, 10*time.Millisecond, time.Second)
}

func TestBoundedReplay(t *testing.T) {
	fq := &fakeQuerier{}
	fq.add(eventAt(streamBase.Add(2 * time.Millisecond)))
	fq.add(eventAt(streamBase.Add(15 * time.Millisecond)))

	m := newTestManager(fq)
	out := make(chan Message, 64)
	_, err := m.StartStream(context.Background(), boundedRequest(1000, streamBase, streamBase.Add(30*time.Millisecond)), out)
	require.NoError(t, err)

	msgs := collect(t, out)
	require.Equal(t, KindStarted, msgs[0].Kind)
	require.Equal(t, KindComplete, msgs[len(msgs)-1].Kind)

	var events []*models.Event
	var lastEndpoint time.Time
	for _, msg := range msgs {
		if msg.Kind != KindChunk {
			continue
		}
		events = append(events, msg.Chunk.Events...)
		assert.True(t, msg.Chunk.CursorEndpoint.After(lastEndpoint), "cursor endpoints advance monotonically")
		lastEndpoint = msg.Chunk.CursorEndpoint
		assert.Equal(t, "req1", msg.Chunk.PlaybackRequestID)
	}
	require.Len(t, events, 2)
	assert.True(t, lastEndpoint.Equal(streamBase.Add(30*time.Millisecond)), "final endpoint is the stop time")

	// The cursor advanced by fixed windows, not by event density.
	for _, w := range fq.queried() {
		assert.LessOrEqual(t, w.End.Sub(w.Start), 10*time.Millisecond)
	}
}

func TestReverseReplay(t *testing.T) {
	fq := &fakeQuerier{}
	e1 := eventAt(streamBase.Add(2 * time.Millisecond))
	e2 := eventAt(streamBase.Add(15 * time.Millisecond))
	fq.add(e1)
	fq.add(e2)

	m := newTestManager(fq)
	out := make(chan Message, 64)
	_, err := m.StartStream(context.Background(), boundedRequest(-1000, streamBase.Add(30*time.Millisecond), streamBase), out)
	require.NoError(t, err)

	msgs := collect(t, out)
	require.Equal(t, KindComplete, msgs[len(msgs)-1].Kind)

	var events []*models.Event
	for _, msg := range msgs {
		if msg.Kind == KindChunk {
			events = append(events, msg.Chunk.Events...)
		}
	}
	require.Len(t, events, 2)
	assert.Equal(t, e2.EventID, events[0].EventID, "reverse playback emits newest first")
	assert.Equal(t, e1.EventID, events[1].EventID)
}

func TestLiveTailingWakesOnIngest(t *testing.T) {
	fq := &fakeQuerier{}
	m := newTestManager(fq)
	out := make(chan Message, 64)

	req := StreamRequest{
		PlaybackRequestID: "req1",
		ConnectionID:      "conn1",
		ScopeID:           "scope1",
		StartTime:         time.Now().UTC(),
		Rate:              1,
		Timebase:          models.TimebaseSource,
		Mode:              models.ModeLive,
	}
	stream, err := m.StartStream(context.Background(), req, out)
	require.NoError(t, err)
	defer m.CancelStream("conn1")

	require.Equal(t, KindStarted, (<-out).Kind)

	// Caught up: the cursor must be blocked on the wake, not polling.
	ev := eventAt(time.Now().UTC())
	fq.add(ev)
	stream.sess.Wake()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-out:
			require.Equal(t, KindChunk, msg.Kind)
			if len(msg.Chunk.Events) == 0 {
				stream.sess.Wake()
				continue
			}
			assert.Equal(t, ev.EventID, msg.Chunk.Events[0].EventID)
			return
		case <-deadline:
			t.Fatal("live cursor never emitted the ingested event")
		}
	}
}

func TestSupersedingStreamCancelsPrior(t *testing.T) {
	fq := &fakeQuerier{}
	m := newTestManager(fq)

	out1 := make(chan Message, 64)
	first, err := m.StartStream(context.Background(), StreamRequest{
		PlaybackRequestID: "req1",
		ConnectionID:      "conn1",
		ScopeID:           "scope1",
		StartTime:         time.Now().UTC(),
		Rate:              1,
		Timebase:          models.TimebaseSource,
		Mode:              models.ModeLive,
	}, out1)
	require.NoError(t, err)

	out2 := make(chan Message, 64)
	_, err = m.StartStream(context.Background(), StreamRequest{
		PlaybackRequestID: "req2",
		ConnectionID:      "conn1",
		ScopeID:           "scope1",
		StartTime:         time.Now().UTC(),
		Rate:              1,
		Timebase:          models.TimebaseSource,
		Mode:              models.ModeLive,
	}, out2)
	require.NoError(t, err)
	defer m.CancelStream("conn1")

	select {
	case <-first.Done():
		// Cancelled silently: no Complete, no Error on out1.
		for {
			select {
			case msg := <-out1:
				require.NotEqual(t, KindComplete, msg.Kind)
				require.NotEqual(t, KindError, msg.Kind)
			default:
				return
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatal("superseded cursor did not exit")
	}
}

func TestPausedCursorHoldsPosition(t *testing.T) {
	fq := &fakeQuerier{}
	m := newTestManager(fq)
	out := make(chan Message, 8)

	_, err := m.StartStream(context.Background(), StreamRequest{
		PlaybackRequestID: "req1",
		ConnectionID:      "conn1",
		ScopeID:           "scope1",
		StartTime:         streamBase,
		Rate:              0,
		Timebase:          models.TimebaseSource,
		Mode:              models.ModeReplay,
	}, out)
	require.NoError(t, err)

	require.Equal(t, KindStarted, (<-out).Kind)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, fq.queried(), "a paused cursor issues no reads")
	m.CancelStream("conn1")
}

func TestStreamRequestValidation(t *testing.T) {
	m := newTestManager(&fakeQuerier{})
	out := make(chan Message, 1)

	req := boundedRequest(1, streamBase, streamBase.Add(time.Second))
	req.PlaybackRequestID = ""
	_, err := m.StartStream(context.Background(), req, out)
	require.ErrorIs(t, err, ErrBadStreamRequest)

	req = boundedRequest(1, streamBase, streamBase.Add(time.Second))
	req.Timebase = "wall"
	_, err = m.StartStream(context.Background(), req, out)
	require.ErrorIs(t, err, ErrBadStreamRequest)

	req = boundedRequest(1, streamBase, streamBase.Add(time.Second))
	req.Mode = "DRYRUN"
	_, err = m.StartStream(context.Background(), req, out)
	require.ErrorIs(t, err, ErrBadStreamRequest)
}

func TestQueryValidation(t *testing.T) {
	m := newTestManager(&fakeQuerier{})

	_, err := m.Query(context.Background(), QueryRequest{
		ScopeID:   "scope1",
		StartTime: streamBase,
		StopTime:  streamBase, // empty window
		Timebase:  models.TimebaseSource,
	})
	require.ErrorIs(t, err, ErrBadStreamRequest)

	events, err := m.Query(context.Background(), QueryRequest{
		ScopeID:   "scope1",
		StartTime: streamBase,
		StopTime:  streamBase.Add(time.Second),
		Timebase:  models.TimebaseSource,
	})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestFollowerDriftReanchors(t *testing.T) {
	out := make(chan Chunk, 1)
	f := NewFollower(out, 100*time.Millisecond)

	t0 := streamBase
	f.EmitWindow(context.Background(), t0, t0.Add(10*time.Millisecond), nil)
	assert.True(t, f.Position().Equal(t0.Add(10*time.Millisecond)))

	// Fill the channel so subsequent windows drop.
	f.EmitWindow(context.Background(), t0.Add(10*time.Millisecond), t0.Add(20*time.Millisecond), nil)
	assert.True(t, f.Position().Equal(t0.Add(10*time.Millisecond)), "dropped window does not advance position")

	// Past the tolerance the follower re-anchors to the leader even though
	// delivery still fails.
	leaderT0 := t0.Add(500 * time.Millisecond)
	f.EmitWindow(context.Background(), leaderT0, leaderT0.Add(10*time.Millisecond), nil)
	assert.True(t, f.Position().Equal(leaderT0))
}
