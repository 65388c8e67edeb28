package router

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/nova-io/nova/pkg/commands"
	"github.com/nova-io/nova/pkg/drivers"
	"github.com/nova-io/nova/pkg/ingest"
	"github.com/nova-io/nova/pkg/ipc"
	"github.com/nova-io/nova/pkg/models"
	"github.com/nova-io/nova/pkg/playback"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePlayback struct {
	queried   []playback.QueryRequest
	events    []*models.Event
	queryErr  error
	started   []playback.StreamRequest
	cancelled []string
	messages  []playback.Message
}

func (f *fakePlayback) Query(_ context.Context, req playback.QueryRequest) ([]*models.Event, error) {
	f.queried = append(f.queried, req)
	return f.events, f.queryErr
}

type fakeStream struct {
	done chan struct{}
}

func (s *fakeStream) Done() <-chan struct{} { return s.done }

func (f *fakePlayback) StartStream(_ context.Context, req playback.StreamRequest, out chan<- playback.Message) (Stream, error) {
	f.started = append(f.started, req)
	s := &fakeStream{done: make(chan struct{})}
	go func() {
		for _, m := range f.messages {
			out <- m
		}
		close(s.done)
	}()
	return s, nil
}

func (f *fakePlayback) CancelStream(connectionID string) {
	f.cancelled = append(f.cancelled, connectionID)
}

type fakeCommands struct {
	ack        commands.Ack
	err        error
	history    []*models.Event
	historyIDs []string
}

func (f *fakeCommands) Submit(_ context.Context, _ *models.Envelope, _ models.TimelineMode) (commands.Ack, error) {
	return f.ack, f.err
}

func (f *fakeCommands) History(_ context.Context, _ string, commandIDs ...string) ([]*models.Event, error) {
	f.historyIDs = commandIDs
	return f.history, f.err
}

type fakeIngestor struct {
	ingested  []*models.Envelope
	duplicate bool
	err       error
}

func (f *fakeIngestor) Ingest(_ context.Context, env *models.Envelope) (ingest.Result, error) {
	f.ingested = append(f.ingested, env)
	return ingest.Result{Duplicate: f.duplicate}, f.err
}

type fakeUIState struct {
	state        map[string]any
	version      int
	presentation map[string]any
	err          error
}

func (f *fakeUIState) StateAt(_ context.Context, _ string, _ models.Identity, _ string, _ time.Time, _ models.Timebase) (map[string]any, int, error) {
	return f.state, f.version, f.err
}

func (f *fakeUIState) PresentationAt(_ context.Context, _ string, _ models.Identity, _ time.Time) (map[string]any, error) {
	return f.presentation, nil
}

type fakeExporter struct {
	result *drivers.Result
	err    error
	calls  int
}

func (f *fakeExporter) Export(_ context.Context, _ string, _, _ time.Time) (*drivers.Result, error) {
	f.calls++
	return f.result, f.err
}

type routerFixture struct {
	router   *Router
	link     *ipc.Link
	conn     *ipc.Conn
	playback *fakePlayback
	commands *fakeCommands
	ingestor *fakeIngestor
	uistate  *fakeUIState
	exporter *fakeExporter
}

func newFixture(t *testing.T) *routerFixture {
	t.Helper()
	f := &routerFixture{
		link:     ipc.NewLink(8),
		playback: &fakePlayback{},
		commands: &fakeCommands{},
		ingestor: &fakeIngestor{},
		uistate:  &fakeUIState{},
		exporter: &fakeExporter{},
	}
	f.conn = f.link.Open("c1", 16)
	f.router = New(f.link, f.playback, f.commands, f.ingestor, f.uistate, f.exporter, models.TimebaseSource, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go f.router.Run(ctx)
	return f
}

func (f *routerFixture) await(t *testing.T) ipc.Response {
	t.Helper()
	select {
	case resp := <-f.conn.Responses:
		return resp
	case <-time.After(2 * time.Second):
		t.Fatal("no response")
		return nil
	}
}

func TestQueryDispatch(t *testing.T) {
	base := time.Date(2026, 1, 27, 10, 0, 0, 0, time.UTC)

	t.Run("returns events with count", func(t *testing.T) {
		f := newFixture(t)
		f.playback.events = []*models.Event{{}, {}}

		require.NoError(t, f.link.Submit(context.Background(), ipc.QueryRequest{
			ConnectionID:  "c1",
			CorrelationID: "q1",
			ScopeID:       "s",
			StartTime:     base,
			StopTime:      base.Add(time.Minute),
			Timebase:      models.TimebaseCanonical,
		}))

		resp := f.await(t).(ipc.QueryResponse)
		assert.Equal(t, "q1", resp.CorrelationID)
		assert.Equal(t, 2, resp.TotalCount)
		assert.Len(t, resp.Events, 2)
		assert.Equal(t, models.TimebaseCanonical, f.playback.queried[0].Timebase)
	})

	t.Run("fills default timebase", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.link.Submit(context.Background(), ipc.QueryRequest{
			ConnectionID: "c1", CorrelationID: "q1", ScopeID: "s",
			StartTime: base, StopTime: base.Add(time.Minute),
		}))
		f.await(t)
		assert.Equal(t, models.TimebaseSource, f.playback.queried[0].Timebase)
	})

	t.Run("maps failure to error response", func(t *testing.T) {
		f := newFixture(t)
		f.playback.queryErr = fmt.Errorf("%w: stopTime must be after startTime", playback.ErrBadStreamRequest)

		require.NoError(t, f.link.Submit(context.Background(), ipc.QueryRequest{
			ConnectionID: "c1", CorrelationID: "q1", ScopeID: "s",
			StartTime: base, StopTime: base,
		}))

		resp := f.await(t).(ipc.ErrorResponse)
		assert.Equal(t, "q1", resp.CorrelationID)
		assert.Contains(t, resp.Message, "stopTime")
	})
}

func TestStreamForwarding(t *testing.T) {
	f := newFixture(t)
	f.playback.messages = []playback.Message{
		{Kind: playback.KindStarted, PlaybackRequestID: "p1"},
		{Kind: playback.KindChunk, PlaybackRequestID: "p1"},
		{Kind: playback.KindComplete, PlaybackRequestID: "p1"},
	}

	require.NoError(t, f.link.Submit(context.Background(), ipc.StartStreamRequest{
		Stream: playback.StreamRequest{
			PlaybackRequestID: "p1",
			ConnectionID:      "c1",
			ScopeID:           "s",
			StartTime:         time.Date(2026, 1, 27, 10, 0, 0, 0, time.UTC),
			Rate:              1,
			Timebase:          models.TimebaseSource,
			Mode:              models.ModeReplay,
		},
	}))

	kinds := make([]playback.MessageKind, 0, 3)
	for len(kinds) < 3 {
		msg, ok := f.await(t).(ipc.StreamMessage)
		require.True(t, ok)
		assert.Equal(t, "p1", msg.Correlation())
		kinds = append(kinds, msg.Message.Kind)
	}
	assert.Equal(t, []playback.MessageKind{playback.KindStarted, playback.KindChunk, playback.KindComplete}, kinds)
}

func TestCancelStreamAcks(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.link.Submit(context.Background(), ipc.CancelStreamRequest{
		ConnectionID: "c1", CorrelationID: "x1",
	}))

	resp := f.await(t).(ipc.Ack)
	assert.Equal(t, "x1", resp.CorrelationID)
	assert.Equal(t, []string{"c1"}, f.playback.cancelled)
}

func TestSubmitCommand(t *testing.T) {
	t.Run("acks with command id and status", func(t *testing.T) {
		f := newFixture(t)
		f.commands.ack = commands.Ack{CommandID: "cmd-9", Status: commands.StatusAccepted}

		require.NoError(t, f.link.Submit(context.Background(), ipc.SubmitCommandRequest{
			ConnectionID: "c1", CorrelationID: "s1",
			Envelope: &models.Envelope{}, Mode: models.ModeLive,
		}))

		resp := f.await(t).(ipc.Ack)
		assert.Equal(t, "cmd-9", resp.CommandID)
		assert.Equal(t, string(commands.StatusAccepted), resp.Status)
	})

	t.Run("replay block becomes error response", func(t *testing.T) {
		f := newFixture(t)
		f.commands.err = commands.ErrReplayBlocked

		require.NoError(t, f.link.Submit(context.Background(), ipc.SubmitCommandRequest{
			ConnectionID: "c1", CorrelationID: "s1",
			Envelope: &models.Envelope{}, Mode: models.ModeReplay,
		}))

		resp := f.await(t).(ipc.ErrorResponse)
		assert.Contains(t, resp.Message, commands.ErrReplayBlocked.Error())
	})
}

func TestCommandHistoryDispatch(t *testing.T) {
	t.Run("answers with the recorded lifecycle", func(t *testing.T) {
		f := newFixture(t)
		f.commands.history = []*models.Event{{}, {}, {}}

		require.NoError(t, f.link.Submit(context.Background(), ipc.CommandHistoryRequest{
			ConnectionID: "c1", CorrelationID: "h1",
			ScopeID: "s", CommandIDs: []string{"cmd-9", "cmd-10"},
		}))

		resp := f.await(t).(ipc.QueryResponse)
		assert.Equal(t, "h1", resp.CorrelationID)
		assert.Equal(t, 3, resp.TotalCount)
		assert.Equal(t, []string{"cmd-9", "cmd-10"}, f.commands.historyIDs)
	})

	t.Run("missing commandId maps to bad request", func(t *testing.T) {
		f := newFixture(t)
		f.commands.err = fmt.Errorf("%w: commandId is required", models.ErrValidation)

		require.NoError(t, f.link.Submit(context.Background(), ipc.CommandHistoryRequest{
			ConnectionID: "c1", CorrelationID: "h1", ScopeID: "s",
		}))

		resp := f.await(t).(ipc.ErrorResponse)
		assert.Equal(t, ipc.ErrCodeBadRequest, resp.Code)
	})
}

func TestIngestMetadata(t *testing.T) {
	env := func(lane models.Lane) *models.Envelope {
		return &models.Envelope{
			ScopeID:         "s",
			Lane:            lane,
			Identity:        models.Identity{SystemID: "sys", ContainerID: "c", UniqueID: "u"},
			SourceTruthTime: time.Date(2026, 1, 27, 10, 0, 0, 0, time.UTC),
			MessageType:     "chat",
			SchemaVersion:   1,
			Payload:         json.RawMessage(`{"text":"hi"}`),
		}
	}

	t.Run("defaults empty lane to metadata", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.link.Submit(context.Background(), ipc.IngestMetadataRequest{
			ConnectionID: "c1", CorrelationID: "m1", Envelope: env(""),
		}))

		resp := f.await(t).(ipc.Ack)
		assert.Equal(t, "accepted", resp.Status)
		require.Len(t, f.ingestor.ingested, 1)
		assert.Equal(t, models.LaneMetadata, f.ingestor.ingested[0].Lane)
	})

	t.Run("rejects non-metadata lane", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.link.Submit(context.Background(), ipc.IngestMetadataRequest{
			ConnectionID: "c1", CorrelationID: "m1", Envelope: env(models.LaneRaw),
		}))

		resp := f.await(t).(ipc.ErrorResponse)
		assert.Contains(t, resp.Message, "not metadata")
		assert.Empty(t, f.ingestor.ingested)
	})

	t.Run("dedupe hit acks as duplicate", func(t *testing.T) {
		f := newFixture(t)
		f.ingestor.duplicate = true
		require.NoError(t, f.link.Submit(context.Background(), ipc.IngestMetadataRequest{
			ConnectionID: "c1", CorrelationID: "m1", Envelope: env(models.LaneMetadata),
		}))

		resp := f.await(t).(ipc.Ack)
		assert.Equal(t, "duplicate", resp.Status)
	})
}

func TestExportDispatch(t *testing.T) {
	base := time.Date(2026, 1, 27, 10, 0, 0, 0, time.UTC)

	t.Run("returns archive details", func(t *testing.T) {
		f := newFixture(t)
		f.exporter.result = &drivers.Result{ExportID: "e1", ArchivePath: "/exports/e1.zip", EventCount: 7}

		require.NoError(t, f.link.Submit(context.Background(), ipc.ExportRequest{
			ConnectionID: "c1", CorrelationID: "x1",
			ScopeID: "s", StartTime: base, StopTime: base.Add(time.Hour),
		}))

		resp := f.await(t).(ipc.ExportResponse)
		assert.Equal(t, "e1", resp.ExportID)
		assert.Equal(t, 7, resp.EventCount)
	})

	t.Run("rejects empty window", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.link.Submit(context.Background(), ipc.ExportRequest{
			ConnectionID: "c1", CorrelationID: "x1",
			ScopeID: "s", StartTime: base, StopTime: base,
		}))

		resp := f.await(t).(ipc.ErrorResponse)
		assert.Equal(t, ipc.ErrCodeBadRequest, resp.Code)
		assert.Zero(t, f.exporter.calls)
	})
}

func TestUIStateDispatch(t *testing.T) {
	f := newFixture(t)
	f.uistate.state = map[string]any{"zoom": float64(3)}
	f.uistate.version = 2
	f.uistate.presentation = map[string]any{"theme": "dark"}

	require.NoError(t, f.link.Submit(context.Background(), ipc.UIStateRequest{
		ConnectionID: "c1", CorrelationID: "u1",
		ScopeID:  "s",
		Identity: models.Identity{SystemID: "sys", ContainerID: "c", UniqueID: "u"},
		ViewID:   "map",
		At:       time.Date(2026, 1, 27, 10, 0, 0, 0, time.UTC),
	}))

	resp := f.await(t).(ipc.UIStateResponse)
	assert.Equal(t, 2, resp.ManifestVersion)
	assert.Equal(t, map[string]any{"zoom": float64(3)}, resp.State)
	assert.Equal(t, map[string]any{"theme": "dark"}, resp.Presentation)
}
