package playback

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/nova-io/nova/pkg/clock"
	"github.com/nova-io/nova/pkg/models"
	"github.com/nova-io/nova/pkg/store"
)

// Querier is the slice of the truth store a cursor reads through.
type Querier interface {
	QueryWindow(ctx context.Context, q store.WindowQuery) ([]*models.Event, error)
}

// session is one active cursor. It owns a goroutine that paces windows; the
// goroutine exits on completion, error, or context cancellation. Cancelled
// cursors terminate silently.
type session struct {
	req     StreamRequest
	querier Querier
	clk     clock.Clock
	span    time.Duration
	out     chan<- Message

	// wake is the edge-triggered ingest signal for LIVE tailing. Capacity 1:
	// ingest sets it, the cursor wakes, clears, and re-checks.
	wake chan struct{}

	followersMu sync.Mutex
	followers   []*Follower

	cancel context.CancelFunc
	done   chan struct{}
}

// Wake sets the ingest signal. Safe to call from any goroutine; redundant
// wakes collapse into one.
func (s *session) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// BindFollower attaches a follower output to this cursor. Followers emit on
// the leader's window signal and never pace themselves.
func (s *session) BindFollower(f *Follower) {
	s.followersMu.Lock()
	s.followers = append(s.followers, f)
	s.followersMu.Unlock()
}

func (s *session) send(ctx context.Context, msg Message) bool {
	select {
	case s.out <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// run is the cursor loop. One iteration per timeline window: query, emit,
// advance, pace. LIVE cursors clamp the window at "now" and block on the
// ingest wake when fully caught up.
func (s *session) run(ctx context.Context) {
	defer close(s.done)

	if !s.send(ctx, Message{Kind: KindStarted, PlaybackRequestID: s.req.PlaybackRequestID}) {
		return
	}

	// Paused cursor: hold position until superseded or cancelled.
	if s.req.Rate == 0 {
		<-ctx.Done()
		return
	}

	forward := s.req.Rate > 0
	live := forward && s.req.StopTime == nil
	cursor := s.req.StartTime

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		t0, t1, caughtUp := s.window(cursor, forward, live)
		if caughtUp {
			select {
			case <-s.wake:
			case <-ctx.Done():
				return
			}
			continue
		}

		events, err := s.querier.QueryWindow(ctx, store.WindowQuery{
			ScopeID:      s.req.ScopeID,
			Timebase:     s.req.Timebase,
			Start:        t0,
			End:          t1,
			Lanes:        s.req.Filters.Lanes,
			Identity:     s.req.Filters.Identity,
			MessageTypes: s.req.Filters.MessageTypes,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("Cursor window query failed",
				"playback_request_id", s.req.PlaybackRequestID, "error", err)
			s.send(ctx, Message{
				Kind:              KindError,
				PlaybackRequestID: s.req.PlaybackRequestID,
				Error:             fmt.Sprintf("window query failed: %v", err),
			})
			return
		}
		if !forward {
			slices.Reverse(events)
		}

		endpoint := t1
		if !forward {
			endpoint = t0
		}
		if !s.send(ctx, Message{
			Kind:              KindChunk,
			PlaybackRequestID: s.req.PlaybackRequestID,
			Chunk: &Chunk{
				PlaybackRequestID: s.req.PlaybackRequestID,
				Events:            events,
				CursorEndpoint:    endpoint,
			},
		}) {
			return
		}
		s.emitToFollowers(ctx, t0, t1, events)
		cursor = endpoint

		if s.complete(cursor, forward) {
			s.send(ctx, Message{Kind: KindComplete, PlaybackRequestID: s.req.PlaybackRequestID})
			return
		}

		// One window of timeline time costs span/|rate| of wall time.
		wall := time.Duration(float64(t1.Sub(t0)) / math.Abs(s.req.Rate))
		if !s.sleep(ctx, wall) {
			return
		}
	}
}

// window computes the next half-open window from the cursor. caughtUp is
// true only for LIVE cursors whose window has zero width at "now".
func (s *session) window(cursor time.Time, forward, live bool) (t0, t1 time.Time, caughtUp bool) {
	if forward {
		t0, t1 = cursor, cursor.Add(s.span)
		if s.req.StopTime != nil && t1.After(*s.req.StopTime) {
			t1 = *s.req.StopTime
		}
		if live {
			if now := s.clk.Now(); t1.After(now) {
				t1 = now
			}
			if !t1.After(t0) {
				return t0, t1, true
			}
		}
		return t0, t1, false
	}

	t1 = cursor
	t0 = cursor.Add(-s.span)
	if s.req.StopTime != nil && t0.Before(*s.req.StopTime) {
		t0 = *s.req.StopTime
	}
	return t0, t1, false
}

func (s *session) complete(cursor time.Time, forward bool) bool {
	if s.req.StopTime == nil {
		return false
	}
	if forward {
		return !cursor.Before(*s.req.StopTime)
	}
	return !cursor.After(*s.req.StopTime)
}

func (s *session) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *session) emitToFollowers(ctx context.Context, t0, t1 time.Time, events []*models.Event) {
	s.followersMu.Lock()
	followers := slices.Clone(s.followers)
	s.followersMu.Unlock()
	for _, f := range followers {
		f.EmitWindow(ctx, t0, t1, events)
	}
}
