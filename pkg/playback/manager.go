package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/nova-io/nova/pkg/clock"
	"github.com/nova-io/nova/pkg/models"
	"github.com/nova-io/nova/pkg/store"
)

// ErrBadStreamRequest covers malformed stream/query requests.
var ErrBadStreamRequest = errors.New("invalid stream request")

// Waker registers handlers for ingest notifications. Satisfied by
// *store.IngestListener.
type Waker interface {
	Register(h store.IngestHandler) func()
}

// Manager owns all active cursors, keyed by connection. A StartStream on a
// connection with an active cursor supersedes it: the old cursor is
// cancelled and its request ID goes stale, so the edge fences out any chunk
// it managed to emit in the gap.
type Manager struct {
	querier   Querier
	waker     Waker
	clk       clock.Clock
	span      time.Duration
	tolerance time.Duration

	mu     sync.Mutex
	active map[string]*session
}

// NewManager creates a playback manager. span is the timeline window per
// tick; tolerance is the follower drift bound.
func NewManager(querier Querier, waker Waker, clk clock.Clock, span, tolerance time.Duration) *Manager {
	if span <= 0 {
		span = time.Second
	}
	return &Manager{
		querier:   querier,
		waker:     waker,
		clk:       clk,
		span:      span,
		tolerance: tolerance,
		active:    make(map[string]*session),
	}
}

// Stream is the caller's handle on a started cursor.
type Stream struct {
	sess *session
}

// BindFollower attaches a follower output to the stream's cursor.
func (s *Stream) BindFollower(f *Follower) {
	s.sess.BindFollower(f)
}

// Done is closed when the cursor goroutine has exited.
func (s *Stream) Done() <-chan struct{} {
	return s.sess.done
}

func validateStreamRequest(req StreamRequest) error {
	if req.PlaybackRequestID == "" {
		return fmt.Errorf("%w: playbackRequestId is required", ErrBadStreamRequest)
	}
	if req.ConnectionID == "" {
		return fmt.Errorf("%w: connectionId is required", ErrBadStreamRequest)
	}
	if req.ScopeID == "" {
		return fmt.Errorf("%w: scope is required", ErrBadStreamRequest)
	}
	if req.StartTime.IsZero() {
		return fmt.Errorf("%w: startTime is required", ErrBadStreamRequest)
	}
	if req.Timebase != models.TimebaseSource && req.Timebase != models.TimebaseCanonical {
		return fmt.Errorf("%w: unknown timebase %q", ErrBadStreamRequest, req.Timebase)
	}
	if !req.Mode.Valid() {
		return fmt.Errorf("%w: unknown timeline mode %q", ErrBadStreamRequest, req.Mode)
	}
	return nil
}

// StartStream validates the request, supersedes any active cursor on the
// same connection, and starts the new cursor. Messages flow to out until
// completion, error, cancellation, or ctx done; the caller owns ctx and
// cancels it on connection loss.
func (m *Manager) StartStream(ctx context.Context, req StreamRequest, out chan<- Message) (*Stream, error) {
	if err := validateStreamRequest(req); err != nil {
		return nil, err
	}

	sessCtx, cancel := context.WithCancel(ctx)
	sess := &session{
		req:     req,
		querier: m.querier,
		clk:     m.clk,
		span:    m.span,
		out:     out,
		wake:    make(chan struct{}, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	if prior, ok := m.active[req.ConnectionID]; ok {
		prior.cancel()
	}
	m.active[req.ConnectionID] = sess
	m.mu.Unlock()

	unregister := func() {}
	if m.waker != nil {
		unregister = m.waker.Register(func(n store.IngestNotification) {
			if n.ScopeID != req.ScopeID {
				return
			}
			if len(req.Filters.Lanes) > 0 && !slices.Contains(req.Filters.Lanes, models.Lane(n.Lane)) {
				return
			}
			sess.Wake()
		})
	}

	go func() {
		defer unregister()
		defer cancel()
		sess.run(sessCtx)

		// Drop the registration only if this cursor is still the active one;
		// a superseding cursor must not be evicted by its predecessor.
		m.mu.Lock()
		if m.active[req.ConnectionID] == sess {
			delete(m.active, req.ConnectionID)
		}
		m.mu.Unlock()
	}()

	slog.Info("Stream started",
		"playback_request_id", req.PlaybackRequestID,
		"connection_id", req.ConnectionID,
		"scope_id", req.ScopeID,
		"rate", req.Rate,
		"mode", req.Mode)
	return &Stream{sess: sess}, nil
}

// CancelStream cancels the active cursor for a connection, if any. Used for
// explicit cancel requests and connection teardown.
func (m *Manager) CancelStream(connectionID string) {
	m.mu.Lock()
	sess, ok := m.active[connectionID]
	if ok {
		delete(m.active, connectionID)
	}
	m.mu.Unlock()
	if ok {
		sess.cancel()
		<-sess.done
	}
}

// QueryRequest is the synchronous bounded read.
type QueryRequest struct {
	ScopeID   string
	StartTime time.Time
	StopTime  time.Time
	Timebase  models.Timebase
	Filters   Filters
	Limit     int
}

// Query runs one bounded, ordered window read. Callers bound it with a
// deadline on ctx; streams have no timeout but queries do.
func (m *Manager) Query(ctx context.Context, req QueryRequest) ([]*models.Event, error) {
	if req.ScopeID == "" {
		return nil, fmt.Errorf("%w: scope is required", ErrBadStreamRequest)
	}
	if !req.StopTime.After(req.StartTime) {
		return nil, fmt.Errorf("%w: stopTime must be after startTime", ErrBadStreamRequest)
	}
	if req.Timebase != models.TimebaseSource && req.Timebase != models.TimebaseCanonical {
		return nil, fmt.Errorf("%w: unknown timebase %q", ErrBadStreamRequest, req.Timebase)
	}
	return m.querier.QueryWindow(ctx, store.WindowQuery{
		ScopeID:      req.ScopeID,
		Timebase:     req.Timebase,
		Start:        req.StartTime,
		End:          req.StopTime,
		Lanes:        req.Filters.Lanes,
		Identity:     req.Filters.Identity,
		MessageTypes: req.Filters.MessageTypes,
		Limit:        req.Limit,
	})
}
