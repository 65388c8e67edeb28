package playback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nova-io/nova/pkg/models"
)

// Follower is an output stream bound to a leader cursor, typically an
// external TCP consumer. It never paces itself; the leader hands it the
// identical window on each tick. Delivery is non-blocking: a slow follower
// drops windows and falls behind, and once its position drifts past the
// tolerance it re-anchors to the leader's cursor instead of replaying the
// gap on its own.
type Follower struct {
	out       chan<- Chunk
	tolerance time.Duration

	mu       sync.Mutex
	position time.Time
}

// NewFollower binds an output channel with the given drift tolerance.
func NewFollower(out chan<- Chunk, tolerance time.Duration) *Follower {
	return &Follower{out: out, tolerance: tolerance}
}

// Position returns the follower's last delivered window edge.
func (f *Follower) Position() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.position
}

// EmitWindow delivers the leader's window. Called on the leader's goroutine;
// it must not block, so a full output channel means a dropped window.
func (f *Follower) EmitWindow(_ context.Context, t0, t1 time.Time, events []*models.Event) {
	f.mu.Lock()
	if !f.position.IsZero() && t0.Sub(f.position) > f.tolerance {
		// Jump to the leader rather than catching up autonomously; the
		// dropped windows stay dropped.
		slog.Debug("Follower re-anchoring to leader cursor", "position", f.position, "leader", t0)
		f.position = t0
	}
	f.mu.Unlock()

	select {
	case f.out <- Chunk{Events: events, CursorEndpoint: t1}:
		f.mu.Lock()
		f.position = t1
		f.mu.Unlock()
	default:
		// Dropped; drift accumulates until the re-anchor above fires.
	}
}
