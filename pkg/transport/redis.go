package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nova-io/nova/pkg/ingest"
	"github.com/nova-io/nova/pkg/models"
)

// NewRedisClient opens a Redis client from a redis:// URI and verifies
// connectivity.
func NewRedisClient(ctx context.Context, uri string, timeout time.Duration) (*redis.Client, error) {
	opts, err := redis.ParseURL(uri)
	if err != nil {
		return nil, fmt.Errorf("failed to parse transport uri: %w", err)
	}
	if timeout > 0 {
		opts.DialTimeout = timeout
		opts.ReadTimeout = timeout
		opts.WriteTimeout = timeout
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping transport: %w", err)
	}
	return rdb, nil
}

// Publisher publishes producer envelopes on their derived subjects.
type Publisher struct {
	rdb *redis.Client
}

func NewPublisher(rdb *redis.Client) *Publisher {
	return &Publisher{rdb: rdb}
}

// Publish validates the envelope's routing fields, derives the subject, and
// publishes the JSON envelope. Delivery is at-most-once per subscriber; the
// truth store's dedupe absorbs any producer-side retries.
func (p *Publisher) Publish(ctx context.Context, env *models.Envelope) error {
	subject := SubjectFor(env)
	if err := subject.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := p.rdb.Publish(ctx, subject.String(), data).Err(); err != nil {
		return fmt.Errorf("failed to publish envelope: %w", err)
	}
	return nil
}

// Ingestor is the slice of the ingest pipeline the subscriber drives.
type Ingestor interface {
	Ingest(ctx context.Context, env *models.Envelope) (ingest.Result, error)
}

// Subscriber consumes envelopes for this instance's role: a payload
// instance subscribes to its one scope, an aggregating instance to every
// scope. Malformed or mismatched deliveries are logged and dropped; the
// stream keeps flowing.
type Subscriber struct {
	rdb      *redis.Client
	pattern  string
	ingestor Ingestor
}

func NewSubscriber(rdb *redis.Client, scopeID string, ingestor Ingestor) *Subscriber {
	return &Subscriber{
		rdb:      rdb,
		pattern:  PatternForScope(scopeID),
		ingestor: ingestor,
	}
}

// Run subscribes and pumps deliveries into the ingest pipeline until ctx is
// cancelled. go-redis reconnects the pub/sub connection internally; the
// channel stays open across reconnects.
func (s *Subscriber) Run(ctx context.Context) error {
	pubsub := s.rdb.PSubscribe(ctx, s.pattern)
	defer func() { _ = pubsub.Close() }()

	// Force the subscription before reporting started.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", s.pattern, err)
	}
	slog.Info("Transport subscriber started", "pattern", s.pattern)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription channel closed")
			}
			s.handle(ctx, msg.Channel, []byte(msg.Payload))
		}
	}
}

// handle processes one delivery. All rejections are terminal for the
// message; there is no redelivery on this transport.
func (s *Subscriber) handle(ctx context.Context, channel string, payload []byte) {
	subject, err := ParseSubject(channel)
	if err != nil {
		slog.Warn("Dropping delivery on malformed subject", "subject", channel, "error", err)
		return
	}

	var env models.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		slog.Warn("Dropping undecodable envelope", "subject", channel, "error", err)
		return
	}

	// Envelopes may omit routing fields and inherit them from the subject;
	// when both are present they must agree.
	if env.ScopeID == "" {
		env.ScopeID = subject.ScopeID
	}
	if env.Lane == "" {
		env.Lane = subject.Lane
	}
	if env.Identity.Empty() {
		env.Identity = subject.Identity
	}
	if env.SchemaVersion == 0 && env.Lane != models.LaneRaw {
		env.SchemaVersion = subject.Version
	}
	if err := subject.CheckEnvelope(&env); err != nil {
		slog.Warn("Dropping conflicting delivery", "subject", channel, "error", err)
		return
	}

	if _, err := s.ingestor.Ingest(ctx, &env); err != nil {
		slog.Error("Ingest rejected delivery", "subject", channel, "error", err)
	}
}
