package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pulse/internal/metrics"
)

const (
	DefaultRelayChannel = "pulse:events"
	relayQueueSize      = 1024
)

// envelope is the wire shape of a relayed event.
type envelope struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

// RedisRelay mirrors hub events across instances through a Redis pub/sub channel. Events
// published through the relay reach the local hub immediately and every other instance's
// hub once Redis delivers them. An instance ignores its own messages.
//
// A single goroutine publishes to Redis and a single goroutine consumes the subscription,
// so the per-asset order of the local hub carries over to remote hubs.
type RedisRelay struct {
	client  *redis.Client
	hub     *Hub
	channel string
	origin  string
	log     *zap.Logger

	out   chan Event
	ready chan struct{}
}

type RelayOption func(*RedisRelay)

// WithChannel sets the Redis channel name. Default is "pulse:events".
func WithChannel(channel string) RelayOption {
	return func(r *RedisRelay) {
		if channel != "" {
			r.channel = channel
		}
	}
}

func WithRelayLogger(log *zap.Logger) RelayOption {
	return func(r *RedisRelay) {
		if log != nil {
			r.log = log
		}
	}
}

func NewRedisRelay(client *redis.Client, hub *Hub, opts ...RelayOption) *RedisRelay {
	r := &RedisRelay{
		client:  client,
		hub:     hub,
		channel: DefaultRelayChannel,
		origin:  uuid.New().String(),
		log:     zap.NewNop(),
		out:     make(chan Event, relayQueueSize),
		ready:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.Named("relay")
	return r
}

// Publish delivers ev to the local hub and queues it for Redis. It never blocks; when the
// queue is full the event is only delivered locally.
func (r *RedisRelay) Publish(ev Event) {
	r.hub.Publish(ev)
	select {
	case r.out <- ev:
	default:
		metrics.HubEventsDropped.Inc()
		r.log.Warn("relay queue full, event not forwarded", zap.String("asset_id", ev.AssetID))
	}
}

// Ready is closed once the Redis subscription is confirmed.
func (r *RedisRelay) Ready() <-chan struct{} { return r.ready }

// Run subscribes to the channel and forwards events in both directions until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	close(r.ready)
	r.log.Info("relay subscribed", zap.String("channel", r.channel), zap.String("origin", r.origin))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.consume(ctx, pubsub.Channel()) })
	g.Go(func() error { return r.produce(ctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *RedisRelay) consume(ctx context.Context, msgs <-chan *redis.Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.log.Warn("discarding malformed relay message", zap.Error(err))
				continue
			}
			if env.Origin == r.origin {
				continue
			}
			r.hub.Publish(env.Event)
		}
	}
}

func (r *RedisRelay) produce(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-r.out:
			payload, err := json.Marshal(envelope{Origin: r.origin, Event: ev})
			if err != nil {
				r.log.Error("encode relay message", zap.Error(err))
				continue
			}
			if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.log.Warn("relay publish failed", zap.String("asset_id", ev.AssetID), zap.Error(err))
			}
		}
	}
}
