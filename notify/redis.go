package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var errRedisNotifierClosed = errors.New("notify: redis notifier is closed")

// DefaultChannel is the Redis Pub/Sub channel used when none is configured.
const DefaultChannel = "throttle:lockouts"

// RedisNotifier publishes events as JSON on a Redis Pub/Sub channel, so every
// process in the fleet can observe lockouts. Events published while nobody
// is subscribed are lost.
type RedisNotifier struct {
	client  redis.UniversalClient
	channel string
	closed  atomic.Bool
}

// RedisOption configures a RedisNotifier.
type RedisOption func(*RedisNotifier)

// WithChannel sets the Pub/Sub channel.
func WithChannel(channel string) RedisOption {
	return func(n *RedisNotifier) {
		if channel != "" {
			n.channel = channel
		}
	}
}

// NewRedisNotifier creates a RedisNotifier. The client is not closed by Close.
func NewRedisNotifier(client redis.UniversalClient, opts ...RedisOption) *RedisNotifier {
	if client == nil {
		panic("notify: redis client cannot be nil")
	}
	n := &RedisNotifier{client: client, channel: DefaultChannel}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Channel returns the Pub/Sub channel name.
func (n *RedisNotifier) Channel() string {
	return n.channel
}

// Notify implements Notifier.
func (n *RedisNotifier) Notify(ctx context.Context, ev Event) error {
	if n.closed.Load() {
		return errRedisNotifierClosed
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal lockout event: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		log.Error().Err(err).Str("channel", n.channel).Msg("failed to publish lockout event")
		return fmt.Errorf("publish lockout event: %w", err)
	}
	return nil
}

// Subscribe returns a channel of events published on the notifier channel.
// The subscription ends, and the channel is closed, when ctx is done.
func (n *RedisNotifier) Subscribe(ctx context.Context) (<-chan Event, error) {
	if n.closed.Load() {
		return nil, errRedisNotifierClosed
	}

	sub := n.client.Subscribe(ctx, n.channel)
	// Wait for the confirmation so no event published after Subscribe
	// returns is missed.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", n.channel, err)
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					log.Warn().Err(err).Str("channel", n.channel).Msg("discarding malformed lockout event")
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close implements Notifier.
func (n *RedisNotifier) Close() error {
	n.closed.Store(true)
	return nil
}
