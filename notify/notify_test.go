package notify

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	ev := NewEvent("logins", "logins:abc", 5*time.Second)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, "logins", ev.Throttle)
	assert.Equal(t, "logins:abc", ev.Identity)
	assert.Equal(t, 5*time.Second, ev.RetryIn)
	assert.WithinDuration(t, time.Now(), ev.At, time.Minute)
	assert.NotEqual(t, ev.ID, NewEvent("logins", "logins:abc", time.Second).ID)
}

func TestMemoryNotifier(t *testing.T) {
	n := NewMemoryNotifier()
	ctx := context.Background()

	id, events, err := n.Subscribe(1)
	require.NoError(t, err)

	require.NoError(t, n.Notify(ctx, NewEvent("a", "a:1", time.Second)))
	// Buffer of one is full: this event is dropped instead of blocking.
	require.NoError(t, n.Notify(ctx, NewEvent("b", "b:1", time.Second)))

	ev := <-events
	assert.Equal(t, "a", ev.Throttle)
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}

	n.Unsubscribe(id)
	_, ok := <-events
	assert.False(t, ok)
	n.Unsubscribe(id)
}

func TestMemoryNotifier_Close(t *testing.T) {
	n := NewMemoryNotifier()
	_, events, err := n.Subscribe(0)
	require.NoError(t, err)

	require.NoError(t, n.Close())
	require.NoError(t, n.Close())
	_, ok := <-events
	assert.False(t, ok)

	assert.Error(t, n.Notify(context.Background(), NewEvent("a", "a:1", time.Second)))
	_, _, err = n.Subscribe(1)
	assert.Error(t, err)
}

func TestRedisNotifier(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr(), Protocol: 2})
	t.Cleanup(func() { client.Close() })

	n := NewRedisNotifier(client, WithChannel("lockouts"))
	assert.Equal(t, "lockouts", n.Channel())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := n.Subscribe(ctx)
	require.NoError(t, err)

	sent := NewEvent("logins", "logins:abc", 3*time.Second)
	require.NoError(t, n.Notify(ctx, sent))

	select {
	case got := <-events:
		assert.Equal(t, sent.ID, got.ID)
		assert.Equal(t, sent.Throttle, got.Throttle)
		assert.Equal(t, sent.RetryIn, got.RetryIn)
		assert.True(t, sent.At.Equal(got.At))
	case <-ctx.Done():
		t.Fatal("no event received")
	}

	cancel()
	for range events {
	}

	require.NoError(t, n.Close())
	assert.Error(t, n.Notify(context.Background(), sent))
}

func TestRedisNotifier_DefaultChannel(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })

	assert.Equal(t, DefaultChannel, NewRedisNotifier(client, WithChannel("")).Channel())
	assert.Panics(t, func() { NewRedisNotifier(nil) })
}
