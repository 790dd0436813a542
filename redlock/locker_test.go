package redlock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })
	return server, client
}

func TestLocker_TryLockAndUnlock(t *testing.T) {
	server, client := newClient(t)
	ctx := context.Background()

	a := New(client, "b.lock")
	b := New(client, "b.lock")

	require.NoError(t, a.TryLock(ctx))
	assert.True(t, server.Exists("b.lock"))
	assert.ErrorIs(t, b.TryLock(ctx), ErrNotAcquired)

	require.NoError(t, a.Unlock(ctx))
	assert.False(t, server.Exists("b.lock"))
	require.NoError(t, b.TryLock(ctx))
}

func TestLocker_UnlockWithoutLock(t *testing.T) {
	_, client := newClient(t)
	assert.ErrorIs(t, New(client, "b.lock").Unlock(context.Background()), ErrNotHeld)
}

func TestLocker_UnlockAfterExpiry(t *testing.T) {
	server, client := newClient(t)
	ctx := context.Background()

	a := New(client, "b.lock", WithTTL(time.Second))
	require.NoError(t, a.TryLock(ctx))
	server.FastForward(2 * time.Second)

	b := New(client, "b.lock")
	require.NoError(t, b.TryLock(ctx))
	assert.ErrorIs(t, a.Unlock(ctx), ErrNotHeld, "must not release a lock taken over by someone else")
	assert.True(t, server.Exists("b.lock"))
}

func TestLocker_LockRetriesExhausted(t *testing.T) {
	_, client := newClient(t)
	ctx := context.Background()

	require.NoError(t, New(client, "b.lock").TryLock(ctx))
	l := New(client, "b.lock", WithRetryDelay(time.Millisecond), WithMaxRetries(3))
	assert.ErrorIs(t, l.Lock(ctx), ErrMaxRetriesExceeded)
}

func TestLocker_LockContextDone(t *testing.T) {
	_, client := newClient(t)
	require.NoError(t, New(client, "b.lock").TryLock(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	l := New(client, "b.lock", WithRetryDelay(time.Millisecond), WithMaxRetries(0))
	assert.ErrorIs(t, l.Lock(ctx), ErrWaitTimeout)
}

func TestLocker_Do(t *testing.T) {
	server, client := newClient(t)
	ctx := context.Background()
	l := New(client, "b.lock")

	ran := false
	err := l.Do(ctx, func(ctx context.Context) error {
		ran = true
		assert.True(t, server.Exists("b.lock"))
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, server.Exists("b.lock"))

	boom := errors.New("boom")
	assert.ErrorIs(t, l.Do(ctx, func(context.Context) error { return boom }), boom)
	assert.False(t, server.Exists("b.lock"))
	assert.Equal(t, "b.lock", l.Key())
}

func TestLocker_Token(t *testing.T) {
	server, client := newClient(t)
	ctx := context.Background()
	l := New(client, "b.lock")

	assert.Empty(t, l.Token())
	require.NoError(t, l.TryLock(ctx))
	stored, err := server.Get("b.lock")
	require.NoError(t, err)
	assert.Equal(t, stored, l.Token())

	require.NoError(t, l.Unlock(ctx))
	assert.Empty(t, l.Token())
}

func TestLocker_DoLockExpiredAfterWork(t *testing.T) {
	server, client := newClient(t)
	ctx := context.Background()
	l := New(client, "b.lock", WithTTL(time.Second))

	err := l.Do(ctx, func(ctx context.Context) error {
		server.FastForward(2 * time.Second)
		return nil
	})
	assert.NoError(t, err, "completed work must not be reported as failed")

	boom := errors.New("boom")
	err = l.Do(ctx, func(ctx context.Context) error {
		server.FastForward(2 * time.Second)
		return boom
	})
	assert.ErrorIs(t, err, boom)
}
