// Package redlock provides a single-instance Redis lock used to serialise
// read-modify-write cycles on one identity's bucket keys when server-side
// scripting is not available.
package redlock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	// defaultTTL bounds how long a crashed holder can keep a bucket locked.
	defaultTTL = 2 * time.Second
	// defaultRetryDelay is the wait between acquisition attempts in Lock.
	defaultRetryDelay = 5 * time.Millisecond
	// defaultMaxRetries caps the attempts in Lock. 0 means retry until the
	// context is done.
	defaultMaxRetries = 200
)

var (
	// ErrNotAcquired is returned by TryLock when another holder has the lock.
	ErrNotAcquired = errors.New("redlock: lock not acquired")
	// ErrNotHeld is returned by Unlock when the lock expired or belongs to
	// someone else.
	ErrNotHeld = errors.New("redlock: lock not held")
	// ErrWaitTimeout is returned by Lock when the context ends first.
	ErrWaitTimeout = errors.New("redlock: waiting for lock timed out or context cancelled")
	// ErrMaxRetriesExceeded is returned by Lock after the configured attempts.
	ErrMaxRetriesExceeded = errors.New("redlock: maximum lock retries exceeded")
)

// unlockScript deletes KEYS[1] only when it still holds ARGV[1].
const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// Locker is a lock on one Redis key. A Locker is not safe for concurrent use;
// create one per critical section.
type Locker struct {
	client     redis.Cmdable
	key        string
	token      string // set while held
	ttl        time.Duration
	retryDelay time.Duration
	maxRetries int
}

// Option configures a Locker.
type Option func(*Locker)

// WithTTL sets the lock expiry. Non-positive values keep the default.
func WithTTL(ttl time.Duration) Option {
	return func(l *Locker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithRetryDelay sets the wait between attempts in Lock.
func WithRetryDelay(delay time.Duration) Option {
	return func(l *Locker) {
		if delay > 0 {
			l.retryDelay = delay
		}
	}
}

// WithMaxRetries sets how many times Lock retries; 0 retries until the
// context is done.
func WithMaxRetries(retries int) Option {
	return func(l *Locker) {
		if retries >= 0 {
			l.maxRetries = retries
		}
	}
}

// New creates a Locker for key.
func New(client redis.Cmdable, key string, opts ...Option) *Locker {
	l := &Locker{
		client:     client,
		key:        key,
		ttl:        defaultTTL,
		retryDelay: defaultRetryDelay,
		maxRetries: defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Locker) acquire(ctx context.Context) (string, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", ErrWaitTimeout
		}
		log.Error().Err(err).Str("key", l.key).Msg("failed to execute setnx for bucket lock")
		return "", err
	}
	if !ok {
		return "", ErrNotAcquired
	}
	return token, nil
}

// TryLock attempts to take the lock once.
func (l *Locker) TryLock(ctx context.Context) error {
	token, err := l.acquire(ctx)
	if err != nil {
		return err
	}
	l.token = token
	log.Trace().Str("key", l.key).Msg("bucket lock acquired")
	return nil
}

// Lock takes the lock, retrying until it succeeds, the context is done, or the
// retry limit is hit.
func (l *Locker) Lock(ctx context.Context) error {
	err := l.TryLock(ctx)
	if !errors.Is(err, ErrNotAcquired) {
		return err
	}

	ticker := time.NewTicker(l.retryDelay)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			log.Warn().Err(ctx.Err()).Str("key", l.key).Int("attempts", attempt).Msg("gave up waiting for bucket lock")
			return ErrWaitTimeout
		case <-ticker.C:
			err := l.TryLock(ctx)
			if !errors.Is(err, ErrNotAcquired) {
				return err
			}
			if l.maxRetries > 0 && attempt >= l.maxRetries {
				log.Warn().Str("key", l.key).Int("attempts", attempt).Msg("bucket lock retries exhausted")
				return ErrMaxRetriesExceeded
			}
		}
	}
}

// Unlock releases the lock if this Locker still holds it.
func (l *Locker) Unlock(ctx context.Context) error {
	if l.token == "" {
		return ErrNotHeld
	}
	token := l.token
	l.token = ""

	res, err := l.client.Eval(ctx, unlockScript, []string{l.key}, token).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotHeld
		}
		log.Error().Err(err).Str("key", l.key).Msg("failed to release bucket lock")
		return err
	}
	if n, ok := res.(int64); ok && n == 1 {
		return nil
	}
	log.Warn().Str("key", l.key).Msg("bucket lock expired before release")
	return ErrNotHeld
}

// Do runs fn while holding the lock. fn should fence its writes with Token.
// A lock that expired before the release is only logged when fn succeeded.
func (l *Locker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := l.Lock(ctx); err != nil {
		return err
	}
	fnErr := fn(ctx)
	err := l.Unlock(ctx)
	switch {
	case fnErr != nil:
		return fnErr
	case errors.Is(err, ErrNotHeld):
		log.Warn().Str("key", l.key).Msg("bucket lock expired while held, work already committed")
		return nil
	default:
		return err
	}
}

// Token returns the value stored under the key while the lock is held, or ""
// when it is not.
func (l *Locker) Token() string {
	return l.token
}

// Key returns the locked key.
func (l *Locker) Key() string {
	return l.key
}
