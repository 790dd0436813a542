package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/toolink/throttle/redlock"
)

// ErrLockLost is returned by LockingEngine.Apply when the bucket lock expired
// or changed hands before the update could be written. Nothing is written.
var ErrLockLost = errors.New("engine: bucket lock lost before write")

// LockingEngine serialises access to an identity with a Redis lock instead of
// a script, for deployments where EVAL is disabled. It costs several round
// trips per call and adds the lock TTL as a failure mode.
//
// Writes are fenced: the lock key is WATCHed and its token checked before
// MULTI/EXEC, so a holder whose lock expired mid-cycle cannot overwrite a
// newer holder's state.
type LockingEngine struct {
	client   redis.UniversalClient
	lockOpts []redlock.Option
}

// NewLockingEngine creates an engine that guards each identity with a
// redlock.Locker configured by opts.
func NewLockingEngine(client redis.UniversalClient, opts ...redlock.Option) *LockingEngine {
	return &LockingEngine{client: client, lockOpts: opts}
}

// Apply implements Engine.
func (e *LockingEngine) Apply(ctx context.Context, req Request) (Result, error) {
	if err := req.validate(); err != nil {
		return Result{}, err
	}

	var res Result
	locker := redlock.New(e.client, req.Keys.Lock, e.lockOpts...)
	err := locker.Do(ctx, func(ctx context.Context) error {
		r, err := e.update(ctx, req, locker.Token())
		res = r
		return err
	})
	if err != nil {
		log.Error().Err(err).Str("key", req.Keys.Level).Msg("locked bucket update failed")
		return Result{}, fmt.Errorf("apply locked bucket update for %s: %w", req.Keys.Level, err)
	}
	return res, nil
}

// update runs one read-step-write cycle on a connection watching the lock
// key. The write only commits while the lock still holds token.
func (e *LockingEngine) update(ctx context.Context, req Request, token string) (Result, error) {
	var res Result
	err := e.client.Watch(ctx, func(tx *redis.Tx) error {
		now, snap, err := read(ctx, tx, req.Keys)
		if err != nil {
			return err
		}

		t := step(snap, req, now)
		if !t.write {
			res = t.result
			return nil
		}

		owner, err := tx.Get(ctx, req.Keys.Lock).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("read bucket lock: %w", err)
		}
		if owner != token {
			return ErrLockLost
		}

		ttl := KeyTTL(req.Capacity, req.LeakRate)
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			if t.startBlock {
				p.Set(ctx, req.Keys.Block, strconv.FormatFloat(t.blockedUntil, 'f', 6, 64), req.BlockFor)
			}
			p.Set(ctx, req.Keys.Level, strconv.FormatFloat(t.level, 'f', 9, 64), ttl)
			p.Set(ctx, req.Keys.LastUpdated, strconv.FormatFloat(now, 'f', 6, 64), ttl)
			return nil
		})
		if errors.Is(err, redis.TxFailedErr) {
			return ErrLockLost
		}
		if err != nil {
			return err
		}
		res = t.result
		return nil
	}, req.Keys.Lock)
	return res, err
}

// Peek implements Engine. It does not take the lock: a single MGET is a
// consistent read of the three keys.
func (e *LockingEngine) Peek(ctx context.Context, keys Keys, leakRate float64) (Reading, error) {
	now, snap, err := read(ctx, e.client, keys)
	if err != nil {
		return Reading{}, fmt.Errorf("peek bucket %s: %w", keys.Level, err)
	}
	return peek(snap, leakRate, now), nil
}

// read fetches the Redis clock and the stored state.
func read(ctx context.Context, c redis.Cmdable, keys Keys) (float64, snapshot, error) {
	var snap snapshot

	serverTime, err := c.Time(ctx).Result()
	if err != nil {
		return 0, snap, fmt.Errorf("read redis time: %w", err)
	}
	now := unixSeconds(serverTime)

	values, err := c.MGet(ctx, keys.Level, keys.LastUpdated, keys.Block).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, snap, fmt.Errorf("read bucket keys: %w", err)
	}

	if snap.level, _, err = optionalFloat(values, 0); err != nil {
		return 0, snap, err
	}
	if snap.lastUpdated, snap.hasUpdated, err = optionalFloat(values, 1); err != nil {
		return 0, snap, err
	}
	if snap.blockedUntil, snap.hasBlock, err = optionalFloat(values, 2); err != nil {
		return 0, snap, err
	}
	return now, snap, nil
}

func optionalFloat(values []any, i int) (float64, bool, error) {
	if i >= len(values) || values[i] == nil {
		return 0, false, nil
	}
	f, err := parseFloat(values[i])
	if err != nil {
		return 0, false, err
	}
	return f, true, nil
}
