// Package bucket exposes a plain leaky bucket stored in a shared store,
// without discriminators and without lockouts.
//
// The bucket is only full at the moment a fill reaches capacity; by the next
// call some tokens have already leaked, so callers either check Full on the
// reading returned by Put or compare levels between calls.
package bucket

import (
	"context"
	"errors"
	"math"

	"github.com/toolink/throttle/engine"
)

// ErrMisconfigured is returned for a leak rate or capacity that is not a
// positive finite number.
var ErrMisconfigured = errors.New("bucket: leak rate and capacity must be positive")

// fullTolerance is the fraction of capacity within which a level counts as
// full, absorbing rounding in the decimal transport of the level.
const fullTolerance = 1e-6

// Reading is the state of the bucket right after an operation.
type Reading struct {
	Level float64
	Full  bool
}

// LeakyBucket is a leaky bucket keyed directly by a caller-supplied prefix.
type LeakyBucket struct {
	engine   engine.Engine
	keys     engine.Keys
	leakRate float64 // tokens per second
	capacity float64
}

// New creates a bucket that stores its state under keyPrefix. Mix anything
// user-, browser- or address-specific into the prefix yourself.
func New(e engine.Engine, keyPrefix string, leakRate, capacity float64) (*LeakyBucket, error) {
	if !(leakRate > 0) || !(capacity > 0) || math.IsInf(leakRate, 1) || math.IsInf(capacity, 1) {
		return nil, ErrMisconfigured
	}
	return &LeakyBucket{
		engine:   e,
		keys:     engine.KeysFor(keyPrefix + ".leaky_bucket"),
		leakRate: leakRate,
		capacity: capacity,
	}, nil
}

// Put adds n tokens, first applying the leak since the last update. The level
// is capped at capacity and never drops below zero; negative n drains tokens.
func (b *LeakyBucket) Put(ctx context.Context, n float64) (Reading, error) {
	res, err := b.engine.Apply(ctx, engine.Request{
		Keys:     b.keys,
		Capacity: b.capacity,
		LeakRate: b.leakRate,
		Tokens:   n,
	})
	if err != nil {
		return Reading{}, err
	}
	return b.reading(res.Level), nil
}

// State returns the current level without writing anything.
func (b *LeakyBucket) State(ctx context.Context) (Reading, error) {
	r, err := b.engine.Peek(ctx, b.keys, b.leakRate)
	if err != nil {
		return Reading{}, err
	}
	return b.reading(r.Level), nil
}

// LevelKey returns the key holding the bucket level. It only exists while the
// bucket has been written to recently.
func (b *LeakyBucket) LevelKey() string {
	return b.keys.Level
}

// LastUpdatedKey returns the key holding the time of the last write.
func (b *LeakyBucket) LastUpdatedKey() string {
	return b.keys.LastUpdated
}

// Capacity returns the bucket capacity.
func (b *LeakyBucket) Capacity() float64 {
	return b.capacity
}

// LeakRate returns the leak rate in tokens per second.
func (b *LeakyBucket) LeakRate() float64 {
	return b.leakRate
}

func (b *LeakyBucket) reading(level float64) Reading {
	return Reading{
		Level: level,
		Full:  level >= b.capacity-b.capacity*fullTolerance,
	}
}
