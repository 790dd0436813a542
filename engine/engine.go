// Package engine holds the leaky bucket state machine with its overlay
// lockout. Every Apply reads, decays, fills and persists the state of one
// identity as a single indivisible step against the shared store, using the
// store's clock.
package engine

import (
	"context"
	"errors"
	"math"
	"time"
)

// ErrInvalidRequest is returned for requests with a capacity or leak rate that
// is not a positive finite number, or with non-finite tokens.
var ErrInvalidRequest = errors.New("engine: capacity and leak rate must be positive")

// Keys names the three independently expiring keys of one identity.
type Keys struct {
	Level       string // bucket level, float
	LastUpdated string // store time of the last write, unix seconds
	Block       string // lockout marker holding its expiry time, unix seconds
	Lock        string // only used by LockingEngine
}

// KeysFor derives the key set from a base name. The suffixes sit outside any
// {hash tag} in base, so a tagged base keeps every key in one cluster slot.
func KeysFor(base string) Keys {
	return Keys{
		Level:       base + ".bucket_level",
		LastUpdated: base + ".last_updated",
		Block:       base + ".block",
		Lock:        base + ".lock",
	}
}

// Request describes one token addition.
type Request struct {
	Keys     Keys
	Capacity float64
	LeakRate float64 // tokens per second
	// BlockFor is the lockout started when an addition overflows the bucket.
	// Zero disables lockouts; the bucket is then only capped at Capacity.
	BlockFor time.Duration
	// Tokens may be zero (a ping) or negative (a manual drain).
	Tokens float64
}

func (r Request) validate() error {
	if !positive(r.Capacity) || !positive(r.LeakRate) || math.IsNaN(r.Tokens) || math.IsInf(r.Tokens, 0) {
		return ErrInvalidRequest
	}
	return nil
}

// positive reports whether f is a finite number above zero.
func positive(f float64) bool {
	return f > 0 && !math.IsInf(f, 1)
}

// Result is the outcome of Apply.
type Result struct {
	// BlockRemaining is non-zero while the identity is locked out.
	BlockRemaining time.Duration
	Level          float64
	// Started is set when this call overflowed the bucket and began the
	// lockout, as opposed to hitting one already running.
	Started bool
}

// Blocked reports whether the identity is locked out.
func (r Result) Blocked() bool {
	return r.BlockRemaining > 0
}

// Reading is the outcome of Peek.
type Reading struct {
	Blocked        bool
	BlockRemaining time.Duration
	Level          float64
}

// Engine applies token additions atomically.
type Engine interface {
	// Apply performs one atomic read-decay-fill-persist cycle.
	Apply(ctx context.Context, req Request) (Result, error)
	// Peek computes the decayed level and block status without writing.
	Peek(ctx context.Context, keys Keys, leakRate float64) (Reading, error)
}

// KeyTTL is how long bucket keys live after a write: the time needed to leak
// from full to empty, rounded up, plus one second.
func KeyTTL(capacity, leakRate float64) time.Duration {
	return time.Duration(math.Ceil(capacity/leakRate)+1) * time.Second
}

// snapshot is the stored state of one identity. Times are unix seconds.
type snapshot struct {
	level        float64
	lastUpdated  float64
	hasUpdated   bool
	blockedUntil float64
	hasBlock     bool
}

// transition is what has to be written back after an Apply.
type transition struct {
	result       Result
	level        float64
	blockedUntil float64
	startBlock   bool
	write        bool
}

// step runs the bucket-and-block algorithm for the engines that compute in
// Go. apply.lua is the same algorithm for Redis.
func step(s snapshot, req Request, now float64) transition {
	if s.hasBlock && s.blockedUntil > now {
		return transition{result: Result{
			BlockRemaining: seconds(s.blockedUntil - now),
			Level:          s.level,
		}}
	}

	level := decay(s, req.LeakRate, now) + req.Tokens
	if level < 0 {
		level = 0
	}

	t := transition{write: true}
	if level > req.Capacity {
		level = req.Capacity
		if req.BlockFor > 0 {
			t.startBlock = true
			t.blockedUntil = now + req.BlockFor.Seconds()
			t.result.BlockRemaining = req.BlockFor
			t.result.Started = true
		}
	}
	t.level = level
	t.result.Level = level
	return t
}

// peek reports the state at now without any change.
func peek(s snapshot, leakRate, now float64) Reading {
	if s.hasBlock && s.blockedUntil > now {
		return Reading{
			Blocked:        true,
			BlockRemaining: seconds(s.blockedUntil - now),
			Level:          s.level,
		}
	}
	return Reading{Level: decay(s, leakRate, now)}
}

func decay(s snapshot, leakRate, now float64) float64 {
	last := now
	if s.hasUpdated {
		last = s.lastUpdated
	}
	elapsed := math.Max(0, now-last)
	return math.Max(0, s.level-elapsed*leakRate)
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}
