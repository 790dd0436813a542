package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// defaultSweepInterval is how often Apply scans the whole map for expired
// entries.
const defaultSweepInterval = time.Minute

// memoryEntry is one stored value with its expiry.
type memoryEntry struct {
	value     float64
	expiresAt time.Time
}

// MemoryEngine keeps bucket state in a process-local map. It enforces limits
// only within one process, which makes it suitable for tests and
// single-instance deployments.
type MemoryEngine struct {
	mu         sync.Mutex
	now        func() time.Time
	state      map[string]memoryEntry
	sweepEvery time.Duration
	nextSweep  time.Time
}

// MemoryOption configures a MemoryEngine.
type MemoryOption func(*MemoryEngine)

// WithClock replaces time.Now as the engine clock.
func WithClock(now func() time.Time) MemoryOption {
	return func(e *MemoryEngine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithSweepInterval sets how often expired entries of identities that are
// never seen again are dropped. Non-positive values keep the default.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(e *MemoryEngine) {
		if d > 0 {
			e.sweepEvery = d
		}
	}
}

// NewMemoryEngine creates an in-memory engine.
func NewMemoryEngine(opts ...MemoryOption) *MemoryEngine {
	e := &MemoryEngine{
		now:        time.Now,
		state:      make(map[string]memoryEntry),
		sweepEvery: defaultSweepInterval,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Apply implements Engine.
func (e *MemoryEngine) Apply(ctx context.Context, req Request) (Result, error) {
	if err := req.validate(); err != nil {
		return Result{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	e.sweep(now)
	t := step(e.snapshot(req.Keys, now), req, unixSeconds(now))
	if !t.write {
		return t.result, nil
	}

	ttl := KeyTTL(req.Capacity, req.LeakRate)
	if t.startBlock {
		e.state[req.Keys.Block] = memoryEntry{value: t.blockedUntil, expiresAt: now.Add(req.BlockFor)}
		log.Debug().Str("key", req.Keys.Block).Dur("block_for", req.BlockFor).Msg("memory bucket blocked")
	}
	e.state[req.Keys.Level] = memoryEntry{value: t.level, expiresAt: now.Add(ttl)}
	e.state[req.Keys.LastUpdated] = memoryEntry{value: unixSeconds(now), expiresAt: now.Add(ttl)}
	return t.result, nil
}

// Peek implements Engine.
func (e *MemoryEngine) Peek(ctx context.Context, keys Keys, leakRate float64) (Reading, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	return peek(e.snapshot(keys, now), leakRate, unixSeconds(now)), nil
}

// Len returns the number of unexpired keys.
func (e *MemoryEngine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	n := 0
	for key := range e.state {
		if _, ok := e.get(key, now); ok {
			n++
		}
	}
	return n
}

// snapshot must be called with mu held.
func (e *MemoryEngine) snapshot(keys Keys, now time.Time) snapshot {
	var s snapshot
	s.level, _ = e.get(keys.Level, now)
	s.lastUpdated, s.hasUpdated = e.get(keys.LastUpdated, now)
	s.blockedUntil, s.hasBlock = e.get(keys.Block, now)
	return s
}

// get returns a live value and drops it once expired. mu must be held.
func (e *MemoryEngine) get(key string, now time.Time) (float64, bool) {
	entry, ok := e.state[key]
	if !ok {
		return 0, false
	}
	if !now.Before(entry.expiresAt) {
		delete(e.state, key)
		return 0, false
	}
	return entry.value, true
}

// sweep drops every expired entry at most once per sweep interval. mu must be
// held.
func (e *MemoryEngine) sweep(now time.Time) {
	if now.Before(e.nextSweep) {
		return
	}
	e.nextSweep = now.Add(e.sweepEvery)

	dropped := 0
	for key, entry := range e.state {
		if !now.Before(entry.expiresAt) {
			delete(e.state, key)
			dropped++
		}
	}
	if dropped > 0 {
		log.Debug().Int("dropped", dropped).Int("live", len(e.state)).Msg("memory engine swept expired keys")
	}
}
