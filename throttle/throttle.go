// Package throttle applies leaky-bucket rate limits with a timed lockout,
// shared across processes through the store behind an engine.Engine.
//
// A Throttle is configured with a limit of tokens per period. Every Check adds
// tokens to a bucket that leaks at limit/period tokens per second. When an
// addition would overflow the bucket the identity is locked out for BlockFor,
// and every Check fails with *Throttled until the lockout expires, no matter
// how much traffic arrives in the meantime.
//
//	t, err := throttle.New(eng, throttle.Config{
//		Name:     "logins-per-ip",
//		Limit:    5,
//		Period:   time.Minute,
//		BlockFor: 15 * time.Minute,
//	})
//	t.AddDiscriminator(remoteIP).AddDiscriminator(userID)
//	if _, err := t.Check(ctx); err != nil {
//		var throttled *throttle.Throttled
//		if errors.As(err, &throttled) {
//			// respond 429 with Retry-After: throttled.RetrySeconds()
//		}
//	}
//
// No state is cached in the process: every call is one round trip through
// the engine.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolink/throttle/engine"
	"github.com/toolink/throttle/identity"
	"github.com/toolink/throttle/notify"
)

// ErrMisconfigured is returned by New for an empty name, a non-positive or
// non-finite limit, a non-positive period, or a negative block duration.
var ErrMisconfigured = errors.New("throttle: name, limit and period are required and must be positive")

// Config is the immutable configuration of a Throttle.
type Config struct {
	Name     string
	Limit    float64       // bucket capacity in tokens
	Period   time.Duration // time for a full bucket to drain
	BlockFor time.Duration // lockout started on overflow
}

// LeakRate returns the drain rate in tokens per second.
func (c Config) LeakRate() float64 {
	return c.Limit / c.Period.Seconds()
}

// Validate reports whether the configuration can be used.
func (c Config) Validate() error {
	if c.Name == "" || c.Limit <= 0 || c.Period <= 0 {
		return ErrMisconfigured
	}
	if math.IsNaN(c.Limit) || math.IsInf(c.Limit, 0) || math.IsInf(c.LeakRate(), 0) {
		return fmt.Errorf("%w: limit %v is not a finite number", ErrMisconfigured, c.Limit)
	}
	if c.BlockFor < 0 {
		return fmt.Errorf("%w: block duration %s is negative", ErrMisconfigured, c.BlockFor)
	}
	return nil
}

// Status is the lockout state of an identity.
type Status struct {
	Blocked   bool
	Remaining time.Duration
}

// Option configures a Throttle.
type Option func(*Throttle)

// WithNotifier publishes an event every time a check starts a lockout.
func WithNotifier(n notify.Notifier) Option {
	return func(t *Throttle) {
		t.notifier = n
	}
}

// Throttle checks one named limit for an identity built from discriminators.
// AddDiscriminator must not be called concurrently with other methods.
type Throttle struct {
	cfg            Config
	leakRate       float64
	engine         engine.Engine
	notifier       notify.Notifier
	discriminators []any
}

// New creates a Throttle. Configuration errors are reported before any store
// access.
func New(e engine.Engine, cfg Config, opts ...Option) (*Throttle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Throttle{
		cfg:      cfg,
		leakRate: cfg.LeakRate(),
		engine:   e,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Name returns the throttle name.
func (t *Throttle) Name() string { return t.cfg.Name }

// Config returns the configuration the throttle was created with.
func (t *Throttle) Config() Config { return t.cfg }

// AddDiscriminator appends a value that distinguishes this caller from
// others, such as an IP address or account ID. The values must encode the
// same way with encoding/json in every process, and their order matters.
func (t *Throttle) AddDiscriminator(v any) *Throttle {
	t.discriminators = append(t.discriminators, v)
	return t
}

// Identifier returns the storage namespace for the current discriminators.
func (t *Throttle) Identifier() string {
	return identity.Resolve(t.cfg.Name, t.discriminators...)
}

// Check adds one token. See CheckN.
func (t *Throttle) Check(ctx context.Context) (float64, error) {
	return t.CheckN(ctx, 1)
}

// CheckN adds n tokens and returns the remaining capacity, limit minus the
// bucket level, which may be fractional. It fails with *Throttled while the
// identity is locked out, including on the call that starts the lockout.
//
// n = 0 is a ping: it refreshes the bucket state without consuming capacity
// and never starts a lockout. This keeps a long lockout throttle "warm"
// alongside a cheaper one that fires first. Negative n removes tokens.
//
// Store failures are returned as they are; whether to admit the caller then
// is up to the application.
func (t *Throttle) CheckN(ctx context.Context, n float64) (float64, error) {
	id := t.Identifier()
	log.Debug().Str("throttle", t.cfg.Name).Float64("tokens", n).Msg("applying throttle")

	res, err := t.engine.Apply(ctx, engine.Request{
		Keys:     engine.KeysFor(id),
		Capacity: t.cfg.Limit,
		LeakRate: t.leakRate,
		BlockFor: t.cfg.BlockFor,
		Tokens:   n,
	})
	if err != nil {
		return 0, err
	}

	if res.Blocked() {
		log.Warn().
			Str("throttle", t.cfg.Name).
			Float64("limit", t.cfg.Limit).
			Dur("period", t.cfg.Period).
			Dur("retry_in", res.BlockRemaining).
			Msg("throttle exceeded limit, identity is blocked")
		if res.Started {
			t.notify(ctx, id, res.BlockRemaining)
		}
		return 0, &Throttled{name: t.cfg.Name, retryIn: res.BlockRemaining}
	}

	return t.cfg.Limit - res.Level, nil
}

// Status reports whether the identity is locked out without changing any
// state.
func (t *Throttle) Status(ctx context.Context) (Status, error) {
	r, err := t.engine.Peek(ctx, engine.KeysFor(t.Identifier()), t.leakRate)
	if err != nil {
		return Status{}, err
	}
	if !r.Blocked {
		return Status{}, nil
	}
	return Status{Blocked: true, Remaining: r.BlockRemaining}, nil
}

// notify publishes the start of a lockout. Failures are logged only: the
// caller is throttled either way.
func (t *Throttle) notify(ctx context.Context, id string, retryIn time.Duration) {
	if t.notifier == nil {
		return
	}
	if err := t.notifier.Notify(ctx, notify.NewEvent(t.cfg.Name, id, retryIn)); err != nil {
		log.Error().Err(err).Str("throttle", t.cfg.Name).Msg("failed to publish lockout event")
	}
}
