package throttle

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Throttled is returned when an identity is locked out. Use errors.As to get
// at it. Error does not include the throttle name; use ThrottleName.
type Throttled struct {
	name    string
	retryIn time.Duration
}

// Error implements error.
func (e *Throttled) Error() string {
	return fmt.Sprintf("throttled, please lower your temper and try again in %d seconds", e.RetrySeconds())
}

// ThrottleName returns the name of the throttle that fired, to tell throttles
// apart when several guard the same request.
func (e *Throttled) ThrottleName() string {
	return e.name
}

// RetryAfter returns how long the lockout lasts.
func (e *Throttled) RetryAfter() time.Duration {
	return e.retryIn
}

// RetrySeconds returns RetryAfter in whole seconds, rounded up, as used in a
// Retry-After header.
func (e *Throttled) RetrySeconds() int64 {
	return int64(math.Ceil(e.retryIn.Seconds()))
}

// IsThrottled reports whether err is or wraps a *Throttled.
func IsThrottled(err error) bool {
	var t *Throttled
	return errors.As(err, &t)
}
