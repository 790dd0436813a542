// Package notify fans out lockout events so other parts of a system can react
// when a throttle fires, for example by pinging or tripping a longer
// "repeat offender" throttle.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is published when a check starts a lockout.
type Event struct {
	ID       string        `json:"id"`
	Throttle string        `json:"throttle"`
	Identity string        `json:"identity"`
	RetryIn  time.Duration `json:"retry_in"`
	At       time.Time     `json:"at"`
}

// NewEvent fills in the ID and timestamp.
func NewEvent(throttle, identity string, retryIn time.Duration) Event {
	return Event{
		ID:       uuid.NewString(),
		Throttle: throttle,
		Identity: identity,
		RetryIn:  retryIn,
		At:       time.Now().UTC(),
	}
}

// Notifier publishes lockout events.
type Notifier interface {
	// Notify delivers the event. It must not block on slow subscribers.
	Notify(ctx context.Context, ev Event) error
	// Close releases resources; later Notify calls fail.
	Close() error
}
