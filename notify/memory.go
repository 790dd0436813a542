package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var errMemoryNotifierClosed = errors.New("notify: memory notifier is closed")

const defaultBufferSize = 64

// MemoryNotifier delivers events to in-process subscribers. Delivery never
// blocks: a subscriber whose buffer is full misses the event.
type MemoryNotifier struct {
	mu     sync.RWMutex
	closed bool
	subs   map[string]chan Event
}

// NewMemoryNotifier creates an empty MemoryNotifier.
func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{subs: make(map[string]chan Event)}
}

// Subscribe registers a subscriber with the given buffer size (a default is
// used for non-positive values) and returns its ID and event channel.
func (m *MemoryNotifier) Subscribe(buffer int) (string, <-chan Event, error) {
	if buffer <= 0 {
		buffer = defaultBufferSize
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", nil, errMemoryNotifierClosed
	}

	id := uuid.NewString()
	ch := make(chan Event, buffer)
	m.subs[id] = ch
	log.Debug().Str("subscription_id", id).Int("buffer", buffer).Msg("lockout subscriber added")
	return id, ch, nil
}

// Unsubscribe removes a subscriber and closes its channel.
func (m *MemoryNotifier) Unsubscribe(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.subs[id]; ok {
		delete(m.subs, id)
		close(ch)
	}
}

// Notify implements Notifier.
func (m *MemoryNotifier) Notify(ctx context.Context, ev Event) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errMemoryNotifierClosed
	}

	for id, ch := range m.subs {
		select {
		case ch <- ev:
		case <-ctx.Done():
			return ctx.Err()
		default:
			log.Warn().Str("subscription_id", id).Str("throttle", ev.Throttle).Msg("lockout subscriber buffer full, dropping event")
		}
	}
	return nil
}

// Close implements Notifier. All subscriber channels are closed.
func (m *MemoryNotifier) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for id, ch := range m.subs {
		close(ch)
		delete(m.subs, id)
	}
	return nil
}
