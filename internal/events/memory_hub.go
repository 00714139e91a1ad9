package events

import (
	"context"
	"sync"
)

const subscriberBuffer = 64

// subscription is one live listener. Cancellation is idempotent so callers
// can defer it freely.
type subscription struct {
	ch     chan Event
	filter Filter
	stop   sync.Once
}

// MemoryHub is an in-memory Sink implementation fanning events out over
// channels, for in-process listeners (UI refresh, notifications) and tests.
type MemoryHub struct {
	mu   sync.RWMutex
	subs map[*subscription]struct{}
}

// NewMemoryHub creates a new MemoryHub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[*subscription]struct{})}
}

// Publish sends an event to all matching subscribers.
// Non-blocking: if a subscriber's channel is full the event is dropped.
func (h *MemoryHub) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs {
		if !sub.filter.matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// slow subscriber, drop
		}
	}
	return nil
}

// Subscribe creates a new subscription filtered by the given Filter.
// Returns a receive-only channel, a cancel function, and any error.
func (h *MemoryHub) Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	sub := &subscription{
		ch:     make(chan Event, subscriberBuffer),
		filter: filter,
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		sub.stop.Do(func() {
			h.mu.Lock()
			delete(h.subs, sub)
			h.mu.Unlock()
		})
	}
	return sub.ch, cancel, nil
}

// matches reports whether the event passes the filter criteria.
func (f Filter) matches(e Event) bool {
	if f.RecordID != "" && f.RecordID != e.RecordID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == e.Type {
			return true
		}
	}
	return false
}
