// Package events provides the in-process event stream consumers subscribe
// to for run progress.
package events

import (
	"context"
	"sync"
	"time"

	"orgrun/internal/domain"
)

const defaultBuffer = 64

// Bus fans events out to subscribers over bounded channels. Terminal events
// (state transitions consumers must not miss) block until delivered;
// heartbeat-class events are dropped for slow subscribers instead of
// stalling the scheduler.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

// subscriber pairs the delivery channel with a done signal. done lets a
// blocked terminal publish bail out the moment the consumer cancels, so
// cancel can take the write lock without waiting on the publisher.
type subscriber struct {
	ch   chan domain.Event
	done chan struct{}
	stop sync.Once
}

func (s *subscriber) signalDone() {
	s.stop.Do(func() { close(s.done) })
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscribe registers a consumer. buffer <= 0 uses the default. The returned
// cancel func unregisters and closes the channel; calling it twice is safe.
func (b *Bus) Subscribe(buffer int) (<-chan domain.Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		ch := make(chan domain.Event)
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan domain.Event, buffer), done: make(chan struct{})}
	b.subs[id] = sub

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			// unblock any publisher stuck on this channel first
			sub.signalDone()
			b.mu.Lock()
			defer b.mu.Unlock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
		})
	}
	return sub.ch, cancel
}

// Publish delivers an event to every subscriber. It returns early if the
// context is canceled while blocked on a terminal delivery. Channels are
// only ever closed under the write lock, so holding the read lock across
// the sends keeps them safe.
func (b *Bus) Publish(ctx context.Context, ev domain.Event) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if ev.Kind.Terminal() {
			select {
			case sub.ch <- ev:
			case <-sub.done:
			case <-ctx.Done():
				return
			}
			continue
		}
		select {
		case sub.ch <- ev:
		default: // slow subscriber, drop
		}
	}
}

// Close unregisters and closes every subscriber channel. Publishing after
// Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		sub.signalDone()
		close(sub.ch)
	}
}
