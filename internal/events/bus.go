package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Bus fans events out to subscribers. Every subscriber owns a queue drained
// by its own goroutine. Publish never blocks and never drops: a subscriber
// that falls behind accumulates a backlog it works off in order.
type Bus struct {
	log    zerolog.Logger
	mu     sync.RWMutex
	subs   []*subscriber
	wg     sync.WaitGroup
	closed bool
}

type subscriber struct {
	name    string
	handler Handler
	// highWater is the backlog size above which Publish starts warning.
	highWater int

	mu     sync.Mutex
	queue  []Event
	warned bool
	closed bool
	wake   chan struct{}
}

// NewBus creates an empty bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{log: log.With().Str("component", "event_bus").Logger()}
}

// Subscribe registers handler under name and starts its consumer goroutine.
// buffer is the backlog size past which the bus logs that the subscriber is
// falling behind. ctx is passed to the handler.
func (b *Bus) Subscribe(ctx context.Context, name string, buffer int, handler Handler) {
	if buffer <= 0 {
		buffer = 64
	}
	s := &subscriber{
		name:      name,
		handler:   handler,
		highWater: buffer,
		queue:     make([]Event, 0, buffer),
		wake:      make(chan struct{}, 1),
	}

	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			batch, ok := s.take()
			if !ok {
				return
			}
			for _, e := range batch {
				b.dispatch(ctx, s, e)
			}
		}
	}()
}

// take waits for queued events and returns them. It reports false once the
// subscriber is closed and its queue is empty.
func (s *subscriber) take() ([]Event, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			batch := s.queue
			s.queue = make([]Event, 0, s.highWater)
			s.mu.Unlock()
			return batch, true
		}
		if s.closed {
			s.mu.Unlock()
			return nil, false
		}
		s.mu.Unlock()
		<-s.wake
	}
}

// push appends e and returns the backlog size.
func (s *subscriber) push(e Event) int {
	s.mu.Lock()
	s.queue = append(s.queue, e)
	n := len(s.queue)
	s.mu.Unlock()
	s.signal()
	return n
}

func (s *subscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (b *Bus) dispatch(ctx context.Context, s *subscriber, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Interface("panic", r).
				Str("subscriber", s.name).
				Str("event_type", string(e.Type)).
				Msg("event handler panicked")
		}
	}()
	s.handler(ctx, e)
}

// Publish queues e for every subscriber without blocking.
func (b *Bus) Publish(_ context.Context, e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.log.Warn().
			Str("event_type", string(e.Type)).
			Str("request_id", e.RequestID).
			Msg("event published after bus close")
		return
	}
	for _, s := range b.subs {
		n := s.push(e)
		s.mu.Lock()
		switch {
		case n > s.highWater && !s.warned:
			s.warned = true
			b.log.Warn().
				Str("subscriber", s.name).
				Int("backlog", n).
				Msg("subscriber falling behind")
		case n <= s.highWater:
			s.warned = false
		}
		s.mu.Unlock()
	}
}

// Close stops accepting events and waits for subscribers to drain their
// backlog.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, s := range b.subs {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.signal()
	}
	b.mu.Unlock()
	b.wg.Wait()
}
