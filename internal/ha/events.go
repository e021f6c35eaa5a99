package ha

import (
	"sync"

	"go.uber.org/zap"
)

const defaultSubscriberBuffer = 256

// EventSubscription is one reader's view of the client's event stream. It only
// sees events published after it was created.
type EventSubscription struct {
	C <-chan ClientEvent

	ch          chan ClientEvent
	broadcaster *broadcaster
	once        sync.Once
}

// Unsubscribe detaches the subscription and closes C.
func (s *EventSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.broadcaster.remove(s)
	})
}

// broadcaster fans events out to every live subscription. publish never
// blocks: a subscriber whose buffer is full loses that event.
type broadcaster struct {
	mu     sync.Mutex
	subs   map[*EventSubscription]struct{}
	buffer int
	closed bool
	logger *zap.Logger
}

func newBroadcaster(buffer int, logger *zap.Logger) *broadcaster {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &broadcaster{
		subs:   make(map[*EventSubscription]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

func (b *broadcaster) subscribe() *EventSubscription {
	ch := make(chan ClientEvent, b.buffer)
	sub := &EventSubscription{C: ch, ch: ch, broadcaster: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

func (b *broadcaster) remove(sub *EventSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}

func (b *broadcaster) publish(ev ClientEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn("Event subscriber buffer full, dropping event",
				zap.Stringer("kind", ev.Kind))
		}
	}
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
	}
	b.subs = make(map[*EventSubscription]struct{})
}
