// Package progress is the in-process event bus carrying per-request stage
// updates from the coordinator to SSE subscribers.
package progress

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/arc-self/apps/fragment-service/internal/domain"
)

// Defaults for replay depth and per-subscriber buffering.
const (
	defaultMaxReplay = 64
	defaultSubBuffer = 16
)

// Bus multiplexes progress events per request id. Publishing never blocks on
// a slow subscriber: the subscriber's oldest buffered event is dropped and
// the next delivered event carries the Lagged marker.
type Bus struct {
	mu        sync.RWMutex
	topics    map[string]*topic
	maxReplay int
	subBuffer int
	logger    *zap.Logger
}

type topic struct {
	mu     sync.Mutex
	replay []domain.ProgressEvent
	subs   map[int]*subscriber
	nextID int
	closed bool
}

type subscriber struct {
	ch     chan domain.ProgressEvent
	lagged bool
}

// NewBus constructs a Bus.
func NewBus(maxReplay int, logger *zap.Logger) *Bus {
	if maxReplay <= 0 {
		maxReplay = defaultMaxReplay
	}
	return &Bus{
		topics:    make(map[string]*topic),
		maxReplay: maxReplay,
		subBuffer: defaultSubBuffer,
		logger:    logger,
	}
}

// Open creates the topic for a request. Called by the coordinator at
// submission, before any event is published.
func (b *Bus) Open(requestID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[requestID]; !ok {
		b.topics[requestID] = &topic{subs: make(map[int]*subscriber)}
	}
}

// Publish appends the event to the topic's replay buffer and fans it out to
// every live subscriber. A terminal event closes the topic: subscriber
// channels are closed after delivery and later publishes are dropped. The
// replay buffer survives the close so late subscribers still see history.
func (b *Bus) Publish(ev domain.ProgressEvent) {
	b.mu.RLock()
	t, ok := b.topics[ev.RequestID]
	b.mu.RUnlock()
	if !ok {
		b.logger.Warn("progress event for unknown request dropped",
			zap.String("request_id", ev.RequestID))
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	t.replay = append(t.replay, ev)
	if len(t.replay) > b.maxReplay {
		t.replay = t.replay[len(t.replay)-b.maxReplay:]
	}

	for _, sub := range t.subs {
		deliver(sub, ev)
	}

	if ev.Terminal() {
		t.closed = true
		for id, sub := range t.subs {
			close(sub.ch)
			delete(t.subs, id)
		}
	}
}

// deliver pushes one event into a subscriber buffer, dropping the oldest
// buffered event when full and marking the delivered one as lagged.
func deliver(sub *subscriber, ev domain.ProgressEvent) {
	if sub.lagged {
		ev.Lagged = true
		sub.lagged = false
	}
	select {
	case sub.ch <- ev:
		return
	default:
	}
	select {
	case <-sub.ch:
	default:
	}
	ev.Lagged = true
	select {
	case sub.ch <- ev:
	default:
		sub.lagged = true
	}
}

// Subscribe attaches to a request's event stream. Replay-buffered events are
// delivered first, then live ones; the channel closes after the terminal
// event. The returned cancel must be called when the consumer stops early.
// Unknown request ids return ErrNotFound.
func (b *Bus) Subscribe(requestID string) (<-chan domain.ProgressEvent, func(), error) {
	b.mu.RLock()
	t, ok := b.topics[requestID]
	b.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: request %q", domain.ErrNotFound, requestID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		// Late subscriber: replay history on a pre-closed channel.
		ch := make(chan domain.ProgressEvent, len(t.replay))
		for _, ev := range t.replay {
			ch <- ev
		}
		close(ch)
		return ch, func() {}, nil
	}

	ch := make(chan domain.ProgressEvent, b.subBuffer+len(t.replay))
	for _, ev := range t.replay {
		ch <- ev
	}
	id := t.nextID
	t.nextID++
	t.subs[id] = &subscriber{ch: ch}

	cancel := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if sub, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(sub.ch)
		}
	}
	return ch, cancel, nil
}

// Drop removes a topic entirely. Called when a request record expires.
func (b *Bus) Drop(requestID string) {
	b.mu.Lock()
	t, ok := b.topics[requestID]
	delete(b.topics, requestID)
	b.mu.Unlock()
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		for id, sub := range t.subs {
			close(sub.ch)
			delete(t.subs, id)
		}
	}
}
