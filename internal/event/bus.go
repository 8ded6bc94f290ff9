package event

import (
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Iron-Ham/loopguard/internal/logging"
)

// Wildcard is the topic that matches every event.
const Wildcard = "*"

// Handler is a function that handles an event.
type Handler func(Event)

type subscription struct {
	id      string
	topic   string
	handler Handler
}

// matches reports whether an event type falls under the subscription topic.
// A topic is an exact event type, a category pattern such as "checkpoint.*",
// or Wildcard.
func (s subscription) matches(eventType string) bool {
	switch {
	case s.topic == Wildcard:
		return true
	case strings.HasSuffix(s.topic, ".*"):
		return strings.HasPrefix(eventType, strings.TrimSuffix(s.topic, "*"))
	default:
		return s.topic == eventType
	}
}

// Bus is a synchronous pub-sub event bus. Handlers run on the publishing
// goroutine, after the publisher has released its own locks.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID atomic.Uint64
	logger *logging.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used to report handler panics.
func WithLogger(logger *logging.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger.WithComponent("event")
		}
	}
}

// NewBus creates a new event bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{logger: logging.NopLogger()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for a topic: an event type such as
// TypeLoopState, a category pattern such as "checkpoint.*", or Wildcard.
// The returned id can be passed to Unsubscribe.
func (b *Bus) Subscribe(topic string, handler Handler) string {
	id := "sub-" + strconv.FormatUint(b.nextID.Add(1), 10)

	b.mu.Lock()
	b.subs = append(b.subs, subscription{id: id, topic: topic, handler: handler})
	b.mu.Unlock()
	return id
}

// SubscribeAll registers a handler for every event.
func (b *Bus) SubscribeAll(handler Handler) string {
	return b.Subscribe(Wildcard, handler)
}

// Unsubscribe removes a subscription by id and reports whether it existed.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := slices.IndexFunc(b.subs, func(s subscription) bool { return s.id == id })
	if i < 0 {
		return false
	}
	b.subs = slices.Delete(b.subs, i, i+1)
	return true
}

// Publish delivers event to every matching handler. Exact-type handlers run
// first, then category patterns, then wildcard handlers; registration order
// is kept within each group. A panicking handler is logged and skipped.
func (b *Bus) Publish(event Event) {
	eventType := event.EventType()

	var exact, category, wildcard []Handler
	b.mu.RLock()
	for _, s := range b.subs {
		if !s.matches(eventType) {
			continue
		}
		switch {
		case s.topic == Wildcard:
			wildcard = append(wildcard, s.handler)
		case s.topic == eventType:
			exact = append(exact, s.handler)
		default:
			category = append(category, s.handler)
		}
	}
	b.mu.RUnlock()

	for _, group := range [][]Handler{exact, category, wildcard} {
		for _, h := range group {
			b.safeCall(h, event)
		}
	}
}

func (b *Bus) safeCall(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event_type", event.EventType(),
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	handler(event)
}

// Clear removes all subscriptions.
func (b *Bus) Clear() {
	b.mu.Lock()
	b.subs = nil
	b.mu.Unlock()
}

// SubscriptionCount returns the number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
