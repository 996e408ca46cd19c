// Package eventbus implements the publish/subscribe primitive shared by the
// Agent Manager and every Kernel Runtime (spec component C1). Delivery is
// synchronous from the publisher's perspective: handlers run inline on the
// publishing goroutine, in subscription order, before Publish returns. This
// is a deliberate divergence from the teacher's MemoryEventBus, which
// dispatches handlers via `go func(...)` — that asynchronous fire-and-forget
// model cannot give the ordering guarantees this spec requires (events
// emitted during one execute() must be observed in publication order, and
// AGENT_CREATED must precede any AGENT_ERROR from the same create call).
package eventbus

import (
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/agentkernel/internal/common/logger"
)

// Envelope is what wildcard subscribers receive: the event name plus its
// original data bundle, exactly as published on the specific channel.
type Envelope struct {
	Type string
	Data any
}

// Handler processes one event. It must not block indefinitely — it runs on
// the publisher's goroutine.
type Handler func(data any)

// WildcardHandler processes the wildcard envelope.
type WildcardHandler func(env Envelope)

// Wildcard is the special subscription subject that receives every event.
const Wildcard = "*"

// Bus is a single-process event bus keyed by event type, with a dedicated
// wildcard sink. It is safe for concurrent Publish/On/Off.
type Bus struct {
	name        string
	listenerCap int
	logger      *logger.Logger

	mu        sync.Mutex
	handlers  map[string][]Handler
	wildcards []WildcardHandler
}

// New creates a bus. name labels it in logs (e.g. "agent-manager" or a
// kernel id); listenerCap is the warn-only threshold from spec §4.1
// (defaults: Agent Manager 100, Kernel 20).
func New(name string, listenerCap int, log *logger.Logger) *Bus {
	if log == nil {
		log = logger.Default()
	}
	return &Bus{
		name:        name,
		listenerCap: listenerCap,
		logger:      log.WithFields(zap.String("bus", name)),
		handlers:    make(map[string][]Handler),
	}
}

// On registers a handler for a specific event type.
func (b *Bus) On(eventType string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], h)
	if n := len(b.handlers[eventType]); n > b.listenerCap {
		b.logger.Warn("listener cap exceeded",
			zap.String("event_type", eventType),
			zap.Int("count", n),
			zap.Int("cap", b.listenerCap))
	}
}

// OnWildcard registers a handler on the `*` sink.
func (b *Bus) OnWildcard(h WildcardHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.wildcards = append(b.wildcards, h)
	if n := len(b.wildcards); n > b.listenerCap {
		b.logger.Warn("wildcard listener cap exceeded", zap.Int("count", n), zap.Int("cap", b.listenerCap))
	}
}

// Off removes all handlers registered for eventType. The bus does not track
// handler identity (Go funcs aren't comparable), so callers that need
// targeted unsubscription should wrap Handler in a closure holding an
// "active" flag and check it inside the handler body.
func (b *Bus) Off(eventType string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, eventType)
}

// Emit publishes data under eventType, synchronously, to every subscriber of
// that type and then to every wildcard subscriber, in registration order.
func (b *Bus) Emit(eventType string, data any) {
	b.mu.Lock()
	typed := append([]Handler(nil), b.handlers[eventType]...)
	wild := append([]WildcardHandler(nil), b.wildcards...)
	b.mu.Unlock()

	for _, h := range typed {
		h(data)
	}
	env := Envelope{Type: eventType, Data: data}
	for _, h := range wild {
		h(env)
	}
}

// ListenerCount reports the number of specific-type handlers, for tests.
func (b *Bus) ListenerCount(eventType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[eventType])
}
