// Package eventbus delivers coordination events to registered observers.
// Components own a Bus and expose Subscribe/Unsubscribe; none of them depends
// on a listener being present.
package eventbus

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/agentcoord/types"
)

// Bus fans events out to subscribers. The zero value is not usable; use New.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]types.EventHandler
	sync     bool
	logger   *zap.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used to report panicking handlers.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New creates an asynchronous bus: each handler runs on its own goroutine.
func New(opts ...Option) *Bus {
	b := &Bus{
		handlers: make(map[string]types.EventHandler),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewSync creates a bus that invokes handlers inline, in subscription-map order.
// Intended for tests and for consumers that must observe events before the
// emitting call returns.
func NewSync(opts ...Option) *Bus {
	b := New(opts...)
	b.sync = true
	return b
}

// Subscribe registers a handler and returns its subscription id.
func (b *Bus) Subscribe(handler types.EventHandler) string {
	if handler == nil {
		return ""
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	id := "sub-" + uuid.NewString()
	b.handlers[id] = handler
	return id
}

// Unsubscribe removes a handler. Unknown ids are ignored.
func (b *Bus) Unsubscribe(subscriptionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, subscriptionID)
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}

// Emit delivers event to every subscriber, stamping the timestamp when unset.
// A nil Bus drops the event.
func (b *Bus) Emit(event *types.Event) {
	if b == nil || event == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	handlers := make([]types.EventHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		if b.sync {
			b.call(handler, event)
			continue
		}
		go b.call(handler, event)
	}
}

// call runs one handler; a panicking handler is logged and does not affect
// the emitter or other subscribers.
func (b *Bus) call(handler types.EventHandler, event *types.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("event_type", string(event.Type)),
				zap.Any("recover", r),
				zap.Stack("stack"))
		}
	}()
	handler(event)
}
