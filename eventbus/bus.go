// Package eventbus provides a synchronous in-process publisher which
// dispatches appended domain events to registered handlers within the
// unit of work of the aggregate store
package eventbus

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/aneshas/eventstore/v2/aggregate"
	"go.uber.org/zap"
)

// Handler handles an event envelope
type Handler func(ctx context.Context, evt aggregate.Event) error

// Bus dispatches events to handlers in registration order.
// The first failing handler stops the dispatch
type Bus struct {
	mu       sync.RWMutex
	handlers map[reflect.Type][]Handler
	all      []Handler
	log      *zap.Logger
}

var _ aggregate.Publisher = (*Bus)(nil)

// New constructs an empty bus
func New(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}

	return &Bus{
		handlers: make(map[reflect.Type][]Handler),
		log:      log,
	}
}

// Subscribe registers a handler for events carrying a payload of type E
func Subscribe[E any](b *Bus, h func(ctx context.Context, e E) error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := reflect.TypeFor[E]()

	b.handlers[t] = append(b.handlers[t], func(ctx context.Context, evt aggregate.Event) error {
		return h(ctx, evt.E.(E))
	})
}

// SubscribeAll registers a handler for every published event
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.all = append(b.all, h)
}

// typed returns handlers subscribed to the payload type. Pointer payloads
// reach value subscribers (dereferenced) when nobody subscribed to the pointer
func (b *Bus) typed(evt *aggregate.Event) []Handler {
	if hs, ok := b.handlers[reflect.TypeOf(evt.E)]; ok {
		return hs
	}

	v := reflect.ValueOf(evt.E)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return nil
	}

	hs := b.handlers[v.Elem().Type()]
	if len(hs) > 0 {
		evt.E = v.Elem().Interface()
	}

	return hs
}

// Publish synchronously dispatches evt to all matching handlers
func (b *Bus) Publish(ctx context.Context, evt aggregate.Event) error {
	b.mu.RLock()
	handlers := append(append([]Handler{}, b.typed(&evt)...), b.all...)
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := h(ctx, evt); err != nil {
			b.log.Debug(
				"event handler failed",
				zap.String("event_id", evt.ID),
				zap.String("stream_id", evt.StreamID),
				zap.Error(err),
			)

			return fmt.Errorf("handling %T: %w", evt.E, err)
		}
	}

	return nil
}
