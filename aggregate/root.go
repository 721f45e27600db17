package aggregate

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrMissingAggregateEventHandler is returned when no handler was registered (see On)
	// for an applied event and the aggregate uses FailUnhandled policy
	ErrMissingAggregateEventHandler = errors.New("missing aggregate event handler")

	// ErrEmptyStreamID is returned when the first event of an aggregate does not carry a stream id
	ErrEmptyStreamID = errors.New("first aggregate event must carry a stream id")

	// ErrStreamMismatch is returned when an event targets a different stream than the aggregate's
	ErrStreamMismatch = errors.New("event stream id does not match aggregate stream id")
)

// UnhandledPolicy decides what happens when an event without a registered handler is applied
type UnhandledPolicy uint8

const (
	// SkipUnhandled leaves the aggregate state untouched but still advances the version
	SkipUnhandled UnhandledPolicy = iota

	// FailUnhandled makes the push / replay fail with ErrMissingAggregateEventHandler
	FailUnhandled
)

// Root represents reusable DDD Event Sourcing friendly Aggregate
// base type which should be embedded into concrete aggregates.
// It tracks the stream identity, stream version, business version
// and the queue of uncommitted events.
//
// Event handlers are registered once (usually in the aggregate constructor) using On:
//
//	func NewAccount() *Account {
//		var a Account
//
//		aggregate.On(&a.Root, a.onOpened)
//		aggregate.On(&a.Root, a.onDeposited)
//
//		return &a
//	}
//
// A Root is meant to be used by a single goroutine at a time
type Root struct {
	streamID        string
	version         int
	businessVersion int
	uncommitted     []Event

	handlers    map[reflect.Type]func(any)
	unhandled   UnhandledPolicy
	significant func(any) bool
}

// On registers a handler for events of type E.
// Registering a handler for the same type twice replaces the previous one
func On[E any](r *Root, h func(E)) {
	if r.handlers == nil {
		r.handlers = make(map[reflect.Type]func(any))
	}

	r.handlers[reflect.TypeFor[E]()] = func(evt any) {
		h(evt.(E))
	}
}

// SetUnhandledPolicy changes the policy applied to events without a registered handler
func (r *Root) SetUnhandledPolicy(p UnhandledPolicy) { r.unhandled = p }

// SetSignificance sets the predicate deciding which events count towards BusinessVersion.
// Without a predicate every event is significant
func (r *Root) SetSignificance(f func(evt any) bool) { r.significant = f }

// StreamID returns the id of the stream the aggregate belongs to
func (r *Root) StreamID() string { return r.streamID }

// IsEmpty reports whether no event was ever applied to the aggregate
func (r *Root) IsEmpty() bool { return r.streamID == "" }

// Version returns current stream version of the aggregate
// or -1 for an empty aggregate
func (r *Root) Version() int {
	if r.IsEmpty() {
		return -1
	}

	return r.version
}

// CommittedVersion returns the version the aggregate had when
// it was last loaded or committed
func (r *Root) CommittedVersion() int {
	return r.Version() - len(r.uncommitted)
}

// BusinessVersion returns the number of significant events applied to the aggregate
func (r *Root) BusinessVersion() int { return r.businessVersion }

// Uncommitted returns uncommitted events in the order they were pushed
func (r *Root) Uncommitted() []Event {
	return slices.Clone(r.uncommitted)
}

// DequeueUncommitted returns uncommitted events and clears the queue
func (r *Root) DequeueUncommitted() []Event {
	evts := r.uncommitted

	r.uncommitted = nil

	if evts == nil {
		return []Event{}
	}

	return evts
}

// MarkCommitted clears the queue of uncommitted events
func (r *Root) MarkCommitted() { r.uncommitted = nil }

// Create pushes the event which starts the aggregate stream
func (r *Root) Create(streamID string, evt any) error {
	return r.PushEvent(Event{
		StreamID: streamID,
		E:        evt,
	})
}

// Apply pushes events onto the existing aggregate stream
func (r *Root) Apply(events ...any) error {
	for _, evt := range events {
		if err := r.PushEvent(Event{E: evt}); err != nil {
			return err
		}
	}

	return nil
}

// PushEventFunc pushes an event built by f which receives the version
// the event is going to get
func (r *Root) PushEventFunc(f func(version int) Event) error {
	return r.PushEvent(f(r.Version() + 1))
}

// PushEvent versions the event, applies its handler and queues it as uncommitted.
// The first event of an aggregate must carry the stream id, subsequent
// events inherit it
func (r *Root) PushEvent(evt Event) error {
	if evt.E == nil {
		return fmt.Errorf("event payload must be provided")
	}

	// payloads are queued, stored and published by value (as they are
	// decoded on replay) unless a handler takes the pointer itself
	if _, ok := r.handlers[reflect.TypeOf(evt.E)]; !ok {
		e, err := deref(evt.E)
		if err != nil {
			return err
		}

		evt.E = e
	}

	switch {
	case r.IsEmpty() && evt.StreamID == "":
		return ErrEmptyStreamID
	case !r.IsEmpty() && evt.StreamID == "":
		evt.StreamID = r.streamID
	case !r.IsEmpty() && evt.StreamID != r.streamID:
		return fmt.Errorf("%w: %s != %s", ErrStreamMismatch, evt.StreamID, r.streamID)
	}

	evt.StreamVersion = r.Version() + 1

	if evt.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}

		evt.ID = id.String()
	}

	if evt.OccurredOn.IsZero() {
		evt.OccurredOn = time.Now().UTC()
	}

	if err := r.mutate(evt); err != nil {
		return err
	}

	r.uncommitted = append(r.uncommitted, evt)

	return nil
}

// LoadFromHistory applies already stored events (ordered by their stream version)
// without queueing them as uncommitted
func (r *Root) LoadFromHistory(events ...Event) error {
	sorted := slices.Clone(events)

	slices.SortStableFunc(sorted, func(a, b Event) int {
		return a.StreamVersion - b.StreamVersion
	})

	for _, evt := range sorted {
		if err := r.mutate(evt); err != nil {
			return err
		}
	}

	return nil
}

// Replay is an alias for LoadFromHistory
func (r *Root) Replay(events ...Event) error {
	return r.LoadFromHistory(events...)
}

func (r *Root) mutate(evt Event) error {
	h, ok := r.handlers[reflect.TypeOf(evt.E)]
	if !ok {
		if e, err := deref(evt.E); err == nil {
			evt.E = e
			h, ok = r.handlers[reflect.TypeOf(e)]
		}
	}

	switch {
	case ok:
		h(evt.E)
	case r.unhandled == FailUnhandled:
		return fmt.Errorf("%w: %T", ErrMissingAggregateEventHandler, evt.E)
	}

	r.streamID = evt.StreamID
	r.version = evt.StreamVersion

	if r.significant == nil || r.significant(evt.E) {
		r.businessVersion++
	}

	return nil
}

// deref returns the value a pointer payload points to
func deref(e any) (any, error) {
	v := reflect.ValueOf(e)

	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil, fmt.Errorf("event payload must not be a nil %T", e)
		}

		v = v.Elem()
	}

	return v.Interface(), nil
}

func (r *Root) restore(streamID string, version, businessVersion int) {
	r.streamID = streamID
	r.version = version
	r.businessVersion = businessVersion
	r.uncommitted = nil
}

func (r *Root) root() *Root { return r }
