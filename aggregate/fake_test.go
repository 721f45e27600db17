package aggregate_test

import (
	"context"
	"iter"
	"sync"

	"github.com/aneshas/eventstore/v2"
)

type txKey struct{}

// eventStore is an in memory event store supporting units of work
type eventStore struct {
	mu     sync.Mutex
	events []eventstore.StoredEvent
	seq    uint64

	appendErr error
	fetched   [][]eventstore.FetchOpt
}

type tx struct {
	staged []eventstore.StoredEvent
}

func (e *eventStore) Transact(ctx context.Context, f func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*tx); ok {
		return f(ctx)
	}

	t := &tx{}

	if err := f(context.WithValue(ctx, txKey{}, t)); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, evt := range t.staged {
		e.seq++
		evt.Sequence = e.seq
		e.events = append(e.events, evt)
	}

	return nil
}

func (e *eventStore) Append(ctx context.Context, events ...eventstore.EventToStore) error {
	if e.appendErr != nil {
		return e.appendErr
	}

	t, ok := ctx.Value(txKey{}).(*tx)
	if !ok {
		return e.Transact(ctx, func(ctx context.Context) error {
			return e.Append(ctx, events...)
		})
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, evt := range events {
		category := evt.Category
		if category == "" {
			category = eventstore.CategoryDomain
		}

		for _, existing := range append(append([]eventstore.StoredEvent{}, e.events...), t.staged...) {
			if existing.StreamID == evt.StreamID &&
				existing.Category == category &&
				existing.StreamVersion == evt.StreamVersion {
				return eventstore.ErrConcurrencyCheckFailed
			}
		}

		stored := eventstore.StoredEvent{
			Event:         evt.Event,
			Meta:          evt.Meta,
			ID:            evt.ID,
			Category:      category,
			StreamID:      evt.StreamID,
			StreamType:    evt.StreamType,
			StreamVersion: evt.StreamVersion,
			OccurredOn:    evt.OccurredOn,
		}

		if evt.CausationEventID != "" {
			stored.CausationEventID = &evt.CausationEventID
		}

		if evt.CorrelationEventID != "" {
			stored.CorrelationEventID = &evt.CorrelationEventID
		}

		if evt.Encoded != nil {
			stored.Type = evt.Encoded.Type
			stored.Data = evt.Encoded.Data
		} else {
			stored.Type = eventstore.TypeName(evt.Event)
		}

		t.staged = append(t.staged, stored)
	}

	return nil
}

func (e *eventStore) Fetch(_ context.Context, opts ...eventstore.FetchOpt) iter.Seq2[eventstore.StoredEvent, error] {
	e.mu.Lock()
	e.fetched = append(e.fetched, opts)
	events := eventstore.NewFetchConfig(opts...).Filter(e.events)
	e.mu.Unlock()

	return func(yield func(eventstore.StoredEvent, error) bool) {
		for _, evt := range events {
			if !yield(evt, nil) {
				return
			}
		}
	}
}

func (e *eventStore) stored(category eventstore.Category) []eventstore.StoredEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []eventstore.StoredEvent

	for _, evt := range e.events {
		if evt.Category == category {
			out = append(out, evt)
		}
	}

	return out
}
