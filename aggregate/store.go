package aggregate

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/aneshas/eventstore/v2"
	"github.com/aneshas/eventstore/v2/metrics"
	"github.com/aneshas/eventstore/v2/outbox"
	"github.com/aneshas/eventstore/v2/result"
	"go.uber.org/zap"
)

// ErrAggregateNotFound is returned when aggregate stream has no events
var ErrAggregateNotFound = errors.New("aggregate not found")

// Aggregate is implemented by every type embedding Root
type Aggregate interface {
	StreamID() string
	Version() int
	IsEmpty() bool
	Uncommitted() []Event
	MarkCommitted()
	LoadFromHistory(events ...Event) error

	root() *Root
}

// EventStore represents event store
type EventStore interface {
	Append(ctx context.Context, events ...eventstore.EventToStore) error
	Fetch(ctx context.Context, opts ...eventstore.FetchOpt) iter.Seq2[eventstore.StoredEvent, error]
	Transact(ctx context.Context, f func(ctx context.Context) error) error
}

// Publisher is notified synchronously about every appended domain event
// within the same unit of work. Failing to publish aborts the append
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Enqueuer persists integration messages staged while handling domain events
type Enqueuer interface {
	Enqueue(ctx context.Context, msgs ...outbox.Message) error
}

// Cfg represents aggregate store configuration
type Cfg struct {
	Publisher Publisher
	Outbox    Enqueuer
	BatchSize int
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Option represents aggregate store configuration option
type Option func(Cfg) Cfg

// WithPublisher sets the publisher domain events are dispatched to
func WithPublisher(p Publisher) Option {
	return func(cfg Cfg) Cfg {
		cfg.Publisher = p

		return cfg
	}
}

// WithOutbox sets the outbox pending integration messages are flushed to
func WithOutbox(o Enqueuer) Option {
	return func(cfg Cfg) Cfg {
		cfg.Outbox = o

		return cfg
	}
}

// WithReplayBatchSize sets the number of events replayed at once
func WithReplayBatchSize(n int) Option {
	return func(cfg Cfg) Cfg {
		if n > 0 {
			cfg.BatchSize = n
		}

		return cfg
	}
}

// WithLogger sets store logger
func WithLogger(log *zap.Logger) Option {
	return func(cfg Cfg) Cfg {
		if log != nil {
			cfg.Logger = log
		}

		return cfg
	}
}

// WithMetrics enables store metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(cfg Cfg) Cfg {
		cfg.Metrics = m

		return cfg
	}
}

// NewStore constructs new event sourced aggregate store.
// newAggregate should return a new empty aggregate with its handlers registered
func NewStore[T Aggregate](eventStore EventStore, newAggregate func() T, opts ...Option) *Store[T] {
	cfg := Cfg{
		BatchSize: 500,
		Logger:    zap.NewNop(),
	}

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	return &Store[T]{
		eventStore: eventStore,
		factory:    newAggregate,
		streamType: eventstore.TypeName(newAggregate()),
		cfg:        cfg,
	}
}

// Store represents event sourced aggregate store
type Store[T Aggregate] struct {
	eventStore EventStore
	factory    func() T
	streamType string
	cfg        Cfg
}

type publishError struct {
	err error
}

func (e publishError) Error() string { return fmt.Sprintf("publish: %v", e.err) }

func (e publishError) Unwrap() error { return e.err }

// Append stores uncommitted aggregate events and publishes them in a single unit of work.
// Integration messages staged (see outbox.Stage) by event handlers are enqueued
// into the outbox as a part of the same unit of work.
// The aggregate is marked as committed only if everything succeeds.
// If ctx already carries a transaction (see eventstore.Transact) it is joined
// and the commit is left to the caller
func (s *Store[T]) Append(ctx context.Context, a T) error {
	return s.append(ctx, a, nil)
}

func (s *Store[T]) append(ctx context.Context, a T, before func(ctx context.Context) error) error {
	const op = "aggregate.Append"

	events := a.Uncommitted()
	if len(events) == 0 {
		return nil
	}

	start := time.Now()

	ctx, pending, owned := outbox.EnsurePending(ctx)

	err := s.eventStore.Transact(ctx, func(ctx context.Context) error {
		if before != nil {
			if err := before(ctx); err != nil {
				return err
			}
		}

		for _, evt := range events {
			if err := s.eventStore.Append(ctx, s.toStore(ctx, evt)); err != nil {
				return err
			}

			if s.cfg.Publisher == nil {
				continue
			}

			if err := s.cfg.Publisher.Publish(ctx, evt); err != nil {
				return publishError{err: err}
			}
		}

		if !owned || s.cfg.Outbox == nil {
			return nil
		}

		return pending.Flush(ctx, func(ctx context.Context, msgs []outbox.Message) error {
			return s.cfg.Outbox.Enqueue(ctx, msgs...)
		})
	})
	if err != nil {
		s.cfg.Logger.Warn(
			"aggregate append failed",
			zap.String("stream_type", s.streamType),
			zap.String("stream_id", a.StreamID()),
			zap.Int("version", a.Version()),
			zap.Error(err),
		)

		return s.classify(op, err)
	}

	a.MarkCommitted()

	s.cfg.Metrics.AggregateAppended(s.streamType, len(events), time.Since(start))

	return nil
}

func (s *Store[T]) classify(op string, err error) error {
	var pubErr publishError

	switch {
	case errors.Is(err, eventstore.ErrConcurrencyCheckFailed):
		s.cfg.Metrics.ConcurrencyConflict(s.streamType)

		return result.E(op, result.KindConflict, err)
	case errors.As(err, &pubErr):
		return result.E(op, result.KindUnavailable, err)
	case errors.Is(err, eventstore.ErrSerialization), errors.Is(err, eventstore.ErrEventNotRegistered):
		return result.E(op, result.KindSerialization, err)
	case errors.Is(err, ErrAggregateNotFound):
		return result.E(op, result.KindNotFound, err)
	case errors.Is(err, ErrMissingAggregateEventHandler):
		return result.E(op, result.KindInvalid, err)
	default:
		return result.E(op, result.KindInternal, err)
	}
}

func (s *Store[T]) toStore(ctx context.Context, evt Event) eventstore.EventToStore {
	e := eventstore.EventToStore{
		Event:         evt.E,
		ID:            evt.ID,
		StreamID:      evt.StreamID,
		StreamType:    s.streamType,
		StreamVersion: evt.StreamVersion,
		Category:      eventstore.CategoryDomain,
		OccurredOn:    evt.OccurredOn,
		Meta:          evt.Meta,

		CausationEventID:   causationIDFrom(ctx),
		CorrelationEventID: correlationIDFrom(ctx),
	}

	if evt.CausationEventID != nil {
		e.CausationEventID = *evt.CausationEventID
	}

	if evt.CorrelationEventID != nil {
		e.CorrelationEventID = *evt.CorrelationEventID
	}

	if e.Meta == nil {
		e.Meta = metaFrom(ctx)
	}

	return e
}

// Peek loads the aggregate by replaying all of its domain events
func (s *Store[T]) Peek(ctx context.Context, streamID string) (T, error) {
	const op = "aggregate.Peek"

	var zero T

	if streamID == "" {
		return zero, result.E(op, result.KindInvalid, fmt.Errorf("stream id must be provided"))
	}

	start := time.Now()

	a := s.factory()

	if err := s.replay(ctx, a, streamID, eventstore.InStream(streamID)); err != nil {
		return zero, s.classify(op, err)
	}

	if a.IsEmpty() {
		return zero, result.E(op, result.KindNotFound, ErrAggregateNotFound)
	}

	s.cfg.Metrics.AggregatePeeked(s.streamType, false, time.Since(start))

	return a, nil
}

// replay feeds domain events of the stream to the aggregate in batches
func (s *Store[T]) replay(ctx context.Context, a T, streamID string, opts ...eventstore.FetchOpt) error {
	opts = append(opts, eventstore.OfCategory(eventstore.CategoryDomain))

	batch := make([]Event, 0, s.cfg.BatchSize)

	for evt, err := range s.eventStore.Fetch(ctx, opts...) {
		if err != nil {
			return err
		}

		batch = append(batch, Event{
			ID:                 evt.ID,
			E:                  evt.Event,
			StreamID:           streamID,
			StreamVersion:      evt.StreamVersion,
			OccurredOn:         evt.OccurredOn,
			CausationEventID:   evt.CausationEventID,
			CorrelationEventID: evt.CorrelationEventID,
			Meta:               evt.Meta,
		})

		if len(batch) < s.cfg.BatchSize {
			continue
		}

		if err := a.LoadFromHistory(batch...); err != nil {
			return err
		}

		batch = batch[:0]
	}

	return a.LoadFromHistory(batch...)
}
