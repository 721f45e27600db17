package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aneshas/eventstore/v2/metrics"
	"go.uber.org/zap"
)

// Dispatcher delivers a claimed message to its destination (eg. a message broker)
type Dispatcher interface {
	Dispatch(ctx context.Context, msg Message) error
}

// DispatcherFunc is a function Dispatcher
type DispatcherFunc func(ctx context.Context, msg Message) error

// Dispatch calls f
func (f DispatcherFunc) Dispatch(ctx context.Context, msg Message) error { return f(ctx, msg) }

// Queue represents the claim based queue the relay works off (see Store)
type Queue interface {
	Dequeue(ctx context.Context, max int, visibility time.Duration) ([]Message, error)
	Complete(ctx context.Context, claimID string, ids ...string) error
	Fail(ctx context.Context, failures ...Failure) error
}

// RelayOptions configures the relay. Zero values are replaced with defaults
type RelayOptions struct {
	PollInterval    time.Duration
	BatchSize       int
	Visibility      time.Duration
	DispatchTimeout time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

func (o *RelayOptions) setDefaults() {
	if o.PollInterval == 0 {
		o.PollInterval = time.Second
	}

	if o.BatchSize == 0 {
		o.BatchSize = 100
	}

	if o.Visibility == 0 {
		o.Visibility = DefaultVisibility
	}

	if o.DispatchTimeout == 0 {
		o.DispatchTimeout = 30 * time.Second
	}

	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Relay periodically claims outbox messages and dispatches them.
// Multiple relays can safely work off the same queue
type Relay struct {
	queue      Queue
	dispatcher Dispatcher
	opts       RelayOptions
}

// NewRelay constructs a relay
func NewRelay(queue Queue, dispatcher Dispatcher, opts RelayOptions) (*Relay, error) {
	if queue == nil {
		return nil, fmt.Errorf("queue is required")
	}

	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}

	opts.setDefaults()

	return &Relay{
		queue:      queue,
		dispatcher: dispatcher,
		opts:       opts,
	}, nil
}

// Run processes the outbox until ctx is canceled
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		for {
			n, err := r.ProcessOnce(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}

				r.opts.Logger.Warn("outbox process tick failed", zap.Error(err))

				break
			}

			// keep draining while full batches are being claimed
			if n < r.opts.BatchSize {
				break
			}
		}
	}
}

// ProcessOnce claims a single batch, dispatches every message and
// acknowledges the outcome. It returns the number of claimed messages
func (r *Relay) ProcessOnce(ctx context.Context) (int, error) {
	msgs, err := r.queue.Dequeue(ctx, r.opts.BatchSize, r.opts.Visibility)
	if err != nil {
		return 0, err
	}

	if len(msgs) == 0 {
		return 0, nil
	}

	var (
		done     = make(map[string][]string)
		claims   []string
		failures []Failure
	)

	for _, msg := range msgs {
		dispatchCtx, cancel := context.WithTimeout(ctx, r.opts.DispatchTimeout)

		start := time.Now()
		err := r.dispatcher.Dispatch(dispatchCtx, msg)

		cancel()

		r.opts.Metrics.OutboxDispatched(err == nil, time.Since(start))

		if err != nil {
			r.opts.Logger.Warn(
				"outbox dispatch failed",
				zap.String("id", msg.ID),
				zap.String("type", msg.Type),
				zap.Int("attempts", msg.Attempts),
				zap.Error(err),
			)

			failures = append(failures, Failure{ID: msg.ID, ClaimID: msg.ClaimID, Err: err})

			continue
		}

		if _, ok := done[msg.ClaimID]; !ok {
			claims = append(claims, msg.ClaimID)
		}

		done[msg.ClaimID] = append(done[msg.ClaimID], msg.ID)
	}

	published := 0

	for _, claim := range claims {
		published += len(done[claim])

		if err := r.ack(r.queue.Complete(ctx, claim, done[claim]...)); err != nil {
			return len(msgs), fmt.Errorf("outbox complete: %w", err)
		}
	}

	if len(failures) > 0 {
		if err := r.ack(r.queue.Fail(ctx, failures...)); err != nil {
			return len(msgs), fmt.Errorf("outbox fail: %w", err)
		}
	}

	r.opts.Logger.Debug(
		"outbox batch processed",
		zap.Int("published", published),
		zap.Int("failed", len(failures)),
	)

	return len(msgs), nil
}

// ack tolerates lost claims: the messages were taken over by another relay
// after the lease expired and will be acknowledged by it
func (r *Relay) ack(err error) error {
	if errors.Is(err, ErrClaimLost) {
		r.opts.Logger.Warn("outbox claim lost", zap.Error(err))

		return nil
	}

	return err
}
