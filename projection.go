package eventstore

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/aneshas/eventstore/v2/metrics"
	"go.uber.org/zap"
)

// EventStreamer represents an event stream that can be subscribed to
// This package offers EventStore as EventStreamer implementation
type EventStreamer interface {
	SubscribeAll(context.Context, ...SubAllOpt) (Subscription, error)
}

// ProjectorOpt represents projector option
type ProjectorOpt func(*Projector)

// WithProjectorLogger sets projector logger
func WithProjectorLogger(log *zap.Logger) ProjectorOpt {
	return func(p *Projector) {
		if log != nil {
			p.logger = log
		}
	}
}

// WithProjectorBackoff sets the backoff used between projection retries
func WithProjectorBackoff(b Backoff) ProjectorOpt {
	return func(p *Projector) {
		p.backoff = b
	}
}

// WithProjectorMetrics enables projector metrics
func WithProjectorMetrics(m *metrics.Metrics) ProjectorOpt {
	return func(p *Projector) {
		p.metrics = m
	}
}

// WithSubscriptionOpts passes options to each underlying subscription
func WithSubscriptionOpts(opts ...SubAllOpt) ProjectorOpt {
	return func(p *Projector) {
		p.subOpts = append(p.subOpts, opts...)
	}
}

// NewProjector constructs a Projector
func NewProjector(s EventStreamer, opts ...ProjectorOpt) *Projector {
	p := Projector{
		streamer: s,
		logger:   zap.NewNop(),
		backoff: Backoff{
			Base:        100 * time.Millisecond,
			Max:         30 * time.Second,
			MaxExponent: 10,
		},
	}

	for _, opt := range opts {
		opt(&p)
	}

	return &p
}

// Projector is an event projector which will subscribe to an
// event stream (evet store) and project events to each
// individual projection in an asynchronous manner
type Projector struct {
	streamer    EventStreamer
	projections []Projection
	subOpts     []SubAllOpt
	backoff     Backoff
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// Projection represents a projection that should be able to handle
// projected events
type Projection func(StoredEvent) error

// Add effectively registers a projection with the projector
// Make sure to add all of your projections before calling Run
func (p *Projector) Add(projections ...Projection) {
	p.projections = append(p.projections, projections...)
}

// Run will start the projector and block until ctx is canceled.
// A failing projection is retried with backoff, resuming right after
// the last successfully projected event
func (p *Projector) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	for i, projection := range p.projections {
		wg.Add(1)

		go func(id int, projection Projection) {
			defer wg.Done()

			var (
				offset  uint64
				attempt int
			)

			for {
				opts := append(append([]SubAllOpt{}, p.subOpts...), WithOffset(offset))

				sub, err := p.streamer.SubscribeAll(ctx, opts...)
				if err == nil {
					var last uint64

					last, err = p.run(ctx, sub, projection)
					sub.Close()

					if last > offset {
						offset = last
						attempt = 0
					}

					if err == nil {
						return
					}
				}

				attempt++

				p.logger.Error(
					"projection failed",
					zap.Int("projection", id),
					zap.Uint64("offset", offset),
					zap.Int("attempt", attempt),
					zap.Error(err),
				)

				p.metrics.ProjectionFailed()

				select {
				case <-ctx.Done():
					return
				case <-time.After(p.backoff.Delay(attempt)):
				}
			}
		}(i, projection)
	}

	wg.Wait()

	return nil
}

func (p *Projector) run(ctx context.Context, sub Subscription, projection Projection) (uint64, error) {
	var last uint64

	for {
		select {
		case data := <-sub.EventData:
			if err := projection(data); err != nil {
				return last, err
			}

			last = data.Sequence

			p.metrics.EventProjected()

		case err := <-sub.Err:
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}

				if errors.Is(err, ErrSubscriptionClosedByClient) || errors.Is(err, context.Canceled) {
					return last, nil
				}

				return last, err
			}

		case <-ctx.Done():
			return last, nil
		}
	}
}

// FlushAfter wraps the projection passed in and it calls
// the projection itself as new events come (as usual) in addition to calling
// the provided flush function periodically each time flush interval expires
func FlushAfter(
	p Projection,
	flush func() error,
	flushInt time.Duration) Projection {
	var (
		mu  sync.Mutex
		err error
	)

	setErr := func(e error) {
		mu.Lock()
		defer mu.Unlock()

		if e != nil {
			err = e
		}
	}

	work := make(chan StoredEvent)

	go func() {
		for {
			select {
			case <-time.After(flushInt):
				setErr(flush())

			case w := <-work:
				setErr(p(w))
			}
		}
	}()

	return func(data StoredEvent) error {
		mu.Lock()
		e := err
		mu.Unlock()

		if e != nil {
			return e
		}

		work <- data

		return nil
	}
}
