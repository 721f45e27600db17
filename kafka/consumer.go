package kafka

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/aneshas/eventstore/v2"
	"github.com/pkg/errors"
	"github.com/relvacode/iso8601"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

var (
	// ErrRetry is returned when a message could not be decoded and
	// projecting it should be retried
	ErrRetry = stderrors.New("retry")

	// ErrNoRetry can be returned by a projection in order to skip the
	// message without retrying it. It is useful when wrapping the error eg. for logging
	ErrNoRetry = stderrors.New("no retry")

	// ErrKeepItGoing can be returned by a projection in order to log
	// the failure and keep consuming
	ErrKeepItGoing = stderrors.New("keep it going")
)

// Decoder decodes relayed event payloads
type Decoder interface {
	Decode(*eventstore.EncodedEvt) (any, error)
}

// Reader reads messages from kafka (see kafka.Reader)
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewReader creates a consumer group reader
func NewReader(brokers []string, topic, group string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: group,
	})
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets consumer logger
func WithConsumerLogger(log *zap.Logger) ConsumerOption {
	return func(c *Consumer) {
		if log != nil {
			c.log = log
		}
	}
}

// WithRetryBackoff sets the backoff used between projection retries
func WithRetryBackoff(b eventstore.Backoff) ConsumerOption {
	return func(c *Consumer) {
		c.backoff = b
	}
}

// WithMaxAttempts sets the maximum number of attempts after which a message
// which could not be projected is skipped. Zero means retry forever
func WithMaxAttempts(n int) ConsumerOption {
	return func(c *Consumer) {
		c.maxAttempts = n
	}
}

// NewConsumer constructs a consumer projecting relayed events
func NewConsumer(r Reader, dec Decoder, opts ...ConsumerOption) *Consumer {
	c := Consumer{
		reader: r,
		dec:    dec,
		log:    zap.NewNop(),
		backoff: eventstore.Backoff{
			Base:        100 * time.Millisecond,
			Max:         30 * time.Second,
			MaxExponent: 10,
		},
	}

	for _, opt := range opts {
		opt(&c)
	}

	return &c
}

// Consumer projects events relayed to kafka
type Consumer struct {
	reader      Reader
	dec         Decoder
	log         *zap.Logger
	backoff     eventstore.Backoff
	maxAttempts int
}

// Run consumes messages until ctx is canceled. Every message is committed
// only after it was projected (or skipped)
func (c *Consumer) Run(ctx context.Context, projection eventstore.Projection) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			return err
		}

		if err := c.handle(ctx, projection, msg); err != nil {
			return err
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			return errors.Wrap(err, "commit")
		}
	}
}

func (c *Consumer) handle(ctx context.Context, projection eventstore.Projection, msg kafka.Message) error {
	for attempt := 1; ; attempt++ {
		err := c.Project(ctx, projection, msg.Value)
		if err == nil || stderrors.Is(err, ErrNoRetry) {
			return nil
		}

		log := c.log.With(
			zap.Int64("offset", msg.Offset),
			zap.Int("partition", msg.Partition),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if stderrors.Is(err, ErrKeepItGoing) {
			log.Warn("projection failed, moving on")

			return nil
		}

		if c.maxAttempts > 0 && attempt >= c.maxAttempts {
			log.Error("projection failed, giving up")

			return nil
		}

		log.Warn("projection failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.backoff.Delay(attempt)):
		}
	}
}

// Project decodes a single relayed message and projects it.
// Decoding failures are reported as ErrRetry while events which are
// not registered with the decoder are skipped
func (c *Consumer) Project(_ context.Context, projection eventstore.Projection, data []byte) error {
	var env Envelope

	if err := json.Unmarshal(data, &env); err != nil {
		return errors.Wrapf(ErrRetry, "envelope: %v", err)
	}

	decoded, err := c.dec.Decode(&eventstore.EncodedEvt{
		Data: env.Data,
		Type: env.Type,
	})
	if err != nil {
		if stderrors.Is(err, eventstore.ErrEventNotRegistered) {
			return nil
		}

		return errors.Wrapf(ErrRetry, "decode %s: %v", env.Type, err)
	}

	occurredOn, err := iso8601.ParseString(env.OccurredOn)
	if err != nil {
		return errors.Wrapf(ErrRetry, "occurred on: %v", err)
	}

	return projection(eventstore.StoredEvent{
		Event:              decoded,
		Data:               env.Data,
		Meta:               env.Meta,
		ID:                 env.ID,
		Sequence:           env.Sequence,
		Type:               env.Type,
		Category:           eventstore.CategoryIntegration,
		CausationEventID:   env.CausationEventID,
		CorrelationEventID: env.CorrelationEventID,
		StreamID:           env.StreamID,
		StreamVersion:      env.StreamVersion,
		OccurredOn:         occurredOn,
	})
}
