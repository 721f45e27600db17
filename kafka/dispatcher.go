// Package kafka relays outbox messages to kafka and projects
// relayed messages consumed from kafka
package kafka

import (
	"context"

	"github.com/aneshas/eventstore/v2/outbox"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Writer writes messages to kafka (see kafka.Writer)
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

var _ outbox.Dispatcher = (*Dispatcher)(nil)

// NewWriter creates a kafka writer which partitions messages by key
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
}

// NewDispatcher constructs an outbox dispatcher publishing to kafka
func NewDispatcher(w Writer, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}

	return &Dispatcher{writer: w, log: log}
}

// Dispatcher publishes outbox messages to kafka as json envelopes
type Dispatcher struct {
	writer Writer
	log    *zap.Logger
}

// Dispatch publishes a single message. Message key is used as the kafka key
// so that messages of the same stream keep their order
func (d *Dispatcher) Dispatch(ctx context.Context, msg outbox.Message) error {
	value, err := EnvelopeOf(msg).marshal()
	if err != nil {
		return errors.Wrapf(err, "encode envelope %s", msg.ID)
	}

	km := kafka.Message{
		Key:   []byte(msg.Key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(msg.Type)},
			{Key: "id", Value: []byte(msg.ID)},
		},
	}

	if err := d.writer.WriteMessages(ctx, km); err != nil {
		d.log.Error("kafka publish failed", zap.String("id", msg.ID), zap.Error(err))

		return errors.Wrapf(err, "publish %s", msg.ID)
	}

	d.log.Debug("message published", zap.String("id", msg.ID), zap.String("type", msg.Type))

	return nil
}
