package kafka_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aneshas/eventstore/v2"
	"github.com/aneshas/eventstore/v2/kafka"
	"github.com/relvacode/iso8601"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type anEvent struct {
	Foo string
	Bar string
}

var event = anEvent{
	Foo: "foo",
	Bar: "bar",
}

var envelope = kafka.Envelope{
	ID:            "event-id",
	Type:          "anEvent",
	Data:          eventData(),
	Sequence:      1,
	StreamID:      "stream-id",
	StreamVersion: 1,
	OccurredOn:    "2024-10-12T20:07:22.436271+00",
}

func TestShould_Project_Required_Data(t *testing.T) {
	c := kafka.NewConsumer(nil, eventstore.NewJSONEncoder(anEvent{}))

	occurredOn, err := iso8601.ParseString(envelope.OccurredOn)
	require.NoError(t, err)

	var got eventstore.StoredEvent

	projection := func(evt eventstore.StoredEvent) error {
		got = evt

		return nil
	}

	require.NoError(t, c.Project(context.Background(), projection, payload(t, envelope)))

	assert.Equal(t, eventstore.StoredEvent{
		Event:         event,
		Data:          envelope.Data,
		ID:            envelope.ID,
		Sequence:      envelope.Sequence,
		Type:          "anEvent",
		Category:      eventstore.CategoryIntegration,
		StreamID:      envelope.StreamID,
		StreamVersion: envelope.StreamVersion,
		OccurredOn:    occurredOn,
	}, got)
}

func TestShould_Project_Optional_Data(t *testing.T) {
	env := envelope

	causation := "causation-event-id"
	correlation := "correlation-event-id"

	env.Meta = map[string]string{"foo": "bar"}
	env.CausationEventID = &causation
	env.CorrelationEventID = &correlation

	c := kafka.NewConsumer(nil, eventstore.NewJSONEncoder(anEvent{}))

	projection := func(evt eventstore.StoredEvent) error {
		assert.Equal(t, correlation, *evt.CorrelationEventID)
		assert.Equal(t, causation, *evt.CausationEventID)
		assert.Equal(t, env.Meta, evt.Meta)

		return nil
	}

	assert.NoError(t, c.Project(context.Background(), projection, payload(t, env)))
}

func TestShould_Retry_On_Bad_Date_Format(t *testing.T) {
	env := envelope
	env.OccurredOn = "bad-date-time"

	c := kafka.NewConsumer(nil, eventstore.NewJSONEncoder(anEvent{}))

	err := c.Project(context.Background(), nil, payload(t, env))

	assert.ErrorIs(t, err, kafka.ErrRetry)
}

func TestShould_Retry_On_Bad_Envelope(t *testing.T) {
	c := kafka.NewConsumer(nil, eventstore.NewJSONEncoder(anEvent{}))

	err := c.Project(context.Background(), nil, []byte("{bad"))

	assert.ErrorIs(t, err, kafka.ErrRetry)
}

func TestShould_Not_Retry_On_Unregistered_Event(t *testing.T) {
	c := kafka.NewConsumer(nil, eventstore.NewJSONEncoder())

	err := c.Project(context.Background(), nil, payload(t, envelope))

	assert.NoError(t, err)
}

type reader struct {
	mu        sync.Mutex
	msgs      []kafkago.Message
	committed []int64
}

func (r *reader) FetchMessage(ctx context.Context) (kafkago.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.msgs) == 0 {
		return kafkago.Message{}, context.Canceled
	}

	msg := r.msgs[0]
	r.msgs = r.msgs[1:]

	return msg, nil
}

func (r *reader) CommitMessages(_ context.Context, msgs ...kafkago.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}

	return nil
}

func TestRunRetriesFailedProjectionBeforeCommitting(t *testing.T) {
	r := reader{
		msgs: []kafkago.Message{
			{Offset: 1, Value: payload(t, envelope)},
			{Offset: 2, Value: payload(t, envelope)},
		},
	}

	c := kafka.NewConsumer(
		&r,
		eventstore.NewJSONEncoder(anEvent{}),
		kafka.WithRetryBackoff(eventstore.Backoff{Base: time.Millisecond, Max: time.Millisecond}),
	)

	calls := 0

	err := c.Run(context.Background(), func(eventstore.StoredEvent) error {
		calls++

		if calls == 1 {
			return errors.New("db down")
		}

		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int64{1, 2}, r.committed)
}

func TestRunSkipsKeepItGoingAndNoRetryFailures(t *testing.T) {
	r := reader{
		msgs: []kafkago.Message{
			{Offset: 1, Value: payload(t, envelope)},
			{Offset: 2, Value: payload(t, envelope)},
		},
	}

	c := kafka.NewConsumer(&r, eventstore.NewJSONEncoder(anEvent{}))

	calls := 0

	err := c.Run(context.Background(), func(eventstore.StoredEvent) error {
		calls++

		if calls == 1 {
			return kafka.ErrKeepItGoing
		}

		return kafka.ErrNoRetry
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []int64{1, 2}, r.committed)
}

func TestRunGivesUpAfterMaxAttempts(t *testing.T) {
	r := reader{
		msgs: []kafkago.Message{
			{Offset: 7, Value: []byte("{bad")},
		},
	}

	c := kafka.NewConsumer(
		&r,
		eventstore.NewJSONEncoder(anEvent{}),
		kafka.WithMaxAttempts(3),
		kafka.WithRetryBackoff(eventstore.Backoff{Base: time.Millisecond, Max: time.Millisecond}),
	)

	err := c.Run(context.Background(), func(eventstore.StoredEvent) error { return nil })

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []int64{7}, r.committed)
}

func payload(t *testing.T, env kafka.Envelope) []byte {
	t.Helper()

	data, err := json.Marshal(env)
	require.NoError(t, err)

	return data
}

func eventData() string {
	data, err := json.Marshal(event)
	if err != nil {
		panic(err)
	}

	return string(data)
}
