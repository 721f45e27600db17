// Package outbox implements a transactional outbox: integration messages
// are enqueued in the same unit of work as the domain events which caused
// them and are later claimed, dispatched and acknowledged by a Relay
package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/aneshas/eventstore/v2"
	"github.com/google/uuid"
)

// Status represents outbox message processing status
type Status string

// Outbox message statuses
const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusPublished  Status = "PUBLISHED"
	StatusOnError    Status = "ONERROR"
)

// Message represents an integration message
type Message struct {
	ID      string
	Type    string
	Key     string
	Payload string
	Meta    map[string]string

	// Set by the store
	Sequence      uint64
	Status        Status
	ClaimID       string
	Attempts      int
	NextAttemptOn *time.Time
	Error         string
	CreatedOn     time.Time
}

// MessageOpt represents message option
type MessageOpt func(*Message)

// WithKey sets the message (partitioning) key
func WithKey(key string) MessageOpt {
	return func(m *Message) {
		m.Key = key
	}
}

// WithMeta sets message meta data
func WithMeta(meta map[string]string) MessageOpt {
	return func(m *Message) {
		m.Meta = meta
	}
}

// NewMessage creates a json encoded message out of payload.
// Message type is the payload type name
func NewMessage(payload any, opts ...MessageOpt) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %s: %w", eventstore.ErrSerialization, eventstore.TypeName(payload), err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Message{}, err
	}

	msg := Message{
		ID:      id.String(),
		Type:    eventstore.TypeName(payload),
		Payload: string(data),
	}

	for _, opt := range opts {
		opt(&msg)
	}

	return msg, nil
}
