package kafka

import (
	"encoding/json"
	"time"

	"github.com/aneshas/eventstore/v2/outbox"
)

// Envelope is the json representation of a relayed message
type Envelope struct {
	ID                 string            `json:"id"`
	Type               string            `json:"type"`
	Data               string            `json:"data"`
	Meta               map[string]string `json:"meta,omitempty"`
	Sequence           uint64            `json:"sequence"`
	CausationEventID   *string           `json:"causation_event_id,omitempty"`
	CorrelationEventID *string           `json:"correlation_event_id,omitempty"`
	StreamID           string            `json:"stream_id,omitempty"`
	StreamVersion      int               `json:"stream_version"`
	OccurredOn         string            `json:"occurred_on"`
}

// EnvelopeOf wraps an outbox message
func EnvelopeOf(msg outbox.Message) Envelope {
	env := Envelope{
		ID:         msg.ID,
		Type:       msg.Type,
		Data:       msg.Payload,
		Meta:       msg.Meta,
		Sequence:   msg.Sequence,
		StreamID:   msg.Key,
		OccurredOn: msg.CreatedOn.UTC().Format(time.RFC3339Nano),
	}

	if id, ok := msg.Meta[MetaCausationID]; ok {
		env.CausationEventID = &id
	}

	if id, ok := msg.Meta[MetaCorrelationID]; ok {
		env.CorrelationEventID = &id
	}

	return env
}

// Meta keys mapped onto envelope causation / correlation ids
const (
	MetaCausationID   = "causation_event_id"
	MetaCorrelationID = "correlation_event_id"
)

func (e Envelope) marshal() ([]byte, error) { return json.Marshal(e) }
