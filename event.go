package eventstore

import "time"

// EncodedEvt represents encoded event used by a specific encoder implementation
type EncodedEvt struct {
	Data string
	Type string
}

// Encoder is used by the event store in order to correctly marshal
// and unmarshal event types
type Encoder interface {
	Encode(any) (*EncodedEvt, error)
	Decode(*EncodedEvt) (any, error)
}

// EventToStore represents an event that is to be stored in the event store
type EventToStore struct {
	Event any

	StreamID      string
	StreamType    string
	StreamVersion int

	// Optional
	ID                 string
	Category           Category
	CausationEventID   string
	CorrelationEventID string
	Meta               map[string]string
	OccurredOn         time.Time

	// Encoded bypasses the encoder when set (eg. snapshot mementos)
	Encoded *EncodedEvt
}

// StoredEvent holds stored event data and meta data
type StoredEvent struct {
	// Event is the decoded payload. It is nil for snapshots
	Event any

	// Data is the raw encoded payload
	Data string
	Meta map[string]string

	ID                 string
	Sequence           uint64
	Type               string
	Category           Category
	CausationEventID   *string
	CorrelationEventID *string
	StreamID           string
	StreamType         string
	StreamVersion      int
	Status             string
	Error              *string
	ProcessedOn        *time.Time
	OccurredOn         time.Time
}
