package aggregate

import "time"

// Event represents a domain event together with its stream position
type Event struct {
	ID            string
	E             any
	StreamID      string
	StreamVersion int
	OccurredOn    time.Time

	CausationEventID   *string
	CorrelationEventID *string
	Meta               map[string]string
}
