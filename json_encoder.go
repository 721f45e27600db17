package eventstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

var (
	// ErrEventNotRegistered is returned when decoding an event type which was not registered with the encoder
	ErrEventNotRegistered = errors.New("event type not registered")

	// ErrSerialization wraps any failure to (de)serialize an event payload
	ErrSerialization = errors.New("event serialization failed")
)

// NewJSONEncoder constructs json encoder
// Each event should be registered with its value type (not a pointer)
func NewJSONEncoder(evts ...any) *JSONEncoder {
	enc := JSONEncoder{
		types: make(map[string]reflect.Type),
	}

	enc.Register(evts...)

	return &enc
}

// JSONEncoder provides default json Encoder implementation
// It will marshal and unmarshal events to/from json and store the type name
type JSONEncoder struct {
	types map[string]reflect.Type
}

// Register adds event types to the encoder registry
func (e *JSONEncoder) Register(evts ...any) {
	for _, evt := range evts {
		t := indirect(reflect.TypeOf(evt))

		e.types[t.Name()] = t
	}
}

// Encode marshals incoming event to it's json representation
func (e *JSONEncoder) Encode(evt any) (*EncodedEvt, error) {
	if evt == nil {
		return nil, fmt.Errorf("%w: nil event", ErrSerialization)
	}

	name := TypeName(evt)

	data, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSerialization, name, err)
	}

	return &EncodedEvt{
		Type: name,
		Data: string(data),
	}, nil
}

// Decode unmarshals incoming event to it's corresponding go type
func (e *JSONEncoder) Decode(evt *EncodedEvt) (any, error) {
	t, ok := e.types[evt.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEventNotRegistered, evt.Type)
	}

	v := reflect.New(t)

	err := json.Unmarshal([]byte(evt.Data), v.Interface())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSerialization, evt.Type, err)
	}

	return v.Elem().Interface(), nil
}

// TypeName returns the name events of the given value are stored under
func TypeName(v any) string {
	if v == nil {
		return ""
	}

	return indirect(reflect.TypeOf(v)).Name()
}

func indirect(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	return t
}
