// Package publisher holds the wire encoding shared by the hand-off
// notification publishers.
package publisher

import (
	"encoding/json"
	"fmt"
	"maps"
)

// Keyed payloads choose their own message key (Kafka partitioning, Pub/Sub
// ordering key).
type Keyed interface {
	MessageKey() string
}

// Attributed payloads expose routing attributes sent alongside the body.
type Attributed interface {
	MessageAttributes() map[string]string
}

// Envelope is a payload ready for the wire.
type Envelope struct {
	Key        string
	Data       []byte
	Attributes map[string]string
}

// Encode marshals payload to JSON and collects its key and attributes.
func Encode(payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal payload: %w", err)
	}
	env := Envelope{Data: data, Attributes: map[string]string{"content_type": "application/json"}}
	if k, ok := payload.(Keyed); ok {
		env.Key = k.MessageKey()
	}
	if a, ok := payload.(Attributed); ok {
		maps.Copy(env.Attributes, a.MessageAttributes())
	}
	return env, nil
}
