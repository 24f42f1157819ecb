// Package publisher announces finished pipeline runs to downstream consumers.
package publisher

import "context"

// Publisher sends one JSON-encodable payload to topic and returns the broker's message id.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Attributed payloads contribute message attributes alongside their JSON body.
type Attributed interface {
	Attributes() map[string]string
}

// Noop drops every payload.
type Noop struct{}

// Publish reports success without sending anything.
func (Noop) Publish(context.Context, string, any) (string, error) {
	return "", nil
}
