// Package memory records published run summaries in-process.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sync"

	"github.com/JakeFAU/anime-catalog-ingest/internal/publisher"
)

var _ publisher.Publisher = (*Publisher)(nil)

// Message is one recorded publish, encoded the way a broker would receive it.
type Message struct {
	ID         string
	Topic      string
	Data       json.RawMessage
	Attributes map[string]string
}

// Publisher keeps every message in publish order.
type Publisher struct {
	mu       sync.RWMutex
	messages []Message
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish JSON-encodes payload and records it under a sequential id.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	var attrs map[string]string
	if a, ok := payload.(publisher.Attributed); ok {
		attrs = maps.Clone(a.Attributes())
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	id := fmt.Sprintf("memory-%d", len(p.messages)+1)
	p.messages = append(p.messages, Message{ID: id, Topic: topic, Data: data, Attributes: attrs})
	return id, nil
}

// Messages returns a copy of the recorded messages.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}
