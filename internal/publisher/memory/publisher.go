// Package memory provides a publisher that keeps session summaries in
// process. It backs the "memory" publisher provider and is the capture
// point for fleet tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Message is one captured publish. Data holds the JSON encoding of the
// payload, matching what the Pub/Sub publisher puts on the wire.
type Message struct {
	Topic string
	Data  []byte
}

// Publisher collects fleet reports instead of sending them anywhere.
type Publisher struct {
	mu   sync.Mutex
	sent []Message
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish encodes the payload and appends it to the captured messages.
// The returned ID is a per-publisher sequence number.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, Message{Topic: topic, Data: data})
	return fmt.Sprintf("mem-%d", len(p.sent)), nil
}

// Messages returns a copy of everything published so far.
func (p *Publisher) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, len(p.sent))
	copy(out, p.sent)
	return out
}
