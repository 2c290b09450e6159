// Package memory keeps published job events in process, for single-node runs and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Publisher retains the most recent events up to its capacity.
type Publisher struct {
	mu       sync.RWMutex
	capacity int
	total    int
	messages []PublishedMessage
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	Topic   string
	Payload any
}

// New returns a memory Publisher. capacity <= 0 keeps every event.
func New(capacity int) *Publisher {
	return &Publisher{capacity: capacity}
}

// Publish records the message and returns a sequence-based ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.total++
	p.messages = append(p.messages, PublishedMessage{Topic: topic, Payload: payload})
	if p.capacity > 0 && len(p.messages) > p.capacity {
		p.messages = append(p.messages[:0:0], p.messages[len(p.messages)-p.capacity:]...)
	}
	return fmt.Sprintf("memory-%d", p.total), nil
}

// Messages returns a copy of the retained events, oldest first.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}
