// Package memory records published messages in process memory. It backs the
// sync notifications when no Pub/Sub topic is configured, and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// DefaultRetain bounds the messages kept by New.
const DefaultRetain = 1024

// Publisher stores the most recent published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
	retain   int
	seq      int
	err      error
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	ID      string
	Topic   string
	Payload any
}

// New returns a memory Publisher that keeps the last DefaultRetain messages.
func New() *Publisher {
	return NewWithRetention(DefaultRetain)
}

// NewWithRetention keeps at most retain messages; retain <= 0 keeps all.
func NewWithRetention(retain int) *Publisher {
	return &Publisher{retain: retain}
}

// FailWith makes subsequent publishes return err; nil restores success.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Publish records the message and returns a sequential ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, p.err)
	}
	p.seq++
	id := fmt.Sprintf("memory-%d", p.seq)
	p.messages = append(p.messages, PublishedMessage{ID: id, Topic: topic, Payload: payload})
	if p.retain > 0 && len(p.messages) > p.retain {
		p.messages = append(p.messages[:0:0], p.messages[len(p.messages)-p.retain:]...)
	}
	return id, nil
}

// Messages returns a copy of the retained publishes, oldest first.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}
