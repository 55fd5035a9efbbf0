package sinks

import (
	"context"
	"fmt"

	"github.com/JakeFAU/emblem-rarity/internal/progress"
)

// Publisher sends a payload to a topic and returns the message id.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// PublishSink forwards lifecycle events to a message topic. Intermediate
// progress events are skipped unless Verbose is set.
type PublishSink struct {
	pub     Publisher
	topic   string
	Verbose bool
}

// NewPublishSink wires a publisher to the sink interface.
func NewPublishSink(pub Publisher, topic string) *PublishSink {
	return &PublishSink{pub: pub, topic: topic}
}

// Consume publishes each selected event as JSON.
func (s *PublishSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.pub == nil {
		return nil
	}
	for _, evt := range batch {
		if evt.Stage == progress.StageSyncProgress && !s.Verbose {
			continue
		}
		if _, err := s.pub.Publish(ctx, s.topic, evt); err != nil {
			return fmt.Errorf("publish %s: %w", evt.Stage, err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PublishSink) Close(context.Context) error {
	return nil
}
