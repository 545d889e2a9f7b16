package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-orchestrator/internal/events"
	"github.com/JakeFAU/harvest-orchestrator/internal/harvest"
)

// PublisherSink forwards events to the notification dispatcher topic.
// Claims are not forwarded; they are high volume and carry no user-facing state.
type PublisherSink struct {
	publisher harvest.Publisher
	topic     string
	logger    *zap.Logger
}

// NewPublisherSink builds a sink publishing to topic.
func NewPublisherSink(publisher harvest.Publisher, topic string, logger *zap.Logger) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes each notifiable event. Every event is attempted; the
// joined error reports the failures.
func (s *PublisherSink) Consume(ctx context.Context, batch []events.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if evt.Kind == events.KindTaskClaimed {
			continue
		}
		id, err := s.publisher.Publish(ctx, s.topic, evt)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", evt.Kind, err))
			continue
		}
		s.logger.Debug("notification published", zap.String("kind", string(evt.Kind)), zap.String("message_id", id))
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
