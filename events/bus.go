package events

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/components/cqrs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/lithammer/shortuuid/v3"

	"github.com/warp/ticket-engine/logging"
)

var marshaler = cqrs.JSONMarshaler{
	GenerateName: cqrs.StructName,
}

// Bus publishes events on the configured transport.
type Bus struct {
	eventBus *cqrs.EventBus
}

var _ Notifier = (*Bus)(nil)

func NewBus(publisher message.Publisher, logger watermill.LoggerAdapter) (*Bus, error) {
	eventBus, err := cqrs.NewEventBusWithConfig(CorrelationPublisherDecorator{Publisher: publisher}, cqrs.EventBusConfig{
		GeneratePublishTopic: func(params cqrs.GenerateEventPublishTopicParams) (string, error) {
			return params.EventName, nil
		},
		Marshaler: marshaler,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating event bus: %w", err)
	}
	return &Bus{eventBus: eventBus}, nil
}

func (b *Bus) Notify(ctx context.Context, event any) error {
	if err := b.eventBus.Publish(ctx, event); err != nil {
		return fmt.Errorf("publishing %T: %w", event, err)
	}
	return nil
}

// CorrelationPublisherDecorator stamps every outgoing message with the
// correlation id found in its context, generating one if missing.
type CorrelationPublisherDecorator struct {
	message.Publisher
}

func (c CorrelationPublisherDecorator) Publish(topic string, messages ...*message.Message) error {
	for _, msg := range messages {
		correlationID := logging.CorrelationIDFromContext(msg.Context())
		if correlationID == "" {
			correlationID = "gen_" + shortuuid.New()
		}
		middleware.SetCorrelationID(correlationID, msg)
	}
	return c.Publisher.Publish(topic, messages...)
}
