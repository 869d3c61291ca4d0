package events

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/components/cqrs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/lithammer/shortuuid/v3"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/warp/ticket-engine/logging"
)

// =============================================================================
// TRANSPORTS
// =============================================================================

// Transport pairs a publisher with a per-handler subscriber constructor.
type Transport struct {
	Publisher     message.Publisher
	NewSubscriber func(handlerName string) (message.Subscriber, error)
}

// NewGoChannelTransport keeps everything in process.
func NewGoChannelTransport(logger watermill.LoggerAdapter) Transport {
	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, logger)
	return Transport{
		Publisher: pubSub,
		NewSubscriber: func(string) (message.Subscriber, error) {
			return pubSub, nil
		},
	}
}

// NewRedisTransport uses Redis streams with one consumer group per handler.
func NewRedisTransport(client *redis.Client, logger watermill.LoggerAdapter) (Transport, error) {
	publisher, err := redisstream.NewPublisher(redisstream.PublisherConfig{
		Client: client,
	}, logger)
	if err != nil {
		return Transport{}, fmt.Errorf("creating redis publisher: %w", err)
	}
	return Transport{
		Publisher: publisher,
		NewSubscriber: func(handlerName string) (message.Subscriber, error) {
			return redisstream.NewSubscriber(redisstream.SubscriberConfig{
				Client:        client,
				ConsumerGroup: "ticket-engine." + handlerName,
			}, logger)
		},
	}, nil
}

// =============================================================================
// ROUTER
// =============================================================================

// ConversionRecorder persists promoter conversions. Must be idempotent per order.
type ConversionRecorder interface {
	RecordConversion(ctx context.Context, conversion PromoterConversion) error
}

type RouterDeps struct {
	Transport   Transport
	Conversions ConversionRecorder
	Logger      watermill.LoggerAdapter
}

type Router struct {
	*message.Router
}

func NewRouter(deps RouterDeps) (*Router, error) {
	router, err := message.NewRouter(message.RouterConfig{}, deps.Logger)
	if err != nil {
		return nil, fmt.Errorf("creating router: %w", err)
	}

	router.AddMiddleware(correlationIDMiddleware)
	router.AddMiddleware(loggerMiddleware)
	router.AddMiddleware(handlerLogMiddleware)
	router.AddMiddleware(middleware.Retry{
		MaxRetries:      5,
		InitialInterval: time.Millisecond * 100,
		MaxInterval:     time.Second,
		Multiplier:      2,
		Logger:          deps.Logger,
	}.Middleware)

	ep, err := cqrs.NewEventProcessorWithConfig(router, cqrs.EventProcessorConfig{
		SubscriberConstructor: func(params cqrs.EventProcessorSubscriberConstructorParams) (message.Subscriber, error) {
			return deps.Transport.NewSubscriber(params.HandlerName)
		},
		GenerateSubscribeTopic: func(params cqrs.EventProcessorGenerateSubscribeTopicParams) (string, error) {
			return params.EventName, nil
		},
		Marshaler: marshaler,
		Logger:    deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating event processor: %w", err)
	}

	handlers := []cqrs.EventHandler{
		cqrs.NewEventHandler("record-promoter-conversion", handleRecordConversion(deps.Conversions)),
		cqrs.NewEventHandler("alert-refund-failed", handleRefundFailed),
	}
	if err := ep.AddHandlers(handlers...); err != nil {
		return nil, fmt.Errorf("adding handlers: %w", err)
	}

	return &Router{router}, nil
}

func handleRecordConversion(r ConversionRecorder) func(ctx context.Context, e *PromoterConversion) error {
	return func(ctx context.Context, e *PromoterConversion) error {
		if err := r.RecordConversion(ctx, *e); err != nil {
			return fmt.Errorf("recording conversion for order %s: %w", e.OrderID, err)
		}
		return nil
	}
}

// Failed reversals need a human; surface them loudly.
func handleRefundFailed(ctx context.Context, e *RefundFailed) error {
	logging.FromContext(ctx).WithFields(logrus.Fields{
		"refund_id": e.RefundID,
		"order_id":  e.OrderID,
		"amount":    e.Amount,
	}).Error("Refund charge reversal failed, manual retry required: " + e.Error)
	return nil
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

func correlationIDMiddleware(next message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		correlationID := middleware.MessageCorrelationID(msg)
		if correlationID == "" {
			correlationID = "gen_" + shortuuid.New()
		}

		ctx := logging.ContextWithCorrelationID(msg.Context(), correlationID)
		msg.SetContext(ctx)

		return next(msg)
	}
}

func loggerMiddleware(next message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		correlationID := logging.CorrelationIDFromContext(msg.Context())
		ctx := logging.ToContext(msg.Context(), logrus.WithFields(logrus.Fields{
			"message_uuid":   msg.UUID,
			"correlation_id": correlationID,
		}))
		msg.SetContext(ctx)

		return next(msg)
	}
}

func handlerLogMiddleware(next message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		logger := logging.FromContext(msg.Context())
		logger.WithField("handler", message.HandlerNameFromCtx(msg.Context())).Debug("Handling a message")

		msgs, err := next(msg)
		if err != nil {
			logger.WithError(err).Error("Message handling error")
		}

		return msgs, err
	}
}
