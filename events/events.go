/*
Package events is the engine's outbox: event types, the bus that publishes
them and the router that consumes them.

PURPOSE:
  The coordinator and refund workflow announce what happened (order
  confirmed, promoter conversion, refund completed...) through Notifier.
  Delivery is best-effort from the caller's point of view: a failed Notify
  is logged at the call site and never changes the outcome of the
  operation that produced it.

KEY COMPONENTS:
  Notifier: Notify(ctx, event) error, implemented by Bus
  Bus:      watermill cqrs EventBus, JSON, topic = struct name
  Router:   watermill router + cqrs EventProcessor with the engine's
            consumers (promoter conversion recording, failure alerts)

TRANSPORTS:
  gochannel in-process by default, Redis streams when configured.

SEE ALSO:
  - order/order.go: Emits OrderConfirmed, OrderCancelled, PromoterConversion
  - refund/refund.go: Emits RefundCompleted, RefundFailed
  - promo/promoter.go: Consumes PromoterConversion
*/
package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/warp/ticket-engine/catalog"
	"github.com/warp/ticket-engine/generic"
)

// Notifier publishes domain events. Callers treat failures as non-fatal.
type Notifier interface {
	Notify(ctx context.Context, event any) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, event any) error

func (f NotifierFunc) Notify(ctx context.Context, event any) error { return f(ctx, event) }

// Discard drops every event.
var Discard Notifier = NotifierFunc(func(context.Context, any) error { return nil })

// =============================================================================
// EVENT TYPES
// =============================================================================

type Header struct {
	ID             string    `json:"id"`
	PublishedAt    time.Time `json:"published_at"`
	IdempotencyKey string    `json:"idempotency_key"`
}

func NewHeader(idempotencyKey string, at time.Time) Header {
	return Header{
		ID:             uuid.NewString(),
		PublishedAt:    at.UTC(),
		IdempotencyKey: idempotencyKey,
	}
}

type OrderConfirmed struct {
	Header     Header             `json:"header"`
	OrderID    string             `json:"order_id"`
	EventID    string             `json:"event_id"`
	BuyerID    string             `json:"buyer_id"`
	BuyerEmail string             `json:"buyer_email"`
	Items      []catalog.LineItem `json:"items"`
	GrandTotal generic.Money      `json:"grand_total"`
}

type OrderCancelled struct {
	Header  Header `json:"header"`
	OrderID string `json:"order_id"`
	EventID string `json:"event_id"`
	Reason  string `json:"reason"`
}

// PromoterConversion is emitted once per order, on its first confirmation.
type PromoterConversion struct {
	Header     Header        `json:"header"`
	OrderID    string        `json:"order_id"`
	EventID    string        `json:"event_id"`
	LinkID     string        `json:"link_id"`
	PromoterID string        `json:"promoter_id"`
	Code       string        `json:"code"`
	Commission generic.Money `json:"commission"`
}

type RefundCompleted struct {
	Header           Header        `json:"header"`
	RefundID         string        `json:"refund_id"`
	OrderID          string        `json:"order_id"`
	Amount           generic.Money `json:"amount"`
	Partial          bool          `json:"partial"`
	ExternalRefundID string        `json:"external_refund_id"`
}

type RefundFailed struct {
	Header   Header        `json:"header"`
	RefundID string        `json:"refund_id"`
	OrderID  string        `json:"order_id"`
	Amount   generic.Money `json:"amount"`
	Error    string        `json:"error"`
}
