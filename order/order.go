/*
Package order is the order transaction coordinator.

PURPOSE:
  Turns a checkout request into a durable Order by composing the pricing
  engine, the inventory ledger, the reservation manager and the promo
  ledger into one atomic transaction, then drives the order's status
  through a constrained state machine.

STATE MACHINE:
  pending_payment ──▶ confirmed ══▶ refund_requested ══▶ refunded
        │                 │                ║
        ▼                 ▼                ▼
    cancelled         cancelled        confirmed (refund rejected,
                                                  cancelled or partial)

  ══ edges belong to the refund workflow. UpdateStatus refuses them, so an
  order never leaves refund_requested while its refund is still open.

CREATE ORDER SEQUENCE:
  Outside the transaction (pure or advisory):
    1. Idempotency key -> deterministic order id; existing order returned
    2. Reservation must be live (ReservationExpired before any write);
       its items are the order's items
    3. Availability estimate, promo validation, promoter resolution
    4. Pricing at a fixed asOf
  Inside one transaction:
    5. Inventory DecrementTx      (InsufficientInventory aborts)
    6. Reservation ConvertTx
    7. Promo RedeemTx             (PromoCodeExhausted aborts, or with
                                   DropPromoOnExhaustion re-price without
                                   the code and run the Tx again)
    8. Order write + audit
  After commit, best-effort:
    9. OrderConfirmed / PromoterConversion notifications

COMMISSION:
  Snapshotted on the order at creation. Later rate changes never touch
  historical orders.

SEE ALSO:
  - coordinator.go: CreateOrder and status operations
  - refund/refund.go: Uses LoadTx / SaveTx / TransitionTx
*/
package order

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/warp/ticket-engine/catalog"
	"github.com/warp/ticket-engine/generic"
	"github.com/warp/ticket-engine/pricing"
)

const CollectionOrders generic.Collection = "orders"

type Status string

const (
	StatusPendingPayment  Status = "pending_payment"
	StatusConfirmed       Status = "confirmed"
	StatusCancelled       Status = "cancelled"
	StatusRefundRequested Status = "refund_requested"
	StatusRefunded        Status = "refunded"
)

// Moves a caller may request directly.
var transitions = map[Status][]Status{
	StatusPendingPayment: {StatusConfirmed, StatusCancelled},
	StatusConfirmed:      {StatusCancelled},
}

// Moves taken only by the refund workflow through TransitionTx.
var refundTransitions = map[Status][]Status{
	StatusConfirmed:       {StatusRefundRequested},
	StatusRefundRequested: {StatusRefunded, StatusConfirmed},
}

// CanUpdate reports whether a caller may move an order from -> to.
func CanUpdate(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// CanTransition reports whether from -> to exists anywhere in the order
// lifecycle, refund edges included.
func CanTransition(from, to Status) bool {
	return CanUpdate(from, to) || slices.Contains(refundTransitions[from], to)
}

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPendingPayment, StatusConfirmed, StatusCancelled, StatusRefundRequested, StatusRefunded:
		return st, nil
	}
	return "", generic.NewValidationError("status", "unknown order status %q", s)
}

// =============================================================================
// ORDER
// =============================================================================

type Buyer struct {
	UserID string `json:"user_id" validate:"required"`
	Email  string `json:"email,omitempty" validate:"omitempty,email"`
}

type Order struct {
	ID             string             `json:"id"`
	EventID        string             `json:"event_id"`
	Buyer          Buyer              `json:"buyer"`
	Items          []catalog.LineItem `json:"items"`
	Pricing        pricing.Breakdown  `json:"pricing"`
	Status         Status             `json:"status"`
	IdempotencyKey string             `json:"idempotency_key"`

	ReservationID    string              `json:"reservation_id,omitempty"`
	PromoCodeID      string              `json:"promo_code_id,omitempty"`
	PromoRedemption  string              `json:"promo_redemption_id,omitempty"`
	Promoter         *pricing.Commission `json:"promoter,omitempty"`
	PaymentID        string              `json:"payment_id,omitempty"`
	Warnings         []string            `json:"warnings,omitempty"`
	EntryUsed        bool                `json:"entry_used"`
	RefundedAmount   generic.Money       `json:"refunded_amount"`
	CancellationNote string              `json:"cancellation_note,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	ConfirmedAt time.Time `json:"confirmed_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (o *Order) GrandTotal() generic.Money { return o.Pricing.GrandTotal }

// Refundable is what can still be refunded.
func (o *Order) Refundable() generic.Money { return o.Pricing.GrandTotal - o.RefundedAmount }

// =============================================================================
// TX HELPERS - Shared with the refund workflow
// =============================================================================

// LoadTx reads an order; inside a Tx the read is version-tracked.
func LoadTx(ctx context.Context, r generic.Reader, id string) (*Order, error) {
	var o Order
	if err := generic.GetJSON(ctx, r, CollectionOrders, id, &o); err != nil {
		if errors.Is(err, generic.ErrNotFound) {
			return nil, fmt.Errorf("order %s: %w", id, generic.ErrNotFound)
		}
		return nil, err
	}
	return &o, nil
}

func SaveTx(tx generic.Tx, o *Order) error {
	return generic.PutJSON(tx, CollectionOrders, o.ID, o.EventID, o)
}

// TransitionTx moves o to status `to`, audits and saves it. It reports
// whether this is the order's first confirmation.
func TransitionTx(tx generic.Tx, o *Order, to Status, actor generic.Actor, at time.Time) (bool, error) {
	from := o.Status
	if !CanTransition(from, to) {
		return false, &generic.TransitionError{Entity: "order", ID: o.ID, From: string(from), To: string(to)}
	}

	firstConfirmation := false
	if to == StatusConfirmed && o.ConfirmedAt.IsZero() {
		o.ConfirmedAt = at
		firstConfirmation = true
	}
	o.Status = to
	o.UpdatedAt = at

	if err := generic.AppendAudit(tx, at, actor, generic.AuditOrderStatusChanged, o.ID, map[string]any{
		"from": from,
		"to":   to,
	}); err != nil {
		return false, err
	}
	return firstConfirmation, SaveTx(tx, o)
}
