/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Request types carry
  validator tags and are checked in one place (decodeRequest) before any
  domain call. Domain records (orders, refunds, reservations, breakdowns)
  already have stable JSON tags and are returned as is.

NAMING CONVENTION:
  - *Request: Request body types from clients
  - *Response: Response wrappers that are not a domain record

MONEY:
  Every amount is an integer in minor currency units (paise).

SEE ALSO:
  - handlers.go: Uses these types
  - factory/event.go: Event import payload
*/
package api

import (
	"time"

	"github.com/warp/ticket-engine/catalog"
	"github.com/warp/ticket-engine/generic"
	"github.com/warp/ticket-engine/pricing"
)

// =============================================================================
// CATALOG AND PRICING
// =============================================================================

type LineItemDTO struct {
	TierID   string `json:"tier_id" validate:"required"`
	Quantity int    `json:"quantity" validate:"gt=0"`
}

func toLineItems(dtos []LineItemDTO) []catalog.LineItem {
	items := make([]catalog.LineItem, len(dtos))
	for i, d := range dtos {
		items[i] = catalog.LineItem{TierID: d.TierID, Quantity: d.Quantity}
	}
	return items
}

type AvailabilityRequest struct {
	Items                []LineItemDTO `json:"items" validate:"required,min=1,dive"`
	ExcludeReservationID string        `json:"exclude_reservation_id,omitempty"`
	AccessCode           string        `json:"access_code,omitempty"`
}

type PriceRequest struct {
	Items        []LineItemDTO `json:"items" validate:"required,min=1,dive"`
	PromoCode    string        `json:"promo_code,omitempty"`
	PromoterCode string        `json:"promoter_code,omitempty"`
	UserID       string        `json:"user_id,omitempty"`
}

// PriceResponse is a side-effect free checkout preview.
type PriceResponse struct {
	Breakdown pricing.Breakdown `json:"breakdown"`
	Notices   []string          `json:"notices,omitempty"`
}

type CreatePromoCodeRequest struct {
	Code            string        `json:"code" validate:"required"`
	Type            string        `json:"type" validate:"required,oneof=percent fixed"`
	Percent         string        `json:"percent,omitempty" validate:"required_if=Type percent"`
	Amount          generic.Money `json:"amount,omitempty" validate:"gte=0"`
	MaxDiscount     generic.Money `json:"max_discount,omitempty" validate:"gte=0"`
	ApplicableTiers []string      `json:"applicable_tiers,omitempty"`
	MaxRedemptions  int           `json:"max_redemptions,omitempty" validate:"gte=0"`
	MaxPerUser      int           `json:"max_per_user,omitempty" validate:"gte=0"`
	ValidFrom       *time.Time    `json:"valid_from,omitempty"`
	ValidUntil      *time.Time    `json:"valid_until,omitempty"`
	Active          *bool         `json:"active,omitempty"`
}

type ValidatePromoRequest struct {
	Code   string        `json:"code" validate:"required"`
	UserID string        `json:"user_id" validate:"required"`
	Items  []LineItemDTO `json:"items" validate:"required,min=1,dive"`
}

type CreatePromoterRequest struct {
	Code              string `json:"code" validate:"required"`
	PromoterID        string `json:"promoter_id" validate:"required"`
	DiscountPercent   string `json:"discount_percent,omitempty"`
	CommissionPercent string `json:"commission_percent,omitempty"`
	Active            *bool  `json:"active,omitempty"`
}

// =============================================================================
// RESERVATIONS
// =============================================================================

type CreateReservationRequest struct {
	EventID    string        `json:"event_id" validate:"required"`
	Owner      string        `json:"owner" validate:"required"`
	Items      []LineItemDTO `json:"items" validate:"required,min=1,dive"`
	TTLMinutes int           `json:"ttl_minutes,omitempty" validate:"gte=0,lte=120"`
	AccessCode string        `json:"access_code,omitempty"`
}

// =============================================================================
// ORDERS
// =============================================================================

type BuyerDTO struct {
	UserID string `json:"user_id" validate:"required"`
	Email  string `json:"email,omitempty" validate:"omitempty,email"`
}

type CreateOrderRequest struct {
	EventID       string        `json:"event_id" validate:"required"`
	Buyer         BuyerDTO      `json:"buyer"`
	Items         []LineItemDTO `json:"items,omitempty" validate:"required_without=ReservationID,dive"`
	ReservationID string        `json:"reservation_id,omitempty"`
	AccessCode    string        `json:"access_code,omitempty"`
	PromoCode     string        `json:"promo_code,omitempty"`
	PromoterCode  string        `json:"promoter_code,omitempty"`
	PaymentID     string        `json:"payment_id,omitempty"`
	AwaitPayment  bool          `json:"await_payment,omitempty"`

	// Checkout at full price if the promo code runs out mid-checkout.
	DropPromoOnExhaustion bool `json:"drop_promo_on_exhaustion,omitempty"`
}

type UpdateStatusRequest struct {
	Status string `json:"status" validate:"required"`
}

type ConfirmPaymentRequest struct {
	PaymentID string `json:"payment_id" validate:"required"`
}

type CancelOrderRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=500"`
}

// =============================================================================
// REFUNDS
// =============================================================================

type CreateRefundRequest struct {
	// Amount of zero refunds everything still refundable.
	Amount generic.Money `json:"amount,omitempty" validate:"gte=0"`
	Reason string        `json:"reason,omitempty" validate:"max=500"`
}

type RejectRefundRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// =============================================================================
// MISC
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	EventID     string `json:"event_id"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

type SweepResponse struct {
	Expired int `json:"expired"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
