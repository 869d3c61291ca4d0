package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/warp/ticket-engine/catalog"
	"github.com/warp/ticket-engine/events"
	"github.com/warp/ticket-engine/generic"
	"github.com/warp/ticket-engine/inventory"
	"github.com/warp/ticket-engine/pricing"
	"github.com/warp/ticket-engine/promo"
	"github.com/warp/ticket-engine/reservation"
)

// Order ids are derived from the client's idempotency key in this namespace.
var orderNamespace = uuid.MustParse("6f1c3a2e-9b4d-4c1e-8f7a-2d5e0b9c4a11")

// =============================================================================
// COORDINATOR
// =============================================================================

type Deps struct {
	Runner       *generic.Runner
	Clock        generic.Clock
	Pricing      *pricing.Engine
	Inventory    *inventory.Ledger
	Reservations *reservation.Manager
	Promos       *promo.Ledger
	Promoters    *promo.Book
	Notifier     events.Notifier
	Logger       logrus.FieldLogger
}

type Coordinator struct {
	Deps
	validate *validator.Validate
}

func NewCoordinator(deps Deps) *Coordinator {
	if deps.Notifier == nil {
		deps.Notifier = events.Discard
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	return &Coordinator{Deps: deps, validate: validator.New()}
}

type CreateOrderRequest struct {
	EventID string             `validate:"required"`
	Items   []catalog.LineItem `validate:"omitempty,dive"`

	Buyer         Buyer
	ReservationID string
	AccessCode    string
	PromoCode     string
	PromoterCode  string
	PaymentID     string

	// AwaitPayment creates the order in pending_payment unless it is free.
	AwaitPayment          bool
	// DropPromoOnExhaustion re-prices without the promo code when it runs
	// out between validation and commit, instead of failing the order.
	DropPromoOnExhaustion bool
	IdempotencyKey        string
}

// CreateOrder prices, decrements inventory, converts the reservation,
// redeems the promo code and writes the order in one transaction.
func (c *Coordinator) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	if err := c.validate.Struct(req); err != nil {
		return nil, generic.NewValidationError("order", "%s", err.Error())
	}
	key := req.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}
	orderID := uuid.NewSHA1(orderNamespace, []byte(req.EventID+"/"+key)).String()

	existing, err := LoadTx(ctx, c.Runner.Store(), orderID)
	switch {
	case err == nil:
		return sameRequest(existing, req)
	case !errors.Is(err, generic.ErrNotFound):
		return nil, err
	}

	asOf := c.Clock.Now().UTC()
	logger := c.Logger.WithFields(logrus.Fields{"order_id": orderID, "event_id": req.EventID})

	// Reservation first: an expired hold must fail before anything else.
	items := req.Items
	if req.ReservationID != "" {
		res, err := reservation.Load(ctx, c.Runner.Store(), req.ReservationID)
		if err != nil {
			return nil, err
		}
		if err := checkReservation(res, req, orderID, asOf); err != nil {
			return nil, err
		}
		if len(items) > 0 && !sameItems(items, res.Items) {
			return nil, generic.NewValidationError("items", "do not match reservation %s", res.ID)
		}
		items = res.Items
	}
	if len(items) == 0 {
		return nil, generic.NewValidationError("items", "at least one item is required")
	}

	ev, err := catalog.GetEvent(ctx, c.Runner.Store(), req.EventID)
	if err != nil {
		return nil, err
	}

	avail, err := c.Reservations.CheckAvailability(ctx, req.EventID, items, reservation.CheckOptions{
		ExcludeReservationID: req.ReservationID,
		AsOf:                 asOf,
		AccessCode:           req.AccessCode,
	})
	if err != nil {
		return nil, err
	}
	if err := avail.Err(req.EventID); err != nil {
		return nil, err
	}

	var warnings []string
	var code *catalog.PromoCode
	if req.PromoCode != "" {
		v, err := c.Promos.Validate(ctx, promo.ValidateRequest{
			EventID: req.EventID,
			Code:    req.PromoCode,
			UserID:  req.Buyer.UserID,
			Items:   items,
			AsOf:    asOf,
		})
		if err != nil {
			return nil, err
		}
		if v.Valid {
			code = v.Code
		} else {
			warnings = append(warnings, fmt.Sprintf("promo code %s not applied: %s", catalog.NormalizeCode(req.PromoCode), v.Reason))
		}
	}

	var link *catalog.PromoterLink
	if req.PromoterCode != "" {
		link, err = c.Promoters.Resolve(ctx, req.EventID, req.PromoterCode)
		if errors.Is(err, generic.ErrNotFound) {
			warnings = append(warnings, fmt.Sprintf("promoter code %s not recognised", catalog.NormalizeCode(req.PromoterCode)))
			link = nil
		} else if err != nil {
			return nil, err
		}
	}

	o, err := c.draft(ev, req, orderID, key, items, code, link, warnings, asOf)
	if err != nil {
		return nil, err
	}

	saved, created, err := c.commit(ctx, o, req)
	if errors.Is(err, generic.ErrPromoCodeExhausted) && req.DropPromoOnExhaustion && code != nil {
		logger.WithField("promo_code", code.Code).Info("promo code ran out, pricing without it")
		warnings = append(warnings, fmt.Sprintf("promo code %s not applied: %s", code.Code, promo.ReasonExhausted))
		if o, err = c.draft(ev, req, orderID, key, items, nil, link, warnings, asOf); err != nil {
			return nil, err
		}
		saved, created, err = c.commit(ctx, o, req)
	}
	if err != nil {
		logger.WithError(err).Info("order rejected")
		return nil, err
	}
	if !created {
		return sameRequest(saved, req)
	}

	logger.WithFields(logrus.Fields{
		"status":      saved.Status,
		"grand_total": saved.Pricing.GrandTotal,
	}).Info("order created")

	if saved.Status == StatusConfirmed {
		c.announceConfirmation(ctx, saved)
	}
	return saved, nil
}

// draft prices the request at asOf and builds the order to be written.
func (c *Coordinator) draft(ev *catalog.Event, req CreateOrderRequest, orderID, key string, items []catalog.LineItem,
	code *catalog.PromoCode, link *catalog.PromoterLink, warnings []string, asOf time.Time) (*Order, error) {
	breakdown := c.Pricing.ComputeOrder(ev, items, pricing.Options{PromoCode: code, Promoter: link, AsOf: asOf})
	if len(breakdown.Warnings) > 0 {
		w := breakdown.Warnings[0]
		return nil, generic.NewValidationError(fmt.Sprintf("items[%d]", w.Index), "%s", w.Message)
	}

	o := &Order{
		ID:             orderID,
		EventID:        req.EventID,
		Buyer:          req.Buyer,
		Items:          items,
		Pricing:        breakdown,
		Status:         StatusConfirmed,
		IdempotencyKey: key,
		ReservationID:  req.ReservationID,
		PaymentID:      req.PaymentID,
		Warnings:       warnings,
		CreatedAt:      asOf,
		UpdatedAt:      asOf,
	}
	if req.AwaitPayment && !breakdown.IsFree {
		o.Status = StatusPendingPayment
	} else {
		o.ConfirmedAt = asOf
	}
	if code != nil {
		o.PromoCodeID = code.ID
	}
	if link != nil {
		commission := pricing.ComputeCommission(breakdown, ev, link)
		o.Promoter = &commission
	}
	return o, nil
}

// commit writes o in one transaction. created is false when an order with
// the same id already existed.
func (c *Coordinator) commit(ctx context.Context, o *Order, req CreateOrderRequest) (*Order, bool, error) {
	buyer := generic.Actor{UID: req.Buyer.UserID, Role: generic.RoleCustomer}
	var saved *Order
	created := false
	err := c.Runner.Run(ctx, func(ctx context.Context, tx generic.Tx) error {
		created = false
		prior, err := LoadTx(ctx, tx, o.ID)
		if err == nil {
			saved = prior
			return nil
		}
		if !errors.Is(err, generic.ErrNotFound) {
			return err
		}

		next := *o
		if _, err := c.Inventory.DecrementTx(ctx, tx, o.EventID, o.Items, o.ID); err != nil {
			return err
		}
		if o.ReservationID != "" {
			if _, err := c.Reservations.ConvertTx(ctx, tx, o.ReservationID, o.ID); err != nil {
				return err
			}
		}
		if o.PromoCodeID != "" {
			red, err := c.Promos.RedeemTx(ctx, tx, o.PromoCodeID, o.ID, o.Buyer.UserID, o.Pricing.Discount(pricing.SourcePromoCode))
			if err != nil {
				return err
			}
			next.PromoRedemption = red.ID
		}
		if err := generic.AppendAudit(tx, o.CreatedAt, buyer, generic.AuditOrderCreated, o.ID, map[string]any{
			"status":      next.Status,
			"grand_total": next.Pricing.GrandTotal,
		}); err != nil {
			return err
		}
		if err := SaveTx(tx, &next); err != nil {
			return err
		}
		saved = &next
		created = true
		return nil
	})
	return saved, created, err
}

// sameItems reports whether a and b ask for the same quantity of each tier.
func sameItems(a, b []catalog.LineItem) bool {
	want := map[string]int{}
	for _, it := range b {
		want[it.TierID] += it.Quantity
	}
	for _, it := range a {
		want[it.TierID] -= it.Quantity
	}
	for _, n := range want {
		if n != 0 {
			return false
		}
	}
	return true
}

// sameRequest returns the existing order for a replayed idempotency key, or
// an error when the key was reused by a different buyer or event.
func sameRequest(existing *Order, req CreateOrderRequest) (*Order, error) {
	if existing.EventID != req.EventID || existing.Buyer.UserID != req.Buyer.UserID {
		return nil, fmt.Errorf("order %s: %w", existing.ID, generic.ErrDuplicateIdempotencyKey)
	}
	return existing, nil
}

func checkReservation(res *reservation.Reservation, req CreateOrderRequest, orderID string, now time.Time) error {
	if res.EventID != req.EventID {
		return generic.NewValidationError("reservation_id", "reservation %s belongs to another event", res.ID)
	}
	if res.Status == reservation.StatusConverted && res.OrderID == orderID {
		return nil
	}
	switch res.EffectiveStatus(now) {
	case reservation.StatusActive:
		return nil
	case reservation.StatusExpired:
		return fmt.Errorf("reservation %s: %w", res.ID, generic.ErrReservationExpired)
	default:
		return fmt.Errorf("reservation %s is %s: %w", res.ID, res.Status, generic.ErrReservationNotActive)
	}
}

// =============================================================================
// READS
// =============================================================================

func (c *Coordinator) Get(ctx context.Context, id string) (*Order, error) {
	return LoadTx(ctx, c.Runner.Store(), id)
}

func (c *Coordinator) ListByEvent(ctx context.Context, eventID string) ([]Order, error) {
	return generic.ListJSON[Order](ctx, c.Runner.Store(), CollectionOrders, eventID)
}

// =============================================================================
// STATUS
// =============================================================================

// UpdateStatus drives an order forward. Moving to the current status is a
// no-op; cancellation goes through Cancel so inventory is restored. Refund
// states are reachable only through the refund workflow.
func (c *Coordinator) UpdateStatus(ctx context.Context, id string, to Status, actor generic.Actor) (*Order, error) {
	if to == StatusCancelled {
		return c.Cancel(ctx, id, actor, "")
	}
	return c.transition(ctx, id, to, actor, nil)
}

// ConfirmPayment records the captured payment and confirms the order.
func (c *Coordinator) ConfirmPayment(ctx context.Context, id, paymentID string) (*Order, error) {
	if paymentID == "" {
		return nil, generic.NewValidationError("payment_id", "is required")
	}
	return c.transition(ctx, id, StatusConfirmed, generic.SystemActor, func(o *Order) {
		o.PaymentID = paymentID
	})
}

func (c *Coordinator) transition(ctx context.Context, id string, to Status, actor generic.Actor, mutate func(*Order)) (*Order, error) {
	var saved *Order
	first := false
	err := c.Runner.Run(ctx, func(ctx context.Context, tx generic.Tx) error {
		first = false
		o, err := LoadTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if o.Status == to {
			saved = o
			return nil
		}
		if !CanUpdate(o.Status, to) {
			return &generic.TransitionError{Entity: "order", ID: o.ID, From: string(o.Status), To: string(to)}
		}
		if mutate != nil {
			mutate(o)
		}
		first, err = TransitionTx(tx, o, to, actor, c.Clock.Now().UTC())
		if err != nil {
			return err
		}
		saved = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	if first {
		c.announceConfirmation(ctx, saved)
	}
	return saved, nil
}

// Cancel restores inventory and marks the order cancelled in one
// transaction. Only pending_payment and confirmed orders can be cancelled.
func (c *Coordinator) Cancel(ctx context.Context, id string, actor generic.Actor, reason string) (*Order, error) {
	var saved *Order
	err := c.Runner.Run(ctx, func(ctx context.Context, tx generic.Tx) error {
		o, err := LoadTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if !CanTransition(o.Status, StatusCancelled) {
			return &generic.TransitionError{Entity: "order", ID: o.ID, From: string(o.Status), To: string(StatusCancelled)}
		}
		if _, err := c.Inventory.RestoreTx(ctx, tx, o.EventID, o.Items, o.ID); err != nil {
			return err
		}
		now := c.Clock.Now().UTC()
		o.CancellationNote = reason
		if err := generic.AppendAudit(tx, now, actor, generic.AuditOrderCancelled, o.ID, map[string]any{"reason": reason}); err != nil {
			return err
		}
		if _, err := TransitionTx(tx, o, StatusCancelled, actor, now); err != nil {
			return err
		}
		saved = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.Logger.WithFields(logrus.Fields{"order_id": saved.ID, "reason": reason}).Info("order cancelled")
	c.notify(ctx, events.OrderCancelled{
		Header:  events.NewHeader("order-cancelled-"+saved.ID, c.Clock.Now()),
		OrderID: saved.ID,
		EventID: saved.EventID,
		Reason:  reason,
	})
	return saved, nil
}

// MarkEntryUsed flags a confirmed order as checked in. Refunds of used
// orders always need an approver.
func (c *Coordinator) MarkEntryUsed(ctx context.Context, id string) (*Order, error) {
	var saved *Order
	err := c.Runner.Run(ctx, func(ctx context.Context, tx generic.Tx) error {
		o, err := LoadTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if o.EntryUsed {
			saved = o
			return nil
		}
		if o.Status != StatusConfirmed {
			return &generic.TransitionError{Entity: "order", ID: o.ID, From: string(o.Status), To: "checked_in"}
		}
		o.EntryUsed = true
		o.UpdatedAt = c.Clock.Now().UTC()
		saved = o
		return SaveTx(tx, o)
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// =============================================================================
// NOTIFICATIONS - Failures are logged, never returned
// =============================================================================

func (c *Coordinator) announceConfirmation(ctx context.Context, o *Order) {
	now := c.Clock.Now()
	c.notify(ctx, events.OrderConfirmed{
		Header:     events.NewHeader("order-confirmed-"+o.ID, now),
		OrderID:    o.ID,
		EventID:    o.EventID,
		BuyerID:    o.Buyer.UserID,
		BuyerEmail: o.Buyer.Email,
		Items:      o.Items,
		GrandTotal: o.Pricing.GrandTotal,
	})
	if o.Promoter != nil {
		c.notify(ctx, events.PromoterConversion{
			Header:     events.NewHeader("promoter-conversion-"+o.ID, now),
			OrderID:    o.ID,
			EventID:    o.EventID,
			LinkID:     o.Promoter.LinkID,
			PromoterID: o.Promoter.PromoterID,
			Code:       o.Promoter.Code,
			Commission: o.Promoter.Amount,
		})
	}
}

func (c *Coordinator) notify(ctx context.Context, event any) {
	if err := c.Notifier.Notify(ctx, event); err != nil {
		c.Logger.WithError(err).WithField("event", fmt.Sprintf("%T", event)).Warn("notification failed")
	}
}
