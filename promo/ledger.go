/*
Package promo owns promo-code redemption counting and promoter referrals.

PURPOSE:
  PromoCode.RedemptionCount is the second hot counter of the engine. The
  Ledger is its only writer, and every increment is paired with an
  immutable Redemption record in the same transaction.

VALIDATE vs REDEEM:
  Validate is advisory (checkout preview): rule failures come back as a
  Reason string, only store failures are errors. Redeem runs at commit
  inside the order transaction, re-checks the caps against the counter it
  just read, and fails hard (PromoCodeExhausted / PromoCodeInvalid) so the
  order aborts instead of overspending the code.

IDEMPOTENCY:
  Redemptions are keyed by (code, order). Redeeming again for the same
  order returns the existing record without counting twice.

CONCURRENCY:
  Every redemption reads and rewrites the code document, so concurrent
  redemptions of one code conflict and are re-run by the Runner against the
  fresh counter. The per-user count is listed inside the same transaction
  and is protected by the same conflict.

SEE ALSO:
  - promoter.go: Referral links and conversion recording
  - order/order.go: RedeemTx inside order creation
*/
package promo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/warp/ticket-engine/catalog"
	"github.com/warp/ticket-engine/generic"
	"github.com/warp/ticket-engine/pricing"
)

const CollectionRedemptions generic.Collection = "promo_redemptions"

const (
	ReasonNotFound      = "code not found"
	ReasonInactive      = "code inactive"
	ReasonNotStarted    = "code not yet valid"
	ReasonExpired       = "code expired"
	ReasonExhausted     = "usage limit reached"
	ReasonAlreadyUsed   = "already used"
	ReasonNotApplicable = "not applicable to selected tickets"
)

// Redemption is immutable once written.
type Redemption struct {
	ID         string        `json:"id"`
	CodeID     string        `json:"code_id"`
	Code       string        `json:"code"`
	EventID    string        `json:"event_id"`
	OrderID    string        `json:"order_id"`
	UserID     string        `json:"user_id"`
	Amount     generic.Money `json:"amount"`
	RedeemedAt time.Time     `json:"redeemed_at"`
}

func redemptionKey(codeID, orderID string) string { return codeID + "/" + orderID }

// Validation is the outcome of an advisory check.
type Validation struct {
	Valid          bool               `json:"valid"`
	Code           *catalog.PromoCode `json:"code,omitempty"`
	DiscountAmount generic.Money      `json:"discount_amount"`
	Reason         string             `json:"reason,omitempty"`
}

type Ledger struct {
	runner *generic.Runner
	engine *pricing.Engine
	clock  generic.Clock
	logger logrus.FieldLogger
}

func NewLedger(runner *generic.Runner, engine *pricing.Engine, clock generic.Clock, logger logrus.FieldLogger) *Ledger {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Ledger{runner: runner, engine: engine, clock: clock, logger: logger}
}

// =============================================================================
// AUTHORING
// =============================================================================

// CreateCode stores a new code for an event. The code is normalized and
// must be unique within the event.
func (l *Ledger) CreateCode(ctx context.Context, pc catalog.PromoCode) (*catalog.PromoCode, error) {
	if err := pc.Validate(); err != nil {
		return nil, err
	}
	pc.Code = catalog.NormalizeCode(pc.Code)
	pc.ID = catalog.PromoCodeID(pc.EventID, pc.Code)
	pc.RedemptionCount = 0
	pc.CreatedAt = l.clock.Now().UTC()

	err := l.runner.Run(ctx, func(ctx context.Context, tx generic.Tx) error {
		if _, err := catalog.GetEvent(ctx, tx, pc.EventID); err != nil {
			return err
		}
		exists, err := generic.Exists(ctx, tx, catalog.CollectionPromoCodes, pc.ID)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("promo code %s: %w", pc.ID, generic.ErrDuplicateIdempotencyKey)
		}
		return catalog.PutPromoCode(tx, &pc)
	})
	if err != nil {
		return nil, err
	}
	return &pc, nil
}

// Lookup finds an event's code by its user-entered form.
func (l *Ledger) Lookup(ctx context.Context, eventID, code string) (*catalog.PromoCode, error) {
	return catalog.GetPromoCode(ctx, l.runner.Store(), catalog.PromoCodeID(eventID, code))
}

// =============================================================================
// VALIDATE - Advisory
// =============================================================================

type ValidateRequest struct {
	EventID string
	Code    string
	UserID  string
	Items   []catalog.LineItem
	AsOf    time.Time
}

// Validate checks, in order: exists, active, window, global cap, per-user
// cap, eligible item. The discount is priced against the request's items.
func (l *Ledger) Validate(ctx context.Context, req ValidateRequest) (*Validation, error) {
	if req.AsOf.IsZero() {
		req.AsOf = l.clock.Now()
	}
	r := l.runner.Store()

	pc, err := catalog.GetPromoCode(ctx, r, catalog.PromoCodeID(req.EventID, req.Code))
	if errors.Is(err, generic.ErrNotFound) {
		return &Validation{Reason: ReasonNotFound}, nil
	}
	if err != nil {
		return nil, err
	}

	invalid := func(reason string) (*Validation, error) {
		return &Validation{Code: pc, Reason: reason}, nil
	}

	switch {
	case !pc.Active:
		return invalid(ReasonInactive)
	case pc.Validity.NotStarted(req.AsOf):
		return invalid(ReasonNotStarted)
	case pc.Validity.Ended(req.AsOf):
		return invalid(ReasonExpired)
	case pc.MaxRedemptions > 0 && pc.RedemptionCount >= pc.MaxRedemptions:
		return invalid(ReasonExhausted)
	}

	if pc.MaxPerUser > 0 {
		used, err := userRedemptions(ctx, r, pc.ID, req.UserID)
		if err != nil {
			return nil, err
		}
		if used >= pc.MaxPerUser {
			return invalid(ReasonAlreadyUsed)
		}
	}

	eligible := false
	for _, it := range req.Items {
		if pc.AppliesTo(it.TierID) {
			eligible = true
			break
		}
	}
	if !eligible {
		return invalid(ReasonNotApplicable)
	}

	ev, err := catalog.GetEvent(ctx, r, req.EventID)
	if err != nil {
		return nil, err
	}
	b := l.engine.ComputeOrder(ev, req.Items, pricing.Options{PromoCode: pc, AsOf: req.AsOf})

	return &Validation{Valid: true, Code: pc, DiscountAmount: b.Discount(pricing.SourcePromoCode)}, nil
}

// =============================================================================
// REDEEM - Transactional
// =============================================================================

func (l *Ledger) Redeem(ctx context.Context, codeID, orderID, userID string, amount generic.Money) (*Redemption, error) {
	var red *Redemption
	err := l.runner.Run(ctx, func(ctx context.Context, tx generic.Tx) error {
		var err error
		red, err = l.RedeemTx(ctx, tx, codeID, orderID, userID, amount)
		return err
	})
	if err != nil {
		return nil, err
	}
	return red, nil
}

// RedeemTx stages a redemption and the counter increment on tx.
func (l *Ledger) RedeemTx(ctx context.Context, tx generic.Tx, codeID, orderID, userID string, amount generic.Money) (*Redemption, error) {
	var existing Redemption
	err := generic.GetJSON(ctx, tx, CollectionRedemptions, redemptionKey(codeID, orderID), &existing)
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, generic.ErrNotFound) {
		return nil, err
	}

	pc, err := catalog.GetPromoCode(ctx, tx, codeID)
	if err != nil {
		return nil, err
	}
	if !pc.Active {
		return nil, &generic.PromoCodeError{Code: pc.Code, Reason: ReasonInactive}
	}
	if pc.MaxRedemptions > 0 && pc.RedemptionCount >= pc.MaxRedemptions {
		return nil, &generic.PromoCodeError{Code: pc.Code, Reason: ReasonExhausted, Exhausted: true}
	}
	if pc.MaxPerUser > 0 {
		used, err := userRedemptions(ctx, tx, codeID, userID)
		if err != nil {
			return nil, err
		}
		if used >= pc.MaxPerUser {
			return nil, &generic.PromoCodeError{Code: pc.Code, Reason: ReasonAlreadyUsed}
		}
	}

	now := l.clock.Now().UTC()
	red := &Redemption{
		ID:         uuid.NewString(),
		CodeID:     codeID,
		Code:       pc.Code,
		EventID:    pc.EventID,
		OrderID:    orderID,
		UserID:     userID,
		Amount:     amount,
		RedeemedAt: now,
	}
	if err := generic.PutJSON(tx, CollectionRedemptions, redemptionKey(codeID, orderID), codeID, red); err != nil {
		return nil, err
	}

	pc.RedemptionCount++
	if err := catalog.PutPromoCode(tx, pc); err != nil {
		return nil, err
	}

	actor := generic.Actor{UID: userID, Role: generic.RoleCustomer}
	if err := generic.AppendAudit(tx, now, actor, generic.AuditPromoRedeemed, codeID, map[string]any{
		"order_id": orderID,
		"amount":   amount,
	}); err != nil {
		return nil, err
	}
	return red, nil
}

// RedemptionCount is read by promoter and commission reporting.
func (l *Ledger) RedemptionCount(ctx context.Context, codeID string) (int, error) {
	pc, err := catalog.GetPromoCode(ctx, l.runner.Store(), codeID)
	if err != nil {
		return 0, err
	}
	return pc.RedemptionCount, nil
}

func (l *Ledger) ListRedemptions(ctx context.Context, codeID string) ([]Redemption, error) {
	return generic.ListJSON[Redemption](ctx, l.runner.Store(), CollectionRedemptions, codeID)
}

func userRedemptions(ctx context.Context, r generic.Reader, codeID, userID string) (int, error) {
	all, err := generic.ListJSON[Redemption](ctx, r, CollectionRedemptions, codeID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, red := range all {
		if red.UserID == userID {
			n++
		}
	}
	return n, nil
}
