/*
Package refund implements the refund approval and settlement workflow.

PURPOSE:
  A refund is a request to reverse (part of) a confirmed order's payment.
  Small refunds settle immediately, larger ones wait for one or two distinct
  approvers. Settlement calls the payment gateway and only then restores
  inventory and marks the order refunded.

STATE MACHINE:
  ┌─────────┐ approvals met ┌──────────┐        ┌────────────┐   ok   ┌───────────┐
  │ pending │──────────────▶│ approved │───────▶│ processing │───────▶│ completed │
  └─────────┘               └──────────┘        └────────────┘        └───────────┘
     │   │                                         ▲  ↺  │ gateway or
     │   └──▶ rejected                             │     ▼ settlement error
     └──────▶ cancelled                  ProcessRefund ┌────────┐
                                         (manual only) │ failed │
                                                       └────────┘
  ↺ ProcessRefund may also re-drive a refund left in processing when the
    process died between the gateway call and settlement.

APPROVALS:
  RequiredApprovals comes from the ApprovalPolicy at creation time and never
  changes. Each approver is stamped once; reaching the required count moves
  the refund to approved and immediately processes it.

IDEMPOTENCY:
  Every refund carries one key ("refund-<uuid>") for its whole life. Retries
  of a failed refund reuse it, so the gateway can never reverse twice.
  ProcessRefund on a completed refund returns without calling the gateway.

ORDER EFFECTS:
  create              order confirmed -> refund_requested
  reject / cancel     order -> confirmed
  completed, full     inventory restored, order -> refunded
  completed, partial  RefundedAmount increased, order -> confirmed
  failed              order and inventory untouched

SEE ALSO:
  - policy.go: Threshold policy
  - order/order.go: LoadTx / SaveTx / TransitionTx
  - payments/payments.go: ChargeReverser
*/
package refund

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/warp/ticket-engine/events"
	"github.com/warp/ticket-engine/generic"
	"github.com/warp/ticket-engine/inventory"
	"github.com/warp/ticket-engine/order"
	"github.com/warp/ticket-engine/payments"
)

const CollectionRefunds generic.Collection = "refunds"

type Status string

const (
	StatusPending    Status = "pending"
	StatusApproved   Status = "approved"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRejected   Status = "rejected"
	StatusCancelled  Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusApproved, StatusRejected, StatusCancelled},
	StatusApproved:   {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusProcessing},
	StatusFailed:     {StatusProcessing},
}

func canTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// Approval is one approver stamp.
type Approval struct {
	ActorID    string       `json:"actor_id"`
	Role       generic.Role `json:"role"`
	ApprovedAt time.Time    `json:"approved_at"`
}

type Refund struct {
	ID                string        `json:"id"`
	OrderID           string        `json:"order_id"`
	EventID           string        `json:"event_id"`
	PaymentID         string        `json:"payment_id"`
	Amount            generic.Money `json:"amount"`
	Partial           bool          `json:"partial"`
	RequiredApprovals int           `json:"required_approvals"`
	Approvals         []Approval    `json:"approvals"`
	Status            Status        `json:"status"`
	IdempotencyKey    string        `json:"idempotency_key"`
	RequestedBy       generic.Actor `json:"requested_by"`
	Reason            string        `json:"reason,omitempty"`

	RejectionReason  string `json:"rejection_reason,omitempty"`
	ExternalRefundID string `json:"external_refund_id,omitempty"`
	FailureReason    string `json:"failure_reason,omitempty"`
	Attempts         int    `json:"attempts"`

	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

func (r *Refund) approvedBy(actorID string) bool {
	for _, a := range r.Approvals {
		if a.ActorID == actorID {
			return true
		}
	}
	return false
}

// =============================================================================
// SERVICE
// =============================================================================

type Deps struct {
	Runner    *generic.Runner
	Clock     generic.Clock
	Inventory *inventory.Ledger
	Gateway   payments.ChargeReverser
	Policy    ApprovalPolicy
	// ApproverRoles may approve and reject. Defaults to admin and finance.
	ApproverRoles []generic.Role
	Notifier      events.Notifier
	Logger        logrus.FieldLogger
}

type Service struct {
	Deps
}

func NewService(deps Deps) *Service {
	if deps.Policy == nil {
		deps.Policy = DefaultThresholds()
	}
	if len(deps.ApproverRoles) == 0 {
		deps.ApproverRoles = []generic.Role{generic.RoleAdmin, generic.RoleFinance}
	}
	if deps.Notifier == nil {
		deps.Notifier = events.Discard
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	return &Service{Deps: deps}
}

type CreateRequest struct {
	OrderID string
	// Amount of zero refunds everything still refundable.
	Amount      generic.Money
	RequestedBy generic.Actor
	Reason      string
}

// CreateRefundRequest opens a refund against a confirmed order. When the
// policy requires no approver the refund is processed before returning;
// a gateway failure then comes back together with the failed refund.
func (s *Service) CreateRefundRequest(ctx context.Context, req CreateRequest) (*Refund, error) {
	if req.OrderID == "" {
		return nil, generic.NewValidationError("order_id", "is required")
	}
	if req.Amount.IsNegative() {
		return nil, generic.NewValidationError("amount", "must not be negative")
	}

	var created *Refund
	err := s.Runner.Run(ctx, func(ctx context.Context, tx generic.Tx) error {
		o, err := order.LoadTx(ctx, tx, req.OrderID)
		if err != nil {
			return err
		}
		if o.Status != order.StatusConfirmed {
			return &generic.TransitionError{Entity: "order", ID: o.ID, From: string(o.Status), To: string(order.StatusRefundRequested)}
		}

		refundable := o.Refundable()
		amount := req.Amount
		if amount == 0 {
			amount = refundable
		}
		if !amount.IsPositive() || amount > refundable {
			return generic.NewValidationError("amount", "must be in (0, %s]", refundable)
		}

		now := s.Clock.Now().UTC()
		paymentID := o.PaymentID
		if paymentID == "" {
			paymentID = o.ID
		}
		r := &Refund{
			ID:                uuid.NewString(),
			OrderID:           o.ID,
			EventID:           o.EventID,
			PaymentID:         paymentID,
			Amount:            amount,
			Partial:           amount < refundable,
			RequiredApprovals: s.Policy.RequiredApprovals(o, amount),
			Status:            StatusPending,
			RequestedBy:       req.RequestedBy,
			Reason:            req.Reason,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		r.IdempotencyKey = "refund-" + r.ID
		if r.RequiredApprovals == 0 {
			r.Status = StatusApproved
		}

		if _, err := order.TransitionTx(tx, o, order.StatusRefundRequested, req.RequestedBy, now); err != nil {
			return err
		}
		if err := generic.AppendAudit(tx, now, req.RequestedBy, generic.AuditRefundRequested, r.ID, map[string]any{
			"order_id":           r.OrderID,
			"amount":             r.Amount,
			"required_approvals": r.RequiredApprovals,
		}); err != nil {
			return err
		}
		if r.Status == StatusApproved {
			if err := generic.AppendAudit(tx, now, generic.SystemActor, generic.AuditRefundApproved, r.ID, map[string]any{"auto": true}); err != nil {
				return err
			}
		}
		created = r
		return save(tx, r)
	})
	if err != nil {
		return nil, err
	}

	s.Logger.WithFields(logrus.Fields{
		"refund_id":          created.ID,
		"order_id":           created.OrderID,
		"amount":             created.Amount,
		"required_approvals": created.RequiredApprovals,
	}).Info("refund requested")

	if created.Status == StatusApproved {
		return s.ProcessRefund(ctx, created.ID)
	}
	return created, nil
}

// Approve stamps actor on a pending refund and processes it once the
// required number of distinct approvers is reached.
func (s *Service) Approve(ctx context.Context, id string, actor generic.Actor) (*Refund, error) {
	if err := s.authorize(actor); err != nil {
		return nil, err
	}

	var saved *Refund
	err := s.Runner.Run(ctx, func(ctx context.Context, tx generic.Tx) error {
		r, err := load(ctx, tx, id)
		if err != nil {
			return err
		}
		if r.Status != StatusPending {
			return fmt.Errorf("refund %s is %s: %w", r.ID, r.Status, generic.ErrRefundAlreadyResolved)
		}
		if r.approvedBy(actor.UID) {
			return fmt.Errorf("%s already approved refund %s: %w", actor.UID, r.ID, generic.ErrRefundUnauthorized)
		}

		now := s.Clock.Now().UTC()
		r.Approvals = append(r.Approvals, Approval{ActorID: actor.UID, Role: actor.Role, ApprovedAt: now})
		r.UpdatedAt = now
		if len(r.Approvals) >= r.RequiredApprovals {
			r.Status = StatusApproved
		}
		if err := generic.AppendAudit(tx, now, actor, generic.AuditRefundApproved, r.ID, map[string]any{
			"approvals": len(r.Approvals),
			"required":  r.RequiredApprovals,
		}); err != nil {
			return err
		}
		saved = r
		return save(tx, r)
	})
	if err != nil {
		return nil, err
	}

	s.Logger.WithFields(logrus.Fields{
		"refund_id": saved.ID,
		"approver":  actor.UID,
		"approvals": len(saved.Approvals),
		"required":  saved.RequiredApprovals,
	}).Info("refund approval recorded")

	if saved.Status == StatusApproved {
		return s.ProcessRefund(ctx, saved.ID)
	}
	return saved, nil
}

// Reject closes a pending refund and returns the order to confirmed.
func (s *Service) Reject(ctx context.Context, id string, actor generic.Actor, reason string) (*Refund, error) {
	if err := s.authorize(actor); err != nil {
		return nil, err
	}
	return s.close(ctx, id, actor, StatusRejected, generic.AuditRefundRejected, reason)
}

// Cancel withdraws a pending refund. Only the requester or an approver may
// cancel.
func (s *Service) Cancel(ctx context.Context, id string, actor generic.Actor) (*Refund, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.UID != r.RequestedBy.UID {
		if err := s.authorize(actor); err != nil {
			return nil, err
		}
	}
	return s.close(ctx, id, actor, StatusCancelled, generic.AuditRefundCancelled, "")
}

func (s *Service) close(ctx context.Context, id string, actor generic.Actor, to Status, action generic.AuditAction, reason string) (*Refund, error) {
	var saved *Refund
	err := s.Runner.Run(ctx, func(ctx context.Context, tx generic.Tx) error {
		r, err := load(ctx, tx, id)
		if err != nil {
			return err
		}
		if r.Status != StatusPending {
			return fmt.Errorf("refund %s is %s: %w", r.ID, r.Status, generic.ErrRefundAlreadyResolved)
		}
		o, err := order.LoadTx(ctx, tx, r.OrderID)
		if err != nil {
			return err
		}

		now := s.Clock.Now().UTC()
		if _, err := order.TransitionTx(tx, o, order.StatusConfirmed, actor, now); err != nil {
			return err
		}
		r.Status = to
		r.RejectionReason = reason
		r.UpdatedAt = now
		if err := generic.AppendAudit(tx, now, actor, action, r.ID, map[string]any{"reason": reason}); err != nil {
			return err
		}
		saved = r
		return save(tx, r)
	})
	if err != nil {
		return nil, err
	}

	s.Logger.WithFields(logrus.Fields{"refund_id": saved.ID, "status": saved.Status}).Info("refund closed")
	return saved, nil
}

func (s *Service) authorize(actor generic.Actor) error {
	if actor.UID == "" || !slices.Contains(s.ApproverRoles, actor.Role) {
		return fmt.Errorf("role %q may not approve refunds: %w", actor.Role, generic.ErrRefundUnauthorized)
	}
	return nil
}

// =============================================================================
// PROCESSING
// =============================================================================

// ProcessRefund reverses the charge for an approved, failed or stuck
// processing refund. A completed refund is returned as is. A gateway
// failure marks the refund failed and returns a ChargeReversalError
// together with the refund.
func (s *Service) ProcessRefund(ctx context.Context, id string) (*Refund, error) {
	var r *Refund
	done := false
	err := s.Runner.Run(ctx, func(ctx context.Context, tx generic.Tx) error {
		done = false
		var err error
		r, err = load(ctx, tx, id)
		if err != nil {
			return err
		}
		if r.Status == StatusCompleted {
			done = true
			return nil
		}
		if !canTransition(r.Status, StatusProcessing) {
			return &generic.TransitionError{Entity: "refund", ID: r.ID, From: string(r.Status), To: string(StatusProcessing)}
		}

		now := s.Clock.Now().UTC()
		r.Status = StatusProcessing
		r.Attempts++
		r.UpdatedAt = now
		if err := generic.AppendAudit(tx, now, generic.SystemActor, generic.AuditRefundProcessing, r.ID, map[string]any{
			"attempt":         r.Attempts,
			"idempotency_key": r.IdempotencyKey,
		}); err != nil {
			return err
		}
		return save(tx, r)
	})
	if err != nil {
		return nil, err
	}
	if done {
		return r, nil
	}

	logger := s.Logger.WithFields(logrus.Fields{
		"refund_id":       r.ID,
		"order_id":        r.OrderID,
		"idempotency_key": r.IdempotencyKey,
	})

	externalID, gwErr := s.Gateway.ReverseCharge(ctx, r.PaymentID, r.Amount, r.IdempotencyKey)
	if gwErr != nil {
		failed, err := s.markFailed(ctx, id, gwErr)
		if err != nil {
			return nil, errors.Join(err, gwErr)
		}
		logger.WithError(gwErr).Error("charge reversal failed")
		s.notify(ctx, events.RefundFailed{
			Header:   events.NewHeader(fmt.Sprintf("refund-failed-%s-%d", failed.ID, failed.Attempts), s.Clock.Now()),
			RefundID: failed.ID,
			OrderID:  failed.OrderID,
			Amount:   failed.Amount,
			Error:    gwErr.Error(),
		})
		return failed, &generic.ChargeReversalError{RefundID: failed.ID, IdempotencyKey: failed.IdempotencyKey, Err: gwErr}
	}

	completed, err := s.complete(ctx, id, externalID)
	if err != nil {
		// The charge is already reversed; park the refund in failed so a
		// retry settles it under the same key.
		logger.WithError(err).WithField("external_refund_id", externalID).Error("refund settlement failed")
		if _, ferr := s.markFailed(context.WithoutCancel(ctx), id, err); ferr != nil {
			logger.WithError(ferr).Error("refund left in processing")
		}
		return nil, err
	}
	logger.WithField("external_refund_id", externalID).Info("refund completed")
	s.notify(ctx, events.RefundCompleted{
		Header:           events.NewHeader("refund-completed-"+completed.ID, s.Clock.Now()),
		RefundID:         completed.ID,
		OrderID:          completed.OrderID,
		Amount:           completed.Amount,
		Partial:          completed.Partial,
		ExternalRefundID: externalID,
	})
	return completed, nil
}

func (s *Service) complete(ctx context.Context, id, externalID string) (*Refund, error) {
	var saved *Refund
	err := s.Runner.Run(ctx, func(ctx context.Context, tx generic.Tx) error {
		r, err := load(ctx, tx, id)
		if err != nil {
			return err
		}
		if r.Status == StatusCompleted {
			saved = r
			return nil
		}
		if !canTransition(r.Status, StatusCompleted) {
			return &generic.TransitionError{Entity: "refund", ID: r.ID, From: string(r.Status), To: string(StatusCompleted)}
		}
		o, err := order.LoadTx(ctx, tx, r.OrderID)
		if err != nil {
			return err
		}

		now := s.Clock.Now().UTC()
		o.RefundedAmount += r.Amount
		next := order.StatusConfirmed
		if !r.Partial {
			if _, err := s.Inventory.RestoreTx(ctx, tx, o.EventID, o.Items, r.ID); err != nil {
				return err
			}
			next = order.StatusRefunded
		}
		if _, err := order.TransitionTx(tx, o, next, generic.SystemActor, now); err != nil {
			return err
		}

		r.Status = StatusCompleted
		r.ExternalRefundID = externalID
		r.FailureReason = ""
		r.CompletedAt = now
		r.UpdatedAt = now
		if err := generic.AppendAudit(tx, now, generic.SystemActor, generic.AuditRefundCompleted, r.ID, map[string]any{
			"external_refund_id": externalID,
			"partial":            r.Partial,
		}); err != nil {
			return err
		}
		saved = r
		return save(tx, r)
	})
	return saved, err
}

func (s *Service) markFailed(ctx context.Context, id string, cause error) (*Refund, error) {
	var saved *Refund
	err := s.Runner.Run(ctx, func(ctx context.Context, tx generic.Tx) error {
		r, err := load(ctx, tx, id)
		if err != nil {
			return err
		}
		if !canTransition(r.Status, StatusFailed) {
			return &generic.TransitionError{Entity: "refund", ID: r.ID, From: string(r.Status), To: string(StatusFailed)}
		}
		now := s.Clock.Now().UTC()
		r.Status = StatusFailed
		r.FailureReason = cause.Error()
		r.UpdatedAt = now
		if err := generic.AppendAudit(tx, now, generic.SystemActor, generic.AuditRefundFailed, r.ID, map[string]any{
			"error": cause.Error(),
		}); err != nil {
			return err
		}
		saved = r
		return save(tx, r)
	})
	return saved, err
}

func (s *Service) notify(ctx context.Context, event any) {
	if err := s.Notifier.Notify(ctx, event); err != nil {
		s.Logger.WithError(err).WithField("event", fmt.Sprintf("%T", event)).Warn("notification failed")
	}
}

// =============================================================================
// READS
// =============================================================================

func (s *Service) Get(ctx context.Context, id string) (*Refund, error) {
	return load(ctx, s.Runner.Store(), id)
}

// ListPending returns refunds waiting for approvers, oldest first.
func (s *Service) ListPending(ctx context.Context) ([]Refund, error) {
	all, err := generic.ListJSON[Refund](ctx, s.Runner.Store(), CollectionRefunds, "")
	if err != nil {
		return nil, err
	}
	pending := all[:0]
	for _, r := range all {
		if r.Status == StatusPending {
			pending = append(pending, r)
		}
	}
	slices.SortFunc(pending, func(a, b Refund) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return pending, nil
}

func (s *Service) ListByOrder(ctx context.Context, orderID string) ([]Refund, error) {
	return generic.ListJSON[Refund](ctx, s.Runner.Store(), CollectionRefunds, orderID)
}

func load(ctx context.Context, r generic.Reader, id string) (*Refund, error) {
	var ref Refund
	if err := generic.GetJSON(ctx, r, CollectionRefunds, id, &ref); err != nil {
		if errors.Is(err, generic.ErrNotFound) {
			return nil, fmt.Errorf("refund %s: %w", id, generic.ErrNotFound)
		}
		return nil, err
	}
	return &ref, nil
}

func save(tx generic.Tx, r *Refund) error {
	return generic.PutJSON(tx, CollectionRefunds, r.ID, r.OrderID, r)
}
