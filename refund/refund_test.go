package refund_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/ticket-engine/catalog"
	"github.com/warp/ticket-engine/generic"
	"github.com/warp/ticket-engine/generic/store"
	"github.com/warp/ticket-engine/inventory"
	"github.com/warp/ticket-engine/order"
	"github.com/warp/ticket-engine/pricing"
	"github.com/warp/ticket-engine/promo"
	"github.com/warp/ticket-engine/refund"
	"github.com/warp/ticket-engine/reservation"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	customer = generic.Actor{UID: "cust-1", Role: generic.RoleCustomer}
	admin    = generic.Actor{UID: "admin-1", Role: generic.RoleAdmin}
	finance  = generic.Actor{UID: "fin-1", Role: generic.RoleFinance}
)

type fakeGateway struct {
	mu   sync.Mutex
	keys []string
	fail error
	// after runs once the reversal has gone through.
	after func()
}

func (g *fakeGateway) ReverseCharge(_ context.Context, _ string, _ generic.Money, key string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.keys = append(g.keys, key)
	if g.after != nil {
		defer g.after()
	}
	if g.fail != nil {
		return "", g.fail
	}
	return "ext-" + key, nil
}

func (g *fakeGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.keys)
}

type fixture struct {
	runner    *generic.Runner
	refunds   *refund.Service
	orders    *order.Coordinator
	inventory *inventory.Ledger
	gateway   *fakeGateway
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	runner := generic.NewRunner(store.NewMemory(), generic.RetryPolicy{MaxRetries: 100}, nil)
	clock := clockwork.NewFakeClockAt(time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC))

	ev := &catalog.Event{ID: "evt-1", Tiers: []catalog.TicketTier{
		{ID: "cheap", Price: 40000, Total: 10, Remaining: 10, Visibility: catalog.VisibilityPublic},
		{ID: "ga", Price: 100000, Total: 10, Remaining: 10, Visibility: catalog.VisibilityPublic},
		{ID: "vip", Price: 600000, Total: 10, Remaining: 10, Visibility: catalog.VisibilityPublic},
	}}
	_, err := catalog.NewService(runner, clock).ImportEvent(context.Background(), ev)
	require.NoError(t, err)

	engine := pricing.NewEngine(pricing.FeePolicy{})
	inv := inventory.NewLedger(runner, clock, nil)
	gw := &fakeGateway{}
	return fixture{
		refunds: refund.NewService(refund.Deps{
			Runner:    runner,
			Clock:     clock,
			Inventory: inv,
			Gateway:   gw,
		}),
		orders: order.NewCoordinator(order.Deps{
			Runner:       runner,
			Clock:        clock,
			Pricing:      engine,
			Inventory:    inv,
			Reservations: reservation.NewManager(runner, clock, 0, nil),
			Promos:       promo.NewLedger(runner, engine, clock, nil),
			Promoters:    promo.NewBook(runner, clock, nil),
		}),
		inventory: inv,
		gateway:   gw,
		runner:    runner,
	}
}

func (f fixture) placeOrder(t *testing.T, tierID string, qty int) *order.Order {
	t.Helper()
	o, err := f.orders.CreateOrder(context.Background(), order.CreateOrderRequest{
		EventID:   "evt-1",
		Buyer:     order.Buyer{UserID: customer.UID},
		Items:     []catalog.LineItem{{TierID: tierID, Quantity: qty}},
		PaymentID: "pay-" + tierID,
	})
	require.NoError(t, err)
	return o
}

func (f fixture) remaining(t *testing.T, tierID string) int {
	t.Helper()
	rem, err := f.inventory.Remaining(context.Background(), "evt-1")
	require.NoError(t, err)
	return rem[tierID]
}

func (f fixture) orderStatus(t *testing.T, id string) *order.Order {
	t.Helper()
	o, err := f.orders.Get(context.Background(), id)
	require.NoError(t, err)
	return o
}

// =============================================================================
// APPROVAL THRESHOLDS
// =============================================================================

func TestCreateRefund_BelowFloor_CompletesWithoutApprover(t *testing.T) {
	// GIVEN: A ₹400 order
	// WHEN: A full refund is requested
	// THEN: The refund completes with no approver stamp, inventory is
	//       restored and the order is refunded

	f := newFixture(t)
	ctx := context.Background()
	o := f.placeOrder(t, "cheap", 1)
	require.Equal(t, generic.Money(40000), o.GrandTotal())
	require.Equal(t, 9, f.remaining(t, "cheap"))

	r, err := f.refunds.CreateRefundRequest(ctx, refund.CreateRequest{OrderID: o.ID, RequestedBy: customer})
	require.NoError(t, err)

	assert.Equal(t, refund.StatusCompleted, r.Status)
	assert.Zero(t, r.RequiredApprovals)
	assert.Empty(t, r.Approvals)
	assert.False(t, r.Partial)
	assert.Equal(t, 1, f.gateway.calls())
	assert.Equal(t, "ext-"+r.IdempotencyKey, r.ExternalRefundID)

	assert.Equal(t, 10, f.remaining(t, "cheap"))
	assert.Equal(t, order.StatusRefunded, f.orderStatus(t, o.ID).Status)
}

func TestCreateRefund_AboveCeiling_NeedsTwoDistinctApprovers(t *testing.T) {
	// GIVEN: A ₹6,000 order
	// WHEN: Two approvals arrive, the first approver trying twice
	// THEN: Still pending after one approval, duplicate rejected, completed
	//       only after a second distinct approver

	f := newFixture(t)
	ctx := context.Background()
	o := f.placeOrder(t, "vip", 1)

	r, err := f.refunds.CreateRefundRequest(ctx, refund.CreateRequest{OrderID: o.ID, RequestedBy: customer, Reason: "cannot attend"})
	require.NoError(t, err)
	assert.Equal(t, refund.StatusPending, r.Status)
	assert.Equal(t, 2, r.RequiredApprovals)
	assert.Equal(t, order.StatusRefundRequested, f.orderStatus(t, o.ID).Status)

	r, err = f.refunds.Approve(ctx, r.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, refund.StatusPending, r.Status)
	assert.Zero(t, f.gateway.calls())

	_, err = f.refunds.Approve(ctx, r.ID, admin)
	assert.ErrorIs(t, err, generic.ErrRefundUnauthorized)

	r, err = f.refunds.Approve(ctx, r.ID, finance)
	require.NoError(t, err)
	assert.Equal(t, refund.StatusCompleted, r.Status)
	assert.Len(t, r.Approvals, 2)
	assert.Equal(t, 1, f.gateway.calls())
	assert.Equal(t, order.StatusRefunded, f.orderStatus(t, o.ID).Status)

	_, err = f.refunds.Approve(ctx, r.ID, generic.Actor{UID: "admin-2", Role: generic.RoleAdmin})
	assert.ErrorIs(t, err, generic.ErrRefundAlreadyResolved)
}

func TestApprove_WrongRole_Unauthorized(t *testing.T) {
	f := newFixture(t)
	o := f.placeOrder(t, "ga", 1)
	r, err := f.refunds.CreateRefundRequest(context.Background(), refund.CreateRequest{OrderID: o.ID, RequestedBy: customer})
	require.NoError(t, err)

	_, err = f.refunds.Approve(context.Background(), r.ID, customer)
	assert.ErrorIs(t, err, generic.ErrRefundUnauthorized)
}

func TestCreateRefund_EntryUsed_DisablesAutoApprove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.placeOrder(t, "cheap", 1)
	_, err := f.orders.MarkEntryUsed(ctx, o.ID)
	require.NoError(t, err)

	r, err := f.refunds.CreateRefundRequest(ctx, refund.CreateRequest{OrderID: o.ID, RequestedBy: customer})
	require.NoError(t, err)

	assert.Equal(t, refund.StatusPending, r.Status)
	assert.Equal(t, 1, r.RequiredApprovals)
	assert.Zero(t, f.gateway.calls())
}

func TestThresholdPolicy(t *testing.T) {
	p := refund.DefaultThresholds()
	used := &order.Order{EntryUsed: true}

	tests := []struct {
		name   string
		o      *order.Order
		amount generic.Money
		want   int
	}{
		{"below floor", &order.Order{}, 49999, 0},
		{"at floor", &order.Order{}, 50000, 1},
		{"at ceiling", &order.Order{}, 500000, 1},
		{"above ceiling", &order.Order{}, 500001, 2},
		{"used below floor", used, 100, 1},
		{"used above ceiling", used, 600000, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.RequiredApprovals(tt.o, tt.amount))
		})
	}

	per := refund.EventPolicies{
		Default:  p,
		PerEvent: map[string]refund.ApprovalPolicy{"strict": refund.ThresholdPolicy{AutoApproveBelow: 0, DualApprovalAbove: 1000}},
	}
	assert.Equal(t, 0, per.RequiredApprovals(&order.Order{EventID: "evt-1"}, 100))
	assert.Equal(t, 1, per.RequiredApprovals(&order.Order{EventID: "strict"}, 100))
	assert.Equal(t, 2, per.RequiredApprovals(&order.Order{EventID: "strict"}, 5000))
}

// =============================================================================
// PROCESSING
// =============================================================================

func TestProcessRefund_Completed_DoesNotCallGatewayAgain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.placeOrder(t, "cheap", 1)
	r, err := f.refunds.CreateRefundRequest(ctx, refund.CreateRequest{OrderID: o.ID, RequestedBy: customer})
	require.NoError(t, err)
	require.Equal(t, 1, f.gateway.calls())

	again, err := f.refunds.ProcessRefund(ctx, r.ID)
	require.NoError(t, err)

	assert.Equal(t, refund.StatusCompleted, again.Status)
	assert.Equal(t, 1, f.gateway.calls())
	assert.Equal(t, 10, f.remaining(t, "cheap"), "inventory restored once")
}

func TestProcessRefund_GatewayFailure_LeavesOrderUntouched(t *testing.T) {
	// GIVEN: An auto-approved refund and a failing gateway
	// WHEN: The refund is processed, then retried manually after recovery
	// THEN: First attempt: failed, order still refund_requested, inventory
	//       untouched. Retry completes under the same idempotency key.

	f := newFixture(t)
	ctx := context.Background()
	o := f.placeOrder(t, "cheap", 2)
	f.gateway.fail = errors.New("gateway timeout")

	r, err := f.refunds.CreateRefundRequest(ctx, refund.CreateRequest{OrderID: o.ID, RequestedBy: customer, Amount: 30000})
	require.Error(t, err)
	assert.ErrorIs(t, err, generic.ErrChargeReversalFailed)
	var cre *generic.ChargeReversalError
	require.ErrorAs(t, err, &cre)

	require.NotNil(t, r)
	assert.Equal(t, refund.StatusFailed, r.Status)
	assert.Equal(t, r.IdempotencyKey, cre.IdempotencyKey)
	assert.Equal(t, order.StatusRefundRequested, f.orderStatus(t, o.ID).Status)
	assert.Equal(t, 8, f.remaining(t, "cheap"))

	f.gateway.fail = nil
	r, err = f.refunds.ProcessRefund(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, refund.StatusCompleted, r.Status)
	assert.Equal(t, 2, r.Attempts)

	require.Len(t, f.gateway.keys, 2)
	assert.Equal(t, f.gateway.keys[0], f.gateway.keys[1])
}

func TestProcessRefund_SettlementFails_ParksAsFailedThenRetries(t *testing.T) {
	// GIVEN: An auto-approved refund whose request is cancelled right after
	//        the gateway reversed the charge
	// WHEN: Settlement cannot commit, then the refund is retried
	// THEN: The refund is failed (not stuck in processing) with the order
	//       and inventory untouched; the retry settles under the same key

	f := newFixture(t)
	o := f.placeOrder(t, "cheap", 1)
	ctx, cancel := context.WithCancel(context.Background())
	f.gateway.after = cancel

	_, err := f.refunds.CreateRefundRequest(ctx, refund.CreateRequest{OrderID: o.ID, RequestedBy: customer})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, f.gateway.calls())

	byOrder, err := f.refunds.ListByOrder(context.Background(), o.ID)
	require.NoError(t, err)
	require.Len(t, byOrder, 1)
	r := byOrder[0]
	assert.Equal(t, refund.StatusFailed, r.Status)
	assert.NotEmpty(t, r.FailureReason)
	assert.Equal(t, order.StatusRefundRequested, f.orderStatus(t, o.ID).Status)
	assert.Equal(t, 9, f.remaining(t, "cheap"))

	f.gateway.after = nil
	got, err := f.refunds.ProcessRefund(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, refund.StatusCompleted, got.Status)
	assert.Equal(t, order.StatusRefunded, f.orderStatus(t, o.ID).Status)
	assert.Equal(t, 10, f.remaining(t, "cheap"))

	require.Len(t, f.gateway.keys, 2)
	assert.Equal(t, f.gateway.keys[0], f.gateway.keys[1])
}

func TestProcessRefund_StuckInProcessing_CanBeDrivenAgain(t *testing.T) {
	// GIVEN: A refund left in processing, as after a crash between the
	//        gateway call and settlement
	// WHEN: ProcessRefund is called for it
	// THEN: It settles: completed, inventory restored, order refunded

	f := newFixture(t)
	ctx := context.Background()
	o := f.placeOrder(t, "ga", 1)
	r, err := f.refunds.CreateRefundRequest(ctx, refund.CreateRequest{OrderID: o.ID, RequestedBy: customer})
	require.NoError(t, err)
	require.NoError(t, f.runner.Run(ctx, func(ctx context.Context, tx generic.Tx) error {
		var stuck refund.Refund
		if err := generic.GetJSON(ctx, tx, refund.CollectionRefunds, r.ID, &stuck); err != nil {
			return err
		}
		stuck.Status = refund.StatusProcessing
		return generic.PutJSON(tx, refund.CollectionRefunds, stuck.ID, stuck.OrderID, stuck)
	}))

	got, err := f.refunds.ProcessRefund(ctx, r.ID)
	require.NoError(t, err)

	assert.Equal(t, refund.StatusCompleted, got.Status)
	assert.Equal(t, order.StatusRefunded, f.orderStatus(t, o.ID).Status)
	assert.Equal(t, 10, f.remaining(t, "ga"))
	assert.Equal(t, 1, f.gateway.calls())
}

func TestProcessRefund_Pending_IsTransitionError(t *testing.T) {
	f := newFixture(t)
	o := f.placeOrder(t, "ga", 1)
	r, err := f.refunds.CreateRefundRequest(context.Background(), refund.CreateRequest{OrderID: o.ID, RequestedBy: customer})
	require.NoError(t, err)

	_, err = f.refunds.ProcessRefund(context.Background(), r.ID)
	assert.ErrorIs(t, err, generic.ErrInvalidTransition)
	assert.Zero(t, f.gateway.calls())
}

func TestPartialRefund_KeepsInventory_ThenFullRemainder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.placeOrder(t, "ga", 2)

	r, err := f.refunds.CreateRefundRequest(ctx, refund.CreateRequest{OrderID: o.ID, RequestedBy: customer, Amount: 50000})
	require.NoError(t, err)
	assert.True(t, r.Partial)
	r, err = f.refunds.Approve(ctx, r.ID, finance)
	require.NoError(t, err)
	require.Equal(t, refund.StatusCompleted, r.Status)

	got := f.orderStatus(t, o.ID)
	assert.Equal(t, order.StatusConfirmed, got.Status)
	assert.Equal(t, generic.Money(50000), got.RefundedAmount)
	assert.Equal(t, 8, f.remaining(t, "ga"))

	_, err = f.refunds.CreateRefundRequest(ctx, refund.CreateRequest{OrderID: o.ID, RequestedBy: customer, Amount: 150001})
	assert.ErrorIs(t, err, generic.ErrValidation)

	rest, err := f.refunds.CreateRefundRequest(ctx, refund.CreateRequest{OrderID: o.ID, RequestedBy: customer})
	require.NoError(t, err)
	assert.Equal(t, generic.Money(150000), rest.Amount)
	assert.False(t, rest.Partial)
	rest, err = f.refunds.Approve(ctx, rest.ID, admin)
	require.NoError(t, err)
	require.Equal(t, refund.StatusCompleted, rest.Status)

	assert.Equal(t, order.StatusRefunded, f.orderStatus(t, o.ID).Status)
	assert.Equal(t, 10, f.remaining(t, "ga"))

	byOrder, err := f.refunds.ListByOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Len(t, byOrder, 2)
}

// =============================================================================
// REJECT / CANCEL
// =============================================================================

func TestReject_ReturnsOrderToConfirmed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.placeOrder(t, "ga", 1)
	r, err := f.refunds.CreateRefundRequest(ctx, refund.CreateRequest{OrderID: o.ID, RequestedBy: customer})
	require.NoError(t, err)

	pending, err := f.refunds.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	r, err = f.refunds.Reject(ctx, r.ID, admin, "outside refund window")
	require.NoError(t, err)
	assert.Equal(t, refund.StatusRejected, r.Status)
	assert.Equal(t, order.StatusConfirmed, f.orderStatus(t, o.ID).Status)

	_, err = f.refunds.Reject(ctx, r.ID, admin, "again")
	assert.ErrorIs(t, err, generic.ErrRefundAlreadyResolved)

	pending, err = f.refunds.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCancel_ByRequester(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.placeOrder(t, "ga", 1)
	r, err := f.refunds.CreateRefundRequest(ctx, refund.CreateRequest{OrderID: o.ID, RequestedBy: customer})
	require.NoError(t, err)

	_, err = f.refunds.Cancel(ctx, r.ID, generic.Actor{UID: "someone-else", Role: generic.RoleCustomer})
	assert.ErrorIs(t, err, generic.ErrRefundUnauthorized)

	r, err = f.refunds.Cancel(ctx, r.ID, customer)
	require.NoError(t, err)
	assert.Equal(t, refund.StatusCancelled, r.Status)
	assert.Equal(t, order.StatusConfirmed, f.orderStatus(t, o.ID).Status)
}

func TestUpdateStatus_CannotBypassOpenRefund(t *testing.T) {
	// GIVEN: A GA order with a refund waiting for an approver
	// WHEN: A caller tries to move the order out of refund_requested directly
	// THEN: TransitionError both ways; the refund still settles normally
	//       and restores inventory exactly once

	f := newFixture(t)
	ctx := context.Background()
	o := f.placeOrder(t, "ga", 1)
	r, err := f.refunds.CreateRefundRequest(ctx, refund.CreateRequest{OrderID: o.ID, RequestedBy: customer})
	require.NoError(t, err)
	require.Equal(t, refund.StatusPending, r.Status)

	for _, to := range []order.Status{order.StatusRefunded, order.StatusConfirmed} {
		_, err := f.orders.UpdateStatus(ctx, o.ID, to, admin)
		var te *generic.TransitionError
		require.ErrorAs(t, err, &te, string(to))
		assert.Equal(t, string(order.StatusRefundRequested), te.From)
	}
	assert.Equal(t, 9, f.remaining(t, "ga"))

	_, err = f.refunds.CreateRefundRequest(ctx, refund.CreateRequest{OrderID: o.ID, RequestedBy: customer})
	assert.ErrorIs(t, err, generic.ErrInvalidTransition, "no second refund for the same money")

	r, err = f.refunds.Approve(ctx, r.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, refund.StatusCompleted, r.Status)
	assert.Equal(t, order.StatusRefunded, f.orderStatus(t, o.ID).Status)
	assert.Equal(t, 10, f.remaining(t, "ga"))
	assert.Equal(t, 1, f.gateway.calls())
}

func TestCreateRefund_OrderNotConfirmed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.placeOrder(t, "ga", 1)
	_, err := f.refunds.CreateRefundRequest(ctx, refund.CreateRequest{OrderID: o.ID, RequestedBy: customer})
	require.NoError(t, err)

	_, err = f.refunds.CreateRefundRequest(ctx, refund.CreateRequest{OrderID: o.ID, RequestedBy: customer})
	assert.ErrorIs(t, err, generic.ErrInvalidTransition, "a refund is already open")

	_, err = f.refunds.CreateRefundRequest(ctx, refund.CreateRequest{OrderID: "missing", RequestedBy: customer})
	assert.ErrorIs(t, err, generic.ErrNotFound)
}
