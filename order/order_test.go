package order_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/ticket-engine/catalog"
	"github.com/warp/ticket-engine/events"
	"github.com/warp/ticket-engine/generic"
	"github.com/warp/ticket-engine/generic/store"
	"github.com/warp/ticket-engine/inventory"
	"github.com/warp/ticket-engine/order"
	"github.com/warp/ticket-engine/pricing"
	"github.com/warp/ticket-engine/promo"
	"github.com/warp/ticket-engine/reservation"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var now = time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []any
	err    error
}

func (r *recorder) Notify(_ context.Context, event any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func (r *recorder) conversions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if _, ok := e.(events.PromoterConversion); ok {
			n++
		}
	}
	return n
}

func (r *recorder) confirmations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if _, ok := e.(events.OrderConfirmed); ok {
			n++
		}
	}
	return n
}

// hookStore runs before once, ahead of the next transaction. It stands in
// for a competing writer that commits between validation and commit.
type hookStore struct {
	generic.Store
	mu     sync.Mutex
	before func()
}

func (h *hookStore) arm(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.before = fn
}

func (h *hookStore) RunTx(ctx context.Context, fn generic.TxFunc) error {
	h.mu.Lock()
	before := h.before
	h.before = nil
	h.mu.Unlock()
	if before != nil {
		before()
	}
	return h.Store.RunTx(ctx, fn)
}

type fixture struct {
	store        *hookStore
	coord        *order.Coordinator
	inventory    *inventory.Ledger
	reservations *reservation.Manager
	promos       *promo.Ledger
	promoters    *promo.Book
	clock        *clockwork.FakeClock
	notes        *recorder
}

func newFixture(t *testing.T, gaRemaining int) fixture {
	t.Helper()
	st := &hookStore{Store: store.NewMemory()}
	runner := generic.NewRunner(st, generic.RetryPolicy{MaxRetries: 1000}, nil)
	clock := clockwork.NewFakeClockAt(now)

	ev := &catalog.Event{ID: "evt-1", Currency: "INR", Tiers: []catalog.TicketTier{
		{ID: "ga", Name: "General", Price: 100000, Total: 100, Remaining: gaRemaining, Visibility: catalog.VisibilityPublic},
		{ID: "vip", Name: "VIP", Price: 250000, Total: 10, Remaining: 10, Visibility: catalog.VisibilityPublic},
		{ID: "free", Name: "Community", Price: 0, Total: 10, Remaining: 10, Visibility: catalog.VisibilityPublic},
	}}
	_, err := catalog.NewService(runner, clock).ImportEvent(context.Background(), ev)
	require.NoError(t, err)

	engine := pricing.NewEngine(pricing.FeePolicy{})
	f := fixture{
		store:        st,
		inventory:    inventory.NewLedger(runner, clock, nil),
		reservations: reservation.NewManager(runner, clock, 0, nil),
		promos:       promo.NewLedger(runner, engine, clock, nil),
		promoters:    promo.NewBook(runner, clock, nil),
		clock:        clock,
		notes:        &recorder{},
	}
	f.coord = order.NewCoordinator(order.Deps{
		Runner:       runner,
		Clock:        clock,
		Pricing:      engine,
		Inventory:    f.inventory,
		Reservations: f.reservations,
		Promos:       f.promos,
		Promoters:    f.promoters,
		Notifier:     f.notes,
	})
	return f
}

func (f fixture) remaining(t *testing.T, tierID string) int {
	t.Helper()
	rem, err := f.inventory.Remaining(context.Background(), "evt-1")
	require.NoError(t, err)
	return rem[tierID]
}

func buy(buyer, tierID string, qty int) order.CreateOrderRequest {
	return order.CreateOrderRequest{
		EventID: "evt-1",
		Buyer:   order.Buyer{UserID: buyer, Email: buyer + "@example.com"},
		Items:   []catalog.LineItem{{TierID: tierID, Quantity: qty}},
	}
}

// =============================================================================
// CREATE ORDER
// =============================================================================

func TestCreateOrder_ConfirmsAndDecrements(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	o, err := f.coord.CreateOrder(ctx, buy("alice", "ga", 2))
	require.NoError(t, err)

	assert.Equal(t, order.StatusConfirmed, o.Status)
	assert.Equal(t, generic.Money(200000), o.GrandTotal())
	assert.Equal(t, now, o.ConfirmedAt)
	assert.Equal(t, 8, f.remaining(t, "ga"))
	assert.Equal(t, 1, f.notes.confirmations())

	got, err := f.coord.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)

	list, err := f.coord.ListByEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCreateOrder_SameIdempotencyKey_ReturnsExistingOrder(t *testing.T) {
	// GIVEN: An order placed with key k1
	// WHEN: The same request is replayed, then reused by another buyer
	// THEN: The replay returns the same order without decrementing again;
	//       the other buyer gets ErrDuplicateIdempotencyKey

	f := newFixture(t, 10)
	ctx := context.Background()
	req := buy("alice", "ga", 2)
	req.IdempotencyKey = "k1"

	first, err := f.coord.CreateOrder(ctx, req)
	require.NoError(t, err)
	second, err := f.coord.CreateOrder(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 8, f.remaining(t, "ga"))

	other := buy("bob", "ga", 1)
	other.IdempotencyKey = "k1"
	_, err = f.coord.CreateOrder(ctx, other)
	assert.ErrorIs(t, err, generic.ErrDuplicateIdempotencyKey)
}

func TestCreateOrder_Shortage_NothingWritten(t *testing.T) {
	f := newFixture(t, 1)

	_, err := f.coord.CreateOrder(context.Background(), buy("alice", "ga", 2))

	var inv *generic.InsufficientInventoryError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, 1, inv.Remaining)
	assert.Equal(t, 1, f.remaining(t, "ga"))

	list, err := f.coord.ListByEvent(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCreateOrder_UnknownTier_ValidationError(t *testing.T) {
	f := newFixture(t, 10)

	_, err := f.coord.CreateOrder(context.Background(), buy("alice", "nope", 1))
	assert.ErrorIs(t, err, generic.ErrValidation)

	_, err = f.coord.CreateOrder(context.Background(), order.CreateOrderRequest{EventID: "evt-1", Buyer: order.Buyer{UserID: "alice"}})
	assert.ErrorIs(t, err, generic.ErrValidation, "no items and no reservation")
}

func TestCreateOrder_GAScenario_ConcurrentBuyers(t *testing.T) {
	// GIVEN: GA with 10 remaining
	// WHEN: 8 buyers each order 2 concurrently
	// THEN: Exactly 5 orders succeed, 3 fail with insufficient inventory,
	//       and remaining is 0

	f := newFixture(t, 10)
	ctx := context.Background()

	const buyers = 8
	errs := make([]error, buyers)
	var wg sync.WaitGroup
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.coord.CreateOrder(ctx, buy(fmt.Sprintf("buyer-%d", i), "ga", 2))
		}(i)
	}
	wg.Wait()

	var ok, short int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, generic.ErrInsufficientInventory):
			short++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 5, ok)
	assert.Equal(t, 3, short)
	assert.Equal(t, 0, f.remaining(t, "ga"))
}

func TestCreateOrder_FreeOrder_ConfirmedEvenWhenAwaitingPayment(t *testing.T) {
	f := newFixture(t, 10)
	req := buy("alice", "free", 2)
	req.AwaitPayment = true

	o, err := f.coord.CreateOrder(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, o.Pricing.IsFree)
	assert.Equal(t, order.StatusConfirmed, o.Status)
}

// =============================================================================
// RESERVATIONS
// =============================================================================

func TestCreateOrder_FromReservation_ConvertsHold(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	res, err := f.reservations.Create(ctx, reservation.CreateRequest{EventID: "evt-1", Owner: "alice", Items: []catalog.LineItem{{TierID: "ga", Quantity: 2}}})
	require.NoError(t, err)

	req := order.CreateOrderRequest{EventID: "evt-1", Buyer: order.Buyer{UserID: "alice"}, ReservationID: res.ID}
	o, err := f.coord.CreateOrder(ctx, req)
	require.NoError(t, err, "the hold must not count against its own order")

	assert.Equal(t, 2, o.Items[0].Quantity, "items come from the reservation")
	assert.Equal(t, 0, f.remaining(t, "ga"))

	got, err := f.reservations.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusConverted, got.Status)
	assert.Equal(t, o.ID, got.OrderID)
}

func TestCreateOrder_ItemsDifferFromHold_Rejected(t *testing.T) {
	// GIVEN: A hold for one GA ticket
	// WHEN: Checkout converts it but asks for five
	// THEN: ValidationError; the hold stays active and nothing is sold

	f := newFixture(t, 10)
	ctx := context.Background()

	res, err := f.reservations.Create(ctx, reservation.CreateRequest{EventID: "evt-1", Owner: "alice", Items: []catalog.LineItem{{TierID: "ga", Quantity: 1}}})
	require.NoError(t, err)

	req := buy("alice", "ga", 5)
	req.ReservationID = res.ID
	_, err = f.coord.CreateOrder(ctx, req)
	assert.ErrorIs(t, err, generic.ErrValidation)

	got, err := f.reservations.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusActive, got.Status)
	assert.Equal(t, 10, f.remaining(t, "ga"))

	// Restating the held items is fine.
	req = buy("alice", "ga", 1)
	req.ReservationID = res.ID
	o, err := f.coord.CreateOrder(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, o.Items[0].Quantity)
	assert.Equal(t, 9, f.remaining(t, "ga"))
}

func TestCreateOrder_ExpiredReservation_FailsBeforeAnyWrite(t *testing.T) {
	// GIVEN: A 10 minute hold
	// WHEN: The buyer checks out 11 minutes later
	// THEN: ReservationExpired; inventory and orders untouched

	f := newFixture(t, 10)
	ctx := context.Background()

	res, err := f.reservations.Create(ctx, reservation.CreateRequest{EventID: "evt-1", Owner: "alice", Items: []catalog.LineItem{{TierID: "ga", Quantity: 2}}})
	require.NoError(t, err)
	f.clock.Advance(11 * time.Minute)

	_, err = f.coord.CreateOrder(ctx, order.CreateOrderRequest{EventID: "evt-1", Buyer: order.Buyer{UserID: "alice"}, ReservationID: res.ID})
	assert.ErrorIs(t, err, generic.ErrReservationExpired)

	assert.Equal(t, 10, f.remaining(t, "ga"))
	list, err := f.coord.ListByEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

// =============================================================================
// PROMO CODES AND PROMOTERS
// =============================================================================

func TestCreateOrder_InvalidPromo_WarnsAndProceeds(t *testing.T) {
	f := newFixture(t, 10)

	req := buy("alice", "ga", 1)
	req.PromoCode = "nope"
	o, err := f.coord.CreateOrder(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, generic.Money(100000), o.GrandTotal())
	require.Len(t, o.Warnings, 1)
	assert.Contains(t, o.Warnings[0], promo.ReasonNotFound)
}

func TestCreateOrder_PromoApplied_AndRedeemed(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	pc, err := f.promos.CreateCode(ctx, catalog.PromoCode{
		EventID: "evt-1", Code: "SAVE10", Type: catalog.DiscountPercent, Percent: decimal.NewFromInt(10), Active: true,
	})
	require.NoError(t, err)

	req := buy("alice", "ga", 2)
	req.PromoCode = "save10"
	o, err := f.coord.CreateOrder(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, generic.Money(180000), o.GrandTotal())
	assert.Equal(t, pc.ID, o.PromoCodeID)
	assert.NotEmpty(t, o.PromoRedemption)

	count, err := f.promos.RedemptionCount(ctx, pc.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCreateOrder_PromoCapRace_NeverOverRedeemed(t *testing.T) {
	// GIVEN: A single-use code
	// WHEN: Several buyers race to use it
	// THEN: Exactly one order carries the discount; losers either fail with
	//       PromoCodeExhausted at commit or proceed at full price with a warning

	f := newFixture(t, 50)
	ctx := context.Background()
	pc, err := f.promos.CreateCode(ctx, catalog.PromoCode{
		EventID: "evt-1", Code: "ONCE", Type: catalog.DiscountFixed, Amount: 5000, MaxRedemptions: 1, Active: true,
	})
	require.NoError(t, err)

	const buyers = 6
	orders := make([]*order.Order, buyers)
	errs := make([]error, buyers)
	var wg sync.WaitGroup
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := buy(fmt.Sprintf("buyer-%d", i), "ga", 1)
			req.PromoCode = "ONCE"
			orders[i], errs[i] = f.coord.CreateOrder(ctx, req)
		}(i)
	}
	wg.Wait()

	discounted := 0
	for i, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, generic.ErrPromoCodeExhausted)
			continue
		}
		if orders[i].PromoCodeID != "" {
			discounted++
		}
	}
	assert.Equal(t, 1, discounted)

	count, err := f.promos.RedemptionCount(ctx, pc.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCreateOrder_PromoRunsOutAtCommit(t *testing.T) {
	// GIVEN: Single-use codes that validate, then are taken by someone
	//        else just before the order commits
	// WHEN: The order is placed with and without DropPromoOnExhaustion
	// THEN: Without it the order fails and nothing is sold; with it the
	//       order goes through at full price and says why

	f := newFixture(t, 10)
	ctx := context.Background()
	singleUse := func(code string) *catalog.PromoCode {
		pc, err := f.promos.CreateCode(ctx, catalog.PromoCode{
			EventID: "evt-1", Code: code, Type: catalog.DiscountFixed, Amount: 5000, MaxRedemptions: 1, Active: true,
		})
		require.NoError(t, err)
		return pc
	}
	takenBy := func(pc *catalog.PromoCode, orderID string) func() {
		return func() {
			_, err := f.promos.Redeem(ctx, pc.ID, orderID, "someone-else", 5000)
			require.NoError(t, err)
		}
	}

	strict := singleUse("STRICT")
	f.store.arm(takenBy(strict, "other-1"))
	req := buy("alice", "ga", 1)
	req.PromoCode = "STRICT"
	_, err := f.coord.CreateOrder(ctx, req)
	assert.ErrorIs(t, err, generic.ErrPromoCodeExhausted)
	assert.Equal(t, 10, f.remaining(t, "ga"))

	lenient := singleUse("LENIENT")
	f.store.arm(takenBy(lenient, "other-2"))
	req = buy("alice", "ga", 1)
	req.PromoCode = "LENIENT"
	req.DropPromoOnExhaustion = true
	o, err := f.coord.CreateOrder(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, generic.Money(100000), o.GrandTotal())
	assert.Empty(t, o.PromoCodeID)
	assert.Empty(t, o.PromoRedemption)
	require.Len(t, o.Warnings, 1)
	assert.Contains(t, o.Warnings[0], promo.ReasonExhausted)
	assert.Equal(t, 9, f.remaining(t, "ga"))

	count, err := f.promos.RedemptionCount(ctx, lenient.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCreateOrder_PromoterConversion_FiresOnceAcrossStatusChanges(t *testing.T) {
	// GIVEN: An order attributed to a promoter link, awaiting payment
	// WHEN: Payment is confirmed twice and the status is re-applied
	// THEN: Exactly one PromoterConversion notification is emitted

	f := newFixture(t, 10)
	ctx := context.Background()
	_, err := f.promoters.CreateLink(ctx, catalog.PromoterLink{
		EventID: "evt-1", Code: "alice-ref", PromoterID: "alice",
		DiscountPercent: decimal.NewFromInt(5), CommissionPercent: decimal.NewFromInt(10), Active: true,
	})
	require.NoError(t, err)

	req := buy("bob", "ga", 2)
	req.PromoterCode = "ALICE-REF"
	req.AwaitPayment = true
	o, err := f.coord.CreateOrder(ctx, req)
	require.NoError(t, err)

	require.NotNil(t, o.Promoter)
	assert.Equal(t, generic.Money(190000), o.GrandTotal())
	assert.Equal(t, generic.Money(19000), o.Promoter.Amount)
	assert.Equal(t, 0, f.notes.conversions())

	_, err = f.coord.ConfirmPayment(ctx, o.ID, "pay-1")
	require.NoError(t, err)
	_, err = f.coord.ConfirmPayment(ctx, o.ID, "pay-1")
	require.NoError(t, err)
	_, err = f.coord.UpdateStatus(ctx, o.ID, order.StatusConfirmed, generic.SystemActor)
	require.NoError(t, err)

	assert.Equal(t, 1, f.notes.conversions())
}

func TestCreateOrder_UnknownPromoter_Warns(t *testing.T) {
	f := newFixture(t, 10)

	req := buy("bob", "ga", 1)
	req.PromoterCode = "ghost"
	o, err := f.coord.CreateOrder(context.Background(), req)
	require.NoError(t, err)

	assert.Nil(t, o.Promoter)
	assert.Len(t, o.Warnings, 1)
}

func TestCreateOrder_NotifierFailure_DoesNotFailOrder(t *testing.T) {
	f := newFixture(t, 10)
	f.notes.err = errors.New("broker down")

	o, err := f.coord.CreateOrder(context.Background(), buy("alice", "ga", 1))
	require.NoError(t, err)
	assert.Equal(t, order.StatusConfirmed, o.Status)
	assert.Equal(t, 9, f.remaining(t, "ga"))
}

// =============================================================================
// STATUS
// =============================================================================

func TestConfirmPayment_PendingOrder_NotifiesOnce(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	req := buy("alice", "ga", 1)
	req.AwaitPayment = true

	o, err := f.coord.CreateOrder(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPendingPayment, o.Status)
	assert.Equal(t, 0, f.notes.confirmations())

	o, err = f.coord.ConfirmPayment(ctx, o.ID, "pay_123")
	require.NoError(t, err)
	assert.Equal(t, order.StatusConfirmed, o.Status)
	assert.Equal(t, "pay_123", o.PaymentID)

	_, err = f.coord.ConfirmPayment(ctx, o.ID, "pay_123")
	require.NoError(t, err)
	assert.Equal(t, 1, f.notes.confirmations())
}

func TestUpdateStatus_IllegalTransition(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	o, err := f.coord.CreateOrder(ctx, buy("alice", "ga", 1))
	require.NoError(t, err)

	for _, to := range []order.Status{order.StatusRefunded, order.StatusRefundRequested, order.StatusPendingPayment} {
		t.Run(string(to), func(t *testing.T) {
			_, err := f.coord.UpdateStatus(ctx, o.ID, to, generic.SystemActor)

			var te *generic.TransitionError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, "confirmed", te.From)
			assert.ErrorIs(t, err, generic.ErrInvalidTransition)
		})
	}

	got, err := f.coord.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusConfirmed, got.Status)
}

func TestCanTransition_RefundEdgesAreNotCallerUpdates(t *testing.T) {
	assert.True(t, order.CanTransition(order.StatusConfirmed, order.StatusRefundRequested))
	assert.True(t, order.CanTransition(order.StatusRefundRequested, order.StatusRefunded))
	assert.False(t, order.CanUpdate(order.StatusConfirmed, order.StatusRefundRequested))
	assert.False(t, order.CanUpdate(order.StatusRefundRequested, order.StatusRefunded))
	assert.False(t, order.CanUpdate(order.StatusRefundRequested, order.StatusConfirmed))
	assert.True(t, order.CanUpdate(order.StatusPendingPayment, order.StatusConfirmed))
}

func TestCancel_RestoresInventory_Once(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	o, err := f.coord.CreateOrder(ctx, buy("alice", "ga", 3))
	require.NoError(t, err)
	require.Equal(t, 7, f.remaining(t, "ga"))

	cancelled, err := f.coord.Cancel(ctx, o.ID, generic.Actor{UID: "host-1", Role: generic.RoleHost}, "duplicate booking")
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, cancelled.Status)
	assert.Equal(t, 10, f.remaining(t, "ga"))

	_, err = f.coord.Cancel(ctx, o.ID, generic.SystemActor, "again")
	assert.ErrorIs(t, err, generic.ErrInvalidTransition)
	assert.Equal(t, 10, f.remaining(t, "ga"))
}

func TestMarkEntryUsed(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	o, err := f.coord.CreateOrder(ctx, buy("alice", "ga", 1))
	require.NoError(t, err)

	used, err := f.coord.MarkEntryUsed(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, used.EntryUsed)

	_, err = f.coord.Cancel(ctx, o.ID, generic.SystemActor, "")
	require.NoError(t, err)
	other, err := f.coord.CreateOrder(ctx, buy("bob", "ga", 1))
	require.NoError(t, err)
	_, err = f.coord.Cancel(ctx, other.ID, generic.SystemActor, "")
	require.NoError(t, err)
	_, err = f.coord.MarkEntryUsed(ctx, other.ID)
	assert.ErrorIs(t, err, generic.ErrInvalidTransition)
}

func TestParseStatus(t *testing.T) {
	s, err := order.ParseStatus("refund_requested")
	require.NoError(t, err)
	assert.Equal(t, order.StatusRefundRequested, s)

	_, err = order.ParseStatus("shipped")
	assert.ErrorIs(t, err, generic.ErrValidation)
}
