package reservation

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/ticket-engine/catalog"
	"github.com/warp/ticket-engine/generic"
)

// =============================================================================
// AVAILABILITY - Advisory, never an error for business-rule failures
// =============================================================================

type CheckOptions struct {
	// ExcludeReservationID keeps a hold from counting against itself.
	ExcludeReservationID string
	AsOf                 time.Time
	AccessCode           string
}

type ItemAvailability struct {
	TierID     string `json:"tier_id"`
	Requested  int    `json:"requested"`
	Available  int    `json:"available"`
	CanFulfill bool   `json:"can_fulfill"`
	Reason     string `json:"reason,omitempty"`

	// shortage is set when the only problem is quantity.
	shortage bool
}

type Availability struct {
	Items      []ItemAvailability `json:"items"`
	CanFulfill bool               `json:"can_fulfill"`
}

// Err converts the first unfulfillable item into an error: a quantity
// shortfall becomes InsufficientInventoryError, anything else a
// ValidationError carrying the reason.
func (a *Availability) Err(eventID string) error {
	for i, it := range a.Items {
		if it.CanFulfill {
			continue
		}
		if it.shortage {
			return &generic.InsufficientInventoryError{
				EventID:   eventID,
				TierID:    it.TierID,
				Requested: it.Requested,
				Remaining: it.Available,
			}
		}
		return generic.NewValidationError(fmt.Sprintf("items[%d]", i), "%s", it.Reason)
	}
	return nil
}

// CheckAvailability estimates whether items can be sold right now. The
// result is not linearized with other checks; Inventory Decrement is the
// only authority for a sale.
func (m *Manager) CheckAvailability(ctx context.Context, eventID string, items []catalog.LineItem, opts CheckOptions) (*Availability, error) {
	if opts.AsOf.IsZero() {
		opts.AsOf = m.clock.Now()
	}
	return checkAvailability(ctx, m.runner.Store(), eventID, items, opts)
}

// CheckAvailabilityTx is CheckAvailability against an open transaction.
func (m *Manager) CheckAvailabilityTx(ctx context.Context, tx generic.Tx, eventID string, items []catalog.LineItem, opts CheckOptions) (*Availability, error) {
	if opts.AsOf.IsZero() {
		opts.AsOf = m.clock.Now()
	}
	return checkAvailability(ctx, tx, eventID, items, opts)
}

func checkAvailability(ctx context.Context, r generic.Reader, eventID string, items []catalog.LineItem, opts CheckOptions) (*Availability, error) {
	ev, err := catalog.GetEvent(ctx, r, eventID)
	if err != nil {
		return nil, err
	}
	holds, err := generic.ListJSON[Reservation](ctx, r, CollectionReservations, eventID)
	if err != nil {
		return nil, err
	}

	held := make(map[string]int)
	for _, h := range holds {
		if h.ID == opts.ExcludeReservationID || !h.Live(opts.AsOf) {
			continue
		}
		for _, it := range h.Items {
			held[it.TierID] += it.Quantity
		}
	}

	// Bounds and availability apply to the total requested per tier.
	_, requested := catalog.AggregateQuantities(items)

	result := &Availability{CanFulfill: true}
	for _, it := range items {
		ia := evaluate(ev, it, requested[it.TierID], held, opts)
		if !ia.CanFulfill {
			result.CanFulfill = false
		}
		result.Items = append(result.Items, ia)
	}
	return result, nil
}

func evaluate(ev *catalog.Event, it catalog.LineItem, total int, held map[string]int, opts CheckOptions) ItemAvailability {
	ia := ItemAvailability{TierID: it.TierID, Requested: it.Quantity}
	fail := func(reason string) ItemAvailability {
		ia.Reason = reason
		return ia
	}

	if it.Quantity <= 0 {
		return fail("quantity must be positive")
	}
	tier, ok := ev.Tier(it.TierID)
	if !ok {
		return fail("unknown tier")
	}

	switch {
	case tier.SaleWindow.NotStarted(opts.AsOf):
		return fail("sales have not started")
	case tier.SaleWindow.Ended(opts.AsOf):
		return fail("sales have ended")
	}

	switch tier.Visibility {
	case catalog.VisibilityHidden:
		return fail("tier is not available")
	case catalog.VisibilityCodeGated:
		if opts.AccessCode == "" {
			return fail("access code required")
		}
		if !accessCodeMatches(tier.AccessCode, opts.AccessCode) {
			return fail("invalid access code")
		}
	}

	if tier.MinPerOrder > 0 && total < tier.MinPerOrder {
		return fail(fmt.Sprintf("minimum %d per order", tier.MinPerOrder))
	}
	if tier.MaxPerOrder > 0 && total > tier.MaxPerOrder {
		return fail(fmt.Sprintf("maximum %d per order", tier.MaxPerOrder))
	}

	available := tier.Remaining - held[tier.ID]
	if available < 0 {
		available = 0
	}
	ia.Available = available
	if total > available {
		ia.shortage = true
		return fail(fmt.Sprintf("only %d available", available))
	}
	ia.CanFulfill = true
	return ia
}
