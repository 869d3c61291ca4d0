/*
Package inventory is the single writer of committed tier counts.

PURPOSE:
  TicketTier.Remaining is the hot shared counter of the engine. Only the two
  operations here mutate it: Decrement on a confirmed sale and Restore on
  cancellation or full refund.

ATOMICITY:
  Both operations read the event document, check every requested tier and
  write the event back in the same transaction. A shortage on any tier
  aborts the whole transaction: no partial decrement ever reaches the store.

CONCURRENCY:
  No locks. Two callers racing on one event both read version N; the first
  commit wins, the second gets ErrConflict and the Runner re-runs it against
  the fresh count, where it either fits or fails InsufficientInventory.

COMPOSITION:
  DecrementTx / RestoreTx take an open Tx so the order coordinator and the
  refund workflow can fold inventory into their own transactions.

SEE ALSO:
  - generic/runner.go: Conflict retry
  - order/order.go: Decrement inside order creation
  - refund/refund.go: Restore on full refund
*/
package inventory

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/warp/ticket-engine/catalog"
	"github.com/warp/ticket-engine/generic"
)

// Movement records one tier's remaining count before and after an operation.
type Movement struct {
	TierID string `json:"tier_id"`
	Before int    `json:"before"`
	After  int    `json:"after"`
}

type Ledger struct {
	runner *generic.Runner
	clock  generic.Clock
	logger logrus.FieldLogger
}

func NewLedger(runner *generic.Runner, clock generic.Clock, logger logrus.FieldLogger) *Ledger {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Ledger{runner: runner, clock: clock, logger: logger}
}

// =============================================================================
// DECREMENT
// =============================================================================

// Decrement commits a sale of items. All or nothing.
func (l *Ledger) Decrement(ctx context.Context, eventID string, items []catalog.LineItem) ([]Movement, error) {
	var moves []Movement
	err := l.runner.Run(ctx, func(ctx context.Context, tx generic.Tx) error {
		var err error
		moves, err = l.DecrementTx(ctx, tx, eventID, items, "")
		return err
	})
	if err != nil {
		return nil, err
	}
	return moves, nil
}

// DecrementTx stages the decrement on tx. reference (e.g. an order id) is
// recorded on the audit entry.
func (l *Ledger) DecrementTx(ctx context.Context, tx generic.Tx, eventID string, items []catalog.LineItem, reference string) ([]Movement, error) {
	ev, order, qty, err := load(ctx, tx, eventID, items)
	if err != nil {
		return nil, err
	}

	moves := make([]Movement, 0, len(order))
	for _, tierID := range order {
		tier, _ := ev.Tier(tierID)
		if qty[tierID] > tier.Remaining {
			return nil, &generic.InsufficientInventoryError{
				EventID:   eventID,
				TierID:    tierID,
				Requested: qty[tierID],
				Remaining: tier.Remaining,
			}
		}
		moves = append(moves, Movement{TierID: tierID, Before: tier.Remaining, After: tier.Remaining - qty[tierID]})
		tier.Remaining -= qty[tierID]
	}

	if err := l.save(tx, ev, generic.AuditInventoryDecremented, moves, reference); err != nil {
		return nil, err
	}
	return moves, nil
}

// =============================================================================
// RESTORE
// =============================================================================

// Restore returns items to the pool, never above a tier's total.
func (l *Ledger) Restore(ctx context.Context, eventID string, items []catalog.LineItem) ([]Movement, error) {
	var moves []Movement
	err := l.runner.Run(ctx, func(ctx context.Context, tx generic.Tx) error {
		var err error
		moves, err = l.RestoreTx(ctx, tx, eventID, items, "")
		return err
	})
	if err != nil {
		return nil, err
	}
	return moves, nil
}

func (l *Ledger) RestoreTx(ctx context.Context, tx generic.Tx, eventID string, items []catalog.LineItem, reference string) ([]Movement, error) {
	ev, order, qty, err := load(ctx, tx, eventID, items)
	if err != nil {
		return nil, err
	}

	moves := make([]Movement, 0, len(order))
	for _, tierID := range order {
		tier, _ := ev.Tier(tierID)
		after := tier.Remaining + qty[tierID]
		if after > tier.Total {
			l.logger.WithFields(logrus.Fields{
				"event_id": eventID,
				"tier_id":  tierID,
				"excess":   after - tier.Total,
			}).Warn("restore clamped at tier total")
			after = tier.Total
		}
		moves = append(moves, Movement{TierID: tierID, Before: tier.Remaining, After: after})
		tier.Remaining = after
	}

	if err := l.save(tx, ev, generic.AuditInventoryRestored, moves, reference); err != nil {
		return nil, err
	}
	return moves, nil
}

// =============================================================================
// READS
// =============================================================================

// Remaining returns a snapshot of committed remaining counts per tier.
func (l *Ledger) Remaining(ctx context.Context, eventID string) (map[string]int, error) {
	ev, err := catalog.GetEvent(ctx, l.runner.Store(), eventID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(ev.Tiers))
	for _, t := range ev.Tiers {
		out[t.ID] = t.Remaining
	}
	return out, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func load(ctx context.Context, tx generic.Tx, eventID string, items []catalog.LineItem) (*catalog.Event, []string, map[string]int, error) {
	if len(items) == 0 {
		return nil, nil, nil, generic.NewValidationError("items", "at least one item is required")
	}
	ev, err := catalog.GetEvent(ctx, tx, eventID)
	if err != nil {
		return nil, nil, nil, err
	}
	for i, it := range items {
		if it.Quantity <= 0 {
			return nil, nil, nil, generic.NewValidationError(fmt.Sprintf("items[%d].quantity", i), "must be positive")
		}
		if _, ok := ev.Tier(it.TierID); !ok {
			return nil, nil, nil, generic.NewValidationError(fmt.Sprintf("items[%d].tier_id", i), "unknown tier %q", it.TierID)
		}
	}
	order, qty := catalog.AggregateQuantities(items)
	return ev, order, qty, nil
}

func (l *Ledger) save(tx generic.Tx, ev *catalog.Event, action generic.AuditAction, moves []Movement, reference string) error {
	now := l.clock.Now().UTC()
	ev.UpdatedAt = now
	if err := catalog.PutEvent(tx, ev); err != nil {
		return err
	}
	payload := map[string]any{"movements": moves}
	if reference != "" {
		payload["reference"] = reference
	}
	return generic.AppendAudit(tx, now, generic.SystemActor, action, ev.ID, payload)
}
