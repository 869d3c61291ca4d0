/*
Package catalog holds the canonical event, tier and discount definitions.

PURPOSE:
  The event catalog is authored elsewhere. The engine receives it as a
  snapshot, normalized at the boundary (see factory/catalog.go) into the
  types below, and never branches on payload shape after that.

KEY TYPES:
  Event:          one sellable event and its tiers
  TicketTier:     priced category with capacity and committed remaining count
  ScheduledPrice: early-bird style price window
  PromoCode:      event-scoped discount code with redemption caps
  PromoterLink:   referral code with buyer discount and promoter commission
  LineItem:       (tier, quantity) pair shared by pricing, holds and orders

OWNERSHIP:
  TicketTier.Remaining is written only by the inventory package.
  PromoCode.RedemptionCount is written only by the promo ledger.
  Everything else here is catalog data, replaced wholesale on import.

SEE ALSO:
  - factory/catalog.go: JSON payload adapter
  - inventory/inventory.go: The only writer of Remaining
*/
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/ticket-engine/generic"
)

const (
	CollectionEvents        generic.Collection = "events"
	CollectionPromoCodes    generic.Collection = "promo_codes"
	CollectionPromoterLinks generic.Collection = "promoter_links"
)

// =============================================================================
// EVENT & TIERS
// =============================================================================

type Visibility string

const (
	VisibilityPublic    Visibility = "public"
	VisibilityHidden    Visibility = "hidden"
	VisibilityCodeGated Visibility = "code_gated"
)

type Event struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	HostID    string       `json:"host_id,omitempty"`
	Currency  string       `json:"currency"`
	StartsAt  time.Time    `json:"starts_at,omitempty"`
	Tiers     []TicketTier `json:"tiers"`
	UpdatedAt time.Time    `json:"updated_at"`
}

type TicketTier struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Price      generic.Money  `json:"price"`
	Total      int            `json:"total"`
	Remaining  int            `json:"remaining"`
	SaleWindow generic.Window `json:"sale_window"`
	Visibility Visibility     `json:"visibility"`
	AccessCode string         `json:"access_code,omitempty"`

	// Zero means unbounded.
	MinPerOrder int `json:"min_per_order,omitempty"`
	MaxPerOrder int `json:"max_per_order,omitempty"`

	// Evaluated in declaration order; first match wins.
	ScheduledPrices []ScheduledPrice `json:"scheduled_prices,omitempty"`

	PromoterOverride *PromoterOverride `json:"promoter_override,omitempty"`
}

// ScheduledPrice applies over the closed interval [Start, End].
type ScheduledPrice struct {
	Label  string         `json:"label"`
	Window generic.Window `json:"window"`
	Price  generic.Money  `json:"price"`
}

// PromoterOverride replaces the link's rates for one tier.
type PromoterOverride struct {
	Disabled          bool             `json:"disabled,omitempty"`
	DiscountPercent   *decimal.Decimal `json:"discount_percent,omitempty"`
	CommissionPercent *decimal.Decimal `json:"commission_percent,omitempty"`
}

// Tier returns a pointer into ev.Tiers so callers can mutate in place.
func (ev *Event) Tier(id string) (*TicketTier, bool) {
	for i := range ev.Tiers {
		if ev.Tiers[i].ID == id {
			return &ev.Tiers[i], true
		}
	}
	return nil, false
}

// PromoterEligible reports whether promoter discounts and commission apply.
func (t *TicketTier) PromoterEligible() bool {
	return t.PromoterOverride == nil || !t.PromoterOverride.Disabled
}

// Validate checks the catalog invariants the engine relies on.
func (ev *Event) Validate() error {
	if strings.TrimSpace(ev.ID) == "" {
		return generic.NewValidationError("id", "is required")
	}
	seen := make(map[string]bool, len(ev.Tiers))
	for i, t := range ev.Tiers {
		field := fmt.Sprintf("tiers[%d]", i)
		if t.ID == "" {
			return generic.NewValidationError(field+".id", "is required")
		}
		if seen[t.ID] {
			return generic.NewValidationError(field+".id", "duplicate tier %q", t.ID)
		}
		seen[t.ID] = true

		if t.Price.IsNegative() {
			return generic.NewValidationError(field+".price", "must not be negative")
		}
		if t.Total < 0 || t.Remaining < 0 || t.Remaining > t.Total {
			return generic.NewValidationError(field+".remaining", "must satisfy 0 <= remaining (%d) <= total (%d)", t.Remaining, t.Total)
		}
		if t.MinPerOrder < 0 || t.MaxPerOrder < 0 || (t.MaxPerOrder > 0 && t.MinPerOrder > t.MaxPerOrder) {
			return generic.NewValidationError(field, "invalid per-order bounds %d..%d", t.MinPerOrder, t.MaxPerOrder)
		}
		if !t.SaleWindow.Valid() {
			return generic.NewValidationError(field+".sale_window", "end must be after start")
		}
		switch t.Visibility {
		case VisibilityPublic, VisibilityHidden:
		case VisibilityCodeGated:
			if t.AccessCode == "" {
				return generic.NewValidationError(field+".access_code", "is required for code-gated tiers")
			}
		default:
			return generic.NewValidationError(field+".visibility", "unknown visibility %q", t.Visibility)
		}
		for j, sp := range t.ScheduledPrices {
			if !sp.Window.Valid() || sp.Price.IsNegative() {
				return generic.NewValidationError(fmt.Sprintf("%s.scheduled_prices[%d]", field, j), "invalid window or price")
			}
		}
	}
	return nil
}

// =============================================================================
// LINE ITEMS
// =============================================================================

type LineItem struct {
	TierID   string `json:"tier_id" validate:"required"`
	Quantity int    `json:"quantity" validate:"gt=0"`
}

// AggregateQuantities sums quantities per tier, keeping first-seen order.
func AggregateQuantities(items []LineItem) ([]string, map[string]int) {
	var order []string
	qty := make(map[string]int, len(items))
	for _, it := range items {
		if _, ok := qty[it.TierID]; !ok {
			order = append(order, it.TierID)
		}
		qty[it.TierID] += it.Quantity
	}
	return order, qty
}

// =============================================================================
// PERSISTENCE
// =============================================================================

// GetEvent loads an event. Inside a Tx the read is version-tracked.
func GetEvent(ctx context.Context, r generic.Reader, id string) (*Event, error) {
	var ev Event
	if err := generic.GetJSON(ctx, r, CollectionEvents, id, &ev); err != nil {
		if errors.Is(err, generic.ErrNotFound) {
			return nil, fmt.Errorf("event %s: %w", id, generic.ErrNotFound)
		}
		return nil, err
	}
	return &ev, nil
}

func PutEvent(tx generic.Tx, ev *Event) error {
	return generic.PutJSON(tx, CollectionEvents, ev.ID, "", ev)
}

// Service imports catalog snapshots and serves read-only lookups.
type Service struct {
	runner *generic.Runner
	clock  generic.Clock
}

func NewService(runner *generic.Runner, clock generic.Clock) *Service {
	return &Service{runner: runner, clock: clock}
}

// ImportEvent creates or replaces an event definition. When the event
// already exists, tiers keep their committed remaining count shifted by any
// change in capacity, so a catalog refresh never resurrects sold tickets.
func (s *Service) ImportEvent(ctx context.Context, ev *Event) (*Event, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	var saved *Event
	err := s.runner.Run(ctx, func(ctx context.Context, tx generic.Tx) error {
		next := *ev
		next.Tiers = append([]TicketTier(nil), ev.Tiers...)
		next.UpdatedAt = s.clock.Now().UTC()

		existing, err := GetEvent(ctx, tx, ev.ID)
		switch {
		case errors.Is(err, generic.ErrNotFound):
		case err != nil:
			return err
		default:
			for i := range next.Tiers {
				old, ok := existing.Tier(next.Tiers[i].ID)
				if !ok {
					continue
				}
				sold := old.Total - old.Remaining
				remaining := next.Tiers[i].Total - sold
				if remaining < 0 {
					remaining = 0
				}
				next.Tiers[i].Remaining = remaining
			}
		}

		if err := PutEvent(tx, &next); err != nil {
			return err
		}
		saved = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func (s *Service) GetEvent(ctx context.Context, id string) (*Event, error) {
	return GetEvent(ctx, s.runner.Store(), id)
}
