/*
Package factory provides JSON to Go catalog conversion.

PURPOSE:
  Event snapshots arrive from the catalog service in more than one shape:
  older payloads carry flat "total"/"remaining" counts, newer ones nest them
  under "inventory". Prices may be minor units ("price") or a decimal
  major-unit string ("price_major"). The factory accepts every shape and
  produces one canonical catalog.Event, so nothing past this boundary ever
  branches on payload layout.

JSON SCHEMA:
  {
    "id": "evt-42",
    "name": "Indie Night",
    "host_id": "host-7",
    "currency": "INR",
    "starts_at": "2025-07-01T19:00:00Z",
    "tiers": [
      {
        "id": "ga",
        "name": "General Admission",
        "price_major": "1499.00",
        "inventory": {"totalQuantity": 100, "remainingQuantity": 80},
        "sale_start": "2025-06-01T00:00:00Z",
        "visibility": "public",
        "max_per_order": 6,
        "scheduled_prices": [
          {"label": "early_bird", "start": "...", "end": "...", "price": 99900}
        ],
        "promoter": {"commission_percent": "12.5"}
      }
    ]
  }

DEFAULTS:
  - visibility: public
  - remaining: total when absent in both shapes
  - currency: INR

SEE ALSO:
  - catalog/catalog.go: Canonical types and invariants
  - api/handlers.go: POST /api/events
*/
package factory

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/ticket-engine/catalog"
	"github.com/warp/ticket-engine/generic"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

type EventJSON struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	HostID   string     `json:"host_id,omitempty"`
	Currency string     `json:"currency,omitempty"`
	StartsAt *time.Time `json:"starts_at,omitempty"`
	Tiers    []TierJSON `json:"tiers"`
}

type TierJSON struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Price      *int64         `json:"price,omitempty"`       // minor units
	PriceMajor string         `json:"price_major,omitempty"` // "1499.00"
	Total      *int           `json:"total,omitempty"`
	Remaining  *int           `json:"remaining,omitempty"`
	Inventory  *InventoryJSON `json:"inventory,omitempty"`

	SaleStart   *time.Time `json:"sale_start,omitempty"`
	SaleEnd     *time.Time `json:"sale_end,omitempty"`
	Visibility  string     `json:"visibility,omitempty"`
	AccessCode  string     `json:"access_code,omitempty"`
	MinPerOrder int        `json:"min_per_order,omitempty"`
	MaxPerOrder int        `json:"max_per_order,omitempty"`

	ScheduledPrices []ScheduledPriceJSON `json:"scheduled_prices,omitempty"`
	Promoter        *PromoterJSON        `json:"promoter,omitempty"`
}

// InventoryJSON is the nested inventory shape.
type InventoryJSON struct {
	TotalQuantity     int  `json:"totalQuantity"`
	RemainingQuantity *int `json:"remainingQuantity,omitempty"`
}

type ScheduledPriceJSON struct {
	Label string     `json:"label"`
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
	Price int64      `json:"price"`
}

type PromoterJSON struct {
	Disabled          bool   `json:"disabled,omitempty"`
	DiscountPercent   string `json:"discount_percent,omitempty"`
	CommissionPercent string `json:"commission_percent,omitempty"`
}

// =============================================================================
// EVENT FACTORY
// =============================================================================

// EventFactory converts catalog payloads to canonical events.
type EventFactory struct{}

func NewEventFactory() *EventFactory {
	return &EventFactory{}
}

// ParseEvent parses raw JSON and validates the result.
func (f *EventFactory) ParseEvent(raw []byte) (*catalog.Event, error) {
	var ej EventJSON
	if err := json.Unmarshal(raw, &ej); err != nil {
		return nil, generic.NewValidationError("body", "invalid event JSON: %v", err)
	}
	return f.FromJSON(ej)
}

func (f *EventFactory) FromJSON(ej EventJSON) (*catalog.Event, error) {
	ev := &catalog.Event{
		ID:       strings.TrimSpace(ej.ID),
		Name:     ej.Name,
		HostID:   ej.HostID,
		Currency: strings.ToUpper(ej.Currency),
	}
	if ev.Currency == "" {
		ev.Currency = "INR"
	}
	if ej.StartsAt != nil {
		ev.StartsAt = ej.StartsAt.UTC()
	}

	for i, tj := range ej.Tiers {
		tier, err := parseTier(tj)
		if err != nil {
			return nil, fmt.Errorf("tiers[%d]: %w", i, err)
		}
		ev.Tiers = append(ev.Tiers, tier)
	}

	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

func parseTier(tj TierJSON) (catalog.TicketTier, error) {
	price, err := parsePrice(tj)
	if err != nil {
		return catalog.TicketTier{}, err
	}
	total, remaining := parseCounts(tj)

	tier := catalog.TicketTier{
		ID:          tj.ID,
		Name:        tj.Name,
		Price:       price,
		Total:       total,
		Remaining:   remaining,
		SaleWindow:  window(tj.SaleStart, tj.SaleEnd),
		Visibility:  catalog.Visibility(strings.ToLower(tj.Visibility)),
		AccessCode:  tj.AccessCode,
		MinPerOrder: tj.MinPerOrder,
		MaxPerOrder: tj.MaxPerOrder,
	}
	if tier.Visibility == "" {
		tier.Visibility = catalog.VisibilityPublic
	}

	for _, sp := range tj.ScheduledPrices {
		tier.ScheduledPrices = append(tier.ScheduledPrices, catalog.ScheduledPrice{
			Label:  sp.Label,
			Window: window(sp.Start, sp.End),
			Price:  generic.Money(sp.Price),
		})
	}

	if tj.Promoter != nil {
		override := &catalog.PromoterOverride{Disabled: tj.Promoter.Disabled}
		if override.DiscountPercent, err = parsePercent("promoter.discount_percent", tj.Promoter.DiscountPercent); err != nil {
			return catalog.TicketTier{}, err
		}
		if override.CommissionPercent, err = parsePercent("promoter.commission_percent", tj.Promoter.CommissionPercent); err != nil {
			return catalog.TicketTier{}, err
		}
		tier.PromoterOverride = override
	}
	return tier, nil
}

func parsePrice(tj TierJSON) (generic.Money, error) {
	if tj.Price != nil {
		return generic.Money(*tj.Price), nil
	}
	if tj.PriceMajor == "" {
		return 0, generic.NewValidationError("price", "one of price or price_major is required")
	}
	d, err := decimal.NewFromString(tj.PriceMajor)
	if err != nil {
		return 0, generic.NewValidationError("price_major", "invalid decimal %q", tj.PriceMajor)
	}
	return generic.MoneyFromDecimal(d.Shift(2)), nil
}

// parseCounts prefers the nested inventory shape over the flat one.
func parseCounts(tj TierJSON) (total, remaining int) {
	switch {
	case tj.Inventory != nil:
		total = tj.Inventory.TotalQuantity
		remaining = total
		if tj.Inventory.RemainingQuantity != nil {
			remaining = *tj.Inventory.RemainingQuantity
		}
	case tj.Total != nil:
		total = *tj.Total
		remaining = total
		if tj.Remaining != nil {
			remaining = *tj.Remaining
		}
	case tj.Remaining != nil:
		total, remaining = *tj.Remaining, *tj.Remaining
	}
	return total, remaining
}

func parsePercent(field, s string) (*decimal.Decimal, error) {
	if s == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil || d.IsNegative() || d.GreaterThan(decimal.NewFromInt(100)) {
		return nil, generic.NewValidationError(field, "must be a percentage between 0 and 100, got %q", s)
	}
	return &d, nil
}

func window(start, end *time.Time) generic.Window {
	var w generic.Window
	if start != nil {
		w.Start = start.UTC()
	}
	if end != nil {
		w.End = end.UTC()
	}
	return w
}
