/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	catalog data for demos and manual testing. Each scenario imports one
	event through the same factory the import endpoint uses, then creates
	its promo codes and promoter links.

AVAILABLE SCENARIOS:

	club-night:  One GA tier with ten tickets, for sell-out and hold races
	festival:    Early-bird scheduled price, code-gated VIP, free kids tier,
	             a capped percent code, a fixed code and a promoter link
	charity-gala: High-value tables that need dual refund approval

HOW SCENARIOS WORK:
 1. Import the event payload (a refresh keeps sold counts)
 2. Create promo codes
 3. Create promoter links
 Existing codes and links are left alone, so loading twice is harmless.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "festival"}

ADDING NEW SCENARIOS:
 1. Add an entry to 'scenarios' with its event payload and discounts
 2. Nothing else; LoadScenario looks it up by id

SEE ALSO:
  - handlers.go: ImportEvent (same payload shape)
  - factory/event.go: Event JSON definitions
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/warp/ticket-engine/catalog"
	"github.com/warp/ticket-engine/generic"
	"github.com/warp/ticket-engine/logging"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenario struct {
	ScenarioDTO
	eventJSON string
	codes     []catalog.PromoCode
	promoters []catalog.PromoterLink
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "club-night",
			Name:        "Club Night",
			Description: "Single GA tier with ten tickets",
			EventID:     "club-night",
		},
		eventJSON: `{
			"id": "club-night",
			"name": "Club Night",
			"tiers": [
				{"id": "ga", "name": "General Admission", "price": 99900, "total": 10, "max_per_order": 4}
			]
		}`,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "festival",
			Name:        "Festival",
			Description: "Scheduled pricing, code-gated VIP, promo codes and a promoter",
			EventID:     "festival",
		},
		eventJSON: `{
			"id": "festival",
			"name": "Monsoon Festival",
			"tiers": [
				{"id": "ga", "name": "Day Pass", "price_major": "2499", "total": 500,
				 "scheduled_prices": [{"label": "early_bird", "start": "2025-01-01T00:00:00Z", "end": "2025-03-31T23:59:59Z", "price": 179900}]},
				{"id": "vip", "name": "VIP Deck", "price_major": "7999",
				 "inventory": {"totalQuantity": 50},
				 "visibility": "CODE_GATED", "access_code": "DECKACCESS",
				 "promoter": {"discount_percent": "0", "commission_percent": "5"}},
				{"id": "kids", "name": "Under 12", "price": 0, "total": 100, "max_per_order": 2}
			]
		}`,
		codes: []catalog.PromoCode{
			{Code: "MONSOON20", Type: catalog.DiscountPercent, Percent: decimal.NewFromInt(20), MaxDiscount: 100000, MaxRedemptions: 100, MaxPerUser: 1, Active: true},
			{Code: "FLAT500", Type: catalog.DiscountFixed, Amount: 50000, ApplicableTiers: []string{"ga"}, Active: true},
		},
		promoters: []catalog.PromoterLink{
			{Code: "RIYA", PromoterID: "promoter-riya", DiscountPercent: decimal.NewFromInt(5), CommissionPercent: decimal.NewFromInt(10), Active: true},
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "charity-gala",
			Name:        "Charity Gala",
			Description: "High-value tables that need two refund approvers",
			EventID:     "charity-gala",
		},
		eventJSON: `{
			"id": "charity-gala",
			"name": "Charity Gala",
			"tiers": [
				{"id": "seat", "name": "Seat", "price_major": "4500", "total": 200},
				{"id": "table", "name": "Table of Ten", "price_major": "60000", "total": 20, "max_per_order": 1}
			]
		}`,
	},
}

func findScenario(id string) (*scenario, bool) {
	for i := range scenarios {
		if scenarios[i].ID == id {
			return &scenarios[i], true
		}
	}
	return nil, false
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	out := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		out[i] = s.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, out)
}

// LoadScenario
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	s, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, r, fmt.Errorf("scenario %s: %w", req.ScenarioID, generic.ErrNotFound))
		return
	}
	if err := h.loadScenario(r.Context(), s); err != nil {
		writeError(w, r, err)
		return
	}
	logging.FromContext(r.Context()).WithField("scenario", s.ID).Info("scenario loaded")
	writeJSON(w, http.StatusOK, s.ScenarioDTO)
}

func (h *Handler) loadScenario(ctx context.Context, s *scenario) error {
	ev, err := h.Events.ParseEvent([]byte(s.eventJSON))
	if err != nil {
		return fmt.Errorf("parsing scenario %s: %w", s.ID, err)
	}
	if _, err := h.Catalog.ImportEvent(ctx, ev); err != nil {
		return err
	}

	for _, pc := range s.codes {
		pc.EventID = ev.ID
		if _, err := h.Promos.CreateCode(ctx, pc); err != nil && !errors.Is(err, generic.ErrDuplicateIdempotencyKey) {
			return fmt.Errorf("creating promo code %s: %w", pc.Code, err)
		}
	}
	for _, link := range s.promoters {
		link.EventID = ev.ID
		if _, err := h.Promoters.CreateLink(ctx, link); err != nil && !errors.Is(err, generic.ErrDuplicateIdempotencyKey) {
			return fmt.Errorf("creating promoter link %s: %w", link.Code, err)
		}
	}
	return nil
}
