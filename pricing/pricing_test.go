package pricing_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/ticket-engine/catalog"
	"github.com/warp/ticket-engine/generic"
	"github.com/warp/ticket-engine/pricing"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var asOf = time.Date(2025, time.June, 7, 12, 0, 0, 0, time.UTC)

func pct(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func pctPtr(s string) *decimal.Decimal {
	d := pct(s)
	return &d
}

func newEvent() *catalog.Event {
	return &catalog.Event{
		ID: "evt-1",
		Tiers: []catalog.TicketTier{
			{ID: "ga", Name: "General", Price: 100000, Total: 100, Remaining: 100, Visibility: catalog.VisibilityPublic},
			{ID: "vip", Name: "VIP", Price: 250000, Total: 10, Remaining: 10, Visibility: catalog.VisibilityPublic,
				PromoterOverride: &catalog.PromoterOverride{DiscountPercent: pctPtr("10"), CommissionPercent: pctPtr("15")}},
			{ID: "student", Name: "Student", Price: 50000, Total: 50, Remaining: 50, Visibility: catalog.VisibilityPublic,
				PromoterOverride: &catalog.PromoterOverride{Disabled: true}},
			{ID: "free", Name: "Community", Price: 0, Total: 20, Remaining: 20, Visibility: catalog.VisibilityPublic},
		},
	}
}

func noFees() *pricing.Engine { return pricing.NewEngine(pricing.FeePolicy{}) }

// =============================================================================
// SCHEDULED PRICES
// =============================================================================

func TestPriceTier_ScheduledWindows(t *testing.T) {
	// GIVEN: Two overlapping scheduled windows declared early-bird first
	// WHEN: Pricing at various instants
	// THEN: First matching window wins, end is inclusive, base is the fallback

	jun := func(day int) time.Time { return time.Date(2025, time.June, day, 0, 0, 0, 0, time.UTC) }
	tier := &catalog.TicketTier{
		ID:    "ga",
		Price: 150000,
		ScheduledPrices: []catalog.ScheduledPrice{
			{Label: "early_bird", Window: generic.Window{Start: jun(1), End: jun(10)}, Price: 100000},
			{Label: "advance", Window: generic.Window{Start: jun(5), End: jun(20)}, Price: 120000},
		},
	}

	tests := []struct {
		name  string
		at    time.Time
		price generic.Money
		label string
	}{
		{"inside first window", jun(7), 100000, "early_bird"},
		{"first window end is inclusive", jun(10), 100000, "early_bird"},
		{"second window", jun(15), 120000, "advance"},
		{"after all windows", jun(25), 150000, pricing.BaseLabel},
		{"before all windows", time.Date(2025, time.May, 1, 0, 0, 0, 0, time.UTC), 150000, pricing.BaseLabel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := pricing.PriceTier(tier, tt.at)
			assert.Equal(t, tt.price, q.UnitPrice)
			assert.Equal(t, tt.label, q.ScheduleLabel)
		})
	}
}

// =============================================================================
// ORDER TOTALS
// =============================================================================

func TestComputeOrder_FeesOnDiscountedSubtotal(t *testing.T) {
	engine := pricing.NewEngine(pricing.FeePolicy{
		PlatformPercent: pct("2"),
		PaymentPercent:  pct("2.5"),
		TaxPercent:      pct("18"),
	})

	b := engine.ComputeOrder(newEvent(), []catalog.LineItem{{TierID: "ga", Quantity: 2}}, pricing.Options{AsOf: asOf})

	assert.Empty(t, b.Warnings)
	assert.Equal(t, generic.Money(200000), b.Subtotal)
	assert.Equal(t, generic.Money(4000), b.Fees.Platform)
	assert.Equal(t, generic.Money(5000), b.Fees.Payment)
	assert.Equal(t, generic.Money(36000), b.Fees.Tax)
	assert.Equal(t, generic.Money(245000), b.GrandTotal)
	assert.False(t, b.IsFree)
}

func TestComputeOrder_UnknownTier_WarnsAndPricesRest(t *testing.T) {
	// GIVEN: A basket with one unknown tier and one zero quantity line
	// WHEN: Computing the order
	// THEN: Valid lines are priced, bad lines are warnings, no failure

	b := noFees().ComputeOrder(newEvent(), []catalog.LineItem{
		{TierID: "ga", Quantity: 1},
		{TierID: "nope", Quantity: 1},
		{TierID: "vip", Quantity: 0},
	}, pricing.Options{AsOf: asOf})

	require.Len(t, b.Lines, 1)
	assert.Equal(t, generic.Money(100000), b.GrandTotal)
	require.Len(t, b.Warnings, 2)
	assert.Equal(t, 1, b.Warnings[0].Index)
	assert.Equal(t, "unknown tier", b.Warnings[0].Message)
	assert.Equal(t, 2, b.Warnings[1].Index)
}

func TestComputeOrder_DuplicateTierLinesPricedSeparately(t *testing.T) {
	b := noFees().ComputeOrder(newEvent(), []catalog.LineItem{
		{TierID: "ga", Quantity: 1},
		{TierID: "ga", Quantity: 2},
	}, pricing.Options{AsOf: asOf})

	require.Len(t, b.Lines, 2)
	assert.Equal(t, generic.Money(300000), b.Subtotal)
}

func TestComputeOrder_FreeOrder(t *testing.T) {
	b := noFees().ComputeOrder(newEvent(), []catalog.LineItem{{TierID: "free", Quantity: 2}}, pricing.Options{AsOf: asOf})

	assert.Equal(t, generic.Money(0), b.GrandTotal)
	assert.True(t, b.IsFree)
}

// =============================================================================
// PROMO DISCOUNTS
// =============================================================================

func TestComputeOrder_PromoOnlyOnApplicableTiers(t *testing.T) {
	code := &catalog.PromoCode{Code: "VIP10", Type: catalog.DiscountPercent, Percent: pct("10"), ApplicableTiers: []string{"vip"}}

	b := noFees().ComputeOrder(newEvent(), []catalog.LineItem{
		{TierID: "ga", Quantity: 2},
		{TierID: "vip", Quantity: 1},
	}, pricing.Options{PromoCode: code, AsOf: asOf})

	assert.Equal(t, generic.Money(25000), b.Discount(pricing.SourcePromoCode))
	assert.Equal(t, generic.Money(0), b.Lines[0].PromoDiscount)
	assert.Equal(t, generic.Money(25000), b.Lines[1].PromoDiscount)
	assert.Equal(t, generic.Money(425000), b.DiscountedSubtotal)
}

func TestComputeOrder_ProportionalRemainderToLastLine(t *testing.T) {
	// GIVEN: Eligible subtotals 999 and 1000, fixed discount of 100
	// WHEN: The discount is distributed
	// THEN: First line gets floor(100*999/1999) = 49, last line the remaining 51

	ev := &catalog.Event{ID: "evt-2", Tiers: []catalog.TicketTier{
		{ID: "a", Price: 333, Total: 10, Remaining: 10, Visibility: catalog.VisibilityPublic},
		{ID: "b", Price: 1000, Total: 10, Remaining: 10, Visibility: catalog.VisibilityPublic},
	}}
	code := &catalog.PromoCode{Code: "FLAT", Type: catalog.DiscountFixed, Amount: 100}

	b := noFees().ComputeOrder(ev, []catalog.LineItem{{TierID: "a", Quantity: 3}, {TierID: "b", Quantity: 1}},
		pricing.Options{PromoCode: code, AsOf: asOf})

	assert.Equal(t, generic.Money(49), b.Lines[0].PromoDiscount)
	assert.Equal(t, generic.Money(51), b.Lines[1].PromoDiscount)
	assert.Equal(t, generic.Money(100), b.DiscountTotal)
}

func TestComputeOrder_FixedDiscountCappedAtEligibleSubtotal(t *testing.T) {
	code := &catalog.PromoCode{Code: "BIG", Type: catalog.DiscountFixed, Amount: 500000}

	b := noFees().ComputeOrder(newEvent(), []catalog.LineItem{{TierID: "ga", Quantity: 1}}, pricing.Options{PromoCode: code, AsOf: asOf})

	assert.Equal(t, generic.Money(100000), b.DiscountTotal)
	assert.Equal(t, generic.Money(0), b.GrandTotal)
	assert.True(t, b.IsFree)
}

func TestComputeOrder_PercentDiscountMaxCap(t *testing.T) {
	code := &catalog.PromoCode{Code: "HALF", Type: catalog.DiscountPercent, Percent: pct("50"), MaxDiscount: 30000}

	b := noFees().ComputeOrder(newEvent(), []catalog.LineItem{{TierID: "ga", Quantity: 1}}, pricing.Options{PromoCode: code, AsOf: asOf})

	assert.Equal(t, generic.Money(30000), b.DiscountTotal)
}

// =============================================================================
// PROMOTER DISCOUNTS & COMMISSION
// =============================================================================

func TestComputeOrder_PromoterOverridesAndCommission(t *testing.T) {
	// GIVEN: Link at 5% discount / 10% commission, VIP overrides to 10%/15%,
	//        Student opts out of promoter pricing
	// WHEN: Buying GA x2, VIP x1, Student x1
	// THEN: Discount = round(200000*5% + 250000*10%) = 35000 split by subtotal
	//       over GA and VIP; commission is on post-discount eligible totals

	link := &catalog.PromoterLink{
		ID: "evt-1/ALICE", Code: "ALICE", PromoterID: "alice",
		DiscountPercent: pct("5"), CommissionPercent: pct("10"), Active: true,
	}
	ev := newEvent()

	b := noFees().ComputeOrder(ev, []catalog.LineItem{
		{TierID: "ga", Quantity: 2},
		{TierID: "vip", Quantity: 1},
		{TierID: "student", Quantity: 1},
	}, pricing.Options{Promoter: link, AsOf: asOf})

	assert.Equal(t, generic.Money(35000), b.Discount(pricing.SourcePromoter))
	assert.Equal(t, generic.Money(15555), b.Lines[0].PromoterDiscount)
	assert.Equal(t, generic.Money(19445), b.Lines[1].PromoterDiscount)
	assert.Equal(t, generic.Money(0), b.Lines[2].PromoterDiscount)

	c := pricing.ComputeCommission(b, ev, link)
	// 184445 * 10% + 230555 * 15% = 18444.5 + 34583.25 = 53027.75
	assert.Equal(t, generic.Money(53028), c.Amount)
	assert.Equal(t, "alice", c.PromoterID)
}

func TestComputeOrder_PromoAndPromoterBothOnPreDiscountSubtotal(t *testing.T) {
	code := &catalog.PromoCode{Code: "SAVE10", Type: catalog.DiscountPercent, Percent: pct("10")}
	link := &catalog.PromoterLink{Code: "BOB", DiscountPercent: pct("5"), CommissionPercent: pct("10")}

	b := noFees().ComputeOrder(newEvent(), []catalog.LineItem{{TierID: "ga", Quantity: 1}},
		pricing.Options{PromoCode: code, Promoter: link, AsOf: asOf})

	assert.Equal(t, generic.Money(10000), b.Discount(pricing.SourcePromoCode))
	assert.Equal(t, generic.Money(5000), b.Discount(pricing.SourcePromoter))
	assert.Equal(t, generic.Money(85000), b.GrandTotal)
}

func TestComputeOrder_DiscountsNeverExceedLine(t *testing.T) {
	code := &catalog.PromoCode{Code: "ALL", Type: catalog.DiscountPercent, Percent: pct("100")}
	link := &catalog.PromoterLink{Code: "BOB", DiscountPercent: pct("5")}

	b := noFees().ComputeOrder(newEvent(), []catalog.LineItem{{TierID: "ga", Quantity: 1}},
		pricing.Options{PromoCode: code, Promoter: link, AsOf: asOf})

	assert.Equal(t, generic.Money(100000), b.DiscountTotal)
	assert.Equal(t, generic.Money(0), b.Lines[0].Total)
	assert.True(t, b.IsFree)
}
