/*
Package pricing computes itemized order prices.

PURPOSE:
  Pure function from (event catalog, line items, discounts, asOf) to an
  itemized Breakdown. Nothing here reads or writes the store, so price
  previews can be computed as often as the UI likes without touching
  redemption counters.

ALGORITHM:
  1. Resolve each line: tier lookup, scheduled price at asOf, subtotal.
     Bad lines become Warnings and are skipped; callers decide whether a
     warning blocks checkout.
  2. Promo discount: computed on the pre-discount subtotal of the tiers the
     code applies to.
  3. Promoter discount: independently, on the pre-discount subtotal of the
     promoter-eligible tiers, weighted by per-tier rate overrides.
  4. Each discount is distributed across its eligible lines proportionally
     to their subtotal, flooring every share and giving the remainder to
     the last eligible line.
  5. Fees are percentages of the post-discount subtotal, rounded one by one.

ROUNDING:
  Half away from zero for percentages (generic.Money.Percent), floor for
  proportional shares. The remainder rule makes the result depend on line
  order, which is deterministic for a given request.

EXAMPLE:
  engine := pricing.NewEngine(pricing.FeePolicy{PlatformPercent: decimal.NewFromInt(2)})
  b := engine.ComputeOrder(event, []catalog.LineItem{{TierID: "ga", Quantity: 2}},
      pricing.Options{PromoCode: save10, AsOf: clock.Now()})
  // b.Subtotal, b.DiscountTotal, b.Fees, b.GrandTotal

SEE ALSO:
  - promo/ledger.go: Validates codes before they reach ComputeOrder
  - order/order.go: Snapshots the Breakdown onto the order
*/
package pricing

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/ticket-engine/catalog"
	"github.com/warp/ticket-engine/generic"
)

const BaseLabel = "base"

// =============================================================================
// TIER PRICE
// =============================================================================

type Quote struct {
	UnitPrice     generic.Money `json:"unit_price"`
	ScheduleLabel string        `json:"schedule_label"`
}

// PriceTier returns the first scheduled price whose closed window contains
// asOf, or the base price.
func PriceTier(tier *catalog.TicketTier, asOf time.Time) Quote {
	for _, sp := range tier.ScheduledPrices {
		if sp.Window.ContainsClosed(asOf) {
			label := sp.Label
			if label == "" {
				label = "scheduled"
			}
			return Quote{UnitPrice: sp.Price, ScheduleLabel: label}
		}
	}
	return Quote{UnitPrice: tier.Price, ScheduleLabel: BaseLabel}
}

// =============================================================================
// BREAKDOWN
// =============================================================================

type DiscountSource string

const (
	SourcePromoCode DiscountSource = "promo_code"
	SourcePromoter  DiscountSource = "promoter"
)

type Line struct {
	TierID        string        `json:"tier_id"`
	TierName      string        `json:"tier_name"`
	Quantity      int           `json:"quantity"`
	UnitPrice     generic.Money `json:"unit_price"`
	ScheduleLabel string        `json:"schedule_label"`
	Subtotal      generic.Money `json:"subtotal"`

	PromoDiscount    generic.Money `json:"promo_discount"`
	PromoterDiscount generic.Money `json:"promoter_discount"`
	Total            generic.Money `json:"total"`
}

func (l *Line) remaining() generic.Money {
	return l.Subtotal - l.PromoDiscount - l.PromoterDiscount
}

// Warning reports an input line that could not be priced.
type Warning struct {
	Index   int    `json:"index"`
	TierID  string `json:"tier_id"`
	Message string `json:"message"`
}

type AppliedDiscount struct {
	Source DiscountSource `json:"source"`
	Code   string         `json:"code"`
	Amount generic.Money  `json:"amount"`
}

type Fees struct {
	Platform generic.Money `json:"platform"`
	Payment  generic.Money `json:"payment"`
	Tax      generic.Money `json:"tax"`
}

func (f Fees) Total() generic.Money { return f.Platform + f.Payment + f.Tax }

type Breakdown struct {
	Lines    []Line    `json:"lines"`
	Warnings []Warning `json:"warnings,omitempty"`

	Subtotal           generic.Money     `json:"subtotal"`
	Discounts          []AppliedDiscount `json:"discounts,omitempty"`
	DiscountTotal      generic.Money     `json:"discount_total"`
	DiscountedSubtotal generic.Money     `json:"discounted_subtotal"`
	Fees               Fees              `json:"fees"`
	GrandTotal         generic.Money     `json:"grand_total"`
	IsFree             bool              `json:"is_free"`
	AsOf               time.Time         `json:"as_of"`
}

// Discount returns the applied amount for a source, zero if none.
func (b *Breakdown) Discount(source DiscountSource) generic.Money {
	for _, d := range b.Discounts {
		if d.Source == source {
			return d.Amount
		}
	}
	return 0
}

// Quantities returns the priced lines as line items.
func (b *Breakdown) Quantities() []catalog.LineItem {
	items := make([]catalog.LineItem, 0, len(b.Lines))
	for _, l := range b.Lines {
		items = append(items, catalog.LineItem{TierID: l.TierID, Quantity: l.Quantity})
	}
	return items
}

// =============================================================================
// ENGINE
// =============================================================================

// FeePolicy holds percentage fees charged on the post-discount subtotal.
type FeePolicy struct {
	PlatformPercent decimal.Decimal
	PaymentPercent  decimal.Decimal
	TaxPercent      decimal.Decimal
}

type Options struct {
	// PromoCode must already be validated; the engine only computes amounts.
	PromoCode *catalog.PromoCode
	Promoter  *catalog.PromoterLink
	AsOf      time.Time
}

type Engine struct {
	Fees FeePolicy
}

func NewEngine(fees FeePolicy) *Engine {
	return &Engine{Fees: fees}
}

// ComputeOrder prices items against ev. It never fails: unpriceable lines
// are reported as warnings.
func (e *Engine) ComputeOrder(ev *catalog.Event, items []catalog.LineItem, opts Options) Breakdown {
	b := Breakdown{AsOf: opts.AsOf}
	tiers := make([]*catalog.TicketTier, 0, len(items))

	for i, it := range items {
		if it.Quantity <= 0 {
			b.Warnings = append(b.Warnings, Warning{Index: i, TierID: it.TierID, Message: "quantity must be positive"})
			continue
		}
		tier, ok := ev.Tier(it.TierID)
		if !ok {
			b.Warnings = append(b.Warnings, Warning{Index: i, TierID: it.TierID, Message: "unknown tier"})
			continue
		}
		q := PriceTier(tier, opts.AsOf)
		subtotal := q.UnitPrice * generic.Money(it.Quantity)
		b.Lines = append(b.Lines, Line{
			TierID:        tier.ID,
			TierName:      tier.Name,
			Quantity:      it.Quantity,
			UnitPrice:     q.UnitPrice,
			ScheduleLabel: q.ScheduleLabel,
			Subtotal:      subtotal,
		})
		tiers = append(tiers, tier)
		b.Subtotal += subtotal
	}

	if pc := opts.PromoCode; pc != nil {
		amount := applyPromo(b.Lines, pc)
		b.Discounts = append(b.Discounts, AppliedDiscount{Source: SourcePromoCode, Code: pc.Code, Amount: amount})
	}
	if link := opts.Promoter; link != nil {
		amount := applyPromoter(b.Lines, tiers, link)
		if amount > 0 {
			b.Discounts = append(b.Discounts, AppliedDiscount{Source: SourcePromoter, Code: link.Code, Amount: amount})
		}
	}

	for i := range b.Lines {
		l := &b.Lines[i]
		l.Total = l.remaining()
		b.DiscountTotal += l.PromoDiscount + l.PromoterDiscount
	}
	b.DiscountedSubtotal = b.Subtotal - b.DiscountTotal

	b.Fees = Fees{
		Platform: b.DiscountedSubtotal.Percent(e.Fees.PlatformPercent),
		Payment:  b.DiscountedSubtotal.Percent(e.Fees.PaymentPercent),
		Tax:      b.DiscountedSubtotal.Percent(e.Fees.TaxPercent),
	}
	b.GrandTotal = b.DiscountedSubtotal + b.Fees.Total()
	b.IsFree = b.GrandTotal == 0
	return b
}

// =============================================================================
// DISCOUNTS
// =============================================================================

func applyPromo(lines []Line, pc *catalog.PromoCode) generic.Money {
	var eligible []int
	var base generic.Money
	for i := range lines {
		if pc.AppliesTo(lines[i].TierID) {
			eligible = append(eligible, i)
			base += lines[i].Subtotal
		}
	}
	if len(eligible) == 0 {
		return 0
	}

	var amount generic.Money
	switch pc.Type {
	case catalog.DiscountPercent:
		amount = base.Percent(pc.Percent)
		if pc.MaxDiscount > 0 {
			amount = amount.Min(pc.MaxDiscount)
		}
	case catalog.DiscountFixed:
		amount = pc.Amount
	}
	amount = amount.Min(base)

	return distribute(lines, eligible, amount, func(l *Line, d generic.Money) { l.PromoDiscount += d })
}

func applyPromoter(lines []Line, tiers []*catalog.TicketTier, link *catalog.PromoterLink) generic.Money {
	var eligible []int
	weighted := decimal.Zero
	for i := range lines {
		rate, ok := link.DiscountRate(tiers[i])
		if !ok || !rate.IsPositive() {
			continue
		}
		eligible = append(eligible, i)
		weighted = weighted.Add(lines[i].Subtotal.Decimal().Mul(rate))
	}
	if len(eligible) == 0 {
		return 0
	}
	amount := generic.MoneyFromDecimal(weighted.Div(decimal.NewFromInt(100)))

	return distribute(lines, eligible, amount, func(l *Line, d generic.Money) { l.PromoterDiscount += d })
}

// distribute splits amount across eligible lines by subtotal share. Shares
// are floored, the remainder lands on the last eligible line, and no line
// is discounted below zero; any excess spills backwards to earlier lines.
// Returns the amount actually applied.
func distribute(lines []Line, eligible []int, amount generic.Money, apply func(*Line, generic.Money)) generic.Money {
	if amount <= 0 {
		return 0
	}
	var weight generic.Money
	for _, i := range eligible {
		weight += lines[i].Subtotal
	}

	shares := make([]generic.Money, len(eligible))
	var assigned generic.Money
	for k, i := range eligible[:len(eligible)-1] {
		shares[k] = amount.Share(lines[i].Subtotal, weight)
		assigned += shares[k]
	}
	shares[len(shares)-1] = amount - assigned

	var applied, excess generic.Money
	for k := len(eligible) - 1; k >= 0; k-- {
		l := &lines[eligible[k]]
		want := shares[k] + excess
		got := want.Min(l.remaining())
		excess = want - got
		if got > 0 {
			apply(l, got)
			applied += got
		}
	}
	return applied
}

// =============================================================================
// COMMISSION
// =============================================================================

// Commission is the promoter attribution snapshotted onto an order.
type Commission struct {
	LinkID     string          `json:"link_id"`
	PromoterID string          `json:"promoter_id"`
	Code       string          `json:"code"`
	Rate       decimal.Decimal `json:"rate"`
	Amount     generic.Money   `json:"amount"`
}

// ComputeCommission sums post-discount eligible line totals weighted by the
// commission rate (tier override wins) and rounds once.
func ComputeCommission(b Breakdown, ev *catalog.Event, link *catalog.PromoterLink) Commission {
	total := decimal.Zero
	for _, l := range b.Lines {
		tier, ok := ev.Tier(l.TierID)
		if !ok {
			continue
		}
		rate, ok := link.CommissionRate(tier)
		if !ok {
			continue
		}
		total = total.Add(l.Total.Decimal().Mul(rate))
	}
	return Commission{
		LinkID:     link.ID,
		PromoterID: link.PromoterID,
		Code:       link.Code,
		Rate:       link.CommissionPercent,
		Amount:     generic.MoneyFromDecimal(total.Div(decimal.NewFromInt(100))),
	}
}
