package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/warp/ticket-engine/generic"
)

// =============================================================================
// PROMO CODES
// =============================================================================

type DiscountType string

const (
	DiscountPercent DiscountType = "percent"
	DiscountFixed   DiscountType = "fixed"
)

// PromoCode is scoped to one event. RedemptionCount is maintained by the
// promo ledger together with a redemption record.
type PromoCode struct {
	ID      string `json:"id"`
	EventID string `json:"event_id"`
	Code    string `json:"code"`

	Type    DiscountType    `json:"type"`
	Percent decimal.Decimal `json:"percent"`
	Amount  generic.Money   `json:"amount"`
	// MaxDiscount caps percent discounts. Zero means uncapped.
	MaxDiscount generic.Money `json:"max_discount,omitempty"`

	// Empty means every tier.
	ApplicableTiers []string `json:"applicable_tiers,omitempty"`

	// Zero means uncapped.
	MaxRedemptions int `json:"max_redemptions,omitempty"`
	MaxPerUser     int `json:"max_per_user,omitempty"`

	Active          bool           `json:"active"`
	Validity        generic.Window `json:"validity"`
	RedemptionCount int            `json:"redemption_count"`
	CreatedAt       time.Time      `json:"created_at"`
}

// NormalizeCode uppercases and strips everything but letters and digits.
func NormalizeCode(code string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(code) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// PromoCodeID is the document id of an event's code.
func PromoCodeID(eventID, code string) string {
	return eventID + "/" + NormalizeCode(code)
}

// AppliesTo reports whether tierID is eligible for the code.
func (p *PromoCode) AppliesTo(tierID string) bool {
	if len(p.ApplicableTiers) == 0 {
		return true
	}
	for _, id := range p.ApplicableTiers {
		if id == tierID {
			return true
		}
	}
	return false
}

func (p *PromoCode) Validate() error {
	if p.EventID == "" {
		return generic.NewValidationError("event_id", "is required")
	}
	if NormalizeCode(p.Code) == "" {
		return generic.NewValidationError("code", "must contain letters or digits")
	}
	switch p.Type {
	case DiscountPercent:
		if !p.Percent.IsPositive() || p.Percent.GreaterThan(decimal.NewFromInt(100)) {
			return generic.NewValidationError("percent", "must be in (0, 100]")
		}
	case DiscountFixed:
		if !p.Amount.IsPositive() {
			return generic.NewValidationError("amount", "must be positive")
		}
	default:
		return generic.NewValidationError("type", "unknown discount type %q", p.Type)
	}
	if p.MaxRedemptions < 0 || p.MaxPerUser < 0 || p.MaxDiscount.IsNegative() {
		return generic.NewValidationError("caps", "must not be negative")
	}
	if !p.Validity.Valid() {
		return generic.NewValidationError("validity", "end must be after start")
	}
	return nil
}

func GetPromoCode(ctx context.Context, r generic.Reader, id string) (*PromoCode, error) {
	var pc PromoCode
	if err := generic.GetJSON(ctx, r, CollectionPromoCodes, id, &pc); err != nil {
		if errors.Is(err, generic.ErrNotFound) {
			return nil, fmt.Errorf("promo code %s: %w", id, generic.ErrNotFound)
		}
		return nil, err
	}
	return &pc, nil
}

func PutPromoCode(tx generic.Tx, pc *PromoCode) error {
	return generic.PutJSON(tx, CollectionPromoCodes, pc.ID, pc.EventID, pc)
}

// =============================================================================
// PROMOTER LINKS
// =============================================================================

// PromoterLink attributes a sale to a promoter. DiscountPercent is given to
// the buyer, CommissionPercent is owed to the promoter. Tier overrides win.
type PromoterLink struct {
	ID                string          `json:"id"`
	EventID           string          `json:"event_id"`
	Code              string          `json:"code"`
	PromoterID        string          `json:"promoter_id"`
	DiscountPercent   decimal.Decimal `json:"discount_percent"`
	CommissionPercent decimal.Decimal `json:"commission_percent"`
	Active            bool            `json:"active"`

	Conversions     int           `json:"conversions"`
	CommissionTotal generic.Money `json:"commission_total"`
	CreatedAt       time.Time     `json:"created_at"`
}

func PromoterLinkID(eventID, code string) string {
	return eventID + "/" + NormalizeCode(code)
}

// DiscountRate is the buyer discount for a tier, or false if not eligible.
func (l *PromoterLink) DiscountRate(t *TicketTier) (decimal.Decimal, bool) {
	if !t.PromoterEligible() {
		return decimal.Zero, false
	}
	if t.PromoterOverride != nil && t.PromoterOverride.DiscountPercent != nil {
		return *t.PromoterOverride.DiscountPercent, true
	}
	return l.DiscountPercent, true
}

// CommissionRate is the promoter commission for a tier, or false if not eligible.
func (l *PromoterLink) CommissionRate(t *TicketTier) (decimal.Decimal, bool) {
	if !t.PromoterEligible() {
		return decimal.Zero, false
	}
	if t.PromoterOverride != nil && t.PromoterOverride.CommissionPercent != nil {
		return *t.PromoterOverride.CommissionPercent, true
	}
	return l.CommissionPercent, true
}

func (l *PromoterLink) Validate() error {
	if l.EventID == "" || l.PromoterID == "" {
		return generic.NewValidationError("promoter", "event_id and promoter_id are required")
	}
	if NormalizeCode(l.Code) == "" {
		return generic.NewValidationError("code", "must contain letters or digits")
	}
	hundred := decimal.NewFromInt(100)
	if l.DiscountPercent.IsNegative() || l.DiscountPercent.GreaterThan(hundred) {
		return generic.NewValidationError("discount_percent", "must be in [0, 100]")
	}
	if l.CommissionPercent.IsNegative() || l.CommissionPercent.GreaterThan(hundred) {
		return generic.NewValidationError("commission_percent", "must be in [0, 100]")
	}
	return nil
}

func GetPromoterLink(ctx context.Context, r generic.Reader, id string) (*PromoterLink, error) {
	var l PromoterLink
	if err := generic.GetJSON(ctx, r, CollectionPromoterLinks, id, &l); err != nil {
		if errors.Is(err, generic.ErrNotFound) {
			return nil, fmt.Errorf("promoter link %s: %w", id, generic.ErrNotFound)
		}
		return nil, err
	}
	return &l, nil
}

func PutPromoterLink(tx generic.Tx, l *PromoterLink) error {
	return generic.PutJSON(tx, CollectionPromoterLinks, l.ID, l.EventID, l)
}
