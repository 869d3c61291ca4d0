package promo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/ticket-engine/catalog"
	"github.com/warp/ticket-engine/events"
	"github.com/warp/ticket-engine/generic"
)

// =============================================================================
// PROMOTER BOOK - Referral links and conversions
// =============================================================================

const CollectionConversions generic.Collection = "promoter_conversions"

// Conversion is recorded once per order. Partitioned by link.
type Conversion struct {
	OrderID    string        `json:"order_id"`
	EventID    string        `json:"event_id"`
	LinkID     string        `json:"link_id"`
	PromoterID string        `json:"promoter_id"`
	Commission generic.Money `json:"commission"`
	RecordedAt time.Time     `json:"recorded_at"`
}

type Book struct {
	runner *generic.Runner
	clock  generic.Clock
	logger logrus.FieldLogger
}

var _ events.ConversionRecorder = (*Book)(nil)

func NewBook(runner *generic.Runner, clock generic.Clock, logger logrus.FieldLogger) *Book {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Book{runner: runner, clock: clock, logger: logger}
}

func (b *Book) CreateLink(ctx context.Context, link catalog.PromoterLink) (*catalog.PromoterLink, error) {
	if err := link.Validate(); err != nil {
		return nil, err
	}
	link.Code = catalog.NormalizeCode(link.Code)
	link.ID = catalog.PromoterLinkID(link.EventID, link.Code)
	link.Conversions = 0
	link.CommissionTotal = 0
	link.CreatedAt = b.clock.Now().UTC()

	err := b.runner.Run(ctx, func(ctx context.Context, tx generic.Tx) error {
		if _, err := catalog.GetEvent(ctx, tx, link.EventID); err != nil {
			return err
		}
		exists, err := generic.Exists(ctx, tx, catalog.CollectionPromoterLinks, link.ID)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("promoter link %s: %w", link.ID, generic.ErrDuplicateIdempotencyKey)
		}
		return catalog.PutPromoterLink(tx, &link)
	})
	if err != nil {
		return nil, err
	}
	return &link, nil
}

// Resolve turns a referral code into an active link. Inactive links are
// reported as not found.
func (b *Book) Resolve(ctx context.Context, eventID, code string) (*catalog.PromoterLink, error) {
	link, err := catalog.GetPromoterLink(ctx, b.runner.Store(), catalog.PromoterLinkID(eventID, code))
	if err != nil {
		return nil, err
	}
	if !link.Active {
		return nil, fmt.Errorf("promoter link %s is inactive: %w", link.ID, generic.ErrNotFound)
	}
	return link, nil
}

// RecordConversion counts a conversion once per order.
func (b *Book) RecordConversion(ctx context.Context, c events.PromoterConversion) error {
	recorded := false
	err := b.runner.Run(ctx, func(ctx context.Context, tx generic.Tx) error {
		recorded = false
		exists, err := generic.Exists(ctx, tx, CollectionConversions, c.OrderID)
		if err != nil || exists {
			return err
		}

		link, err := catalog.GetPromoterLink(ctx, tx, c.LinkID)
		if err != nil {
			return err
		}
		link.Conversions++
		link.CommissionTotal += c.Commission
		if err := catalog.PutPromoterLink(tx, link); err != nil {
			return err
		}

		recorded = true
		return generic.PutJSON(tx, CollectionConversions, c.OrderID, c.LinkID, Conversion{
			OrderID:    c.OrderID,
			EventID:    c.EventID,
			LinkID:     c.LinkID,
			PromoterID: c.PromoterID,
			Commission: c.Commission,
			RecordedAt: b.clock.Now().UTC(),
		})
	})
	if err != nil {
		return err
	}
	if recorded {
		b.logger.WithFields(logrus.Fields{
			"order_id":   c.OrderID,
			"link_id":    c.LinkID,
			"commission": c.Commission,
		}).Info("promoter conversion recorded")
	}
	return nil
}

// Conversion returns the conversion recorded for an order.
func (b *Book) Conversion(ctx context.Context, orderID string) (*Conversion, error) {
	var c Conversion
	if err := generic.GetJSON(ctx, b.runner.Store(), CollectionConversions, orderID, &c); err != nil {
		if errors.Is(err, generic.ErrNotFound) {
			return nil, fmt.Errorf("conversion for order %s: %w", orderID, generic.ErrNotFound)
		}
		return nil, err
	}
	return &c, nil
}

func (b *Book) GetLink(ctx context.Context, id string) (*catalog.PromoterLink, error) {
	return catalog.GetPromoterLink(ctx, b.runner.Store(), id)
}
