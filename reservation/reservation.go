/*
Package reservation manages time-boxed checkout holds.

PURPOSE:
  A reservation shadows demand while a buyer is in checkout. It never
  touches committed inventory: holds only reduce what CheckAvailability
  reports as effectively available to other buyers.

LIFECYCLE:
  ┌────────┐  Release   ┌──────────┐
  │ active │──────────▶ │ released │
  │        │  Convert   ┌───────────┐
  │        │──────────▶ │ converted │
  │        │  TTL       ┌─────────┐
  │        │ ─ ─ ─ ─ ─▶ │ expired │   (passive; SweepExpired just records it)
  └────────┘

LIVE EXPIRY:
  Every read path compares ExpiresAt with the clock. A hold past its expiry
  is treated as expired even if still stored as active, so the sweep is
  cleanup and never a correctness dependency.

AVAILABILITY:
  effectiveAvailable = committed remaining - sum of live holds on the tier
  (optionally excluding one reservation so a hold does not count against
  itself when re-validated).

SEE ALSO:
  - inventory/inventory.go: Committed remaining counts
  - order/order.go: Converts the hold inside order creation
  - api/scheduler.go: Periodic SweepExpired
*/
package reservation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/warp/ticket-engine/catalog"
	"github.com/warp/ticket-engine/generic"
)

const (
	CollectionReservations generic.Collection = "reservations"

	DefaultTTL = 10 * time.Minute
)

type Status string

const (
	StatusActive    Status = "active"
	StatusReleased  Status = "released"
	StatusConverted Status = "converted"
	StatusExpired   Status = "expired"
)

type Reservation struct {
	ID        string             `json:"id"`
	EventID   string             `json:"event_id"`
	Owner     string             `json:"owner"`
	Items     []catalog.LineItem `json:"items"`
	Status    Status             `json:"status"`
	OrderID   string             `json:"order_id,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	ExpiresAt time.Time          `json:"expires_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Live reports whether the hold still counts against availability.
func (r *Reservation) Live(now time.Time) bool {
	return r.Status == StatusActive && now.Before(r.ExpiresAt)
}

// EffectiveStatus reports expired for an active hold past its expiry.
func (r *Reservation) EffectiveStatus(now time.Time) Status {
	if r.Status == StatusActive && !now.Before(r.ExpiresAt) {
		return StatusExpired
	}
	return r.Status
}

// =============================================================================
// MANAGER
// =============================================================================

type Manager struct {
	runner     *generic.Runner
	clock      generic.Clock
	defaultTTL time.Duration
	validate   *validator.Validate
	logger     logrus.FieldLogger
}

func NewManager(runner *generic.Runner, clock generic.Clock, defaultTTL time.Duration, logger logrus.FieldLogger) *Manager {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{
		runner:     runner,
		clock:      clock,
		defaultTTL: defaultTTL,
		validate:   validator.New(),
		logger:     logger,
	}
}

type CreateRequest struct {
	EventID    string             `validate:"required"`
	Owner      string             `validate:"required"`
	Items      []catalog.LineItem `validate:"required,min=1,dive"`
	TTL        time.Duration      `validate:"gte=0"`
	AccessCode string
}

// Create validates availability and persists an active hold. Committed
// inventory is not touched.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Reservation, error) {
	if err := m.validate.Struct(req); err != nil {
		return nil, generic.NewValidationError("reservation", "%s", err.Error())
	}
	ttl := req.TTL
	if ttl == 0 {
		ttl = m.defaultTTL
	}

	var created *Reservation
	err := m.runner.Run(ctx, func(ctx context.Context, tx generic.Tx) error {
		now := m.clock.Now().UTC()
		avail, err := checkAvailability(ctx, tx, req.EventID, req.Items, CheckOptions{AsOf: now, AccessCode: req.AccessCode})
		if err != nil {
			return err
		}
		if err := avail.Err(req.EventID); err != nil {
			return err
		}

		res := &Reservation{
			ID:        uuid.NewString(),
			EventID:   req.EventID,
			Owner:     req.Owner,
			Items:     append([]catalog.LineItem(nil), req.Items...),
			Status:    StatusActive,
			CreatedAt: now,
			ExpiresAt: now.Add(ttl),
			UpdatedAt: now,
		}
		if err := put(tx, res); err != nil {
			return err
		}
		created = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.WithFields(logrus.Fields{
		"reservation_id": created.ID,
		"event_id":       created.EventID,
		"expires_at":     created.ExpiresAt,
	}).Info("reservation created")
	return created, nil
}

func (m *Manager) Get(ctx context.Context, id string) (*Reservation, error) {
	return get(ctx, m.runner.Store(), id)
}

// ListActive returns the event's live holds.
func (m *Manager) ListActive(ctx context.Context, eventID string) ([]Reservation, error) {
	all, err := generic.ListJSON[Reservation](ctx, m.runner.Store(), CollectionReservations, eventID)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	var live []Reservation
	for _, r := range all {
		if r.Live(now) {
			live = append(live, r)
		}
	}
	return live, nil
}

// =============================================================================
// TRANSITIONS
// =============================================================================

func (m *Manager) Release(ctx context.Context, id string) (*Reservation, error) {
	var released *Reservation
	err := m.runner.Run(ctx, func(ctx context.Context, tx generic.Tx) error {
		res, err := get(ctx, tx, id)
		if err != nil {
			return err
		}
		now := m.clock.Now().UTC()
		if err := guardLive(res, now); err != nil {
			return err
		}
		res.Status = StatusReleased
		res.UpdatedAt = now
		released = res
		return put(tx, res)
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}

func (m *Manager) Convert(ctx context.Context, id, orderID string) (*Reservation, error) {
	var converted *Reservation
	err := m.runner.Run(ctx, func(ctx context.Context, tx generic.Tx) error {
		var err error
		converted, err = m.ConvertTx(ctx, tx, id, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return converted, nil
}

// ConvertTx stages the conversion on tx. Converting again to the same order
// is a no-op.
func (m *Manager) ConvertTx(ctx context.Context, tx generic.Tx, id, orderID string) (*Reservation, error) {
	res, err := get(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if res.Status == StatusConverted && res.OrderID == orderID {
		return res, nil
	}
	now := m.clock.Now().UTC()
	if err := guardLive(res, now); err != nil {
		return nil, err
	}
	res.Status = StatusConverted
	res.OrderID = orderID
	res.UpdatedAt = now
	if err := put(tx, res); err != nil {
		return nil, err
	}
	return res, nil
}

// SweepExpired records expiry for active holds past their deadline.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	all, err := generic.ListJSON[Reservation](ctx, m.runner.Store(), CollectionReservations, "")
	if err != nil {
		return 0, err
	}

	now := m.clock.Now().UTC()
	swept := 0
	for _, candidate := range all {
		if candidate.EffectiveStatus(now) != StatusExpired || candidate.Status != StatusActive {
			continue
		}
		flipped := false
		err := m.runner.Run(ctx, func(ctx context.Context, tx generic.Tx) error {
			flipped = false
			res, err := get(ctx, tx, candidate.ID)
			if err != nil {
				return err
			}
			if res.EffectiveStatus(now) != StatusExpired || res.Status != StatusActive {
				return nil
			}
			res.Status = StatusExpired
			res.UpdatedAt = now
			flipped = true
			return put(tx, res)
		})
		if err != nil {
			return swept, fmt.Errorf("sweeping reservation %s: %w", candidate.ID, err)
		}
		if flipped {
			swept++
		}
	}

	if swept > 0 {
		m.logger.WithField("count", swept).Info("expired reservations swept")
	}
	return swept, nil
}

func guardLive(res *Reservation, now time.Time) error {
	switch res.EffectiveStatus(now) {
	case StatusActive:
		return nil
	case StatusExpired:
		return fmt.Errorf("reservation %s: %w", res.ID, generic.ErrReservationExpired)
	default:
		return fmt.Errorf("reservation %s is %s: %w", res.ID, res.Status, generic.ErrReservationNotActive)
	}
}

// =============================================================================
// PERSISTENCE
// =============================================================================

// Load reads a reservation through r; inside a Tx the read is version-tracked.
func Load(ctx context.Context, r generic.Reader, id string) (*Reservation, error) {
	return get(ctx, r, id)
}

func get(ctx context.Context, r generic.Reader, id string) (*Reservation, error) {
	var res Reservation
	if err := generic.GetJSON(ctx, r, CollectionReservations, id, &res); err != nil {
		if errors.Is(err, generic.ErrNotFound) {
			return nil, fmt.Errorf("reservation %s: %w", id, generic.ErrNotFound)
		}
		return nil, err
	}
	return &res, nil
}

func put(tx generic.Tx, res *Reservation) error {
	return generic.PutJSON(tx, CollectionReservations, res.ID, res.EventID, res)
}

func accessCodeMatches(want, got string) bool {
	return want != "" && strings.EqualFold(strings.TrimSpace(want), strings.TrimSpace(got))
}
