/*
handlers.go - HTTP API handlers for the ticket engine

PURPOSE:
  Exposes the engine via a REST API. Handles HTTP request/response, JSON
  serialization and validation, and delegates to the domain services.

ENDPOINTS:
  Catalog:
    POST   /api/events                          Import an event snapshot
    GET    /api/events/{id}                     Event with live tiers
    POST   /api/events/{id}/availability        Availability estimate
    POST   /api/events/{id}/price               Price preview
    POST   /api/events/{id}/promo-codes         Create promo code
    POST   /api/events/{id}/promo-codes/validate  Validate promo code
    POST   /api/events/{id}/promoters           Create promoter link

  Reservations:
    POST   /api/reservations                    Hold tickets
    GET    /api/reservations/{id}               Get hold
    POST   /api/reservations/{id}/release       Release hold

  Orders:
    GET    /api/orders?event_id=                List by event
    POST   /api/orders                          Create (Idempotency-Key header)
    GET    /api/orders/{id}                     Get
    POST   /api/orders/{id}/status              Drive status
    POST   /api/orders/{id}/confirm-payment     Payment captured
    POST   /api/orders/{id}/cancel              Cancel and restore inventory
    POST   /api/orders/{id}/check-in            Mark entry used
    GET    /api/orders/{id}/refunds             Refunds for an order
    POST   /api/orders/{id}/refunds             Request refund

  Refunds:
    GET    /api/refunds/pending                 Approval queue
    GET    /api/refunds/{id}                    Get
    POST   /api/refunds/{id}/approve|reject|cancel|process

  Admin:
    POST   /api/admin/sweep                     Expire stale holds now
    GET    /api/audit/{subject}                 Audit trail
    GET    /api/scenarios                       Demo scenarios
    POST   /api/scenarios/load                  Seed a demo scenario

ACTOR:
  The upstream auth gateway sets X-Actor-ID and X-Actor-Role. Handlers only
  read them; refund approval is the one place the role is enforced.

ERROR HANDLING:
  Errors are returned as JSON with an HTTP status chosen by statusFor:
  - 400: Validation errors, invalid promo code
  - 403: Unauthorized refund approver
  - 404: Resource not found
  - 409: Inventory, exhausted promo, expired hold, illegal transition,
         already resolved, duplicate key
  - 502: Charge reversal failed
  - 503: Concurrent modification retries exhausted
  - 500: Everything else

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/warp/ticket-engine/catalog"
	"github.com/warp/ticket-engine/factory"
	"github.com/warp/ticket-engine/generic"
	"github.com/warp/ticket-engine/inventory"
	"github.com/warp/ticket-engine/logging"
	"github.com/warp/ticket-engine/order"
	"github.com/warp/ticket-engine/pricing"
	"github.com/warp/ticket-engine/promo"
	"github.com/warp/ticket-engine/refund"
	"github.com/warp/ticket-engine/reservation"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Runner       *generic.Runner
	Clock        generic.Clock
	Catalog      *catalog.Service
	Events       *factory.EventFactory
	Pricing      *pricing.Engine
	Inventory    *inventory.Ledger
	Reservations *reservation.Manager
	Promos       *promo.Ledger
	Promoters    *promo.Book
	Orders       *order.Coordinator
	Refunds      *refund.Service

	validate *validator.Validate
}

func NewHandler(h Handler) *Handler {
	h.validate = validator.New()
	if h.Events == nil {
		h.Events = factory.NewEventFactory()
	}
	if h.Clock == nil {
		h.Clock = generic.SystemClock()
	}
	return &h
}

// =============================================================================
// CATALOG HANDLERS
// =============================================================================

// ImportEvent creates or refreshes an event from a catalog payload.
// POST /api/events
func (h *Handler) ImportEvent(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, r, err)
		return
	}
	ev, err := h.Events.ParseEvent(raw)
	if err != nil {
		writeError(w, r, err)
		return
	}
	saved, err := h.Catalog.ImportEvent(r.Context(), ev)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

// GetEvent returns the event with its committed remaining counts.
// GET /api/events/{id}
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := h.Catalog.GetEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// CheckAvailability
// POST /api/events/{id}/availability
func (h *Handler) CheckAvailability(w http.ResponseWriter, r *http.Request) {
	var req AvailabilityRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	avail, err := h.Reservations.CheckAvailability(r.Context(), chi.URLParam(r, "id"), toLineItems(req.Items), reservation.CheckOptions{
		ExcludeReservationID: req.ExcludeReservationID,
		AccessCode:           req.AccessCode,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, avail)
}

// PricePreview prices a basket without redeeming anything. Unusable codes
// are reported as notices instead of failing the preview.
// POST /api/events/{id}/price
func (h *Handler) PricePreview(w http.ResponseWriter, r *http.Request) {
	var req PriceRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	ctx := r.Context()
	eventID := chi.URLParam(r, "id")
	items := toLineItems(req.Items)
	asOf := h.Clock.Now().UTC()

	ev, err := h.Catalog.GetEvent(ctx, eventID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var resp PriceResponse
	opts := pricing.Options{AsOf: asOf}
	if req.PromoCode != "" {
		v, err := h.Promos.Validate(ctx, promo.ValidateRequest{EventID: eventID, Code: req.PromoCode, UserID: req.UserID, Items: items, AsOf: asOf})
		if err != nil {
			writeError(w, r, err)
			return
		}
		if v.Valid {
			opts.PromoCode = v.Code
		} else {
			resp.Notices = append(resp.Notices, "promo code: "+v.Reason)
		}
	}
	if req.PromoterCode != "" {
		link, err := h.Promoters.Resolve(ctx, eventID, req.PromoterCode)
		switch {
		case err == nil:
			opts.Promoter = link
		case generic.IsNotFound(err):
			resp.Notices = append(resp.Notices, "promoter code not recognised")
		default:
			writeError(w, r, err)
			return
		}
	}

	resp.Breakdown = h.Pricing.ComputeOrder(ev, items, opts)
	writeJSON(w, http.StatusOK, resp)
}

// CreatePromoCode
// POST /api/events/{id}/promo-codes
func (h *Handler) CreatePromoCode(w http.ResponseWriter, r *http.Request) {
	var req CreatePromoCodeRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	pc := catalog.PromoCode{
		EventID:         chi.URLParam(r, "id"),
		Code:            req.Code,
		Type:            catalog.DiscountType(req.Type),
		Amount:          req.Amount,
		MaxDiscount:     req.MaxDiscount,
		ApplicableTiers: req.ApplicableTiers,
		MaxRedemptions:  req.MaxRedemptions,
		MaxPerUser:      req.MaxPerUser,
		Active:          req.Active == nil || *req.Active,
	}
	if req.Percent != "" {
		d, err := decimal.NewFromString(req.Percent)
		if err != nil {
			writeError(w, r, generic.NewValidationError("percent", "invalid decimal %q", req.Percent))
			return
		}
		pc.Percent = d
	}
	if req.ValidFrom != nil {
		pc.Validity.Start = req.ValidFrom.UTC()
	}
	if req.ValidUntil != nil {
		pc.Validity.End = req.ValidUntil.UTC()
	}

	created, err := h.Promos.CreateCode(r.Context(), pc)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// ValidatePromoCode is advisory: rule failures come back as valid=false.
// POST /api/events/{id}/promo-codes/validate
func (h *Handler) ValidatePromoCode(w http.ResponseWriter, r *http.Request) {
	var req ValidatePromoRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	v, err := h.Promos.Validate(r.Context(), promo.ValidateRequest{
		EventID: chi.URLParam(r, "id"),
		Code:    req.Code,
		UserID:  req.UserID,
		Items:   toLineItems(req.Items),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// CreatePromoterLink
// POST /api/events/{id}/promoters
func (h *Handler) CreatePromoterLink(w http.ResponseWriter, r *http.Request) {
	var req CreatePromoterRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	link := catalog.PromoterLink{
		EventID:    chi.URLParam(r, "id"),
		Code:       req.Code,
		PromoterID: req.PromoterID,
		Active:     req.Active == nil || *req.Active,
	}
	for field, s := range map[string]string{"discount_percent": req.DiscountPercent, "commission_percent": req.CommissionPercent} {
		if s == "" {
			continue
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			writeError(w, r, generic.NewValidationError(field, "invalid decimal %q", s))
			return
		}
		if field == "discount_percent" {
			link.DiscountPercent = d
		} else {
			link.CommissionPercent = d
		}
	}

	created, err := h.Promoters.CreateLink(r.Context(), link)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// =============================================================================
// RESERVATION HANDLERS
// =============================================================================

// CreateReservation
// POST /api/reservations
func (h *Handler) CreateReservation(w http.ResponseWriter, r *http.Request) {
	var req CreateReservationRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	res, err := h.Reservations.Create(r.Context(), reservation.CreateRequest{
		EventID:    req.EventID,
		Owner:      req.Owner,
		Items:      toLineItems(req.Items),
		TTL:        time.Duration(req.TTLMinutes) * time.Minute,
		AccessCode: req.AccessCode,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// GetReservation reports the live status, so an expired hold reads as
// expired even before the sweep runs.
// GET /api/reservations/{id}
func (h *Handler) GetReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.Reservations.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	res.Status = res.EffectiveStatus(h.Clock.Now())
	writeJSON(w, http.StatusOK, res)
}

// ReleaseReservation
// POST /api/reservations/{id}/release
func (h *Handler) ReleaseReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.Reservations.Release(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// =============================================================================
// ORDER HANDLERS
// =============================================================================

// CreateOrder
// POST /api/orders
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	o, err := h.Orders.CreateOrder(r.Context(), order.CreateOrderRequest{
		EventID:        req.EventID,
		Buyer:          order.Buyer{UserID: req.Buyer.UserID, Email: req.Buyer.Email},
		Items:          toLineItems(req.Items),
		ReservationID:  req.ReservationID,
		AccessCode:     req.AccessCode,
		PromoCode:      req.PromoCode,
		PromoterCode:   req.PromoterCode,
		PaymentID:      req.PaymentID,
		AwaitPayment:   req.AwaitPayment,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),

		DropPromoOnExhaustion: req.DropPromoOnExhaustion,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// ListOrders
// GET /api/orders?event_id=
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	eventID := r.URL.Query().Get("event_id")
	if eventID == "" {
		writeError(w, r, generic.NewValidationError("event_id", "query parameter is required"))
		return
	}
	orders, err := h.Orders.ListByEvent(r.Context(), eventID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetOrder
// GET /api/orders/{id}
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.Orders.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// UpdateOrderStatus
// POST /api/orders/{id}/status
func (h *Handler) UpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateStatusRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	status, err := order.ParseStatus(req.Status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	o, err := h.Orders.UpdateStatus(r.Context(), chi.URLParam(r, "id"), status, actorFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// ConfirmPayment
// POST /api/orders/{id}/confirm-payment
func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var req ConfirmPaymentRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	o, err := h.Orders.ConfirmPayment(r.Context(), chi.URLParam(r, "id"), req.PaymentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// CancelOrder
// POST /api/orders/{id}/cancel
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	o, err := h.Orders.Cancel(r.Context(), chi.URLParam(r, "id"), actorFrom(r), req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// CheckIn
// POST /api/orders/{id}/check-in
func (h *Handler) CheckIn(w http.ResponseWriter, r *http.Request) {
	o, err := h.Orders.MarkEntryUsed(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// =============================================================================
// REFUND HANDLERS
// =============================================================================

// RequestRefund answers 201 for a pending or completed refund. A refund
// that was auto-approved but failed at the gateway answers 502 with the
// failed refund in the body so the caller can retry it.
// POST /api/orders/{id}/refunds
func (h *Handler) RequestRefund(w http.ResponseWriter, r *http.Request) {
	var req CreateRefundRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	rf, err := h.Refunds.CreateRefundRequest(r.Context(), refund.CreateRequest{
		OrderID:     chi.URLParam(r, "id"),
		Amount:      req.Amount,
		RequestedBy: actorFrom(r),
		Reason:      req.Reason,
	})
	h.writeRefund(w, r, http.StatusCreated, rf, err)
}

// ListOrderRefunds
// GET /api/orders/{id}/refunds
func (h *Handler) ListOrderRefunds(w http.ResponseWriter, r *http.Request) {
	refunds, err := h.Refunds.ListByOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, refunds)
}

// ListPendingRefunds
// GET /api/refunds/pending
func (h *Handler) ListPendingRefunds(w http.ResponseWriter, r *http.Request) {
	pending, err := h.Refunds.ListPending(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

// GetRefund
// GET /api/refunds/{id}
func (h *Handler) GetRefund(w http.ResponseWriter, r *http.Request) {
	rf, err := h.Refunds.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rf)
}

// ApproveRefund
// POST /api/refunds/{id}/approve
func (h *Handler) ApproveRefund(w http.ResponseWriter, r *http.Request) {
	rf, err := h.Refunds.Approve(r.Context(), chi.URLParam(r, "id"), actorFrom(r))
	h.writeRefund(w, r, http.StatusOK, rf, err)
}

// RejectRefund
// POST /api/refunds/{id}/reject
func (h *Handler) RejectRefund(w http.ResponseWriter, r *http.Request) {
	var req RejectRefundRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	rf, err := h.Refunds.Reject(r.Context(), chi.URLParam(r, "id"), actorFrom(r), req.Reason)
	h.writeRefund(w, r, http.StatusOK, rf, err)
}

// CancelRefund
// POST /api/refunds/{id}/cancel
func (h *Handler) CancelRefund(w http.ResponseWriter, r *http.Request) {
	rf, err := h.Refunds.Cancel(r.Context(), chi.URLParam(r, "id"), actorFrom(r))
	h.writeRefund(w, r, http.StatusOK, rf, err)
}

// ProcessRefund is the manual retry for a failed refund.
// POST /api/refunds/{id}/process
func (h *Handler) ProcessRefund(w http.ResponseWriter, r *http.Request) {
	rf, err := h.Refunds.ProcessRefund(r.Context(), chi.URLParam(r, "id"))
	h.writeRefund(w, r, http.StatusOK, rf, err)
}

func (h *Handler) writeRefund(w http.ResponseWriter, r *http.Request, okStatus int, rf *refund.Refund, err error) {
	if err == nil {
		writeJSON(w, okStatus, rf)
		return
	}
	if rf != nil && errors.Is(err, generic.ErrChargeReversalFailed) {
		logging.FromContext(r.Context()).WithError(err).Warn("refund failed at gateway")
		writeJSON(w, http.StatusBadGateway, rf)
		return
	}
	writeError(w, r, err)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// SweepReservations
// POST /api/admin/sweep
func (h *Handler) SweepReservations(w http.ResponseWriter, r *http.Request) {
	n, err := h.Reservations.SweepExpired(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SweepResponse{Expired: n})
}

// ListAudit
// GET /api/audit/{subject}
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := generic.ListAudit(r.Context(), h.Runner.Store(), chi.URLParam(r, "subject"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// =============================================================================
// HELPERS
// =============================================================================

// actorFrom reads the identity set by the auth gateway.
func actorFrom(r *http.Request) generic.Actor {
	return generic.Actor{
		UID:  strings.TrimSpace(r.Header.Get("X-Actor-ID")),
		Role: generic.Role(strings.ToLower(strings.TrimSpace(r.Header.Get("X-Actor-Role")))),
	}
}

// decodeRequest decodes and validates a JSON body, writing a 400 on failure.
func (h *Handler) decodeRequest(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, r, generic.NewValidationError("body", "invalid JSON: %v", err))
		return false
	}
	return h.validateRequest(w, r, dst)
}

// decodeOptional accepts an empty body.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, generic.NewValidationError("body", "invalid JSON: %v", err))
		return false
	}
	return h.validateRequest(w, r, dst)
}

func (h *Handler) validateRequest(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			writeError(w, r, generic.NewValidationError(fe.Namespace(), "failed %q", fe.Tag()))
			return false
		}
		writeError(w, r, generic.NewValidationError("body", "%v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	entry := logging.FromContext(r.Context()).WithError(err).WithField("status", status)
	if status >= http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Info("request rejected")
	}
	writeJSON(w, status, ErrorResponse{Error: http.StatusText(status), Details: err.Error()})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, generic.ErrChargeReversalFailed):
		return http.StatusBadGateway
	case errors.Is(err, generic.ErrRefundUnauthorized):
		return http.StatusForbidden
	case generic.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, generic.ErrInsufficientInventory),
		errors.Is(err, generic.ErrPromoCodeExhausted),
		errors.Is(err, generic.ErrReservationExpired),
		errors.Is(err, generic.ErrReservationNotActive),
		errors.Is(err, generic.ErrInvalidTransition),
		errors.Is(err, generic.ErrRefundAlreadyResolved),
		errors.Is(err, generic.ErrDuplicateIdempotencyKey):
		return http.StatusConflict
	case generic.IsClientError(err):
		return http.StatusBadRequest
	case generic.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
