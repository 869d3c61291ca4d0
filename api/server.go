/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:   Unique ID per request, reused as correlation id
  2. RealIP:      Client address behind the load balancer
  3. requestLog:  logrus entry in the request context, one line per request
  4. Recoverer:   Panic recovery (500 instead of crash)
  5. CORS:        Cross-origin requests for the box-office frontend

ROUTE GROUPS:
  /api/events/*         Catalog, pricing preview, promo codes, promoters
  /api/reservations/*   Inventory holds
  /api/orders/*         Order lifecycle and refund requests
  /api/refunds/*        Refund approval workflow
  /api/admin/*          Operational endpoints
  /api/audit/*          Audit trail
  /api/scenarios/*      Demo seed data

SECURITY NOTE:
  Authentication happens upstream. The gateway sets X-Actor-ID and
  X-Actor-Role; this service trusts them.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"github.com/warp/ticket-engine/logging"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, logger logrus.FieldLogger, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLog(logger))
	r.Use(middleware.Recoverer)
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Actor-ID", "X-Actor-Role"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/events", func(r chi.Router) {
			r.Post("/", h.ImportEvent)
			r.Get("/{id}", h.GetEvent)
			r.Post("/{id}/availability", h.CheckAvailability)
			r.Post("/{id}/price", h.PricePreview)
			r.Post("/{id}/promo-codes", h.CreatePromoCode)
			r.Post("/{id}/promo-codes/validate", h.ValidatePromoCode)
			r.Post("/{id}/promoters", h.CreatePromoterLink)
		})

		r.Route("/reservations", func(r chi.Router) {
			r.Post("/", h.CreateReservation)
			r.Get("/{id}", h.GetReservation)
			r.Post("/{id}/release", h.ReleaseReservation)
		})

		r.Route("/orders", func(r chi.Router) {
			r.Get("/", h.ListOrders)
			r.Post("/", h.CreateOrder)
			r.Get("/{id}", h.GetOrder)
			r.Post("/{id}/status", h.UpdateOrderStatus)
			r.Post("/{id}/confirm-payment", h.ConfirmPayment)
			r.Post("/{id}/cancel", h.CancelOrder)
			r.Post("/{id}/check-in", h.CheckIn)
			r.Get("/{id}/refunds", h.ListOrderRefunds)
			r.Post("/{id}/refunds", h.RequestRefund)
		})

		// /pending is registered before /{id} so it is not read as an id.
		r.Route("/refunds", func(r chi.Router) {
			r.Get("/pending", h.ListPendingRefunds)
			r.Get("/{id}", h.GetRefund)
			r.Post("/{id}/approve", h.ApproveRefund)
			r.Post("/{id}/reject", h.RejectRefund)
			r.Post("/{id}/cancel", h.CancelRefund)
			r.Post("/{id}/process", h.ProcessRefund)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/sweep", h.SweepReservations)
		})

		r.Get("/audit/{subject}", h.ListAudit)

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// requestLog stores a request-scoped logrus entry in the context and logs
// one line per request once the response is written.
func requestLog(logger logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqID := middleware.GetReqID(r.Context())
			entry := logger.WithFields(logrus.Fields{
				"request_id": reqID,
				"method":     r.Method,
				"path":       r.URL.Path,
			})
			ctx := logging.ToContext(r.Context(), entry)
			ctx = logging.ContextWithCorrelationID(ctx, reqID)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			entry.WithFields(logrus.Fields{
				"status":   ww.Status(),
				"bytes":    ww.BytesWritten(),
				"duration": time.Since(start).String(),
			}).Debug("request served")
		})
	}
}
