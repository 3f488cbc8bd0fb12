/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for operator tooling

ROUTE GROUPS:
  /api/invoices/*        Invoice lifecycle, adjustments, audit
  /api/payments/*        Payment capture and allocation
  /api/reconciliation/*  Bank CSV import and review queue
  /api/tenants/*         Statements, credit, registry
  /api/leases/*          Lease registry
  /api/escalations/*     Rent escalation runs

SECURITY NOTE:
  No authentication middleware. An auth proxy in front is assumed; the
  X-Actor header identifies the acting user for the audit trail.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/billingd: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Actor"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		// Invoice routes
		r.Route("/invoices", func(r chi.Router) {
			r.Post("/", h.CreateInvoice)
			r.Get("/{id}", h.GetInvoice)
			r.Put("/{id}/line-items", h.UpdateInvoiceLineItems)
			r.Post("/{id}/send", h.SendInvoice)
			r.Post("/{id}/cancel", h.CancelInvoice)
			r.Post("/{id}/unlock", h.AdminUnlockInvoice)
			r.Post("/{id}/adjustments", h.CreateAdjustment)
			r.Get("/{id}/audit", h.GetAuditTrail)
		})

		// Payment routes
		r.Route("/payments", func(r chi.Router) {
			r.Post("/", h.RecordManualPayment)
			r.Post("/allocate", h.AllocatePayment)
		})

		// Reconciliation routes
		r.Route("/reconciliation", func(r chi.Router) {
			r.Post("/import", h.ImportBankCSV)
			r.Get("/unmatched", h.GetUnmatchedPayments)
		})

		// Tenant routes
		r.Route("/tenants", func(r chi.Router) {
			r.Post("/", h.CreateTenant)
			r.Get("/{id}/statement", h.GetTenantStatement)
			r.Get("/{id}/credit", h.GetCreditBalance)
			r.Post("/{id}/credit/apply", h.ApplyCredit)
		})

		// Lease routes
		r.Route("/leases", func(r chi.Router) {
			r.Post("/", h.CreateLease)
			r.Get("/{id}", h.GetLease)
		})

		// Escalation routes
		r.Route("/escalations", func(r chi.Router) {
			r.Post("/process", h.ProcessDueEscalations)
		})
	})

	return r
}
