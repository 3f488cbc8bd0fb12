/*
handlers.go - HTTP API handlers for the billing engine

PURPOSE:
  Exposes the ledger engines via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Invoices:
    POST   /api/invoices                    Create invoice for a billing period
    GET    /api/invoices/{id}               Get invoice
    PUT    /api/invoices/{id}/line-items    Replace line items (draft/queued)
    POST   /api/invoices/{id}/send          Send + lock
    POST   /api/invoices/{id}/cancel        Cancel (pre-sent)
    POST   /api/invoices/{id}/unlock        Admin unlock (reason required)
    POST   /api/invoices/{id}/adjustments   Late fee / credit note / correction
    GET    /api/invoices/{id}/audit         Audit trail

  Payments:
    POST   /api/payments                    Record manual payment
    POST   /api/payments/allocate           Allocate across invoices

  Reconciliation:
    POST   /api/reconciliation/import       Import bank CSV batch
    GET    /api/reconciliation/unmatched    Unmatched txns + pending payments

  Tenants:
    GET    /api/tenants/{id}/statement      Reconstructed statement
    GET    /api/tenants/{id}/credit         Credit balance
    POST   /api/tenants/{id}/credit/apply   Apply credit to an invoice

  Escalations:
    POST   /api/escalations/process         Run due rent escalations

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, duplicates, invalid input
  - 404: Resource not found
  - 409: Locked invoice, insufficient credit
  - 422: Over/partial allocation (money-invariant violations)
  - 500: Storage errors

ACTOR:
  Mutating endpoints read the acting user from the X-Actor header.
  No authentication; an auth proxy in front is assumed.

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
	"github.com/google/uuid"

	"github.com/lattice/billing-engine/escalation"
	"github.com/lattice/billing-engine/ledger"
	"github.com/lattice/billing-engine/logger"
	"github.com/lattice/billing-engine/reconcile"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      ledger.TxStore
	Invoices   *ledger.InvoiceLedger
	Allocator  *ledger.Allocator
	Credit     *ledger.CreditStore
	Adjuster   *ledger.AdjustmentEngine
	Statements *ledger.StatementBuilder
	Matcher    *reconcile.Matcher
	Scheduler  *escalation.Scheduler
}

// NewHandler wires all engines around the given store.
func NewHandler(store ledger.TxStore) *Handler {
	allocator := ledger.NewAllocator(store, logger.WithComponent("allocator"))
	return &Handler{
		Store:      store,
		Invoices:   ledger.NewInvoiceLedger(store, logger.WithComponent("invoices")),
		Allocator:  allocator,
		Credit:     ledger.NewCreditStore(store, logger.WithComponent("credit")),
		Adjuster:   ledger.NewAdjustmentEngine(store, logger.WithComponent("adjustments")),
		Statements: ledger.NewStatementBuilder(store),
		Matcher:    reconcile.NewMatcher(store, allocator, logger.WithComponent("reconcile")),
		Scheduler:  escalation.NewScheduler(store, logger.WithComponent("escalation")),
	}
}

func actor(r *http.Request) string {
	if a := r.Header.Get("X-Actor"); a != "" {
		return a
	}
	return "api"
}

// =============================================================================
// INVOICE HANDLERS
// =============================================================================

// CreateInvoice raises the recurring invoice for a lease and billing period.
func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req CreateInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	inv, err := h.Invoices.Create(r.Context(), ledger.LeaseID(req.LeaseID), ledger.BillingPeriod(req.BillingPeriod), actor(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toInvoiceDTO(inv))
}

// GetInvoice returns a single invoice.
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Invoices.Get(r.Context(), ledger.InvoiceID(chi.URLParam(r, "id")))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(inv))
}

// UpdateInvoiceLineItems replaces a draft/queued invoice's line items.
func (h *Handler) UpdateInvoiceLineItems(w http.ResponseWriter, r *http.Request) {
	var req UpdateLineItemsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	items := make([]ledger.LineItem, len(req.LineItems))
	for i, li := range req.LineItems {
		items[i] = ledger.LineItem{
			ID:          li.ID,
			Description: li.Description,
			Category:    li.Category,
			Quantity:    li.Quantity,
			UnitPrice:   li.UnitPrice,
		}
	}

	inv, err := h.Invoices.UpdateLineItems(r.Context(), ledger.InvoiceID(chi.URLParam(r, "id")), items, actor(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(inv))
}

// SendInvoice transitions draft/queued -> sent and locks line items.
func (h *Handler) SendInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Invoices.Send(r.Context(), ledger.InvoiceID(chi.URLParam(r, "id")), actor(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(inv))
}

// CancelInvoice cancels a pre-sent invoice.
func (h *Handler) CancelInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Invoices.Cancel(r.Context(), ledger.InvoiceID(chi.URLParam(r, "id")), actor(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(inv))
}

// AdminUnlockInvoice reopens a sent invoice for editing. Reason is mandatory.
func (h *Handler) AdminUnlockInvoice(w http.ResponseWriter, r *http.Request) {
	var req UnlockInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	inv, err := h.Invoices.AdminUnlock(r.Context(), ledger.InvoiceID(chi.URLParam(r, "id")), actor(r), req.Reason)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "invoice unlocked",
		"invoice": toInvoiceDTO(inv),
	})
}

// GetAuditTrail returns the ordered audit entries for an invoice.
func (h *Handler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Store.AuditTrail(r.Context(), ledger.InvoiceID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load audit trail", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit_trail": toAuditEntryDTOs(entries)})
}

// CreateAdjustment applies a late fee, credit note or correction.
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req CreateAdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	effective := time.Now().UTC()
	if req.EffectiveDate != "" {
		t, err := time.Parse("2006-01-02", req.EffectiveDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid effective_date format (use YYYY-MM-DD)", err)
			return
		}
		effective = t
	}

	result, err := h.Adjuster.Create(r.Context(), ledger.InvoiceID(chi.URLParam(r, "id")),
		ledger.AdjustmentKind(req.Type), req.Amount, req.Reason, effective, actor(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}

	dto := AdjustmentResultDTO{
		AdjustmentID:  string(result.Adjustment.ID),
		NewTotal:      result.NewTotal,
		NewBalanceDue: result.NewBalanceDue,
	}
	if result.InterimInvoice != nil {
		dto.InterimInvoiceID = string(result.InterimInvoice.ID)
	}
	writeJSON(w, http.StatusCreated, dto)
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// RecordManualPayment records an operator-captured payment.
func (h *Handler) RecordManualPayment(w http.ResponseWriter, r *http.Request) {
	var req RecordPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	date := time.Now().UTC()
	if req.Date != "" {
		t, err := time.Parse("2006-01-02", req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid date format (use YYYY-MM-DD)", err)
			return
		}
		date = t
	}

	p, err := h.Allocator.RecordManualPayment(r.Context(), ledger.LeaseID(req.LeaseID),
		req.Method, req.Amount, date, req.Reference, req.Notes, actor(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentDTO(p))
}

// AllocatePayment applies a payment or resolved bank transaction across
// invoices.
func (h *Handler) AllocatePayment(w http.ResponseWriter, r *http.Request) {
	var req AllocatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	engineReq := ledger.AllocationRequest{
		PaymentID:           ledger.PaymentID(req.PaymentID),
		BankTxnID:           ledger.BankTxnID(req.BankTxnID),
		AllowCreditCreation: req.AllowCreditCreation,
		Actor:               actor(r),
	}
	for _, a := range req.Allocations {
		engineReq.Allocations = append(engineReq.Allocations, ledger.AllocationInput{
			InvoiceID: ledger.InvoiceID(a.InvoiceID),
			Amount:    a.Amount,
		})
	}

	result, err := h.Allocator.Allocate(r.Context(), engineReq)
	if err != nil {
		// A strict-settlement failure still reports the alerts it raised.
		var partial *ledger.PartialAllocationError
		if errors.As(err, &partial) && result != nil {
			resp := ErrorResponse{
				Error:   err.Error(),
				Code:    "partial_allocation",
				Details: toAllocationResultDTO(result).Alerts,
			}
			writeJSON(w, http.StatusUnprocessableEntity, resp)
			return
		}
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAllocationResultDTO(result))
}

// =============================================================================
// RECONCILIATION HANDLERS
// =============================================================================

// ImportBankCSV ingests a bank statement batch. The CSV is the raw request
// body; bank_name comes from the query string.
func (h *Handler) ImportBankCSV(w http.ResponseWriter, r *http.Request) {
	bankName := r.URL.Query().Get("bank_name")
	body := io.Reader(r.Body)
	defer r.Body.Close()

	// Multipart uploads carry the CSV in the "file" field.
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid multipart body", err)
			return
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "Missing file field", err)
			return
		}
		defer file.Close()
		body = file
	}

	result, err := h.Matcher.ImportCSV(r.Context(), body, bankName, actor(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Import failed", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetUnmatchedPayments lists transactions and payments needing attention.
func (h *Handler) GetUnmatchedPayments(w http.ResponseWriter, r *http.Request) {
	report, err := h.Matcher.Unmatched(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load unmatched items", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// =============================================================================
// TENANT HANDLERS
// =============================================================================

// GetTenantStatement reconstructs the tenant's statement for a window.
// Query params: start, end (YYYY-MM-DD); defaults to the trailing year.
func (h *Handler) GetTenantStatement(w http.ResponseWriter, r *http.Request) {
	tenantID := ledger.TenantID(chi.URLParam(r, "id"))

	now := time.Now().UTC()
	start := now.AddDate(-1, 0, 0)
	end := now.AddDate(0, 0, 1)

	if s := r.URL.Query().Get("start"); s != "" {
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid start format (use YYYY-MM-DD)", err)
			return
		}
		start = t
	}
	if s := r.URL.Query().Get("end"); s != "" {
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid end format (use YYYY-MM-DD)", err)
			return
		}
		end = t
	}

	st, err := h.Statements.Build(r.Context(), tenantID, start, end)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatementDTO(st))
}

// GetCreditBalance returns the tenant's current credit.
func (h *Handler) GetCreditBalance(w http.ResponseWriter, r *http.Request) {
	tenantID := ledger.TenantID(chi.URLParam(r, "id"))
	balance, err := h.Credit.Balance(r.Context(), tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load credit balance", err)
		return
	}
	writeJSON(w, http.StatusOK, CreditBalanceDTO{TenantID: string(tenantID), Balance: balance})
}

// ApplyCredit applies tenant credit to an invoice.
func (h *Handler) ApplyCredit(w http.ResponseWriter, r *http.Request) {
	var req ApplyCreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	result, err := h.Credit.ApplyToInvoice(r.Context(), ledger.TenantID(chi.URLParam(r, "id")),
		ledger.InvoiceID(req.InvoiceID), req.Amount, actor(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAllocationResultDTO(result))
}

// CreateTenant registers a tenant.
func (h *Handler) CreateTenant(w http.ResponseWriter, r *http.Request) {
	var req CreateTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required", nil)
		return
	}

	t := &ledger.Tenant{
		ID:        ledger.TenantID(req.ID),
		Name:      req.Name,
		Email:     req.Email,
		CreatedAt: time.Now().UTC(),
	}
	if t.ID == "" {
		t.ID = ledger.TenantID(uuid.NewString())
	}

	if err := h.Store.SaveTenant(r.Context(), t); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create tenant", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": string(t.ID), "name": t.Name})
}

// =============================================================================
// LEASE HANDLERS
// =============================================================================

// CreateLease registers a lease with its recurring charges.
func (h *Handler) CreateLease(w http.ResponseWriter, r *http.Request) {
	var req CreateLeaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Code == "" || req.TenantID == "" {
		writeError(w, http.StatusBadRequest, "code and tenant_id are required", nil)
		return
	}

	startDate, err := time.Parse("2006-01-02", req.StartDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid start_date format (use YYYY-MM-DD)", err)
		return
	}
	endDate := startDate.AddDate(1, 0, 0)
	if req.EndDate != "" {
		endDate, err = time.Parse("2006-01-02", req.EndDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid end_date format (use YYYY-MM-DD)", err)
			return
		}
	}

	now := time.Now().UTC()
	lease := &ledger.Lease{
		ID:                 ledger.LeaseID(req.ID),
		Code:               req.Code,
		PropertyID:         req.PropertyID,
		TenantID:           ledger.TenantID(req.TenantID),
		LandlordID:         req.LandlordID,
		StartDate:          startDate,
		EndDate:            endDate,
		Active:             true,
		MonthlyRent:        req.MonthlyRent,
		TaxRate:            req.TaxRate,
		EscalationPercent:  req.EscalationPercent,
		EscalationFixed:    req.EscalationFixed,
		EscalationInterval: req.EscalationInterval,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if lease.ID == "" {
		lease.ID = ledger.LeaseID(uuid.NewString())
	}
	if req.NextEscalationDate != "" {
		t, err := time.Parse("2006-01-02", req.NextEscalationDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid next_escalation_date format (use YYYY-MM-DD)", err)
			return
		}
		lease.NextEscalationDate = &t
	}

	for _, c := range req.RecurringCharges {
		lease.RecurringCharges = append(lease.RecurringCharges, ledger.RecurringCharge{
			Description: c.Description,
			Category:    c.Category,
			Amount:      c.Amount,
		})
	}
	if len(lease.RecurringCharges) == 0 && req.MonthlyRent.IsPositive() {
		lease.RecurringCharges = []ledger.RecurringCharge{{
			Description: "Monthly rent",
			Category:    "rent",
			Amount:      req.MonthlyRent,
		}}
	}

	if err := h.Store.SaveLease(r.Context(), lease); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create lease", err)
		return
	}
	writeJSON(w, http.StatusCreated, toLeaseDTO(lease))
}

// GetLease returns a single lease.
func (h *Handler) GetLease(w http.ResponseWriter, r *http.Request) {
	lease, err := h.Store.GetLease(r.Context(), ledger.LeaseID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get lease", err)
		return
	}
	if lease == nil {
		writeError(w, http.StatusNotFound, "Lease not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toLeaseDTO(lease))
}

// =============================================================================
// ESCALATION HANDLERS
// =============================================================================

// ProcessDueEscalations runs the idempotent escalation batch.
func (h *Handler) ProcessDueEscalations(w http.ResponseWriter, r *http.Request) {
	var req ProcessEscalationsRequest
	// An empty body means "as of today".
	_ = json.NewDecoder(r.Body).Decode(&req)

	asOf := time.Now().UTC()
	if req.AsOfDate != "" {
		t, err := time.Parse("2006-01-02", req.AsOfDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid as_of_date format (use YYYY-MM-DD)", err)
			return
		}
		asOf = t
	}

	result, err := h.Scheduler.ProcessDue(r.Context(), asOf)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Escalation run failed", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError maps ledger errors onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Error: err.Error()}

	status := http.StatusInternalServerError
	switch {
	case ledger.IsNotFound(err):
		status = http.StatusNotFound
		resp.Code = "not_found"
	case ledger.IsConflict(err):
		status = http.StatusConflict
		resp.Code = "conflict"
	case errors.Is(err, ledger.ErrOverAllocation):
		status = http.StatusUnprocessableEntity
		resp.Code = "over_allocation"
	case errors.Is(err, ledger.ErrPartialAllocation):
		status = http.StatusUnprocessableEntity
		resp.Code = "partial_allocation"
	case ledger.IsClientError(err):
		status = http.StatusBadRequest
		resp.Code = "validation"
	}

	writeJSON(w, status, resp)
}
