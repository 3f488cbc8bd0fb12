/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Monetary fields are decimal.Decimal end to end; shopspring/decimal
  marshals them as JSON numbers and accepts numbers or strings on input.
  The API never handles money as float64.

BALANCES:
  balance_due on InvoiceDTO is the clamped display value (never negative).
  The signed balance is internal: a tenant's overpayment shows up as credit,
  not as a negative invoice balance.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/types.go: The domain model these mirror
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/lattice/billing-engine/ledger"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// InvoiceDTO represents an invoice in API responses.
type InvoiceDTO struct {
	ID            string          `json:"id"`
	LeaseID       string          `json:"lease_id"`
	TenantID      string          `json:"tenant_id"`
	Type          string          `json:"type"`
	ParentID      string          `json:"parent_id,omitempty"`
	BillingPeriod string          `json:"billing_period"`
	IssueDate     string          `json:"issue_date"`
	DueDate       string          `json:"due_date"`
	LineItems     []LineItemDTO   `json:"line_items"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	TaxAmount     decimal.Decimal `json:"tax_amount"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	AmountPaid    decimal.Decimal `json:"amount_paid"`
	BalanceDue    decimal.Decimal `json:"balance_due"` // clamped at zero
	Status        string          `json:"status"`
	LockedAt      *string         `json:"locked_at,omitempty"`
	LockedBy      string          `json:"locked_by,omitempty"`
}

// LineItemDTO represents one charge line.
type LineItemDTO struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	Category    string          `json:"category,omitempty"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Total       decimal.Decimal `json:"total"`
}

// CreateInvoiceRequest raises the recurring invoice for a billing period.
type CreateInvoiceRequest struct {
	LeaseID       string `json:"lease_id"`
	BillingPeriod string `json:"billing_period"` // YYYY-MM
}

// UpdateLineItemsRequest replaces a draft invoice's line items. Totals are
// recomputed server-side; any caller-supplied totals are ignored.
type UpdateLineItemsRequest struct {
	LineItems []LineItemDTO `json:"line_items"`
}

// UnlockInvoiceRequest reopens a sent invoice. Reason is mandatory.
type UnlockInvoiceRequest struct {
	Reason string `json:"reason"`
}

// RecordPaymentRequest records an operator-captured payment.
type RecordPaymentRequest struct {
	LeaseID   string          `json:"lease_id"`
	Method    string          `json:"method"`
	Amount    decimal.Decimal `json:"amount"`
	Date      string          `json:"date"` // YYYY-MM-DD
	Reference string          `json:"reference,omitempty"`
	Notes     string          `json:"notes,omitempty"`
}

// PaymentDTO represents a recorded payment.
type PaymentDTO struct {
	PaymentID     string          `json:"payment_id"`
	TenantID      string          `json:"tenant_id"`
	LeaseID       string          `json:"lease_id"`
	Amount        decimal.Decimal `json:"amount"`
	Method        string          `json:"method"`
	Date          string          `json:"date"`
	Reference     string          `json:"reference,omitempty"`
	IsOverpayment bool            `json:"is_overpayment"`
}

// AllocatePaymentRequest applies a payment (or resolved bank transaction)
// across invoices. Exactly one of payment_id / bank_txn_id must be set.
type AllocatePaymentRequest struct {
	PaymentID           string               `json:"payment_id,omitempty"`
	BankTxnID           string               `json:"bank_txn_id,omitempty"`
	Allocations         []AllocationInputDTO `json:"allocations"`
	AllowCreditCreation bool                 `json:"allow_credit_creation"`
}

// AllocationInputDTO names one target invoice and amount.
type AllocationInputDTO struct {
	InvoiceID string          `json:"invoice_id"`
	Amount    decimal.Decimal `json:"amount"`
}

// AllocationResultDTO reports what the allocation engine did.
type AllocationResultDTO struct {
	PaymentID          string                 `json:"payment_id"`
	TotalAllocated     decimal.Decimal        `json:"total_allocated"`
	AllocationsCreated int                    `json:"allocations_created"`
	CreditCreated      decimal.Decimal        `json:"credit_created"`
	Replayed           bool                   `json:"replayed,omitempty"`
	Alerts             []UnderpaymentAlertDTO `json:"alerts,omitempty"`
}

// UnderpaymentAlertDTO is informational; it never blocks an allocation.
type UnderpaymentAlertDTO struct {
	TenantID  string          `json:"tenant_id"`
	InvoiceID string          `json:"invoice_id"`
	Expected  decimal.Decimal `json:"expected"`
	Actual    decimal.Decimal `json:"actual"`
	Shortfall decimal.Decimal `json:"shortfall"`
}

// CreateAdjustmentRequest applies a late fee, credit note or correction.
type CreateAdjustmentRequest struct {
	Type          string          `json:"type"` // late_fee, credit_note, correction
	Amount        decimal.Decimal `json:"amount"`
	Reason        string          `json:"reason"`
	EffectiveDate string          `json:"effective_date"` // YYYY-MM-DD
}

// AdjustmentResultDTO carries the recomputed figures after an adjustment.
type AdjustmentResultDTO struct {
	AdjustmentID     string          `json:"adjustment_id"`
	NewTotal         decimal.Decimal `json:"new_total"`
	NewBalanceDue    decimal.Decimal `json:"new_balance_due"`
	InterimInvoiceID string          `json:"interim_invoice_id,omitempty"`
}

// CreditBalanceDTO is a tenant's current credit.
type CreditBalanceDTO struct {
	TenantID string          `json:"tenant_id"`
	Balance  decimal.Decimal `json:"balance"`
}

// ApplyCreditRequest applies tenant credit to an invoice.
type ApplyCreditRequest struct {
	InvoiceID string          `json:"invoice_id"`
	Amount    decimal.Decimal `json:"amount"`
}

// StatementDTO is the reconstructed tenant statement.
type StatementDTO struct {
	TenantID         string            `json:"tenant_id"`
	Start            string            `json:"start"`
	End              string            `json:"end"`
	OpeningBalance   decimal.Decimal   `json:"opening_balance"`
	Transactions     []StatementRowDTO `json:"transactions"`
	ClosingBalance   decimal.Decimal   `json:"closing_balance"`
	TotalCharges     decimal.Decimal   `json:"total_charges"`
	TotalPayments    decimal.Decimal   `json:"total_payments"`
	TotalAdjustments decimal.Decimal   `json:"total_adjustments"`
	Outstanding      []InvoiceDTO      `json:"outstanding_invoices"`
}

// StatementRowDTO is one dated movement with the balance after it.
type StatementRowDTO struct {
	Date        string          `json:"date"`
	Description string          `json:"description"`
	Reference   string          `json:"reference,omitempty"`
	Charge      decimal.Decimal `json:"charge"`
	Payment     decimal.Decimal `json:"payment"`
	Adjustment  decimal.Decimal `json:"adjustment"`
	Balance     decimal.Decimal `json:"balance"`
}

// ProcessEscalationsRequest triggers an escalation run.
type ProcessEscalationsRequest struct {
	AsOfDate string `json:"as_of_date,omitempty"` // YYYY-MM-DD, default today
}

// AuditEntryDTO is one audit trail record.
type AuditEntryDTO struct {
	ID        string         `json:"id"`
	Timestamp string         `json:"timestamp"`
	ActorID   string         `json:"actor_id"`
	Action    string         `json:"action"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// CreateTenantRequest registers a tenant.
type CreateTenantRequest struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// CreateLeaseRequest registers a lease with its recurring charges.
type CreateLeaseRequest struct {
	ID                 string               `json:"id,omitempty"`
	Code               string               `json:"code"`
	PropertyID         string               `json:"property_id,omitempty"`
	TenantID           string               `json:"tenant_id"`
	LandlordID         string               `json:"landlord_id,omitempty"`
	StartDate          string               `json:"start_date"` // YYYY-MM-DD
	EndDate            string               `json:"end_date,omitempty"`
	MonthlyRent        decimal.Decimal      `json:"monthly_rent"`
	TaxRate            decimal.Decimal      `json:"tax_rate"`
	RecurringCharges   []RecurringChargeDTO `json:"recurring_charges,omitempty"`
	EscalationPercent  decimal.Decimal      `json:"escalation_percent,omitempty"`
	EscalationFixed    decimal.Decimal      `json:"escalation_fixed,omitempty"`
	EscalationInterval int                  `json:"escalation_interval,omitempty"`
	NextEscalationDate string               `json:"next_escalation_date,omitempty"`
}

// RecurringChargeDTO is one recurring monthly charge on a lease.
type RecurringChargeDTO struct {
	Description string          `json:"description"`
	Category    string          `json:"category"`
	Amount      decimal.Decimal `json:"amount"`
}

// LeaseDTO represents a lease in API responses.
type LeaseDTO struct {
	ID                 string               `json:"id"`
	Code               string               `json:"code"`
	TenantID           string               `json:"tenant_id"`
	PropertyID         string               `json:"property_id,omitempty"`
	Active             bool                 `json:"active"`
	MonthlyRent        decimal.Decimal      `json:"monthly_rent"`
	TaxRate            decimal.Decimal      `json:"tax_rate"`
	RecurringCharges   []RecurringChargeDTO `json:"recurring_charges"`
	NextEscalationDate *string              `json:"next_escalation_date,omitempty"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toInvoiceDTO(inv *ledger.Invoice) InvoiceDTO {
	dto := InvoiceDTO{
		ID:            string(inv.ID),
		LeaseID:       string(inv.LeaseID),
		TenantID:      string(inv.TenantID),
		Type:          string(inv.Type),
		ParentID:      string(inv.ParentID),
		BillingPeriod: string(inv.BillingPeriod),
		IssueDate:     inv.IssueDate.Format(time.RFC3339),
		DueDate:       inv.DueDate.Format("2006-01-02"),
		Subtotal:      inv.Subtotal,
		TaxAmount:     inv.TaxAmount,
		TotalAmount:   inv.TotalAmount,
		AmountPaid:    inv.AmountPaid,
		BalanceDue:    inv.DisplayBalance(),
		Status:        string(inv.Status),
		LockedBy:      inv.LockedBy,
	}
	if inv.LockedAt != nil {
		s := inv.LockedAt.Format(time.RFC3339)
		dto.LockedAt = &s
	}
	dto.LineItems = make([]LineItemDTO, len(inv.LineItems))
	for i, li := range inv.LineItems {
		dto.LineItems[i] = LineItemDTO{
			ID:          li.ID,
			Description: li.Description,
			Category:    li.Category,
			Quantity:    li.Quantity,
			UnitPrice:   li.UnitPrice,
			Total:       li.Total,
		}
	}
	return dto
}

func toInvoiceDTOs(invoices []ledger.Invoice) []InvoiceDTO {
	dtos := make([]InvoiceDTO, len(invoices))
	for i := range invoices {
		dtos[i] = toInvoiceDTO(&invoices[i])
	}
	return dtos
}

func toPaymentDTO(p *ledger.Payment) PaymentDTO {
	return PaymentDTO{
		PaymentID:     string(p.ID),
		TenantID:      string(p.TenantID),
		LeaseID:       string(p.LeaseID),
		Amount:        p.Amount,
		Method:        p.Method,
		Date:          p.Date.Format("2006-01-02"),
		Reference:     p.Reference,
		IsOverpayment: p.IsOverpayment,
	}
}

func toAllocationResultDTO(res *ledger.AllocationResult) AllocationResultDTO {
	dto := AllocationResultDTO{
		PaymentID:          string(res.PaymentID),
		TotalAllocated:     res.TotalAllocated,
		AllocationsCreated: res.AllocationsCreated,
		CreditCreated:      res.CreditCreated,
		Replayed:           res.Replayed,
	}
	for _, a := range res.Alerts {
		dto.Alerts = append(dto.Alerts, UnderpaymentAlertDTO{
			TenantID:  string(a.TenantID),
			InvoiceID: string(a.InvoiceID),
			Expected:  a.Expected,
			Actual:    a.Actual,
			Shortfall: a.Shortfall,
		})
	}
	return dto
}

func toLeaseDTO(l *ledger.Lease) LeaseDTO {
	dto := LeaseDTO{
		ID:          string(l.ID),
		Code:        l.Code,
		TenantID:    string(l.TenantID),
		PropertyID:  l.PropertyID,
		Active:      l.Active,
		MonthlyRent: l.MonthlyRent,
		TaxRate:     l.TaxRate,
	}
	for _, c := range l.RecurringCharges {
		dto.RecurringCharges = append(dto.RecurringCharges, RecurringChargeDTO{
			Description: c.Description,
			Category:    c.Category,
			Amount:      c.Amount,
		})
	}
	if l.NextEscalationDate != nil {
		s := l.NextEscalationDate.Format("2006-01-02")
		dto.NextEscalationDate = &s
	}
	return dto
}

func toStatementDTO(st *ledger.Statement) StatementDTO {
	dto := StatementDTO{
		TenantID:         string(st.TenantID),
		Start:            st.Start.Format("2006-01-02"),
		End:              st.End.Format("2006-01-02"),
		OpeningBalance:   st.OpeningBalance,
		ClosingBalance:   st.ClosingBalance,
		TotalCharges:     st.TotalCharges,
		TotalPayments:    st.TotalPayments,
		TotalAdjustments: st.TotalAdjustments,
		Outstanding:      toInvoiceDTOs(st.Outstanding),
	}
	dto.Transactions = make([]StatementRowDTO, len(st.Rows))
	for i, row := range st.Rows {
		dto.Transactions[i] = StatementRowDTO{
			Date:        row.Date.Format("2006-01-02"),
			Description: row.Description,
			Reference:   row.Reference,
			Charge:      row.Charge,
			Payment:     row.Payment,
			Adjustment:  row.Adjustment,
			Balance:     row.Balance,
		}
	}
	return dto
}

func toAuditEntryDTOs(entries []ledger.AuditEntry) []AuditEntryDTO {
	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = AuditEntryDTO{
			ID:        e.ID,
			Timestamp: e.Timestamp.Format(time.RFC3339),
			ActorID:   e.ActorID,
			Action:    string(e.Action),
			Payload:   e.Payload,
		}
	}
	return dtos
}
