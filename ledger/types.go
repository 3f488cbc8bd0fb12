/*
Package ledger provides the core billing and payment-reconciliation engine.

PURPOSE:
  This package contains the domain types and algorithms for the invoicing
  ledger: invoices and their line items, payments and their allocations,
  tenant credit balances, adjustments, and the statement reconstructor.
  Everything above it (HTTP API, CSV import, escalation runs) drives these
  types through the Store interfaces.

KEY CONCEPTS IN THIS FILE (types.go):
  - Decimal money: every monetary field is a decimal.Decimal, never a float
  - Invoice: lifecycle-managed record with recompute-on-write totals
  - Payment/Allocation: append-only money movements
  - Lease/Tenant: the billing subjects invoices are raised against

DESIGN PRINCIPLES:
  1. Conservation: total = subtotal + tax; balance = total - paid, always
  2. Signed balances: a negative balance means overpayment, never discarded
  3. Recompute on write: totals are derived from line items server-side,
     never trusted from the caller
  4. Append-only movements: payments and allocations are reversed by new
     entries, never edited

SEE ALSO:
  - invoice.go: Invoice lifecycle engine
  - allocation.go: Payment allocation engine
  - credit.go: Tenant credit balance
  - statement.go: Running-balance reconstruction
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY HELPERS
// =============================================================================

func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// money rounds to cents. All persisted monetary values pass through this.
func money(d decimal.Decimal) decimal.Decimal { return d.Round(2) }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type (
	TenantID     TypedID
	LeaseID      TypedID
	InvoiceID    TypedID
	PaymentID    TypedID
	AllocationID TypedID
	AdjustmentID TypedID
	BankTxnID    TypedID
	BatchID      TypedID
	EscalationID TypedID
)

type TypedID = string

// =============================================================================
// BILLING PERIOD - "YYYY-MM" key, the invoice uniqueness dimension
// =============================================================================

type BillingPeriod string

func PeriodOf(t time.Time) BillingPeriod {
	return BillingPeriod(t.Format("2006-01"))
}

func (p BillingPeriod) Valid() bool {
	_, err := time.Parse("2006-01", string(p))
	return err == nil
}

// Bounds returns the first day of the period and the first day of the next.
func (p BillingPeriod) Bounds() (start, end time.Time) {
	start, _ = time.Parse("2006-01", string(p))
	return start, start.AddDate(0, 1, 0)
}

// =============================================================================
// INVOICE - Lifecycle-managed billing record
// =============================================================================

type InvoiceStatus string

const (
	StatusDraft         InvoiceStatus = "draft"
	StatusQueued        InvoiceStatus = "queued"
	StatusSent          InvoiceStatus = "sent"
	StatusPartiallyPaid InvoiceStatus = "partially_paid"
	StatusOverdue       InvoiceStatus = "overdue"
	StatusPaid          InvoiceStatus = "paid"
	StatusCancelled     InvoiceStatus = "cancelled"
)

type InvoiceType string

const (
	TypeRegular InvoiceType = "regular"
	TypeInterim InvoiceType = "interim"
	TypeLateFee InvoiceType = "late_fee"
	TypeCredit  InvoiceType = "credit"
)

type Invoice struct {
	ID            InvoiceID
	LeaseID       LeaseID
	PropertyID    string
	TenantID      TenantID
	LandlordID    string
	Type          InvoiceType
	ParentID      InvoiceID // set for interim/late-fee/credit invoices
	BillingPeriod BillingPeriod
	IssueDate     time.Time
	DueDate       time.Time
	LineItems     []LineItem
	Subtotal      decimal.Decimal
	TaxRate       decimal.Decimal // copied from the lease at creation
	TaxAmount     decimal.Decimal
	TotalAmount   decimal.Decimal
	AmountPaid    decimal.Decimal
	Status        InvoiceStatus

	// Lock metadata. Set when the invoice is sent; cleared by admin unlock.
	LockedAt *time.Time
	LockedBy string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// BalanceDue is the authoritative, signed balance. Negative means the tenant
// overpaid; the engine moves that overshoot to credit, it is never clamped
// in stored state.
func (inv *Invoice) BalanceDue() decimal.Decimal {
	return inv.TotalAmount.Sub(inv.AmountPaid)
}

// DisplayBalance clamps at zero. Presentation only.
func (inv *Invoice) DisplayBalance() decimal.Decimal {
	b := inv.BalanceDue()
	if b.IsNegative() {
		return decimal.Zero
	}
	return b
}

// Editable reports whether line items may still be changed.
func (inv *Invoice) Editable() bool {
	return inv.Status == StatusDraft || inv.Status == StatusQueued
}

func (inv *Invoice) Locked() bool { return inv.LockedAt != nil }

func (inv *Invoice) Terminal() bool {
	return inv.Status == StatusPaid || inv.Status == StatusCancelled
}

// Recompute derives subtotal, tax and total from the line items.
// Line item totals are themselves recomputed from quantity * unit price.
func (inv *Invoice) Recompute() {
	subtotal := decimal.Zero
	for i := range inv.LineItems {
		inv.LineItems[i].Recompute()
		subtotal = subtotal.Add(inv.LineItems[i].Total)
	}
	inv.Subtotal = money(subtotal)
	inv.TaxAmount = money(subtotal.Mul(inv.TaxRate))
	inv.TotalAmount = inv.Subtotal.Add(inv.TaxAmount)
}

// LineItem is one charge line. Negative totals are valid (credits).
type LineItem struct {
	ID          string
	Description string
	Category    string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
	Total       decimal.Decimal
}

func (li *LineItem) Recompute() {
	li.Total = money(li.Quantity.Mul(li.UnitPrice))
}

// =============================================================================
// PAYMENT & ALLOCATION - Append-only money movements
// =============================================================================

type Payment struct {
	ID       PaymentID
	TenantID TenantID
	LeaseID  LeaseID
	Amount   decimal.Decimal
	Method   string // eft, cash, card, credit_balance, bank_import
	Date     time.Time

	// CreditedAmount is the part of the payment banked as tenant credit
	// without being allocated to an invoice (the unallocated remainder).
	// Invoice overshoot is not counted here: it lives inside an allocation
	// row. Invariant: sum(allocations) + CreditedAmount <= Amount.
	CreditedAmount decimal.Decimal

	Reference     string
	Notes         string
	RecordedBy    string
	IsOverpayment bool
	CreatedAt     time.Time
}

// PaymentAllocation links one payment to one invoice. The sum of a payment's
// allocations never exceeds the payment amount; the store enforces one
// allocation per (payment, invoice) pair so replays are no-ops.
type PaymentAllocation struct {
	ID        AllocationID
	PaymentID PaymentID
	InvoiceID InvoiceID
	Amount    decimal.Decimal
	CreatedAt time.Time
}

// =============================================================================
// ADJUSTMENT - Post-lock changes, recorded instead of edited
// =============================================================================

type AdjustmentKind string

const (
	AdjustLateFee    AdjustmentKind = "late_fee"
	AdjustCreditNote AdjustmentKind = "credit_note"
	AdjustCorrection AdjustmentKind = "correction"
)

type Adjustment struct {
	ID            AdjustmentID
	InvoiceID     InvoiceID
	Kind          AdjustmentKind
	Amount        decimal.Decimal
	Reason        string
	EffectiveDate time.Time
	// InterimInvoiceID is set when the adjustment spawned a new invoice
	// instead of touching the (locked) parent.
	InterimInvoiceID InvoiceID
	CreatedBy        string
	CreatedAt        time.Time
}

// =============================================================================
// BANK TRANSACTION - Imported statement row awaiting reconciliation
// =============================================================================

type ReconStatus string

const (
	ReconUnmatched    ReconStatus = "unmatched"
	ReconMatched      ReconStatus = "matched"
	ReconManualReview ReconStatus = "manual_review"
	ReconReconciled   ReconStatus = "reconciled"
)

type BankTransaction struct {
	ID          BankTxnID
	BatchID     BatchID
	BankName    string
	Date        time.Time
	Description string
	Amount      decimal.Decimal
	Reference   string // free-text tenant/lease reference from the statement
	Status      ReconStatus
	PaymentID   PaymentID // set once a payment was created from this row
	CreatedAt   time.Time
}

// =============================================================================
// LEASE & TENANT - Billing subjects
// =============================================================================

type RecurringCharge struct {
	Description string
	Category    string // rent, utilities, parking, levy, ...
	Amount      decimal.Decimal
}

type Lease struct {
	ID         LeaseID
	Code       string // statement reference code, e.g. LEA000978
	PropertyID string
	TenantID   TenantID
	LandlordID string
	StartDate  time.Time
	EndDate    time.Time
	Active     bool

	RecurringCharges []RecurringCharge
	MonthlyRent      decimal.Decimal
	TaxRate          decimal.Decimal

	// Escalation config. Exactly one of percent/fixed is non-zero.
	EscalationPercent  decimal.Decimal
	EscalationFixed    decimal.Decimal
	EscalationInterval int // months
	NextEscalationDate *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ExpectedMonthlyCharge is rent plus all recurring charges, used for
// underpayment detection.
func (l *Lease) ExpectedMonthlyCharge() decimal.Decimal {
	total := decimal.Zero
	for _, c := range l.RecurringCharges {
		total = total.Add(c.Amount)
	}
	return money(total)
}

type Tenant struct {
	ID        TenantID
	Name      string
	Email     string
	CreatedAt time.Time
}

// =============================================================================
// RENT ESCALATION - Applied exactly once per scheduled date
// =============================================================================

type RentEscalation struct {
	ID            EscalationID
	LeaseID       LeaseID
	PreviousRent  decimal.Decimal
	NewRent       decimal.Decimal
	Percent       decimal.Decimal
	FixedAmount   decimal.Decimal
	EffectiveDate time.Time
	Reason        string
	CreatedAt     time.Time
}

// =============================================================================
// UNDERPAYMENT ALERT - Informational, never blocks an allocation
// =============================================================================

type UnderpaymentAlert struct {
	TenantID  TenantID
	LeaseID   LeaseID
	InvoiceID InvoiceID
	Expected  decimal.Decimal
	Actual    decimal.Decimal
	Shortfall decimal.Decimal
	RaisedAt  time.Time
}
