/*
errors.go - Centralized error types for the billing engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers match with errors.Is/errors.As; the HTTP layer maps these to
  status codes via the helper predicates at the bottom.

ERROR CATEGORIES:
  1. Validation errors - malformed or duplicate input
  2. Lock errors - mutation attempted on a sent/locked invoice
  3. Money errors - allocation overflow, insufficient credit
  4. Lookup errors - missing records

Money-invariant violations are always surfaced to the caller, never
silently clamped.

SEE ALSO:
  - allocation.go: OverAllocationError / PartialAllocationError
  - invoice.go: LockedInvoiceError, ErrDuplicatePeriod
  - credit.go: InsufficientCreditError
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is the base for malformed-input failures.
	ErrValidation = errors.New("validation failed")

	// ErrDuplicatePeriod is returned when a non-cancelled invoice already
	// exists for the same (lease, billing period).
	ErrDuplicatePeriod = errors.New("invoice already exists for billing period")

	// ErrLockedInvoice is returned when line items are mutated after send.
	ErrLockedInvoice = errors.New("invoice is locked")

	// ErrOverAllocation is returned when allocations exceed the payment amount.
	ErrOverAllocation = errors.New("allocations exceed payment amount")

	// ErrPartialAllocation is returned when a remainder is left unallocated
	// and credit creation was not permitted.
	ErrPartialAllocation = errors.New("payment not fully allocated")

	// ErrInsufficientCredit is returned when a debit would drive a tenant's
	// credit balance negative.
	ErrInsufficientCredit = errors.New("insufficient credit balance")

	// ErrDuplicateAllocation is returned by stores when a (payment, invoice)
	// allocation pair already exists. The engine treats replays as no-ops.
	ErrDuplicateAllocation = errors.New("allocation already exists")

	// ErrReconciliationAmbiguity marks a bank row that needs manual review.
	ErrReconciliationAmbiguity = errors.New("reconciliation requires manual review")

	// ErrNotFound is returned when a referenced record doesn't exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateEscalation is returned when a lease was already escalated
	// for the same effective date.
	ErrDuplicateEscalation = errors.New("escalation already applied for date")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// LockedInvoiceError is returned for any direct mutation of a sent invoice.
type LockedInvoiceError struct {
	InvoiceID InvoiceID
	Status    InvoiceStatus
}

func (e *LockedInvoiceError) Error() string {
	return fmt.Sprintf("invoice %s is locked (status %s): create an adjustment or interim invoice instead", e.InvoiceID, e.Status)
}

func (e *LockedInvoiceError) Unwrap() error { return ErrLockedInvoice }

// OverAllocationError reports an allocation set that exceeds the payment.
type OverAllocationError struct {
	PaymentID PaymentID
	Payment   decimal.Decimal
	Requested decimal.Decimal
}

func (e *OverAllocationError) Error() string {
	return fmt.Sprintf("over-allocation on payment %s: requested %s of %s", e.PaymentID, e.Requested, e.Payment)
}

func (e *OverAllocationError) Unwrap() error { return ErrOverAllocation }

// PartialAllocationError names the remainder left unallocated when credit
// creation was not allowed. Drives underpayment alerts in callers.
type PartialAllocationError struct {
	PaymentID   PaymentID
	Unallocated decimal.Decimal
}

func (e *PartialAllocationError) Error() string {
	return fmt.Sprintf("payment %s has %s unallocated and credit creation is disabled", e.PaymentID, e.Unallocated)
}

func (e *PartialAllocationError) Unwrap() error { return ErrPartialAllocation }

// InsufficientCreditError details a credit balance shortage.
type InsufficientCreditError struct {
	TenantID  TenantID
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientCreditError) Error() string {
	return fmt.Sprintf("insufficient credit for tenant %s: available %s, requested %s",
		e.TenantID, e.Available, e.Requested)
}

func (e *InsufficientCreditError) Unwrap() error { return ErrInsufficientCredit }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input
// rather than an engine or storage failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrDuplicatePeriod) ||
		errors.Is(err, ErrLockedInvoice) ||
		errors.Is(err, ErrOverAllocation) ||
		errors.Is(err, ErrPartialAllocation) ||
		errors.Is(err, ErrInsufficientCredit) ||
		errors.Is(err, ErrDuplicateEscalation)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict returns true for lock, credit and allocation-replay conflicts
// (HTTP 409 class).
func IsConflict(err error) bool {
	return errors.Is(err, ErrLockedInvoice) ||
		errors.Is(err, ErrInsufficientCredit) ||
		errors.Is(err, ErrDuplicateAllocation)
}
