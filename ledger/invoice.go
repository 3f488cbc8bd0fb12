/*
invoice.go - Invoice lifecycle engine

PURPOSE:
  Owns invoice creation, editing, sending (which locks line items),
  cancellation and the administrative unlock flow.

STATE MACHINE:
  draft -> queued -> sent -> (partially_paid <-> overdue) -> paid
  Any pre-sent state may transition to cancelled. paid and cancelled are
  terminal. sent implies locked for line-item edits; markPaid is never
  called directly - it fires inside the allocation engine when the balance
  reaches zero.

CORE UNIQUENESS INVARIANT:
  Exactly one non-cancelled invoice per (lease, billing period). The store
  backs this with a unique index; the engine checks first for a friendlier
  error.

SEE ALSO:
  - allocation.go: The only code path that marks an invoice paid
  - adjustment.go: The only legal way to change what a locked invoice owes
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// InvoiceLedger owns invoice records and their lifecycle. Lifecycle moves
// are guarded by store-level invariants (the period uniqueness index and
// transactional saves), so it carries no tenant locks of its own.
type InvoiceLedger struct {
	store TxStore
	log   zerolog.Logger
}

func NewInvoiceLedger(store TxStore, log zerolog.Logger) *InvoiceLedger {
	return &InvoiceLedger{store: store, log: log}
}

// Create raises the recurring invoice for a lease and billing period.
// Line items are computed from the lease's recurring charges; totals are
// recomputed server-side. Idempotency: a second call for the same period
// fails with ErrDuplicatePeriod.
func (il *InvoiceLedger) Create(ctx context.Context, leaseID LeaseID, period BillingPeriod, actor string) (*Invoice, error) {
	if !period.Valid() {
		return nil, &ValidationError{Field: "billing_period", Message: "must be YYYY-MM"}
	}

	lease, err := il.store.GetLease(ctx, leaseID)
	if err != nil {
		return nil, err
	}
	if lease == nil {
		return nil, fmt.Errorf("lease %s: %w", leaseID, ErrNotFound)
	}
	if len(lease.RecurringCharges) == 0 {
		return nil, &ValidationError{Field: "lease_id", Message: "lease has no active recurring charges"}
	}

	existing, err := il.store.FindInvoiceByPeriod(ctx, leaseID, period)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("lease %s period %s: %w", leaseID, period, ErrDuplicatePeriod)
	}

	periodStart, _ := period.Bounds()
	now := time.Now().UTC()

	inv := &Invoice{
		ID:            InvoiceID(uuid.NewString()),
		LeaseID:       lease.ID,
		PropertyID:    lease.PropertyID,
		TenantID:      lease.TenantID,
		LandlordID:    lease.LandlordID,
		Type:          TypeRegular,
		BillingPeriod: period,
		IssueDate:     now,
		DueDate:       periodStart,
		TaxRate:       lease.TaxRate,
		AmountPaid:    decimal.Zero,
		Status:        StatusDraft,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for _, c := range lease.RecurringCharges {
		inv.LineItems = append(inv.LineItems, LineItem{
			ID:          uuid.NewString(),
			Description: c.Description,
			Category:    c.Category,
			Quantity:    decimal.NewFromInt(1),
			UnitPrice:   c.Amount,
		})
	}
	inv.Recompute()

	err = il.store.WithTx(ctx, func(s Store) error {
		if err := s.SaveInvoice(ctx, inv); err != nil {
			return err
		}
		entry := NewAuditEntry(actor, AuditInvoiceCreated)
		entry.InvoiceID = inv.ID
		entry.TenantID = inv.TenantID
		entry.LeaseID = inv.LeaseID
		entry.Payload["billing_period"] = string(period)
		entry.Payload["total_amount"] = inv.TotalAmount.String()
		return s.AppendAudit(ctx, entry)
	})
	if err != nil {
		return nil, err
	}

	il.log.Info().
		Str("invoice_id", string(inv.ID)).
		Str("lease_id", string(leaseID)).
		Str("period", string(period)).
		Str("total", inv.TotalAmount.String()).
		Msg("Invoice created")

	return inv, nil
}

// UpdateLineItems replaces the line items of a draft/queued invoice and
// recomputes totals. Caller-supplied totals are ignored.
func (il *InvoiceLedger) UpdateLineItems(ctx context.Context, invoiceID InvoiceID, items []LineItem, actor string) (*Invoice, error) {
	inv, err := il.mustGet(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if !inv.Editable() {
		return nil, &LockedInvoiceError{InvoiceID: inv.ID, Status: inv.Status}
	}
	if len(items) == 0 {
		return nil, &ValidationError{Field: "line_items", Message: "at least one line item is required"}
	}

	for i := range items {
		if items[i].ID == "" {
			items[i].ID = uuid.NewString()
		}
		if items[i].Description == "" {
			return nil, &ValidationError{Field: "line_items", Message: "description is required"}
		}
	}

	inv.LineItems = items
	inv.Recompute()
	inv.UpdatedAt = time.Now().UTC()

	err = il.store.WithTx(ctx, func(s Store) error {
		if err := s.SaveInvoice(ctx, inv); err != nil {
			return err
		}
		entry := NewAuditEntry(actor, AuditLineItemsUpdated)
		entry.InvoiceID = inv.ID
		entry.TenantID = inv.TenantID
		entry.LeaseID = inv.LeaseID
		entry.Payload["line_items"] = len(items)
		entry.Payload["total_amount"] = inv.TotalAmount.String()
		return s.AppendAudit(ctx, entry)
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// Send transitions draft/queued -> sent and stamps the lock metadata.
// Irreversible except via AdminUnlock. Delivery to the tenant is the
// caller's concern; this engine only records the transition.
func (il *InvoiceLedger) Send(ctx context.Context, invoiceID InvoiceID, actor string) (*Invoice, error) {
	inv, err := il.mustGet(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status != StatusDraft && inv.Status != StatusQueued {
		return nil, &ValidationError{Field: "status", Message: fmt.Sprintf("cannot send invoice in status %s", inv.Status)}
	}

	now := time.Now().UTC()
	inv.Status = StatusSent
	inv.LockedAt = &now
	inv.LockedBy = actor
	inv.UpdatedAt = now

	err = il.store.WithTx(ctx, func(s Store) error {
		if err := s.SaveInvoice(ctx, inv); err != nil {
			return err
		}
		entry := NewAuditEntry(actor, AuditInvoiceSent)
		entry.InvoiceID = inv.ID
		entry.TenantID = inv.TenantID
		entry.LeaseID = inv.LeaseID
		entry.Payload["total_amount"] = inv.TotalAmount.String()
		return s.AppendAudit(ctx, entry)
	})
	if err != nil {
		return nil, err
	}

	il.log.Info().Str("invoice_id", string(inv.ID)).Msg("Invoice sent and locked")
	return inv, nil
}

// Cancel terminates a pre-sent invoice.
func (il *InvoiceLedger) Cancel(ctx context.Context, invoiceID InvoiceID, actor string) (*Invoice, error) {
	inv, err := il.mustGet(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if !inv.Editable() {
		return nil, &LockedInvoiceError{InvoiceID: inv.ID, Status: inv.Status}
	}

	inv.Status = StatusCancelled
	inv.UpdatedAt = time.Now().UTC()

	err = il.store.WithTx(ctx, func(s Store) error {
		if err := s.SaveInvoice(ctx, inv); err != nil {
			return err
		}
		entry := NewAuditEntry(actor, AuditInvoiceCancelled)
		entry.InvoiceID = inv.ID
		entry.TenantID = inv.TenantID
		entry.LeaseID = inv.LeaseID
		return s.AppendAudit(ctx, entry)
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// AdminUnlock is the only way to reopen a sent invoice for line-item edits.
// A reason is mandatory and lands in the audit trail. Financial totals are
// untouched; only the lock is lifted.
func (il *InvoiceLedger) AdminUnlock(ctx context.Context, invoiceID InvoiceID, actor, reason string) (*Invoice, error) {
	if reason == "" {
		return nil, &ValidationError{Field: "reason", Message: "unlock reason is required"}
	}

	inv, err := il.mustGet(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if !inv.Locked() {
		return nil, &ValidationError{Field: "invoice_id", Message: "invoice is not locked"}
	}
	if inv.Terminal() {
		return nil, &ValidationError{Field: "status", Message: fmt.Sprintf("cannot unlock invoice in terminal status %s", inv.Status)}
	}

	inv.Status = StatusDraft
	inv.LockedAt = nil
	inv.LockedBy = ""
	inv.UpdatedAt = time.Now().UTC()

	err = il.store.WithTx(ctx, func(s Store) error {
		if err := s.SaveInvoice(ctx, inv); err != nil {
			return err
		}
		entry := NewAuditEntry(actor, AuditAdminUnlock)
		entry.InvoiceID = inv.ID
		entry.TenantID = inv.TenantID
		entry.LeaseID = inv.LeaseID
		entry.Payload["reason"] = reason
		return s.AppendAudit(ctx, entry)
	})
	if err != nil {
		return nil, err
	}

	il.log.Warn().
		Str("invoice_id", string(inv.ID)).
		Str("actor", actor).
		Str("reason", reason).
		Msg("Invoice administratively unlocked")

	return inv, nil
}

// Get returns an invoice or ErrNotFound.
func (il *InvoiceLedger) Get(ctx context.Context, invoiceID InvoiceID) (*Invoice, error) {
	return il.mustGet(ctx, invoiceID)
}

func (il *InvoiceLedger) mustGet(ctx context.Context, invoiceID InvoiceID) (*Invoice, error) {
	inv, err := il.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, fmt.Errorf("invoice %s: %w", invoiceID, ErrNotFound)
	}
	return inv, nil
}

// =============================================================================
// PAYMENT APPLICATION - Shared by allocation and credit engines
// =============================================================================

// applyPaymentToInvoice increments amount_paid and settles the status.
// Returns the overshoot (positive when the invoice was overpaid), which the
// caller must move into tenant credit - never leave it stranded here.
func applyPaymentToInvoice(inv *Invoice, amount decimal.Decimal, asOf time.Time) decimal.Decimal {
	inv.AmountPaid = money(inv.AmountPaid.Add(amount))
	balance := inv.BalanceDue()

	overshoot := decimal.Zero
	if balance.Sign() <= 0 {
		inv.Status = StatusPaid
		if balance.IsNegative() {
			// Clamp the stored paid amount to the total; the overshoot
			// becomes tenant credit in the same transaction.
			overshoot = balance.Neg()
			inv.AmountPaid = inv.TotalAmount
		}
	} else {
		if asOf.After(inv.DueDate) {
			inv.Status = StatusOverdue
		} else {
			inv.Status = StatusPartiallyPaid
		}
	}
	inv.UpdatedAt = time.Now().UTC()
	return overshoot
}
