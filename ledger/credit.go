/*
credit.go - Tenant credit balance store

A single running balance per tenant. Fed by unallocated payment remainders
and invoice overshoot; drained by applying credit to invoices or issuing
refunds. The balance can never go negative - a debit that would is rejected
with InsufficientCreditError.
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

// CreditStore manages per-tenant credit balances.
type CreditStore struct {
	store TxStore
	locks *tenantLocks
	log   zerolog.Logger
}

func NewCreditStore(store TxStore, log zerolog.Logger) *CreditStore {
	return &CreditStore{store: store, locks: newTenantLocks(), log: log}
}

// Balance returns the tenant's current credit balance.
func (cs *CreditStore) Balance(ctx context.Context, tenantID TenantID) (decimal.Decimal, error) {
	return cs.store.CreditBalance(ctx, tenantID)
}

// Credit increases the tenant's balance.
func (cs *CreditStore) Credit(ctx context.Context, tenantID TenantID, amount decimal.Decimal, actor, reason string) error {
	if !amount.IsPositive() {
		return &ValidationError{Field: "amount", Message: "must be positive"}
	}

	unlock := cs.locks.lock(tenantID)
	defer unlock()

	return cs.store.WithTx(ctx, func(s Store) error {
		balance, err := s.CreditBalance(ctx, tenantID)
		if err != nil {
			return err
		}
		if err := s.SetCreditBalance(ctx, tenantID, money(balance.Add(amount))); err != nil {
			return err
		}
		entry := NewAuditEntry(actor, AuditCreditGranted)
		entry.TenantID = tenantID
		entry.Payload["amount"] = amount.String()
		entry.Payload["reason"] = reason
		return s.AppendAudit(ctx, entry)
	})
}

// Debit decreases the tenant's balance, e.g. for a refund payout.
func (cs *CreditStore) Debit(ctx context.Context, tenantID TenantID, amount decimal.Decimal, actor, reason string) error {
	if !amount.IsPositive() {
		return &ValidationError{Field: "amount", Message: "must be positive"}
	}

	unlock := cs.locks.lock(tenantID)
	defer unlock()

	return cs.store.WithTx(ctx, func(s Store) error {
		balance, err := s.CreditBalance(ctx, tenantID)
		if err != nil {
			return err
		}
		if balance.LessThan(amount) {
			return &InsufficientCreditError{TenantID: tenantID, Available: balance, Requested: amount}
		}
		if err := s.SetCreditBalance(ctx, tenantID, money(balance.Sub(amount))); err != nil {
			return err
		}
		entry := NewAuditEntry(actor, AuditCreditRefunded)
		entry.TenantID = tenantID
		entry.Payload["amount"] = amount.String()
		entry.Payload["reason"] = reason
		return s.AppendAudit(ctx, entry)
	})
}

// ApplyToInvoice atomically debits the tenant's credit and applies it to an
// invoice as a payment-equivalent allocation. The invoice can't be reduced
// by more than what exists: overshoot flows straight back to credit.
func (cs *CreditStore) ApplyToInvoice(ctx context.Context, tenantID TenantID, invoiceID InvoiceID, amount decimal.Decimal, actor string) (*AllocationResult, error) {
	if !amount.IsPositive() {
		return nil, &ValidationError{Field: "amount", Message: "must be positive"}
	}

	unlock := cs.locks.lock(tenantID)
	defer unlock()

	now := time.Now().UTC()
	result := &AllocationResult{}

	err := cs.store.WithTx(ctx, func(s Store) error {
		balance, err := s.CreditBalance(ctx, tenantID)
		if err != nil {
			return err
		}
		if balance.LessThan(amount) {
			return &InsufficientCreditError{TenantID: tenantID, Available: balance, Requested: amount}
		}

		inv, err := s.GetInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv == nil {
			return fmt.Errorf("invoice %s: %w", invoiceID, ErrNotFound)
		}
		if inv.TenantID != tenantID {
			return &ValidationError{Field: "invoice_id", Message: "invoice belongs to a different tenant"}
		}
		if inv.Status == StatusCancelled {
			return &ValidationError{Field: "invoice_id", Message: "invoice is cancelled"}
		}

		// The credit application is recorded as a payment so the statement
		// and allocation history stay complete.
		p := &Payment{
			ID:         PaymentID(uuid.NewString()),
			TenantID:   tenantID,
			LeaseID:    inv.LeaseID,
			Amount:     money(amount),
			Method:     "credit_balance",
			Date:       now,
			RecordedBy: actor,
			CreatedAt:  now,
		}
		if err := s.SavePayment(ctx, p); err != nil {
			return err
		}

		overshoot := applyPaymentToInvoice(inv, amount, now)
		if err := s.SaveInvoice(ctx, inv); err != nil {
			return err
		}
		if err := s.SaveAllocation(ctx, PaymentAllocation{
			ID:        AllocationID(uuid.NewString()),
			PaymentID: p.ID,
			InvoiceID: inv.ID,
			Amount:    money(amount),
			CreatedAt: now,
		}); err != nil {
			return err
		}

		newBalance := balance.Sub(amount).Add(overshoot)
		if err := s.SetCreditBalance(ctx, tenantID, money(newBalance)); err != nil {
			return err
		}

		entry := NewAuditEntry(actor, AuditCreditApplied)
		entry.InvoiceID = inv.ID
		entry.TenantID = tenantID
		entry.LeaseID = inv.LeaseID
		entry.Payload["amount"] = amount.String()
		entry.Payload["payment_id"] = string(p.ID)
		entry.Payload["invoice_status"] = string(inv.Status)
		if err := s.AppendAudit(ctx, entry); err != nil {
			return err
		}

		result.PaymentID = p.ID
		result.TotalAllocated = money(amount)
		result.AllocationsCreated = 1
		result.CreditCreated = money(overshoot)
		return nil
	})
	if err != nil {
		return nil, err
	}

	cs.log.Info().
		Str("tenant_id", string(tenantID)).
		Str("invoice_id", string(invoiceID)).
		Str("amount", amount.String()).
		Msg("Credit applied to invoice")

	return result, nil
}
