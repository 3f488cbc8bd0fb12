/*
allocation.go - Payment allocation engine

PURPOSE:
  Splits an incoming payment (or a resolved bank transaction) across one or
  more invoices, with any remainder banked as tenant credit. This is the
  only code path that marks an invoice paid.

INVARIANTS:
  1. sum(allocations) + banked remainder <= payment amount, or
     OverAllocationError. The banked remainder is persisted on the payment
     (CreditedAmount) so repeat calls can never dispose of the same money
     twice.
  2. Allocations apply atomically in caller order; no partial visible state.
     Every read feeding a mutation happens inside the same store
     transaction, so a concurrent writer can't slip between the dry-run
     and the save.
  3. Overshoot on an invoice moves to tenant credit, never stranded
  4. Remainder becomes credit only when allowCreditCreation is set;
     otherwise the whole call fails with PartialAllocationError
  5. Replaying an identical request is a no-op, enforced by the store's
     (payment, invoice) allocation uniqueness plus the persisted
     CreditedAmount, not caller discipline

STRICT SETTLEMENT:
  With allowCreditCreation=false the caller is asserting exact settlement:
  every named invoice must end fully paid and the payment must have no
  remainder. Any uncovered amount fails the call with PartialAllocationError
  naming it, leaves all balances untouched, and raises an underpayment
  alert. With allowCreditCreation=true partial coverage is accepted and the
  remainder is banked.

UNDERPAYMENT ALERTS:
  Informational only. Raised when a due invoice still carries a balance and
  the applied amount fell short of the lease's expected monthly charge.
  Logged at warn level and returned on the result; they never block.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// AllocationInput names one target invoice and the amount to apply.
type AllocationInput struct {
	InvoiceID InvoiceID
	Amount    decimal.Decimal
}

// AllocationRequest is the full allocation contract. Exactly one of
// PaymentID / BankTxnID must be set.
type AllocationRequest struct {
	PaymentID           PaymentID
	BankTxnID           BankTxnID
	Allocations         []AllocationInput
	AllowCreditCreation bool
	Actor               string
}

// AllocationResult reports what the engine did.
type AllocationResult struct {
	PaymentID          PaymentID
	TotalAllocated     decimal.Decimal
	AllocationsCreated int
	CreditCreated      decimal.Decimal
	Replayed           bool // request was an exact replay; nothing changed
	Alerts             []UnderpaymentAlert
}

// Allocator is the payment allocation engine.
type Allocator struct {
	store TxStore
	locks *tenantLocks
	log   zerolog.Logger
}

func NewAllocator(store TxStore, log zerolog.Logger) *Allocator {
	return &Allocator{store: store, locks: newTenantLocks(), log: log}
}

// RecordManualPayment records a payment captured by an operator (EFT
// reference, cash receipt, ...). The payment starts unallocated.
func (a *Allocator) RecordManualPayment(ctx context.Context, leaseID LeaseID, method string, amount decimal.Decimal, date time.Time, reference, notes, actor string) (*Payment, error) {
	if !amount.IsPositive() {
		return nil, &ValidationError{Field: "amount", Message: "must be positive"}
	}
	if method == "" {
		return nil, &ValidationError{Field: "method", Message: "payment method is required"}
	}

	lease, err := a.store.GetLease(ctx, leaseID)
	if err != nil {
		return nil, err
	}
	if lease == nil {
		return nil, fmt.Errorf("lease %s: %w", leaseID, ErrNotFound)
	}

	now := time.Now().UTC()
	p := &Payment{
		ID:         PaymentID(uuid.NewString()),
		TenantID:   lease.TenantID,
		LeaseID:    lease.ID,
		Amount:     money(amount),
		Method:     method,
		Date:       date,
		Reference:  reference,
		Notes:      notes,
		RecordedBy: actor,
		CreatedAt:  now,
	}

	err = a.store.WithTx(ctx, func(s Store) error {
		if err := s.SavePayment(ctx, p); err != nil {
			return err
		}
		entry := NewAuditEntry(actor, AuditPaymentRecorded)
		entry.TenantID = p.TenantID
		entry.LeaseID = p.LeaseID
		entry.Payload["payment_id"] = string(p.ID)
		entry.Payload["amount"] = p.Amount.String()
		entry.Payload["method"] = method
		return s.AppendAudit(ctx, entry)
	})
	if err != nil {
		return nil, err
	}

	a.log.Info().
		Str("payment_id", string(p.ID)).
		Str("lease_id", string(leaseID)).
		Str("amount", p.Amount.String()).
		Msg("Manual payment recorded")

	return p, nil
}

// Allocate applies the request. See the package comment for the contract.
// On PartialAllocationError the returned result still carries any raised
// underpayment alerts.
func (a *Allocator) Allocate(ctx context.Context, req AllocationRequest) (*AllocationResult, error) {
	resolved, err := a.resolvePayment(ctx, req)
	if err != nil {
		return nil, err
	}

	for _, in := range req.Allocations {
		if !in.Amount.IsPositive() {
			return nil, &ValidationError{Field: "allocations", Message: "allocation amounts must be positive"}
		}
	}

	unlock := a.locks.lock(resolved.TenantID)
	defer unlock()

	now := time.Now().UTC()
	result := &AllocationResult{PaymentID: resolved.ID}

	err = a.store.WithTx(ctx, func(s Store) error {
		// Reload inside the transaction: the resolved payment is a snapshot
		// and its credited amount must be read-checked-written atomically.
		payment, err := s.GetPayment(ctx, resolved.ID)
		if err != nil {
			return err
		}
		if payment == nil {
			return fmt.Errorf("payment %s: %w", resolved.ID, ErrNotFound)
		}

		// Idempotency: drop inputs that already exist as identical allocations.
		existing, err := s.ListAllocationsByPayment(ctx, payment.ID)
		if err != nil {
			return err
		}
		existingByInvoice := make(map[InvoiceID]decimal.Decimal, len(existing))
		allocated := decimal.Zero
		for _, e := range existing {
			existingByInvoice[e.InvoiceID] = e.Amount
			allocated = allocated.Add(e.Amount)
		}

		var fresh []AllocationInput
		for _, in := range req.Allocations {
			if prev, ok := existingByInvoice[in.InvoiceID]; ok {
				if !prev.Equal(in.Amount) {
					return fmt.Errorf("payment %s already allocated %s to invoice %s: %w",
						payment.ID, prev, in.InvoiceID, ErrDuplicateAllocation)
				}
				continue // exact replay of this pair
			}
			fresh = append(fresh, in)
		}

		requested := allocated
		for _, in := range fresh {
			requested = requested.Add(in.Amount)
		}
		if requested.Add(payment.CreditedAmount).GreaterThan(payment.Amount) {
			return &OverAllocationError{PaymentID: payment.ID, Payment: payment.Amount,
				Requested: requested.Add(payment.CreditedAmount)}
		}

		// The remainder is what the payment can still dispose of: amount
		// minus all allocations minus what was already banked as credit.
		remainder := payment.Amount.Sub(requested).Sub(payment.CreditedAmount)

		if len(fresh) == 0 && !remainder.IsPositive() {
			a.log.Debug().Str("payment_id", string(payment.ID)).Msg("Allocation replayed, no-op")
			result.TotalAllocated = allocated
			result.Replayed = true
			return nil
		}

		// Dry-run the invoice coverage before mutating anything so a strict
		// (no-credit) call fails without partial visible state.
		invoices := make([]*Invoice, len(fresh))
		uncovered := remainder
		for i, in := range fresh {
			inv, err := s.GetInvoice(ctx, in.InvoiceID)
			if err != nil {
				return err
			}
			if inv == nil {
				return fmt.Errorf("invoice %s: %w", in.InvoiceID, ErrNotFound)
			}
			if inv.Status == StatusCancelled {
				return &ValidationError{Field: "allocations", Message: fmt.Sprintf("invoice %s is cancelled", inv.ID)}
			}
			invoices[i] = inv
			if short := inv.BalanceDue().Sub(in.Amount); short.IsPositive() {
				uncovered = uncovered.Add(short)
			}
		}

		if !req.AllowCreditCreation && uncovered.IsPositive() {
			for i, in := range fresh {
				result.Alerts = append(result.Alerts, a.underpaymentAlert(ctx, s, invoices[i], in.Amount, invoices[i].BalanceDue().Sub(in.Amount), now)...)
			}
			return &PartialAllocationError{PaymentID: payment.ID, Unallocated: uncovered}
		}

		result.TotalAllocated = allocated
		credit := remainder

		for i, in := range fresh {
			inv := invoices[i]
			overshoot := applyPaymentToInvoice(inv, in.Amount, now)
			credit = credit.Add(overshoot)

			if err := s.SaveInvoice(ctx, inv); err != nil {
				return err
			}
			if err := s.SaveAllocation(ctx, PaymentAllocation{
				ID:        AllocationID(uuid.NewString()),
				PaymentID: payment.ID,
				InvoiceID: inv.ID,
				Amount:    in.Amount,
				CreatedAt: now,
			}); err != nil {
				return err
			}

			entry := NewAuditEntry(req.Actor, AuditPaymentAllocated)
			entry.InvoiceID = inv.ID
			entry.TenantID = inv.TenantID
			entry.LeaseID = inv.LeaseID
			entry.Payload["payment_id"] = string(payment.ID)
			entry.Payload["amount"] = in.Amount.String()
			entry.Payload["invoice_status"] = string(inv.Status)
			if err := s.AppendAudit(ctx, entry); err != nil {
				return err
			}

			result.TotalAllocated = result.TotalAllocated.Add(in.Amount)
			result.AllocationsCreated++
		}

		if credit.IsPositive() {
			balance, err := s.CreditBalance(ctx, payment.TenantID)
			if err != nil {
				return err
			}
			if err := s.SetCreditBalance(ctx, payment.TenantID, money(balance.Add(credit))); err != nil {
				return err
			}
			payment.IsOverpayment = true
			// Only the remainder counts against the payment's capacity;
			// overshoot credit is already inside an allocation row.
			if remainder.IsPositive() {
				payment.CreditedAmount = money(payment.CreditedAmount.Add(remainder))
			}
			if err := s.SavePayment(ctx, payment); err != nil {
				return err
			}

			entry := NewAuditEntry(req.Actor, AuditCreditGranted)
			entry.TenantID = payment.TenantID
			entry.LeaseID = payment.LeaseID
			entry.Payload["payment_id"] = string(payment.ID)
			entry.Payload["amount"] = credit.String()
			if err := s.AppendAudit(ctx, entry); err != nil {
				return err
			}
			result.CreditCreated = money(credit)
		}

		for i, in := range fresh {
			result.Alerts = append(result.Alerts, a.underpaymentAlert(ctx, s, invoices[i], in.Amount, invoices[i].BalanceDue(), now)...)
		}
		return nil
	})
	if err != nil {
		a.logAlerts(result.Alerts)
		if errors.Is(err, ErrPartialAllocation) {
			return result, err
		}
		return nil, err
	}

	a.logAlerts(result.Alerts)
	a.log.Info().
		Str("payment_id", string(result.PaymentID)).
		Str("total_allocated", result.TotalAllocated.String()).
		Int("allocations", result.AllocationsCreated).
		Str("credit_created", result.CreditCreated.String()).
		Msg("Payment allocated")

	return result, nil
}

// resolvePayment loads the payment, materializing one from a bank
// transaction when needed. Bank-transaction resolution is idempotent: the
// bank txn id doubles as the payment reference.
func (a *Allocator) resolvePayment(ctx context.Context, req AllocationRequest) (*Payment, error) {
	switch {
	case req.PaymentID != "" && req.BankTxnID != "":
		return nil, &ValidationError{Field: "payment_id", Message: "provide either payment_id or bank_txn_id, not both"}
	case req.PaymentID != "":
		p, err := a.store.GetPayment(ctx, req.PaymentID)
		if err != nil {
			return nil, err
		}
		if p == nil {
			return nil, fmt.Errorf("payment %s: %w", req.PaymentID, ErrNotFound)
		}
		return p, nil
	case req.BankTxnID != "":
		return a.paymentFromBankTxn(ctx, req)
	default:
		return nil, &ValidationError{Field: "payment_id", Message: "payment_id or bank_txn_id is required"}
	}
}

func (a *Allocator) paymentFromBankTxn(ctx context.Context, req AllocationRequest) (*Payment, error) {
	txn, err := a.store.GetBankTransaction(ctx, req.BankTxnID)
	if err != nil {
		return nil, err
	}
	if txn == nil {
		return nil, fmt.Errorf("bank transaction %s: %w", req.BankTxnID, ErrNotFound)
	}

	if existing, err := a.store.FindPaymentByReference(ctx, string(txn.ID)); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	if len(req.Allocations) == 0 {
		return nil, &ValidationError{Field: "allocations", Message: "resolving a bank transaction requires at least one allocation"}
	}
	// The target invoice tells us which tenant/lease this money belongs to.
	inv, err := a.store.GetInvoice(ctx, req.Allocations[0].InvoiceID)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, fmt.Errorf("invoice %s: %w", req.Allocations[0].InvoiceID, ErrNotFound)
	}

	now := time.Now().UTC()
	p := &Payment{
		ID:         PaymentID(uuid.NewString()),
		TenantID:   inv.TenantID,
		LeaseID:    inv.LeaseID,
		Amount:     txn.Amount,
		Method:     "bank_import",
		Date:       txn.Date,
		Reference:  string(txn.ID),
		Notes:      txn.Description,
		RecordedBy: req.Actor,
		CreatedAt:  now,
	}

	txn.Status = ReconReconciled
	txn.PaymentID = p.ID

	err = a.store.WithTx(ctx, func(s Store) error {
		if err := s.SavePayment(ctx, p); err != nil {
			return err
		}
		if err := s.SaveBankTransaction(ctx, txn); err != nil {
			return err
		}
		entry := NewAuditEntry(req.Actor, AuditTxnResolved)
		entry.TenantID = p.TenantID
		entry.LeaseID = p.LeaseID
		entry.Payload["bank_txn_id"] = string(txn.ID)
		entry.Payload["payment_id"] = string(p.ID)
		return s.AppendAudit(ctx, entry)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// underpaymentAlert returns an alert when the invoice is due, still carries
// a balance, and the applied amount fell short of the lease's expected
// monthly charge.
func (a *Allocator) underpaymentAlert(ctx context.Context, s Store, inv *Invoice, applied, shortfall decimal.Decimal, asOf time.Time) []UnderpaymentAlert {
	if !shortfall.IsPositive() || asOf.Before(inv.DueDate) {
		return nil
	}

	expected := inv.TotalAmount
	if lease, err := s.GetLease(ctx, inv.LeaseID); err == nil && lease != nil {
		if e := lease.ExpectedMonthlyCharge(); e.IsPositive() {
			expected = e
		}
	}
	if applied.GreaterThanOrEqual(expected) {
		return nil
	}

	return []UnderpaymentAlert{{
		TenantID:  inv.TenantID,
		LeaseID:   inv.LeaseID,
		InvoiceID: inv.ID,
		Expected:  expected,
		Actual:    applied,
		Shortfall: money(shortfall),
		RaisedAt:  asOf,
	}}
}

func (a *Allocator) logAlerts(alerts []UnderpaymentAlert) {
	for _, alert := range alerts {
		a.log.Warn().
			Str("tenant_id", string(alert.TenantID)).
			Str("invoice_id", string(alert.InvoiceID)).
			Str("expected", alert.Expected.String()).
			Str("actual", alert.Actual.String()).
			Str("shortfall", alert.Shortfall.String()).
			Msg("Underpayment detected")
	}
}
