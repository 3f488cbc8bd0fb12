/*
adjustment.go - Late fees, credit notes, corrections, interim invoices

PURPOSE:
  Changes what is owed without ever editing a locked invoice in place.

RULES:
  - Unlocked (draft/queued) parent: the adjustment materializes as a new
    line item on the invoice itself, alongside the Adjustment record.
  - Locked parent: the adjustment spawns a new invoice linked via ParentID
    (late_fee / credit / interim type) so history on the parent stays
    immutable. The spawned invoice is created sent+locked: it is
    machine-generated and immediately owed.
  - Late fees are positive, credit notes negative, corrections either sign.
  - Every call returns the effective new total and balance due (parent plus
    any spawned invoice) so callers can present the figure without
    re-fetching.
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

// AdjustmentResult reports the adjustment and the recomputed figures.
type AdjustmentResult struct {
	Adjustment     Adjustment
	NewTotal       decimal.Decimal // effective total owed: parent + spawned invoice
	NewBalanceDue  decimal.Decimal
	InterimInvoice *Invoice // set when the parent was locked
}

// AdjustmentEngine applies adjustments against invoices.
type AdjustmentEngine struct {
	store TxStore
	locks *tenantLocks
	log   zerolog.Logger
}

func NewAdjustmentEngine(store TxStore, log zerolog.Logger) *AdjustmentEngine {
	return &AdjustmentEngine{store: store, locks: newTenantLocks(), log: log}
}

// Create applies an adjustment of the given kind to the invoice.
func (ae *AdjustmentEngine) Create(ctx context.Context, invoiceID InvoiceID, kind AdjustmentKind, amount decimal.Decimal, reason string, effectiveDate time.Time, actor string) (*AdjustmentResult, error) {
	if reason == "" {
		return nil, &ValidationError{Field: "reason", Message: "adjustment reason is required"}
	}
	if amount.IsZero() {
		return nil, &ValidationError{Field: "amount", Message: "must be non-zero"}
	}

	switch kind {
	case AdjustLateFee:
		if !amount.IsPositive() {
			return nil, &ValidationError{Field: "amount", Message: "late fees must be positive"}
		}
	case AdjustCreditNote:
		if !amount.IsNegative() {
			return nil, &ValidationError{Field: "amount", Message: "credit notes must be negative"}
		}
	case AdjustCorrection:
		// either sign
	default:
		return nil, &ValidationError{Field: "type", Message: fmt.Sprintf("unknown adjustment type %q", kind)}
	}

	inv, err := ae.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, fmt.Errorf("invoice %s: %w", invoiceID, ErrNotFound)
	}
	if inv.Status == StatusCancelled {
		return nil, &ValidationError{Field: "invoice_id", Message: "invoice is cancelled"}
	}

	unlock := ae.locks.lock(inv.TenantID)
	defer unlock()

	now := time.Now().UTC()
	adj := Adjustment{
		ID:            AdjustmentID(uuid.NewString()),
		InvoiceID:     inv.ID,
		Kind:          kind,
		Amount:        money(amount),
		Reason:        reason,
		EffectiveDate: effectiveDate,
		CreatedBy:     actor,
		CreatedAt:     now,
	}

	result := &AdjustmentResult{Adjustment: adj}

	if inv.Editable() {
		// Direct line item on the still-open invoice.
		inv.LineItems = append(inv.LineItems, LineItem{
			ID:          uuid.NewString(),
			Description: reason,
			Category:    string(kind),
			Quantity:    decimal.NewFromInt(1),
			UnitPrice:   adj.Amount,
		})
		inv.Recompute()
		inv.UpdatedAt = now

		err = ae.store.WithTx(ctx, func(s Store) error {
			if err := s.SaveInvoice(ctx, inv); err != nil {
				return err
			}
			if err := s.SaveAdjustment(ctx, adj); err != nil {
				return err
			}
			return s.AppendAudit(ctx, ae.auditFor(inv, adj, actor))
		})
		if err != nil {
			return nil, err
		}

		result.Adjustment = adj
		result.NewTotal = inv.TotalAmount
		result.NewBalanceDue = inv.BalanceDue()
	} else {
		// Locked parent: spawn a linked invoice instead of mutating it.
		interim := ae.spawnInterim(inv, adj, now)
		adj.InterimInvoiceID = interim.ID

		err = ae.store.WithTx(ctx, func(s Store) error {
			if err := s.SaveInvoice(ctx, interim); err != nil {
				return err
			}
			if err := s.SaveAdjustment(ctx, adj); err != nil {
				return err
			}
			return s.AppendAudit(ctx, ae.auditFor(inv, adj, actor))
		})
		if err != nil {
			return nil, err
		}

		result.Adjustment = adj
		result.InterimInvoice = interim
		result.NewTotal = inv.TotalAmount.Add(interim.TotalAmount)
		result.NewBalanceDue = inv.BalanceDue().Add(interim.BalanceDue())
	}

	ae.log.Info().
		Str("invoice_id", string(inv.ID)).
		Str("type", string(kind)).
		Str("amount", adj.Amount.String()).
		Bool("interim", result.InterimInvoice != nil).
		Msg("Adjustment created")

	return result, nil
}

func (ae *AdjustmentEngine) spawnInterim(parent *Invoice, adj Adjustment, now time.Time) *Invoice {
	invType := TypeInterim
	switch adj.Kind {
	case AdjustLateFee:
		invType = TypeLateFee
	case AdjustCreditNote:
		invType = TypeCredit
	}

	interim := &Invoice{
		ID:            InvoiceID(uuid.NewString()),
		LeaseID:       parent.LeaseID,
		PropertyID:    parent.PropertyID,
		TenantID:      parent.TenantID,
		LandlordID:    parent.LandlordID,
		Type:          invType,
		ParentID:      parent.ID,
		BillingPeriod: parent.BillingPeriod,
		IssueDate:     now,
		DueDate:       adj.EffectiveDate,
		TaxRate:       decimal.Zero, // adjustments carry no tax of their own
		LineItems: []LineItem{{
			ID:          uuid.NewString(),
			Description: adj.Reason,
			Category:    string(adj.Kind),
			Quantity:    decimal.NewFromInt(1),
			UnitPrice:   adj.Amount,
		}},
		AmountPaid: decimal.Zero,
		Status:     StatusSent,
		LockedAt:   &now,
		LockedBy:   adj.CreatedBy,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	interim.Recompute()
	return interim
}

func (ae *AdjustmentEngine) auditFor(inv *Invoice, adj Adjustment, actor string) AuditEntry {
	entry := NewAuditEntry(actor, AuditAdjustmentMade)
	entry.InvoiceID = inv.ID
	entry.TenantID = inv.TenantID
	entry.LeaseID = inv.LeaseID
	entry.Payload["adjustment_id"] = string(adj.ID)
	entry.Payload["type"] = string(adj.Kind)
	entry.Payload["amount"] = adj.Amount.String()
	entry.Payload["reason"] = adj.Reason
	if adj.InterimInvoiceID != "" {
		entry.Payload["interim_invoice_id"] = string(adj.InterimInvoiceID)
	}
	return entry
}
