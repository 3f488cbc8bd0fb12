/*
statement.go - Statement reconstruction from the transaction history

PURPOSE:
  Replays all charges (invoice line items), payments and adjustments for a
  tenant in date order, carrying a running balance seeded from the opening
  balance immediately before the window. The final row's balance must equal
  opening + sum(charges) + sum(adjustments) - sum(payments); that equality
  is the principal tested property of this file.

ACCOUNTING RULES:
  - Only issued invoices count (draft/queued/cancelled never hit the
    statement). Line items in an adjustment category land in the
    adjustment column; everything else is a charge. Tax is emitted as its
    own charge row so rows sum exactly to invoice totals.
  - Credit-balance applications are excluded from the payment column: the
    cash was already counted when the original payment arrived, and the
    overpayment is visible as a negative running balance.
*/
package ledger

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// StatementRow is one dated movement with the balance after it.
type StatementRow struct {
	Date        time.Time
	Description string
	Reference   string // invoice or payment id
	Charge      decimal.Decimal
	Payment     decimal.Decimal
	Adjustment  decimal.Decimal
	Balance     decimal.Decimal
}

// Statement is the reconstructed view for a tenant over a window.
type Statement struct {
	TenantID         TenantID
	Start            time.Time
	End              time.Time
	OpeningBalance   decimal.Decimal
	Rows             []StatementRow
	ClosingBalance   decimal.Decimal
	TotalCharges     decimal.Decimal
	TotalPayments    decimal.Decimal
	TotalAdjustments decimal.Decimal
	Outstanding      []Invoice
}

// StatementBuilder replays the ledger into statements.
type StatementBuilder struct {
	store Store
}

func NewStatementBuilder(store Store) *StatementBuilder {
	return &StatementBuilder{store: store}
}

// Build reconstructs the tenant's statement for [start, end).
func (sb *StatementBuilder) Build(ctx context.Context, tenantID TenantID, start, end time.Time) (*Statement, error) {
	if end.Before(start) {
		return nil, &ValidationError{Field: "end", Message: "end before start"}
	}

	invoices, err := sb.store.ListInvoicesByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	payments, err := sb.store.ListPaymentsByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	events := buildEvents(invoices, payments)
	sort.SliceStable(events, func(i, j int) bool { return events[i].date.Before(events[j].date) })

	st := &Statement{TenantID: tenantID, Start: start, End: end}

	// Opening balance: everything strictly before the window.
	balance := decimal.Zero
	for _, e := range events {
		if !e.date.Before(start) {
			continue
		}
		balance = balance.Add(e.charge).Add(e.adjustment).Sub(e.payment)
	}
	st.OpeningBalance = money(balance)
	balance = st.OpeningBalance

	for _, e := range events {
		if e.date.Before(start) || !e.date.Before(end) {
			continue
		}
		balance = money(balance.Add(e.charge).Add(e.adjustment).Sub(e.payment))
		st.Rows = append(st.Rows, StatementRow{
			Date:        e.date,
			Description: e.description,
			Reference:   e.reference,
			Charge:      e.charge,
			Payment:     e.payment,
			Adjustment:  e.adjustment,
			Balance:     balance,
		})
		st.TotalCharges = st.TotalCharges.Add(e.charge)
		st.TotalPayments = st.TotalPayments.Add(e.payment)
		st.TotalAdjustments = st.TotalAdjustments.Add(e.adjustment)
	}
	st.ClosingBalance = balance

	outstanding, err := sb.store.ListOutstandingInvoices(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	st.Outstanding = outstanding

	return st, nil
}

type statementEvent struct {
	date        time.Time
	description string
	reference   string
	charge      decimal.Decimal
	payment     decimal.Decimal
	adjustment  decimal.Decimal
}

func buildEvents(invoices []Invoice, payments []Payment) []statementEvent {
	var events []statementEvent

	for i := range invoices {
		inv := &invoices[i]
		if !statementVisible(inv) {
			continue
		}
		for _, li := range inv.LineItems {
			e := statementEvent{
				date:        inv.IssueDate,
				description: li.Description,
				reference:   string(inv.ID),
			}
			if isAdjustmentCategory(li.Category) {
				e.adjustment = li.Total
			} else {
				e.charge = li.Total
			}
			events = append(events, e)
		}
		if !inv.TaxAmount.IsZero() {
			events = append(events, statementEvent{
				date:        inv.IssueDate,
				description: "Tax",
				reference:   string(inv.ID),
				charge:      inv.TaxAmount,
			})
		}
	}

	for i := range payments {
		p := &payments[i]
		if p.Method == "credit_balance" {
			continue
		}
		desc := "Payment received"
		if p.Reference != "" {
			desc = "Payment received (" + p.Reference + ")"
		}
		events = append(events, statementEvent{
			date:        p.Date,
			description: desc,
			reference:   string(p.ID),
			payment:     p.Amount,
		})
	}

	return events
}

// statementVisible: only invoices that were actually issued.
func statementVisible(inv *Invoice) bool {
	switch inv.Status {
	case StatusDraft, StatusQueued, StatusCancelled:
		return false
	}
	return true
}

func isAdjustmentCategory(category string) bool {
	switch AdjustmentKind(category) {
	case AdjustLateFee, AdjustCreditNote, AdjustCorrection:
		return true
	}
	return false
}
