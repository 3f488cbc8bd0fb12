/*
Package reconcile matches imported bank transactions to tenant charges.

PURPOSE:
  Ingests bank statement CSV batches and decides, per transaction, whether
  the money can be applied automatically, needs a human, or is unknown.

MATCHING POLICY (first rule that fires wins):
  1. Exact reference match: the transaction reference (or a token in the
     description) equals a known lease code -> create a payment and allocate
     it against the lease's outstanding invoices oldest-due-first, mark
     reconciled. Remainder goes to tenant credit.
  2. Amount + tenant-name fuzzy match: the amount equals an outstanding
     invoice balance and the tenant's name appears in the description ->
     mark manual_review. Never auto-allocated.
  3. No match -> unmatched.

BATCH SEMANTICS:
  Per-row error isolation: a malformed row is counted and reported in the
  batch result, the rest of the batch proceeds. Matching failures demote the
  row to unmatched rather than failing the import.

MANUAL RESOLUTION:
  A transaction left in unmatched/manual_review is resolved later through
  the same allocation contract as a regular payment (Resolve delegates to
  the allocation engine with the bank transaction id).
*/
package reconcile

import (
	"context"
	"io"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/lattice/billing-engine/ledger"
)

// BatchResult summarizes one CSV import.
type BatchResult struct {
	BatchID        ledger.BatchID `json:"batch_id"`
	Total          int            `json:"total"`
	AutoReconciled int            `json:"auto_reconciled"`
	ManualReview   int            `json:"manual_review"`
	Unmatched      int            `json:"unmatched"`
	Failed         int            `json:"failed"`
	Errors         []RowError     `json:"errors,omitempty"`
}

// UnmatchedReport lists what still needs human attention.
type UnmatchedReport struct {
	Transactions    []ledger.BankTransaction `json:"unmatched_transactions"`
	PendingPayments []ledger.Payment         `json:"pending_payments"`
}

// Matcher is the reconciliation engine.
type Matcher struct {
	store     ledger.TxStore
	allocator *ledger.Allocator
	log       zerolog.Logger
}

func NewMatcher(store ledger.TxStore, allocator *ledger.Allocator, log zerolog.Logger) *Matcher {
	return &Matcher{store: store, allocator: allocator, log: log}
}

// ImportCSV ingests a bank statement batch and runs the matching policy over
// every row. Malformed rows are reported in the result, never abort the batch.
func (m *Matcher) ImportCSV(ctx context.Context, r io.Reader, bankName, actor string) (*BatchResult, error) {
	rows, rowErrs, err := parseCSV(r)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{
		BatchID: ledger.BatchID(uuid.NewString()),
		Total:   len(rows) + len(rowErrs),
		Failed:  len(rowErrs),
		Errors:  rowErrs,
	}

	for _, row := range rows {
		txn := &ledger.BankTransaction{
			ID:          ledger.BankTxnID(uuid.NewString()),
			BatchID:     result.BatchID,
			BankName:    bankName,
			Date:        row.date,
			Description: row.description,
			Amount:      row.amount,
			Reference:   row.reference,
			Status:      ledger.ReconUnmatched,
			CreatedAt:   time.Now().UTC(),
		}
		if err := m.store.SaveBankTransaction(ctx, txn); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, RowError{Line: row.line, Error: err.Error()})
			continue
		}

		status, err := m.match(ctx, txn, actor)
		if err != nil {
			// The row is persisted; it stays unmatched for manual handling.
			m.log.Warn().
				Str("bank_txn_id", string(txn.ID)).
				Err(err).
				Msg("Bank transaction match failed, left unmatched")
			result.Failed++
			result.Errors = append(result.Errors, RowError{Line: row.line, Error: err.Error()})
			continue
		}

		switch status {
		case ledger.ReconReconciled:
			result.AutoReconciled++
		case ledger.ReconManualReview:
			result.ManualReview++
		default:
			result.Unmatched++
		}
	}

	entry := ledger.NewAuditEntry(actor, ledger.AuditBatchImported)
	entry.Payload["batch_id"] = string(result.BatchID)
	entry.Payload["bank_name"] = bankName
	entry.Payload["total"] = result.Total
	entry.Payload["auto_reconciled"] = result.AutoReconciled
	entry.Payload["manual_review"] = result.ManualReview
	entry.Payload["failed"] = result.Failed
	if err := m.store.AppendAudit(ctx, entry); err != nil {
		return nil, err
	}

	m.log.Info().
		Str("batch_id", string(result.BatchID)).
		Int("total", result.Total).
		Int("auto_reconciled", result.AutoReconciled).
		Int("manual_review", result.ManualReview).
		Int("failed", result.Failed).
		Msg("Bank batch imported")

	return result, nil
}

// match applies the policy rules in order and returns the resulting status.
func (m *Matcher) match(ctx context.Context, txn *ledger.BankTransaction, actor string) (ledger.ReconStatus, error) {
	// Outgoing money is never tenant income.
	if !txn.Amount.IsPositive() {
		return ledger.ReconUnmatched, nil
	}

	// Rule 1: exact lease-code reference.
	lease, err := m.findLeaseByReference(ctx, txn)
	if err != nil {
		return "", err
	}
	if lease != nil {
		return m.autoReconcile(ctx, txn, lease, actor)
	}

	// Rule 2: amount equals an outstanding balance + tenant name in the
	// description.
	reviewed, err := m.flagForReview(ctx, txn)
	if err != nil {
		return "", err
	}
	if reviewed {
		return ledger.ReconManualReview, nil
	}

	return ledger.ReconUnmatched, nil
}

// findLeaseByReference tries the reference field first, then tokens in the
// description that look like codes (letters followed by digits).
func (m *Matcher) findLeaseByReference(ctx context.Context, txn *ledger.BankTransaction) (*ledger.Lease, error) {
	if txn.Reference != "" {
		lease, err := m.store.FindLeaseByCode(ctx, txn.Reference)
		if err != nil || lease != nil {
			return lease, err
		}
	}

	for _, token := range codeTokens(txn.Reference + " " + txn.Description) {
		lease, err := m.store.FindLeaseByCode(ctx, token)
		if err != nil || lease != nil {
			return lease, err
		}
	}
	return nil, nil
}

// autoReconcile creates a payment from the transaction and allocates it
// oldest-due-first across the lease's outstanding invoices.
func (m *Matcher) autoReconcile(ctx context.Context, txn *ledger.BankTransaction, lease *ledger.Lease, actor string) (ledger.ReconStatus, error) {
	outstanding, err := m.store.ListOutstandingInvoices(ctx, lease.TenantID)
	if err != nil {
		return "", err
	}

	var inputs []ledger.AllocationInput
	remaining := txn.Amount
	for _, inv := range outstanding {
		if inv.LeaseID != lease.ID || !remaining.IsPositive() {
			continue
		}
		due := inv.DisplayBalance()
		if !due.IsPositive() {
			continue
		}
		amount := decimal.Min(remaining, due)
		inputs = append(inputs, ledger.AllocationInput{InvoiceID: inv.ID, Amount: amount})
		remaining = remaining.Sub(amount)
	}

	if len(inputs) == 0 {
		// Lease identified but nothing owed: a human decides whether this
		// becomes credit.
		txn.Status = ledger.ReconManualReview
		if err := m.store.SaveBankTransaction(ctx, txn); err != nil {
			return "", err
		}
		return ledger.ReconManualReview, nil
	}

	_, err = m.allocator.Allocate(ctx, ledger.AllocationRequest{
		BankTxnID:           txn.ID,
		Allocations:         inputs,
		AllowCreditCreation: true,
		Actor:               actor,
	})
	if err != nil {
		return "", err
	}
	return ledger.ReconReconciled, nil
}

// flagForReview implements rule 2. It never allocates.
func (m *Matcher) flagForReview(ctx context.Context, txn *ledger.BankTransaction) (bool, error) {
	tenants, err := m.store.ListTenants(ctx)
	if err != nil {
		return false, err
	}

	for _, tenant := range tenants {
		if !nameMatches(tenant.Name, txn.Description) {
			continue
		}
		outstanding, err := m.store.ListOutstandingInvoices(ctx, tenant.ID)
		if err != nil {
			return false, err
		}
		for _, inv := range outstanding {
			if inv.DisplayBalance().Equal(txn.Amount) {
				txn.Status = ledger.ReconManualReview
				if err := m.store.SaveBankTransaction(ctx, txn); err != nil {
					return false, err
				}
				m.log.Info().
					Str("bank_txn_id", string(txn.ID)).
					Str("tenant_id", string(tenant.ID)).
					Str("invoice_id", string(inv.ID)).
					Msg("Bank transaction flagged for manual review")
				return true, nil
			}
		}
	}
	return false, nil
}

// Unmatched returns everything still needing attention: transactions not yet
// reconciled and payments with an unallocated remainder.
func (m *Matcher) Unmatched(ctx context.Context) (*UnmatchedReport, error) {
	unmatched, err := m.store.ListBankTransactionsByStatus(ctx, ledger.ReconUnmatched)
	if err != nil {
		return nil, err
	}
	review, err := m.store.ListBankTransactionsByStatus(ctx, ledger.ReconManualReview)
	if err != nil {
		return nil, err
	}
	pending, err := m.store.ListUnallocatedPayments(ctx)
	if err != nil {
		return nil, err
	}

	return &UnmatchedReport{
		Transactions:    append(unmatched, review...),
		PendingPayments: pending,
	}, nil
}

// Resolve settles an unmatched/manual-review transaction through the regular
// allocation contract.
func (m *Matcher) Resolve(ctx context.Context, txnID ledger.BankTxnID, allocations []ledger.AllocationInput, allowCreditCreation bool, actor string) (*ledger.AllocationResult, error) {
	return m.allocator.Allocate(ctx, ledger.AllocationRequest{
		BankTxnID:           txnID,
		Allocations:         allocations,
		AllowCreditCreation: allowCreditCreation,
		Actor:               actor,
	})
}

// ----- Matching helpers -----

// codeTokens extracts candidate reference codes: tokens mixing letters and
// digits, at least 6 characters.
func codeTokens(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	var tokens []string
	for _, f := range fields {
		if len(f) < 6 {
			continue
		}
		var hasLetter, hasDigit bool
		for _, r := range f {
			if unicode.IsLetter(r) {
				hasLetter = true
			}
			if unicode.IsDigit(r) {
				hasDigit = true
			}
		}
		if hasLetter && hasDigit {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// nameMatches reports whether every significant word of the tenant's name
// appears in the description.
func nameMatches(name, description string) bool {
	desc := normalize(description)
	matched := false
	for _, word := range strings.Fields(normalize(name)) {
		if len(word) < 3 {
			continue
		}
		if !strings.Contains(desc, word) {
			return false
		}
		matched = true
	}
	return matched
}

func normalize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
