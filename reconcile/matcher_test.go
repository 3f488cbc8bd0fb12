package reconcile_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice/billing-engine/ledger"
	"github.com/lattice/billing-engine/reconcile"
	"github.com/lattice/billing-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type fixture struct {
	store   *sqlite.Store
	matcher *reconcile.Matcher
	lease   *ledger.Lease
	invoice *ledger.Invoice
}

func dec(s string) decimal.Decimal { return ledger.MustParseDecimal(s) }

// newFixture seeds tenant "John Smith" on lease LEA000978 with a sent January
// invoice for 12500.
func newFixture(t *testing.T) *fixture {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	tenant := &ledger.Tenant{ID: "tenant-1", Name: "John Smith", CreatedAt: time.Now().UTC()}
	require.NoError(t, store.SaveTenant(ctx, tenant))

	lease := &ledger.Lease{
		ID:       "lease-1",
		Code:     "LEA000978",
		TenantID: tenant.ID,
		Active:   true,
		RecurringCharges: []ledger.RecurringCharge{
			{Description: "Monthly rent", Category: "rent", Amount: dec("12500")},
		},
		MonthlyRent: dec("12500"),
	}
	require.NoError(t, store.SaveLease(ctx, lease))

	il := ledger.NewInvoiceLedger(store, zerolog.Nop())
	inv, err := il.Create(ctx, lease.ID, "2025-01", "test")
	require.NoError(t, err)
	inv, err = il.Send(ctx, inv.ID, "test")
	require.NoError(t, err)

	allocator := ledger.NewAllocator(store, zerolog.Nop())
	return &fixture{
		store:   store,
		matcher: reconcile.NewMatcher(store, allocator, zerolog.Nop()),
		lease:   lease,
		invoice: inv,
	}
}

func importCSV(t *testing.T, f *fixture, csv string) *reconcile.BatchResult {
	result, err := f.matcher.ImportCSV(context.Background(), strings.NewReader(csv), "FNB", "importer")
	require.NoError(t, err)
	return result
}

// =============================================================================
// RULE 1: LEASE-CODE REFERENCE -> AUTO-RECONCILE
// =============================================================================

func TestMatcher_ReferenceMatch_AutoReconciles(t *testing.T) {
	// GIVEN: A bank row whose reference is the lease code
	// WHEN: The batch is imported
	// THEN: The row is auto-reconciled and the invoice settles

	f := newFixture(t)
	ctx := context.Background()

	result := importCSV(t, f, "date,description,amount,reference\n2025-01-05,Rent January,12500.00,LEA000978\n")

	assert.Equal(t, 1, result.Total)
	assert.Equal(t, 1, result.AutoReconciled)
	assert.Equal(t, 0, result.Failed)

	inv, err := f.store.GetInvoice(ctx, f.invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPaid, inv.Status)
	assert.True(t, inv.BalanceDue().IsZero())

	txns, err := f.store.ListBankTransactionsByBatch(ctx, result.BatchID)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, ledger.ReconReconciled, txns[0].Status)
	assert.NotEmpty(t, txns[0].PaymentID, "a payment was materialized")
}

func TestMatcher_DescriptionCode_AutoReconciles(t *testing.T) {
	// GIVEN: A row with no reference but the lease code inside the description
	// WHEN: Imported
	// THEN: The code token is recognized and the row auto-reconciles

	f := newFixture(t)

	result := importCSV(t, f, "2025-01-05,EFT LEA000978 rent january,12500.00,\n")

	assert.Equal(t, 1, result.AutoReconciled)

	inv, err := f.store.GetInvoice(context.Background(), f.invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPaid, inv.Status)
}

func TestMatcher_ReferenceCaseInsensitive(t *testing.T) {
	f := newFixture(t)

	result := importCSV(t, f, "2025-01-05,rent,12500.00,lea000978\n")
	assert.Equal(t, 1, result.AutoReconciled)
}

func TestMatcher_Overpayment_BanksCredit(t *testing.T) {
	// GIVEN: A 15000 row against a 12500 invoice
	// WHEN: Auto-reconciled
	// THEN: The invoice settles and 2500 lands as tenant credit

	f := newFixture(t)
	ctx := context.Background()

	result := importCSV(t, f, "2025-01-05,rent plus extra,15000.00,LEA000978\n")
	assert.Equal(t, 1, result.AutoReconciled)

	inv, err := f.store.GetInvoice(ctx, f.invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPaid, inv.Status)

	balance, err := f.store.CreditBalance(ctx, f.lease.TenantID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("2500")), "balance: %s", balance)
}

func TestMatcher_OldestDueFirst(t *testing.T) {
	// GIVEN: January (overdue) and February invoices and a 12500 row
	// WHEN: Auto-reconciled
	// THEN: January is settled first; February stays outstanding

	f := newFixture(t)
	ctx := context.Background()

	il := ledger.NewInvoiceLedger(f.store, zerolog.Nop())
	feb, err := il.Create(ctx, f.lease.ID, "2025-02", "test")
	require.NoError(t, err)
	feb, err = il.Send(ctx, feb.ID, "test")
	require.NoError(t, err)

	importCSV(t, f, "2025-02-05,rent,12500.00,LEA000978\n")

	jan, err := f.store.GetInvoice(ctx, f.invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPaid, jan.Status)

	febLoaded, err := f.store.GetInvoice(ctx, feb.ID)
	require.NoError(t, err)
	assert.True(t, febLoaded.AmountPaid.IsZero())
}

func TestMatcher_LeaseMatchedNothingOwed_ManualReview(t *testing.T) {
	// GIVEN: A lease-code row but the tenant owes nothing
	// WHEN: Imported
	// THEN: A human decides whether this becomes credit

	f := newFixture(t)
	ctx := context.Background()

	// Settle the only invoice first.
	importCSV(t, f, "2025-01-05,rent,12500.00,LEA000978\n")

	result := importCSV(t, f, "2025-01-20,rent again,12500.00,LEA000978\n")
	assert.Equal(t, 1, result.ManualReview)
	assert.Equal(t, 0, result.AutoReconciled)

	review, err := f.store.ListBankTransactionsByStatus(ctx, ledger.ReconManualReview)
	require.NoError(t, err)
	assert.Len(t, review, 1)
}

// =============================================================================
// RULE 2: AMOUNT + TENANT NAME -> MANUAL REVIEW
// =============================================================================

func TestMatcher_NameAndAmountMatch_FlagsForReview(t *testing.T) {
	// GIVEN: A row with no lease code, but the amount equals an outstanding
	//        balance and the tenant's name is in the description
	// WHEN: Imported
	// THEN: The row is queued for manual review and nothing is allocated

	f := newFixture(t)
	ctx := context.Background()

	result := importCSV(t, f, "2025-01-05,Transfer from John Smith,12500.00,\n")

	assert.Equal(t, 1, result.ManualReview)
	assert.Equal(t, 0, result.AutoReconciled)

	inv, err := f.store.GetInvoice(ctx, f.invoice.ID)
	require.NoError(t, err)
	assert.True(t, inv.AmountPaid.IsZero(), "rule 2 never allocates")

	review, err := f.store.ListBankTransactionsByStatus(ctx, ledger.ReconManualReview)
	require.NoError(t, err)
	assert.Len(t, review, 1)
}

func TestMatcher_NameMatchWrongAmount_Unmatched(t *testing.T) {
	f := newFixture(t)

	result := importCSV(t, f, "2025-01-05,Transfer from John Smith,9999.00,\n")
	assert.Equal(t, 1, result.Unmatched)
	assert.Equal(t, 0, result.ManualReview)
}

// =============================================================================
// RULE 3: NO MATCH
// =============================================================================

func TestMatcher_UnknownRow_Unmatched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result := importCSV(t, f, "2025-01-05,mystery deposit,999.00,\n")
	assert.Equal(t, 1, result.Unmatched)

	unmatched, err := f.store.ListBankTransactionsByStatus(ctx, ledger.ReconUnmatched)
	require.NoError(t, err)
	assert.Len(t, unmatched, 1)
}

func TestMatcher_NegativeAmount_Unmatched(t *testing.T) {
	// Outgoing money never auto-matches even with a valid lease code.
	f := newFixture(t)

	result := importCSV(t, f, "2025-01-05,debit order reversal,-500.00,LEA000978\n")
	assert.Equal(t, 1, result.Unmatched)
}

// =============================================================================
// BATCH SEMANTICS
// =============================================================================

func TestMatcher_MalformedRow_DoesNotAbortBatch(t *testing.T) {
	// GIVEN: A batch with one garbage row between two good ones
	// WHEN: Imported
	// THEN: The bad row is reported with its line number, the rest proceed

	f := newFixture(t)

	csv := "date,description,amount,reference\n" +
		"2025-01-05,rent,12500.00,LEA000978\n" +
		"not-a-date,garbage,not-a-number,\n" +
		"2025-01-06,mystery,100.00,\n"
	result := importCSV(t, f, csv)

	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 1, result.AutoReconciled)
	assert.Equal(t, 1, result.Unmatched)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, 3, result.Errors[0].Line)
}

func TestMatcher_BankFormats_Parsed(t *testing.T) {
	// Amounts like "R12,500.00" and dd/mm/yyyy dates are common in exports.
	f := newFixture(t)

	result := importCSV(t, f, "05/01/2025,rent,\"R12,500.00\",LEA000978\n")
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, 1, result.AutoReconciled)
}

// =============================================================================
// MANUAL RESOLUTION
// =============================================================================

func TestMatcher_Resolve_SettlesThroughAllocationContract(t *testing.T) {
	// GIVEN: An unmatched transaction
	// WHEN: An operator resolves it against the invoice
	// THEN: The invoice settles and the transaction is reconciled

	f := newFixture(t)
	ctx := context.Background()

	importCSV(t, f, "2025-01-05,mystery deposit,12500.00,\n")

	unmatched, err := f.store.ListBankTransactionsByStatus(ctx, ledger.ReconUnmatched)
	require.NoError(t, err)
	require.Len(t, unmatched, 1)

	result, err := f.matcher.Resolve(ctx, unmatched[0].ID,
		[]ledger.AllocationInput{{InvoiceID: f.invoice.ID, Amount: dec("12500")}}, true, "ops")
	require.NoError(t, err)
	assert.Equal(t, 1, result.AllocationsCreated)

	inv, err := f.store.GetInvoice(ctx, f.invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPaid, inv.Status)

	txn, err := f.store.GetBankTransaction(ctx, unmatched[0].ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.ReconReconciled, txn.Status)
	assert.Equal(t, result.PaymentID, txn.PaymentID)
}

func TestMatcher_Resolve_Replay_IsNoOp(t *testing.T) {
	// Resolving the same transaction twice must not double-pay the invoice.
	f := newFixture(t)
	ctx := context.Background()

	importCSV(t, f, "2025-01-05,mystery deposit,12500.00,\n")
	unmatched, err := f.store.ListBankTransactionsByStatus(ctx, ledger.ReconUnmatched)
	require.NoError(t, err)
	require.Len(t, unmatched, 1)

	inputs := []ledger.AllocationInput{{InvoiceID: f.invoice.ID, Amount: dec("12500")}}
	_, err = f.matcher.Resolve(ctx, unmatched[0].ID, inputs, true, "ops")
	require.NoError(t, err)

	replay, err := f.matcher.Resolve(ctx, unmatched[0].ID, inputs, true, "ops")
	require.NoError(t, err)
	assert.True(t, replay.Replayed)

	inv, err := f.store.GetInvoice(ctx, f.invoice.ID)
	require.NoError(t, err)
	assert.True(t, inv.AmountPaid.Equal(dec("12500")))
}

// =============================================================================
// UNMATCHED REPORT
// =============================================================================

func TestMatcher_Unmatched_ReportsTransactionsAndPendingPayments(t *testing.T) {
	// GIVEN: An unmatched row, a manual-review row and an unallocated payment
	// WHEN: The report is built
	// THEN: All three show up

	f := newFixture(t)
	ctx := context.Background()

	importCSV(t, f, "2025-01-05,mystery deposit,999.00,\n2025-01-06,Transfer from John Smith,12500.00,\n")

	allocator := ledger.NewAllocator(f.store, zerolog.Nop())
	_, err := allocator.RecordManualPayment(ctx, f.lease.ID, "cash", dec("300"), time.Now().UTC(), "", "", "ops")
	require.NoError(t, err)

	report, err := f.matcher.Unmatched(ctx)
	require.NoError(t, err)
	assert.Len(t, report.Transactions, 2)
	require.Len(t, report.PendingPayments, 1)
	assert.True(t, report.PendingPayments[0].Amount.Equal(dec("300")))
}
