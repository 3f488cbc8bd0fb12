package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice/billing-engine/ledger"
	"github.com/lattice/billing-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func dec(s string) decimal.Decimal {
	return ledger.MustParseDecimal(s)
}

// seedLease registers a tenant and an active lease with rent 10000 and
// utilities 2500 (expected monthly charge 12500, no tax).
func seedLease(t *testing.T, store ledger.TxStore) *ledger.Lease {
	ctx := context.Background()

	tenant := &ledger.Tenant{
		ID:        "tenant-1",
		Name:      "John Smith",
		Email:     "john@example.com",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.SaveTenant(ctx, tenant))

	lease := &ledger.Lease{
		ID:         "lease-1",
		Code:       "LEA000978",
		PropertyID: "prop-1",
		TenantID:   tenant.ID,
		StartDate:  time.Date(2024, time.July, 1, 0, 0, 0, 0, time.UTC),
		EndDate:    time.Date(2026, time.June, 30, 0, 0, 0, 0, time.UTC),
		Active:     true,
		RecurringCharges: []ledger.RecurringCharge{
			{Description: "Monthly rent", Category: "rent", Amount: dec("10000")},
			{Description: "Utilities", Category: "utilities", Amount: dec("2500")},
		},
		MonthlyRent: dec("10000"),
		TaxRate:     decimal.Zero,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	require.NoError(t, store.SaveLease(ctx, lease))
	return lease
}

// issueInvoice creates and sends the January 2025 invoice (total 12500).
func issueInvoice(t *testing.T, store ledger.TxStore, leaseID ledger.LeaseID) *ledger.Invoice {
	ctx := context.Background()
	il := ledger.NewInvoiceLedger(store, zerolog.Nop())

	inv, err := il.Create(ctx, leaseID, "2025-01", "test")
	require.NoError(t, err)
	inv, err = il.Send(ctx, inv.ID, "test")
	require.NoError(t, err)
	return inv
}

// =============================================================================
// CREATION & TOTALS
// =============================================================================

func TestInvoiceLedger_Create_ComputesTotalsFromRecurringCharges(t *testing.T) {
	// GIVEN: A lease with rent 10000 and utilities 2500
	// WHEN: The January invoice is raised
	// THEN: Line items mirror the charges and totals are computed server-side

	store := newTestStore(t)
	lease := seedLease(t, store)
	il := ledger.NewInvoiceLedger(store, zerolog.Nop())
	ctx := context.Background()

	inv, err := il.Create(ctx, lease.ID, "2025-01", "admin")
	require.NoError(t, err)

	assert.Equal(t, ledger.StatusDraft, inv.Status)
	assert.Equal(t, ledger.TypeRegular, inv.Type)
	assert.Len(t, inv.LineItems, 2)
	assert.True(t, inv.Subtotal.Equal(dec("12500")), "subtotal: %s", inv.Subtotal)
	assert.True(t, inv.TaxAmount.IsZero())
	assert.True(t, inv.TotalAmount.Equal(dec("12500")), "total: %s", inv.TotalAmount)
	assert.True(t, inv.BalanceDue().Equal(dec("12500")))

	// Persisted copy matches.
	loaded, err := store.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.True(t, loaded.TotalAmount.Equal(dec("12500")))
	assert.Len(t, loaded.LineItems, 2)
}

func TestInvoiceLedger_Create_TaxConservation(t *testing.T) {
	// GIVEN: A lease with a 15% tax rate
	// WHEN: An invoice is raised
	// THEN: total = subtotal + tax, with tax rounded to cents

	store := newTestStore(t)
	lease := seedLease(t, store)
	lease.TaxRate = dec("0.15")
	require.NoError(t, store.SaveLease(context.Background(), lease))

	il := ledger.NewInvoiceLedger(store, zerolog.Nop())
	inv, err := il.Create(context.Background(), lease.ID, "2025-01", "admin")
	require.NoError(t, err)

	assert.True(t, inv.Subtotal.Equal(dec("12500")))
	assert.True(t, inv.TaxAmount.Equal(dec("1875")), "tax: %s", inv.TaxAmount)
	assert.True(t, inv.TotalAmount.Equal(inv.Subtotal.Add(inv.TaxAmount)))
}

func TestInvoiceLedger_Create_InvalidPeriodRejected(t *testing.T) {
	store := newTestStore(t)
	lease := seedLease(t, store)
	il := ledger.NewInvoiceLedger(store, zerolog.Nop())

	_, err := il.Create(context.Background(), lease.ID, "January 2025", "admin")
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestInvoiceLedger_Create_UnknownLeaseRejected(t *testing.T) {
	store := newTestStore(t)
	il := ledger.NewInvoiceLedger(store, zerolog.Nop())

	_, err := il.Create(context.Background(), "no-such-lease", "2025-01", "admin")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

// =============================================================================
// PERIOD UNIQUENESS
// =============================================================================

func TestInvoiceLedger_Create_DuplicatePeriodRejected(t *testing.T) {
	// GIVEN: A lease already invoiced for January 2025
	// WHEN: A second January invoice is raised
	// THEN: The call fails with ErrDuplicatePeriod

	store := newTestStore(t)
	lease := seedLease(t, store)
	il := ledger.NewInvoiceLedger(store, zerolog.Nop())
	ctx := context.Background()

	_, err := il.Create(ctx, lease.ID, "2025-01", "admin")
	require.NoError(t, err)

	_, err = il.Create(ctx, lease.ID, "2025-01", "admin")
	assert.ErrorIs(t, err, ledger.ErrDuplicatePeriod)

	// A different period is fine.
	_, err = il.Create(ctx, lease.ID, "2025-02", "admin")
	assert.NoError(t, err)
}

func TestInvoiceLedger_Create_CancelledPeriodCanBeReinvoiced(t *testing.T) {
	// GIVEN: The January invoice was cancelled
	// WHEN: January is invoiced again
	// THEN: The new invoice is accepted (cancelled invoices don't hold the slot)

	store := newTestStore(t)
	lease := seedLease(t, store)
	il := ledger.NewInvoiceLedger(store, zerolog.Nop())
	ctx := context.Background()

	inv, err := il.Create(ctx, lease.ID, "2025-01", "admin")
	require.NoError(t, err)
	_, err = il.Cancel(ctx, inv.ID, "admin")
	require.NoError(t, err)

	replacement, err := il.Create(ctx, lease.ID, "2025-01", "admin")
	require.NoError(t, err)
	assert.NotEqual(t, inv.ID, replacement.ID)
}

// =============================================================================
// LOCKING & UNLOCK
// =============================================================================

func TestInvoiceLedger_Send_LocksLineItems(t *testing.T) {
	// GIVEN: A sent invoice
	// WHEN: Line items are edited
	// THEN: The edit is rejected with LockedInvoiceError

	store := newTestStore(t)
	lease := seedLease(t, store)
	il := ledger.NewInvoiceLedger(store, zerolog.Nop())
	ctx := context.Background()

	inv, err := il.Create(ctx, lease.ID, "2025-01", "admin")
	require.NoError(t, err)

	inv, err = il.Send(ctx, inv.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSent, inv.Status)
	require.NotNil(t, inv.LockedAt)
	assert.Equal(t, "admin", inv.LockedBy)

	_, err = il.UpdateLineItems(ctx, inv.ID, []ledger.LineItem{
		{Description: "Tampered rent", Quantity: dec("1"), UnitPrice: dec("1")},
	}, "admin")
	assert.Error(t, err)
	var locked *ledger.LockedInvoiceError
	assert.ErrorAs(t, err, &locked)
	assert.ErrorIs(t, err, ledger.ErrLockedInvoice)

	// Cancelling after send is also off the table.
	_, err = il.Cancel(ctx, inv.ID, "admin")
	assert.ErrorIs(t, err, ledger.ErrLockedInvoice)
}

func TestInvoiceLedger_Send_Twice_Rejected(t *testing.T) {
	store := newTestStore(t)
	lease := seedLease(t, store)
	il := ledger.NewInvoiceLedger(store, zerolog.Nop())
	ctx := context.Background()

	inv, err := il.Create(ctx, lease.ID, "2025-01", "admin")
	require.NoError(t, err)
	_, err = il.Send(ctx, inv.ID, "admin")
	require.NoError(t, err)

	_, err = il.Send(ctx, inv.ID, "admin")
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestInvoiceLedger_AdminUnlock_RequiresReason(t *testing.T) {
	store := newTestStore(t)
	lease := seedLease(t, store)
	inv := issueInvoice(t, store, lease.ID)
	il := ledger.NewInvoiceLedger(store, zerolog.Nop())

	_, err := il.AdminUnlock(context.Background(), inv.ID, "admin", "")
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestInvoiceLedger_AdminUnlock_ReopensForEditing(t *testing.T) {
	// GIVEN: A sent (locked) invoice
	// WHEN: An admin unlocks it with a reason
	// THEN: It is editable again and the unlock is audited with the reason

	store := newTestStore(t)
	lease := seedLease(t, store)
	inv := issueInvoice(t, store, lease.ID)
	il := ledger.NewInvoiceLedger(store, zerolog.Nop())
	ctx := context.Background()

	unlocked, err := il.AdminUnlock(ctx, inv.ID, "supervisor", "tenant disputed the utilities charge")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusDraft, unlocked.Status)
	assert.Nil(t, unlocked.LockedAt)
	assert.True(t, unlocked.Editable())

	// Edits succeed now, and totals are recomputed (caller totals ignored).
	updated, err := il.UpdateLineItems(ctx, inv.ID, []ledger.LineItem{
		{Description: "Monthly rent", Category: "rent", Quantity: dec("1"), UnitPrice: dec("10000"), Total: dec("999999")},
		{Description: "Utilities (corrected)", Category: "utilities", Quantity: dec("1"), UnitPrice: dec("2100")},
	}, "supervisor")
	require.NoError(t, err)
	assert.True(t, updated.TotalAmount.Equal(dec("12100")), "total: %s", updated.TotalAmount)

	trail, err := store.AuditTrail(ctx, inv.ID)
	require.NoError(t, err)

	var unlockEntry *ledger.AuditEntry
	for i := range trail {
		if trail[i].Action == ledger.AuditAdminUnlock {
			unlockEntry = &trail[i]
		}
	}
	require.NotNil(t, unlockEntry, "unlock must be audited")
	assert.Equal(t, "supervisor", unlockEntry.ActorID)
	assert.Equal(t, "tenant disputed the utilities charge", unlockEntry.Payload["reason"])
}

func TestInvoiceLedger_AdminUnlock_PaidInvoiceRejected(t *testing.T) {
	// GIVEN: A fully paid invoice
	// WHEN: An admin tries to unlock it
	// THEN: The unlock is rejected (terminal states stay closed)

	store := newTestStore(t)
	lease := seedLease(t, store)
	inv := issueInvoice(t, store, lease.ID)
	ctx := context.Background()

	allocator := ledger.NewAllocator(store, zerolog.Nop())
	p, err := allocator.RecordManualPayment(ctx, lease.ID, "eft", dec("12500"), time.Now().UTC(), "ref-1", "", "ops")
	require.NoError(t, err)
	_, err = allocator.Allocate(ctx, ledger.AllocationRequest{
		PaymentID:   p.ID,
		Allocations: []ledger.AllocationInput{{InvoiceID: inv.ID, Amount: dec("12500")}},
		Actor:       "ops",
	})
	require.NoError(t, err)

	il := ledger.NewInvoiceLedger(store, zerolog.Nop())
	_, err = il.AdminUnlock(ctx, inv.ID, "admin", "attempted rewrite")
	assert.ErrorIs(t, err, ledger.ErrValidation)
}
