package ledger_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice/billing-engine/ledger"
)

// =============================================================================
// BALANCE LIFECYCLE
// =============================================================================

func TestCreditStore_CreditAndDebit(t *testing.T) {
	// GIVEN: An empty credit balance
	// WHEN: 100 is credited and 40 debited
	// THEN: The balance tracks to 60

	store := newTestStore(t)
	lease := seedLease(t, store)
	credit := ledger.NewCreditStore(store, zerolog.Nop())
	ctx := context.Background()

	balance, err := credit.Balance(ctx, lease.TenantID)
	require.NoError(t, err)
	assert.True(t, balance.IsZero(), "balance starts at zero")

	require.NoError(t, credit.Credit(ctx, lease.TenantID, dec("100"), "ops", "overpayment"))
	require.NoError(t, credit.Debit(ctx, lease.TenantID, dec("40"), "ops", "refund"))

	balance, err = credit.Balance(ctx, lease.TenantID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("60")), "balance: %s", balance)
}

func TestCreditStore_DebitBelowZero_Rejected(t *testing.T) {
	// GIVEN: A credit balance of 60
	// WHEN: 100 is debited
	// THEN: The debit fails with InsufficientCreditError and the balance holds

	store := newTestStore(t)
	lease := seedLease(t, store)
	credit := ledger.NewCreditStore(store, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, credit.Credit(ctx, lease.TenantID, dec("60"), "ops", "overpayment"))

	err := credit.Debit(ctx, lease.TenantID, dec("100"), "ops", "refund")
	require.Error(t, err)

	var insufficient *ledger.InsufficientCreditError
	require.ErrorAs(t, err, &insufficient)
	assert.True(t, insufficient.Available.Equal(dec("60")))
	assert.True(t, insufficient.Requested.Equal(dec("100")))

	balance, err := credit.Balance(ctx, lease.TenantID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("60")), "balance never goes negative")
}

func TestCreditStore_NonPositiveAmounts_Rejected(t *testing.T) {
	store := newTestStore(t)
	lease := seedLease(t, store)
	credit := ledger.NewCreditStore(store, zerolog.Nop())
	ctx := context.Background()

	assert.ErrorIs(t, credit.Credit(ctx, lease.TenantID, dec("0"), "ops", ""), ledger.ErrValidation)
	assert.ErrorIs(t, credit.Debit(ctx, lease.TenantID, dec("-5"), "ops", ""), ledger.ErrValidation)
}

// =============================================================================
// APPLYING CREDIT TO INVOICES
// =============================================================================

func TestCreditStore_ApplyToInvoice_PartialCoverage(t *testing.T) {
	// GIVEN: 5000 credit and a sent invoice for 12500 due in the past
	// WHEN: The full credit is applied
	// THEN: The invoice carries 5000 paid (overdue) and the credit drains to zero

	store := newTestStore(t)
	lease := seedLease(t, store)
	inv := issueInvoice(t, store, lease.ID)
	credit := ledger.NewCreditStore(store, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, credit.Credit(ctx, lease.TenantID, dec("5000"), "ops", "deposit interest"))

	result, err := credit.ApplyToInvoice(ctx, lease.TenantID, inv.ID, dec("5000"), "ops")
	require.NoError(t, err)
	assert.Equal(t, 1, result.AllocationsCreated)
	assert.True(t, result.TotalAllocated.Equal(dec("5000")))

	loaded, err := store.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusOverdue, loaded.Status)
	assert.True(t, loaded.AmountPaid.Equal(dec("5000")))

	balance, err := credit.Balance(ctx, lease.TenantID)
	require.NoError(t, err)
	assert.True(t, balance.IsZero())

	// The application is recorded as a credit_balance payment so the
	// allocation history stays complete.
	p, err := store.GetPayment(ctx, result.PaymentID)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "credit_balance", p.Method)
}

func TestCreditStore_ApplyToInvoice_OvershootFlowsBack(t *testing.T) {
	// GIVEN: 20000 credit and a sent invoice for 12500
	// WHEN: 13000 is applied
	// THEN: The invoice is paid and the 500 overshoot returns to credit

	store := newTestStore(t)
	lease := seedLease(t, store)
	inv := issueInvoice(t, store, lease.ID)
	credit := ledger.NewCreditStore(store, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, credit.Credit(ctx, lease.TenantID, dec("20000"), "ops", "carried over"))

	result, err := credit.ApplyToInvoice(ctx, lease.TenantID, inv.ID, dec("13000"), "ops")
	require.NoError(t, err)
	assert.True(t, result.CreditCreated.Equal(dec("500")), "overshoot: %s", result.CreditCreated)

	loaded, err := store.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPaid, loaded.Status)
	assert.True(t, loaded.AmountPaid.Equal(dec("12500")))

	balance, err := credit.Balance(ctx, lease.TenantID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("7500")), "20000 - 13000 + 500 overshoot")
}

func TestCreditStore_ApplyToInvoice_InsufficientRejected(t *testing.T) {
	// GIVEN: 100 credit
	// WHEN: 5000 is applied to an invoice
	// THEN: The whole operation fails atomically, invoice untouched

	store := newTestStore(t)
	lease := seedLease(t, store)
	inv := issueInvoice(t, store, lease.ID)
	credit := ledger.NewCreditStore(store, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, credit.Credit(ctx, lease.TenantID, dec("100"), "ops", ""))

	_, err := credit.ApplyToInvoice(ctx, lease.TenantID, inv.ID, dec("5000"), "ops")
	assert.ErrorIs(t, err, ledger.ErrInsufficientCredit)

	loaded, err := store.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.True(t, loaded.AmountPaid.IsZero())

	balance, err := credit.Balance(ctx, lease.TenantID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("100")))
}

func TestCreditStore_ApplyToInvoice_WrongTenantRejected(t *testing.T) {
	// GIVEN: Another tenant with credit
	// WHEN: They try to apply it to someone else's invoice
	// THEN: The application is rejected

	store := newTestStore(t)
	lease := seedLease(t, store)
	inv := issueInvoice(t, store, lease.ID)
	credit := ledger.NewCreditStore(store, zerolog.Nop())
	ctx := context.Background()

	other := &ledger.Tenant{ID: "tenant-2", Name: "Jane Doe"}
	require.NoError(t, store.SaveTenant(ctx, other))
	require.NoError(t, credit.Credit(ctx, other.ID, dec("5000"), "ops", ""))

	_, err := credit.ApplyToInvoice(ctx, other.ID, inv.ID, dec("5000"), "ops")
	assert.ErrorIs(t, err, ledger.ErrValidation)

	balance, err := credit.Balance(ctx, other.ID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("5000")), "rolled back")
}
