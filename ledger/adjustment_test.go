package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice/billing-engine/ledger"
	memstore "github.com/lattice/billing-engine/ledger/store"
)

// Adjustment tests run against the in-memory store; the sqlite-backed suites
// in invoice_test.go and allocation_test.go cover the same store contract.

func newAdjustmentFixture(t *testing.T) (*memstore.Memory, *ledger.Lease, *ledger.InvoiceLedger, *ledger.AdjustmentEngine) {
	store := memstore.NewMemory()
	lease := seedLease(t, store)
	il := ledger.NewInvoiceLedger(store, zerolog.Nop())
	ae := ledger.NewAdjustmentEngine(store, zerolog.Nop())
	return store, lease, il, ae
}

// =============================================================================
// UNLOCKED PARENT -> DIRECT LINE ITEM
// =============================================================================

func TestAdjustmentEngine_DraftInvoice_AddsLineItem(t *testing.T) {
	// GIVEN: A draft invoice for 12500
	// WHEN: A 500 late fee is applied
	// THEN: The fee lands as a line item on the invoice itself

	store, lease, il, ae := newAdjustmentFixture(t)
	ctx := context.Background()

	inv, err := il.Create(ctx, lease.ID, "2025-01", "admin")
	require.NoError(t, err)

	result, err := ae.Create(ctx, inv.ID, ledger.AdjustLateFee, dec("500"), "Late payment fee", time.Now().UTC(), "admin")
	require.NoError(t, err)

	assert.Nil(t, result.InterimInvoice, "unlocked parent is adjusted in place")
	assert.True(t, result.NewTotal.Equal(dec("13000")), "new total: %s", result.NewTotal)
	assert.True(t, result.NewBalanceDue.Equal(dec("13000")))

	loaded, err := store.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Len(t, loaded.LineItems, 3)
	assert.True(t, loaded.TotalAmount.Equal(dec("13000")))

	adjustments, err := store.ListAdjustmentsByInvoice(ctx, inv.ID)
	require.NoError(t, err)
	require.Len(t, adjustments, 1)
	assert.Equal(t, ledger.AdjustLateFee, adjustments[0].Kind)
	assert.Empty(t, adjustments[0].InterimInvoiceID)
}

// =============================================================================
// LOCKED PARENT -> INTERIM INVOICE
// =============================================================================

func TestAdjustmentEngine_LockedInvoice_SpawnsInterim(t *testing.T) {
	// GIVEN: A sent (locked) invoice for 12500
	// WHEN: A 500 late fee is applied
	// THEN: The parent stays immutable and a linked late-fee invoice is spawned

	store, lease, il, ae := newAdjustmentFixture(t)
	ctx := context.Background()

	inv, err := il.Create(ctx, lease.ID, "2025-01", "admin")
	require.NoError(t, err)
	inv, err = il.Send(ctx, inv.ID, "admin")
	require.NoError(t, err)

	effective := time.Date(2025, time.February, 10, 0, 0, 0, 0, time.UTC)
	result, err := ae.Create(ctx, inv.ID, ledger.AdjustLateFee, dec("500"), "Late payment fee", effective, "admin")
	require.NoError(t, err)

	interim := result.InterimInvoice
	require.NotNil(t, interim)
	assert.Equal(t, ledger.TypeLateFee, interim.Type)
	assert.Equal(t, inv.ID, interim.ParentID)
	assert.Equal(t, inv.BillingPeriod, interim.BillingPeriod)
	assert.Equal(t, ledger.StatusSent, interim.Status, "spawned invoices are immediately owed")
	assert.True(t, interim.Locked())
	assert.True(t, interim.TotalAmount.Equal(dec("500")))
	assert.True(t, interim.DueDate.Equal(effective))

	// Effective figures span parent plus interim.
	assert.True(t, result.NewTotal.Equal(dec("13000")))
	assert.True(t, result.NewBalanceDue.Equal(dec("13000")))

	// The parent's stored history is untouched.
	parent, err := store.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.True(t, parent.TotalAmount.Equal(dec("12500")))
	assert.Len(t, parent.LineItems, 2)

	adjustments, err := store.ListAdjustmentsByInvoice(ctx, inv.ID)
	require.NoError(t, err)
	require.Len(t, adjustments, 1)
	assert.Equal(t, interim.ID, adjustments[0].InterimInvoiceID)
}

func TestAdjustmentEngine_CreditNoteOnLocked_ReducesEffectiveBalance(t *testing.T) {
	// GIVEN: A sent invoice for 12500
	// WHEN: A -1000 credit note is applied
	// THEN: A credit-type invoice is spawned and the effective balance drops

	_, lease, il, ae := newAdjustmentFixture(t)
	ctx := context.Background()

	inv, err := il.Create(ctx, lease.ID, "2025-01", "admin")
	require.NoError(t, err)
	inv, err = il.Send(ctx, inv.ID, "admin")
	require.NoError(t, err)

	result, err := ae.Create(ctx, inv.ID, ledger.AdjustCreditNote, dec("-1000"), "Billing error", time.Now().UTC(), "admin")
	require.NoError(t, err)

	require.NotNil(t, result.InterimInvoice)
	assert.Equal(t, ledger.TypeCredit, result.InterimInvoice.Type)
	assert.True(t, result.InterimInvoice.TotalAmount.Equal(dec("-1000")))
	assert.True(t, result.NewTotal.Equal(dec("11500")))
	assert.True(t, result.NewBalanceDue.Equal(dec("11500")))
}

// =============================================================================
// SIGN & INPUT RULES
// =============================================================================

func TestAdjustmentEngine_SignRules(t *testing.T) {
	_, lease, il, ae := newAdjustmentFixture(t)
	ctx := context.Background()

	inv, err := il.Create(ctx, lease.ID, "2025-01", "admin")
	require.NoError(t, err)

	cases := []struct {
		name   string
		kind   ledger.AdjustmentKind
		amount string
		ok     bool
	}{
		{"late fee must be positive", ledger.AdjustLateFee, "-500", false},
		{"credit note must be negative", ledger.AdjustCreditNote, "500", false},
		{"correction may be negative", ledger.AdjustCorrection, "-250", true},
		{"correction may be positive", ledger.AdjustCorrection, "250", true},
		{"zero amount rejected", ledger.AdjustCorrection, "0", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ae.Create(ctx, inv.ID, tc.kind, dec(tc.amount), "reason", time.Now().UTC(), "admin")
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ledger.ErrValidation)
			}
		})
	}
}

func TestAdjustmentEngine_RequiresReason(t *testing.T) {
	_, lease, il, ae := newAdjustmentFixture(t)
	ctx := context.Background()

	inv, err := il.Create(ctx, lease.ID, "2025-01", "admin")
	require.NoError(t, err)

	_, err = ae.Create(ctx, inv.ID, ledger.AdjustLateFee, dec("500"), "", time.Now().UTC(), "admin")
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestAdjustmentEngine_UnknownKindRejected(t *testing.T) {
	_, lease, il, ae := newAdjustmentFixture(t)
	ctx := context.Background()

	inv, err := il.Create(ctx, lease.ID, "2025-01", "admin")
	require.NoError(t, err)

	_, err = ae.Create(ctx, inv.ID, "discount", dec("500"), "reason", time.Now().UTC(), "admin")
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestAdjustmentEngine_CancelledInvoiceRejected(t *testing.T) {
	_, lease, il, ae := newAdjustmentFixture(t)
	ctx := context.Background()

	inv, err := il.Create(ctx, lease.ID, "2025-01", "admin")
	require.NoError(t, err)
	_, err = il.Cancel(ctx, inv.ID, "admin")
	require.NoError(t, err)

	_, err = ae.Create(ctx, inv.ID, ledger.AdjustLateFee, dec("500"), "reason", time.Now().UTC(), "admin")
	assert.ErrorIs(t, err, ledger.ErrValidation)
}
