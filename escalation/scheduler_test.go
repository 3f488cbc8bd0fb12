package escalation_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice/billing-engine/escalation"
	"github.com/lattice/billing-engine/ledger"
	"github.com/lattice/billing-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func dec(s string) decimal.Decimal { return ledger.MustParseDecimal(s) }

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// seedEscalatingLease registers a lease at rent 10000 with an 8% escalation
// due on 1 September 2025.
func seedEscalatingLease(t *testing.T, store ledger.TxStore) *ledger.Lease {
	ctx := context.Background()

	tenant := &ledger.Tenant{ID: "tenant-1", Name: "John Smith", CreatedAt: time.Now().UTC()}
	require.NoError(t, store.SaveTenant(ctx, tenant))

	due := time.Date(2025, time.September, 1, 0, 0, 0, 0, time.UTC)
	lease := &ledger.Lease{
		ID:       "lease-1",
		Code:     "LEA000978",
		TenantID: tenant.ID,
		Active:   true,
		RecurringCharges: []ledger.RecurringCharge{
			{Description: "Monthly rent", Category: "rent", Amount: dec("10000")},
			{Description: "Utilities", Category: "utilities", Amount: dec("2500")},
		},
		MonthlyRent:        dec("10000"),
		EscalationPercent:  dec("8"),
		EscalationInterval: 12,
		NextEscalationDate: &due,
	}
	require.NoError(t, store.SaveLease(ctx, lease))
	return lease
}

// =============================================================================
// ESCALATION ARITHMETIC
// =============================================================================

func TestScheduler_PercentEscalation(t *testing.T) {
	// GIVEN: A lease at 10000 with an 8% escalation due 2025-09-01
	// WHEN: The run executes on the due date
	// THEN: Rent becomes 10800, the rent charge follows, and the schedule
	//       advances twelve months

	store := newTestStore(t)
	lease := seedEscalatingLease(t, store)
	scheduler := escalation.NewScheduler(store, zerolog.Nop())
	ctx := context.Background()

	asOf := time.Date(2025, time.September, 1, 0, 0, 0, 0, time.UTC)
	result, err := scheduler.ProcessDue(ctx, asOf)
	require.NoError(t, err)

	assert.Equal(t, 1, result.EscalatedCount)
	require.Len(t, result.EscalatedLeases, 1)
	assert.True(t, result.EscalatedLeases[0].PreviousRent.Equal(dec("10000")))
	assert.True(t, result.EscalatedLeases[0].NewRent.Equal(dec("10800")), "new rent: %s", result.EscalatedLeases[0].NewRent)

	loaded, err := store.GetLease(ctx, lease.ID)
	require.NoError(t, err)
	assert.True(t, loaded.MonthlyRent.Equal(dec("10800")))
	require.NotNil(t, loaded.NextEscalationDate)
	assert.Equal(t, time.Date(2026, time.September, 1, 0, 0, 0, 0, time.UTC), loaded.NextEscalationDate.UTC())

	// The rent recurring charge follows so the next invoice picks it up;
	// other charges are untouched.
	for _, c := range loaded.RecurringCharges {
		switch c.Category {
		case "rent":
			assert.True(t, c.Amount.Equal(dec("10800")))
		case "utilities":
			assert.True(t, c.Amount.Equal(dec("2500")))
		}
	}
}

func TestScheduler_FixedEscalation(t *testing.T) {
	// GIVEN: A fixed-amount escalation of 750
	// WHEN: The run executes
	// THEN: Rent becomes 10750

	store := newTestStore(t)
	lease := seedEscalatingLease(t, store)
	lease.EscalationPercent = decimal.Zero
	lease.EscalationFixed = dec("750")
	require.NoError(t, store.SaveLease(context.Background(), lease))

	scheduler := escalation.NewScheduler(store, zerolog.Nop())
	result, err := scheduler.ProcessDue(context.Background(), time.Date(2025, time.September, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	require.Len(t, result.EscalatedLeases, 1)
	assert.True(t, result.EscalatedLeases[0].NewRent.Equal(dec("10750")))
}

func TestScheduler_RoundsToCents(t *testing.T) {
	store := newTestStore(t)
	lease := seedEscalatingLease(t, store)
	lease.MonthlyRent = dec("10333.33")
	lease.EscalationPercent = dec("7.5")
	require.NoError(t, store.SaveLease(context.Background(), lease))

	scheduler := escalation.NewScheduler(store, zerolog.Nop())
	result, err := scheduler.ProcessDue(context.Background(), time.Date(2025, time.September, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	require.Len(t, result.EscalatedLeases, 1)
	// 10333.33 * 1.075 = 11108.32975 -> 11108.33
	assert.True(t, result.EscalatedLeases[0].NewRent.Equal(dec("11108.33")), "got %s", result.EscalatedLeases[0].NewRent)
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func TestScheduler_RunTwice_EscalatesOnce(t *testing.T) {
	// GIVEN: A lease already escalated for its effective date
	// WHEN: The date is forced back onto the schedule and the run repeats
	// THEN: The (lease, effective date) guard skips it; rent stays 10800

	store := newTestStore(t)
	lease := seedEscalatingLease(t, store)
	scheduler := escalation.NewScheduler(store, zerolog.Nop())
	ctx := context.Background()

	asOf := time.Date(2025, time.September, 1, 0, 0, 0, 0, time.UTC)
	first, err := scheduler.ProcessDue(ctx, asOf)
	require.NoError(t, err)
	require.Equal(t, 1, first.EscalatedCount)

	// Simulate a bad schedule rewind.
	loaded, err := store.GetLease(ctx, lease.ID)
	require.NoError(t, err)
	loaded.NextEscalationDate = &asOf
	require.NoError(t, store.SaveLease(ctx, loaded))

	second, err := scheduler.ProcessDue(ctx, asOf)
	require.NoError(t, err)
	assert.Equal(t, 0, second.EscalatedCount)
	assert.Equal(t, 1, second.SkippedCount)

	final, err := store.GetLease(ctx, lease.ID)
	require.NoError(t, err)
	assert.True(t, final.MonthlyRent.Equal(dec("10800")), "escalated exactly once: %s", final.MonthlyRent)
}

func TestScheduler_SameDayRerun_NothingDue(t *testing.T) {
	// After a normal run the schedule has advanced a year, so a same-day
	// rerun finds nothing due at all.
	store := newTestStore(t)
	seedEscalatingLease(t, store)
	scheduler := escalation.NewScheduler(store, zerolog.Nop())
	ctx := context.Background()

	asOf := time.Date(2025, time.September, 1, 0, 0, 0, 0, time.UTC)
	_, err := scheduler.ProcessDue(ctx, asOf)
	require.NoError(t, err)

	second, err := scheduler.ProcessDue(ctx, asOf)
	require.NoError(t, err)
	assert.Equal(t, 0, second.EscalatedCount)
	assert.Equal(t, 0, second.SkippedCount)
}

// =============================================================================
// ELIGIBILITY
// =============================================================================

func TestScheduler_NotYetDue_Ignored(t *testing.T) {
	store := newTestStore(t)
	seedEscalatingLease(t, store)
	scheduler := escalation.NewScheduler(store, zerolog.Nop())

	result, err := scheduler.ProcessDue(context.Background(), time.Date(2025, time.August, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 0, result.EscalatedCount)
}

func TestScheduler_InactiveLease_Ignored(t *testing.T) {
	store := newTestStore(t)
	lease := seedEscalatingLease(t, store)
	lease.Active = false
	require.NoError(t, store.SaveLease(context.Background(), lease))

	scheduler := escalation.NewScheduler(store, zerolog.Nop())
	result, err := scheduler.ProcessDue(context.Background(), time.Date(2025, time.September, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 0, result.EscalatedCount)
}

func TestScheduler_PastDue_CaughtUpOnNextRun(t *testing.T) {
	// A lease whose date slipped into the past still escalates on the next run.
	store := newTestStore(t)
	seedEscalatingLease(t, store)
	scheduler := escalation.NewScheduler(store, zerolog.Nop())

	result, err := scheduler.ProcessDue(context.Background(), time.Date(2025, time.November, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, result.EscalatedCount)
	require.Len(t, result.EscalatedLeases, 1)
	assert.Equal(t, time.Date(2025, time.September, 1, 0, 0, 0, 0, time.UTC), result.EscalatedLeases[0].EffectiveDate.UTC())
}
