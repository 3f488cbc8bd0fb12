/*
Package escalation recomputes recurring rent on scheduled effective dates.

PURPOSE:
  Scans leases whose next escalation date has arrived, computes the new rent
  (percentage or fixed-amount delta), records a RentEscalation entry, updates
  the lease's recurring rent charge and advances the schedule.

IDEMPOTENCY:
  Safe to re-run: the store enforces one escalation per (lease, effective
  date), and a lease already escalated for the date is skipped before any
  write. Running the batch twice on the same day escalates each eligible
  lease exactly once.
*/
package escalation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/lattice/billing-engine/ledger"
)

// EscalatedLease reports one applied escalation.
type EscalatedLease struct {
	LeaseID       ledger.LeaseID  `json:"lease_id"`
	PreviousRent  decimal.Decimal `json:"previous_rent"`
	NewRent       decimal.Decimal `json:"new_rent"`
	EffectiveDate time.Time       `json:"effective_date"`
}

// RunResult summarizes one escalation run.
type RunResult struct {
	EscalatedCount  int              `json:"escalated_count"`
	SkippedCount    int              `json:"skipped_count"`
	EscalatedLeases []EscalatedLease `json:"escalated_leases"`
}

// Scheduler applies due rent escalations.
type Scheduler struct {
	store ledger.TxStore
	log   zerolog.Logger
}

func NewScheduler(store ledger.TxStore, log zerolog.Logger) *Scheduler {
	return &Scheduler{store: store, log: log}
}

// ProcessDue escalates every active lease whose next escalation date is on
// or before asOf. Each lease is processed in its own transaction so one
// failing lease does not abort the run.
func (sc *Scheduler) ProcessDue(ctx context.Context, asOf time.Time) (*RunResult, error) {
	leases, err := sc.store.ListLeasesDueForEscalation(ctx, asOf)
	if err != nil {
		return nil, err
	}

	result := &RunResult{}
	for i := range leases {
		lease := &leases[i]
		escalated, err := sc.escalate(ctx, lease)
		if err != nil {
			sc.log.Error().
				Str("lease_id", string(lease.ID)).
				Err(err).
				Msg("Escalation failed")
			result.SkippedCount++
			continue
		}
		if escalated == nil {
			result.SkippedCount++
			continue
		}
		result.EscalatedCount++
		result.EscalatedLeases = append(result.EscalatedLeases, *escalated)
	}

	sc.log.Info().
		Int("escalated", result.EscalatedCount).
		Int("skipped", result.SkippedCount).
		Time("as_of", asOf).
		Msg("Escalation run complete")

	return result, nil
}

// escalate applies one lease's escalation. Returns (nil, nil) when the lease
// was already escalated for its scheduled date.
func (sc *Scheduler) escalate(ctx context.Context, lease *ledger.Lease) (*EscalatedLease, error) {
	effective := *lease.NextEscalationDate

	done, err := sc.store.HasEscalation(ctx, lease.ID, effective)
	if err != nil {
		return nil, err
	}
	if done {
		return nil, nil
	}

	previous := lease.MonthlyRent
	newRent := nextRent(previous, lease.EscalationPercent, lease.EscalationFixed)

	record := ledger.RentEscalation{
		ID:            ledger.EscalationID(uuid.NewString()),
		LeaseID:       lease.ID,
		PreviousRent:  previous,
		NewRent:       newRent,
		Percent:       lease.EscalationPercent,
		FixedAmount:   lease.EscalationFixed,
		EffectiveDate: effective,
		Reason:        "scheduled escalation",
		CreatedAt:     time.Now().UTC(),
	}

	interval := lease.EscalationInterval
	if interval <= 0 {
		interval = 12
	}
	next := effective.AddDate(0, interval, 0)

	lease.MonthlyRent = newRent
	lease.NextEscalationDate = &next
	lease.UpdatedAt = time.Now().UTC()
	updateRentCharge(lease, newRent)

	err = sc.store.WithTx(ctx, func(s ledger.Store) error {
		if err := s.SaveEscalation(ctx, record); err != nil {
			return err
		}
		if err := s.SaveLease(ctx, lease); err != nil {
			return err
		}
		entry := ledger.NewAuditEntry("scheduler", ledger.AuditRentEscalated)
		entry.TenantID = lease.TenantID
		entry.LeaseID = lease.ID
		entry.Payload["escalation_id"] = string(record.ID)
		entry.Payload["previous_rent"] = previous.String()
		entry.Payload["new_rent"] = newRent.String()
		entry.Payload["effective_date"] = effective.Format("2006-01-02")
		return s.AppendAudit(ctx, entry)
	})
	if err != nil {
		// A concurrent run won the (lease, effective date) race.
		if errors.Is(err, ledger.ErrDuplicateEscalation) {
			return nil, nil
		}
		return nil, err
	}

	sc.log.Info().
		Str("lease_id", string(lease.ID)).
		Str("previous_rent", previous.String()).
		Str("new_rent", newRent.String()).
		Msg("Rent escalated")

	return &EscalatedLease{
		LeaseID:       lease.ID,
		PreviousRent:  previous,
		NewRent:       newRent,
		EffectiveDate: effective,
	}, nil
}

// nextRent computes previous * (1 + pct/100), or previous + fixed when no
// percentage is configured.
func nextRent(previous, percent, fixed decimal.Decimal) decimal.Decimal {
	if !percent.IsZero() {
		factor := decimal.NewFromInt(1).Add(percent.Div(decimal.NewFromInt(100)))
		return previous.Mul(factor).Round(2)
	}
	return previous.Add(fixed).Round(2)
}

// updateRentCharge rewrites the lease's rent recurring charge to the new
// amount so the next invoice picks it up.
func updateRentCharge(lease *ledger.Lease, newRent decimal.Decimal) {
	for i := range lease.RecurringCharges {
		if strings.EqualFold(lease.RecurringCharges[i].Category, "rent") {
			lease.RecurringCharges[i].Amount = newRent
			return
		}
	}
	lease.RecurringCharges = append(lease.RecurringCharges, ledger.RecurringCharge{
		Description: "Monthly rent",
		Category:    "rent",
		Amount:      newRent,
	})
}
