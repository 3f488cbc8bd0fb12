package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lattice/billing-engine/escalation"
	"github.com/lattice/billing-engine/logger"
)

var escalateCmd = &cobra.Command{
	Use:   "escalate",
	Short: "Apply due rent escalations",
	Long: `Scans active leases whose next escalation date has arrived and applies
the configured increase. Safe to re-run: each lease escalates at most once
per scheduled date.`,
	RunE: runEscalate,
}

func init() {
	rootCmd.AddCommand(escalateCmd)
	escalateCmd.Flags().String("as-of", "", "Escalate leases due on or before this date (YYYY-MM-DD, default today)")
}

func runEscalate(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("escalate")

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	asOf := time.Now().UTC()
	if s, _ := cmd.Flags().GetString("as-of"); s != "" {
		asOf, err = time.Parse("2006-01-02", s)
		if err != nil {
			return fmt.Errorf("invalid --as-of date %q: %w", s, err)
		}
	}

	scheduler := escalation.NewScheduler(store, logger.WithComponent("escalation"))
	result, err := scheduler.ProcessDue(cmd.Context(), asOf)
	if err != nil {
		return err
	}

	log.Info().Int("escalated", result.EscalatedCount).Msg("Escalation run finished")
	fmt.Printf("Escalated %d lease(s), skipped %d\n", result.EscalatedCount, result.SkippedCount)
	for _, l := range result.EscalatedLeases {
		fmt.Printf("  %s: %s -> %s (effective %s)\n",
			l.LeaseID, l.PreviousRent, l.NewRent, l.EffectiveDate.Format("2006-01-02"))
	}
	return nil
}
