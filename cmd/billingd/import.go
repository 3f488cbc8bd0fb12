package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lattice/billing-engine/ledger"
	"github.com/lattice/billing-engine/logger"
	"github.com/lattice/billing-engine/reconcile"
)

var importCmd = &cobra.Command{
	Use:   "import-bank <csv-file>",
	Short: "Import a bank statement CSV batch and reconcile it",
	Long: `Reads a bank statement export (columns: date, description, amount,
reference) and runs the matching policy over every row. Rows referencing a
known lease code are allocated automatically; ambiguous rows are queued for
manual review.`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)
	importCmd.Flags().String("bank", "", "Bank name recorded on the batch")
	importCmd.Flags().String("actor", "cli", "Acting user for the audit trail")
}

func runImport(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("import-bank")

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	file, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer file.Close()

	bank, _ := cmd.Flags().GetString("bank")
	actorName, _ := cmd.Flags().GetString("actor")

	allocator := ledger.NewAllocator(store, logger.WithComponent("allocator"))
	matcher := reconcile.NewMatcher(store, allocator, logger.WithComponent("reconcile"))

	result, err := matcher.ImportCSV(cmd.Context(), file, bank, actorName)
	if err != nil {
		return err
	}

	log.Info().Str("batch_id", string(result.BatchID)).Msg("Batch imported")
	fmt.Printf("Batch %s: %d total, %d auto-reconciled, %d manual review, %d unmatched, %d failed\n",
		result.BatchID, result.Total, result.AutoReconciled, result.ManualReview, result.Unmatched, result.Failed)
	for _, e := range result.Errors {
		fmt.Printf("  line %d: %s\n", e.Line, e.Error)
	}
	return nil
}
