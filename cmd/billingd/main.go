/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the billing engine CLI. Subcommands:

    serve        HTTP API with graceful shutdown
    import-bank  Import a bank statement CSV batch
    escalate     Run due rent escalations

STARTUP SEQUENCE:
  1. Load .env (optional) and environment configuration
  2. Initialize the global logger
  3. Open the SQLite store
  4. Dispatch the subcommand

ENVIRONMENT:
  PORT, DB_PATH, LOG_LEVEL, LOG_FORMAT, LOG_OUTPUT (see config package).

EXAMPLES:
  # Run the API against a file database
  billingd serve

  # Import a statement export
  billingd import-bank ./statements/fnb-2025-08.csv --bank "FNB"

  # Apply escalations due by a date
  billingd escalate --as-of 2025-09-01

SEE ALSO:
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	stdlog "log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/lattice/billing-engine/config"
	"github.com/lattice/billing-engine/logger"
	"github.com/lattice/billing-engine/store/sqlite"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "billingd",
	Short: "Tenant invoicing and payment reconciliation engine",
	Long: `billingd runs the billing ledger: invoice lifecycle, payment
allocation, bank statement reconciliation, rent escalations and tenant
statements.`,
	SilenceUsage: true,
}

func main() {
	// .env is optional; environment variables win.
	if err := godotenv.Load(); err != nil {
		stdlog.Printf("No .env file loaded: %v", err)
	}

	var err error
	cfg, err = config.Load()
	if err != nil {
		stdlog.Fatalf("Failed to load configuration: %v", err)
	}
	if err := logger.Setup(cfg.GetLoggerConfig()); err != nil {
		stdlog.Fatalf("Failed to initialize logger: %v", err)
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openStore opens the configured SQLite database.
func openStore() (*sqlite.Store, error) {
	return sqlite.New(cfg.DBPath)
}
