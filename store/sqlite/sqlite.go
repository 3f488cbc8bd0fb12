/*
Package sqlite provides the SQLite-backed implementation of ledger.TxStore.

PURPOSE:
  Persists every billing record: invoices and their line items, payments,
  allocations, credit balances, adjustments, bank transactions, escalations
  and the audit trail. In production the same patterns apply to PostgreSQL -
  only minor SQL dialect differences.

UNIQUENESS ENFORCEMENT:
  The invariants the engines rely on are enforced here with unique indexes,
  not caller discipline:
  - idx_unique_invoice_period: one live regular invoice per (lease, period).
    Partial: cancelled invoices and interim/late-fee/credit invoices (which
    share the parent's period) are excluded.
  - allocations UNIQUE(payment_id, invoice_id): allocation replays fail at
    the database even if the engine-level check raced.
  - escalations UNIQUE(lease_id, effective_date): an escalation run can be
    re-executed safely.
  Constraint violations are translated to the ledger sentinel errors so
  callers never see driver error strings.

MONEY:
  Decimal amounts are stored as TEXT (canonical decimal strings) and parsed
  back with shopspring/decimal. Never REAL.

NESTED RECORDS:
  Line items, recurring charges and audit payloads are stored as JSON
  columns on their parent rows. They are always read and written with the
  parent, never queried independently.

WAL MODE:
  SQLite is opened with WAL for better concurrency: multiple readers don't
  block, a single writer at a time. WithTx additionally serializes writers
  in-process so concurrent transactions don't trip SQLITE_BUSY.

USAGE:
  store, err := sqlite.New("./data/billing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper migration
  tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go: interface definitions and store conventions
  - ledger/store/memory.go: in-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/lattice/billing-engine/ledger"
)

// Store implements ledger.TxStore using SQLite.
type Store struct {
	queries
	db *sql.DB
	mu sync.Mutex // serializes WithTx; sqlite allows one writer
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db, queries: queries{db: db}}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Tenants
	CREATE TABLE IF NOT EXISTS tenants (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT,
		created_at TEXT NOT NULL
	);

	-- Leases (recurring charges embedded as JSON)
	CREATE TABLE IF NOT EXISTS leases (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL,
		property_id TEXT,
		tenant_id TEXT NOT NULL,
		landlord_id TEXT,
		start_date TEXT NOT NULL,
		end_date TEXT,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		recurring_charges_json TEXT NOT NULL,
		monthly_rent TEXT NOT NULL,
		tax_rate TEXT NOT NULL,
		escalation_percent TEXT NOT NULL,
		escalation_fixed TEXT NOT NULL,
		escalation_interval INTEGER NOT NULL DEFAULT 0,
		next_escalation_date TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_leases_code ON leases(code);
	CREATE INDEX IF NOT EXISTS idx_leases_tenant ON leases(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_leases_escalation
		ON leases(next_escalation_date) WHERE next_escalation_date IS NOT NULL;

	-- Invoices (line items embedded as JSON)
	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		lease_id TEXT NOT NULL,
		property_id TEXT,
		tenant_id TEXT NOT NULL,
		landlord_id TEXT,
		invoice_type TEXT NOT NULL DEFAULT 'regular',
		parent_id TEXT,
		billing_period TEXT NOT NULL,
		issue_date TEXT NOT NULL,
		due_date TEXT NOT NULL,
		line_items_json TEXT NOT NULL,
		subtotal TEXT NOT NULL,
		tax_rate TEXT NOT NULL,
		tax_amount TEXT NOT NULL,
		total_amount TEXT NOT NULL,
		amount_paid TEXT NOT NULL,
		status TEXT NOT NULL,
		locked_at TEXT,
		locked_by TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- CRITICAL: one live regular invoice per (lease, billing period).
	-- Cancelled invoices free the slot; interim/late-fee/credit invoices
	-- share the parent's period and must not collide with it.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_invoice_period
		ON invoices(lease_id, billing_period)
		WHERE status != 'cancelled' AND invoice_type = 'regular';

	CREATE INDEX IF NOT EXISTS idx_invoices_tenant ON invoices(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_invoices_status ON invoices(status);
	CREATE INDEX IF NOT EXISTS idx_invoices_tenant_due
		ON invoices(tenant_id, due_date);

	-- Payments (append-only)
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		lease_id TEXT,
		amount TEXT NOT NULL,
		method TEXT NOT NULL,
		date TEXT NOT NULL,
		reference TEXT,
		notes TEXT,
		recorded_by TEXT,
		is_overpayment BOOLEAN NOT NULL DEFAULT FALSE,
		credited_amount TEXT NOT NULL DEFAULT '0',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_tenant ON payments(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_payments_reference
		ON payments(reference) WHERE reference IS NOT NULL AND reference != '';

	-- Allocations (append-only; replays rejected by the unique pair)
	CREATE TABLE IF NOT EXISTS allocations (
		id TEXT PRIMARY KEY,
		payment_id TEXT NOT NULL,
		invoice_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(payment_id, invoice_id)
	);

	CREATE INDEX IF NOT EXISTS idx_allocations_payment ON allocations(payment_id);
	CREATE INDEX IF NOT EXISTS idx_allocations_invoice ON allocations(invoice_id);

	-- Tenant credit balances
	CREATE TABLE IF NOT EXISTS credit_balances (
		tenant_id TEXT PRIMARY KEY,
		balance TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Adjustments (append-only)
	CREATE TABLE IF NOT EXISTS adjustments (
		id TEXT PRIMARY KEY,
		invoice_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		amount TEXT NOT NULL,
		reason TEXT NOT NULL,
		effective_date TEXT NOT NULL,
		interim_invoice_id TEXT,
		created_by TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_adjustments_invoice ON adjustments(invoice_id);

	-- Imported bank transactions
	CREATE TABLE IF NOT EXISTS bank_transactions (
		id TEXT PRIMARY KEY,
		batch_id TEXT NOT NULL,
		bank_name TEXT,
		date TEXT NOT NULL,
		description TEXT,
		amount TEXT NOT NULL,
		reference TEXT,
		status TEXT NOT NULL,
		payment_id TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_bank_txns_batch ON bank_transactions(batch_id);
	CREATE INDEX IF NOT EXISTS idx_bank_txns_status ON bank_transactions(status);

	-- Rent escalations (applied exactly once per scheduled date)
	CREATE TABLE IF NOT EXISTS escalations (
		id TEXT PRIMARY KEY,
		lease_id TEXT NOT NULL,
		previous_rent TEXT NOT NULL,
		new_rent TEXT NOT NULL,
		percent TEXT NOT NULL,
		fixed_amount TEXT NOT NULL,
		effective_date TEXT NOT NULL,
		reason TEXT,
		created_at TEXT NOT NULL,
		UNIQUE(lease_id, effective_date)
	);

	-- Audit trail (append-only, never updated or deleted)
	CREATE TABLE IF NOT EXISTS audit_entries (
		id TEXT PRIMARY KEY,
		timestamp TEXT NOT NULL,
		actor_id TEXT,
		action TEXT NOT NULL,
		invoice_id TEXT,
		tenant_id TEXT,
		lease_id TEXT,
		payload_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_invoice
		ON audit_entries(invoice_id) WHERE invoice_id IS NOT NULL AND invoice_id != '';
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction. Rolled back on error.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{db: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// dbtx is satisfied by both *sql.DB and *sql.Tx so every query below works
// inside and outside a transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements ledger.Store against a dbtx.
type queries struct {
	db dbtx
}

// =============================================================================
// INVOICES
// =============================================================================

const invoiceColumns = `id, lease_id, property_id, tenant_id, landlord_id, invoice_type,
	parent_id, billing_period, issue_date, due_date, line_items_json,
	subtotal, tax_rate, tax_amount, total_amount, amount_paid, status,
	locked_at, locked_by, created_at, updated_at`

// SaveInvoice upserts an invoice. A conflict on the period uniqueness index
// maps to ErrDuplicatePeriod.
func (q *queries) SaveInvoice(ctx context.Context, inv *ledger.Invoice) error {
	lineItems, err := json.Marshal(inv.LineItems)
	if err != nil {
		return fmt.Errorf("failed to marshal line items: %w", err)
	}

	query := `
		INSERT INTO invoices (` + invoiceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			line_items_json = excluded.line_items_json,
			subtotal = excluded.subtotal,
			tax_rate = excluded.tax_rate,
			tax_amount = excluded.tax_amount,
			total_amount = excluded.total_amount,
			amount_paid = excluded.amount_paid,
			status = excluded.status,
			locked_at = excluded.locked_at,
			locked_by = excluded.locked_by,
			updated_at = excluded.updated_at
	`

	_, err = q.db.ExecContext(ctx, query,
		inv.ID, inv.LeaseID, inv.PropertyID, inv.TenantID, inv.LandlordID, inv.Type,
		nullString(string(inv.ParentID)), inv.BillingPeriod,
		inv.IssueDate.Format(time.RFC3339), inv.DueDate.Format(time.RFC3339),
		string(lineItems),
		inv.Subtotal.String(), inv.TaxRate.String(), inv.TaxAmount.String(),
		inv.TotalAmount.String(), inv.AmountPaid.String(), inv.Status,
		nullTime(inv.LockedAt), nullString(inv.LockedBy),
		inv.CreatedAt.Format(time.RFC3339), inv.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicatePeriod
		}
		return fmt.Errorf("failed to save invoice: %w", err)
	}
	return nil
}

// GetInvoice retrieves an invoice by ID. Returns (nil, nil) when missing.
func (q *queries) GetInvoice(ctx context.Context, id ledger.InvoiceID) (*ledger.Invoice, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`, id)
	return scanInvoiceRow(row)
}

// FindInvoiceByPeriod returns the live regular invoice for the lease and
// period, if any.
func (q *queries) FindInvoiceByPeriod(ctx context.Context, leaseID ledger.LeaseID, period ledger.BillingPeriod) (*ledger.Invoice, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE lease_id = ? AND billing_period = ?
		  AND status != 'cancelled' AND invoice_type = 'regular'
	`, leaseID, period)
	return scanInvoiceRow(row)
}

func (q *queries) ListInvoicesByTenant(ctx context.Context, tenantID ledger.TenantID) ([]ledger.Invoice, error) {
	return q.queryInvoices(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE tenant_id = ?
		ORDER BY issue_date ASC, created_at ASC
	`, tenantID)
}

func (q *queries) ListOutstandingInvoices(ctx context.Context, tenantID ledger.TenantID) ([]ledger.Invoice, error) {
	return q.queryInvoices(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE tenant_id = ? AND status IN ('sent', 'partially_paid', 'overdue')
		ORDER BY due_date ASC, created_at ASC
	`, tenantID)
}

func (q *queries) queryInvoices(ctx context.Context, query string, args ...any) ([]ledger.Invoice, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query invoices: %w", err)
	}
	defer rows.Close()

	var invoices []ledger.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, *inv)
	}
	return invoices, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvoiceRow(row *sql.Row) (*ledger.Invoice, error) {
	inv, err := scanInvoice(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return inv, err
}

func scanInvoice(row rowScanner) (*ledger.Invoice, error) {
	var (
		inv                  ledger.Invoice
		parentID             sql.NullString
		issueDate, dueDate   string
		lineItemsJSON        string
		subtotal, taxRate    string
		taxAmount, total     string
		amountPaid           string
		lockedAt, lockedBy   sql.NullString
		createdAt, updatedAt string
	)

	err := row.Scan(
		&inv.ID, &inv.LeaseID, &inv.PropertyID, &inv.TenantID, &inv.LandlordID, &inv.Type,
		&parentID, &inv.BillingPeriod, &issueDate, &dueDate, &lineItemsJSON,
		&subtotal, &taxRate, &taxAmount, &total, &amountPaid, &inv.Status,
		&lockedAt, &lockedBy, &createdAt, &updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan invoice: %w", err)
	}

	inv.ParentID = ledger.InvoiceID(parentID.String)
	inv.IssueDate, _ = time.Parse(time.RFC3339, issueDate)
	inv.DueDate, _ = time.Parse(time.RFC3339, dueDate)
	inv.Subtotal = ledger.MustParseDecimal(subtotal)
	inv.TaxRate = ledger.MustParseDecimal(taxRate)
	inv.TaxAmount = ledger.MustParseDecimal(taxAmount)
	inv.TotalAmount = ledger.MustParseDecimal(total)
	inv.AmountPaid = ledger.MustParseDecimal(amountPaid)
	inv.LockedBy = lockedBy.String
	inv.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	inv.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	if lockedAt.Valid {
		t, _ := time.Parse(time.RFC3339, lockedAt.String)
		inv.LockedAt = &t
	}
	if lineItemsJSON != "" {
		if err := json.Unmarshal([]byte(lineItemsJSON), &inv.LineItems); err != nil {
			return nil, fmt.Errorf("failed to unmarshal line items: %w", err)
		}
	}

	return &inv, nil
}

// =============================================================================
// PAYMENTS & ALLOCATIONS
// =============================================================================

const paymentColumns = `id, tenant_id, lease_id, amount, method, date, reference,
	notes, recorded_by, is_overpayment, credited_amount, created_at`

// SavePayment inserts or updates a payment record.
func (q *queries) SavePayment(ctx context.Context, p *ledger.Payment) error {
	query := `
		INSERT INTO payments (` + paymentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			is_overpayment = excluded.is_overpayment,
			credited_amount = excluded.credited_amount,
			notes = excluded.notes
	`

	_, err := q.db.ExecContext(ctx, query,
		p.ID, p.TenantID, p.LeaseID, p.Amount.String(), p.Method,
		p.Date.Format(time.RFC3339), nullString(p.Reference), p.Notes,
		p.RecordedBy, p.IsOverpayment, p.CreditedAmount.String(),
		p.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to save payment: %w", err)
	}
	return nil
}

func (q *queries) GetPayment(ctx context.Context, id ledger.PaymentID) (*ledger.Payment, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id)

	p, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

func (q *queries) FindPaymentByReference(ctx context.Context, reference string) (*ledger.Payment, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE reference = ? LIMIT 1`, reference)

	p, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

func (q *queries) ListPaymentsByTenant(ctx context.Context, tenantID ledger.TenantID) ([]ledger.Payment, error) {
	return q.queryPayments(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE tenant_id = ?
		ORDER BY date ASC, created_at ASC
	`, tenantID)
}

// ListUnallocatedPayments returns payments whose allocations sum to less than
// the payment amount. Sums are compared in Go: decimal strings must not be
// added as REAL.
func (q *queries) ListUnallocatedPayments(ctx context.Context) ([]ledger.Payment, error) {
	payments, err := q.queryPayments(ctx, `
		SELECT `+paymentColumns+` FROM payments ORDER BY date ASC, created_at ASC
	`)
	if err != nil {
		return nil, err
	}

	rows, err := q.db.QueryContext(ctx, `SELECT payment_id, amount FROM allocations`)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocations: %w", err)
	}
	defer rows.Close()

	allocated := make(map[ledger.PaymentID]decimal.Decimal)
	for rows.Next() {
		var paymentID, amount string
		if err := rows.Scan(&paymentID, &amount); err != nil {
			return nil, err
		}
		id := ledger.PaymentID(paymentID)
		allocated[id] = allocated[id].Add(ledger.MustParseDecimal(amount))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []ledger.Payment
	for _, p := range payments {
		if allocated[p.ID].Add(p.CreditedAmount).LessThan(p.Amount) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (q *queries) queryPayments(ctx context.Context, query string, args ...any) ([]ledger.Payment, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var payments []ledger.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

func scanPayment(row rowScanner) (*ledger.Payment, error) {
	var (
		p                ledger.Payment
		amount, date     string
		reference, notes sql.NullString
		recordedBy       sql.NullString
		creditedAmount   string
		createdAt        string
	)

	err := row.Scan(
		&p.ID, &p.TenantID, &p.LeaseID, &amount, &p.Method, &date,
		&reference, &notes, &recordedBy, &p.IsOverpayment, &creditedAmount, &createdAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan payment: %w", err)
	}

	p.Amount = ledger.MustParseDecimal(amount)
	p.CreditedAmount = ledger.MustParseDecimal(creditedAmount)
	p.Date, _ = time.Parse(time.RFC3339, date)
	p.Reference = reference.String
	p.Notes = notes.String
	p.RecordedBy = recordedBy.String
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &p, nil
}

// SaveAllocation appends an allocation. A replay of the same (payment,
// invoice) pair maps to ErrDuplicateAllocation.
func (q *queries) SaveAllocation(ctx context.Context, a ledger.PaymentAllocation) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO allocations (id, payment_id, invoice_id, amount, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, a.ID, a.PaymentID, a.InvoiceID, a.Amount.String(), a.CreatedAt.Format(time.RFC3339))
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateAllocation
		}
		return fmt.Errorf("failed to save allocation: %w", err)
	}
	return nil
}

func (q *queries) ListAllocationsByPayment(ctx context.Context, paymentID ledger.PaymentID) ([]ledger.PaymentAllocation, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, payment_id, invoice_id, amount, created_at
		FROM allocations WHERE payment_id = ? ORDER BY created_at ASC
	`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocations: %w", err)
	}
	defer rows.Close()

	var allocations []ledger.PaymentAllocation
	for rows.Next() {
		var (
			a                 ledger.PaymentAllocation
			amount, createdAt string
		)
		if err := rows.Scan(&a.ID, &a.PaymentID, &a.InvoiceID, &amount, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan allocation: %w", err)
		}
		a.Amount = ledger.MustParseDecimal(amount)
		a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		allocations = append(allocations, a)
	}
	return allocations, rows.Err()
}

// =============================================================================
// TENANT CREDIT
// =============================================================================

// CreditBalance returns zero for tenants with no credit row.
func (q *queries) CreditBalance(ctx context.Context, tenantID ledger.TenantID) (decimal.Decimal, error) {
	var balance string
	err := q.db.QueryRowContext(ctx,
		`SELECT balance FROM credit_balances WHERE tenant_id = ?`, tenantID,
	).Scan(&balance)

	if err == sql.ErrNoRows {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to query credit balance: %w", err)
	}
	return ledger.MustParseDecimal(balance), nil
}

func (q *queries) SetCreditBalance(ctx context.Context, tenantID ledger.TenantID, balance decimal.Decimal) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO credit_balances (tenant_id, balance, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			balance = excluded.balance,
			updated_at = excluded.updated_at
	`, tenantID, balance.String(), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to set credit balance: %w", err)
	}
	return nil
}

// =============================================================================
// ADJUSTMENTS
// =============================================================================

func (q *queries) SaveAdjustment(ctx context.Context, a ledger.Adjustment) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO adjustments
		(id, invoice_id, kind, amount, reason, effective_date, interim_invoice_id, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.InvoiceID, a.Kind, a.Amount.String(), a.Reason,
		a.EffectiveDate.Format(time.RFC3339), nullString(string(a.InterimInvoiceID)),
		a.CreatedBy, a.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to save adjustment: %w", err)
	}
	return nil
}

func (q *queries) ListAdjustmentsByInvoice(ctx context.Context, invoiceID ledger.InvoiceID) ([]ledger.Adjustment, error) {
	return q.queryAdjustments(ctx, `
		SELECT id, invoice_id, kind, amount, reason, effective_date, interim_invoice_id, created_by, created_at
		FROM adjustments WHERE invoice_id = ? ORDER BY created_at ASC
	`, invoiceID)
}

func (q *queries) ListAdjustmentsByTenant(ctx context.Context, tenantID ledger.TenantID) ([]ledger.Adjustment, error) {
	return q.queryAdjustments(ctx, `
		SELECT a.id, a.invoice_id, a.kind, a.amount, a.reason, a.effective_date, a.interim_invoice_id, a.created_by, a.created_at
		FROM adjustments a
		JOIN invoices i ON i.id = a.invoice_id
		WHERE i.tenant_id = ?
		ORDER BY a.created_at ASC
	`, tenantID)
}

func (q *queries) queryAdjustments(ctx context.Context, query string, args ...any) ([]ledger.Adjustment, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query adjustments: %w", err)
	}
	defer rows.Close()

	var adjustments []ledger.Adjustment
	for rows.Next() {
		var (
			a                         ledger.Adjustment
			amount, effective, ctime  string
			interimID, createdBy      sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.InvoiceID, &a.Kind, &amount, &a.Reason,
			&effective, &interimID, &createdBy, &ctime); err != nil {
			return nil, fmt.Errorf("failed to scan adjustment: %w", err)
		}
		a.Amount = ledger.MustParseDecimal(amount)
		a.EffectiveDate, _ = time.Parse(time.RFC3339, effective)
		a.InterimInvoiceID = ledger.InvoiceID(interimID.String)
		a.CreatedBy = createdBy.String
		a.CreatedAt, _ = time.Parse(time.RFC3339, ctime)
		adjustments = append(adjustments, a)
	}
	return adjustments, rows.Err()
}

// =============================================================================
// LEASES & TENANTS
// =============================================================================

const leaseColumns = `id, code, property_id, tenant_id, landlord_id, start_date, end_date,
	active, recurring_charges_json, monthly_rent, tax_rate,
	escalation_percent, escalation_fixed, escalation_interval,
	next_escalation_date, created_at, updated_at`

func (q *queries) SaveLease(ctx context.Context, l *ledger.Lease) error {
	charges, err := json.Marshal(l.RecurringCharges)
	if err != nil {
		return fmt.Errorf("failed to marshal recurring charges: %w", err)
	}

	query := `
		INSERT INTO leases (` + leaseColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			code = excluded.code,
			active = excluded.active,
			end_date = excluded.end_date,
			recurring_charges_json = excluded.recurring_charges_json,
			monthly_rent = excluded.monthly_rent,
			tax_rate = excluded.tax_rate,
			escalation_percent = excluded.escalation_percent,
			escalation_fixed = excluded.escalation_fixed,
			escalation_interval = excluded.escalation_interval,
			next_escalation_date = excluded.next_escalation_date,
			updated_at = excluded.updated_at
	`

	_, err = q.db.ExecContext(ctx, query,
		l.ID, l.Code, l.PropertyID, l.TenantID, l.LandlordID,
		l.StartDate.Format(time.RFC3339), l.EndDate.Format(time.RFC3339),
		l.Active, string(charges), l.MonthlyRent.String(), l.TaxRate.String(),
		l.EscalationPercent.String(), l.EscalationFixed.String(), l.EscalationInterval,
		nullTime(l.NextEscalationDate),
		l.CreatedAt.Format(time.RFC3339), l.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to save lease: %w", err)
	}
	return nil
}

func (q *queries) GetLease(ctx context.Context, id ledger.LeaseID) (*ledger.Lease, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+leaseColumns+` FROM leases WHERE id = ?`, id)

	l, err := scanLease(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return l, err
}

// FindLeaseByCode matches statement reference codes case-insensitively.
func (q *queries) FindLeaseByCode(ctx context.Context, code string) (*ledger.Lease, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+leaseColumns+` FROM leases WHERE code = ? COLLATE NOCASE`, code)

	l, err := scanLease(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return l, err
}

func (q *queries) ListLeasesDueForEscalation(ctx context.Context, asOf time.Time) ([]ledger.Lease, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+leaseColumns+` FROM leases
		WHERE active AND next_escalation_date IS NOT NULL AND next_escalation_date <= ?
		ORDER BY id ASC
	`, asOf.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("failed to query leases: %w", err)
	}
	defer rows.Close()

	var leases []ledger.Lease
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, err
		}
		leases = append(leases, *l)
	}
	return leases, rows.Err()
}

func scanLease(row rowScanner) (*ledger.Lease, error) {
	var (
		l                       ledger.Lease
		startDate, endDate      string
		chargesJSON             string
		rent, taxRate           string
		escPercent, escFixed    string
		nextEscalation          sql.NullString
		createdAt, updatedAt    string
	)

	err := row.Scan(
		&l.ID, &l.Code, &l.PropertyID, &l.TenantID, &l.LandlordID,
		&startDate, &endDate, &l.Active, &chargesJSON, &rent, &taxRate,
		&escPercent, &escFixed, &l.EscalationInterval, &nextEscalation,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan lease: %w", err)
	}

	l.StartDate, _ = time.Parse(time.RFC3339, startDate)
	l.EndDate, _ = time.Parse(time.RFC3339, endDate)
	l.MonthlyRent = ledger.MustParseDecimal(rent)
	l.TaxRate = ledger.MustParseDecimal(taxRate)
	l.EscalationPercent = ledger.MustParseDecimal(escPercent)
	l.EscalationFixed = ledger.MustParseDecimal(escFixed)
	l.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	l.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	if nextEscalation.Valid {
		t, _ := time.Parse(time.RFC3339, nextEscalation.String)
		l.NextEscalationDate = &t
	}
	if chargesJSON != "" {
		if err := json.Unmarshal([]byte(chargesJSON), &l.RecurringCharges); err != nil {
			return nil, fmt.Errorf("failed to unmarshal recurring charges: %w", err)
		}
	}

	return &l, nil
}

func (q *queries) SaveTenant(ctx context.Context, t *ledger.Tenant) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO tenants (id, name, email, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email
	`, t.ID, t.Name, t.Email, t.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to save tenant: %w", err)
	}
	return nil
}

func (q *queries) GetTenant(ctx context.Context, id ledger.TenantID) (*ledger.Tenant, error) {
	var (
		t         ledger.Tenant
		email     sql.NullString
		createdAt string
	)
	err := q.db.QueryRowContext(ctx,
		`SELECT id, name, email, created_at FROM tenants WHERE id = ?`, id,
	).Scan(&t.ID, &t.Name, &email, &createdAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan tenant: %w", err)
	}

	t.Email = email.String
	t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &t, nil
}

func (q *queries) ListTenants(ctx context.Context) ([]ledger.Tenant, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, name, email, created_at FROM tenants ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tenants: %w", err)
	}
	defer rows.Close()

	var tenants []ledger.Tenant
	for rows.Next() {
		var (
			t         ledger.Tenant
			email     sql.NullString
			createdAt string
		)
		if err := rows.Scan(&t.ID, &t.Name, &email, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		t.Email = email.String
		t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// =============================================================================
// BANK TRANSACTIONS
// =============================================================================

const bankTxnColumns = `id, batch_id, bank_name, date, description, amount, reference,
	status, payment_id, created_at`

func (q *queries) SaveBankTransaction(ctx context.Context, tx *ledger.BankTransaction) error {
	query := `
		INSERT INTO bank_transactions (` + bankTxnColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			payment_id = excluded.payment_id
	`

	_, err := q.db.ExecContext(ctx, query,
		tx.ID, tx.BatchID, tx.BankName, tx.Date.Format(time.RFC3339),
		tx.Description, tx.Amount.String(), tx.Reference, tx.Status,
		nullString(string(tx.PaymentID)), tx.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to save bank transaction: %w", err)
	}
	return nil
}

func (q *queries) GetBankTransaction(ctx context.Context, id ledger.BankTxnID) (*ledger.BankTransaction, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+bankTxnColumns+` FROM bank_transactions WHERE id = ?`, id)

	tx, err := scanBankTransaction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return tx, err
}

func (q *queries) ListBankTransactionsByBatch(ctx context.Context, batchID ledger.BatchID) ([]ledger.BankTransaction, error) {
	return q.queryBankTransactions(ctx, `
		SELECT `+bankTxnColumns+` FROM bank_transactions
		WHERE batch_id = ? ORDER BY date ASC, created_at ASC
	`, batchID)
}

func (q *queries) ListBankTransactionsByStatus(ctx context.Context, status ledger.ReconStatus) ([]ledger.BankTransaction, error) {
	return q.queryBankTransactions(ctx, `
		SELECT `+bankTxnColumns+` FROM bank_transactions
		WHERE status = ? ORDER BY date ASC, created_at ASC
	`, status)
}

func (q *queries) queryBankTransactions(ctx context.Context, query string, args ...any) ([]ledger.BankTransaction, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bank transactions: %w", err)
	}
	defer rows.Close()

	var txns []ledger.BankTransaction
	for rows.Next() {
		tx, err := scanBankTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, *tx)
	}
	return txns, rows.Err()
}

func scanBankTransaction(row rowScanner) (*ledger.BankTransaction, error) {
	var (
		tx                ledger.BankTransaction
		bankName          sql.NullString
		date, amount      string
		description       sql.NullString
		reference         sql.NullString
		paymentID         sql.NullString
		createdAt         string
	)

	err := row.Scan(&tx.ID, &tx.BatchID, &bankName, &date, &description,
		&amount, &reference, &tx.Status, &paymentID, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan bank transaction: %w", err)
	}

	tx.BankName = bankName.String
	tx.Date, _ = time.Parse(time.RFC3339, date)
	tx.Description = description.String
	tx.Amount = ledger.MustParseDecimal(amount)
	tx.Reference = reference.String
	tx.PaymentID = ledger.PaymentID(paymentID.String)
	tx.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &tx, nil
}

// =============================================================================
// RENT ESCALATIONS
// =============================================================================

// SaveEscalation appends an escalation. A second escalation for the same
// (lease, effective date) maps to ErrDuplicateEscalation.
func (q *queries) SaveEscalation(ctx context.Context, e ledger.RentEscalation) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO escalations
		(id, lease_id, previous_rent, new_rent, percent, fixed_amount, effective_date, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.LeaseID, e.PreviousRent.String(), e.NewRent.String(),
		e.Percent.String(), e.FixedAmount.String(),
		e.EffectiveDate.Format("2006-01-02"), e.Reason, e.CreatedAt.Format(time.RFC3339))
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateEscalation
		}
		return fmt.Errorf("failed to save escalation: %w", err)
	}
	return nil
}

func (q *queries) HasEscalation(ctx context.Context, leaseID ledger.LeaseID, effectiveDate time.Time) (bool, error) {
	var count int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM escalations WHERE lease_id = ? AND effective_date = ?
	`, leaseID, effectiveDate.Format("2006-01-02")).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to query escalations: %w", err)
	}
	return count > 0, nil
}

// =============================================================================
// AUDIT TRAIL (ledger.AuditLog interface)
// =============================================================================

func (q *queries) AppendAudit(ctx context.Context, entry ledger.AuditEntry) error {
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal audit payload: %w", err)
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO audit_entries
		(id, timestamp, actor_id, action, invoice_id, tenant_id, lease_id, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.Timestamp.Format(time.RFC3339), entry.ActorID, entry.Action,
		entry.InvoiceID, entry.TenantID, entry.LeaseID, string(payload),
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (q *queries) AuditTrail(ctx context.Context, invoiceID ledger.InvoiceID) ([]ledger.AuditEntry, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, timestamp, actor_id, action, invoice_id, tenant_id, lease_id, payload_json
		FROM audit_entries
		WHERE invoice_id = ?
		ORDER BY timestamp ASC, created_at ASC
	`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit trail: %w", err)
	}
	defer rows.Close()

	var entries []ledger.AuditEntry
	for rows.Next() {
		var (
			e           ledger.AuditEntry
			timestamp   string
			actorID     sql.NullString
			payloadJSON sql.NullString
		)
		if err := rows.Scan(&e.ID, &timestamp, &actorID, &e.Action,
			&e.InvoiceID, &e.TenantID, &e.LeaseID, &payloadJSON); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Timestamp, _ = time.Parse(time.RFC3339, timestamp)
		e.ActorID = actorID.String
		if payloadJSON.Valid && payloadJSON.String != "" {
			json.Unmarshal([]byte(payloadJSON.String), &e.Payload)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(time.RFC3339), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
