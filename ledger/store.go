/*
store.go - Persistence interfaces for the billing ledger

PURPOSE:
  Defines the boundary between the engines and the database. The sqlite
  implementation lives in store/sqlite; an in-memory implementation for
  tests lives in ledger/store.

KEY INTERFACES:
  Store:    All record persistence, grouped by entity
  TxStore:  Store plus transactional execution (atomic multi-record writes)
  AuditLog: Append-only audit entries (defined in audit.go)

CONVENTIONS:
  - Get* returns (nil, nil) when the record doesn't exist; engines translate
    that into ErrNotFound with context.
  - Save* on invoices/leases/tenants is an upsert. Payments, allocations,
    adjustments, bank transactions and escalations are append-only: stores
    reject duplicate natural keys instead of updating.

UNIQUENESS INVARIANTS (enforced by the store, not by caller discipline):
  - One non-cancelled invoice per (lease, billing period) -> ErrDuplicatePeriod
  - One allocation per (payment, invoice)                 -> ErrDuplicateAllocation
  - One escalation per (lease, effective date)            -> ErrDuplicateEscalation

ATOMICITY:
  WithTx gives all-or-nothing semantics. An allocation touching three
  invoices and the credit balance either commits everything or nothing.
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Store handles persistence of all billing records.
type Store interface {
	// ----- Invoices -----
	SaveInvoice(ctx context.Context, inv *Invoice) error
	GetInvoice(ctx context.Context, id InvoiceID) (*Invoice, error)
	// FindInvoiceByPeriod returns the non-cancelled invoice for the lease and
	// period, if any.
	FindInvoiceByPeriod(ctx context.Context, leaseID LeaseID, period BillingPeriod) (*Invoice, error)
	ListInvoicesByTenant(ctx context.Context, tenantID TenantID) ([]Invoice, error)
	// ListOutstandingInvoices returns sent/partially_paid/overdue invoices
	// ordered oldest due date first.
	ListOutstandingInvoices(ctx context.Context, tenantID TenantID) ([]Invoice, error)

	// ----- Payments & allocations -----
	SavePayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, id PaymentID) (*Payment, error)
	// FindPaymentByReference is used to make bank-transaction resolution
	// idempotent: the bank txn id is the payment reference.
	FindPaymentByReference(ctx context.Context, reference string) (*Payment, error)
	ListPaymentsByTenant(ctx context.Context, tenantID TenantID) ([]Payment, error)
	// ListUnallocatedPayments returns payments whose allocations sum to less
	// than the payment amount.
	ListUnallocatedPayments(ctx context.Context) ([]Payment, error)
	SaveAllocation(ctx context.Context, a PaymentAllocation) error
	ListAllocationsByPayment(ctx context.Context, paymentID PaymentID) ([]PaymentAllocation, error)

	// ----- Tenant credit -----
	CreditBalance(ctx context.Context, tenantID TenantID) (decimal.Decimal, error)
	SetCreditBalance(ctx context.Context, tenantID TenantID, balance decimal.Decimal) error

	// ----- Adjustments -----
	SaveAdjustment(ctx context.Context, a Adjustment) error
	ListAdjustmentsByInvoice(ctx context.Context, invoiceID InvoiceID) ([]Adjustment, error)
	ListAdjustmentsByTenant(ctx context.Context, tenantID TenantID) ([]Adjustment, error)

	// ----- Leases & tenants -----
	SaveLease(ctx context.Context, l *Lease) error
	GetLease(ctx context.Context, id LeaseID) (*Lease, error)
	FindLeaseByCode(ctx context.Context, code string) (*Lease, error)
	// ListLeasesDueForEscalation returns active leases whose next escalation
	// date is on or before asOf.
	ListLeasesDueForEscalation(ctx context.Context, asOf time.Time) ([]Lease, error)
	SaveTenant(ctx context.Context, t *Tenant) error
	GetTenant(ctx context.Context, id TenantID) (*Tenant, error)
	ListTenants(ctx context.Context) ([]Tenant, error)

	// ----- Bank transactions -----
	SaveBankTransaction(ctx context.Context, tx *BankTransaction) error
	GetBankTransaction(ctx context.Context, id BankTxnID) (*BankTransaction, error)
	ListBankTransactionsByBatch(ctx context.Context, batchID BatchID) ([]BankTransaction, error)
	ListBankTransactionsByStatus(ctx context.Context, status ReconStatus) ([]BankTransaction, error)

	// ----- Rent escalations -----
	SaveEscalation(ctx context.Context, e RentEscalation) error
	HasEscalation(ctx context.Context, leaseID LeaseID, effectiveDate time.Time) (bool, error)

	AuditLog
}

// TxStore wraps Store with transaction support. If fn returns an error the
// transaction is rolled back, otherwise committed.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}
