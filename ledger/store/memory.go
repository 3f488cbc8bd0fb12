// Package store provides an in-memory TxStore implementation (for testing/dev).
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lattice/billing-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation of ledger.TxStore
// =============================================================================

type Memory struct {
	mu   sync.RWMutex
	txMu sync.Mutex // serializes WithTx bodies, matching the sqlite store

	invoices    map[ledger.InvoiceID]ledger.Invoice
	payments    map[ledger.PaymentID]ledger.Payment
	allocations []ledger.PaymentAllocation
	allocKeys   map[string]bool // payment|invoice uniqueness
	credit      map[ledger.TenantID]decimal.Decimal
	adjustments []ledger.Adjustment
	leases      map[ledger.LeaseID]ledger.Lease
	tenants     map[ledger.TenantID]ledger.Tenant
	bankTxns    map[ledger.BankTxnID]ledger.BankTransaction
	escalations map[string]ledger.RentEscalation // lease|date uniqueness
	audits      []ledger.AuditEntry
}

func NewMemory() *Memory {
	return &Memory{
		invoices:    make(map[ledger.InvoiceID]ledger.Invoice),
		payments:    make(map[ledger.PaymentID]ledger.Payment),
		allocKeys:   make(map[string]bool),
		credit:      make(map[ledger.TenantID]decimal.Decimal),
		leases:      make(map[ledger.LeaseID]ledger.Lease),
		tenants:     make(map[ledger.TenantID]ledger.Tenant),
		bankTxns:    make(map[ledger.BankTxnID]ledger.BankTransaction),
		escalations: make(map[string]ledger.RentEscalation),
	}
}

// ----- Invoices -----

func (m *Memory) SaveInvoice(_ context.Context, inv *ledger.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.findPeriodLocked(inv.LeaseID, inv.BillingPeriod); ok && existing.ID != inv.ID &&
		inv.Type == ledger.TypeRegular && inv.Status != ledger.StatusCancelled {
		return ledger.ErrDuplicatePeriod
	}

	cp := *inv
	cp.LineItems = append([]ledger.LineItem(nil), inv.LineItems...)
	m.invoices[inv.ID] = cp
	return nil
}

func (m *Memory) findPeriodLocked(leaseID ledger.LeaseID, period ledger.BillingPeriod) (ledger.Invoice, bool) {
	for _, inv := range m.invoices {
		if inv.LeaseID == leaseID && inv.BillingPeriod == period &&
			inv.Type == ledger.TypeRegular && inv.Status != ledger.StatusCancelled {
			return inv, true
		}
	}
	return ledger.Invoice{}, false
}

func (m *Memory) GetInvoice(_ context.Context, id ledger.InvoiceID) (*ledger.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inv, ok := m.invoices[id]
	if !ok {
		return nil, nil
	}
	cp := inv
	cp.LineItems = append([]ledger.LineItem(nil), inv.LineItems...)
	return &cp, nil
}

func (m *Memory) FindInvoiceByPeriod(_ context.Context, leaseID ledger.LeaseID, period ledger.BillingPeriod) (*ledger.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if inv, ok := m.findPeriodLocked(leaseID, period); ok {
		return &inv, nil
	}
	return nil, nil
}

func (m *Memory) ListInvoicesByTenant(_ context.Context, tenantID ledger.TenantID) ([]ledger.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ledger.Invoice
	for _, inv := range m.invoices {
		if inv.TenantID == tenantID {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssueDate.Before(out[j].IssueDate) })
	return out, nil
}

func (m *Memory) ListOutstandingInvoices(_ context.Context, tenantID ledger.TenantID) ([]ledger.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ledger.Invoice
	for _, inv := range m.invoices {
		if inv.TenantID != tenantID {
			continue
		}
		switch inv.Status {
		case ledger.StatusSent, ledger.StatusPartiallyPaid, ledger.StatusOverdue:
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueDate.Before(out[j].DueDate) })
	return out, nil
}

// ----- Payments & allocations -----

func (m *Memory) SavePayment(_ context.Context, p *ledger.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[p.ID] = *p
	return nil
}

func (m *Memory) GetPayment(_ context.Context, id ledger.PaymentID) (*ledger.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payments[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *Memory) FindPaymentByReference(_ context.Context, reference string) (*ledger.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.payments {
		if p.Reference == reference {
			cp := p
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Memory) ListPaymentsByTenant(_ context.Context, tenantID ledger.TenantID) ([]ledger.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ledger.Payment
	for _, p := range m.payments {
		if p.TenantID == tenantID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (m *Memory) ListUnallocatedPayments(_ context.Context) ([]ledger.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	allocated := make(map[ledger.PaymentID]decimal.Decimal)
	for _, a := range m.allocations {
		allocated[a.PaymentID] = allocated[a.PaymentID].Add(a.Amount)
	}

	var out []ledger.Payment
	for _, p := range m.payments {
		if allocated[p.ID].Add(p.CreditedAmount).LessThan(p.Amount) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (m *Memory) SaveAllocation(_ context.Context, a ledger.PaymentAllocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := string(a.PaymentID) + "|" + string(a.InvoiceID)
	if m.allocKeys[key] {
		return ledger.ErrDuplicateAllocation
	}
	m.allocKeys[key] = true
	m.allocations = append(m.allocations, a)
	return nil
}

func (m *Memory) ListAllocationsByPayment(_ context.Context, paymentID ledger.PaymentID) ([]ledger.PaymentAllocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ledger.PaymentAllocation
	for _, a := range m.allocations {
		if a.PaymentID == paymentID {
			out = append(out, a)
		}
	}
	return out, nil
}

// ----- Tenant credit -----

func (m *Memory) CreditBalance(_ context.Context, tenantID ledger.TenantID) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.credit[tenantID], nil
}

func (m *Memory) SetCreditBalance(_ context.Context, tenantID ledger.TenantID, balance decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credit[tenantID] = balance
	return nil
}

// ----- Adjustments -----

func (m *Memory) SaveAdjustment(_ context.Context, a ledger.Adjustment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adjustments = append(m.adjustments, a)
	return nil
}

func (m *Memory) ListAdjustmentsByInvoice(_ context.Context, invoiceID ledger.InvoiceID) ([]ledger.Adjustment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ledger.Adjustment
	for _, a := range m.adjustments {
		if a.InvoiceID == invoiceID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *Memory) ListAdjustmentsByTenant(ctx context.Context, tenantID ledger.TenantID) ([]ledger.Adjustment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ledger.Adjustment
	for _, a := range m.adjustments {
		if inv, ok := m.invoices[a.InvoiceID]; ok && inv.TenantID == tenantID {
			out = append(out, a)
		}
	}
	return out, nil
}

// ----- Leases & tenants -----

func (m *Memory) SaveLease(_ context.Context, l *ledger.Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *l
	cp.RecurringCharges = append([]ledger.RecurringCharge(nil), l.RecurringCharges...)
	m.leases[l.ID] = cp
	return nil
}

func (m *Memory) GetLease(_ context.Context, id ledger.LeaseID) (*ledger.Lease, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.leases[id]
	if !ok {
		return nil, nil
	}
	cp := l
	cp.RecurringCharges = append([]ledger.RecurringCharge(nil), l.RecurringCharges...)
	return &cp, nil
}

func (m *Memory) FindLeaseByCode(_ context.Context, code string) (*ledger.Lease, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, l := range m.leases {
		if strings.EqualFold(l.Code, code) {
			cp := l
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Memory) ListLeasesDueForEscalation(_ context.Context, asOf time.Time) ([]ledger.Lease, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ledger.Lease
	for _, l := range m.leases {
		if l.Active && l.NextEscalationDate != nil && !l.NextEscalationDate.After(asOf) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SaveTenant(_ context.Context, t *ledger.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[t.ID] = *t
	return nil
}

func (m *Memory) GetTenant(_ context.Context, id ledger.TenantID) (*ledger.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tenants[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (m *Memory) ListTenants(_ context.Context) ([]ledger.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ledger.Tenant
	for _, t := range m.tenants {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ----- Bank transactions -----

func (m *Memory) SaveBankTransaction(_ context.Context, tx *ledger.BankTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bankTxns[tx.ID] = *tx
	return nil
}

func (m *Memory) GetBankTransaction(_ context.Context, id ledger.BankTxnID) (*ledger.BankTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.bankTxns[id]
	if !ok {
		return nil, nil
	}
	return &tx, nil
}

func (m *Memory) ListBankTransactionsByBatch(_ context.Context, batchID ledger.BatchID) ([]ledger.BankTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ledger.BankTransaction
	for _, tx := range m.bankTxns {
		if tx.BatchID == batchID {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (m *Memory) ListBankTransactionsByStatus(_ context.Context, status ledger.ReconStatus) ([]ledger.BankTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ledger.BankTransaction
	for _, tx := range m.bankTxns {
		if tx.Status == status {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// ----- Rent escalations -----

func (m *Memory) SaveEscalation(_ context.Context, e ledger.RentEscalation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := string(e.LeaseID) + "|" + e.EffectiveDate.Format("2006-01-02")
	if _, ok := m.escalations[key]; ok {
		return ledger.ErrDuplicateEscalation
	}
	m.escalations[key] = e
	return nil
}

func (m *Memory) HasEscalation(_ context.Context, leaseID ledger.LeaseID, effectiveDate time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key := string(leaseID) + "|" + effectiveDate.Format("2006-01-02")
	_, ok := m.escalations[key]
	return ok, nil
}

// ----- Audit -----

func (m *Memory) AppendAudit(_ context.Context, entry ledger.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, entry)
	return nil
}

func (m *Memory) AuditTrail(_ context.Context, invoiceID ledger.InvoiceID) ([]ledger.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ledger.AuditEntry
	for _, e := range m.audits {
		if e.InvoiceID == invoiceID {
			out = append(out, e)
		}
	}
	return out, nil
}

// =============================================================================
// TRANSACTIONS - snapshot + rollback on error
// =============================================================================

// WithTx executes fn against the store. On error the pre-call state is
// restored, giving the same all-or-nothing behavior as the sqlite store.
// Transactions run one at a time so read-check-write sequences inside fn
// can't interleave.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	snap := m.snapshot()
	if err := fn(m); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	invoices    map[ledger.InvoiceID]ledger.Invoice
	payments    map[ledger.PaymentID]ledger.Payment
	allocations []ledger.PaymentAllocation
	allocKeys   map[string]bool
	credit      map[ledger.TenantID]decimal.Decimal
	adjustments []ledger.Adjustment
	leases      map[ledger.LeaseID]ledger.Lease
	tenants     map[ledger.TenantID]ledger.Tenant
	bankTxns    map[ledger.BankTxnID]ledger.BankTransaction
	escalations map[string]ledger.RentEscalation
	audits      []ledger.AuditEntry
}

func (m *Memory) snapshot() memorySnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := memorySnapshot{
		invoices:    make(map[ledger.InvoiceID]ledger.Invoice, len(m.invoices)),
		payments:    make(map[ledger.PaymentID]ledger.Payment, len(m.payments)),
		allocations: append([]ledger.PaymentAllocation(nil), m.allocations...),
		allocKeys:   make(map[string]bool, len(m.allocKeys)),
		credit:      make(map[ledger.TenantID]decimal.Decimal, len(m.credit)),
		adjustments: append([]ledger.Adjustment(nil), m.adjustments...),
		leases:      make(map[ledger.LeaseID]ledger.Lease, len(m.leases)),
		tenants:     make(map[ledger.TenantID]ledger.Tenant, len(m.tenants)),
		bankTxns:    make(map[ledger.BankTxnID]ledger.BankTransaction, len(m.bankTxns)),
		escalations: make(map[string]ledger.RentEscalation, len(m.escalations)),
		audits:      append([]ledger.AuditEntry(nil), m.audits...),
	}
	for k, v := range m.invoices {
		snap.invoices[k] = v
	}
	for k, v := range m.payments {
		snap.payments[k] = v
	}
	for k, v := range m.allocKeys {
		snap.allocKeys[k] = v
	}
	for k, v := range m.credit {
		snap.credit[k] = v
	}
	for k, v := range m.leases {
		snap.leases[k] = v
	}
	for k, v := range m.tenants {
		snap.tenants[k] = v
	}
	for k, v := range m.bankTxns {
		snap.bankTxns[k] = v
	}
	for k, v := range m.escalations {
		snap.escalations[k] = v
	}
	return snap
}

func (m *Memory) restore(snap memorySnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.invoices = snap.invoices
	m.payments = snap.payments
	m.allocations = snap.allocations
	m.allocKeys = snap.allocKeys
	m.credit = snap.credit
	m.adjustments = snap.adjustments
	m.leases = snap.leases
	m.tenants = snap.tenants
	m.bankTxns = snap.bankTxns
	m.escalations = snap.escalations
	m.audits = snap.audits
}
