package ledger

import "sync"

// =============================================================================
// TENANT LOCKS - Serialize money mutations per tenant
// =============================================================================

// tenantLocks hands out one mutex per tenant so concurrent allocations,
// credit movements and adjustments for the same tenant are serialized while
// different tenants proceed in parallel.
type tenantLocks struct {
	mu    sync.Mutex
	locks map[TenantID]*sync.Mutex
}

func newTenantLocks() *tenantLocks {
	return &tenantLocks{locks: make(map[TenantID]*sync.Mutex)}
}

func (t *tenantLocks) lock(id TenantID) func() {
	t.mu.Lock()
	m, ok := t.locks[id]
	if !ok {
		m = &sync.Mutex{}
		t.locks[id] = m
	}
	t.mu.Unlock()

	m.Lock()
	return m.Unlock
}
