/*
audit.go - Append-only audit trail

Every mutating action in the engine writes an audit entry in the same store
transaction as the mutation itself. The trail is required for the admin
unlock flow and dispute resolution; entries are never updated or deleted.
*/
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// AUDIT ENTRY
// =============================================================================

type AuditAction string

const (
	AuditInvoiceCreated   AuditAction = "invoice_created"
	AuditLineItemsUpdated AuditAction = "line_items_updated"
	AuditInvoiceSent      AuditAction = "invoice_sent"
	AuditInvoiceCancelled AuditAction = "invoice_cancelled"
	AuditAdminUnlock      AuditAction = "admin_unlock"
	AuditPaymentRecorded  AuditAction = "payment_recorded"
	AuditPaymentAllocated AuditAction = "payment_allocated"
	AuditCreditGranted    AuditAction = "credit_granted"
	AuditCreditApplied    AuditAction = "credit_applied"
	AuditCreditRefunded   AuditAction = "credit_refunded"
	AuditAdjustmentMade   AuditAction = "adjustment_created"
	AuditBatchImported    AuditAction = "bank_batch_imported"
	AuditTxnResolved      AuditAction = "bank_txn_resolved"
	AuditRentEscalated    AuditAction = "rent_escalated"
)

type AuditEntry struct {
	ID        string
	Timestamp time.Time
	ActorID   string
	Action    AuditAction
	InvoiceID InvoiceID
	TenantID  TenantID
	LeaseID   LeaseID
	Payload   map[string]any // action-specific detail
}

// AuditLog stores audit entries. Append-only.
type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
	// AuditTrail returns all entries for an invoice, oldest first.
	AuditTrail(ctx context.Context, invoiceID InvoiceID) ([]AuditEntry, error)
}

// NewAuditEntry builds an entry with a fresh id and timestamp.
func NewAuditEntry(actor string, action AuditAction) AuditEntry {
	return AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		ActorID:   actor,
		Action:    action,
		Payload:   map[string]any{},
	}
}
