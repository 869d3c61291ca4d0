package generic

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// AUDIT LOG - Who did what when, written in the same Tx as the change
// =============================================================================

const CollectionAudit Collection = "audit"

type AuditAction string

const (
	AuditOrderCreated         AuditAction = "order_created"
	AuditOrderStatusChanged   AuditAction = "order_status_changed"
	AuditOrderCancelled       AuditAction = "order_cancelled"
	AuditInventoryDecremented AuditAction = "inventory_decremented"
	AuditInventoryRestored    AuditAction = "inventory_restored"
	AuditPromoRedeemed        AuditAction = "promo_redeemed"
	AuditRefundRequested      AuditAction = "refund_requested"
	AuditRefundApproved       AuditAction = "refund_approved"
	AuditRefundRejected       AuditAction = "refund_rejected"
	AuditRefundCancelled      AuditAction = "refund_cancelled"
	AuditRefundProcessing     AuditAction = "refund_processing"
	AuditRefundCompleted      AuditAction = "refund_completed"
	AuditRefundFailed         AuditAction = "refund_failed"
)

// AuditEntry is append-only. Subject is the id of the order, refund,
// event or promo code the entry is about.
type AuditEntry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Actor     Actor          `json:"actor"`
	Action    AuditAction    `json:"action"`
	Subject   string         `json:"subject"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// AppendAudit stages an audit entry on tx.
func AppendAudit(tx Tx, at time.Time, actor Actor, action AuditAction, subject string, payload map[string]any) error {
	entry := AuditEntry{
		// Time-ordered ids keep a subject's entries in commit order when listed.
		ID:        uuid.Must(uuid.NewV7()).String(),
		Timestamp: at,
		Actor:     actor,
		Action:    action,
		Subject:   subject,
		Payload:   payload,
	}
	return PutJSON(tx, CollectionAudit, entry.ID, subject, entry)
}

// ListAudit returns a subject's entries, oldest first.
func ListAudit(ctx context.Context, r Reader, subject string) ([]AuditEntry, error) {
	return ListJSON[AuditEntry](ctx, r, CollectionAudit, subject)
}
