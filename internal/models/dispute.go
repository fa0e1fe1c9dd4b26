package models

import (
	"time"

	"github.com/google/uuid"
)

// Dispute statuses
const (
	DisputeStatusOpen        = "open"
	DisputeStatusUnderReview = "under_review"
	DisputeStatusResolved    = "resolved"
	DisputeStatusRejected    = "rejected"
)

// Dispute is a participant's contest of an escrow outcome. Resolution
// happens in an external arbitration service; this engine only records the
// hand-off and blocks settlement while the dispute is open.
type Dispute struct {
	ID          uuid.UUID  `json:"id"`
	EscrowID    uuid.UUID  `json:"escrow_id"`
	InitiatorID string     `json:"initiator_id"`
	Reason      string     `json:"reason"`
	Evidence    any        `json:"evidence,omitempty"`
	Status      string     `json:"status"`
	Resolution  *string    `json:"resolution,omitempty"`
	ResolvedBy  *uuid.UUID `json:"resolved_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}
