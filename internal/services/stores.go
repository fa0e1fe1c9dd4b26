package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/stakearena/fairness-engine/internal/jobs"
	"github.com/stakearena/fairness-engine/internal/models"
)

// The services depend on narrow store interfaces rather than the concrete
// pgx repositories, so the state-machine and money-movement paths can be
// exercised against in-memory fakes. The repositories package satisfies
// every interface here.

type EscrowStore interface {
	Create(ctx context.Context, e *models.Escrow, participants []models.Participant) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Escrow, error)
	GetParticipants(ctx context.Context, escrowID uuid.UUID) ([]models.Participant, error)
	GetParticipantByMemo(ctx context.Context, memo string) (*models.Participant, error)
	MarkDeposit(ctx context.Context, participantID uuid.UUID, txRef string) (bool, error)
	CountPendingDeposits(ctx context.Context, escrowID uuid.UUID) (int, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to string) (bool, error)
	SetCurrentProposal(ctx context.Context, id, proposalID uuid.UUID) error
	SetDispute(ctx context.Context, id, disputeID uuid.UUID) error
	MarkSettled(ctx context.Context, id uuid.UUID) (bool, error)
	Pause(ctx context.Context, id uuid.UUID, reason string) (bool, error)
	Resume(ctx context.Context, id uuid.UUID) (bool, error)
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]models.Escrow, error)
	RecordPayout(ctx context.Context, p *models.PayoutResult) (conflict bool, err error)
	GetPayouts(ctx context.Context, proposalID uuid.UUID) ([]models.PayoutResult, error)
	MarkPayoutSent(ctx context.Context, proposalID, participantID uuid.UUID, reason, txRef string) error
	MarkPayoutFailed(ctx context.Context, proposalID, participantID uuid.UUID, reason, cause string) error
	DeleteFailedPayout(ctx context.Context, proposalID, participantID uuid.UUID, reason string) error
}

type ProposalStore interface {
	Create(ctx context.Context, p *models.SettlementProposal) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.SettlementProposal, error)
	AddSignature(ctx context.Context, id uuid.UUID, sig models.ProposalSignature) (count int, ok bool, err error)
	MarkApproved(ctx context.Context, id uuid.UUID) (bool, error)
	SupersedePending(ctx context.Context, escrowID uuid.UUID) error
}

type AuthorityStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Authority, error)
	ListActive(ctx context.Context) ([]models.Authority, error)
}

type DisputeStore interface {
	Create(ctx context.Context, d *models.Dispute) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Dispute, error)
	GetOpenByEscrow(ctx context.Context, escrowID uuid.UUID) (*models.Dispute, error)
	Resolve(ctx context.Context, id uuid.UUID, status, resolution string, resolvedBy uuid.UUID) (bool, error)
}

type ProofStore interface {
	Create(ctx context.Context, p *models.ProofRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.ProofRecord, error)
	Resolve(ctx context.Context, id uuid.UUID, status string, reason *string) (bool, error)
	ListByGame(ctx context.Context, gameID string, limit int) ([]models.ProofRecord, error)
	LatestVerifiedChainHash(ctx context.Context, gameID string) (string, error)
}

type VRFStore interface {
	Create(ctx context.Context, rec *models.VRFRecord) error
	GetByGameRound(ctx context.Context, gameID string, round int64) (*models.VRFRecord, error)
}

type AuditStore interface {
	Log(ctx context.Context, entry models.AuditLog) error
	GetByEntity(ctx context.Context, entityType string, entityID uuid.UUID, limit, offset int) ([]models.AuditLog, error)
}

// Enqueuer is the durable queue surface the services schedule work on.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue, kind string, payload any, opts jobs.EnqueueOptions) (string, error)
}

// Transferer moves TON out of the hot wallet. Implemented by ton.Client.
type Transferer interface {
	Transfer(ctx context.Context, toAddr string, amountNano int64, comment string) (txRef string, err error)
}

// Locker is a coarse mutual-exclusion primitive for money movement.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Job payloads.

type SettlementJobPayload struct {
	ProposalID uuid.UUID `json:"proposal_id"`
	EscrowID   uuid.UUID `json:"escrow_id"`
}

type RefundJobPayload struct {
	EscrowID uuid.UUID `json:"escrow_id"`
}

type ProofJobPayload struct {
	ProofID uuid.UUID `json:"proof_id"`
}
