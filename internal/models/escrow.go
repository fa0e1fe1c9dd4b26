package models

import (
	"time"

	"github.com/google/uuid"
)

// Escrow statuses
const (
	EscrowStatusPendingDeposits = "pending_deposits"
	EscrowStatusActive          = "active"
	EscrowStatusPendingSettle   = "pending_settlement"
	EscrowStatusReadyToSettle   = "ready_to_settle"
	EscrowStatusSettled         = "settled"
	EscrowStatusDisputed        = "disputed"
	EscrowStatusCancelled       = "cancelled"
)

// Event types an escrow can back.
const (
	EventTypeMatch      = "match"
	EventTypeTournament = "tournament"
	EventTypeBet        = "bet"
)

// Deposit statuses (per participant)
const (
	DepositStatusPending   = "pending"
	DepositStatusCompleted = "completed"
)

// Valid state transitions: from -> []to. Pause is tracked separately on
// the escrow (PausedAt) and blocks every transition while set; terminal
// statuses are retained for audit, never deleted.
var ValidEscrowTransitions = map[string][]string{
	EscrowStatusPendingDeposits: {EscrowStatusActive, EscrowStatusCancelled},
	EscrowStatusActive:          {EscrowStatusPendingSettle, EscrowStatusDisputed},
	EscrowStatusPendingSettle:   {EscrowStatusReadyToSettle, EscrowStatusDisputed},
	EscrowStatusReadyToSettle:   {EscrowStatusSettled, EscrowStatusDisputed},
	EscrowStatusDisputed:        {EscrowStatusPendingSettle, EscrowStatusCancelled},
	EscrowStatusSettled:         {},
	EscrowStatusCancelled:       {},
}

func IsValidTransition(from, to string) bool {
	allowed, ok := ValidEscrowTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func IsTerminal(status string) bool {
	return len(ValidEscrowTransitions[status]) == 0
}

// SumToleranceNano is the rounding tolerance for the payout sum invariant:
// 0.001 TON expressed in nanoton.
const SumToleranceNano = int64(1_000_000)

type Escrow struct {
	ID                uuid.UUID  `json:"id"`
	EventType         string     `json:"event_type"`
	EventID           string     `json:"event_id"`
	TotalAmountNano   int64      `json:"total_amount_nano"`
	PlatformFeeBPS    int        `json:"platform_fee_bps"`
	DepositAddress    string     `json:"deposit_address"`
	Status            string     `json:"status"`
	CurrentProposalID *uuid.UUID `json:"current_proposal_id,omitempty"`
	DisputeID         *uuid.UUID `json:"dispute_id,omitempty"`
	PausedAt          *time.Time `json:"paused_at,omitempty"`
	PauseReason       *string    `json:"pause_reason,omitempty"`
	SettledAt         *time.Time `json:"settled_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	ExpiresAt         time.Time  `json:"expires_at"`
}

// IsPaused reports whether an emergency pause is in effect.
func (e *Escrow) IsPaused() bool {
	return e.PausedAt != nil
}

// PlatformFeeNano computes the fee owed on the full pot.
func (e *Escrow) PlatformFeeNano() int64 {
	return e.TotalAmountNano * int64(e.PlatformFeeBPS) / 10_000
}

// Participant is one staked party of an escrow. DepositMemo is the
// transfer comment that ties an on-chain payment back to this row.
type Participant struct {
	ID                 uuid.UUID  `json:"id"`
	EscrowID           uuid.UUID  `json:"escrow_id"`
	PlayerID           string     `json:"player_id"`
	WalletAddress      string     `json:"wallet_address"`
	RequiredAmountNano int64      `json:"required_amount_nano"`
	DepositStatus      string     `json:"deposit_status"`
	DepositMemo        string     `json:"deposit_memo"`
	DepositTxRef       *string    `json:"deposit_tx_ref,omitempty"`
	DepositedAt        *time.Time `json:"deposited_at,omitempty"`
}

// Proposal statuses
const (
	ProposalStatusPendingSignatures = "pending_signatures"
	ProposalStatusApproved          = "approved"
	ProposalStatusSuperseded        = "superseded"
)

type SettlementProposal struct {
	ID                 uuid.UUID           `json:"id"`
	EscrowID           uuid.UUID           `json:"escrow_id"`
	ProposerID         uuid.UUID           `json:"proposer_id"`
	Payouts            []Payout            `json:"payouts"`
	PlatformFeeNano    int64               `json:"platform_fee_nano"`
	Signatures         []ProposalSignature `json:"signatures"`
	RequiredSignatures int                 `json:"required_signatures"`
	Status             string              `json:"status"`
	CreatedAt          time.Time           `json:"created_at"`
	ExpiresAt          time.Time           `json:"expires_at"` // dispute window
}

// HasSigned reports whether the authority already signed this proposal.
func (p *SettlementProposal) HasSigned(authorityID uuid.UUID) bool {
	for _, s := range p.Signatures {
		if s.AuthorityID == authorityID {
			return true
		}
	}
	return false
}

type Payout struct {
	ParticipantID uuid.UUID `json:"participant_id"`
	AmountNano    int64     `json:"amount_nano"`
	Reason        string    `json:"reason"` // winner / refund / split
}

type ProposalSignature struct {
	AuthorityID uuid.UUID `json:"authority_id"`
	Signature   string    `json:"signature"` // hex ed25519
	SignedAt    time.Time `json:"signed_at"`
}

// Payout execution statuses. A row exists per attempted transfer; the
// unique (proposal, participant, reason) constraint is the durable
// at-most-once record behind ExecuteSettlement.
const (
	PayoutStatusSent   = "sent"
	PayoutStatusFailed = "failed"
)

type PayoutResult struct {
	ID            uuid.UUID `json:"id"`
	ProposalID    uuid.UUID `json:"proposal_id"`
	ParticipantID uuid.UUID `json:"participant_id"` // uuid.Nil for the fee transfer
	Reason        string    `json:"reason"`
	AmountNano    int64     `json:"amount_nano"`
	Status        string    `json:"status"`
	TxRef         *string   `json:"tx_ref,omitempty"`
	Error         *string   `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// FeeReason is the payout reason reserved for the platform fee transfer.
const FeeReason = "platform_fee"
