package dto

import (
	"encoding/json"
	"time"
)

// Auth

type AuthTokenRequest struct {
	AuthorityID string `json:"authority_id"`
	Nonce       string `json:"nonce"`
	Signature   string `json:"signature"` // hex ed25519 over "auth-challenge-v1/"+nonce
}

// Escrow lifecycle

type CreateEscrowRequest struct {
	EventType    string               `json:"event_type"` // match / tournament / bet
	EventID      string               `json:"event_id"`
	Participants []ParticipantRequest `json:"participants"`
}

type ParticipantRequest struct {
	PlayerID      string `json:"player_id"`
	WalletAddress string `json:"wallet_address"`
	StakeNano     int64  `json:"stake_nano"`
}

type ProposeSettlementRequest struct {
	Payouts []PayoutRequest `json:"payouts"`
}

type PayoutRequest struct {
	ParticipantID string `json:"participant_id"`
	AmountNano    int64  `json:"amount_nano"`
	Reason        string `json:"reason"` // winner / runner_up / split / refund
}

type SignSettlementRequest struct {
	Signature string `json:"signature"` // hex ed25519 over the proposal digest
}

type InitiateDisputeRequest struct {
	InitiatorID string `json:"initiator_id"` // player id of the disputing participant
	Reason      string `json:"reason"`
	Evidence    any    `json:"evidence,omitempty"`
}

type ResolveDisputeRequest struct {
	Resolution string `json:"resolution"` // refund / resettle
}

type PauseEscrowRequest struct {
	Reason string `json:"reason"`
}

// Proof verification

type SubmitProofRequest struct {
	GameID    string          `json:"game_id"`
	EscrowID  *string         `json:"escrow_id,omitempty"`
	ProofType string          `json:"proof_type"` // randomness / game_state / action_valid / win_condition
	Payload   json.RawMessage `json:"payload"`
	Deadline  *time.Time      `json:"deadline,omitempty"`
}

// Randomness

type CommitSequenceRequest struct {
	GameID string `json:"game_id"`
	Round  int64  `json:"round"`
}

type VerifySequenceRequest struct {
	GameID    string  `json:"game_id"`
	Round     int64   `json:"round"`
	Timestamp int64   `json:"timestamp"`
	Seed      []byte  `json:"seed"`
	Values    []int64 `json:"values"`
	Proof     []byte  `json:"proof"`
}
