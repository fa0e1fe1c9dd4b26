package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Proof types
const (
	ProofTypeRandomness   = "randomness"
	ProofTypeGameState    = "game_state"
	ProofTypeActionValid  = "action_valid"
	ProofTypeWinCondition = "win_condition"
)

// Proof statuses. A record transitions exactly once out of pending;
// expired is terminal and distinct from invalid.
const (
	ProofStatusPending  = "pending"
	ProofStatusVerified = "verified"
	ProofStatusInvalid  = "invalid"
	ProofStatusExpired  = "expired"
)

func IsValidProofType(t string) bool {
	switch t {
	case ProofTypeRandomness, ProofTypeGameState, ProofTypeActionValid, ProofTypeWinCondition:
		return true
	}
	return false
}

// ProofRecord is one asynchronous verification request. The payload is
// opaque to the store and queue; only the verifier for its type decodes it.
type ProofRecord struct {
	ID         uuid.UUID       `json:"id"`
	GameID     string          `json:"game_id"`
	EscrowID   *uuid.UUID      `json:"escrow_id,omitempty"`
	ProofType  string          `json:"proof_type"`
	Payload    json.RawMessage `json:"payload"`
	Status     string          `json:"status"`
	Deadline   time.Time       `json:"deadline"`
	Reason     *string         `json:"reason,omitempty"`
	VerifiedAt *time.Time      `json:"verified_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// RandomnessPayload is the decoded body of a randomness proof: a committed
// sequence to re-derive and check.
type RandomnessPayload struct {
	GameID    string  `json:"game_id"`
	Round     int64   `json:"round"`
	Timestamp int64   `json:"timestamp"`
	Seed      []byte  `json:"seed"`
	Values    []int64 `json:"values"`
	Proof     []byte  `json:"proof"`
}

// GameStatePayload claims one append-only hash-chain link:
// hash = SHA256(state || prev_hash || actions).
type GameStatePayload struct {
	State      json.RawMessage `json:"state"`
	PrevHash   string          `json:"prev_hash"` // hex
	Actions    []GameAction    `json:"actions"`
	ClaimedHex string          `json:"claimed_hash"`
	Sequence   int64           `json:"sequence"`
}

type GameAction struct {
	ID       string          `json:"id"`
	PlayerID string          `json:"player_id"`
	Kind     string          `json:"kind"`
	Target   string          `json:"target,omitempty"`
	Cost     int64           `json:"cost,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// ActionPayload claims an action was legal against the state it applied to.
type ActionPayload struct {
	Action       GameAction `json:"action"`
	Phase        string     `json:"phase"`
	LegalPhases  []string   `json:"legal_phases"`
	Resources    int64      `json:"resources"`
	LegalTargets []string   `json:"legal_targets"`
}

// Win condition kinds
const (
	WinByElimination = "elimination"
	WinByTimeout     = "timeout"
	WinByForfeit     = "forfeit"
)

// WinConditionPayload claims a match outcome against the final state.
type WinConditionPayload struct {
	WinnerID     string       `json:"winner_id"`
	Condition    string       `json:"condition"`
	FinalState   FinalState   `json:"final_state"`
	ActionsCount int          `json:"actions_count"`
	LastActions  []GameAction `json:"last_actions,omitempty"`
}

type FinalState struct {
	PlayerHP   map[string]int64 `json:"player_hp"`
	DeadlineAt int64            `json:"deadline_at,omitempty"`
	EndedAt    int64            `json:"ended_at"`
	ForfeitBy  string           `json:"forfeit_by,omitempty"`
}
