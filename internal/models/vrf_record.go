package models

import (
	"time"

	"github.com/google/uuid"
)

// VRFRecord is a persisted randomness commitment, retained so any party
// can later audit a match's chance outcomes against the published proof.
type VRFRecord struct {
	ID        uuid.UUID `json:"id"`
	GameID    string    `json:"game_id"`
	Round     int64     `json:"round"`
	Timestamp int64     `json:"timestamp"`
	Seed      []byte    `json:"seed"`
	Hash      []byte    `json:"hash,omitempty"`
	Proof     []byte    `json:"proof"`
	Values    []int64   `json:"values,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
