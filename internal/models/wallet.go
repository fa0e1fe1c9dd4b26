package models

import (
	"time"

	"github.com/google/uuid"
)

// PlayerWallet is a payout wallet whose ownership the player proved via
// TON Connect. Escrows only pay out to verified wallets.
type PlayerWallet struct {
	ID              uuid.UUID  `json:"id"`
	PlayerID        string     `json:"player_id"`
	Address         string     `json:"address"`          // raw: 0:<hex>
	AddressFriendly string     `json:"address_friendly"` // EQ.../UQ...
	Network         string     `json:"network"`          // mainnet/testnet
	PublicKey       string     `json:"public_key"`       // hex
	ProofPayload    string     `json:"-"`
	ProofSignature  string     `json:"-"`
	ProofTimestamp  int64      `json:"-"`
	ProofDomain     string     `json:"-"`
	Verified        bool       `json:"verified"`
	ConnectedAt     time.Time  `json:"connected_at"`
	DisconnectedAt  *time.Time `json:"disconnected_at,omitempty"`
	IsActive        bool       `json:"is_active"`
}

type TonProofPayload struct {
	ID        uuid.UUID `json:"id"`
	Payload   string    `json:"payload"`
	PlayerID  *string   `json:"-"`
	CreatedAt time.Time `json:"-"`
	ExpiresAt time.Time `json:"-"`
	Used      bool      `json:"-"`
}
