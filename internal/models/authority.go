package models

import (
	"time"

	"github.com/google/uuid"
)

// Authority roles
const (
	AuthorityRoleSettlement = "settlement"
	AuthorityRoleAdmin      = "admin"
)

// Authority is a registered settlement signer. The engine only holds
// public verification material; key custody lives with the authority.
type Authority struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	Role         string    `json:"role"`
	PublicKeyHex string    `json:"public_key"` // ed25519
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}
