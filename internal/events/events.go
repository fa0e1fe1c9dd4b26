package events

import "context"

// Stream is the Redis pub/sub channel all engine events go out on.
// Consumers (real-time transport, bot bridges) subscribe to it; the engine
// never waits on delivery.
const Stream = "events:settlement"

// Event types
const (
	EventDepositReceived    = "deposit_received"
	EventEscrowActive       = "escrow_active"
	EventEscrowExpired      = "escrow_expired"
	EventSettlementProposed = "settlement_proposed"
	EventSettlementSigned   = "settlement_signed"
	EventSettlementReady    = "settlement_ready"
	EventSettlementExecuted = "settlement_executed"
	EventSettlementFailed   = "settlement_failed"
	EventDisputeOpened      = "dispute_opened"
	EventDisputeResolved    = "dispute_resolved"
	EventEscrowPaused       = "escrow_paused"
	EventEscrowResumed      = "escrow_resumed"
	EventEscrowRefunded     = "escrow_refunded"
	EventProofVerified      = "proof_verified"
	EventProofRejected      = "proof_rejected"
	EventProofExpired       = "proof_expired"
	EventGameFlagged        = "game_flagged"
)

type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type Publisher interface {
	Publish(ctx context.Context, stream string, event Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, stream string, handler func(Event)) error
}
