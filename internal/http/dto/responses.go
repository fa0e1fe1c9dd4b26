package dto

type AuthChallengeResponse struct {
	Nonce string `json:"nonce"`
}

type AuthTokenResponse struct {
	Token     string `json:"token"`
	Authority any    `json:"authority"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

type SuccessResponse struct {
	OK   bool `json:"ok"`
	Data any  `json:"data,omitempty"`
}

// EscrowResponse bundles the escrow row with its participants; deposit
// memos in the participant rows are what the indexer matches transfers on.
type EscrowResponse struct {
	Escrow       any `json:"escrow"`
	Participants any `json:"participants"`
}

type DepositInfoResponse struct {
	EscrowID      string `json:"escrow_id"`
	WalletAddress string `json:"wallet_address"` // hot wallet to send the stake to
	Memo          string `json:"memo"`
	AmountNano    int64  `json:"amount_nano"`
	Status        string `json:"status"`
}

type VerifySequenceResponse struct {
	Valid bool `json:"valid"`
}

type DerivationKeyResponse struct {
	DerivationKey string `json:"derivation_key"` // hex, public verification material
}

type QueueStatsResponse struct {
	Queues map[string]any `json:"queues"`
}
