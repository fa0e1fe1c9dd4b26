package repositories

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stakearena/fairness-engine/internal/models"
)

type WalletRepo struct {
	pool *pgxpool.Pool
}

func NewWalletRepo(pool *pgxpool.Pool) *WalletRepo {
	return &WalletRepo{pool: pool}
}

// --- Proof Payloads (nonce) ---

func (r *WalletRepo) CreateProofPayload(ctx context.Context, playerID *string, ttl time.Duration) (*models.TonProofPayload, error) {
	payload := generateNonce(32)
	p := &models.TonProofPayload{
		Payload:  payload,
		PlayerID: playerID,
	}

	err := r.pool.QueryRow(ctx, `
		INSERT INTO ton_proof_payloads (payload, player_id, expires_at)
		VALUES ($1, $2, now() + $3::interval)
		RETURNING id, created_at, expires_at
	`, payload, playerID, ttl.String()).Scan(&p.ID, &p.CreatedAt, &p.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r *WalletRepo) ConsumeProofPayload(ctx context.Context, payload string) (*models.TonProofPayload, error) {
	var p models.TonProofPayload
	err := r.pool.QueryRow(ctx, `
		UPDATE ton_proof_payloads
		SET used = true
		WHERE payload = $1 AND used = false AND expires_at > now()
		RETURNING id, payload, player_id, created_at, expires_at, used
	`, payload).Scan(&p.ID, &p.Payload, &p.PlayerID, &p.CreatedAt, &p.ExpiresAt, &p.Used)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// --- Player Wallets ---

func (r *WalletRepo) ConnectWallet(ctx context.Context, w *models.PlayerWallet) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO player_wallets (
			player_id, address, address_friendly, network, public_key,
			proof_payload, proof_signature, proof_timestamp, proof_domain,
			verified, is_active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, true)
		ON CONFLICT (player_id, address) DO UPDATE SET
			public_key = EXCLUDED.public_key,
			proof_payload = EXCLUDED.proof_payload,
			proof_signature = EXCLUDED.proof_signature,
			proof_timestamp = EXCLUDED.proof_timestamp,
			proof_domain = EXCLUDED.proof_domain,
			verified = EXCLUDED.verified,
			is_active = true,
			disconnected_at = NULL,
			connected_at = now()
		RETURNING id, connected_at
	`, w.PlayerID, w.Address, w.AddressFriendly, w.Network, w.PublicKey,
		w.ProofPayload, w.ProofSignature, w.ProofTimestamp, w.ProofDomain,
		w.Verified,
	).Scan(&w.ID, &w.ConnectedAt)
}

func (r *WalletRepo) DeactivateAllWallets(ctx context.Context, playerID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE player_wallets SET is_active = false, disconnected_at = now()
		WHERE player_id = $1 AND is_active = true
	`, playerID)
	return err
}

func (r *WalletRepo) GetActiveWallet(ctx context.Context, playerID string) (*models.PlayerWallet, error) {
	var w models.PlayerWallet
	err := r.pool.QueryRow(ctx, `
		SELECT id, player_id, address, address_friendly, network, public_key,
		       proof_payload, proof_signature, proof_timestamp, proof_domain,
		       verified, connected_at, disconnected_at, is_active
		FROM player_wallets
		WHERE player_id = $1 AND is_active = true
		ORDER BY connected_at DESC LIMIT 1
	`, playerID).Scan(
		&w.ID, &w.PlayerID, &w.Address, &w.AddressFriendly, &w.Network, &w.PublicKey,
		&w.ProofPayload, &w.ProofSignature, &w.ProofTimestamp, &w.ProofDomain,
		&w.Verified, &w.ConnectedAt, &w.DisconnectedAt, &w.IsActive,
	)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func generateNonce(bytes int) string {
	b := make([]byte, bytes)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
