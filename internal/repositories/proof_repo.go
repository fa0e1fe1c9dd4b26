package repositories

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stakearena/fairness-engine/internal/models"
)

type ProofRepo struct {
	pool *pgxpool.Pool
}

func NewProofRepo(pool *pgxpool.Pool) *ProofRepo {
	return &ProofRepo{pool: pool}
}

func (r *ProofRepo) Create(ctx context.Context, p *models.ProofRecord) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO proof_records (game_id, escrow_id, proof_type, payload, status, deadline)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, p.GameID, p.EscrowID, p.ProofType, p.Payload, p.Status, p.Deadline).
		Scan(&p.ID, &p.CreatedAt)
}

func (r *ProofRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.ProofRecord, error) {
	var p models.ProofRecord
	err := r.pool.QueryRow(ctx, `
		SELECT id, game_id, escrow_id, proof_type, payload, status, deadline, reason, verified_at, created_at
		FROM proof_records WHERE id = $1
	`, id).Scan(&p.ID, &p.GameID, &p.EscrowID, &p.ProofType, &p.Payload, &p.Status,
		&p.Deadline, &p.Reason, &p.VerifiedAt, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Resolve moves a proof out of pending exactly once. The status predicate
// makes concurrent resolution attempts collapse to a single winner.
func (r *ProofRepo) Resolve(ctx context.Context, id uuid.UUID, status string, reason *string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE proof_records
		SET status = $1, reason = $2, verified_at = CASE WHEN $1 = 'verified' THEN now() END
		WHERE id = $3 AND status = 'pending'
	`, status, reason, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *ProofRepo) ListByGame(ctx context.Context, gameID string, limit int) ([]models.ProofRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, game_id, escrow_id, proof_type, payload, status, deadline, reason, verified_at, created_at
		FROM proof_records WHERE game_id = $1 ORDER BY created_at DESC LIMIT $2
	`, gameID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ProofRecord
	for rows.Next() {
		var p models.ProofRecord
		if err := rows.Scan(&p.ID, &p.GameID, &p.EscrowID, &p.ProofType, &p.Payload, &p.Status,
			&p.Deadline, &p.Reason, &p.VerifiedAt, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// LatestVerifiedChainHash returns the hash of the newest verified
// game-state proof for the game, empty when the chain is fresh. Used to
// enforce append-only continuity.
func (r *ProofRepo) LatestVerifiedChainHash(ctx context.Context, gameID string) (string, error) {
	var hash string
	err := r.pool.QueryRow(ctx, `
		SELECT payload->>'claimed_hash' FROM proof_records
		WHERE game_id = $1 AND proof_type = 'game_state' AND status = 'verified'
		ORDER BY (payload->>'sequence')::bigint DESC LIMIT 1
	`, gameID).Scan(&hash)
	if isNoRows(err) {
		return "", nil
	}
	return hash, err
}
