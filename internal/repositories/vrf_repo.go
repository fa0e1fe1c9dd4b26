package repositories

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stakearena/fairness-engine/internal/models"
)

type VRFRepo struct {
	pool *pgxpool.Pool
}

func NewVRFRepo(pool *pgxpool.Pool) *VRFRepo {
	return &VRFRepo{pool: pool}
}

func (r *VRFRepo) Create(ctx context.Context, rec *models.VRFRecord) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO vrf_records (game_id, round, ts, seed, hash, proof, vals)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`, rec.GameID, rec.Round, rec.Timestamp, rec.Seed, rec.Hash, rec.Proof, rec.Values).
		Scan(&rec.ID, &rec.CreatedAt)
}

func (r *VRFRepo) GetByGameRound(ctx context.Context, gameID string, round int64) (*models.VRFRecord, error) {
	var rec models.VRFRecord
	err := r.pool.QueryRow(ctx, `
		SELECT id, game_id, round, ts, seed, hash, proof, vals, created_at
		FROM vrf_records WHERE game_id = $1 AND round = $2
		ORDER BY created_at DESC LIMIT 1
	`, gameID, round).Scan(&rec.ID, &rec.GameID, &rec.Round, &rec.Timestamp,
		&rec.Seed, &rec.Hash, &rec.Proof, &rec.Values, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
