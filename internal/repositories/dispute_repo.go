package repositories

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stakearena/fairness-engine/internal/models"
)

type DisputeRepo struct {
	pool *pgxpool.Pool
}

func NewDisputeRepo(pool *pgxpool.Pool) *DisputeRepo {
	return &DisputeRepo{pool: pool}
}

func (r *DisputeRepo) Create(ctx context.Context, d *models.Dispute) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO disputes (escrow_id, initiator_id, reason, evidence, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, d.EscrowID, d.InitiatorID, d.Reason, d.Evidence, d.Status).Scan(&d.ID, &d.CreatedAt)
}

func (r *DisputeRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Dispute, error) {
	var d models.Dispute
	err := r.pool.QueryRow(ctx, `
		SELECT id, escrow_id, initiator_id, reason, evidence, status,
		       resolution, resolved_by, created_at, resolved_at
		FROM disputes WHERE id = $1
	`, id).Scan(&d.ID, &d.EscrowID, &d.InitiatorID, &d.Reason, &d.Evidence, &d.Status,
		&d.Resolution, &d.ResolvedBy, &d.CreatedAt, &d.ResolvedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// Resolve closes a dispute exactly once; guarded on the open statuses.
func (r *DisputeRepo) Resolve(ctx context.Context, id uuid.UUID, status, resolution string, resolvedBy uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE disputes SET status = $1, resolution = $2, resolved_by = $3, resolved_at = now()
		WHERE id = $4 AND status IN ('open', 'under_review')
	`, status, resolution, resolvedBy, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *DisputeRepo) GetOpenByEscrow(ctx context.Context, escrowID uuid.UUID) (*models.Dispute, error) {
	var d models.Dispute
	err := r.pool.QueryRow(ctx, `
		SELECT id, escrow_id, initiator_id, reason, evidence, status,
		       resolution, resolved_by, created_at, resolved_at
		FROM disputes WHERE escrow_id = $1 AND status IN ('open', 'under_review')
		ORDER BY created_at DESC LIMIT 1
	`, escrowID).Scan(&d.ID, &d.EscrowID, &d.InitiatorID, &d.Reason, &d.Evidence, &d.Status,
		&d.Resolution, &d.ResolvedBy, &d.CreatedAt, &d.ResolvedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
