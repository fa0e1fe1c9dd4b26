package repositories

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stakearena/fairness-engine/internal/models"
)

type ProposalRepo struct {
	pool *pgxpool.Pool
}

func NewProposalRepo(pool *pgxpool.Pool) *ProposalRepo {
	return &ProposalRepo{pool: pool}
}

func (r *ProposalRepo) Create(ctx context.Context, p *models.SettlementProposal) error {
	payouts, err := json.Marshal(p.Payouts)
	if err != nil {
		return err
	}
	return r.pool.QueryRow(ctx, `
		INSERT INTO settlement_proposals (escrow_id, proposer_id, payouts, platform_fee_nano,
			signatures, required_signatures, status, expires_at)
		VALUES ($1, $2, $3, $4, '[]'::jsonb, $5, $6, $7)
		RETURNING id, created_at
	`, p.EscrowID, p.ProposerID, payouts, p.PlatformFeeNano,
		p.RequiredSignatures, p.Status, p.ExpiresAt).Scan(&p.ID, &p.CreatedAt)
}

func (r *ProposalRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.SettlementProposal, error) {
	var p models.SettlementProposal
	var payouts, signatures []byte
	err := r.pool.QueryRow(ctx, `
		SELECT id, escrow_id, proposer_id, payouts, platform_fee_nano,
		       signatures, required_signatures, status, created_at, expires_at
		FROM settlement_proposals WHERE id = $1
	`, id).Scan(&p.ID, &p.EscrowID, &p.ProposerID, &payouts, &p.PlatformFeeNano,
		&signatures, &p.RequiredSignatures, &p.Status, &p.CreatedAt, &p.ExpiresAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payouts, &p.Payouts); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(signatures, &p.Signatures); err != nil {
		return nil, err
	}
	return &p, nil
}

// AddSignature appends a signature atomically. The jsonb containment
// predicate rejects a duplicate signer even under concurrent signing, and
// the status predicate rejects signatures on settled/superseded proposals.
// Returns the new signature count, or ok=false when the guard rejected.
func (r *ProposalRepo) AddSignature(ctx context.Context, id uuid.UUID, sig models.ProposalSignature) (count int, ok bool, err error) {
	entry, err := json.Marshal(sig)
	if err != nil {
		return 0, false, err
	}
	err = r.pool.QueryRow(ctx, `
		UPDATE settlement_proposals
		SET signatures = signatures || $1::jsonb
		WHERE id = $2
		  AND status = 'pending_signatures'
		  AND NOT signatures @> jsonb_build_array(jsonb_build_object('authority_id', $3::text))
		RETURNING jsonb_array_length(signatures)
	`, string(entry), id, sig.AuthorityID.String()).Scan(&count)
	if err == nil {
		return count, true, nil
	}
	if isNoRows(err) {
		return 0, false, nil
	}
	return 0, false, err
}

// MarkApproved flips a fully signed proposal; guarded so it happens once.
func (r *ProposalRepo) MarkApproved(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE settlement_proposals SET status = 'approved'
		WHERE id = $1 AND status = 'pending_signatures'
	`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// SupersedePending retires any open proposal for the escrow before a new
// one is created. Superseded proposals are never mutated again.
func (r *ProposalRepo) SupersedePending(ctx context.Context, escrowID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE settlement_proposals SET status = 'superseded'
		WHERE escrow_id = $1 AND status = 'pending_signatures'
	`, escrowID)
	return err
}
